// refinery drives iterative refinement of generated training scripts.
//
// Usage:
//
//	refinery run --config <run.yaml> [--run-id <id>] [--logs-root <dir>] [--metrics-addr <addr>]
//	refinery resume (--logs-root <dir> | --latest) [--metrics-addr <addr>]
//	refinery status (--logs-root <dir> | --latest) [--json]
//	refinery validate --config <run.yaml>
package main

import (
	"errors"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/danshapiro/refinery/internal/refinery/runtime"
)

// version is set at build time via -ldflags.
var version = "dev"

const (
	exitOK        = 0
	exitFailed    = 1
	exitCancelled = 3
)

// exitError carries a process exit code out of a command.
type exitError struct {
	code int
}

func (e *exitError) Error() string { return fmt.Sprintf("exit status %d", e.code) }

func newRootCmd(stdout, stderr io.Writer) *cobra.Command {
	root := &cobra.Command{
		Use:           "refinery",
		Short:         "Iteratively refine generated ML training scripts",
		Long:          "refinery generates candidate solutions, refines them in parallel outer/inner loops,\nensembles the results and checkpoints every phase so runs can resume.",
		SilenceUsage:  true,
		SilenceErrors: true,
		Version:       version,
		CompletionOptions: cobra.CompletionOptions{
			HiddenDefaultCmd: true,
		},
	}
	root.SetOut(stdout)
	root.SetErr(stderr)
	root.AddCommand(newRunCmd())
	root.AddCommand(newResumeCmd())
	root.AddCommand(newStatusCmd())
	root.AddCommand(newValidateCmd())
	return root
}

func execute(args []string, stdout, stderr io.Writer) int {
	root := newRootCmd(stdout, stderr)
	root.SetArgs(args)
	err := root.Execute()
	if err == nil {
		return exitOK
	}
	var ee *exitError
	if errors.As(err, &ee) {
		return ee.code
	}
	fmt.Fprintln(stderr, err)
	return exitFailed
}

func exitCodeFor(status runtime.FinalStatus) int {
	switch status {
	case runtime.FinalCompleted:
		return exitOK
	case runtime.FinalCancelled:
		return exitCancelled
	default:
		return exitFailed
	}
}

func main() {
	os.Exit(execute(os.Args[1:], os.Stdout, os.Stderr))
}
