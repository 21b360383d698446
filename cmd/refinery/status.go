package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/spf13/cobra"

	"github.com/danshapiro/refinery/internal/refinery/engine"
	"github.com/danshapiro/refinery/internal/refinery/runstate"
)

func newStatusCmd() *cobra.Command {
	var flags struct {
		logsRoot string
		latest   bool
		asJSON   bool
	}
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the state of a run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logsRoot, err := resolveLogsRootFlag(flags.logsRoot, flags.latest, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			return printSnapshot(logsRoot, cmd.OutOrStdout(), flags.asJSON)
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.logsRoot, "logs-root", "", "logs root of the run")
	f.BoolVar(&flags.latest, "latest", false, "use the most recent run in the state dir")
	f.BoolVar(&flags.asJSON, "json", false, "print the snapshot as JSON")
	cmd.MarkFlagsMutuallyExclusive("logs-root", "latest")
	return cmd
}

func printSnapshot(logsRoot string, stdout io.Writer, asJSON bool) error {
	snapshot, err := runstate.LoadSnapshot(logsRoot)
	if err != nil {
		return err
	}
	if asJSON {
		enc := json.NewEncoder(stdout)
		enc.SetIndent("", "  ")
		return enc.Encode(snapshot)
	}

	fmt.Fprintf(stdout, "state=%s\n", snapshot.State)
	fmt.Fprintf(stdout, "run_id=%s\n", snapshot.RunID)
	fmt.Fprintf(stdout, "run=%d\n", snapshot.Run)
	fmt.Fprintf(stdout, "node=%s\n", snapshot.CurrentNodeID)
	fmt.Fprintf(stdout, "iteration=%d\n", snapshot.Iteration)
	fmt.Fprintf(stdout, "score=%g\n", float64(snapshot.Score))
	fmt.Fprintf(stdout, "event=%s\n", snapshot.LastEvent)
	fmt.Fprintf(stdout, "pid=%d\n", snapshot.PID)
	fmt.Fprintf(stdout, "pid_alive=%t\n", snapshot.PIDAlive)
	if !snapshot.LastEventAt.IsZero() {
		fmt.Fprintf(stdout, "last_event_at=%s\n", snapshot.LastEventAt.UTC().Format(time.RFC3339Nano))
	}
	if snapshot.LastCheckpoint != "" {
		fmt.Fprintf(stdout, "last_checkpoint=%s\n", snapshot.LastCheckpoint)
	}
	if snapshot.FailureReason != "" {
		fmt.Fprintf(stdout, "failure_reason=%s\n", snapshot.FailureReason)
	}
	return nil
}

func resolveLogsRootFlag(logsRoot string, latest bool, stderr io.Writer) (string, error) {
	if !latest {
		if logsRoot == "" {
			return "", fmt.Errorf("--logs-root or --latest is required")
		}
		return logsRoot, nil
	}
	root, err := latestRunLogsRoot(engine.RunsDir())
	if err != nil {
		return "", err
	}
	fmt.Fprintf(stderr, "logs_root=%s\n", root)
	return root, nil
}

// latestRunLogsRoot returns the most recently modified run directory.
func latestRunLogsRoot(runsDir string) (string, error) {
	entries, err := os.ReadDir(runsDir)
	if err != nil {
		return "", fmt.Errorf("no runs found in %s: %w", runsDir, err)
	}
	type dirEntry struct {
		name    string
		modTime time.Time
	}
	var dirs []dirEntry
	for _, e := range entries {
		if !e.IsDir() {
			continue
		}
		info, err := e.Info()
		if err != nil {
			continue
		}
		dirs = append(dirs, dirEntry{name: e.Name(), modTime: info.ModTime()})
	}
	if len(dirs) == 0 {
		return "", fmt.Errorf("no run directories found in %s", runsDir)
	}
	sort.Slice(dirs, func(i, j int) bool {
		return dirs[i].modTime.After(dirs[j].modTime)
	})
	return filepath.Join(runsDir, dirs[0].name), nil
}
