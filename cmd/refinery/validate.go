package main

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/danshapiro/refinery/internal/refinery/engine"
)

func newValidateCmd() *cobra.Command {
	var configPath string
	cmd := &cobra.Command{
		Use:   "validate",
		Short: "Check a run config and print the effective settings",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := engine.LoadRunConfigFile(configPath)
			if err != nil {
				return err
			}
			opts, err := cfg.Options()
			if err != nil {
				return err
			}
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "inner_loop_iterations=%d\n", opts.InnerLoopIterations)
			fmt.Fprintf(out, "outer_loop_iterations=%d\n", opts.OuterLoopIterations)
			fmt.Fprintf(out, "ensemble_iterations=%d\n", opts.EnsembleIterations)
			fmt.Fprintf(out, "max_debug_retries=%d\n", opts.MaxDebugRetries)
			fmt.Fprintf(out, "max_node_executions=%d\n", opts.MaxNodeExecutions)
			fmt.Fprintf(out, "parallel_runs=%d\n", opts.ParallelRuns)
			fmt.Fprintf(out, "ensemble_worker_limit=%d\n", opts.EnsembleWorkerLimit)
			fmt.Fprintf(out, "pipeline_timeout=%s\n", opts.PipelineTimeout)
			fmt.Fprintf(out, "per_call_timeout=%s\n", opts.PerCallTimeout)
			fmt.Fprintf(out, "checkpoint_backend=%s\n", cfg.Checkpoint.Backend)
			if opts.BudgetIsTight() {
				fmt.Fprintf(cmd.ErrOrStderr(), "WARNING: max_node_executions=%d leaves no slack for %d outer iterations\n",
					opts.MaxNodeExecutions, opts.OuterLoopIterations)
			}
			fmt.Fprintln(out, "ok")
			return nil
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "run config file (YAML or JSON)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}
