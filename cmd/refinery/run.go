package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/danshapiro/refinery/internal/logging"
	"github.com/danshapiro/refinery/internal/refinery/engine"
	"github.com/danshapiro/refinery/internal/refinery/metrics"
)

func newRunCmd() *cobra.Command {
	var flags struct {
		configPath  string
		runID       string
		logsRoot    string
		metricsAddr string
	}
	cmd := &cobra.Command{
		Use:   "run",
		Short: "Start a new refinement run",
		RunE: func(cmd *cobra.Command, _ []string) error {
			cfg, err := engine.LoadRunConfigFile(flags.configPath)
			if err != nil {
				return err
			}
			runID := flags.runID
			if runID == "" {
				runID = engine.NewRunID()
			}
			logsRoot := engine.ResolveLogsRoot(cfg, runID, flags.logsRoot)
			closeLog, err := initLogging(cfg, logsRoot, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			m, err := startMetrics(ctx, cfg, flags.metricsAddr)
			if err != nil {
				return err
			}

			e, closeStore, err := engine.Build(ctx, cfg, runID, logsRoot, engine.Deps{
				Metrics: m,
				Logger:  logging.New("refinery"),
			})
			if err != nil {
				return err
			}
			defer func() { _ = closeStore() }()

			res, runErr := e.Run(ctx)
			return report(cmd.OutOrStdout(), cmd.ErrOrStderr(), res, runErr)
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.configPath, "config", "", "run config file (YAML or JSON)")
	f.StringVar(&flags.runID, "run-id", "", "run id (default: a new ULID)")
	f.StringVar(&flags.logsRoot, "logs-root", "", "directory for run artifacts (default: logs_root from the config, then the state dir)")
	f.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides metrics.addr)")
	_ = cmd.MarkFlagRequired("config")
	return cmd
}

func newResumeCmd() *cobra.Command {
	var flags struct {
		logsRoot    string
		latest      bool
		metricsAddr string
	}
	cmd := &cobra.Command{
		Use:   "resume",
		Short: "Continue an interrupted run from its latest checkpoints",
		RunE: func(cmd *cobra.Command, _ []string) error {
			logsRoot, err := resolveLogsRootFlag(flags.logsRoot, flags.latest, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			cfg, err := engine.LoadRunConfigFile(filepath.Join(logsRoot, "run_config.json"))
			if err != nil {
				return fmt.Errorf("load run config snapshot: %w", err)
			}
			closeLog, err := initLogging(cfg, logsRoot, cmd.ErrOrStderr())
			if err != nil {
				return err
			}
			defer closeLog()

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()
			m, err := startMetrics(ctx, cfg, flags.metricsAddr)
			if err != nil {
				return err
			}
			res, runErr := engine.Resume(ctx, logsRoot, engine.Deps{
				Metrics: m,
				Logger:  logging.New("refinery"),
			})
			return report(cmd.OutOrStdout(), cmd.ErrOrStderr(), res, runErr)
		},
	}
	f := cmd.Flags()
	f.StringVar(&flags.logsRoot, "logs-root", "", "logs root of the run to resume")
	f.BoolVar(&flags.latest, "latest", false, "resume the most recent run in the state dir")
	cmd.MarkFlagsMutuallyExclusive("logs-root", "latest")
	f.StringVar(&flags.metricsAddr, "metrics-addr", "", "serve Prometheus metrics on this address (overrides metrics.addr)")
	return cmd
}

// initLogging sends records to stderr and <logs_root>/run.log.
func initLogging(cfg *engine.RunConfigFile, logsRoot string, stderr io.Writer) (func(), error) {
	level, err := logging.ParseLevel(cfg.Logging.Level)
	if err != nil {
		return nil, err
	}
	format, err := logging.ParseFormat(cfg.Logging.Format)
	if err != nil {
		return nil, err
	}
	if err := os.MkdirAll(logsRoot, 0o755); err != nil {
		return nil, err
	}
	f, err := os.OpenFile(filepath.Join(logsRoot, "run.log"), os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
	if err != nil {
		return nil, err
	}
	logging.Init(level, format, stderr, f)
	return func() { _ = f.Close() }, nil
}

func startMetrics(ctx context.Context, cfg *engine.RunConfigFile, addr string) (*metrics.Metrics, error) {
	m := metrics.New()
	if addr == "" {
		addr = cfg.Metrics.Addr
	}
	if addr == "" {
		return m, nil
	}
	if err := m.Serve(ctx, addr, logging.New("metrics")); err != nil {
		return nil, err
	}
	return m, nil
}

func report(stdout, stderr io.Writer, res *engine.Result, runErr error) error {
	if res == nil {
		return runErr
	}
	fmt.Fprintf(stdout, "run_id=%s\n", res.RunID)
	fmt.Fprintf(stdout, "logs_root=%s\n", res.LogsRoot)
	fmt.Fprintf(stdout, "status=%s\n", res.Status)
	if res.Final != nil {
		fmt.Fprintf(stdout, "score=%g\n", res.Final.Score)
		fmt.Fprintf(stdout, "final_solution=%s\n", filepath.Join(res.LogsRoot, "final_solution.py"))
	}
	if res.LastCheckpoint != "" {
		fmt.Fprintf(stdout, "last_checkpoint=%s\n", res.LastCheckpoint)
	}
	if runErr != nil {
		fmt.Fprintln(stderr, runErr)
	}
	if code := exitCodeFor(res.Status); code != exitOK {
		return &exitError{code: code}
	}
	return nil
}
