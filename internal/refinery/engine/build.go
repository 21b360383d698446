package engine

import (
	"context"
	"fmt"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/danshapiro/refinery/internal/llm"
	"github.com/danshapiro/refinery/internal/logging"
	"github.com/danshapiro/refinery/internal/pyexec"
	"github.com/danshapiro/refinery/internal/refinery/capability"
	"github.com/danshapiro/refinery/internal/refinery/checkpoint"
	"github.com/danshapiro/refinery/internal/refinery/events"
	"github.com/danshapiro/refinery/internal/refinery/metrics"
)

// textOperations are served by the text-generation adapter alone.
var textOperations = []string{
	capability.OpInitial,
	capability.OpMerge,
	capability.OpLeakageCheck,
	capability.OpDataUsageCheck,
	capability.OpDebug,
	capability.OpPlan,
	capability.OpCode,
	capability.OpSummarize,
	capability.OpExtract,
	capability.OpEnsemblePlan,
	capability.OpEnsemble,
}

// Deps are the collaborators a caller may supply to Build. Zero values are
// replaced by the adapters described in the run config.
type Deps struct {
	Port    capability.Port
	Events  events.Sink
	Metrics *metrics.Metrics
	Logger  *slog.Logger
}

// Build assembles an engine for cfg; logsRoot is resolved with
// ResolveLogsRoot. The returned close function releases the checkpoint backend.
func Build(ctx context.Context, cfg *RunConfigFile, runID, logsRoot string, deps Deps) (*Engine, func() error, error) {
	if cfg == nil {
		return nil, nil, fmt.Errorf("config is nil")
	}
	opts, err := cfg.Options()
	if err != nil {
		return nil, nil, err
	}
	if strings.TrimSpace(runID) == "" {
		runID = NewRunID()
	}
	logsRoot = ResolveLogsRoot(cfg, runID, logsRoot)

	var initial string
	if cfg.InitialArtifact != "" {
		b, err := os.ReadFile(cfg.InitialArtifact)
		if err != nil {
			return nil, nil, fmt.Errorf("read initial artifact: %w", err)
		}
		initial = string(b)
	}

	port := deps.Port
	if port == nil {
		task, err := cfg.ResolveTask()
		if err != nil {
			return nil, nil, err
		}
		reg, err := BuildPort(cfg, task, deps.Logger)
		if err != nil {
			return nil, nil, err
		}
		port = reg
	}

	store, closeStore, err := OpenStore(ctx, cfg, logsRoot, runID)
	if err != nil {
		return nil, nil, err
	}

	logger := deps.Logger
	if logger == nil {
		logger = logging.New("engine")
	}
	fileSink := events.NewFileSink(logsRoot)
	fileSink.Logger = logger
	e := &Engine{
		Options:         opts,
		RunID:           runID,
		LogsRoot:        logsRoot,
		InitialArtifact: initial,
		RunConfig:       cfg,
		Port:            port,
		Store:           store,
		Events:          events.Fanout(fileSink, events.LogSink{Logger: logger}, deps.Events),
		Metrics:         deps.Metrics,
		Logger:          logger,
	}
	return e, closeStore, nil
}

// ResolveTask returns the inline task, or the contents of task_file.
func (cfg *RunConfigFile) ResolveTask() (string, error) {
	if strings.TrimSpace(cfg.Task) != "" {
		return cfg.Task, nil
	}
	if cfg.TaskFile == "" {
		return "", nil
	}
	b, err := os.ReadFile(cfg.TaskFile)
	if err != nil {
		return "", fmt.Errorf("read task file: %w", err)
	}
	return string(b), nil
}

// BuildPort wires the text-generation and code-execution adapters into one
// registry covering every pipeline operation.
func BuildPort(cfg *RunConfigFile, task string, logger *slog.Logger) (*capability.Registry, error) {
	client := llm.NewClient(llm.Config{
		Provider:     cfg.LLM.Provider,
		APIKey:       strings.TrimSpace(os.Getenv(cfg.LLM.APIKeyEnv)),
		BaseURL:      cfg.LLM.BaseURL,
		Path:         cfg.LLM.Path,
		Model:        cfg.LLM.Model,
		Temperature:  cfg.LLM.Temperature,
		MaxTokens:    cfg.LLM.MaxTokens,
		ExtraHeaders: cfg.LLM.Headers,
	})
	var overrides fs.FS
	if cfg.LLM.PromptsDir != "" {
		overrides = os.DirFS(cfg.LLM.PromptsDir)
	}
	prompts, err := llm.LoadPrompts(overrides)
	if err != nil {
		return nil, err
	}
	gen := &llm.Capability{Client: client, Prompts: prompts, Task: task, Logger: logger}

	var timeout time.Duration
	if cfg.Exec.TimeoutMS != nil {
		timeout = time.Duration(*cfg.Exec.TimeoutMS) * time.Millisecond
	}
	runner, err := pyexec.New(pyexec.Options{
		Interpreter:   cfg.Exec.Interpreter,
		WorkDir:       cfg.Exec.WorkDir,
		Env:           cfg.Exec.Env,
		Timeout:       timeout,
		ScorePattern:  cfg.Exec.ScorePattern,
		LowerIsBetter: cfg.Exec.LowerIsBetter,
	})
	if err != nil {
		return nil, fmt.Errorf("exec: %w", err)
	}
	return NewPort(gen, runner), nil
}

// NewPort routes text operations to gen and executions to run. Ablation and
// submission generate a script with gen and then run it.
func NewPort(gen, run capability.Port) *capability.Registry {
	reg := capability.NewRegistry()
	for _, op := range textOperations {
		reg.Register(op, gen)
	}
	reg.Register(capability.OpEvaluate, run)
	reg.Register(capability.OpAblate, generateThenRun(gen, run))
	reg.Register(capability.OpSubmit, generateThenRun(gen, run))
	return reg
}

// generateThenRun returns the generated script together with its execution.
func generateThenRun(gen, run capability.Port) capability.Port {
	return capability.Func(func(ctx context.Context, operationID string, in capability.Payload) (capability.Payload, error) {
		script, err := gen.Invoke(ctx, operationID, in)
		if err != nil {
			return capability.Payload{}, err
		}
		out, err := run.Invoke(ctx, capability.OpEvaluate, capability.Payload{
			Text:           script.Text,
			TimeoutSeconds: in.TimeoutSeconds,
		})
		if err != nil {
			return capability.Payload{}, fmt.Errorf("%s script: %w", operationID, err)
		}
		out.Text = script.Text
		return out, nil
	})
}

// OpenStore opens the configured checkpoint backend for runID.
func OpenStore(ctx context.Context, cfg *RunConfigFile, logsRoot, runID string) (checkpoint.Store, func() error, error) {
	switch cfg.Checkpoint.Backend {
	case CheckpointRedis:
		rc := cfg.Checkpoint.Redis
		prefix := strings.TrimSuffix(strings.TrimSpace(rc.Prefix), ":")
		if prefix == "" {
			prefix = "refinery"
		}
		var password string
		if rc.PasswordEnv != "" {
			password = os.Getenv(rc.PasswordEnv)
		}
		rs, err := checkpoint.NewRedisStore(ctx, checkpoint.RedisOptions{
			Addr:     rc.Addr,
			Password: password,
			DB:       rc.DB,
			Prefix:   prefix + ":" + runID,
			TTL:      time.Duration(rc.TTLMS) * time.Millisecond,
		})
		if err != nil {
			return nil, nil, err
		}
		return rs, rs.Close, nil
	default:
		return checkpoint.NewFileStore(filepath.Join(logsRoot, "checkpoints")), func() error { return nil }, nil
	}
}

// ResolveLogsRoot returns logsRoot, else cfg.LogsRoot, else the per-run
// directory under the user's state home.
func ResolveLogsRoot(cfg *RunConfigFile, runID, logsRoot string) string {
	if strings.TrimSpace(logsRoot) != "" {
		return logsRoot
	}
	if cfg != nil && strings.TrimSpace(cfg.LogsRoot) != "" {
		return cfg.LogsRoot
	}
	return defaultLogsRoot(runID)
}

func defaultLogsRoot(runID string) string {
	return filepath.Join(RunsDir(), runID)
}

// RunsDir is the parent of default logs roots.
func RunsDir() string {
	base := os.Getenv("XDG_STATE_HOME")
	if base == "" {
		home := os.Getenv("HOME")
		if home == "" {
			base = "."
		} else {
			base = filepath.Join(home, ".local", "state")
		}
	}
	return filepath.Join(base, "refinery", "runs")
}
