package engine

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/danshapiro/refinery/internal/refinery/capability"
)

type CheckpointBackend string

const (
	CheckpointFile  CheckpointBackend = "file"
	CheckpointRedis CheckpointBackend = "redis"
)

type RefinementConfig struct {
	InnerLoopIterations *int `json:"inner_loop_iterations,omitempty" yaml:"inner_loop_iterations,omitempty"`
	OuterLoopIterations *int `json:"outer_loop_iterations,omitempty" yaml:"outer_loop_iterations,omitempty"`
	EnsembleIterations  *int `json:"ensemble_iterations,omitempty" yaml:"ensemble_iterations,omitempty"`
	MaxDebugRetries     *int `json:"max_debug_retries,omitempty" yaml:"max_debug_retries,omitempty"`
	MaxNodeExecutions   *int `json:"max_node_executions,omitempty" yaml:"max_node_executions,omitempty"`
	InitialCandidates   *int `json:"initial_candidates,omitempty" yaml:"initial_candidates,omitempty"`
	ParallelRuns        *int `json:"parallel_runs,omitempty" yaml:"parallel_runs,omitempty"`
	EnsembleWorkerLimit *int `json:"ensemble_worker_limit,omitempty" yaml:"ensemble_worker_limit,omitempty"`
	PipelineTimeoutMS   *int `json:"pipeline_timeout_ms,omitempty" yaml:"pipeline_timeout_ms,omitempty"`
	PerCallTimeoutMS    *int `json:"per_call_timeout_ms,omitempty" yaml:"per_call_timeout_ms,omitempty"`
	CapabilityRetries   *int `json:"capability_retries,omitempty" yaml:"capability_retries,omitempty"`

	Backoff *capability.BackoffConfig `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	Submit  *bool                     `json:"submit,omitempty" yaml:"submit,omitempty"`
}

type LLMConfig struct {
	Provider    string            `json:"provider,omitempty" yaml:"provider,omitempty"`
	BaseURL     string            `json:"base_url,omitempty" yaml:"base_url,omitempty"`
	Path        string            `json:"path,omitempty" yaml:"path,omitempty"`
	Model       string            `json:"model,omitempty" yaml:"model,omitempty"`
	APIKeyEnv   string            `json:"api_key_env,omitempty" yaml:"api_key_env,omitempty"`
	Temperature *float64          `json:"temperature,omitempty" yaml:"temperature,omitempty"`
	MaxTokens   int               `json:"max_tokens,omitempty" yaml:"max_tokens,omitempty"`
	Headers     map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	PromptsDir  string            `json:"prompts_dir,omitempty" yaml:"prompts_dir,omitempty"`
}

type ExecConfig struct {
	Interpreter   []string `json:"interpreter,omitempty" yaml:"interpreter,omitempty"`
	WorkDir       string   `json:"workdir,omitempty" yaml:"workdir,omitempty"`
	Env           []string `json:"env,omitempty" yaml:"env,omitempty"`
	TimeoutMS     *int     `json:"timeout_ms,omitempty" yaml:"timeout_ms,omitempty"`
	ScorePattern  string   `json:"score_pattern,omitempty" yaml:"score_pattern,omitempty"`
	LowerIsBetter bool     `json:"lower_is_better,omitempty" yaml:"lower_is_better,omitempty"`
}

type CheckpointConfig struct {
	Backend CheckpointBackend `json:"backend,omitempty" yaml:"backend,omitempty"`
	Redis   struct {
		Addr        string `json:"addr,omitempty" yaml:"addr,omitempty"`
		PasswordEnv string `json:"password_env,omitempty" yaml:"password_env,omitempty"`
		DB          int    `json:"db,omitempty" yaml:"db,omitempty"`
		Prefix      string `json:"prefix,omitempty" yaml:"prefix,omitempty"`
		TTLMS       int    `json:"ttl_ms,omitempty" yaml:"ttl_ms,omitempty"`
	} `json:"redis,omitempty" yaml:"redis,omitempty"`
}

type RunConfigFile struct {
	Version int `json:"version" yaml:"version"`

	// Task is the problem statement shown to the text-generation capability.
	Task     string `json:"task,omitempty" yaml:"task,omitempty"`
	TaskFile string `json:"task_file,omitempty" yaml:"task_file,omitempty"`
	// InitialArtifact skips initial generation and refines this script.
	InitialArtifact string `json:"initial_artifact,omitempty" yaml:"initial_artifact,omitempty"`
	LogsRoot        string `json:"logs_root,omitempty" yaml:"logs_root,omitempty"`

	Refinement RefinementConfig `json:"refinement,omitempty" yaml:"refinement,omitempty"`
	LLM        LLMConfig        `json:"llm,omitempty" yaml:"llm,omitempty"`
	Exec       ExecConfig       `json:"exec,omitempty" yaml:"exec,omitempty"`
	Checkpoint CheckpointConfig `json:"checkpoint,omitempty" yaml:"checkpoint,omitempty"`

	Logging struct {
		Level  string `json:"level,omitempty" yaml:"level,omitempty"`
		Format string `json:"format,omitempty" yaml:"format,omitempty"`
	} `json:"logging,omitempty" yaml:"logging,omitempty"`

	Metrics struct {
		Addr string `json:"addr,omitempty" yaml:"addr,omitempty"`
	} `json:"metrics,omitempty" yaml:"metrics,omitempty"`
}

// LoadRunConfigFile decodes path strictly (YAML unless the extension is
// .json), fills defaults and validates the result.
func LoadRunConfigFile(path string) (*RunConfigFile, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}
	var cfg RunConfigFile
	switch strings.ToLower(filepath.Ext(path)) {
	case ".json":
		if err := decodeJSONStrict(b, &cfg); err != nil {
			return nil, err
		}
	default:
		if err := decodeYAMLStrict(b, &cfg); err != nil {
			return nil, err
		}
	}
	resolveRelativePaths(&cfg, filepath.Dir(path))
	applyConfigDefaults(&cfg)
	if err := validateConfig(&cfg); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func decodeJSONStrict(b []byte, cfg *RunConfigFile) error {
	dec := json.NewDecoder(bytes.NewReader(b))
	dec.DisallowUnknownFields()
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("json: multiple top-level values are not allowed")
		}
		return err
	}
	return nil
}

func decodeYAMLStrict(b []byte, cfg *RunConfigFile) error {
	dec := yaml.NewDecoder(bytes.NewReader(b))
	dec.KnownFields(true)
	if err := dec.Decode(cfg); err != nil {
		return err
	}
	var trailing any
	if err := dec.Decode(&trailing); err != io.EOF {
		if err == nil {
			return fmt.Errorf("yaml: multiple documents are not allowed")
		}
		return err
	}
	return nil
}

// resolveRelativePaths anchors file references at the config's directory.
func resolveRelativePaths(cfg *RunConfigFile, dir string) {
	if abs, err := filepath.Abs(dir); err == nil {
		dir = abs
	}
	for _, p := range []*string{&cfg.TaskFile, &cfg.InitialArtifact, &cfg.LLM.PromptsDir, &cfg.Exec.WorkDir, &cfg.LogsRoot} {
		*p = strings.TrimSpace(*p)
		if *p != "" && !filepath.IsAbs(*p) {
			*p = filepath.Join(dir, *p)
		}
	}
}

func intPtr(v int) *int { return &v }

func applyConfigDefaults(cfg *RunConfigFile) {
	if cfg == nil {
		return
	}
	if cfg.Version == 0 {
		cfg.Version = 1
	}
	r := &cfg.Refinement
	if r.InnerLoopIterations == nil {
		r.InnerLoopIterations = intPtr(4)
	}
	if r.OuterLoopIterations == nil {
		r.OuterLoopIterations = intPtr(4)
	}
	if r.EnsembleIterations == nil {
		r.EnsembleIterations = intPtr(5)
	}
	if r.MaxDebugRetries == nil {
		r.MaxDebugRetries = intPtr(3)
	}
	if r.MaxNodeExecutions == nil {
		// Four nodes per outer pass plus one spare pass.
		outer := *r.OuterLoopIterations
		r.MaxNodeExecutions = intPtr(4*outer + 4)
	}
	if r.InitialCandidates == nil {
		r.InitialCandidates = intPtr(2)
	}
	if r.ParallelRuns == nil {
		r.ParallelRuns = intPtr(2)
	}
	if r.EnsembleWorkerLimit == nil {
		r.EnsembleWorkerLimit = intPtr(2)
	}
	if r.PipelineTimeoutMS == nil {
		r.PipelineTimeoutMS = intPtr(int((6 * time.Hour).Milliseconds()))
	}
	if r.PerCallTimeoutMS == nil {
		r.PerCallTimeoutMS = intPtr(int((10 * time.Minute).Milliseconds()))
	}
	if r.CapabilityRetries == nil {
		r.CapabilityRetries = intPtr(2)
	}
	if r.Backoff == nil {
		b := capability.DefaultBackoffConfig()
		r.Backoff = &b
	}
	if r.Submit == nil {
		f := false
		r.Submit = &f
	}

	cfg.LLM.Provider = strings.ToLower(strings.TrimSpace(cfg.LLM.Provider))
	if cfg.LLM.Provider == "" {
		cfg.LLM.Provider = "openai"
	}
	if strings.TrimSpace(cfg.LLM.BaseURL) == "" {
		cfg.LLM.BaseURL = "https://api.openai.com"
	}
	if strings.TrimSpace(cfg.LLM.APIKeyEnv) == "" {
		cfg.LLM.APIKeyEnv = "OPENAI_API_KEY"
	}

	cfg.Exec.Interpreter = trimNonEmpty(cfg.Exec.Interpreter)
	if len(cfg.Exec.Interpreter) == 0 {
		cfg.Exec.Interpreter = []string{"python3"}
	}
	if cfg.Exec.TimeoutMS == nil {
		cfg.Exec.TimeoutMS = intPtr(int(time.Hour.Milliseconds()))
	}

	if cfg.Checkpoint.Backend == "" {
		cfg.Checkpoint.Backend = CheckpointFile
	}
	cfg.Checkpoint.Backend = CheckpointBackend(strings.ToLower(strings.TrimSpace(string(cfg.Checkpoint.Backend))))

	if cfg.Logging.Level == "" {
		cfg.Logging.Level = "info"
	}
	if cfg.Logging.Format == "" {
		cfg.Logging.Format = "text"
	}
}

func validateConfig(cfg *RunConfigFile) error {
	if cfg == nil {
		return fmt.Errorf("config is nil")
	}
	if cfg.Version != 1 {
		return fmt.Errorf("unsupported config version: %d", cfg.Version)
	}
	if strings.TrimSpace(cfg.Task) == "" && cfg.TaskFile == "" && cfg.InitialArtifact == "" {
		return fmt.Errorf("one of task, task_file or initial_artifact is required")
	}
	if _, err := cfg.Options(); err != nil {
		return err
	}
	if *cfg.Exec.TimeoutMS <= 0 {
		return fmt.Errorf("exec.timeout_ms must be > 0, got %d", *cfg.Exec.TimeoutMS)
	}
	switch cfg.Checkpoint.Backend {
	case CheckpointFile:
	case CheckpointRedis:
		if strings.TrimSpace(cfg.Checkpoint.Redis.Addr) == "" {
			return fmt.Errorf("checkpoint.redis.addr is required for the redis backend")
		}
		if cfg.Checkpoint.Redis.TTLMS < 0 {
			return fmt.Errorf("checkpoint.redis.ttl_ms must be >= 0")
		}
	default:
		return fmt.Errorf("checkpoint.backend: unsupported value %q (want file|redis)", cfg.Checkpoint.Backend)
	}
	switch strings.ToLower(cfg.Logging.Format) {
	case "text", "json":
	default:
		return fmt.Errorf("logging.format: unsupported value %q (want text|json)", cfg.Logging.Format)
	}
	return nil
}

// Options resolves the refinement section into validated pipeline options.
func (cfg *RunConfigFile) Options() (Options, error) {
	r := cfg.Refinement
	deref := func(p *int) int {
		if p == nil {
			return 0
		}
		return *p
	}
	opts := Options{
		InnerLoopIterations: deref(r.InnerLoopIterations),
		OuterLoopIterations: deref(r.OuterLoopIterations),
		EnsembleIterations:  deref(r.EnsembleIterations),
		MaxDebugRetries:     deref(r.MaxDebugRetries),
		MaxNodeExecutions:   deref(r.MaxNodeExecutions),
		InitialCandidates:   deref(r.InitialCandidates),
		ParallelRuns:        deref(r.ParallelRuns),
		EnsembleWorkerLimit: deref(r.EnsembleWorkerLimit),
		PipelineTimeout:     time.Duration(deref(r.PipelineTimeoutMS)) * time.Millisecond,
		PerCallTimeout:      time.Duration(deref(r.PerCallTimeoutMS)) * time.Millisecond,
		CapabilityRetries:   deref(r.CapabilityRetries),
		Submit:              r.Submit != nil && *r.Submit,
	}
	if r.Backoff != nil {
		opts.Backoff = *r.Backoff
	} else {
		opts.Backoff = capability.DefaultBackoffConfig()
	}
	if cfg.Exec.TimeoutMS != nil {
		opts.EvalTimeout = time.Duration(*cfg.Exec.TimeoutMS) * time.Millisecond
	}
	if err := opts.Validate(); err != nil {
		return Options{}, err
	}
	return opts, nil
}

func trimNonEmpty(parts []string) []string {
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}
