package engine

import (
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/danshapiro/refinery/internal/refinery/capability"
)

func writeConfig(t *testing.T, name, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), name)
	if err := os.WriteFile(p, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadRunConfigFile_YAMLAndJSON(t *testing.T) {
	yml := writeConfig(t, "run.yaml", `
version: 1
task: predict the house prices
refinement:
  outer_loop_iterations: 3
  parallel_runs: 4
llm:
  model: gpt-test
`)
	cfg, err := LoadRunConfigFile(yml)
	if err != nil {
		t.Fatalf("LoadRunConfigFile(yaml): %v", err)
	}
	if *cfg.Refinement.OuterLoopIterations != 3 || *cfg.Refinement.ParallelRuns != 4 || cfg.LLM.Model != "gpt-test" {
		t.Fatalf("cfg: %+v", cfg.Refinement)
	}

	js := writeConfig(t, "run.json", `{
  "version": 1,
  "task": "classify the images",
  "refinement": {"inner_loop_iterations": 2},
  "checkpoint": {"backend": "redis", "redis": {"addr": "127.0.0.1:6379"}}
}`)
	cfg2, err := LoadRunConfigFile(js)
	if err != nil {
		t.Fatalf("LoadRunConfigFile(json): %v", err)
	}
	if *cfg2.Refinement.InnerLoopIterations != 2 || cfg2.Checkpoint.Backend != CheckpointRedis {
		t.Fatalf("cfg2: %+v %+v", cfg2.Refinement, cfg2.Checkpoint)
	}
}

func TestLoadRunConfigFile_Defaults(t *testing.T) {
	cfg, err := LoadRunConfigFile(writeConfig(t, "run.yaml", "task: t\n"))
	if err != nil {
		t.Fatalf("LoadRunConfigFile: %v", err)
	}
	opts, err := cfg.Options()
	if err != nil {
		t.Fatalf("Options: %v", err)
	}
	want := Options{
		InnerLoopIterations: 4,
		OuterLoopIterations: 4,
		EnsembleIterations:  5,
		MaxDebugRetries:     3,
		MaxNodeExecutions:   20,
		InitialCandidates:   2,
		ParallelRuns:        2,
		EnsembleWorkerLimit: 2,
		PipelineTimeout:     6 * time.Hour,
		PerCallTimeout:      10 * time.Minute,
		EvalTimeout:         time.Hour,
		CapabilityRetries:   2,
		Backoff:             capability.DefaultBackoffConfig(),
	}
	if diff := cmp.Diff(want, opts); diff != "" {
		t.Fatalf("options mismatch (-want +got):\n%s", diff)
	}
	if cfg.Version != 1 || cfg.LLM.Provider != "openai" || cfg.LLM.APIKeyEnv != "OPENAI_API_KEY" {
		t.Fatalf("llm defaults: %+v", cfg.LLM)
	}
	if cfg.Checkpoint.Backend != CheckpointFile || cfg.Logging.Format != "text" {
		t.Fatalf("checkpoint/logging defaults: %+v %+v", cfg.Checkpoint, cfg.Logging)
	}
	if opts.BudgetIsTight() {
		t.Fatalf("default budget should leave one spare outer pass")
	}
}

func TestLoadRunConfigFile_MaxNodeExecutionsFollowsOuterIterations(t *testing.T) {
	cfg, err := LoadRunConfigFile(writeConfig(t, "run.yaml", "task: t\nrefinement:\n  outer_loop_iterations: 7\n"))
	if err != nil {
		t.Fatalf("LoadRunConfigFile: %v", err)
	}
	if got := *cfg.Refinement.MaxNodeExecutions; got != 32 {
		t.Fatalf("max_node_executions=%d want 32", got)
	}
}

func TestLoadRunConfigFile_RejectsNonPositive(t *testing.T) {
	for _, field := range []string{
		"inner_loop_iterations",
		"outer_loop_iterations",
		"ensemble_iterations",
		"max_debug_retries",
		"max_node_executions",
		"ensemble_worker_limit",
		"parallel_runs",
		"pipeline_timeout_ms",
		"per_call_timeout_ms",
	} {
		for _, v := range []string{"0", "-1"} {
			p := writeConfig(t, "run.yaml", "task: t\nrefinement:\n  "+field+": "+v+"\n")
			_, err := LoadRunConfigFile(p)
			if err == nil {
				t.Fatalf("%s=%s: expected error", field, v)
			}
			name := strings.TrimSuffix(field, "_ms")
			if !strings.Contains(err.Error(), name) {
				t.Fatalf("%s=%s: error %q does not name the field", field, v, err)
			}
		}
	}
}

func TestLoadRunConfigFile_RejectsUnknownFields(t *testing.T) {
	if _, err := LoadRunConfigFile(writeConfig(t, "run.yaml", "task: t\nrefinement:\n  outer_loops: 3\n")); err == nil {
		t.Fatalf("expected unknown yaml field error")
	}
	if _, err := LoadRunConfigFile(writeConfig(t, "run.json", `{"task":"t","surprise":true}`)); err == nil {
		t.Fatalf("expected unknown json field error")
	}
}

func TestLoadRunConfigFile_RejectsMultipleDocuments(t *testing.T) {
	if _, err := LoadRunConfigFile(writeConfig(t, "run.yaml", "task: t\n---\ntask: u\n")); err == nil || !strings.Contains(err.Error(), "multiple documents") {
		t.Fatalf("err=%v want multiple documents error", err)
	}
	if _, err := LoadRunConfigFile(writeConfig(t, "run.json", `{"task":"t"} {"task":"u"}`)); err == nil || !strings.Contains(err.Error(), "multiple top-level values") {
		t.Fatalf("err=%v want multiple values error", err)
	}
}

func TestLoadRunConfigFile_Validation(t *testing.T) {
	cases := []struct {
		name string
		body string
		want string
	}{
		{"no task", "refinement:\n  outer_loop_iterations: 2\n", "task"},
		{"bad version", "version: 2\ntask: t\n", "version"},
		{"redis without addr", "task: t\ncheckpoint:\n  backend: redis\n", "redis.addr"},
		{"unknown backend", "task: t\ncheckpoint:\n  backend: s3\n", "checkpoint.backend"},
		{"bad log format", "task: t\nlogging:\n  format: xml\n", "logging.format"},
		{"per call above pipeline", "task: t\nrefinement:\n  pipeline_timeout_ms: 1000\n  per_call_timeout_ms: 2000\n", "must not exceed"},
		{"zero exec timeout", "task: t\nexec:\n  timeout_ms: 0\n", "exec.timeout_ms"},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			_, err := LoadRunConfigFile(writeConfig(t, "run.yaml", tc.body))
			if err == nil || !strings.Contains(err.Error(), tc.want) {
				t.Fatalf("err=%v want mention of %q", err, tc.want)
			}
		})
	}
}

func TestLoadRunConfigFile_ResolvesRelativePaths(t *testing.T) {
	p := writeConfig(t, "run.yaml", "task_file: task.md\nlogs_root: logs\nexec:\n  workdir: data\n")
	cfg, err := LoadRunConfigFile(p)
	if err != nil {
		t.Fatalf("LoadRunConfigFile: %v", err)
	}
	dir := filepath.Dir(p)
	if cfg.TaskFile != filepath.Join(dir, "task.md") || cfg.LogsRoot != filepath.Join(dir, "logs") || cfg.Exec.WorkDir != filepath.Join(dir, "data") {
		t.Fatalf("paths not anchored at %s: %q %q %q", dir, cfg.TaskFile, cfg.LogsRoot, cfg.Exec.WorkDir)
	}
}

func TestOptions_BudgetIsTight(t *testing.T) {
	opts := testOptions()
	opts.MaxNodeExecutions = nodesPerIteration * opts.OuterLoopIterations
	if !opts.BudgetIsTight() {
		t.Fatalf("budget of exactly one pass per iteration should be tight")
	}
	opts.MaxNodeExecutions++
	if opts.BudgetIsTight() {
		t.Fatalf("budget with slack reported tight")
	}
}
