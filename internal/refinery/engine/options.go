package engine

import (
	"fmt"
	"time"

	"github.com/danshapiro/refinery/internal/refinery/capability"
)

// Options are the resolved pipeline settings.
type Options struct {
	InnerLoopIterations int
	OuterLoopIterations int
	EnsembleIterations  int
	MaxDebugRetries     int
	MaxNodeExecutions   int
	InitialCandidates   int
	ParallelRuns        int
	EnsembleWorkerLimit int
	PipelineTimeout     time.Duration
	PerCallTimeout      time.Duration
	// EvalTimeout bounds one script execution; zero falls back to PerCallTimeout.
	EvalTimeout       time.Duration
	CapabilityRetries int
	Backoff           capability.BackoffConfig
	Submit            bool
}

// Validate rejects non-positive core settings.
func (o Options) Validate() error {
	for _, f := range []struct {
		name string
		v    int
	}{
		{"inner_loop_iterations", o.InnerLoopIterations},
		{"outer_loop_iterations", o.OuterLoopIterations},
		{"ensemble_iterations", o.EnsembleIterations},
		{"max_debug_retries", o.MaxDebugRetries},
		{"max_node_executions", o.MaxNodeExecutions},
		{"initial_candidates", o.InitialCandidates},
		{"parallel_runs", o.ParallelRuns},
		{"ensemble_worker_limit", o.EnsembleWorkerLimit},
	} {
		if f.v <= 0 {
			return fmt.Errorf("%s must be > 0, got %d", f.name, f.v)
		}
	}
	if o.PipelineTimeout <= 0 {
		return fmt.Errorf("pipeline_timeout must be > 0, got %s", o.PipelineTimeout)
	}
	if o.PerCallTimeout <= 0 {
		return fmt.Errorf("per_call_timeout must be > 0, got %s", o.PerCallTimeout)
	}
	if o.PerCallTimeout > o.PipelineTimeout {
		return fmt.Errorf("per_call_timeout (%s) must not exceed pipeline_timeout (%s)", o.PerCallTimeout, o.PipelineTimeout)
	}
	if o.EvalTimeout < 0 {
		return fmt.Errorf("exec timeout must be >= 0, got %s", o.EvalTimeout)
	}
	if o.CapabilityRetries < 0 {
		return fmt.Errorf("capability_retries must be >= 0, got %d", o.CapabilityRetries)
	}
	return nil
}

// BudgetIsTight reports whether MaxNodeExecutions leaves no room beyond the
// nodes a normal run executes.
func (o Options) BudgetIsTight() bool {
	return o.MaxNodeExecutions <= nodesPerIteration*o.OuterLoopIterations
}

func (o Options) evalTimeoutSeconds() int {
	d := o.EvalTimeout
	if d <= 0 {
		d = o.PerCallTimeout
	}
	secs := int(d / time.Second)
	if secs < 1 {
		secs = 1
	}
	return secs
}
