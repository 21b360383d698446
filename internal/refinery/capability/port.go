package capability

import (
	"context"
	"fmt"
	"strings"
)

// Operation identifiers understood by the orchestrator.
const (
	OpInitial        = "initial"
	OpMerge          = "merge"
	OpLeakageCheck   = "leakage_check"
	OpDataUsageCheck = "data_usage_check"
	OpEvaluate       = "evaluate"
	OpDebug          = "debug"
	OpPlan           = "plan"
	OpCode           = "code"
	OpAblate         = "ablate"
	OpSummarize      = "summarize"
	OpExtract        = "extract"
	OpEnsemblePlan   = "ensemble_plan"
	OpEnsemble       = "ensemble"
	OpSubmit         = "submit"
)

// NoChange is the reply of a check operation that found nothing to correct.
const NoChange = "NO_CHANGES"

// Unchanged reports whether a check operation's output leaves artifact as is.
func Unchanged(out Payload, artifact string) bool {
	text := strings.TrimSpace(out.Text)
	return text == "" || text == NoChange || text == strings.TrimSpace(artifact)
}

// Payload is the opaque value exchanged with a capability. Text carries the
// primary input or output (a prompt, plan, fragment or artifact). Vars carries
// named context the capability may render. Exec is set by code execution.
type Payload struct {
	Text           string            `json:"text,omitempty"`
	Vars           map[string]string `json:"vars,omitempty"`
	TimeoutSeconds int               `json:"timeout_seconds,omitempty"`
	Exec           *ExecResult       `json:"exec,omitempty"`
}

// ExecResult is the result of running an artifact. A nonzero ExitCode is a
// normal result, not an error.
type ExecResult struct {
	Stdout   string   `json:"stdout"`
	Stderr   string   `json:"stderr"`
	ExitCode int      `json:"exit_code"`
	Score    *float64 `json:"score,omitempty"`
}

// With returns a copy of p with name set to value.
func (p Payload) With(name, value string) Payload {
	vars := make(map[string]string, len(p.Vars)+1)
	for k, v := range p.Vars {
		vars[k] = v
	}
	vars[name] = value
	p.Vars = vars
	return p
}

// Port is the single contract behind every external capability. err is non-nil
// exactly when no usable output was produced.
type Port interface {
	Invoke(ctx context.Context, operationID string, in Payload) (Payload, error)
}

// Func adapts an ordinary function to Port.
type Func func(ctx context.Context, operationID string, in Payload) (Payload, error)

func (f Func) Invoke(ctx context.Context, operationID string, in Payload) (Payload, error) {
	return f(ctx, operationID, in)
}

// Registry dispatches by operation ID. It is itself a Port.
type Registry struct {
	ports    map[string]Port
	fallback Port
}

func NewRegistry() *Registry {
	return &Registry{ports: map[string]Port{}}
}

// Register binds op to p, replacing any previous binding.
func (r *Registry) Register(op string, p Port) *Registry {
	r.ports[strings.TrimSpace(op)] = p
	return r
}

// SetFallback handles operations with no explicit binding.
func (r *Registry) SetFallback(p Port) *Registry {
	r.fallback = p
	return r
}

func (r *Registry) Has(op string) bool {
	_, ok := r.ports[op]
	return ok || r.fallback != nil
}

func (r *Registry) Invoke(ctx context.Context, operationID string, in Payload) (Payload, error) {
	if p, ok := r.ports[operationID]; ok && p != nil {
		return p.Invoke(ctx, operationID, in)
	}
	if r.fallback != nil {
		return r.fallback.Invoke(ctx, operationID, in)
	}
	return Payload{}, &UnknownOperationError{Operation: operationID}
}

type UnknownOperationError struct {
	Operation string
}

func (e *UnknownOperationError) Error() string {
	return fmt.Sprintf("no capability registered for operation %q", e.Operation)
}

func (e *UnknownOperationError) Retryable() bool { return false }
