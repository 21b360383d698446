package loop

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/danshapiro/refinery/internal/refinery/capability"
	"github.com/danshapiro/refinery/internal/refinery/runtime"
)

// Evaluation is the outcome of running an artifact through the debug chain.
type Evaluation struct {
	// Artifact is the code that produced Score; it differs from the input
	// when the debug capability rewrote it.
	Artifact string
	Score    float64
	ExitCode int
	Stderr   string
	Debugged int
	Err      error
}

func (e Evaluation) OK() bool { return e.Err == nil }

// Evaluator executes artifacts and repairs failing ones with the debug
// capability, at most MaxDebugRetries times.
type Evaluator struct {
	// Invoker reaches the evaluate and debug operations. Its MaxRetries
	// bounds transient debug failures; MaxDebugRetries bounds repair rounds.
	Invoker         *capability.RetryingInvoker
	MaxDebugRetries int
	TimeoutSeconds  int
}

// Evaluate never fails for a broken artifact: such artifacts come back with
// their last extracted score, or WorstScore. Only fatal errors are returned.
func (ev *Evaluator) Evaluate(ctx context.Context, artifact string) (Evaluation, error) {
	current := artifact
	var tried []string
	chain := ev.Invoker.WithRetries(ev.MaxDebugRetries)
	hooks := capability.Hooks{
		Accept: acceptExecution,
		Revise: func(ctx context.Context, attempt int, in, out capability.Payload, err error) (capability.Payload, error) {
			trace := failureTrace(out, err)
			tried = append(tried, fmt.Sprintf("attempt %d: %s", attempt, lastLine(trace)))
			fixed, derr := ev.Invoker.Invoke(ctx, capability.OpDebug, capability.Payload{
				Text: current,
				Vars: map[string]string{
					"error":    trace,
					"attempts": strings.Join(tried, "\n"),
				},
			})
			if derr != nil {
				return capability.Payload{}, derr
			}
			if strings.TrimSpace(fixed.Text) == "" {
				return capability.Payload{}, errors.New("debug capability returned no code")
			}
			current = fixed.Text
			return capability.Payload{Text: current, TimeoutSeconds: ev.TimeoutSeconds}, nil
		},
	}
	out, err := chain.InvokeWith(ctx, capability.OpEvaluate, capability.Payload{Text: current, TimeoutSeconds: ev.TimeoutSeconds}, hooks)
	if err != nil && runtime.IsFatal(err) {
		return Evaluation{}, err
	}
	res := Evaluation{Artifact: current, Score: runtime.WorstScore, Debugged: len(tried), Err: err}
	if out.Exec != nil {
		res.ExitCode = out.Exec.ExitCode
		res.Stderr = out.Exec.Stderr
		if out.Exec.Score != nil {
			res.Score = *out.Exec.Score
		}
	}
	return res, nil
}

func acceptExecution(out capability.Payload) error {
	if out.Exec == nil {
		return errors.New("no execution result")
	}
	if out.Exec.ExitCode != 0 {
		return fmt.Errorf("exit code %d", out.Exec.ExitCode)
	}
	if out.Exec.Score == nil {
		return errors.New("no score in output")
	}
	return nil
}

func failureTrace(out capability.Payload, err error) string {
	if out.Exec != nil {
		if s := strings.TrimSpace(out.Exec.Stderr); s != "" {
			return s
		}
		if out.Exec.Score == nil && out.Exec.ExitCode == 0 {
			return "the script finished without printing its validation score"
		}
	}
	if err != nil {
		return err.Error()
	}
	return "execution failed"
}

func lastLine(s string) string {
	s = strings.TrimSpace(s)
	if i := strings.LastIndexByte(s, '\n'); i >= 0 {
		// Tracebacks end with the exception line.
		return strings.TrimSpace(s[i+1:])
	}
	return s
}
