package loop

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/danshapiro/refinery/internal/refinery/capability"
	"github.com/danshapiro/refinery/internal/refinery/events"
	"github.com/danshapiro/refinery/internal/refinery/runtime"
)

// InnerLoop tries Iterations variants of the target fragment and keeps the
// best one if it beats the current score.
type InnerLoop struct {
	Invoker    *capability.RetryingInvoker
	Evaluator  *Evaluator
	Iterations int
	Events     events.Sink
}

// Run refines s.TargetFragment. The returned attempts are in iteration order.
// A failed attempt never stops the loop; only fatal errors are returned.
func (l *InnerLoop) Run(ctx context.Context, s *runtime.RunState, initialPlan string) ([]runtime.Attempt, error) {
	if strings.TrimSpace(s.TargetFragment) == "" {
		return nil, errors.New("inner loop requires a target fragment")
	}
	if l.Iterations <= 0 {
		return nil, fmt.Errorf("inner loop iterations must be > 0, got %d", l.Iterations)
	}
	s.InnerIteration = 0
	attempts := make([]runtime.Attempt, 0, l.Iterations)
	for i := 0; i < l.Iterations; i++ {
		if err := runtime.ContextError(ctx); err != nil {
			return attempts, err
		}
		a, err := l.attempt(ctx, s, i, initialPlan, attempts)
		if err != nil {
			return attempts, err
		}
		attempts = append(attempts, a)
		s.InnerIteration = i + 1
		l.emit(a)
	}

	best, ok := BestAttempt(attempts)
	if ok && runtime.Better(best.Score, s.Score) {
		s.Artifact = best.CandidateArtifact
		s.Score = best.Score
	}
	return attempts, nil
}

func (l *InnerLoop) attempt(ctx context.Context, s *runtime.RunState, i int, initialPlan string, prior []runtime.Attempt) (runtime.Attempt, error) {
	a := runtime.Attempt{Iteration: i, Score: runtime.WorstScore}

	plan := strings.TrimSpace(initialPlan)
	if i > 0 || plan == "" {
		out, err := l.Invoker.Invoke(ctx, capability.OpPlan, capability.Payload{
			Text: s.TargetFragment,
			Vars: map[string]string{
				"plan_history": attemptHistory(prior),
				"summary":      s.AblationSummary,
			},
		})
		if err != nil {
			if runtime.IsFatal(err) {
				return a, err
			}
			a.Err = fmt.Errorf("plan: %w", err)
			return a, nil
		}
		plan = strings.TrimSpace(out.Text)
	}
	a.Plan = plan

	out, err := l.Invoker.Invoke(ctx, capability.OpCode, capability.Payload{
		Text: s.TargetFragment,
		Vars: map[string]string{"plan": plan},
	})
	if err != nil {
		if runtime.IsFatal(err) {
			return a, err
		}
		a.Err = fmt.Errorf("code: %w", err)
		return a, nil
	}
	a.CandidateFragment = out.Text

	candidate, err := Substitute(s.Artifact, s.TargetFragment, a.CandidateFragment)
	if err != nil {
		a.Err = err
		return a, nil
	}
	ev, err := l.Evaluator.Evaluate(ctx, candidate)
	if err != nil {
		return a, err
	}
	a.CandidateArtifact = ev.Artifact
	a.Score = ev.Score
	a.Err = ev.Err
	return a, nil
}

func (l *InnerLoop) emit(a runtime.Attempt) {
	if l.Events == nil {
		return
	}
	e := events.Event{Name: events.InnerAttempt, Node: "refine", Iteration: a.Iteration, Score: a.Score}
	if a.Failed() {
		e.Detail = a.Err.Error()
	}
	l.Events.Emit(e)
}

// BestAttempt returns the attempt with the strictly highest score; among
// equal scores the earliest wins.
func BestAttempt(attempts []runtime.Attempt) (runtime.Attempt, bool) {
	if len(attempts) == 0 {
		return runtime.Attempt{}, false
	}
	best := attempts[0]
	for _, a := range attempts[1:] {
		if runtime.Better(a.Score, best.Score) {
			best = a
		}
	}
	return best, true
}

func attemptHistory(attempts []runtime.Attempt) string {
	type entry struct {
		Plan  string        `json:"plan"`
		Score runtime.Float `json:"score"`
		Error string        `json:"error,omitempty"`
	}
	out := make([]entry, 0, len(attempts))
	for _, a := range attempts {
		e := entry{Plan: a.Plan, Score: runtime.Float(a.Score)}
		if a.Failed() {
			e.Error = a.Err.Error()
		}
		out = append(out, e)
	}
	b, _ := json.Marshal(out)
	return string(b)
}
