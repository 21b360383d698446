package ensemble

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/danshapiro/refinery/internal/refinery/capability"
	"github.com/danshapiro/refinery/internal/refinery/events"
	"github.com/danshapiro/refinery/internal/refinery/loop"
	"github.com/danshapiro/refinery/internal/refinery/runtime"
)

// DefaultStrategy is used for the first merge, before any feedback exists.
const DefaultStrategy = "Average the final predictions of all solutions with equal weights."

// BaselineStrategy labels the unmerged best individual solution.
const BaselineStrategy = "baseline"

// Explorer searches for a merged artifact that beats every individual run.
type Explorer struct {
	Invoker    *capability.RetryingInvoker
	Evaluator  *loop.Evaluator
	Iterations int
	Events     events.Sink
}

type Result struct {
	Best runtime.EnsembleCandidate
	// Candidates lists the baseline (iteration 0) followed by every merge
	// attempt in iteration order.
	Candidates []runtime.EnsembleCandidate
}

// Baseline returns the best individual run; ties go to the lowest index.
func Baseline(runs []*runtime.RunState) (runtime.EnsembleCandidate, error) {
	best := -1
	for i, s := range runs {
		if s == nil {
			continue
		}
		if best < 0 || runtime.Better(s.Score, runs[best].Score) {
			best = i
		}
	}
	if best < 0 {
		return runtime.EnsembleCandidate{}, errors.New("no refinement runs to ensemble")
	}
	return runtime.EnsembleCandidate{
		Strategy:       BaselineStrategy,
		MergedArtifact: runs[best].Artifact,
		Score:          runs[best].Score,
		Iteration:      0,
		Run:            best,
	}, nil
}

// Explore runs Iterations merge attempts over runs. The baseline wins ties,
// so the result never scores below the best individual run. A single run is
// returned as the baseline without merging.
func (x *Explorer) Explore(ctx context.Context, runs []*runtime.RunState) (Result, error) {
	baseline, err := Baseline(runs)
	if err != nil {
		return Result{}, err
	}
	res := Result{Best: baseline, Candidates: []runtime.EnsembleCandidate{baseline}}
	live := make([]*runtime.RunState, 0, len(runs))
	for _, s := range runs {
		if s != nil {
			live = append(live, s)
		}
	}
	if len(live) < 2 {
		return res, nil
	}
	if x.Iterations <= 0 {
		return Result{}, fmt.Errorf("ensemble iterations must be > 0, got %d", x.Iterations)
	}

	for it := 1; it <= x.Iterations; it++ {
		if err := runtime.ContextError(ctx); err != nil {
			return res, err
		}
		c, err := x.attempt(ctx, it, live, res.Candidates)
		if err != nil {
			return res, err
		}
		res.Candidates = append(res.Candidates, c)
		if runtime.Better(c.Score, res.Best.Score) {
			res.Best = c
		}
		if x.Events != nil {
			x.Events.Emit(events.Event{Name: events.EnsembleAttempt, Node: "ensemble", Iteration: it, Score: c.Score, Detail: c.Strategy})
		}
	}
	return res, nil
}

func (x *Explorer) attempt(ctx context.Context, it int, runs []*runtime.RunState, prior []runtime.EnsembleCandidate) (runtime.EnsembleCandidate, error) {
	c := runtime.EnsembleCandidate{Iteration: it, Score: runtime.WorstScore}

	strategy := DefaultStrategy
	if it > 1 {
		out, err := x.Invoker.Invoke(ctx, capability.OpEnsemblePlan, capability.Payload{
			Text: candidateHistory(prior),
			Vars: map[string]string{"solutions": strconv.Itoa(len(runs))},
		})
		if err != nil {
			if runtime.IsFatal(err) {
				return c, err
			}
			c.Strategy = "strategy failed: " + err.Error()
			return c, nil
		}
		strategy = strings.TrimSpace(out.Text)
	}
	c.Strategy = strategy

	vars := map[string]string{"solutions": strconv.Itoa(len(runs))}
	for i, s := range runs {
		vars[fmt.Sprintf("solution_%d", i+1)] = s.Artifact
	}
	out, err := x.Invoker.Invoke(ctx, capability.OpEnsemble, capability.Payload{Text: strategy, Vars: vars})
	if err != nil {
		if runtime.IsFatal(err) {
			return c, err
		}
		return c, nil
	}
	ev, err := x.Evaluator.Evaluate(ctx, out.Text)
	if err != nil {
		return c, err
	}
	c.MergedArtifact = ev.Artifact
	c.Score = ev.Score
	return c, nil
}

func candidateHistory(cands []runtime.EnsembleCandidate) string {
	type entry struct {
		Iteration int           `json:"iteration"`
		Strategy  string        `json:"strategy"`
		Score     runtime.Float `json:"score"`
	}
	out := make([]entry, 0, len(cands))
	for _, c := range cands {
		out = append(out, entry{Iteration: c.Iteration, Strategy: c.Strategy, Score: runtime.Float(c.Score)})
	}
	b, _ := json.Marshal(out)
	return string(b)
}
