package ensemble

import (
	"context"
	"fmt"

	"golang.org/x/sync/errgroup"

	"github.com/danshapiro/refinery/internal/refinery/runtime"
)

// RunFunc refines one run's state in place.
type RunFunc func(ctx context.Context, index int, s *runtime.RunState) error

// RunResult is the outcome of one parallel run. State is the run's own copy.
type RunResult struct {
	Index int
	State *runtime.RunState
	Err   error
}

// RunParallel runs fn over clones of states with at most limit running at
// once. Ordinary run failures are recorded in the results and do not disturb
// siblings. A fatal error (budget exceeded, cancellation) cancels the
// remaining runs and is returned.
func RunParallel(ctx context.Context, limit int, states []*runtime.RunState, fn RunFunc) ([]RunResult, error) {
	if limit <= 0 {
		return nil, fmt.Errorf("worker limit must be > 0, got %d", limit)
	}
	results := make([]RunResult, len(states))
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(limit)
	for i, s := range states {
		results[i] = RunResult{Index: i, State: s.Clone()}
		g.Go(func() error {
			if err := runtime.ContextError(gctx); err != nil {
				results[i].Err = err
				return err
			}
			err := fn(gctx, i, results[i].State)
			results[i].Err = err
			if err != nil && runtime.IsFatal(err) {
				return err
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return results, err
	}
	return results, nil
}

// Succeeded returns the states of runs that finished without error.
func Succeeded(results []RunResult) []*runtime.RunState {
	var out []*runtime.RunState
	for _, r := range results {
		if r.Err == nil && r.State != nil {
			out = append(out, r.State)
		}
	}
	return out
}
