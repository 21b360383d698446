package ensemble

import (
	"context"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"

	"github.com/danshapiro/refinery/internal/refinery/capability"
	"github.com/danshapiro/refinery/internal/refinery/events"
	"github.com/danshapiro/refinery/internal/refinery/loop"
	"github.com/danshapiro/refinery/internal/refinery/runtime"
)

var scoreMarker = regexp.MustCompile(`SCORE:([-+]?[0-9]*\.?[0-9]+)`)

// mergePort merges by emitting the next scripted score and evaluates by
// reading the SCORE marker.
type mergePort struct {
	mu        sync.Mutex
	merged    []string
	plans     int
	failMerge bool
}

func (p *mergePort) Invoke(ctx context.Context, op string, in capability.Payload) (capability.Payload, error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	switch op {
	case capability.OpEnsemblePlan:
		p.plans++
		return capability.Payload{Text: fmt.Sprintf("stacking-%d", p.plans)}, nil
	case capability.OpEnsemble:
		if p.failMerge || len(p.merged) == 0 {
			return capability.Payload{}, errors.New("merge failed")
		}
		next := p.merged[0]
		p.merged = p.merged[1:]
		return capability.Payload{Text: next}, nil
	case capability.OpEvaluate:
		m := scoreMarker.FindStringSubmatch(in.Text)
		if m == nil {
			return capability.Payload{Exec: &capability.ExecResult{ExitCode: 1, Stderr: "no score"}}, nil
		}
		v, _ := strconv.ParseFloat(m[1], 64)
		return capability.Payload{Exec: &capability.ExecResult{Score: &v}}, nil
	case capability.OpDebug:
		return capability.Payload{Text: in.Text}, nil
	}
	return capability.Payload{}, &capability.UnknownOperationError{Operation: op}
}

func explorerFor(p capability.Port, iterations int) *Explorer {
	inv := &capability.RetryingInvoker{Port: p, Backoff: capability.BackoffConfig{}}
	return &Explorer{
		Invoker:    inv,
		Evaluator:  &loop.Evaluator{Invoker: inv, MaxDebugRetries: 0},
		Iterations: iterations,
	}
}

func runs(scores ...float64) []*runtime.RunState {
	out := make([]*runtime.RunState, 0, len(scores))
	for i, s := range scores {
		out = append(out, runtime.NewRunState(fmt.Sprintf("run%d SCORE:%v", i, s), s))
	}
	return out
}

func TestExplore_NeverBelowBestIndividual(t *testing.T) {
	p := &mergePort{merged: []string{"m1 SCORE:0.70", "m2 SCORE:0.79", "m3 SCORE:0.60"}}
	x := explorerFor(p, 3)
	rec := &events.Recorder{}
	x.Events = rec

	res, err := x.Explore(context.Background(), runs(0.75, 0.80, 0.72))
	if err != nil {
		t.Fatalf("Explore: %v", err)
	}
	if res.Best.Strategy != BaselineStrategy || res.Best.Score != 0.80 || res.Best.Run != 1 {
		t.Fatalf("best=%+v", res.Best)
	}
	if len(res.Candidates) != 4 || res.Candidates[0].Iteration != 0 {
		t.Fatalf("candidates=%+v", res.Candidates)
	}
	if res.Candidates[1].Strategy != DefaultStrategy || res.Candidates[2].Strategy != "stacking-1" {
		t.Fatalf("strategies=%q %q", res.Candidates[1].Strategy, res.Candidates[2].Strategy)
	}
	if got := len(rec.Named(events.EnsembleAttempt)); got != 3 {
		t.Fatalf("events=%d", got)
	}
}

func TestExplore_MergeThatWinsIsKept(t *testing.T) {
	p := &mergePort{merged: []string{"m1 SCORE:0.85", "m2 SCORE:0.90", "m3 SCORE:0.90"}}
	res, err := explorerFor(p, 3).Explore(context.Background(), runs(0.75, 0.80))
	if err != nil {
		t.Fatalf("Explore: %v", err)
	}
	if res.Best.Iteration != 2 || res.Best.Score != 0.90 || res.Best.MergedArtifact != "m2 SCORE:0.90" {
		t.Fatalf("best=%+v", res.Best)
	}
}

func TestExplore_TieWithBaselineKeepsBaseline(t *testing.T) {
	p := &mergePort{merged: []string{"m1 SCORE:0.8"}}
	res, err := explorerFor(p, 1).Explore(context.Background(), runs(0.8, 0.7))
	if err != nil {
		t.Fatalf("Explore: %v", err)
	}
	if res.Best.Iteration != 0 || res.Best.Run != 0 {
		t.Fatalf("best=%+v", res.Best)
	}
}

func TestExplore_FailedMergeRecordsWorstScore(t *testing.T) {
	p := &mergePort{failMerge: true}
	res, err := explorerFor(p, 2).Explore(context.Background(), runs(0.5, 0.6))
	if err != nil {
		t.Fatalf("Explore: %v", err)
	}
	for _, c := range res.Candidates[1:] {
		if c.Score != runtime.WorstScore {
			t.Fatalf("candidate=%+v", c)
		}
	}
	if res.Best.Score != 0.6 {
		t.Fatalf("best=%+v", res.Best)
	}
}

func TestExplore_SingleRunReturnsBaseline(t *testing.T) {
	p := &mergePort{}
	res, err := explorerFor(p, 5).Explore(context.Background(), runs(0.42))
	if err != nil {
		t.Fatalf("Explore: %v", err)
	}
	want := []runtime.EnsembleCandidate{{Strategy: BaselineStrategy, MergedArtifact: "run0 SCORE:0.42", Score: 0.42}}
	if diff := cmp.Diff(want, res.Candidates); diff != "" {
		t.Fatalf("candidates (-want +got):\n%s", diff)
	}
}

func TestBaseline_TiesGoToEarliestRun(t *testing.T) {
	b, err := Baseline(runs(0.7, 0.9, 0.9))
	if err != nil || b.Run != 1 {
		t.Fatalf("baseline=%+v err=%v", b, err)
	}
	if _, err := Baseline(nil); err == nil {
		t.Fatalf("expected error for no runs")
	}
}

func TestRunParallel_RespectsWorkerLimitAndIsolatesState(t *testing.T) {
	shared := runtime.NewRunState("seed", 0.1)
	states := []*runtime.RunState{shared, shared, shared, shared, shared}

	var inFlight, peak int32
	results, err := RunParallel(context.Background(), 2, states, func(ctx context.Context, i int, s *runtime.RunState) error {
		n := atomic.AddInt32(&inFlight, 1)
		for {
			p := atomic.LoadInt32(&peak)
			if n <= p || atomic.CompareAndSwapInt32(&peak, p, n) {
				break
			}
		}
		time.Sleep(10 * time.Millisecond)
		s.Artifact = fmt.Sprintf("run-%d", i)
		s.Append(runtime.HistoryEntry{Kind: runtime.HistoryRefinement, Iteration: i})
		atomic.AddInt32(&inFlight, -1)
		return nil
	})
	if err != nil {
		t.Fatalf("RunParallel: %v", err)
	}
	if peak > 2 {
		t.Fatalf("peak concurrency=%d", peak)
	}
	for i, r := range results {
		if r.State.Artifact != fmt.Sprintf("run-%d", i) || len(r.State.History) != 1 {
			t.Fatalf("result %d=%+v", i, r.State)
		}
	}
	if shared.Artifact != "seed" || len(shared.History) != 0 {
		t.Fatalf("input state mutated: %+v", shared)
	}
}

func TestRunParallel_RunFailureIsLocal(t *testing.T) {
	results, err := RunParallel(context.Background(), 3, runs(0.1, 0.2, 0.3), func(ctx context.Context, i int, s *runtime.RunState) error {
		if i == 1 {
			return errors.New("node extract: no candidates")
		}
		return nil
	})
	if err != nil {
		t.Fatalf("RunParallel: %v", err)
	}
	ok := Succeeded(results)
	if len(ok) != 2 || !strings.HasPrefix(ok[1].Artifact, "run2") {
		t.Fatalf("succeeded=%v", ok)
	}
}

func TestRunParallel_FatalErrorCancelsSiblings(t *testing.T) {
	_, err := RunParallel(context.Background(), 2, runs(0.1, 0.2), func(ctx context.Context, i int, s *runtime.RunState) error {
		if i == 0 {
			return &runtime.BudgetError{Node: "ablate", Executed: 17, Max: 16}
		}
		<-ctx.Done()
		return runtime.ContextError(ctx)
	})
	if !errors.Is(err, runtime.ErrBudgetExceeded) {
		t.Fatalf("err=%v", err)
	}
}
