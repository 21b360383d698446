package loop

import (
	"context"
	"errors"
	"math"
	"strings"
	"testing"

	"github.com/danshapiro/refinery/internal/refinery/events"
	"github.com/danshapiro/refinery/internal/refinery/runtime"
)

func TestInnerLoop_KeepsStrictlyBestAttempt(t *testing.T) {
	p := newScriptedPort("SCORE:0.70", "SCORE:0.65", "SCORE:0.74")
	rec := &events.Recorder{}
	l := innerFor(p, 3, 0)
	l.Events = rec

	s := runtime.NewRunState("prefix\nSCORE:0.70\nsuffix", 0.70)
	s.TargetFragment = "SCORE:0.70"
	attempts, err := l.Run(context.Background(), s, "initial plan")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Score != 0.74 || s.Artifact != "prefix\nSCORE:0.74\nsuffix" {
		t.Fatalf("state=%q %v", s.Artifact, s.Score)
	}
	best, _ := BestAttempt(attempts)
	if best.Iteration != 2 {
		t.Fatalf("winner iteration=%d want 2", best.Iteration)
	}
	if s.InnerIteration != 3 {
		t.Fatalf("inner iteration=%d", s.InnerIteration)
	}
	if attempts[0].Plan != "initial plan" || attempts[1].Plan != "plan-1" {
		t.Fatalf("plans=%q %q", attempts[0].Plan, attempts[1].Plan)
	}
	if got := len(rec.Named(events.InnerAttempt)); got != 3 {
		t.Fatalf("inner events=%d", got)
	}
}

func TestInnerLoop_NeverRegresses(t *testing.T) {
	p := newScriptedPort("SCORE:0.2", "SCORE:0.3")
	s := runtime.NewRunState("x SCORE:0.9 y", 0.9)
	s.TargetFragment = "SCORE:0.9"
	if _, err := innerFor(p, 2, 0).Run(context.Background(), s, "p"); err != nil {
		t.Fatalf("Run: %v", err)
	}
	if s.Score != 0.9 || s.Artifact != "x SCORE:0.9 y" {
		t.Fatalf("state changed: %q %v", s.Artifact, s.Score)
	}
}

func TestInnerLoop_TiesGoToEarliestAttempt(t *testing.T) {
	p := newScriptedPort("SCORE:0.8 #first", "SCORE:0.8 #second")
	s := runtime.NewRunState("SCORE:0.5", 0.5)
	s.TargetFragment = "SCORE:0.5"
	attempts, err := innerFor(p, 2, 0).Run(context.Background(), s, "p")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if !strings.Contains(s.Artifact, "#first") {
		t.Fatalf("artifact=%q", s.Artifact)
	}
	if best, _ := BestAttempt(attempts); best.Iteration != 0 {
		t.Fatalf("best=%d", best.Iteration)
	}
}

func TestInnerLoop_SubstitutionFaultSkipsEvaluation(t *testing.T) {
	p := newScriptedPort("new code", "other code")
	s := runtime.NewRunState("import numpy\nmodel = Lasso()\n", 0.6)
	s.TargetFragment = "model = Ridge()"

	attempts, err := innerFor(p, 2, 0).Run(context.Background(), s, "p")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	for _, a := range attempts {
		if !errors.Is(a.Err, ErrFragmentNotFound) || !math.IsInf(a.Score, -1) {
			t.Fatalf("attempt=%+v", a)
		}
	}
	if p.count("evaluate") != 0 {
		t.Fatalf("evaluation must not run on substitution fault")
	}
	if s.Score != 0.6 || s.Artifact != "import numpy\nmodel = Lasso()\n" {
		t.Fatalf("state changed: %+v", s)
	}
}

func TestInnerLoop_CapabilityFailureIsLocalToAttempt(t *testing.T) {
	p := newScriptedPort("SCORE:0.9")
	p.failPlan = true
	s := runtime.NewRunState("SCORE:0.1", 0.1)
	s.TargetFragment = "SCORE:0.1"

	attempts, err := innerFor(p, 2, 0).Run(context.Background(), s, "given plan")
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if attempts[0].Failed() || !attempts[1].Failed() {
		t.Fatalf("attempt errors: %v / %v", attempts[0].Err, attempts[1].Err)
	}
	if s.Score != 0.9 {
		t.Fatalf("score=%v", s.Score)
	}
}

func TestInnerLoop_RequiresTarget(t *testing.T) {
	_, err := innerFor(newScriptedPort(), 1, 0).Run(context.Background(), runtime.NewRunState("a", 0), "p")
	if err == nil {
		t.Fatalf("expected error")
	}
}

func TestInnerLoop_CancellationIsFatal(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	s := runtime.NewRunState("SCORE:0.1", 0.1)
	s.TargetFragment = "SCORE:0.1"
	_, err := innerFor(newScriptedPort("SCORE:0.2"), 1, 0).Run(ctx, s, "p")
	if !errors.Is(err, runtime.ErrCancelled) {
		t.Fatalf("err=%v", err)
	}
}

func TestEvaluator_DebugChainRepairsArtifact(t *testing.T) {
	p := newScriptedPort()
	p.debugFix = func(code string) string { return strings.ReplaceAll(code, "CRASH", "") }
	ev := &Evaluator{Invoker: invokerFor(p), MaxDebugRetries: 3}

	res, err := ev.Evaluate(context.Background(), "CRASH SCORE:0.88")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if !res.OK() || res.Score != 0.88 || res.Artifact != " SCORE:0.88" || res.Debugged != 1 {
		t.Fatalf("res=%+v", res)
	}
}

func TestEvaluator_DebugExhaustionYieldsWorstScore(t *testing.T) {
	p := newScriptedPort()
	ev := &Evaluator{Invoker: invokerFor(p), MaxDebugRetries: 2}

	res, err := ev.Evaluate(context.Background(), "CRASH")
	if err != nil {
		t.Fatalf("Evaluate: %v", err)
	}
	if res.OK() || !math.IsInf(res.Score, -1) || res.ExitCode != 1 {
		t.Fatalf("res=%+v", res)
	}
	if p.count("debug") != 2 || p.count("evaluate") != 3 {
		t.Fatalf("debug=%d evaluate=%d", p.count("debug"), p.count("evaluate"))
	}
}

func TestSubstitute_FirstExactOccurrenceOnly(t *testing.T) {
	got, err := Substitute("a = 1\na = 1\n", "a = 1", "a = 2")
	if err != nil || got != "a = 2\na = 1\n" {
		t.Fatalf("got %q err=%v", got, err)
	}
	if _, err := Substitute("a  = 1", "a = 1", "x"); !errors.Is(err, ErrFragmentNotFound) {
		t.Fatalf("whitespace variant must not match: %v", err)
	}
	if _, err := Substitute("abc", "", "x"); !errors.Is(err, ErrFragmentNotFound) {
		t.Fatalf("empty target: %v", err)
	}
}
