package cond

import (
	"testing"

	"github.com/danshapiro/refinery/internal/refinery/runtime"
)

func TestEvaluate(t *testing.T) {
	s := runtime.NewRunState("code", 0.71)
	s.OuterIteration = 2
	s.TargetID = "model"
	s.Append(runtime.HistoryEntry{Kind: runtime.HistoryAblation})
	s.Append(runtime.HistoryEntry{Kind: runtime.HistoryRefinement})
	s.Append(runtime.HistoryEntry{Kind: runtime.HistoryAblation})

	cases := []struct {
		cond string
		want bool
	}{
		{"", true},
		{"outer_iteration<4", true},
		{"outer_iteration < 2", false},
		{"outer_iteration<=2", true},
		{"outer_iteration>=3", false},
		{"outer_iteration!=2", false},
		{"score>0.7 && outer_iteration<4", true},
		{"score>0.8 && outer_iteration<4", false},
		{"score>-inf", true},
		{"target_id=model", true},
		{"target_id!=model", false},
		{"target_fragment", false},
		{"target_id", true},
		{"history_len=3", true},
		{"history.ablation=2", true},
		{"history.refinement>=1", true},
		{"target_id=a<=b", false},
		{"target_id!=x>y", true},
	}
	for _, tc := range cases {
		got, err := Evaluate(tc.cond, s)
		if err != nil {
			t.Fatalf("Evaluate(%q) error: %v", tc.cond, err)
		}
		if got != tc.want {
			t.Fatalf("Evaluate(%q)=%v, want %v", tc.cond, got, tc.want)
		}
	}
}

func TestEvaluate_Errors(t *testing.T) {
	s := runtime.NewRunState("", 0)
	for _, c := range []string{
		"unknown_key=1",
		"outer_iteration<abc",
		"target_id<3",
		"history.merge=1",
		"=3",
	} {
		if _, err := Evaluate(c, s); err == nil {
			t.Fatalf("Evaluate(%q): expected error", c)
		}
	}
}

func TestEvaluate_OperatorsInsideLiterals(t *testing.T) {
	s := runtime.NewRunState("", 0)
	s.TargetID = "a<=b"
	s.TargetFragment = "x = y >= z"
	for _, c := range []string{"target_id=a<=b", "target_fragment=x = y >= z", "target_id!=a<b"} {
		got, err := Evaluate(c, s)
		if err != nil {
			t.Fatalf("Evaluate(%q) error: %v", c, err)
		}
		if !got {
			t.Fatalf("Evaluate(%q)=false", c)
		}
	}
}

func TestCompile(t *testing.T) {
	if _, err := Compile("nope=1"); err == nil {
		t.Fatalf("expected compile error")
	}
	pred := MustCompile("outer_iteration<4")
	s := runtime.NewRunState("", 0)
	for i := 0; i < 4; i++ {
		s.OuterIteration = i
		if !pred(s) {
			t.Fatalf("iteration %d should continue", i)
		}
	}
	s.OuterIteration = 4
	if pred(s) {
		t.Fatalf("iteration 4 should stop")
	}
}
