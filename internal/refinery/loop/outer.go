package loop

import (
	"context"
	"fmt"
	"strings"

	"github.com/danshapiro/refinery/internal/refinery/capability"
	"github.com/danshapiro/refinery/internal/refinery/events"
	"github.com/danshapiro/refinery/internal/refinery/graph"
	"github.com/danshapiro/refinery/internal/refinery/runtime"
)

// Outer loop node names.
const (
	NodeAblate    = "ablate"
	NodeSummarize = "summarize"
	NodeExtract   = "extract"
	NodeRefine    = "refine"
)

// OuterLoop runs ablate -> summarize -> extract -> refine, looping back to
// ablate while outer_iteration < Iterations.
type OuterLoop struct {
	Invoker    *capability.RetryingInvoker
	Inner      *InnerLoop
	Iterations int
	Parse      ExtractParser
	Events     events.Sink
	// AfterIteration runs once per completed refine node, after the outer
	// iteration counter has advanced. Checkpoints hook in here.
	AfterIteration func(ctx context.Context, s *runtime.RunState) error
}

// Graph builds the outer loop graph.
func (o *OuterLoop) Graph() (*graph.Graph, error) {
	g := graph.New(NodeAblate).
		AddNode(NodeAblate, o.ablate).
		AddNode(NodeSummarize, o.summarize).
		AddNode(NodeExtract, o.extract).
		AddNode(NodeRefine, o.refine)
	g.AddEdge(NodeAblate, NodeSummarize, nil)
	g.AddEdge(NodeSummarize, NodeExtract, nil)
	g.AddEdge(NodeExtract, NodeRefine, nil)
	if err := g.AddCondEdge(NodeRefine, NodeAblate, fmt.Sprintf("outer_iteration<%d", o.Iterations)); err != nil {
		return nil, err
	}
	if err := g.Validate(); err != nil {
		return nil, err
	}
	return g, nil
}

// Run drives the outer loop from the given node (ablate when empty) under
// budget. A state that already completed its iterations is left untouched.
func (o *OuterLoop) Run(ctx context.Context, s *runtime.RunState, budget *graph.Budget, from string) error {
	if o.Iterations <= 0 {
		return fmt.Errorf("outer loop iterations must be > 0, got %d", o.Iterations)
	}
	if s.OuterIteration >= o.Iterations {
		return nil
	}
	g, err := o.Graph()
	if err != nil {
		return err
	}
	x := &graph.Executor{
		AfterNode: func(ctx context.Context, step graph.Step, s *runtime.RunState) error {
			if step.Node == NodeRefine && o.AfterIteration != nil {
				return o.AfterIteration(ctx, s)
			}
			return nil
		},
		OnStep: func(step graph.Step, s *runtime.RunState) {
			if o.Events != nil {
				o.Events.Emit(events.Event{
					Name:      events.NodeCompleted,
					Node:      step.Node,
					Iteration: s.OuterIteration,
					Score:     s.Score,
					Detail:    step.Next,
				})
			}
		},
	}
	_, err = x.Run(ctx, g, s, budget, from)
	return err
}

func (o *OuterLoop) ablate(ctx context.Context, s *runtime.RunState) error {
	out, err := o.Invoker.Invoke(ctx, capability.OpAblate, capability.Payload{
		Text: s.Artifact,
		Vars: map[string]string{"previous_summaries": previousSummaries(s)},
	})
	if err != nil {
		return err
	}
	raw := out.Text
	if out.Exec != nil {
		raw = strings.TrimSpace(out.Exec.Stdout + "\n" + out.Exec.Stderr)
	}
	s.AblationRaw = raw
	return nil
}

func (o *OuterLoop) summarize(ctx context.Context, s *runtime.RunState) error {
	out, err := o.Invoker.Invoke(ctx, capability.OpSummarize, capability.Payload{
		Text: s.AblationRaw,
		Vars: map[string]string{"artifact": s.Artifact},
	})
	if err != nil {
		return err
	}
	s.AblationSummary = strings.TrimSpace(out.Text)
	s.Append(runtime.HistoryEntry{
		Kind:      runtime.HistoryAblation,
		Summary:   s.AblationSummary,
		Score:     s.Score,
		Iteration: s.OuterIteration,
	})
	return nil
}

func (o *OuterLoop) extract(ctx context.Context, s *runtime.RunState) error {
	out, err := o.Invoker.Invoke(ctx, capability.OpExtract, capability.Payload{
		Text: s.AblationSummary,
		Vars: map[string]string{
			"artifact": s.Artifact,
			"refined":  strings.Join(s.RefinedFragments, "\n"),
		},
	})
	if err != nil {
		return err
	}
	parse := o.Parse
	if parse == nil {
		parse = ParseExtractJSON
	}
	cands, err := parse(out)
	if err != nil {
		return err
	}
	c, err := SelectFragment(cands, s)
	if err != nil {
		return err
	}
	s.TargetFragment = c.Fragment
	s.TargetID = c.ID
	s.Plan = c.Plan
	return nil
}

func (o *OuterLoop) refine(ctx context.Context, s *runtime.RunState) error {
	before := s.Score
	attempts, err := o.Inner.Run(ctx, s, s.Plan)
	if err != nil {
		return err
	}
	s.MarkRefined(s.TargetID)
	s.Append(runtime.HistoryEntry{
		Kind:      runtime.HistoryRefinement,
		Summary:   refinementSummary(s.TargetID, attempts, before, s.Score),
		Score:     s.Score,
		Iteration: s.OuterIteration,
	})
	s.OuterIteration++
	s.TargetFragment = ""
	s.TargetID = ""
	s.Plan = ""
	s.AblationRaw = ""
	return nil
}

func previousSummaries(s *runtime.RunState) string {
	var parts []string
	for _, e := range s.HistoryOf(runtime.HistoryAblation) {
		parts = append(parts, fmt.Sprintf("[iteration %d] %s", e.Iteration, e.Summary))
	}
	return strings.Join(parts, "\n\n")
}

func refinementSummary(id string, attempts []runtime.Attempt, before, after float64) string {
	failed := 0
	for _, a := range attempts {
		if a.Err != nil {
			failed++
		}
	}
	verdict := "kept"
	if runtime.Better(after, before) {
		verdict = "improved"
	}
	return fmt.Sprintf("%s %s: %d attempts (%d failed), score %v -> %v", verdict, id, len(attempts), failed, before, after)
}
