package graph

import (
	"context"
	"errors"
	"fmt"
	rdebug "runtime/debug"

	"github.com/danshapiro/refinery/internal/refinery/runtime"
)

// Budget bounds the number of node entries for one run. Executed is never
// reset and is touched only by the executing goroutine.
type Budget struct {
	MaxNodeExecutions int `json:"max_node_executions"`
	Executed          int `json:"executed"`
}

func NewBudget(max int) *Budget { return &Budget{MaxNodeExecutions: max} }

// Remaining is the number of node entries still allowed.
func (b *Budget) Remaining() int {
	if b == nil {
		return 0
	}
	if r := b.MaxNodeExecutions - b.Executed; r > 0 {
		return r
	}
	return 0
}

// Step describes one completed node execution.
type Step struct {
	Node     string
	Executed int
	Next     string
}

// Executor drives a graph from an entry node until no edge fires.
type Executor struct {
	// AfterNode runs after each successful node action, before edge
	// selection. An error from it halts the run like an action error.
	AfterNode func(ctx context.Context, step Step, s *runtime.RunState) error
	// OnStep is notified after edge selection. It must not block.
	OnStep func(step Step, s *runtime.RunState)
}

// NodeError is an action failure, attributed to its node.
type NodeError struct {
	Node string
	Err  error
}

func (e *NodeError) Error() string { return fmt.Sprintf("node %s: %v", e.Node, e.Err) }
func (e *NodeError) Unwrap() error { return e.Err }

// Run executes g starting at from (g.Entry when empty). It returns the name of
// the node at which execution terminated normally.
func (x *Executor) Run(ctx context.Context, g *Graph, s *runtime.RunState, budget *Budget, from string) (string, error) {
	if g == nil || s == nil || budget == nil {
		return "", fmt.Errorf("graph, state and budget are required")
	}
	if from == "" {
		from = g.Entry
	}
	current := from
	for {
		if err := runtime.ContextError(ctx); err != nil {
			return current, err
		}
		node, ok := g.Node(current)
		if !ok {
			return current, fmt.Errorf("missing node: %s", current)
		}
		if budget.Executed+1 > budget.MaxNodeExecutions {
			return current, &runtime.BudgetError{Node: current, Executed: budget.Executed + 1, Max: budget.MaxNodeExecutions}
		}
		budget.Executed++

		if err := executeNode(ctx, node, s); err != nil {
			if runtime.IsFatal(err) {
				return current, err
			}
			return current, &NodeError{Node: current, Err: err}
		}
		step := Step{Node: current, Executed: budget.Executed}
		if x != nil && x.AfterNode != nil {
			if err := x.AfterNode(ctx, step, s); err != nil {
				if runtime.IsFatal(err) {
					return current, err
				}
				return current, &NodeError{Node: current, Err: err}
			}
		}

		e, ok := g.next(current, s)
		if ok {
			step.Next = e.To
		}
		if x != nil && x.OnStep != nil {
			x.OnStep(step, s)
		}
		if !ok {
			return current, nil
		}
		current = e.To
	}
}

func executeNode(ctx context.Context, node *Node, s *runtime.RunState) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("panic: %v\n%s", r, rdebug.Stack())
		}
	}()
	if node.Action == nil {
		return errors.New("node has no action")
	}
	return node.Action(ctx, s)
}
