package graph

import (
	"context"
	"fmt"
	"strings"

	"github.com/danshapiro/refinery/internal/refinery/cond"
	"github.com/danshapiro/refinery/internal/refinery/runtime"
)

// Action mutates the run state for one node.
type Action func(ctx context.Context, s *runtime.RunState) error

type Node struct {
	Name   string
	Action Action
}

// Edge is a directed transition. A nil Condition is unconditional.
type Edge struct {
	From      string
	To        string
	Condition func(*runtime.RunState) bool
	// Label is the textual condition the edge was built from, if any.
	Label string
}

// Graph is a directed graph that may contain cycles. Outgoing edges keep
// declaration order, which decides precedence.
type Graph struct {
	Entry string
	nodes map[string]*Node
	order []string
	edges map[string][]Edge
}

func New(entry string) *Graph {
	return &Graph{
		Entry: strings.TrimSpace(entry),
		nodes: map[string]*Node{},
		edges: map[string][]Edge{},
	}
}

func (g *Graph) AddNode(name string, action Action) *Graph {
	name = strings.TrimSpace(name)
	if _, exists := g.nodes[name]; !exists {
		g.order = append(g.order, name)
	}
	g.nodes[name] = &Node{Name: name, Action: action}
	return g
}

// AddEdge appends an edge from -> to guarded by when (nil = always).
func (g *Graph) AddEdge(from, to string, when func(*runtime.RunState) bool) *Graph {
	from = strings.TrimSpace(from)
	g.edges[from] = append(g.edges[from], Edge{From: from, To: strings.TrimSpace(to), Condition: when})
	return g
}

// AddCondEdge appends an edge guarded by a textual condition (see package cond).
func (g *Graph) AddCondEdge(from, to, condition string) error {
	pred, err := cond.Compile(condition)
	if err != nil {
		return fmt.Errorf("edge %s -> %s: %w", from, to, err)
	}
	from = strings.TrimSpace(from)
	g.edges[from] = append(g.edges[from], Edge{From: from, To: strings.TrimSpace(to), Condition: pred, Label: condition})
	return nil
}

func (g *Graph) Node(name string) (*Node, bool) {
	n, ok := g.nodes[name]
	return n, ok
}

// Validate reports structural defects: missing entry, edges to unknown nodes,
// nodes without actions.
func (g *Graph) Validate() error {
	if g.Entry == "" {
		return fmt.Errorf("graph has no entry node")
	}
	if _, ok := g.nodes[g.Entry]; !ok {
		return fmt.Errorf("entry node %q is not defined", g.Entry)
	}
	for _, name := range g.order {
		if g.nodes[name].Action == nil {
			return fmt.Errorf("node %q has no action", name)
		}
	}
	for from, es := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("edge source %q is not defined", from)
		}
		for _, e := range es {
			if _, ok := g.nodes[e.To]; !ok {
				return fmt.Errorf("edge %s -> %s: target is not defined", from, e.To)
			}
		}
	}
	return nil
}

// next returns the first outgoing edge whose condition holds.
func (g *Graph) next(from string, s *runtime.RunState) (Edge, bool) {
	for _, e := range g.edges[from] {
		if e.Condition == nil || e.Condition(s) {
			return e, true
		}
	}
	return Edge{}, false
}
