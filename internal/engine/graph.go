// Package engine executes a directed node graph over the shared state
// blackboard, checkpointing after every node. Nodes run strictly
// sequentially for a given thread; the only concurrency lives inside nodes.
package engine

import (
	"context"
	"fmt"
	"sort"

	"github.com/strandtale/fabula/internal/state"
)

// End is the terminal pseudo-node.
const End = "__end__"

// NodeFunc runs one node and returns an incremental state update. Channels
// absent from the update are untouched.
type NodeFunc func(ctx context.Context, st *state.State) (state.Update, error)

// RouterFunc picks the next node after a conditional edge.
type RouterFunc func(st *state.State) string

// Graph is the mutable builder. Compile freezes it into something runnable.
type Graph struct {
	nodes   map[string]NodeFunc
	edges   map[string]string
	routers map[string]RouterFunc
	entry   string
}

// NewGraph returns an empty graph builder.
func NewGraph() *Graph {
	return &Graph{
		nodes:   map[string]NodeFunc{},
		edges:   map[string]string{},
		routers: map[string]RouterFunc{},
	}
}

// AddNode registers a node. Duplicate names are a build error.
func (g *Graph) AddNode(name string, fn NodeFunc) error {
	if name == "" || name == End {
		return fmt.Errorf("graph: invalid node name %q", name)
	}
	if _, ok := g.nodes[name]; ok {
		return fmt.Errorf("graph: duplicate node %q", name)
	}
	g.nodes[name] = fn
	return nil
}

// AddEdge adds an unconditional edge from -> to. to may be End.
func (g *Graph) AddEdge(from, to string) error {
	if _, ok := g.edges[from]; ok {
		return fmt.Errorf("graph: node %q already has an edge", from)
	}
	if _, ok := g.routers[from]; ok {
		return fmt.Errorf("graph: node %q already has a conditional edge", from)
	}
	g.edges[from] = to
	return nil
}

// AddConditionalEdge routes from's successor through fn at runtime.
func (g *Graph) AddConditionalEdge(from string, fn RouterFunc) error {
	if _, ok := g.edges[from]; ok {
		return fmt.Errorf("graph: node %q already has an edge", from)
	}
	if _, ok := g.routers[from]; ok {
		return fmt.Errorf("graph: node %q already has a conditional edge", from)
	}
	g.routers[from] = fn
	return nil
}

// SetEntry names the node execution starts from.
func (g *Graph) SetEntry(name string) { g.entry = name }

// validate checks structural soundness: an entry, and every edge endpoint
// resolving to a known node or End.
func (g *Graph) validate() error {
	if g.entry == "" {
		return fmt.Errorf("graph: no entry node")
	}
	if _, ok := g.nodes[g.entry]; !ok {
		return fmt.Errorf("graph: entry node %q not registered", g.entry)
	}
	var names []string
	for n := range g.nodes {
		names = append(names, n)
	}
	sort.Strings(names)
	for _, n := range names {
		_, hasEdge := g.edges[n]
		_, hasRouter := g.routers[n]
		if !hasEdge && !hasRouter {
			return fmt.Errorf("graph: node %q has no outgoing edge", n)
		}
	}
	for from, to := range g.edges {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("graph: edge from unknown node %q", from)
		}
		if to != End {
			if _, ok := g.nodes[to]; !ok {
				return fmt.Errorf("graph: edge to unknown node %q", to)
			}
		}
	}
	for from := range g.routers {
		if _, ok := g.nodes[from]; !ok {
			return fmt.Errorf("graph: conditional edge from unknown node %q", from)
		}
	}
	return nil
}

// next resolves the successor of a node against the current state.
func (g *Graph) next(node string, st *state.State) (string, error) {
	if to, ok := g.edges[node]; ok {
		return to, nil
	}
	if router, ok := g.routers[node]; ok {
		to := router(st)
		if to != End {
			if _, known := g.nodes[to]; !known {
				return "", fmt.Errorf("graph: router at %q returned unknown node %q", node, to)
			}
		}
		return to, nil
	}
	return "", fmt.Errorf("graph: node %q has no successor", node)
}
