package graph

import (
	"sync"

	"github.com/Benny93/evalprof/internal/model"
)

// DependencyGraph is a directed graph of predicate names.
//
// Nodes and edges keep their insertion order so that every analysis over the
// graph is deterministic. Edges are only accepted between known nodes, which
// is how references to predicates outside the scope are dropped.
type DependencyGraph struct {
	mu    sync.RWMutex
	index map[string]int
	names []string

	// Adjacency indexes, kept in sync by AddEdge.
	outgoing [][]int
	incoming [][]int
	edges    map[[2]int]struct{}
}

// NewDependencyGraph creates a new empty dependency graph.
func NewDependencyGraph() *DependencyGraph {
	return &DependencyGraph{
		index: make(map[string]int),
		edges: make(map[[2]int]struct{}),
	}
}

// FromEvaluations builds the dependency graph of a scope: one node per
// predicate with at least one of the given evaluations, and an edge for every
// resolved sub-predicate reference of their steps that points into the scope.
func FromEvaluations(evaluations []*model.PipelineEvaluation) *DependencyGraph {
	g := NewDependencyGraph()
	for _, e := range evaluations {
		g.AddNode(e.Predicate)
	}
	for _, e := range evaluations {
		for _, step := range e.Steps {
			for _, dep := range step.SubPredicates {
				g.AddEdge(e.Predicate, dep)
			}
		}
	}
	return g
}

// NodeCount returns the number of nodes.
func (g *DependencyGraph) NodeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.names)
}

// EdgeCount returns the number of distinct edges, self-loops included.
func (g *DependencyGraph) EdgeCount() int {
	g.mu.RLock()
	defer g.mu.RUnlock()
	return len(g.edges)
}

// AddNode adds a predicate. Returns false if it was already present.
func (g *DependencyGraph) AddNode(name string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	if _, ok := g.index[name]; ok {
		return false
	}
	g.index[name] = len(g.names)
	g.names = append(g.names, name)
	g.outgoing = append(g.outgoing, nil)
	g.incoming = append(g.incoming, nil)
	return true
}

// HasNode reports whether the predicate is a node of the graph.
func (g *DependencyGraph) HasNode(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()
	_, ok := g.index[name]
	return ok
}

// AddEdge records that source reads target. Returns false if either endpoint
// is unknown or the edge already exists.
func (g *DependencyGraph) AddEdge(source, target string) bool {
	g.mu.Lock()
	defer g.mu.Unlock()

	s, ok := g.index[source]
	if !ok {
		return false
	}
	t, ok := g.index[target]
	if !ok {
		return false
	}
	key := [2]int{s, t}
	if _, dup := g.edges[key]; dup {
		return false
	}
	g.edges[key] = struct{}{}
	g.outgoing[s] = append(g.outgoing[s], t)
	g.incoming[t] = append(g.incoming[t], s)
	return true
}

// Nodes returns all predicate names in insertion order.
func (g *DependencyGraph) Nodes() []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	result := make([]string, len(g.names))
	copy(result, g.names)
	return result
}

// GetOutgoing returns the predicates read by name, in insertion order.
func (g *DependencyGraph) GetOutgoing(name string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	i, ok := g.index[name]
	if !ok {
		return nil
	}
	return g.namesOf(g.outgoing[i])
}

// GetIncoming returns the predicates that read name, in insertion order.
func (g *DependencyGraph) GetIncoming(name string) []string {
	g.mu.RLock()
	defer g.mu.RUnlock()

	i, ok := g.index[name]
	if !ok {
		return nil
	}
	return g.namesOf(g.incoming[i])
}

// HasIncoming returns true if another predicate reads name. Self-loops do not
// count.
func (g *DependencyGraph) HasIncoming(name string) bool {
	g.mu.RLock()
	defer g.mu.RUnlock()

	i, ok := g.index[name]
	if !ok {
		return false
	}
	for _, s := range g.incoming[i] {
		if s != i {
			return true
		}
	}
	return false
}

// Stats returns a summary of graph size.
func (g *DependencyGraph) Stats() map[string]int {
	g.mu.RLock()
	defer g.mu.RUnlock()

	return map[string]int{
		"nodes": len(g.names),
		"edges": len(g.edges),
	}
}

// namesOf must be called with the read lock held.
func (g *DependencyGraph) namesOf(ids []int) []string {
	result := make([]string, len(ids))
	for k, id := range ids {
		result[k] = g.names[id]
	}
	return result
}
