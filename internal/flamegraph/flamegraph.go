// Package flamegraph assembles the tuple-count flame graph of an evaluation
// log.
//
// Within a scope (a stage, or a whole query) the predicate dependency graph is
// condensed into strongly connected components and every component is placed
// under its immediate dominator. A computation read by several predicates
// therefore appears exactly once, under the first point where all of its
// readers meet.
package flamegraph

import (
	"fmt"

	"github.com/Benny93/evalprof/internal/graph"
	"github.com/Benny93/evalprof/internal/model"
)

// Granularity selects the scope the dependency analysis runs on.
type Granularity string

const (
	// GranularityStage analyses every stage separately.
	GranularityStage Granularity = "stage"

	// GranularityQuery analyses all evaluations of a query together.
	GranularityQuery Granularity = "query"
)

// Node kinds.
const (
	KindStage = "Stage"
	KindQuery = "Query"
)

// RootName is the name of the node aggregating a whole log.
const RootName = "root"

// Node is one frame of the flame graph.
type Node struct {
	Kind string `json:"kind,omitempty"`
	Name string `json:"name"`

	// Value is the inclusive tuple count of the frame.
	Value int64 `json:"value"`

	// OwnValue is the tuple count of the predicate itself. Unset for
	// synthetic frames.
	OwnValue *int64 `json:"ownValue,omitempty"`

	Children []*Node `json:"children"`
}

// Options configures Build.
type Options struct {
	Granularity Granularity
}

// ParseGranularity validates a granularity name. The empty string selects
// GranularityStage.
func ParseGranularity(s string) (Granularity, error) {
	switch Granularity(s) {
	case "", GranularityStage:
		return GranularityStage, nil
	case GranularityQuery:
		return GranularityQuery, nil
	default:
		return "", fmt.Errorf("unknown granularity %q (expected %q or %q)", s, GranularityStage, GranularityQuery)
	}
}

// Build assembles the flame graph of a whole log. The root's value is the sum
// of its children's values.
func Build(logFile *model.LogFile, opts Options) *Node {
	children := make([]*Node, 0)
	for _, q := range logFile.Queries {
		if opts.Granularity == GranularityQuery {
			children = append(children, BuildQuery(q))
			continue
		}
		for _, stage := range q.Stages {
			children = append(children, BuildStage(stage))
		}
	}
	return &Node{Name: RootName, Value: totalValue(children), Children: children}
}

// BuildStage assembles the frame of one stage from the evaluations completed
// while it was open. The frame is named after the predicates the stage
// reports.
func BuildStage(stage *model.Stage) *Node {
	children := BuildScope(stage.Evaluations)
	return &Node{
		Kind:     KindStage,
		Name:     AbbreviateStrings(stage.PredicateNames()),
		Value:    totalValue(children),
		Children: children,
	}
}

// BuildQuery assembles the frame of one query from all of its evaluations.
func BuildQuery(q *model.Query) *Node {
	var evaluations []*model.PipelineEvaluation
	for _, p := range q.RaPredicates {
		evaluations = append(evaluations, p.Evaluations...)
	}
	children := BuildScope(evaluations)
	return &Node{
		Kind:     KindQuery,
		Name:     q.Name,
		Value:    totalValue(children),
		Children: children,
	}
}

// BuildScope returns the top-level frames of a scope: the components that
// only the scope as a whole dominates. Predicates without an evaluation in
// the scope do not appear.
func BuildScope(evaluations []*model.PipelineEvaluation) []*Node {
	costs := make(map[string]int64)
	for _, e := range evaluations {
		costs[e.Predicate] += e.TupleCount()
	}

	condensation := graph.StronglyConnectedComponents(graph.FromEvaluations(evaluations))
	a := &assembler{
		condensation: condensation,
		dominators:   graph.Dominators(condensation, condensation.Roots()),
		costs:        costs,
	}
	return a.componentNodes(a.dominators.Dominated(graph.Entry))
}

type assembler struct {
	condensation *graph.Condensation
	dominators   *graph.DominatorTree
	costs        map[string]int64
}

func (a *assembler) componentNodes(ids []int) []*Node {
	nodes := make([]*Node, 0, len(ids))
	for _, id := range ids {
		nodes = append(nodes, a.componentNode(id))
	}
	return nodes
}

// componentNode builds the frame of a component. A singleton becomes the
// frame of its predicate; a recursive component becomes a synthetic frame
// over its members (which do not descend further) and whatever the component
// dominates.
func (a *assembler) componentNode(id int) *Node {
	c := a.condensation.Components[id]
	dominated := a.dominators.Dominated(id)
	if !c.Recursive() {
		return a.predicateNode(c.Members[0], dominated)
	}

	children := make([]*Node, 0, len(c.Members)+len(dominated))
	for _, member := range c.Members {
		children = append(children, a.predicateNode(member, nil))
	}
	children = append(children, a.componentNodes(dominated)...)
	return &Node{
		Name:     AbbreviateStrings(c.Members),
		Value:    totalValue(children),
		Children: children,
	}
}

func (a *assembler) predicateNode(name string, dominated []int) *Node {
	own := a.costs[name]
	children := a.componentNodes(dominated)
	return &Node{
		Name:     name,
		Value:    own + totalValue(children),
		OwnValue: &own,
		Children: children,
	}
}

func totalValue(nodes []*Node) int64 {
	var total int64
	for _, n := range nodes {
		total += n.Value
	}
	return total
}

// Walk calls fn for n and every frame below it, depth first, with the names of
// the frames above it.
func Walk(n *Node, fn func(stack []string, n *Node)) {
	walk(nil, n, fn)
}

func walk(stack []string, n *Node, fn func([]string, *Node)) {
	fn(stack, n)
	stack = append(stack, n.Name)
	for _, child := range n.Children {
		walk(stack[:len(stack):len(stack)], child, fn)
	}
}
