// Package graph provides the predicate dependency graph of an evaluation
// scope and the analyses the flame graph is assembled from.
//
// A DependencyGraph has one node per predicate evaluated in the scope and an
// edge P -> Q whenever a pipeline step of P reads Q. Cycles (mutually
// recursive predicates) are collapsed into Components, and the dominator tree
// of the resulting acyclic graph decides where each component's cost is
// attributed.
package graph

// Entry is the ID of the virtual node that precedes every root component in a
// DominatorTree.
const Entry = -1

// Component is a strongly connected component of a DependencyGraph.
type Component struct {
	// ID is the position of the component in topological order: every
	// successor has a larger ID.
	ID int

	// Members are the predicate names of the component, in the order they
	// were added to the graph. Non-recursive predicates form singletons.
	Members []string

	// Successors are the IDs of the components read by any member, ascending.
	// Self-loops and edges inside the component are not included.
	Successors []int
}

// Recursive reports whether the component has more than one member.
func (c *Component) Recursive() bool {
	return len(c.Members) > 1
}

// Condensation is the acyclic graph of the strongly connected components of a
// DependencyGraph.
type Condensation struct {
	// Components are indexed by their ID.
	Components []*Component

	componentOf  map[string]int
	predecessors [][]int
}

// ComponentOf returns the component containing the named predicate, or nil.
func (c *Condensation) ComponentOf(name string) *Component {
	id, ok := c.componentOf[name]
	if !ok {
		return nil
	}
	return c.Components[id]
}

// Predecessors returns the IDs of the components that read component id.
func (c *Condensation) Predecessors(id int) []int {
	return c.predecessors[id]
}

// Roots returns the IDs of the components nothing else in the scope reads,
// ascending. These are the outputs of the scope.
func (c *Condensation) Roots() []int {
	roots := make([]int, 0)
	for id := range c.Components {
		if len(c.predecessors[id]) == 0 {
			roots = append(roots, id)
		}
	}
	return roots
}
