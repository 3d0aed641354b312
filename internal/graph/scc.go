package graph

import "sort"

// StronglyConnectedComponents condenses g into its strongly connected
// components using Tarjan's algorithm.
//
// The traversal keeps an explicit stack so that long dependency chains do not
// grow the goroutine stack. Components are numbered in topological order.
func StronglyConnectedComponents(g *DependencyGraph) *Condensation {
	g.mu.RLock()
	defer g.mu.RUnlock()

	n := len(g.names)
	index := make([]int, n) // 0 means unvisited
	low := make([]int, n)
	onStack := make([]bool, n)
	var stack []int
	var emitted [][]int
	counter := 0

	visit := func(v int) {
		counter++
		index[v] = counter
		low[v] = counter
		stack = append(stack, v)
		onStack[v] = true
	}

	type frame struct {
		node int
		next int
	}

	// Starting from the most recently added node keeps unrelated components
	// in insertion order once the emission order is reversed.
	for start := n - 1; start >= 0; start-- {
		if index[start] != 0 {
			continue
		}
		visit(start)
		calls := []frame{{node: start}}

		for len(calls) > 0 {
			top := &calls[len(calls)-1]
			v := top.node

			if top.next < len(g.outgoing[v]) {
				w := g.outgoing[v][top.next]
				top.next++
				if index[w] == 0 {
					visit(w)
					calls = append(calls, frame{node: w})
				} else if onStack[w] && index[w] < low[v] {
					low[v] = index[w]
				}
				continue
			}

			if low[v] == index[v] {
				var members []int
				for {
					w := stack[len(stack)-1]
					stack = stack[:len(stack)-1]
					onStack[w] = false
					members = append(members, w)
					if w == v {
						break
					}
				}
				emitted = append(emitted, members)
			}

			calls = calls[:len(calls)-1]
			if len(calls) > 0 {
				parent := calls[len(calls)-1].node
				if low[v] < low[parent] {
					low[parent] = low[v]
				}
			}
		}
	}

	// Tarjan emits a component after everything it reaches, so reversing the
	// emission order yields a topological numbering.
	componentOf := make([]int, n)
	components := make([]*Component, len(emitted))
	for k, members := range emitted {
		id := len(emitted) - 1 - k
		sort.Ints(members)
		names := make([]string, len(members))
		for i, v := range members {
			componentOf[v] = id
			names[i] = g.names[v]
		}
		components[id] = &Component{ID: id, Members: names}
	}

	predecessors := make([][]int, len(components))
	for k, members := range emitted {
		id := len(emitted) - 1 - k
		seen := make(map[int]bool)
		successors := make([]int, 0)
		for _, v := range members {
			for _, w := range g.outgoing[v] {
				target := componentOf[w]
				if target == id || seen[target] {
					continue
				}
				seen[target] = true
				successors = append(successors, target)
			}
		}
		sort.Ints(successors)
		components[id].Successors = successors
	}
	for id, c := range components {
		for _, s := range c.Successors {
			predecessors[s] = append(predecessors[s], id)
		}
	}

	byName := make(map[string]int, n)
	for v, name := range g.names {
		byName[name] = componentOf[v]
	}

	return &Condensation{
		Components:   components,
		componentOf:  byName,
		predecessors: predecessors,
	}
}
