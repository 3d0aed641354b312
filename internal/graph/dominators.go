package graph

// DominatorTree captures the dominance relation of a Condensation: component
// D dominates component N if every path from the virtual Entry to N passes
// through D.
type DominatorTree struct {
	// ImmediateDom maps a component ID to its immediate dominator. Roots map
	// to Entry. Components unreachable from the roots have no entry.
	ImmediateDom map[int]int

	// Children maps a component ID, or Entry, to the components it
	// immediately dominates, ascending. This is the inverse of ImmediateDom.
	Children map[int][]int

	// Iterations is the number of passes until the fixpoint was reached.
	Iterations int
}

// Dominators computes the dominator tree of c with a virtual entry node whose
// successors are roots.
//
// It uses the iterative algorithm of Cooper, Harvey and Kennedy ("A Simple,
// Fast Dominance Algorithm"): immediate dominators are refined in reverse
// postorder, intersecting the dominator chains of all processed
// predecessors, until nothing changes.
func Dominators(c *Condensation, roots []int) *DominatorTree {
	n := len(c.Components)
	entry := n
	const undefined = -1

	successors := func(v int) []int {
		if v == entry {
			return roots
		}
		return c.Components[v].Successors
	}

	isRoot := make([]bool, n)
	for _, r := range roots {
		isRoot[r] = true
	}
	predecessors := func(v int) []int {
		preds := c.predecessors[v]
		if isRoot[v] {
			preds = append(append([]int(nil), preds...), entry)
		}
		return preds
	}

	// Postorder numbering of everything reachable from the entry.
	postorder := make([]int, n+1)
	visited := make([]bool, n+1)
	var order []int

	type frame struct {
		node int
		next int
	}
	stack := []frame{{node: entry}}
	visited[entry] = true
	for len(stack) > 0 {
		top := &stack[len(stack)-1]
		succ := successors(top.node)
		if top.next < len(succ) {
			w := succ[top.next]
			top.next++
			if !visited[w] {
				visited[w] = true
				stack = append(stack, frame{node: w})
			}
			continue
		}
		postorder[top.node] = len(order)
		order = append(order, top.node)
		stack = stack[:len(stack)-1]
	}

	idom := make([]int, n+1)
	for i := range idom {
		idom[i] = undefined
	}
	idom[entry] = entry

	intersect := func(a, b int) int {
		for a != b {
			for postorder[a] < postorder[b] {
				a = idom[a]
			}
			for postorder[b] < postorder[a] {
				b = idom[b]
			}
		}
		return a
	}

	tree := &DominatorTree{
		ImmediateDom: make(map[int]int),
		Children:     make(map[int][]int),
	}

	changed := true
	for changed {
		changed = false
		tree.Iterations++

		// The entry is last in postorder; walk the rest in reverse.
		for i := len(order) - 2; i >= 0; i-- {
			b := order[i]
			newIdom := undefined
			for _, p := range predecessors(b) {
				if idom[p] == undefined {
					continue
				}
				if newIdom == undefined {
					newIdom = p
					continue
				}
				newIdom = intersect(p, newIdom)
			}
			if idom[b] != newIdom {
				idom[b] = newIdom
				changed = true
			}
		}
	}

	for v := 0; v < n; v++ {
		if !visited[v] {
			continue
		}
		parent := idom[v]
		if parent == entry {
			parent = Entry
		}
		tree.ImmediateDom[v] = parent
		tree.Children[parent] = append(tree.Children[parent], v)
	}

	return tree
}

// Dominated returns the components immediately dominated by id (which may be
// Entry), ascending.
func (t *DominatorTree) Dominated(id int) []int {
	return t.Children[id]
}

// Dominates reports whether a dominates b. Every reachable component
// dominates itself and Entry dominates every reachable component.
func (t *DominatorTree) Dominates(a, b int) bool {
	if _, ok := t.ImmediateDom[b]; !ok {
		return false
	}
	for x := b; ; x = t.ImmediateDom[x] {
		if x == a {
			return true
		}
		if x == Entry {
			return false
		}
	}
}
