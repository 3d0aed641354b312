package flamegraph

import (
	"sort"
	"strings"
)

const namespaceSeparator = "::"

// trieNode is one `::` segment. terminal marks a segment that ends a name.
type trieNode struct {
	children map[string]*trieNode
	terminal bool
}

func newTrieNode() *trieNode {
	return &trieNode{children: make(map[string]*trieNode)}
}

// AbbreviateStrings returns a string whose brace expansion yields names.
//
// Braces are only inserted after a `::` separator, so `foo::bar` and
// `foo::baz` abbreviate to `foo::{bar, baz}` and never to `foo::ba{r, z}`.
// A name that is a namespace of another is kept on its own: `foo` and
// `foo::bar` give `foo, foo::bar`. Siblings are rendered in sorted order,
// which makes the result independent of the order of names.
func AbbreviateStrings(names []string) string {
	trie := newTrieNode()
	for _, name := range names {
		node := trie
		for _, part := range strings.Split(name, namespaceSeparator) {
			child, ok := node.children[part]
			if !ok {
				child = newTrieNode()
				node.children[part] = child
			}
			node = child
		}
		node.terminal = true
	}
	return strings.Join(trie.entries(), ", ")
}

// entries renders every name below n, one entry per sibling group.
func (n *trieNode) entries() []string {
	keys := make([]string, 0, len(n.children))
	for key := range n.children {
		keys = append(keys, key)
	}
	sort.Strings(keys)

	var out []string
	for _, key := range keys {
		child := n.children[key]
		if child.terminal {
			out = append(out, key)
		}
		if len(child.children) == 0 {
			continue
		}
		sub := child.entries()
		if len(sub) == 1 {
			out = append(out, key+namespaceSeparator+sub[0])
		} else {
			out = append(out, key+namespaceSeparator+"{"+strings.Join(sub, ", ")+"}")
		}
	}
	return out
}
