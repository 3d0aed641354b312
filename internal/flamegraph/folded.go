package flamegraph

import (
	"fmt"
	"io"
	"strings"
)

// WriteFolded writes the flame graph in the folded stack format understood by
// flamegraph.pl and speedscope: one line per frame with a non-zero own value,
// the frame names from the root joined by `;`, then the value.
func WriteFolded(w io.Writer, root *Node) error {
	var err error
	Walk(root, func(stack []string, n *Node) {
		if err != nil {
			return
		}
		self := n.Value - totalValue(n.Children)
		if self <= 0 {
			return
		}
		frames := append(stack[:len(stack):len(stack)], n.Name)
		_, err = fmt.Fprintf(w, "%s %d\n", strings.Join(frames, ";"), self)
	})
	if err != nil {
		return fmt.Errorf("writing folded stacks: %w", err)
	}
	return nil
}
