package tree

import "sort"

// Canonicalize recursively sorts children by (order ASC, id ASC) at every
// level (spec ยง3 invariant 3, ยง4.1).
func (t *Tree) Canonicalize() {
	if t == nil || t.Root == nil {
		return
	}
	var rec func(n *Node)
	rec = func(n *Node) {
		sort.SliceStable(n.Children, func(i, j int) bool {
			a, b := n.Children[i], n.Children[j]
			if a.Order != b.Order {
				return a.Order < b.Order
			}
			return a.ID < b.ID
		})
		for _, c := range n.Children {
			rec(c)
		}
	}
	rec(t.Root)
}
