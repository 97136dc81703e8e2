// Package tree implements the task tree: the sole source of progress truth
// for the orchestrator. See spec ยง3 for the data model and ยง4.1 for the
// Tree Store component this package backs.
package tree

// NextKind selects which agent role a leaf is dispatched to. Runner-owned
// after the initial decomposer assignment (spec ยง3).
type NextKind string

const (
	NextExecute   NextKind = "execute"
	NextDecompose NextKind = "decompose"
)

// Node is one task in the tree.
type Node struct {
	ID          string   `json:"id"`
	Order       int      `json:"order"`
	Title       string   `json:"title"`
	Goal        string   `json:"goal"`
	Acceptance  []string `json:"acceptance,omitempty"`
	Next        NextKind `json:"next"`
	Passes      bool     `json:"passes"`
	Attempts    int      `json:"attempts"`
	MaxAttempts int      `json:"max_attempts"`
	Children    []*Node  `json:"children,omitempty"`
}

// IsLeaf reports whether n has no children.
func (n *Node) IsLeaf() bool {
	return n == nil || len(n.Children) == 0
}

// Clone returns a deep copy of n, used wherever the orchestrator must
// preserve a byte-identical snapshot of a passed node (spec ยง3 invariant 4).
func (n *Node) Clone() *Node {
	if n == nil {
		return nil
	}
	out := *n
	out.Acceptance = append([]string{}, n.Acceptance...)
	if n.Children != nil {
		out.Children = make([]*Node, len(n.Children))
		for i, c := range n.Children {
			out.Children[i] = c.Clone()
		}
	}
	return &out
}

// Tree wraps the root node; it carries no other fields.
type Tree struct {
	Root *Node `json:"root"`
}

// Clone deep-copies the whole tree.
func (t *Tree) Clone() *Tree {
	if t == nil {
		return nil
	}
	return &Tree{Root: t.Root.Clone()}
}

// Walk calls fn for every node in depth-first pre-order, including the root.
// Stops early if fn returns false.
func (t *Tree) Walk(fn func(parent *Node, n *Node) bool) {
	if t == nil || t.Root == nil {
		return
	}
	var rec func(parent, n *Node) bool
	rec = func(parent, n *Node) bool {
		if !fn(parent, n) {
			return false
		}
		for _, c := range n.Children {
			if !rec(n, c) {
				return false
			}
		}
		return true
	}
	rec(nil, t.Root)
}

// ByID returns the node with the given id and its parent (nil for root), or
// (nil, nil, false) if not found.
func (t *Tree) ByID(id string) (parent *Node, node *Node, ok bool) {
	t.Walk(func(p, n *Node) bool {
		if n.ID == id {
			parent, node, ok = p, n, true
			return false
		}
		return true
	})
	return
}

// AllIDs returns every node id in the tree in depth-first pre-order.
func (t *Tree) AllIDs() []string {
	var ids []string
	t.Walk(func(_, n *Node) bool {
		ids = append(ids, n.ID)
		return true
	})
	return ids
}

// DeriveParentPasses recomputes passes for every non-leaf bottom-up:
// passes = conjunction of all children's passes (spec ยง3 invariant 5).
// Leaf passes values are left untouched.
func (t *Tree) DeriveParentPasses() {
	if t == nil || t.Root == nil {
		return
	}
	var rec func(n *Node) bool
	rec = func(n *Node) bool {
		if n.IsLeaf() {
			return n.Passes
		}
		all := true
		for _, c := range n.Children {
			if !rec(c) {
				all = false
			}
		}
		n.Passes = all
		return all
	}
	rec(t.Root)
}
