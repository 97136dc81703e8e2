// Package selector implements deterministic leaf selection over a task tree
// (spec ยง4.2).
package selector

import "github.com/loopctl/loopctl/internal/loopctl/tree"

// Outcome tags what LeftmostOpenLeaf found.
type Outcome int

const (
	// Selected means node holds the chosen leaf.
	Selected Outcome = iota
	// Complete means no open leaf remains.
	Complete
	// Stuck means the chosen leaf has exhausted its attempts.
	Stuck
)

// Result is the selector's verdict for one iteration.
type Result struct {
	Outcome Outcome
	Node    *tree.Node
	// Path is the chain of node ids from root to Node, inclusive, used for
	// stuck-error reporting (spec ยง7).
	Path []string
}

// LeftmostOpenLeaf returns the first node in depth-first pre-order (siblings
// assumed canonically sorted already) with passes=false and no children. It
// reads no timestamp, no random source, and does no parent lookup outside
// the tree (spec ยง4.2).
func LeftmostOpenLeaf(t *tree.Tree) Result {
	if t == nil || t.Root == nil {
		return Result{Outcome: Complete}
	}

	var found *tree.Node
	var path []string
	var rec func(n *tree.Node, trail []string) bool
	rec = func(n *tree.Node, trail []string) bool {
		trail = append(trail, n.ID)
		if n.IsLeaf() {
			if !n.Passes {
				found = n
				path = append([]string{}, trail...)
				return false
			}
			return true
		}
		for _, c := range n.Children {
			if !rec(c, trail) {
				return false
			}
		}
		return true
	}
	rec(t.Root, nil)

	if found == nil {
		return Result{Outcome: Complete}
	}
	if found.Attempts >= found.MaxAttempts {
		return Result{Outcome: Stuck, Node: found, Path: path}
	}
	return Result{Outcome: Selected, Node: found, Path: path}
}
