// Package state implements the post-iteration tree state update: reset
// runner-owned fields, apply the agent-status/guard transition, derive
// parent passes bottom-up, canonicalize (spec ยง4.8). Grounded on
// internal/attractor/runtime/status.go's Outcome.Canonicalize idiom of a
// small ordered sequence of pure mutations over a typed result.
package state

import (
	"fmt"

	"github.com/loopctl/loopctl/internal/loopctl/agentstatus"
	"github.com/loopctl/loopctl/internal/loopctl/tree"
)

// Apply mutates next in place per spec ยง4.8, using prev as the source of
// truth for every runner-owned field. selectedID must exist in both trees.
func Apply(prev, next *tree.Tree, selectedID string, status agentstatus.Status, guard agentstatus.Guard) error {
	resetRunnerOwnedFields(prev, next)

	if err := applyTransition(next, selectedID, status, guard); err != nil {
		return err
	}

	next.DeriveParentPasses()
	next.Canonicalize()
	return nil
}

// resetRunnerOwnedFields overwrites next, passes, attempts from prev for
// every id that existed before; ids new in next (grafted children) get
// passes=false, attempts=0 and keep whatever next the decomposer emitted
// (spec ยง3 Ownership, ยง4.8 step 1).
func resetRunnerOwnedFields(prev, next *tree.Tree) {
	next.Walk(func(_, n *tree.Node) bool {
		_, prevNode, ok := prev.ByID(n.ID)
		if ok {
			n.Next = prevNode.Next
			n.Passes = prevNode.Passes
			n.Attempts = prevNode.Attempts
			return true
		}
		n.Passes = false
		n.Attempts = 0
		return true
	})
}

func applyTransition(next *tree.Tree, selectedID string, status agentstatus.Status, guard agentstatus.Guard) error {
	_, node, ok := next.ByID(selectedID)
	if !ok {
		return fmt.Errorf("state: selected node %s not found in next tree", selectedID)
	}

	switch status {
	case agentstatus.Done:
		switch guard {
		case agentstatus.GuardPass:
			node.Passes = true
		case agentstatus.GuardFail:
			if node.Attempts < node.MaxAttempts {
				node.Attempts++
			}
		case agentstatus.GuardSkipped:
			// no-op: status=done only reaches GuardSkipped when the executor
			// somehow ran without a guard, which orchestrator never does.
		default:
			return fmt.Errorf("state: unknown guard outcome %q", guard)
		}
	case agentstatus.Retry:
		if node.Attempts < node.MaxAttempts {
			node.Attempts++
		}
	case agentstatus.Decomposed:
		// no-op on passes/attempts; children were grafted before this call.
	default:
		return fmt.Errorf("state: unknown agent status %q", status)
	}
	return nil
}
