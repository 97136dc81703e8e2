// Package validate implements the layered post-agent validation pipeline:
// schema -> semantic invariants -> passed-node immutability -> agent-status
// invariants -> child-addition restriction (spec ยง4.3). The ordering and
// error-collection style is grounded on
// internal/attractor/validate/validate.go's diagnostic accumulation.
package validate

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"

	"github.com/loopctl/loopctl/internal/loopctl/agentstatus"
	"github.com/loopctl/loopctl/internal/loopctl/tree"
)

// Violation is one failed check, tagged with the layer that produced it so
// callers can distinguish a load-time schema failure from a post-agent
// immutability failure.
type Violation struct {
	Layer   string
	Message string
}

func (v Violation) String() string { return fmt.Sprintf("%s: %s", v.Layer, v.Message) }

// Report collects the violations found by the layers, run in order.
// RunPostAgent stops advancing to the next layer once a given layer
// produces violations, since later layers assume the tree already satisfies
// earlier ones (e.g. immutability assumes ids are unique).
type Report struct {
	Violations []Violation
}

func (r Report) Empty() bool { return len(r.Violations) == 0 }

func (r Report) Error() string {
	msgs := make([]string, 0, len(r.Violations))
	for _, v := range r.Violations {
		msgs = append(msgs, v.String())
	}
	sort.Strings(msgs)
	return strings.Join(msgs, "; ")
}

// PostAgentInput bundles everything the post-agent pipeline needs: the tree
// before and after the agent ran, the id of the node selected for this
// iteration, the agent's reported status, and whether that status came from
// a decomposer (which may add children) or an executor (which may not).
type PostAgentInput struct {
	Before       *tree.Tree
	After        *tree.Tree
	SelectedID   string
	Status       agentstatus.Status
	IsDecomposer bool
}

// RunPostAgent runs all five layers in order and returns the first
// non-empty report (spec ยง4.3: "run in this order post-agent").
func RunPostAgent(in PostAgentInput) Report {
	if rep := schemaLayer(in.After); !rep.Empty() {
		return rep
	}
	if rep := invariantLayer(in.After); !rep.Empty() {
		return rep
	}
	if rep := immutabilityLayer(in.Before, in.After); !rep.Empty() {
		return rep
	}
	if rep := statusLayer(in); !rep.Empty() {
		return rep
	}
	if rep := childAdditionLayer(in); !rep.Empty() {
		return rep
	}
	return Report{}
}

func schemaLayer(after *tree.Tree) Report {
	if after == nil || after.Root == nil {
		return Report{Violations: []Violation{{Layer: "schema", Message: "tree has no root"}}}
	}
	b, err := json.Marshal(after)
	if err != nil {
		return Report{Violations: []Violation{{Layer: "schema", Message: err.Error()}}}
	}
	var doc any
	if err := json.Unmarshal(b, &doc); err != nil {
		return Report{Violations: []Violation{{Layer: "schema", Message: err.Error()}}}
	}
	if err := tree.ValidateSchema(doc); err != nil {
		return Report{Violations: []Violation{{Layer: "schema", Message: err.Error()}}}
	}
	return Report{}
}

func invariantLayer(after *tree.Tree) Report {
	if err := tree.CheckInvariants(after); err != nil {
		return Report{Violations: []Violation{{Layer: "invariant", Message: err.Error()}}}
	}
	return Report{}
}

// immutabilityLayer compares, for every id that held passes=true in the
// previous tree: presence, parent id equality, and full deep equality of the
// node record (spec ยง4.3).
func immutabilityLayer(before, after *tree.Tree) Report {
	var violations []Violation
	if before == nil || before.Root == nil {
		return Report{}
	}
	before.Walk(func(prevParent, prevNode *tree.Node) bool {
		if !prevNode.Passes {
			return true
		}
		afterParent, afterNode, ok := after.ByID(prevNode.ID)
		if !ok {
			violations = append(violations, Violation{
				Layer:   "immutability",
				Message: fmt.Sprintf("passed node %s missing from next tree", prevNode.ID),
			})
			return true
		}
		prevParentID := ""
		if prevParent != nil {
			prevParentID = prevParent.ID
		}
		afterParentID := ""
		if afterParent != nil {
			afterParentID = afterParent.ID
		}
		if prevParentID != afterParentID {
			violations = append(violations, Violation{
				Layer:   "immutability",
				Message: fmt.Sprintf("passed node %s changed parent (%s -> %s)", prevNode.ID, prevParentID, afterParentID),
			})
			return true
		}
		if !deepEqualNode(prevNode, afterNode) {
			violations = append(violations, Violation{
				Layer:   "immutability",
				Message: fmt.Sprintf("passed node %s mutated", prevNode.ID),
			})
		}
		return true
	})
	return Report{Violations: violations}
}

func deepEqualNode(a, b *tree.Node) bool {
	ab, aerr := json.Marshal(a)
	bb, berr := json.Marshal(b)
	if aerr != nil || berr != nil {
		return false
	}
	return string(ab) == string(bb)
}

// statusLayer enforces the agent-status/child-count table of spec ยง4.3:
// done/retry => unchanged child count on the selected node; decomposed =>
// strictly increased child count.
func statusLayer(in PostAgentInput) Report {
	_, beforeNode, ok := in.Before.ByID(in.SelectedID)
	if !ok {
		return Report{Violations: []Violation{{Layer: "status", Message: fmt.Sprintf("selected node %s missing from previous tree", in.SelectedID)}}}
	}
	_, afterNode, ok := in.After.ByID(in.SelectedID)
	if !ok {
		return Report{Violations: []Violation{{Layer: "status", Message: fmt.Sprintf("selected node %s missing from next tree", in.SelectedID)}}}
	}
	beforeN, afterN := len(beforeNode.Children), len(afterNode.Children)
	switch in.Status {
	case agentstatus.Done, agentstatus.Retry:
		if beforeN != afterN {
			return Report{Violations: []Violation{{
				Layer:   "status",
				Message: fmt.Sprintf("status=%s requires unchanged child count on %s (had %d, now %d)", in.Status, in.SelectedID, beforeN, afterN),
			}}}
		}
	case agentstatus.Decomposed:
		if !in.IsDecomposer {
			return Report{Violations: []Violation{{Layer: "status", Message: "status=decomposed is not allowed from an executor"}}}
		}
		if afterN <= beforeN {
			return Report{Violations: []Violation{{
				Layer:   "status",
				Message: fmt.Sprintf("status=decomposed requires strictly increased child count on %s (had %d, now %d)", in.SelectedID, beforeN, afterN),
			}}}
		}
	default:
		return Report{Violations: []Violation{{Layer: "status", Message: fmt.Sprintf("unknown agent status %q", in.Status)}}}
	}
	return Report{}
}

// childAdditionLayer enforces that only the selected node gained children,
// and only when decomposing (spec ยง3 invariant 6, ยง4.3).
func childAdditionLayer(in PostAgentInput) Report {
	var violations []Violation
	in.Before.Walk(func(_, n *tree.Node) bool {
		_, afterNode, ok := in.After.ByID(n.ID)
		if !ok {
			return true // missing node already reported by immutability/status layers
		}
		if len(afterNode.Children) > len(n.Children) && n.ID != in.SelectedID {
			violations = append(violations, Violation{
				Layer:   "child-addition",
				Message: fmt.Sprintf("node %s gained children but was not selected this iteration", n.ID),
			})
		}
		return true
	})
	return Report{Violations: violations}
}
