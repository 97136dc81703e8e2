// Package agentstatus defines the small closed set of statuses an agent
// dispatch can report, shared between the agent, validate, state, and
// orchestrator packages (spec ยง4.6, ยง4.8).
package agentstatus

import "fmt"

type Status string

const (
	Done       Status = "done"
	Retry      Status = "retry"
	Decomposed Status = "decomposed"
)

func Parse(s string) (Status, error) {
	switch Status(s) {
	case Done, Retry, Decomposed:
		return Status(s), nil
	default:
		return "", fmt.Errorf("invalid agent status: %q", s)
	}
}

// Guard mirrors the guard command's three-way outcome (spec ยง4.7).
type Guard string

const (
	GuardPass    Guard = "pass"
	GuardFail    Guard = "fail"
	GuardSkipped Guard = "skipped"
)
