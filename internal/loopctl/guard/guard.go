// Package guard runs the configured guard command after an executor
// reports status=done (spec ยง4.7). Built on procexec for the concurrent
// stdout/stderr drain and deadline enforcement it shares with backend.
package guard

import (
	"context"
	"fmt"
	"time"

	"github.com/loopctl/loopctl/internal/loopctl/agentstatus"
	"github.com/loopctl/loopctl/internal/loopctl/procexec"
)

// Outcome is the guard's three-way verdict (spec ยง4.7).
type Outcome struct {
	Result agentstatus.Guard
	Log    string
}

// Skipped is returned directly by callers when the executor status isn't
// done; Run is never invoked in that case (spec ยง4.7: "otherwise skipped").
func Skipped() Outcome {
	return Outcome{Result: agentstatus.GuardSkipped}
}

// Run spawns argv with the remaining iteration deadline as its timeout,
// caps each stream at maxLogBytes, and classifies the result: Pass on exit
// 0, Fail on non-zero exit or timeout.
func Run(ctx context.Context, argv []string, dir string, deadline time.Time, maxLogBytes int) (Outcome, error) {
	res, err := procexec.Run(ctx, procexec.Spec{
		Argv:      argv,
		Dir:       dir,
		Deadline:  deadline,
		MaxStdout: maxLogBytes,
		MaxStderr: maxLogBytes,
	})
	if err != nil {
		return Outcome{}, fmt.Errorf("guard: %w", err)
	}

	log := fmt.Sprintf("=== stdout ===\n%s\n=== stderr ===\n%s", res.Stdout, res.Stderr)

	if res.TimedOut || res.RunErr != nil || res.ExitCode != 0 {
		return Outcome{Result: agentstatus.GuardFail, Log: log}, nil
	}
	return Outcome{Result: agentstatus.GuardPass, Log: log}, nil
}
