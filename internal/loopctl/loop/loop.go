// Package loop implements the Loop Driver (spec §4.13): call the Step
// Orchestrator repeatedly until the tree completes, gets stuck, or a
// run_config max_iterations cap is hit, translating the terminal condition
// into the process exit-status contract of spec §4.13/§6. Grounded on
// internal/attractor/engine/engine.go's runLoop `for {}` drive loop,
// generalized from one in-memory graph walk to repeated fresh Step calls
// with no state carried between them.
package loop

import (
	"context"
	"errors"
	"fmt"

	"github.com/loopctl/loopctl/internal/loopctl/errs"
	"github.com/loopctl/loopctl/internal/loopctl/orchestrator"
)

// ExitCode mirrors spec §4.13's process exit-status contract.
type ExitCode int

const (
	ExitComplete       ExitCode = 0
	ExitRunnerInternal ExitCode = 1
	ExitInvalid        ExitCode = 2
	ExitStuck          ExitCode = 3
)

// Result is what Run returns: the exit code to use and every outcome
// reached, in order, plus whatever error produced a non-zero code.
type Result struct {
	Code     ExitCode
	Outcomes []orchestrator.Outcome
	Err      error
}

// MaxIterationsError is returned when the per-run cap of spec §3's
// Configuration.max_iterations is reached before the tree completes.
type MaxIterationsError struct {
	MaxIterations int
}

func (e *MaxIterationsError) Error() string {
	return fmt.Sprintf("loop: reached max_iterations (%d) without completing", e.MaxIterations)
}

// Run calls orchestrator.Step repeatedly, one fresh iteration at a time,
// until Step reports Completed, Stuck, or returns an error, or until
// maxIterations calls have been made. Each call shares nothing with the
// last beyond what Step itself persisted to disk (spec §4.13: "no state is
// carried in memory between iterations").
func Run(ctx context.Context, p orchestrator.Paths, deps orchestrator.Deps, maxIterations int) Result {
	var outcomes []orchestrator.Outcome

	for n := 0; maxIterations <= 0 || n < maxIterations; n++ {
		out, err := orchestrator.Step(ctx, p, deps)
		if err != nil {
			return Result{Code: classify(err), Outcomes: outcomes, Err: err}
		}
		outcomes = append(outcomes, out)

		if out.Kind == orchestrator.Completed {
			return Result{Code: ExitComplete, Outcomes: outcomes}
		}
	}

	err := &MaxIterationsError{MaxIterations: maxIterations}
	return Result{Code: ExitRunnerInternal, Outcomes: outcomes, Err: err}
}

// classify maps one Step error to the process exit-status contract of
// spec §4.13: preconditions and schema/invariant failures never consume an
// attempt and exit 2; a stuck leaf exits 3; everything else (file IO,
// git, back-end spawn failures the orchestrator itself could not recover
// from) is a runner-internal error and exits 1.
func classify(err error) ExitCode {
	var precond *errs.PreconditionError
	var load *errs.LoadError
	var stuck *errs.StuckError
	switch {
	case errors.As(err, &precond), errors.As(err, &load):
		return ExitInvalid
	case errors.As(err, &stuck):
		return ExitStuck
	default:
		return ExitRunnerInternal
	}
}
