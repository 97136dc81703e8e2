// Package agent implements the two role-wrappers over the external agent
// back-end (spec ยง4.6): Decomposer and Executor. Each invocation gets a
// fresh ulid-based id, grounded on internal/agent/session.go's
// `ulid.Make().String()` session-id pattern.
package agent

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/loopctl/loopctl/internal/loopctl/backend"
	"github.com/loopctl/loopctl/internal/loopctl/prompt"
	"github.com/loopctl/loopctl/internal/loopctl/tree"
)

// ChildSpec is one child a decomposer proposes (spec ยง4.6). The orchestrator
// grafts these onto the selected node with runner defaults for
// passes/attempts/max_attempts.
type ChildSpec struct {
	Title      string        `json:"title"`
	Goal       string        `json:"goal"`
	Acceptance []string      `json:"acceptance,omitempty"`
	Next       tree.NextKind `json:"next"`
}

// DecomposerOutput is the decomposer's typed output (spec ยง4.6).
type DecomposerOutput struct {
	Summary  string      `json:"summary"`
	Children []ChildSpec `json:"children"`
}

// ExecutorOutput is the executor's typed output (spec ยง4.6). Status
// "decomposed" from an executor is rejected by validate, not here — this
// type only captures what the back-end reported.
type ExecutorOutput struct {
	Status  string `json:"status"`
	Summary string `json:"summary"`
}

// Config is everything one agent invocation needs to spawn its back-end.
type Config struct {
	Argv              []string
	Dir               string
	OutputSchemaPath  string
	OutputPath        string
	Deadline          time.Time
	MaxLogBytes       int
	PromptBudgetBytes int
}

// Dispatch is the full record of one invocation, enough for the iteration
// logger to persist meta.json/output.json/stream.jsonl/executor.log.
type Dispatch struct {
	InvocationID string
	Backend      backend.Result
	RunErr       error
}

// InvokeDecomposer runs the back-end with a decomposer prompt and parses its
// output against the decomposer schema.
func InvokeDecomposer(ctx context.Context, cfg Config, in prompt.Input) (*DecomposerOutput, Dispatch, error) {
	in.OutputContract = decomposerOutputContract
	res, dispatch, err := invoke(ctx, cfg, in)
	if err != nil {
		return nil, dispatch, err
	}
	if dispatch.RunErr != nil || res.ExitCode != 0 || res.TimedOut {
		return nil, dispatch, fmt.Errorf("agent: decomposer back-end failed: exit=%d timed_out=%t err=%v", res.ExitCode, res.TimedOut, dispatch.RunErr)
	}
	if len(res.OutputJSON) == 0 {
		return nil, dispatch, fmt.Errorf("agent: decomposer produced no output file")
	}

	var doc any
	if err := json.Unmarshal(res.OutputJSON, &doc); err != nil {
		return nil, dispatch, fmt.Errorf("agent: decomposer output not valid JSON: %w", err)
	}
	if err := decomposerSchema.Validate(doc); err != nil {
		return nil, dispatch, fmt.Errorf("agent: decomposer output failed schema: %w", err)
	}

	var out DecomposerOutput
	if err := json.Unmarshal(res.OutputJSON, &out); err != nil {
		return nil, dispatch, fmt.Errorf("agent: decoding decomposer output: %w", err)
	}
	return &out, dispatch, nil
}

// InvokeExecutor runs the back-end with an executor prompt and parses its
// output against the executor schema.
func InvokeExecutor(ctx context.Context, cfg Config, in prompt.Input) (*ExecutorOutput, Dispatch, error) {
	in.OutputContract = executorOutputContract
	res, dispatch, err := invoke(ctx, cfg, in)
	if err != nil {
		return nil, dispatch, err
	}
	if dispatch.RunErr != nil || res.ExitCode != 0 || res.TimedOut {
		return nil, dispatch, fmt.Errorf("agent: executor back-end failed: exit=%d timed_out=%t err=%v", res.ExitCode, res.TimedOut, dispatch.RunErr)
	}
	if len(res.OutputJSON) == 0 {
		return nil, dispatch, fmt.Errorf("agent: executor produced no output file")
	}

	var doc any
	if err := json.Unmarshal(res.OutputJSON, &doc); err != nil {
		return nil, dispatch, fmt.Errorf("agent: executor output not valid JSON: %w", err)
	}
	if err := executorSchema.Validate(doc); err != nil {
		return nil, dispatch, fmt.Errorf("agent: executor output failed schema: %w", err)
	}

	var out ExecutorOutput
	if err := json.Unmarshal(res.OutputJSON, &out); err != nil {
		return nil, dispatch, fmt.Errorf("agent: decoding executor output: %w", err)
	}
	return &out, dispatch, nil
}

func invoke(ctx context.Context, cfg Config, in prompt.Input) (backend.Result, Dispatch, error) {
	id := ulid.Make().String()
	p := prompt.Build(in, cfg.PromptBudgetBytes)

	res, err := backend.Run(ctx, backend.Spec{
		Argv:             cfg.Argv,
		Dir:              cfg.Dir,
		Prompt:           p,
		OutputSchemaPath: cfg.OutputSchemaPath,
		OutputPath:       cfg.OutputPath,
		Deadline:         cfg.Deadline,
		MaxLogBytes:      cfg.MaxLogBytes,
	})
	dispatch := Dispatch{InvocationID: id, Backend: res, RunErr: res.RunErr}
	if err != nil {
		return backend.Result{}, dispatch, fmt.Errorf("agent: %w", err)
	}
	return res, dispatch, nil
}

const decomposerOutputContract = `Respond with a single JSON object matching the decomposer output schema: {"summary": string, "children": [{"title": string, "goal": string, "acceptance": [string], "next": "execute"|"decompose"}]}. Write nothing else to the output file.`

const executorOutputContract = `Respond with a single JSON object matching the executor output schema: {"status": "done"|"retry"|"decomposed", "summary": string}. "decomposed" is reserved for the decomposer role and will be rejected here. Write nothing else to the output file.`
