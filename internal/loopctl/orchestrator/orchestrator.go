// Package orchestrator implements the Step Orchestrator state machine
// (spec ยง4.12): PREFLIGHT -> LOAD -> SELECT -> CONTEXT+PROMPT -> DISPATCH ->
// RELOAD+VALIDATE -> GRAFT/GUARDS -> STATE UPDATE -> PERSIST, wiring every
// other loopctl package together for one iteration. Grounded on
// internal/attractor/engine/engine.go's run/runLoop top-level sequencing
// (load config, checkout branch, iterate nodes, persist, commit) adapted
// from a DOT-graph walk to a single leftmost-open-leaf selection per call.
package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/loopctl/loopctl/internal/loopctl/agent"
	"github.com/loopctl/loopctl/internal/loopctl/agentstatus"
	"github.com/loopctl/loopctl/internal/loopctl/config"
	"github.com/loopctl/loopctl/internal/loopctl/ctxwriter"
	"github.com/loopctl/loopctl/internal/loopctl/errs"
	"github.com/loopctl/loopctl/internal/loopctl/gitmgr"
	"github.com/loopctl/loopctl/internal/loopctl/guard"
	"github.com/loopctl/loopctl/internal/loopctl/iterlog"
	"github.com/loopctl/loopctl/internal/loopctl/prompt"
	"github.com/loopctl/loopctl/internal/loopctl/runident"
	"github.com/loopctl/loopctl/internal/loopctl/runstate"
	"github.com/loopctl/loopctl/internal/loopctl/selector"
	"github.com/loopctl/loopctl/internal/loopctl/state"
	"github.com/loopctl/loopctl/internal/loopctl/tree"
	"github.com/loopctl/loopctl/internal/loopctl/validate"
)

// Paths locates every on-disk artifact under one runner directory (spec
// ยง6's canonical layout).
type Paths struct {
	RepoDir  string // also the git working tree root
	GoalDoc  string // well-known path carrying YAML frontmatter id (spec ยง3/ยง6)
}

func (p Paths) stateDir() string         { return filepath.Join(p.RepoDir, "state") }
func (p Paths) TreePath() string         { return filepath.Join(p.stateDir(), "tree.json") }
func (p Paths) ConfigPath() string       { return filepath.Join(p.stateDir(), "config.toml") }
func (p Paths) RunStatePath() string     { return filepath.Join(p.stateDir(), "run_state.json") }
func (p Paths) DecomposerSchemaPath() string {
	return filepath.Join(p.stateDir(), "decomposer_output.schema.json")
}
func (p Paths) ExecutorSchemaPath() string {
	return filepath.Join(p.stateDir(), "executor_output.schema.json")
}
func (p Paths) AssumptionsPath() string { return filepath.Join(p.stateDir(), "assumptions.md") }
func (p Paths) QuestionsPath() string   { return filepath.Join(p.stateDir(), "questions.md") }
func (p Paths) ContextDir() string      { return filepath.Join(p.RepoDir, "context") }
func (p Paths) IterationsRoot() string  { return filepath.Join(p.RepoDir, "iterations") }
func (p Paths) decomposerOutputPath() string {
	return filepath.Join(p.stateDir(), "decomposer_output.json")
}
func (p Paths) executorOutputPath() string {
	return filepath.Join(p.stateDir(), "executor_output.json")
}

// Deps are the external processes this iteration may spawn.
type Deps struct {
	DecomposerArgv []string
	ExecutorArgv   []string
}

// Kind tags which terminal variant a Step produced (spec ยง4.12, ยง6).
type Kind int

const (
	Continued Kind = iota
	Completed
	Stuck
)

// Outcome is the Step outcome return of spec ยง6: { run_id, iter, selected_id,
// status, guard } plus the terminal variant.
type Outcome struct {
	Kind       Kind
	RunID      string
	Iter       int
	SelectedID string
	Status     agentstatus.Status
	Guard      agentstatus.Guard
	StuckPath  []string
}

// Step runs exactly one iteration of the state machine. It never loops;
// internal/loopctl/loop.Run calls it repeatedly.
func Step(ctx context.Context, p Paths, deps Deps) (Outcome, error) {
	// PREFLIGHT
	cfgBytes, err := os.ReadFile(p.ConfigPath())
	if err != nil {
		return Outcome{}, &errs.RunnerError{Op: "read config", Cause: err}
	}
	cfg, err := config.Load(cfgBytes)
	if err != nil {
		return Outcome{}, &errs.RunnerError{Op: "parse config", Cause: err}
	}

	rs, err := runstate.Load(p.RunStatePath())
	if err != nil {
		return Outcome{}, &errs.RunnerError{Op: "load run state", Cause: err}
	}

	if err := gitmgr.CheckPreconditions(p.RepoDir, cfg.Git.IgnoreFile); err != nil {
		return Outcome{}, &errs.PreconditionError{Reason: err.Error()}
	}

	goalDoc, err := os.ReadFile(p.GoalDoc)
	if err != nil && !os.IsNotExist(err) {
		return Outcome{}, &errs.RunnerError{Op: "read goal document", Cause: err}
	}
	if err := runident.Verify(p.RepoDir, rs.RunID, goalDoc); err != nil {
		return Outcome{}, &errs.PreconditionError{Reason: err.Error()}
	}

	// LOAD
	before, err := tree.Load(p.TreePath())
	if err != nil {
		return Outcome{}, err // already *errs.LoadError or *errs.RunnerError
	}

	// SELECT
	sel := selector.LeftmostOpenLeaf(before)
	switch sel.Outcome {
	case selector.Complete:
		return Outcome{Kind: Completed, RunID: rs.RunID, Iter: rs.NextIter}, nil
	case selector.Stuck:
		return Outcome{}, &errs.StuckError{NodeID: sel.Node.ID, Path: sel.Path}
	}
	node := sel.Node
	iter := rs.NextIter
	started := time.Now().UTC().Format(time.RFC3339Nano)
	deadline := time.Now().Add(time.Duration(cfg.IterationTimeoutSecs) * time.Second)

	// CONTEXT+PROMPT
	prevGuardLog := readPrevGuardLog(p.IterationsRoot(), rs.RunID, iter-1)
	if err := ctxwriter.Write(p.ContextDir(), ctxwriter.Input{
		Selected:     node,
		PrevStatus:   rs.LastStatus,
		PrevGuard:    rs.LastGuard,
		PrevSummary:  rs.LastSummary,
		PrevGuardLog: prevGuardLog,
	}); err != nil {
		return Outcome{}, &errs.RunnerError{Op: "write context", Cause: err}
	}

	promptIn := buildPromptInput(p, node, before)
	isDecomposer := node.Next == tree.NextDecompose

	// DISPATCH
	var (
		dispatchErr        error
		dispatchLog        string
		dispatchJSON       []byte
		streamLines        [][]byte
		status             agentstatus.Status
		decomposerChildren []agent.ChildSpec
	)

	if isDecomposer {
		out, d, derr := agent.InvokeDecomposer(ctx, agent.Config{
			Argv:              deps.DecomposerArgv,
			Dir:               p.RepoDir,
			OutputSchemaPath:  p.DecomposerSchemaPath(),
			OutputPath:        p.decomposerOutputPath(),
			Deadline:          deadline,
			MaxLogBytes:       cfg.GuardOutputLimitBytes,
			PromptBudgetBytes: cfg.PromptBudgetBytes,
		}, promptIn)
		dispatchLog = d.Backend.Log
		dispatchJSON, streamLines = d.Backend.OutputJSON, d.Backend.StreamRaw
		if derr != nil {
			dispatchErr = derr
		} else {
			decomposerChildren = out.Children
			status = agentstatus.Decomposed
		}
	} else {
		out, d, derr := agent.InvokeExecutor(ctx, agent.Config{
			Argv:              deps.ExecutorArgv,
			Dir:               p.RepoDir,
			OutputSchemaPath:  p.ExecutorSchemaPath(),
			OutputPath:        p.executorOutputPath(),
			Deadline:          deadline,
			MaxLogBytes:       cfg.GuardOutputLimitBytes,
			PromptBudgetBytes: cfg.PromptBudgetBytes,
		}, promptIn)
		dispatchLog = d.Backend.Log
		dispatchJSON, streamLines = d.Backend.OutputJSON, d.Backend.StreamRaw
		if derr != nil {
			dispatchErr = derr
		} else if st, perr := agentstatus.Parse(out.Status); perr != nil {
			dispatchErr = perr
		} else {
			status = st
			rs.LastSummary = out.Summary
		}
	}

	finished := time.Now().UTC().Format(time.RFC3339Nano)

	if dispatchErr != nil {
		return persistAgentError(p, rs, before, node.ID, iter, started, finished, dispatchLog, streamLines, dispatchJSON, dispatchErr, cfg)
	}

	// RELOAD+VALIDATE: the back-end ran with Dir: p.RepoDir, so it had
	// write access to state/tree.json the whole time. Reload from disk
	// rather than trusting an in-memory clone of before, so validate below
	// is actually checking what the agent left on disk, not a tree the
	// orchestrator itself produced.
	after, rlErr := tree.Load(p.TreePath())
	if rlErr != nil {
		return persistAgentError(p, rs, before, node.ID, iter, started, finished, dispatchLog, streamLines, dispatchJSON, fmt.Errorf("reload tree after agent: %w", rlErr), cfg)
	}
	if isDecomposer {
		_, selAfter, ok := after.ByID(node.ID)
		if !ok {
			return persistAgentError(p, rs, before, node.ID, iter, started, finished, dispatchLog, streamLines, dispatchJSON, fmt.Errorf("selected node %s missing from reloaded tree", node.ID), cfg)
		}
		graftChildren(selAfter, decomposerChildren, cfg.MaxAttemptsDefault)
	}

	report := validate.RunPostAgent(validate.PostAgentInput{
		Before:       before,
		After:        after,
		SelectedID:   node.ID,
		Status:       status,
		IsDecomposer: isDecomposer,
	})
	if !report.Empty() {
		return persistAgentError(p, rs, before, node.ID, iter, started, finished, dispatchLog, streamLines, dispatchJSON, fmt.Errorf("post-agent validation failed: %s", report.Error()), cfg)
	}

	// GUARDS
	guardOutcome := guard.Skipped()
	if !isDecomposer && status == agentstatus.Done {
		var gerr error
		guardOutcome, gerr = guard.Run(ctx, cfg.Guard.Command, p.RepoDir, deadline, cfg.GuardOutputLimitBytes)
		if gerr != nil {
			return Outcome{}, &errs.RunnerError{Op: "run guard", Cause: gerr}
		}
	}

	// STATE UPDATE
	if err := state.Apply(before, after, node.ID, status, guardOutcome.Result); err != nil {
		return Outcome{}, &errs.RunnerError{Op: "apply state update", Cause: err}
	}

	// PERSIST
	rs.LastStatus = string(status)
	rs.LastGuard = string(guardOutcome.Result)
	rs.NextIter = iter + 1

	var planOutJSON, execOutJSON []byte
	var plannerLog, executorLog string
	if isDecomposer {
		planOutJSON, plannerLog = dispatchJSON, dispatchLog
	} else {
		execOutJSON, executorLog = dispatchJSON, dispatchLog
	}

	if _, err := iterlog.Write(p.IterationsRoot(), iterlog.Record{
		RunID:             rs.RunID,
		Iter:              iter,
		NodeID:            node.ID,
		Status:            string(status),
		Guard:             string(guardOutcome.Result),
		StartedAt:         started,
		FinishedAt:        finished,
		OutputJSON:        execOutJSON,
		PlannerOutputJSON: planOutJSON,
		ExecutorLog:       executorLog,
		PlannerExecutorLog: plannerLog,
		StreamJSONL:       streamLines,
		GuardLog:          guardLogIfRan(isDecomposer, status, guardOutcome),
		TreeBefore:        before,
		TreeAfter:         after,
	}); err != nil {
		return Outcome{}, &errs.RunnerError{Op: "write iteration log", Cause: err}
	}

	if err := tree.Write(p.TreePath(), after); err != nil {
		return Outcome{}, &errs.RunnerError{Op: "write tree", Cause: err}
	}
	if err := runstate.Write(p.RunStatePath(), rs); err != nil {
		return Outcome{}, &errs.RunnerError{Op: "write run state", Cause: err}
	}
	msg := gitmgr.CommitMessage(rs.RunID, iter, node.ID, string(status), string(guardOutcome.Result))
	if _, err := gitmgr.CommitIteration(p.RepoDir, cfg.Git.CheckpointExcludeGlobs, msg); err != nil {
		return Outcome{}, &errs.RunnerError{Op: "commit iteration", Cause: err}
	}

	return Outcome{
		Kind:       Continued,
		RunID:      rs.RunID,
		Iter:       iter,
		SelectedID: node.ID,
		Status:     status,
		Guard:      guardOutcome.Result,
	}, nil
}

// persistAgentError implements spec ยง7's agent-error recovery path: the
// tree on disk is the previous snapshot with the consumed-attempt
// transition applied, never the agent's invalid edit.
func persistAgentError(p Paths, rs *runstate.State, before *tree.Tree, nodeID string, iter int, started, finished, backendLog string, streamLines [][]byte, outputJSON []byte, cause error, cfg *config.Config) (Outcome, error) {
	restored := before.Clone()
	if err := state.Apply(before, restored, nodeID, agentstatus.Retry, agentstatus.GuardSkipped); err != nil {
		return Outcome{}, &errs.RunnerError{Op: "restore tree after agent error", Cause: err}
	}

	rs.LastStatus = string(agentstatus.Retry)
	rs.LastGuard = string(agentstatus.GuardFail)
	rs.LastSummary = fmt.Sprintf("agent error on %s: %v", nodeID, cause)
	rs.NextIter = iter + 1

	if _, err := iterlog.Write(p.IterationsRoot(), iterlog.Record{
		RunID:         rs.RunID,
		Iter:          iter,
		NodeID:        nodeID,
		Status:        string(agentstatus.Retry),
		Guard:         string(agentstatus.GuardFail),
		StartedAt:     started,
		FinishedAt:    finished,
		OutputJSON:    outputJSON,
		ExecutorLog:   backendLog,
		StreamJSONL:   streamLines,
		AgentErrorLog: rs.LastSummary,
		TreeBefore:    before,
		TreeAfter:     restored,
	}); err != nil {
		return Outcome{}, &errs.RunnerError{Op: "write iteration log", Cause: err}
	}

	if err := tree.Write(p.TreePath(), restored); err != nil {
		return Outcome{}, &errs.RunnerError{Op: "write tree", Cause: err}
	}
	if err := runstate.Write(p.RunStatePath(), rs); err != nil {
		return Outcome{}, &errs.RunnerError{Op: "write run state", Cause: err}
	}
	msg := gitmgr.CommitMessage(rs.RunID, iter, nodeID, string(agentstatus.Retry), string(agentstatus.GuardFail))
	if _, err := gitmgr.CommitIteration(p.RepoDir, cfg.Git.CheckpointExcludeGlobs, msg); err != nil {
		return Outcome{}, &errs.RunnerError{Op: "commit iteration", Cause: err}
	}

	return Outcome{
		Kind:       Continued,
		RunID:      rs.RunID,
		Iter:       iter,
		SelectedID: nodeID,
		Status:     agentstatus.Retry,
		Guard:      agentstatus.GuardFail,
	}, nil
}

func graftChildren(parent *tree.Node, children []agent.ChildSpec, maxAttemptsDefault int) {
	for i, c := range children {
		parent.Children = append(parent.Children, &tree.Node{
			ID:          fmt.Sprintf("%s.%d", parent.ID, i+1),
			Order:       i,
			Title:       c.Title,
			Goal:        c.Goal,
			Acceptance:  c.Acceptance,
			Next:        c.Next,
			MaxAttempts: maxAttemptsDefault,
		})
	}
}

func guardLogIfRan(isDecomposer bool, status agentstatus.Status, outcome guard.Outcome) string {
	if isDecomposer || status != agentstatus.Done {
		return ""
	}
	return outcome.Log
}

func readPrevGuardLog(iterationsRoot, runID string, prevIter int) string {
	if runID == "" || prevIter < 1 {
		return ""
	}
	dir := filepath.Join(iterationsRoot, runID, fmt.Sprintf("%d", prevIter))
	if b, err := os.ReadFile(filepath.Join(dir, "guard.log")); err == nil {
		return string(b)
	}
	if b, err := os.ReadFile(filepath.Join(dir, "agent_error.log")); err == nil {
		return string(b)
	}
	return ""
}

func buildPromptInput(p Paths, node *tree.Node, t *tree.Tree) prompt.Input {
	goalMD, _ := os.ReadFile(filepath.Join(p.ContextDir(), "goal.md"))
	historyMD, _ := os.ReadFile(filepath.Join(p.ContextDir(), "history.md"))
	failureMD, _ := os.ReadFile(filepath.Join(p.ContextDir(), "failure.md"))
	assumptions, _ := os.ReadFile(p.AssumptionsPath())
	questions, _ := os.ReadFile(p.QuestionsPath())

	return prompt.Input{
		Contract:     iterationContract,
		Goal:         string(goalMD),
		History:      string(historyMD),
		Failure:      string(failureMD),
		SelectedNode: selectedNodeSummary(node),
		TreeSummary:  treeSummary(t),
		Assumptions:  string(assumptions),
		Questions:    string(questions),
	}
}

func selectedNodeSummary(n *tree.Node) string {
	return fmt.Sprintf("id: %s\nnext: %s\nattempts: %d/%d", n.ID, n.Next, n.Attempts, n.MaxAttempts)
}

func treeSummary(t *tree.Tree) string {
	var total, passed int
	t.Walk(func(_, n *tree.Node) bool {
		if n.IsLeaf() {
			total++
			if n.Passes {
				passed++
			}
		}
		return true
	})
	return fmt.Sprintf("%d/%d leaves passing", passed, total)
}

const iterationContract = "You are operating one task-tree node. Follow the goal, history, and failure " +
	"sections below exactly; respond only in the schema described in the output contract."
