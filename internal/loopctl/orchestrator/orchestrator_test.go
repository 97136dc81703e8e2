package orchestrator

import (
	"context"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"testing"

	"github.com/loopctl/loopctl/internal/loopctl/agentstatus"
	"github.com/loopctl/loopctl/internal/loopctl/gitmgr"
	"github.com/loopctl/loopctl/internal/loopctl/runident"
	"github.com/loopctl/loopctl/internal/loopctl/runstate"
	"github.com/loopctl/loopctl/internal/loopctl/tree"
)

const testConfig = `
max_iterations = 50
max_attempts_default = 3

[guard]
command = ["/bin/true"]
`

func gitRun(t *testing.T, dir string, args ...string) {
	t.Helper()
	cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
	if out, err := cmd.CombinedOutput(); err != nil {
		t.Fatalf("git %v: %v: %s", args, err, out)
	}
}

func writeScript(t *testing.T, dir, name, body string) string {
	t.Helper()
	path := filepath.Join(dir, name)
	if err := os.WriteFile(path, []byte(body), 0o755); err != nil {
		t.Fatal(err)
	}
	return path
}

// newFixture lays out one runner repo: git init on a non-protected branch,
// state/config.toml, a goal document carrying the given run id, and
// leafTreeJSON as state/tree.json, then commits everything so
// gitmgr.CheckPreconditions' clean-tree check passes before Step runs.
func newFixture(t *testing.T, runID, leafTreeJSON string) Paths {
	t.Helper()
	dir := t.TempDir()
	gitRun(t, dir, "init", "-q", "-b", "main")
	gitRun(t, dir, "-c", "user.name=t", "-c", "user.email=t@example.com", "commit", "--allow-empty", "-q", "-m", "init")
	if err := gitmgr.EnsureBranch(dir, runident.Branch(runID)); err != nil {
		t.Fatal(err)
	}

	stateDir := filepath.Join(dir, "state")
	if err := os.MkdirAll(stateDir, 0o755); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(stateDir, "config.toml"), []byte(testConfig), 0o644); err != nil {
		t.Fatal(err)
	}
	if err := os.WriteFile(filepath.Join(stateDir, "tree.json"), []byte(leafTreeJSON), 0o644); err != nil {
		t.Fatal(err)
	}
	rs := &runstate.State{RunID: runID, NextIter: 1}
	if err := runstate.Write(filepath.Join(stateDir, "run_state.json"), rs); err != nil {
		t.Fatal(err)
	}

	goalPath := filepath.Join(dir, "goal.md")
	goalDoc := "---\nid: " + runID + "\n---\n\n# Goal\n\nDo the thing.\n"
	if err := os.WriteFile(goalPath, []byte(goalDoc), 0o644); err != nil {
		t.Fatal(err)
	}

	gitRun(t, dir, "add", "-A")
	gitRun(t, dir, "-c", "user.name=t", "-c", "user.email=t@example.com", "commit", "-q", "-m", "bootstrap")

	return Paths{RepoDir: dir, GoalDoc: goalPath}
}

const executeLeafTree = `{
  "root": {
    "id": "1",
    "order": 0,
    "title": "root task",
    "goal": "finish the root task",
    "next": "execute",
    "passes": false,
    "attempts": 0,
    "max_attempts": 3
  }
}`

const decomposeLeafTree = `{
  "root": {
    "id": "1",
    "order": 0,
    "title": "root task",
    "goal": "split the root task",
    "next": "decompose",
    "passes": false,
    "attempts": 0,
    "max_attempts": 3
  }
}`

func TestStep_HappyExecute_GuardPasses(t *testing.T) {
	p := newFixture(t, "run-test", executeLeafTree)
	script := writeScript(t, t.TempDir(), "executor.sh", `#!/bin/sh
echo '{"status":"done","summary":"did the thing"}' > "$LOOPCTL_OUTPUT_PATH"
`)

	out, err := Step(context.Background(), p, Deps{ExecutorArgv: []string{"/bin/sh", script}})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if out.Kind != Continued || out.Status != agentstatus.Done || out.Guard != agentstatus.GuardPass {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	after, err := tree.Load(p.TreePath())
	if err != nil {
		t.Fatal(err)
	}
	if !after.Root.Passes {
		t.Fatalf("expected root to pass, got %+v", after.Root)
	}

	rs, err := runstate.Load(p.RunStatePath())
	if err != nil {
		t.Fatal(err)
	}
	if rs.NextIter != 2 || rs.LastStatus != "done" || rs.LastGuard != "pass" {
		t.Fatalf("unexpected run state: %+v", rs)
	}
}

func TestStep_HappyDecompose_GraftsChildren(t *testing.T) {
	p := newFixture(t, "run-test", decomposeLeafTree)
	script := writeScript(t, t.TempDir(), "decomposer.sh", `#!/bin/sh
cat > "$LOOPCTL_OUTPUT_PATH" <<'JSON'
{"summary":"split into two","children":[
  {"title":"a","goal":"do a","next":"execute"},
  {"title":"b","goal":"do b","next":"execute"}
]}
JSON
`)

	out, err := Step(context.Background(), p, Deps{DecomposerArgv: []string{"/bin/sh", script}})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if out.Kind != Continued || out.Status != agentstatus.Decomposed || out.Guard != agentstatus.GuardSkipped {
		t.Fatalf("unexpected outcome: %+v", out)
	}

	after, err := tree.Load(p.TreePath())
	if err != nil {
		t.Fatal(err)
	}
	if len(after.Root.Children) != 2 {
		t.Fatalf("expected 2 grafted children, got %+v", after.Root.Children)
	}
	if after.Root.Children[0].ID != "1.1" || after.Root.Children[1].ID != "1.2" {
		t.Fatalf("expected deterministic child ids, got %s, %s", after.Root.Children[0].ID, after.Root.Children[1].ID)
	}
}

func TestStep_GuardFailure_ConsumesAttempt(t *testing.T) {
	p := newFixture(t, "run-test", executeLeafTree)
	script := writeScript(t, p.RepoDir, "executor.sh", `#!/bin/sh
echo '{"status":"done","summary":"did the thing"}' > "$LOOPCTL_OUTPUT_PATH"
`)
	if err := os.WriteFile(filepath.Join(p.RepoDir, "state", "config.toml"), []byte(`
max_iterations = 50
max_attempts_default = 3

[guard]
command = ["/bin/false"]
`), 0o644); err != nil {
		t.Fatal(err)
	}
	gitRun(t, p.RepoDir, "add", "-A")
	gitRun(t, p.RepoDir, "-c", "user.name=t", "-c", "user.email=t@example.com", "commit", "-q", "-m", "strict guard")

	out, err := Step(context.Background(), p, Deps{ExecutorArgv: []string{"/bin/sh", script}})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if out.Status != agentstatus.Done || out.Guard != agentstatus.GuardFail {
		t.Fatalf("expected status=done guard=fail, got %+v", out)
	}

	after, err := tree.Load(p.TreePath())
	if err != nil {
		t.Fatal(err)
	}
	if after.Root.Passes {
		t.Fatalf("expected root not passing after guard failure")
	}
	if after.Root.Attempts != 1 {
		t.Fatalf("expected one consumed attempt, got %d", after.Root.Attempts)
	}
}

func TestStep_AgentError_RestoresTreeAndConsumesAttempt(t *testing.T) {
	p := newFixture(t, "run-test", executeLeafTree)
	script := writeScript(t, t.TempDir(), "executor.sh", `#!/bin/sh
echo 'not json' > "$LOOPCTL_OUTPUT_PATH"
`)

	out, err := Step(context.Background(), p, Deps{ExecutorArgv: []string{"/bin/sh", script}})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if out.Status != agentstatus.Retry || out.Guard != agentstatus.GuardFail {
		t.Fatalf("expected status=retry guard=fail on agent error, got %+v", out)
	}

	after, err := tree.Load(p.TreePath())
	if err != nil {
		t.Fatal(err)
	}
	if after.Root.Attempts != 1 || after.Root.Passes {
		t.Fatalf("expected one consumed attempt and no pass, got %+v", after.Root)
	}

	logPath := filepath.Join(p.IterationsRoot(), "run-test", "1", "agent_error.log")
	if _, err := os.Stat(logPath); err != nil {
		t.Fatalf("expected agent_error.log written: %v", err)
	}
}

// twoLeafTree has one already-passed leaf (1.1) beside the open leaf (1.2)
// that the selector will pick, so an executor that pokes at 1.1 directly
// triggers the immutability layer instead of merely tripping schema checks.
const twoLeafTree = `{
  "root": {
    "id": "1",
    "order": 0,
    "title": "root task",
    "goal": "finish both children",
    "next": "execute",
    "passes": false,
    "attempts": 0,
    "max_attempts": 1,
    "children": [
      {
        "id": "1.1",
        "order": 0,
        "title": "a",
        "goal": "already done",
        "next": "execute",
        "passes": true,
        "attempts": 0,
        "max_attempts": 3
      },
      {
        "id": "1.2",
        "order": 1,
        "title": "b",
        "goal": "still open",
        "next": "execute",
        "passes": false,
        "attempts": 0,
        "max_attempts": 3
      }
    ]
  }
}`

// tamperedTwoLeafTree is twoLeafTree with node 1.1 (passed, and not this
// iteration's selected node) mutated in place: the fixture for spec ยง8 seed
// scenario 5, "agent edits a passed node directly".
const tamperedTwoLeafTree = `{
  "root": {
    "id": "1",
    "order": 0,
    "title": "root task",
    "goal": "finish both children",
    "next": "execute",
    "passes": false,
    "attempts": 0,
    "max_attempts": 1,
    "children": [
      {
        "id": "1.1",
        "order": 0,
        "title": "tampered",
        "goal": "already done",
        "next": "execute",
        "passes": true,
        "attempts": 0,
        "max_attempts": 3
      },
      {
        "id": "1.2",
        "order": 1,
        "title": "b",
        "goal": "still open",
        "next": "execute",
        "passes": false,
        "attempts": 0,
        "max_attempts": 3
      }
    ]
  }
}`

func TestStep_ImmutabilityViolation_AgentEditsPassedNodeDirectly(t *testing.T) {
	p := newFixture(t, "run-test", twoLeafTree)
	script := writeScript(t, t.TempDir(), "executor.sh", `#!/bin/sh
cat > state/tree.json <<'JSON'
`+tamperedTwoLeafTree+`
JSON
echo '{"status":"done","summary":"did the thing"}' > "$LOOPCTL_OUTPUT_PATH"
`)

	out, err := Step(context.Background(), p, Deps{ExecutorArgv: []string{"/bin/sh", script}})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if out.Status != agentstatus.Retry || out.Guard != agentstatus.GuardFail {
		t.Fatalf("expected status=retry guard=fail on immutability violation, got %+v", out)
	}

	after, err := tree.Load(p.TreePath())
	if err != nil {
		t.Fatal(err)
	}
	_, n1dot1, ok := after.ByID("1.1")
	if !ok || n1dot1.Title != "a" {
		t.Fatalf("expected 1.1 restored to its pre-agent title, got %+v", n1dot1)
	}
	_, n1dot2, ok := after.ByID("1.2")
	if !ok || n1dot2.Attempts != 1 || n1dot2.Passes {
		t.Fatalf("expected one consumed attempt on the selected leaf 1.2, got %+v", n1dot2)
	}

	logPath := filepath.Join(p.IterationsRoot(), "run-test", "1", "agent_error.log")
	log, err := os.ReadFile(logPath)
	if err != nil {
		t.Fatalf("expected agent_error.log written: %v", err)
	}
	if !strings.Contains(string(log), "immutability") {
		t.Fatalf("expected agent_error.log to mention the immutability violation, got %q", log)
	}
}

func TestStep_RunIdentityMismatch_IsPrecondition(t *testing.T) {
	p := newFixture(t, "run-test", executeLeafTree)

	rs := &runstate.State{RunID: "run-other", NextIter: 1}
	if err := runstate.Write(p.RunStatePath(), rs); err != nil {
		t.Fatal(err)
	}
	gitRun(t, p.RepoDir, "add", "-A")
	gitRun(t, p.RepoDir, "-c", "user.name=t", "-c", "user.email=t@example.com", "commit", "-q", "-m", "mismatch")

	_, err := Step(context.Background(), p, Deps{})
	if err == nil {
		t.Fatal("expected run-identity mismatch error")
	}
	if !strings.Contains(err.Error(), "precondition") {
		t.Fatalf("expected a precondition error, got %v", err)
	}
}

func TestStep_Completed_WhenRootAlreadyPasses(t *testing.T) {
	const passingTree = `{
  "root": {
    "id": "1",
    "order": 0,
    "title": "root task",
    "goal": "already done",
    "next": "execute",
    "passes": true,
    "attempts": 0,
    "max_attempts": 3
  }
}`
	p := newFixture(t, "run-test", passingTree)

	out, err := Step(context.Background(), p, Deps{})
	if err != nil {
		t.Fatalf("Step: %v", err)
	}
	if out.Kind != Completed {
		t.Fatalf("expected Completed, got %+v", out)
	}
}

func TestStep_Stuck_WhenAttemptsExhausted(t *testing.T) {
	const exhaustedTree = `{
  "root": {
    "id": "1",
    "order": 0,
    "title": "root task",
    "goal": "never passes",
    "next": "execute",
    "passes": false,
    "attempts": 3,
    "max_attempts": 3
  }
}`
	p := newFixture(t, "run-test", exhaustedTree)

	_, err := Step(context.Background(), p, Deps{})
	if err == nil {
		t.Fatal("expected stuck error")
	}
	if !strings.Contains(err.Error(), "stuck") {
		t.Fatalf("expected a stuck error, got %v", err)
	}
}

func TestStep_CommitsIterationOnGitLog(t *testing.T) {
	p := newFixture(t, "run-test", executeLeafTree)
	script := writeScript(t, t.TempDir(), "executor.sh", `#!/bin/sh
echo '{"status":"done","summary":"did the thing"}' > "$LOOPCTL_OUTPUT_PATH"
`)

	if _, err := Step(context.Background(), p, Deps{ExecutorArgv: []string{"/bin/sh", script}}); err != nil {
		t.Fatalf("Step: %v", err)
	}

	out, err := exec.Command("git", "-C", p.RepoDir, "log", "-1", "--pretty=%s").CombinedOutput()
	if err != nil {
		t.Fatal(err)
	}
	msg := strings.TrimSpace(string(out))
	want := "chore(loop): run run-test iter 1 node 1 status=done guard=pass"
	if msg != want {
		t.Fatalf("expected commit message %q, got %q", want, msg)
	}
}
