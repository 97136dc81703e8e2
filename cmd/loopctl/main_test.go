package main

import (
	"os"
	"os/exec"
	"path/filepath"
	"testing"

	"github.com/loopctl/loopctl/internal/loopctl/errs"
)

func TestParseInt_ParsesValidAndFallsBackOnGarbage(t *testing.T) {
	if got := parseInt("7", 0); got != 7 {
		t.Fatalf("expected 7, got %d", got)
	}
	if got := parseInt("not-a-number", 5); got != 5 {
		t.Fatalf("expected fallback 5, got %d", got)
	}
	if got := parseInt("", 9); got != 9 {
		t.Fatalf("expected fallback 9 on empty string, got %d", got)
	}
}

func TestExitCodeForStepError(t *testing.T) {
	cases := []struct {
		name string
		err  error
		want int
	}{
		{"precondition", &errs.PreconditionError{Reason: "on main"}, 2},
		{"load", &errs.LoadError{Reason: "missing required field"}, 2},
		{"stuck", &errs.StuckError{NodeID: "1", Path: []string{"1"}}, 3},
		{"runner", &errs.RunnerError{Op: "git commit", Cause: os.ErrClosed}, 1},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if got := exitCodeForStepError(tc.err); got != tc.want {
				t.Fatalf("%s: expected %d, got %d", tc.name, tc.want, got)
			}
		})
	}
}

func TestParseStepArgs_AccumulatesRepeatedAgentArgs(t *testing.T) {
	p, deps := parseStepArgs([]string{
		"--repo", "/tmp/repo",
		"--goal", "/tmp/repo/goal.md",
		"--decomposer", "/usr/bin/agent",
		"--decomposer-arg", "decompose",
		"--decomposer-arg", "--verbose",
		"--executor", "/usr/bin/agent",
		"--executor-arg", "execute",
	})
	if p.RepoDir != "/tmp/repo" || p.GoalDoc != "/tmp/repo/goal.md" {
		t.Fatalf("unexpected paths: %+v", p)
	}
	wantDecomposer := []string{"/usr/bin/agent", "decompose", "--verbose"}
	if len(deps.DecomposerArgv) != len(wantDecomposer) {
		t.Fatalf("expected decomposer argv %v, got %v", wantDecomposer, deps.DecomposerArgv)
	}
	for i, v := range wantDecomposer {
		if deps.DecomposerArgv[i] != v {
			t.Fatalf("expected decomposer argv %v, got %v", wantDecomposer, deps.DecomposerArgv)
		}
	}
	wantExecutor := []string{"/usr/bin/agent", "execute"}
	if len(deps.ExecutorArgv) != len(wantExecutor) || deps.ExecutorArgv[0] != wantExecutor[0] || deps.ExecutorArgv[1] != wantExecutor[1] {
		t.Fatalf("expected executor argv %v, got %v", wantExecutor, deps.ExecutorArgv)
	}
}

func buildLoopctlBinary(t *testing.T) string {
	t.Helper()
	wd, err := os.Getwd()
	if err != nil {
		t.Fatalf("Getwd: %v", err)
	}
	// wd is .../cmd/loopctl
	root := filepath.Dir(filepath.Dir(wd))
	bin := filepath.Join(t.TempDir(), "loopctl")
	cmd := exec.Command("go", "build", "-o", bin, "./cmd/loopctl")
	cmd.Dir = root
	out, err := cmd.CombinedOutput()
	if err != nil {
		t.Fatalf("go build: %v\n%s", err, string(out))
	}
	return bin
}

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

func TestStartThenStep_EndToEnd(t *testing.T) {
	bin := buildLoopctlBinary(t)
	repo := t.TempDir()
	gitRun(t, repo, "init", "-q", "-b", "main")
	gitRun(t, repo, "-c", "user.name=t", "-c", "user.email=t@example.com", "commit", "--allow-empty", "-q", "-m", "init")

	goalPath := filepath.Join(repo, "goal.md")
	if err := os.WriteFile(goalPath, []byte("---\nid: run-cli\n---\n\n# Goal\n\nDo the thing.\n"), 0o644); err != nil {
		t.Fatal(err)
	}

	startOut, err := exec.Command(bin, "start", "--repo", repo, "--goal", goalPath).CombinedOutput()
	if err != nil {
		t.Fatalf("start: %v\n%s", err, startOut)
	}

	branch, err := exec.Command("git", "-C", repo, "rev-parse", "--abbrev-ref", "HEAD").CombinedOutput()
	if err != nil {
		t.Fatal(err)
	}
	if got := string(branch); got != "runner/run-cli\n" {
		t.Fatalf("expected runner/run-cli checked out, got %q", got)
	}

	clean, err := exec.Command("git", "-C", repo, "status", "--porcelain").CombinedOutput()
	if err != nil {
		t.Fatal(err)
	}
	if len(clean) != 0 {
		t.Fatalf("expected clean tree after start, got %q", clean)
	}

	script := writeScript(t, t.TempDir(), "decomposer.sh", `#!/bin/sh
echo '{"summary":"split","children":[{"title":"a","goal":"do a","next":"execute"},{"title":"b","goal":"do b","next":"execute"}]}' > "$LOOPCTL_OUTPUT_PATH"
`)
	cfg := []byte("max_iterations = 10\nmax_attempts_default = 3\n\n[guard]\ncommand = [\"/bin/true\"]\n")
	if err := os.WriteFile(filepath.Join(repo, "state", "config.toml"), cfg, 0o644); err != nil {
		t.Fatal(err)
	}
	gitRun(t, repo, "add", "-A")
	gitRun(t, repo, "-c", "user.name=t", "-c", "user.email=t@example.com", "commit", "-q", "-m", "add config")

	stepOut, err := exec.Command(bin, "step",
		"--repo", repo, "--goal", goalPath,
		"--decomposer", "/bin/sh", "--decomposer-arg", script,
		"--executor", "/bin/false",
	).CombinedOutput()
	if err != nil {
		t.Fatalf("step: %v\n%s", err, stepOut)
	}
	if got := string(stepOut); got != "run_id=run-cli iter=1 selected=1 status=decomposed guard=skipped\n" {
		t.Fatalf("unexpected step output: %q", got)
	}
}
