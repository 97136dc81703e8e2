package runident

import (
	"os/exec"
	"testing"
)

func initRepo(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	run := func(args ...string) {
		cmd := exec.Command("git", append([]string{"-C", dir}, args...)...)
		if out, err := cmd.CombinedOutput(); err != nil {
			t.Fatalf("git %v: %v: %s", args, err, out)
		}
	}
	run("init", "-q", "-b", "main")
	run("-c", "user.name=test", "-c", "user.email=test@example.com", "commit", "--allow-empty", "-q", "-m", "init")
	return dir
}

func TestParseFrontmatter_Present(t *testing.T) {
	doc := []byte("---\nid: run-deadbeef\ntitle: fix the thing\n---\n\nGoal body.\n")
	fm, ok, err := ParseFrontmatter(doc)
	if err != nil {
		t.Fatal(err)
	}
	if !ok || fm.ID != "run-deadbeef" {
		t.Fatalf("expected id run-deadbeef, got %+v ok=%v", fm, ok)
	}
}

func TestParseFrontmatter_Absent(t *testing.T) {
	_, ok, err := ParseFrontmatter([]byte("# Just a goal\n\nNo frontmatter here.\n"))
	if err != nil {
		t.Fatal(err)
	}
	if ok {
		t.Fatalf("expected no frontmatter detected")
	}
}

func TestParseFrontmatter_Unterminated(t *testing.T) {
	_, _, err := ParseFrontmatter([]byte("---\nid: x\n"))
	if err == nil {
		t.Fatal("expected error for unterminated frontmatter block")
	}
}

func TestResolve_UsesFrontmatterIDWhenPresent(t *testing.T) {
	dir := initRepo(t)
	id, err := Resolve(dir, []byte("---\nid: run-custom\n---\n"))
	if err != nil {
		t.Fatal(err)
	}
	if id != "run-custom" {
		t.Fatalf("expected run-custom, got %s", id)
	}
}

func TestResolve_FallsBackToHeadHex(t *testing.T) {
	dir := initRepo(t)
	id, err := Resolve(dir, []byte("# no frontmatter\n"))
	if err != nil {
		t.Fatal(err)
	}
	if len(id) != len("run-")+8 {
		t.Fatalf("expected run-<8hex>, got %s", id)
	}
}

func TestVerify_PassesOnMatchingTriple(t *testing.T) {
	dir := initRepo(t)
	runID := "run-abc"
	if err := setupBranch(dir, runID); err != nil {
		t.Fatal(err)
	}
	if err := Verify(dir, runID, []byte("---\nid: run-abc\n---\n")); err != nil {
		t.Fatalf("expected match, got %v", err)
	}
}

func TestVerify_RejectsBranchMismatch(t *testing.T) {
	dir := initRepo(t)
	if err := setupBranch(dir, "run-other"); err != nil {
		t.Fatal(err)
	}
	if err := Verify(dir, "run-abc", nil); err == nil {
		t.Fatal("expected branch mismatch error")
	}
}

func TestVerify_RejectsGoalIDMismatch(t *testing.T) {
	dir := initRepo(t)
	if err := setupBranch(dir, "run-abc"); err != nil {
		t.Fatal(err)
	}
	if err := Verify(dir, "run-abc", []byte("---\nid: run-different\n---\n")); err == nil {
		t.Fatal("expected goal-file id mismatch error")
	}
}

func setupBranch(dir, runID string) error {
	cmd := exec.Command("git", "-C", dir, "switch", "-c", Branch(runID))
	return cmd.Run()
}
