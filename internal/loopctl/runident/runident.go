// Package runident resolves and verifies the run-identity triple of spec
// ยง4.11: goal-file id, run-state run_id, and branch name `runner/<run_id>`.
// Grounded on internal/attractor/engine/engine.go's RunOptions.applyDefaults
// (derive-if-empty id pattern) and gitutil.HeadSHA for the hex-suffix
// fallback.
package runident

import (
	"bytes"
	"fmt"

	"gopkg.in/yaml.v3"

	"github.com/loopctl/loopctl/internal/loopctl/gitmgr"
)

// Frontmatter is the minimal YAML frontmatter shape read from the goal
// document (spec ยง3: "Goal document at a well-known path with YAML
// frontmatter carrying id").
type Frontmatter struct {
	ID string `yaml:"id"`
}

// ParseFrontmatter extracts the YAML frontmatter block (delimited by "---"
// lines) from a goal document's raw bytes. Returns ok=false if no
// frontmatter block is present.
func ParseFrontmatter(doc []byte) (fm Frontmatter, ok bool, err error) {
	const delim = "---"
	lines := bytes.Split(doc, []byte("\n"))
	if len(lines) == 0 || string(bytes.TrimSpace(lines[0])) != delim {
		return Frontmatter{}, false, nil
	}
	end := -1
	for i := 1; i < len(lines); i++ {
		if string(bytes.TrimSpace(lines[i])) == delim {
			end = i
			break
		}
	}
	if end < 0 {
		return Frontmatter{}, false, fmt.Errorf("runident: unterminated frontmatter block")
	}
	block := bytes.Join(lines[1:end], []byte("\n"))
	if err := yaml.Unmarshal(block, &fm); err != nil {
		return Frontmatter{}, false, fmt.Errorf("runident: parse frontmatter: %w", err)
	}
	return fm, fm.ID != "", nil
}

// Branch returns the run's branch name for runID.
func Branch(runID string) string { return "runner/" + runID }

// Resolve derives the run identity for `start`: prefer the goal file's
// frontmatter id when present and non-empty (its characters are not
// checked), otherwise generate
// `run-<8-hex-of-HEAD>`, appending a numeric suffix if that branch already
// exists (spec ยง4.11).
func Resolve(repoDir string, goalDoc []byte) (runID string, err error) {
	if fm, ok, err := ParseFrontmatter(goalDoc); err != nil {
		return "", err
	} else if ok {
		return fm.ID, nil
	}

	head, err := gitmgr.HeadSHA(repoDir)
	if err != nil {
		return "", fmt.Errorf("runident: resolve HEAD for fallback id: %w", err)
	}
	if len(head) < 8 {
		return "", fmt.Errorf("runident: HEAD sha %q too short for fallback id", head)
	}
	base := "run-" + head[:8]

	candidate := base
	for suffix := 2; gitmgr.BranchExists(repoDir, Branch(candidate)); suffix++ {
		candidate = fmt.Sprintf("%s-%d", base, suffix)
	}
	return candidate, nil
}

// Verify checks that the three legs of the run-identity triple agree:
// goal-file id (if the goal carries one), run-state run_id, and the current
// branch name. It returns a descriptive error pointing back to `start` on
// any mismatch (spec ยง4.11, seed scenario "run-identity mismatch").
func Verify(repoDir, runStateRunID string, goalDoc []byte) error {
	if runStateRunID == "" {
		return fmt.Errorf("runident: run state has no run_id; run `start` first")
	}
	if fm, ok, err := ParseFrontmatter(goalDoc); err != nil {
		return err
	} else if ok && fm.ID != runStateRunID {
		return fmt.Errorf("runident: goal-file id %q does not match run-state run_id %q; run `start` to reconcile", fm.ID, runStateRunID)
	}

	branch, err := gitmgr.CurrentBranch(repoDir)
	if err != nil {
		return fmt.Errorf("runident: read current branch: %w", err)
	}
	want := Branch(runStateRunID)
	if branch != want {
		return fmt.Errorf("runident: current branch %q does not match expected %q for run_id %q; run `start` to reconcile", branch, want, runStateRunID)
	}
	return nil
}
