// Package gitmgr implements the Git Manager (spec ยง4.10): branch and
// clean-tree preconditions, one doublestar-filtered commit per iteration
// with a deterministic message, and branch bootstrap for `start`. Adapted
// near-directly from internal/attractor/gitutil/git.go's runGit wrapper and
// CommandError type.
package gitmgr

import (
	"bytes"
	"fmt"
	"os/exec"
	"sort"
	"strings"

	"github.com/bmatcuk/doublestar/v4"
)

// CommandError reports a failed git invocation with its captured output.
type CommandError struct {
	Args   []string
	Stdout string
	Stderr string
	Err    error
}

func (e *CommandError) Error() string {
	msg := fmt.Sprintf("git %s: %v", strings.Join(e.Args, " "), e.Err)
	if e.Stderr != "" {
		msg += ": " + strings.TrimSpace(e.Stderr)
	}
	return msg
}

func (e *CommandError) Unwrap() error { return e.Err }

// deterministicFlags disables git's background auto-maintenance, which
// newer git versions run by default. Without this, a maintenance/gc helper
// can start mid-run and race the next checkpoint commit, so every runGit
// call carries it rather than relying on the caller's repo config.
var deterministicFlags = []string{"-c", "maintenance.auto=0", "-c", "gc.auto=0"}

func runGit(dir string, args ...string) (stdout, stderr string, err error) {
	full := append(append([]string{"-C", dir}, deterministicFlags...), args...)
	cmd := exec.Command("git", full...)
	var outBuf, errBuf bytes.Buffer
	cmd.Stdout = &outBuf
	cmd.Stderr = &errBuf
	if runErr := cmd.Run(); runErr != nil {
		return outBuf.String(), errBuf.String(), &CommandError{Args: args, Stdout: outBuf.String(), Stderr: errBuf.String(), Err: runErr}
	}
	return outBuf.String(), errBuf.String(), nil
}

// trimmedOutput runs one git query subcommand and trims the trailing
// newline every single-line query below otherwise has to strip itself.
func trimmedOutput(dir string, args ...string) (string, error) {
	out, _, err := runGit(dir, args...)
	if err != nil {
		return "", err
	}
	return strings.TrimSpace(out), nil
}

// IsRepo reports whether dir is inside a git working tree.
func IsRepo(dir string) bool {
	out, err := trimmedOutput(dir, "rev-parse", "--is-inside-work-tree")
	return err == nil && out == "true"
}

// HeadSHA returns the current HEAD commit SHA.
func HeadSHA(dir string) (string, error) {
	return trimmedOutput(dir, "rev-parse", "HEAD")
}

// CurrentBranch returns the checked-out branch name.
func CurrentBranch(dir string) (string, error) {
	return trimmedOutput(dir, "rev-parse", "--abbrev-ref", "HEAD")
}

// StatusPorcelain runs `git status --porcelain` including untracked files.
func StatusPorcelain(dir string) (string, error) {
	out, _, err := runGit(dir, "status", "--porcelain")
	if err != nil {
		return "", err
	}
	return out, nil
}

// IsClean reports whether the working tree, including untracked files, has
// no pending changes.
func IsClean(dir string) (bool, error) {
	out, err := StatusPorcelain(dir)
	if err != nil {
		return false, err
	}
	return strings.TrimSpace(out) == "", nil
}

var protectedBranches = map[string]bool{"main": true, "master": true}

// CheckPreconditions enforces spec ยง4.10: not on a protected branch name,
// working tree clean (including untracked), and, when ignoreFileRelPath is
// non-empty, that path not itself gitignored. Whether the ignore file exists
// is not checked.
func CheckPreconditions(dir, ignoreFileRelPath string) error {
	branch, err := CurrentBranch(dir)
	if err != nil {
		return fmt.Errorf("gitmgr: read current branch: %w", err)
	}
	if protectedBranches[branch] {
		return fmt.Errorf("gitmgr: refusing to run on protected branch %q", branch)
	}
	clean, err := IsClean(dir)
	if err != nil {
		return fmt.Errorf("gitmgr: check clean tree: %w", err)
	}
	if !clean {
		return fmt.Errorf("gitmgr: working tree is not clean")
	}
	if ignoreFileRelPath != "" {
		if _, _, err := runGit(dir, "check-ignore", "--quiet", ignoreFileRelPath); err == nil {
			// check-ignore exits 0 when the path is itself ignored, which it
			// should not be: the ignore file must be tracked, not ignored.
			return fmt.Errorf("gitmgr: expected ignore file %s is itself gitignored", ignoreFileRelPath)
		}
	}
	return nil
}

// BranchExists reports whether branch is a known local ref.
func BranchExists(dir, branch string) bool {
	_, _, err := runGit(dir, "rev-parse", "--verify", "refs/heads/"+branch)
	return err == nil
}

// EnsureBranch checks out branch if it exists, or creates it at HEAD and
// checks it out (spec ยง4.10: `start` creates or checks out
// `runner/<run_id>`).
func EnsureBranch(dir, branch string) error {
	if BranchExists(dir, branch) {
		_, _, err := runGit(dir, "switch", branch)
		return err
	}
	_, _, err := runGit(dir, "switch", "-c", branch)
	return err
}

// BootstrapCommit makes the branch's first commit (spec ยง4.10).
func BootstrapCommit(dir, message string) (string, error) {
	return commitAllowEmpty(dir, message)
}

// CommitIteration stages every changed path except those matching
// excludeGlobs (doublestar glob syntax, spec ยง4.10/SPEC_FULL Domain Stack)
// and makes exactly one commit with message.
func CommitIteration(dir string, excludeGlobs []string, message string) (string, error) {
	changed, err := changedPaths(dir)
	if err != nil {
		return "", fmt.Errorf("gitmgr: list changed paths: %w", err)
	}

	var toAdd []string
	for _, p := range changed {
		if matchesAny(excludeGlobs, p) {
			continue
		}
		toAdd = append(toAdd, p)
	}
	sort.Strings(toAdd)

	if len(toAdd) > 0 {
		args := append([]string{"add", "--"}, toAdd...)
		if _, _, err := runGit(dir, args...); err != nil {
			return "", fmt.Errorf("gitmgr: git add: %w", err)
		}
	}
	return commitAllowEmpty(dir, message)
}

func matchesAny(globs []string, path string) bool {
	for _, g := range globs {
		if ok, _ := doublestar.Match(g, path); ok {
			return true
		}
	}
	return false
}

func commitAllowEmpty(dir, message string) (string, error) {
	_, _, err := runGit(dir, "commit", "--allow-empty", "-m", message)
	if err != nil {
		msg := err.Error()
		if strings.Contains(msg, "Author identity unknown") ||
			strings.Contains(msg, "Please tell me who you are") ||
			strings.Contains(msg, "unable to auto-detect email address") {
			_, _, err = runGit(dir,
				"-c", "user.name=loopctl",
				"-c", "user.email=loopctl@local",
				"commit", "--allow-empty", "-m", message,
			)
		}
		if err != nil {
			return "", err
		}
	}
	return HeadSHA(dir)
}

// changedPaths returns every modified, added, deleted, renamed-to, and
// untracked path relative to dir via `git status --porcelain`.
func changedPaths(dir string) ([]string, error) {
	out, err := StatusPorcelain(dir)
	if err != nil {
		return nil, err
	}
	var paths []string
	for _, line := range strings.Split(out, "\n") {
		if strings.TrimSpace(line) == "" || len(line) < 4 {
			continue
		}
		rest := line[3:]
		if idx := strings.Index(rest, " -> "); idx >= 0 {
			rest = rest[idx+len(" -> "):]
		}
		paths = append(paths, strings.TrimSpace(rest))
	}
	return paths, nil
}

// CommitMessage formats the deterministic commit message of spec ยง4.10/ยง6.
func CommitMessage(runID string, iter int, nodeID, status, guard string) string {
	return fmt.Sprintf("chore(loop): run %s iter %d node %s status=%s guard=%s", runID, iter, nodeID, status, guard)
}
