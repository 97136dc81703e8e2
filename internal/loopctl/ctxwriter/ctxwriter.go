// Package ctxwriter rewrites the ephemeral per-iteration context directory
// (spec ยง4.4). Grounded on internal/attractor/engine/context_init.go's
// graph-attrs-to-context translation, generalized from an in-memory
// runtime.Context to three fixed markdown files.
package ctxwriter

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/loopctl/loopctl/internal/loopctl/tree"
)

// Input carries everything the context directory needs for one iteration.
// PrevStatus/PrevGuard/PrevSummary/PrevGuardLog come from the run state and
// the previous iteration's guard log, both read by the caller.
type Input struct {
	Selected     *tree.Node
	PrevStatus   string // "retry" triggers history.md
	PrevGuard    string // "fail" triggers failure.md
	PrevSummary  string
	PrevGuardLog string
}

// Write deletes dir and recreates it with goal.md (always), history.md (only
// when PrevStatus=="retry"), and failure.md (only when PrevGuard=="fail").
func Write(dir string, in Input) error {
	if err := os.RemoveAll(dir); err != nil {
		return fmt.Errorf("ctxwriter: clear %s: %w", dir, err)
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("ctxwriter: create %s: %w", dir, err)
	}

	goal := goalMarkdown(in.Selected)
	if err := writeFile(filepath.Join(dir, "goal.md"), goal); err != nil {
		return err
	}

	if in.PrevStatus == "retry" {
		if err := writeFile(filepath.Join(dir, "history.md"), in.PrevSummary); err != nil {
			return err
		}
	}

	if in.PrevGuard == "fail" {
		if err := writeFile(filepath.Join(dir, "failure.md"), in.PrevGuardLog); err != nil {
			return err
		}
	}

	return nil
}

func goalMarkdown(n *tree.Node) string {
	var b strings.Builder
	fmt.Fprintf(&b, "# %s\n\n%s\n", n.Title, n.Goal)
	if len(n.Acceptance) > 0 {
		b.WriteString("\n## Acceptance\n\n")
		for _, a := range n.Acceptance {
			fmt.Fprintf(&b, "- %s\n", a)
		}
	}
	return b.String()
}

func writeFile(path, content string) error {
	if !strings.HasSuffix(content, "\n") {
		content += "\n"
	}
	if err := os.WriteFile(path, []byte(content), 0o644); err != nil {
		return fmt.Errorf("ctxwriter: write %s: %w", path, err)
	}
	return nil
}
