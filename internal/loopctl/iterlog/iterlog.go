// Package iterlog writes the append-only per-iteration audit directory
// (spec ยง4.9, ยง6): meta.json, output.json, planner_output.json,
// executor.log/planner_executor.log, stream.jsonl, guard.log,
// agent_error.log, runner_error.log, tree.before.json, tree.after.json, in
// that deterministic order, plus a compact tree.msgpack sidecar. Content
// addressing follows internal/attractor/engine/cxdb_sink.go's
// hash-before-write BLAKE3 pattern.
package iterlog

import (
	"encoding/hex"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/vmihailenco/msgpack/v5"
	"github.com/zeebo/blake3"

	"github.com/loopctl/loopctl/internal/loopctl/tree"
)

// Meta is meta.json's contents (spec ยง4.9).
type Meta struct {
	RunID      string        `json:"run_id"`
	Iter       int           `json:"iter"`
	NodeID     string        `json:"node_id"`
	Status     string        `json:"status"`
	Guard      string        `json:"guard"`
	StartedAt  string        `json:"started_at,omitempty"`
	FinishedAt string        `json:"finished_at,omitempty"`
	DurationMS int64         `json:"duration_ms"`
	Artifacts  []ArtifactRef `json:"artifacts,omitempty"`
}

// ArtifactRef records a written artifact's path and content hash, appended
// to Meta.Artifacts as each file is written (spec: "a BLAKE3 digest recorded
// alongside its path in meta.json").
type ArtifactRef struct {
	Name string `json:"name"`
	Hash string `json:"blake3"`
}

// Record bundles everything one iteration may produce. Optional fields use
// empty string/nil to mean "not applicable this iteration" (spec ยง4.9: e.g.
// planner_output.json only for decomposer iterations).
type Record struct {
	RunID  string
	Iter   int
	NodeID string
	Status string
	Guard  string

	StartedAt  string
	FinishedAt string
	DurationMS int64

	OutputJSON         []byte
	PlannerOutputJSON  []byte
	ExecutorLog        string
	PlannerExecutorLog string
	StreamJSONL        [][]byte
	GuardLog           string
	AgentErrorLog      string
	RunnerErrorLog     string
	TreeBefore         *tree.Tree
	TreeAfter          *tree.Tree
}

// Write creates root/{run_id}/{iter}/ and writes every applicable artifact
// in the fixed order of spec ยง4.9, recording a BLAKE3 hash for each in
// meta.json, which is written first with placeholders and rewritten last
// once every other artifact's hash is known.
func Write(root string, rec Record) (string, error) {
	dir := filepath.Join(root, rec.RunID, fmt.Sprintf("%d", rec.Iter))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return "", fmt.Errorf("iterlog: mkdir %s: %w", dir, err)
	}

	meta := Meta{
		RunID:      rec.RunID,
		Iter:       rec.Iter,
		NodeID:     rec.NodeID,
		Status:     rec.Status,
		Guard:      rec.Guard,
		StartedAt:  rec.StartedAt,
		FinishedAt: rec.FinishedAt,
		DurationMS: rec.DurationMS,
	}

	writeArtifact := func(name string, b []byte) error {
		if len(b) == 0 {
			return nil
		}
		if err := os.WriteFile(filepath.Join(dir, name), b, 0o644); err != nil {
			return fmt.Errorf("iterlog: write %s: %w", name, err)
		}
		meta.Artifacts = append(meta.Artifacts, ArtifactRef{Name: name, Hash: hashOf(b)})
		return nil
	}

	placeholder, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("iterlog: marshal meta: %w", err)
	}
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), append(placeholder, '\n'), 0o644); err != nil {
		return "", fmt.Errorf("iterlog: write meta.json: %w", err)
	}

	if err := writeArtifact("output.json", rec.OutputJSON); err != nil {
		return "", err
	}
	if err := writeArtifact("planner_output.json", rec.PlannerOutputJSON); err != nil {
		return "", err
	}
	if err := writeArtifact("executor.log", []byte(rec.ExecutorLog)); err != nil {
		return "", err
	}
	if err := writeArtifact("planner_executor.log", []byte(rec.PlannerExecutorLog)); err != nil {
		return "", err
	}
	if len(rec.StreamJSONL) > 0 {
		var b []byte
		for _, line := range rec.StreamJSONL {
			b = append(b, line...)
			b = append(b, '\n')
		}
		if err := writeArtifact("stream.jsonl", b); err != nil {
			return "", err
		}
	}
	if err := writeArtifact("guard.log", []byte(rec.GuardLog)); err != nil {
		return "", err
	}
	if err := writeArtifact("agent_error.log", []byte(rec.AgentErrorLog)); err != nil {
		return "", err
	}
	if err := writeArtifact("runner_error.log", []byte(rec.RunnerErrorLog)); err != nil {
		return "", err
	}

	var beforeB, afterB []byte
	if rec.TreeBefore != nil {
		b, err := tree.Canonical(rec.TreeBefore)
		if err != nil {
			return "", fmt.Errorf("iterlog: canonical tree.before: %w", err)
		}
		beforeB = b
		if err := writeArtifact("tree.before.json", b); err != nil {
			return "", err
		}
	}
	if rec.TreeAfter != nil {
		b, err := tree.Canonical(rec.TreeAfter)
		if err != nil {
			return "", fmt.Errorf("iterlog: canonical tree.after: %w", err)
		}
		afterB = b
		if err := writeArtifact("tree.after.json", b); err != nil {
			return "", err
		}
	}

	if beforeB != nil || afterB != nil {
		sidecar, err := msgpack.Marshal(struct {
			Before []byte `msgpack:"before"`
			After  []byte `msgpack:"after"`
		}{Before: beforeB, After: afterB})
		if err != nil {
			return "", fmt.Errorf("iterlog: marshal tree.msgpack: %w", err)
		}
		if err := os.WriteFile(filepath.Join(dir, "tree.msgpack"), sidecar, 0o644); err != nil {
			return "", fmt.Errorf("iterlog: write tree.msgpack: %w", err)
		}
	}

	metaB, err := json.MarshalIndent(meta, "", "  ")
	if err != nil {
		return "", fmt.Errorf("iterlog: marshal meta: %w", err)
	}
	metaB = append(metaB, '\n')
	if err := os.WriteFile(filepath.Join(dir, "meta.json"), metaB, 0o644); err != nil {
		return "", fmt.Errorf("iterlog: write meta.json: %w", err)
	}

	return dir, nil
}

func hashOf(b []byte) string {
	h := blake3.New()
	_, _ = h.Write(b)
	return hex.EncodeToString(h.Sum(nil))
}
