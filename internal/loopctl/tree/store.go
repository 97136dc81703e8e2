package tree

import (
	"bytes"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"

	"github.com/loopctl/loopctl/internal/loopctl/errs"
)

// Load reads path, validates it against the schema then the semantic
// invariants, and returns the decoded tree. A schema failure is returned
// before the invariants are checked; the invariant check reports all of its
// violations together. Invalid documents are reported as *errs.LoadError; a
// failure to read the file is an *errs.RunnerError
// (spec ยง4.1, ยง7).
func Load(path string) (*Tree, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		return nil, &errs.RunnerError{Op: "tree.Load: read", Cause: err}
	}

	var raw any
	if err := json.Unmarshal(b, &raw); err != nil {
		return nil, &errs.LoadError{Reason: fmt.Sprintf("invalid JSON: %v", err)}
	}
	if err := ValidateSchema(raw); err != nil {
		return nil, &errs.LoadError{Reason: err.Error()}
	}

	var t Tree
	if err := json.Unmarshal(b, &t); err != nil {
		return nil, &errs.LoadError{Reason: fmt.Sprintf("decode: %v", err)}
	}
	if err := CheckInvariants(&t); err != nil {
		return nil, &errs.LoadError{Reason: err.Error()}
	}
	return &t, nil
}

// Write canonicalizes t (recursive sort by (order, id), stable key order via
// struct field order, pretty-printed with a trailing newline) and writes it
// atomically: a temp file in the same directory is written and fsynced,
// then renamed over path (spec ยง4.1).
func Write(path string, t *Tree) error {
	if t == nil || t.Root == nil {
		return &errs.RunnerError{Op: "tree.Write", Cause: fmt.Errorf("tree has no root")}
	}
	clone := t.Clone()
	clone.Canonicalize()
	clone.DeriveParentPasses()

	b, err := json.MarshalIndent(clone, "", "  ")
	if err != nil {
		return &errs.RunnerError{Op: "tree.Write: marshal", Cause: err}
	}
	b = append(b, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".tree-*.json.tmp")
	if err != nil {
		return &errs.RunnerError{Op: "tree.Write: tempfile", Cause: err}
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return &errs.RunnerError{Op: "tree.Write: write", Cause: err}
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return &errs.RunnerError{Op: "tree.Write: sync", Cause: err}
	}
	if err := tmp.Close(); err != nil {
		return &errs.RunnerError{Op: "tree.Write: close", Cause: err}
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return &errs.RunnerError{Op: "tree.Write: rename", Cause: err}
	}
	return nil
}

// Canonical returns the canonical-form JSON bytes of t without touching
// disk, used by the Iteration Logger for tree.before.json/tree.after.json
// snapshots (spec ยง4.9).
func Canonical(t *Tree) ([]byte, error) {
	clone := t.Clone()
	clone.Canonicalize()
	clone.DeriveParentPasses()
	var buf bytes.Buffer
	enc := json.NewEncoder(&buf)
	enc.SetIndent("", "  ")
	if err := enc.Encode(clone); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
