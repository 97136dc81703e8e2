// Package runstate persists the run bookkeeping record of spec ยง3 Run
// State: run_id, next_iter, last_status, last_summary, last_guard. Load is
// defensive about a missing file (a fresh run has none yet), mirroring
// internal/attractor/runstate/snapshot.go's tolerant partial-state reads;
// Write follows tree.Write's atomic temp-file-then-rename pattern.
package runstate

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
)

// State is the decoded shape of state/run_state.json (spec ยง3).
type State struct {
	RunID       string `json:"run_id"`
	NextIter    int    `json:"next_iter"`
	LastStatus  string `json:"last_status,omitempty"`
	LastSummary string `json:"last_summary,omitempty"`
	LastGuard   string `json:"last_guard,omitempty"`
}

// Load reads path, returning a fresh zero-value State (NextIter=1) if the
// file does not yet exist.
func Load(path string) (*State, error) {
	b, err := os.ReadFile(path)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return &State{NextIter: 1}, nil
		}
		return nil, fmt.Errorf("runstate: read %s: %w", path, err)
	}
	var s State
	if err := json.Unmarshal(b, &s); err != nil {
		return nil, fmt.Errorf("runstate: decode %s: %w", path, err)
	}
	if s.NextIter < 1 {
		s.NextIter = 1
	}
	return &s, nil
}

// Write atomically persists s to path (spec ยง5: run_state.json precedes
// only the git commit in the deterministic per-iteration write order).
func Write(path string, s *State) error {
	b, err := json.MarshalIndent(s, "", "  ")
	if err != nil {
		return fmt.Errorf("runstate: marshal: %w", err)
	}
	b = append(b, '\n')

	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".run_state-*.json.tmp")
	if err != nil {
		return fmt.Errorf("runstate: tempfile: %w", err)
	}
	tmpPath := tmp.Name()
	defer func() { _ = os.Remove(tmpPath) }()

	if _, err := tmp.Write(b); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("runstate: write: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return fmt.Errorf("runstate: sync: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("runstate: close: %w", err)
	}
	if err := os.Rename(tmpPath, path); err != nil {
		return fmt.Errorf("runstate: rename: %w", err)
	}
	return nil
}
