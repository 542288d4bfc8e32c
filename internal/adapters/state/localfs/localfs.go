// Package localfs keeps run checkpoints as JSON files on disk. Useful for
// single-machine setups without Redis.
package localfs

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"time"

	"renderflow/internal/models"
)

type Store struct {
	root string
}

func New(root string) *Store {
	return &Store{root: root}
}

func (s *Store) Store() string { return "localfs" }

func (s *Store) path(runID string) string {
	return filepath.Join(s.root, runID+".json")
}

func (s *Store) Save(ctx context.Context, state *models.RunState) error {
	if state.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	state.Timestamp = time.Now().UTC()

	if err := os.MkdirAll(s.root, 0o755); err != nil {
		return err
	}
	payload, err := json.MarshalIndent(state, "", "  ")
	if err != nil {
		return err
	}

	// write-then-rename so a crash mid-write never corrupts the checkpoint
	tmp := s.path(state.RunID) + ".tmp"
	if err := os.WriteFile(tmp, payload, 0o644); err != nil {
		return err
	}
	return os.Rename(tmp, s.path(state.RunID))
}

func (s *Store) Load(ctx context.Context, runID string) (*models.RunState, error) {
	payload, err := os.ReadFile(s.path(runID))
	if os.IsNotExist(err) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	var state models.RunState
	if err := json.Unmarshal(payload, &state); err != nil {
		return nil, fmt.Errorf("corrupt checkpoint for run %s: %w", runID, err)
	}
	return &state, nil
}

func (s *Store) Clear(ctx context.Context, runID string) error {
	err := os.Remove(s.path(runID))
	if os.IsNotExist(err) {
		return nil
	}
	return err
}
