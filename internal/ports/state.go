package ports

import (
	"context"

	"renderflow/internal/models"
)

// StateStore persists run checkpoints so an interrupted run can resume
// without redoing finished chunks.
//
// Load returns (nil, nil) when no checkpoint exists for the run.
type StateStore interface {
	Store() string

	Save(ctx context.Context, state *models.RunState) error
	Load(ctx context.Context, runID string) (*models.RunState, error)
	Clear(ctx context.Context, runID string) error
}
