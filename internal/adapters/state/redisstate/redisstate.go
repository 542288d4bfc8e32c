// Package redisstate keeps run checkpoints in Redis as JSON blobs.
package redisstate

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"

	"renderflow/internal/models"
)

const keyPrefix = "renderflow:state:"

// Checkpoints outlive the process but not forever; stale runs expire.
const defaultTTL = 7 * 24 * time.Hour

type Store struct {
	rdb *redis.Client
	ttl time.Duration
}

func New(rdb *redis.Client) *Store {
	return &Store{rdb: rdb, ttl: defaultTTL}
}

func (s *Store) Store() string { return "redis" }

func (s *Store) Save(ctx context.Context, state *models.RunState) error {
	if state.RunID == "" {
		return fmt.Errorf("run_id is required")
	}
	state.Timestamp = time.Now().UTC()
	payload, err := json.Marshal(state)
	if err != nil {
		return err
	}
	return s.rdb.Set(ctx, keyPrefix+state.RunID, payload, s.ttl).Err()
}

func (s *Store) Load(ctx context.Context, runID string) (*models.RunState, error) {
	payload, err := s.rdb.Get(ctx, keyPrefix+runID).Bytes()
	if err == redis.Nil {
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
	return s.rdb.Del(ctx, keyPrefix+runID).Err()
}
