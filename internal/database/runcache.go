package database

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/avatarforge/api/internal/models"
	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
)

const runStateKeyPrefix = "avatarforge:run:"

// RunStateCache keeps async run status in Redis for pollers
type RunStateCache struct {
	client *redis.Client
	ttl    time.Duration
}

// NewRunStateCache creates a cache whose entries expire after ttl
func NewRunStateCache(r *Redis, ttl time.Duration) *RunStateCache {
	if ttl <= 0 {
		ttl = 24 * time.Hour
	}
	return &RunStateCache{client: r.Client(), ttl: ttl}
}

func runStateKey(id uuid.UUID) string {
	return runStateKeyPrefix + id.String()
}

// Put stores a state snapshot, replacing any earlier one
func (c *RunStateCache) Put(ctx context.Context, state models.RunState) error {
	data, err := json.Marshal(state)
	if err != nil {
		return fmt.Errorf("marshal run state: %w", err)
	}
	if err := c.client.Set(ctx, runStateKey(state.RunID), data, c.ttl).Err(); err != nil {
		return fmt.Errorf("store run state: %w", err)
	}
	return nil
}

// Get loads a state snapshot; ErrRunNotFound when absent or expired
func (c *RunStateCache) Get(ctx context.Context, id uuid.UUID) (*models.RunState, error) {
	data, err := c.client.Get(ctx, runStateKey(id)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrRunNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load run state: %w", err)
	}
	var state models.RunState
	if err := json.Unmarshal(data, &state); err != nil {
		return nil, fmt.Errorf("unmarshal run state: %w", err)
	}
	return &state, nil
}
