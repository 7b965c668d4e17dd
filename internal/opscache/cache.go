// Package opscache provides a Redis-backed cache of queue-depth snapshots
// for operator visibility, so a status endpoint can answer without
// hitting Postgres on every poll.
package opscache

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
)

const snapshotKey = "telemetry_pipeline:queue_depth"

// Cache provides Redis-backed queue-depth caching.
type Cache struct {
	client *redis.Client
	logger *zap.Logger
	ttl    time.Duration
}

// Config holds cache configuration.
type Config struct {
	Client *redis.Client
	Logger *zap.Logger
	TTL    time.Duration
}

// NewCache creates a new ops cache.
func NewCache(cfg Config) *Cache {
	return &Cache{client: cfg.Client, logger: cfg.Logger, ttl: cfg.TTL}
}

// Snapshot is the cached operator-visibility payload.
type Snapshot struct {
	UnprocessedCount int64     `json:"unprocessed_count"`
	ObservedAt       time.Time `json:"observed_at"`
}

// Get retrieves the last cached snapshot, if any.
func (c *Cache) Get(ctx context.Context) (*Snapshot, error) {
	data, err := c.client.Get(ctx, snapshotKey).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("redis get: %w", err)
	}

	var snap Snapshot
	if err := json.Unmarshal([]byte(data), &snap); err != nil {
		return nil, fmt.Errorf("unmarshal snapshot: %w", err)
	}
	return &snap, nil
}

// Set stores a snapshot with the configured TTL.
func (c *Cache) Set(ctx context.Context, snap Snapshot) error {
	data, err := json.Marshal(snap)
	if err != nil {
		return fmt.Errorf("marshal snapshot: %w", err)
	}
	if err := c.client.Set(ctx, snapshotKey, data, c.ttl).Err(); err != nil {
		return fmt.Errorf("redis set: %w", err)
	}
	return nil
}

// CountSource is satisfied by queue.Store; kept as an interface so the
// sync loop does not import the queue package's concrete type directly.
type CountSource interface {
	CountUnprocessed(ctx context.Context) (int64, error)
}

// SyncFromDB refreshes the cached snapshot from the queue store.
func (c *Cache) SyncFromDB(ctx context.Context, source CountSource) error {
	n, err := source.CountUnprocessed(ctx)
	if err != nil {
		return fmt.Errorf("count unprocessed: %w", err)
	}
	if err := c.Set(ctx, Snapshot{UnprocessedCount: n, ObservedAt: time.Now().UTC()}); err != nil {
		c.logger.Warn("failed to cache queue-depth snapshot", zap.Error(err))
		return err
	}
	return nil
}
