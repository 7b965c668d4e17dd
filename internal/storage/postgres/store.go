// Package postgres owns the pgx connection pool for the telemetry
// pipeline. The queue primitives, projector upserts and lock-ordering
// statements live in the queue, projector and lockplan packages, which
// use the pool exposed here.
package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5/pgxpool"
)

// Store wraps a pgx connection pool shared by the ingest endpoint, the
// batch driver, and the export worker.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore creates a store using the provided connection string, verifying
// connectivity before returning.
func NewStore(ctx context.Context, connString string) (*Store, error) {
	pool, err := pgxpool.New(ctx, connString)
	if err != nil {
		return nil, fmt.Errorf("create pgx pool: %w", err)
	}

	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}

	return &Store{pool: pool}, nil
}

// Close closes the underlying pool.
func (s *Store) Close() {
	if s.pool != nil {
		s.pool.Close()
	}
}

// Pool exposes the underlying pgx pool for packages that need direct
// transaction control (the batch driver, the lock planner).
func (s *Store) Pool() *pgxpool.Pool {
	return s.pool
}
