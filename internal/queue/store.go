// Package queue implements the durable event queue: idempotent enqueue,
// claim-based dequeue with FOR UPDATE SKIP LOCKED, and the terminal
// status writes the batch driver performs after projection.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/agentpulse/telemetry-pipeline/internal/schema"
)

// Store provides the raw-event and queue-row persistence primitives.
type Store struct {
	pool *pgxpool.Pool
}

// NewStore wraps a pool for queue operations.
func NewStore(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

// EventKey identifies a queue row.
type EventKey struct {
	OrgID   string
	EventID string
}

// ClaimedEvent is a queue row joined with its raw event payload, as
// returned by Claim.
type ClaimedEvent struct {
	schema.Event
	Attempts int
}

// Enqueue durably persists a validated batch, inserting into events_raw
// and events_queue inside a single transaction. Duplicate (org_id,
// event_id) pairs are a silent no-op.
// The returned count is the number of events the caller may treat as
// durably accepted, including ones that were already present from a prior
// call: a duplicate (org_id, event_id) is a StorageConflict, not a
// rejection, so it still counts toward accepted.
func (s *Store) Enqueue(ctx context.Context, events []schema.Event) (int, error) {
	if len(events) == 0 {
		return 0, nil
	}

	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return 0, fmt.Errorf("begin enqueue tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, e := range events {
		ct, err := tx.Exec(ctx, `
			INSERT INTO events_raw (org_id, event_id, event_type, session_id, user_id, run_id, occurred_at, payload)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
			ON CONFLICT (org_id, event_id) DO NOTHING
		`, e.OrgID, e.EventID, string(e.EventType), e.SessionID, e.UserID, e.RunID, e.OccurredAt, []byte(e.Payload))
		if err != nil {
			return 0, fmt.Errorf("insert events_raw: %w", err)
		}
		if ct.RowsAffected() == 0 {
			// Already present: conflicting (org_id, event_id), treated as
			// StorageConflict — idempotent no-op, not an error.
			continue
		}

		if _, err := tx.Exec(ctx, `
			INSERT INTO events_queue (org_id, event_id)
			VALUES ($1, $2)
			ON CONFLICT (org_id, event_id) DO NOTHING
		`, e.OrgID, e.EventID); err != nil {
			return 0, fmt.Errorf("insert events_queue: %w", err)
		}
	}
	accepted := len(events)

	if err := tx.Commit(ctx); err != nil {
		return 0, fmt.Errorf("commit enqueue tx: %w", err)
	}
	return accepted, nil
}

// Claim atomically selects up to batchSize unprocessed queue rows in FIFO
// order by inserted_at, bumps their attempts counter, and returns them
// joined with raw event data. The claim transaction commits before the
// caller processes anything, so the attempts bump survives a crash
// mid-processing.
func (s *Store) Claim(ctx context.Context, batchSize int) ([]ClaimedEvent, error) {
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return nil, fmt.Errorf("begin claim tx: %w", err)
	}
	defer tx.Rollback(ctx)

	rows, err := tx.Query(ctx, `
		SELECT q.org_id, q.event_id
		FROM events_queue q
		WHERE q.processed_at IS NULL
		ORDER BY q.inserted_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, batchSize)
	if err != nil {
		return nil, fmt.Errorf("select claimable rows: %w", err)
	}

	var keys []EventKey
	for rows.Next() {
		var k EventKey
		if err := rows.Scan(&k.OrgID, &k.EventID); err != nil {
			rows.Close()
			return nil, fmt.Errorf("scan claimable row: %w", err)
		}
		keys = append(keys, k)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate claimable rows: %w", err)
	}
	if len(keys) == 0 {
		return nil, tx.Commit(ctx)
	}

	claimed := make([]ClaimedEvent, 0, len(keys))
	for _, k := range keys {
		var attempts int
		err := tx.QueryRow(ctx, `
			UPDATE events_queue
			SET attempts = attempts + 1
			WHERE org_id = $1 AND event_id = $2
			RETURNING attempts
		`, k.OrgID, k.EventID).Scan(&attempts)
		if err != nil {
			return nil, fmt.Errorf("bump attempts: %w", err)
		}

		var evt schema.Event
		var eventType string
		var payload []byte
		err = tx.QueryRow(ctx, `
			SELECT org_id, event_id, event_type, session_id, user_id, run_id, occurred_at, payload
			FROM events_raw
			WHERE org_id = $1 AND event_id = $2
		`, k.OrgID, k.EventID).Scan(
			&evt.OrgID, &evt.EventID, &eventType, &evt.SessionID, &evt.UserID, &evt.RunID, &evt.OccurredAt, &payload,
		)
		if err != nil {
			return nil, fmt.Errorf("load raw event: %w", err)
		}
		evt.EventType = schema.EventType(eventType)
		evt.Payload = json.RawMessage(payload)

		claimed = append(claimed, ClaimedEvent{Event: evt, Attempts: attempts})
	}

	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("commit claim tx: %w", err)
	}
	return claimed, nil
}

// MarkProcessed sets processed_at for a queue row. It must be called
// within the same transaction that applied the event's projector, so a
// commit implies both the projection and the terminal write happened
// together.
func MarkProcessed(ctx context.Context, tx pgx.Tx, key EventKey) error {
	_, err := tx.Exec(ctx, `
		UPDATE events_queue SET processed_at = $3
		WHERE org_id = $1 AND event_id = $2
	`, key.OrgID, key.EventID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("mark processed: %w", err)
	}
	return nil
}

// RecordProjectionError sets last_error for a single queue row without
// marking it processed, leaving it reclaimable by the next claim. Called
// within the per-user transaction, after the projector's savepoint has
// been rolled back.
func RecordProjectionError(ctx context.Context, tx pgx.Tx, key EventKey, msg string) error {
	_, err := tx.Exec(ctx, `
		UPDATE events_queue SET last_error = $3
		WHERE org_id = $1 AND event_id = $2
	`, key.OrgID, key.EventID, msg)
	if err != nil {
		return fmt.Errorf("record projection error: %w", err)
	}
	return nil
}

// RecordTransactionAbort performs a best-effort, separate short
// transaction to persist last_error for every key in a group whose
// shared transaction aborted. attempts
// was already bumped by Claim, so this only sets last_error.
func (s *Store) RecordTransactionAbort(ctx context.Context, keys []EventKey, msg string) error {
	if len(keys) == 0 {
		return nil
	}
	tx, err := s.pool.Begin(ctx)
	if err != nil {
		return fmt.Errorf("begin abort-recording tx: %w", err)
	}
	defer tx.Rollback(ctx)

	for _, k := range keys {
		if _, err := tx.Exec(ctx, `
			UPDATE events_queue SET last_error = $3
			WHERE org_id = $1 AND event_id = $2
		`, k.OrgID, k.EventID, msg); err != nil {
			return fmt.Errorf("record transaction abort: %w", err)
		}
	}
	return tx.Commit(ctx)
}

// CountUnprocessed reports the number of queue rows awaiting a claim, for
// operator visibility.
func (s *Store) CountUnprocessed(ctx context.Context) (int64, error) {
	var n int64
	err := s.pool.QueryRow(ctx, `SELECT count(*) FROM events_queue WHERE processed_at IS NULL`).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("count unprocessed: %w", err)
	}
	return n, nil
}
