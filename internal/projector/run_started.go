package projector

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/agentpulse/telemetry-pipeline/internal/lockplan"
	"github.com/agentpulse/telemetry-pipeline/internal/schema"
)

// ProjectRunStarted seeds run_facts, advances session_stats.last_event_at,
// and detects the first run that starts after a prior local handoff in
// the same session.
func ProjectRunStarted(ctx context.Context, tx pgx.Tx, e schema.Event) error {
	var startedAt *time.Time
	err := tx.QueryRow(ctx, `
		SELECT started_at FROM run_facts WHERE org_id = $1 AND run_id = $2
	`, e.OrgID, *e.RunID).Scan(&startedAt)
	if err != nil {
		return fmt.Errorf("load run_facts: %w", err)
	}

	if startedAt == nil {
		if _, err := tx.Exec(ctx, `
			UPDATE run_facts SET started_at = $3, session_id = $4, user_id = COALESCE(user_id, $5)
			WHERE org_id = $1 AND run_id = $2
		`, e.OrgID, *e.RunID, e.OccurredAt, e.SessionID, e.UserID); err != nil {
			return fmt.Errorf("seed run_facts started_at: %w", err)
		}
	}

	var lastHandoffAt *time.Time
	var hasPostHandoff bool
	err = tx.QueryRow(ctx, `
		SELECT last_handoff_at, has_post_handoff_iteration FROM session_stats
		WHERE org_id = $1 AND session_id = $2
	`, e.OrgID, e.SessionID).Scan(&lastHandoffAt, &hasPostHandoff)
	if err != nil {
		return fmt.Errorf("load session_stats: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE session_stats SET
			last_event_at = GREATEST(COALESCE(last_event_at, $3), $3)
		WHERE org_id = $1 AND session_id = $2
	`, e.OrgID, e.SessionID, e.OccurredAt); err != nil {
		return fmt.Errorf("update session_stats last_event_at: %w", err)
	}

	if lastHandoffAt == nil || !e.OccurredAt.After(*lastHandoffAt) || hasPostHandoff {
		return nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE session_stats SET has_post_handoff_iteration = true
		WHERE org_id = $1 AND session_id = $2
	`, e.OrgID, e.SessionID); err != nil {
		return fmt.Errorf("set has_post_handoff_iteration: %w", err)
	}

	day := lockplan.Day(e)
	return DailyAdd(ctx, tx, e.OrgID, e.UserID, day, Deltas{SessionsWithPostHandoff: 1})
}
