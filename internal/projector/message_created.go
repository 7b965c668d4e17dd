package projector

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/agentpulse/telemetry-pipeline/internal/lockplan"
	"github.com/agentpulse/telemetry-pipeline/internal/schema"
)

// ProjectMessageCreated updates session_stats first/last timestamps and,
// on a session's first message, counts it into sessions_count for the day
// the first message landed on.
func ProjectMessageCreated(ctx context.Context, tx pgx.Tx, e schema.Event) error {
	var firstMessageAt *time.Time
	var existingUser *string
	err := tx.QueryRow(ctx, `
		SELECT first_message_at, user_id FROM session_stats
		WHERE org_id = $1 AND session_id = $2
	`, e.OrgID, e.SessionID).Scan(&firstMessageAt, &existingUser)
	if err != nil {
		return fmt.Errorf("load session_stats: %w", err)
	}

	isNewSession := firstMessageAt == nil

	userID := existingUser
	if userID == nil && e.UserID != nil && *e.UserID != "" {
		userID = e.UserID
	}

	if _, err := tx.Exec(ctx, `
		UPDATE session_stats SET
			user_id = $3,
			first_message_at = LEAST(COALESCE(first_message_at, $4), $4),
			last_event_at = GREATEST(COALESCE(last_event_at, $4), $4)
		WHERE org_id = $1 AND session_id = $2
	`, e.OrgID, e.SessionID, userID, e.OccurredAt); err != nil {
		return fmt.Errorf("update session_stats: %w", err)
	}

	if !isNewSession {
		return nil
	}

	day := lockplan.Day(e)
	return DailyAdd(ctx, tx, e.OrgID, userID, day, Deltas{SessionsCount: 1})
}
