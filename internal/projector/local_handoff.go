package projector

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/agentpulse/telemetry-pipeline/internal/lockplan"
	"github.com/agentpulse/telemetry-pipeline/internal/schema"
)

// ProjectLocalHandoff records a handoff against session_stats and, on the
// session's first handoff, counts it into sessions_with_handoff for the
// day.
func ProjectLocalHandoff(ctx context.Context, tx pgx.Tx, e schema.Event) error {
	var handoffsCount int64
	err := tx.QueryRow(ctx, `
		SELECT handoffs_count FROM session_stats WHERE org_id = $1 AND session_id = $2
	`, e.OrgID, e.SessionID).Scan(&handoffsCount)
	if err != nil {
		return fmt.Errorf("load session_stats: %w", err)
	}

	if _, err := tx.Exec(ctx, `
		UPDATE session_stats SET
			handoffs_count = handoffs_count + 1,
			last_handoff_at = $3,
			last_event_at = GREATEST(COALESCE(last_event_at, $3), $3)
		WHERE org_id = $1 AND session_id = $2
	`, e.OrgID, e.SessionID, e.OccurredAt); err != nil {
		return fmt.Errorf("update session_stats: %w", err)
	}

	if handoffsCount != 0 {
		return nil
	}

	day := lockplan.Day(e)
	return DailyAdd(ctx, tx, e.OrgID, e.UserID, day, Deltas{SessionsWithHandoff: 1})
}
