// Package projector applies a single event's effects to the aggregate
// tables. Every exported Project* function assumes its
// required locks are already held by the caller's lockplan.Acquire call
// and runs entirely within the caller's transaction or savepoint.
package projector

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/shopspring/decimal"
)

// Deltas is the additive payload applied to both org_stats_daily and
// user_stats_daily by DailyAdd. Zero-valued fields are a no-op, which
// gives the same observable effect as "omitted".
type Deltas struct {
	SessionsCount           int64
	SessionsWithHandoff     int64
	SessionsWithPostHandoff int64
	RunsCount               int64
	SuccessRuns             int64
	FailedRuns              int64
	ErrorsTool              int64
	ErrorsModel             int64
	ErrorsTimeout           int64
	ErrorsOther             int64
	TotalDurationMS         int64
	TotalCost               decimal.Decimal
	TotalInputTokens        int64
	TotalOutputTokens       int64
}

// DailyAdd performs the additive upsert on org_stats_daily and, if userID
// is non-nil, user_stats_daily, in that order. The rows
// are assumed to already exist (lockplan seeds them before locking), so
// this is always an UPDATE.
func DailyAdd(ctx context.Context, tx pgx.Tx, orgID string, userID *string, day string, d Deltas) error {
	if _, err := tx.Exec(ctx, `
		UPDATE org_stats_daily SET
			sessions_count = sessions_count + $3,
			sessions_with_handoff = sessions_with_handoff + $4,
			sessions_with_post_handoff = sessions_with_post_handoff + $5,
			runs_count = runs_count + $6,
			success_runs = success_runs + $7,
			failed_runs = failed_runs + $8,
			errors_tool = errors_tool + $9,
			errors_model = errors_model + $10,
			errors_timeout = errors_timeout + $11,
			errors_other = errors_other + $12,
			total_duration_ms = total_duration_ms + $13,
			total_cost = total_cost + $14,
			total_input_tokens = total_input_tokens + $15,
			total_output_tokens = total_output_tokens + $16
		WHERE org_id = $1 AND day = $2
	`, orgID, day,
		d.SessionsCount, d.SessionsWithHandoff, d.SessionsWithPostHandoff,
		d.RunsCount, d.SuccessRuns, d.FailedRuns,
		d.ErrorsTool, d.ErrorsModel, d.ErrorsTimeout, d.ErrorsOther,
		d.TotalDurationMS, d.TotalCost, d.TotalInputTokens, d.TotalOutputTokens,
	); err != nil {
		return fmt.Errorf("update org_stats_daily: %w", err)
	}

	if userID == nil || *userID == "" {
		return nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE user_stats_daily SET
			sessions_count = sessions_count + $4,
			sessions_with_handoff = sessions_with_handoff + $5,
			sessions_with_post_handoff = sessions_with_post_handoff + $6,
			runs_count = runs_count + $7,
			success_runs = success_runs + $8,
			failed_runs = failed_runs + $9,
			errors_tool = errors_tool + $10,
			errors_model = errors_model + $11,
			errors_timeout = errors_timeout + $12,
			errors_other = errors_other + $13,
			total_duration_ms = total_duration_ms + $14,
			total_cost = total_cost + $15,
			total_input_tokens = total_input_tokens + $16,
			total_output_tokens = total_output_tokens + $17
		WHERE org_id = $1 AND user_id = $2 AND day = $3
	`, orgID, *userID, day,
		d.SessionsCount, d.SessionsWithHandoff, d.SessionsWithPostHandoff,
		d.RunsCount, d.SuccessRuns, d.FailedRuns,
		d.ErrorsTool, d.ErrorsModel, d.ErrorsTimeout, d.ErrorsOther,
		d.TotalDurationMS, d.TotalCost, d.TotalInputTokens, d.TotalOutputTokens,
	); err != nil {
		return fmt.Errorf("update user_stats_daily: %w", err)
	}

	return TrackActiveUser(ctx, tx, orgID, day, *userID)
}

// TrackActiveUser records that userID was seen on org_id/day and, if this
// is the first sighting, increments active_users_count. active_users_count
// is a set cardinality rather than a plain additive sum, so it is excluded
// from the Deltas struct.
func TrackActiveUser(ctx context.Context, tx pgx.Tx, orgID, day, userID string) error {
	ct, err := tx.Exec(ctx, `
		INSERT INTO org_stats_daily_active_users (org_id, day, user_id)
		VALUES ($1, $2, $3)
		ON CONFLICT (org_id, day, user_id) DO NOTHING
	`, orgID, day, userID)
	if err != nil {
		return fmt.Errorf("track active user: %w", err)
	}
	if ct.RowsAffected() == 0 {
		return nil
	}

	if _, err := tx.Exec(ctx, `
		UPDATE org_stats_daily SET active_users_count = active_users_count + 1
		WHERE org_id = $1 AND day = $2
	`, orgID, day); err != nil {
		return fmt.Errorf("increment active_users_count: %w", err)
	}
	return nil
}
