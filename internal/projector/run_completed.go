package projector

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/agentpulse/telemetry-pipeline/internal/apierr"
	"github.com/agentpulse/telemetry-pipeline/internal/lockplan"
	"github.com/agentpulse/telemetry-pipeline/internal/schema"
)

// ProjectRunCompleted completes a run_facts row, folds its outcome into
// session_stats and the daily aggregates, and derives started_at when a
// run_completed arrives with no matching run_started. A
// second run_completed for a run_id that is already completed is rejected
// as a ProjectionError rather than silently overwritten, per the Open
// Question decision recorded for this behavior.
func ProjectRunCompleted(ctx context.Context, tx pgx.Tx, e schema.Event) error {
	var p schema.RunCompletedPayload
	if err := json.Unmarshal(e.Payload, &p); err != nil {
		return apierr.New(apierr.KindProjection, "malformed run_completed payload", apierr.WithEventID(e.EventID))
	}
	cost, err := schema.ParseCost(p.Cost)
	if err != nil {
		return apierr.New(apierr.KindProjection, "malformed run_completed cost", apierr.WithEventID(e.EventID))
	}

	var startedAt, completedAt *time.Time
	err = tx.QueryRow(ctx, `
		SELECT started_at, completed_at FROM run_facts WHERE org_id = $1 AND run_id = $2
	`, e.OrgID, *e.RunID).Scan(&startedAt, &completedAt)
	if err != nil {
		return fmt.Errorf("load run_facts: %w", err)
	}
	if completedAt != nil {
		return apierr.New(apierr.KindProjection, "run already completed", apierr.WithEventID(e.EventID))
	}

	effectiveStart := startedAt
	if effectiveStart == nil {
		derived := e.OccurredAt.Add(-time.Duration(p.DurationMS) * time.Millisecond)
		effectiveStart = &derived
	}

	var errorType *string
	if p.ErrorType != nil {
		s := string(*p.ErrorType)
		errorType = &s
	}

	if _, err := tx.Exec(ctx, `
		UPDATE run_facts SET
			started_at = $3, completed_at = $4, status = $5, duration_ms = $6,
			cost = $7, input_tokens = $8, output_tokens = $9, error_type = $10,
			session_id = $11, user_id = COALESCE(user_id, $12)
		WHERE org_id = $1 AND run_id = $2
	`, e.OrgID, *e.RunID, *effectiveStart, e.OccurredAt, string(p.Status), p.DurationMS,
		cost, p.InputTokens, p.OutputTokens, errorType, e.SessionID, e.UserID,
	); err != nil {
		return fmt.Errorf("update run_facts: %w", err)
	}

	success := p.Status == schema.RunStatusSuccess
	var successDelta, failedDelta int64
	if success {
		successDelta = 1
	} else {
		failedDelta = 1
	}

	if _, err := tx.Exec(ctx, `
		UPDATE session_stats SET
			runs_count = runs_count + 1,
			success_runs = success_runs + $3,
			failed_runs = failed_runs + $4,
			active_agent_time_ms = active_agent_time_ms + $5,
			cost_total = cost_total + $6,
			input_tokens_total = input_tokens_total + $7,
			output_tokens_total = output_tokens_total + $8,
			last_event_at = GREATEST(COALESCE(last_event_at, $9), $9)
		WHERE org_id = $1 AND session_id = $2
	`, e.OrgID, e.SessionID, successDelta, failedDelta, p.DurationMS, cost,
		p.InputTokens, p.OutputTokens, e.OccurredAt,
	); err != nil {
		return fmt.Errorf("update session_stats: %w", err)
	}

	deltas := Deltas{
		RunsCount:         1,
		SuccessRuns:       successDelta,
		FailedRuns:        failedDelta,
		TotalDurationMS:   p.DurationMS,
		TotalCost:         cost,
		TotalInputTokens:  p.InputTokens,
		TotalOutputTokens: p.OutputTokens,
	}
	if !success {
		switch {
		case p.ErrorType == nil:
			deltas.ErrorsOther = 1
		case *p.ErrorType == schema.ErrorTypeTool:
			deltas.ErrorsTool = 1
		case *p.ErrorType == schema.ErrorTypeModel:
			deltas.ErrorsModel = 1
		case *p.ErrorType == schema.ErrorTypeTimeout:
			deltas.ErrorsTimeout = 1
		default:
			deltas.ErrorsOther = 1
		}
	}

	day := lockplan.Day(e)
	return DailyAdd(ctx, tx, e.OrgID, e.UserID, day, deltas)
}
