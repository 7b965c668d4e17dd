package driver_test

import (
	"context"
	"encoding/json"
	"os"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.uber.org/zap"

	"github.com/agentpulse/telemetry-pipeline/internal/driver"
	"github.com/agentpulse/telemetry-pipeline/internal/queue"
	"github.com/agentpulse/telemetry-pipeline/internal/schema"
)

// setupPool starts a disposable Postgres container and applies the
// reference schema.
func setupPool(t *testing.T) *pgxpool.Pool {
	t.Helper()
	ctx := context.Background()

	container, err := tcpostgres.Run(ctx, "postgres:16-alpine",
		tcpostgres.WithDatabase("telemetry_pipeline"),
		tcpostgres.WithUsername("postgres"),
		tcpostgres.WithPassword("postgres"),
		testcontainers.WithWaitStrategy(wait.ForListeningPort("5432/tcp")),
	)
	require.NoError(t, err)
	t.Cleanup(func() { _ = container.Terminate(ctx) })

	connString, err := container.ConnectionString(ctx, "sslmode=disable")
	require.NoError(t, err)

	pool, err := pgxpool.New(ctx, connString)
	require.NoError(t, err)
	t.Cleanup(pool.Close)

	ddl, err := os.ReadFile("../../db/schema.sql")
	require.NoError(t, err)
	_, err = pool.Exec(ctx, string(ddl))
	require.NoError(t, err)

	return pool
}

func ts(s string) time.Time {
	t, err := time.Parse(time.RFC3339, s)
	if err != nil {
		panic(err)
	}
	return t
}

func strp(s string) *string { return &s }

func runOnePass(t *testing.T, pool *pgxpool.Pool, qs *queue.Store) {
	t.Helper()
	d := driver.New(driver.Config{
		Pool:         pool,
		Queue:        qs,
		Logger:       zap.NewNop(),
		BatchSize:    100,
		PollInterval: time.Hour,
	})
	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		_ = d.Start(ctx)
	}()
	time.Sleep(200 * time.Millisecond)
	cancel()
	d.Stop()
}

func TestPipeline_SingleSuccessfulRun(t *testing.T) {
	pool := setupPool(t)
	qs := queue.NewStore(pool)
	ctx := context.Background()

	evt := schema.Event{
		EventID: "e1", OrgID: "o", UserID: strp("u"), SessionID: "s", RunID: strp("r"),
		EventType: schema.EventRunCompleted, OccurredAt: ts("2024-06-01T10:00:00Z"),
		Payload: mustJSON(t, schema.RunCompletedPayload{
			Status: schema.RunStatusSuccess, DurationMS: 5000, Cost: "0.05",
			InputTokens: 1000, OutputTokens: 500,
		}),
	}
	n, err := qs.Enqueue(ctx, []schema.Event{evt})
	require.NoError(t, err)
	require.Equal(t, 1, n)

	runOnePass(t, pool, qs)

	var runsCount, successRuns, failedRuns, totalDurationMS, totalInputTokens, totalOutputTokens int64
	var totalCost float64
	err = pool.QueryRow(ctx, `
		SELECT runs_count, success_runs, failed_runs, total_duration_ms, total_cost, total_input_tokens, total_output_tokens
		FROM org_stats_daily WHERE org_id = 'o' AND day = '2024-06-01'
	`).Scan(&runsCount, &successRuns, &failedRuns, &totalDurationMS, &totalCost, &totalInputTokens, &totalOutputTokens)
	require.NoError(t, err)
	require.Equal(t, int64(1), runsCount)
	require.Equal(t, int64(1), successRuns)
	require.Equal(t, int64(0), failedRuns)
	require.Equal(t, int64(5000), totalDurationMS)
	require.InDelta(t, 0.05, totalCost, 0.0001)

	var sessionRuns int64
	err = pool.QueryRow(ctx, `SELECT runs_count FROM session_stats WHERE org_id = 'o' AND session_id = 's'`).Scan(&sessionRuns)
	require.NoError(t, err)
	require.Equal(t, int64(1), sessionRuns)

	var status string
	err = pool.QueryRow(ctx, `SELECT status FROM run_facts WHERE org_id = 'o' AND run_id = 'r'`).Scan(&status)
	require.NoError(t, err)
	require.Equal(t, "success", status)
}

func TestPipeline_PostHandoffIteration(t *testing.T) {
	pool := setupPool(t)
	qs := queue.NewStore(pool)
	ctx := context.Background()

	events := []schema.Event{
		{EventID: "e1", OrgID: "o", UserID: strp("u"), SessionID: "s", RunID: strp("r1"),
			EventType: schema.EventRunStarted, OccurredAt: ts("2024-06-01T10:00:00Z")},
		{EventID: "e2", OrgID: "o", UserID: strp("u"), SessionID: "s", RunID: strp("r1"),
			EventType: schema.EventRunCompleted, OccurredAt: ts("2024-06-01T10:05:00Z"),
			Payload: mustJSON(t, schema.RunCompletedPayload{Status: schema.RunStatusSuccess, DurationMS: 1000, Cost: "0.01"})},
		{EventID: "e3", OrgID: "o", UserID: strp("u"), SessionID: "s",
			EventType: schema.EventLocalHandoff, OccurredAt: ts("2024-06-01T10:06:00Z"),
			Payload: mustJSON(t, schema.LocalHandoffPayload{Method: schema.HandoffTeleport})},
		{EventID: "e4", OrgID: "o", UserID: strp("u"), SessionID: "s", RunID: strp("r2"),
			EventType: schema.EventRunStarted, OccurredAt: ts("2024-06-01T10:10:00Z")},
	}
	_, err := qs.Enqueue(ctx, events)
	require.NoError(t, err)

	runOnePass(t, pool, qs)

	var handoffsCount int64
	var hasPostHandoff bool
	err = pool.QueryRow(ctx, `
		SELECT handoffs_count, has_post_handoff_iteration FROM session_stats
		WHERE org_id = 'o' AND session_id = 's'
	`).Scan(&handoffsCount, &hasPostHandoff)
	require.NoError(t, err)
	require.Equal(t, int64(1), handoffsCount)
	require.True(t, hasPostHandoff)

	var sessionsWithHandoff, sessionsWithPostHandoff int64
	err = pool.QueryRow(ctx, `
		SELECT sessions_with_handoff, sessions_with_post_handoff FROM org_stats_daily
		WHERE org_id = 'o' AND day = '2024-06-01'
	`).Scan(&sessionsWithHandoff, &sessionsWithPostHandoff)
	require.NoError(t, err)
	require.Equal(t, int64(1), sessionsWithHandoff)
	require.Equal(t, int64(1), sessionsWithPostHandoff)
}

func TestPipeline_IdempotentDuplicateIngest(t *testing.T) {
	pool := setupPool(t)
	qs := queue.NewStore(pool)
	ctx := context.Background()

	evt := schema.Event{
		EventID: "e1", OrgID: "o", UserID: strp("u"), SessionID: "s", RunID: strp("r"),
		EventType: schema.EventRunCompleted, OccurredAt: ts("2024-06-01T10:00:00Z"),
		Payload: mustJSON(t, schema.RunCompletedPayload{Status: schema.RunStatusSuccess, DurationMS: 5000, Cost: "0.05", InputTokens: 1000, OutputTokens: 500}),
	}

	n1, err := qs.Enqueue(ctx, []schema.Event{evt})
	require.NoError(t, err)
	require.Equal(t, 1, n1)

	n2, err := qs.Enqueue(ctx, []schema.Event{evt})
	require.NoError(t, err)
	require.Equal(t, 1, n2)

	runOnePass(t, pool, qs)

	var runsCount int64
	err = pool.QueryRow(ctx, `SELECT runs_count FROM org_stats_daily WHERE org_id = 'o' AND day = '2024-06-01'`).Scan(&runsCount)
	require.NoError(t, err)
	require.Equal(t, int64(1), runsCount)
}

func TestPipeline_FailureCategorization(t *testing.T) {
	pool := setupPool(t)
	qs := queue.NewStore(pool)
	ctx := context.Background()

	errType := schema.ErrorTypeTimeout
	evt := schema.Event{
		EventID: "e1", OrgID: "o", UserID: strp("u"), SessionID: "s", RunID: strp("r"),
		EventType: schema.EventRunCompleted, OccurredAt: ts("2024-06-01T10:00:00Z"),
		Payload: mustJSON(t, schema.RunCompletedPayload{
			Status: schema.RunStatusFail, DurationMS: 2000, Cost: "0.02",
			InputTokens: 500, OutputTokens: 200, ErrorType: &errType,
		}),
	}
	_, err := qs.Enqueue(ctx, []schema.Event{evt})
	require.NoError(t, err)

	runOnePass(t, pool, qs)

	var failedRuns, errorsTimeout, errorsTool int64
	err = pool.QueryRow(ctx, `
		SELECT failed_runs, errors_timeout, errors_tool FROM org_stats_daily
		WHERE org_id = 'o' AND day = '2024-06-01'
	`).Scan(&failedRuns, &errorsTimeout, &errorsTool)
	require.NoError(t, err)
	require.Equal(t, int64(1), failedRuns)
	require.Equal(t, int64(1), errorsTimeout)
	require.Equal(t, int64(0), errorsTool)
}

func TestPipeline_MessageCreatedFirstSessionCountsOnce(t *testing.T) {
	pool := setupPool(t)
	qs := queue.NewStore(pool)
	ctx := context.Background()

	events := []schema.Event{
		{EventID: "e1", OrgID: "o", UserID: strp("u"), SessionID: "s",
			EventType: schema.EventMessageCreated, OccurredAt: ts("2024-06-01T09:00:00Z"),
			Payload: mustJSON(t, schema.MessageCreatedPayload{Content: "hi"})},
		{EventID: "e2", OrgID: "o", UserID: strp("u"), SessionID: "s",
			EventType: schema.EventMessageCreated, OccurredAt: ts("2024-06-01T09:05:00Z"),
			Payload: mustJSON(t, schema.MessageCreatedPayload{Content: "again"})},
	}
	_, err := qs.Enqueue(ctx, events)
	require.NoError(t, err)

	runOnePass(t, pool, qs)

	var sessionsCount int64
	err = pool.QueryRow(ctx, `SELECT sessions_count FROM org_stats_daily WHERE org_id = 'o' AND day = '2024-06-01'`).Scan(&sessionsCount)
	require.NoError(t, err)
	require.Equal(t, int64(1), sessionsCount, "only the session's first message should count toward sessions_count")

	var firstMessageAt, lastEventAt time.Time
	err = pool.QueryRow(ctx, `
		SELECT first_message_at, last_event_at FROM session_stats WHERE org_id = 'o' AND session_id = 's'
	`).Scan(&firstMessageAt, &lastEventAt)
	require.NoError(t, err)
	require.True(t, !firstMessageAt.After(lastEventAt))
	require.Equal(t, ts("2024-06-01T09:00:00Z"), firstMessageAt.UTC())
	require.Equal(t, ts("2024-06-01T09:05:00Z"), lastEventAt.UTC())
}

func TestPipeline_ActiveUsersCountIsSetCardinality(t *testing.T) {
	pool := setupPool(t)
	qs := queue.NewStore(pool)
	ctx := context.Background()

	events := []schema.Event{
		{EventID: "e1", OrgID: "o", UserID: strp("u1"), SessionID: "s1", RunID: strp("r1"),
			EventType: schema.EventRunCompleted, OccurredAt: ts("2024-06-01T10:00:00Z"),
			Payload: mustJSON(t, schema.RunCompletedPayload{Status: schema.RunStatusSuccess, DurationMS: 100, Cost: "0.01"})},
		{EventID: "e2", OrgID: "o", UserID: strp("u1"), SessionID: "s1", RunID: strp("r2"),
			EventType: schema.EventRunCompleted, OccurredAt: ts("2024-06-01T11:00:00Z"),
			Payload: mustJSON(t, schema.RunCompletedPayload{Status: schema.RunStatusSuccess, DurationMS: 100, Cost: "0.01"})},
		{EventID: "e3", OrgID: "o", UserID: strp("u2"), SessionID: "s2", RunID: strp("r3"),
			EventType: schema.EventRunCompleted, OccurredAt: ts("2024-06-01T12:00:00Z"),
			Payload: mustJSON(t, schema.RunCompletedPayload{Status: schema.RunStatusSuccess, DurationMS: 100, Cost: "0.01"})},
	}
	_, err := qs.Enqueue(ctx, events)
	require.NoError(t, err)

	runOnePass(t, pool, qs)

	var runsCount, activeUsers int64
	err = pool.QueryRow(ctx, `
		SELECT runs_count, active_users_count FROM org_stats_daily WHERE org_id = 'o' AND day = '2024-06-01'
	`).Scan(&runsCount, &activeUsers)
	require.NoError(t, err)
	require.Equal(t, int64(3), runsCount)
	require.Equal(t, int64(2), activeUsers, "two distinct users seen that day, regardless of run count")
}

// TestPipeline_PoisonedEventIsolation covers spec scenario 5: two events
// claimed for the same user in one group, the first with a payload that
// cannot be projected (a negative cost slipped past validation, as could
// happen with a direct Enqueue bypassing the ingest handler), the second
// well-formed. The savepoint around each event's projector must isolate
// the first's failure so the second still commits.
func TestPipeline_PoisonedEventIsolation(t *testing.T) {
	pool := setupPool(t)
	qs := queue.NewStore(pool)
	ctx := context.Background()

	poisoned := schema.Event{
		EventID: "e1", OrgID: "o", UserID: strp("u"), SessionID: "s", RunID: strp("r1"),
		EventType: schema.EventRunCompleted, OccurredAt: ts("2024-06-01T10:00:00Z"),
		Payload: mustJSON(t, schema.RunCompletedPayload{
			Status: schema.RunStatusSuccess, DurationMS: 1000, Cost: "-1.00",
			InputTokens: 100, OutputTokens: 50,
		}),
	}
	good := schema.Event{
		EventID: "e2", OrgID: "o", UserID: strp("u"), SessionID: "s", RunID: strp("r2"),
		EventType: schema.EventRunCompleted, OccurredAt: ts("2024-06-01T10:01:00Z"),
		Payload: mustJSON(t, schema.RunCompletedPayload{
			Status: schema.RunStatusSuccess, DurationMS: 1000, Cost: "0.01",
			InputTokens: 100, OutputTokens: 50,
		}),
	}
	_, err := qs.Enqueue(ctx, []schema.Event{poisoned, good})
	require.NoError(t, err)

	runOnePass(t, pool, qs)

	var runsCount int64
	err = pool.QueryRow(ctx, `SELECT runs_count FROM org_stats_daily WHERE org_id = 'o' AND day = '2024-06-01'`).Scan(&runsCount)
	require.NoError(t, err)
	require.Equal(t, int64(1), runsCount, "the good event's effects must commit despite the poisoned sibling")

	var processedAt1 *time.Time
	var attempts1 int
	var lastError1 *string
	err = pool.QueryRow(ctx, `
		SELECT processed_at, attempts, last_error FROM events_queue WHERE org_id = 'o' AND event_id = 'e1'
	`).Scan(&processedAt1, &attempts1, &lastError1)
	require.NoError(t, err)
	require.Nil(t, processedAt1, "the poisoned event must remain unprocessed and reclaimable")
	require.Equal(t, 1, attempts1)
	require.NotNil(t, lastError1)

	var processedAt2 *time.Time
	err = pool.QueryRow(ctx, `
		SELECT processed_at FROM events_queue WHERE org_id = 'o' AND event_id = 'e2'
	`).Scan(&processedAt2)
	require.NoError(t, err)
	require.NotNil(t, processedAt2, "the well-formed sibling must be marked processed")
}

func mustJSON(t *testing.T, v interface{}) json.RawMessage {
	t.Helper()
	raw, err := json.Marshal(v)
	require.NoError(t, err)
	return raw
}
