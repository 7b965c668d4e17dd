// Package driver implements the batch driver: a cooperative loop that
// claims queued events, groups them by user, and runs each group's
// lock-planned projectors inside its own transaction.
package driver

import (
	"context"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/agentpulse/telemetry-pipeline/internal/lockplan"
	"github.com/agentpulse/telemetry-pipeline/internal/projector"
	"github.com/agentpulse/telemetry-pipeline/internal/queue"
	"github.com/agentpulse/telemetry-pipeline/internal/schema"
)

// Driver runs a single claim/process loop. Deploy WORKER_CONCURRENCY
// instances to process groups in parallel; the claim primitive and the
// per-user transaction's row locks keep them from stepping on each other.
type Driver struct {
	pool         *pgxpool.Pool
	queueStore   *queue.Store
	logger       *zap.Logger
	batchSize    int
	pollInterval time.Duration

	stopCh chan struct{}
	doneCh chan struct{}
}

// Config configures a Driver.
type Config struct {
	Pool         *pgxpool.Pool
	Queue        *queue.Store
	Logger       *zap.Logger
	BatchSize    int
	PollInterval time.Duration
}

// New constructs a Driver from Config.
func New(cfg Config) *Driver {
	return &Driver{
		pool:         cfg.Pool,
		queueStore:   cfg.Queue,
		logger:       cfg.Logger,
		batchSize:    cfg.BatchSize,
		pollInterval: cfg.PollInterval,
		stopCh:       make(chan struct{}),
		doneCh:       make(chan struct{}),
	}
}

// Start runs the claim loop until the context is cancelled or Stop is
// called. Each iteration claims up to BatchSize rows; an empty claim
// sleeps for PollInterval, a non-empty one loops immediately.
func (d *Driver) Start(ctx context.Context) error {
	d.logger.Info("starting batch driver",
		zap.Int("batch_size", d.batchSize),
		zap.Duration("poll_interval", d.pollInterval),
	)

	for {
		select {
		case <-ctx.Done():
			d.logger.Info("batch driver stopping due to context cancellation")
			close(d.doneCh)
			return nil
		case <-d.stopCh:
			d.logger.Info("batch driver stopping")
			close(d.doneCh)
			return nil
		default:
		}

		claimed, err := d.queueStore.Claim(ctx, d.batchSize)
		if err != nil {
			d.logger.Error("claim failed", zap.Error(err))
			d.sleepOrStop(ctx)
			continue
		}
		claimBatchSize.Observe(float64(len(claimed)))

		if len(claimed) == 0 {
			d.sleepOrStop(ctx)
			continue
		}
		eventsClaimed.Add(float64(len(claimed)))

		for _, group := range groupByUser(claimed) {
			d.processGroup(ctx, group)
		}
	}
}

// Stop signals the loop to exit and waits for it to do so.
func (d *Driver) Stop() {
	close(d.stopCh)
	<-d.doneCh
}

func (d *Driver) sleepOrStop(ctx context.Context) {
	timer := time.NewTimer(d.pollInterval)
	defer timer.Stop()
	select {
	case <-ctx.Done():
	case <-d.stopCh:
	case <-timer.C:
	}
}

// group is one user's (or the null-user bucket's) claimed events, in
// claim order.
type group struct {
	userKey string
	events  []queue.ClaimedEvent
}

func groupByUser(claimed []queue.ClaimedEvent) []group {
	order := make([]string, 0)
	byUser := make(map[string][]queue.ClaimedEvent)
	for _, ce := range claimed {
		key := ""
		if ce.UserID != nil {
			key = *ce.UserID
		}
		if _, ok := byUser[key]; !ok {
			order = append(order, key)
		}
		byUser[key] = append(byUser[key], ce)
	}

	groups := make([]group, 0, len(order))
	for _, key := range order {
		groups = append(groups, group{userKey: key, events: byUser[key]})
	}
	return groups
}

// processGroup runs one user's group inside a single transaction:
// lock-plan acquisition, then each event's projector under its own
// savepoint, then commit. A failure to acquire locks or commit aborts the
// whole group and is recorded in a
// separate best-effort transaction since nothing in this one persisted.
func (d *Driver) processGroup(ctx context.Context, g group) {
	keys := make([]queue.EventKey, len(g.events))
	events := make([]schema.Event, len(g.events))
	for i, ce := range g.events {
		keys[i] = queue.EventKey{OrgID: ce.OrgID, EventID: ce.EventID}
		events[i] = ce.Event
	}

	tx, err := d.pool.Begin(ctx)
	if err != nil {
		d.abortGroup(ctx, keys, err)
		return
	}

	plan := lockplan.Build(events)
	if err := lockplan.Acquire(ctx, tx, plan); err != nil {
		tx.Rollback(ctx)
		d.abortGroup(ctx, keys, err)
		return
	}

	for _, ce := range g.events {
		d.processOne(ctx, tx, ce)
	}

	if err := tx.Commit(ctx); err != nil {
		d.abortGroup(ctx, keys, err)
		return
	}
}

// processOne wraps a single event's projector in a savepoint (a nested
// pgx transaction) so its failure rolls back only its own writes, leaving
// sibling events in the same group transaction intact.
func (d *Driver) processOne(ctx context.Context, tx pgx.Tx, ce queue.ClaimedEvent) {
	key := queue.EventKey{OrgID: ce.OrgID, EventID: ce.EventID}

	sub, err := tx.Begin(ctx)
	if err != nil {
		d.logger.Error("open savepoint failed", zap.String("event_id", ce.EventID), zap.Error(err))
		_ = queue.RecordProjectionError(ctx, tx, key, err.Error())
		return
	}

	if err := projector.Project(ctx, sub, ce.Event); err != nil {
		sub.Rollback(ctx)
		projectionErrors.WithLabelValues(string(ce.EventType)).Inc()
		d.logger.Warn("projection failed, leaving event for retry",
			zap.String("event_id", ce.EventID), zap.String("event_type", string(ce.EventType)), zap.Error(err))
		if rerr := queue.RecordProjectionError(ctx, tx, key, err.Error()); rerr != nil {
			d.logger.Error("failed to record projection error", zap.Error(rerr))
		}
		return
	}

	if err := queue.MarkProcessed(ctx, sub, key); err != nil {
		sub.Rollback(ctx)
		d.logger.Error("mark processed failed", zap.String("event_id", ce.EventID), zap.Error(err))
		_ = queue.RecordProjectionError(ctx, tx, key, err.Error())
		return
	}

	if err := sub.Commit(ctx); err != nil {
		d.logger.Error("savepoint commit failed", zap.String("event_id", ce.EventID), zap.Error(err))
		_ = queue.RecordProjectionError(ctx, tx, key, err.Error())
		return
	}

	eventsProcessed.Inc()
}

func (d *Driver) abortGroup(ctx context.Context, keys []queue.EventKey, cause error) {
	transactionAborts.Inc()
	d.logger.Error("group transaction aborted, all events reclaimable", zap.Int("events", len(keys)), zap.Error(cause))
	if err := d.queueStore.RecordTransactionAbort(ctx, keys, cause.Error()); err != nil {
		d.logger.Error("failed to record transaction abort", zap.Error(err))
	}
}
