package exports

import (
	"bytes"
	"context"
	"encoding/csv"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"
)

// JobRunner processes export jobs and generates CSVs from the daily
// aggregate tables. Its Start/Stop/worker shape is adapted from the
// teacher's exports.JobRunner.
type JobRunner struct {
	repo       *JobRepository
	pool       *pgxpool.Pool
	s3Delivery *S3Delivery
	logger     *zap.Logger
	interval   time.Duration
	workers    int
	stopCh     chan struct{}
	doneCh     chan struct{}
}

// RunnerConfig holds job runner configuration.
type RunnerConfig struct {
	Pool       *pgxpool.Pool
	S3Delivery *S3Delivery
	Logger     *zap.Logger
	Interval   time.Duration
	Workers    int
}

// NewJobRunner creates a new export job runner.
func NewJobRunner(cfg RunnerConfig) *JobRunner {
	return &JobRunner{
		repo:       NewJobRepository(cfg.Pool),
		pool:       cfg.Pool,
		s3Delivery: cfg.S3Delivery,
		logger:     cfg.Logger,
		interval:   cfg.Interval,
		workers:    cfg.Workers,
		stopCh:     make(chan struct{}),
		doneCh:     make(chan struct{}),
	}
}

// Start begins the export job processing loop.
func (r *JobRunner) Start(ctx context.Context) error {
	r.logger.Info("starting export job runner", zap.Duration("interval", r.interval), zap.Int("workers", r.workers))

	workerDone := make(chan struct{}, r.workers)
	for i := 0; i < r.workers; i++ {
		go r.worker(ctx, i, workerDone)
	}

	go func() {
		for i := 0; i < r.workers; i++ {
			<-workerDone
		}
		close(r.doneCh)
	}()

	select {
	case <-ctx.Done():
		r.logger.Info("export job runner stopping due to context cancellation")
		close(r.stopCh)
		<-r.doneCh
		return nil
	case <-r.stopCh:
		r.logger.Info("export job runner stopping")
		<-r.doneCh
		return nil
	}
}

// Stop gracefully stops the runner.
func (r *JobRunner) Stop() {
	close(r.stopCh)
	<-r.doneCh
}

func (r *JobRunner) worker(ctx context.Context, id int, done chan struct{}) {
	defer func() { done <- struct{}{} }()

	ticker := time.NewTicker(r.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-r.stopCh:
			return
		case <-ticker.C:
			jobs, err := r.repo.GetPendingJobs(ctx, 1)
			if err != nil {
				r.logger.Error("failed to get pending export jobs", zap.Error(err), zap.Int("worker_id", id))
				continue
			}
			for _, job := range jobs {
				if err := r.ProcessJob(ctx, job); err != nil {
					r.logger.Error("export job failed", zap.String("job_id", job.JobID.String()), zap.Error(err))
					if serr := r.repo.SetError(ctx, job.JobID, err.Error()); serr != nil {
						r.logger.Error("failed to mark export job failed", zap.Error(serr))
					}
				}
			}
		}
	}
}

// ProcessJob processes a single export job end to end.
func (r *JobRunner) ProcessJob(ctx context.Context, job Job) error {
	if err := r.repo.UpdateStatus(ctx, job.JobID, "running"); err != nil {
		return fmt.Errorf("update job status to running: %w", err)
	}

	csvData, rowCount, err := r.generateCSV(ctx, job)
	if err != nil {
		return fmt.Errorf("generate CSV: %w", err)
	}

	outputURI, checksum, err := r.s3Delivery.UploadCSV(ctx, job.OrgID, job.JobID, csvData)
	if err != nil {
		return fmt.Errorf("upload CSV: %w", err)
	}

	if err := r.repo.SetOutput(ctx, job.JobID, outputURI, checksum, rowCount); err != nil {
		return fmt.Errorf("set export job output: %w", err)
	}

	r.logger.Info("export job completed",
		zap.String("job_id", job.JobID.String()), zap.String("org_id", job.OrgID), zap.Int64("row_count", rowCount))
	return nil
}

func (r *JobRunner) generateCSV(ctx context.Context, job Job) ([]byte, int64, error) {
	var query string
	header := []string{
		"day", "sessions_count", "sessions_with_handoff", "sessions_with_post_handoff",
		"runs_count", "success_runs", "failed_runs",
		"errors_tool", "errors_model", "errors_timeout", "errors_other",
		"total_duration_ms", "total_cost", "total_input_tokens", "total_output_tokens",
	}

	switch job.Granularity {
	case GranularityOrg:
		header = append(header, "active_users_count")
		query = `
			SELECT day, sessions_count, sessions_with_handoff, sessions_with_post_handoff,
				runs_count, success_runs, failed_runs,
				errors_tool, errors_model, errors_timeout, errors_other,
				total_duration_ms, total_cost, total_input_tokens, total_output_tokens,
				active_users_count
			FROM org_stats_daily
			WHERE org_id = $1 AND day >= $2::date AND day < $3::date
			ORDER BY day ASC
		`
	case GranularityUser:
		header = append([]string{"user_id"}, header...)
		query = `
			SELECT user_id, day, sessions_count, sessions_with_handoff, sessions_with_post_handoff,
				runs_count, success_runs, failed_runs,
				errors_tool, errors_model, errors_timeout, errors_other,
				total_duration_ms, total_cost, total_input_tokens, total_output_tokens
			FROM user_stats_daily
			WHERE org_id = $1 AND day >= $2::date AND day < $3::date
			ORDER BY user_id ASC, day ASC
		`
	default:
		return nil, 0, fmt.Errorf("unsupported granularity: %s", job.Granularity)
	}

	rows, err := r.pool.Query(ctx, query, job.OrgID, job.TimeRangeStart, job.TimeRangeEnd)
	if err != nil {
		return nil, 0, fmt.Errorf("query daily stats: %w", err)
	}
	defer rows.Close()

	var buf bytes.Buffer
	writer := csv.NewWriter(&buf)
	if err := writer.Write(header); err != nil {
		return nil, 0, fmt.Errorf("write CSV header: %w", err)
	}

	rowCount := int64(0)
	fieldCount := len(header)
	for rows.Next() {
		values := make([]interface{}, fieldCount)
		ptrs := make([]interface{}, fieldCount)
		for i := range values {
			ptrs[i] = &values[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, 0, fmt.Errorf("scan daily stats row: %w", err)
		}

		record := make([]string, fieldCount)
		for i, v := range values {
			record[i] = fmt.Sprintf("%v", v)
		}
		if err := writer.Write(record); err != nil {
			return nil, 0, fmt.Errorf("write CSV row: %w", err)
		}
		rowCount++
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate daily stats: %w", err)
	}

	writer.Flush()
	if err := writer.Error(); err != nil {
		return nil, 0, fmt.Errorf("flush CSV: %w", err)
	}

	return buf.Bytes(), rowCount, nil
}
