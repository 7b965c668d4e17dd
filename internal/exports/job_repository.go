// Package exports provides the CSV export subsystem: an operator- or
// dashboard-triggered job that snapshots org_stats_daily or
// user_stats_daily into a CSV and ships it to object storage. This is a
// supplement to the core event pipeline, not required by the ingest/
// project/read-path contract.
package exports

import (
	"context"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
)

// Granularity selects which daily aggregate table an export reads from.
type Granularity string

const (
	GranularityOrg  Granularity = "org"
	GranularityUser Granularity = "user"
)

// JobRepository manages export job lifecycle in the database.
type JobRepository struct {
	pool *pgxpool.Pool
}

// NewJobRepository creates a new export job repository.
func NewJobRepository(pool *pgxpool.Pool) *JobRepository {
	return &JobRepository{pool: pool}
}

// Job represents an export job record.
type Job struct {
	JobID          uuid.UUID
	OrgID          string
	RequestedBy    *string
	TimeRangeStart time.Time
	TimeRangeEnd   time.Time
	Granularity    Granularity
	Status         string
	OutputURI      *string
	Checksum       *string
	RowCount       *int64
	InitiatedAt    time.Time
	CompletedAt    *time.Time
	ErrorMessage   *string
}

// CreateJobRequest specifies parameters for creating a new export job.
type CreateJobRequest struct {
	OrgID          string
	RequestedBy    *string
	TimeRangeStart time.Time
	TimeRangeEnd   time.Time
	Granularity    Granularity
}

// CreateJob creates a new export job with status "pending".
func (r *JobRepository) CreateJob(ctx context.Context, req CreateJobRequest) (uuid.UUID, error) {
	jobID := uuid.New()
	_, err := r.pool.Exec(ctx, `
		INSERT INTO export_jobs (
			job_id, org_id, requested_by, time_range_start, time_range_end, granularity, status
		) VALUES ($1, $2, $3, $4, $5, $6, 'pending')
	`, jobID, req.OrgID, req.RequestedBy, req.TimeRangeStart, req.TimeRangeEnd, string(req.Granularity))
	if err != nil {
		return uuid.Nil, fmt.Errorf("create export job: %w", err)
	}
	return jobID, nil
}

// GetPendingJobs retrieves pending export jobs for processing, skipping
// rows already claimed by another worker.
func (r *JobRepository) GetPendingJobs(ctx context.Context, limit int) ([]Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT job_id, org_id, requested_by, time_range_start, time_range_end, granularity, status,
			output_uri, checksum, row_count, initiated_at, completed_at, error_message
		FROM export_jobs
		WHERE status = 'pending'
		ORDER BY initiated_at ASC
		LIMIT $1
		FOR UPDATE SKIP LOCKED
	`, limit)
	if err != nil {
		return nil, fmt.Errorf("get pending jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		var granularity string
		if err := rows.Scan(
			&j.JobID, &j.OrgID, &j.RequestedBy, &j.TimeRangeStart, &j.TimeRangeEnd, &granularity,
			&j.Status, &j.OutputURI, &j.Checksum, &j.RowCount, &j.InitiatedAt, &j.CompletedAt, &j.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("scan export job: %w", err)
		}
		j.Granularity = Granularity(granularity)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// GetJob retrieves a single export job scoped to its org.
func (r *JobRepository) GetJob(ctx context.Context, orgID string, jobID uuid.UUID) (*Job, error) {
	var j Job
	var granularity string
	err := r.pool.QueryRow(ctx, `
		SELECT job_id, org_id, requested_by, time_range_start, time_range_end, granularity, status,
			output_uri, checksum, row_count, initiated_at, completed_at, error_message
		FROM export_jobs
		WHERE org_id = $1 AND job_id = $2
	`, orgID, jobID).Scan(
		&j.JobID, &j.OrgID, &j.RequestedBy, &j.TimeRangeStart, &j.TimeRangeEnd, &granularity,
		&j.Status, &j.OutputURI, &j.Checksum, &j.RowCount, &j.InitiatedAt, &j.CompletedAt, &j.ErrorMessage,
	)
	if err != nil {
		return nil, fmt.Errorf("get export job: %w", err)
	}
	j.Granularity = Granularity(granularity)
	return &j, nil
}

// ListJobs lists export jobs for an org, optionally filtered by status,
// newest first.
func (r *JobRepository) ListJobs(ctx context.Context, orgID string, status *string) ([]Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT job_id, org_id, requested_by, time_range_start, time_range_end, granularity, status,
			output_uri, checksum, row_count, initiated_at, completed_at, error_message
		FROM export_jobs
		WHERE org_id = $1 AND ($2::text IS NULL OR status = $2)
		ORDER BY initiated_at DESC
	`, orgID, status)
	if err != nil {
		return nil, fmt.Errorf("list export jobs: %w", err)
	}
	defer rows.Close()

	var jobs []Job
	for rows.Next() {
		var j Job
		var granularity string
		if err := rows.Scan(
			&j.JobID, &j.OrgID, &j.RequestedBy, &j.TimeRangeStart, &j.TimeRangeEnd, &granularity,
			&j.Status, &j.OutputURI, &j.Checksum, &j.RowCount, &j.InitiatedAt, &j.CompletedAt, &j.ErrorMessage,
		); err != nil {
			return nil, fmt.Errorf("scan export job: %w", err)
		}
		j.Granularity = Granularity(granularity)
		jobs = append(jobs, j)
	}
	return jobs, rows.Err()
}

// UpdateStatus updates the status of an export job.
func (r *JobRepository) UpdateStatus(ctx context.Context, jobID uuid.UUID, status string) error {
	_, err := r.pool.Exec(ctx, `UPDATE export_jobs SET status = $1 WHERE job_id = $2`, status, jobID)
	if err != nil {
		return fmt.Errorf("update export job status: %w", err)
	}
	return nil
}

// SetOutput sets the output URI, checksum, and row count for a completed job.
func (r *JobRepository) SetOutput(ctx context.Context, jobID uuid.UUID, outputURI, checksum string, rowCount int64) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE export_jobs
		SET output_uri = $1, checksum = $2, row_count = $3, completed_at = now(), status = 'succeeded'
		WHERE job_id = $4
	`, outputURI, checksum, rowCount, jobID)
	if err != nil {
		return fmt.Errorf("set export job output: %w", err)
	}
	return nil
}

// SetError marks an export job as failed with an error message.
func (r *JobRepository) SetError(ctx context.Context, jobID uuid.UUID, errorMessage string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE export_jobs SET status = 'failed', error_message = $1, completed_at = now()
		WHERE job_id = $2
	`, errorMessage, jobID)
	if err != nil {
		return fmt.Errorf("set export job error: %w", err)
	}
	return nil
}
