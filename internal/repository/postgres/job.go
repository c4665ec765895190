package postgres

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5"

	"github.com/tabletoplore/lorekeeper/internal/repository"
)

// JobRepo implements repository.JobRepository
type JobRepo struct {
	db *DB
}

// NewJobRepo creates a new job repository
func NewJobRepo(db *DB) *JobRepo {
	return &JobRepo{db: db}
}

const jobColumns = `id, queue, payload, state, priority, attempts_made, max_attempts,
	backoff_kind, backoff_initial_ms, delay_until, lease_expires, stalled_count, max_stalled,
	progress_percent, progress_message, progress_stage, last_error,
	remove_on_complete, remove_on_fail, created_at, updated_at, finished_at`

func scanJob(row pgx.Row) (*repository.Job, error) {
	var job repository.Job
	var backoffInitialMS int64
	err := row.Scan(
		&job.ID, &job.Queue, &job.Payload, &job.State, &job.Priority,
		&job.AttemptsMade, &job.MaxAttempts, &job.BackoffKind, &backoffInitialMS,
		&job.DelayUntil, &job.LeaseExpires, &job.StalledCount, &job.MaxStalled,
		&job.Progress.Percent, &job.Progress.Message, &job.Progress.Stage, &job.LastError,
		&job.RemoveOnComplete, &job.RemoveOnFail,
		&job.CreatedAt, &job.UpdatedAt, &job.FinishedAt,
	)
	if err != nil {
		return nil, err
	}
	job.BackoffInitial = time.Duration(backoffInitialMS) * time.Millisecond
	return &job, nil
}

// Insert inserts a job. A duplicate ID upserts nothing: the existing job wins,
// which is what makes custom job IDs usable for dedup.
func (r *JobRepo) Insert(ctx context.Context, job *repository.Job) error {
	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (id) DO NOTHING
	`
	_, err := r.db.Pool.Exec(ctx, query,
		job.ID, job.Queue, job.Payload, job.State, job.Priority,
		job.AttemptsMade, job.MaxAttempts, job.BackoffKind, job.BackoffInitial.Milliseconds(),
		job.DelayUntil, job.LeaseExpires, job.StalledCount, job.MaxStalled,
		job.Progress.Percent, job.Progress.Message, job.Progress.Stage, job.LastError,
		job.RemoveOnComplete, job.RemoveOnFail,
		job.CreatedAt, job.UpdatedAt, job.FinishedAt)
	if err != nil {
		return fmt.Errorf("failed to insert job: %w", err)
	}
	return nil
}

// InsertMany inserts jobs in one batch with the same dedup semantics as Insert.
func (r *JobRepo) InsertMany(ctx context.Context, jobs []*repository.Job) error {
	batch := &pgx.Batch{}
	query := `
		INSERT INTO jobs (` + jobColumns + `)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11, $12, $13, $14, $15, $16, $17, $18, $19, $20, $21, $22)
		ON CONFLICT (id) DO NOTHING
	`
	for _, job := range jobs {
		batch.Queue(query,
			job.ID, job.Queue, job.Payload, job.State, job.Priority,
			job.AttemptsMade, job.MaxAttempts, job.BackoffKind, job.BackoffInitial.Milliseconds(),
			job.DelayUntil, job.LeaseExpires, job.StalledCount, job.MaxStalled,
			job.Progress.Percent, job.Progress.Message, job.Progress.Stage, job.LastError,
			job.RemoveOnComplete, job.RemoveOnFail,
			job.CreatedAt, job.UpdatedAt, job.FinishedAt)
	}
	results := r.db.Pool.SendBatch(ctx, batch)
	defer results.Close()
	for range jobs {
		if _, err := results.Exec(); err != nil {
			return fmt.Errorf("failed to insert job batch: %w", err)
		}
	}
	return nil
}

// GetByID retrieves a job by ID
func (r *JobRepo) GetByID(ctx context.Context, id string) (*repository.Job, error) {
	query := `SELECT ` + jobColumns + ` FROM jobs WHERE id = $1`
	job, err := scanJob(r.db.Pool.QueryRow(ctx, query, id))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to get job: %w", err)
	}
	return job, nil
}

// Delete deletes a job by ID
func (r *JobRepo) Delete(ctx context.Context, id string) error {
	result, err := r.db.Pool.Exec(ctx, `DELETE FROM jobs WHERE id = $1`, id)
	if err != nil {
		return fmt.Errorf("failed to delete job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ClaimNext atomically claims the next runnable job. SKIP LOCKED keeps
// concurrent workers from fighting over the same row; delayed jobs whose
// delay has elapsed are claimable alongside waiting ones.
func (r *JobRepo) ClaimNext(ctx context.Context, queue string, lease time.Duration) (*repository.Job, error) {
	query := `
		UPDATE jobs
		SET state = $2,
			attempts_made = attempts_made + 1,
			lease_expires = NOW() + $3 * INTERVAL '1 millisecond',
			updated_at = NOW()
		WHERE id = (
			SELECT id FROM jobs
			WHERE queue = $1
				AND state IN ($4, $5)
				AND delay_until <= NOW()
			ORDER BY priority, delay_until, created_at
			LIMIT 1
			FOR UPDATE SKIP LOCKED
		)
		RETURNING ` + jobColumns
	job, err := scanJob(r.db.Pool.QueryRow(ctx, query,
		queue, repository.JobStateActive, lease.Milliseconds(),
		repository.JobStateWaiting, repository.JobStateDelayed))
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, repository.ErrNotFound
		}
		return nil, fmt.Errorf("failed to claim job: %w", err)
	}
	return job, nil
}

// Heartbeat extends the lease of an active job
func (r *JobRepo) Heartbeat(ctx context.Context, id string, lease time.Duration) error {
	query := `
		UPDATE jobs
		SET lease_expires = NOW() + $2 * INTERVAL '1 millisecond', updated_at = NOW()
		WHERE id = $1 AND state = $3
	`
	result, err := r.db.Pool.Exec(ctx, query, id, lease.Milliseconds(), repository.JobStateActive)
	if err != nil {
		return fmt.Errorf("failed to heartbeat job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// UpdateProgress records the latest progress on the job row
func (r *JobRepo) UpdateProgress(ctx context.Context, id string, p repository.JobProgress) error {
	query := `
		UPDATE jobs
		SET progress_percent = $2, progress_message = $3, progress_stage = $4, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Pool.Exec(ctx, query, id, p.Percent, p.Message, p.Stage)
	if err != nil {
		return fmt.Errorf("failed to update job progress: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// MarkCompleted finalizes a successful job
func (r *JobRepo) MarkCompleted(ctx context.Context, id string) error {
	query := `
		UPDATE jobs
		SET state = $2, lease_expires = NULL, finished_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Pool.Exec(ctx, query, id, repository.JobStateCompleted)
	if err != nil {
		return fmt.Errorf("failed to mark job completed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// MarkFailed terminates a job with an error message
func (r *JobRepo) MarkFailed(ctx context.Context, id string, message string) error {
	query := `
		UPDATE jobs
		SET state = $2, last_error = $3, lease_expires = NULL, finished_at = NOW(), updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Pool.Exec(ctx, query, id, repository.JobStateFailed, message)
	if err != nil {
		return fmt.Errorf("failed to mark job failed: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// Reschedule re-enters a failed attempt as delayed until the backoff elapses
func (r *JobRepo) Reschedule(ctx context.Context, id string, delayUntil time.Time, message string) error {
	query := `
		UPDATE jobs
		SET state = $2, delay_until = $3, last_error = $4, lease_expires = NULL, updated_at = NOW()
		WHERE id = $1
	`
	result, err := r.db.Pool.Exec(ctx, query, id, repository.JobStateDelayed, delayUntil, message)
	if err != nil {
		return fmt.Errorf("failed to reschedule job: %w", err)
	}
	if result.RowsAffected() == 0 {
		return repository.ErrNotFound
	}
	return nil
}

// ReclaimStalled handles active jobs whose lease expired. Jobs within their
// stalled budget go back to waiting with the attempt not counted against
// max_attempts; jobs past the budget fail permanently.
func (r *JobRepo) ReclaimStalled(ctx context.Context, queue string) (requeued, failed int, err error) {
	requeueQuery := `
		UPDATE jobs
		SET state = $2,
			stalled_count = stalled_count + 1,
			attempts_made = attempts_made - 1,
			lease_expires = NULL,
			updated_at = NOW()
		WHERE queue = $1
			AND state = $3
			AND lease_expires < NOW()
			AND stalled_count < max_stalled
	`
	result, err := r.db.Pool.Exec(ctx, requeueQuery, queue, repository.JobStateWaiting, repository.JobStateActive)
	if err != nil {
		return 0, 0, fmt.Errorf("failed to requeue stalled jobs: %w", err)
	}
	requeued = int(result.RowsAffected())

	failQuery := `
		UPDATE jobs
		SET state = $2,
			last_error = 'job stalled more than allowable limit',
			lease_expires = NULL,
			finished_at = NOW(),
			updated_at = NOW()
		WHERE queue = $1
			AND state = $3
			AND lease_expires < NOW()
	`
	result, err = r.db.Pool.Exec(ctx, failQuery, queue, repository.JobStateFailed, repository.JobStateActive)
	if err != nil {
		return requeued, 0, fmt.Errorf("failed to fail stalled jobs: %w", err)
	}
	failed = int(result.RowsAffected())
	return requeued, failed, nil
}

// Counts summarizes queue occupancy per state
func (r *JobRepo) Counts(ctx context.Context, queue string) (repository.JobCounts, error) {
	query := `
		SELECT
			COUNT(*) FILTER (WHERE state = $2),
			COUNT(*) FILTER (WHERE state = $3),
			COUNT(*) FILTER (WHERE state = $4),
			COUNT(*) FILTER (WHERE state = $5),
			COUNT(*) FILTER (WHERE state = $6)
		FROM jobs WHERE queue = $1
	`
	var counts repository.JobCounts
	err := r.db.Pool.QueryRow(ctx, query, queue,
		repository.JobStateWaiting, repository.JobStateActive, repository.JobStateCompleted,
		repository.JobStateFailed, repository.JobStateDelayed,
	).Scan(&counts.Waiting, &counts.Active, &counts.Completed, &counts.Failed, &counts.Delayed)
	if err != nil {
		return repository.JobCounts{}, fmt.Errorf("failed to count jobs: %w", err)
	}
	return counts, nil
}

// Clean removes up to limit terminal jobs in the given state older than olderThan
func (r *JobRepo) Clean(ctx context.Context, queue string, olderThan time.Duration, limit int, state string) (int, error) {
	query := `
		DELETE FROM jobs
		WHERE id IN (
			SELECT id FROM jobs
			WHERE queue = $1
				AND state = $2
				AND finished_at IS NOT NULL
				AND finished_at < NOW() - $3 * INTERVAL '1 millisecond'
			ORDER BY finished_at
			LIMIT $4
		)
	`
	result, err := r.db.Pool.Exec(ctx, query, queue, state, olderThan.Milliseconds(), limit)
	if err != nil {
		return 0, fmt.Errorf("failed to clean jobs: %w", err)
	}
	return int(result.RowsAffected()), nil
}

// TrimHistory keeps only the most recent keep jobs of the state
func (r *JobRepo) TrimHistory(ctx context.Context, queue, state string, keep int) error {
	query := `
		DELETE FROM jobs
		WHERE id IN (
			SELECT id FROM jobs
			WHERE queue = $1 AND state = $2
			ORDER BY finished_at DESC NULLS LAST
			OFFSET $3
		)
	`
	_, err := r.db.Pool.Exec(ctx, query, queue, state, keep)
	if err != nil {
		return fmt.Errorf("failed to trim job history: %w", err)
	}
	return nil
}

// Ensure JobRepo implements the interface
var _ repository.JobRepository = (*JobRepo)(nil)
