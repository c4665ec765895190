// Package queue provides a durable, retryable job queue over a relational
// store, with priority ordering, delayed scheduling, and stalled-job
// reclamation.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/tabletoplore/lorekeeper/internal/fault"
	"github.com/tabletoplore/lorekeeper/internal/repository"
)

// Config carries queue-wide defaults applied when enqueue options leave a
// field unset.
type Config struct {
	MaxAttempts    int
	BackoffKind    string
	BackoffInitial time.Duration
	MaxStalled     int
	KeepCompleted  int
	KeepFailed     int
}

// Options customizes one enqueued job.
type Options struct {
	// JobID deduplicates: enqueueing an ID that already exists is a no-op
	// returning the existing ID.
	JobID string
	// Priority orders waiting jobs; lower runs sooner.
	Priority int
	Delay    time.Duration
	Attempts int
	// BackoffKind is "fixed" or "exponential".
	BackoffKind    string
	BackoffInitial time.Duration
	// RemoveOnComplete / RemoveOnFail cap retained history for this job's
	// terminal state; zero means the queue default.
	RemoveOnComplete int
	RemoveOnFail     int
}

// BulkItem is one job of a bulk enqueue.
type BulkItem struct {
	Payload any
	Opts    Options
}

// Queue is a named job queue. Pause affects workers polling through this
// handle; the rows themselves are shared across processes.
type Queue struct {
	name   string
	repo   repository.JobRepository
	config Config
	paused atomic.Bool
}

// New creates a queue handle
func New(name string, repo repository.JobRepository, config Config) *Queue {
	if config.MaxAttempts <= 0 {
		config.MaxAttempts = 1
	}
	if config.BackoffKind == "" {
		config.BackoffKind = repository.BackoffExponential
	}
	if config.BackoffInitial <= 0 {
		config.BackoffInitial = time.Second
	}
	if config.MaxStalled < 0 {
		config.MaxStalled = 0
	}
	if config.KeepCompleted <= 0 {
		config.KeepCompleted = 100
	}
	if config.KeepFailed <= 0 {
		config.KeepFailed = 500
	}
	return &Queue{name: name, repo: repo, config: config}
}

// Name returns the queue name
func (q *Queue) Name() string { return q.name }

// Enqueue adds a job and returns its ID.
func (q *Queue) Enqueue(ctx context.Context, payload any, opts Options) (string, error) {
	job, err := q.buildJob(payload, opts)
	if err != nil {
		return "", err
	}
	if err := q.repo.Insert(ctx, job); err != nil {
		return "", fault.Wrap(fault.DatabaseError, err, "failed to enqueue job on %s", q.name)
	}
	return job.ID, nil
}

// EnqueueBulk adds several jobs in one round trip.
func (q *Queue) EnqueueBulk(ctx context.Context, items []BulkItem) ([]string, error) {
	jobs := make([]*repository.Job, 0, len(items))
	ids := make([]string, 0, len(items))
	for _, item := range items {
		job, err := q.buildJob(item.Payload, item.Opts)
		if err != nil {
			return nil, err
		}
		jobs = append(jobs, job)
		ids = append(ids, job.ID)
	}
	if err := q.repo.InsertMany(ctx, jobs); err != nil {
		return nil, fault.Wrap(fault.DatabaseError, err, "failed to enqueue %d jobs on %s", len(items), q.name)
	}
	return ids, nil
}

func (q *Queue) buildJob(payload any, opts Options) (*repository.Job, error) {
	data, err := json.Marshal(payload)
	if err != nil {
		return nil, fault.Wrap(fault.ValidationError, err, "failed to marshal job payload")
	}

	id := opts.JobID
	if id == "" {
		id = uuid.NewString()
	}
	attempts := opts.Attempts
	if attempts <= 0 {
		attempts = q.config.MaxAttempts
	}
	backoffKind := opts.BackoffKind
	if backoffKind == "" {
		backoffKind = q.config.BackoffKind
	}
	if backoffKind != repository.BackoffFixed && backoffKind != repository.BackoffExponential {
		return nil, fault.New(fault.ValidationError, "unknown backoff kind %q", backoffKind)
	}
	backoffInitial := opts.BackoffInitial
	if backoffInitial <= 0 {
		backoffInitial = q.config.BackoffInitial
	}
	removeOnComplete := opts.RemoveOnComplete
	if removeOnComplete <= 0 {
		removeOnComplete = q.config.KeepCompleted
	}
	removeOnFail := opts.RemoveOnFail
	if removeOnFail <= 0 {
		removeOnFail = q.config.KeepFailed
	}

	now := time.Now().UTC()
	state := repository.JobStateWaiting
	delayUntil := now
	if opts.Delay > 0 {
		state = repository.JobStateDelayed
		delayUntil = now.Add(opts.Delay)
	}

	return &repository.Job{
		ID:               id,
		Queue:            q.name,
		Payload:          data,
		State:            state,
		Priority:         opts.Priority,
		MaxAttempts:      attempts,
		BackoffKind:      backoffKind,
		BackoffInitial:   backoffInitial,
		DelayUntil:       delayUntil,
		MaxStalled:       q.config.MaxStalled,
		RemoveOnComplete: removeOnComplete,
		RemoveOnFail:     removeOnFail,
		CreatedAt:        now,
		UpdatedAt:        now,
	}, nil
}

// Get retrieves a job by ID
func (q *Queue) Get(ctx context.Context, id string) (*repository.Job, error) {
	return q.repo.GetByID(ctx, id)
}

// Remove deletes a job by ID
func (q *Queue) Remove(ctx context.Context, id string) error {
	return q.repo.Delete(ctx, id)
}

// Pause stops workers attached to this handle from claiming new jobs.
func (q *Queue) Pause() { q.paused.Store(true) }

// Resume reopens the flow of jobs to attached workers.
func (q *Queue) Resume() { q.paused.Store(false) }

// IsPaused reports whether the queue handle is paused
func (q *Queue) IsPaused() bool { return q.paused.Load() }

// Counts summarizes queue occupancy. While paused, waiting jobs are
// reported under paused.
func (q *Queue) Counts(ctx context.Context) (repository.JobCounts, error) {
	counts, err := q.repo.Counts(ctx, q.name)
	if err != nil {
		return repository.JobCounts{}, err
	}
	if q.paused.Load() {
		counts.Paused = counts.Waiting
		counts.Waiting = 0
	}
	return counts, nil
}

// Clean removes up to limit terminal jobs in the state older than olderThan.
func (q *Queue) Clean(ctx context.Context, olderThan time.Duration, limit int, state string) (int, error) {
	if state != repository.JobStateCompleted && state != repository.JobStateFailed {
		return 0, fault.New(fault.ValidationError, "cannot clean jobs in state %q", state)
	}
	return q.repo.Clean(ctx, q.name, olderThan, limit, state)
}

// ReclaimStalled requeues active jobs whose lease expired and fails those
// past their stalled budget.
func (q *Queue) ReclaimStalled(ctx context.Context) (requeued, failed int, err error) {
	return q.repo.ReclaimStalled(ctx, q.name)
}

// TrimHistory enforces the retained-history caps on terminal jobs.
func (q *Queue) TrimHistory(ctx context.Context) error {
	if err := q.repo.TrimHistory(ctx, q.name, repository.JobStateCompleted, q.config.KeepCompleted); err != nil {
		return fmt.Errorf("failed to trim completed jobs: %w", err)
	}
	if err := q.repo.TrimHistory(ctx, q.name, repository.JobStateFailed, q.config.KeepFailed); err != nil {
		return fmt.Errorf("failed to trim failed jobs: %w", err)
	}
	return nil
}

// NextBackoff computes the delay before the given attempt is retried.
// AttemptsMade counts the attempt that just failed, starting at 1.
func NextBackoff(job *repository.Job) time.Duration {
	if job.BackoffKind == repository.BackoffFixed {
		return job.BackoffInitial
	}
	delay := job.BackoffInitial
	for i := 1; i < job.AttemptsMade; i++ {
		delay *= 2
	}
	return delay
}
