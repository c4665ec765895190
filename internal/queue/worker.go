package queue

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/tabletoplore/lorekeeper/internal/fault"
	"github.com/tabletoplore/lorekeeper/internal/repository"
)

// JobContext is handed to a handler for one active job. Its embedded
// context is canceled on shutdown and when the job's lease is lost.
type JobContext struct {
	context.Context
	Job    *repository.Job
	Logger *slog.Logger

	repo repository.JobRepository
}

// NewJobContext builds a job context outside the worker, for callers that
// execute handlers directly.
func NewJobContext(ctx context.Context, job *repository.Job, logger *slog.Logger, repo repository.JobRepository) *JobContext {
	return &JobContext{Context: ctx, Job: job, Logger: logger, repo: repo}
}

// ReportProgress records progress on the job row. Best-effort: failures are
// logged and never propagate to the handler.
func (jc *JobContext) ReportProgress(percent int, message, stage string) {
	p := repository.JobProgress{Percent: percent, Message: message, Stage: stage}
	if err := jc.repo.UpdateProgress(jc.Context, jc.Job.ID, p); err != nil {
		jc.Logger.Warn("failed to report progress", "error", err, "percent", percent)
	}
}

// Handler processes one job.
type Handler func(jc *JobContext) error

// Callbacks observe job state transitions. All are optional and invoked
// after the transition is durable.
type Callbacks struct {
	OnCompleted func(job *repository.Job)
	OnFailed    func(job *repository.Job, err error)
	OnStalled   func(requeued, failed int)
	OnError     func(err error)
}

// WorkerConfig tunes a worker pool.
type WorkerConfig struct {
	Concurrency   int
	PollInterval  time.Duration
	LeaseDuration time.Duration
	Callbacks     Callbacks
}

// Worker binds one queue to one handler and runs it with fixed concurrency.
type Worker struct {
	queue   *Queue
	handler Handler
	config  WorkerConfig
	logger  *slog.Logger

	mu     sync.Mutex
	active map[string]context.CancelFunc

	stop    context.CancelFunc
	stopped chan struct{}
	loops   sync.WaitGroup
	jobs    sync.WaitGroup
	paused  chan struct{}
}

// NewWorker creates a worker pool for the queue
func NewWorker(q *Queue, handler Handler, config WorkerConfig, logger *slog.Logger) *Worker {
	if config.Concurrency <= 0 {
		config.Concurrency = 1
	}
	if config.PollInterval <= 0 {
		config.PollInterval = 500 * time.Millisecond
	}
	if config.LeaseDuration <= 0 {
		config.LeaseDuration = 30 * time.Second
	}
	return &Worker{
		queue:   q,
		handler: handler,
		config:  config,
		logger:  logger.With("queue", q.Name()),
		active:  make(map[string]context.CancelFunc),
	}
}

// Start launches the claim loops. It returns immediately.
func (w *Worker) Start(ctx context.Context) {
	ctx, w.stop = context.WithCancel(ctx)
	w.stopped = make(chan struct{})
	for i := 0; i < w.config.Concurrency; i++ {
		w.loops.Add(1)
		go w.claimLoop(ctx)
	}
	go func() {
		w.loops.Wait()
		close(w.stopped)
	}()
}

func (w *Worker) claimLoop(ctx context.Context) {
	defer w.loops.Done()
	for {
		if ctx.Err() != nil {
			return
		}
		if w.queue.IsPaused() {
			w.sleep(ctx)
			continue
		}

		job, err := w.queue.repo.ClaimNext(ctx, w.queue.Name(), w.config.LeaseDuration)
		if err != nil {
			if !errors.Is(err, repository.ErrNotFound) && ctx.Err() == nil {
				w.logger.Error("failed to claim job", "error", err)
				w.notifyError(err)
			}
			w.sleep(ctx)
			continue
		}

		w.jobs.Add(1)
		w.runJob(ctx, job)
		w.jobs.Done()
	}
}

func (w *Worker) sleep(ctx context.Context) {
	select {
	case <-ctx.Done():
	case <-time.After(w.config.PollInterval):
	}
}

// runJob executes the handler with a per-job cancellable context and a
// heartbeat that keeps the lease alive.
func (w *Worker) runJob(ctx context.Context, job *repository.Job) {
	jobCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	w.mu.Lock()
	w.active[job.ID] = cancel
	w.mu.Unlock()
	defer func() {
		w.mu.Lock()
		delete(w.active, job.ID)
		w.mu.Unlock()
	}()

	logger := w.logger.With("job_id", job.ID, "attempt", job.AttemptsMade)

	heartbeatDone := make(chan struct{})
	go w.heartbeat(jobCtx, job.ID, cancel, heartbeatDone)

	err := w.invoke(&JobContext{
		Context: jobCtx,
		Job:     job,
		Logger:  logger,
		repo:    w.queue.repo,
	})
	close(heartbeatDone)

	// The repo calls below must outlive the job context.
	finishCtx, finishCancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer finishCancel()

	if err == nil {
		if mErr := w.queue.repo.MarkCompleted(finishCtx, job.ID); mErr != nil {
			logger.Error("failed to mark job completed", "error", mErr)
			w.notifyError(mErr)
			return
		}
		logger.Info("job completed")
		if w.config.Callbacks.OnCompleted != nil {
			w.config.Callbacks.OnCompleted(job)
		}
		w.trim(finishCtx)
		return
	}

	logger.Warn("job attempt failed", "error", err)
	if job.AttemptsMade < job.MaxAttempts && fault.KindOf(err) != fault.Cancelled {
		delayUntil := time.Now().UTC().Add(NextBackoff(job))
		if rErr := w.queue.repo.Reschedule(finishCtx, job.ID, delayUntil, err.Error()); rErr != nil {
			logger.Error("failed to reschedule job", "error", rErr)
			w.notifyError(rErr)
		}
		return
	}

	message := err.Error()
	if job.AttemptsMade >= job.MaxAttempts && fault.KindOf(err) != fault.Cancelled {
		message = fmt.Sprintf("%s: %v", fault.MaxRetriesExceeded, err)
	}
	if mErr := w.queue.repo.MarkFailed(finishCtx, job.ID, message); mErr != nil {
		logger.Error("failed to mark job failed", "error", mErr)
		w.notifyError(mErr)
		return
	}
	if w.config.Callbacks.OnFailed != nil {
		w.config.Callbacks.OnFailed(job, err)
	}
	w.trim(finishCtx)
}

// invoke runs the handler, converting a panic into a handler error.
func (w *Worker) invoke(jc *JobContext) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fault.New(fault.HandlerError, "handler panicked: %v", r)
		}
	}()
	return w.handler(jc)
}

// heartbeat extends the lease at a third of its duration. Losing the job
// row (reclaimed as stalled) cancels the handler.
func (w *Worker) heartbeat(ctx context.Context, jobID string, cancel context.CancelFunc, done chan struct{}) {
	interval := w.config.LeaseDuration / 3
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-done:
			return
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := w.queue.repo.Heartbeat(ctx, jobID, w.config.LeaseDuration); err != nil {
				if errors.Is(err, repository.ErrNotFound) {
					w.logger.Warn("job lease lost, cancelling handler", "job_id", jobID)
					cancel()
					return
				}
				w.logger.Warn("heartbeat failed", "job_id", jobID, "error", err)
			}
		}
	}
}

func (w *Worker) trim(ctx context.Context) {
	if err := w.queue.TrimHistory(ctx); err != nil {
		w.logger.Warn("failed to trim job history", "error", err)
	}
}

func (w *Worker) notifyError(err error) {
	if w.config.Callbacks.OnError != nil {
		w.config.Callbacks.OnError(err)
	}
}

// Pause stops claiming new jobs. With drain set it blocks until active
// jobs finish.
func (w *Worker) Pause(drain bool) {
	w.queue.Pause()
	if drain {
		w.jobs.Wait()
	}
}

// Resume reopens the flow of jobs
func (w *Worker) Resume() {
	w.queue.Resume()
}

// ReclaimStalled runs one stalled-job sweep and reports it to the
// OnStalled callback.
func (w *Worker) ReclaimStalled(ctx context.Context) error {
	requeued, failed, err := w.queue.ReclaimStalled(ctx)
	if err != nil {
		return err
	}
	if requeued > 0 || failed > 0 {
		w.logger.Info("reclaimed stalled jobs", "requeued", requeued, "failed", failed)
		if w.config.Callbacks.OnStalled != nil {
			w.config.Callbacks.OnStalled(requeued, failed)
		}
	}
	return nil
}

// Shutdown cancels every active job's context and waits up to timeout for
// handlers to finish. Jobs still running at the deadline are left active;
// their leases will expire and the stalled sweep will reclaim them.
func (w *Worker) Shutdown(timeout time.Duration) error {
	if w.stop != nil {
		w.stop()
	}
	w.mu.Lock()
	for _, cancel := range w.active {
		cancel()
	}
	w.mu.Unlock()

	done := make(chan struct{})
	go func() {
		w.jobs.Wait()
		if w.stopped != nil {
			<-w.stopped
		}
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-time.After(timeout):
		w.mu.Lock()
		remaining := len(w.active)
		w.mu.Unlock()
		return fault.New(fault.Timeout, "shutdown timed out with %d jobs still active", remaining)
	}
}
