package queue

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/tabletoplore/lorekeeper/internal/repository"
)

// memoryJobRepo is an in-memory repository.JobRepository for tests.
type memoryJobRepo struct {
	mu   sync.Mutex
	jobs map[string]*repository.Job
}

func newMemoryJobRepo() *memoryJobRepo {
	return &memoryJobRepo{jobs: make(map[string]*repository.Job)}
}

func (m *memoryJobRepo) Insert(_ context.Context, job *repository.Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return nil
	}
	copied := *job
	m.jobs[job.ID] = &copied
	return nil
}

func (m *memoryJobRepo) InsertMany(ctx context.Context, jobs []*repository.Job) error {
	for _, job := range jobs {
		if err := m.Insert(ctx, job); err != nil {
			return err
		}
	}
	return nil
}

func (m *memoryJobRepo) GetByID(_ context.Context, id string) (*repository.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return nil, repository.ErrNotFound
	}
	copied := *job
	return &copied, nil
}

func (m *memoryJobRepo) Delete(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[id]; !ok {
		return repository.ErrNotFound
	}
	delete(m.jobs, id)
	return nil
}

func (m *memoryJobRepo) ClaimNext(_ context.Context, queue string, lease time.Duration) (*repository.Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	now := time.Now().UTC()
	var candidates []*repository.Job
	for _, job := range m.jobs {
		if job.Queue != queue {
			continue
		}
		if job.State != repository.JobStateWaiting && job.State != repository.JobStateDelayed {
			continue
		}
		if job.DelayUntil.After(now) {
			continue
		}
		candidates = append(candidates, job)
	}
	if len(candidates) == 0 {
		return nil, repository.ErrNotFound
	}
	sort.Slice(candidates, func(i, j int) bool {
		a, b := candidates[i], candidates[j]
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.DelayUntil.Equal(b.DelayUntil) {
			return a.DelayUntil.Before(b.DelayUntil)
		}
		return a.CreatedAt.Before(b.CreatedAt)
	})

	job := candidates[0]
	job.State = repository.JobStateActive
	job.AttemptsMade++
	expires := now.Add(lease)
	job.LeaseExpires = &expires
	copied := *job
	return &copied, nil
}

func (m *memoryJobRepo) Heartbeat(_ context.Context, id string, lease time.Duration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok || job.State != repository.JobStateActive {
		return repository.ErrNotFound
	}
	expires := time.Now().UTC().Add(lease)
	job.LeaseExpires = &expires
	return nil
}

func (m *memoryJobRepo) UpdateProgress(_ context.Context, id string, p repository.JobProgress) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	job.Progress = p
	return nil
}

func (m *memoryJobRepo) MarkCompleted(_ context.Context, id string) error {
	return m.finish(id, repository.JobStateCompleted, "")
}

func (m *memoryJobRepo) MarkFailed(_ context.Context, id string, message string) error {
	return m.finish(id, repository.JobStateFailed, message)
}

func (m *memoryJobRepo) finish(id, state, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	job.State = state
	job.LeaseExpires = nil
	if message != "" {
		job.LastError = message
	}
	now := time.Now().UTC()
	job.FinishedAt = &now
	return nil
}

func (m *memoryJobRepo) Reschedule(_ context.Context, id string, delayUntil time.Time, message string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	job, ok := m.jobs[id]
	if !ok {
		return repository.ErrNotFound
	}
	job.State = repository.JobStateDelayed
	job.DelayUntil = delayUntil
	job.LastError = message
	job.LeaseExpires = nil
	return nil
}

func (m *memoryJobRepo) ReclaimStalled(_ context.Context, queue string) (requeued, failed int, err error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := time.Now().UTC()
	for _, job := range m.jobs {
		if job.Queue != queue || job.State != repository.JobStateActive {
			continue
		}
		if job.LeaseExpires == nil || job.LeaseExpires.After(now) {
			continue
		}
		if job.StalledCount < job.MaxStalled {
			job.StalledCount++
			job.AttemptsMade--
			job.State = repository.JobStateWaiting
			job.LeaseExpires = nil
			requeued++
		} else {
			job.State = repository.JobStateFailed
			job.LastError = "job stalled more than allowable limit"
			job.LeaseExpires = nil
			finished := now
			job.FinishedAt = &finished
			failed++
		}
	}
	return requeued, failed, nil
}

func (m *memoryJobRepo) Counts(_ context.Context, queue string) (repository.JobCounts, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var counts repository.JobCounts
	for _, job := range m.jobs {
		if job.Queue != queue {
			continue
		}
		switch job.State {
		case repository.JobStateWaiting:
			counts.Waiting++
		case repository.JobStateActive:
			counts.Active++
		case repository.JobStateCompleted:
			counts.Completed++
		case repository.JobStateFailed:
			counts.Failed++
		case repository.JobStateDelayed:
			counts.Delayed++
		}
	}
	return counts, nil
}

func (m *memoryJobRepo) Clean(_ context.Context, queue string, olderThan time.Duration, limit int, state string) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	cutoff := time.Now().UTC().Add(-olderThan)
	removed := 0
	for id, job := range m.jobs {
		if removed >= limit {
			break
		}
		if job.Queue != queue || job.State != state {
			continue
		}
		if job.FinishedAt == nil || job.FinishedAt.After(cutoff) {
			continue
		}
		delete(m.jobs, id)
		removed++
	}
	return removed, nil
}

func (m *memoryJobRepo) TrimHistory(_ context.Context, queue, state string, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	var terminal []*repository.Job
	for _, job := range m.jobs {
		if job.Queue == queue && job.State == state {
			terminal = append(terminal, job)
		}
	}
	if len(terminal) <= keep {
		return nil
	}
	sort.Slice(terminal, func(i, j int) bool {
		a, b := terminal[i].FinishedAt, terminal[j].FinishedAt
		if a == nil || b == nil {
			return b == nil
		}
		return a.After(*b)
	})
	for _, job := range terminal[keep:] {
		delete(m.jobs, job.ID)
	}
	return nil
}

var _ repository.JobRepository = (*memoryJobRepo)(nil)
