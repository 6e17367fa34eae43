package jobs

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a process-local Store. One mutex makes every conditional
// update atomic.
type MemoryStore struct {
	mu   sync.Mutex
	jobs map[string]*Job
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{jobs: map[string]*Job{}}
}

func (m *MemoryStore) CreateJob(ctx context.Context, job Job) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.jobs[job.ID]; ok {
		return fmt.Errorf("job %s already exists", job.ID)
	}
	cp := job.Clone()
	m.jobs[job.ID] = &cp
	return nil
}

func (m *MemoryStore) GetJob(ctx context.Context, id string) (Job, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return Job{}, ErrNotFound
	}
	return j.Clone(), nil
}

func (m *MemoryStore) ListJobs(ctx context.Context, f ListFilter) ([]Job, error) {
	m.mu.Lock()
	out := make([]Job, 0, len(m.jobs))
	for _, j := range m.jobs {
		if f.OwnerID != "" && j.OwnerID != f.OwnerID {
			continue
		}
		if f.Status != "" && j.Status != f.Status {
			continue
		}
		out = append(out, j.Clone())
	}
	m.mu.Unlock()

	sort.Slice(out, func(a, b int) bool {
		if !out[a].CreatedAt.Equal(out[b].CreatedAt) {
			return out[a].CreatedAt.After(out[b].CreatedAt)
		}
		return out[a].ID > out[b].ID
	})
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *MemoryStore) FindDueJobs(ctx context.Context, now time.Time, limit int) ([]Job, error) {
	m.mu.Lock()
	var due []Job
	for _, j := range m.jobs {
		if j.Status == StatusScheduled && !j.ScheduledAt.After(now) {
			due = append(due, j.Clone())
		}
	}
	m.mu.Unlock()

	sortDue(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}
	return due, nil
}

func sortDue(due []Job) {
	sort.Slice(due, func(a, b int) bool {
		if !due[a].ScheduledAt.Equal(due[b].ScheduledAt) {
			return due[a].ScheduledAt.Before(due[b].ScheduledAt)
		}
		return due[a].ID < due[b].ID
	})
}

func (m *MemoryStore) ConditionalUpdateStatus(ctx context.Context, id string, from, to Status, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if j.Status != from {
		return false, nil
	}
	j.Status = to
	j.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) UpdateTargetStatus(ctx context.Context, u TargetUpdate) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[u.JobID]
	if !ok {
		return ErrNotFound
	}
	for i := range j.Targets {
		if j.Targets[i].ID != u.TargetID {
			continue
		}
		t := &j.Targets[i]
		t.Status = u.Status
		t.LastError = u.LastError
		t.SentMessageID = u.SentMessageID
		t.UpdatedAt = u.At
		j.UpdatedAt = u.At
		return nil
	}
	return fmt.Errorf("target %s of job %s: %w", u.TargetID, u.JobID, ErrNotFound)
}

func (m *MemoryStore) UpdateJobAggregate(ctx context.Context, id string, status Status, lastError string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if j.Status != StatusClaimed {
		return false, nil
	}
	j.Status = status
	j.LastError = lastError
	j.UpdatedAt = now
	return true, nil
}

func (m *MemoryStore) BulkReclaimStuck(ctx context.Context, olderThan, now time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, j := range m.jobs {
		if j.Status == StatusClaimed && j.UpdatedAt.Before(olderThan) {
			j.Status = StatusScheduled
			j.UpdatedAt = now
			n++
		}
	}
	return n, nil
}

func (m *MemoryStore) RetryFailed(ctx context.Context, id string, now time.Time) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	j, ok := m.jobs[id]
	if !ok {
		return false, ErrNotFound
	}
	if j.Status != StatusFailed {
		return false, nil
	}
	j.Status = StatusScheduled
	j.LastError = ""
	j.UpdatedAt = now
	for i := range j.Targets {
		j.Targets[i].Status = TargetPending
		j.Targets[i].LastError = ""
		j.Targets[i].SentMessageID = ""
		j.Targets[i].UpdatedAt = now
	}
	return true, nil
}

func (m *MemoryStore) PurgeFinished(ctx context.Context, before time.Time) (int, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for id, j := range m.jobs {
		if (j.Status == StatusCompleted || j.Status == StatusCanceled) && j.UpdatedAt.Before(before) {
			delete(m.jobs, id)
			n++
		}
	}
	return n, nil
}
