package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/appointment-automation/internal/job"
)

// JobRepository is an in-memory job.Repository. ClaimDue runs under the
// write lock, which gives it the same exactly-once hand-off as SKIP LOCKED.
type JobRepository struct {
	mu   sync.Mutex
	jobs map[uuid.UUID]*job.Job
}

func NewJobRepository() *JobRepository {
	return &JobRepository{jobs: make(map[uuid.UUID]*job.Job)}
}

func copyJob(j *job.Job) *job.Job {
	c := *j
	c.Payload = copyAnyMap(j.Payload)
	if j.Reference != nil {
		ref := *j.Reference
		c.Reference = &ref
	}
	if j.ExecutedAt != nil {
		t := *j.ExecutedAt
		c.ExecutedAt = &t
	}
	if j.ErrorMessage != nil {
		s := *j.ErrorMessage
		c.ErrorMessage = &s
	}
	if j.ClaimedBy != nil {
		s := *j.ClaimedBy
		c.ClaimedBy = &s
	}
	if j.ClaimedAt != nil {
		t := *j.ClaimedAt
		c.ClaimedAt = &t
	}
	return &c
}

func (r *JobRepository) Create(ctx context.Context, j *job.Job) (*job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if j.Reference != nil && !j.Reference.Type.Valid() {
		return nil, job.ErrInvalidReference
	}

	now := time.Now().UTC()
	created := copyJob(j)
	if created.ID == uuid.Nil {
		created.ID = uuid.New()
	}
	if created.Payload == nil {
		created.Payload = map[string]any{}
	}
	created.Status = job.StatusScheduled
	created.CreatedAt = now
	created.UpdatedAt = now

	r.jobs[created.ID] = created
	return copyJob(created), nil
}

func (r *JobRepository) GetByID(ctx context.Context, id uuid.UUID) (*job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok {
		return nil, job.ErrJobNotFound
	}
	return copyJob(j), nil
}

func (r *JobRepository) ListByReference(ctx context.Context, ref job.Reference) ([]job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var out []job.Job
	for _, j := range r.jobs {
		if j.Reference != nil && *j.Reference == ref {
			out = append(out, *copyJob(j))
		}
	}
	sortJobs(out)
	return out, nil
}

func sortJobs(jobs []job.Job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		if jobs[i].ExecuteAt.Equal(jobs[k].ExecuteAt) {
			return jobs[i].CreatedAt.Before(jobs[k].CreatedAt)
		}
		return jobs[i].ExecuteAt.Before(jobs[k].ExecuteAt)
	})
}

func (r *JobRepository) ClaimDue(ctx context.Context, now time.Time, limit int, workerID string) ([]job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var due []job.Job
	for _, j := range r.jobs {
		if j.Status == job.StatusScheduled && !j.ExecuteAt.After(now) {
			due = append(due, *j)
		}
	}
	sortJobs(due)
	if limit > 0 && len(due) > limit {
		due = due[:limit]
	}

	claimed := make([]job.Job, 0, len(due))
	for _, d := range due {
		j := r.jobs[d.ID]
		worker := workerID
		at := now
		j.Status = job.StatusInProgress
		j.ClaimedBy = &worker
		j.ClaimedAt = &at
		j.UpdatedAt = now
		claimed = append(claimed, *copyJob(j))
	}
	return claimed, nil
}

func (r *JobRepository) finish(id uuid.UUID, fn func(j *job.Job)) (*job.Job, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	j, ok := r.jobs[id]
	if !ok || j.Status != job.StatusInProgress {
		return nil, job.ErrStatusConflict
	}
	fn(j)
	return copyJob(j), nil
}

func (r *JobRepository) Complete(ctx context.Context, id uuid.UUID, at time.Time) (*job.Job, error) {
	return r.finish(id, func(j *job.Job) {
		executed := at
		j.Status = job.StatusCompleted
		j.ExecutedAt = &executed
		j.ErrorMessage = nil
		j.UpdatedAt = at
	})
}

func (r *JobRepository) Fail(ctx context.Context, id uuid.UUID, msg string, at time.Time) (*job.Job, error) {
	return r.finish(id, func(j *job.Job) {
		executed := at
		m := msg
		j.Status = job.StatusFailed
		j.ExecutedAt = &executed
		j.ErrorMessage = &m
		j.UpdatedAt = at
	})
}

func (r *JobRepository) CancelByReferences(ctx context.Context, refs []job.Reference, at time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	wanted := make(map[job.Reference]struct{}, len(refs))
	for _, ref := range refs {
		wanted[ref] = struct{}{}
	}

	n := 0
	for _, j := range r.jobs {
		if j.Reference == nil {
			continue
		}
		if _, ok := wanted[*j.Reference]; !ok {
			continue
		}
		if j.IsTerminal() {
			continue
		}
		j.Status = job.StatusCancelled
		j.UpdatedAt = at
		n++
	}
	return n, nil
}

func (r *JobRepository) RescheduleFailed(ctx context.Context, executeAt time.Time, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, j := range r.jobs {
		if j.Status != job.StatusFailed || j.RetryCount >= j.MaxRetries {
			continue
		}
		history, _ := j.Payload["execute_at_history"].([]any)
		j.Payload["execute_at_history"] = append(history, j.ExecuteAt.UTC().Format(time.RFC3339Nano))
		j.Status = job.StatusScheduled
		j.RetryCount++
		j.ExecuteAt = executeAt
		j.ClaimedBy = nil
		j.ClaimedAt = nil
		j.UpdatedAt = now
		n++
	}
	return n, nil
}

func (r *JobRepository) FailStale(ctx context.Context, cutoff time.Time, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, j := range r.jobs {
		if j.Status != job.StatusInProgress || j.ClaimedAt == nil || !j.ClaimedAt.Before(cutoff) {
			continue
		}
		claimedBy := "unknown"
		if j.ClaimedBy != nil {
			claimedBy = *j.ClaimedBy
		}
		msg := fmt.Sprintf("claimed by %s and never finished", claimedBy)
		j.Status = job.StatusFailed
		j.ErrorMessage = &msg
		j.UpdatedAt = now
		n++
	}
	return n, nil
}

func (r *JobRepository) Stats(ctx context.Context, now time.Time) (job.Stats, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := job.Stats{Counts: make(map[job.Status]int)}
	for _, j := range r.jobs {
		stats.Counts[j.Status]++
		if j.Status == job.StatusScheduled && !j.ExecuteAt.After(now) {
			stats.Due++
			if stats.OldestDueAt == nil || j.ExecuteAt.Before(*stats.OldestDueAt) {
				t := j.ExecuteAt
				stats.OldestDueAt = &t
			}
		}
	}
	return stats, nil
}

func (r *JobRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	for id, j := range r.jobs {
		if j.IsTerminal() && j.UpdatedAt.Before(cutoff) {
			delete(r.jobs, id)
			n++
		}
	}
	return n, nil
}

var _ job.Repository = (*JobRepository)(nil)
