package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/appointment-automation/internal/action"
)

// ActionRepository is an in-memory action.Repository.
type ActionRepository struct {
	mu      sync.RWMutex
	actions map[uuid.UUID]*action.Action
	// insertion order keeps list results deterministic
	order []uuid.UUID
}

func NewActionRepository() *ActionRepository {
	return &ActionRepository{actions: make(map[uuid.UUID]*action.Action)}
}

func copyAnyMap(m map[string]any) map[string]any {
	if m == nil {
		return nil
	}
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

// copyAction creates a deep copy of an action
func copyAction(a *action.Action) *action.Action {
	c := *a
	c.Result = copyAnyMap(a.Result)
	c.Metadata = copyAnyMap(a.Metadata)
	if a.ValidatedAt != nil {
		t := *a.ValidatedAt
		c.ValidatedAt = &t
	}
	if a.ValidatedBy != nil {
		s := *a.ValidatedBy
		c.ValidatedBy = &s
	}
	if a.ScheduledAt != nil {
		t := *a.ScheduledAt
		c.ScheduledAt = &t
	}
	if a.ExecuteBeforeHours != nil {
		h := *a.ExecuteBeforeHours
		c.ExecuteBeforeHours = &h
	}
	if a.ErrorMessage != nil {
		s := *a.ErrorMessage
		c.ErrorMessage = &s
	}
	if a.ExecutedAt != nil {
		t := *a.ExecutedAt
		c.ExecutedAt = &t
	}
	return &c
}

func (r *ActionRepository) Create(ctx context.Context, a *action.Action) (*action.Action, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if a.IsActive() {
		for _, existing := range r.actions {
			if existing.AppointmentID == a.AppointmentID && existing.Type == a.Type && existing.IsActive() {
				return nil, action.ErrDuplicateActiveAction
			}
		}
	}

	now := time.Now().UTC()
	created := copyAction(a)
	if created.ID == uuid.Nil {
		created.ID = uuid.New()
	}
	if created.Metadata == nil {
		created.Metadata = map[string]any{}
	}
	created.CreatedAt = now
	created.UpdatedAt = now

	r.actions[created.ID] = created
	r.order = append(r.order, created.ID)
	return copyAction(created), nil
}

func (r *ActionRepository) GetByID(ctx context.Context, id uuid.UUID) (*action.Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.actions[id]
	if !ok {
		return nil, action.ErrActionNotFound
	}
	return copyAction(a), nil
}

func (r *ActionRepository) FindActive(ctx context.Context, appointmentID uuid.UUID, t action.Type) (*action.Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	for _, id := range r.order {
		a, ok := r.actions[id]
		if ok && a.AppointmentID == appointmentID && a.Type == t && a.IsActive() {
			return copyAction(a), nil
		}
	}
	return nil, action.ErrActionNotFound
}

func (r *ActionRepository) filter(limit int, keep func(a *action.Action) bool) []action.Action {
	var out []action.Action
	for _, id := range r.order {
		a, ok := r.actions[id]
		if !ok || !keep(a) {
			continue
		}
		out = append(out, *copyAction(a))
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out
}

func (r *ActionRepository) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]action.Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.filter(0, func(a *action.Action) bool { return a.AppointmentID == appointmentID }), nil
}

func (r *ActionRepository) ListByStatus(ctx context.Context, status action.Status, limit int) ([]action.Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.filter(limit, func(a *action.Action) bool { return a.Status == status }), nil
}

func (r *ActionRepository) ListReady(ctx context.Context, now time.Time, limit int) ([]action.Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	ready := r.filter(0, func(a *action.Action) bool {
		return a.CanExecute() && (a.ScheduledAt == nil || !a.ScheduledAt.After(now))
	})
	sort.SliceStable(ready, func(i, j int) bool {
		return readyKey(&ready[i]).Before(readyKey(&ready[j]))
	})
	if limit > 0 && len(ready) > limit {
		ready = ready[:limit]
	}
	return ready, nil
}

func readyKey(a *action.Action) time.Time {
	if a.ScheduledAt != nil {
		return *a.ScheduledAt
	}
	return a.CreatedAt
}

func (r *ActionRepository) ListAwaitingValidation(ctx context.Context, limit int) ([]action.Action, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	return r.filter(limit, func(a *action.Action) bool {
		return a.Status == action.StatusPending && a.NeedsValidation()
	}), nil
}

func (r *ActionRepository) CountByStatus(ctx context.Context) (map[action.Status]int, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	counts := make(map[action.Status]int)
	for _, a := range r.actions {
		counts[a.Status]++
	}
	return counts, nil
}

// update applies fn to the stored action when guard accepts it.
func (r *ActionRepository) update(id uuid.UUID, guard func(a *action.Action) bool, fn func(a *action.Action)) (*action.Action, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.actions[id]
	if !ok || !guard(a) {
		return nil, action.ErrStatusConflict
	}
	fn(a)
	return copyAction(a), nil
}

func (r *ActionRepository) Claim(ctx context.Context, id uuid.UUID, at time.Time) (*action.Action, error) {
	return r.update(id,
		func(a *action.Action) bool { return a.CanExecute() },
		func(a *action.Action) {
			a.Status = action.StatusInProgress
			a.UpdatedAt = at
		})
}

func (r *ActionRepository) Finish(ctx context.Context, id uuid.UUID, out action.Outcome) (*action.Action, error) {
	return r.update(id,
		func(a *action.Action) bool { return a.Status == action.StatusInProgress },
		func(a *action.Action) {
			at := out.ExecutedAt
			a.ExecutedAt = &at
			a.UpdatedAt = at
			if out.Succeeded {
				a.Status = action.StatusCompleted
				a.Result = copyAnyMap(out.Result)
				a.ErrorMessage = nil
				return
			}
			msg := out.Error
			a.Status = action.StatusFailed
			a.ErrorMessage = &msg
		})
}

func (r *ActionRepository) FailStale(ctx context.Context, cutoff time.Time, now time.Time) (int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	n := 0
	for _, id := range r.order {
		a := r.actions[id]
		if a.Status != action.StatusInProgress || !a.UpdatedAt.Before(cutoff) {
			continue
		}
		msg := action.StaleMessage
		a.Status = action.StatusFailed
		a.ErrorMessage = &msg
		a.UpdatedAt = now
		n++
	}
	return n, nil
}

func (r *ActionRepository) MarkValidated(ctx context.Context, id uuid.UUID, actorID string, at time.Time) (*action.Action, error) {
	return r.update(id,
		func(a *action.Action) bool {
			return a.Status == action.StatusPending && a.RequiresValidation && a.ValidatedAt == nil
		},
		func(a *action.Action) {
			actor := actorID
			validatedAt := at
			a.Status = action.StatusScheduled
			a.ValidatedAt = &validatedAt
			a.ValidatedBy = &actor
			a.UpdatedAt = at
		})
}

func (r *ActionRepository) ResetForRetry(ctx context.Context, id uuid.UUID, to action.Status, at time.Time) (*action.Action, error) {
	return r.update(id,
		func(a *action.Action) bool { return a.Status == action.StatusFailed && !a.RetriesExhausted() },
		func(a *action.Action) {
			a.Status = to
			a.RetryCount++
			a.ErrorMessage = nil
			a.UpdatedAt = at
		})
}

func (r *ActionRepository) Cancel(ctx context.Context, id uuid.UUID, reason string, at time.Time) (*action.Action, error) {
	return r.update(id,
		func(a *action.Action) bool { return !a.IsTerminal() },
		func(a *action.Action) { cancelInPlace(a, reason, at) })
}

func cancelInPlace(a *action.Action, reason string, at time.Time) {
	if a.Metadata == nil {
		a.Metadata = map[string]any{}
	}
	a.Metadata["cancel_reason"] = reason
	a.Status = action.StatusCancelled
	a.UpdatedAt = at
}

func (r *ActionRepository) CancelOpenForAppointment(ctx context.Context, appointmentID uuid.UUID, reason string, at time.Time) ([]uuid.UUID, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var ids []uuid.UUID
	for _, id := range r.order {
		a, ok := r.actions[id]
		if !ok || a.AppointmentID != appointmentID || a.IsTerminal() {
			continue
		}
		cancelInPlace(a, reason, at)
		ids = append(ids, a.ID)
	}
	return ids, nil
}

func (r *ActionRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	var n int64
	kept := r.order[:0]
	for _, id := range r.order {
		a := r.actions[id]
		if a.IsTerminal() && a.UpdatedAt.Before(cutoff) {
			delete(r.actions, id)
			n++
			continue
		}
		kept = append(kept, id)
	}
	r.order = kept
	return n, nil
}

var _ action.Repository = (*ActionRepository)(nil)
