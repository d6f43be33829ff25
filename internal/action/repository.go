package action

import (
	"context"
	"time"

	"github.com/google/uuid"
)

// Outcome is what the executor writes back after a handler returns.
type Outcome struct {
	Succeeded  bool
	Result     map[string]any
	Error      string
	ExecutedAt time.Time
}

// Repository is the action ledger storage. Every status write is a single-row
// update guarded by the expected current status; a failed guard returns
// ErrStatusConflict.
type Repository interface {
	// Create inserts a new action. It returns ErrDuplicateActiveAction when an
	// active action of the same type exists for the appointment.
	Create(ctx context.Context, a *Action) (*Action, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Action, error)
	FindActive(ctx context.Context, appointmentID uuid.UUID, t Type) (*Action, error)
	ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]Action, error)
	ListByStatus(ctx context.Context, status Status, limit int) ([]Action, error)
	// ListReady returns pending/scheduled actions whose gate is open and whose
	// scheduled_at is unset or not after now, oldest first.
	ListReady(ctx context.Context, now time.Time, limit int) ([]Action, error)
	ListAwaitingValidation(ctx context.Context, limit int) ([]Action, error)
	CountByStatus(ctx context.Context) (map[Status]int, error)

	// Claim moves pending/scheduled to in_progress.
	Claim(ctx context.Context, id uuid.UUID, at time.Time) (*Action, error)
	// Finish moves in_progress to completed or failed.
	Finish(ctx context.Context, id uuid.UUID, out Outcome) (*Action, error)
	// FailStale fails in_progress actions claimed before cutoff.
	FailStale(ctx context.Context, cutoff time.Time, now time.Time) (int, error)
	MarkValidated(ctx context.Context, id uuid.UUID, actorID string, at time.Time) (*Action, error)
	// ResetForRetry moves failed to the given status and increments retry_count.
	ResetForRetry(ctx context.Context, id uuid.UUID, to Status, at time.Time) (*Action, error)
	// Cancel moves any non-terminal action to cancelled. A failed action with
	// no retries left is terminal.
	Cancel(ctx context.Context, id uuid.UUID, reason string, at time.Time) (*Action, error)
	// CancelOpenForAppointment cancels every non-terminal action of an appointment.
	CancelOpenForAppointment(ctx context.Context, appointmentID uuid.UUID, reason string, at time.Time) ([]uuid.UUID, error)
	// DeleteTerminalBefore removes terminal actions last updated before cutoff.
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
