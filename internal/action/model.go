package action

import (
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusPending    Status = "pending"
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// ActiveStatuses are the statuses covered by the one-active-per-type rule.
var ActiveStatuses = []Status{StatusPending, StatusScheduled, StatusInProgress}

// Type is an open enumeration; any registered handler name is valid.
type Type string

const (
	TypeConfirmationEmail Type = "confirmation_email"
	TypeSendConsent       Type = "send_consent"
	TypeSendQuote         Type = "send_quote"
	TypePrepareInvoice    Type = "prepare_invoice"
	TypeReminder          Type = "reminder"
)

type TriggerType string

const (
	TriggerAutomatic TriggerType = "automatic"
	TriggerManual    TriggerType = "manual"
)

const DefaultMaxRetries = 3

// Action is one side-effecting operation attached to one appointment.
type Action struct {
	ID            uuid.UUID
	AppointmentID uuid.UUID
	Type          Type
	TriggerType   TriggerType
	Status        Status

	RequiresValidation bool
	ValidatedAt        *time.Time
	ValidatedBy        *string

	ScheduledAt        *time.Time
	ExecuteBeforeHours *int

	RetryCount int
	MaxRetries int

	Result       map[string]any
	ErrorMessage *string
	Metadata     map[string]any

	ExecutedAt *time.Time
	CreatedBy  string
	CreatedAt  time.Time
	UpdatedAt  time.Time
}

// IsTerminal reports whether the action can no longer change state on its
// own. A failed action stays open while it has retries left.
func (a *Action) IsTerminal() bool {
	switch a.Status {
	case StatusCompleted, StatusCancelled:
		return true
	case StatusFailed:
		return a.RetriesExhausted()
	}
	return false
}

func (a *Action) IsActive() bool {
	for _, s := range ActiveStatuses {
		if a.Status == s {
			return true
		}
	}
	return false
}

// NeedsValidation is true while the validation gate is closed.
func (a *Action) NeedsValidation() bool {
	return a.RequiresValidation && a.ValidatedAt == nil
}

func (a *Action) CanExecute() bool {
	if a.Status != StatusPending && a.Status != StatusScheduled {
		return false
	}
	return !a.NeedsValidation()
}

func (a *Action) RetriesExhausted() bool {
	return a.RetryCount >= a.MaxRetries
}

// IsRetryable covers failed actions with budget left and gated actions still awaiting validation.
func (a *Action) IsRetryable() bool {
	if a.Status == StatusFailed {
		return !a.RetriesExhausted()
	}
	return a.Status == StatusPending && a.NeedsValidation()
}

// ReadyStatus is the status an action takes when it can run without further human input.
func ReadyStatus(requiresValidation bool, validated bool) Status {
	if requiresValidation && !validated {
		return StatusPending
	}
	return StatusScheduled
}

// Result is the opaque payload returned by a handler.
type Result map[string]any

// ExecContext is the free-form execution context passed to handlers.
type ExecContext map[string]any

// Summary backs the pending-actions dashboard.
type Summary struct {
	Counts             map[Status]int
	AwaitingValidation []Action
	Failed             []Action
}
