package action

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"

	"github.com/hackgods/appointment-automation/internal/logger"
)

// Ledger owns creation, validation and cancellation of actions. It never
// moves an action into in_progress, completed or failed.
type Ledger struct {
	repo Repository
	now  func() time.Time
	log  *zap.SugaredLogger
}

func NewLedger(repo Repository, now func() time.Time) *Ledger {
	if now == nil {
		now = time.Now
	}
	return &Ledger{
		repo: repo,
		now:  now,
		log:  logger.For(logger.ComponentLedger),
	}
}

// NewAction describes an action to be created.
type NewAction struct {
	AppointmentID      uuid.UUID
	Type               Type
	TriggerType        TriggerType
	RequiresValidation bool
	ScheduledAt        *time.Time
	ExecuteBeforeHours *int
	MaxRetries         int
	Metadata           map[string]any
	CreatedBy          string
}

func (l *Ledger) build(n NewAction) *Action {
	maxRetries := n.MaxRetries
	if maxRetries <= 0 {
		maxRetries = DefaultMaxRetries
	}
	metadata := n.Metadata
	if metadata == nil {
		metadata = map[string]any{}
	}
	trigger := n.TriggerType
	if trigger == "" {
		trigger = TriggerAutomatic
	}

	return &Action{
		ID:                 uuid.New(),
		AppointmentID:      n.AppointmentID,
		Type:               n.Type,
		TriggerType:        trigger,
		Status:             ReadyStatus(n.RequiresValidation, false),
		RequiresValidation: n.RequiresValidation,
		ScheduledAt:        n.ScheduledAt,
		ExecuteBeforeHours: n.ExecuteBeforeHours,
		MaxRetries:         maxRetries,
		Metadata:           metadata,
		CreatedBy:          n.CreatedBy,
	}
}

// Create inserts an action and fails with ErrDuplicateActiveAction when one of
// the same type is already active for the appointment.
func (l *Ledger) Create(ctx context.Context, n NewAction) (*Action, error) {
	created, err := l.repo.Create(ctx, l.build(n))
	if err != nil {
		return nil, goerr.Wrap(err, "create action",
			goerr.V(AppointmentIDKey, n.AppointmentID), goerr.V(ActionTypeKey, n.Type))
	}

	l.log.Infow("action created",
		"action_id", created.ID,
		"appointment_id", created.AppointmentID,
		"action_type", created.Type,
		"status", created.Status,
		"trigger_type", created.TriggerType,
	)
	return created, nil
}

// Ensure returns the active action of this type for the appointment, creating
// it when none exists. The bool is true when a new action was created.
func (l *Ledger) Ensure(ctx context.Context, n NewAction) (*Action, bool, error) {
	existing, err := l.repo.FindActive(ctx, n.AppointmentID, n.Type)
	if err == nil {
		l.log.Infow("active action reused",
			"action_id", existing.ID,
			"appointment_id", n.AppointmentID,
			"action_type", n.Type,
		)
		return existing, false, nil
	}
	if !errors.Is(err, ErrActionNotFound) {
		return nil, false, goerr.Wrap(err, "find active action",
			goerr.V(AppointmentIDKey, n.AppointmentID), goerr.V(ActionTypeKey, n.Type))
	}

	created, err := l.Create(ctx, n)
	if errors.Is(err, ErrDuplicateActiveAction) {
		// lost a creation race, the winner's row is the active one
		existing, findErr := l.repo.FindActive(ctx, n.AppointmentID, n.Type)
		if findErr != nil {
			return nil, false, goerr.Wrap(findErr, "find active action after conflict")
		}
		return existing, false, nil
	}
	if err != nil {
		return nil, false, err
	}
	return created, true, nil
}

func (l *Ledger) Get(ctx context.Context, id uuid.UUID) (*Action, error) {
	a, err := l.repo.GetByID(ctx, id)
	if err != nil {
		return nil, goerr.Wrap(err, "get action", goerr.V(ActionIDKey, id))
	}
	return a, nil
}

func (l *Ledger) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]Action, error) {
	list, err := l.repo.ListByAppointment(ctx, appointmentID)
	if err != nil {
		return nil, goerr.Wrap(err, "list actions", goerr.V(AppointmentIDKey, appointmentID))
	}
	return list, nil
}

// Validate opens the validation gate of a pending, gated action.
func (l *Ledger) Validate(ctx context.Context, id uuid.UUID, actorID string) (*Action, error) {
	a, err := l.repo.GetByID(ctx, id)
	if err != nil {
		return nil, goerr.Wrap(err, "load action", goerr.V(ActionIDKey, id))
	}
	if !a.RequiresValidation {
		return nil, goerr.Wrap(ErrNotGated, "validate action", goerr.V(ActionIDKey, id))
	}
	if a.Status != StatusPending || a.ValidatedAt != nil {
		return nil, goerr.Wrap(ErrNotPending, "validate action",
			goerr.V(ActionIDKey, id), goerr.V(StatusKey, a.Status))
	}

	validated, err := l.repo.MarkValidated(ctx, id, actorID, l.now())
	if err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return nil, goerr.Wrap(ErrNotPending, "validate action", goerr.V(ActionIDKey, id))
		}
		return nil, goerr.Wrap(err, "validate action", goerr.V(ActionIDKey, id))
	}

	l.log.Infow("action validated", "action_id", id, "action_type", a.Type, "validated_by", actorID)
	return validated, nil
}

// Cancel moves a non-terminal action to cancelled. An action already running
// is flipped too; its eventual outcome is discarded by the executor.
func (l *Ledger) Cancel(ctx context.Context, id uuid.UUID, reason string) (*Action, error) {
	a, err := l.repo.GetByID(ctx, id)
	if err != nil {
		return nil, goerr.Wrap(err, "load action", goerr.V(ActionIDKey, id))
	}
	if a.IsTerminal() {
		return nil, goerr.Wrap(ErrAlreadyTerminal, "cancel action",
			goerr.V(ActionIDKey, id), goerr.V(StatusKey, a.Status))
	}

	cancelled, err := l.repo.Cancel(ctx, id, reason, l.now())
	if err != nil {
		if errors.Is(err, ErrStatusConflict) {
			return nil, goerr.Wrap(ErrAlreadyTerminal, "cancel action", goerr.V(ActionIDKey, id))
		}
		return nil, goerr.Wrap(err, "cancel action", goerr.V(ActionIDKey, id))
	}

	l.log.Infow("action cancelled", "action_id", id, "action_type", a.Type, "from_status", a.Status, "reason", reason)
	return cancelled, nil
}

// CancelForAppointment cancels every non-terminal action of an appointment
// and returns the ids it flipped.
func (l *Ledger) CancelForAppointment(ctx context.Context, appointmentID uuid.UUID, reason string) ([]uuid.UUID, error) {
	ids, err := l.repo.CancelOpenForAppointment(ctx, appointmentID, reason, l.now())
	if err != nil {
		return nil, goerr.Wrap(err, "cancel appointment actions", goerr.V(AppointmentIDKey, appointmentID))
	}
	if len(ids) > 0 {
		l.log.Infow("appointment actions cancelled", "appointment_id", appointmentID, "count", len(ids), "reason", reason)
	}
	return ids, nil
}

// Summary counts actions per status and lists those needing human attention.
func (l *Ledger) Summary(ctx context.Context, limit int) (*Summary, error) {
	if limit <= 0 {
		limit = 50
	}

	counts, err := l.repo.CountByStatus(ctx)
	if err != nil {
		return nil, goerr.Wrap(err, "count actions")
	}
	awaiting, err := l.repo.ListAwaitingValidation(ctx, limit)
	if err != nil {
		return nil, goerr.Wrap(err, "list actions awaiting validation")
	}
	failed, err := l.repo.ListByStatus(ctx, StatusFailed, limit)
	if err != nil {
		return nil, goerr.Wrap(err, "list failed actions")
	}

	return &Summary{
		Counts:             counts,
		AwaitingValidation: awaiting,
		Failed:             failed,
	}, nil
}

// PurgeTerminal deletes terminal actions older than daysOld days. Exhausted
// failed actions count as terminal.
func (l *Ledger) PurgeTerminal(ctx context.Context, daysOld int) (int64, error) {
	cutoff := l.now().AddDate(0, 0, -daysOld)
	n, err := l.repo.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, goerr.Wrap(err, "purge terminal actions", goerr.V("cutoff", cutoff))
	}
	if n > 0 {
		l.log.Infow("terminal actions purged", "count", n, "cutoff", cutoff)
	}
	return n, nil
}
