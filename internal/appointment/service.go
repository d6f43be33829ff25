package appointment

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"

	"github.com/hackgods/appointment-automation/internal/action"
	"github.com/hackgods/appointment-automation/internal/job"
	"github.com/hackgods/appointment-automation/internal/logger"
	"github.com/hackgods/appointment-automation/internal/metrics"
	redisclient "github.com/hackgods/appointment-automation/internal/redis"
)

const (
	EventStatusChanged         = "APPOINTMENT_STATUS_CHANGED"
	EventCascadeCancelled      = "APPOINTMENT_CASCADE_CANCELLED"
	EventTimedActionsScheduled = "TIMED_ACTIONS_SCHEDULED"
)

var (
	ErrStatusChanged     = errors.New("appointment status changed concurrently, please retry")
	ErrAppointmentBusy   = errors.New("appointment is currently being transitioned, please retry")
	ErrAppointmentClosed = errors.New("appointment no longer accepts actions")
	ErrUnknownStatus     = errors.New("unknown appointment status")
)

// SystemActor is recorded as the creator of work the engine produces on its own.
const SystemActor = "system"

type ServiceConfig struct {
	TenantID         string
	Triggers         TriggerConfig
	ActionMaxRetries int
	// SummaryLimit caps each list of GetPendingActionsSummary.
	SummaryLimit int
	Now          func() time.Time
}

type Service struct {
	repo      Repository
	ledger    *action.Ledger
	executor  *action.Executor
	scheduler *job.Scheduler
	locker    redisclient.Locker
	triggers  TriggerTable
	cfg       ServiceConfig
	log       *zap.SugaredLogger
}

func NewService(
	repo Repository,
	ledger *action.Ledger,
	executor *action.Executor,
	scheduler *job.Scheduler,
	locker redisclient.Locker,
	cfg ServiceConfig,
) *Service {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.ActionMaxRetries <= 0 {
		cfg.ActionMaxRetries = action.DefaultMaxRetries
	}
	if cfg.SummaryLimit <= 0 {
		cfg.SummaryLimit = 50
	}
	if locker == nil {
		locker = redisclient.NewLocalLocker()
	}
	return &Service{
		repo:      repo,
		ledger:    ledger,
		executor:  executor,
		scheduler: scheduler,
		locker:    locker,
		triggers:  NewTriggerTable(cfg.Triggers),
		cfg:       cfg,
		log:       logger.For(logger.ComponentStateMachine).With("tenant", cfg.TenantID),
	}
}

type TransitionOptions struct {
	// SkipActions suppresses on-enter actions, e.g. when a human already did the step.
	SkipActions []action.Type
	Reason      string
	// Context is handed to handlers when ExecuteImmediate runs them.
	Context map[string]any
	// ExecuteImmediate runs ready immediate actions right after the transition.
	ExecuteImmediate bool
}

func (o TransitionOptions) skips(t action.Type) bool {
	for _, s := range o.SkipActions {
		if s == t {
			return true
		}
	}
	return false
}

type TransitionResult struct {
	Appointment *Appointment
	From        AppointmentStatus
	// Actions created (or reused) by the on-enter triggers.
	Actions          []*action.Action
	Jobs             []*job.Job
	CancelledActions []uuid.UUID
	CancelledJobs    int
}

// Transition moves an appointment to newStatus and applies the triggers of the
// new status. Trigger failures are logged and never undo the status change.
func (s *Service) Transition(ctx context.Context, id uuid.UUID, newStatus AppointmentStatus, actorID string, opts TransitionOptions) (*TransitionResult, error) {
	if !newStatus.Valid() {
		return nil, goerr.Wrap(ErrUnknownStatus, "transition", goerr.V("status", newStatus))
	}

	var result *TransitionResult
	err := s.locker.WithLock(ctx, redisclient.AppointmentLockKey(s.cfg.TenantID, id), func(lockCtx context.Context) error {
		appt, err := s.repo.GetAppointmentByID(lockCtx, id)
		if err != nil {
			return goerr.Wrap(err, "load appointment", goerr.V("appointment_id", id))
		}

		if !CanTransition(appt.Status, newStatus) {
			metrics.ObserveRejectedTransition(string(appt.Status), string(newStatus))
			s.log.Warnw("transition rejected",
				"appointment_id", id,
				"from_status", appt.Status,
				"to_status", newStatus,
				"actor_id", actorID,
			)
			return &TransitionError{From: appt.Status, To: newStatus, Allowed: AllowedTransitions(appt.Status)}
		}

		updated, err := s.repo.UpdateAppointmentStatus(lockCtx, id, appt.Status, newStatus, actorID, s.cfg.Now())
		if err != nil {
			if errors.Is(err, ErrAppointmentNotFound) {
				return goerr.Wrap(ErrStatusChanged, "update appointment status",
					goerr.V("appointment_id", id), goerr.V("expected_status", appt.Status))
			}
			return goerr.Wrap(err, "update appointment status", goerr.V("appointment_id", id))
		}

		metrics.ObserveTransition(string(appt.Status), string(newStatus))
		s.log.Infow("appointment transitioned",
			"appointment_id", id,
			"from_status", appt.Status,
			"to_status", newStatus,
			"actor_id", actorID,
		)
		s.logEvent(lockCtx, id, EventStatusChanged, map[string]any{
			"from_status": appt.Status,
			"to_status":   newStatus,
			"actor_id":    actorID,
			"reason":      opts.Reason,
		})

		result = &TransitionResult{Appointment: updated, From: appt.Status}
		s.applyTriggers(lockCtx, updated, appt.Status, actorID, opts, result)
		return nil
	})
	if err != nil {
		if errors.Is(err, redisclient.ErrLockNotAcquired) {
			return nil, ErrAppointmentBusy
		}
		return nil, err
	}

	if opts.ExecuteImmediate {
		s.executeImmediate(ctx, result, opts.Context)
	}

	return result, nil
}

func (s *Service) applyTriggers(ctx context.Context, appt *Appointment, from AppointmentStatus, actorID string, opts TransitionOptions, result *TransitionResult) {
	trig := s.triggers.For(appt.Status)

	if trig.Cascade {
		reason := opts.Reason
		if reason == "" {
			reason = fmt.Sprintf("appointment %s", appt.Status)
		}
		result.CancelledActions, result.CancelledJobs = s.cascade(ctx, appt.ID, reason)
	}

	meta := func() map[string]any {
		m := map[string]any{
			"source":      "transition",
			"from_status": string(from),
			"to_status":   string(appt.Status),
			"actor_id":    actorID,
		}
		if opts.Reason != "" {
			m["reason"] = opts.Reason
		}
		return m
	}

	for _, ia := range trig.Immediate {
		if opts.skips(ia.Type) {
			s.log.Infow("on-enter action skipped", "appointment_id", appt.ID, "action_type", ia.Type)
			continue
		}
		a, _, err := s.ledger.Ensure(ctx, action.NewAction{
			AppointmentID:      appt.ID,
			Type:               ia.Type,
			TriggerType:        action.TriggerAutomatic,
			RequiresValidation: ia.RequiresValidation,
			MaxRetries:         s.cfg.ActionMaxRetries,
			Metadata:           meta(),
			CreatedBy:          actorID,
		})
		if err != nil {
			s.log.Errorw("failed to create on-enter action",
				"appointment_id", appt.ID,
				"action_type", ia.Type,
				logger.Err(err),
			)
			continue
		}
		result.Actions = append(result.Actions, a)
	}

	for _, ta := range trig.Timed {
		if opts.skips(ta.Type) {
			s.log.Infow("timed action skipped", "appointment_id", appt.ID, "action_type", ta.Type)
			continue
		}
		a, j, err := s.scheduleTimed(ctx, appt, ta, actorID, meta())
		if err != nil {
			s.log.Errorw("failed to schedule timed action",
				"appointment_id", appt.ID,
				"action_type", ta.Type,
				logger.Err(err),
			)
			continue
		}
		if a != nil {
			result.Actions = append(result.Actions, a)
		}
		if j != nil {
			result.Jobs = append(result.Jobs, j)
		}
	}
}

// executeImmediate runs the ready immediate actions of a transition. Failures
// stay on the action; the transition itself has already succeeded.
func (s *Service) executeImmediate(ctx context.Context, result *TransitionResult, ec map[string]any) {
	for i, a := range result.Actions {
		if a.ScheduledAt != nil || !a.CanExecute() {
			continue
		}
		executed, err := s.executor.Execute(ctx, a.ID, action.ExecContext(ec))
		if err != nil {
			s.log.Warnw("immediate action did not complete",
				"action_id", a.ID,
				"action_type", a.Type,
				logger.Err(err),
			)
		}
		if executed != nil {
			result.Actions[i] = executed
		}
	}
}

// scheduleTimed creates a timed action and its execute_action job. It returns
// nil, nil, nil when the trigger instant has already passed.
func (s *Service) scheduleTimed(ctx context.Context, appt *Appointment, ta TimedAction, actorID string, meta map[string]any) (*action.Action, *job.Job, error) {
	at := appt.StartsAt.Add(-ta.LeadTime)
	if !at.After(s.cfg.Now()) {
		s.log.Infow("timed action not created, trigger time already passed",
			"appointment_id", appt.ID,
			"action_type", ta.Type,
			"trigger_at", at,
		)
		return nil, nil, nil
	}

	hours := int(ta.LeadTime / time.Hour)
	a, created, err := s.ledger.Ensure(ctx, action.NewAction{
		AppointmentID:      appt.ID,
		Type:               ta.Type,
		TriggerType:        action.TriggerAutomatic,
		RequiresValidation: ta.RequiresValidation,
		ScheduledAt:        &at,
		ExecuteBeforeHours: &hours,
		MaxRetries:         s.cfg.ActionMaxRetries,
		Metadata:           meta,
		CreatedBy:          actorID,
	})
	if err != nil {
		return nil, nil, err
	}
	if !created {
		// the active action already owns its job
		return a, nil, nil
	}

	j, err := s.scheduleActionJob(ctx, a, at)
	if err != nil {
		if _, cancelErr := s.ledger.Cancel(ctx, a.ID, "job scheduling failed"); cancelErr != nil {
			s.log.Errorw("failed to cancel action without job", "action_id", a.ID, logger.Err(cancelErr))
		}
		return nil, nil, err
	}
	return a, j, nil
}

func (s *Service) scheduleActionJob(ctx context.Context, a *action.Action, at time.Time) (*job.Job, error) {
	ref := job.ActionRef(a.ID)
	return s.scheduler.ScheduleJob(ctx, job.TypeExecuteAction, at, map[string]any{
		"action_id":      a.ID.String(),
		"appointment_id": a.AppointmentID.String(),
		"action_type":    string(a.Type),
	}, job.ScheduleOptions{Reference: &ref, MaxRetries: a.MaxRetries})
}

// ScheduleTimedActions creates the timed actions of the scheduled state for an
// appointment that was booked outside a transition.
func (s *Service) ScheduleTimedActions(ctx context.Context, appt *Appointment, actorID string) ([]*action.Action, error) {
	if appt.Status == StatusCancelled || appt.Status == StatusNoShow || appt.Status == StatusCompleted {
		return nil, goerr.Wrap(ErrAppointmentClosed, "schedule timed actions",
			goerr.V("appointment_id", appt.ID), goerr.V("status", appt.Status))
	}

	var out []*action.Action
	var jobIDs []string
	for _, ta := range s.triggers.For(StatusScheduled).Timed {
		a, j, err := s.scheduleTimed(ctx, appt, ta, actorID, map[string]any{
			"source":   "schedule_timed_actions",
			"actor_id": actorID,
		})
		if err != nil {
			return out, goerr.Wrap(err, "schedule timed action",
				goerr.V("appointment_id", appt.ID), goerr.V("action_type", ta.Type))
		}
		if a != nil {
			out = append(out, a)
		}
		if j != nil {
			jobIDs = append(jobIDs, j.ID.String())
		}
	}

	if len(jobIDs) > 0 {
		s.logEvent(ctx, appt.ID, EventTimedActionsScheduled, map[string]any{
			"actor_id": actorID,
			"job_ids":  jobIDs,
		})
	}
	return out, nil
}

type ManualActionOptions struct {
	RequiresValidation bool
	ScheduledAt        *time.Time
	MaxRetries         int
	Metadata           map[string]any
}

// CreateManualAction adds a human-requested action. Unlike automatic creation
// it fails with action.ErrDuplicateActiveAction instead of reusing.
func (s *Service) CreateManualAction(ctx context.Context, appointmentID uuid.UUID, actionType action.Type, actorID string, opts ManualActionOptions) (*action.Action, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, appointmentID)
	if err != nil {
		return nil, goerr.Wrap(err, "load appointment", goerr.V("appointment_id", appointmentID))
	}
	if appt.Status == StatusCancelled || appt.Status == StatusNoShow {
		return nil, goerr.Wrap(ErrAppointmentClosed, "create manual action",
			goerr.V("appointment_id", appointmentID), goerr.V("status", appt.Status))
	}
	if !s.executor.Supports(actionType) {
		return nil, goerr.Wrap(action.ErrUnknownActionType, "create manual action", goerr.V("action_type", actionType))
	}

	meta := map[string]any{}
	for k, v := range opts.Metadata {
		meta[k] = v
	}
	meta["source"] = "manual"
	meta["actor_id"] = actorID

	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.cfg.ActionMaxRetries
	}

	a, err := s.ledger.Create(ctx, action.NewAction{
		AppointmentID:      appointmentID,
		Type:               actionType,
		TriggerType:        action.TriggerManual,
		RequiresValidation: opts.RequiresValidation,
		ScheduledAt:        opts.ScheduledAt,
		MaxRetries:         maxRetries,
		Metadata:           meta,
		CreatedBy:          actorID,
	})
	if err != nil {
		return nil, err
	}

	if opts.ScheduledAt != nil && opts.ScheduledAt.After(s.cfg.Now()) {
		if _, err := s.scheduleActionJob(ctx, a, *opts.ScheduledAt); err != nil {
			if _, cancelErr := s.ledger.Cancel(ctx, a.ID, "job scheduling failed"); cancelErr != nil {
				s.log.Errorw("failed to cancel action without job", "action_id", a.ID, logger.Err(cancelErr))
			}
			return nil, goerr.Wrap(err, "schedule manual action", goerr.V("action_id", a.ID))
		}
	}

	return a, nil
}

func (s *Service) ValidateAction(ctx context.Context, actionID uuid.UUID, actorID string) (*action.Action, error) {
	return s.ledger.Validate(ctx, actionID, actorID)
}

// CancelAction cancels one action and any job scheduled to run it.
func (s *Service) CancelAction(ctx context.Context, actionID uuid.UUID, reason string) (*action.Action, error) {
	a, err := s.ledger.Cancel(ctx, actionID, reason)
	if err != nil {
		return nil, err
	}
	if _, err := s.scheduler.CancelForReference(ctx, job.ActionRef(actionID)); err != nil {
		s.log.Errorw("failed to cancel jobs of cancelled action", "action_id", actionID, logger.Err(err))
	}
	return a, nil
}

func (s *Service) GetPendingActionsSummary(ctx context.Context) (*action.Summary, error) {
	return s.ledger.Summary(ctx, s.cfg.SummaryLimit)
}

func (s *Service) GetAppointment(ctx context.Context, id uuid.UUID) (*Appointment, error) {
	appt, err := s.repo.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, goerr.Wrap(err, "get appointment", goerr.V("appointment_id", id))
	}
	return appt, nil
}

func (s *Service) ListActions(ctx context.Context, appointmentID uuid.UUID) ([]action.Action, error) {
	return s.ledger.ListByAppointment(ctx, appointmentID)
}

func (s *Service) ListEvents(ctx context.Context, appointmentID uuid.UUID) ([]EventLog, error) {
	events, err := s.repo.ListEvents(ctx, appointmentID)
	if err != nil {
		return nil, goerr.Wrap(err, "list events", goerr.V("appointment_id", appointmentID))
	}
	return events, nil
}

// cascade cancels the open actions of an appointment and every job pointing at
// the appointment or one of its actions. Errors are logged only: the status
// change that triggered the cascade has already been written.
func (s *Service) cascade(ctx context.Context, appointmentID uuid.UUID, reason string) ([]uuid.UUID, int) {
	cancelled, err := s.ledger.CancelForAppointment(ctx, appointmentID, reason)
	if err != nil {
		s.log.Errorw("cascade: failed to cancel actions", "appointment_id", appointmentID, logger.Err(err))
	}

	refs := []job.Reference{job.AppointmentRef(appointmentID)}
	actions, err := s.ledger.ListByAppointment(ctx, appointmentID)
	if err != nil {
		s.log.Errorw("cascade: failed to list actions", "appointment_id", appointmentID, logger.Err(err))
		for _, id := range cancelled {
			refs = append(refs, job.ActionRef(id))
		}
	} else {
		for _, a := range actions {
			refs = append(refs, job.ActionRef(a.ID))
		}
	}

	jobs, err := s.scheduler.CancelForReference(ctx, refs...)
	if err != nil {
		s.log.Errorw("cascade: failed to cancel jobs", "appointment_id", appointmentID, logger.Err(err))
	}

	s.log.Infow("cascade cancelled",
		"appointment_id", appointmentID,
		"actions", len(cancelled),
		"jobs", jobs,
		"reason", reason,
	)
	s.logEvent(ctx, appointmentID, EventCascadeCancelled, map[string]any{
		"reason":       reason,
		"action_count": len(cancelled),
		"job_count":    jobs,
	})
	return cancelled, jobs
}

func (s *Service) logEvent(ctx context.Context, appointmentID uuid.UUID, eventType string, payload map[string]any) {
	data, err := json.Marshal(payload)
	if err != nil {
		s.log.Warnw("failed to marshal event payload", "event_type", eventType, logger.Err(err))
		data = nil
	}

	apptID := appointmentID

	ev := EventLog{
		EventType:     eventType,
		AppointmentID: &apptID,
		Payload:       data,
		CreatedAt:     s.cfg.Now(),
	}

	if err := s.repo.InsertEvent(ctx, ev); err != nil {
		s.log.Warnw("failed to insert event log",
			"event_type", eventType,
			"appointment_id", appointmentID,
			logger.Err(err),
		)
	}
}
