package engine

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"

	"github.com/hackgods/appointment-automation/internal/action"
	"github.com/hackgods/appointment-automation/internal/appointment"
	"github.com/hackgods/appointment-automation/internal/handlers"
	"github.com/hackgods/appointment-automation/internal/job"
	"github.com/hackgods/appointment-automation/internal/logger"
	redisclient "github.com/hackgods/appointment-automation/internal/redis"
)

type Config struct {
	TenantID         string
	Triggers         appointment.TriggerConfig
	ActionMaxRetries int
	HandlerTimeout   time.Duration
	JobRetryDelay    time.Duration
	JobStaleAfter    time.Duration
	WorkerID         string
	Now              func() time.Time
}

// Stores are the repositories of one tenant database.
type Stores struct {
	Appointments appointment.Repository
	Actions      action.Repository
	Jobs         job.Repository
}

// Deps are the collaborators handlers talk to, plus the lockers.
// Nil lockers fall back to in-process locking.
type Deps struct {
	Messenger         handlers.Messenger
	Consent           handlers.ConsentRequester
	Documents         handlers.Drafter
	AppointmentLocker redisclient.Locker
	PollLocker        redisclient.Locker
}

// Engine is the automation engine of one tenant.
type Engine struct {
	cfg       Config
	repo      appointment.Repository
	ledger    *action.Ledger
	executor  *action.Executor
	scheduler *job.Scheduler
	service   *appointment.Service
	ping      func(ctx context.Context) error
	log       *zap.SugaredLogger
}

func New(stores Stores, deps Deps, cfg Config) *Engine {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}

	registry := action.NewRegistry()
	handlers.Register(registry, handlers.Deps{
		Directory: stores.Appointments,
		Messenger: deps.Messenger,
		Consent:   deps.Consent,
		Documents: deps.Documents,
	})

	ledger := action.NewLedger(stores.Actions, cfg.Now)
	executor := action.NewExecutor(stores.Actions, registry, action.ExecutorConfig{
		HandlerTimeout: cfg.HandlerTimeout,
		StaleAfter:     cfg.JobStaleAfter,
		Now:            cfg.Now,
	})
	scheduler := job.NewScheduler(stores.Jobs, deps.PollLocker, job.SchedulerConfig{
		TenantID:   cfg.TenantID,
		WorkerID:   cfg.WorkerID,
		RetryDelay: cfg.JobRetryDelay,
		StaleAfter: cfg.JobStaleAfter,
		Now:        cfg.Now,
	})
	service := appointment.NewService(stores.Appointments, ledger, executor, scheduler, deps.AppointmentLocker, appointment.ServiceConfig{
		TenantID:         cfg.TenantID,
		Triggers:         cfg.Triggers,
		ActionMaxRetries: cfg.ActionMaxRetries,
		Now:              cfg.Now,
	})

	e := &Engine{
		cfg:       cfg,
		repo:      stores.Appointments,
		ledger:    ledger,
		executor:  executor,
		scheduler: scheduler,
		service:   service,
		log:       logger.For(logger.ComponentScheduler).With("tenant", cfg.TenantID),
	}
	scheduler.Register(job.TypeExecuteAction, job.HandlerFunc(e.handleExecuteAction))
	scheduler.Register(job.TypeAdhocAction, job.HandlerFunc(e.handleAdhocAction))
	return e
}

func (e *Engine) TenantID() string { return e.cfg.TenantID }

// Ping checks the tenant store. Engines without a database always succeed.
func (e *Engine) Ping(ctx context.Context) error {
	if e.ping == nil {
		return nil
	}
	return e.ping(ctx)
}

// Job handlers

// handleExecuteAction runs the action a job points at. A failed action is
// re-armed through Retry; an action that already finished elsewhere is left alone.
func (e *Engine) handleExecuteAction(ctx context.Context, j *job.Job) error {
	id, err := j.PayloadUUID("action_id")
	if err != nil {
		return err
	}
	a, err := e.ledger.Get(ctx, id)
	if err != nil {
		return err
	}
	if a.IsTerminal() {
		e.log.Infow("action already finished, nothing to run", "job_id", j.ID, "action_id", id, "status", a.Status)
		return nil
	}

	ec := payloadContext(j)
	if a.Status == action.StatusFailed {
		_, err = e.executor.Retry(ctx, id, ec)
	} else {
		_, err = e.executor.Execute(ctx, id, ec)
	}
	if errors.Is(err, action.ErrNotExecutable) {
		// ExecuteReady or an operator may have run it in the meantime
		if cur, getErr := e.ledger.Get(ctx, id); getErr == nil && cur.IsTerminal() {
			return nil
		}
	}
	return err
}

// handleAdhocAction creates a manual action from the job payload and runs it.
func (e *Engine) handleAdhocAction(ctx context.Context, j *job.Job) error {
	apptID, err := j.PayloadUUID("appointment_id")
	if err != nil {
		return err
	}
	typ, ok := j.PayloadString("action_type")
	if !ok || typ == "" {
		return fmt.Errorf("payload field %q missing", "action_type")
	}
	actor, ok := j.PayloadString("actor_id")
	if !ok || actor == "" {
		actor = appointment.SystemActor
	}

	a, err := e.service.CreateManualAction(ctx, apptID, action.Type(typ), actor, appointment.ManualActionOptions{
		Metadata: map[string]any{"job_id": j.ID.String()},
	})
	if err != nil {
		return err
	}
	_, err = e.executor.Execute(ctx, a.ID, payloadContext(j))
	return err
}

func payloadContext(j *job.Job) action.ExecContext {
	ec := action.ExecContext{"job_id": j.ID.String()}
	if m, ok := j.Payload["context"].(map[string]any); ok {
		for k, v := range m {
			ec[k] = v
		}
	}
	return ec
}

// State machine

func (e *Engine) Transition(ctx context.Context, id uuid.UUID, to appointment.AppointmentStatus, actorID string, opts appointment.TransitionOptions) (*appointment.TransitionResult, error) {
	return e.service.Transition(ctx, id, to, actorID, opts)
}

func (e *Engine) ScheduleTimedActions(ctx context.Context, appointmentID uuid.UUID, actorID string) ([]*action.Action, error) {
	appt, err := e.service.GetAppointment(ctx, appointmentID)
	if err != nil {
		return nil, err
	}
	return e.service.ScheduleTimedActions(ctx, appt, actorID)
}

func (e *Engine) GetAppointment(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	return e.service.GetAppointment(ctx, id)
}

func (e *Engine) ListEvents(ctx context.Context, appointmentID uuid.UUID) ([]appointment.EventLog, error) {
	return e.service.ListEvents(ctx, appointmentID)
}

// Actions

func (e *Engine) CreateManualAction(ctx context.Context, appointmentID uuid.UUID, t action.Type, actorID string, opts appointment.ManualActionOptions) (*action.Action, error) {
	return e.service.CreateManualAction(ctx, appointmentID, t, actorID, opts)
}

func (e *Engine) ValidateAction(ctx context.Context, id uuid.UUID, actorID string) (*action.Action, error) {
	return e.service.ValidateAction(ctx, id, actorID)
}

func (e *Engine) CancelAction(ctx context.Context, id uuid.UUID, reason string) (*action.Action, error) {
	return e.service.CancelAction(ctx, id, reason)
}

func (e *Engine) GetAction(ctx context.Context, id uuid.UUID) (*action.Action, error) {
	return e.ledger.Get(ctx, id)
}

func (e *Engine) ListActions(ctx context.Context, appointmentID uuid.UUID) ([]action.Action, error) {
	return e.service.ListActions(ctx, appointmentID)
}

func (e *Engine) GetPendingActionsSummary(ctx context.Context) (*action.Summary, error) {
	return e.service.GetPendingActionsSummary(ctx)
}

func (e *Engine) ExecuteAction(ctx context.Context, id uuid.UUID, ec action.ExecContext) (*action.Action, error) {
	return e.executor.Execute(ctx, id, ec)
}

func (e *Engine) RetryAction(ctx context.Context, id uuid.UUID, ec action.ExecContext) (*action.Action, error) {
	return e.executor.Retry(ctx, id, ec)
}

func (e *Engine) ExecuteReadyActions(ctx context.Context, ec action.ExecContext, limit int) (action.ExecuteReport, error) {
	return e.executor.ExecuteReady(ctx, ec, limit)
}

// Jobs

func (e *Engine) ProcessDueJobs(ctx context.Context, limit int) (job.ProcessReport, error) {
	return e.scheduler.ProcessDueJobs(ctx, limit)
}

func (e *Engine) ScheduleJob(ctx context.Context, t job.Type, at time.Time, payload map[string]any, opts job.ScheduleOptions) (*job.Job, error) {
	return e.scheduler.ScheduleJob(ctx, t, at, payload, opts)
}

func (e *Engine) CancelJobsForReference(ctx context.Context, refs ...job.Reference) (int, error) {
	return e.scheduler.CancelForReference(ctx, refs...)
}

func (e *Engine) ListJobs(ctx context.Context, ref job.Reference) ([]job.Job, error) {
	return e.scheduler.ListByReference(ctx, ref)
}

func (e *Engine) GetJobStats(ctx context.Context) (job.Stats, error) {
	return e.scheduler.Stats(ctx)
}

func (e *Engine) RetryFailedJobs(ctx context.Context) (int, error) {
	return e.scheduler.RetryFailed(ctx)
}

type StaleReport struct {
	Jobs    int
	Actions int
}

// RecoverStale fails actions and jobs left in_progress by a dead worker so
// the next RetryFailedJobs pass picks them up. Actions go first: a recovered
// job must find its action failed, not still claimed.
func (e *Engine) RecoverStale(ctx context.Context) (StaleReport, error) {
	var report StaleReport
	n, err := e.executor.FailStale(ctx)
	if err != nil {
		return report, err
	}
	report.Actions = n
	if report.Jobs, err = e.scheduler.RequeueStale(ctx); err != nil {
		return report, err
	}
	return report, nil
}

type CleanupReport struct {
	Jobs    int64
	Actions int64
}

// CleanupOldJobs deletes terminal jobs and terminal actions older than daysOld days.
func (e *Engine) CleanupOldJobs(ctx context.Context, daysOld int) (CleanupReport, error) {
	var report CleanupReport
	n, err := e.scheduler.Cleanup(ctx, daysOld)
	if err != nil {
		return report, err
	}
	report.Jobs = n

	n, err = e.ledger.PurgeTerminal(ctx, daysOld)
	if err != nil {
		return report, goerr.Wrap(err, "purge terminal actions", goerr.V("days_old", daysOld))
	}
	report.Actions = n
	return report, nil
}
