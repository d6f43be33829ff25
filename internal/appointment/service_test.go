package appointment_test

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/appointment-automation/internal/action"
	"github.com/hackgods/appointment-automation/internal/appointment"
	"github.com/hackgods/appointment-automation/internal/job"
	"github.com/hackgods/appointment-automation/internal/store/memory"
)

type clock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *clock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

type recorder struct {
	mu    sync.Mutex
	calls map[action.Type]int
	ctx   []action.ExecContext
}

func (r *recorder) handler(t action.Type) action.Handler {
	return action.HandlerFunc(func(_ context.Context, a *action.Action, ec action.ExecContext) (action.Result, error) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.calls[t]++
		r.ctx = append(r.ctx, ec)
		return action.Result{"handled": string(t)}, nil
	})
}

func (r *recorder) count(t action.Type) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.calls[t]
}

type fixture struct {
	repo      appointment.Repository
	appts     *memory.AppointmentRepository
	actions   action.Repository
	jobs      *memory.JobRepository
	ledger    *action.Ledger
	executor  *action.Executor
	scheduler *job.Scheduler
	svc       *appointment.Service
	clock     *clock
	rec       *recorder
}

type fixtureOpts struct {
	reminderLead time.Duration
	actionRepo   func(inner *memory.ActionRepository) action.Repository
	apptRepo     func(inner *memory.AppointmentRepository) appointment.Repository
}

func newFixture(t *testing.T, opts fixtureOpts) *fixture {
	t.Helper()

	f := &fixture{
		appts: memory.NewAppointmentRepository(),
		jobs:  memory.NewJobRepository(),
		clock: &clock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)},
		rec:   &recorder{calls: make(map[action.Type]int)},
	}

	innerActions := memory.NewActionRepository()
	f.actions = innerActions
	if opts.actionRepo != nil {
		f.actions = opts.actionRepo(innerActions)
	}
	f.repo = f.appts
	if opts.apptRepo != nil {
		f.repo = opts.apptRepo(f.appts)
	}

	registry := action.NewRegistry()
	for _, typ := range []action.Type{
		action.TypeConfirmationEmail,
		action.TypeSendConsent,
		action.TypeSendQuote,
		action.TypePrepareInvoice,
		action.TypeReminder,
	} {
		registry.Register(typ, f.rec.handler(typ))
	}

	f.ledger = action.NewLedger(f.actions, f.clock.Now)
	f.executor = action.NewExecutor(f.actions, registry, action.ExecutorConfig{Now: f.clock.Now})
	f.scheduler = job.NewScheduler(f.jobs, nil, job.SchedulerConfig{TenantID: "clinic-a", Now: f.clock.Now})
	f.svc = appointment.NewService(f.repo, f.ledger, f.executor, f.scheduler, nil, appointment.ServiceConfig{
		TenantID: "clinic-a",
		Triggers: appointment.TriggerConfig{
			ConfirmationLeadTime: 24 * time.Hour,
			ReminderLeadTime:     opts.reminderLead,
		},
		Now: f.clock.Now,
	})
	return f
}

func (f *fixture) book(t *testing.T, status appointment.AppointmentStatus, in time.Duration) *appointment.Appointment {
	t.Helper()
	appt, err := f.appts.CreateAppointment(context.Background(), &appointment.Appointment{
		PatientID:  uuid.New(),
		ProviderID: uuid.New(),
		ServiceID:  uuid.New(),
		Status:     status,
		StartsAt:   f.clock.Now().Add(in),
	})
	require.NoError(t, err)
	return appt
}

func (f *fixture) getAction(t *testing.T, id uuid.UUID) *action.Action {
	t.Helper()
	a, err := f.ledger.Get(context.Background(), id)
	require.NoError(t, err)
	return a
}

func (f *fixture) getJob(t *testing.T, id uuid.UUID) *job.Job {
	t.Helper()
	j, err := f.jobs.GetByID(context.Background(), id)
	require.NoError(t, err)
	return j
}

func TestTransitionRejectsEveryPairOutsideTheTable(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})

	for _, from := range appointment.AllStatuses {
		for _, to := range appointment.AllStatuses {
			if appointment.CanTransition(from, to) {
				continue
			}
			appt := f.book(t, from, 48*time.Hour)

			_, err := f.svc.Transition(ctx, appt.ID, to, "front-desk", appointment.TransitionOptions{})
			require.ErrorIs(t, err, appointment.ErrInvalidStatusTransition, "%s -> %s", from, to)

			var terr *appointment.TransitionError
			require.ErrorAs(t, err, &terr)
			assert.Equal(t, from, terr.From)
			assert.Equal(t, to, terr.To)
			assert.Equal(t, appointment.AllowedTransitions(from), terr.Allowed)

			stored, err := f.svc.GetAppointment(ctx, appt.ID)
			require.NoError(t, err)
			assert.Equal(t, from, stored.Status, "%s -> %s must leave status unchanged", from, to)

			actions, err := f.svc.ListActions(ctx, appt.ID)
			require.NoError(t, err)
			assert.Empty(t, actions)
		}
	}
}

func TestTransitionUnknownTargetsAndAppointments(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})

	appt := f.book(t, appointment.StatusScheduled, 48*time.Hour)
	_, err := f.svc.Transition(ctx, appt.ID, "rescheduled", "front-desk", appointment.TransitionOptions{})
	assert.ErrorIs(t, err, appointment.ErrUnknownStatus)

	_, err = f.svc.Transition(ctx, uuid.New(), appointment.StatusConfirmed, "front-desk", appointment.TransitionOptions{})
	assert.ErrorIs(t, err, appointment.ErrAppointmentNotFound)
}

func TestTransitionToConfirmed(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	appt := f.book(t, appointment.StatusScheduled, 48*time.Hour)

	res, err := f.svc.Transition(ctx, appt.ID, appointment.StatusConfirmed, "front-desk", appointment.TransitionOptions{})
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusScheduled, res.From)
	assert.Equal(t, appointment.StatusConfirmed, res.Appointment.Status)
	require.NotNil(t, res.Appointment.ConfirmedAt)
	assert.Equal(t, f.clock.Now(), *res.Appointment.ConfirmedAt)
	require.NotNil(t, res.Appointment.ConfirmedBy)
	assert.Equal(t, "front-desk", *res.Appointment.ConfirmedBy)

	require.Len(t, res.Actions, 2)
	consent, quote := res.Actions[0], res.Actions[1]

	assert.Equal(t, action.TypeSendConsent, consent.Type)
	assert.Equal(t, action.StatusScheduled, consent.Status)
	assert.False(t, consent.RequiresValidation)
	assert.Equal(t, action.TriggerAutomatic, consent.TriggerType)
	assert.Equal(t, "scheduled", consent.Metadata["from_status"])
	assert.Equal(t, "confirmed", consent.Metadata["to_status"])

	assert.Equal(t, action.TypeSendQuote, quote.Type)
	assert.Equal(t, action.StatusPending, quote.Status)
	assert.True(t, quote.RequiresValidation)

	assert.Empty(t, res.Jobs)
	assert.Zero(t, f.rec.count(action.TypeSendConsent), "nothing executes without ExecuteImmediate")

	events, err := f.svc.ListEvents(ctx, appt.ID)
	require.NoError(t, err)
	require.Len(t, events, 1)
	assert.Equal(t, appointment.EventStatusChanged, events[0].EventType)
}

func TestTransitionToCompletedCreatesGatedInvoice(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	appt := f.book(t, appointment.StatusInProgress, 0)

	res, err := f.svc.Transition(ctx, appt.ID, appointment.StatusCompleted, "dr-grey", appointment.TransitionOptions{})
	require.NoError(t, err)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, action.TypePrepareInvoice, res.Actions[0].Type)
	assert.Equal(t, action.StatusPending, res.Actions[0].Status)
	assert.True(t, res.Actions[0].NeedsValidation())
}

func TestTransitionSkipActions(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	appt := f.book(t, appointment.StatusScheduled, 48*time.Hour)

	res, err := f.svc.Transition(ctx, appt.ID, appointment.StatusConfirmed, "front-desk", appointment.TransitionOptions{
		SkipActions: []action.Type{action.TypeSendQuote},
	})
	require.NoError(t, err)
	require.Len(t, res.Actions, 1)
	assert.Equal(t, action.TypeSendConsent, res.Actions[0].Type)
}

func TestTransitionExecuteImmediate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	appt := f.book(t, appointment.StatusScheduled, 48*time.Hour)

	res, err := f.svc.Transition(ctx, appt.ID, appointment.StatusConfirmed, "front-desk", appointment.TransitionOptions{
		ExecuteImmediate: true,
		Context:          map[string]any{"locale": "fr"},
	})
	require.NoError(t, err)
	require.Len(t, res.Actions, 2)

	assert.Equal(t, action.StatusCompleted, res.Actions[0].Status)
	assert.Equal(t, "send_consent", res.Actions[0].Result["handled"])
	assert.Equal(t, action.StatusPending, res.Actions[1].Status, "gated actions wait for validation")

	assert.Equal(t, 1, f.rec.count(action.TypeSendConsent))
	assert.Zero(t, f.rec.count(action.TypeSendQuote))
	require.Len(t, f.rec.ctx, 1)
	assert.Equal(t, "fr", f.rec.ctx[0]["locale"])
}

func TestScheduleTimedActions(t *testing.T) {
	ctx := context.Background()

	t.Run("48h out creates one confirmation and one job 24h before", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		appt := f.book(t, appointment.StatusScheduled, 48*time.Hour)

		created, err := f.svc.ScheduleTimedActions(ctx, appt, "booking")
		require.NoError(t, err)
		require.Len(t, created, 1)

		a := created[0]
		want := f.clock.Now().Add(24 * time.Hour)
		assert.Equal(t, action.TypeConfirmationEmail, a.Type)
		assert.Equal(t, action.StatusScheduled, a.Status)
		require.NotNil(t, a.ScheduledAt)
		assert.Equal(t, want, *a.ScheduledAt)
		require.NotNil(t, a.ExecuteBeforeHours)
		assert.Equal(t, 24, *a.ExecuteBeforeHours)

		jobs, err := f.scheduler.ListByReference(ctx, job.ActionRef(a.ID))
		require.NoError(t, err)
		require.Len(t, jobs, 1)
		assert.Equal(t, job.TypeExecuteAction, jobs[0].Type)
		assert.Equal(t, want, jobs[0].ExecuteAt)
		assert.Equal(t, job.StatusScheduled, jobs[0].Status)
		assert.Equal(t, a.ID.String(), jobs[0].Payload["action_id"])

		// calling again reuses the active action and adds no job
		again, err := f.svc.ScheduleTimedActions(ctx, appt, "booking")
		require.NoError(t, err)
		require.Len(t, again, 1)
		assert.Equal(t, a.ID, again[0].ID)
		stats, err := f.scheduler.Stats(ctx)
		require.NoError(t, err)
		assert.Equal(t, 1, stats.Counts[job.StatusScheduled])
	})

	t.Run("less than the lead time out creates nothing", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		appt := f.book(t, appointment.StatusScheduled, 12*time.Hour)

		created, err := f.svc.ScheduleTimedActions(ctx, appt, "booking")
		require.NoError(t, err)
		assert.Empty(t, created)

		stats, err := f.scheduler.Stats(ctx)
		require.NoError(t, err)
		assert.Zero(t, stats.Counts[job.StatusScheduled])
	})

	t.Run("reminder is scheduled alongside when enabled", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{reminderLead: 2 * time.Hour})
		appt := f.book(t, appointment.StatusScheduled, 12*time.Hour)

		created, err := f.svc.ScheduleTimedActions(ctx, appt, "booking")
		require.NoError(t, err)
		require.Len(t, created, 1)
		assert.Equal(t, action.TypeReminder, created[0].Type)
		assert.Equal(t, f.clock.Now().Add(10*time.Hour), *created[0].ScheduledAt)
	})

	t.Run("closed appointments are rejected", func(t *testing.T) {
		f := newFixture(t, fixtureOpts{})
		appt := f.book(t, appointment.StatusCancelled, 48*time.Hour)

		_, err := f.svc.ScheduleTimedActions(ctx, appt, "booking")
		assert.ErrorIs(t, err, appointment.ErrAppointmentClosed)
	})
}

func TestCancelCascade(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	appt := f.book(t, appointment.StatusScheduled, 48*time.Hour)

	timed, err := f.svc.ScheduleTimedActions(ctx, appt, "booking")
	require.NoError(t, err)
	require.Len(t, timed, 1)

	res, err := f.svc.Transition(ctx, appt.ID, appointment.StatusConfirmed, "front-desk", appointment.TransitionOptions{})
	require.NoError(t, err)
	consent, quote := res.Actions[0], res.Actions[1]

	// a finished action must survive the cascade
	done, err := f.svc.CreateManualAction(ctx, appt.ID, action.TypeReminder, "nurse", appointment.ManualActionOptions{})
	require.NoError(t, err)
	_, err = f.executor.Execute(ctx, done.ID, nil)
	require.NoError(t, err)

	// and a job referencing the consent action directly must be cancelled
	consentRef := job.ActionRef(consent.ID)
	consentJob, err := f.scheduler.ScheduleJob(ctx, job.TypeExecuteAction, f.clock.Now().Add(time.Hour),
		map[string]any{"action_id": consent.ID.String()}, job.ScheduleOptions{Reference: &consentRef})
	require.NoError(t, err)
	apptRef := job.AppointmentRef(appt.ID)
	apptJob, err := f.scheduler.ScheduleJob(ctx, job.TypeAdhocAction, f.clock.Now().Add(time.Hour), nil,
		job.ScheduleOptions{Reference: &apptRef})
	require.NoError(t, err)

	cancelled, err := f.svc.Transition(ctx, appt.ID, appointment.StatusCancelled, "patient", appointment.TransitionOptions{
		Reason: "patient called in",
	})
	require.NoError(t, err)
	assert.Empty(t, cancelled.Actions)
	assert.ElementsMatch(t, []uuid.UUID{timed[0].ID, consent.ID, quote.ID}, cancelled.CancelledActions)
	assert.Equal(t, 3, cancelled.CancelledJobs)

	for _, id := range []uuid.UUID{timed[0].ID, consent.ID, quote.ID} {
		a := f.getAction(t, id)
		assert.Equal(t, action.StatusCancelled, a.Status)
		assert.Equal(t, "patient called in", a.Metadata["cancel_reason"])
	}
	assert.Equal(t, action.StatusCompleted, f.getAction(t, done.ID).Status)

	assert.Equal(t, job.StatusCancelled, f.getJob(t, consentJob.ID).Status)
	assert.Equal(t, job.StatusCancelled, f.getJob(t, apptJob.ID).Status)
	timedJobs, err := f.scheduler.ListByReference(ctx, job.ActionRef(timed[0].ID))
	require.NoError(t, err)
	require.Len(t, timedJobs, 1)
	assert.Equal(t, job.StatusCancelled, timedJobs[0].Status)

	events, err := f.svc.ListEvents(ctx, appt.ID)
	require.NoError(t, err)
	var types []string
	for _, ev := range events {
		types = append(types, ev.EventType)
	}
	assert.Equal(t, []string{
		appointment.EventTimedActionsScheduled,
		appointment.EventStatusChanged,
		appointment.EventStatusChanged,
		appointment.EventCascadeCancelled,
	}, types)
}

func TestNoShowCascades(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	appt := f.book(t, appointment.StatusConfirmed, 48*time.Hour)

	a, err := f.svc.CreateManualAction(ctx, appt.ID, action.TypeSendQuote, "nurse", appointment.ManualActionOptions{RequiresValidation: true})
	require.NoError(t, err)

	res, err := f.svc.Transition(ctx, appt.ID, appointment.StatusNoShow, "front-desk", appointment.TransitionOptions{})
	require.NoError(t, err)
	assert.Equal(t, []uuid.UUID{a.ID}, res.CancelledActions)
	assert.Equal(t, "appointment no_show", f.getAction(t, a.ID).Metadata["cancel_reason"])
}

type brokenCancelRepo struct {
	*memory.ActionRepository
}

func (r brokenCancelRepo) CancelOpenForAppointment(context.Context, uuid.UUID, string, time.Time) ([]uuid.UUID, error) {
	return nil, errors.New("connection reset")
}

func TestCancelSucceedsWhenCascadeFails(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{
		actionRepo: func(inner *memory.ActionRepository) action.Repository { return brokenCancelRepo{inner} },
	})
	appt := f.book(t, appointment.StatusScheduled, 48*time.Hour)
	_, err := f.svc.ScheduleTimedActions(ctx, appt, "booking")
	require.NoError(t, err)

	res, err := f.svc.Transition(ctx, appt.ID, appointment.StatusCancelled, "patient", appointment.TransitionOptions{})
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusCancelled, res.Appointment.Status)
	assert.Empty(t, res.CancelledActions)
	// jobs are still reached through the action list
	assert.Equal(t, 1, res.CancelledJobs)
}

// racingRepo lets another writer change the status between read and write.
type racingRepo struct {
	*memory.AppointmentRepository
	to appointment.AppointmentStatus
}

func (r racingRepo) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	appt, err := r.AppointmentRepository.GetAppointmentByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if _, err := r.AppointmentRepository.UpdateAppointmentStatus(ctx, id, appt.Status, r.to, "someone-else", time.Now()); err != nil {
		return nil, err
	}
	return appt, nil
}

func TestTransitionLosesGuardedUpdateRace(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{
		apptRepo: func(inner *memory.AppointmentRepository) appointment.Repository {
			return racingRepo{AppointmentRepository: inner, to: appointment.StatusCancelled}
		},
	})
	appt := f.book(t, appointment.StatusScheduled, 48*time.Hour)

	_, err := f.svc.Transition(ctx, appt.ID, appointment.StatusConfirmed, "front-desk", appointment.TransitionOptions{})
	require.ErrorIs(t, err, appointment.ErrStatusChanged)

	stored, err := f.appts.GetAppointmentByID(ctx, appt.ID)
	require.NoError(t, err)
	assert.Equal(t, appointment.StatusCancelled, stored.Status)

	actions, err := f.ledger.ListByAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.Empty(t, actions)
}

func TestConcurrentTransitionsConfirmOnce(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	appt := f.book(t, appointment.StatusScheduled, 48*time.Hour)

	const callers = 16
	var wg sync.WaitGroup
	var mu sync.Mutex
	succeeded := 0
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := f.svc.Transition(ctx, appt.ID, appointment.StatusConfirmed, "front-desk", appointment.TransitionOptions{})
			if err == nil {
				mu.Lock()
				succeeded++
				mu.Unlock()
				return
			}
			assert.True(t,
				errors.Is(err, appointment.ErrAppointmentBusy) ||
					errors.Is(err, appointment.ErrInvalidStatusTransition) ||
					errors.Is(err, appointment.ErrStatusChanged),
				"unexpected error: %v", err)
		}()
	}
	wg.Wait()

	assert.Equal(t, 1, succeeded)
	actions, err := f.ledger.ListByAppointment(ctx, appt.ID)
	require.NoError(t, err)
	assert.Len(t, actions, 2)
}

func TestCreateManualAction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	appt := f.book(t, appointment.StatusConfirmed, 72*time.Hour)

	a, err := f.svc.CreateManualAction(ctx, appt.ID, action.TypeSendQuote, "nurse", appointment.ManualActionOptions{
		RequiresValidation: true,
		Metadata:           map[string]any{"note": "second opinion"},
	})
	require.NoError(t, err)
	assert.Equal(t, action.TriggerManual, a.TriggerType)
	assert.Equal(t, action.StatusPending, a.Status)
	assert.Equal(t, "manual", a.Metadata["source"])
	assert.Equal(t, "second opinion", a.Metadata["note"])
	assert.Equal(t, "nurse", a.CreatedBy)

	_, err = f.svc.CreateManualAction(ctx, appt.ID, action.TypeSendQuote, "nurse", appointment.ManualActionOptions{})
	assert.ErrorIs(t, err, action.ErrDuplicateActiveAction)

	_, err = f.svc.CreateManualAction(ctx, appt.ID, "fax_referral", "nurse", appointment.ManualActionOptions{})
	assert.ErrorIs(t, err, action.ErrUnknownActionType)

	_, err = f.svc.CreateManualAction(ctx, uuid.New(), action.TypeReminder, "nurse", appointment.ManualActionOptions{})
	assert.ErrorIs(t, err, appointment.ErrAppointmentNotFound)

	at := f.clock.Now().Add(6 * time.Hour)
	timed, err := f.svc.CreateManualAction(ctx, appt.ID, action.TypeReminder, "nurse", appointment.ManualActionOptions{ScheduledAt: &at})
	require.NoError(t, err)
	jobs, err := f.scheduler.ListByReference(ctx, job.ActionRef(timed.ID))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, at, jobs[0].ExecuteAt)

	closed := f.book(t, appointment.StatusNoShow, 72*time.Hour)
	_, err = f.svc.CreateManualAction(ctx, closed.ID, action.TypeReminder, "nurse", appointment.ManualActionOptions{})
	assert.ErrorIs(t, err, appointment.ErrAppointmentClosed)
}

func TestValidateAndCancelAction(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	appt := f.book(t, appointment.StatusConfirmed, 72*time.Hour)

	quote, err := f.svc.CreateManualAction(ctx, appt.ID, action.TypeSendQuote, "nurse", appointment.ManualActionOptions{RequiresValidation: true})
	require.NoError(t, err)

	_, err = f.executor.Execute(ctx, quote.ID, nil)
	require.ErrorIs(t, err, action.ErrNeedsValidation)
	assert.Equal(t, action.StatusPending, f.getAction(t, quote.ID).Status)

	validated, err := f.svc.ValidateAction(ctx, quote.ID, "dr-grey")
	require.NoError(t, err)
	assert.Equal(t, action.StatusScheduled, validated.Status)

	_, err = f.executor.Execute(ctx, quote.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, 1, f.rec.count(action.TypeSendQuote))

	at := f.clock.Now().Add(6 * time.Hour)
	reminder, err := f.svc.CreateManualAction(ctx, appt.ID, action.TypeReminder, "nurse", appointment.ManualActionOptions{ScheduledAt: &at})
	require.NoError(t, err)

	cancelled, err := f.svc.CancelAction(ctx, reminder.ID, "not needed")
	require.NoError(t, err)
	assert.Equal(t, action.StatusCancelled, cancelled.Status)

	jobs, err := f.scheduler.ListByReference(ctx, job.ActionRef(reminder.ID))
	require.NoError(t, err)
	require.Len(t, jobs, 1)
	assert.Equal(t, job.StatusCancelled, jobs[0].Status)

	_, err = f.svc.CancelAction(ctx, reminder.ID, "again")
	assert.ErrorIs(t, err, action.ErrAlreadyTerminal)
}

func TestGetPendingActionsSummary(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t, fixtureOpts{})
	appt := f.book(t, appointment.StatusScheduled, 48*time.Hour)

	res, err := f.svc.Transition(ctx, appt.ID, appointment.StatusConfirmed, "front-desk", appointment.TransitionOptions{})
	require.NoError(t, err)

	summary, err := f.svc.GetPendingActionsSummary(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, summary.Counts[action.StatusScheduled])
	assert.Equal(t, 1, summary.Counts[action.StatusPending])
	require.Len(t, summary.AwaitingValidation, 1)
	assert.Equal(t, res.Actions[1].ID, summary.AwaitingValidation[0].ID)
	assert.Empty(t, summary.Failed)
}
