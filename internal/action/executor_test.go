package action_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/appointment-automation/internal/action"
	"github.com/hackgods/appointment-automation/internal/store/memory"
)

type clock struct{ now time.Time }

func (c *clock) Now() time.Time { return c.now }

type fixture struct {
	repo     *memory.ActionRepository
	registry *action.Registry
	ledger   *action.Ledger
	executor *action.Executor
	clock    *clock
	calls    map[action.Type]int
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	f := &fixture{
		repo:     memory.NewActionRepository(),
		registry: action.NewRegistry(),
		clock:    &clock{now: time.Date(2026, 3, 10, 9, 0, 0, 0, time.UTC)},
		calls:    make(map[action.Type]int),
	}
	f.ledger = action.NewLedger(f.repo, f.clock.Now)
	f.executor = action.NewExecutor(f.repo, f.registry, action.ExecutorConfig{
		HandlerTimeout: time.Second,
		Now:            f.clock.Now,
	})
	f.register(action.TypeConfirmationEmail, func(context.Context, *action.Action, action.ExecContext) (action.Result, error) {
		return action.Result{"message_id": "m-1"}, nil
	})
	return f
}

func (f *fixture) register(t action.Type, fn action.HandlerFunc) {
	f.registry.Register(t, action.HandlerFunc(func(ctx context.Context, a *action.Action, ec action.ExecContext) (action.Result, error) {
		f.calls[t]++
		return fn(ctx, a, ec)
	}))
}

func (f *fixture) create(t *testing.T, n action.NewAction) *action.Action {
	t.Helper()
	if n.AppointmentID == uuid.Nil {
		n.AppointmentID = uuid.New()
	}
	a, err := f.ledger.Create(context.Background(), n)
	require.NoError(t, err)
	return a
}

func TestExecuteSuccess(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, action.NewAction{Type: action.TypeConfirmationEmail})
	require.Equal(t, action.StatusScheduled, a.Status)

	done, err := f.executor.Execute(context.Background(), a.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, action.StatusCompleted, done.Status)
	assert.Equal(t, "m-1", done.Result["message_id"])
	require.NotNil(t, done.ExecutedAt)
	assert.Equal(t, f.clock.now, *done.ExecutedAt)
	assert.Equal(t, 1, f.calls[action.TypeConfirmationEmail])

	_, err = f.executor.Execute(context.Background(), a.ID, nil)
	assert.ErrorIs(t, err, action.ErrNotExecutable)
	assert.Equal(t, 1, f.calls[action.TypeConfirmationEmail])
}

func TestExecuteValidationGate(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(action.TypeSendQuote, func(context.Context, *action.Action, action.ExecContext) (action.Result, error) {
		return action.Result{"document": "quote.pdf"}, nil
	})

	a := f.create(t, action.NewAction{Type: action.TypeSendQuote, RequiresValidation: true})
	require.Equal(t, action.StatusPending, a.Status)

	got, err := f.executor.Execute(ctx, a.ID, nil)
	require.ErrorIs(t, err, action.ErrNeedsValidation)
	assert.Equal(t, action.StatusPending, got.Status)
	assert.Zero(t, f.calls[action.TypeSendQuote])

	validated, err := f.ledger.Validate(ctx, a.ID, "dr-house")
	require.NoError(t, err)
	assert.Equal(t, action.StatusScheduled, validated.Status)
	require.NotNil(t, validated.ValidatedBy)
	assert.Equal(t, "dr-house", *validated.ValidatedBy)

	done, err := f.executor.Execute(ctx, a.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, action.StatusCompleted, done.Status)
	assert.Equal(t, 1, f.calls[action.TypeSendQuote])
}

func TestExecuteHandlerFailure(t *testing.T) {
	f := newFixture(t)
	boom := errors.New("smtp unreachable")
	f.register(action.TypeReminder, func(context.Context, *action.Action, action.ExecContext) (action.Result, error) {
		return nil, boom
	})
	a := f.create(t, action.NewAction{Type: action.TypeReminder})

	failed, err := f.executor.Execute(context.Background(), a.ID, nil)
	require.Error(t, err)
	assert.ErrorIs(t, err, action.ErrHandlerFailed)
	assert.ErrorIs(t, err, boom)

	var herr *action.HandlerError
	require.ErrorAs(t, err, &herr)
	assert.Equal(t, action.TypeReminder, herr.Type)

	assert.Equal(t, action.StatusFailed, failed.Status)
	require.NotNil(t, failed.ErrorMessage)
	assert.Contains(t, *failed.ErrorMessage, "smtp unreachable")
}

func TestExecuteUnknownTypeAndPanic(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	unknown := f.create(t, action.NewAction{Type: "fax_referral"})
	got, err := f.executor.Execute(ctx, unknown.ID, nil)
	require.ErrorIs(t, err, action.ErrUnknownActionType)
	assert.Equal(t, action.StatusScheduled, got.Status)

	// rejected before the claim, nothing was written
	stored, err := f.repo.GetByID(ctx, unknown.ID)
	require.NoError(t, err)
	assert.Equal(t, action.StatusScheduled, stored.Status)
	assert.Equal(t, unknown.UpdatedAt, stored.UpdatedAt)
	assert.Nil(t, stored.ErrorMessage)

	f.register(action.TypeSendConsent, func(context.Context, *action.Action, action.ExecContext) (action.Result, error) {
		panic("nil template")
	})
	panicky := f.create(t, action.NewAction{Type: action.TypeSendConsent})
	got, err = f.executor.Execute(ctx, panicky.ID, nil)
	require.ErrorIs(t, err, action.ErrHandlerFailed)
	assert.Equal(t, action.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Contains(t, *got.ErrorMessage, "nil template")
}

func TestRetry(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	attempts := 0
	f.register(action.TypeReminder, func(context.Context, *action.Action, action.ExecContext) (action.Result, error) {
		attempts++
		if attempts < 2 {
			return nil, errors.New("twilio 503")
		}
		return action.Result{"sid": "SM1"}, nil
	})
	a := f.create(t, action.NewAction{Type: action.TypeReminder, MaxRetries: 2})

	_, err := f.executor.Execute(ctx, a.ID, nil)
	require.ErrorIs(t, err, action.ErrHandlerFailed)

	done, err := f.executor.Retry(ctx, a.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, action.StatusCompleted, done.Status)
	assert.Equal(t, 1, done.RetryCount)
	assert.Nil(t, done.ErrorMessage)

	_, err = f.executor.Retry(ctx, a.ID, nil)
	assert.ErrorIs(t, err, action.ErrNotRetryable)
}

func TestRetryExhausted(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(action.TypeReminder, func(context.Context, *action.Action, action.ExecContext) (action.Result, error) {
		return nil, errors.New("always down")
	})
	a := f.create(t, action.NewAction{Type: action.TypeReminder, MaxRetries: 1})

	_, err := f.executor.Execute(ctx, a.ID, nil)
	require.Error(t, err)

	got, err := f.executor.Retry(ctx, a.ID, nil)
	require.ErrorIs(t, err, action.ErrHandlerFailed)
	assert.Equal(t, 1, got.RetryCount)

	got, err = f.executor.Retry(ctx, a.ID, nil)
	require.ErrorIs(t, err, action.ErrRetriesExhausted)
	assert.Equal(t, action.StatusFailed, got.Status)
	assert.Equal(t, 2, f.calls[action.TypeReminder])
}

func TestRetryGatedActionStillFailsGate(t *testing.T) {
	f := newFixture(t)
	a := f.create(t, action.NewAction{Type: action.TypePrepareInvoice, RequiresValidation: true})

	_, err := f.executor.Retry(context.Background(), a.ID, nil)
	assert.ErrorIs(t, err, action.ErrNeedsValidation)
}

func TestCancelledWhileRunningDiscardsOutcome(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)

	var id uuid.UUID
	f.register(action.TypeSendConsent, func(ctx context.Context, a *action.Action, _ action.ExecContext) (action.Result, error) {
		_, err := f.ledger.Cancel(ctx, id, "appointment cancelled")
		require.NoError(t, err)
		return action.Result{"sent": true}, nil
	})
	a := f.create(t, action.NewAction{Type: action.TypeSendConsent})
	id = a.ID

	got, err := f.executor.Execute(ctx, a.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, action.StatusCancelled, got.Status)
	assert.Nil(t, got.Result)
}

func TestFailStale(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	executor := action.NewExecutor(f.repo, f.registry, action.ExecutorConfig{
		StaleAfter: 30 * time.Minute,
		Now:        f.clock.Now,
	})

	stuck := f.create(t, action.NewAction{Type: action.TypeConfirmationEmail})
	idle := f.create(t, action.NewAction{Type: action.TypeConfirmationEmail})
	_, err := f.repo.Claim(ctx, stuck.ID, f.clock.now)
	require.NoError(t, err)

	f.clock.now = f.clock.now.Add(29 * time.Minute)
	n, err := executor.FailStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n)

	f.clock.now = f.clock.now.Add(2 * time.Minute)
	n, err = executor.FailStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	got, err := f.repo.GetByID(ctx, stuck.ID)
	require.NoError(t, err)
	assert.Equal(t, action.StatusFailed, got.Status)
	require.NotNil(t, got.ErrorMessage)
	assert.Equal(t, action.StaleMessage, *got.ErrorMessage)

	got, err = f.repo.GetByID(ctx, idle.ID)
	require.NoError(t, err)
	assert.Equal(t, action.StatusScheduled, got.Status)

	retried, err := executor.Retry(ctx, stuck.ID, nil)
	require.NoError(t, err)
	assert.Equal(t, action.StatusCompleted, retried.Status)
	assert.Equal(t, 1, retried.RetryCount)

	n, err = f.executor.FailStale(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, n, "recovery is off without StaleAfter")
}

func TestExecuteReady(t *testing.T) {
	ctx := context.Background()
	f := newFixture(t)
	f.register(action.TypeReminder, func(context.Context, *action.Action, action.ExecContext) (action.Result, error) {
		return nil, errors.New("no phone on file")
	})

	past := f.clock.now.Add(-time.Minute)
	future := f.clock.now.Add(time.Hour)
	due := f.create(t, action.NewAction{Type: action.TypeConfirmationEmail, ScheduledAt: &past})
	later := f.create(t, action.NewAction{Type: action.TypeConfirmationEmail, ScheduledAt: &future})
	gated := f.create(t, action.NewAction{Type: action.TypeSendQuote, RequiresValidation: true})
	failing := f.create(t, action.NewAction{Type: action.TypeReminder})

	report, err := f.executor.ExecuteReady(ctx, nil, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, report.Attempted)
	assert.Equal(t, 1, report.Completed)
	assert.Equal(t, 1, report.Failed)
	assert.Contains(t, report.Errors, failing.ID)

	for id, want := range map[uuid.UUID]action.Status{
		due.ID:     action.StatusCompleted,
		later.ID:   action.StatusScheduled,
		gated.ID:   action.StatusPending,
		failing.ID: action.StatusFailed,
	} {
		got, err := f.ledger.Get(ctx, id)
		require.NoError(t, err)
		assert.Equal(t, want, got.Status, "action %s", id)
	}
}
