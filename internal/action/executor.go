package action

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"

	"github.com/hackgods/appointment-automation/internal/logger"
	"github.com/hackgods/appointment-automation/internal/metrics"
)

type ExecutorConfig struct {
	// HandlerTimeout bounds a single handler call. Zero disables the bound.
	HandlerTimeout time.Duration
	// StaleAfter is how long an action may sit in_progress before FailStale
	// fails it. Zero disables recovery.
	StaleAfter time.Duration
	Now        func() time.Time
}

// Executor is the only component allowed to move actions into
// in_progress, completed or failed.
type Executor struct {
	repo     Repository
	registry *Registry
	cfg      ExecutorConfig
	log      *zap.SugaredLogger
}

func NewExecutor(repo Repository, registry *Registry, cfg ExecutorConfig) *Executor {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	return &Executor{
		repo:     repo,
		registry: registry,
		cfg:      cfg,
		log:      logger.For(logger.ComponentExecutor),
	}
}

// Supports reports whether a handler is registered for t.
func (e *Executor) Supports(t Type) bool {
	_, ok := e.registry.Lookup(t)
	return ok
}

// Execute runs one action through its handler. A handler failure is recorded
// on the action and returned as *HandlerError together with the updated action.
func (e *Executor) Execute(ctx context.Context, id uuid.UUID, ec ExecContext) (*Action, error) {
	a, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, goerr.Wrap(err, "load action", goerr.V(ActionIDKey, id))
	}

	if !a.CanExecute() {
		if a.NeedsValidation() && (a.Status == StatusPending || a.Status == StatusScheduled) {
			return a, goerr.Wrap(ErrNeedsValidation, "execute action",
				goerr.V(ActionIDKey, id), goerr.V(ActionTypeKey, a.Type))
		}
		return a, goerr.Wrap(ErrNotExecutable, "execute action",
			goerr.V(ActionIDKey, id), goerr.V(StatusKey, a.Status))
	}

	if !e.Supports(a.Type) {
		return a, goerr.Wrap(ErrUnknownActionType, "execute action",
			goerr.V(ActionIDKey, id), goerr.V(ActionTypeKey, a.Type))
	}

	claimed, err := e.repo.Claim(ctx, id, e.cfg.Now())
	if err != nil {
		if errors.Is(err, ErrStatusConflict) {
			// someone else claimed or cancelled it between load and claim
			return a, goerr.Wrap(ErrNotExecutable, "claim action", goerr.V(ActionIDKey, id))
		}
		return nil, goerr.Wrap(err, "claim action", goerr.V(ActionIDKey, id))
	}

	e.log.Infow("action started",
		"action_id", claimed.ID,
		"appointment_id", claimed.AppointmentID,
		"action_type", claimed.Type,
		"retry_count", claimed.RetryCount,
	)

	start := time.Now()
	result, runErr := e.dispatch(ctx, claimed, ec)
	took := time.Since(start)

	out := Outcome{ExecutedAt: e.cfg.Now()}
	if runErr != nil {
		out.Error = runErr.Error()
	} else {
		out.Succeeded = true
		out.Result = result
	}

	finished, err := e.repo.Finish(ctx, id, out)
	if err != nil {
		if errors.Is(err, ErrStatusConflict) {
			// cancelled while running; the outcome is no longer consumed
			e.log.Warnw("action outcome discarded, status changed while running",
				"action_id", id,
				"action_type", claimed.Type,
				"succeeded", out.Succeeded,
			)
			metrics.ObserveActionExecution(string(claimed.Type), metrics.OutcomeSkipped, took)
			current, getErr := e.repo.GetByID(ctx, id)
			if getErr != nil {
				return nil, goerr.Wrap(getErr, "reload action", goerr.V(ActionIDKey, id))
			}
			return current, nil
		}
		return nil, goerr.Wrap(err, "record action outcome", goerr.V(ActionIDKey, id))
	}

	if runErr != nil {
		metrics.ObserveActionExecution(string(claimed.Type), metrics.OutcomeFailure, took)
		e.log.Warnw("action failed",
			"action_id", id,
			"action_type", claimed.Type,
			"retry_count", finished.RetryCount,
			"max_retries", finished.MaxRetries,
			logger.Err(runErr),
		)
		return finished, &HandlerError{Type: claimed.Type, Err: runErr}
	}

	metrics.ObserveActionExecution(string(claimed.Type), metrics.OutcomeSuccess, took)
	e.log.Infow("action completed", "action_id", id, "action_type", claimed.Type, "duration", took)
	return finished, nil
}

func (e *Executor) dispatch(ctx context.Context, a *Action, ec ExecContext) (res Result, err error) {
	h, ok := e.registry.Lookup(a.Type)
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownActionType, a.Type)
	}

	if e.cfg.HandlerTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, e.cfg.HandlerTimeout)
		defer cancel()
	}

	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panic: %v", r)
		}
	}()

	if ec == nil {
		ec = ExecContext{}
	}
	return h.Handle(ctx, a, ec)
}

// Retry re-arms a failed action and executes it again. A gated action that is
// still awaiting validation is re-submitted as is and fails the gate check.
func (e *Executor) Retry(ctx context.Context, id uuid.UUID, ec ExecContext) (*Action, error) {
	a, err := e.repo.GetByID(ctx, id)
	if err != nil {
		return nil, goerr.Wrap(err, "load action", goerr.V(ActionIDKey, id))
	}

	if a.Status == StatusFailed && a.RetriesExhausted() {
		return a, goerr.Wrap(ErrRetriesExhausted, "retry action",
			goerr.V(ActionIDKey, id),
			goerr.V("retry_count", a.RetryCount),
			goerr.V("max_retries", a.MaxRetries),
		)
	}
	if !a.IsRetryable() {
		return a, goerr.Wrap(ErrNotRetryable, "retry action",
			goerr.V(ActionIDKey, id), goerr.V(StatusKey, a.Status))
	}

	if a.Status == StatusFailed {
		to := ReadyStatus(a.RequiresValidation, a.ValidatedAt != nil)
		if _, err := e.repo.ResetForRetry(ctx, id, to, e.cfg.Now()); err != nil {
			if errors.Is(err, ErrStatusConflict) {
				return a, goerr.Wrap(ErrNotRetryable, "reset action", goerr.V(ActionIDKey, id))
			}
			return nil, goerr.Wrap(err, "reset action", goerr.V(ActionIDKey, id))
		}
		e.log.Infow("action reset for retry", "action_id", id, "retry_count", a.RetryCount+1, "status", to)
	}

	return e.Execute(ctx, id, ec)
}

// FailStale fails actions whose executing worker died after the claim, so
// Retry can re-arm them.
func (e *Executor) FailStale(ctx context.Context) (int, error) {
	if e.cfg.StaleAfter <= 0 {
		return 0, nil
	}
	now := e.cfg.Now()
	n, err := e.repo.FailStale(ctx, now.Add(-e.cfg.StaleAfter), now)
	if err != nil {
		return 0, goerr.Wrap(err, "fail stale actions")
	}
	if n > 0 {
		e.log.Warnw("stale actions failed", "count", n, "stale_after", e.cfg.StaleAfter)
	}
	return n, nil
}

// ExecuteReport summarises one ExecuteReady sweep.
type ExecuteReport struct {
	Attempted int
	Completed int
	Failed    int
	Errors    map[uuid.UUID]string
}

// ExecuteReady runs every ready action. Per-action failures are collected in
// the report and never abort the sweep.
func (e *Executor) ExecuteReady(ctx context.Context, ec ExecContext, limit int) (ExecuteReport, error) {
	report := ExecuteReport{Errors: make(map[uuid.UUID]string)}

	ready, err := e.repo.ListReady(ctx, e.cfg.Now(), limit)
	if err != nil {
		return report, goerr.Wrap(err, "list ready actions")
	}

	for _, a := range ready {
		if ctx.Err() != nil {
			return report, ctx.Err()
		}
		report.Attempted++
		_, err := e.Execute(ctx, a.ID, ec)
		if err != nil {
			report.Failed++
			report.Errors[a.ID] = err.Error()
			continue
		}
		report.Completed++
	}

	return report, nil
}
