package job

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
	"go.uber.org/zap"

	"github.com/hackgods/appointment-automation/internal/logger"
	"github.com/hackgods/appointment-automation/internal/metrics"
	redisclient "github.com/hackgods/appointment-automation/internal/redis"
)

// Handler runs one claimed job. Returning an error marks the job failed.
type Handler interface {
	HandleJob(ctx context.Context, j *Job) error
}

type HandlerFunc func(ctx context.Context, j *Job) error

func (f HandlerFunc) HandleJob(ctx context.Context, j *Job) error { return f(ctx, j) }

type SchedulerConfig struct {
	TenantID          string
	WorkerID          string
	RetryDelay        time.Duration // fixed delay applied by RetryFailed
	StaleAfter        time.Duration // in_progress jobs older than this are failed by RequeueStale
	DefaultMaxRetries int
	Now               func() time.Time
}

// Scheduler locates due work and forwards it to the handler registered for
// its job type. It holds no business rules.
type Scheduler struct {
	repo   Repository
	locker redisclient.Locker
	cfg    SchedulerConfig
	log    *zap.SugaredLogger

	mu       sync.RWMutex
	handlers map[Type]Handler
}

// NewScheduler builds a scheduler. locker may be nil; the claim itself is
// atomic, the poll lock only keeps overlapping workers from contending.
func NewScheduler(repo Repository, locker redisclient.Locker, cfg SchedulerConfig) *Scheduler {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.WorkerID == "" {
		cfg.WorkerID = "worker-" + uuid.NewString()[:8]
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = 5 * time.Minute
	}
	if cfg.DefaultMaxRetries <= 0 {
		cfg.DefaultMaxRetries = DefaultMaxRetries
	}
	return &Scheduler{
		repo:     repo,
		locker:   locker,
		cfg:      cfg,
		log:      logger.For(logger.ComponentScheduler).With("tenant", cfg.TenantID),
		handlers: make(map[Type]Handler),
	}
}

func (s *Scheduler) Register(t Type, h Handler) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.handlers[t] = h
}

func (s *Scheduler) handler(t Type) (Handler, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	h, ok := s.handlers[t]
	return h, ok
}

type ScheduleOptions struct {
	Reference  *Reference
	MaxRetries int
}

// ScheduleJob enqueues work of jobType to run at executeAt.
func (s *Scheduler) ScheduleJob(ctx context.Context, jobType Type, executeAt time.Time, payload map[string]any, opts ScheduleOptions) (*Job, error) {
	if opts.Reference != nil && !opts.Reference.Type.Valid() {
		return nil, goerr.Wrap(ErrInvalidReference, "schedule job", goerr.V("reference_type", opts.Reference.Type))
	}
	maxRetries := opts.MaxRetries
	if maxRetries <= 0 {
		maxRetries = s.cfg.DefaultMaxRetries
	}
	if payload == nil {
		payload = map[string]any{}
	}

	created, err := s.repo.Create(ctx, &Job{
		ID:         uuid.New(),
		Type:       jobType,
		Payload:    payload,
		ExecuteAt:  executeAt,
		Status:     StatusScheduled,
		Reference:  opts.Reference,
		MaxRetries: maxRetries,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "create job", goerr.V("job_type", jobType))
	}

	s.log.Infow("job scheduled",
		"job_id", created.ID,
		"job_type", created.Type,
		"execute_at", created.ExecuteAt,
		"reference", refString(created.Reference),
	)
	return created, nil
}

func refString(r *Reference) string {
	if r == nil {
		return ""
	}
	return r.String()
}

// ProcessReport summarises one poll cycle.
type ProcessReport struct {
	Claimed   int
	Completed int
	Failed    int
	Discarded int
	// Skipped is true when another worker held the tenant poll lock.
	Skipped bool
}

// ProcessDueJobs claims up to limit due jobs and runs them one at a time in
// execute_at order. Job failures are recorded on the job and never returned.
func (s *Scheduler) ProcessDueJobs(ctx context.Context, limit int) (ProcessReport, error) {
	if limit <= 0 {
		limit = 50
	}
	if s.locker == nil {
		return s.processDue(ctx, limit)
	}

	var report ProcessReport
	err := s.locker.WithLock(ctx, redisclient.PollLockKey(s.cfg.TenantID), func(lockCtx context.Context) error {
		var err error
		report, err = s.processDue(lockCtx, limit)
		return err
	})
	if errors.Is(err, redisclient.ErrLockNotAcquired) {
		s.log.Debugw("poll skipped, another worker holds the tenant lock")
		return ProcessReport{Skipped: true}, nil
	}
	return report, err
}

func (s *Scheduler) processDue(ctx context.Context, limit int) (ProcessReport, error) {
	var report ProcessReport

	jobs, err := s.repo.ClaimDue(ctx, s.cfg.Now(), limit, s.cfg.WorkerID)
	if err != nil {
		return report, goerr.Wrap(err, "claim due jobs", goerr.V("limit", limit))
	}
	report.Claimed = len(jobs)
	if len(jobs) == 0 {
		return report, nil
	}
	metrics.ObserveClaimed(s.cfg.TenantID, len(jobs))
	s.log.Infow("claimed due jobs", "count", len(jobs), "worker_id", s.cfg.WorkerID)

	for i := range jobs {
		j := &jobs[i]
		if ctx.Err() != nil {
			// unprocessed claims are recovered by RequeueStale
			return report, ctx.Err()
		}

		runErr := s.run(ctx, j)
		now := s.cfg.Now()

		if runErr != nil {
			_, err = s.repo.Fail(ctx, j.ID, runErr.Error(), now)
		} else {
			_, err = s.repo.Complete(ctx, j.ID, now)
		}

		switch {
		case errors.Is(err, ErrStatusConflict):
			// cancelled while running
			report.Discarded++
			metrics.ObserveJob(s.cfg.TenantID, string(j.Type), metrics.OutcomeSkipped)
			s.log.Warnw("job outcome discarded, status changed while running", "job_id", j.ID, "job_type", j.Type)
		case err != nil:
			return report, goerr.Wrap(err, "record job outcome", goerr.V("job_id", j.ID))
		case runErr != nil:
			report.Failed++
			metrics.ObserveJob(s.cfg.TenantID, string(j.Type), metrics.OutcomeFailure)
			s.log.Warnw("job failed",
				"job_id", j.ID,
				"job_type", j.Type,
				"retry_count", j.RetryCount,
				"max_retries", j.MaxRetries,
				logger.Err(runErr),
			)
		default:
			report.Completed++
			metrics.ObserveJob(s.cfg.TenantID, string(j.Type), metrics.OutcomeSuccess)
			s.log.Infow("job completed", "job_id", j.ID, "job_type", j.Type)
		}
	}

	return report, nil
}

func (s *Scheduler) run(ctx context.Context, j *Job) (err error) {
	h, ok := s.handler(j.Type)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownJobType, j.Type)
	}
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("job handler panic: %v", r)
		}
	}()
	return h.HandleJob(ctx, j)
}

// CancelForReference cancels every non-terminal job tied to the references.
func (s *Scheduler) CancelForReference(ctx context.Context, refs ...Reference) (int, error) {
	for _, ref := range refs {
		if !ref.Type.Valid() {
			return 0, goerr.Wrap(ErrInvalidReference, "cancel jobs", goerr.V("reference_type", ref.Type))
		}
	}

	n, err := s.repo.CancelByReferences(ctx, refs, s.cfg.Now())
	if err != nil {
		return 0, goerr.Wrap(err, "cancel jobs by reference", goerr.V("references", len(refs)))
	}
	if n > 0 {
		s.log.Infow("jobs cancelled", "count", n, "references", len(refs))
	}
	return n, nil
}

// RetryFailed reschedules failed jobs that have retries left a fixed delay
// from now. Exhausted jobs stay failed until a human intervenes.
func (s *Scheduler) RetryFailed(ctx context.Context) (int, error) {
	now := s.cfg.Now()
	n, err := s.repo.RescheduleFailed(ctx, now.Add(s.cfg.RetryDelay), now)
	if err != nil {
		return 0, goerr.Wrap(err, "reschedule failed jobs")
	}
	if n > 0 {
		s.log.Infow("failed jobs rescheduled", "count", n, "delay", s.cfg.RetryDelay)
	}
	return n, nil
}

// RequeueStale fails jobs stuck in_progress past the stale threshold so that
// RetryFailed can pick them up. This recovers claims lost to a crash.
func (s *Scheduler) RequeueStale(ctx context.Context) (int, error) {
	if s.cfg.StaleAfter <= 0 {
		return 0, nil
	}
	now := s.cfg.Now()
	n, err := s.repo.FailStale(ctx, now.Add(-s.cfg.StaleAfter), now)
	if err != nil {
		return 0, goerr.Wrap(err, "fail stale jobs")
	}
	if n > 0 {
		s.log.Warnw("stale in-progress jobs failed", "count", n, "stale_after", s.cfg.StaleAfter)
	}
	return n, nil
}

func (s *Scheduler) Stats(ctx context.Context) (Stats, error) {
	stats, err := s.repo.Stats(ctx, s.cfg.Now())
	if err != nil {
		return Stats{}, goerr.Wrap(err, "job stats")
	}
	return stats, nil
}

// Cleanup deletes terminal jobs last touched more than daysOld days ago.
func (s *Scheduler) Cleanup(ctx context.Context, daysOld int) (int64, error) {
	if daysOld < 0 {
		return 0, goerr.New("days_old must not be negative", goerr.V("days_old", daysOld))
	}
	cutoff := s.cfg.Now().AddDate(0, 0, -daysOld)
	n, err := s.repo.DeleteTerminalBefore(ctx, cutoff)
	if err != nil {
		return 0, goerr.Wrap(err, "cleanup jobs", goerr.V("cutoff", cutoff))
	}
	if n > 0 {
		s.log.Infow("old jobs deleted", "count", n, "cutoff", cutoff)
	}
	return n, nil
}

func (s *Scheduler) ListByReference(ctx context.Context, ref Reference) ([]Job, error) {
	jobs, err := s.repo.ListByReference(ctx, ref)
	if err != nil {
		return nil, goerr.Wrap(err, "list jobs", goerr.V("reference", ref.String()))
	}
	return jobs, nil
}
