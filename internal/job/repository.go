package job

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrJobNotFound      = errors.New("job not found")
	ErrStatusConflict   = errors.New("job status changed concurrently")
	ErrUnknownJobType   = errors.New("no handler registered for job type")
	ErrInvalidReference = errors.New("invalid job reference")
)

// Repository is the durable queue. ClaimDue is the only way jobs enter
// in_progress and must hand each due job to exactly one caller.
type Repository interface {
	Create(ctx context.Context, j *Job) (*Job, error)
	GetByID(ctx context.Context, id uuid.UUID) (*Job, error)
	ListByReference(ctx context.Context, ref Reference) ([]Job, error)

	// ClaimDue atomically flips up to limit scheduled jobs with execute_at <= now
	// to in_progress and returns them ordered by execute_at.
	ClaimDue(ctx context.Context, now time.Time, limit int, workerID string) ([]Job, error)
	// Complete and Fail only act on in_progress jobs; otherwise ErrStatusConflict.
	Complete(ctx context.Context, id uuid.UUID, at time.Time) (*Job, error)
	Fail(ctx context.Context, id uuid.UUID, msg string, at time.Time) (*Job, error)

	// CancelByReferences cancels non-terminal jobs pointing at any ref. Failed
	// jobs with no retries left are terminal and stay failed.
	CancelByReferences(ctx context.Context, refs []Reference, at time.Time) (int, error)
	// RescheduleFailed moves failed jobs with retries left back to scheduled
	// at executeAt and increments retry_count.
	RescheduleFailed(ctx context.Context, executeAt time.Time, now time.Time) (int, error)
	// FailStale fails in_progress jobs claimed before cutoff.
	FailStale(ctx context.Context, cutoff time.Time, now time.Time) (int, error)
	Stats(ctx context.Context, now time.Time) (Stats, error)
	DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error)
}
