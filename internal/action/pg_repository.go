package action

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

const actionColumns = `id, appointment_id, action_type, trigger_type, status,
	requires_validation, validated_at, validated_by, scheduled_at, execute_before_hours,
	retry_count, max_retries, result, error_message, metadata, executed_at,
	created_by, created_at, updated_at`

// open = not completed, not cancelled and not failed past its retry budget
const openPredicate = `(status IN ('pending', 'scheduled', 'in_progress')
		       OR (status = 'failed' AND retry_count < max_retries))`

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanAction(row pgx.Row) (*Action, error) {
	var a Action
	var result, metadata []byte

	err := row.Scan(
		&a.ID,
		&a.AppointmentID,
		&a.Type,
		&a.TriggerType,
		&a.Status,
		&a.RequiresValidation,
		&a.ValidatedAt,
		&a.ValidatedBy,
		&a.ScheduledAt,
		&a.ExecuteBeforeHours,
		&a.RetryCount,
		&a.MaxRetries,
		&result,
		&a.ErrorMessage,
		&metadata,
		&a.ExecutedAt,
		&a.CreatedBy,
		&a.CreatedAt,
		&a.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrActionNotFound
		}
		return nil, err
	}

	if len(result) > 0 {
		if err := json.Unmarshal(result, &a.Result); err != nil {
			return nil, fmt.Errorf("decode action result: %w", err)
		}
	}
	a.Metadata = map[string]any{}
	if len(metadata) > 0 {
		if err := json.Unmarshal(metadata, &a.Metadata); err != nil {
			return nil, fmt.Errorf("decode action metadata: %w", err)
		}
	}

	return &a, nil
}

// scanGuarded maps "no row" from a guarded update to ErrStatusConflict.
func scanGuarded(row pgx.Row) (*Action, error) {
	a, err := scanAction(row)
	if errors.Is(err, ErrActionNotFound) {
		return nil, ErrStatusConflict
	}
	return a, err
}

func collectActions(rows pgx.Rows) ([]Action, error) {
	defer rows.Close()

	var result []Action
	for rows.Next() {
		a, err := scanAction(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *a)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

func encodeJSON(v map[string]any) ([]byte, error) {
	if v == nil {
		return nil, nil
	}
	return json.Marshal(v)
}

// Interface methods

func (r *PgRepository) Create(ctx context.Context, a *Action) (*Action, error) {
	metadata, err := encodeJSON(a.Metadata)
	if err != nil {
		return nil, fmt.Errorf("encode action metadata: %w", err)
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO actions (id, appointment_id, action_type, trigger_type, status,
			requires_validation, scheduled_at, execute_before_hours, max_retries,
			metadata, created_by, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, COALESCE($10, '{}'::jsonb), $11, now(), now())
		RETURNING `+actionColumns,
		a.ID, a.AppointmentID, a.Type, a.TriggerType, a.Status,
		a.RequiresValidation, a.ScheduledAt, a.ExecuteBeforeHours, a.MaxRetries,
		metadata, a.CreatedBy)

	created, err := scanAction(row)
	if err != nil {
		var pgErr *pgconn.PgError
		if errors.As(err, &pgErr) && pgErr.Code == "23505" {
			return nil, ErrDuplicateActiveAction
		}
		return nil, err
	}
	return created, nil
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Action, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+actionColumns+` FROM actions WHERE id = $1`, id)
	return scanAction(row)
}

func (r *PgRepository) FindActive(ctx context.Context, appointmentID uuid.UUID, t Type) (*Action, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT `+actionColumns+`
		FROM actions
		WHERE appointment_id = $1
		  AND action_type = $2
		  AND status IN ('pending', 'scheduled', 'in_progress')
		LIMIT 1
	`, appointmentID, t)
	return scanAction(row)
}

func (r *PgRepository) ListByAppointment(ctx context.Context, appointmentID uuid.UUID) ([]Action, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+actionColumns+`
		FROM actions
		WHERE appointment_id = $1
		ORDER BY created_at, id
	`, appointmentID)
	if err != nil {
		return nil, err
	}
	return collectActions(rows)
}

func (r *PgRepository) ListByStatus(ctx context.Context, status Status, limit int) ([]Action, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+actionColumns+`
		FROM actions
		WHERE status = $1
		ORDER BY updated_at DESC
		LIMIT $2
	`, status, limit)
	if err != nil {
		return nil, err
	}
	return collectActions(rows)
}

func (r *PgRepository) ListReady(ctx context.Context, now time.Time, limit int) ([]Action, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+actionColumns+`
		FROM actions
		WHERE status IN ('pending', 'scheduled')
		  AND (requires_validation = false OR validated_at IS NOT NULL)
		  AND (scheduled_at IS NULL OR scheduled_at <= $1)
		ORDER BY COALESCE(scheduled_at, created_at), id
		LIMIT $2
	`, now, limit)
	if err != nil {
		return nil, err
	}
	return collectActions(rows)
}

func (r *PgRepository) ListAwaitingValidation(ctx context.Context, limit int) ([]Action, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+actionColumns+`
		FROM actions
		WHERE status = 'pending'
		  AND requires_validation = true
		  AND validated_at IS NULL
		ORDER BY created_at
		LIMIT $1
	`, limit)
	if err != nil {
		return nil, err
	}
	return collectActions(rows)
}

func (r *PgRepository) CountByStatus(ctx context.Context) (map[Status]int, error) {
	rows, err := r.pool.Query(ctx, `SELECT status, count(*) FROM actions GROUP BY status`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	counts := make(map[Status]int)
	for rows.Next() {
		var s Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return nil, err
		}
		counts[s] = n
	}
	return counts, rows.Err()
}

func (r *PgRepository) Claim(ctx context.Context, id uuid.UUID, at time.Time) (*Action, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE actions
		SET status = 'in_progress',
		    updated_at = $2
		WHERE id = $1
		  AND status IN ('pending', 'scheduled')
		  AND (requires_validation = false OR validated_at IS NOT NULL)
		RETURNING `+actionColumns, id, at)
	return scanGuarded(row)
}

func (r *PgRepository) Finish(ctx context.Context, id uuid.UUID, out Outcome) (*Action, error) {
	status := StatusFailed
	var errMsg *string
	if out.Succeeded {
		status = StatusCompleted
	} else {
		errMsg = &out.Error
	}

	result, err := encodeJSON(out.Result)
	if err != nil {
		return nil, fmt.Errorf("encode action result: %w", err)
	}

	row := r.pool.QueryRow(ctx, `
		UPDATE actions
		SET status = $2,
		    result = $3,
		    error_message = $4,
		    executed_at = $5,
		    updated_at = $5
		WHERE id = $1
		  AND status = 'in_progress'
		RETURNING `+actionColumns, id, status, result, errMsg, out.ExecutedAt)
	return scanGuarded(row)
}

func (r *PgRepository) MarkValidated(ctx context.Context, id uuid.UUID, actorID string, at time.Time) (*Action, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE actions
		SET status = 'scheduled',
		    validated_at = $3,
		    validated_by = $2,
		    updated_at = $3
		WHERE id = $1
		  AND status = 'pending'
		  AND requires_validation = true
		  AND validated_at IS NULL
		RETURNING `+actionColumns, id, actorID, at)
	return scanGuarded(row)
}

// FailStale relies on Claim stamping updated_at.
func (r *PgRepository) FailStale(ctx context.Context, cutoff time.Time, now time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE actions
		SET status = 'failed',
		    error_message = $3,
		    updated_at = $2
		WHERE status = 'in_progress'
		  AND updated_at < $1
	`, cutoff, now, StaleMessage)
	if err != nil {
		return 0, fmt.Errorf("fail stale actions: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PgRepository) ResetForRetry(ctx context.Context, id uuid.UUID, to Status, at time.Time) (*Action, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE actions
		SET status = $2,
		    retry_count = retry_count + 1,
		    error_message = NULL,
		    updated_at = $3
		WHERE id = $1
		  AND status = 'failed'
		  AND retry_count < max_retries
		RETURNING `+actionColumns, id, to, at)
	return scanGuarded(row)
}

func (r *PgRepository) Cancel(ctx context.Context, id uuid.UUID, reason string, at time.Time) (*Action, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE actions
		SET status = 'cancelled',
		    metadata = metadata || jsonb_build_object('cancel_reason', $2::text),
		    updated_at = $3
		WHERE id = $1
		  AND `+openPredicate+`
		RETURNING `+actionColumns, id, reason, at)
	return scanGuarded(row)
}

func (r *PgRepository) CancelOpenForAppointment(ctx context.Context, appointmentID uuid.UUID, reason string, at time.Time) ([]uuid.UUID, error) {
	rows, err := r.pool.Query(ctx, `
		UPDATE actions
		SET status = 'cancelled',
		    metadata = metadata || jsonb_build_object('cancel_reason', $2::text),
		    updated_at = $3
		WHERE appointment_id = $1
		  AND `+openPredicate+`
		RETURNING id
	`, appointmentID, reason, at)
	if err != nil {
		return nil, err
	}
	return pgx.CollectRows(rows, pgx.RowTo[uuid.UUID])
}

func (r *PgRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM actions
		WHERE (status IN ('completed', 'cancelled')
		       OR (status = 'failed' AND retry_count >= max_retries))
		  AND updated_at < $1
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete terminal actions: %w", err)
	}
	return tag.RowsAffected(), nil
}
