package job

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const jobColumns = `id, job_type, payload, execute_at, status, reference_type, reference_id,
	retry_count, max_retries, executed_at, error_message, claimed_by, claimed_at,
	created_at, updated_at`

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

// Helpers

func scanJob(row pgx.Row) (*Job, error) {
	var j Job
	var payload []byte
	var refType *ReferenceType
	var refID *uuid.UUID

	err := row.Scan(
		&j.ID,
		&j.Type,
		&payload,
		&j.ExecuteAt,
		&j.Status,
		&refType,
		&refID,
		&j.RetryCount,
		&j.MaxRetries,
		&j.ExecutedAt,
		&j.ErrorMessage,
		&j.ClaimedBy,
		&j.ClaimedAt,
		&j.CreatedAt,
		&j.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrJobNotFound
		}
		return nil, err
	}

	j.Payload = map[string]any{}
	if len(payload) > 0 {
		if err := json.Unmarshal(payload, &j.Payload); err != nil {
			return nil, fmt.Errorf("decode job payload: %w", err)
		}
	}
	if refType != nil && refID != nil {
		j.Reference = &Reference{Type: *refType, ID: *refID}
	}

	return &j, nil
}

func collectJobs(rows pgx.Rows) ([]Job, error) {
	defer rows.Close()

	var result []Job
	for rows.Next() {
		j, err := scanJob(rows)
		if err != nil {
			return nil, err
		}
		result = append(result, *j)
	}

	if err := rows.Err(); err != nil {
		return nil, err
	}

	return result, nil
}

// Interface methods

func (r *PgRepository) Create(ctx context.Context, j *Job) (*Job, error) {
	if j.Payload == nil {
		j.Payload = map[string]any{}
	}
	payload, err := json.Marshal(j.Payload)
	if err != nil {
		return nil, fmt.Errorf("encode job payload: %w", err)
	}

	var refType *ReferenceType
	var refID *uuid.UUID
	if j.Reference != nil {
		refType = &j.Reference.Type
		refID = &j.Reference.ID
	}

	row := r.pool.QueryRow(ctx, `
		INSERT INTO scheduled_jobs (id, job_type, payload, execute_at, status,
			reference_type, reference_id, max_retries, created_at, updated_at)
		VALUES ($1, $2, $3, $4, 'scheduled', $5, $6, $7, now(), now())
		RETURNING `+jobColumns,
		j.ID, j.Type, payload, j.ExecuteAt, refType, refID, j.MaxRetries)

	return scanJob(row)
}

func (r *PgRepository) GetByID(ctx context.Context, id uuid.UUID) (*Job, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+jobColumns+` FROM scheduled_jobs WHERE id = $1`, id)
	return scanJob(row)
}

func (r *PgRepository) ListByReference(ctx context.Context, ref Reference) ([]Job, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+jobColumns+`
		FROM scheduled_jobs
		WHERE reference_type = $1 AND reference_id = $2
		ORDER BY execute_at
	`, ref.Type, ref.ID)
	if err != nil {
		return nil, err
	}
	return collectJobs(rows)
}

// ClaimDue locks due rows with SKIP LOCKED and flips them in the same
// statement, so concurrent pollers never receive the same job.
func (r *PgRepository) ClaimDue(ctx context.Context, now time.Time, limit int, workerID string) ([]Job, error) {
	rows, err := r.pool.Query(ctx, `
		WITH due AS (
			SELECT id
			FROM scheduled_jobs
			WHERE status = 'scheduled'
			  AND execute_at <= $1
			ORDER BY execute_at
			LIMIT $2
			FOR UPDATE SKIP LOCKED
		)
		UPDATE scheduled_jobs j
		SET status = 'in_progress',
		    claimed_by = $3,
		    claimed_at = $1,
		    updated_at = $1
		FROM due
		WHERE j.id = due.id
		RETURNING `+prefixed("j", jobColumns),
		now, limit, workerID)
	if err != nil {
		return nil, fmt.Errorf("claim due jobs: %w", err)
	}

	jobs, err := collectJobs(rows)
	if err != nil {
		return nil, err
	}
	// UPDATE ... RETURNING does not preserve the CTE order
	sortByExecuteAt(jobs)
	return jobs, nil
}

func (r *PgRepository) Complete(ctx context.Context, id uuid.UUID, at time.Time) (*Job, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE scheduled_jobs
		SET status = 'completed',
		    executed_at = $2,
		    error_message = NULL,
		    updated_at = $2
		WHERE id = $1 AND status = 'in_progress'
		RETURNING `+jobColumns, id, at)
	return scanGuarded(row)
}

func (r *PgRepository) Fail(ctx context.Context, id uuid.UUID, msg string, at time.Time) (*Job, error) {
	row := r.pool.QueryRow(ctx, `
		UPDATE scheduled_jobs
		SET status = 'failed',
		    executed_at = $3,
		    error_message = $2,
		    updated_at = $3
		WHERE id = $1 AND status = 'in_progress'
		RETURNING `+jobColumns, id, msg, at)
	return scanGuarded(row)
}

func scanGuarded(row pgx.Row) (*Job, error) {
	j, err := scanJob(row)
	if errors.Is(err, ErrJobNotFound) {
		return nil, ErrStatusConflict
	}
	return j, err
}

func (r *PgRepository) CancelByReferences(ctx context.Context, refs []Reference, at time.Time) (int, error) {
	if len(refs) == 0 {
		return 0, nil
	}

	types := make([]string, len(refs))
	ids := make([]uuid.UUID, len(refs))
	for i, ref := range refs {
		types[i] = string(ref.Type)
		ids[i] = ref.ID
	}

	tag, err := r.pool.Exec(ctx, `
		UPDATE scheduled_jobs j
		SET status = 'cancelled',
		    updated_at = $3
		FROM unnest($1::text[], $2::uuid[]) AS ref(reference_type, reference_id)
		WHERE j.reference_type = ref.reference_type
		  AND j.reference_id = ref.reference_id
		  AND (j.status IN ('scheduled', 'in_progress')
		       OR (j.status = 'failed' AND j.retry_count < j.max_retries))
	`, types, ids, at)
	if err != nil {
		return 0, fmt.Errorf("cancel jobs by reference: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PgRepository) RescheduleFailed(ctx context.Context, executeAt time.Time, now time.Time) (int, error) {
	// the previous execute_at is kept in payload.execute_at_history
	tag, err := r.pool.Exec(ctx, `
		UPDATE scheduled_jobs
		SET status = 'scheduled',
		    retry_count = retry_count + 1,
		    payload = jsonb_set(payload, '{execute_at_history}',
		        COALESCE(payload->'execute_at_history', '[]'::jsonb) || to_jsonb(execute_at)),
		    execute_at = $1,
		    claimed_by = NULL,
		    claimed_at = NULL,
		    updated_at = $2
		WHERE status = 'failed'
		  AND retry_count < max_retries
	`, executeAt, now)
	if err != nil {
		return 0, fmt.Errorf("reschedule failed jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PgRepository) FailStale(ctx context.Context, cutoff time.Time, now time.Time) (int, error) {
	tag, err := r.pool.Exec(ctx, `
		UPDATE scheduled_jobs
		SET status = 'failed',
		    error_message = 'claimed by ' || COALESCE(claimed_by, 'unknown') || ' and never finished',
		    updated_at = $2
		WHERE status = 'in_progress'
		  AND claimed_at < $1
	`, cutoff, now)
	if err != nil {
		return 0, fmt.Errorf("fail stale jobs: %w", err)
	}
	return int(tag.RowsAffected()), nil
}

func (r *PgRepository) Stats(ctx context.Context, now time.Time) (Stats, error) {
	stats := Stats{Counts: make(map[Status]int)}

	rows, err := r.pool.Query(ctx, `SELECT status, count(*) FROM scheduled_jobs GROUP BY status`)
	if err != nil {
		return stats, fmt.Errorf("count jobs: %w", err)
	}
	defer rows.Close()
	for rows.Next() {
		var s Status
		var n int
		if err := rows.Scan(&s, &n); err != nil {
			return stats, err
		}
		stats.Counts[s] = n
	}
	if err := rows.Err(); err != nil {
		return stats, err
	}

	err = r.pool.QueryRow(ctx, `
		SELECT count(*), min(execute_at)
		FROM scheduled_jobs
		WHERE status = 'scheduled' AND execute_at <= $1
	`, now).Scan(&stats.Due, &stats.OldestDueAt)
	if err != nil {
		return stats, fmt.Errorf("count due jobs: %w", err)
	}

	return stats, nil
}

func (r *PgRepository) DeleteTerminalBefore(ctx context.Context, cutoff time.Time) (int64, error) {
	tag, err := r.pool.Exec(ctx, `
		DELETE FROM scheduled_jobs
		WHERE updated_at < $1
		  AND (status IN ('completed', 'cancelled')
		       OR (status = 'failed' AND retry_count >= max_retries))
	`, cutoff)
	if err != nil {
		return 0, fmt.Errorf("delete old jobs: %w", err)
	}
	return tag.RowsAffected(), nil
}

// prefixed qualifies every column of a column list with a table alias.
func prefixed(alias, columns string) string {
	parts := strings.Split(columns, ",")
	for i, p := range parts {
		parts[i] = alias + "." + strings.TrimSpace(p)
	}
	return strings.Join(parts, ", ")
}

func sortByExecuteAt(jobs []Job) {
	sort.SliceStable(jobs, func(i, k int) bool {
		return jobs[i].ExecuteAt.Before(jobs[k].ExecuteAt)
	})
}
