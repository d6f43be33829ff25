package consent

import (
	"context"
	"errors"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const requestColumns = `id, action_id, appointment_id, patient_id, token, status, created_at, updated_at`

type PgRepository struct {
	pool *pgxpool.Pool
}

func NewPgRepository(pool *pgxpool.Pool) *PgRepository {
	return &PgRepository{pool: pool}
}

func scanRequest(row pgx.Row) (*Request, error) {
	var r Request
	err := row.Scan(&r.ID, &r.ActionID, &r.AppointmentID, &r.PatientID, &r.Token, &r.Status, &r.CreatedAt, &r.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrRequestNotFound
		}
		return nil, err
	}
	return &r, nil
}

func (p *PgRepository) Upsert(ctx context.Context, r *Request) (*Request, error) {
	row := p.pool.QueryRow(ctx, `
		INSERT INTO consent_requests (id, action_id, appointment_id, patient_id, token, status, created_at, updated_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $7)
		ON CONFLICT (action_id) DO UPDATE SET updated_at = EXCLUDED.updated_at
		RETURNING `+requestColumns,
		r.ID, r.ActionID, r.AppointmentID, r.PatientID, r.Token, r.Status, r.CreatedAt)
	return scanRequest(row)
}

func (p *PgRepository) GetByToken(ctx context.Context, token string) (*Request, error) {
	row := p.pool.QueryRow(ctx, `SELECT `+requestColumns+` FROM consent_requests WHERE token = $1`, token)
	return scanRequest(row)
}
