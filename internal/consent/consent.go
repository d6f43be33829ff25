package consent

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/m-mizutani/goerr/v2"
)

var ErrRequestNotFound = errors.New("consent request not found")

type Status string

const (
	StatusSent   Status = "sent"
	StatusSigned Status = "signed"
)

// Request is one consent form sent to a patient for an appointment.
type Request struct {
	ID            uuid.UUID
	ActionID      uuid.UUID
	AppointmentID uuid.UUID
	PatientID     uuid.UUID
	Token         string
	Status        Status
	CreatedAt     time.Time
	UpdatedAt     time.Time
	URL           string
}

type NewRequest struct {
	ActionID      uuid.UUID
	AppointmentID uuid.UUID
	PatientID     uuid.UUID
}

// Repository stores consent requests. Upsert is keyed on the action id so a
// retried action gets its original token back.
type Repository interface {
	Upsert(ctx context.Context, r *Request) (*Request, error)
	GetByToken(ctx context.Context, token string) (*Request, error)
}

type Service struct {
	repo    Repository
	baseURL string
	now     func() time.Time
}

func NewService(repo Repository, baseURL string, now func() time.Time) *Service {
	if now == nil {
		now = time.Now
	}
	return &Service{repo: repo, baseURL: strings.TrimRight(baseURL, "/"), now: now}
}

// CreateRequest records a consent request and returns it with its signing URL.
func (s *Service) CreateRequest(ctx context.Context, n NewRequest) (*Request, error) {
	now := s.now()
	r, err := s.repo.Upsert(ctx, &Request{
		ID:            uuid.New(),
		ActionID:      n.ActionID,
		AppointmentID: n.AppointmentID,
		PatientID:     n.PatientID,
		Token:         uuid.NewString(),
		Status:        StatusSent,
		CreatedAt:     now,
		UpdatedAt:     now,
	})
	if err != nil {
		return nil, goerr.Wrap(err, "create consent request",
			goerr.V("action_id", n.ActionID), goerr.V("appointment_id", n.AppointmentID))
	}
	r.URL = s.baseURL + "/" + r.Token
	return r, nil
}

func (s *Service) GetByToken(ctx context.Context, token string) (*Request, error) {
	r, err := s.repo.GetByToken(ctx, token)
	if err != nil {
		return nil, goerr.Wrap(err, "get consent request")
	}
	r.URL = s.baseURL + "/" + r.Token
	return r, nil
}
