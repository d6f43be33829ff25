package appointment

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
)

var (
	ErrPatientNotFound     = errors.New("patient not found")
	ErrProviderNotFound    = errors.New("provider not found")
	ErrAppointmentNotFound = errors.New("appointment not found")
)

// Repository contains all DB interactions needed by the service.
type Repository interface {
	GetPatientByID(ctx context.Context, id uuid.UUID) (*Patient, error)
	GetProviderByID(ctx context.Context, id uuid.UUID) (*Provider, error)
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*Appointment, error)

	// Booking-side writes, used by seeding and tests
	CreatePatient(ctx context.Context, p *Patient) (*Patient, error)
	CreateProvider(ctx context.Context, p *Provider) (*Provider, error)
	CreateAppointment(ctx context.Context, a *Appointment) (*Appointment, error)

	// UpdateAppointmentStatus only applies when the stored status equals from;
	// otherwise it returns ErrAppointmentNotFound. Moving to confirmed also
	// stamps confirmed_at/confirmed_by.
	UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to AppointmentStatus, actorID string, at time.Time) (*Appointment, error)

	// Event logging
	InsertEvent(ctx context.Context, ev EventLog) error
	ListEvents(ctx context.Context, appointmentID uuid.UUID) ([]EventLog, error)
}
