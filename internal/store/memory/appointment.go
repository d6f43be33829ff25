package memory

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/appointment-automation/internal/appointment"
)

// AppointmentRepository is an in-memory appointment.Repository.
type AppointmentRepository struct {
	mu           sync.RWMutex
	patients     map[uuid.UUID]*appointment.Patient
	providers    map[uuid.UUID]*appointment.Provider
	appointments map[uuid.UUID]*appointment.Appointment
	events       []appointment.EventLog
	nextEventID  int64
}

func NewAppointmentRepository() *AppointmentRepository {
	return &AppointmentRepository{
		patients:     make(map[uuid.UUID]*appointment.Patient),
		providers:    make(map[uuid.UUID]*appointment.Provider),
		appointments: make(map[uuid.UUID]*appointment.Appointment),
	}
}

func copyStringPtr(s *string) *string {
	if s == nil {
		return nil
	}
	c := *s
	return &c
}

func copyTimePtr(t *time.Time) *time.Time {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

func copyPatient(p *appointment.Patient) *appointment.Patient {
	c := *p
	c.Email = copyStringPtr(p.Email)
	c.Phone = copyStringPtr(p.Phone)
	return &c
}

func copyAppointment(a *appointment.Appointment) *appointment.Appointment {
	c := *a
	c.ConfirmedAt = copyTimePtr(a.ConfirmedAt)
	c.ConfirmedBy = copyStringPtr(a.ConfirmedBy)
	return &c
}

func (r *AppointmentRepository) GetPatientByID(ctx context.Context, id uuid.UUID) (*appointment.Patient, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.patients[id]
	if !ok {
		return nil, appointment.ErrPatientNotFound
	}
	return copyPatient(p), nil
}

func (r *AppointmentRepository) GetProviderByID(ctx context.Context, id uuid.UUID) (*appointment.Provider, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	p, ok := r.providers[id]
	if !ok {
		return nil, appointment.ErrProviderNotFound
	}
	c := *p
	c.Specialty = copyStringPtr(p.Specialty)
	return &c, nil
}

func (r *AppointmentRepository) GetAppointmentByID(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	a, ok := r.appointments[id]
	if !ok {
		return nil, appointment.ErrAppointmentNotFound
	}
	return copyAppointment(a), nil
}

func (r *AppointmentRepository) CreatePatient(ctx context.Context, p *appointment.Patient) (*appointment.Patient, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := copyPatient(p)
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.PreferredChannel == "" {
		c.PreferredChannel = appointment.ChannelEmail
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	r.patients[c.ID] = c
	return copyPatient(c), nil
}

func (r *AppointmentRepository) CreateProvider(ctx context.Context, p *appointment.Provider) (*appointment.Provider, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := *p
	c.Specialty = copyStringPtr(p.Specialty)
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	r.providers[c.ID] = &c
	out := c
	return &out, nil
}

func (r *AppointmentRepository) CreateAppointment(ctx context.Context, a *appointment.Appointment) (*appointment.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	c := copyAppointment(a)
	if c.ID == uuid.Nil {
		c.ID = uuid.New()
	}
	if c.Status == "" {
		c.Status = appointment.StatusScheduled
	}
	if c.AppointmentDate == "" {
		c.AppointmentDate = c.StartsAt.Format("2006-01-02")
	}
	if c.StartTime == "" {
		c.StartTime = c.StartsAt.Format("15:04")
	}
	now := time.Now().UTC()
	c.CreatedAt, c.UpdatedAt = now, now
	r.appointments[c.ID] = c
	return copyAppointment(c), nil
}

func (r *AppointmentRepository) UpdateAppointmentStatus(ctx context.Context, id uuid.UUID, from, to appointment.AppointmentStatus, actorID string, at time.Time) (*appointment.Appointment, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	a, ok := r.appointments[id]
	if !ok || a.Status != from {
		return nil, appointment.ErrAppointmentNotFound
	}
	a.Status = to
	a.UpdatedAt = at
	if to == appointment.StatusConfirmed {
		confirmedAt := at
		actor := actorID
		a.ConfirmedAt = &confirmedAt
		a.ConfirmedBy = &actor
	}
	return copyAppointment(a), nil
}

func (r *AppointmentRepository) InsertEvent(ctx context.Context, ev appointment.EventLog) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.nextEventID++
	ev.ID = r.nextEventID
	if ev.CreatedAt.IsZero() {
		ev.CreatedAt = time.Now().UTC()
	}
	ev.Payload = append([]byte(nil), ev.Payload...)
	r.events = append(r.events, ev)
	return nil
}

func (r *AppointmentRepository) ListEvents(ctx context.Context, appointmentID uuid.UUID) ([]appointment.EventLog, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	var out []appointment.EventLog
	for _, ev := range r.events {
		if ev.AppointmentID != nil && *ev.AppointmentID == appointmentID {
			out = append(out, ev)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

var _ appointment.Repository = (*AppointmentRepository)(nil)
