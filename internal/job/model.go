package job

import (
	"fmt"
	"time"

	"github.com/google/uuid"
)

type Status string

const (
	StatusScheduled  Status = "scheduled"
	StatusInProgress Status = "in_progress"
	StatusCompleted  Status = "completed"
	StatusFailed     Status = "failed"
	StatusCancelled  Status = "cancelled"
)

// Type names a kind of work. Jobs carry no action semantics of their own.
type Type string

const (
	// TypeExecuteAction runs an existing action; payload carries action_id.
	TypeExecuteAction Type = "execute_action"
	// TypeAdhocAction creates a manual action and runs it; payload carries
	// appointment_id, action_type and an optional context object.
	TypeAdhocAction Type = "adhoc_action"
)

const DefaultMaxRetries = 3

// ReferenceType is the kind of entity a job points back to.
type ReferenceType string

const (
	RefAppointment ReferenceType = "appointment"
	RefAction      ReferenceType = "action"
)

func (t ReferenceType) Valid() bool {
	return t == RefAppointment || t == RefAction
}

// Reference is the tagged back-link used for bulk cancellation.
type Reference struct {
	Type ReferenceType
	ID   uuid.UUID
}

func AppointmentRef(id uuid.UUID) Reference { return Reference{Type: RefAppointment, ID: id} }
func ActionRef(id uuid.UUID) Reference      { return Reference{Type: RefAction, ID: id} }

func (r Reference) String() string {
	return fmt.Sprintf("%s:%s", r.Type, r.ID)
}

// Job is a generic "do X at time T" record.
type Job struct {
	ID           uuid.UUID
	Type         Type
	Payload      map[string]any
	ExecuteAt    time.Time
	Status       Status
	Reference    *Reference
	RetryCount   int
	MaxRetries   int
	ExecutedAt   *time.Time
	ErrorMessage *string
	ClaimedBy    *string
	ClaimedAt    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
}

func (j *Job) IsTerminal() bool {
	switch j.Status {
	case StatusCompleted, StatusCancelled:
		return true
	case StatusFailed:
		return j.RetryCount >= j.MaxRetries
	}
	return false
}

// PayloadString reads a string field from the payload.
func (j *Job) PayloadString(key string) (string, bool) {
	v, ok := j.Payload[key]
	if !ok {
		return "", false
	}
	s, ok := v.(string)
	return s, ok
}

// PayloadUUID reads a uuid stored as a string field of the payload.
func (j *Job) PayloadUUID(key string) (uuid.UUID, error) {
	s, ok := j.PayloadString(key)
	if !ok {
		return uuid.Nil, fmt.Errorf("payload field %q missing", key)
	}
	id, err := uuid.Parse(s)
	if err != nil {
		return uuid.Nil, fmt.Errorf("payload field %q: %w", key, err)
	}
	return id, nil
}

// Stats summarises the queue of one tenant.
type Stats struct {
	Counts      map[Status]int
	Due         int
	OldestDueAt *time.Time
}
