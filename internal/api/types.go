package api

import (
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"

	"github.com/hackgods/appointment-automation/internal/action"
	"github.com/hackgods/appointment-automation/internal/appointment"
	"github.com/hackgods/appointment-automation/internal/job"
)

// Requests

type TransitionRequest struct {
	Status           string         `json:"status" validate:"required"`
	ActorID          string         `json:"actor_id" validate:"required"`
	Reason           string         `json:"reason"`
	SkipActions      []string       `json:"skip_actions"`
	Context          map[string]any `json:"context"`
	ExecuteImmediate bool           `json:"execute_immediate"`
}

type ScheduleTimedActionsRequest struct {
	ActorID string `json:"actor_id" validate:"required"`
}

type CreateActionRequest struct {
	ActionType         string         `json:"action_type" validate:"required"`
	ActorID            string         `json:"actor_id" validate:"required"`
	RequiresValidation bool           `json:"requires_validation"`
	ScheduledAt        *time.Time     `json:"scheduled_at"`
	MaxRetries         int            `json:"max_retries" validate:"gte=0,lte=20"`
	Metadata           map[string]any `json:"metadata"`
}

type ValidateActionRequest struct {
	ActorID string `json:"actor_id" validate:"required"`
}

type CancelActionRequest struct {
	Reason string `json:"reason" validate:"required"`
}

type ExecuteActionRequest struct {
	Context map[string]any `json:"context"`
}

type ExecuteReadyRequest struct {
	Limit   int            `json:"limit" validate:"gte=0,lte=500"`
	Context map[string]any `json:"context"`
}

type ProcessJobsRequest struct {
	Limit int `json:"limit" validate:"gte=0,lte=500"`
}

type CleanupJobsRequest struct {
	DaysOld *int `json:"days_old" validate:"omitempty,gte=0"`
}

type ReferenceRequest struct {
	Type string `json:"type" validate:"required,oneof=appointment action"`
	ID   string `json:"id" validate:"required,uuid"`
}

type ScheduleJobRequest struct {
	JobType    string            `json:"job_type" validate:"required,oneof=execute_action adhoc_action"`
	ExecuteAt  time.Time         `json:"execute_at" validate:"required"`
	Payload    map[string]any    `json:"payload"`
	Reference  *ReferenceRequest `json:"reference"`
	MaxRetries int               `json:"max_retries" validate:"gte=0,lte=20"`
}

type CancelJobsRequest struct {
	References []ReferenceRequest `json:"references" validate:"required,min=1,dive"`
}

// Responses

type AppointmentResponse struct {
	ID                 uuid.UUID  `json:"id"`
	PatientID          uuid.UUID  `json:"patient_id"`
	ProviderID         uuid.UUID  `json:"provider_id"`
	ServiceID          uuid.UUID  `json:"service_id"`
	Status             string     `json:"status"`
	AppointmentDate    string     `json:"appointment_date"`
	StartTime          string     `json:"start_time"`
	StartsAt           time.Time  `json:"starts_at"`
	ConfirmedAt        *time.Time `json:"confirmed_at,omitempty"`
	ConfirmedBy        *string    `json:"confirmed_by,omitempty"`
	UpdatedAt          time.Time  `json:"updated_at"`
	AllowedTransitions []string   `json:"allowed_transitions"`
}

type ActionResponse struct {
	ID                 uuid.UUID      `json:"id"`
	AppointmentID      uuid.UUID      `json:"appointment_id"`
	ActionType         string         `json:"action_type"`
	TriggerType        string         `json:"trigger_type"`
	Status             string         `json:"status"`
	RequiresValidation bool           `json:"requires_validation"`
	ValidatedAt        *time.Time     `json:"validated_at,omitempty"`
	ValidatedBy        *string        `json:"validated_by,omitempty"`
	ScheduledAt        *time.Time     `json:"scheduled_at,omitempty"`
	RetryCount         int            `json:"retry_count"`
	MaxRetries         int            `json:"max_retries"`
	Result             map[string]any `json:"result,omitempty"`
	ErrorMessage       *string        `json:"error_message,omitempty"`
	Metadata           map[string]any `json:"metadata,omitempty"`
	ExecutedAt         *time.Time     `json:"executed_at,omitempty"`
	CreatedBy          string         `json:"created_by"`
	CreatedAt          time.Time      `json:"created_at"`
	UpdatedAt          time.Time      `json:"updated_at"`
}

type JobResponse struct {
	ID            uuid.UUID      `json:"id"`
	JobType       string         `json:"job_type"`
	Status        string         `json:"status"`
	ExecuteAt     time.Time      `json:"execute_at"`
	Payload       map[string]any `json:"payload"`
	ReferenceType string         `json:"reference_type,omitempty"`
	ReferenceID   *uuid.UUID     `json:"reference_id,omitempty"`
	RetryCount    int            `json:"retry_count"`
	MaxRetries    int            `json:"max_retries"`
	ErrorMessage  *string        `json:"error_message,omitempty"`
	ExecutedAt    *time.Time     `json:"executed_at,omitempty"`
}

type TransitionResponse struct {
	Appointment      AppointmentResponse `json:"appointment"`
	From             string              `json:"from"`
	Actions          []ActionResponse    `json:"actions"`
	Jobs             []JobResponse       `json:"jobs"`
	CancelledActions []uuid.UUID         `json:"cancelled_actions"`
	CancelledJobs    int                 `json:"cancelled_jobs"`
}

type SummaryResponse struct {
	Counts             map[string]int   `json:"counts"`
	AwaitingValidation []ActionResponse `json:"awaiting_validation"`
	Failed             []ActionResponse `json:"failed"`
}

type ExecuteReadyResponse struct {
	Attempted int               `json:"attempted"`
	Completed int               `json:"completed"`
	Failed    int               `json:"failed"`
	Errors    map[string]string `json:"errors,omitempty"`
}

type ProcessJobsResponse struct {
	Claimed   int  `json:"claimed"`
	Completed int  `json:"completed"`
	Failed    int  `json:"failed"`
	Discarded int  `json:"discarded"`
	Skipped   bool `json:"skipped"`
}

type JobStatsResponse struct {
	Counts      map[string]int `json:"counts"`
	Due         int            `json:"due"`
	OldestDueAt *time.Time     `json:"oldest_due_at,omitempty"`
}

type CountResponse struct {
	Count int `json:"count"`
}

type CleanupResponse struct {
	DeletedJobs    int64 `json:"deleted_jobs"`
	DeletedActions int64 `json:"deleted_actions"`
}

type EventResponse struct {
	ID        int64           `json:"id"`
	EventType string          `json:"event_type"`
	Payload   json.RawMessage `json:"payload,omitempty"`
	CreatedAt time.Time       `json:"created_at"`
}

type ErrorResponse struct {
	Error   string `json:"error"`
	Details string `json:"details,omitempty"`
	// Allowed lists the valid targets when a transition is rejected.
	Allowed []string `json:"allowed,omitempty"`
	// Action is the recorded action when a handler failed.
	Action *ActionResponse `json:"action,omitempty"`
}

// Mapping

func toAppointmentResponse(a *appointment.Appointment) AppointmentResponse {
	allowed := appointment.AllowedTransitions(a.Status)
	targets := make([]string, len(allowed))
	for i, s := range allowed {
		targets[i] = string(s)
	}
	return AppointmentResponse{
		ID:                 a.ID,
		PatientID:          a.PatientID,
		ProviderID:         a.ProviderID,
		ServiceID:          a.ServiceID,
		Status:             string(a.Status),
		AppointmentDate:    a.AppointmentDate,
		StartTime:          a.StartTime,
		StartsAt:           a.StartsAt,
		ConfirmedAt:        a.ConfirmedAt,
		ConfirmedBy:        a.ConfirmedBy,
		UpdatedAt:          a.UpdatedAt,
		AllowedTransitions: targets,
	}
}

func toActionResponse(a *action.Action) ActionResponse {
	return ActionResponse{
		ID:                 a.ID,
		AppointmentID:      a.AppointmentID,
		ActionType:         string(a.Type),
		TriggerType:        string(a.TriggerType),
		Status:             string(a.Status),
		RequiresValidation: a.RequiresValidation,
		ValidatedAt:        a.ValidatedAt,
		ValidatedBy:        a.ValidatedBy,
		ScheduledAt:        a.ScheduledAt,
		RetryCount:         a.RetryCount,
		MaxRetries:         a.MaxRetries,
		Result:             a.Result,
		ErrorMessage:       a.ErrorMessage,
		Metadata:           a.Metadata,
		ExecutedAt:         a.ExecutedAt,
		CreatedBy:          a.CreatedBy,
		CreatedAt:          a.CreatedAt,
		UpdatedAt:          a.UpdatedAt,
	}
}

func toActionResponses(list []action.Action) []ActionResponse {
	out := make([]ActionResponse, len(list))
	for i := range list {
		out[i] = toActionResponse(&list[i])
	}
	return out
}

func toJobResponse(j *job.Job) JobResponse {
	resp := JobResponse{
		ID:           j.ID,
		JobType:      string(j.Type),
		Status:       string(j.Status),
		ExecuteAt:    j.ExecuteAt,
		Payload:      j.Payload,
		RetryCount:   j.RetryCount,
		MaxRetries:   j.MaxRetries,
		ErrorMessage: j.ErrorMessage,
		ExecutedAt:   j.ExecutedAt,
	}
	if j.Reference != nil {
		id := j.Reference.ID
		resp.ReferenceType = string(j.Reference.Type)
		resp.ReferenceID = &id
	}
	return resp
}

func toTransitionResponse(res *appointment.TransitionResult) TransitionResponse {
	resp := TransitionResponse{
		Appointment:      toAppointmentResponse(res.Appointment),
		From:             string(res.From),
		Actions:          make([]ActionResponse, 0, len(res.Actions)),
		Jobs:             make([]JobResponse, 0, len(res.Jobs)),
		CancelledActions: res.CancelledActions,
		CancelledJobs:    res.CancelledJobs,
	}
	if resp.CancelledActions == nil {
		resp.CancelledActions = []uuid.UUID{}
	}
	for _, a := range res.Actions {
		resp.Actions = append(resp.Actions, toActionResponse(a))
	}
	for _, j := range res.Jobs {
		resp.Jobs = append(resp.Jobs, toJobResponse(j))
	}
	return resp
}

func toReference(r ReferenceRequest) job.Reference {
	// validated as a uuid before mapping
	id, _ := uuid.Parse(r.ID)
	return job.Reference{Type: job.ReferenceType(r.Type), ID: id}
}
