package api

import (
	"errors"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/hackgods/appointment-automation/internal/action"
	"github.com/hackgods/appointment-automation/internal/appointment"
	"github.com/hackgods/appointment-automation/internal/job"
)

func parseID(w http.ResponseWriter, r *http.Request, code string) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "id"))
	if err != nil {
		writeError(w, http.StatusBadRequest, code, "id must be a valid UUID")
		return uuid.Nil, false
	}
	return id, true
}

// Appointments

func getAppointmentHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "invalid_appointment_id")
	if !ok {
		return
	}
	appt, err := engineFrom(r.Context()).GetAppointment(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toAppointmentResponse(appt))
}

func transitionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "invalid_appointment_id")
	if !ok {
		return
	}
	var req TransitionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	opts := appointment.TransitionOptions{
		Reason:           req.Reason,
		Context:          req.Context,
		ExecuteImmediate: req.ExecuteImmediate,
	}
	for _, t := range req.SkipActions {
		opts.SkipActions = append(opts.SkipActions, action.Type(t))
	}

	res, err := engineFrom(r.Context()).Transition(r.Context(), id, appointment.AppointmentStatus(req.Status), req.ActorID, opts)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toTransitionResponse(res))
}

func scheduleTimedActionsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "invalid_appointment_id")
	if !ok {
		return
	}
	var req ScheduleTimedActionsRequest
	if !decodeBody(w, r, &req) {
		return
	}

	created, err := engineFrom(r.Context()).ScheduleTimedActions(r.Context(), id, req.ActorID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := make([]ActionResponse, 0, len(created))
	for _, a := range created {
		out = append(out, toActionResponse(a))
	}
	writeJSON(w, http.StatusOK, out)
}

func listActionsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "invalid_appointment_id")
	if !ok {
		return
	}
	list, err := engineFrom(r.Context()).ListActions(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toActionResponses(list))
}

func createActionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "invalid_appointment_id")
	if !ok {
		return
	}
	var req CreateActionRequest
	if !decodeBody(w, r, &req) {
		return
	}

	a, err := engineFrom(r.Context()).CreateManualAction(r.Context(), id, action.Type(req.ActionType), req.ActorID, appointment.ManualActionOptions{
		RequiresValidation: req.RequiresValidation,
		ScheduledAt:        req.ScheduledAt,
		MaxRetries:         req.MaxRetries,
		Metadata:           req.Metadata,
	})
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toActionResponse(a))
}

func listEventsHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "invalid_appointment_id")
	if !ok {
		return
	}
	events, err := engineFrom(r.Context()).ListEvents(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	out := make([]EventResponse, 0, len(events))
	for _, ev := range events {
		out = append(out, EventResponse{ID: ev.ID, EventType: ev.EventType, Payload: ev.Payload, CreatedAt: ev.CreatedAt})
	}
	writeJSON(w, http.StatusOK, out)
}

// Actions

func getActionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "invalid_action_id")
	if !ok {
		return
	}
	a, err := engineFrom(r.Context()).GetAction(r.Context(), id)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toActionResponse(a))
}

func validateActionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "invalid_action_id")
	if !ok {
		return
	}
	var req ValidateActionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	a, err := engineFrom(r.Context()).ValidateAction(r.Context(), id, req.ActorID)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toActionResponse(a))
}

func cancelActionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "invalid_action_id")
	if !ok {
		return
	}
	var req CancelActionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	a, err := engineFrom(r.Context()).CancelAction(r.Context(), id, req.Reason)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toActionResponse(a))
}

// writeRunResult reports a handler failure as 502 together with the
// recorded action.
func writeRunResult(w http.ResponseWriter, a *action.Action, err error) {
	var he *action.HandlerError
	if errors.As(err, &he) && a != nil {
		resp := toActionResponse(a)
		writeJSON(w, http.StatusBadGateway, ErrorResponse{
			Error:   "handler_failed",
			Details: err.Error(),
			Action:  &resp,
		})
		return
	}
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, toActionResponse(a))
}

func executeActionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "invalid_action_id")
	if !ok {
		return
	}
	var req ExecuteActionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	a, err := engineFrom(r.Context()).ExecuteAction(r.Context(), id, req.Context)
	writeRunResult(w, a, err)
}

func retryActionHandler(w http.ResponseWriter, r *http.Request) {
	id, ok := parseID(w, r, "invalid_action_id")
	if !ok {
		return
	}
	var req ExecuteActionRequest
	if !decodeBody(w, r, &req) {
		return
	}
	a, err := engineFrom(r.Context()).RetryAction(r.Context(), id, req.Context)
	writeRunResult(w, a, err)
}

func summaryHandler(w http.ResponseWriter, r *http.Request) {
	s, err := engineFrom(r.Context()).GetPendingActionsSummary(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	counts := make(map[string]int, len(s.Counts))
	for st, n := range s.Counts {
		counts[string(st)] = n
	}
	writeJSON(w, http.StatusOK, SummaryResponse{
		Counts:             counts,
		AwaitingValidation: toActionResponses(s.AwaitingValidation),
		Failed:             toActionResponses(s.Failed),
	})
}

func executeReadyHandler(w http.ResponseWriter, r *http.Request) {
	var req ExecuteReadyRequest
	if !decodeBody(w, r, &req) {
		return
	}
	if req.Limit == 0 {
		req.Limit = 100
	}
	report, err := engineFrom(r.Context()).ExecuteReadyActions(r.Context(), req.Context, req.Limit)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	errs := make(map[string]string, len(report.Errors))
	for id, msg := range report.Errors {
		errs[id.String()] = msg
	}
	writeJSON(w, http.StatusOK, ExecuteReadyResponse{
		Attempted: report.Attempted,
		Completed: report.Completed,
		Failed:    report.Failed,
		Errors:    errs,
	})
}

// Jobs

func scheduleJobHandler(w http.ResponseWriter, r *http.Request) {
	var req ScheduleJobRequest
	if !decodeBody(w, r, &req) {
		return
	}
	opts := job.ScheduleOptions{MaxRetries: req.MaxRetries}
	if req.Reference != nil {
		ref := toReference(*req.Reference)
		opts.Reference = &ref
	}
	j, err := engineFrom(r.Context()).ScheduleJob(r.Context(), job.Type(req.JobType), req.ExecuteAt, req.Payload, opts)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toJobResponse(j))
}

func cancelJobsHandler(w http.ResponseWriter, r *http.Request) {
	var req CancelJobsRequest
	if !decodeBody(w, r, &req) {
		return
	}
	refs := make([]job.Reference, len(req.References))
	for i, ref := range req.References {
		refs[i] = toReference(ref)
	}
	n, err := engineFrom(r.Context()).CancelJobsForReference(r.Context(), refs...)
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

func jobStatsHandler(w http.ResponseWriter, r *http.Request) {
	stats, err := engineFrom(r.Context()).GetJobStats(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	counts := make(map[string]int, len(stats.Counts))
	for st, n := range stats.Counts {
		counts[string(st)] = n
	}
	writeJSON(w, http.StatusOK, JobStatsResponse{Counts: counts, Due: stats.Due, OldestDueAt: stats.OldestDueAt})
}

func processJobsHandler(batchSize int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req ProcessJobsRequest
		if !decodeBody(w, r, &req) {
			return
		}
		if req.Limit == 0 {
			req.Limit = batchSize
		}
		report, err := engineFrom(r.Context()).ProcessDueJobs(r.Context(), req.Limit)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, ProcessJobsResponse{
			Claimed:   report.Claimed,
			Completed: report.Completed,
			Failed:    report.Failed,
			Discarded: report.Discarded,
			Skipped:   report.Skipped,
		})
	}
}

func retryFailedJobsHandler(w http.ResponseWriter, r *http.Request) {
	n, err := engineFrom(r.Context()).RetryFailedJobs(r.Context())
	if err != nil {
		writeEngineError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, CountResponse{Count: n})
}

func cleanupJobsHandler(retentionDays int) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		var req CleanupJobsRequest
		if !decodeBody(w, r, &req) {
			return
		}
		days := retentionDays
		if req.DaysOld != nil {
			days = *req.DaysOld
		}
		report, err := engineFrom(r.Context()).CleanupOldJobs(r.Context(), days)
		if err != nil {
			writeEngineError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, CleanupResponse{DeletedJobs: report.Jobs, DeletedActions: report.Actions})
	}
}
