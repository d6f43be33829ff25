package api

import (
	"errors"
	"io"
	"net/http"

	"github.com/go-playground/validator/v10"
	"github.com/goccy/go-json"

	"github.com/hackgods/appointment-automation/internal/action"
	"github.com/hackgods/appointment-automation/internal/appointment"
	"github.com/hackgods/appointment-automation/internal/engine"
	"github.com/hackgods/appointment-automation/internal/job"
	"github.com/hackgods/appointment-automation/internal/logger"
	redisclient "github.com/hackgods/appointment-automation/internal/redis"
)

var validate = validator.New()

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		logger.For(logger.ComponentAPI).Warnw("failed to write response", logger.Err(err))
	}
}

func writeError(w http.ResponseWriter, status int, code, details string) {
	writeJSON(w, status, ErrorResponse{Error: code, Details: details})
}

// decodeBody reads an optional JSON body into dst and validates it.
func decodeBody(w http.ResponseWriter, r *http.Request, dst any) bool {
	if r.Body != nil {
		if err := json.NewDecoder(r.Body).Decode(dst); err != nil && !errors.Is(err, io.EOF) {
			writeError(w, http.StatusBadRequest, "invalid_request_body", "could not parse JSON")
			return false
		}
	}
	if err := validate.Struct(dst); err != nil {
		writeError(w, http.StatusBadRequest, "validation_failed", err.Error())
		return false
	}
	return true
}

// writeEngineError maps engine errors to HTTP statuses.
func writeEngineError(w http.ResponseWriter, err error) {
	var te *appointment.TransitionError
	var he *action.HandlerError

	switch {
	case errors.As(err, &te):
		allowed := make([]string, len(te.Allowed))
		for i, s := range te.Allowed {
			allowed[i] = string(s)
		}
		writeJSON(w, http.StatusConflict, ErrorResponse{
			Error:   "invalid_status_transition",
			Details: te.Error(),
			Allowed: allowed,
		})

	case errors.Is(err, appointment.ErrAppointmentNotFound):
		writeError(w, http.StatusNotFound, "appointment_not_found", err.Error())
	case errors.Is(err, action.ErrActionNotFound):
		writeError(w, http.StatusNotFound, "action_not_found", err.Error())
	case errors.Is(err, job.ErrJobNotFound):
		writeError(w, http.StatusNotFound, "job_not_found", err.Error())
	case errors.Is(err, engine.ErrUnknownTenant):
		writeError(w, http.StatusNotFound, "unknown_tenant", err.Error())

	case errors.Is(err, appointment.ErrStatusChanged),
		errors.Is(err, appointment.ErrAppointmentBusy),
		errors.Is(err, redisclient.ErrLockNotAcquired):
		writeError(w, http.StatusConflict, "appointment_busy", err.Error())

	case errors.As(err, &he), errors.Is(err, action.ErrHandlerFailed):
		writeError(w, http.StatusBadGateway, "handler_failed", err.Error())

	case errors.Is(err, action.ErrNeedsValidation):
		writeError(w, http.StatusUnprocessableEntity, "validation_required", err.Error())
	case errors.Is(err, action.ErrRetriesExhausted):
		writeError(w, http.StatusConflict, "retries_exhausted", err.Error())
	case errors.Is(err, action.ErrNotExecutable),
		errors.Is(err, action.ErrNotGated),
		errors.Is(err, action.ErrNotPending),
		errors.Is(err, action.ErrAlreadyTerminal),
		errors.Is(err, action.ErrNotRetryable),
		errors.Is(err, action.ErrDuplicateActiveAction),
		errors.Is(err, appointment.ErrAppointmentClosed):
		writeError(w, http.StatusConflict, "not_eligible", err.Error())

	case errors.Is(err, appointment.ErrUnknownStatus),
		errors.Is(err, action.ErrUnknownActionType),
		errors.Is(err, job.ErrUnknownJobType),
		errors.Is(err, job.ErrInvalidReference):
		writeError(w, http.StatusUnprocessableEntity, "invalid_argument", err.Error())

	default:
		logger.For(logger.ComponentAPI).Errorw("unhandled engine error", logger.Err(err))
		writeError(w, http.StatusInternalServerError, "internal_error", err.Error())
	}
}
