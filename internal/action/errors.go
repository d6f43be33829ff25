package action

import (
	"errors"
	"fmt"
)

var (
	ErrActionNotFound        = errors.New("action not found")
	ErrNeedsValidation       = errors.New("action requires validation before execution")
	ErrNotExecutable         = errors.New("action is not in an executable status")
	ErrNotGated              = errors.New("action does not require validation")
	ErrNotPending            = errors.New("action is not pending")
	ErrAlreadyTerminal       = errors.New("action is already in a terminal status")
	ErrNotRetryable          = errors.New("action is not retryable")
	ErrRetriesExhausted      = errors.New("action has exhausted its retries")
	ErrUnknownActionType     = errors.New("no handler registered for action type")
	ErrDuplicateActiveAction = errors.New("an active action of this type already exists for the appointment")
	ErrStatusConflict        = errors.New("action status changed concurrently")
	ErrHandlerFailed         = errors.New("action handler failed")
)

// HandlerError wraps a failure returned by a handler. The failure is already
// recorded on the action when this error is returned.
type HandlerError struct {
	Type Type
	Err  error
}

func (e *HandlerError) Error() string {
	return fmt.Sprintf("%s handler: %v", e.Type, e.Err)
}

func (e *HandlerError) Unwrap() []error {
	return []error{ErrHandlerFailed, e.Err}
}

// Context keys for goerr values
const (
	ActionIDKey      = "action_id"
	AppointmentIDKey = "appointment_id"
	ActionTypeKey    = "action_type"
	StatusKey        = "status"
)

// StaleMessage is recorded on actions failed by stale-claim recovery.
const StaleMessage = "claimed for execution and never finished"
