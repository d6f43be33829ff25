package appointment

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/looplab/fsm"

	"github.com/hackgods/appointment-automation/internal/action"
)

var ErrInvalidStatusTransition = errors.New("invalid status transition")

// transitionEvents is the allowed-transition table. Every event is named after
// its destination status so a transition request maps 1:1 onto an fsm event.
var transitionEvents = fsm.Events{
	{Name: string(StatusConfirmed), Src: []string{string(StatusScheduled)}, Dst: string(StatusConfirmed)},
	{Name: string(StatusInProgress), Src: []string{string(StatusScheduled), string(StatusConfirmed)}, Dst: string(StatusInProgress)},
	{Name: string(StatusCompleted), Src: []string{string(StatusConfirmed), string(StatusInProgress)}, Dst: string(StatusCompleted)},
	{Name: string(StatusCancelled), Src: []string{string(StatusScheduled), string(StatusConfirmed), string(StatusInProgress)}, Dst: string(StatusCancelled)},
	{Name: string(StatusNoShow), Src: []string{string(StatusScheduled), string(StatusConfirmed)}, Dst: string(StatusNoShow)},
}

// allowed is resolved once from transitionEvents and never mutated.
var allowed = buildAllowed()

func buildAllowed() map[AppointmentStatus][]AppointmentStatus {
	out := make(map[AppointmentStatus][]AppointmentStatus, len(AllStatuses))
	for _, from := range AllStatuses {
		machine := fsm.NewFSM(string(from), transitionEvents, fsm.Callbacks{})
		events := machine.AvailableTransitions()
		sort.Strings(events)

		dsts := make([]AppointmentStatus, 0, len(events))
		for _, ev := range events {
			dsts = append(dsts, AppointmentStatus(ev))
		}
		out[from] = dsts
	}
	return out
}

// AllowedTransitions returns the sorted statuses reachable from from.
func AllowedTransitions(from AppointmentStatus) []AppointmentStatus {
	dsts := allowed[from]
	out := make([]AppointmentStatus, len(dsts))
	copy(out, dsts)
	return out
}

func CanTransition(from, to AppointmentStatus) bool {
	for _, s := range allowed[from] {
		if s == to {
			return true
		}
	}
	return false
}

// IsTerminal reports whether no transition leaves status.
func IsTerminal(status AppointmentStatus) bool {
	return len(allowed[status]) == 0
}

// TransitionError carries the current status and the full allowed set so the
// caller can correct the request.
type TransitionError struct {
	From    AppointmentStatus
	To      AppointmentStatus
	Allowed []AppointmentStatus
}

func (e *TransitionError) Error() string {
	names := make([]string, len(e.Allowed))
	for i, s := range e.Allowed {
		names[i] = string(s)
	}
	allowedList := "none"
	if len(names) > 0 {
		allowedList = strings.Join(names, ", ")
	}
	return fmt.Sprintf("%s: %s -> %s (allowed: %s)", ErrInvalidStatusTransition, e.From, e.To, allowedList)
}

func (e *TransitionError) Is(target error) bool {
	return target == ErrInvalidStatusTransition
}

// ImmediateAction is created as soon as its status is entered.
type ImmediateAction struct {
	Type               action.Type
	RequiresValidation bool
}

// TimedAction is created with a scheduled_at LeadTime before the appointment
// and paired with a job.
type TimedAction struct {
	Type               action.Type
	LeadTime           time.Duration
	RequiresValidation bool
}

// Triggers are the side effects of entering one status.
type Triggers struct {
	Immediate []ImmediateAction
	Timed     []TimedAction
	// Cascade cancels every open action and job of the appointment.
	Cascade bool
}

type TriggerConfig struct {
	ConfirmationLeadTime time.Duration
	// ReminderLeadTime of zero disables the reminder.
	ReminderLeadTime time.Duration
}

// TriggerTable maps statuses to their triggers. It is built once and read-only.
type TriggerTable struct {
	byStatus map[AppointmentStatus]Triggers
}

func NewTriggerTable(cfg TriggerConfig) TriggerTable {
	timed := []TimedAction{}
	if cfg.ConfirmationLeadTime > 0 {
		timed = append(timed, TimedAction{Type: action.TypeConfirmationEmail, LeadTime: cfg.ConfirmationLeadTime})
	}
	if cfg.ReminderLeadTime > 0 {
		timed = append(timed, TimedAction{Type: action.TypeReminder, LeadTime: cfg.ReminderLeadTime})
	}

	return TriggerTable{byStatus: map[AppointmentStatus]Triggers{
		StatusScheduled: {Timed: timed},
		StatusConfirmed: {Immediate: []ImmediateAction{
			{Type: action.TypeSendConsent},
			{Type: action.TypeSendQuote, RequiresValidation: true},
		}},
		StatusCompleted: {Immediate: []ImmediateAction{
			{Type: action.TypePrepareInvoice, RequiresValidation: true},
		}},
		StatusCancelled: {Cascade: true},
		StatusNoShow:    {Cascade: true},
	}}
}

// For returns a copy of the triggers for status; unknown statuses have none.
func (t TriggerTable) For(status AppointmentStatus) Triggers {
	tr := t.byStatus[status]
	return Triggers{
		Immediate: append([]ImmediateAction(nil), tr.Immediate...),
		Timed:     append([]TimedAction(nil), tr.Timed...),
		Cascade:   tr.Cascade,
	}
}
