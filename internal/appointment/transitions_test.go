package appointment_test

import (
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/appointment-automation/internal/action"
	"github.com/hackgods/appointment-automation/internal/appointment"
)

func TestAllowedTransitions(t *testing.T) {
	cases := map[appointment.AppointmentStatus][]appointment.AppointmentStatus{
		appointment.StatusScheduled: {
			appointment.StatusCancelled,
			appointment.StatusConfirmed,
			appointment.StatusInProgress,
			appointment.StatusNoShow,
		},
		appointment.StatusConfirmed: {
			appointment.StatusCancelled,
			appointment.StatusCompleted,
			appointment.StatusInProgress,
			appointment.StatusNoShow,
		},
		appointment.StatusInProgress: {
			appointment.StatusCancelled,
			appointment.StatusCompleted,
		},
		appointment.StatusCompleted: {},
		appointment.StatusCancelled: {},
		appointment.StatusNoShow:    {},
	}

	for from, want := range cases {
		t.Run(string(from), func(t *testing.T) {
			assert.Equal(t, want, appointment.AllowedTransitions(from))
			assert.Equal(t, len(want) == 0, appointment.IsTerminal(from))
		})
	}
}

func TestAllowedTransitionsReturnsCopy(t *testing.T) {
	got := appointment.AllowedTransitions(appointment.StatusScheduled)
	got[0] = "mutated"
	assert.NotContains(t, appointment.AllowedTransitions(appointment.StatusScheduled), appointment.AppointmentStatus("mutated"))
}

func TestTransitionGraphIsAcyclic(t *testing.T) {
	var visit func(s appointment.AppointmentStatus, path map[appointment.AppointmentStatus]bool)
	visit = func(s appointment.AppointmentStatus, path map[appointment.AppointmentStatus]bool) {
		require.False(t, path[s], "cycle through %s", s)
		path[s] = true
		for _, next := range appointment.AllowedTransitions(s) {
			visit(next, path)
		}
		delete(path, s)
	}
	for _, s := range appointment.AllStatuses {
		visit(s, map[appointment.AppointmentStatus]bool{})
	}
}

func TestTransitionError(t *testing.T) {
	err := error(&appointment.TransitionError{
		From:    appointment.StatusCompleted,
		To:      appointment.StatusScheduled,
		Allowed: nil,
	})
	assert.True(t, errors.Is(err, appointment.ErrInvalidStatusTransition))
	assert.Contains(t, err.Error(), "completed -> scheduled")
	assert.Contains(t, err.Error(), "allowed: none")
}

func TestTriggerTable(t *testing.T) {
	table := appointment.NewTriggerTable(appointment.TriggerConfig{
		ConfirmationLeadTime: 24 * time.Hour,
		ReminderLeadTime:     2 * time.Hour,
	})

	scheduled := table.For(appointment.StatusScheduled)
	require.Len(t, scheduled.Timed, 2)
	assert.Equal(t, action.TypeConfirmationEmail, scheduled.Timed[0].Type)
	assert.Equal(t, 24*time.Hour, scheduled.Timed[0].LeadTime)
	assert.Equal(t, action.TypeReminder, scheduled.Timed[1].Type)
	assert.Empty(t, scheduled.Immediate)
	assert.False(t, scheduled.Cascade)

	confirmed := table.For(appointment.StatusConfirmed)
	assert.Equal(t, []appointment.ImmediateAction{
		{Type: action.TypeSendConsent},
		{Type: action.TypeSendQuote, RequiresValidation: true},
	}, confirmed.Immediate)

	completed := table.For(appointment.StatusCompleted)
	assert.Equal(t, []appointment.ImmediateAction{
		{Type: action.TypePrepareInvoice, RequiresValidation: true},
	}, completed.Immediate)

	assert.True(t, table.For(appointment.StatusCancelled).Cascade)
	assert.True(t, table.For(appointment.StatusNoShow).Cascade)
	assert.Empty(t, table.For(appointment.StatusInProgress).Immediate)

	// callers get a copy
	confirmed.Immediate[0].Type = "mutated"
	assert.Equal(t, action.TypeSendConsent, table.For(appointment.StatusConfirmed).Immediate[0].Type)

	noReminder := appointment.NewTriggerTable(appointment.TriggerConfig{ConfirmationLeadTime: 24 * time.Hour})
	assert.Len(t, noReminder.For(appointment.StatusScheduled).Timed, 1)
}
