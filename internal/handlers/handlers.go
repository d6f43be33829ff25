package handlers

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/hackgods/appointment-automation/internal/action"
	"github.com/hackgods/appointment-automation/internal/appointment"
	"github.com/hackgods/appointment-automation/internal/consent"
	"github.com/hackgods/appointment-automation/internal/documents"
	"github.com/hackgods/appointment-automation/internal/logger"
	"github.com/hackgods/appointment-automation/internal/messaging"
)

// Template types passed to the messenger.
const (
	TemplateConfirmation = "appointment_confirmation"
	TemplateReminder     = "appointment_reminder"
	TemplateConsent      = "consent_request"
	TemplateQuote        = "quote_ready"
)

// Directory reads patient and appointment records.
type Directory interface {
	GetAppointmentByID(ctx context.Context, id uuid.UUID) (*appointment.Appointment, error)
	GetPatientByID(ctx context.Context, id uuid.UUID) (*appointment.Patient, error)
	GetProviderByID(ctx context.Context, id uuid.UUID) (*appointment.Provider, error)
}

type Messenger interface {
	Send(ctx context.Context, ch messaging.Channel, templateType string, to messaging.Recipient, data map[string]any) (messaging.Receipt, error)
}

type ConsentRequester interface {
	CreateRequest(ctx context.Context, n consent.NewRequest) (*consent.Request, error)
}

type Drafter interface {
	DraftQuote(ctx context.Context, req documents.DraftRequest) (*documents.Draft, error)
	DraftInvoice(ctx context.Context, req documents.DraftRequest) (*documents.Draft, error)
}

type Deps struct {
	Directory Directory
	Messenger Messenger
	Consent   ConsentRequester
	Documents Drafter
}

// Register installs the built-in handlers for every action type.
func Register(reg *action.Registry, deps Deps) {
	h := &handlers{deps: deps, log: logger.For(logger.ComponentHandlers)}
	reg.Register(action.TypeConfirmationEmail, action.HandlerFunc(h.confirmationEmail))
	reg.Register(action.TypeReminder, action.HandlerFunc(h.reminder))
	reg.Register(action.TypeSendConsent, action.HandlerFunc(h.sendConsent))
	reg.Register(action.TypeSendQuote, action.HandlerFunc(h.sendQuote))
	reg.Register(action.TypePrepareInvoice, action.HandlerFunc(h.prepareInvoice))
}

type handlers struct {
	deps Deps
	log  *zap.SugaredLogger
}

type subject struct {
	appt    *appointment.Appointment
	patient *appointment.Patient
}

func (h *handlers) load(ctx context.Context, a *action.Action) (*subject, error) {
	appt, err := h.deps.Directory.GetAppointmentByID(ctx, a.AppointmentID)
	if err != nil {
		return nil, fmt.Errorf("load appointment: %w", err)
	}
	patient, err := h.deps.Directory.GetPatientByID(ctx, appt.PatientID)
	if err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}
	return &subject{appt: appt, patient: patient}, nil
}

func recipient(p *appointment.Patient) messaging.Recipient {
	r := messaging.Recipient{Name: p.Name}
	if p.Email != nil {
		r.Email = *p.Email
	}
	if p.Phone != nil {
		r.Phone = *p.Phone
	}
	return r
}

// messageData is the template data for an appointment; ec entries are
// copied in first so the appointment fields win.
func messageData(s *subject, ec action.ExecContext) map[string]any {
	data := make(map[string]any, len(ec)+5)
	for k, v := range ec {
		data[k] = v
	}
	data["appointment_id"] = s.appt.ID.String()
	data["patient_name"] = s.patient.Name
	data["appointment_date"] = s.appt.AppointmentDate
	data["start_time"] = s.appt.StartTime
	data["starts_at"] = s.appt.StartsAt.UTC().Format(time.RFC3339)
	return data
}

func (h *handlers) confirmationEmail(ctx context.Context, a *action.Action, ec action.ExecContext) (action.Result, error) {
	s, err := h.load(ctx, a)
	if err != nil {
		return nil, err
	}
	receipt, err := h.deps.Messenger.Send(ctx, messaging.ChannelEmail, TemplateConfirmation, recipient(s.patient), messageData(s, ec))
	if err != nil {
		return nil, err
	}
	return action.Result{"message_id": receipt.MessageID, "channel": string(receipt.Channel)}, nil
}

// reminder prefers SMS when the patient asked for it and has a phone number,
// and falls back to email when no SMS channel is configured.
func (h *handlers) reminder(ctx context.Context, a *action.Action, ec action.ExecContext) (action.Result, error) {
	s, err := h.load(ctx, a)
	if err != nil {
		return nil, err
	}
	to := recipient(s.patient)
	data := messageData(s, ec)

	ch := messaging.ChannelEmail
	if s.patient.PreferredChannel == appointment.ChannelSMS && to.Phone != "" {
		ch = messaging.ChannelSMS
	}

	receipt, err := h.deps.Messenger.Send(ctx, ch, TemplateReminder, to, data)
	if ch == messaging.ChannelSMS && errors.Is(err, messaging.ErrChannelUnavailable) {
		h.log.Infow("sms unavailable, sending reminder by email", "action_id", a.ID)
		receipt, err = h.deps.Messenger.Send(ctx, messaging.ChannelEmail, TemplateReminder, to, data)
	}
	if err != nil {
		return nil, err
	}
	return action.Result{"message_id": receipt.MessageID, "channel": string(receipt.Channel)}, nil
}

func (h *handlers) sendConsent(ctx context.Context, a *action.Action, ec action.ExecContext) (action.Result, error) {
	s, err := h.load(ctx, a)
	if err != nil {
		return nil, err
	}

	req, err := h.deps.Consent.CreateRequest(ctx, consent.NewRequest{
		ActionID:      a.ID,
		AppointmentID: s.appt.ID,
		PatientID:     s.patient.ID,
	})
	if err != nil {
		return nil, err
	}

	data := messageData(s, ec)
	data["consent_url"] = req.URL
	receipt, err := h.deps.Messenger.Send(ctx, messaging.ChannelEmail, TemplateConsent, recipient(s.patient), data)
	if err != nil {
		return nil, err
	}

	return action.Result{
		"consent_request_id": req.ID.String(),
		"token":              req.Token,
		"url":                req.URL,
		"message_id":         receipt.MessageID,
	}, nil
}

func (h *handlers) draftRequest(ctx context.Context, s *subject) documents.DraftRequest {
	req := documents.DraftRequest{
		AppointmentID: s.appt.ID,
		ServiceID:     s.appt.ServiceID,
		PatientName:   s.patient.Name,
		StartsAt:      s.appt.StartsAt,
	}
	// the provider name is decoration only
	if p, err := h.deps.Directory.GetProviderByID(ctx, s.appt.ProviderID); err == nil {
		req.ProviderName = p.Name
	}
	return req
}

func draftResult(d *documents.Draft) action.Result {
	return action.Result{
		"document_id": d.DocumentID.String(),
		"number":      d.Number,
		"total":       d.Total,
		"currency":    d.Currency,
		"path":        d.Path,
	}
}

func (h *handlers) sendQuote(ctx context.Context, a *action.Action, ec action.ExecContext) (action.Result, error) {
	s, err := h.load(ctx, a)
	if err != nil {
		return nil, err
	}

	draft, err := h.deps.Documents.DraftQuote(ctx, h.draftRequest(ctx, s))
	if err != nil {
		return nil, err
	}

	data := messageData(s, ec)
	data["quote_number"] = draft.Number
	data["total"] = fmt.Sprintf("%.2f %s", draft.Total, draft.Currency)
	data["attachment_path"] = draft.Path
	receipt, err := h.deps.Messenger.Send(ctx, messaging.ChannelEmail, TemplateQuote, recipient(s.patient), data)
	if err != nil {
		return nil, err
	}

	res := draftResult(draft)
	res["message_id"] = receipt.MessageID
	return res, nil
}

func (h *handlers) prepareInvoice(ctx context.Context, a *action.Action, _ action.ExecContext) (action.Result, error) {
	s, err := h.load(ctx, a)
	if err != nil {
		return nil, err
	}

	draft, err := h.deps.Documents.DraftInvoice(ctx, h.draftRequest(ctx, s))
	if err != nil {
		return nil, err
	}
	h.log.Infow("invoice drafted", "action_id", a.ID, "appointment_id", s.appt.ID, "number", draft.Number)
	return draftResult(draft), nil
}
