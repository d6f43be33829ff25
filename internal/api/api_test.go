package api_test

import (
	"bytes"
	"context"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/goccy/go-json"
	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/hackgods/appointment-automation/internal/api"
	"github.com/hackgods/appointment-automation/internal/appointment"
	"github.com/hackgods/appointment-automation/internal/consent"
	"github.com/hackgods/appointment-automation/internal/documents"
	"github.com/hackgods/appointment-automation/internal/engine"
	"github.com/hackgods/appointment-automation/internal/messaging"
	"github.com/hackgods/appointment-automation/internal/store/memory"
)

type nopSender struct{}

func (nopSender) Send(context.Context, messaging.Message) (string, error) { return "m-1", nil }

type server struct {
	handler http.Handler
	appts   *memory.AppointmentRepository
}

func newServer(t *testing.T) *server {
	t.Helper()

	appts := memory.NewAppointmentRepository()
	router := messaging.NewRouter()
	router.Register(messaging.ChannelEmail, nopSender{})

	eng := engine.New(
		engine.Stores{Appointments: appts, Actions: memory.NewActionRepository(), Jobs: memory.NewJobRepository()},
		engine.Deps{
			Messenger: router,
			Consent:   consent.NewService(memory.NewConsentRepository(), "https://c.example.com/consent", nil),
			Documents: documents.NewPDFDrafter(t.TempDir(), documents.StaticPricer{Amount: 50, Currency: "EUR"}, nil),
		},
		engine.Config{
			TenantID: "clinic-a",
			Triggers: appointment.TriggerConfig{ConfirmationLeadTime: 24 * time.Hour},
		},
	)
	tenants := engine.NewTenants()
	tenants.Add(eng)

	return &server{
		handler: api.NewRouter(api.RouterConfig{Tenants: tenants, Env: "test", Version: "dev"}),
		appts:   appts,
	}
}

func (s *server) book(t *testing.T) uuid.UUID {
	t.Helper()
	email := "pat@example.com"
	p, err := s.appts.CreatePatient(context.Background(), &appointment.Patient{Name: "Pat", Email: &email})
	require.NoError(t, err)
	appt, err := s.appts.CreateAppointment(context.Background(), &appointment.Appointment{
		PatientID:  p.ID,
		ProviderID: uuid.New(),
		ServiceID:  uuid.New(),
		StartsAt:   time.Now().Add(72 * time.Hour),
	})
	require.NoError(t, err)
	return appt.ID
}

func (s *server) do(t *testing.T, method, path string, body any, out any) int {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(api.TenantHeader, "clinic-a")

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	if out != nil {
		require.NoError(t, json.Unmarshal(rec.Body.Bytes(), out), rec.Body.String())
	}
	return rec.Code
}

func TestTenantHeader(t *testing.T) {
	s := newServer(t)

	req := httptest.NewRequest(http.MethodGet, "/actions/summary", nil)
	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	req = httptest.NewRequest(http.MethodGet, "/actions/summary", nil)
	req.Header.Set(api.TenantHeader, "clinic-z")
	rec = httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNotFound, rec.Code)
}

func TestHealth(t *testing.T) {
	s := newServer(t)

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, httptest.NewRequest(http.MethodGet, "/health/ready", nil))
	require.Equal(t, http.StatusOK, rec.Code)

	var resp api.ReadinessResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	assert.Equal(t, "ok", resp.Status)
	assert.Equal(t, "ok", resp.Dependencies["postgres:clinic-a"])
}

func TestTransitionEndpoint(t *testing.T) {
	s := newServer(t)
	id := s.book(t)

	var appt api.AppointmentResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/appointments/"+id.String(), nil, &appt))
	assert.Equal(t, []string{"cancelled", "confirmed", "in_progress", "no_show"}, appt.AllowedTransitions)

	var res api.TransitionResponse
	code := s.do(t, http.MethodPost, "/appointments/"+id.String()+"/transition", api.TransitionRequest{
		Status:           "confirmed",
		ActorID:          "front-desk",
		ExecuteImmediate: true,
	}, &res)
	require.Equal(t, http.StatusOK, code)
	assert.Equal(t, "scheduled", res.From)
	assert.Equal(t, "confirmed", res.Appointment.Status)
	require.Len(t, res.Actions, 2)

	var rejected api.ErrorResponse
	code = s.do(t, http.MethodPost, "/appointments/"+id.String()+"/transition", api.TransitionRequest{
		Status:  "scheduled",
		ActorID: "front-desk",
	}, &rejected)
	assert.Equal(t, http.StatusConflict, code)
	assert.Equal(t, "invalid_status_transition", rejected.Error)
	assert.Equal(t, []string{"cancelled", "completed", "in_progress", "no_show"}, rejected.Allowed)

	var missing api.ErrorResponse
	code = s.do(t, http.MethodPost, "/appointments/"+uuid.NewString()+"/transition", api.TransitionRequest{
		Status:  "confirmed",
		ActorID: "front-desk",
	}, &missing)
	assert.Equal(t, http.StatusNotFound, code)

	var invalid api.ErrorResponse
	code = s.do(t, http.MethodPost, "/appointments/"+id.String()+"/transition", map[string]any{"status": "confirmed"}, &invalid)
	assert.Equal(t, http.StatusBadRequest, code)
	assert.Equal(t, "validation_failed", invalid.Error)
}

func TestActionEndpoints(t *testing.T) {
	s := newServer(t)
	id := s.book(t)

	var created api.ActionResponse
	code := s.do(t, http.MethodPost, "/appointments/"+id.String()+"/actions", api.CreateActionRequest{
		ActionType:         "send_quote",
		ActorID:            "billing",
		RequiresValidation: true,
	}, &created)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "pending", created.Status)
	assert.Equal(t, "manual", created.TriggerType)

	var dup api.ErrorResponse
	code = s.do(t, http.MethodPost, "/appointments/"+id.String()+"/actions", api.CreateActionRequest{
		ActionType: "send_quote",
		ActorID:    "billing",
	}, &dup)
	assert.Equal(t, http.StatusConflict, code)

	var unknown api.ErrorResponse
	code = s.do(t, http.MethodPost, "/appointments/"+id.String()+"/actions", api.CreateActionRequest{
		ActionType: "fax_referral",
		ActorID:    "billing",
	}, &unknown)
	assert.Equal(t, http.StatusUnprocessableEntity, code)

	path := "/actions/" + created.ID.String()

	var gated api.ErrorResponse
	assert.Equal(t, http.StatusUnprocessableEntity, s.do(t, http.MethodPost, path+"/execute", nil, &gated))

	var summary api.SummaryResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/actions/summary", nil, &summary))
	require.Len(t, summary.AwaitingValidation, 1)

	var validated api.ActionResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, path+"/validate", api.ValidateActionRequest{ActorID: "billing"}, &validated))
	assert.Equal(t, "scheduled", validated.Status)

	var executed api.ActionResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, path+"/execute", api.ExecuteActionRequest{}, &executed))
	assert.Equal(t, "completed", executed.Status)
	assert.Equal(t, "m-1", executed.Result["message_id"])

	var terminal api.ErrorResponse
	assert.Equal(t, http.StatusConflict, s.do(t, http.MethodPost, path+"/cancel", api.CancelActionRequest{Reason: "late"}, &terminal))

	var list []api.ActionResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/appointments/"+id.String()+"/actions", nil, &list))
	assert.Len(t, list, 1)
}

func TestJobEndpoints(t *testing.T) {
	s := newServer(t)
	id := s.book(t)

	var scheduled api.JobResponse
	code := s.do(t, http.MethodPost, "/jobs", api.ScheduleJobRequest{
		JobType:   "adhoc_action",
		ExecuteAt: time.Now().Add(-time.Minute),
		Payload:   map[string]any{"appointment_id": id.String(), "action_type": "reminder"},
		Reference: &api.ReferenceRequest{Type: "appointment", ID: id.String()},
	}, &scheduled)
	require.Equal(t, http.StatusCreated, code)
	assert.Equal(t, "scheduled", scheduled.Status)

	var stats api.JobStatsResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodGet, "/jobs/stats", nil, &stats))
	assert.Equal(t, 1, stats.Due)

	var processed api.ProcessJobsResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/jobs/process", api.ProcessJobsRequest{Limit: 10}, &processed))
	assert.Equal(t, 1, processed.Claimed)
	assert.Equal(t, 1, processed.Completed)

	var cancelled api.CountResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/jobs/cancel", api.CancelJobsRequest{
		References: []api.ReferenceRequest{{Type: "appointment", ID: id.String()}},
	}, &cancelled))
	assert.Equal(t, 0, cancelled.Count)

	var badRef api.ErrorResponse
	assert.Equal(t, http.StatusBadRequest, s.do(t, http.MethodPost, "/jobs/cancel", api.CancelJobsRequest{
		References: []api.ReferenceRequest{{Type: "patient", ID: id.String()}},
	}, &badRef))

	var retried api.CountResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/jobs/retry-failed", nil, &retried))
	assert.Equal(t, 0, retried.Count)

	var cleaned api.CleanupResponse
	require.Equal(t, http.StatusOK, s.do(t, http.MethodPost, "/jobs/cleanup", map[string]any{"days_old": 30}, &cleaned))
	assert.Equal(t, int64(0), cleaned.DeletedJobs)
}
