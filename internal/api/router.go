package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/redis/go-redis/v9"

	"github.com/hackgods/appointment-automation/internal/engine"
	"github.com/hackgods/appointment-automation/internal/metrics"
)

type RouterConfig struct {
	Tenants *engine.Tenants
	// Redis is optional; without it readiness skips the redis check.
	Redis         *redis.Client
	Env           string
	Version       string
	BatchSize     int
	RetentionDays int
}

func NewRouter(cfg RouterConfig) http.Handler {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 50
	}
	if cfg.RetentionDays <= 0 {
		cfg.RetentionDays = 30
	}

	r := chi.NewRouter()

	r.Use(RequestIDMiddleware)
	r.Use(LoggingMiddleware)
	r.Use(middleware.Recoverer)

	health := NewHealthHandler(cfg.Tenants, cfg.Redis, cfg.Env, cfg.Version)
	r.Get("/health/live", health.Liveness)
	r.Get("/health/ready", health.Readiness)
	r.Handle("/metrics", metrics.Handler())

	r.Group(func(r chi.Router) {
		r.Use(TenantMiddleware(cfg.Tenants))

		r.Route("/appointments/{id}", func(r chi.Router) {
			r.Get("/", getAppointmentHandler)
			r.Post("/transition", transitionHandler)
			r.Post("/timed-actions", scheduleTimedActionsHandler)
			r.Get("/actions", listActionsHandler)
			r.Post("/actions", createActionHandler)
			r.Get("/events", listEventsHandler)
		})

		r.Route("/actions", func(r chi.Router) {
			r.Get("/summary", summaryHandler)
			r.Post("/execute-ready", executeReadyHandler)
			r.Get("/{id}", getActionHandler)
			r.Post("/{id}/validate", validateActionHandler)
			r.Post("/{id}/cancel", cancelActionHandler)
			r.Post("/{id}/execute", executeActionHandler)
			r.Post("/{id}/retry", retryActionHandler)
		})

		r.Route("/jobs", func(r chi.Router) {
			r.Post("/", scheduleJobHandler)
			r.Post("/cancel", cancelJobsHandler)
			r.Get("/stats", jobStatsHandler)
			r.Post("/process", processJobsHandler(cfg.BatchSize))
			r.Post("/retry-failed", retryFailedJobsHandler)
			r.Post("/cleanup", cleanupJobsHandler(cfg.RetentionDays))
		})
	})

	return r
}
