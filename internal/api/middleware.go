package api

import (
	"context"
	"net/http"
	"time"

	"github.com/google/uuid"

	"github.com/hackgods/appointment-automation/internal/engine"
	"github.com/hackgods/appointment-automation/internal/logger"
)

type contextKey string

const (
	requestIDKey contextKey = "request_id"
	engineKey    contextKey = "engine"
)

// TenantHeader selects the tenant a request operates on.
const TenantHeader = "X-Tenant-ID"

// RequestIDMiddleware adds a unique request ID to each request context
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-ID")
		if requestID == "" {
			requestID = uuid.New().String()
		}

		ctx := context.WithValue(r.Context(), requestIDKey, requestID)
		w.Header().Set("X-Request-ID", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// LoggingMiddleware logs HTTP requests with method, path, status, duration, and request ID
func LoggingMiddleware(next http.Handler) http.Handler {
	log := logger.For(logger.ComponentAPI)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		// Wrap ResponseWriter to capture status code
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		log.Infow("request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", wrapped.statusCode,
			"duration", time.Since(start),
			"request_id", GetRequestID(r.Context()),
			"tenant", r.Header.Get(TenantHeader),
		)
	})
}

// TenantMiddleware resolves the tenant engine from the X-Tenant-ID header.
func TenantMiddleware(tenants *engine.Tenants) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			id := r.Header.Get(TenantHeader)
			if id == "" {
				writeError(w, http.StatusBadRequest, "missing_tenant", TenantHeader+" header is required")
				return
			}
			eng, err := tenants.Get(id)
			if err != nil {
				writeError(w, http.StatusNotFound, "unknown_tenant", err.Error())
				return
			}
			ctx := context.WithValue(r.Context(), engineKey, eng)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

// GetRequestID retrieves the request ID from context
func GetRequestID(ctx context.Context) string {
	if id, ok := ctx.Value(requestIDKey).(string); ok {
		return id
	}
	return ""
}

func engineFrom(ctx context.Context) *engine.Engine {
	eng, _ := ctx.Value(engineKey).(*engine.Engine)
	return eng
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
