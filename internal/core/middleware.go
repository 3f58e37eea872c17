package core

import (
	"log/slog"
	"net/http"
	"time"

	"github.com/google/uuid"

	"coursedesk/internal/types"
)

// RequestIDMiddleware generates or propagates a request ID for correlation
// across logs and the idempotency ledger. An incoming X-Request-Id header is
// reused; otherwise a new ID is generated. The ID is stored in the context
// and echoed on the response.
func RequestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		requestID := r.Header.Get("X-Request-Id")
		if requestID == "" {
			requestID = uuid.NewString()
		}

		ctx := types.WithRequestID(r.Context(), requestID)
		w.Header().Set("X-Request-Id", requestID)

		next.ServeHTTP(w, r.WithContext(ctx))
	})
}

// RecoveryMiddleware converts handler panics into 500 responses. A panicked
// webhook delivery must still produce a non-2xx status so the provider
// redelivers instead of considering the event acknowledged.
func RecoveryMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			defer func() {
				if rec := recover(); rec != nil {
					logger.ErrorContext(r.Context(), "panic in request handler",
						"panic", rec,
						"path", r.URL.Path,
					)
					Error(w, r, types.NewAppError(
						types.ErrCodeInternalUnexpected,
						"internal server error",
						nil,
					))
				}
			}()
			next.ServeHTTP(w, r)
		})
	}
}

// LoggingMiddleware emits one structured line per request with method, path,
// status, and latency.
func LoggingMiddleware(logger *slog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()
			sw := &statusWriter{ResponseWriter: w, status: http.StatusOK}

			next.ServeHTTP(sw, r)

			logger.InfoContext(r.Context(), "request completed",
				"method", r.Method,
				"path", r.URL.Path,
				"status", sw.status,
				"duration_ms", time.Since(start).Milliseconds(),
			)
		})
	}
}

type statusWriter struct {
	http.ResponseWriter
	status int
}

func (w *statusWriter) WriteHeader(status int) {
	w.status = status
	w.ResponseWriter.WriteHeader(status)
}
