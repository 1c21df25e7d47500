package admin

import (
	"context"
	"net/http"
	"time"

	"github.com/goodtune/procmon/internal/admin/api"
	"github.com/rs/zerolog"
)

// ActorHeader carries the name of the user issuing a command.
const ActorHeader = "X-Procmon-Actor"

// ActorMiddleware records the requesting user in the request context.
// Access to the socket is governed by its file mode, so the header is
// informational.
func ActorMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if actor := r.Header.Get(ActorHeader); actor != "" {
			r = r.WithContext(context.WithValue(r.Context(), api.ActorKey{}, actor))
		}
		next.ServeHTTP(w, r)
	})
}

// LoggingMiddleware creates middleware for logging HTTP requests.
func LoggingMiddleware(logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			start := time.Now()

			// Create response writer wrapper to capture status code
			wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

			next.ServeHTTP(wrapped, r)

			duration := time.Since(start)
			ev := logger.Info()
			if r.Method == http.MethodGet {
				ev = logger.Debug()
			}
			ev.
				Str("method", r.Method).
				Str("path", r.URL.Path).
				Str("actor", r.Header.Get(ActorHeader)).
				Int("status", wrapped.statusCode).
				Dur("duration", duration).
				Msg("Admin request")
		})
	}
}

// responseWriter wraps http.ResponseWriter to capture the status code.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (w *responseWriter) WriteHeader(statusCode int) {
	w.statusCode = statusCode
	w.ResponseWriter.WriteHeader(statusCode)
}
