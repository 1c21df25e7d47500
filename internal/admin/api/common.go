package api

import (
	"bytes"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/goodtune/procmon/internal/access"
	"github.com/goodtune/procmon/internal/config"
	"github.com/goodtune/procmon/internal/monitor"
)

// ErrorResponse represents an API error response.
type ErrorResponse struct {
	Error   string `json:"error"`
	Message string `json:"message,omitempty"`
	Code    int    `json:"code"`
}

// errNotConfigured is returned when removing something that is not set.
var errNotConfigured = errors.New("not configured")

// writeJSON writes a JSON response.
func writeJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}

// writeError writes an error response.
func writeError(w http.ResponseWriter, statusCode int, message string) {
	writeJSON(w, statusCode, ErrorResponse{
		Error:   http.StatusText(statusCode),
		Message: message,
		Code:    statusCode,
	})
}

// statusFor maps a service error to an HTTP status.
func statusFor(err error) int {
	switch {
	case errors.Is(err, config.ErrInvalid), errors.Is(err, access.ErrInvalid):
		return http.StatusBadRequest
	case errors.Is(err, access.ErrProtected):
		return http.StatusForbidden
	case errors.Is(err, monitor.ErrUnknownUser), errors.Is(err, errNotConfigured):
		return http.StatusNotFound
	case errors.Is(err, access.ErrNotLocked), errors.Is(err, monitor.ErrAccessDisabled):
		return http.StatusConflict
	case errors.Is(err, monitor.ErrHistoryDisabled):
		return http.StatusServiceUnavailable
	default:
		return http.StatusInternalServerError
	}
}

func writeServiceError(w http.ResponseWriter, err error) {
	writeError(w, statusFor(err), err.Error())
}

func decode(r *http.Request, v interface{}) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return json.NewDecoder(r.Body).Decode(v)
}

// ActorKey is the request context key carrying the requesting user.
type ActorKey struct{}

func actorFrom(r *http.Request) string {
	if actor, ok := r.Context().Value(ActorKey{}).(string); ok && actor != "" {
		return actor
	}
	return "admin"
}
