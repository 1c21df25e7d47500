package api

import (
	"context"
	"net/http"
	"time"

	"github.com/goodtune/procmon/internal/access"
	"github.com/goodtune/procmon/internal/storage"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// AccessService is the part of the monitor serving account access.
type AccessService interface {
	Lock(ctx context.Context, user, reason string, duration time.Duration, actor string) (access.Status, error)
	Unlock(ctx context.Context, user, actor string) (access.Status, error)
	SetHours(ctx context.Context, user string, hours storage.AllowedHours) (access.Status, error)
	ClearHours(ctx context.Context, user string) (access.Status, error)
	AccessStatus(user string) access.Status
	AccessStatuses() []access.Status
}

// LockRequest locks an account, optionally for a limited time.
type LockRequest struct {
	Reason   string `json:"reason,omitempty"`
	Duration string `json:"duration,omitempty"` // Go duration, e.g. "2h"
}

// AccessHandler handles account access API requests.
type AccessHandler struct {
	svc    AccessService
	logger zerolog.Logger
}

// NewAccessHandler creates a new access handler.
func NewAccessHandler(svc AccessService, logger zerolog.Logger) *AccessHandler {
	return &AccessHandler{
		svc:    svc,
		logger: logger.With().Str("handler", "access").Logger(),
	}
}

// List returns the status of every user with an access record.
func (h *AccessHandler) List(w http.ResponseWriter, r *http.Request) {
	statuses := h.svc.AccessStatuses()
	if statuses == nil {
		statuses = []access.Status{}
	}
	writeJSON(w, http.StatusOK, statuses)
}

// Get returns one user's status.
func (h *AccessHandler) Get(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.svc.AccessStatus(mux.Vars(r)["user"]))
}

// Lock locks a user's account.
func (h *AccessHandler) Lock(w http.ResponseWriter, r *http.Request) {
	user := mux.Vars(r)["user"]

	var req LockRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	var duration time.Duration
	if req.Duration != "" {
		d, err := time.ParseDuration(req.Duration)
		if err != nil || d <= 0 {
			writeError(w, http.StatusBadRequest, "Invalid duration")
			return
		}
		duration = d
	}

	status, err := h.svc.Lock(r.Context(), user, req.Reason, duration, actorFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// Unlock lifts a lock on a user's account.
func (h *AccessHandler) Unlock(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.Unlock(r.Context(), mux.Vars(r)["user"], actorFrom(r))
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// SetHours sets a user's allowed-hours window.
func (h *AccessHandler) SetHours(w http.ResponseWriter, r *http.Request) {
	var hours storage.AllowedHours
	if err := decode(r, &hours); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	if err := hours.Validate(); err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}

	status, err := h.svc.SetHours(r.Context(), mux.Vars(r)["user"], hours)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}

// ClearHours removes a user's allowed-hours window.
func (h *AccessHandler) ClearHours(w http.ResponseWriter, r *http.Request) {
	status, err := h.svc.ClearHours(r.Context(), mux.Vars(r)["user"])
	if err != nil {
		writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, status)
}
