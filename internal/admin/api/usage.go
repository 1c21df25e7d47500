package api

import (
	"context"
	"net/http"
	"strconv"

	"github.com/goodtune/procmon/internal/database"
	"github.com/goodtune/procmon/internal/usage"
	"github.com/rs/zerolog"
)

// UsageService is the part of the monitor serving usage queries.
type UsageService interface {
	Usage(user string) []usage.Stats
	Reset(ctx context.Context, user string) error
	UsageHistory(ctx context.Context, f database.UsageFilter) ([]database.UsageRow, error)
	AccessHistory(ctx context.Context, user string, limit int) ([]database.AccessEvent, error)
}

// ResetRequest selects whose counters to clear; empty means everyone.
type ResetRequest struct {
	User string `json:"user,omitempty"`
}

// UsageHandler handles usage API requests.
type UsageHandler struct {
	svc    UsageService
	logger zerolog.Logger
}

// NewUsageHandler creates a new usage handler.
func NewUsageHandler(svc UsageService, logger zerolog.Logger) *UsageHandler {
	return &UsageHandler{
		svc:    svc,
		logger: logger.With().Str("handler", "usage").Logger(),
	}
}

// Today returns today's usage, optionally for one user.
func (h *UsageHandler) Today(w http.ResponseWriter, r *http.Request) {
	stats := h.svc.Usage(r.URL.Query().Get("user"))
	if stats == nil {
		stats = []usage.Stats{}
	}
	writeJSON(w, http.StatusOK, stats)
}

// Reset clears today's counters.
func (h *UsageHandler) Reset(w http.ResponseWriter, r *http.Request) {
	var req ResetRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}

	if err := h.svc.Reset(r.Context(), req.User); err != nil {
		writeServiceError(w, err)
		return
	}

	h.logger.Info().Str("user", req.User).Str("actor", actorFrom(r)).Msg("Usage reset requested")
	writeJSON(w, http.StatusOK, map[string]string{"message": "usage reset"})
}

// History returns archived daily usage.
func (h *UsageHandler) History(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	f := database.UsageFilter{
		User:  q.Get("user"),
		Since: q.Get("since"),
		Until: q.Get("until"),
	}
	if s := q.Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		f.Limit = n
	}

	rows, err := h.svc.UsageHistory(r.Context(), f)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if rows == nil {
		rows = []database.UsageRow{}
	}
	writeJSON(w, http.StatusOK, rows)
}

// AccessEvents returns archived access transitions.
func (h *UsageHandler) AccessEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if s := r.URL.Query().Get("limit"); s != "" {
		n, err := strconv.Atoi(s)
		if err != nil || n < 0 {
			writeError(w, http.StatusBadRequest, "Invalid limit")
			return
		}
		limit = n
	}

	events, err := h.svc.AccessHistory(r.Context(), r.URL.Query().Get("user"), limit)
	if err != nil {
		writeServiceError(w, err)
		return
	}
	if events == nil {
		events = []database.AccessEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}
