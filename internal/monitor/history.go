package monitor

import (
	"context"
	"time"

	"github.com/goodtune/procmon/internal/access"
	"github.com/goodtune/procmon/internal/database"
	"github.com/goodtune/procmon/internal/metrics"
	"github.com/goodtune/procmon/internal/policy"
	"github.com/goodtune/procmon/internal/usage"
)

// History archives finished days and access transitions. *database.DB
// implements it.
type History interface {
	RecordDay(ctx context.Context, rows []database.UsageRow) error
	RecordAccessEvent(ctx context.Context, e database.AccessEvent) error
	QueryUsage(ctx context.Context, f database.UsageFilter) ([]database.UsageRow, error)
	QueryAccessEvents(ctx context.Context, user string, limit int) ([]database.AccessEvent, error)
	Prune(ctx context.Context, now time.Time, retention time.Duration) (int64, error)
}

// rollover resets the day if it changed and archives the finished one.
// Archiving is best effort. The caller holds m.mu.
func (m *Monitor) rollover(ctx context.Context, now time.Time, p *policy.Policy) {
	previous := m.ledger.Day()
	finished, rolled := m.ledger.Rollover(now)
	if !rolled {
		return
	}

	metrics.Rollovers.Inc()
	m.logger.Info().
		Str("day", m.ledger.Day()).
		Str("previous", previous).
		Int("records", len(finished)).
		Msg("New day, usage counters reset")

	if m.history == nil {
		return
	}

	rows := make([]database.UsageRow, 0, len(finished))
	for _, f := range finished {
		row := database.UsageRow{Date: f.Date, User: f.User, Scope: f.Scope, Seconds: f.Seconds}
		if scope, err := usage.ParseScope(f.Scope); err == nil {
			row.LimitSeconds = int64(p.Limit(scope)) * 60
		}
		rows = append(rows, row)
	}
	if err := m.history.RecordDay(ctx, rows); err != nil {
		metrics.HistoryFailures.Inc()
		m.logger.Error().Err(err).Str("day", previous).Msg("Failed to archive usage")
	}

	days := m.cfg.Current().History.RetentionDays
	if days > 0 {
		n, err := m.history.Prune(ctx, now, time.Duration(days)*24*time.Hour)
		if err != nil {
			metrics.HistoryFailures.Inc()
			m.logger.Error().Err(err).Msg("Failed to prune history")
		} else if n > 0 {
			m.logger.Info().Int64("rows", n).Int("retention_days", days).Msg("Pruned history")
		}
	}
}

// recordTransition archives one access transition. The caller holds m.mu.
func (m *Monitor) recordTransition(ctx context.Context, t access.Transition) {
	metrics.AccessTransitions.WithLabelValues(string(t.To)).Inc()
	if m.history == nil {
		return
	}
	err := m.history.RecordAccessEvent(ctx, database.AccessEvent{
		Timestamp: t.At,
		User:      t.User,
		From:      string(t.From),
		To:        string(t.To),
		Reason:    t.Reason,
		Actor:     t.Actor,
	})
	if err != nil {
		metrics.HistoryFailures.Inc()
		m.logger.Error().Err(err).Str("user", t.User).Msg("Failed to archive access transition")
	}
}

// UsageHistory queries archived daily usage.
func (m *Monitor) UsageHistory(ctx context.Context, f database.UsageFilter) ([]database.UsageRow, error) {
	if m.history == nil {
		return nil, ErrHistoryDisabled
	}
	return m.history.QueryUsage(ctx, f)
}

// AccessHistory queries archived access transitions.
func (m *Monitor) AccessHistory(ctx context.Context, user string, limit int) ([]database.AccessEvent, error) {
	if m.history == nil {
		return nil, ErrHistoryDisabled
	}
	return m.history.QueryAccessEvents(ctx, user, limit)
}
