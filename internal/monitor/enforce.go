package monitor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goodtune/procmon/internal/metrics"
	"github.com/goodtune/procmon/internal/notify"
	"github.com/goodtune/procmon/internal/policy"
	"github.com/goodtune/procmon/internal/process"
	"github.com/goodtune/procmon/internal/usage"
	"github.com/google/uuid"
)

// EnforceTick runs one enforcement pass: sample, roll the day over if
// needed, accrue, warn, persist, then terminate. The returned error reports
// a sampling or persistence failure; termination failures are logged only.
func (m *Monitor) EnforceTick(ctx context.Context) error {
	logger := m.logger.With().Str("tick", uuid.NewString()).Str("task", "enforce").Logger()

	observations, err := m.sampler.Sample(ctx)
	if err != nil {
		metrics.SampleErrors.Inc()
		return fmt.Errorf("failed to sample processes: %w", err)
	}
	metrics.ProcessesObserved.Set(float64(len(observations)))

	p := m.Policy()
	cfg := m.cfg.Current()

	m.mu.Lock()
	now := m.clock.Now()
	m.rollover(ctx, now, p)

	var decision *policy.Decision
	if p.Enabled {
		decision = m.engine.Evaluate(observations, p, m.ledger)
	} else {
		decision = &policy.Decision{}
	}

	for user, scopes := range decision.Active {
		for _, scope := range scopes {
			metrics.UsageSecondsAccrued.WithLabelValues(user, scope.String()).Add(p.Tick.Seconds())
		}
	}

	if cfg.Notify.Enabled && m.notifier != nil {
		for _, w := range decision.Warnings {
			m.deliver(ctx, w, cfg.Notify.CriticalMinutes)
		}
	}

	persistErr := m.persist(ctx)
	m.summarize(now, cfg.UsageLogInterval())
	m.mu.Unlock()

	logger.Debug().
		Int("observed", len(observations)).
		Int("accrued", decision.Accrued()).
		Int("warnings", len(decision.Warnings)).
		Int("terminations", len(decision.Terminations)).
		Msg("Enforcement tick")

	for _, t := range decision.Terminations {
		m.terminate(ctx, t)
	}

	return persistErr
}

func (m *Monitor) deliver(ctx context.Context, w policy.Warning, criticalMinutes int) {
	msg := notify.WarningMessage(w.Scope.Name, w.Scope.Kind == usage.ScopeGroup, w.Remaining, criticalMinutes)

	err := m.notifier.Notify(ctx, w.User, msg)
	if err != nil {
		metrics.WarningsSent.WithLabelValues(w.User, "failed").Inc()
		m.logger.Warn().
			Err(err).
			Str("user", w.User).
			Str("scope", w.Scope.String()).
			Msg("Failed to deliver warning")
		return
	}

	metrics.WarningsSent.WithLabelValues(w.User, "sent").Inc()
	m.logger.Info().
		Str("user", w.User).
		Str("scope", w.Scope.String()).
		Dur("threshold", w.Threshold).
		Dur("remaining", w.Remaining).
		Msg("Warning delivered")
}

func (m *Monitor) terminate(ctx context.Context, t policy.Termination) {
	err := m.terminator.Terminate(ctx, t.PID)
	switch {
	case err == nil:
		metrics.TerminationsTotal.WithLabelValues(t.User, string(t.Reason)).Inc()
		m.logger.Info().
			Str("user", t.User).
			Int32("pid", t.PID).
			Str("process", t.Process).
			Str("scope", t.Scope.String()).
			Str("reason", t.Reason.Describe()).
			Msg("Process terminated")
	case errors.Is(err, process.ErrNotFound):
		m.logger.Debug().Int32("pid", t.PID).Str("process", t.Process).Msg("Process already gone")
	default:
		metrics.TerminationFailures.WithLabelValues(string(t.Reason)).Inc()
		m.logger.Error().
			Err(err).
			Str("user", t.User).
			Int32("pid", t.PID).
			Str("process", t.Process).
			Msg("Failed to terminate process")
	}
}

// summarize logs every user's usage once per interval. The caller holds
// m.mu.
func (m *Monitor) summarize(now time.Time, interval time.Duration) {
	if interval <= 0 || now.Sub(m.lastSummary) < interval {
		return
	}
	m.lastSummary = now

	p := m.Policy()
	for _, user := range m.ledger.Users() {
		for _, scope := range m.ledger.Scopes(user) {
			ev := m.logger.Info().
				Str("user", user).
				Str("scope", scope.String()).
				Dur("used", m.ledger.Used(user, scope))
			if limit := p.Limit(scope); limit > 0 {
				ev = ev.Int("limit_minutes", limit).Dur("remaining", m.ledger.Remaining(user, scope, limit))
			}
			ev.Msg("Usage summary")
		}
	}
}
