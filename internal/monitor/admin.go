package monitor

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/procmon/internal/access"
	"github.com/goodtune/procmon/internal/storage"
	"github.com/goodtune/procmon/internal/usage"
)

// Usage returns today's usage. An empty user lists every user. Limited
// scopes are reported for a named user even before first use.
func (m *Monitor) Usage(user string) []usage.Stats {
	p := m.Policy()

	m.mu.Lock()
	defer m.mu.Unlock()

	users := m.ledger.Users()
	if user != "" {
		users = []string{user}
	}

	var out []usage.Stats
	for _, u := range users {
		seen := make(map[usage.Scope]bool)
		scopes := m.ledger.Scopes(u)
		if user != "" {
			scopes = append(scopes, p.LimitedScopes()...)
		}

		for _, scope := range scopes {
			if seen[scope] {
				continue
			}
			seen[scope] = true

			s := usage.Stats{User: u, Scope: scope.String(), Used: m.ledger.Used(u, scope)}
			if limit := p.Limit(scope); limit > 0 {
				s.Limited = true
				s.Limit = time.Duration(limit) * time.Minute
				s.Remaining = m.ledger.Remaining(u, scope, limit)
				s.Exceeded = s.Remaining <= 0
			}
			out = append(out, s)
		}
	}

	sort.Slice(out, func(i, j int) bool {
		if out[i].User != out[j].User {
			return out[i].User < out[j].User
		}
		return out[i].Scope < out[j].Scope
	})
	return out
}

// Reset clears today's counters and fired warnings, for one user or for
// everyone when user is empty, and persists.
func (m *Monitor) Reset(ctx context.Context, user string) error {
	m.mu.Lock()
	defer m.mu.Unlock()

	if user == "" {
		m.ledger.Reset()
		m.logger.Info().Msg("Usage reset for all users")
	} else {
		if !m.ledger.ResetUser(user) {
			return fmt.Errorf("%s: %w", user, ErrUnknownUser)
		}
		m.logger.Info().Str("user", user).Msg("Usage reset")
	}

	return m.persistNow(ctx)
}

// Lock manually locks a user, persists, then locks the account and ends
// its sessions. A positive duration makes the lock expire.
func (m *Monitor) Lock(ctx context.Context, user, reason string, duration time.Duration, actor string) (access.Status, error) {
	if !m.cfg.Current().Access.Enabled {
		return access.Status{}, ErrAccessDisabled
	}

	m.mu.Lock()
	now := m.clock.Now()
	t, err := m.control.Lock(m.ledger.State(), user, reason, duration, actor, now)
	if err != nil {
		m.mu.Unlock()
		return access.Status{}, err
	}
	m.ledger.MarkDirty()
	m.recordTransition(ctx, t)
	err = m.persistNow(ctx)
	status := m.accessStatus(user, now)
	m.mu.Unlock()

	m.execute(ctx, []accountOrder{{User: user, Action: orderLock, Reason: t.Reason}})
	return status, err
}

// Unlock lifts any lock on user, persists, then unlocks the account.
func (m *Monitor) Unlock(ctx context.Context, user, actor string) (access.Status, error) {
	if !m.cfg.Current().Access.Enabled {
		return access.Status{}, ErrAccessDisabled
	}

	m.mu.Lock()
	now := m.clock.Now()
	t, err := m.control.Unlock(m.ledger.State(), user, actor, now)
	if err != nil {
		m.mu.Unlock()
		return access.Status{}, err
	}
	m.ledger.MarkDirty()
	m.recordTransition(ctx, t)
	err = m.persistNow(ctx)
	status := m.accessStatus(user, now)
	m.mu.Unlock()

	m.execute(ctx, []accountOrder{{User: user, Action: orderUnlock}})
	return status, err
}

// SetHours stores a user's allowed-hours window. It is enforced from the
// next access tick.
func (m *Monitor) SetHours(ctx context.Context, user string, hours storage.AllowedHours) (access.Status, error) {
	if !m.cfg.Current().Access.Enabled {
		return access.Status{}, ErrAccessDisabled
	}

	m.mu.Lock()
	defer m.mu.Unlock()

	if err := m.control.SetHours(m.ledger.State(), user, hours); err != nil {
		return access.Status{}, err
	}
	m.ledger.MarkDirty()
	err := m.persistNow(ctx)
	return m.accessStatus(user, m.clock.Now()), err
}

// ClearHours removes a user's allowed-hours window, lifting a schedule
// lock immediately.
func (m *Monitor) ClearHours(ctx context.Context, user string) (access.Status, error) {
	if !m.cfg.Current().Access.Enabled {
		return access.Status{}, ErrAccessDisabled
	}

	m.mu.Lock()
	state := m.ledger.State()
	if rec, ok := state.Access[user]; !ok || rec.Hours == nil {
		m.mu.Unlock()
		return access.Status{}, fmt.Errorf("%s has no allowed hours: %w", user, ErrUnknownUser)
	}

	now := m.clock.Now()
	t, unlocked := m.control.ClearHours(state, user, now)
	m.ledger.MarkDirty()
	var orders []accountOrder
	if unlocked {
		m.recordTransition(ctx, t)
		orders = ordersFor(t)
	}
	err := m.persistNow(ctx)
	status := m.accessStatus(user, now)
	m.mu.Unlock()

	m.execute(ctx, orders)
	return status, err
}

// AccessStatus returns one user's access status. Users without a record
// are reported active.
func (m *Monitor) AccessStatus(user string) access.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.accessStatus(user, m.clock.Now())
}

// AccessStatuses returns the status of every user with an access record.
func (m *Monitor) AccessStatuses() []access.Status {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.control.Statuses(m.ledger.State(), m.clock.Now())
}

// persistNow saves an administrative change before the command returns.
// The caller holds m.mu.
func (m *Monitor) persistNow(ctx context.Context) error {
	if err := m.persist(ctx); err != nil {
		return fmt.Errorf("change applied but not yet saved: %w", err)
	}
	return nil
}
