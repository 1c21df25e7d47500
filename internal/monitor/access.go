package monitor

import (
	"context"
	"time"

	"github.com/goodtune/procmon/internal/access"
	"github.com/goodtune/procmon/internal/metrics"
	"github.com/google/uuid"
)

type orderAction string

const (
	orderLock   orderAction = "lock"
	orderUnlock orderAction = "unlock"
)

// accountOrder is an OS-level account change, executed outside m.mu.
type accountOrder struct {
	User   string
	Action orderAction
	Reason string
}

func ordersFor(t access.Transition) []accountOrder {
	switch {
	case t.Locks():
		return []accountOrder{{User: t.User, Action: orderLock, Reason: t.Reason}}
	case t.Unlocks():
		return []accountOrder{{User: t.User, Action: orderUnlock}}
	}
	return nil
}

// AccessTick runs one access-control pass: roll the day over if needed,
// evaluate every access record, persist, then apply account changes.
func (m *Monitor) AccessTick(ctx context.Context) error {
	logger := m.logger.With().Str("tick", uuid.NewString()).Str("task", "access").Logger()
	cfg := m.cfg.Current()

	m.mu.Lock()
	now := m.clock.Now()
	m.rollover(ctx, now, m.Policy())

	var orders []accountOrder
	if cfg.Access.Enabled {
		state := m.ledger.State()
		transitions := m.control.Evaluate(state, now)
		if len(transitions) > 0 {
			m.ledger.MarkDirty()
		}

		ordered := make(map[string]bool)
		for _, t := range transitions {
			m.recordTransition(ctx, t)
			for _, o := range ordersFor(t) {
				orders = append(orders, o)
				ordered[o.User] = true
			}
		}

		if cfg.Access.ReassertLocks {
			for _, user := range m.control.Locked(state) {
				if ordered[user] {
					continue
				}
				orders = append(orders, accountOrder{User: user, Action: orderLock, Reason: state.Access[user].Reason})
			}
		}
	}
	metrics.LockedUsers.Set(float64(len(m.control.Locked(m.ledger.State()))))

	err := m.persist(ctx)
	m.mu.Unlock()

	logger.Debug().Int("orders", len(orders)).Msg("Access tick")
	m.execute(ctx, orders)
	return err
}

// execute applies account orders. Failures are logged and retried by the
// next tick's reassertion.
func (m *Monitor) execute(ctx context.Context, orders []accountOrder) {
	for _, o := range orders {
		switch o.Action {
		case orderLock:
			if err := m.accounts.Lock(ctx, o.User, o.Reason); err != nil {
				metrics.AccountCommandFailures.WithLabelValues("lock").Inc()
				m.logger.Error().Err(err).Str("user", o.User).Msg("Failed to lock account")
			}
			if err := m.accounts.TerminateSessions(ctx, o.User); err != nil {
				metrics.AccountCommandFailures.WithLabelValues("logout").Inc()
				m.logger.Error().Err(err).Str("user", o.User).Msg("Failed to terminate sessions")
			}
		case orderUnlock:
			if err := m.accounts.Unlock(ctx, o.User); err != nil {
				metrics.AccountCommandFailures.WithLabelValues("unlock").Inc()
				m.logger.Error().Err(err).Str("user", o.User).Msg("Failed to unlock account")
			}
		}
	}
}

// accessStatus is used by the admin commands below. The caller holds m.mu.
func (m *Monitor) accessStatus(user string, now time.Time) access.Status {
	return m.control.StatusOf(m.ledger.State(), user, now)
}
