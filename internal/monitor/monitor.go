// Package monitor owns the accounting state and runs the enforcement and
// access-control tasks against it.
package monitor

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/goodtune/procmon/internal/access"
	"github.com/goodtune/procmon/internal/account"
	"github.com/goodtune/procmon/internal/config"
	"github.com/goodtune/procmon/internal/metrics"
	"github.com/goodtune/procmon/internal/notify"
	"github.com/goodtune/procmon/internal/policy"
	"github.com/goodtune/procmon/internal/process"
	"github.com/goodtune/procmon/internal/storage"
	"github.com/goodtune/procmon/internal/usage"
	"github.com/rs/zerolog"
)

var (
	// ErrUnknownUser is returned for users the monitor holds no record of.
	ErrUnknownUser = errors.New("monitor: unknown user")

	// ErrAccessDisabled is returned by access commands when access control
	// is switched off.
	ErrAccessDisabled = errors.New("monitor: access control is disabled")

	// ErrHistoryDisabled is returned by history queries without an archive.
	ErrHistoryDisabled = errors.New("monitor: history archive is disabled")
)

// Options wires a Monitor to its collaborators. History and Notifier may be
// nil.
type Options struct {
	Config     *config.Manager
	Store      storage.Store
	History    History
	Sampler    process.Sampler
	Terminator process.Terminator
	Notifier   notify.Notifier
	Accounts   account.Manager
	Clock      policy.Clock
	Logger     zerolog.Logger
}

// Monitor serializes every read-compute-write of the state aggregate
// behind one mutex: the enforcement tick, the access tick and each
// administrative command.
type Monitor struct {
	cfg        *config.Manager
	store      storage.Store
	history    History
	sampler    process.Sampler
	terminator process.Terminator
	notifier   notify.Notifier
	accounts   account.Manager
	clock      policy.Clock
	engine     *policy.Engine
	control    *access.Controller
	logger     zerolog.Logger

	policy atomic.Pointer[policy.Policy]

	mu          sync.Mutex
	ledger      *usage.Ledger
	lastSummary time.Time
}

// New loads the durable state and compiles the current configuration.
func New(ctx context.Context, opts Options) (*Monitor, error) {
	if opts.Config == nil || opts.Store == nil || opts.Sampler == nil ||
		opts.Terminator == nil || opts.Accounts == nil {
		return nil, fmt.Errorf("monitor: missing collaborator")
	}
	if opts.Clock == nil {
		opts.Clock = policy.RealClock{}
	}

	m := &Monitor{
		cfg:        opts.Config,
		store:      opts.Store,
		history:    opts.History,
		sampler:    opts.Sampler,
		terminator: opts.Terminator,
		notifier:   opts.Notifier,
		accounts:   opts.Accounts,
		clock:      opts.Clock,
		engine:     policy.NewEngine(opts.Logger),
		control:    access.NewController(opts.Logger),
		logger:     opts.Logger.With().Str("component", "monitor").Logger(),
	}

	p, err := policy.Compile(opts.Config.Current())
	if err != nil {
		return nil, fmt.Errorf("failed to compile policy: %w", err)
	}
	m.policy.Store(p)

	state, err := opts.Store.Load(ctx)
	switch {
	case errors.Is(err, storage.ErrNotFound):
		m.logger.Info().Msg("No saved state, starting fresh")
		state = storage.NewState("")
	case err != nil:
		return nil, fmt.Errorf("failed to load state: %w", err)
	default:
		m.logger.Info().
			Str("day", state.Day).
			Int("users", len(state.Usage)).
			Int("access_records", len(state.Access)).
			Msg("Loaded saved state")
	}
	m.ledger = usage.NewLedger(state)

	opts.Config.OnChange(m.applyConfig)
	opts.Config.OnReloadError(func(error) {
		metrics.ConfigReloadFailures.Inc()
	})

	return m, nil
}

// applyConfig recompiles the policy. A snapshot that fails to compile is
// rejected and the previous policy stays in force.
func (m *Monitor) applyConfig(cfg *config.Config) {
	p, err := policy.Compile(cfg)
	if err != nil {
		metrics.ConfigReloadFailures.Inc()
		m.logger.Error().Err(err).Msg("Rejected configuration, keeping previous policy")
		return
	}
	m.policy.Store(p)
	metrics.ConfigReloads.Inc()
	m.logger.Info().
		Bool("enabled", p.Enabled).
		Dur("tick", p.Tick).
		Int("groups", len(p.Groups())).
		Msg("Policy updated")
}

// Policy returns the policy in force.
func (m *Monitor) Policy() *policy.Policy {
	return m.policy.Load()
}

// Run executes both periodic tasks until ctx is cancelled, then flushes
// unsaved state. Intervals are re-read from the configuration after every
// tick.
func (m *Monitor) Run(ctx context.Context) error {
	m.logger.Info().
		Dur("check_interval", m.cfg.Current().CheckInterval()).
		Dur("access_interval", m.cfg.Current().AccessInterval()).
		Msg("Monitor started")

	var wg sync.WaitGroup
	wg.Add(2)
	go func() {
		defer wg.Done()
		m.loop(ctx, "enforce", func() time.Duration { return m.cfg.Current().CheckInterval() }, m.EnforceTick)
	}()
	go func() {
		defer wg.Done()
		m.loop(ctx, "access", func() time.Duration { return m.cfg.Current().AccessInterval() }, m.AccessTick)
	}()
	wg.Wait()

	m.mu.Lock()
	defer m.mu.Unlock()
	// The run context is gone; give the final save its own deadline.
	flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := m.persist(flushCtx); err != nil {
		return fmt.Errorf("failed to flush state: %w", err)
	}

	m.logger.Info().Msg("Monitor stopped")
	return nil
}

func (m *Monitor) loop(ctx context.Context, task string, interval func() time.Duration, tick func(context.Context) error) {
	timer := time.NewTimer(interval())
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-timer.C:
			start := time.Now()
			if err := tick(ctx); err != nil && ctx.Err() == nil {
				m.logger.Warn().Err(err).Str("task", task).Msg("Tick incomplete")
			}
			metrics.TicksTotal.WithLabelValues(task).Inc()
			metrics.TickDuration.WithLabelValues(task).Observe(time.Since(start).Seconds())
			timer.Reset(interval())
		}
	}
}

// persist saves the state if it changed. On failure the state stays dirty
// and the next tick retries. The caller holds m.mu.
func (m *Monitor) persist(ctx context.Context) error {
	if !m.ledger.Dirty() {
		return nil
	}

	state := m.ledger.State()
	state.UpdatedAt = m.clock.Now()
	if err := m.store.Save(ctx, state); err != nil {
		metrics.PersistFailures.Inc()
		m.logger.Error().Err(err).Msg("Failed to persist state, will retry")
		return err
	}
	m.ledger.Clean()
	return nil
}

// Snapshot returns a deep copy of the state aggregate.
func (m *Monitor) Snapshot() *storage.State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.ledger.State().Clone()
}
