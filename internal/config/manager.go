package config

import (
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/fsnotify/fsnotify"
	"github.com/rs/zerolog"
)

// Manager owns the live configuration snapshot. Readers take the current
// pointer with Current and never see a partially applied change. A reload
// that fails to parse or validate leaves the last good snapshot in place.
type Manager struct {
	path   string
	logger zerolog.Logger

	mu      sync.Mutex
	current atomic.Pointer[Config]

	hooksMu   sync.RWMutex
	onChange  []func(*Config)
	onFailure []func(error)
}

// NewManager loads the initial configuration. A failure here has no
// previous snapshot to fall back to and is returned to the caller.
func NewManager(path string, logger zerolog.Logger) (*Manager, error) {
	cfg, err := Load(path)
	if err != nil {
		return nil, err
	}

	m := &Manager{
		path:   path,
		logger: logger.With().Str("component", "config").Logger(),
	}
	m.current.Store(cfg)
	return m, nil
}

// NewStaticManager wraps an already loaded configuration.
func NewStaticManager(path string, cfg *Config, logger zerolog.Logger) *Manager {
	m := &Manager{
		path:   path,
		logger: logger.With().Str("component", "config").Logger(),
	}
	m.current.Store(cfg)
	return m
}

// Path returns the configuration file path.
func (m *Manager) Path() string {
	return m.path
}

// Current returns the active snapshot. Callers must not modify it.
func (m *Manager) Current() *Config {
	return m.current.Load()
}

// OnChange registers fn to run after every successful change.
func (m *Manager) OnChange(fn func(*Config)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.onChange = append(m.onChange, fn)
}

// OnReloadError registers fn to run when a reload is rejected.
func (m *Manager) OnReloadError(fn func(error)) {
	m.hooksMu.Lock()
	defer m.hooksMu.Unlock()
	m.onFailure = append(m.onFailure, fn)
}

// Reload re-reads the file. On error the previous snapshot stays active.
func (m *Manager) Reload() error {
	m.mu.Lock()
	defer m.mu.Unlock()

	cfg, err := Load(m.path)
	if err != nil {
		m.logger.Error().Err(err).Str("path", m.path).Msg("Configuration reload failed, keeping last known good")
		m.fireFailure(err)
		return err
	}

	m.current.Store(cfg)
	m.logger.Info().Str("path", m.path).Msg("Configuration reloaded")
	m.fireChange(cfg)
	return nil
}

// Update applies fn to a copy of the current snapshot, validates it, writes
// it to disk and activates it. Nothing changes if any step fails.
func (m *Manager) Update(fn func(*Config) error) (*Config, error) {
	m.mu.Lock()
	defer m.mu.Unlock()

	next := m.current.Load().Clone()
	if err := fn(next); err != nil {
		return nil, err
	}
	if err := Validate(next); err != nil {
		return nil, err
	}
	if err := Save(m.path, next); err != nil {
		return nil, fmt.Errorf("failed to persist configuration: %w", err)
	}

	m.current.Store(next)
	m.fireChange(next)
	return next, nil
}

// Watch reloads the configuration whenever the file changes on disk.
func (m *Manager) Watch() {
	v := newViper(m.path)
	v.OnConfigChange(func(e fsnotify.Event) {
		if !e.Has(fsnotify.Write) && !e.Has(fsnotify.Create) {
			return
		}
		m.logger.Debug().Str("event", e.Op.String()).Msg("Configuration file changed")
		_ = m.Reload()
	})
	v.WatchConfig()
}

func (m *Manager) fireChange(cfg *Config) {
	m.hooksMu.RLock()
	defer m.hooksMu.RUnlock()
	for _, fn := range m.onChange {
		fn(cfg)
	}
}

func (m *Manager) fireFailure(err error) {
	m.hooksMu.RLock()
	defer m.hooksMu.RUnlock()
	for _, fn := range m.onFailure {
		fn(err)
	}
}
