package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleConfig = `
monitor:
  check_interval: 10s
  monitored_users: [alice, bob]
  blocked_processes: [torrent]
  limited_processes:
    firefox: 60
  process_groups:
    games: [steam, minecraft]
  group_limits:
    games: 120
  warning_intervals: [60, 600, 300, 60]
storage:
  path: %s
history:
  enabled: false
`

func writeConfig(t *testing.T) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "procmon.yaml")
	content := fmt.Sprintf(sampleConfig, filepath.Join(dir, "state.json"))
	require.NoError(t, os.WriteFile(path, []byte(content), 0644))
	return path
}

func TestLoad_Defaults(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	assert.True(t, cfg.Monitor.Enabled)
	assert.Equal(t, "5s", cfg.Monitor.CheckInterval)
	assert.Equal(t, "substring", cfg.Monitor.Matching)
	assert.Equal(t, 300, cfg.Monitor.WarningTime)
	assert.Equal(t, "file", cfg.Storage.Type)
	assert.Equal(t, "passwd", cfg.Access.LockMethod)
	assert.Equal(t, 90, cfg.History.RetentionDays)
	assert.Equal(t, []int{300}, cfg.Thresholds())
}

func TestDefaults_MatchLoadWithoutFile(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	defaults := Defaults()
	assert.Equal(t, cfg.Monitor.CheckInterval, defaults.Monitor.CheckInterval)
	assert.Equal(t, cfg.Admin.Socket, defaults.Admin.Socket)
	assert.Equal(t, cfg.Metrics.Port, defaults.Metrics.Port)
}

func TestLoad_File(t *testing.T) {
	cfg, err := Load(writeConfig(t))
	require.NoError(t, err)

	assert.Equal(t, []string{"alice", "bob"}, cfg.Monitor.MonitoredUsers)
	assert.Equal(t, 60, cfg.Monitor.LimitedProcesses["firefox"])
	assert.Equal(t, []string{"steam", "minecraft"}, cfg.Monitor.ProcessGroups["games"])
	assert.Equal(t, 120, cfg.Monitor.GroupLimits["games"])
	assert.Equal(t, []int{600, 300, 60}, cfg.Thresholds())
	assert.Equal(t, 10*time.Second, cfg.CheckInterval())
}

func TestValidate(t *testing.T) {
	base := func() *Config {
		cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
		require.NoError(t, err)
		return cfg
	}

	tests := []struct {
		name   string
		mutate func(*Config)
	}{
		{"zero interval", func(c *Config) { c.Monitor.CheckInterval = "0s" }},
		{"bad interval", func(c *Config) { c.Access.CheckInterval = "soon" }},
		{"sub-second interval", func(c *Config) { c.Monitor.CheckInterval = "500ms" }},
		{"fractional interval", func(c *Config) { c.Monitor.CheckInterval = "1500ms" }},
		{"unknown matching", func(c *Config) { c.Monitor.Matching = "regex" }},
		{"negative limit", func(c *Config) { c.Monitor.LimitedProcesses = map[string]int{"x": -1} }},
		{"limit for undefined group", func(c *Config) { c.Monitor.GroupLimits = map[string]int{"games": 10} }},
		{"same member in two groups", func(c *Config) {
			c.Monitor.ProcessGroups = map[string][]string{"games": {"steam"}, "social": {"Steam"}}
		}},
		{"overlapping substring members", func(c *Config) {
			c.Monitor.ProcessGroups = map[string][]string{"browsers": {"firefox"}, "media": {"fire"}}
		}},
		{"unknown storage", func(c *Config) { c.Storage.Type = "bolt" }},
		{"bad lock method", func(c *Config) { c.Access.LockMethod = "chsh" }},
		{"zero warning interval", func(c *Config) { c.Monitor.WarningIntervals = []int{0} }},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			cfg := base()
			tt.mutate(cfg)
			err := Validate(cfg)
			require.Error(t, err)
			assert.True(t, errors.Is(err, ErrInvalid))
		})
	}
}

func TestValidate_GlobGroupsOnlyRejectIdenticalPatterns(t *testing.T) {
	cfg, err := Load(filepath.Join(t.TempDir(), "missing.yaml"))
	require.NoError(t, err)

	cfg.Monitor.Matching = "glob"
	cfg.Monitor.ProcessGroups = map[string][]string{"browsers": {"firefox*"}, "media": {"fire"}}
	require.NoError(t, Validate(cfg))
}

func TestManager_UpdatePersistsAndActivates(t *testing.T) {
	path := writeConfig(t)
	m, err := NewManager(path, zerolog.Nop())
	require.NoError(t, err)

	changes := 0
	m.OnChange(func(*Config) { changes++ })

	_, err = m.Update(func(c *Config) error {
		c.Monitor.BlockedProcesses = append(c.Monitor.BlockedProcesses, "discord")
		return nil
	})
	require.NoError(t, err)

	assert.Contains(t, m.Current().Monitor.BlockedProcesses, "discord")
	assert.Equal(t, 1, changes)

	reloaded, err := Load(path)
	require.NoError(t, err)
	assert.Contains(t, reloaded.Monitor.BlockedProcesses, "discord")
	assert.Equal(t, 60, reloaded.Monitor.LimitedProcesses["firefox"])
}

func TestManager_UpdateRejectsInvalidChange(t *testing.T) {
	path := writeConfig(t)
	m, err := NewManager(path, zerolog.Nop())
	require.NoError(t, err)

	before := m.Current()
	_, err = m.Update(func(c *Config) error {
		c.Monitor.ProcessGroups["social"] = []string{"steam"}
		return nil
	})
	require.ErrorIs(t, err, ErrInvalid)
	assert.Same(t, before, m.Current())
	assert.NotContains(t, m.Current().Monitor.ProcessGroups, "social")
}

func TestManager_ReloadKeepsLastKnownGood(t *testing.T) {
	path := writeConfig(t)
	m, err := NewManager(path, zerolog.Nop())
	require.NoError(t, err)

	var failures int
	m.OnReloadError(func(error) { failures++ })

	require.NoError(t, os.WriteFile(path, []byte("monitor: [unclosed"), 0644))
	require.Error(t, m.Reload())

	assert.Equal(t, 1, failures)
	assert.Equal(t, 60, m.Current().Monitor.LimitedProcesses["firefox"])
}

func TestConfig_CloneIsDeep(t *testing.T) {
	cfg, err := Load(writeConfig(t))
	require.NoError(t, err)

	clone := cfg.Clone()
	clone.Monitor.LimitedProcesses["firefox"] = 5
	clone.Monitor.ProcessGroups["games"][0] = "roblox"
	clone.Monitor.BlockedProcesses[0] = "other"

	assert.Equal(t, 60, cfg.Monitor.LimitedProcesses["firefox"])
	assert.Equal(t, "steam", cfg.Monitor.ProcessGroups["games"][0])
	assert.Equal(t, "torrent", cfg.Monitor.BlockedProcesses[0])
}
