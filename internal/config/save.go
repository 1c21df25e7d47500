package config

import (
	"fmt"
	"path/filepath"

	"github.com/goodtune/procmon/internal/storage"
	"gopkg.in/yaml.v3"
)

// Save writes cfg to path as YAML, atomically.
func Save(path string, cfg *Config) error {
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	if err := storage.EnsureDir(filepath.Dir(path)); err != nil {
		return fmt.Errorf("failed to create config directory: %w", err)
	}

	if err := storage.WriteFileAtomic(path, data, 0644); err != nil {
		return fmt.Errorf("failed to write config: %w", err)
	}
	return nil
}

// Clone returns a deep copy of the configuration.
func (c *Config) Clone() *Config {
	out := *c

	m := &out.Monitor
	m.MonitoredUsers = append([]string(nil), c.Monitor.MonitoredUsers...)
	m.BlockedProcesses = append([]string(nil), c.Monitor.BlockedProcesses...)
	m.TrackedProcesses = append([]string(nil), c.Monitor.TrackedProcesses...)
	m.WarningIntervals = append([]int(nil), c.Monitor.WarningIntervals...)

	m.LimitedProcesses = make(map[string]int, len(c.Monitor.LimitedProcesses))
	for k, v := range c.Monitor.LimitedProcesses {
		m.LimitedProcesses[k] = v
	}
	m.GroupLimits = make(map[string]int, len(c.Monitor.GroupLimits))
	for k, v := range c.Monitor.GroupLimits {
		m.GroupLimits[k] = v
	}
	m.ProcessGroups = make(map[string][]string, len(c.Monitor.ProcessGroups))
	for k, v := range c.Monitor.ProcessGroups {
		m.ProcessGroups[k] = append([]string(nil), v...)
	}

	return &out
}
