package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// ErrInvalid wraps every validation failure.
var ErrInvalid = errors.New("invalid configuration")

// Matching strategies understood by the match package.
var matchingStrategies = []string{"substring", "exact", "glob"}

// Config holds the complete application configuration
type Config struct {
	Monitor MonitorConfig `mapstructure:"monitor" yaml:"monitor"`
	Access  AccessConfig  `mapstructure:"access" yaml:"access"`
	Storage StorageConfig `mapstructure:"storage" yaml:"storage"`
	History HistoryConfig `mapstructure:"history" yaml:"history"`
	Notify  NotifyConfig  `mapstructure:"notify" yaml:"notify"`
	Admin   AdminConfig   `mapstructure:"admin" yaml:"admin"`
	Metrics MetricsConfig `mapstructure:"metrics" yaml:"metrics"`
	Logging LoggingConfig `mapstructure:"logging" yaml:"logging"`
}

// MonitorConfig defines which users and processes are governed
type MonitorConfig struct {
	Enabled          bool                `mapstructure:"enabled" yaml:"enabled"`
	CheckInterval    string              `mapstructure:"check_interval" yaml:"check_interval"`
	MonitoredUsers   []string            `mapstructure:"monitored_users" yaml:"monitored_users"`
	BlockedProcesses []string            `mapstructure:"blocked_processes" yaml:"blocked_processes"`
	LimitedProcesses map[string]int      `mapstructure:"limited_processes" yaml:"limited_processes"` // name -> minutes per day
	ProcessGroups    map[string][]string `mapstructure:"process_groups" yaml:"process_groups"`       // group -> member names
	GroupLimits      map[string]int      `mapstructure:"group_limits" yaml:"group_limits"`           // group -> minutes per day
	TrackedProcesses []string            `mapstructure:"tracked_processes" yaml:"tracked_processes"` // accounted without a limit
	TrackAll         bool                `mapstructure:"track_all" yaml:"track_all"`
	WarningIntervals []int               `mapstructure:"warning_intervals" yaml:"warning_intervals"` // seconds remaining
	WarningTime      int                 `mapstructure:"warning_time" yaml:"warning_time"`           // used when warning_intervals is empty
	Matching         string              `mapstructure:"matching" yaml:"matching"`
	UsageLogInterval string              `mapstructure:"usage_log_interval" yaml:"usage_log_interval"`
}

// AccessConfig defines account availability control
type AccessConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	CheckInterval string `mapstructure:"check_interval" yaml:"check_interval"`
	ReassertLocks bool   `mapstructure:"reassert_locks" yaml:"reassert_locks"`
	LockMethod    string `mapstructure:"lock_method" yaml:"lock_method"` // "passwd" or "usermod"
}

// StorageConfig defines storage backend settings
type StorageConfig struct {
	Type  string      `mapstructure:"type" yaml:"type"`
	Path  string      `mapstructure:"path" yaml:"path"`
	Redis RedisConfig `mapstructure:"redis" yaml:"redis"`
}

// RedisConfig defines Redis connection settings
type RedisConfig struct {
	Host         string `mapstructure:"host" yaml:"host"`
	Port         int    `mapstructure:"port" yaml:"port"`
	Password     string `mapstructure:"password" yaml:"password"`
	DB           int    `mapstructure:"db" yaml:"db"`
	PoolSize     int    `mapstructure:"pool_size" yaml:"pool_size"`
	MinIdleConns int    `mapstructure:"min_idle_conns" yaml:"min_idle_conns"`
	DialTimeout  string `mapstructure:"dial_timeout" yaml:"dial_timeout"`
	ReadTimeout  string `mapstructure:"read_timeout" yaml:"read_timeout"`
	WriteTimeout string `mapstructure:"write_timeout" yaml:"write_timeout"`
	KeyPrefix    string `mapstructure:"key_prefix" yaml:"key_prefix"`
}

// HistoryConfig defines the usage archive
type HistoryConfig struct {
	Enabled       bool   `mapstructure:"enabled" yaml:"enabled"`
	Path          string `mapstructure:"path" yaml:"path"`
	RetentionDays int    `mapstructure:"retention_days" yaml:"retention_days"`
}

// NotifyConfig defines desktop notification behavior
type NotifyConfig struct {
	Enabled         bool   `mapstructure:"enabled" yaml:"enabled"`
	Timeout         string `mapstructure:"timeout" yaml:"timeout"`
	WallFallback    bool   `mapstructure:"wall_fallback" yaml:"wall_fallback"`
	CriticalMinutes int    `mapstructure:"critical_minutes" yaml:"critical_minutes"`
}

// AdminConfig defines the control socket
type AdminConfig struct {
	Socket     string `mapstructure:"socket" yaml:"socket"`
	SocketMode uint32 `mapstructure:"socket_mode" yaml:"socket_mode"`
}

// MetricsConfig defines the Prometheus endpoint
type MetricsConfig struct {
	Enabled     bool   `mapstructure:"enabled" yaml:"enabled"`
	BindAddress string `mapstructure:"bind_address" yaml:"bind_address"`
	Port        int    `mapstructure:"port" yaml:"port"`
}

// LoggingConfig defines logging behavior
type LoggingConfig struct {
	Level  string `mapstructure:"level" yaml:"level"`
	Format string `mapstructure:"format" yaml:"format"`
}

// Load loads configuration from file and environment variables
func Load(configPath string) (*Config, error) {
	v := newViper(configPath)

	// Read config file
	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) && !errors.Is(err, os.ErrNotExist) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// Config file not found, use defaults and environment variables
	}

	return decode(v)
}

// Defaults returns the built-in configuration, ignoring any file and the
// environment.
func Defaults() *Config {
	v := viper.New()
	setDefaults(v)

	var cfg Config
	_ = v.Unmarshal(&cfg)
	return &cfg
}

func newViper(configPath string) *viper.Viper {
	v := viper.New()

	setDefaults(v)

	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")
	v.SetEnvPrefix("PROCMON")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	return v
}

func decode(v *viper.Viper) (*Config, error) {
	var config Config
	if err := v.Unmarshal(&config); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := Validate(&config); err != nil {
		return nil, err
	}

	return &config, nil
}

// setDefaults sets default configuration values
func setDefaults(v *viper.Viper) {
	// Monitor defaults
	v.SetDefault("monitor.enabled", true)
	v.SetDefault("monitor.check_interval", "5s")
	v.SetDefault("monitor.monitored_users", []string{})
	v.SetDefault("monitor.blocked_processes", []string{})
	v.SetDefault("monitor.limited_processes", map[string]int{})
	v.SetDefault("monitor.process_groups", map[string][]string{})
	v.SetDefault("monitor.group_limits", map[string]int{})
	v.SetDefault("monitor.tracked_processes", []string{})
	v.SetDefault("monitor.track_all", false)
	v.SetDefault("monitor.warning_intervals", []int{})
	v.SetDefault("monitor.warning_time", 300)
	v.SetDefault("monitor.matching", "substring")
	v.SetDefault("monitor.usage_log_interval", "60s")

	// Access defaults
	v.SetDefault("access.enabled", false)
	v.SetDefault("access.check_interval", "1m")
	v.SetDefault("access.reassert_locks", true)
	v.SetDefault("access.lock_method", "passwd")

	// Storage defaults
	v.SetDefault("storage.type", "file")
	v.SetDefault("storage.path", "/var/lib/procmon/state.json")
	v.SetDefault("storage.redis.host", "localhost")
	v.SetDefault("storage.redis.port", 6379)
	v.SetDefault("storage.redis.db", 0)
	v.SetDefault("storage.redis.pool_size", 10)
	v.SetDefault("storage.redis.min_idle_conns", 1)
	v.SetDefault("storage.redis.dial_timeout", "5s")
	v.SetDefault("storage.redis.read_timeout", "3s")
	v.SetDefault("storage.redis.write_timeout", "3s")
	v.SetDefault("storage.redis.key_prefix", "procmon:state:")

	// History defaults
	v.SetDefault("history.enabled", true)
	v.SetDefault("history.path", "/var/lib/procmon/history.db")
	v.SetDefault("history.retention_days", 90)

	// Notify defaults
	v.SetDefault("notify.enabled", true)
	v.SetDefault("notify.timeout", "2s")
	v.SetDefault("notify.wall_fallback", true)
	v.SetDefault("notify.critical_minutes", 5)

	// Admin defaults
	v.SetDefault("admin.socket", "/run/procmon/admin.sock")
	v.SetDefault("admin.socket_mode", 0660)

	// Metrics defaults
	v.SetDefault("metrics.enabled", true)
	v.SetDefault("metrics.bind_address", "127.0.0.1")
	v.SetDefault("metrics.port", 9105)

	// Logging defaults
	v.SetDefault("logging.level", "info")
	v.SetDefault("logging.format", "json")
}

// Validate checks the configuration and fills derived defaults.
func Validate(cfg *Config) error {
	if err := validate(cfg); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}
	return nil
}

func validate(cfg *Config) error {
	tick, err := positiveDuration("monitor.check_interval", cfg.Monitor.CheckInterval)
	if err != nil {
		return err
	}
	// Usage is accrued in whole seconds per tick.
	if tick%time.Second != 0 {
		return fmt.Errorf("monitor.check_interval must be a whole number of seconds, got %s", tick)
	}
	if _, err := positiveDuration("access.check_interval", cfg.Access.CheckInterval); err != nil {
		return err
	}
	if cfg.Monitor.UsageLogInterval != "" {
		if _, err := time.ParseDuration(cfg.Monitor.UsageLogInterval); err != nil {
			return fmt.Errorf("invalid monitor.usage_log_interval: %w", err)
		}
	}

	if cfg.Monitor.Matching == "" {
		cfg.Monitor.Matching = "substring"
	}
	if !contains(matchingStrategies, cfg.Monitor.Matching) {
		return fmt.Errorf("unknown matching strategy %q (must be one of %s)",
			cfg.Monitor.Matching, strings.Join(matchingStrategies, ", "))
	}

	for name, minutes := range cfg.Monitor.LimitedProcesses {
		if minutes < 0 {
			return fmt.Errorf("limit for %q must not be negative", name)
		}
	}
	for group, minutes := range cfg.Monitor.GroupLimits {
		if minutes < 0 {
			return fmt.Errorf("limit for group %q must not be negative", group)
		}
		if _, ok := cfg.Monitor.ProcessGroups[group]; !ok {
			return fmt.Errorf("group limit set for undefined group %q", group)
		}
	}
	for _, seconds := range cfg.Monitor.WarningIntervals {
		if seconds <= 0 {
			return fmt.Errorf("warning intervals must be positive, got %d", seconds)
		}
	}
	if cfg.Monitor.WarningTime < 0 {
		return fmt.Errorf("warning_time must not be negative")
	}

	if err := validateGroups(cfg.Monitor.ProcessGroups, cfg.Monitor.Matching); err != nil {
		return err
	}

	switch cfg.Access.LockMethod {
	case "":
		cfg.Access.LockMethod = "passwd"
	case "passwd", "usermod":
	default:
		return fmt.Errorf("unknown access.lock_method %q (must be passwd or usermod)", cfg.Access.LockMethod)
	}

	switch cfg.Storage.Type {
	case "":
		cfg.Storage.Type = "file"
		fallthrough
	case "file":
		if cfg.Storage.Path == "" {
			return fmt.Errorf("storage path is required")
		}
	case "redis":
		if cfg.Storage.Redis.Host == "" {
			return fmt.Errorf("storage.redis.host is required")
		}
	default:
		return fmt.Errorf("unknown storage type %q (must be file or redis)", cfg.Storage.Type)
	}

	if cfg.History.Enabled && cfg.History.Path == "" {
		return fmt.Errorf("history path is required when history is enabled")
	}
	if cfg.History.RetentionDays < 0 {
		return fmt.Errorf("history.retention_days must not be negative")
	}

	if cfg.Notify.Timeout != "" {
		if _, err := time.ParseDuration(cfg.Notify.Timeout); err != nil {
			return fmt.Errorf("invalid notify.timeout: %w", err)
		}
	}

	if cfg.Admin.Socket == "" {
		return fmt.Errorf("admin socket path is required")
	}

	if cfg.Metrics.Enabled && (cfg.Metrics.Port <= 0 || cfg.Metrics.Port > 65535) {
		return fmt.Errorf("invalid metrics port: %d", cfg.Metrics.Port)
	}

	return nil
}

// validateGroups rejects an application that would count toward two groups.
func validateGroups(groups map[string][]string, matching string) error {
	type member struct {
		group, name string
	}
	var members []member
	for _, group := range sortedKeys(groups) {
		if strings.TrimSpace(group) == "" {
			return fmt.Errorf("group names must not be empty")
		}
		for _, name := range groups[group] {
			members = append(members, member{group: group, name: name})
		}
	}

	for i := 0; i < len(members); i++ {
		for j := i + 1; j < len(members); j++ {
			a, b := members[i], members[j]
			if a.group == b.group {
				continue
			}
			if overlaps(a.name, b.name, matching) {
				return fmt.Errorf("%q (group %q) and %q (group %q) match the same applications; an application may belong to one group only",
					a.name, a.group, b.name, b.group)
			}
		}
	}
	return nil
}

// overlaps reports whether two member patterns can select the same process.
// Glob overlap is only detected for identical patterns.
func overlaps(a, b, matching string) bool {
	la, lb := strings.ToLower(a), strings.ToLower(b)
	switch matching {
	case "substring":
		return strings.Contains(la, lb) || strings.Contains(lb, la)
	default:
		return la == lb
	}
}

// CheckInterval returns the enforcement tick length.
func (c *Config) CheckInterval() time.Duration {
	return parseDuration(c.Monitor.CheckInterval, 5*time.Second)
}

// AccessInterval returns the access controller tick length.
func (c *Config) AccessInterval() time.Duration {
	return parseDuration(c.Access.CheckInterval, time.Minute)
}

// UsageLogInterval returns how often the usage summary is logged.
func (c *Config) UsageLogInterval() time.Duration {
	return parseDuration(c.Monitor.UsageLogInterval, 0)
}

// NotifyTimeout returns the per-notification deadline.
func (c *Config) NotifyTimeout() time.Duration {
	return parseDuration(c.Notify.Timeout, 2*time.Second)
}

// Thresholds returns warning thresholds in seconds, largest first.
func (c *Config) Thresholds() []int {
	src := c.Monitor.WarningIntervals
	if len(src) == 0 {
		if c.Monitor.WarningTime <= 0 {
			return nil
		}
		src = []int{c.Monitor.WarningTime}
	}

	seen := make(map[int]struct{}, len(src))
	out := make([]int, 0, len(src))
	for _, s := range src {
		if _, ok := seen[s]; ok {
			continue
		}
		seen[s] = struct{}{}
		out = append(out, s)
	}
	sort.Sort(sort.Reverse(sort.IntSlice(out)))
	return out
}

// StateDir returns the directory holding local state files.
func (c *Config) StateDir() string {
	return filepath.Dir(c.Storage.Path)
}

func positiveDuration(key, value string) (time.Duration, error) {
	d, err := time.ParseDuration(value)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	if d <= 0 {
		return 0, fmt.Errorf("%s must be positive", key)
	}
	return d, nil
}

func parseDuration(s string, fallback time.Duration) time.Duration {
	if s == "" {
		return fallback
	}
	d, err := time.ParseDuration(s)
	if err != nil {
		return fallback
	}
	return d
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}
