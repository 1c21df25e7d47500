package main

import (
	"fmt"
	"os"
	"reflect"
	"sort"
	"strings"

	"github.com/fatih/color"
	"github.com/goodtune/procmon/internal/config"
	"github.com/goodtune/procmon/internal/policy"
	"github.com/spf13/cobra"
	"github.com/spf13/viper"
)

var (
	validateDump bool
)

var validateCmd = &cobra.Command{
	Use:   "validate",
	Short: "Validate configuration file",
	Long:  `Validate the procmon configuration file for syntax and semantic errors.`,
	RunE:  runValidate,
}

func init() {
	validateCmd.Flags().BoolVar(&validateDump, "dump", false, "Dump full configuration with defaults highlighted")
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Patterns are compiled the same way the daemon does it
	if _, err := policy.Compile(cfg); err != nil {
		fmt.Fprintf(os.Stderr, "❌ Configuration validation failed: %v\n", err)
		return err
	}

	// Check for unknown keys (always, not just with -dump)
	unknownKeys, err := findUnknownKeys(configPath)
	if err != nil {
		_, _ = fmt.Fprintf(os.Stderr, "⚠️  Warning: Could not check for unknown keys: %v\n", err)
	}

	_, _ = fmt.Fprintf(os.Stdout, "✅ Configuration is valid: %s\n", configPath)

	// Warn about unknown keys
	if len(unknownKeys) > 0 {
		red := color.New(color.FgRed, color.Bold)
		fmt.Fprintln(os.Stdout)
		_, _ = red.Fprintf(os.Stdout, "⚠️  WARNING: Found %d unknown configuration key(s):\n", len(unknownKeys))
		for _, key := range unknownKeys {
			_, _ = red.Fprintf(os.Stdout, "   - %s\n", key)
		}
		fmt.Fprintln(os.Stdout, "\nThese keys will be ignored and may indicate typos or deprecated settings.")
	}

	if validateDump {
		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
		_, _ = fmt.Fprintln(os.Stdout, "FULL CONFIGURATION (values different from defaults are highlighted)")
		_, _ = fmt.Fprintln(os.Stdout, strings.Repeat("=", 80))

		dumpConfig(cfg, config.Defaults())

		_, _ = fmt.Fprintln(os.Stdout, "\n"+strings.Repeat("=", 80))
	}

	return nil
}

// mapSections hold user-chosen keys below them.
var mapSections = []string{
	"monitor.limited_processes",
	"monitor.process_groups",
	"monitor.group_limits",
}

// findUnknownKeys loads the config file and checks for unknown keys
func findUnknownKeys(configPath string) ([]string, error) {
	v := viper.New()
	v.SetConfigFile(configPath)
	v.SetConfigType("yaml")

	if err := v.ReadInConfig(); err != nil {
		return nil, err
	}

	validKeys := getValidKeys()

	unknown := []string{}
	for _, key := range v.AllKeys() {
		if validKeys[key] || inMapSection(key) {
			continue
		}
		unknown = append(unknown, key)
	}
	sort.Strings(unknown)

	return unknown, nil
}

func inMapSection(key string) bool {
	for _, section := range mapSections {
		if key == section || strings.HasPrefix(key, section+".") {
			return true
		}
	}
	return false
}

// getValidKeys returns a set of all valid configuration keys
func getValidKeys() map[string]bool {
	keys := map[string]bool{
		// Monitor
		"monitor.enabled":            true,
		"monitor.check_interval":     true,
		"monitor.monitored_users":    true,
		"monitor.blocked_processes":  true,
		"monitor.tracked_processes":  true,
		"monitor.track_all":          true,
		"monitor.warning_intervals":  true,
		"monitor.warning_time":       true,
		"monitor.matching":           true,
		"monitor.usage_log_interval": true,

		// Access
		"access.enabled":        true,
		"access.check_interval": true,
		"access.reassert_locks": true,
		"access.lock_method":    true,

		// Storage
		"storage.type":                 true,
		"storage.path":                 true,
		"storage.redis.host":           true,
		"storage.redis.port":           true,
		"storage.redis.password":       true,
		"storage.redis.db":             true,
		"storage.redis.pool_size":      true,
		"storage.redis.min_idle_conns": true,
		"storage.redis.dial_timeout":   true,
		"storage.redis.read_timeout":   true,
		"storage.redis.write_timeout":  true,
		"storage.redis.key_prefix":     true,

		// History
		"history.enabled":        true,
		"history.path":           true,
		"history.retention_days": true,

		// Notify
		"notify.enabled":          true,
		"notify.timeout":          true,
		"notify.wall_fallback":    true,
		"notify.critical_minutes": true,

		// Admin
		"admin.socket":      true,
		"admin.socket_mode": true,

		// Metrics
		"metrics.enabled":      true,
		"metrics.bind_address": true,
		"metrics.port":         true,

		// Logging
		"logging.level":  true,
		"logging.format": true,
	}

	return keys
}

// dumpConfig dumps configuration with color highlighting for non-default values
func dumpConfig(cfg, defaultCfg *config.Config) {
	yellow := color.New(color.FgYellow, color.Bold)
	green := color.New(color.FgGreen)
	cyan := color.New(color.FgCyan, color.Bold)

	field := func(name string, value, defaultValue interface{}) {
		dumpField(name, value, defaultValue, yellow, green)
	}

	_, _ = cyan.Println("\n[monitor]")
	field("  enabled", cfg.Monitor.Enabled, defaultCfg.Monitor.Enabled)
	field("  check_interval", cfg.Monitor.CheckInterval, defaultCfg.Monitor.CheckInterval)
	field("  monitored_users", cfg.Monitor.MonitoredUsers, defaultCfg.Monitor.MonitoredUsers)
	field("  blocked_processes", cfg.Monitor.BlockedProcesses, defaultCfg.Monitor.BlockedProcesses)
	field("  limited_processes", cfg.Monitor.LimitedProcesses, defaultCfg.Monitor.LimitedProcesses)
	field("  process_groups", cfg.Monitor.ProcessGroups, defaultCfg.Monitor.ProcessGroups)
	field("  group_limits", cfg.Monitor.GroupLimits, defaultCfg.Monitor.GroupLimits)
	field("  tracked_processes", cfg.Monitor.TrackedProcesses, defaultCfg.Monitor.TrackedProcesses)
	field("  track_all", cfg.Monitor.TrackAll, defaultCfg.Monitor.TrackAll)
	field("  warning_intervals", cfg.Monitor.WarningIntervals, defaultCfg.Monitor.WarningIntervals)
	field("  warning_time", cfg.Monitor.WarningTime, defaultCfg.Monitor.WarningTime)
	field("  matching", cfg.Monitor.Matching, defaultCfg.Monitor.Matching)
	field("  usage_log_interval", cfg.Monitor.UsageLogInterval, defaultCfg.Monitor.UsageLogInterval)

	_, _ = cyan.Println("\n[access]")
	field("  enabled", cfg.Access.Enabled, defaultCfg.Access.Enabled)
	field("  check_interval", cfg.Access.CheckInterval, defaultCfg.Access.CheckInterval)
	field("  reassert_locks", cfg.Access.ReassertLocks, defaultCfg.Access.ReassertLocks)
	field("  lock_method", cfg.Access.LockMethod, defaultCfg.Access.LockMethod)

	_, _ = cyan.Println("\n[storage]")
	field("  type", cfg.Storage.Type, defaultCfg.Storage.Type)
	field("  path", cfg.Storage.Path, defaultCfg.Storage.Path)
	_, _ = cyan.Println("  [storage.redis]")
	field("    host", cfg.Storage.Redis.Host, defaultCfg.Storage.Redis.Host)
	field("    port", cfg.Storage.Redis.Port, defaultCfg.Storage.Redis.Port)
	field("    password", redactPassword(cfg.Storage.Redis.Password), redactPassword(defaultCfg.Storage.Redis.Password))
	field("    db", cfg.Storage.Redis.DB, defaultCfg.Storage.Redis.DB)
	field("    pool_size", cfg.Storage.Redis.PoolSize, defaultCfg.Storage.Redis.PoolSize)
	field("    min_idle_conns", cfg.Storage.Redis.MinIdleConns, defaultCfg.Storage.Redis.MinIdleConns)
	field("    dial_timeout", cfg.Storage.Redis.DialTimeout, defaultCfg.Storage.Redis.DialTimeout)
	field("    read_timeout", cfg.Storage.Redis.ReadTimeout, defaultCfg.Storage.Redis.ReadTimeout)
	field("    write_timeout", cfg.Storage.Redis.WriteTimeout, defaultCfg.Storage.Redis.WriteTimeout)
	field("    key_prefix", cfg.Storage.Redis.KeyPrefix, defaultCfg.Storage.Redis.KeyPrefix)

	_, _ = cyan.Println("\n[history]")
	field("  enabled", cfg.History.Enabled, defaultCfg.History.Enabled)
	field("  path", cfg.History.Path, defaultCfg.History.Path)
	field("  retention_days", cfg.History.RetentionDays, defaultCfg.History.RetentionDays)

	_, _ = cyan.Println("\n[notify]")
	field("  enabled", cfg.Notify.Enabled, defaultCfg.Notify.Enabled)
	field("  timeout", cfg.Notify.Timeout, defaultCfg.Notify.Timeout)
	field("  wall_fallback", cfg.Notify.WallFallback, defaultCfg.Notify.WallFallback)
	field("  critical_minutes", cfg.Notify.CriticalMinutes, defaultCfg.Notify.CriticalMinutes)

	_, _ = cyan.Println("\n[admin]")
	field("  socket", cfg.Admin.Socket, defaultCfg.Admin.Socket)
	field("  socket_mode", fmt.Sprintf("%#o", cfg.Admin.SocketMode), fmt.Sprintf("%#o", defaultCfg.Admin.SocketMode))

	_, _ = cyan.Println("\n[metrics]")
	field("  enabled", cfg.Metrics.Enabled, defaultCfg.Metrics.Enabled)
	field("  bind_address", cfg.Metrics.BindAddress, defaultCfg.Metrics.BindAddress)
	field("  port", cfg.Metrics.Port, defaultCfg.Metrics.Port)

	_, _ = cyan.Println("\n[logging]")
	field("  level", cfg.Logging.Level, defaultCfg.Logging.Level)
	field("  format", cfg.Logging.Format, defaultCfg.Logging.Format)
}

// dumpField prints a field with color if it differs from default
func dumpField(name string, value, defaultValue interface{}, modifiedColor, defaultColor *color.Color) {
	isDefault := reflect.DeepEqual(value, defaultValue)

	valueStr := fmt.Sprintf("%v", value)

	if isDefault {
		_, _ = defaultColor.Printf("%s = %s\n", name, valueStr)
	} else {
		_, _ = modifiedColor.Printf("%s = %s  (modified from default: %v)\n", name, valueStr, defaultValue)
	}
}

// redactPassword redacts password if not empty
func redactPassword(password string) string {
	if password == "" {
		return ""
	}
	return "***REDACTED***"
}
