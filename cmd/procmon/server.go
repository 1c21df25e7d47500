package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"
	"time"

	"github.com/gofrs/flock"
	"github.com/goodtune/procmon/internal/account"
	"github.com/goodtune/procmon/internal/admin"
	"github.com/goodtune/procmon/internal/command"
	"github.com/goodtune/procmon/internal/config"
	"github.com/goodtune/procmon/internal/database"
	"github.com/goodtune/procmon/internal/metrics"
	"github.com/goodtune/procmon/internal/monitor"
	"github.com/goodtune/procmon/internal/notify"
	"github.com/goodtune/procmon/internal/process"
	"github.com/goodtune/procmon/internal/storage"
	"github.com/goodtune/procmon/internal/storage/file"
	"github.com/goodtune/procmon/internal/storage/redis"
	"github.com/goodtune/procmon/internal/systemd"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the procmon daemon",
	Long:  `Start the enforcement and access-control tasks, the admin socket and the metrics endpoint.`,
	RunE:  runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)
}

func runServer(cmd *cobra.Command, args []string) error {
	// Load configuration
	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	// Setup logger
	logger := setupLogger(cfg.Logging)
	log.Logger = logger

	logger.Info().
		Str("version", version).
		Str("config", configPath).
		Msg("Starting procmon")

	cfgs := config.NewStaticManager(configPath, cfg, logger)
	cfgs.OnChange(func(c *config.Config) {
		zerolog.SetGlobalLevel(parseLevel(c.Logging.Level))
	})

	// One daemon per state directory
	if err := storage.EnsureDir(cfg.StateDir()); err != nil {
		return fmt.Errorf("failed to create state directory: %w", err)
	}
	instance := flock.New(filepath.Join(cfg.StateDir(), "procmon.lock"))
	locked, err := instance.TryLock()
	if err != nil {
		return fmt.Errorf("failed to take instance lock: %w", err)
	}
	if !locked {
		return fmt.Errorf("another procmon is running: %w", storage.ErrLocked)
	}
	defer func() { _ = instance.Unlock() }()

	// Check for systemd socket activation
	sdListeners, err := systemd.GetListeners()
	if err != nil {
		return err
	}
	if sdListeners.Activated {
		logger.Info().Msg("Running with systemd socket activation")
	}

	// Initialize storage
	store, err := openStorage(cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to initialize storage: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error().Err(err).Msg("Failed to close storage")
		}
	}()

	logger.Info().
		Str("type", cfg.Storage.Type).
		Str("path", cfg.Storage.Path).
		Msg("Storage initialized")

	// Initialize history archive
	var history monitor.History
	if cfg.History.Enabled {
		db, err := database.New(cfg.History.Path)
		if err != nil {
			return fmt.Errorf("failed to initialize history database: %w", err)
		}
		defer func() {
			if err := db.Close(); err != nil {
				logger.Error().Err(err).Msg("Failed to close history database")
			}
		}()
		history = db
		logger.Info().
			Str("path", cfg.History.Path).
			Int("retention_days", cfg.History.RetentionDays).
			Msg("History archive initialized")
	}

	runner := command.Exec{}

	var notifier notify.Notifier
	if cfg.Notify.Enabled {
		notifier = notify.NewDesktop(runner, notify.Options{
			Timeout:      cfg.NotifyTimeout(),
			WallFallback: cfg.Notify.WallFallback,
		}, logger)
	}

	table := process.NewTable(time.Second, logger)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	mon, err := monitor.New(ctx, monitor.Options{
		Config:     cfgs,
		Store:      store,
		History:    history,
		Sampler:    table,
		Terminator: table,
		Notifier:   notifier,
		Accounts:   account.NewSystem(runner, cfg.Access.LockMethod, logger),
		Logger:     logger,
	})
	if err != nil {
		return fmt.Errorf("failed to initialize monitor: %w", err)
	}

	// Initialize admin server
	socket := cfg.Admin.Socket
	if socketPath != "" {
		socket = socketPath
	}
	adminServer := admin.NewServer(admin.Config{
		Socket:     socket,
		SocketMode: os.FileMode(cfg.Admin.SocketMode),
	}, mon, cfgs, logger)

	if sdListeners.Admin != nil {
		adminServer.SetListener(sdListeners.Admin)
	}
	if err := adminServer.Start(); err != nil {
		return fmt.Errorf("failed to start admin server: %w", err)
	}

	// Initialize Metrics Server
	var metricsServer *metrics.Server
	if cfg.Metrics.Enabled {
		metricsAddr := fmt.Sprintf("%s:%d", cfg.Metrics.BindAddress, cfg.Metrics.Port)
		metricsServer = metrics.NewServer(metricsAddr, logger)
		if sdListeners.Metrics != nil {
			metricsServer.SetListener(sdListeners.Metrics)
		}
		if err := metricsServer.Start(); err != nil {
			return fmt.Errorf("failed to start metrics server: %w", err)
		}
	}

	cfgs.Watch()

	runDone := make(chan error, 1)
	go func() {
		runDone <- mon.Run(ctx)
	}()

	if interval := systemd.WatchdogInterval(); interval > 0 {
		go watchdog(ctx, interval, logger)
	}

	logger.Info().
		Bool("enabled", cfg.Monitor.Enabled).
		Bool("access", cfg.Access.Enabled).
		Str("socket", socket).
		Msg("procmon startup complete")

	// Notify systemd that we're ready to serve requests
	if err := systemd.NotifyReady(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd ready notification")
	}

	// Wait for signals (shutdown or reload)
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM, syscall.SIGHUP)
	defer signal.Stop(sigChan)

	var runErr error
loop:
	for {
		select {
		case sig := <-sigChan:
			if sig == syscall.SIGHUP {
				logger.Info().Msg("SIGHUP received, reloading configuration")
				_ = systemd.NotifyReloading()
				if err := cfgs.Reload(); err != nil {
					logger.Error().Err(err).Msg("Reload failed, previous configuration stays in force")
				}
				_ = systemd.NotifyReady()
				continue
			}
			logger.Info().Str("signal", sig.String()).Msg("Shutdown signal received, gracefully stopping...")
			break loop
		case runErr = <-runDone:
			runDone = nil
			logger.Error().Err(runErr).Msg("Monitor exited unexpectedly")
			break loop
		}
	}

	if err := systemd.NotifyStopping(); err != nil {
		logger.Warn().Err(err).Msg("Failed to send systemd stopping notification")
	}

	if err := adminServer.Stop(); err != nil {
		logger.Error().Err(err).Msg("Error stopping admin server")
	}

	cancel()
	if runDone != nil {
		runErr = <-runDone
	}
	if runErr != nil {
		logger.Error().Err(runErr).Msg("Final state flush failed")
	}

	if metricsServer != nil {
		if err := metricsServer.Stop(); err != nil {
			logger.Error().Err(err).Msg("Error stopping metrics server")
		}
	}

	logger.Info().Msg("procmon stopped")
	return runErr
}

func watchdog(ctx context.Context, interval time.Duration, logger zerolog.Logger) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if err := systemd.NotifyWatchdog(); err != nil {
				logger.Debug().Err(err).Msg("Watchdog notification failed")
			}
		}
	}
}

func openStorage(cfg config.StorageConfig) (storage.Store, error) {
	switch cfg.Type {
	case "", "file":
		return file.Open(cfg.Path)
	case "redis":
		return redis.Open(cfg.Redis)
	default:
		return nil, fmt.Errorf("unsupported storage type: %s", cfg.Type)
	}
}

// readState loads the saved state without taking the daemon's lock.
func readState(ctx context.Context, cfg config.StorageConfig) (*storage.State, error) {
	var (
		state *storage.State
		err   error
	)
	if cfg.Type == "redis" {
		var store *redis.Store
		store, err = redis.Open(cfg.Redis)
		if err != nil {
			return nil, err
		}
		defer store.Close()
		state, err = store.Load(ctx)
	} else {
		state, err = file.Read(cfg.Path)
	}
	if errors.Is(err, storage.ErrNotFound) {
		return storage.NewState(""), nil
	}
	return state, err
}

func parseLevel(s string) zerolog.Level {
	switch s {
	case "debug":
		return zerolog.DebugLevel
	case "warn":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	default:
		return zerolog.InfoLevel
	}
}

// setupLogger configures the logger based on configuration
func setupLogger(cfg config.LoggingConfig) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	// Set output format
	if cfg.Format == "text" {
		return zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}

	// Default to JSON
	return zerolog.New(os.Stdout).With().Timestamp().Logger()
}
