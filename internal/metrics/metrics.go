package metrics

import (
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"
)

var (
	// Enforcement metrics
	TicksTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procmon_ticks_total",
			Help: "Total periodic task executions",
		},
		[]string{"task"},
	)

	TickDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Name:    "procmon_tick_duration_seconds",
			Help:    "Periodic task duration in seconds",
			Buckets: []float64{.001, .005, .01, .025, .05, .1, .25, .5, 1, 2.5},
		},
		[]string{"task"},
	)

	ProcessesObserved = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "procmon_processes_observed",
			Help: "Processes seen in the last sample",
		},
	)

	SampleErrors = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "procmon_sample_errors_total",
			Help: "Process table sampling failures",
		},
	)

	// Usage metrics
	UsageSecondsAccrued = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procmon_usage_seconds_accrued_total",
			Help: "Total usage seconds accrued",
		},
		[]string{"user", "scope"},
	)

	WarningsSent = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procmon_warnings_total",
			Help: "Time limit warnings delivered",
		},
		[]string{"user", "result"},
	)

	Rollovers = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "procmon_rollovers_total",
			Help: "Daily counter resets",
		},
	)

	// Termination metrics
	TerminationsTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procmon_terminations_total",
			Help: "Processes terminated",
		},
		[]string{"user", "reason"},
	)

	TerminationFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procmon_termination_failures_total",
			Help: "Processes that could not be terminated",
		},
		[]string{"reason"},
	)

	// Access metrics
	AccessTransitions = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procmon_access_transitions_total",
			Help: "Account access state transitions",
		},
		[]string{"to"},
	)

	AccountCommandFailures = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Name: "procmon_account_command_failures_total",
			Help: "Failed account lock, unlock or logout commands",
		},
		[]string{"action"},
	)

	LockedUsers = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Name: "procmon_locked_users",
			Help: "Number of locked accounts",
		},
	)

	// Persistence and configuration metrics
	PersistFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "procmon_persist_failures_total",
			Help: "State snapshot writes that failed",
		},
	)

	HistoryFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "procmon_history_failures_total",
			Help: "History archive writes that failed",
		},
	)

	ConfigReloads = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "procmon_config_reloads_total",
			Help: "Configuration changes applied",
		},
	)

	ConfigReloadFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Name: "procmon_config_reload_failures_total",
			Help: "Configuration reloads rejected",
		},
	)
)

func init() {
	// Register all metrics
	prometheus.MustRegister(
		TicksTotal,
		TickDuration,
		ProcessesObserved,
		SampleErrors,
		UsageSecondsAccrued,
		WarningsSent,
		Rollovers,
		TerminationsTotal,
		TerminationFailures,
		AccessTransitions,
		AccountCommandFailures,
		LockedUsers,
		PersistFailures,
		HistoryFailures,
		ConfigReloads,
		ConfigReloadFailures,
	)
}

// Server is the metrics HTTP server
type Server struct {
	server   *http.Server
	logger   zerolog.Logger
	listener net.Listener // Optional pre-created listener (for systemd socket activation)
}

// NewServer creates a new metrics server
func NewServer(addr string, logger zerolog.Logger) *Server {
	return &Server{
		server: &http.Server{
			Addr:    addr,
			Handler: Handler(),
		},
		logger: logger.With().Str("component", "metrics").Logger(),
	}
}

// Handler serves /metrics and /health.
func Handler() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())
	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("OK"))
	})
	return mux
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts the metrics server
func (s *Server) Start() error {
	s.logger.Info().Str("addr", s.server.Addr).Msg("Starting metrics server")
	go func() {
		var err error
		if s.listener != nil {
			s.logger.Debug().Msg("Using systemd socket-activated metrics listener")
			err = s.server.Serve(s.listener)
		} else {
			err = s.server.ListenAndServe()
		}
		if err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Metrics server error")
		}
	}()
	return nil
}

// Stop stops the metrics server
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping metrics server")
	return s.server.Close()
}
