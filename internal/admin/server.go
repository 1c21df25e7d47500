package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"github.com/goodtune/procmon/internal/admin/api"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// Config holds the admin server configuration.
type Config struct {
	Socket     string
	SocketMode os.FileMode
}

// Service is everything the admin API drives.
type Service interface {
	api.UsageService
	api.AccessService
}

// Server represents the admin HTTP server on a unix socket.
type Server struct {
	config   Config
	svc      Service
	cfgStore api.ConfigStore
	server   *http.Server
	router   *mux.Router
	listener net.Listener
	logger   zerolog.Logger
}

// NewServer creates a new admin server.
func NewServer(cfg Config, svc Service, cfgStore api.ConfigStore, logger zerolog.Logger) *Server {
	router := mux.NewRouter()

	s := &Server{
		config:   cfg,
		svc:      svc,
		cfgStore: cfgStore,
		router:   router,
		logger:   logger.With().Str("component", "admin").Logger(),
	}

	s.setupRoutes()

	s.server = &http.Server{
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return s
}

// Handler returns the router, for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// setupRoutes configures all HTTP routes.
func (s *Server) setupRoutes() {
	s.router.Use(ActorMiddleware)
	s.router.Use(LoggingMiddleware(s.logger))

	s.router.HandleFunc("/health", s.handleHealth).Methods("GET")

	usageHandler := api.NewUsageHandler(s.svc, s.logger)
	s.router.HandleFunc("/api/usage", usageHandler.Today).Methods("GET")
	s.router.HandleFunc("/api/usage/reset", usageHandler.Reset).Methods("POST")
	s.router.HandleFunc("/api/history/usage", usageHandler.History).Methods("GET")
	s.router.HandleFunc("/api/history/access", usageHandler.AccessEvents).Methods("GET")

	accessHandler := api.NewAccessHandler(s.svc, s.logger)
	s.router.HandleFunc("/api/access", accessHandler.List).Methods("GET")
	s.router.HandleFunc("/api/access/{user}", accessHandler.Get).Methods("GET")
	s.router.HandleFunc("/api/access/{user}/lock", accessHandler.Lock).Methods("POST")
	s.router.HandleFunc("/api/access/{user}/unlock", accessHandler.Unlock).Methods("POST")
	s.router.HandleFunc("/api/access/{user}/hours", accessHandler.SetHours).Methods("PUT")
	s.router.HandleFunc("/api/access/{user}/hours", accessHandler.ClearHours).Methods("DELETE")

	configHandler := api.NewConfigHandler(s.cfgStore, s.logger)
	s.router.HandleFunc("/api/config", configHandler.Get).Methods("GET")
	s.router.HandleFunc("/api/config/enabled", configHandler.SetEnabled).Methods("PUT")
	s.router.HandleFunc("/api/config/blocked", configHandler.Block).Methods("POST")
	s.router.HandleFunc("/api/config/blocked/{name}", configHandler.Unblock).Methods("DELETE")
	s.router.HandleFunc("/api/config/limits/{name}", configHandler.SetLimit).Methods("PUT")
	s.router.HandleFunc("/api/config/limits/{name}", configHandler.ClearLimit).Methods("DELETE")
	s.router.HandleFunc("/api/config/users", configHandler.AddUser).Methods("POST")
	s.router.HandleFunc("/api/config/users/{name}", configHandler.RemoveUser).Methods("DELETE")
	s.router.HandleFunc("/api/groups", configHandler.Groups).Methods("GET")
	s.router.HandleFunc("/api/groups/{group}/members", configHandler.AddMember).Methods("POST")
	s.router.HandleFunc("/api/groups/{group}/members/{name}", configHandler.RemoveMember).Methods("DELETE")
	s.router.HandleFunc("/api/groups/{group}/limit", configHandler.SetGroupLimit).Methods("PUT")
	s.router.HandleFunc("/api/groups/{group}/limit", configHandler.ClearGroupLimit).Methods("DELETE")
}

// SetListener sets a pre-created listener for systemd socket activation
func (s *Server) SetListener(ln net.Listener) {
	s.listener = ln
}

// Start starts serving on the unix socket.
func (s *Server) Start() error {
	if s.listener == nil {
		ln, err := listenUnix(s.config.Socket, s.config.SocketMode)
		if err != nil {
			return err
		}
		s.listener = ln
	} else {
		s.logger.Debug().Msg("Using systemd socket-activated admin listener")
	}

	s.logger.Info().Str("socket", s.config.Socket).Msg("Starting admin server")

	go func() {
		if err := s.server.Serve(s.listener); err != nil && err != http.ErrServerClosed {
			s.logger.Error().Err(err).Msg("Admin server error")
		}
	}()

	return nil
}

// Stop gracefully stops the admin HTTP server.
func (s *Server) Stop() error {
	s.logger.Info().Msg("Stopping admin server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin server shutdown: %w", err)
	}

	return nil
}

// listenUnix binds path, replacing a stale socket left by a crash.
func listenUnix(path string, mode os.FileMode) (net.Listener, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0755); err != nil {
		return nil, fmt.Errorf("failed to create socket directory: %w", err)
	}
	if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
		return nil, fmt.Errorf("failed to remove stale socket: %w", err)
	}

	ln, err := net.Listen("unix", path)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", path, err)
	}
	if mode == 0 {
		mode = 0660
	}
	if err := os.Chmod(path, mode); err != nil {
		_ = ln.Close()
		return nil, fmt.Errorf("failed to chmod socket: %w", err)
	}
	return ln, nil
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	WriteJSON(w, http.StatusOK, map[string]interface{}{
		"status":  "ok",
		"enabled": s.cfgStore.Current().Monitor.Enabled,
	})
}

// WriteJSON writes a JSON response.
func WriteJSON(w http.ResponseWriter, statusCode int, data interface{}) {
	var buf bytes.Buffer
	if err := json.NewEncoder(&buf).Encode(data); err != nil {
		http.Error(w, `{"error":"Internal Server Error","message":"Failed to encode response"}`, http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_, _ = w.Write(buf.Bytes())
}
