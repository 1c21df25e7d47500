package api

import (
	"fmt"
	"net/http"
	"sort"
	"strings"

	"github.com/goodtune/procmon/internal/config"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog"
)

// ConfigStore reads and atomically mutates the live configuration.
type ConfigStore interface {
	Current() *config.Config
	Update(fn func(*config.Config) error) (*config.Config, error)
}

// NameRequest names an application or user.
type NameRequest struct {
	Name string `json:"name"`
}

// LimitRequest sets a daily limit in minutes.
type LimitRequest struct {
	Minutes int `json:"minutes"`
}

// EnabledRequest switches monitoring on or off.
type EnabledRequest struct {
	Enabled bool `json:"enabled"`
}

// GroupInfo describes one process group.
type GroupInfo struct {
	Name         string   `json:"name"`
	Members      []string `json:"members"`
	LimitMinutes int      `json:"limit_minutes,omitempty"`
}

// ConfigHandler handles configuration API requests.
type ConfigHandler struct {
	cfg    ConfigStore
	logger zerolog.Logger
}

// NewConfigHandler creates a new configuration handler.
func NewConfigHandler(cfg ConfigStore, logger zerolog.Logger) *ConfigHandler {
	return &ConfigHandler{
		cfg:    cfg,
		logger: logger.With().Str("handler", "config").Logger(),
	}
}

// Get returns the active configuration with secrets redacted.
func (h *ConfigHandler) Get(w http.ResponseWriter, r *http.Request) {
	cfg := h.cfg.Current().Clone()
	if cfg.Storage.Redis.Password != "" {
		cfg.Storage.Redis.Password = "********"
	}
	writeJSON(w, http.StatusOK, cfg)
}

// Groups lists process groups with their members and limits.
func (h *ConfigHandler) Groups(w http.ResponseWriter, r *http.Request) {
	mc := h.cfg.Current().Monitor

	names := make([]string, 0, len(mc.ProcessGroups))
	for name := range mc.ProcessGroups {
		names = append(names, name)
	}
	sort.Strings(names)

	groups := make([]GroupInfo, 0, len(names))
	for _, name := range names {
		members := append([]string(nil), mc.ProcessGroups[name]...)
		sort.Strings(members)
		groups = append(groups, GroupInfo{Name: name, Members: members, LimitMinutes: mc.GroupLimits[name]})
	}
	writeJSON(w, http.StatusOK, groups)
}

// Block adds an application to the blocked set.
func (h *ConfigHandler) Block(w http.ResponseWriter, r *http.Request) {
	name, ok := h.name(w, r)
	if !ok {
		return
	}
	h.update(w, r, "Application blocked", func(c *config.Config) error {
		if !containsFold(c.Monitor.BlockedProcesses, name) {
			c.Monitor.BlockedProcesses = append(c.Monitor.BlockedProcesses, name)
		}
		return nil
	})
}

// Unblock removes an application from the blocked set.
func (h *ConfigHandler) Unblock(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	h.update(w, r, "Application unblocked", func(c *config.Config) error {
		out, removed := removeFold(c.Monitor.BlockedProcesses, name)
		if !removed {
			return fmt.Errorf("%s is not blocked: %w", name, errNotConfigured)
		}
		c.Monitor.BlockedProcesses = out
		return nil
	})
}

// SetLimit sets an application's daily limit.
func (h *ConfigHandler) SetLimit(w http.ResponseWriter, r *http.Request) {
	name := key(mux.Vars(r)["name"])
	minutes, ok := h.minutes(w, r)
	if !ok {
		return
	}
	h.update(w, r, "Limit set", func(c *config.Config) error {
		c.Monitor.LimitedProcesses[name] = minutes
		return nil
	})
}

// ClearLimit removes an application's daily limit.
func (h *ConfigHandler) ClearLimit(w http.ResponseWriter, r *http.Request) {
	name := key(mux.Vars(r)["name"])
	h.update(w, r, "Limit removed", func(c *config.Config) error {
		if _, ok := c.Monitor.LimitedProcesses[name]; !ok {
			return fmt.Errorf("%s has no limit: %w", name, errNotConfigured)
		}
		delete(c.Monitor.LimitedProcesses, name)
		return nil
	})
}

// AddMember adds an application to a group, creating the group if needed.
func (h *ConfigHandler) AddMember(w http.ResponseWriter, r *http.Request) {
	group := key(mux.Vars(r)["group"])
	name, ok := h.name(w, r)
	if !ok {
		return
	}
	h.update(w, r, "Group member added", func(c *config.Config) error {
		if !containsFold(c.Monitor.ProcessGroups[group], name) {
			c.Monitor.ProcessGroups[group] = append(c.Monitor.ProcessGroups[group], name)
		}
		return nil
	})
}

// RemoveMember removes an application from a group. An emptied group is
// deleted together with its limit.
func (h *ConfigHandler) RemoveMember(w http.ResponseWriter, r *http.Request) {
	group := key(mux.Vars(r)["group"])
	name := mux.Vars(r)["name"]
	h.update(w, r, "Group member removed", func(c *config.Config) error {
		out, removed := removeFold(c.Monitor.ProcessGroups[group], name)
		if !removed {
			return fmt.Errorf("%s is not in group %s: %w", name, group, errNotConfigured)
		}
		if len(out) == 0 {
			delete(c.Monitor.ProcessGroups, group)
			delete(c.Monitor.GroupLimits, group)
			return nil
		}
		c.Monitor.ProcessGroups[group] = out
		return nil
	})
}

// SetGroupLimit sets a group's daily limit.
func (h *ConfigHandler) SetGroupLimit(w http.ResponseWriter, r *http.Request) {
	group := key(mux.Vars(r)["group"])
	minutes, ok := h.minutes(w, r)
	if !ok {
		return
	}
	h.update(w, r, "Group limit set", func(c *config.Config) error {
		if _, ok := c.Monitor.ProcessGroups[group]; !ok {
			return fmt.Errorf("group %s does not exist: %w", group, errNotConfigured)
		}
		c.Monitor.GroupLimits[group] = minutes
		return nil
	})
}

// ClearGroupLimit removes a group's daily limit.
func (h *ConfigHandler) ClearGroupLimit(w http.ResponseWriter, r *http.Request) {
	group := key(mux.Vars(r)["group"])
	h.update(w, r, "Group limit removed", func(c *config.Config) error {
		if _, ok := c.Monitor.GroupLimits[group]; !ok {
			return fmt.Errorf("group %s has no limit: %w", group, errNotConfigured)
		}
		delete(c.Monitor.GroupLimits, group)
		return nil
	})
}

// AddUser adds a user to the monitored set.
func (h *ConfigHandler) AddUser(w http.ResponseWriter, r *http.Request) {
	name, ok := h.name(w, r)
	if !ok {
		return
	}
	h.update(w, r, "Monitored user added", func(c *config.Config) error {
		for _, u := range c.Monitor.MonitoredUsers {
			if u == name {
				return nil
			}
		}
		c.Monitor.MonitoredUsers = append(c.Monitor.MonitoredUsers, name)
		return nil
	})
}

// RemoveUser removes a user from the monitored set.
func (h *ConfigHandler) RemoveUser(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]
	h.update(w, r, "Monitored user removed", func(c *config.Config) error {
		out := c.Monitor.MonitoredUsers[:0]
		for _, u := range c.Monitor.MonitoredUsers {
			if u != name {
				out = append(out, u)
			}
		}
		if len(out) == len(c.Monitor.MonitoredUsers) {
			return fmt.Errorf("%s is not monitored: %w", name, errNotConfigured)
		}
		c.Monitor.MonitoredUsers = out
		return nil
	})
}

// SetEnabled switches monitoring on or off.
func (h *ConfigHandler) SetEnabled(w http.ResponseWriter, r *http.Request) {
	var req EnabledRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return
	}
	msg := "Monitoring disabled"
	if req.Enabled {
		msg = "Monitoring enabled"
	}
	h.update(w, r, msg, func(c *config.Config) error {
		c.Monitor.Enabled = req.Enabled
		return nil
	})
}

func (h *ConfigHandler) update(w http.ResponseWriter, r *http.Request, msg string, fn func(*config.Config) error) {
	cfg, err := h.cfg.Update(func(c *config.Config) error {
		if c.Monitor.LimitedProcesses == nil {
			c.Monitor.LimitedProcesses = map[string]int{}
		}
		if c.Monitor.ProcessGroups == nil {
			c.Monitor.ProcessGroups = map[string][]string{}
		}
		if c.Monitor.GroupLimits == nil {
			c.Monitor.GroupLimits = map[string]int{}
		}
		return fn(c)
	})
	if err != nil {
		writeServiceError(w, err)
		return
	}

	h.logger.Info().Str("actor", actorFrom(r)).Str("path", r.URL.Path).Msg(msg)
	writeJSON(w, http.StatusOK, cfg.Monitor)
}

func (h *ConfigHandler) name(w http.ResponseWriter, r *http.Request) (string, bool) {
	var req NameRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return "", false
	}
	name := strings.TrimSpace(req.Name)
	if name == "" {
		writeError(w, http.StatusBadRequest, "Name is required")
		return "", false
	}
	return name, true
}

func (h *ConfigHandler) minutes(w http.ResponseWriter, r *http.Request) (int, bool) {
	var req LimitRequest
	if err := decode(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "Invalid request body")
		return 0, false
	}
	if req.Minutes <= 0 {
		writeError(w, http.StatusBadRequest, "Minutes must be positive")
		return 0, false
	}
	return req.Minutes, true
}

// key normalizes a map key the way the configuration loader does.
func key(s string) string {
	return strings.ToLower(strings.TrimSpace(s))
}

func containsFold(list []string, s string) bool {
	for _, v := range list {
		if strings.EqualFold(v, s) {
			return true
		}
	}
	return false
}

func removeFold(list []string, s string) ([]string, bool) {
	out := make([]string, 0, len(list))
	removed := false
	for _, v := range list {
		if strings.EqualFold(v, s) {
			removed = true
			continue
		}
		out = append(out, v)
	}
	return out, removed
}
