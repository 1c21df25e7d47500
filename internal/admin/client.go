package admin

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"time"

	"github.com/goodtune/procmon/internal/access"
	"github.com/goodtune/procmon/internal/admin/api"
	"github.com/goodtune/procmon/internal/config"
	"github.com/goodtune/procmon/internal/database"
	"github.com/goodtune/procmon/internal/storage"
	"github.com/goodtune/procmon/internal/usage"
)

// APIError is a non-2xx response from the daemon.
type APIError struct {
	Status  int
	Message string
}

func (e *APIError) Error() string {
	if e.Message == "" {
		return http.StatusText(e.Status)
	}
	return e.Message
}

// Client talks to the admin API over its unix socket.
type Client struct {
	http  *http.Client
	base  string
	actor string
}

// NewClient creates a client for the daemon listening on socket. actor is
// sent with every request and recorded on lock events.
func NewClient(socket, actor string) *Client {
	transport := &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
	}
	return &Client{
		http:  &http.Client{Transport: transport, Timeout: 30 * time.Second},
		base:  "http://procmon",
		actor: actor,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out interface{}) error {
	var reader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		reader = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.base+path, reader)
	if err != nil {
		return err
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	if c.actor != "" {
		req.Header.Set(ActorHeader, c.actor)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return fmt.Errorf("cannot reach procmon daemon: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 300 {
		var e api.ErrorResponse
		_ = json.NewDecoder(resp.Body).Decode(&e)
		return &APIError{Status: resp.StatusCode, Message: e.Message}
	}
	if out == nil {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return fmt.Errorf("failed to decode response: %w", err)
	}
	return nil
}

// Usage returns today's usage, for one user or everyone.
func (c *Client) Usage(ctx context.Context, user string) ([]usage.Stats, error) {
	path := "/api/usage"
	if user != "" {
		path += "?user=" + url.QueryEscape(user)
	}
	var out []usage.Stats
	return out, c.do(ctx, http.MethodGet, path, nil, &out)
}

// Reset clears today's counters for user, or for everyone.
func (c *Client) Reset(ctx context.Context, user string) error {
	return c.do(ctx, http.MethodPost, "/api/usage/reset", api.ResetRequest{User: user}, nil)
}

// UsageHistory returns archived daily usage.
func (c *Client) UsageHistory(ctx context.Context, f database.UsageFilter) ([]database.UsageRow, error) {
	q := url.Values{}
	if f.User != "" {
		q.Set("user", f.User)
	}
	if f.Since != "" {
		q.Set("since", f.Since)
	}
	if f.Until != "" {
		q.Set("until", f.Until)
	}
	if f.Limit > 0 {
		q.Set("limit", strconv.Itoa(f.Limit))
	}
	var out []database.UsageRow
	return out, c.do(ctx, http.MethodGet, "/api/history/usage?"+q.Encode(), nil, &out)
}

// AccessHistory returns archived access transitions.
func (c *Client) AccessHistory(ctx context.Context, user string, limit int) ([]database.AccessEvent, error) {
	q := url.Values{}
	if user != "" {
		q.Set("user", user)
	}
	if limit > 0 {
		q.Set("limit", strconv.Itoa(limit))
	}
	var out []database.AccessEvent
	return out, c.do(ctx, http.MethodGet, "/api/history/access?"+q.Encode(), nil, &out)
}

// AccessStatuses returns every user with an access record.
func (c *Client) AccessStatuses(ctx context.Context) ([]access.Status, error) {
	var out []access.Status
	return out, c.do(ctx, http.MethodGet, "/api/access", nil, &out)
}

// AccessStatus returns one user's access status.
func (c *Client) AccessStatus(ctx context.Context, user string) (access.Status, error) {
	var out access.Status
	return out, c.do(ctx, http.MethodGet, "/api/access/"+url.PathEscape(user), nil, &out)
}

// Lock locks user's account. A zero duration locks until unlocked.
func (c *Client) Lock(ctx context.Context, user, reason string, duration time.Duration) (access.Status, error) {
	req := api.LockRequest{Reason: reason}
	if duration > 0 {
		req.Duration = duration.String()
	}
	var out access.Status
	return out, c.do(ctx, http.MethodPost, "/api/access/"+url.PathEscape(user)+"/lock", req, &out)
}

// Unlock lifts any lock on user's account.
func (c *Client) Unlock(ctx context.Context, user string) (access.Status, error) {
	var out access.Status
	return out, c.do(ctx, http.MethodPost, "/api/access/"+url.PathEscape(user)+"/unlock", nil, &out)
}

// SetHours sets user's allowed-hours window.
func (c *Client) SetHours(ctx context.Context, user string, hours storage.AllowedHours) (access.Status, error) {
	var out access.Status
	return out, c.do(ctx, http.MethodPut, "/api/access/"+url.PathEscape(user)+"/hours", hours, &out)
}

// ClearHours removes user's allowed-hours window.
func (c *Client) ClearHours(ctx context.Context, user string) (access.Status, error) {
	var out access.Status
	return out, c.do(ctx, http.MethodDelete, "/api/access/"+url.PathEscape(user)+"/hours", nil, &out)
}

// Config returns the daemon's active configuration.
func (c *Client) Config(ctx context.Context) (*config.Config, error) {
	var out config.Config
	return &out, c.do(ctx, http.MethodGet, "/api/config", nil, &out)
}

// Groups lists process groups.
func (c *Client) Groups(ctx context.Context) ([]api.GroupInfo, error) {
	var out []api.GroupInfo
	return out, c.do(ctx, http.MethodGet, "/api/groups", nil, &out)
}

// SetEnabled switches monitoring on or off.
func (c *Client) SetEnabled(ctx context.Context, enabled bool) error {
	return c.do(ctx, http.MethodPut, "/api/config/enabled", api.EnabledRequest{Enabled: enabled}, nil)
}

// Block adds an application to the blocked set.
func (c *Client) Block(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/api/config/blocked", api.NameRequest{Name: name}, nil)
}

// Unblock removes an application from the blocked set.
func (c *Client) Unblock(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/api/config/blocked/"+url.PathEscape(name), nil, nil)
}

// SetLimit sets an application's daily limit in minutes.
func (c *Client) SetLimit(ctx context.Context, name string, minutes int) error {
	return c.do(ctx, http.MethodPut, "/api/config/limits/"+url.PathEscape(name), api.LimitRequest{Minutes: minutes}, nil)
}

// ClearLimit removes an application's daily limit.
func (c *Client) ClearLimit(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/api/config/limits/"+url.PathEscape(name), nil, nil)
}

// AddUser adds a monitored user.
func (c *Client) AddUser(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodPost, "/api/config/users", api.NameRequest{Name: name}, nil)
}

// RemoveUser removes a monitored user.
func (c *Client) RemoveUser(ctx context.Context, name string) error {
	return c.do(ctx, http.MethodDelete, "/api/config/users/"+url.PathEscape(name), nil, nil)
}

// AddMember adds an application to a group.
func (c *Client) AddMember(ctx context.Context, group, name string) error {
	return c.do(ctx, http.MethodPost, "/api/groups/"+url.PathEscape(group)+"/members", api.NameRequest{Name: name}, nil)
}

// RemoveMember removes an application from a group.
func (c *Client) RemoveMember(ctx context.Context, group, name string) error {
	return c.do(ctx, http.MethodDelete, "/api/groups/"+url.PathEscape(group)+"/members/"+url.PathEscape(name), nil, nil)
}

// SetGroupLimit sets a group's daily limit in minutes.
func (c *Client) SetGroupLimit(ctx context.Context, group string, minutes int) error {
	return c.do(ctx, http.MethodPut, "/api/groups/"+url.PathEscape(group)+"/limit", api.LimitRequest{Minutes: minutes}, nil)
}

// ClearGroupLimit removes a group's daily limit.
func (c *Client) ClearGroupLimit(ctx context.Context, group string) error {
	return c.do(ctx, http.MethodDelete, "/api/groups/"+url.PathEscape(group)+"/limit", nil, nil)
}
