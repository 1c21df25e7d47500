// Package access implements the per-user account availability state
// machine: manual locks with optional expiry and allowed-hours windows.
package access

import (
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/goodtune/procmon/internal/storage"
	"github.com/rs/zerolog"
)

// ReasonOutsideHours is recorded on schedule locks.
const ReasonOutsideHours = "outside allowed hours"

var (
	// ErrNotLocked is returned when unlocking an account that is active.
	ErrNotLocked = errors.New("access: account is not locked")
	// ErrInvalid wraps rejected lock and hours requests.
	ErrInvalid = errors.New("access: invalid request")
	// ErrProtected is returned when locking an account that is never locked.
	ErrProtected = errors.New("access: account is protected")
)

// Protected reports whether user must never be locked.
func Protected(user string) bool {
	return user == "root"
}

// Transition is one change of a user's access state.
type Transition struct {
	User   string              `json:"user"`
	From   storage.AccessState `json:"from"`
	To     storage.AccessState `json:"to"`
	Reason string              `json:"reason,omitempty"`
	Actor  string              `json:"actor,omitempty"`
	At     time.Time           `json:"at"`
}

// Locks reports whether the transition takes access away.
func (t Transition) Locks() bool {
	return !t.From.IsLocked() && t.To.IsLocked()
}

// Unlocks reports whether the transition restores access.
func (t Transition) Unlocks() bool {
	return t.From.IsLocked() && !t.To.IsLocked()
}

// Status is a read-only view of one user's access record.
type Status struct {
	User      string                `json:"user"`
	State     storage.AccessState   `json:"state"`
	Reason    string                `json:"reason,omitempty"`
	LockedAt  *time.Time            `json:"locked_at,omitempty"`
	LockedBy  string                `json:"locked_by,omitempty"`
	ExpiresAt *time.Time            `json:"expires_at,omitempty"`
	Remaining time.Duration         `json:"remaining,omitempty"`
	Hours     *storage.AllowedHours `json:"hours,omitempty"`
	InWindow  bool                  `json:"in_window"`
}

// Controller evaluates and mutates access records held in a state
// aggregate. The caller serializes access to the state.
type Controller struct {
	logger zerolog.Logger
}

// NewController creates a new access controller.
func NewController(logger zerolog.Logger) *Controller {
	return &Controller{
		logger: logger.With().Str("component", "access-controller").Logger(),
	}
}

// Evaluate applies the transition rules to every access record at now and
// returns the transitions made, ordered by user. For each user the first
// matching rule wins:
//
//  1. a manual lock whose expiry has passed is cleared;
//  2. a manual lock without expiry is kept;
//  3. an active account outside its allowed hours is schedule locked;
//  4. a schedule lock inside the allowed hours (or with no window) is lifted.
func (c *Controller) Evaluate(state *storage.State, now time.Time) []Transition {
	var out []Transition
	for _, user := range sortedUsers(state) {
		rec := state.Access[user]
		if t, ok := c.evaluate(rec, now); ok {
			out = append(out, t)
		}
	}
	return out
}

func (c *Controller) evaluate(rec *storage.AccessRecord, now time.Time) (Transition, bool) {
	from := rec.State
	hour := now.Hour()

	switch rec.State {
	case storage.AccessLocked:
		if rec.ExpiresAt == nil || now.Before(*rec.ExpiresAt) {
			return Transition{}, false
		}
		reason := rec.Reason
		rec.ClearLock()
		c.logger.Info().
			Str("user", rec.User).
			Str("reason", reason).
			Msg("Manual lock expired, account re-enabled")
		return Transition{User: rec.User, From: from, To: rec.State, Reason: "lock expired", At: now}, true

	case storage.AccessScheduleLocked:
		if rec.Hours != nil && !rec.Hours.Contains(hour) {
			return Transition{}, false
		}
		rec.ClearLock()
		c.logger.Info().
			Str("user", rec.User).
			Int("hour", hour).
			Msg("Inside allowed hours, account re-enabled")
		return Transition{User: rec.User, From: from, To: rec.State, Reason: "inside allowed hours", At: now}, true

	default:
		if rec.Hours == nil || rec.Hours.Contains(hour) {
			return Transition{}, false
		}
		t := now
		rec.State = storage.AccessScheduleLocked
		rec.Reason = ReasonOutsideHours
		rec.LockedAt = &t
		rec.LockedBy = ""
		rec.ExpiresAt = nil
		c.logger.Info().
			Str("user", rec.User).
			Int("hour", hour).
			Str("hours", rec.Hours.String()).
			Msg("Outside allowed hours, account locked")
		return Transition{User: rec.User, From: from, To: rec.State, Reason: ReasonOutsideHours, At: now}, true
	}
}

// Lock manually locks user. A positive duration sets an expiry; otherwise
// the lock lasts until Unlock. A manual lock replaces a schedule lock.
func (c *Controller) Lock(state *storage.State, user, reason string, duration time.Duration, actor string, now time.Time) (Transition, error) {
	if user == "" {
		return Transition{}, fmt.Errorf("%w: user is required", ErrInvalid)
	}
	if Protected(user) {
		return Transition{}, fmt.Errorf("%s: %w", user, ErrProtected)
	}
	if duration < 0 {
		return Transition{}, fmt.Errorf("%w: lock duration must not be negative", ErrInvalid)
	}
	if reason == "" {
		reason = "locked by administrator"
	}

	rec := record(state, user)
	from := rec.State

	lockedAt := now
	rec.State = storage.AccessLocked
	rec.Reason = reason
	rec.LockedAt = &lockedAt
	rec.LockedBy = actor
	rec.ExpiresAt = nil
	if duration > 0 {
		expires := now.Add(duration)
		rec.ExpiresAt = &expires
	}

	ev := c.logger.Info().
		Str("user", user).
		Str("reason", reason).
		Str("actor", actor)
	if rec.ExpiresAt != nil {
		ev = ev.Time("expires_at", *rec.ExpiresAt)
	}
	ev.Msg("Account locked")

	return Transition{User: user, From: from, To: rec.State, Reason: reason, Actor: actor, At: now}, nil
}

// Unlock clears any lock on user. Unlocking a schedule-locked account
// outside its window is allowed; the next evaluation locks it again.
func (c *Controller) Unlock(state *storage.State, user, actor string, now time.Time) (Transition, error) {
	rec, ok := state.Access[user]
	if !ok || !rec.State.IsLocked() {
		return Transition{}, fmt.Errorf("%s: %w", user, ErrNotLocked)
	}

	from := rec.State
	rec.ClearLock()

	c.logger.Info().
		Str("user", user).
		Str("actor", actor).
		Msg("Account unlocked")

	return Transition{User: user, From: from, To: rec.State, Reason: "unlocked by administrator", Actor: actor, At: now}, nil
}

// SetHours stores the allowed-hours window for user. The window is applied
// by the next evaluation.
func (c *Controller) SetHours(state *storage.State, user string, hours storage.AllowedHours) error {
	if user == "" {
		return fmt.Errorf("%w: user is required", ErrInvalid)
	}
	if Protected(user) {
		return fmt.Errorf("%s: %w", user, ErrProtected)
	}
	if err := hours.Validate(); err != nil {
		return fmt.Errorf("%w: %v", ErrInvalid, err)
	}

	rec := record(state, user)
	h := hours
	rec.Hours = &h

	c.logger.Info().
		Str("user", user).
		Str("hours", h.String()).
		Msg("Allowed hours set")
	return nil
}

// ClearHours removes the allowed-hours window. A schedule lock is lifted
// immediately and returned as a transition.
func (c *Controller) ClearHours(state *storage.State, user string, now time.Time) (Transition, bool) {
	rec, ok := state.Access[user]
	if !ok || rec.Hours == nil {
		return Transition{}, false
	}
	rec.Hours = nil

	c.logger.Info().Str("user", user).Msg("Allowed hours cleared")

	if rec.State != storage.AccessScheduleLocked {
		return Transition{}, false
	}
	rec.ClearLock()
	return Transition{User: user, From: storage.AccessScheduleLocked, To: rec.State, Reason: "allowed hours cleared", At: now}, true
}

// Locked lists users whose accounts are currently locked.
func (c *Controller) Locked(state *storage.State) []string {
	var out []string
	for _, user := range sortedUsers(state) {
		if state.Access[user].State.IsLocked() {
			out = append(out, user)
		}
	}
	return out
}

// StatusOf returns the access status of user at now. Users without a
// record are active.
func (c *Controller) StatusOf(state *storage.State, user string, now time.Time) Status {
	rec, ok := state.Access[user]
	if !ok {
		return Status{User: user, State: storage.AccessActive, InWindow: true}
	}

	s := Status{
		User:      user,
		State:     rec.State,
		Reason:    rec.Reason,
		LockedAt:  rec.LockedAt,
		LockedBy:  rec.LockedBy,
		ExpiresAt: rec.ExpiresAt,
		Hours:     rec.Hours,
		InWindow:  rec.Hours == nil || rec.Hours.Contains(now.Hour()),
	}
	if rec.ExpiresAt != nil && now.Before(*rec.ExpiresAt) {
		s.Remaining = rec.ExpiresAt.Sub(now)
	}
	return s
}

// Statuses returns the status of every user with an access record.
func (c *Controller) Statuses(state *storage.State, now time.Time) []Status {
	users := sortedUsers(state)
	out := make([]Status, 0, len(users))
	for _, user := range users {
		out = append(out, c.StatusOf(state, user, now))
	}
	return out
}

func record(state *storage.State, user string) *storage.AccessRecord {
	rec, ok := state.Access[user]
	if !ok {
		rec = &storage.AccessRecord{User: user, State: storage.AccessActive}
		state.Access[user] = rec
	}
	return rec
}

func sortedUsers(state *storage.State) []string {
	users := make([]string, 0, len(state.Access))
	for user := range state.Access {
		users = append(users, user)
	}
	sort.Strings(users)
	return users
}
