package storage

import (
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"
)

// StateVersion is the schema version written with every snapshot.
const StateVersion = 1

// DayLayout is the format of the accounting day marker.
const DayLayout = "2006-01-02"

// AccessState represents the availability of a user account.
type AccessState string

const (
	AccessActive         AccessState = "active"
	AccessLocked         AccessState = "locked"
	AccessScheduleLocked AccessState = "schedule_locked"
)

// UnmarshalJSON implements json.Unmarshaler to normalize the state to lowercase.
func (a *AccessState) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}

	normalized := AccessState(strings.ToLower(s))
	switch normalized {
	case AccessActive, AccessLocked, AccessScheduleLocked:
		*a = normalized
		return nil
	case "":
		*a = AccessActive
		return nil
	default:
		return fmt.Errorf("invalid access state: %s (must be active, locked, or schedule_locked)", s)
	}
}

// IsLocked reports whether the state denies access.
func (a AccessState) IsLocked() bool {
	return a == AccessLocked || a == AccessScheduleLocked
}

// UsageRecord is one user's cumulative usage of one scope for a day.
type UsageRecord struct {
	Seconds int64  `json:"seconds"`
	Day     string `json:"day"`
}

// AllowedHours is a daily [Start, End) window expressed in local hours.
// Start greater than End wraps past midnight.
type AllowedHours struct {
	Start int `json:"start"`
	End   int `json:"end"`
}

// Contains reports whether hour falls inside the window.
func (h AllowedHours) Contains(hour int) bool {
	if h.Start < h.End {
		return hour >= h.Start && hour < h.End
	}
	return hour >= h.Start || hour < h.End
}

// Validate checks the window bounds.
func (h AllowedHours) Validate() error {
	if h.Start < 0 || h.Start > 23 {
		return fmt.Errorf("start hour must be between 0 and 23, got %d", h.Start)
	}
	if h.End < 1 || h.End > 24 {
		return fmt.Errorf("end hour must be between 1 and 24, got %d", h.End)
	}
	if h.Start == h.End {
		return fmt.Errorf("allowed hours window %d-%d is empty", h.Start, h.End)
	}
	return nil
}

func (h AllowedHours) String() string {
	return fmt.Sprintf("%02d:00-%02d:00", h.Start, h.End)
}

// AccessRecord holds the account state of a single user.
type AccessRecord struct {
	User      string        `json:"user"`
	State     AccessState   `json:"state"`
	Reason    string        `json:"reason,omitempty"`
	LockedAt  *time.Time    `json:"locked_at,omitempty"`
	LockedBy  string        `json:"locked_by,omitempty"`
	ExpiresAt *time.Time    `json:"expires_at,omitempty"`
	Hours     *AllowedHours `json:"hours,omitempty"`
}

// ClearLock resets the record to active, keeping the allowed hours.
func (r *AccessRecord) ClearLock() {
	r.State = AccessActive
	r.Reason = ""
	r.LockedAt = nil
	r.LockedBy = ""
	r.ExpiresAt = nil
}

// State is the durable aggregate: usage, fired warnings, access records and
// the current accounting day.
type State struct {
	Version   int                                `json:"version"`
	Day       string                             `json:"day"`
	Usage     map[string]map[string]*UsageRecord `json:"usage"`
	Warnings  map[string]map[string][]int64      `json:"warnings"`
	Access    map[string]*AccessRecord           `json:"access"`
	UpdatedAt time.Time                          `json:"updated_at"`
}

// NewState returns an empty state for the given day.
func NewState(day string) *State {
	return &State{
		Version:  StateVersion,
		Day:      day,
		Usage:    make(map[string]map[string]*UsageRecord),
		Warnings: make(map[string]map[string][]int64),
		Access:   make(map[string]*AccessRecord),
	}
}

// Normalize initializes nil maps left by decoding.
func (s *State) Normalize() {
	if s.Version == 0 {
		s.Version = StateVersion
	}
	if s.Usage == nil {
		s.Usage = make(map[string]map[string]*UsageRecord)
	}
	if s.Warnings == nil {
		s.Warnings = make(map[string]map[string][]int64)
	}
	if s.Access == nil {
		s.Access = make(map[string]*AccessRecord)
	}
	for user, rec := range s.Access {
		if rec == nil {
			delete(s.Access, user)
			continue
		}
		if rec.User == "" {
			rec.User = user
		}
		if rec.State == "" {
			rec.State = AccessActive
		}
	}
}

// Clone returns a deep copy suitable for handing to a store.
func (s *State) Clone() *State {
	out := &State{
		Version:   s.Version,
		Day:       s.Day,
		UpdatedAt: s.UpdatedAt,
		Usage:     make(map[string]map[string]*UsageRecord, len(s.Usage)),
		Warnings:  make(map[string]map[string][]int64, len(s.Warnings)),
		Access:    make(map[string]*AccessRecord, len(s.Access)),
	}
	for user, scopes := range s.Usage {
		m := make(map[string]*UsageRecord, len(scopes))
		for scope, rec := range scopes {
			r := *rec
			m[scope] = &r
		}
		out.Usage[user] = m
	}
	for user, scopes := range s.Warnings {
		m := make(map[string][]int64, len(scopes))
		for scope, fired := range scopes {
			m[scope] = append([]int64(nil), fired...)
		}
		out.Warnings[user] = m
	}
	for user, rec := range s.Access {
		r := *rec
		if rec.LockedAt != nil {
			t := *rec.LockedAt
			r.LockedAt = &t
		}
		if rec.ExpiresAt != nil {
			t := *rec.ExpiresAt
			r.ExpiresAt = &t
		}
		if rec.Hours != nil {
			h := *rec.Hours
			r.Hours = &h
		}
		out.Access[user] = &r
	}
	return out
}

// DailyUsage is a flattened usage row for one day, user and scope.
type DailyUsage struct {
	Date    string `json:"date"`
	User    string `json:"user"`
	Scope   string `json:"scope"`
	Seconds int64  `json:"seconds"`
}

// Flatten lists the state's usage records sorted by user and scope.
func (s *State) Flatten() []DailyUsage {
	var rows []DailyUsage
	for user, scopes := range s.Usage {
		for scope, rec := range scopes {
			rows = append(rows, DailyUsage{
				Date:    rec.Day,
				User:    user,
				Scope:   scope,
				Seconds: rec.Seconds,
			})
		}
	}
	sort.Slice(rows, func(i, j int) bool {
		if rows[i].User != rows[j].User {
			return rows[i].User < rows[j].User
		}
		return rows[i].Scope < rows[j].Scope
	})
	return rows
}
