package usage

import (
	"sort"
	"time"

	"github.com/goodtune/procmon/internal/storage"
)

// Ledger keeps per-user, per-scope cumulative usage for the current day on
// top of a state aggregate. It is not safe for concurrent use; the owner
// serializes access.
type Ledger struct {
	state *storage.State
	dirty bool
}

// NewLedger wraps state. The ledger mutates state in place.
func NewLedger(state *storage.State) *Ledger {
	state.Normalize()
	return &Ledger{state: state}
}

// State returns the underlying aggregate.
func (l *Ledger) State() *storage.State {
	return l.state
}

// Day returns the accounting day marker.
func (l *Ledger) Day() string {
	return l.state.Day
}

// Dirty reports whether the ledger changed since the last Clean.
func (l *Ledger) Dirty() bool {
	return l.dirty
}

// MarkDirty flags a change made to the aggregate outside the ledger.
func (l *Ledger) MarkDirty() {
	l.dirty = true
}

// Clean clears the dirty flag after a successful save.
func (l *Ledger) Clean() {
	l.dirty = false
}

// Accrue adds d to the user's usage of scope, creating the record on first
// use of the day. Sub-second remainders are dropped.
func (l *Ledger) Accrue(user string, scope Scope, d time.Duration) {
	seconds := int64(d / time.Second)
	if seconds <= 0 {
		return
	}

	scopes, ok := l.state.Usage[user]
	if !ok {
		scopes = make(map[string]*storage.UsageRecord)
		l.state.Usage[user] = scopes
	}

	key := scope.String()
	rec, ok := scopes[key]
	if !ok {
		rec = &storage.UsageRecord{}
		scopes[key] = rec
	}
	rec.Seconds += seconds
	rec.Day = l.state.Day
	l.dirty = true
}

// Used returns the cumulative usage of scope today.
func (l *Ledger) Used(user string, scope Scope) time.Duration {
	rec, ok := l.state.Usage[user][scope.String()]
	if !ok {
		return 0
	}
	return time.Duration(rec.Seconds) * time.Second
}

// Remaining returns max(0, limit - used), or Unbounded when limitMinutes is
// zero or negative.
func (l *Ledger) Remaining(user string, scope Scope, limitMinutes int) time.Duration {
	if limitMinutes <= 0 {
		return Unbounded
	}
	remaining := time.Duration(limitMinutes)*time.Minute - l.Used(user, scope)
	if remaining < 0 {
		return 0
	}
	return remaining
}

// Reset zeroes all usage and fired warnings without changing the day.
func (l *Ledger) Reset() {
	l.state.Usage = make(map[string]map[string]*storage.UsageRecord)
	l.state.Warnings = make(map[string]map[string][]int64)
	l.dirty = true
}

// ResetUser zeroes one user's usage and fired warnings.
func (l *Ledger) ResetUser(user string) bool {
	_, hadUsage := l.state.Usage[user]
	_, hadWarnings := l.state.Warnings[user]
	delete(l.state.Usage, user)
	delete(l.state.Warnings, user)
	if hadUsage || hadWarnings {
		l.dirty = true
		return true
	}
	return false
}

// Users lists users with usage today, sorted.
func (l *Ledger) Users() []string {
	users := make([]string, 0, len(l.state.Usage))
	for user := range l.state.Usage {
		users = append(users, user)
	}
	sort.Strings(users)
	return users
}

// Scopes lists the scopes a user has accrued today, sorted by key.
func (l *Ledger) Scopes(user string) []Scope {
	var scopes []Scope
	for key := range l.state.Usage[user] {
		scope, err := ParseScope(key)
		if err != nil {
			continue
		}
		scopes = append(scopes, scope)
	}
	sort.Slice(scopes, func(i, j int) bool { return scopes[i].String() < scopes[j].String() })
	return scopes
}
