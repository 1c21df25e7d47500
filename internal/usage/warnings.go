package usage

import (
	"sort"
	"time"
)

// DueWarnings returns, largest first, every threshold (in seconds) that
// remaining has reached and that has not yet fired today for (user, scope).
// The returned thresholds are recorded as fired before returning; a
// threshold is never returned twice in one day.
func (l *Ledger) DueWarnings(user string, scope Scope, remaining time.Duration, thresholds []int) []int {
	if remaining == Unbounded || len(thresholds) == 0 {
		return nil
	}

	sorted := append([]int(nil), thresholds...)
	sort.Sort(sort.Reverse(sort.IntSlice(sorted)))

	var due []int
	for _, threshold := range sorted {
		if remaining > time.Duration(threshold)*time.Second {
			continue
		}
		if l.Fired(user, scope, threshold) {
			continue
		}
		l.markFired(user, scope, threshold)
		due = append(due, threshold)
	}
	return due
}

// Fired reports whether threshold already fired today for (user, scope).
func (l *Ledger) Fired(user string, scope Scope, threshold int) bool {
	for _, v := range l.state.Warnings[user][scope.String()] {
		if v == int64(threshold) {
			return true
		}
	}
	return false
}

// FiredSet returns the thresholds fired today for (user, scope), largest first.
func (l *Ledger) FiredSet(user string, scope Scope) []int64 {
	return append([]int64(nil), l.state.Warnings[user][scope.String()]...)
}

func (l *Ledger) markFired(user string, scope Scope, threshold int) {
	scopes, ok := l.state.Warnings[user]
	if !ok {
		scopes = make(map[string][]int64)
		l.state.Warnings[user] = scopes
	}
	key := scope.String()
	fired := append(scopes[key], int64(threshold))
	sort.Slice(fired, func(i, j int) bool { return fired[i] > fired[j] })
	scopes[key] = fired
	l.dirty = true
}
