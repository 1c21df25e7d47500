package usage

import (
	"time"

	"github.com/goodtune/procmon/internal/storage"
)

// Today formats now as an accounting day marker in now's location.
func Today(now time.Time) string {
	return now.Format(storage.DayLayout)
}

// Rollover compares the stored day marker with now's local date. On a
// mismatch it clears every usage record and fired warning set, moves the
// marker to today and returns the finished day's usage. It is a no-op when
// the marker is already current, so both periodic tasks may call it.
func (l *Ledger) Rollover(now time.Time) (finished []storage.DailyUsage, rolled bool) {
	today := Today(now)
	if l.state.Day == today {
		return nil, false
	}

	if l.state.Day == "" {
		l.state.Day = today
		l.dirty = true
		return nil, false
	}

	finished = l.state.Flatten()
	for i := range finished {
		if finished[i].Date == "" {
			finished[i].Date = l.state.Day
		}
	}

	l.state.Usage = make(map[string]map[string]*storage.UsageRecord)
	l.state.Warnings = make(map[string]map[string][]int64)
	l.state.Day = today
	l.dirty = true

	return finished, true
}
