package usage

import (
	"testing"
	"time"

	"github.com/goodtune/procmon/internal/storage"
)

func TestRollover_ClearsUsageAndWarnings(t *testing.T) {
	l := newTestLedger()
	l.Accrue("alice", App("firefox"), 30*time.Minute)
	l.Accrue("alice", Group("games"), 10*time.Minute)
	l.DueWarnings("alice", App("firefox"), time.Minute, []int{300})
	l.State().Access["alice"] = &storage.AccessRecord{User: "alice", State: storage.AccessLocked}
	l.Clean()

	next := time.Date(2024, 3, 2, 0, 0, 5, 0, time.Local)
	finished, rolled := l.Rollover(next)
	if !rolled {
		t.Fatal("Expected rollover on a new day")
	}

	if len(finished) != 2 {
		t.Fatalf("Expected two finished rows, got %v", finished)
	}
	if finished[0].Date != "2024-03-01" || finished[0].Scope != "app:firefox" || finished[0].Seconds != 1800 {
		t.Errorf("Unexpected first row %+v", finished[0])
	}

	if l.Day() != "2024-03-02" {
		t.Errorf("Expected day 2024-03-02, got %s", l.Day())
	}
	if l.Used("alice", App("firefox")) != 0 || l.Used("alice", Group("games")) != 0 {
		t.Error("Expected counters to be zero after rollover")
	}
	if len(l.FiredSet("alice", App("firefox"))) != 0 {
		t.Error("Expected fired warnings to be cleared")
	}
	if l.State().Access["alice"] == nil {
		t.Error("Expected access records to survive rollover")
	}
	if !l.Dirty() {
		t.Error("Expected rollover to mark the ledger dirty")
	}

	// A warning may fire again on the new day
	if due := l.DueWarnings("alice", App("firefox"), time.Minute, []int{300}); len(due) != 1 {
		t.Errorf("Expected the threshold to fire again, got %v", due)
	}
}

func TestRollover_Idempotent(t *testing.T) {
	l := newTestLedger()
	l.Accrue("alice", App("firefox"), time.Minute)

	now := time.Date(2024, 3, 2, 8, 0, 0, 0, time.Local)
	if _, rolled := l.Rollover(now); !rolled {
		t.Fatal("Expected first call to roll over")
	}
	l.Accrue("alice", App("firefox"), time.Minute)
	l.Clean()

	if finished, rolled := l.Rollover(now.Add(time.Hour)); rolled || finished != nil {
		t.Fatal("Expected second call on the same day to be a no-op")
	}
	if l.Used("alice", App("firefox")) != time.Minute {
		t.Error("Expected usage from the new day to be kept")
	}
	if l.Dirty() {
		t.Error("Expected no change")
	}
}

func TestRollover_EmptyMarker(t *testing.T) {
	l := NewLedger(storage.NewState(""))
	now := time.Date(2024, 3, 2, 8, 0, 0, 0, time.Local)

	if _, rolled := l.Rollover(now); rolled {
		t.Error("Expected no rollover for a fresh state")
	}
	if l.Day() != "2024-03-02" {
		t.Errorf("Expected marker to be set, got %q", l.Day())
	}
}
