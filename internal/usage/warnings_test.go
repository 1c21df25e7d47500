package usage

import (
	"reflect"
	"testing"
	"time"
)

func TestDueWarnings_FiresOncePerDay(t *testing.T) {
	l := newTestLedger()
	scope := App("firefox")
	thresholds := []int{600, 300, 60}

	if due := l.DueWarnings("alice", scope, 20*time.Minute, thresholds); len(due) != 0 {
		t.Fatalf("Expected no warnings with 20m left, got %v", due)
	}

	due := l.DueWarnings("alice", scope, 9*time.Minute, thresholds)
	if !reflect.DeepEqual(due, []int{600}) {
		t.Fatalf("Expected [600], got %v", due)
	}

	// Same threshold, subsequent ticks
	for i := 0; i < 3; i++ {
		if due := l.DueWarnings("alice", scope, 8*time.Minute, thresholds); len(due) != 0 {
			t.Fatalf("Expected 600 not to fire again, got %v", due)
		}
	}

	due = l.DueWarnings("alice", scope, 5*time.Minute, thresholds)
	if !reflect.DeepEqual(due, []int{300}) {
		t.Fatalf("Expected [300] at exactly five minutes, got %v", due)
	}
}

func TestDueWarnings_SeveralThresholdsInOneTick(t *testing.T) {
	l := newTestLedger()
	scope := Group("games")

	due := l.DueWarnings("alice", scope, 30*time.Second, []int{60, 600, 300})
	if !reflect.DeepEqual(due, []int{600, 300, 60}) {
		t.Fatalf("Expected all thresholds largest first, got %v", due)
	}
	if got := l.FiredSet("alice", scope); !reflect.DeepEqual(got, []int64{600, 300, 60}) {
		t.Errorf("Unexpected fired set %v", got)
	}
}

func TestDueWarnings_ScopesAndUsersAreSeparate(t *testing.T) {
	l := newTestLedger()
	thresholds := []int{300}

	if due := l.DueWarnings("alice", App("firefox"), time.Minute, thresholds); len(due) != 1 {
		t.Fatalf("Expected alice/firefox to fire, got %v", due)
	}
	if due := l.DueWarnings("alice", Group("games"), time.Minute, thresholds); len(due) != 1 {
		t.Fatalf("Expected alice/games to fire, got %v", due)
	}
	if due := l.DueWarnings("bob", App("firefox"), time.Minute, thresholds); len(due) != 1 {
		t.Fatalf("Expected bob/firefox to fire, got %v", due)
	}
}

func TestDueWarnings_UnboundedNeverFires(t *testing.T) {
	l := newTestLedger()
	if due := l.DueWarnings("alice", App("bash"), Unbounded, []int{300}); due != nil {
		t.Errorf("Expected nil, got %v", due)
	}
	if l.Dirty() {
		t.Error("Expected no change")
	}
}
