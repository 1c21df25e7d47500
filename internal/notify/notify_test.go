package notify

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/goodtune/procmon/internal/command"
	"github.com/rs/zerolog"
)

func newTestDesktop(r *command.Recorder, wall bool) *Desktop {
	d := NewDesktop(r, Options{Timeout: time.Second, WallFallback: wall}, zerolog.Nop())
	d.lookup = func(name string) (string, error) {
		if name == "alice" {
			return "1000", nil
		}
		return "", errors.New("no such user")
	}
	return d
}

func TestDesktop_NotifySendOnSessionBus(t *testing.T) {
	r := &command.Recorder{}
	d := newTestDesktop(r, true)

	msg := WarningMessage("firefox", false, 10*time.Minute, 5)
	if err := d.Notify(context.Background(), "alice", msg); err != nil {
		t.Fatalf("Notify failed: %v", err)
	}

	calls := r.Calls()
	if len(calls) != 1 {
		t.Fatalf("Expected one call, got %v", calls)
	}
	line := strings.Join(calls[0], " ")
	for _, want := range []string{
		"runuser -u alice --",
		"DBUS_SESSION_BUS_ADDRESS=unix:path=/run/user/1000/bus",
		"notify-send --urgency=normal",
		"firefox has 10 minutes remaining today.",
	} {
		if !strings.Contains(line, want) {
			t.Errorf("Expected %q in %q", want, line)
		}
	}
}

func TestDesktop_FallsBackToWall(t *testing.T) {
	r := &command.Recorder{Fail: map[string]error{"runuser": errors.New("no session")}}
	d := newTestDesktop(r, true)

	if err := d.Notify(context.Background(), "alice", WarningMessage("games", true, 5*time.Minute, 5)); err != nil {
		t.Fatalf("Expected wall fallback to succeed, got %v", err)
	}
	if names := r.Names(); len(names) != 2 || names[1] != "wall" {
		t.Errorf("Expected runuser then wall, got %v", names)
	}
}

func TestDesktop_NoFallback(t *testing.T) {
	r := &command.Recorder{Fail: map[string]error{"runuser": errors.New("no session")}}
	d := newTestDesktop(r, false)

	if err := d.Notify(context.Background(), "alice", WarningMessage("games", true, 5*time.Minute, 5)); err == nil {
		t.Fatal("Expected an error without fallback")
	}
	if names := r.Names(); len(names) != 1 {
		t.Errorf("Expected only runuser, got %v", names)
	}
}

func TestDesktop_UnknownUser(t *testing.T) {
	r := &command.Recorder{Fail: map[string]error{"wall": errors.New("no tty")}}
	d := newTestDesktop(r, true)

	err := d.Notify(context.Background(), "mallory", WarningMessage("firefox", false, time.Minute, 5))
	if !errors.Is(err, ErrNoRecipient) {
		t.Errorf("Expected ErrNoRecipient, got %v", err)
	}
}

func TestWarningMessage(t *testing.T) {
	tests := []struct {
		name      string
		app       string
		group     bool
		remaining time.Duration
		title     string
		urgency   string
		contains  string
		broadcast bool
	}{
		{"ten minutes", "firefox", false, 10 * time.Minute, "Time Limit Warning", "normal", "10 minutes remaining", false},
		{"critical", "firefox", false, 5 * time.Minute, "Time Limit Warning", "critical", "5 minutes", false},
		{"save work", "firefox", false, 2 * time.Minute, "Time Limit Warning", "critical", "SAVE YOUR WORK NOW!", true},
		{"rounds up", "firefox", false, 30 * time.Second, "FINAL WARNING", "critical", "1 minute remaining", true},
		{"group", "games", true, 10 * time.Minute, "Group Time Limit Warning", "normal", "All apps in this group will close", false},
		{"time up", "games", true, 0, "FINAL GROUP WARNING", "critical", "time is up", true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			msg := WarningMessage(tt.app, tt.group, tt.remaining, 5)
			if msg.Title != tt.title {
				t.Errorf("Expected title %q, got %q", tt.title, msg.Title)
			}
			if msg.Urgency != tt.urgency {
				t.Errorf("Expected urgency %q, got %q", tt.urgency, msg.Urgency)
			}
			if !strings.Contains(msg.Body, tt.contains) {
				t.Errorf("Expected %q in %q", tt.contains, msg.Body)
			}
			if msg.Broadcast != tt.broadcast {
				t.Errorf("Expected broadcast %v", tt.broadcast)
			}
		})
	}
}
