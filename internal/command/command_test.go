package command

import (
	"context"
	"errors"
	"strings"
	"testing"
)

func TestExec_Run(t *testing.T) {
	out, err := Exec{}.Run(context.Background(), "echo", "hello")
	if err != nil {
		t.Skipf("echo unavailable: %v", err)
	}
	if strings.TrimSpace(string(out)) != "hello" {
		t.Errorf("Expected hello, got %q", out)
	}

	if _, err := (Exec{}).Run(context.Background(), "false"); err == nil {
		t.Error("Expected error for non-zero exit")
	}
}

func TestRecorder(t *testing.T) {
	boom := errors.New("boom")
	r := &Recorder{Fail: map[string]error{"wall": boom}}

	if _, err := r.Run(context.Background(), "passwd", "-l", "alice"); err != nil {
		t.Fatalf("Unexpected error: %v", err)
	}
	if _, err := r.Run(context.Background(), "wall", "hi"); !errors.Is(err, boom) {
		t.Fatalf("Expected boom, got %v", err)
	}

	calls := r.Calls()
	if len(calls) != 2 || strings.Join(calls[0], " ") != "passwd -l alice" {
		t.Errorf("Unexpected calls %v", calls)
	}
	if names := r.Names(); names[1] != "wall" {
		t.Errorf("Unexpected names %v", names)
	}
}
