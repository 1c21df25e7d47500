package process

import (
	"context"
	"errors"
	"os/exec"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

func TestTable_SampleSeesChild(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start sleep: %v", err)
	}
	defer func() {
		_ = cmd.Process.Kill()
		_ = cmd.Wait()
	}()

	table := NewTable(time.Second, zerolog.Nop())
	sample, err := table.Sample(context.Background())
	if err != nil {
		t.Fatalf("Sample failed: %v", err)
	}

	pid := int32(cmd.Process.Pid)
	for _, o := range sample {
		if o.PID == pid {
			if o.Name != "sleep" {
				t.Errorf("Expected name sleep, got %q", o.Name)
			}
			if o.User == "" {
				t.Error("Expected an owner")
			}
			return
		}
	}
	t.Fatalf("Child pid %d not found in sample of %d processes", pid, len(sample))
}

func TestTable_TerminateChild(t *testing.T) {
	cmd := exec.Command("sleep", "30")
	if err := cmd.Start(); err != nil {
		t.Skipf("cannot start sleep: %v", err)
	}
	done := make(chan struct{})
	go func() {
		_ = cmd.Wait()
		close(done)
	}()

	table := NewTable(2*time.Second, zerolog.Nop())
	if err := table.Terminate(context.Background(), int32(cmd.Process.Pid)); err != nil {
		t.Fatalf("Terminate failed: %v", err)
	}

	select {
	case <-done:
	case <-time.After(5 * time.Second):
		t.Fatal("Child did not exit")
	}
}

func TestTable_TerminateMissing(t *testing.T) {
	cmd := exec.Command("true")
	if err := cmd.Run(); err != nil {
		t.Skipf("cannot run true: %v", err)
	}

	table := NewTable(time.Second, zerolog.Nop())
	err := table.Terminate(context.Background(), int32(cmd.Process.Pid))
	if !errors.Is(err, ErrNotFound) {
		t.Errorf("Expected ErrNotFound for an exited process, got %v", err)
	}
}
