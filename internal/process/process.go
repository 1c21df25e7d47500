// Package process samples the process table and terminates processes.
package process

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"syscall"
	"time"

	"github.com/goodtune/procmon/internal/policy"
	"github.com/rs/zerolog"
	gops "github.com/shirou/gopsutil/v4/process"
)

var (
	// ErrNotFound is returned when the process has already exited.
	ErrNotFound = errors.New("process: not found")
	// ErrPermission is returned when the caller may not signal the process.
	ErrPermission = errors.New("process: permission denied")
)

// Sampler lists the running processes.
type Sampler interface {
	Sample(ctx context.Context) ([]policy.Observation, error)
}

// Terminator stops a single process.
type Terminator interface {
	Terminate(ctx context.Context, pid int32) error
}

// Table is the gopsutil-backed Sampler and Terminator.
type Table struct {
	grace  time.Duration
	poll   time.Duration
	self   int32
	logger zerolog.Logger
}

// NewTable creates a process table adapter. Terminate sends SIGTERM, waits
// up to grace for the process to exit and then sends SIGKILL.
func NewTable(grace time.Duration, logger zerolog.Logger) *Table {
	if grace <= 0 {
		grace = time.Second
	}
	return &Table{
		grace:  grace,
		poll:   100 * time.Millisecond,
		self:   int32(os.Getpid()),
		logger: logger.With().Str("component", "process-table").Logger(),
	}
}

// Sample returns one observation per readable process. Processes that exit
// while being read, and kernel threads without a name, are skipped.
func (t *Table) Sample(ctx context.Context) ([]policy.Observation, error) {
	procs, err := gops.ProcessesWithContext(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list processes: %w", err)
	}

	out := make([]policy.Observation, 0, len(procs))
	for _, p := range procs {
		if p.Pid == t.self {
			continue
		}

		name, err := p.NameWithContext(ctx)
		if err != nil || name == "" {
			continue
		}

		user, err := t.owner(ctx, p)
		if err != nil {
			continue
		}

		out = append(out, policy.Observation{User: user, Name: name, PID: p.Pid})
	}

	return out, nil
}

func (t *Table) owner(ctx context.Context, p *gops.Process) (string, error) {
	user, err := p.UsernameWithContext(ctx)
	if err == nil && user != "" {
		return user, nil
	}

	// No passwd entry: fall back to the numeric uid.
	uids, uerr := p.UidsWithContext(ctx)
	if uerr != nil || len(uids) == 0 {
		if err == nil {
			err = uerr
		}
		return "", err
	}
	return strconv.FormatUint(uint64(uids[0]), 10), nil
}

// Terminate stops pid gracefully, escalating to SIGKILL after the grace
// period. It returns ErrNotFound when the process is already gone.
func (t *Table) Terminate(ctx context.Context, pid int32) error {
	p, err := gops.NewProcessWithContext(ctx, pid)
	if err != nil {
		if errors.Is(err, gops.ErrorProcessNotRunning) {
			return ErrNotFound
		}
		return fmt.Errorf("failed to open process %d: %w", pid, err)
	}

	if err := p.TerminateWithContext(ctx); err != nil {
		return classify(pid, err)
	}

	deadline := time.NewTimer(t.grace)
	defer deadline.Stop()
	ticker := time.NewTicker(t.poll)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if !t.running(ctx, p) {
				return nil
			}
		case <-deadline.C:
			if !t.running(ctx, p) {
				return nil
			}
			t.logger.Debug().Int32("pid", pid).Msg("Process ignored SIGTERM, sending SIGKILL")
			if err := p.KillWithContext(ctx); err != nil {
				if err := classify(pid, err); !errors.Is(err, ErrNotFound) {
					return err
				}
			}
			return nil
		}
	}
}

func (t *Table) running(ctx context.Context, p *gops.Process) bool {
	running, err := p.IsRunningWithContext(ctx)
	if err != nil || !running {
		return false
	}
	// A reaped-but-unwaited child stays in the table as a zombie.
	status, err := p.StatusWithContext(ctx)
	if err == nil {
		for _, s := range status {
			if s == gops.Zombie {
				return false
			}
		}
	}
	return true
}

func classify(pid int32, err error) error {
	switch {
	case errors.Is(err, syscall.ESRCH), errors.Is(err, os.ErrProcessDone), errors.Is(err, gops.ErrorProcessNotRunning):
		return ErrNotFound
	case errors.Is(err, syscall.EPERM), errors.Is(err, os.ErrPermission):
		return fmt.Errorf("pid %d: %w", pid, ErrPermission)
	default:
		return fmt.Errorf("failed to signal pid %d: %w", pid, err)
	}
}
