// Package command runs the external system utilities procmon drives.
package command

import (
	"context"
	"fmt"
	"os/exec"
	"strings"
	"sync"
)

// Runner executes a program and returns its combined output.
type Runner interface {
	Run(ctx context.Context, name string, args ...string) ([]byte, error)
}

// Exec runs programs with os/exec.
type Exec struct{}

// Run executes name with args. A non-zero exit status is returned as an
// error carrying the program's output.
func (Exec) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	out, err := exec.CommandContext(ctx, name, args...).CombinedOutput()
	if err != nil {
		msg := strings.TrimSpace(string(out))
		if msg == "" {
			return out, fmt.Errorf("%s: %w", name, err)
		}
		return out, fmt.Errorf("%s: %w: %s", name, err, msg)
	}
	return out, nil
}

// Recorder is a Runner for tests. It records every invocation and fails
// those whose program name has an entry in Fail.
type Recorder struct {
	mu    sync.Mutex
	calls [][]string
	Fail  map[string]error
}

// Run records the call.
func (r *Recorder) Run(ctx context.Context, name string, args ...string) ([]byte, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.calls = append(r.calls, append([]string{name}, args...))
	if err, ok := r.Fail[name]; ok {
		return nil, err
	}
	return nil, nil
}

// Calls returns a copy of the recorded invocations.
func (r *Recorder) Calls() [][]string {
	r.mu.Lock()
	defer r.mu.Unlock()

	out := make([][]string, len(r.calls))
	for i, c := range r.calls {
		out[i] = append([]string(nil), c...)
	}
	return out
}

// Names returns the program names invoked, in order.
func (r *Recorder) Names() []string {
	calls := r.Calls()
	out := make([]string, len(calls))
	for i, c := range calls {
		out[i] = c[0]
	}
	return out
}
