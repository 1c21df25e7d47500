// Package account locks, unlocks and logs out local user accounts.
package account

import (
	"context"
	"errors"
	"fmt"

	"github.com/goodtune/procmon/internal/command"
	"github.com/rs/zerolog"
)

// ErrProtected is returned for accounts that must never be locked.
var ErrProtected = errors.New("account: refusing to lock protected account")

// Manager changes the availability of a user account.
type Manager interface {
	Lock(ctx context.Context, user, reason string) error
	Unlock(ctx context.Context, user string) error
	TerminateSessions(ctx context.Context, user string) error
}

// Lock methods.
const (
	MethodPasswd  = "passwd"
	MethodUsermod = "usermod"
)

// System drives the host's account tools.
type System struct {
	runner command.Runner
	method string
	logger zerolog.Logger
}

// NewSystem creates a Manager using the given lock method.
func NewSystem(runner command.Runner, method string, logger zerolog.Logger) *System {
	if method != MethodUsermod {
		method = MethodPasswd
	}
	return &System{
		runner: runner,
		method: method,
		logger: logger.With().Str("component", "account").Logger(),
	}
}

// Lock disables password authentication for user.
func (s *System) Lock(ctx context.Context, user, reason string) error {
	if err := checkUser(user); err != nil {
		return err
	}

	name, args := "passwd", []string{"-l", user}
	if s.method == MethodUsermod {
		name, args = "usermod", []string{"-L", user}
	}
	if _, err := s.runner.Run(ctx, name, args...); err != nil {
		return fmt.Errorf("failed to lock %s: %w", user, err)
	}

	s.logger.Info().Str("user", user).Str("reason", reason).Str("method", s.method).Msg("Account locked")
	return nil
}

// Unlock re-enables password authentication for user.
func (s *System) Unlock(ctx context.Context, user string) error {
	if err := checkUser(user); err != nil {
		return err
	}

	name, args := "passwd", []string{"-u", user}
	if s.method == MethodUsermod {
		name, args = "usermod", []string{"-U", user}
	}
	if _, err := s.runner.Run(ctx, name, args...); err != nil {
		return fmt.Errorf("failed to unlock %s: %w", user, err)
	}

	s.logger.Info().Str("user", user).Str("method", s.method).Msg("Account unlocked")
	return nil
}

// TerminateSessions ends every login session of user and kills whatever
// processes survive. pkill exits 1 when nothing matched, which is not an
// error here.
func (s *System) TerminateSessions(ctx context.Context, user string) error {
	if err := checkUser(user); err != nil {
		return err
	}

	var errs []error
	if _, err := s.runner.Run(ctx, "loginctl", "terminate-user", user); err != nil {
		s.logger.Debug().Err(err).Str("user", user).Msg("loginctl terminate-user failed")
		errs = append(errs, err)
	}
	if _, err := s.runner.Run(ctx, "pkill", "-KILL", "-u", user); err != nil {
		s.logger.Debug().Err(err).Str("user", user).Msg("pkill failed")
		errs = append(errs, err)
	}

	// Either tool succeeding is enough.
	if len(errs) == 2 {
		return fmt.Errorf("failed to terminate sessions of %s: %w", user, errors.Join(errs...))
	}

	s.logger.Info().Str("user", user).Msg("Sessions terminated")
	return nil
}

func checkUser(user string) error {
	if user == "" {
		return errors.New("account: empty user name")
	}
	if user == "root" {
		return ErrProtected
	}
	return nil
}
