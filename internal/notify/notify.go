// Package notify delivers desktop warnings to logged-in users.
package notify

import (
	"context"
	"errors"
	"fmt"
	"math"
	"os/user"
	"strconv"
	"time"

	"github.com/goodtune/procmon/internal/command"
	"github.com/rs/zerolog"
)

// ErrNoRecipient is returned when the user cannot be resolved.
var ErrNoRecipient = errors.New("notify: unknown user")

// Message is one notification.
type Message struct {
	Title   string
	Body    string
	Urgency string // "low", "normal" or "critical"
	Expire  time.Duration

	// Broadcast also sends the body to every terminal with wall.
	Broadcast bool
}

// Notifier delivers a message to one user.
type Notifier interface {
	Notify(ctx context.Context, user string, msg Message) error
}

// Options configures a Desktop notifier.
type Options struct {
	Timeout      time.Duration
	WallFallback bool
	Display      string
}

// Desktop sends notifications with notify-send on the user's session bus,
// falling back to wall.
type Desktop struct {
	runner command.Runner
	opts   Options
	lookup func(name string) (uid string, err error)
	logger zerolog.Logger
}

// NewDesktop creates a notify-send based notifier.
func NewDesktop(runner command.Runner, opts Options, logger zerolog.Logger) *Desktop {
	if opts.Timeout <= 0 {
		opts.Timeout = 2 * time.Second
	}
	if opts.Display == "" {
		opts.Display = ":0"
	}
	return &Desktop{
		runner: runner,
		opts:   opts,
		lookup: lookupUID,
		logger: logger.With().Str("component", "notifier").Logger(),
	}
}

// Notify delivers msg to user. Delivery is best effort: an error is
// returned only when no channel accepted the message.
func (d *Desktop) Notify(ctx context.Context, username string, msg Message) error {
	ctx, cancel := context.WithTimeout(ctx, d.opts.Timeout)
	defer cancel()

	err := d.desktop(ctx, username, msg)
	if err != nil {
		d.logger.Debug().Err(err).Str("user", username).Msg("Desktop notification failed")
	}

	if msg.Broadcast || (err != nil && d.opts.WallFallback) {
		if _, werr := d.runner.Run(ctx, "wall", msg.Title+": "+msg.Body); werr != nil {
			if err != nil {
				return fmt.Errorf("all notification channels failed: %w", errors.Join(err, werr))
			}
			d.logger.Debug().Err(werr).Msg("wall broadcast failed")
		} else {
			return nil
		}
	}

	return err
}

func (d *Desktop) desktop(ctx context.Context, username string, msg Message) error {
	uid, err := d.lookup(username)
	if err != nil {
		return fmt.Errorf("%w: %s", ErrNoRecipient, username)
	}

	urgency := msg.Urgency
	if urgency == "" {
		urgency = "normal"
	}
	expire := msg.Expire
	if expire <= 0 {
		expire = 10 * time.Second
	}

	args := []string{
		"-u", username, "--",
		"env",
		"DISPLAY=" + d.opts.Display,
		"DBUS_SESSION_BUS_ADDRESS=unix:path=/run/user/" + uid + "/bus",
		"notify-send",
		"--urgency=" + urgency,
		"--expire-time=" + strconv.FormatInt(expire.Milliseconds(), 10),
		"--app-name=procmon",
		msg.Title,
		msg.Body,
	}

	if _, err := d.runner.Run(ctx, "runuser", args...); err != nil {
		return err
	}
	return nil
}

func lookupUID(name string) (string, error) {
	u, err := user.Lookup(name)
	if err != nil {
		return "", err
	}
	return u.Uid, nil
}

// WarningMessage builds the time-limit warning for an application or a
// group with remaining time left.
func WarningMessage(name string, group bool, remaining time.Duration, criticalMinutes int) Message {
	minutes := int(math.Ceil(remaining.Minutes()))
	if minutes < 0 {
		minutes = 0
	}

	unit := "minutes"
	if minutes == 1 {
		unit = "minute"
	}

	var msg Message
	if group {
		msg.Title = "Group Time Limit Warning"
		if minutes <= 1 {
			msg.Title = "FINAL GROUP WARNING"
		}
		msg.Body = fmt.Sprintf("Group '%s' has %d %s remaining today. All apps in this group will close when time expires.", name, minutes, unit)
	} else {
		msg.Title = "Time Limit Warning"
		if minutes <= 1 {
			msg.Title = "FINAL WARNING"
		}
		msg.Body = fmt.Sprintf("%s has %d %s remaining today.", name, minutes, unit)
	}
	if minutes == 0 {
		msg.Body = fmt.Sprintf("%s time is up for today.", name)
		if group {
			msg.Body = fmt.Sprintf("Group '%s' time is up for today. All apps in this group will close now.", name)
		}
	}

	msg.Urgency = "normal"
	if minutes <= criticalMinutes {
		msg.Urgency = "critical"
	}
	if minutes <= 2 {
		msg.Body += " SAVE YOUR WORK NOW!"
		msg.Broadcast = true
	}

	return msg
}
