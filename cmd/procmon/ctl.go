package main

import (
	"context"
	"fmt"
	"os"
	"os/user"
	"strconv"
	"strings"
	"text/tabwriter"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/procmon/internal/access"
	"github.com/goodtune/procmon/internal/admin"
	"github.com/goodtune/procmon/internal/config"
	"github.com/goodtune/procmon/internal/database"
	"github.com/goodtune/procmon/internal/storage"
	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"
)

var (
	lockReason   string
	lockDuration time.Duration

	historyUser   string
	historySince  string
	historyUntil  string
	historyLimit  int
	historyAccess bool
)

// newClient connects to the admin socket named by --socket or the
// configuration file.
func newClient() *admin.Client {
	socket := socketPath
	if socket == "" {
		if cfg, err := config.Load(configPath); err == nil {
			socket = cfg.Admin.Socket
		} else {
			socket = config.Defaults().Admin.Socket
		}
	}
	return admin.NewClient(socket, actor())
}

// actor names the person running the command, looking through sudo.
func actor() string {
	if name := os.Getenv("SUDO_USER"); name != "" {
		return name
	}
	if u, err := user.Current(); err == nil {
		return u.Username
	}
	return ""
}

func cmdContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(context.Background(), 30*time.Second)
}

func ok(format string, args ...interface{}) {
	_, _ = color.New(color.FgGreen).Printf("✓ "+format+"\n", args...)
}

func minutesArg(s string) (int, error) {
	n, err := strconv.Atoi(s)
	if err != nil || n <= 0 {
		return 0, fmt.Errorf("minutes must be a positive number, got %q", s)
	}
	return n, nil
}

// simple builds a command that runs fn with a fresh client.
func simple(use, short string, args cobra.PositionalArgs, fn func(context.Context, *admin.Client, []string) error) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  args,
		RunE: func(cmd *cobra.Command, argv []string) error {
			c, cancel := cmdContext()
			defer cancel()
			return fn(c, newClient(), argv)
		},
	}
}

var blockCmd = simple("block NAME", "Block an application for every monitored user", cobra.ExactArgs(1),
	func(c context.Context, cl *admin.Client, args []string) error {
		if err := cl.Block(c, args[0]); err != nil {
			return err
		}
		ok("%s is blocked", args[0])
		return nil
	})

var unblockCmd = simple("unblock NAME", "Remove an application from the blocked list", cobra.ExactArgs(1),
	func(c context.Context, cl *admin.Client, args []string) error {
		if err := cl.Unblock(c, args[0]); err != nil {
			return err
		}
		ok("%s is no longer blocked", args[0])
		return nil
	})

var limitCmd = simple("limit NAME MINUTES", "Set an application's daily limit", cobra.ExactArgs(2),
	func(c context.Context, cl *admin.Client, args []string) error {
		minutes, err := minutesArg(args[1])
		if err != nil {
			return err
		}
		if err := cl.SetLimit(c, args[0], minutes); err != nil {
			return err
		}
		ok("%s limited to %d minutes per day", args[0], minutes)
		return nil
	})

var unlimitCmd = simple("unlimit NAME", "Remove an application's daily limit", cobra.ExactArgs(1),
	func(c context.Context, cl *admin.Client, args []string) error {
		if err := cl.ClearLimit(c, args[0]); err != nil {
			return err
		}
		ok("%s has no limit", args[0])
		return nil
	})

var addToGroupCmd = simple("add-to-group GROUP NAME", "Add an application to a group", cobra.ExactArgs(2),
	func(c context.Context, cl *admin.Client, args []string) error {
		if err := cl.AddMember(c, args[0], args[1]); err != nil {
			return err
		}
		ok("%s added to group %s", args[1], args[0])
		return nil
	})

var removeFromGroupCmd = simple("remove-from-group GROUP NAME", "Remove an application from a group", cobra.ExactArgs(2),
	func(c context.Context, cl *admin.Client, args []string) error {
		if err := cl.RemoveMember(c, args[0], args[1]); err != nil {
			return err
		}
		ok("%s removed from group %s", args[1], args[0])
		return nil
	})

var groupLimitCmd = simple("group-limit GROUP MINUTES", "Set a group's shared daily limit", cobra.ExactArgs(2),
	func(c context.Context, cl *admin.Client, args []string) error {
		minutes, err := minutesArg(args[1])
		if err != nil {
			return err
		}
		if err := cl.SetGroupLimit(c, args[0], minutes); err != nil {
			return err
		}
		ok("group %s limited to %d minutes per day", args[0], minutes)
		return nil
	})

var groupUnlimitCmd = simple("group-unlimit GROUP", "Remove a group's daily limit", cobra.ExactArgs(1),
	func(c context.Context, cl *admin.Client, args []string) error {
		if err := cl.ClearGroupLimit(c, args[0]); err != nil {
			return err
		}
		ok("group %s has no limit", args[0])
		return nil
	})

var groupsCmd = simple("groups", "List application groups", cobra.NoArgs,
	func(c context.Context, cl *admin.Client, args []string) error {
		groups, err := cl.Groups(c)
		if err != nil {
			return err
		}
		if len(groups) == 0 {
			fmt.Println("No groups configured.")
			return nil
		}
		cyan := color.New(color.FgCyan, color.Bold)
		for _, g := range groups {
			_, _ = cyan.Print(g.Name)
			if g.LimitMinutes > 0 {
				fmt.Printf(" (%d minutes per day)", g.LimitMinutes)
			} else {
				fmt.Print(" (no limit)")
			}
			fmt.Printf(": %s\n", strings.Join(g.Members, ", "))
		}
		return nil
	})

var addUserCmd = simple("add-user USER", "Add a monitored user", cobra.ExactArgs(1),
	func(c context.Context, cl *admin.Client, args []string) error {
		if err := cl.AddUser(c, args[0]); err != nil {
			return err
		}
		ok("%s is monitored", args[0])
		return nil
	})

var removeUserCmd = simple("remove-user USER", "Stop monitoring a user", cobra.ExactArgs(1),
	func(c context.Context, cl *admin.Client, args []string) error {
		if err := cl.RemoveUser(c, args[0]); err != nil {
			return err
		}
		ok("%s is no longer monitored", args[0])
		return nil
	})

var showConfigCmd = simple("config", "Show the daemon's active configuration", cobra.NoArgs,
	func(c context.Context, cl *admin.Client, args []string) error {
		cfg, err := cl.Config(c)
		if err != nil {
			return err
		}
		enc := yaml.NewEncoder(os.Stdout)
		enc.SetIndent(2)
		defer enc.Close()
		return enc.Encode(cfg)
	})

var enableCmd = simple("enable", "Enable monitoring", cobra.NoArgs,
	func(c context.Context, cl *admin.Client, args []string) error {
		if err := cl.SetEnabled(c, true); err != nil {
			return err
		}
		ok("monitoring enabled")
		return nil
	})

var disableCmd = simple("disable", "Disable monitoring; usage is not accounted and nothing is terminated", cobra.NoArgs,
	func(c context.Context, cl *admin.Client, args []string) error {
		if err := cl.SetEnabled(c, false); err != nil {
			return err
		}
		ok("monitoring disabled")
		return nil
	})

var usageCmd = simple("usage [USER]", "Show today's usage", cobra.MaximumNArgs(1),
	func(c context.Context, cl *admin.Client, args []string) error {
		var who string
		if len(args) == 1 {
			who = args[0]
		}
		stats, err := cl.Usage(c, who)
		if err != nil {
			return err
		}
		if len(stats) == 0 {
			fmt.Println("No usage recorded today.")
			return nil
		}

		red := color.New(color.FgRed, color.Bold)
		yellow := color.New(color.FgYellow)
		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		fmt.Fprintln(w, "USER\tSCOPE\tUSED\tLIMIT\tREMAINING")
		for _, s := range stats {
			limit, remaining := "-", "-"
			if s.Limited {
				limit = formatDuration(s.Limit)
				remaining = formatDuration(s.Remaining)
				switch {
				case s.Exceeded:
					remaining = red.Sprint("exceeded")
				case s.Remaining <= 10*time.Minute:
					remaining = yellow.Sprint(remaining)
				}
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n", s.User, s.Scope, formatDuration(s.Used), limit, remaining)
		}
		return w.Flush()
	})

var resetCmd = simple("reset [USER]", "Reset today's usage for one user or everyone", cobra.MaximumNArgs(1),
	func(c context.Context, cl *admin.Client, args []string) error {
		var who string
		if len(args) == 1 {
			who = args[0]
		}
		if err := cl.Reset(c, who); err != nil {
			return err
		}
		if who == "" {
			ok("usage reset for all users")
		} else {
			ok("usage reset for %s", who)
		}
		return nil
	})

var lockUserCmd = &cobra.Command{
	Use:     "lock-user USER",
	Aliases: []string{"disable-user"},
	Short:   "Lock a user's account and end their sessions",
	Example: `  procmon lock-user alice --reason "homework first" --duration 2h`,
	Args:    cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		c, cancel := cmdContext()
		defer cancel()
		status, err := newClient().Lock(c, args[0], lockReason, lockDuration)
		if err != nil {
			return err
		}
		ok("%s is locked", args[0])
		printStatus(status)
		return nil
	},
}

var unlockUserCmd = simple("unlock-user USER", "Unlock a user's account", cobra.ExactArgs(1),
	func(c context.Context, cl *admin.Client, args []string) error {
		status, err := cl.Unlock(c, args[0])
		if err != nil {
			return err
		}
		ok("%s is unlocked", args[0])
		printStatus(status)
		return nil
	})

var setUserHoursCmd = simple("set-user-hours USER START END", "Allow logins only from START to END (hours, 0-24)", cobra.ExactArgs(3),
	func(c context.Context, cl *admin.Client, args []string) error {
		start, err := strconv.Atoi(args[1])
		if err != nil {
			return fmt.Errorf("invalid start hour %q", args[1])
		}
		end, err := strconv.Atoi(args[2])
		if err != nil {
			return fmt.Errorf("invalid end hour %q", args[2])
		}
		hours := storage.AllowedHours{Start: start, End: end}
		if err := hours.Validate(); err != nil {
			return err
		}
		status, err := cl.SetHours(c, args[0], hours)
		if err != nil {
			return err
		}
		ok("%s may log in %s", args[0], hours)
		printStatus(status)
		return nil
	})

var clearUserHoursCmd = simple("clear-user-hours USER", "Remove a user's allowed hours", cobra.ExactArgs(1),
	func(c context.Context, cl *admin.Client, args []string) error {
		status, err := cl.ClearHours(c, args[0])
		if err != nil {
			return err
		}
		ok("%s has no hour restriction", args[0])
		printStatus(status)
		return nil
	})

var userStatusCmd = simple("user-status [USER]", "Show account access state", cobra.MaximumNArgs(1),
	func(c context.Context, cl *admin.Client, args []string) error {
		if len(args) == 1 {
			status, err := cl.AccessStatus(c, args[0])
			if err != nil {
				return err
			}
			printStatus(status)
			return nil
		}

		statuses, err := cl.AccessStatuses(c)
		if err != nil {
			return err
		}
		if len(statuses) == 0 {
			fmt.Println("No users have access restrictions.")
			return nil
		}
		for i, s := range statuses {
			if i > 0 {
				fmt.Println()
			}
			printStatus(s)
		}
		return nil
	})

var historyCmd = &cobra.Command{
	Use:   "history",
	Short: "Show archived daily usage or access changes",
	Example: `  procmon history --user alice --since 2026-03-01
  procmon history --access --limit 20`,
	Args: cobra.NoArgs,
	RunE: func(cmd *cobra.Command, args []string) error {
		c, cancel := cmdContext()
		defer cancel()
		cl := newClient()

		w := tabwriter.NewWriter(os.Stdout, 0, 4, 2, ' ', 0)
		if historyAccess {
			events, err := cl.AccessHistory(c, historyUser, historyLimit)
			if err != nil {
				return err
			}
			fmt.Fprintln(w, "TIME\tUSER\tFROM\tTO\tREASON\tBY")
			for _, e := range events {
				fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\t%s\n",
					e.Timestamp.Local().Format("2006-01-02 15:04"), e.User, e.From, e.To, e.Reason, e.Actor)
			}
			return w.Flush()
		}

		rows, err := cl.UsageHistory(c, database.UsageFilter{
			User:  historyUser,
			Since: historySince,
			Until: historyUntil,
			Limit: historyLimit,
		})
		if err != nil {
			return err
		}
		fmt.Fprintln(w, "DATE\tUSER\tSCOPE\tUSED\tLIMIT")
		for _, r := range rows {
			limit := "-"
			if r.LimitSeconds > 0 {
				limit = formatDuration(time.Duration(r.LimitSeconds) * time.Second)
			}
			fmt.Fprintf(w, "%s\t%s\t%s\t%s\t%s\n",
				r.Date, r.User, r.Scope, formatDuration(time.Duration(r.Seconds)*time.Second), limit)
		}
		return w.Flush()
	},
}

func init() {
	lockUserCmd.Flags().StringVar(&lockReason, "reason", "", "Reason shown in status and history")
	lockUserCmd.Flags().DurationVar(&lockDuration, "duration", 0, "Unlock automatically after this long (e.g. 2h)")
	unlockUserCmd.Aliases = []string{"enable-user"}

	historyCmd.Flags().StringVar(&historyUser, "user", "", "Only this user")
	historyCmd.Flags().StringVar(&historySince, "since", "", "First day (YYYY-MM-DD)")
	historyCmd.Flags().StringVar(&historyUntil, "until", "", "Last day (YYYY-MM-DD)")
	historyCmd.Flags().IntVar(&historyLimit, "limit", 0, "Maximum rows")
	historyCmd.Flags().BoolVar(&historyAccess, "access", false, "Show account lock and unlock events instead of usage")

	rootCmd.AddCommand(
		blockCmd, unblockCmd, limitCmd, unlimitCmd,
		addToGroupCmd, removeFromGroupCmd, groupLimitCmd, groupUnlimitCmd, groupsCmd,
		addUserCmd, removeUserCmd, showConfigCmd, enableCmd, disableCmd,
		usageCmd, resetCmd,
		lockUserCmd, unlockUserCmd, setUserHoursCmd, clearUserHoursCmd, userStatusCmd,
		historyCmd,
	)
}

// printStatus renders one user's access status.
func printStatus(s access.Status) {
	cyan := color.New(color.FgCyan, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	green := color.New(color.FgGreen, color.Bold)

	_, _ = cyan.Printf("%s: ", s.User)
	if s.State.IsLocked() {
		_, _ = red.Println(strings.ToUpper(string(s.State)))
	} else {
		_, _ = green.Println(strings.ToUpper(string(s.State)))
	}
	if s.Reason != "" {
		fmt.Printf("  Reason:    %s\n", s.Reason)
	}
	if s.LockedAt != nil {
		fmt.Printf("  Locked at: %s", s.LockedAt.Local().Format("2006-01-02 15:04"))
		if s.LockedBy != "" {
			fmt.Printf(" by %s", s.LockedBy)
		}
		fmt.Println()
	}
	if s.ExpiresAt != nil {
		fmt.Printf("  Expires:   %s (in %s)\n", s.ExpiresAt.Local().Format("2006-01-02 15:04"), formatDuration(s.Remaining))
	}
	if s.Hours != nil {
		window := "outside"
		if s.InWindow {
			window = "inside"
		}
		fmt.Printf("  Hours:     %s (now %s)\n", s.Hours, window)
	}
}

// formatDuration renders d as "1h05m" or "12m".
func formatDuration(d time.Duration) string {
	d = d.Round(time.Minute)
	h := int(d / time.Hour)
	m := int((d % time.Hour) / time.Minute)
	if h > 0 {
		return fmt.Sprintf("%dh%02dm", h, m)
	}
	return fmt.Sprintf("%dm", m)
}
