package main

import (
	"context"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/fatih/color"
	"github.com/goodtune/procmon/internal/access"
	"github.com/goodtune/procmon/internal/config"
	"github.com/goodtune/procmon/internal/policy"
	"github.com/goodtune/procmon/internal/process"
	"github.com/goodtune/procmon/internal/usage"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"
)

var (
	checkUser string
	checkTime string
)

var checkCmd = &cobra.Command{
	Use:   "check",
	Short: "Check policy decisions without enforcing them",
	Long:  `Check what procmon would do, using the configuration file and saved state. Nothing is terminated or locked.`,
}

var checkProcessCmd = &cobra.Command{
	Use:   "process [flags] NAME",
	Short: "Show how a process name is classified",
	Example: `  procmon check process firefox-esr
  procmon check process --user alice steamwebhelper`,
	Args: cobra.ExactArgs(1),
	RunE: runCheckProcess,
}

var checkSampleCmd = &cobra.Command{
	Use:   "sample",
	Short: "Evaluate one tick against the running processes",
	Long:  `Sample the process table and show the terminations and warnings one enforcement tick would produce.`,
	RunE:  runCheckSample,
}

var checkAccessCmd = &cobra.Command{
	Use:     "access [flags] USER",
	Short:   "Show a user's access state at a given time",
	Example: `  procmon check access --time 21:30 alice`,
	Args:    cobra.ExactArgs(1),
	RunE:    runCheckAccess,
}

func init() {
	checkProcessCmd.Flags().StringVar(&checkUser, "user", "", "User the process runs as")
	checkAccessCmd.Flags().StringVar(&checkTime, "time", "", "Time of day (HH:MM) - defaults to current time")

	checkCmd.AddCommand(checkProcessCmd)
	checkCmd.AddCommand(checkSampleCmd)
	checkCmd.AddCommand(checkAccessCmd)
	rootCmd.AddCommand(checkCmd)
}

func loadPolicy() (*config.Config, *policy.Policy, error) {
	cfg, err := config.Load(configPath)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to load configuration: %w", err)
	}
	p, err := policy.Compile(cfg)
	if err != nil {
		return nil, nil, err
	}
	return cfg, p, nil
}

func runCheckProcess(cmd *cobra.Command, args []string) error {
	name := args[0]

	_, p, err := loadPolicy()
	if err != nil {
		return err
	}

	cyan := color.New(color.FgCyan, color.Bold)
	green := color.New(color.FgGreen, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)

	fmt.Println()
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	_, _ = cyan.Println("  Process Classification")
	_, _ = cyan.Println("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━")
	fmt.Println()
	fmt.Printf("Process:    %s\n", name)
	fmt.Printf("Matching:   %s\n", p.Matcher().Strategy())

	if checkUser != "" {
		fmt.Printf("User:       %s", checkUser)
		if p.Monitors(checkUser) {
			_, _ = green.Println(" (monitored)")
		} else {
			_, _ = yellow.Println(" (not monitored, nothing applies)")
		}
	}
	fmt.Println()

	_, _ = cyan.Print("Decision:   ")
	if pattern, blocked := p.Blocked(name); blocked {
		_, _ = red.Println("BLOCKED")
		fmt.Printf("            → Terminated on sight (matches %q)\n", pattern)
		fmt.Println()
		return nil
	}

	app, accounted := p.Application(name)
	if !accounted {
		_, _ = green.Println("IGNORED")
		fmt.Println("            → Not tracked, no time is accounted")
		fmt.Println()
		return nil
	}
	_, _ = green.Println("ACCOUNTED")
	fmt.Printf("App:        %s", app)
	if limit := p.Limit(usage.App(app)); limit > 0 {
		fmt.Printf(" (%d minutes per day)\n", limit)
	} else {
		fmt.Println(" (no limit)")
	}

	if group, ambiguous, ok := p.GroupOf(name); ok {
		fmt.Printf("Group:      %s", group)
		if limit := p.Limit(usage.Group(group)); limit > 0 {
			fmt.Printf(" (%d minutes per day)\n", limit)
		} else {
			fmt.Println(" (no limit)")
		}
		if ambiguous {
			_, _ = yellow.Println("            ⚠ name matches members of several groups; the first is charged")
		}
	}
	fmt.Println()
	return nil
}

func runCheckSample(cmd *cobra.Command, args []string) error {
	cfg, p, err := loadPolicy()
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	// Create a quiet logger for check mode
	logger := zerolog.New(os.Stderr).Level(zerolog.ErrorLevel).With().Timestamp().Logger()

	state, err := readState(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	observations, err := process.NewTable(time.Second, logger).Sample(ctx)
	if err != nil {
		return fmt.Errorf("failed to sample processes: %w", err)
	}

	ledger := usage.NewLedger(state.Clone())
	ledger.Rollover(time.Now())
	d := policy.NewEngine(logger).Evaluate(observations, p, ledger)

	cyan := color.New(color.FgCyan, color.Bold)
	red := color.New(color.FgRed, color.Bold)
	yellow := color.New(color.FgYellow, color.Bold)

	fmt.Printf("Sampled %d processes, %d (user, scope) accruals of %s\n", len(observations), d.Accrued(), p.Tick)
	if !p.Enabled {
		_, _ = yellow.Println("Monitoring is disabled; the daemon would skip this tick.")
	}

	fmt.Println()
	_, _ = cyan.Printf("Terminations (%d)\n", len(d.Terminations))
	for _, t := range d.Terminations {
		_, _ = red.Printf("  %-8s", t.Reason)
		fmt.Printf(" pid %-7d %-20s user %-12s %s\n", t.PID, t.Process, t.User, t.Reason.Describe())
	}

	fmt.Println()
	_, _ = cyan.Printf("Warnings (%d)\n", len(d.Warnings))
	for _, w := range d.Warnings {
		_, _ = yellow.Printf("  %-20s", w.Scope)
		fmt.Printf(" user %-12s %s remaining of %s\n", w.User, w.Remaining.Round(time.Second), w.Limit)
	}
	return nil
}

func runCheckAccess(cmd *cobra.Command, args []string) error {
	user := args[0]

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("failed to load configuration: %w", err)
	}

	at, err := parseCheckTime(checkTime)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	state, err := readState(ctx, cfg.Storage)
	if err != nil {
		return fmt.Errorf("failed to read state: %w", err)
	}

	controller := access.NewController(zerolog.Nop())
	transitions := controller.Evaluate(state, at)
	status := controller.StatusOf(state, user, at)

	fmt.Printf("At %s:\n", at.Format("15:04"))
	printStatus(status)
	for _, t := range transitions {
		if t.User == user {
			fmt.Printf("Transition: %s → %s (%s)\n", t.From, t.To, t.Reason)
		}
	}
	if !cfg.Access.Enabled {
		_, _ = color.New(color.FgYellow).Println("Access control is disabled; the daemon applies none of this.")
	}
	return nil
}

// parseCheckTime parses an HH:MM flag into today's date.
func parseCheckTime(timeStr string) (time.Time, error) {
	now := time.Now()
	if timeStr == "" {
		return now, nil
	}

	if len(strings.Split(timeStr, ":")) != 2 {
		return time.Time{}, fmt.Errorf("time must be in HH:MM format")
	}
	var hour, minute int
	if _, err := fmt.Sscanf(timeStr, "%d:%d", &hour, &minute); err != nil {
		return time.Time{}, fmt.Errorf("invalid time format: %s", timeStr)
	}
	if hour < 0 || hour > 23 || minute < 0 || minute > 59 {
		return time.Time{}, fmt.Errorf("invalid time: hour must be 0-23, minute must be 0-59")
	}

	return time.Date(now.Year(), now.Month(), now.Day(), hour, minute, 0, 0, now.Location()), nil
}
