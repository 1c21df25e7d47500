package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"
)

var (
	version    = "dev"
	configPath string
	socketPath string
)

// rootCmd represents the base command when called without any subcommands
var rootCmd = &cobra.Command{
	Use:   "procmon",
	Short: "procmon - per-user process time limits",
	Long: `procmon watches the processes of monitored users, accounts the time each
application and application group runs per day, warns before a daily limit
is reached and terminates what is over its limit. It can also lock user
accounts manually or outside an allowed-hours window.

Run without a subcommand to start the daemon. The other subcommands talk to
a running daemon over its admin socket.`,
	Version:       version,
	SilenceUsage:  true,
	SilenceErrors: true,
	RunE: func(cmd *cobra.Command, args []string) error {
		// Default to server command when no subcommand is provided
		return runServer(cmd, args)
	},
}

func init() {
	// Global flags
	rootCmd.PersistentFlags().StringVarP(&configPath, "config", "c", "/etc/procmon/config.yaml", "Path to configuration file")
	rootCmd.PersistentFlags().StringVarP(&socketPath, "socket", "s", "", "Admin socket (defaults to admin.socket from the configuration)")
}

// Execute adds all child commands to the root command and sets flags appropriately.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
