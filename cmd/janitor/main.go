package main

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/companion-lens/core/pkg/logger"
)

var rootCmd = &cobra.Command{
	Use:   "janitor",
	Short: "Companion association janitor",
	Long: `janitor runs the daily inactive-association removal job.

The job only runs while the device is charging and idle. Registration is
idempotent, so the daemon schedules it on every start.

Examples:
  janitor run              # Start the scheduler and status server
  janitor once             # Remove inactive associations now
  janitor status -o yaml   # Show registrations and recent runs`,
	SilenceUsage: true,
	PersistentPreRun: func(cmd *cobra.Command, args []string) {
		logger.SetupLogger()
	},
}

func init() {
	rootCmd.AddCommand(runCmd)
	rootCmd.AddCommand(onceCmd)
	rootCmd.AddCommand(statusCmd)
}

func main() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}
