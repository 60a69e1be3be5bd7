package main

import (
	"context"
	"time"

	"github.com/pterm/pterm"
	"github.com/spf13/cobra"

	"github.com/companion-lens/core/pkg/logger"
)

var onceTimeout time.Duration

var onceCmd = &cobra.Command{
	Use:   "once",
	Short: "Run the removal job now, ignoring preconditions",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}

		ctx, cancel := context.WithTimeout(cmd.Context(), onceTimeout)
		defer cancel()

		a, err := newApp(ctx, cfg, logger.New("janitor"))
		if err != nil {
			return err
		}
		defer a.close()

		spec, err := a.schedule(ctx)
		if err != nil {
			return err
		}

		pterm.Info.Printfln("Running %s (%s) once...", a.removal.Name(), spec.Key())
		start := time.Now()
		if err := a.scheduler.RunNow(ctx, spec.Key()); err != nil {
			pterm.Error.Printfln("%s failed: %v", spec.Key(), err)
			return err
		}
		pterm.Success.Printfln("%s completed in %s", spec.Key(), time.Since(start).Round(time.Millisecond))
		return nil
	},
}

func init() {
	onceCmd.Flags().DurationVar(&onceTimeout, "timeout", 10*time.Minute, "Abort the run after this long")
}
