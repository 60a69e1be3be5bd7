package main

import (
	"context"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/companion-lens/core/pkg/logger"
	"github.com/companion-lens/core/pkg/server"
)

var runCmd = &cobra.Command{
	Use:   "run",
	Short: "Schedule the removal job and serve job status",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, err := loadConfig()
		if err != nil {
			return err
		}
		log := logger.New("janitor")

		ctx, stop := signal.NotifyContext(cmd.Context(), syscall.SIGINT, syscall.SIGTERM)
		defer stop()

		a, err := newApp(ctx, cfg, log)
		if err != nil {
			return err
		}
		defer a.close()

		spec, err := a.schedule(ctx)
		if err != nil {
			return err
		}
		log.Info().
			Str("action", "scheduled").
			Str("job_key", spec.Key()).
			Dur("period", spec.Period).
			Str("preconditions", spec.Preconditions.String()).
			Msg("Inactive association removal scheduled")

		a.facility.Start()

		srv := server.New(cfg.Server.Host, cfg.Server.Port, server.Deps{
			Status:     a.facility,
			Executions: a.store,
			Runner:     a.scheduler,
			Checks:     a.healthChecks(),
			RunToken:   cfg.Server.RunToken,
		}, log.WithRequestID("http"))

		g, gctx := errgroup.WithContext(ctx)
		g.Go(srv.Start)
		g.Go(func() error {
			<-gctx.Done()
			log.Info().Str("action", "shutdown").Msg("Shutting down janitor")

			shutdownCtx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
			defer cancel()
			err := srv.Shutdown(shutdownCtx)
			a.facility.Stop()
			return err
		})

		if err := g.Wait(); err != nil {
			return err
		}
		log.Info().Str("action", "stopped").Msg("Janitor stopped")
		return nil
	},
}
