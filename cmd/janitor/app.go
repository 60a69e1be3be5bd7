package main

import (
	"context"
	"fmt"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/companion-lens/core/internal/config"
	"github.com/companion-lens/core/pkg/conditions"
	"github.com/companion-lens/core/pkg/database/pool"
	"github.com/companion-lens/core/pkg/handlers/health"
	"github.com/companion-lens/core/pkg/jobs"
	"github.com/companion-lens/core/pkg/logger"
	"github.com/companion-lens/core/pkg/services"
	"github.com/companion-lens/core/pkg/store"
)

// app holds the wired components shared by the commands
type app struct {
	cfg    *config.Config
	logger *logger.Logger

	store     *store.SQLStore
	lockPool  *pgxpool.Pool
	lockConn  *pgxpool.Conn
	facility  *jobs.CronFacility
	scheduler *jobs.ConditionalPeriodicScheduler
	removal   *jobs.InactiveAssociationsJob
}

func loadConfig() (*config.Config, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, err
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}

func newApp(ctx context.Context, cfg *config.Config, log *logger.Logger) (*app, error) {
	a := &app{cfg: cfg, logger: log}

	st, err := store.Open(ctx, cfg.Database.Driver, cfg.StoreDSN())
	if err != nil {
		return nil, fmt.Errorf("failed to open job store: %w", err)
	}
	a.store = st

	opts := []jobs.FacilityOption{
		jobs.WithStore(st),
		jobs.WithLogger(log.WithRequestID("facility")),
	}

	if cfg.Scheduler.LockingEnabled {
		locks, err := a.openLocks(ctx)
		if err != nil {
			a.close()
			return nil, err
		}
		opts = append(opts, jobs.WithLockManager(locks))
	}

	checker := conditions.NewSystemChecker(conditions.Config{
		PowerSupplyPath:   cfg.Conditions.PowerSupplyPath,
		IdleCPUThreshold:  cfg.Conditions.IdleCPUThreshold,
		IdleLoadThreshold: cfg.Conditions.IdleLoadThreshold,
		IdleSampleWindow:  cfg.Conditions.IdleSampleWindow,
	})

	facilityCfg := jobs.DefaultFacilityConfig()
	facilityCfg.PollInterval = cfg.Scheduler.PollInterval
	facilityCfg.MaxRunTime = cfg.Scheduler.MaxRunTime
	facilityCfg.LockTimeout = cfg.Scheduler.LockTimeout
	if cfg.Scheduler.JobPeriod < facilityCfg.MinPeriod {
		facilityCfg.MinPeriod = cfg.Scheduler.JobPeriod
	}

	a.facility = jobs.NewCronFacility(checker, facilityCfg, opts...)
	a.scheduler = jobs.NewConditionalPeriodicScheduler(a.facility, log)

	client := services.NewAssociationClient(services.AssociationConfig{
		BaseURL:            cfg.Companion.BaseURL,
		Timeout:            time.Duration(cfg.Companion.Timeout) * time.Second,
		BreakerMaxFailures: uint32(cfg.Companion.BreakerMaxFailures),
		BreakerOpenTimeout: cfg.Companion.BreakerOpenTimeout,
	})
	a.removal = jobs.NewInactiveAssociationsJob(client, cfg.Scheduler.InactiveDays)

	return a, nil
}

// openLocks pins one PostgreSQL session for the advisory locks
func (a *app) openLocks(ctx context.Context) (jobs.JobLockManager, error) {
	p, err := pool.New(ctx, a.cfg.DatabaseURL(), pool.DefaultConfig())
	if err != nil {
		return nil, fmt.Errorf("failed to connect lock database: %w", err)
	}
	conn, err := pool.AcquireSession(ctx, p)
	if err != nil {
		p.Close()
		return nil, err
	}
	a.lockPool, a.lockConn = p, conn

	a.logger.Info().
		Str("action", "locking_enabled").
		Interface("pool", pool.GetStats(p)).
		Msg("Advisory job locks enabled")
	return jobs.NewPostgreSQLLockManager(conn), nil
}

// schedule registers the removal job; identical parameters make this a no-op
func (a *app) schedule(ctx context.Context) (jobs.JobSpec, error) {
	return jobs.ScheduleInactiveAssociations(ctx, a.scheduler, a.removal, a.cfg.Scheduler.JobPeriod)
}

func (a *app) healthChecks() map[string]health.Pinger {
	checks := map[string]health.Pinger{"store": a.store}
	if a.lockPool != nil {
		checks["lock_session"] = health.PingFunc(a.lockConn.Ping)
	}
	return checks
}

func (a *app) close() {
	if a.lockConn != nil {
		a.lockConn.Release()
	}
	if a.lockPool != nil {
		a.lockPool.Close()
	}
	if a.store != nil {
		if err := a.store.Close(); err != nil {
			a.logger.Warn().Err(err).Msg("Failed to close job store")
		}
	}
}
