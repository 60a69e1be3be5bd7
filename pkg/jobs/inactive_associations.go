package jobs

import (
	"context"
	"time"

	"github.com/companion-lens/core/pkg/logger"
)

const (
	// CompanionNamespace scopes the association maintenance jobs
	CompanionNamespace = "companion"

	// InactiveAssociationsJobID is the job id of the removal job within CompanionNamespace
	InactiveAssociationsJobID = 1

	// InactiveAssociationsPeriod is how often the removal job runs
	InactiveAssociationsPeriod = 24 * time.Hour

	// DefaultInactiveDays is how long a self-managed association must be idle to be removed
	DefaultInactiveDays = 90
)

// AssociationRemover removes self-managed associations that have been idle
// for at least inactiveDays. Implemented by services.AssociationClient.
type AssociationRemover interface {
	RemoveInactiveSelfManagedAssociations(ctx context.Context, inactiveDays int) (int, error)
}

// InactiveAssociationsSpec is the registration of the daily removal job.
// It only runs while the device is charging and idle.
func InactiveAssociationsSpec(period time.Duration) JobSpec {
	if period <= 0 {
		period = InactiveAssociationsPeriod
	}
	return JobSpec{
		Namespace:     CompanionNamespace,
		ID:            InactiveAssociationsJobID,
		Period:        period,
		Preconditions: NewPreconditionSet(RequiresCharging, RequiresIdle),
	}
}

// InactiveAssociationsJob is the bound action of the removal job
type InactiveAssociationsJob struct {
	remover      AssociationRemover
	inactiveDays int
}

// NewInactiveAssociationsJob creates the removal action; inactiveDays <= 0 uses DefaultInactiveDays
func NewInactiveAssociationsJob(remover AssociationRemover, inactiveDays int) *InactiveAssociationsJob {
	if inactiveDays <= 0 {
		inactiveDays = DefaultInactiveDays
	}
	return &InactiveAssociationsJob{
		remover:      remover,
		inactiveDays: inactiveDays,
	}
}

// Execute asks the companion service to remove the stale associations
func (j *InactiveAssociationsJob) Execute(ctx context.Context) error {
	log := logger.WithContext(ctx, "inactive-associations")
	start := time.Now()

	removed, err := j.remover.RemoveInactiveSelfManagedAssociations(ctx, j.inactiveDays)
	duration := time.Since(start)

	if err != nil {
		log.Error().
			Err(err).
			Str("action", "removal_failed").
			Int("inactive_days", j.inactiveDays).
			Dur("duration", duration).
			Msg("Inactive association removal failed")
		return err
	}

	log.Info().
		Str("action", "removal_complete").
		Int("removed", removed).
		Int("inactive_days", j.inactiveDays).
		Dur("duration", duration).
		Msg("Removed inactive self-managed associations")
	return nil
}

func (j *InactiveAssociationsJob) Name() string {
	return "Inactive Association Removal"
}

// ScheduleInactiveAssociations binds job to its spec on s. Safe to call on
// every process start; an identical registration is a no-op.
func ScheduleInactiveAssociations(ctx context.Context, s *ConditionalPeriodicScheduler, job *InactiveAssociationsJob, period time.Duration) (JobSpec, error) {
	spec := InactiveAssociationsSpec(period)
	return spec, s.Schedule(ctx, spec, job.Execute)
}
