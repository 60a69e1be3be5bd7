package jobs

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type stubRemover struct {
	calls        int32
	inactiveDays int
	removed      int
	err          error
}

func (r *stubRemover) RemoveInactiveSelfManagedAssociations(ctx context.Context, inactiveDays int) (int, error) {
	atomic.AddInt32(&r.calls, 1)
	r.inactiveDays = inactiveDays
	return r.removed, r.err
}

func TestInactiveAssociationsSpec(t *testing.T) {
	spec := InactiveAssociationsSpec(0)

	assert.Equal(t, "companion/1", spec.Key())
	assert.Equal(t, 24*time.Hour, spec.Period)
	assert.True(t, spec.Preconditions.Has(RequiresCharging))
	assert.True(t, spec.Preconditions.Has(RequiresIdle))
	assert.NoError(t, spec.Validate())

	assert.Equal(t, 6*time.Hour, InactiveAssociationsSpec(6*time.Hour).Period)
}

func TestInactiveAssociationsJob_Execute(t *testing.T) {
	remover := &stubRemover{removed: 3}
	job := NewInactiveAssociationsJob(remover, 0)

	require.NoError(t, job.Execute(context.Background()))
	assert.Equal(t, int32(1), remover.calls)
	assert.Equal(t, DefaultInactiveDays, remover.inactiveDays)
	assert.Equal(t, "Inactive Association Removal", job.Name())
}

func TestInactiveAssociationsJob_ExecuteError(t *testing.T) {
	remover := &stubRemover{err: errors.New("companion service unavailable")}
	job := NewInactiveAssociationsJob(remover, 30)

	err := job.Execute(context.Background())
	assert.Error(t, err)
	assert.Equal(t, 30, remover.inactiveDays)
}

// A full day on the charger while idle: the removal runs exactly once and
// the execution walks Idle -> Triggered -> Running -> Completed.
func TestScheduleInactiveAssociations_DailyRun(t *testing.T) {
	facility := newFakeFacility()
	s := newTestScheduler(facility)
	remover := &stubRemover{removed: 2}
	job := NewInactiveAssociationsJob(remover, DefaultInactiveDays)
	ctx := context.Background()

	spec, err := ScheduleInactiveAssociations(ctx, s, job, 0)
	require.NoError(t, err)
	_, err = ScheduleInactiveAssociations(ctx, s, job, 0)
	require.NoError(t, err)
	assert.Equal(t, 1, facility.callCount())

	exec := NewJobExecution(ctx, spec, NewPreconditionSet(RequiresCharging, RequiresIdle))
	assert.True(t, facility.handlers[spec.Key()].OnTrigger(exec))

	assert.Equal(t, int32(1), atomic.LoadInt32(&remover.calls))
	assert.Equal(t, []State{StateIdle, StateTriggered, StateRunning, StateCompleted}, exec.History())
}
