package jobs

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/companion-lens/core/pkg/logger"
)

// switchableConditions is a ConditionChecker the test flips by hand
type switchableConditions struct {
	mu    sync.Mutex
	state map[Precondition]bool
}

func newSwitchableConditions(charging, idle bool) *switchableConditions {
	return &switchableConditions{state: map[Precondition]bool{
		RequiresCharging: charging,
		RequiresIdle:     idle,
	}}
}

func (c *switchableConditions) set(p Precondition, v bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.state[p] = v
}

func (c *switchableConditions) Satisfied(ctx context.Context, p Precondition) (bool, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state[p], nil
}

// memStore is an in-memory RegistrationStore
type memStore struct {
	mu    sync.Mutex
	regs  map[string]Registration
	execs []ExecutionRecord
}

func newMemStore() *memStore {
	return &memStore{regs: make(map[string]Registration)}
}

func (m *memStore) SaveRegistration(ctx context.Context, reg Registration) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.regs[reg.Key] = reg
	return nil
}

func (m *memStore) GetRegistration(ctx context.Context, key string) (*Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg, ok := m.regs[key]
	if !ok {
		return nil, nil
	}
	return &reg, nil
}

func (m *memStore) ListRegistrations(ctx context.Context) ([]Registration, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []Registration
	for _, reg := range m.regs {
		out = append(out, reg)
	}
	return out, nil
}

func (m *memStore) MarkRun(ctx context.Context, key string, at time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	reg := m.regs[key]
	reg.LastRunAt = &at
	m.regs[key] = reg
	return nil
}

func (m *memStore) RecordExecutionStart(ctx context.Context, rec ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.execs = append(m.execs, rec)
	return nil
}

func (m *memStore) RecordExecutionEnd(ctx context.Context, rec ExecutionRecord) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i := range m.execs {
		if m.execs[i].ID == rec.ID {
			m.execs[i] = rec
		}
	}
	return nil
}

func (m *memStore) ListExecutions(ctx context.Context, key string, limit int) ([]ExecutionRecord, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []ExecutionRecord
	for _, rec := range m.execs {
		if rec.JobKey == key {
			out = append(out, rec)
		}
	}
	return out, nil
}

func (m *memStore) executions() []ExecutionRecord {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]ExecutionRecord(nil), m.execs...)
}

// recordingHandler counts callbacks and answers OnCancel with reschedule
type recordingHandler struct {
	triggers   int32
	cancels    int32
	reschedule bool
	lastReason atomic.Value
}

func (h *recordingHandler) OnTrigger(exec *JobExecution) bool {
	atomic.AddInt32(&h.triggers, 1)
	return true
}

func (h *recordingHandler) OnCancel(exec *JobExecution) bool {
	atomic.AddInt32(&h.cancels, 1)
	h.lastReason.Store(exec.StopReason())
	return h.reschedule
}

func testFacilityConfig() FacilityConfig {
	return FacilityConfig{
		PollInterval: 10 * time.Millisecond,
		MinPeriod:    0,
	}
}

func newTestFacility(conditions ConditionChecker, cfg FacilityConfig, opts ...FacilityOption) *CronFacility {
	opts = append([]FacilityOption{WithLogger(logger.Nop())}, opts...)
	return NewCronFacility(conditions, cfg, opts...)
}

// blockingAction blocks until release is closed and reports each start on started
func blockingAction(started chan<- struct{}, release <-chan struct{}) Action {
	return func(context.Context) error {
		started <- struct{}{}
		<-release
		return nil
	}
}

func jobStatus(t *testing.T, f *CronFacility, key string) JobStatus {
	t.Helper()
	statuses, err := f.Status(context.Background())
	require.NoError(t, err)
	for _, st := range statuses {
		if st.Key == key {
			return st
		}
	}
	t.Fatalf("no status for %s", key)
	return JobStatus{}
}

func TestFacility_RegisterRejectsShortPeriod(t *testing.T) {
	f := NewCronFacility(nil, DefaultFacilityConfig(), WithLogger(logger.Nop()))
	defer f.Stop()

	spec := dailySpec()
	spec.Period = time.Minute
	err := f.Register(context.Background(), spec, &recordingHandler{})
	assert.ErrorIs(t, err, ErrInvalidSpec)
}

func TestFacility_IdenticalRegisterKeepsOneEntry(t *testing.T) {
	f := newTestFacility(nil, testFacilityConfig())
	defer f.Stop()
	ctx := context.Background()

	require.NoError(t, f.Register(ctx, dailySpec(), &recordingHandler{}))
	require.NoError(t, f.Register(ctx, dailySpec(), &recordingHandler{}))

	assert.Len(t, f.cron.Entries(), 1)

	changed := dailySpec()
	changed.Period = 12 * time.Hour
	require.NoError(t, f.Register(ctx, changed, &recordingHandler{}))

	assert.Len(t, f.cron.Entries(), 1)
	assert.Equal(t, "12h0m0s", jobStatus(t, f, "companion/1").Period)
}

func TestFacility_DefersUntilPreconditionsHold(t *testing.T) {
	conditions := newSwitchableConditions(true, false)
	store := newMemStore()
	f := newTestFacility(conditions, testFacilityConfig(), WithStore(store))
	defer f.Stop()

	s := newTestScheduler(f)
	var calls int32
	require.NoError(t, s.Schedule(context.Background(), dailySpec(), func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))

	f.fire("companion/1")
	assert.Zero(t, atomic.LoadInt32(&calls))
	assert.True(t, jobStatus(t, f, "companion/1").Pending)

	// the poller picks the deferred run up once the device is idle
	f.Start()
	conditions.set(RequiresIdle, true)

	require.Eventually(t, func() bool {
		return atomic.LoadInt32(&calls) == 1 && !jobStatus(t, f, "companion/1").Running
	}, 2*time.Second, 10*time.Millisecond)

	st := jobStatus(t, f, "companion/1")
	assert.False(t, st.Pending)
	assert.NotNil(t, st.LastRunAt)

	execs := store.executions()
	require.Len(t, execs, 1)
	assert.Equal(t, ExecutionStatusCompleted, execs[0].Status)
	assert.NotNil(t, execs[0].DurationMs)

	reg, err := store.GetRegistration(context.Background(), "companion/1")
	require.NoError(t, err)
	require.NotNil(t, reg)
	assert.NotNil(t, reg.LastRunAt)
}

func TestFacility_PreconditionLostCancelsRun(t *testing.T) {
	conditions := newSwitchableConditions(true, true)
	store := newMemStore()
	f := newTestFacility(conditions, testFacilityConfig(), WithStore(store))
	defer f.Stop()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)

	s := newTestScheduler(f)
	require.NoError(t, s.Schedule(context.Background(), dailySpec(), blockingAction(started, release)))

	fired := make(chan struct{})
	go func() {
		f.fire("companion/1")
		close(fired)
	}()

	<-started
	conditions.set(RequiresCharging, false)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not end after losing a precondition")
	}

	execs := store.executions()
	require.Len(t, execs, 1)
	assert.Equal(t, ExecutionStatusCancelled, execs[0].Status)
	assert.Equal(t, "constraint: charging", execs[0].StopReason)

	// OnCancel answered with the fixed policy, so nothing is queued early
	assert.False(t, jobStatus(t, f, "companion/1").Pending)
}

func TestFacility_MaxRunTimeStopsRun(t *testing.T) {
	cfg := testFacilityConfig()
	cfg.MaxRunTime = 50 * time.Millisecond
	cfg.PollInterval = time.Hour
	store := newMemStore()
	f := newTestFacility(newSwitchableConditions(true, true), cfg, WithStore(store))
	defer f.Stop()

	started := make(chan struct{}, 1)
	release := make(chan struct{})
	defer close(release)

	s := newTestScheduler(f)
	require.NoError(t, s.Schedule(context.Background(), dailySpec(), blockingAction(started, release)))

	fired := make(chan struct{})
	go func() {
		f.fire("companion/1")
		close(fired)
	}()

	<-started
	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("run was not bounded by MaxRunTime")
	}

	execs := store.executions()
	require.Len(t, execs, 1)
	assert.Equal(t, ExecutionStatusCancelled, execs[0].Status)
	assert.Equal(t, StopReasonTimeout.String(), execs[0].StopReason)
}

func TestFacility_NoOverlappingRuns(t *testing.T) {
	f := newTestFacility(newSwitchableConditions(true, true), testFacilityConfig())
	defer f.Stop()

	started := make(chan struct{}, 2)
	release := make(chan struct{})

	s := newTestScheduler(f)
	require.NoError(t, s.Schedule(context.Background(), dailySpec(), blockingAction(started, release)))

	fired := make(chan struct{})
	go func() {
		f.fire("companion/1")
		close(fired)
	}()
	<-started

	st := jobStatus(t, f, "companion/1")
	assert.True(t, st.Running)
	assert.NotEmpty(t, st.ExecutionID)

	// a second trigger while the first is active returns without running
	f.fire("companion/1")
	assert.Len(t, started, 0)

	close(release)
	<-fired
	assert.False(t, jobStatus(t, f, "companion/1").Running)
}

func TestFacility_RescheduleMarksPending(t *testing.T) {
	conditions := newSwitchableConditions(true, true)
	cfg := testFacilityConfig()
	cfg.PollInterval = 20 * time.Millisecond
	f := newTestFacility(conditions, cfg)
	defer f.Stop()

	// a handler that never finishes on its own and asks to be retried
	h := &recordingHandler{reschedule: true}
	require.NoError(t, f.Register(context.Background(), dailySpec(), h))

	fired := make(chan struct{})
	go func() {
		f.fire("companion/1")
		close(fired)
	}()

	require.Eventually(t, func() bool { return atomic.LoadInt32(&h.triggers) == 1 }, time.Second, 5*time.Millisecond)
	conditions.set(RequiresIdle, false)
	<-fired

	assert.Equal(t, int32(1), atomic.LoadInt32(&h.cancels))
	assert.Equal(t, StopReasonConstraintIdle, h.lastReason.Load())
	assert.True(t, jobStatus(t, f, "companion/1").Pending)
}

func TestFacility_ReplacingRegistrationStopsRun(t *testing.T) {
	f := newTestFacility(newSwitchableConditions(true, true), testFacilityConfig())
	defer f.Stop()

	h := &recordingHandler{}
	require.NoError(t, f.Register(context.Background(), dailySpec(), h))

	fired := make(chan struct{})
	go func() {
		f.fire("companion/1")
		close(fired)
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&h.triggers) == 1 }, time.Second, 5*time.Millisecond)

	changed := dailySpec()
	changed.Period = time.Hour
	require.NoError(t, f.Register(context.Background(), changed, &recordingHandler{}))

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("replaced run did not end")
	}
	assert.Equal(t, StopReasonReplaced, h.lastReason.Load())
}

func TestFacility_StopDeliversShutdown(t *testing.T) {
	cfg := testFacilityConfig()
	cfg.PollInterval = time.Hour
	f := newTestFacility(newSwitchableConditions(true, true), cfg)

	h := &recordingHandler{}
	require.NoError(t, f.Register(context.Background(), dailySpec(), h))
	f.Start()

	fired := make(chan struct{})
	go func() {
		f.fire("companion/1")
		close(fired)
	}()
	require.Eventually(t, func() bool { return atomic.LoadInt32(&h.triggers) == 1 }, time.Second, 5*time.Millisecond)

	f.Stop()
	<-fired
	assert.Equal(t, StopReasonShutdown, h.lastReason.Load())

	// a stopped facility no longer fires
	f.fire("companion/1")
	assert.Equal(t, int32(1), atomic.LoadInt32(&h.triggers))
}

func TestFacility_LockHeldElsewhereSkipsRun(t *testing.T) {
	locks := NewPostgreSQLLockManager(newAdvisoryDB())
	f := newTestFacility(newSwitchableConditions(true, true), testFacilityConfig(), WithLockManager(locks))
	defer f.Stop()

	h := &recordingHandler{}
	require.NoError(t, f.Register(context.Background(), dailySpec(), h))

	acquired, err := locks.AcquireLock(context.Background(), "companion/1")
	require.NoError(t, err)
	require.True(t, acquired)

	f.fire("companion/1")
	assert.Zero(t, atomic.LoadInt32(&h.triggers))
	assert.True(t, jobStatus(t, f, "companion/1").IsLocked)
	assert.False(t, jobStatus(t, f, "companion/1").Pending)
}

func TestFacility_KeepsLastRunForUnchangedRegistration(t *testing.T) {
	store := newMemStore()
	ranAt := time.Now().UTC().Add(-2 * time.Hour)
	require.NoError(t, store.SaveRegistration(context.Background(), Registration{
		Key:           "companion/1",
		Namespace:     "companion",
		JobID:         1,
		Period:        24 * time.Hour,
		Preconditions: "charging,idle",
		LastRunAt:     &ranAt,
	}))

	f := newTestFacility(nil, testFacilityConfig(), WithStore(store))
	defer f.Stop()
	require.NoError(t, f.Register(context.Background(), dailySpec(), &recordingHandler{}))

	st := jobStatus(t, f, "companion/1")
	require.NotNil(t, st.LastRunAt)
	assert.True(t, st.LastRunAt.Equal(ranAt))

	// a different period starts a fresh cadence
	f2 := newTestFacility(nil, testFacilityConfig(), WithStore(store))
	defer f2.Stop()
	changed := dailySpec()
	changed.Period = time.Hour
	require.NoError(t, f2.Register(context.Background(), changed, &recordingHandler{}))
	assert.Nil(t, jobStatus(t, f2, "companion/1").LastRunAt)
}

// completingHandler finishes its execution while the host is delivering OnCancel
type completingHandler struct {
	cancelling chan struct{}
	completed  chan struct{}
}

func (h *completingHandler) OnTrigger(exec *JobExecution) bool {
	_ = exec.transition(StateTriggered)
	_ = exec.transition(StateRunning)
	<-h.cancelling
	_ = exec.transition(StateCompleted)
	close(h.completed)
	exec.Finish(false)
	return true
}

func (h *completingHandler) OnCancel(exec *JobExecution) bool {
	close(h.cancelling)
	<-h.completed
	_ = exec.transition(StateCancelled)
	return false
}

func TestFacility_CompletionWinningStopIsRecordedCompleted(t *testing.T) {
	conditions := newSwitchableConditions(true, true)
	store := newMemStore()
	f := newTestFacility(conditions, testFacilityConfig(), WithStore(store))
	defer f.Stop()

	h := &completingHandler{cancelling: make(chan struct{}), completed: make(chan struct{})}
	require.NoError(t, f.Register(context.Background(), dailySpec(), h))

	fired := make(chan struct{})
	go func() {
		f.fire("companion/1")
		close(fired)
	}()

	require.Eventually(t, func() bool { return jobStatus(t, f, "companion/1").Running }, time.Second, 5*time.Millisecond)
	conditions.set(RequiresIdle, false)

	select {
	case <-fired:
	case <-time.After(2 * time.Second):
		t.Fatal("run did not end")
	}

	execs := store.executions()
	require.Len(t, execs, 1)
	assert.Equal(t, ExecutionStatusCompleted, execs[0].Status)
	assert.Empty(t, execs[0].StopReason)
}

func TestFacility_ManualRunRefusedWhileTriggeredRunActive(t *testing.T) {
	store := newMemStore()
	f := newTestFacility(newSwitchableConditions(true, true), testFacilityConfig(), WithStore(store))
	defer f.Stop()

	var active, maxActive int32
	started := make(chan struct{}, 2)
	release := make(chan struct{})
	action := func(context.Context) error {
		n := atomic.AddInt32(&active, 1)
		for {
			m := atomic.LoadInt32(&maxActive)
			if n <= m || atomic.CompareAndSwapInt32(&maxActive, m, n) {
				break
			}
		}
		started <- struct{}{}
		<-release
		atomic.AddInt32(&active, -1)
		return nil
	}

	s := newTestScheduler(f)
	require.NoError(t, s.Schedule(context.Background(), dailySpec(), action))

	fired := make(chan struct{})
	go func() {
		f.fire("companion/1")
		close(fired)
	}()
	<-started

	err := s.RunNow(context.Background(), "companion/1")
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Len(t, started, 0)

	close(release)
	<-fired

	// with the slot free the manual run goes ahead and is recorded
	require.NoError(t, s.RunNow(context.Background(), "companion/1"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&maxActive))

	execs := store.executions()
	require.Len(t, execs, 2)
	for _, rec := range execs {
		assert.Equal(t, ExecutionStatusCompleted, rec.Status)
	}
	assert.False(t, jobStatus(t, f, "companion/1").Running)
}

func TestFacility_ClaimedSlotBlocksTrigger(t *testing.T) {
	f := newTestFacility(newSwitchableConditions(true, true), testFacilityConfig())
	defer f.Stop()

	h := &recordingHandler{}
	require.NoError(t, f.Register(context.Background(), dailySpec(), h))

	exec, finish, err := f.Claim(context.Background(), "companion/1")
	require.NoError(t, err)
	assert.Equal(t, exec.ID(), jobStatus(t, f, "companion/1").ExecutionID)

	f.fire("companion/1")
	assert.Zero(t, atomic.LoadInt32(&h.triggers))

	_, _, err = f.Claim(context.Background(), "companion/1")
	assert.ErrorIs(t, err, ErrAlreadyRunning)

	finish(nil)
	finish(nil)
	st := jobStatus(t, f, "companion/1")
	assert.False(t, st.Running)
	assert.NotNil(t, st.LastRunAt)

	_, _, err = f.Claim(context.Background(), "companion/9")
	assert.ErrorIs(t, err, ErrNotRegistered)
}

func TestFacility_ManualRunRespectsLockHeldElsewhere(t *testing.T) {
	locks := NewPostgreSQLLockManager(newAdvisoryDB())
	store := newMemStore()
	f := newTestFacility(newSwitchableConditions(true, true), testFacilityConfig(), WithLockManager(locks), WithStore(store))
	defer f.Stop()

	var calls int32
	s := newTestScheduler(f)
	require.NoError(t, s.Schedule(context.Background(), dailySpec(), func(context.Context) error {
		atomic.AddInt32(&calls, 1)
		return nil
	}))

	acquired, err := locks.AcquireLock(context.Background(), "companion/1")
	require.NoError(t, err)
	require.True(t, acquired)

	err = s.RunNow(context.Background(), "companion/1")
	assert.ErrorIs(t, err, ErrAlreadyRunning)
	assert.Zero(t, atomic.LoadInt32(&calls))
	assert.False(t, jobStatus(t, f, "companion/1").Running)
	assert.Empty(t, store.executions())

	require.NoError(t, locks.ReleaseLock(context.Background(), "companion/1"))
	require.NoError(t, s.RunNow(context.Background(), "companion/1"))
	assert.Equal(t, int32(1), atomic.LoadInt32(&calls))

	locked, err := locks.IsLocked(context.Background(), "companion/1")
	require.NoError(t, err)
	assert.False(t, locked)
}

func TestFacility_ManualRunFailureRecorded(t *testing.T) {
	store := newMemStore()
	f := newTestFacility(nil, testFacilityConfig(), WithStore(store))
	defer f.Stop()

	s := newTestScheduler(f)
	require.NoError(t, s.Schedule(context.Background(), dailySpec(), func(context.Context) error {
		return assert.AnError
	}))

	err := s.RunNow(context.Background(), "companion/1")
	var actionErr *ActionError
	require.ErrorAs(t, err, &actionErr)
	assert.NotEqual(t, "manual", actionErr.ExecutionID)

	execs := store.executions()
	require.Len(t, execs, 1)
	assert.Equal(t, actionErr.ExecutionID, execs[0].ID)
	assert.Equal(t, ExecutionStatusFailed, execs[0].Status)
	assert.Equal(t, assert.AnError.Error(), execs[0].ErrorMessage)
}
