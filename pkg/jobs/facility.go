package jobs

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/robfig/cron/v3"

	"github.com/companion-lens/core/pkg/logger"
)

// FacilityConfig tunes the CronFacility
type FacilityConfig struct {
	PollInterval time.Duration // how often deferred runs and running jobs re-check preconditions
	MaxRunTime   time.Duration // 0 waits for completion forever
	MinPeriod    time.Duration // shortest accepted period
	LockTimeout  time.Duration // 0 tries the lock once and skips if taken
}

// DefaultFacilityConfig returns the production defaults
func DefaultFacilityConfig() FacilityConfig {
	return FacilityConfig{
		PollInterval: time.Minute,
		MaxRunTime:   0,
		MinPeriod:    MinPeriod,
		LockTimeout:  0,
	}
}

// FacilityOption configures optional collaborators of a CronFacility
type FacilityOption func(*CronFacility)

// WithStore persists registrations and execution history
func WithStore(store RegistrationStore) FacilityOption {
	return func(f *CronFacility) { f.store = store }
}

// WithLockManager guards every run with a cross-process lock
func WithLockManager(locks JobLockManager) FacilityOption {
	return func(f *CronFacility) { f.locks = locks }
}

// WithLogger overrides the facility logger
func WithLogger(log *logger.Logger) FacilityOption {
	return func(f *CronFacility) { f.logger = log }
}

type registration struct {
	spec     JobSpec
	handler  JobHandler
	entryID  cron.EntryID
	running  *JobExecution
	pending  bool
	lastRun  *time.Time
	schedule *periodicSchedule
}

// JobStatus is a point-in-time view of one registration
type JobStatus struct {
	Key           string     `json:"key" yaml:"key"`
	Period        string     `json:"period" yaml:"period"`
	Preconditions string     `json:"preconditions" yaml:"preconditions"`
	NextRunAt     *time.Time `json:"next_run_at,omitempty" yaml:"next_run_at,omitempty"`
	LastRunAt     *time.Time `json:"last_run_at,omitempty" yaml:"last_run_at,omitempty"`
	Running       bool       `json:"running" yaml:"running"`
	ExecutionID   string     `json:"execution_id,omitempty" yaml:"execution_id,omitempty"`
	Pending       bool       `json:"pending" yaml:"pending"`
	IsLocked      bool       `json:"is_locked" yaml:"is_locked"`
}

// CronFacility is a TriggerFacility driven by robfig/cron.
//
// Each registration fires once per period. A fire whose preconditions do
// not hold is deferred and retried by the condition poller; while a run
// is active a watcher re-checks preconditions and calls OnCancel when one
// is lost. At most one execution per registration is active at a time.
type CronFacility struct {
	cron       *cron.Cron
	conditions ConditionChecker
	store      RegistrationStore
	locks      JobLockManager
	cfg        FacilityConfig
	logger     *logger.Logger

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup

	mu      sync.Mutex
	regs    map[string]*registration
	started bool
}

var (
	_ TriggerFacility = (*CronFacility)(nil)
	_ RunClaimer      = (*CronFacility)(nil)
)

// NewCronFacility creates a facility that evaluates preconditions with conditions
func NewCronFacility(conditions ConditionChecker, cfg FacilityConfig, opts ...FacilityOption) *CronFacility {
	defaults := DefaultFacilityConfig()
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = defaults.PollInterval
	}
	if cfg.MinPeriod < 0 {
		cfg.MinPeriod = 0
	}

	ctx, cancel := context.WithCancel(context.Background())
	f := &CronFacility{
		conditions: conditions,
		cfg:        cfg,
		logger:     logger.New("trigger-facility"),
		ctx:        ctx,
		cancel:     cancel,
		regs:       make(map[string]*registration),
	}
	for _, opt := range opts {
		opt(f)
	}
	if f.conditions == nil {
		f.conditions = alwaysSatisfied{}
	}

	cl := cronLogger{log: f.logger}
	f.cron = cron.New(
		cron.WithLocation(time.UTC),
		cron.WithLogger(cl),
		cron.WithChain(cron.Recover(cl), cron.SkipIfStillRunning(cl)),
	)
	return f
}

// Register adds spec, or replaces a registration with different parameters.
// Registering identical parameters again only refreshes the handler.
func (f *CronFacility) Register(ctx context.Context, spec JobSpec, handler JobHandler) error {
	if handler == nil {
		return errors.Wrap(ErrInvalidSpec, "handler is required")
	}
	if err := spec.ValidateWithMin(f.cfg.MinPeriod); err != nil {
		return err
	}

	key := spec.Key()
	log := f.logger.WithJob(key)

	f.mu.Lock()
	if existing, ok := f.regs[key]; ok && existing.spec.Equal(spec) {
		existing.handler = handler
		f.mu.Unlock()
		log.Debug().Str("action", "register_noop").Msg("Identical registration already present")
		return nil
	}
	f.mu.Unlock()

	lastRun, err := f.persistRegistration(ctx, spec)
	if err != nil {
		return err
	}

	sched := newPeriodicSchedule(spec.Period, lastRun, time.Now().UTC())

	f.mu.Lock()
	replaced := f.regs[key]
	var replacedExec *JobExecution
	var replacedHandler JobHandler
	if replaced != nil {
		f.cron.Remove(replaced.entryID)
		replacedExec, replacedHandler = replaced.running, replaced.handler
	}
	reg := &registration{
		spec:     spec,
		handler:  handler,
		lastRun:  lastRun,
		schedule: sched,
	}
	reg.entryID = f.cron.Schedule(sched, cron.FuncJob(func() { f.fire(key) }))
	f.regs[key] = reg
	f.mu.Unlock()

	if replacedExec != nil {
		f.stopExecution(replacedExec, replacedHandler, StopReasonReplaced)
	}

	log.Info().
		Str("action", "register").
		Dur("period", spec.Period).
		Str("preconditions", spec.Preconditions.String()).
		Bool("replaced", replaced != nil).
		Msg("Registered periodic job")

	return nil
}

// persistRegistration saves spec and returns the last run time to anchor the
// schedule on. A last run is only carried over when the parameters are unchanged.
func (f *CronFacility) persistRegistration(ctx context.Context, spec JobSpec) (*time.Time, error) {
	if f.store == nil {
		return nil, nil
	}

	key := spec.Key()
	var lastRun *time.Time

	prev, err := f.store.GetRegistration(ctx, key)
	if err != nil {
		return nil, errors.Wrapf(err, "load registration %s", key)
	}
	if prev != nil && prev.Period == spec.Period && prev.Preconditions == spec.Preconditions.String() {
		lastRun = prev.LastRunAt
	}

	now := time.Now().UTC()
	reg := Registration{
		Key:           key,
		Namespace:     spec.Namespace,
		JobID:         spec.ID,
		Period:        spec.Period,
		Preconditions: spec.Preconditions.String(),
		LastRunAt:     lastRun,
		CreatedAt:     now,
		UpdatedAt:     now,
	}
	if prev != nil {
		reg.CreatedAt = prev.CreatedAt
	}
	if err := f.store.SaveRegistration(ctx, reg); err != nil {
		return nil, errors.Wrapf(err, "save registration %s", key)
	}
	return lastRun, nil
}

// Start begins firing registrations and polling deferred runs
func (f *CronFacility) Start() {
	f.mu.Lock()
	if f.started {
		f.mu.Unlock()
		return
	}
	f.started = true
	count := len(f.regs)
	f.mu.Unlock()

	f.cron.Start()

	f.wg.Add(1)
	go f.pollDeferred()

	f.logger.Info().
		Str("action", "start").
		Int("job_count", count).
		Dur("poll_interval", f.cfg.PollInterval).
		Dur("max_run_time", f.cfg.MaxRunTime).
		Bool("locking_enabled", f.locks != nil).
		Msg("Trigger facility started")
}

// Stop stops firing, tells running jobs the system is shutting down and waits for them
func (f *CronFacility) Stop() {
	f.logger.Info().Str("action", "stop_initiated").Msg("Stopping trigger facility")

	f.cancel()
	<-f.cron.Stop().Done()
	f.wg.Wait()

	f.logger.Info().Str("action", "stopped").Msg("Trigger facility stopped")
}

// Status returns a snapshot of every registration ordered by key
func (f *CronFacility) Status(ctx context.Context) ([]JobStatus, error) {
	f.mu.Lock()
	statuses := make([]JobStatus, 0, len(f.regs))
	for key, reg := range f.regs {
		st := JobStatus{
			Key:           key,
			Period:        reg.spec.Period.String(),
			Preconditions: reg.spec.Preconditions.String(),
			LastRunAt:     reg.lastRun,
			Running:       reg.running != nil,
			Pending:       reg.pending,
		}
		if reg.running != nil {
			st.ExecutionID = reg.running.ID()
		}
		if entry := f.cron.Entry(reg.entryID); entry.Valid() && !entry.Next.IsZero() {
			next := entry.Next
			st.NextRunAt = &next
		}
		statuses = append(statuses, st)
	}
	f.mu.Unlock()

	if f.locks != nil {
		for i := range statuses {
			locked, err := f.locks.IsLocked(ctx, statuses[i].Key)
			if err != nil {
				return nil, errors.Wrapf(err, "check lock status for job %s", statuses[i].Key)
			}
			statuses[i].IsLocked = locked
		}
	}

	sort.Slice(statuses, func(i, j int) bool { return statuses[i].Key < statuses[j].Key })
	return statuses, nil
}

// pollDeferred fires pending registrations once their preconditions hold
func (f *CronFacility) pollDeferred() {
	defer f.wg.Done()

	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	for {
		select {
		case <-f.ctx.Done():
			return
		case <-ticker.C:
			for _, key := range f.pendingKeys() {
				f.wg.Add(1)
				go func(key string) {
					defer f.wg.Done()
					f.fire(key)
				}(key)
			}
		}
	}
}

func (f *CronFacility) pendingKeys() []string {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keys []string
	for key, reg := range f.regs {
		if reg.pending && reg.running == nil {
			keys = append(keys, key)
		}
	}
	return keys
}

func (f *CronFacility) setPending(key string, reg *registration, pending bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.regs[key] == reg {
		reg.pending = pending
	}
}

// fire runs one trigger for key, or defers it when preconditions do not hold
func (f *CronFacility) fire(key string) {
	if f.ctx.Err() != nil {
		return
	}

	f.mu.Lock()
	reg := f.regs[key]
	if reg == nil || reg.running != nil {
		f.mu.Unlock()
		if reg != nil {
			f.logger.WithJob(key).Debug().
				Str("action", "trigger_skipped_running").
				Msg("Previous execution still active, skipping trigger")
		}
		return
	}
	spec, handler := reg.spec, reg.handler
	f.mu.Unlock()

	log := f.logger.WithJob(key)

	satisfied, missing := f.evaluate(f.ctx, spec.Preconditions)
	if len(missing) > 0 {
		f.setPending(key, reg, true)
		log.Info().
			Str("action", "trigger_deferred").
			Str("missing", NewPreconditionSet(missing...).String()).
			Msg("Preconditions not met, deferring job")
		return
	}

	if f.locks != nil {
		guard := NewLockGuard(f.locks, key)
		acquired, err := f.acquire(guard)
		if err != nil {
			log.Error().Err(err).Str("action", "lock_acquisition_error").Msg("Failed to acquire job lock")
			f.setPending(key, reg, true)
			return
		}
		if !acquired {
			log.Info().Str("action", "job_skipped_locked").Msg("Job skipped - another instance is running it")
			f.setPending(key, reg, false)
			return
		}
		defer func() {
			if err := guard.Release(context.Background()); err != nil {
				log.Error().Err(err).Str("action", "lock_release_error").Msg("Failed to release job lock")
			}
		}()
	}

	exec := NewJobExecution(f.ctx, spec, satisfied)

	f.mu.Lock()
	if f.regs[key] != reg || reg.running != nil {
		f.mu.Unlock()
		return
	}
	reg.running = exec
	reg.pending = false
	f.mu.Unlock()

	f.run(reg, handler, exec)
}

func (f *CronFacility) acquire(guard *LockGuard) (bool, error) {
	if f.cfg.LockTimeout > 0 {
		acquired, err := guard.AcquireWithTimeout(f.ctx, f.cfg.LockTimeout)
		if errors.Is(err, context.DeadlineExceeded) {
			return false, nil
		}
		return acquired, err
	}
	return guard.Acquire(f.ctx)
}

// run delivers OnTrigger, waits for completion or a stop, and records the outcome
func (f *CronFacility) run(reg *registration, handler JobHandler, exec *JobExecution) {
	key := reg.spec.Key()
	log := f.logger.WithRequestID(exec.ID()).WithJob(key)
	start := time.Now()

	log.LogJobStart(key, reg.spec.Period)
	f.recordStart(exec)

	runDone := make(chan struct{})
	go f.watch(exec, handler, runDone)

	triggered := make(chan bool, 1)
	go func() {
		triggered <- f.deliverTrigger(handler, exec)
	}()

	select {
	case async := <-triggered:
		if async {
			select {
			case <-exec.Done():
			case <-exec.abandonedCh():
			}
		} else {
			// synchronous answer: the handler is done with exec
			exec.Finish(false)
		}
	case <-exec.abandonedCh():
	}
	close(runDone)

	wasStopped := exec.StopReason() != StopReasonNone
	if wasStopped {
		<-exec.abandonedCh()
	}

	// the final state decides the outcome: a stop that lost the race to
	// completion leaves the execution Completed
	var reschedule bool
	duration := time.Since(start)
	status := ExecutionStatusCompleted
	errMsg := ""
	switch state := exec.State(); {
	case state == StateCompleted:
		_, reschedule = exec.Finished()
		log.LogJobComplete(key, duration, 1, 0)
	case wasStopped:
		status = ExecutionStatusCancelled
		reschedule = exec.abandonedWith()
		log.LogJobStop(key, exec.StopReason().String(), duration)
	default:
		_, reschedule = exec.Finished()
		status = ExecutionStatusFailed
		errMsg = "handler did not complete the execution"
		log.Warn().
			Str("action", "job_declined").
			Str("state", state.String()).
			Msg("Handler did not complete the execution")
	}

	f.recordEnd(exec, status, duration, errMsg)

	ranAt := exec.StartedAt()
	f.mu.Lock()
	reg.running = nil
	reg.lastRun = &ranAt
	if reschedule && f.regs[key] == reg {
		reg.pending = true
	}
	f.mu.Unlock()
}

// Claim reserves the run slot of key for a manual run and takes the job lock
// when locks are configured. The watcher does not observe claimed runs:
// manual runs ignore preconditions. finish must be called once the run ends.
func (f *CronFacility) Claim(ctx context.Context, key string) (*JobExecution, func(error), error) {
	f.mu.Lock()
	reg := f.regs[key]
	if reg == nil {
		f.mu.Unlock()
		return nil, nil, errors.Wrapf(ErrNotRegistered, "job %s", key)
	}
	if reg.running != nil {
		active := reg.running.ID()
		f.mu.Unlock()
		return nil, nil, errors.Wrapf(ErrAlreadyRunning, "job %s execution %s", key, active)
	}
	exec := NewJobExecution(ctx, reg.spec, reg.spec.Preconditions)
	reg.running = exec
	f.mu.Unlock()

	log := f.logger.WithRequestID(exec.ID()).WithJob(key)

	var guard *LockGuard
	if f.locks != nil {
		guard = NewLockGuard(f.locks, key)
		acquired, err := f.acquire(guard)
		if err != nil || !acquired {
			f.releaseSlot(reg, exec, false)
			if err != nil {
				return nil, nil, errors.Wrapf(err, "acquire lock for job %s", key)
			}
			log.Info().Str("action", "manual_run_locked").Msg("Manual run refused - another instance is running the job")
			return nil, nil, errors.Wrapf(ErrAlreadyRunning, "job %s is locked by another instance", key)
		}
	}

	_ = exec.transition(StateTriggered)
	_ = exec.transition(StateRunning)
	f.recordStart(exec)
	start := time.Now()

	var once sync.Once
	finish := func(runErr error) {
		once.Do(func() {
			_ = exec.transition(StateCompleted)
			exec.Finish(false)

			duration := time.Since(start)
			status, errMsg := ExecutionStatusCompleted, ""
			switch {
			case exec.State() == StateCancelled:
				status = ExecutionStatusCancelled
				log.LogJobStop(key, exec.StopReason().String(), duration)
			case runErr != nil:
				status, errMsg = ExecutionStatusFailed, runErr.Error()
			default:
				log.LogJobComplete(key, duration, 1, 0)
			}
			f.recordEnd(exec, status, duration, errMsg)

			if guard != nil {
				if err := guard.Release(context.Background()); err != nil {
					log.Error().Err(err).Str("action", "lock_release_error").Msg("Failed to release job lock")
				}
			}
			f.releaseSlot(reg, exec, true)
		})
	}
	return exec, finish, nil
}

// releaseSlot frees reg's run slot if exec still holds it
func (f *CronFacility) releaseSlot(reg *registration, exec *JobExecution, ran bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if reg.running == exec {
		reg.running = nil
	}
	if ran {
		ranAt := exec.StartedAt()
		reg.lastRun = &ranAt
	}
}

// deliverTrigger calls OnTrigger, treating a handler panic as a synchronous finish
func (f *CronFacility) deliverTrigger(handler JobHandler, exec *JobExecution) (async bool) {
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error().
				Interface("panic", r).
				Str("job_key", exec.Spec().Key()).
				Str("action", "trigger_panic").
				Msg("Job handler panicked in OnTrigger")
			async = false
		}
	}()
	return handler.OnTrigger(exec)
}

// watch re-checks preconditions while exec runs and stops it when one is lost,
// when MaxRunTime elapses or when the facility shuts down
func (f *CronFacility) watch(exec *JobExecution, handler JobHandler, runDone <-chan struct{}) {
	ticker := time.NewTicker(f.cfg.PollInterval)
	defer ticker.Stop()

	var deadline <-chan time.Time
	if f.cfg.MaxRunTime > 0 {
		timer := time.NewTimer(f.cfg.MaxRunTime)
		defer timer.Stop()
		deadline = timer.C
	}

	for {
		select {
		case <-runDone:
			return
		case <-exec.Done():
			return
		case <-exec.abandonedCh():
			return
		case <-f.ctx.Done():
			f.stopExecution(exec, handler, StopReasonShutdown)
			return
		case <-deadline:
			f.stopExecution(exec, handler, StopReasonTimeout)
			return
		case <-ticker.C:
			_, missing := f.evaluate(f.ctx, exec.Spec().Preconditions)
			if len(missing) > 0 {
				f.stopExecution(exec, handler, StopReasonFor(missing[0]))
				return
			}
		}
	}
}

// stopExecution records reason on exec, delivers OnCancel and releases the
// host from waiting. It does nothing if exec already finished or was stopped.
func (f *CronFacility) stopExecution(exec *JobExecution, handler JobHandler, reason StopReason) {
	if !exec.MarkStopped(reason) {
		return
	}

	reschedule := false
	defer func() {
		if r := recover(); r != nil {
			f.logger.Error().
				Interface("panic", r).
				Str("job_key", exec.Spec().Key()).
				Str("action", "cancel_panic").
				Msg("Job handler panicked in OnCancel")
		}
		exec.abandon(reschedule)
	}()
	reschedule = handler.OnCancel(exec)
}

// evaluate splits preconditions into those that hold and those that do not.
// A checker error counts as not satisfied.
func (f *CronFacility) evaluate(ctx context.Context, set PreconditionSet) (PreconditionSet, []Precondition) {
	var ok, missing []Precondition
	for _, p := range set.Items() {
		satisfied, err := f.conditions.Satisfied(ctx, p)
		if err != nil {
			f.logger.Warn().
				Err(err).
				Str("precondition", p.String()).
				Str("action", "condition_check_failed").
				Msg("Could not evaluate precondition")
		}
		if err != nil || !satisfied {
			missing = append(missing, p)
			continue
		}
		ok = append(ok, p)
	}
	return NewPreconditionSet(ok...), missing
}

func (f *CronFacility) recordStart(exec *JobExecution) {
	if f.store == nil {
		return
	}
	rec := ExecutionRecord{
		ID:        exec.ID(),
		JobKey:    exec.Spec().Key(),
		Status:    ExecutionStatusRunning,
		StartedAt: exec.StartedAt(),
	}
	// history is best effort; a store outage must not block the run
	if err := f.store.RecordExecutionStart(context.Background(), rec); err != nil {
		f.logger.Error().Err(err).Str("execution_id", exec.ID()).Str("action", "record_start_failed").Msg("Failed to record execution start")
	}
}

func (f *CronFacility) recordEnd(exec *JobExecution, status string, duration time.Duration, errMsg string) {
	if f.store == nil {
		return
	}
	ctx := context.Background()
	finished := exec.StartedAt().Add(duration)
	ms := duration.Milliseconds()
	rec := ExecutionRecord{
		ID:         exec.ID(),
		JobKey:     exec.Spec().Key(),
		Status:     status,
		StartedAt:  exec.StartedAt(),
		FinishedAt: &finished,
		DurationMs: &ms,
	}
	if status == ExecutionStatusCancelled {
		rec.StopReason = exec.StopReason().String()
	}
	rec.ErrorMessage = errMsg
	if err := f.store.RecordExecutionEnd(ctx, rec); err != nil {
		f.logger.Error().Err(err).Str("execution_id", exec.ID()).Str("action", "record_end_failed").Msg("Failed to record execution end")
	}
	if err := f.store.MarkRun(ctx, rec.JobKey, rec.StartedAt); err != nil {
		f.logger.Error().Err(err).Str("job_key", rec.JobKey).Str("action", "mark_run_failed").Msg("Failed to persist last run time")
	}
}

type alwaysSatisfied struct{}

func (alwaysSatisfied) Satisfied(context.Context, Precondition) (bool, error) { return true, nil }
