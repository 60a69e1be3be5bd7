package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"

	"github.com/companion-lens/core/pkg/logger"
)

// RescheduleOnCancel is the answer OnCancel always gives the host. A stopped run
// is not retried early; the next period picks the work up again.
const RescheduleOnCancel = false

type binding struct {
	spec   JobSpec
	action Action
}

// ConditionalPeriodicScheduler binds maintenance actions to periodic,
// precondition-gated registrations on a TriggerFacility and serves the
// facility's callbacks.
type ConditionalPeriodicScheduler struct {
	facility TriggerFacility
	logger   *logger.Logger

	// scheduleMu serialises Schedule so identical concurrent calls reach the facility once
	scheduleMu sync.Mutex

	mu       sync.RWMutex
	bindings map[string]*binding
}

// NewConditionalPeriodicScheduler creates a scheduler that registers with facility
func NewConditionalPeriodicScheduler(facility TriggerFacility, log *logger.Logger) *ConditionalPeriodicScheduler {
	if log == nil {
		log = logger.New("periodic-scheduler")
	}
	return &ConditionalPeriodicScheduler{
		facility: facility,
		logger:   log,
		bindings: make(map[string]*binding),
	}
}

// Schedule registers spec with the trigger facility and binds action to it.
// Scheduling an identical spec again is a no-op. A failed registration is
// returned as a *RegistrationError and is not retried.
func (s *ConditionalPeriodicScheduler) Schedule(ctx context.Context, spec JobSpec, action Action) error {
	if action == nil {
		return errors.Wrap(ErrInvalidSpec, "action is required")
	}
	if err := spec.ValidateWithMin(0); err != nil {
		return err
	}

	s.scheduleMu.Lock()
	defer s.scheduleMu.Unlock()

	key := spec.Key()
	log := s.logger.WithJob(key)

	s.mu.Lock()
	previous, exists := s.bindings[key]
	if exists && previous.spec.Equal(spec) {
		s.mu.Unlock()
		log.Debug().
			Str("action", "schedule_noop").
			Msg("Job already registered with identical parameters")
		return nil
	}
	s.bindings[key] = &binding{spec: spec, action: action}
	s.mu.Unlock()

	log.Info().
		Str("action", "schedule").
		Str("namespace", spec.Namespace).
		Int("job_id", spec.ID).
		Dur("period", spec.Period).
		Str("preconditions", spec.Preconditions.String()).
		Msg("Scheduling periodic job")

	if err := s.facility.Register(ctx, spec, s); err != nil {
		s.mu.Lock()
		if exists {
			s.bindings[key] = previous
		} else {
			delete(s.bindings, key)
		}
		s.mu.Unlock()

		log.Error().
			Err(err).
			Str("action", "schedule_failed").
			Msg("Trigger facility rejected job registration")
		return &RegistrationError{Key: key, Err: err}
	}

	return nil
}

// OnTrigger runs the bound action exactly once and signals completion.
// It always takes the asynchronous-completion path (returns true) once the
// action has started, finishing the execution before it returns.
func (s *ConditionalPeriodicScheduler) OnTrigger(exec *JobExecution) bool {
	if exec == nil {
		return false
	}

	spec := exec.Spec()
	log := s.logger.WithJob(spec.Key()).WithExecution(exec.ID())

	b := s.lookup(spec.Key())
	if b == nil {
		log.Warn().
			Str("action", "trigger_unbound").
			Msg("Trigger received for a job with no bound action")
		return false
	}

	if !b.spec.Preconditions.Covers(exec.Satisfied()) {
		log.Warn().
			Str("action", "trigger_preconditions_unmet").
			Str("required", b.spec.Preconditions.String()).
			Str("reported", exec.Satisfied().String()).
			Msg("Host fired trigger without the required preconditions")
		return false
	}

	if err := exec.transition(StateTriggered); err != nil {
		log.Warn().Err(err).Str("action", "trigger_rejected").Msg("Execution cannot be triggered")
		return false
	}

	log.Info().
		Str("action", "job_start").
		Int("job_id", spec.ID).
		Msg("Execute the periodic maintenance job")

	if err := exec.transition(StateRunning); err != nil {
		log.Warn().Err(err).Str("action", "trigger_rejected").Msg("Execution cannot start running")
		return false
	}

	start := time.Now()
	if err := invoke(log.ToContext(exec.Context()), b.action); err != nil {
		actionErr := &ActionError{Key: spec.Key(), ExecutionID: exec.ID(), Err: err}
		log.Error().
			Err(actionErr).
			Str("action", "job_action_failed").
			Dur("duration", time.Since(start)).
			Msg("Maintenance action failed; next period will retry")
	}

	if err := exec.transition(StateCompleted); err != nil {
		// cancelled while the action was running; Cancelled is terminal
		log.Debug().
			Str("action", "job_already_stopped").
			Str("state", exec.State().String()).
			Msg("Execution ended before completion was recorded")
	}

	exec.Finish(false)
	return true
}

// OnCancel logs why the host stopped the execution and returns RescheduleOnCancel.
// It never panics, including when nothing is running.
func (s *ConditionalPeriodicScheduler) OnCancel(exec *JobExecution) (reschedule bool) {
	defer func() {
		if r := recover(); r != nil {
			s.logger.Error().
				Interface("panic", r).
				Str("action", "job_stop_panic").
				Msg("Recovered while handling job stop")
			reschedule = RescheduleOnCancel
		}
	}()

	if exec == nil {
		s.logger.Info().
			Str("action", "job_stop").
			Msg("Job stop requested with no execution")
		return RescheduleOnCancel
	}

	spec := exec.Spec()
	s.logger.WithJob(spec.Key()).WithExecution(exec.ID()).Info().
		Str("action", "job_stop").
		Int("job_id", spec.ID).
		Str("stop_reason", exec.StopReason().String()).
		Msg("Periodic maintenance job stopped")

	// only a running execution can be cancelled; anything else is left as is
	_ = exec.transition(StateCancelled)

	return RescheduleOnCancel
}

// RunNow executes the action bound to key immediately, ignoring preconditions
// and the period. Used for one-off manual runs. When the facility can claim
// run slots the manual run takes the slot and the job lock first, so it never
// overlaps a triggered execution.
func (s *ConditionalPeriodicScheduler) RunNow(ctx context.Context, key string) error {
	b := s.lookup(key)
	if b == nil {
		return errors.Wrapf(ErrNotRegistered, "job %s", key)
	}

	executionID := "manual"
	finish := func(error) {}
	if claimer, ok := s.facility.(RunClaimer); ok {
		exec, done, err := claimer.Claim(ctx, key)
		if err != nil {
			return err
		}
		executionID, finish = exec.ID(), done
	}

	log := s.logger.WithJob(key).WithExecution(executionID)
	log.Info().
		Str("action", "manual_run").
		Int("job_id", b.spec.ID).
		Msg("Execute the maintenance job on request")

	err := invoke(log.ToContext(ctx), b.action)
	finish(err)
	if err != nil {
		return &ActionError{Key: key, ExecutionID: executionID, Err: err}
	}
	return nil
}

// Specs returns the specs currently bound on this scheduler
func (s *ConditionalPeriodicScheduler) Specs() []JobSpec {
	s.mu.RLock()
	defer s.mu.RUnlock()
	specs := make([]JobSpec, 0, len(s.bindings))
	for _, b := range s.bindings {
		specs = append(specs, b.spec)
	}
	return specs
}

func (s *ConditionalPeriodicScheduler) lookup(key string) *binding {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.bindings[key]
}

// invoke runs action, turning a panic into an error
func invoke(ctx context.Context, action Action) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = errors.Newf("action panicked: %v", r)
		}
	}()
	return action(ctx)
}
