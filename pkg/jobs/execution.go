package jobs

import (
	"context"
	"sync"
	"time"

	"github.com/cockroachdb/errors"
	"github.com/google/uuid"
)

// State is the lifecycle position of a single JobExecution
type State int

const (
	StateIdle State = iota
	StateTriggered
	StateRunning
	StateCompleted
	StateCancelled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateTriggered:
		return "triggered"
	case StateRunning:
		return "running"
	case StateCompleted:
		return "completed"
	case StateCancelled:
		return "cancelled"
	default:
		return "unknown"
	}
}

// IsTerminal reports whether no further transition is possible
func (s State) IsTerminal() bool {
	return s == StateCompleted || s == StateCancelled
}

// allowed transitions: Idle -> Triggered -> Running -> Completed | Cancelled
var transitions = map[State][]State{
	StateIdle:      {StateTriggered},
	StateTriggered: {StateRunning},
	StateRunning:   {StateCompleted, StateCancelled},
}

// StopReason explains why the host stopped an execution early
type StopReason int

const (
	StopReasonNone StopReason = iota
	StopReasonConstraintCharging
	StopReasonConstraintIdle
	StopReasonTimeout
	StopReasonShutdown
	StopReasonCancelled
	StopReasonReplaced
)

func (r StopReason) String() string {
	switch r {
	case StopReasonNone:
		return "none"
	case StopReasonConstraintCharging:
		return "constraint: charging"
	case StopReasonConstraintIdle:
		return "constraint: device idle"
	case StopReasonTimeout:
		return "timeout"
	case StopReasonShutdown:
		return "system shutdown"
	case StopReasonCancelled:
		return "cancelled"
	case StopReasonReplaced:
		return "job replaced by new registration"
	default:
		return "unknown"
	}
}

// StopReasonFor maps a lost precondition to the reason reported to the job
func StopReasonFor(p Precondition) StopReason {
	switch p {
	case RequiresCharging:
		return StopReasonConstraintCharging
	case RequiresIdle:
		return StopReasonConstraintIdle
	default:
		return StopReasonCancelled
	}
}

// JobExecution is a single triggered run of a JobSpec.
//
// The host facility creates it when a trigger fires and hands it to the
// JobHandler. The handler signals completion through Finish; the host
// waits on Done. Both sides may touch the execution concurrently
// (OnCancel arrives on the host's goroutine while OnTrigger is still
// running), so all mutable state sits behind mu.
type JobExecution struct {
	id        string
	spec      JobSpec
	startedAt time.Time
	satisfied PreconditionSet
	ctx       context.Context

	mu         sync.Mutex
	state      State
	history    []State
	stopReason StopReason
	finished   bool
	reschedule bool
	done       chan struct{}

	// set by the host once OnCancel returned; the host stops waiting for Finish
	abandoned      chan struct{}
	hostReschedule bool
}

// NewJobExecution creates an execution in the Idle state. satisfied lists the
// preconditions the host observed to hold when it fired the trigger.
func NewJobExecution(ctx context.Context, spec JobSpec, satisfied PreconditionSet) *JobExecution {
	if ctx == nil {
		ctx = context.Background()
	}
	return &JobExecution{
		id:        uuid.New().String(),
		spec:      spec,
		startedAt: time.Now().UTC(),
		satisfied: satisfied,
		ctx:       ctx,
		state:     StateIdle,
		history:   []State{StateIdle},
		done:      make(chan struct{}),
		abandoned: make(chan struct{}),
	}
}

func (e *JobExecution) ID() string { return e.id }
func (e *JobExecution) Spec() JobSpec { return e.spec }
func (e *JobExecution) StartedAt() time.Time { return e.startedAt }
func (e *JobExecution) Satisfied() PreconditionSet { return e.satisfied }
func (e *JobExecution) Context() context.Context { return e.ctx }
func (e *JobExecution) Done() <-chan struct{} { return e.done }

// State returns the current lifecycle state
func (e *JobExecution) State() State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.state
}

// History returns every state the execution has been in, oldest first
func (e *JobExecution) History() []State {
	e.mu.Lock()
	defer e.mu.Unlock()
	return append([]State(nil), e.history...)
}

// StopReason returns the reason set by the host, or StopReasonNone
func (e *JobExecution) StopReason() StopReason {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.stopReason
}

// MarkStopped records why the host is stopping this execution. Only the first
// reason sticks, and nothing is recorded once the execution has finished or
// reached a terminal state.
func (e *JobExecution) MarkStopped(reason StopReason) bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished || e.stopReason != StopReasonNone || e.state.IsTerminal() {
		return false
	}
	e.stopReason = reason
	return true
}

// Finish is the completion handle. The first call wins; later calls are ignored.
func (e *JobExecution) Finish(reschedule bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.finished {
		return
	}
	e.finished = true
	e.reschedule = reschedule
	close(e.done)
}

// Finished reports whether completion was signalled and with which reschedule flag
func (e *JobExecution) Finished() (bool, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.finished, e.reschedule
}

// abandon records the host's reschedule decision after a stop and releases
// anyone waiting on the execution
func (e *JobExecution) abandon(reschedule bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	select {
	case <-e.abandoned:
		return
	default:
	}
	e.hostReschedule = reschedule
	close(e.abandoned)
}

func (e *JobExecution) abandonedCh() <-chan struct{} { return e.abandoned }

func (e *JobExecution) abandonedWith() bool {
	e.mu.Lock()
	defer e.mu.Unlock()
	return e.hostReschedule
}

func (e *JobExecution) transition(to State) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, allowed := range transitions[e.state] {
		if allowed == to {
			e.state = to
			e.history = append(e.history, to)
			return nil
		}
	}
	return errors.Wrapf(ErrInvalidTransition, "%s -> %s", e.state, to)
}
