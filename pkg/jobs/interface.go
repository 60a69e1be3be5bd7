package jobs

import (
	"context"
	"time"
)

// Action is the maintenance operation bound to a JobSpec
type Action func(ctx context.Context) error

// JobHandler receives callbacks from a trigger facility
type JobHandler interface {
	// OnTrigger is invoked when the period has elapsed and every precondition holds.
	// Returning true means completion will be signalled through exec.Finish.
	OnTrigger(exec *JobExecution) bool

	// OnCancel is invoked when a precondition stops holding before the run finished.
	// Returning true asks the facility to retry the job later.
	OnCancel(exec *JobExecution) bool
}

// TriggerFacility is the host-side scheduler that tracks time and
// preconditions and calls back into a JobHandler
type TriggerFacility interface {
	// Register adds or updates the registration for spec.Key()
	Register(ctx context.Context, spec JobSpec, handler JobHandler) error
}

// RunClaimer is implemented by facilities that can reserve a registration's
// run slot for a run started outside the trigger path. Claim fails with
// ErrAlreadyRunning while another execution holds the slot or the job lock.
// finish records the outcome and frees the slot.
type RunClaimer interface {
	Claim(ctx context.Context, key string) (exec *JobExecution, finish func(err error), err error)
}

// ConditionChecker reports whether a precondition currently holds
type ConditionChecker interface {
	Satisfied(ctx context.Context, p Precondition) (bool, error)
}

// Registration is the persisted form of a registered JobSpec
type Registration struct {
	Key           string
	Namespace     string
	JobID         int
	Period        time.Duration
	Preconditions string
	LastRunAt     *time.Time
	CreatedAt     time.Time
	UpdatedAt     time.Time
}

// Execution record status values
const (
	ExecutionStatusRunning   = "running"
	ExecutionStatusCompleted = "completed"
	ExecutionStatusCancelled = "cancelled"
	ExecutionStatusFailed    = "failed"
)

// ExecutionRecord is the persisted history entry of one JobExecution
type ExecutionRecord struct {
	ID           string     `json:"id"`
	JobKey       string     `json:"job_key"`
	Status       string     `json:"status"`
	StartedAt    time.Time  `json:"started_at"`
	FinishedAt   *time.Time `json:"finished_at,omitempty"`
	DurationMs   *int64     `json:"duration_ms,omitempty"`
	StopReason   string     `json:"stop_reason,omitempty"`
	ErrorMessage string     `json:"error_message,omitempty"`
}

// RegistrationStore persists registrations and execution history so the
// facility keeps its schedule across process restarts
type RegistrationStore interface {
	SaveRegistration(ctx context.Context, reg Registration) error
	GetRegistration(ctx context.Context, key string) (*Registration, error)
	ListRegistrations(ctx context.Context) ([]Registration, error)
	MarkRun(ctx context.Context, key string, at time.Time) error
	RecordExecutionStart(ctx context.Context, rec ExecutionRecord) error
	RecordExecutionEnd(ctx context.Context, rec ExecutionRecord) error
	ListExecutions(ctx context.Context, key string, limit int) ([]ExecutionRecord, error)
}
