package jobs

import (
	"github.com/cockroachdb/errors"
)

// Error markers. Match them with errors.Is.
var (
	ErrRegistration      = errors.New("job registration failed")
	ErrAction            = errors.New("job action failed")
	ErrInvalidSpec       = errors.New("invalid job spec")
	ErrInvalidTransition = errors.New("invalid execution state transition")
	ErrNotRegistered     = errors.New("job not registered")
	ErrAlreadyRunning    = errors.New("job already running")
)

// RegistrationError is returned by Schedule when the trigger facility rejects a spec.
// It is not retried internally.
type RegistrationError struct {
	Key string
	Err error
}

func (e *RegistrationError) Error() string {
	return "register job " + e.Key + ": " + e.Err.Error()
}

func (e *RegistrationError) Unwrap() error { return e.Err }

func (e *RegistrationError) Is(target error) bool { return target == ErrRegistration }

// ActionError describes a failed run of a bound action. It is logged, never escalated.
type ActionError struct {
	Key         string
	ExecutionID string
	Err         error
}

func (e *ActionError) Error() string {
	return "job " + e.Key + " execution " + e.ExecutionID + ": " + e.Err.Error()
}

func (e *ActionError) Unwrap() error { return e.Err }

func (e *ActionError) Is(target error) bool { return target == ErrAction }

func newInvalidSpecf(format string, args ...interface{}) error {
	return errors.Wrapf(ErrInvalidSpec, format, args...)
}
