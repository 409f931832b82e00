package domain

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Taxonomy
// =============================================================================

var (
	// ErrValidation marks an unmet phase precondition. Always fatal, never retried.
	ErrValidation = errors.New("validation error")

	// ErrTransient marks a recoverable backend condition (e.g. a binding that
	// has not propagated yet). Hooks may retry these a bounded number of times.
	ErrTransient = errors.New("transient backend error")

	// ErrFatal marks a backend failure that must not be retried.
	ErrFatal = errors.New("fatal backend error")

	// ErrTimeout is returned when a phase exceeds its deadline.
	ErrTimeout = errors.New("phase timed out")

	// ErrCancelled is recorded when an execution stops on a cancellation signal.
	ErrCancelled = errors.New("execution cancelled")

	// ErrInvalidTransition is returned for a disallowed execution status change.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrFailedPhasePresent blocks reporting success while a phase failed.
	ErrFailedPhasePresent = errors.New("execution has a failed phase")
)

// ErrorKind classifies a phase failure.
type ErrorKind string

const (
	KindValidation ErrorKind = "validation"
	KindTransient  ErrorKind = "transient"
	KindFatal      ErrorKind = "fatal"
	KindTimeout    ErrorKind = "timeout"
	KindPanic      ErrorKind = "panic"
)

// PhaseError wraps a hook failure with the phase it happened in.
type PhaseError struct {
	Phase Phase
	Kind  ErrorKind
	Err   error
}

func (e *PhaseError) Error() string {
	return fmt.Sprintf("%s phase failed (%s): %v", e.Phase, e.Kind, e.Err)
}

func (e *PhaseError) Unwrap() error {
	return e.Err
}

// NewPhaseError creates a PhaseError, deriving the kind from err.
func NewPhaseError(phase Phase, err error) *PhaseError {
	return &PhaseError{Phase: phase, Kind: Classify(err), Err: err}
}

// Classify maps an error onto the taxonomy. Unclassified errors are fatal.
func Classify(err error) ErrorKind {
	var pe *PhaseError
	switch {
	case err == nil:
		return ""
	case errors.As(err, &pe):
		return pe.Kind
	case errors.Is(err, ErrValidation):
		return KindValidation
	case errors.Is(err, ErrTimeout):
		return KindTimeout
	case errors.Is(err, ErrTransient):
		return KindTransient
	default:
		return KindFatal
	}
}

// IsTransient reports whether err may be retried.
func IsTransient(err error) bool {
	return err != nil && errors.Is(err, ErrTransient)
}

// Validationf builds a validation error.
func Validationf(format string, args ...any) error {
	return fmt.Errorf("%w: %s", ErrValidation, fmt.Sprintf(format, args...))
}
