package executor

import (
	"errors"
	"fmt"
)

// =============================================================================
// Error Types
// =============================================================================

var (
	ErrStartFailed      = errors.New("command could not be started")
	ErrConnectionFailed = errors.New("execution host unreachable")
	ErrUnsupportedHost  = errors.New("unsupported execution host")
)

// ExecError wraps a failure to run a command with the command it belongs to.
// A command that ran and exited non-zero is not an ExecError; its exit code
// is in the command.Result.
type ExecError struct {
	Op       string
	Command  string
	ExitCode int
	Stderr   string
	Err      error
}

func (e *ExecError) Error() string {
	if e.Stderr != "" {
		return fmt.Sprintf("%s %q: %v: %s", e.Op, e.Command, e.Err, e.Stderr)
	}
	return fmt.Sprintf("%s %q: %v", e.Op, e.Command, e.Err)
}

func (e *ExecError) Unwrap() error {
	return e.Err
}

// NewExecError creates a new ExecError.
func NewExecError(op, command string, exitCode int, stderr string, err error) *ExecError {
	return &ExecError{
		Op:       op,
		Command:  command,
		ExitCode: exitCode,
		Stderr:   stderr,
		Err:      err,
	}
}
