package machine

import (
	"errors"
	"fmt"

	"github.com/nomis52/goactivity/executable"
)

var (
	// ErrNotEditable is returned by assembly operations outside the builder.
	ErrNotEditable = errors.New("assembly can only be done while the machine is in an edit mode")

	// ErrLocksWhileEditing is returned when a resource lock is declared from
	// within a builder.
	ErrLocksWhileEditing = errors.New("resource locks must be declared before the machine is built")

	// ErrMissingBuilder faults a machine executed without a builder or a
	// configuration.
	ErrMissingBuilder = errors.New("machine has no builder or configuration")

	// ErrLockUnavailable faults a machine that could not obtain its resource
	// locks.
	ErrLockUnavailable = errors.New("resource lock unavailable")

	// ErrFaulted is reported when a machine faults without a recorded error.
	ErrFaulted = errors.New("machine faulted")

	// ErrInterrupted is the fault of a host whose nested machine was quit.
	ErrInterrupted = executable.ErrInterrupted
)

// IncompleteError reports an operation that did not complete in a machine.
type IncompleteError struct {
	Operation string
	Machine   string
	Cause     error
}

func (e *IncompleteError) Error() string {
	msg := fmt.Sprintf("%s did not complete in %s", e.Operation, e.Machine)
	if e.Cause != nil {
		msg += ": " + e.Cause.Error()
	}
	return msg
}

func (e *IncompleteError) Unwrap() error {
	return e.Cause
}
