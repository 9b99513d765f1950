package engine

import (
	"errors"
	"fmt"
)

// Usage errors. They are returned synchronously by the operation that was
// misused and leave the engine state unchanged.
var (
	ErrInvalidState      = errors.New("operation not allowed in the current session state")
	ErrUnknownBreakpoint = errors.New("unknown breakpoint")
	ErrUnknownVariable   = errors.New("unknown variable object")
	ErrNothingToUnfold   = errors.New("variable object has no children to unfold")
	ErrUnfoldInProgress  = errors.New("variable object is already being unfolded")
	ErrNotEditable       = errors.New("variable object is not editable")
	ErrCookieInUse       = errors.New("cookie already in use by a command in flight")
	ErrEngineDead        = errors.New("debugger backend is gone")
)

// ErrBackendGone is delivered to every continuation still pending when the
// transport to the backend is lost.
var ErrBackendGone = errors.New("backend connection lost before the command completed")

// ErrBackendHung is the cause reported by EngineDied when a command got no
// reply within Config.CommandTimeout.
var ErrBackendHung = errors.New("backend stopped answering")

var usageErrors = []error{
	ErrInvalidState,
	ErrUnknownBreakpoint,
	ErrUnknownVariable,
	ErrNothingToUnfold,
	ErrUnfoldInProgress,
	ErrNotEditable,
	ErrCookieInUse,
	ErrEngineDead,
}

// IsUsageError reports whether err is the result of calling an operation
// in an illegal state or on an unknown identity.
func IsUsageError(err error) bool {
	for _, target := range usageErrors {
		if errors.Is(err, target) {
			return true
		}
	}
	return false
}

// StateError is returned when an operation is not legal in the current
// session state.
type StateError struct {
	Op    string
	State State
}

func (e *StateError) Error() string {
	return fmt.Sprintf("%s: not allowed while %s", e.Op, e.State)
}

// Unwrap makes errors.Is(err, ErrInvalidState) true.
func (e *StateError) Unwrap() error {
	return ErrInvalidState
}

// BackendError is the failure the backend reported for a command, e.g. an
// expression that does not evaluate.
type BackendError struct {
	Command string
	Msg     string
	Code    string
}

func (e *BackendError) Error() string {
	if e.Code != "" {
		return fmt.Sprintf("%s: %s (%s)", e.Command, e.Msg, e.Code)
	}
	return fmt.Sprintf("%s: %s", e.Command, e.Msg)
}

// ProtocolError describes a backend line that could not be interpreted.
// Protocol errors are logged and the line is discarded.
type ProtocolError struct {
	Line   string
	Reason string
}

func (e *ProtocolError) Error() string {
	return fmt.Sprintf("protocol error: %s: %q", e.Reason, e.Line)
}
