package session

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes session errors.
type ErrorCode string

const (
	// CodeAlreadyActive indicates StartSession while a session is ACTIVE.
	CodeAlreadyActive ErrorCode = "ALREADY_ACTIVE"

	// CodeNoActiveSession indicates an operation that needs an ACTIVE session.
	CodeNoActiveSession ErrorCode = "NO_ACTIVE_SESSION"

	// CodeCaptureFailure indicates a clock reading or signature could not be
	// produced with full trust.
	CodeCaptureFailure ErrorCode = "CAPTURE_FAILURE"

	// CodeQueuePersistenceFailure indicates the TimeEntry could not be stored.
	CodeQueuePersistenceFailure ErrorCode = "QUEUE_PERSISTENCE_FAILURE"
)

// ErrDegradedCapture wraps a capture taken without a monotonic reading.
var ErrDegradedCapture = errors.New("capture degraded: monotonic clock unavailable")

// Error is returned by Machine operations.
type Error struct {
	Code ErrorCode
	Op   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %s: %v", e.Code, e.Op, e.Err)
	}
	return fmt.Sprintf("%s: %s", e.Code, e.Op)
}

func (e *Error) Unwrap() error {
	return e.Err
}

// CodeOf returns the session error code of err, or "".
func CodeOf(err error) ErrorCode {
	var se *Error
	if errors.As(err, &se) {
		return se.Code
	}
	return ""
}

// IsAlreadyActive reports whether err is ALREADY_ACTIVE.
func IsAlreadyActive(err error) bool {
	return CodeOf(err) == CodeAlreadyActive
}

// IsNoActiveSession reports whether err is NO_ACTIVE_SESSION.
func IsNoActiveSession(err error) bool {
	return CodeOf(err) == CodeNoActiveSession
}

// IsRetryable reports whether the caller may retry the same operation.
// Capture and persistence failures leave state untouched, so a retry is safe.
func IsRetryable(err error) bool {
	switch CodeOf(err) {
	case CodeCaptureFailure, CodeQueuePersistenceFailure:
		return true
	}
	return false
}

func newError(code ErrorCode, op string, err error) *Error {
	return &Error{Code: code, Op: op, Err: err}
}
