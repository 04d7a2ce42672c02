package queue

import (
	"errors"
	"fmt"
)

// ErrorCode categorizes queue errors.
type ErrorCode string

const (
	// CodeRecordNotFound indicates update/remove on an unknown id.
	CodeRecordNotFound ErrorCode = "RECORD_NOT_FOUND"

	// CodePersistenceFailure indicates a storage I/O error.
	CodePersistenceFailure ErrorCode = "QUEUE_PERSISTENCE_FAILURE"
)

// Error is returned by every backend for not-found and storage failures.
type Error struct {
	Code ErrorCode
	Op   string
	ID   string
	Err  error
}

// Error implements the error interface.
func (e *Error) Error() string {
	msg := fmt.Sprintf("%s: %s", e.Code, e.Op)
	if e.ID != "" {
		msg += fmt.Sprintf(" (id=%s)", e.ID)
	}
	if e.Err != nil {
		msg += ": " + e.Err.Error()
	}
	return msg
}

func (e *Error) Unwrap() error {
	return e.Err
}

// IsNotFound reports whether err is a RECORD_NOT_FOUND queue error.
func IsNotFound(err error) bool {
	var qe *Error
	return errors.As(err, &qe) && qe.Code == CodeRecordNotFound
}

// IsPersistenceFailure reports whether err is a storage failure.
func IsPersistenceFailure(err error) bool {
	var qe *Error
	return errors.As(err, &qe) && qe.Code == CodePersistenceFailure
}

func notFound(op, id string) *Error {
	return &Error{Code: CodeRecordNotFound, Op: op, ID: id}
}

func persistenceFailure(op, id string, err error) *Error {
	return &Error{Code: CodePersistenceFailure, Op: op, ID: id, Err: err}
}

// ErrKindMismatch is returned when a patch replaces an action with one of a
// different kind.
var ErrKindMismatch = errors.New("patch action kind does not match record kind")

// ErrNilAction is returned when enqueuing an item without an action.
var ErrNilAction = errors.New("item has no action")
