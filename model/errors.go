package model

import (
	"errors"
	"fmt"
)

// Sentinel errors for comparison using errors.Is(). These correspond to the
// error taxonomy in the design spec — kinds, not concrete types.
var (
	ErrInvalidField       = errors.New("invalid field")
	ErrNotFound           = errors.New("not found")
	ErrInvalidTransition  = errors.New("invalid state transition")
	ErrNotAssignable      = errors.New("task not assignable")
	ErrDependencyCycle    = errors.New("dependency cycle")
	ErrFeatureNotApproved = errors.New("feature not approved")
	ErrLockTimeout        = errors.New("lock acquisition timed out")
	ErrHookTimeout        = errors.New("hook timed out")
	ErrHookBlock          = errors.New("hook blocked execution")
	ErrExecutionTimeout   = errors.New("execution timed out")
	ErrExecutionFailed    = errors.New("execution failed")
	ErrShuttingDown       = errors.New("supervisor is shutting down")
)

// ErrorKind buckets the sentinels above into the coarse categories a caller
// actually branches on, without needing to know the full sentinel set.
type ErrorKind string

const (
	KindNotFound     ErrorKind = "not_found"
	KindInvalidState ErrorKind = "invalid_state"
	KindConflict     ErrorKind = "conflict"
	KindTransient    ErrorKind = "transient"
	KindBlocked      ErrorKind = "blocked"
	KindUnknown      ErrorKind = "unknown"
)

// classifyKind maps a sentinel to its ErrorKind. Unrecognized errors (e.g. a
// caller-supplied Message-only Error, or a third-party error) classify as
// KindUnknown.
func classifyKind(err error) ErrorKind {
	switch {
	case errors.Is(err, ErrNotFound):
		return KindNotFound
	case errors.Is(err, ErrInvalidTransition), errors.Is(err, ErrNotAssignable), errors.Is(err, ErrFeatureNotApproved), errors.Is(err, ErrInvalidField):
		return KindInvalidState
	case errors.Is(err, ErrDependencyCycle):
		return KindConflict
	case errors.Is(err, ErrLockTimeout), errors.Is(err, ErrHookTimeout), errors.Is(err, ErrExecutionTimeout), errors.Is(err, ErrShuttingDown):
		return KindTransient
	case errors.Is(err, ErrHookBlock):
		return KindBlocked
	default:
		return KindUnknown
	}
}

// Error carries structured context around one of the sentinel kinds above,
// mirroring the teacher's FrameworkError: an operation name, the entity ID
// involved, and the wrapped sentinel.
type Error struct {
	Op      string // operation that failed, e.g. "store.AssignTask"
	Kind    ErrorKind
	ID      string // entity id involved, if any
	Message string
	Err     error // one of the sentinels above
}

func (e *Error) Error() string {
	switch {
	case e.Op != "" && e.ID != "":
		return fmt.Sprintf("%s [%s]: %v", e.Op, e.ID, e.Err)
	case e.Op != "":
		return fmt.Sprintf("%s: %v", e.Op, e.Err)
	case e.Message != "":
		return e.Message
	default:
		return e.Err.Error()
	}
}

func (e *Error) Unwrap() error { return e.Err }

// NewError constructs an *Error wrapping one of the sentinel kinds, deriving
// Kind from it.
func NewError(op, id string, err error) *Error {
	return &Error{Op: op, ID: id, Err: err, Kind: classifyKind(err)}
}

// IsRetryable reports whether the error represents a transient condition a
// caller may reasonably retry (lock contention, hook or execution timeouts).
func IsRetryable(err error) bool {
	return errors.Is(err, ErrLockTimeout) ||
		errors.Is(err, ErrHookTimeout) ||
		errors.Is(err, ErrExecutionTimeout)
}

// IsNotFound reports whether err represents a missing entity.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsTransient reports whether err classifies as KindTransient, i.e. the
// condition is expected to clear on its own (lock contention, hook/execution
// timeout, shutdown in progress) rather than reflecting a programming error
// or a rejected operation. Unlike IsRetryable, this checks the error's Kind
// rather than re-testing individual sentinels, so it stays correct as new
// sentinels are added to the transient bucket in classifyKind. Only an *Error
// in err's chain is consulted: a bare sentinel such as ErrLockTimeout, or an
// *Error built without a Kind, reports false.
func IsTransient(err error) bool {
	var e *Error
	if errors.As(err, &e) {
		return e.Kind == KindTransient
	}
	return false
}

// IsInvariantViolation reports whether err represents a programming-level
// state machine or data integrity violation rather than a transient one.
func IsInvariantViolation(err error) bool {
	return errors.Is(err, ErrInvalidTransition) || errors.Is(err, ErrDependencyCycle)
}
