package errtype

import (
	"errors"
	"fmt"
	"strings"
	"time"
)

var (
	// ErrNotFound represents the error for the cases when some entity is not found.
	ErrNotFound = errors.New("not found")
	// ErrBadInput represents the error for the cases when the user input is invalid.
	ErrBadInput = errors.New("bad input")
	// ErrUnauthorized represents the error for the cases when the authorization is required.
	ErrUnauthorized = errors.New("unauthorized")
	// ErrAborted represents the error for the case when the user requested to abort a long operation.
	ErrAborted = errors.New("aborted")
	// ErrLockBusy represents the error for the case when an advisory lock is held by someone else.
	ErrLockBusy = errors.New("lock could not be acquired")
	// ErrTaskAlreadyQueued represents the error for the case when a task with the same identity is not finished yet.
	ErrTaskAlreadyQueued = errors.New("task already queued")
	// ErrRunAlreadyActive represents the error for the case when the commit already has an open or running test run.
	ErrRunAlreadyActive = errors.New("test run already active")
	// ErrMisconfigured represents the error for the cases when a required resource is not configured.
	ErrMisconfigured = errors.New("misconfigured")
)

// RetryableError represents a transient failure that should be retried after the delay.
type RetryableError struct {
	Reason string
	Delay  time.Duration
	Err    error
}

func (e *RetryableError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("%s; retry in %s", e.Reason, e.Delay)
	}
	return fmt.Sprintf("%s: %v; retry in %s", e.Reason, e.Err, e.Delay)
}

func (e *RetryableError) Unwrap() error {
	return e.Err
}

// Retryable creates a transient failure.
func Retryable(reason string, delay time.Duration) error {
	return &RetryableError{Reason: reason, Delay: delay}
}

// RetryableWrap marks the error as transient.
func RetryableWrap(err error, reason string, delay time.Duration) error {
	return &RetryableError{Reason: reason, Delay: delay, Err: err}
}

// AsRetryable finds a transient failure in the chain.
func AsRetryable(err error) (*RetryableError, bool) {
	var r *RetryableError
	ok := errors.As(err, &r)
	return r, ok
}

// MergeConflictError carries the commits that could not be merged.
type MergeConflictError struct {
	Commits []string
}

func (e *MergeConflictError) Error() string {
	return "merge conflict at commits " + strings.Join(e.Commits, ", ")
}

// AsMergeConflict finds a merge conflict in the chain.
func AsMergeConflict(err error) (*MergeConflictError, bool) {
	var m *MergeConflictError
	ok := errors.As(err, &m)
	return m, ok
}

// BadInput wraps the message as a validation error.
func BadInput(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrBadInput, fmt.Sprintf(format, args...))
}

// Misconfigured wraps the message as a missing configuration error.
func Misconfigured(format string, args ...interface{}) error {
	return fmt.Errorf("%w: %s", ErrMisconfigured, fmt.Sprintf(format, args...))
}

var transient = []string{
	"connection refused",
	"connection reset by peer",
	"could not connect to server",
	"the database system is starting up",
	"index.lock",
	"ssh: handshake failed",
	"Could not resolve host",
	"i/o timeout",
}

// IsTransient reports whether the error text matches a known transient failure.
func IsTransient(err error) bool {
	if err == nil {
		return false
	}
	text := err.Error()
	for _, t := range transient {
		if strings.Contains(text, t) {
			return true
		}
	}
	return false
}
