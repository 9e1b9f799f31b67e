package app

import (
	"errors"
	"fmt"
	"github.com/beldeveloper/app-cicd/internal/app/errtype"
	"github.com/beldeveloper/app-cicd/pkg/shell"
	"time"
)

// TransientDelay defines the backoff for failures recognized by their text.
const TransientDelay = 30 * time.Second

// ResultKind tells the scheduler what to do with a finished job body.
type ResultKind int

const (
	// ResultOk means the job is done.
	ResultOk ResultKind = iota
	// ResultRetry means the job should run again after the delay.
	ResultRetry
	// ResultFatal means the job failed and waits for a human.
	ResultFatal
)

// Result is the outcome of a job body.
type Result struct {
	Kind   ResultKind
	Delay  time.Duration
	Reason string
	Err    error
}

// Ok creates a successful result.
func Ok() Result {
	return Result{Kind: ResultOk}
}

// RetryAfter creates a result that reschedules the job.
func RetryAfter(d time.Duration, reason string) Result {
	return Result{Kind: ResultRetry, Delay: d, Reason: reason}
}

// Fatal creates a terminal failure.
func Fatal(err error) Result {
	return Result{Kind: ResultFatal, Err: err}
}

func (r Result) String() string {
	switch r.Kind {
	case ResultOk:
		return "ok"
	case ResultRetry:
		return fmt.Sprintf("retry after %s: %s", r.Delay, r.Reason)
	default:
		return fmt.Sprintf("fatal: %v", r.Err)
	}
}

// ResultOf classifies the error returned by the layers below the scheduler.
func ResultOf(err error) Result {
	if err == nil {
		return Ok()
	}
	if r, ok := errtype.AsRetryable(err); ok {
		return RetryAfter(r.Delay, err.Error())
	}
	if errors.Is(err, errtype.ErrLockBusy) || errors.Is(err, shell.ErrConnect) || errtype.IsTransient(err) {
		return RetryAfter(TransientDelay, err.Error())
	}
	return Fatal(err)
}

// IsTimeout reports whether the failure is a killed remote command.
func IsTimeout(err error) bool {
	var t *shell.TimeoutError
	return errors.As(err, &t)
}
