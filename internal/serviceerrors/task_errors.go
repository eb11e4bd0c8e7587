package serviceerrors

import (
	"context"
	"errors"

	"github.com/llm-perf/perf-hub/internal/messages"
)

// ErrorKind classifies why a task run stopped. It is stored with the task.
type ErrorKind string

const (
	KindConnection       ErrorKind = "connection_error"
	KindAuth             ErrorKind = "auth_error"
	KindCommand          ErrorKind = "command_error"
	KindCommandTimeout   ErrorKind = "command_timeout"
	KindLaunchTimeout    ErrorKind = "launch_timeout"
	KindBenchmarkTimeout ErrorKind = "benchmark_timeout"
	KindParse            ErrorKind = "parse_error"
	KindLeaseConflict    ErrorKind = "lease_conflict"
	KindLeaseExpired     ErrorKind = "lease_expired"
	KindCanceled         ErrorKind = "canceled"
	KindSetup            ErrorKind = "setup_error"
)

// IsTimeout reports whether the kind is one of the wall clock budget kinds.
func (k ErrorKind) IsTimeout() bool {
	return k == KindCommandTimeout || k == KindLaunchTimeout || k == KindBenchmarkTimeout
}

// Retryable reports whether re-dispatching the same task could succeed without
// operator intervention.
func (k ErrorKind) Retryable() bool {
	switch k {
	case KindConnection, KindCommandTimeout, KindLaunchTimeout, KindBenchmarkTimeout, KindLeaseExpired:
		return true
	default:
		return false
	}
}

// TaskError is a ServiceError that also carries the task failure kind.
type TaskError struct {
	ServiceError
	kind       ErrorKind
	exitStatus int
	cause      error
}

func NewTaskError(kind ErrorKind, cause error, messageCode *messages.MessageCode, messageParams ...any) *TaskError {
	return &TaskError{
		ServiceError: ServiceError{messageCode: messageCode, messageParams: messageParams},
		kind:         kind,
		cause:        cause,
		exitStatus:   -1,
	}
}

func (e *TaskError) Kind() ErrorKind {
	return e.kind
}

func (e *TaskError) Unwrap() error {
	return e.cause
}

// ExitStatus is the remote exit status for command errors and -1 otherwise.
func (e *TaskError) ExitStatus() int {
	return e.exitStatus
}

func (e *TaskError) WithExitStatus(status int) *TaskError {
	c := *e
	c.exitStatus = status
	return &c
}

// WithKind keeps the cause and message but reclassifies the error, used to
// turn a generic command timeout into a launch or benchmark timeout.
func (e *TaskError) WithKind(kind ErrorKind, messageCode *messages.MessageCode, messageParams ...any) *TaskError {
	return &TaskError{
		ServiceError: ServiceError{messageCode: messageCode, messageParams: messageParams},
		kind:         kind,
		exitStatus:   e.exitStatus,
		cause:        e,
	}
}

// KindOf returns the task error kind of err, falling back to canceled for
// context cancellation and to setup_error for anything unclassified.
func KindOf(err error) ErrorKind {
	if err == nil {
		return ""
	}
	var te *TaskError
	if errors.As(err, &te) {
		return te.kind
	}
	if errors.Is(err, context.Canceled) {
		return KindCanceled
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return KindCommandTimeout
	}
	return KindSetup
}

func IsKind(err error, kind ErrorKind) bool {
	return err != nil && KindOf(err) == kind
}
