package remote

import (
	"context"
	"errors"
	"strings"
	"time"

	"github.com/llm-perf/perf-hub/internal/messages"
	"github.com/llm-perf/perf-hub/internal/serviceerrors"
)

func connectionError(host string, err error) error {
	return serviceerrors.NewTaskError(serviceerrors.KindConnection, err, messages.RemoteConnectionFailed, "Host", host, "Error", err.Error())
}

func authError(user string, host string, err error) error {
	return serviceerrors.NewTaskError(serviceerrors.KindAuth, err, messages.RemoteAuthFailed, "User", user, "Host", host, "Error", err.Error())
}

func commandError(host string, command string, status int) error {
	return serviceerrors.NewTaskError(serviceerrors.KindCommand, nil, messages.RemoteCommandFailed,
		"Command", ShortCommand(command), "ExitStatus", status, "Host", host).WithExitStatus(status)
}

// interruptedError classifies why a command was stopped before it exited: the
// caller's context was canceled or a deadline (the caller's or the command
// budget) elapsed.
func interruptedError(ctx context.Context, host string, command string, timeout time.Duration) error {
	if errors.Is(ctx.Err(), context.Canceled) {
		cause := context.Cause(ctx)
		return serviceerrors.NewTaskError(serviceerrors.KindCanceled, cause, messages.RemoteCommandCanceled,
			"Command", ShortCommand(command), "Host", host)
	}
	return serviceerrors.NewTaskError(serviceerrors.KindCommandTimeout, context.DeadlineExceeded, messages.RemoteCommandTimeout,
		"Command", ShortCommand(command), "Timeout", timeout.String(), "Host", host)
}

// isAuthFailure reports whether an SSH handshake error is a credential rejection.
func isAuthFailure(err error) bool {
	msg := err.Error()
	return strings.Contains(msg, "unable to authenticate") || strings.Contains(msg, "no supported methods remain")
}
