package remote

import (
	"context"
	"errors"
	"log/slog"
	"os/exec"
	"time"

	"github.com/llm-perf/perf-hub/internal/abstractions"
)

// LocalExecutor runs commands on the engine host through sh -c, each command in
// its own process group.
type LocalExecutor struct {
	logger    *slog.Logger
	killGrace time.Duration
}

func NewLocalExecutor(logger *slog.Logger, killGrace time.Duration) *LocalExecutor {
	if killGrace <= 0 {
		killGrace = DefaultKillGrace
	}
	return &LocalExecutor{logger: logger, killGrace: killGrace}
}

func (e *LocalExecutor) Target() string {
	return "localhost"
}

func (e *LocalExecutor) Execute(ctx context.Context, command string, timeout time.Duration, onLine abstractions.LineHandler) (int, error) {
	stdout := newLineWriter(abstractions.Stdout, onLine)
	stderr := newLineWriter(abstractions.Stderr, onLine)

	cmd := exec.Command("sh", "-c", command)
	cmd.Stdout = stdout
	cmd.Stderr = stderr
	// bounds the wait for pipes held open by background children
	cmd.WaitDelay = e.killGrace
	setProcessGroup(cmd)

	if err := cmd.Start(); err != nil {
		return -1, connectionError(e.Target(), err)
	}

	runCtx := ctx
	if timeout > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, timeout)
		defer cancel()
	}

	done := make(chan error, 1)
	go func() {
		done <- cmd.Wait()
	}()

	select {
	case err := <-done:
		stdout.Flush()
		stderr.Flush()
		return e.exitStatus(command, err)
	case <-runCtx.Done():
		e.logger.Info("Stopping local command", "command", ShortCommand(command), "pgid", cmd.Process.Pid, "reason", runCtx.Err())
		_ = terminateGroup(cmd)
		select {
		case <-done:
		case <-time.After(e.killGrace):
			_ = killGroup(cmd)
			<-done
		}
		stdout.Flush()
		stderr.Flush()
		return -1, interruptedError(ctx, e.Target(), command, timeout)
	}
}

func (e *LocalExecutor) exitStatus(command string, err error) (int, error) {
	if err == nil {
		return 0, nil
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return exitErr.ExitCode(), commandError(e.Target(), command, exitErr.ExitCode())
	}
	// the command exited successfully but a background child kept its pipes open
	if errors.Is(err, exec.ErrWaitDelay) {
		return 0, nil
	}
	return -1, connectionError(e.Target(), err)
}

func (e *LocalExecutor) Close() error {
	return nil
}
