package abstractions

import (
	"context"
	"time"

	"github.com/llm-perf/perf-hub/pkg/api"
)

type Stream int

const (
	Stdout Stream = iota
	Stderr
)

func (s Stream) String() string {
	if s == Stderr {
		return "stderr"
	}
	return "stdout"
}

// LineHandler receives remote output one line at a time, as it arrives. It is
// called from the reader goroutines so implementations must be safe for
// concurrent use.
type LineHandler func(stream Stream, line string)

// Executor runs commands on one execution target. Concrete implementations hold
// the transport details (SSH, local processes); no other places in the code
// should depend on them directly.
type Executor interface {
	Target() string
	// Execute runs command and blocks until it exits, the timeout elapses or ctx
	// is done. On timeout or cancellation the process group of the command is
	// signalled before Execute returns. A non zero exit status is returned
	// together with a command_error.
	Execute(ctx context.Context, command string, timeout time.Duration, onLine LineHandler) (int, error)
	Close() error
}

// ExecutorFactory opens an executor for a task target.
type ExecutorFactory interface {
	Open(ctx context.Context, target api.ExecutionTarget) (Executor, error)
}
