package abstractions

import (
	"context"
	"log/slog"
	"time"

	"github.com/llm-perf/perf-hub/internal/messages"
	"github.com/llm-perf/perf-hub/pkg/api"
)

// ServiceError is an interface that represents an error in the engine.
// Error() can be used to log the error, MessageCode() and MessageParams() are
// used to build the message handed to the API layer.
type ServiceError interface {
	Error() string
	MessageCode() *messages.MessageCode
	MessageParams() []any
	ShouldRollback() bool // Whether the transaction should be rolled back due to this error
}

type QueryResults[T any] struct {
	Items       []T
	TotalStored int
}

// Storage is the task record store. Every state transition is a single
// conditional update against the expected prior status, and for running tasks
// the lease token; the boolean results report whether the update matched.
type Storage interface {
	WithLogger(logger *slog.Logger) Storage
	WithContext(ctx context.Context) Storage

	// This is used to identify the storage implementation in the logs and error messages
	GetDatasourceName() string

	Ping(timeout time.Duration) error

	// Task records
	CreateTask(task *api.TaskConfig) (*api.Task, error)
	// CreateRetry inserts a queued copy of a terminal task. If a retry of the
	// original already exists it is returned with created set to false.
	CreateRetry(original *api.Task) (retry *api.Task, created bool, err error)
	GetTask(id string) (*api.Task, error)
	ListTasks(filter api.TaskFilter) (*QueryResults[api.Task], error)
	DeleteTask(id string) error

	// Dispatch and lease operations
	ListDispatchable(limit int) ([]api.Task, error)
	AcquireLease(id string, owner string, ttl time.Duration) (*api.Task, error)
	RenewLease(id string, token string, ttl time.Duration) (bool, error)
	UpdateRunning(id string, token string, update api.RunningUpdate) (bool, error)
	FinishTask(id string, token string, outcome api.TaskOutcome) (bool, error)
	ListStaleLeases(now time.Time, limit int) ([]api.Task, error)
	ExpireLease(id string, token string, policy api.StalePolicy) (bool, error)

	// Cancellation
	CancelQueued(id string) (bool, error)
	RequestCancel(id string) (bool, error)
	ListCancelRequested(owner string) ([]string, error)
	ListQueuedCancelRequested(limit int) ([]string, error)

	// Artifacts
	SetArchivedPath(id string, path string) (bool, error)

	// Close the storage connection
	Close() error
}

// This interface must be decoupled from the API layer.
