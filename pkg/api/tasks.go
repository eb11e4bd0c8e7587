package api

import (
	"fmt"
	"log/slog"
	"time"
)

// State represents the task state enum
type State string

const (
	StateQueued    State = "queued"
	StateRunning   State = "running"
	StateCompleted State = "completed"
	StateFailed    State = "failed"
	StateCanceled  State = "canceled"
)

func (s State) String() string {
	return string(s)
}

// IsTerminal reports whether no further transition is possible from s.
func (s State) IsTerminal() bool {
	switch s {
	case StateCompleted, StateFailed, StateCanceled:
		return true
	default:
		return false
	}
}

func GetState(s string) (State, error) {
	switch s {
	case string(StateQueued):
		return StateQueued, nil
	case string(StateRunning):
		return StateRunning, nil
	case string(StateCompleted):
		return StateCompleted, nil
	case string(StateFailed):
		return StateFailed, nil
	case string(StateCanceled):
		return StateCanceled, nil
	default:
		return State(s), fmt.Errorf("invalid task state: %s", s)
	}
}

type TaskType string

const (
	TaskTypePerfTest     TaskType = "perf_test"
	TaskTypeHardwareInfo TaskType = "hardware_info"
	TaskTypeEnvDeploy    TaskType = "env_deploy"
	TaskTypeEvalTest     TaskType = "eval_test"
)

// Benchmarks reports whether the task type runs benchmark passes. Only those
// tasks take the benchmark parameter defaults and the parameter schema.
func (t TaskType) Benchmarks() bool {
	return t == "" || t == TaskTypePerfTest
}

// ExecutionMode is decided once per task by the runner capability check.
type ExecutionMode string

const (
	ExecutionModeReal      ExecutionMode = "real"
	ExecutionModeSimulated ExecutionMode = "simulated"
)

// ExecutionTarget is either the local host or a remote host reached over SSH.
type ExecutionTarget struct {
	Local  bool              `json:"local,omitempty"`
	Remote *RemoteConnection `json:"remote,omitempty" validate:"required_without=Local,omitempty"`
}

func (t ExecutionTarget) Host() string {
	if t.Remote != nil {
		return t.Remote.Host
	}
	return "localhost"
}

// TaskConfig is what the API layer supplies when creating a task.
type TaskConfig struct {
	Engine     string          `json:"engine" validate:"required"`
	Model      string          `json:"model" validate:"required"`
	TaskType   TaskType        `json:"task_type" validate:"omitempty,oneof=perf_test hardware_info env_deploy eval_test"`
	OwnerID    string          `json:"owner_id,omitempty"`
	Parameters Parameters      `json:"parameters" validate:"-"`
	Target     ExecutionTarget `json:"target"`
}

// Task is the unit of work stored in the task store.
type Task struct {
	ID        string  `json:"id"`
	DisplayID int64   `json:"display_id"`
	LineageID string  `json:"lineage_id"`
	RetryOf   *string `json:"retry_of,omitempty"`

	Engine     string          `json:"engine"`
	Model      string          `json:"model"`
	TaskType   TaskType        `json:"task_type"`
	OwnerID    string          `json:"owner_id,omitempty"`
	Parameters Parameters      `json:"parameters"`
	Target     ExecutionTarget `json:"target"`

	Status          State         `json:"status"`
	CancelRequested bool          `json:"cancel_requested,omitempty"`
	ExecutionMode   ExecutionMode `json:"execution_mode,omitempty"`
	Lease           *Lease        `json:"lease,omitempty"`

	CreatedAt   time.Time  `json:"created_at"`
	StartedAt   *time.Time `json:"started_at,omitempty"`
	CompletedAt *time.Time `json:"completed_at,omitempty"`

	ResultPath   *string        `json:"result_path,omitempty"`
	ArchivedPath *string        `json:"archived_path,omitempty"`
	LogPath      *string        `json:"log_path,omitempty"`
	ErrorKind    *string        `json:"error_kind,omitempty"`
	ErrorMessage *string        `json:"error_message,omitempty"`
	Summary      *ResultSummary `json:"summary,omitempty"`
}

// Scenario returns the deployment flavour of the task parameters.
func (t *Task) Scenario() Scenario {
	return t.Parameters.Scenario
}

func (t *Task) LogValue() slog.Value {
	return slog.GroupValue(
		slog.String("task_id", t.ID),
		slog.Int64("display_id", t.DisplayID),
		slog.String("engine", t.Engine),
		slog.String("model", t.Model),
		slog.String("task_type", string(t.TaskType)),
		slog.String("status", string(t.Status)),
		slog.String("host", t.Target.Host()),
	)
}

// TaskOutcome is the terminal result written by the runner.
type TaskOutcome struct {
	State        State
	ErrorKind    string
	ErrorMessage string
	ResultPath   string
	Summary      *ResultSummary
}

// RunningUpdate carries the fields the runner may set while it holds the lease.
type RunningUpdate struct {
	ExecutionMode ExecutionMode
	LogPath       string
}

// TaskFilter narrows task listings.
type TaskFilter struct {
	Status    State
	OwnerID   string
	LineageID string
	Limit     int
	Offset    int
}

// StalePolicy decides what happens to a running task whose lease has expired.
type StalePolicy string

const (
	StalePolicyRequeue StalePolicy = "requeue"
	StalePolicyFail    StalePolicy = "fail"
)
