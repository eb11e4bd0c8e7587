package runner

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/llm-perf/perf-hub/internal/abstractions"
	"github.com/llm-perf/perf-hub/internal/config"
	"github.com/llm-perf/perf-hub/internal/hardware"
	"github.com/llm-perf/perf-hub/internal/logging"
	"github.com/llm-perf/perf-hub/internal/messages"
	"github.com/llm-perf/perf-hub/internal/metrics"
	"github.com/llm-perf/perf-hub/internal/recommender"
	"github.com/llm-perf/perf-hub/internal/results"
	"github.com/llm-perf/perf-hub/internal/serviceerrors"
	"github.com/llm-perf/perf-hub/internal/tracing"
	"github.com/llm-perf/perf-hub/pkg/api"
)

// Causes of a canceled task context. Only ErrCancelRequested produces a
// canceled task; for the other two the dispatcher resolves the lease.
var (
	ErrCancelRequested = errors.New("cancel requested")
	ErrLeaseLost       = errors.New("lease lost")
	ErrShutdown        = errors.New("dispatcher shutting down")
)

const capabilityTimeout = time.Minute

// Runner executes leased tasks against their execution target.
type Runner struct {
	logger      *slog.Logger
	store       abstractions.Storage
	executors   abstractions.ExecutorFactory
	config      config.RunnerConfig
	commands    *commandSet
	samples     *sampleParser
	probe       *hardware.Probe
	recommender *recommender.Recommender
	tracer      trace.Tracer
}

func New(logger *slog.Logger, store abstractions.Storage, executors abstractions.ExecutorFactory, serviceConfig *config.Config) (*Runner, error) {
	if logger == nil {
		return nil, fmt.Errorf("logger is required for the runner")
	}
	if store == nil || executors == nil {
		return nil, fmt.Errorf("storage and executor factory are required for the runner")
	}
	commands, err := parseCommands(serviceConfig.Runner.Commands)
	if err != nil {
		return nil, err
	}
	samples, err := newSampleParser(serviceConfig.Runner.Samples)
	if err != nil {
		return nil, err
	}
	return &Runner{
		logger:      logger,
		store:       store,
		executors:   executors,
		config:      serviceConfig.Runner,
		commands:    commands,
		samples:     samples,
		probe:       hardware.NewProbe(logger, serviceConfig.Runner.ProbeTimeout),
		recommender: recommender.New(serviceConfig.Recommender),
		tracer:      tracing.Tracer(),
	}, nil
}

// job is the state of one task run.
type job struct {
	task     *api.Task
	token    string
	log      *slog.Logger
	sink     *logging.TaskLogger
	exec     abstractions.Executor
	mode     api.ExecutionMode
	scenario string

	mu        sync.Mutex
	samples   []api.ResultSample
	malformed int
	passes    []results.Pass
	launched  bool
}

func (j *job) output(stream abstractions.Stream, line string) {
	if j.sink != nil {
		j.sink.Output(stream.String(), line)
	}
}

// Run executes a leased task and records its terminal state. Nothing is written
// when the context was canceled because the lease was lost or the dispatcher
// is shutting down.
func (r *Runner) Run(ctx context.Context, task *api.Task) {
	if task.Lease == nil {
		r.logger.Error("Refusing to run a task without a lease", "task_id", task.ID)
		return
	}
	j := &job{
		task:     task,
		token:    task.Lease.Token,
		scenario: string(task.Parameters.Config().Scenario()),
	}
	fields := []any{"lease_owner", task.Lease.Owner, "engine", task.Engine, "model", task.Model}
	sink, err := logging.NewTaskLogger(r.config.LogDir, task.DisplayID, task.ID, r.logger)
	if err != nil {
		j.log = r.logger.With("task_id", task.ID, "display_id", task.DisplayID).With(fields...)
		j.log.Warn("Failed to open the task log, continuing without it", "error", err.Error())
	} else {
		defer sink.Close()
		j.sink = sink
		j.log = sink.Logger.With(fields...)
		if _, err := r.store.UpdateRunning(task.ID, j.token, api.RunningUpdate{LogPath: sink.Path()}); err != nil {
			j.log.Warn("Failed to record the task log path", "error", err.Error())
		}
	}

	ctx, span := r.tracer.Start(ctx, "task.run", trace.WithAttributes(
		attribute.String("task_id", task.ID),
		attribute.Int64("display_id", task.DisplayID),
		attribute.String("task_type", string(task.TaskType)),
		attribute.String("engine", task.Engine),
		attribute.String("model", task.Model),
		attribute.String("host", task.Target.Host()),
	))
	defer span.End()

	start := time.Now()
	j.log.Info("Task started", "task_type", task.TaskType, "host", task.Target.Host())
	outcome := r.execute(ctx, j)

	if cause := context.Cause(ctx); errors.Is(cause, ErrLeaseLost) || errors.Is(cause, ErrShutdown) {
		j.log.Warn("Task interrupted without a terminal state", "reason", cause.Error())
		span.SetStatus(codes.Error, cause.Error())
		return
	}
	if outcome.State != api.StateCompleted {
		span.SetStatus(codes.Error, outcome.ErrorMessage)
	}

	finished, err := r.store.FinishTask(task.ID, j.token, outcome)
	switch {
	case err != nil:
		j.log.Error("Failed to record the task outcome", "status", outcome.State, "error", err.Error())
	case !finished:
		j.log.Warn("The task outcome was not recorded, the lease is no longer held", "status", outcome.State)
	default:
		metrics.TasksFinished.WithLabelValues(string(task.TaskType), string(outcome.State), outcome.ErrorKind).Inc()
		j.log.Info("Task finished",
			"status", outcome.State,
			"error_kind", outcome.ErrorKind,
			"error_message", outcome.ErrorMessage,
			"result_path", outcome.ResultPath,
			"duration", time.Since(start).String())
	}
}

func (r *Runner) execute(ctx context.Context, j *job) api.TaskOutcome {
	executor, err := r.executors.Open(ctx, j.task.Target)
	if err != nil {
		return r.failure(ctx, j, err, nil)
	}
	defer func() {
		if err := executor.Close(); err != nil {
			j.log.Debug("Failed to close the executor", "error", err.Error())
		}
	}()
	j.exec = executor

	switch j.task.TaskType {
	case api.TaskTypeHardwareInfo:
		// the inspection only needs standard tools
		if err := r.setMode(j, api.ExecutionModeReal); err != nil {
			return r.failure(ctx, j, err, nil)
		}
		return r.runHardwareInfo(ctx, j)
	case api.TaskTypeEnvDeploy:
		if err := r.checkCapability(ctx, j, false); err != nil {
			return r.failure(ctx, j, err, nil)
		}
		return r.runCommandTask(ctx, j, commandEnvDeploy)
	case api.TaskTypeEvalTest:
		if err := r.checkCapability(ctx, j, false); err != nil {
			return r.failure(ctx, j, err, nil)
		}
		return r.runCommandTask(ctx, j, commandEvalTest)
	}
	if err := r.checkCapability(ctx, j, true); err != nil {
		return r.failure(ctx, j, err, nil)
	}
	return r.runPerfTest(ctx, j)
}

// failure maps the error that stopped a run to its terminal outcome. A cleanup
// error is only reported for canceled tasks, where there is no other message.
func (r *Runner) failure(ctx context.Context, j *job, err error, cleanupErr error) api.TaskOutcome {
	if ctx.Err() != nil && errors.Is(context.Cause(ctx), ErrCancelRequested) {
		outcome := api.TaskOutcome{State: api.StateCanceled, ErrorKind: string(serviceerrors.KindCanceled)}
		if cleanupErr != nil {
			outcome.ErrorMessage = cleanupErr.Error()
		}
		j.log.Info("Task canceled", "stopped", err.Error())
		return outcome
	}
	kind := serviceerrors.KindOf(err)
	j.log.Error("Task failed", "error_kind", kind, "error", err.Error())
	return api.TaskOutcome{State: api.StateFailed, ErrorKind: string(kind), ErrorMessage: err.Error()}
}

func (r *Runner) setMode(j *job, mode api.ExecutionMode) error {
	j.mode = mode
	updated, err := r.store.UpdateRunning(j.task.ID, j.token, api.RunningUpdate{ExecutionMode: mode})
	if err != nil {
		return err
	}
	if !updated {
		return serviceerrors.NewTaskError(serviceerrors.KindLeaseConflict, nil, messages.LeaseConflict, "ResourceId", j.task.ID)
	}
	return nil
}

// checkCapability decides once per task whether the benchmark tool is run for
// real or its output is simulated. Without simulate a missing tool fails the task.
func (r *Runner) checkCapability(ctx context.Context, j *job, simulate bool) error {
	ctx, span := r.tracer.Start(ctx, "task.capability")
	defer span.End()

	cmd, err := r.commands.render(commandCapability, j.scenario, newCommandData(r.config.Tool, j.task, 0))
	if err != nil {
		return err
	}
	_, err = j.exec.Execute(ctx, cmd, capabilityTimeout, j.output)
	mode := api.ExecutionModeReal
	switch {
	case err == nil:
	case serviceerrors.IsKind(err, serviceerrors.KindCommand):
		if !simulate || !r.config.AllowSimulation {
			return serviceerrors.NewTaskError(serviceerrors.KindCommand, err, messages.ToolNotInstalled, "Tool", r.config.Tool, "Host", j.exec.Target())
		}
		j.log.Warn("Benchmark tool not found, the results will be simulated", "tool", r.config.Tool, "host", j.exec.Target())
		mode = api.ExecutionModeSimulated
	default:
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.String("execution_mode", string(mode)))
	return r.setMode(j, mode)
}

func (r *Runner) resultDir(task *api.Task) string {
	return filepath.Join(r.config.ResultsDir, fmt.Sprintf("%d_%s", task.DisplayID, task.ID))
}

func (r *Runner) runHardwareInfo(ctx context.Context, j *job) api.TaskOutcome {
	snapshot, err := r.runProbe(ctx, j)
	if err != nil {
		return r.failure(ctx, j, err, nil)
	}
	path, err := hardware.WriteArtifact(r.resultDir(j.task), snapshot, hardware.ArtifactMetadata{
		TaskID:      j.task.ID,
		DisplayID:   j.task.DisplayID,
		CollectedAt: time.Now(),
	})
	if err != nil {
		return r.failure(ctx, j, reportError(err), nil)
	}
	for _, w := range snapshot.Warnings {
		j.log.Warn("Hardware probe warning", "warning", w)
	}
	return api.TaskOutcome{State: api.StateCompleted, ResultPath: path}
}

func (r *Runner) runProbe(ctx context.Context, j *job) (*api.HardwareSnapshot, error) {
	ctx, span := r.tracer.Start(ctx, "hardware.probe")
	defer span.End()
	snapshot, err := r.probe.Run(ctx, j.exec)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	span.SetAttributes(attribute.Int("gpus", len(snapshot.GPUs)), attribute.Bool("complete", snapshot.Complete))
	return snapshot, nil
}

func reportError(err error) error {
	return serviceerrors.NewTaskError(serviceerrors.KindSetup, err, messages.ReportFailed, "Error", err.Error())
}

// matchErrorPattern returns the first configured error pattern found in line.
func (r *Runner) matchErrorPattern(line string) string {
	for _, p := range r.config.ErrorPatterns {
		if p != "" && strings.Contains(line, p) {
			return p
		}
	}
	return ""
}
