package runner

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/llm-perf/perf-hub/internal/abstractions"
	"github.com/llm-perf/perf-hub/internal/messages"
	"github.com/llm-perf/perf-hub/internal/serviceerrors"
	"github.com/llm-perf/perf-hub/pkg/api"
)

// runCommandTask runs the single templated command of a deploy or eval task.
// The task completes when the command exits with status 0 and none of the
// error patterns shows up in its output. No summary is recorded.
func (r *Runner) runCommandTask(ctx context.Context, j *job, name string) api.TaskOutcome {
	ctx, span := r.tracer.Start(ctx, "task.command", trace.WithAttributes(attribute.String("command", name)))
	defer span.End()

	params := &j.task.Parameters
	cmd, err := r.commands.render(name, j.scenario, newCommandData(r.config.Tool, j.task, firstConcurrency(params.Concurrency)))
	if err != nil {
		return r.failure(ctx, j, err, nil)
	}
	j.log.Info("Command started", "command", name)

	var matched string
	handler := func(stream abstractions.Stream, line string) {
		j.output(stream, line)
		if r.matchErrorPattern(line) == "" {
			return
		}
		j.mu.Lock()
		if matched == "" {
			matched = line
		}
		j.mu.Unlock()
	}
	if _, err := j.exec.Execute(ctx, cmd, params.BenchmarkTimeout(), handler); err != nil {
		span.RecordError(err)
		return r.failure(ctx, j, err, nil)
	}

	j.mu.Lock()
	line := matched
	j.mu.Unlock()
	if line != "" {
		err := serviceerrors.NewTaskError(serviceerrors.KindCommand, nil, messages.OutputErrorDetected, "Phase", name, "Line", truncateLine(line, maxReportedLine))
		span.RecordError(err)
		return r.failure(ctx, j, err, nil)
	}
	return api.TaskOutcome{State: api.StateCompleted}
}

// firstConcurrency is the concurrency of an eval run, 1 unless a fixed value is given.
func firstConcurrency(c api.Concurrency) int {
	if len(c.Values) > 0 && c.Values[0] > 0 {
		return c.Values[0]
	}
	return 1
}
