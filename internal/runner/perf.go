package runner

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"time"
	"unicode/utf8"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/llm-perf/perf-hub/internal/abstractions"
	"github.com/llm-perf/perf-hub/internal/config"
	"github.com/llm-perf/perf-hub/internal/messages"
	"github.com/llm-perf/perf-hub/internal/metrics"
	"github.com/llm-perf/perf-hub/internal/recommender"
	"github.com/llm-perf/perf-hub/internal/remote"
	"github.com/llm-perf/perf-hub/internal/results"
	"github.com/llm-perf/perf-hub/internal/serviceerrors"
	"github.com/llm-perf/perf-hub/pkg/api"
)

const (
	launchSubmitTimeout = time.Minute
	healthProbeTimeout  = 30 * time.Second
	maxReportedLine     = 200
)

func (r *Runner) runPerfTest(ctx context.Context, j *job) api.TaskOutcome {
	values, recommendation, err := r.resolveConcurrency(ctx, j)
	if err != nil {
		return r.failure(ctx, j, err, nil)
	}

	passErr := r.runPasses(ctx, j, values)
	cleanupErr := r.cleanup(ctx, j)
	if passErr != nil {
		return r.failure(ctx, j, passErr, cleanupErr)
	}

	params := &j.task.Parameters
	j.mu.Lock()
	samples, malformed, passes := j.samples, j.malformed, j.passes
	j.mu.Unlock()
	metrics.SamplesParsed.WithLabelValues(j.task.Engine).Add(float64(len(samples)))

	if len(samples) == 0 {
		err := serviceerrors.NewTaskError(serviceerrors.KindParse, nil, messages.NoSamplesParsed, "Malformed", malformed)
		return r.failure(ctx, j, err, cleanupErr)
	}

	summary := results.Aggregate(results.Run{
		Engine:         j.task.Engine,
		Model:          j.task.Model,
		InputLength:    params.InputLength,
		OutputLength:   params.OutputLength,
		Loop:           params.LoopCount(),
		Concurrency:    values,
		Passes:         passes,
		MalformedLines: malformed,
		ExecutionMode:  j.mode,
		Recommendation: recommendation,
	}, samples)

	path := filepath.Join(r.resultDir(j.task), results.ReportFileName(j.task.DisplayID))
	if err := results.WriteReport(path, summary, samples); err != nil {
		return r.failure(ctx, j, reportError(err), cleanupErr)
	}
	return api.TaskOutcome{State: api.StateCompleted, ResultPath: path, Summary: summary}
}

// resolveConcurrency returns the pass values. For auto the host is probed
// first; a failed probe still yields an unverified recommendation.
func (r *Runner) resolveConcurrency(ctx context.Context, j *job) ([]int, *api.Recommendation, error) {
	c := j.task.Parameters.Concurrency
	if !c.Auto {
		if len(c.Values) == 0 {
			return nil, nil, serviceerrors.NewTaskError(serviceerrors.KindSetup, nil, messages.ParametersValidationFailed, "Error", "no concurrency values")
		}
		return c.Values, nil, nil
	}

	snapshot, err := r.runProbe(ctx, j)
	if err != nil {
		if ctx.Err() != nil {
			return nil, nil, err
		}
		j.log.Warn("Hardware probe failed, recommending without telemetry", "error", err.Error())
		snapshot = nil
	}
	params := &j.task.Parameters
	rec := r.recommender.Recommend(snapshot, recommender.Request{
		Engine:       j.task.Engine,
		InputLength:  params.InputLength,
		OutputLength: params.OutputLength,
	})
	j.log.Info("Concurrency recommended",
		"concurrency", rec.Concurrency,
		"sweep", rec.Sweep,
		"per_request_mb", rec.PerRequestMB,
		"usable_mb", rec.UsableMB,
		"unverified", rec.Unverified,
		"reasons", rec.Reasons)
	return rec.Values(), &rec, nil
}

func (r *Runner) runPasses(ctx context.Context, j *job, values []int) error {
	params := &j.task.Parameters
	relaunch := params.AutoLaunch && r.config.LaunchPolicy == config.LaunchPolicyPerSweepValue
	if params.AutoLaunch && !relaunch {
		if err := r.launch(ctx, j); err != nil {
			return err
		}
	}
	for _, value := range values {
		if relaunch {
			if j.launched {
				if err := r.stop(ctx, j, r.config.CleanupTimeout); err != nil {
					j.log.Warn("Failed to stop the model before relaunching it", "error", err.Error())
				}
			}
			if err := r.launch(ctx, j); err != nil {
				return err
			}
		}
		for round := 1; round <= params.LoopCount(); round++ {
			// simulated passes never block, so stop between them
			if ctx.Err() != nil {
				return context.Cause(ctx)
			}
			if err := r.runPass(ctx, j, value, round); err != nil {
				return err
			}
		}
	}
	return nil
}

// launch starts the model server detached from the session and waits for its
// health command to succeed.
func (r *Runner) launch(ctx context.Context, j *job) error {
	if j.mode == api.ExecutionModeSimulated {
		j.log.Info("Skipping the model launch in simulated mode")
		return nil
	}
	ctx, span := r.tracer.Start(ctx, "model.launch")
	defer span.End()

	data := newCommandData(r.config.Tool, j.task, 0)
	cmd, err := r.commands.render(commandLaunch, j.scenario, data)
	if err != nil {
		return err
	}
	health, err := r.commands.render(commandHealth, j.scenario, data)
	if err != nil {
		return err
	}

	launchLog := fmt.Sprintf("/tmp/perf-hub-launch-%d.log", j.task.DisplayID)
	background := fmt.Sprintf("nohup sh -c %s > %s 2>&1 < /dev/null &", remote.ShellQuote(cmd), remote.ShellQuote(launchLog))
	j.log.Info("Launching the model", "port", data.HealthPort, "launch_log", launchLog)
	if _, err := j.exec.Execute(ctx, background, launchSubmitTimeout, j.output); err != nil {
		if ctx.Err() != nil {
			return err
		}
		span.RecordError(err)
		return serviceerrors.NewTaskError(serviceerrors.KindCommand, err, messages.LaunchFailed, "Model", j.task.Model, "Error", err.Error())
	}
	j.mu.Lock()
	j.launched = true
	j.mu.Unlock()

	timeout := j.task.Parameters.LaunchTimeout()
	hctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()
	start := time.Now()
	for {
		_, err := j.exec.Execute(hctx, health, min(healthProbeTimeout, timeout), j.output)
		if err == nil {
			j.log.Info("Model ready", "port", data.HealthPort, "waited", time.Since(start).String())
			return nil
		}
		if ctx.Err() != nil {
			return err
		}
		if hctx.Err() != nil {
			break
		}
		if !serviceerrors.IsKind(err, serviceerrors.KindCommand) && !serviceerrors.IsKind(err, serviceerrors.KindCommandTimeout) {
			return err
		}
		j.log.Debug("Model not ready yet", "error", err.Error())
		select {
		case <-hctx.Done():
		case <-time.After(r.config.HealthInterval):
		}
		if ctx.Err() != nil {
			return context.Cause(ctx)
		}
		if hctx.Err() != nil {
			break
		}
	}
	err = serviceerrors.NewTaskError(serviceerrors.KindLaunchTimeout, hctx.Err(), messages.LaunchTimeout,
		"Model", j.task.Model, "Port", data.HealthPort, "Timeout", timeout.String())
	span.RecordError(err)
	return err
}

func (r *Runner) stop(ctx context.Context, j *job, timeout time.Duration) error {
	cmd, err := r.commands.render(commandStop, j.scenario, newCommandData(r.config.Tool, j.task, 0))
	if err != nil {
		return err
	}
	if _, err := j.exec.Execute(ctx, cmd, timeout, j.output); err != nil {
		return err
	}
	j.mu.Lock()
	j.launched = false
	j.mu.Unlock()
	j.log.Info("Model stopped")
	return nil
}

// cleanup stops a model launched by this task when asked to. It runs even when
// the task context is done and its failure never replaces the task error.
func (r *Runner) cleanup(ctx context.Context, j *job) error {
	j.mu.Lock()
	launched := j.launched
	j.mu.Unlock()
	if !launched || !j.task.Parameters.StopAfterTest {
		return nil
	}
	cctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), r.config.CleanupTimeout)
	defer cancel()
	if err := r.stop(cctx, j, r.config.CleanupTimeout); err != nil {
		metrics.CleanupFailures.Inc()
		j.log.Warn("Cleanup failed", "error", err.Error())
		return serviceerrors.NewTaskError(serviceerrors.KindSetup, err, messages.CleanupFailed, "Error", err.Error())
	}
	return nil
}

func (r *Runner) runPass(ctx context.Context, j *job, concurrency int, round int) error {
	ctx, span := r.tracer.Start(ctx, "benchmark.pass", trace.WithAttributes(
		attribute.Int("concurrency", concurrency),
		attribute.Int("round", round),
		attribute.String("execution_mode", string(j.mode)),
	))
	defer span.End()
	j.log.Info("Benchmark pass started", "concurrency", concurrency, "round", round, "execution_mode", j.mode)

	if j.mode == api.ExecutionModeSimulated {
		samples, duration := simulatePass(j.task, concurrency, round)
		r.recordPass(j, results.Pass{Concurrency: concurrency, Round: round, Duration: duration}, samples...)
		return nil
	}

	params := &j.task.Parameters
	cmd, err := r.commands.render(commandBenchmark, j.scenario, newCommandData(r.config.Tool, j.task, concurrency))
	if err != nil {
		return err
	}

	var (
		matched string
		parsed  []api.ResultSample
	)
	handler := func(stream abstractions.Stream, line string) {
		j.output(stream, line)
		if r.matchErrorPattern(line) != "" {
			j.mu.Lock()
			if matched == "" {
				matched = line
			}
			j.mu.Unlock()
		}
		if stream != abstractions.Stdout || !isCandidate(line) {
			return
		}
		sample, err := r.samples.parse(line)
		j.mu.Lock()
		defer j.mu.Unlock()
		if err != nil {
			j.malformed++
			metrics.MalformedLines.WithLabelValues(j.task.Engine).Inc()
			j.log.Warn("Skipping a malformed sample line", "concurrency", concurrency, "round", round, "error", err.Error())
			return
		}
		sample.Round = round
		sample.Concurrency = concurrency
		parsed = append(parsed, sample)
	}

	start := time.Now()
	_, err = j.exec.Execute(ctx, cmd, params.BenchmarkTimeout(), handler)
	j.mu.Lock()
	samples, line := parsed, matched
	j.mu.Unlock()
	r.recordPass(j, results.Pass{Concurrency: concurrency, Round: round, Duration: time.Since(start)}, samples...)

	if err != nil {
		var te *serviceerrors.TaskError
		if ctx.Err() == nil && serviceerrors.IsKind(err, serviceerrors.KindCommandTimeout) && errors.As(err, &te) {
			err = te.WithKind(serviceerrors.KindBenchmarkTimeout, messages.BenchmarkTimeout,
				"Concurrency", concurrency, "Round", round, "Timeout", params.BenchmarkTimeout().String())
		}
		span.RecordError(err)
		return err
	}
	if line != "" {
		err := serviceerrors.NewTaskError(serviceerrors.KindCommand, nil, messages.OutputErrorDetected, "Phase", commandBenchmark, "Line", truncateLine(line, maxReportedLine))
		span.RecordError(err)
		return err
	}
	span.SetAttributes(attribute.Int("samples", len(samples)))
	return nil
}

func (r *Runner) recordPass(j *job, pass results.Pass, samples ...api.ResultSample) {
	metrics.BenchmarkPassDuration.WithLabelValues(j.task.Engine, string(j.mode)).Observe(pass.Duration.Seconds())
	j.mu.Lock()
	defer j.mu.Unlock()
	j.passes = append(j.passes, pass)
	j.samples = append(j.samples, samples...)
	j.log.Info("Benchmark pass finished",
		"concurrency", pass.Concurrency,
		"round", pass.Round,
		"samples", len(samples),
		"duration", pass.Duration.String())
}

// truncateLine cuts line to at most limit bytes without splitting a rune.
func truncateLine(line string, limit int) string {
	if len(line) <= limit {
		return line
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(line[cut]) {
		cut--
	}
	return line[:cut]
}
