package features

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cucumber/godog"

	"github.com/llm-perf/perf-hub/internal/abstractions"
	"github.com/llm-perf/perf-hub/internal/config"
	"github.com/llm-perf/perf-hub/internal/controller"
	"github.com/llm-perf/perf-hub/internal/dispatcher"
	"github.com/llm-perf/perf-hub/internal/logging"
	"github.com/llm-perf/perf-hub/internal/remote"
	"github.com/llm-perf/perf-hub/internal/runner"
	"github.com/llm-perf/perf-hub/internal/serviceerrors"
	"github.com/llm-perf/perf-hub/internal/storage"
	"github.com/llm-perf/perf-hub/internal/validation"
	"github.com/llm-perf/perf-hub/pkg/api"
)

var databaseCount atomic.Int64

// gate holds every run until it is opened or the task context ends.
type gate struct {
	runner dispatcher.TaskRunner

	mu   sync.Mutex
	held chan struct{}
}

func (g *gate) Run(ctx context.Context, task *api.Task) {
	g.mu.Lock()
	held := g.held
	g.mu.Unlock()
	if held != nil {
		select {
		case <-held:
		case <-ctx.Done():
		}
	}
	g.runner.Run(ctx, task)
}

func (g *gate) hold() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held == nil {
		g.held = make(chan struct{})
	}
}

func (g *gate) open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.held != nil {
		close(g.held)
		g.held = nil
	}
}

type scenarioConfig struct {
	dir        string
	store      abstractions.Storage
	gate       *gate
	controller *controller.Controller

	stop func()

	tasks   map[string]*api.Task
	lastErr error
}

func (sc *scenarioConfig) theEngineIsRunningWith(workers int) error {
	dir, err := os.MkdirTemp("", "perf-hub-features-")
	if err != nil {
		return err
	}
	sc.dir = dir

	serviceConfig := config.Default()
	serviceConfig.Database = &map[string]any{
		"driver":         "sqlite",
		"url":            fmt.Sprintf("file:features_%d?mode=memory&cache=shared", databaseCount.Add(1)),
		"database_name":  "perf_hub",
		"max_open_conns": 1,
	}
	serviceConfig.Dispatcher.Workers = workers
	serviceConfig.Dispatcher.PollInterval = 20 * time.Millisecond
	serviceConfig.Dispatcher.SweepInterval = 100 * time.Millisecond
	serviceConfig.Runner.Tool = "perf-hub-missing-benchmark-tool"
	serviceConfig.Runner.AllowSimulation = true
	serviceConfig.Runner.LogDir = filepath.Join(dir, "logs")
	serviceConfig.Runner.ResultsDir = filepath.Join(dir, "results")
	serviceConfig.Results.ArchiveDir = filepath.Join(dir, "archives")
	serviceConfig.Defaults = map[string]map[string]any{
		"ft": {"input_length": 64, "output_length": 64, "loop": 1},
	}

	logger := logging.DiscardLogger()
	store, err := storage.NewStorage(serviceConfig.Database, logger)
	if err != nil {
		return err
	}
	sc.store = store

	taskRunner, err := runner.New(logger, store, remote.NewFactory(logger, &serviceConfig.Runner), serviceConfig)
	if err != nil {
		return err
	}
	sc.gate = &gate{runner: taskRunner}
	d, err := dispatcher.New(logger, store, sc.gate, serviceConfig.Dispatcher)
	if err != nil {
		return err
	}
	validate, err := validation.NewValidator()
	if err != nil {
		return err
	}
	sc.controller, err = controller.New(logger, store, validate, d, serviceConfig)
	if err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- d.Start(ctx) }()
	sc.stop = func() {
		cancel()
		select {
		case <-done:
		case <-time.After(10 * time.Second):
		}
	}
	return nil
}

func (sc *scenarioConfig) theRunnerIsHeld() error {
	sc.gate.hold()
	return nil
}

func (sc *scenarioConfig) iReleaseTheRunner() error {
	sc.gate.open()
	return nil
}

func parseConcurrency(s string) (api.Concurrency, error) {
	if s == api.ConcurrencyAuto {
		return api.AutoConcurrency(), nil
	}
	var values []int
	for part := range strings.SplitSeq(s, ",") {
		v, err := strconv.Atoi(strings.TrimSpace(part))
		if err != nil {
			return api.Concurrency{}, err
		}
		values = append(values, v)
	}
	return api.FixedConcurrency(values...), nil
}

func (sc *scenarioConfig) iCreateAPerfTask(name, concurrency string) error {
	c, err := parseConcurrency(concurrency)
	if err != nil {
		return err
	}
	task, err := sc.controller.Create(&api.TaskConfig{
		Engine:   "evalscope",
		Model:    "Qwen/Qwen2.5-0.5B-Instruct",
		TaskType: api.TaskTypePerfTest,
		Parameters: api.Parameters{
			Scenario:    api.ScenarioFT,
			BenchParams: api.BenchParams{Concurrency: c},
		},
		Target: api.ExecutionTarget{Local: true},
	})
	sc.lastErr = err
	if err == nil {
		sc.tasks[name] = task
	}
	return nil
}

func (sc *scenarioConfig) task(name string) (*api.Task, error) {
	task, ok := sc.tasks[name]
	if !ok {
		return nil, fmt.Errorf("no task named %s was created", name)
	}
	return sc.controller.Get(task.ID)
}

func (sc *scenarioConfig) taskShouldBeWithin(name, status string, seconds int) error {
	deadline := time.Now().Add(time.Duration(seconds) * time.Second)
	for {
		task, err := sc.task(name)
		if err != nil {
			return err
		}
		if string(task.Status) == status {
			return nil
		}
		if time.Now().After(deadline) {
			return fmt.Errorf("task %s is %s, expected %s", name, task.Status, status)
		}
		time.Sleep(20 * time.Millisecond)
	}
}

func (sc *scenarioConfig) theLastRequestShouldFailWithCode(code int) error {
	if sc.lastErr == nil {
		return fmt.Errorf("expected the last request to fail")
	}
	if got := serviceerrors.Code(sc.lastErr); got != code {
		return fmt.Errorf("expected code %d, got %d: %v", code, got, sc.lastErr)
	}
	return nil
}

func (sc *scenarioConfig) iCancelTask(name string) error {
	task, ok := sc.tasks[name]
	if !ok {
		return fmt.Errorf("no task named %s was created", name)
	}
	_, err := sc.controller.Cancel(task.ID)
	return err
}

func (sc *scenarioConfig) iRetryTaskAs(name, retryName string) error {
	task, ok := sc.tasks[name]
	if !ok {
		return fmt.Errorf("no task named %s was created", name)
	}
	retry, created, err := sc.controller.Retry(task.ID)
	if err != nil {
		return err
	}
	if !created {
		return fmt.Errorf("expected a new retry of %s", name)
	}
	sc.tasks[retryName] = retry
	return nil
}

func (sc *scenarioConfig) taskShouldBeARetryOf(retryName, name string) error {
	retry, err := sc.task(retryName)
	if err != nil {
		return err
	}
	original, err := sc.task(name)
	if err != nil {
		return err
	}
	if retry.RetryOf == nil || *retry.RetryOf != original.ID {
		return fmt.Errorf("task %s is not a retry of %s", retryName, name)
	}
	if retry.LineageID != original.LineageID {
		return fmt.Errorf("expected lineage %s, got %s", original.LineageID, retry.LineageID)
	}
	return nil
}

func (sc *scenarioConfig) retryingTaskAgainShouldReturn(name, retryName string) error {
	retry, created, err := sc.controller.Retry(sc.tasks[name].ID)
	if err != nil {
		return err
	}
	if created || retry.ID != sc.tasks[retryName].ID {
		return fmt.Errorf("expected the existing retry %s back", retryName)
	}
	return nil
}

func (sc *scenarioConfig) taskShouldHaveASummaryFor(name string, values int) error {
	task, err := sc.task(name)
	if err != nil {
		return err
	}
	if task.Summary == nil {
		return fmt.Errorf("task %s has no summary", name)
	}
	if len(task.Summary.Concurrency) != values || len(task.Summary.PerConcurrency) != values {
		return fmt.Errorf("expected %d concurrency values, got %v", values, task.Summary.Concurrency)
	}
	if task.Summary.ExecutionMode != api.ExecutionModeSimulated {
		return fmt.Errorf("expected a simulated run, got %s", task.Summary.ExecutionMode)
	}
	if task.Summary.TotalRequests == 0 {
		return fmt.Errorf("expected requests in the summary")
	}
	return nil
}

func (sc *scenarioConfig) taskShouldHaveAReport(name string) error {
	task, err := sc.task(name)
	if err != nil {
		return err
	}
	if task.ResultPath == nil {
		return fmt.Errorf("task %s has no result path", name)
	}
	_, err = os.Stat(*task.ResultPath)
	return err
}

func (sc *scenarioConfig) taskShouldHaveErrorKind(name, kind string) error {
	task, err := sc.task(name)
	if err != nil {
		return err
	}
	if task.ErrorKind == nil || *task.ErrorKind != kind {
		return fmt.Errorf("expected error kind %s, got %v", kind, task.ErrorKind)
	}
	return nil
}

func (sc *scenarioConfig) iArchiveTask(name string) error {
	_, err := sc.controller.Archive(sc.tasks[name].ID)
	return err
}

func (sc *scenarioConfig) taskShouldBeArchived(name string) error {
	task, err := sc.task(name)
	if err != nil {
		return err
	}
	if task.ArchivedPath == nil {
		return fmt.Errorf("task %s was not archived", name)
	}
	_, err = os.Stat(*task.ArchivedPath)
	return err
}

func (sc *scenarioConfig) iDeleteTask(name string) error {
	sc.lastErr = sc.controller.Delete(sc.tasks[name].ID)
	return nil
}

func (sc *scenarioConfig) taskShouldNotExist(name string) error {
	if sc.lastErr != nil {
		return sc.lastErr
	}
	_, err := sc.task(name)
	if !serviceerrors.IsNotFound(err) {
		return fmt.Errorf("expected task %s to be gone, got %v", name, err)
	}
	return nil
}

func (sc *scenarioConfig) cleanup(ctx context.Context, _ *godog.Scenario, err error) (context.Context, error) {
	if sc.gate != nil {
		sc.gate.open()
	}
	if sc.stop != nil {
		sc.stop()
	}
	if sc.store != nil {
		_ = sc.store.Close()
	}
	if sc.dir != "" {
		_ = os.RemoveAll(sc.dir)
	}
	return ctx, nil
}

func InitializeScenario(ctx *godog.ScenarioContext) {
	sc := &scenarioConfig{tasks: map[string]*api.Task{}}

	ctx.After(sc.cleanup)

	ctx.Step(`^the engine is running with (\d+) workers?$`, sc.theEngineIsRunningWith)
	ctx.Step(`^the runner is held$`, sc.theRunnerIsHeld)
	ctx.Step(`^I release the runner$`, sc.iReleaseTheRunner)
	ctx.Step(`^I create a perf task "([^"]*)" with concurrency "([^"]*)"$`, sc.iCreateAPerfTask)
	ctx.Step(`^task "([^"]*)" should be "([^"]*)" within (\d+) seconds?$`, sc.taskShouldBeWithin)
	ctx.Step(`^the last request should fail with code (\d+)$`, sc.theLastRequestShouldFailWithCode)
	ctx.Step(`^I cancel task "([^"]*)"$`, sc.iCancelTask)
	ctx.Step(`^I retry task "([^"]*)" as "([^"]*)"$`, sc.iRetryTaskAs)
	ctx.Step(`^task "([^"]*)" should be a retry of "([^"]*)"$`, sc.taskShouldBeARetryOf)
	ctx.Step(`^retrying task "([^"]*)" again should return "([^"]*)"$`, sc.retryingTaskAgainShouldReturn)
	ctx.Step(`^task "([^"]*)" should have a summary for (\d+) concurrency values?$`, sc.taskShouldHaveASummaryFor)
	ctx.Step(`^task "([^"]*)" should have a report$`, sc.taskShouldHaveAReport)
	ctx.Step(`^task "([^"]*)" should have error kind "([^"]*)"$`, sc.taskShouldHaveErrorKind)
	ctx.Step(`^I archive task "([^"]*)"$`, sc.iArchiveTask)
	ctx.Step(`^task "([^"]*)" should be archived$`, sc.taskShouldBeArchived)
	ctx.Step(`^I delete task "([^"]*)"$`, sc.iDeleteTask)
	ctx.Step(`^task "([^"]*)" should not exist$`, sc.taskShouldNotExist)
}
