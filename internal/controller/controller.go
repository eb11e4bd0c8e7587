package controller

import (
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/Jeffail/gabs/v2"
	"github.com/go-playground/validator/v10"
	jsonpatch "gopkg.in/evanphx/json-patch.v4"

	"github.com/llm-perf/perf-hub/internal/abstractions"
	"github.com/llm-perf/perf-hub/internal/config"
	"github.com/llm-perf/perf-hub/internal/messages"
	"github.com/llm-perf/perf-hub/internal/results"
	"github.com/llm-perf/perf-hub/internal/serviceerrors"
	"github.com/llm-perf/perf-hub/internal/validation"
	"github.com/llm-perf/perf-hub/pkg/api"
)

// Notifier is the part of the dispatcher the controller signals.
type Notifier interface {
	Notify()
	Cancel(id string)
}

// Controller implements the task operations offered to the API layer.
type Controller struct {
	logger     *slog.Logger
	store      abstractions.Storage
	validate   *validator.Validate
	schema     *validation.ParameterSchema
	notifier   Notifier
	defaults   map[string][]byte
	archiveDir string
	now        func() time.Time
}

func New(logger *slog.Logger, store abstractions.Storage, validate *validator.Validate, notifier Notifier, serviceConfig *config.Config) (*Controller, error) {
	if store == nil || validate == nil {
		return nil, fmt.Errorf("storage and validator are required for the controller")
	}
	schema, err := validation.NewParameterSchema()
	if err != nil {
		return nil, err
	}
	defaults := map[string][]byte{}
	for scenario, values := range serviceConfig.Defaults {
		data, err := json.Marshal(values)
		if err != nil {
			return nil, fmt.Errorf("invalid parameter defaults for scenario %s: %w", scenario, err)
		}
		defaults[scenario] = data
	}
	return &Controller{
		logger:     logger,
		store:      store,
		validate:   validate,
		schema:     schema,
		notifier:   notifier,
		defaults:   defaults,
		archiveDir: serviceConfig.Results.ArchiveDir,
		now:        time.Now,
	}, nil
}

func (c *Controller) notify() {
	if c.notifier != nil {
		c.notifier.Notify()
	}
}

// Create validates a task config, applies the scenario defaults under the
// given parameters and queues the task.
func (c *Controller) Create(taskConfig *api.TaskConfig) (*api.Task, error) {
	if err := c.validate.Struct(taskConfig); err != nil {
		return nil, serviceerrors.NewServiceError(messages.RequestValidationFailed, "Error", validation.Describe(err))
	}

	taskConfig.Parameters = c.normalizeScenario(taskConfig)
	params, err := c.resolveParameters(taskConfig)
	if err != nil {
		return nil, err
	}
	resolved := *taskConfig
	resolved.Parameters = *params

	task, err := c.store.CreateTask(&resolved)
	if err != nil {
		return nil, err
	}
	c.logger.Info("Task queued", "task_id", task.ID, "display_id", task.DisplayID, "task_type", task.TaskType,
		"engine", task.Engine, "model", task.Model, "concurrency", task.Parameters.Concurrency.String())
	c.notify()
	return task, nil
}

func (c *Controller) normalizeScenario(taskConfig *api.TaskConfig) api.Parameters {
	params := taskConfig.Parameters
	if params.Scenario == "" && !taskConfig.TaskType.Benchmarks() {
		params.Scenario = api.ScenarioFT
	}
	return params
}

func parametersError(err error) error {
	return serviceerrors.NewServiceError(messages.ParametersValidationFailed, "Error", err.Error())
}

func (c *Controller) resolveParameters(taskConfig *api.TaskConfig) (*api.Parameters, error) {
	params := taskConfig.Parameters
	if err := params.CheckScenario(); err != nil {
		return nil, parametersError(err)
	}
	// hardware, deploy and eval tasks take their parameters as given
	if !taskConfig.TaskType.Benchmarks() {
		return &params, nil
	}

	document, err := userDocument(&params)
	if err != nil {
		return nil, parametersError(err)
	}
	if defaults, ok := c.defaults[string(params.Scenario)]; ok {
		if document, err = jsonpatch.MergePatch(defaults, document); err != nil {
			return nil, parametersError(err)
		}
	}
	if err := c.schema.Validate(document); err != nil {
		return nil, parametersError(err)
	}

	var merged api.Parameters
	if err := json.Unmarshal(document, &merged); err != nil {
		return nil, parametersError(err)
	}
	if err := merged.CheckScenario(); err != nil {
		return nil, parametersError(err)
	}
	if err := c.validate.Struct(&merged); err != nil {
		return nil, parametersError(errors.New(validation.Describe(err)))
	}
	if err := merged.Concurrency.Validate(); err != nil {
		return nil, parametersError(err)
	}
	return &merged, nil
}

// userDocument renders the parameters as a merge patch. Every numeric
// benchmark parameter is positive, so a zero is an unset value that must not
// mask a default. Extra keys are kept as given.
func userDocument(params *api.Parameters) ([]byte, error) {
	data, err := json.Marshal(params)
	if err != nil {
		return nil, err
	}
	doc, err := gabs.ParseJSON(data)
	if err != nil {
		return nil, err
	}
	for key, child := range doc.ChildrenMap() {
		if !api.IsBenchParam(key) {
			continue
		}
		if n, ok := child.Data().(float64); ok && n == 0 {
			if err := doc.Delete(key); err != nil {
				return nil, err
			}
		}
	}
	return doc.Bytes(), nil
}

// Get returns a task by id.
func (c *Controller) Get(id string) (*api.Task, error) {
	return c.store.GetTask(id)
}

func (c *Controller) List(filter api.TaskFilter) (*abstractions.QueryResults[api.Task], error) {
	return c.store.ListTasks(filter)
}

// Cancel cancels a queued task at once and asks the runner of a running task
// to stop. Canceling a terminal task is a no-op.
func (c *Controller) Cancel(id string) (*api.Task, error) {
	task, err := c.store.GetTask(id)
	if err != nil {
		return nil, err
	}
	if task.Status == api.StateQueued {
		canceled, err := c.store.CancelQueued(id)
		if err != nil {
			return nil, err
		}
		if canceled {
			c.logger.Info("Queued task canceled", "task_id", id)
			return c.store.GetTask(id)
		}
		// leased in the meantime
		if task, err = c.store.GetTask(id); err != nil {
			return nil, err
		}
	}
	if task.Status == api.StateRunning {
		requested, err := c.store.RequestCancel(id)
		if err != nil {
			return nil, err
		}
		if requested {
			c.logger.Info("Cancel requested for a running task", "task_id", id, "lease_owner", leaseOwner(task))
			if c.notifier != nil {
				c.notifier.Cancel(id)
			}
		}
		return c.store.GetTask(id)
	}
	return task, nil
}

func leaseOwner(task *api.Task) string {
	if task.Lease == nil {
		return ""
	}
	return task.Lease.Owner
}

// Retry queues a copy of a terminal task. Retrying the same task again returns
// the first retry, reported with created set to false.
func (c *Controller) Retry(id string) (*api.Task, bool, error) {
	task, err := c.store.GetTask(id)
	if err != nil {
		return nil, false, err
	}
	if !task.Status.IsTerminal() {
		return nil, false, serviceerrors.NewServiceError(messages.TaskNotTerminal, "ResourceId", id, "Status", task.Status, "Operation", "retry")
	}
	retry, created, err := c.store.CreateRetry(task)
	if err != nil {
		return nil, false, err
	}
	if created {
		c.logger.Info("Task retried", "task_id", retry.ID, "display_id", retry.DisplayID, "retry_of", id, "lineage_id", retry.LineageID)
		c.notify()
	}
	return retry, created, nil
}

// Archive copies the result of a completed task into the archive tree once.
func (c *Controller) Archive(id string) (*api.Task, error) {
	task, err := c.store.GetTask(id)
	if err != nil {
		return nil, err
	}
	if task.ArchivedPath != nil {
		return task, nil
	}
	if task.Status != api.StateCompleted {
		return nil, serviceerrors.NewServiceError(messages.TaskNotArchivable, "ResourceId", id, "Reason", "the task is "+string(task.Status))
	}
	if task.ResultPath == nil {
		return nil, serviceerrors.NewServiceError(messages.TaskNotArchivable, "ResourceId", id, "Reason", "the task has no result")
	}

	path, err := results.Archive(c.archiveDir, *task.ResultPath, task.Engine, task.Model, c.now())
	if err != nil {
		return nil, serviceerrors.NewServiceError(messages.TaskNotArchivable, "ResourceId", id, "Reason", err.Error())
	}
	set, err := c.store.SetArchivedPath(id, path)
	if err != nil {
		_ = os.Remove(path)
		return nil, err
	}
	if !set {
		// archived concurrently, keep the recorded copy
		_ = os.Remove(path)
	} else {
		c.logger.Info("Task result archived", "task_id", id, "archived_path", path)
	}
	return c.store.GetTask(id)
}

// Delete removes a terminal task and then, best effort, its files.
func (c *Controller) Delete(id string) error {
	task, err := c.store.GetTask(id)
	if err != nil {
		return err
	}
	if !task.Status.IsTerminal() {
		return serviceerrors.NewServiceError(messages.TaskNotTerminal, "ResourceId", id, "Status", task.Status, "Operation", "delete")
	}
	if err := c.store.DeleteTask(id); err != nil {
		return err
	}

	var errs []error
	for _, path := range []*string{task.ResultPath, task.ArchivedPath, task.LogPath} {
		if path == nil {
			continue
		}
		if err := os.Remove(*path); err != nil && !errors.Is(err, os.ErrNotExist) {
			errs = append(errs, err)
		}
	}
	if task.ResultPath != nil {
		// the result directory is named after the task
		if dir := filepath.Dir(*task.ResultPath); strings.HasSuffix(filepath.Base(dir), "_"+id) {
			if err := os.RemoveAll(dir); err != nil {
				errs = append(errs, err)
			}
		}
	}
	if err := errors.Join(errs...); err != nil {
		c.logger.Warn("Failed to remove some task files", "task_id", id, "error", err.Error())
	}
	c.logger.Info("Task deleted", "task_id", id)
	return nil
}
