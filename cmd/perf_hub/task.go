package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"

	"github.com/spf13/cobra"

	"github.com/llm-perf/perf-hub/internal/controller"
	"github.com/llm-perf/perf-hub/internal/storage"
	"github.com/llm-perf/perf-hub/internal/validation"
	"github.com/llm-perf/perf-hub/pkg/api"
)

type taskList struct {
	Items []api.Task `json:"items"`
	Total int        `json:"total"`
}

type retryOutput struct {
	Task    *api.Task `json:"task"`
	Created bool      `json:"created"`
}

// withController runs fn against the task store. The serving dispatcher picks
// up new tasks and cancel requests on its next poll.
func withController(fn func(*controller.Controller) error) error {
	serviceConfig, logger, logShutdown, err := loadCommandConfig()
	if err != nil {
		return err
	}
	defer func() { _ = logShutdown() }()

	validate, err := validation.NewValidator()
	if err != nil {
		return err
	}
	store, err := storage.NewStorage(serviceConfig.Database, logger)
	if err != nil {
		return err
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Error("Failed to close storage", "error", err.Error())
		}
	}()

	c, err := controller.New(logger, store, validate, nil, serviceConfig)
	if err != nil {
		return err
	}
	return fn(c)
}

func newTaskCommand() *cobra.Command {
	var format string
	cmd := &cobra.Command{
		Use:   "task",
		Short: "Manage benchmark tasks",
	}
	cmd.PersistentFlags().StringVarP(&format, "format", "o", formatJSON, "output format, json or yaml")

	var file string
	create := &cobra.Command{
		Use:   "create",
		Short: "Queue a task from a JSON task definition",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			taskConfig, err := readTaskConfig(cmd.InOrStdin(), file)
			if err != nil {
				return err
			}
			return withController(func(c *controller.Controller) error {
				task, err := c.Create(taskConfig)
				if err != nil {
					return err
				}
				return writeOutput(cmd.OutOrStdout(), format, task)
			})
		},
	}
	create.Flags().StringVarP(&file, "file", "f", "-", "task definition, - reads stdin")

	get := &cobra.Command{
		Use:   "get ID",
		Short: "Show a task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(func(c *controller.Controller) error {
				task, err := c.Get(args[0])
				if err != nil {
					return err
				}
				return writeOutput(cmd.OutOrStdout(), format, task)
			})
		},
	}

	filter := api.TaskFilter{}
	var status string
	list := &cobra.Command{
		Use:   "list",
		Short: "List tasks, newest first",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, _ []string) error {
			filter.Status = api.State(status)
			return withController(func(c *controller.Controller) error {
				results, err := c.List(filter)
				if err != nil {
					return err
				}
				return writeOutput(cmd.OutOrStdout(), format, taskList{Items: results.Items, Total: results.TotalStored})
			})
		},
	}
	list.Flags().StringVar(&status, "status", "", "only tasks in this state")
	list.Flags().StringVar(&filter.OwnerID, "owner", "", "only tasks of this owner")
	list.Flags().StringVar(&filter.LineageID, "lineage", "", "only tasks of this retry lineage")
	list.Flags().IntVar(&filter.Limit, "limit", 50, "maximum number of tasks")
	list.Flags().IntVar(&filter.Offset, "offset", 0, "number of tasks to skip")

	cancel := &cobra.Command{
		Use:   "cancel ID",
		Short: "Cancel a queued or running task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(func(c *controller.Controller) error {
				task, err := c.Cancel(args[0])
				if err != nil {
					return err
				}
				return writeOutput(cmd.OutOrStdout(), format, task)
			})
		},
	}

	retry := &cobra.Command{
		Use:   "retry ID",
		Short: "Queue a new attempt of a finished task",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(func(c *controller.Controller) error {
				task, created, err := c.Retry(args[0])
				if err != nil {
					return err
				}
				return writeOutput(cmd.OutOrStdout(), format, retryOutput{Task: task, Created: created})
			})
		},
	}

	archive := &cobra.Command{
		Use:   "archive ID",
		Short: "Copy the report of a completed task into the archive",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(func(c *controller.Controller) error {
				task, err := c.Archive(args[0])
				if err != nil {
					return err
				}
				return writeOutput(cmd.OutOrStdout(), format, task)
			})
		},
	}

	remove := &cobra.Command{
		Use:     "delete ID",
		Aliases: []string{"rm"},
		Short:   "Delete a finished task and its files",
		Args:    cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withController(func(c *controller.Controller) error {
				if err := c.Delete(args[0]); err != nil {
					return err
				}
				_, err := fmt.Fprintf(cmd.OutOrStdout(), "task %s deleted\n", args[0])
				return err
			})
		},
	}

	cmd.AddCommand(create, get, list, cancel, retry, archive, remove)
	return cmd
}

func readTaskConfig(stdin io.Reader, file string) (*api.TaskConfig, error) {
	var data []byte
	var err error
	if file == "-" {
		data, err = io.ReadAll(stdin)
	} else {
		data, err = os.ReadFile(file)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read the task definition: %w", err)
	}
	taskConfig := &api.TaskConfig{}
	if err := json.Unmarshal(data, taskConfig); err != nil {
		return nil, fmt.Errorf("the task definition is not valid JSON: %w", err)
	}
	return taskConfig, nil
}
