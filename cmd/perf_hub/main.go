package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/spf13/cobra"

	"github.com/llm-perf/perf-hub/cmd/perf_hub/server"
	"github.com/llm-perf/perf-hub/internal/config"
	"github.com/llm-perf/perf-hub/internal/dispatcher"
	"github.com/llm-perf/perf-hub/internal/logging"
	"github.com/llm-perf/perf-hub/internal/metrics"
	"github.com/llm-perf/perf-hub/internal/remote"
	"github.com/llm-perf/perf-hub/internal/runner"
	"github.com/llm-perf/perf-hub/internal/storage"
	"github.com/llm-perf/perf-hub/internal/tracing"
)

var (
	// Version can be set during the compilation
	Version string = "0.0.1"
	// Build is set during the compilation
	Build string
	// BuildDate is set during the compilation
	BuildDate string
)

// configDirs overrides the directories searched for config.yaml.
var configDirs []string

func main() {
	root := &cobra.Command{
		Use:           "perf-hub",
		Short:         "LLM inference benchmark engine",
		Version:       Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	root.PersistentFlags().StringSliceVar(&configDirs, "config-dir", nil, "directories searched for config.yaml")
	root.AddCommand(newServeCommand(), newProbeCommand(), newTaskCommand())

	if err := root.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func newServeCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the dispatcher, the workers and the ops server",
		Args:  cobra.NoArgs,
		Run: func(cmd *cobra.Command, _ []string) {
			serve()
		},
	}
}

func serve() {
	serviceConfig, err := config.LoadConfig(logging.FallbackLogger(), Version, Build, BuildDate, configDirs...)
	if err != nil {
		// we do this as no point trying to continue
		startUpFailed(nil, err, "Failed to create service config", logging.FallbackLogger())
	}

	logger, logShutdown, err := logging.NewLogger(serviceConfig.Logging.Level)
	if err != nil {
		// we do this as no point trying to continue
		startUpFailed(serviceConfig, err, "Failed to create service logger", logging.FallbackLogger())
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	traceShutdown, err := tracing.Setup(ctx, logger, serviceConfig.Tracing, serviceConfig.Service.Version)
	if err != nil {
		startUpFailed(serviceConfig, err, "Failed to set up tracing", logger)
	}

	if err := metrics.InitMetrics(prometheus.DefaultRegisterer); err != nil {
		startUpFailed(serviceConfig, err, "Failed to register metrics", logger)
	}

	// set up the storage
	store, err := storage.NewStorage(serviceConfig.Database, logger)
	if err != nil {
		// we do this as no point trying to continue
		startUpFailed(serviceConfig, err, "Failed to create storage", logger)
	}

	taskRunner, err := runner.New(logger, store, remote.NewFactory(logger, &serviceConfig.Runner), serviceConfig)
	if err != nil {
		startUpFailed(serviceConfig, err, "Failed to create runner", logger)
	}
	d, err := dispatcher.New(logger, store, taskRunner, serviceConfig.Dispatcher)
	if err != nil {
		startUpFailed(serviceConfig, err, "Failed to create dispatcher", logger)
	}

	srv, err := server.NewServer(logger, serviceConfig, store, d)
	if err != nil {
		// we do this as no point trying to continue
		startUpFailed(serviceConfig, err, "Failed to create server", logger)
	}

	// log the start up details
	logger.Info("Server starting",
		"server_port", srv.GetPort(),
		"version", serviceConfig.Service.Version,
		"build", serviceConfig.Service.Build,
		"build_date", serviceConfig.Service.BuildDate,
		"storage", store.GetDatasourceName(),
		"lease_owner", d.Owner(),
		"workers", serviceConfig.Dispatcher.Workers,
		"tool", serviceConfig.Runner.Tool,
		"allow_simulation", serviceConfig.Runner.AllowSimulation,
		"tracing", serviceConfig.Tracing.Exporter,
	)

	dispatcherDone := make(chan error, 1)
	go func() {
		dispatcherDone <- d.Start(ctx)
	}()

	// Start server in a goroutine
	go func() {
		if err := srv.Start(); err != nil {
			if errors.Is(err, &server.ServerClosedError{}) {
				logger.Info("Server closed gracefully")
				return
			}
			// we do this as no point trying to continue
			startUpFailed(serviceConfig, err, "Server failed to start", logger)
		}
	}()

	// Wait for interrupt signal to gracefully shutdown the server
	<-ctx.Done()
	logger.Info("Shutting down server...")

	// Create a context with timeout for graceful shutdown
	waitForShutdown := 30 * time.Second
	shutdownCtx, cancel := context.WithTimeout(context.Background(), waitForShutdown)
	defer cancel()

	// running tasks release their leases before the storage closes
	select {
	case err := <-dispatcherDone:
		if err != nil {
			logger.Error("Dispatcher stopped with an error", "error", err.Error())
		}
	case <-shutdownCtx.Done():
		logger.Error("Dispatcher did not stop in time", "timeout", waitForShutdown)
	}

	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Error("Server forced to shutdown", "error", err.Error(), "timeout", waitForShutdown)
	} else {
		logger.Info("Server shutdown gracefully")
	}

	// shutdown the storage
	if err := store.Close(); err != nil {
		logger.Error("Failed to close storage", "error", err.Error())
	}
	if err := traceShutdown(shutdownCtx); err != nil {
		logger.Error("Failed to flush traces", "error", err.Error())
	}
	_ = logShutdown() // ignore the error
}

func startUpFailed(conf *config.Config, err error, msg string, logger *slog.Logger) {
	termErr := server.SetTerminationMessage(server.GetTerminationFile(conf, logger), fmt.Sprintf("%s: %s", msg, err.Error()), logger)
	if termErr != nil {
		logger.Error("Failed to set termination message", "message", msg, "error", termErr.Error())
		log.Println(termErr.Error())
	}
	log.Fatal(err)
}
