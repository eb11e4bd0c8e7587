package remote

import (
	"context"
	"log/slog"

	"github.com/llm-perf/perf-hub/internal/abstractions"
	"github.com/llm-perf/perf-hub/internal/config"
	"github.com/llm-perf/perf-hub/pkg/api"
)

// Factory opens the executor matching a task target.
type Factory struct {
	logger  *slog.Logger
	options SSHOptions
}

func NewFactory(logger *slog.Logger, runnerConfig *config.RunnerConfig) *Factory {
	return &Factory{
		logger: logger,
		options: SSHOptions{
			KillGrace:      runnerConfig.KillGrace,
			Keepalive:      runnerConfig.Keepalive,
			KnownHostsFile: runnerConfig.KnownHostsFile,
		},
	}
}

func (f *Factory) Open(ctx context.Context, target api.ExecutionTarget) (abstractions.Executor, error) {
	if target.Remote == nil {
		return NewLocalExecutor(f.logger, f.options.KillGrace), nil
	}
	return DialSSH(ctx, f.logger, *target.Remote, f.options)
}
