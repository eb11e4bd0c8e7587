package storage

import (
	"log/slog"

	"github.com/llm-perf/perf-hub/internal/abstractions"
	"github.com/llm-perf/perf-hub/internal/serviceerrors"
	"github.com/llm-perf/perf-hub/internal/storage/sql"
)

// NewStorage creates a new storage instance based on the configuration.
// It currently uses the SQL storage implementation.
func NewStorage(databaseConfig *map[string]any, logger *slog.Logger) (abstractions.Storage, error) {
	if databaseConfig == nil {
		return nil, serviceerrors.NewStorageError("database configuration is required")
	}
	return sql.NewStorage(*databaseConfig, logger)
}
