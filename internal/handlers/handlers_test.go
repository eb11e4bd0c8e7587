package handlers_test

import (
	"strings"
	"testing"

	"github.com/llm-perf/perf-hub/internal/abstractions"
	"github.com/llm-perf/perf-hub/internal/handlers"
	"github.com/llm-perf/perf-hub/internal/logging"
	"github.com/llm-perf/perf-hub/internal/storage"
)

type fakeDispatcher struct{}

func (fakeDispatcher) Owner() string {
	return "test-host/dispatcher"
}

func TestNew(t *testing.T) {
	h := handlers.New(nil, nil, nil, nil)
	if h == nil {
		t.Error("New() returned nil")
	}
}

func newStore(t *testing.T) abstractions.Storage {
	t.Helper()
	databaseConfig := map[string]any{
		"driver":         "sqlite",
		"url":            "file:" + strings.ReplaceAll(t.Name(), "/", "_") + "?mode=memory&cache=shared",
		"database_name":  "perf_hub",
		"max_open_conns": 1,
	}
	store, err := storage.NewStorage(&databaseConfig, logging.DiscardLogger())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() { _ = store.Close() })
	return store
}
