package handlers_test

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/llm-perf/perf-hub/internal/config"
	"github.com/llm-perf/perf-hub/internal/handlers"
	"github.com/llm-perf/perf-hub/internal/logging"
	"github.com/llm-perf/perf-hub/pkg/api"
)

func TestHandleStatus(t *testing.T) {
	store := newStore(t)
	for range 3 {
		if _, err := store.CreateTask(&api.TaskConfig{
			Engine: "evalscope",
			Model:  "Qwen2.5-7B-Instruct",
			Parameters: api.Parameters{
				Scenario:    api.ScenarioFT,
				BenchParams: api.BenchParams{InputLength: 1, OutputLength: 1, Concurrency: api.FixedConcurrency(1)},
			},
			Target: api.ExecutionTarget{Local: true},
		}); err != nil {
			t.Fatalf("Failed to create a task: %v", err)
		}
	}
	serviceConfig := config.Default()
	serviceConfig.Service.Version = "1.2.3"
	h := handlers.New(logging.DiscardLogger(), store, fakeDispatcher{}, serviceConfig)

	t.Run("GET request returns status information", func(t *testing.T) {
		w := httptest.NewRecorder()

		h.HandleStatus(w, httptest.NewRequest(http.MethodGet, "/api/v1/status", nil))

		if w.Code != http.StatusOK {
			t.Fatalf("Expected status code %d, got %d: %s", http.StatusOK, w.Code, w.Body.String())
		}

		var response handlers.StatusResponse
		if err := json.Unmarshal(w.Body.Bytes(), &response); err != nil {
			t.Fatalf("Failed to unmarshal response: %v", err)
		}
		if response.Service != "perf-hub" || response.Version != "1.2.3" || response.Status != "running" {
			t.Errorf("Unexpected status header fields %+v", response)
		}
		if _, err := time.Parse(time.RFC3339, response.Timestamp); err != nil {
			t.Errorf("Invalid timestamp format: %v", err)
		}
		if response.Dispatcher == nil || response.Dispatcher.Owner != "test-host/dispatcher" || response.Dispatcher.Workers != serviceConfig.Dispatcher.Workers {
			t.Errorf("Unexpected dispatcher status %+v", response.Dispatcher)
		}
		if response.Tasks[api.StateQueued] != 3 || response.Tasks[api.StateRunning] != 0 {
			t.Errorf("Unexpected task counts %v", response.Tasks)
		}
	})

	t.Run("DELETE request returns method not allowed", func(t *testing.T) {
		w := httptest.NewRecorder()

		h.HandleStatus(w, httptest.NewRequest(http.MethodDelete, "/api/v1/status", nil))

		if w.Code != http.StatusMethodNotAllowed {
			t.Errorf("Expected status code %d, got %d", http.StatusMethodNotAllowed, w.Code)
		}
	})
}
