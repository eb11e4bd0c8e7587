package handlers

import (
	"net/http"
	"time"

	"github.com/llm-perf/perf-hub/pkg/api"
)

var reportedStates = []api.State{api.StateQueued, api.StateRunning, api.StateCompleted, api.StateFailed, api.StateCanceled}

type DispatcherStatus struct {
	Owner   string `json:"owner"`
	Workers int    `json:"workers"`
}

type StatusResponse struct {
	Service    string            `json:"service"`
	Version    string            `json:"version,omitempty"`
	Status     string            `json:"status"`
	Timestamp  string            `json:"timestamp"`
	Dispatcher *DispatcherStatus `json:"dispatcher,omitempty"`
	Tasks      map[api.State]int `json:"tasks"`
}

// HandleStatus reports the dispatcher identity and the task count per state.
func (h *Handlers) HandleStatus(w http.ResponseWriter, r *http.Request) {
	if !h.checkMethod(w, r, http.MethodGet) {
		return
	}
	response := StatusResponse{
		Service:   "perf-hub",
		Status:    "running",
		Timestamp: h.now().UTC().Format(time.RFC3339),
		Tasks:     map[api.State]int{},
	}
	if h.serviceConfig != nil && h.serviceConfig.Service != nil {
		response.Version = h.serviceConfig.Service.Version
	}
	if h.dispatcher != nil {
		response.Dispatcher = &DispatcherStatus{Owner: h.dispatcher.Owner()}
		if h.serviceConfig != nil {
			response.Dispatcher.Workers = h.serviceConfig.Dispatcher.Workers
		}
	}
	for _, state := range reportedStates {
		if h.storage == nil {
			break
		}
		counted, err := h.storage.ListTasks(api.TaskFilter{Status: state, Limit: 1})
		if err != nil {
			h.errorResponse(w, r, err.Error(), http.StatusInternalServerError)
			return
		}
		response.Tasks[state] = counted.TotalStored
	}
	h.successResponse(w, r, response, http.StatusOK)
}
