package handlers

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/llm-perf/perf-hub/internal/abstractions"
	"github.com/llm-perf/perf-hub/internal/config"
)

// Dispatcher is the view of the local dispatcher the status handler reports.
type Dispatcher interface {
	Owner() string
}

// Handlers serves the operational endpoints of the engine.
type Handlers struct {
	logger        *slog.Logger
	storage       abstractions.Storage
	dispatcher    Dispatcher
	serviceConfig *config.Config
	now           func() time.Time
}

func New(logger *slog.Logger, storage abstractions.Storage, dispatcher Dispatcher, serviceConfig *config.Config) *Handlers {
	return &Handlers{
		logger:        logger,
		storage:       storage,
		dispatcher:    dispatcher,
		serviceConfig: serviceConfig,
		now:           time.Now,
	}
}

func (h *Handlers) checkMethod(w http.ResponseWriter, r *http.Request, method string) bool {
	if r.Method != method {
		h.errorResponse(w, r, fmt.Sprintf("Method %s not allowed, expecting %s", r.Method, method), http.StatusMethodNotAllowed)
		return false
	}
	return true
}

func (h *Handlers) setApplicationJSON(w http.ResponseWriter) {
	w.Header().Set("Content-Type", "application/json")
}

func (h *Handlers) errorResponse(w http.ResponseWriter, r *http.Request, errorMessage string, code int) {
	header := w.Header()
	// the error replaces whatever body was announced
	header.Del("Content-Length")
	h.setApplicationJSON(w)
	header.Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(code)
	body, _ := json.Marshal(map[string]any{"error": errorMessage, "code": code, "trace": r.Header.Get("X-Global-Transaction-Id")})
	_, _ = w.Write(body)

	if h.logger != nil {
		h.logger.Warn("Request failed", "method", r.Method, "uri", r.URL.Path, "code", code, "error", errorMessage)
	}
}

func (h *Handlers) successResponse(w http.ResponseWriter, r *http.Request, response any, code int) {
	jsonBytes, err := json.Marshal(response)
	if err != nil {
		h.errorResponse(w, r, err.Error(), http.StatusInternalServerError)
		return
	}
	h.setApplicationJSON(w)
	w.WriteHeader(code)
	_, _ = w.Write(jsonBytes)
}
