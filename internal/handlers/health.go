package handlers

import (
	"net/http"
	"time"
)

const (
	STATUS_HEALTHY   = "healthy"
	STATUS_UNHEALTHY = "unhealthy"

	storagePingTimeout = 2 * time.Second
)

type HealthResponse struct {
	Status    string    `json:"status"`
	Timestamp time.Time `json:"timestamp"`
	Build     string    `json:"build,omitempty"`
	BuildDate string    `json:"build_date,omitempty"`
	Storage   string    `json:"storage,omitempty"`
	Error     string    `json:"error,omitempty"`
}

// HandleHealth reports healthy while the task store answers a ping.
func (h *Handlers) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if !h.checkMethod(w, r, http.MethodGet) {
		return
	}
	healthInfo := HealthResponse{
		Status:    STATUS_HEALTHY,
		Timestamp: h.now().UTC(),
	}
	if h.serviceConfig != nil && h.serviceConfig.Service != nil {
		// for now we only want a real build number and not the default value
		if build := h.serviceConfig.Service.Build; build != "0.0.1" {
			healthInfo.Build = build
		}
		healthInfo.BuildDate = h.serviceConfig.Service.BuildDate
	}
	code := http.StatusOK
	if h.storage != nil {
		healthInfo.Storage = h.storage.GetDatasourceName()
		if err := h.storage.Ping(storagePingTimeout); err != nil {
			healthInfo.Status = STATUS_UNHEALTHY
			healthInfo.Error = err.Error()
			code = http.StatusServiceUnavailable
		}
	}
	h.successResponse(w, r, healthInfo, code)
}
