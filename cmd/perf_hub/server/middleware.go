package server

import (
	"net/http"
	"strconv"
	"time"

	"github.com/llm-perf/perf-hub/internal/metrics"
)

const unmatchedRoute = "unmatched"

// Middleware wraps an http.Handler to collect Prometheus metrics. Requests are
// labelled with the matched route pattern so unknown paths share one series.
func Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()

		metrics.HTTPRequestInFlight.Inc()
		defer metrics.HTTPRequestInFlight.Dec()

		rw := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}
		next.ServeHTTP(rw, r)

		// the mux records the pattern on the request it was given
		endpoint := r.Pattern
		if endpoint == "" {
			endpoint = unmatchedRoute
		}
		status := strconv.Itoa(rw.statusCode)

		metrics.HTTPRequestDuration.WithLabelValues(r.Method, endpoint, status).Observe(time.Since(start).Seconds())
		metrics.HTTPRequestTotal.WithLabelValues(r.Method, endpoint, status).Inc()
	})
}

// responseWriter captures the status code written by the handler.
type responseWriter struct {
	http.ResponseWriter
	statusCode int
	written    bool
}

func (rw *responseWriter) WriteHeader(code int) {
	if !rw.written {
		rw.statusCode = code
		rw.written = true
	}
	rw.ResponseWriter.WriteHeader(code)
}

func (rw *responseWriter) Write(b []byte) (int, error) {
	rw.written = true
	return rw.ResponseWriter.Write(b)
}

func (rw *responseWriter) Unwrap() http.ResponseWriter {
	return rw.ResponseWriter
}
