package metrics

import (
	"errors"
	"fmt"
	"sync"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "perf_hub"

// The collectors exist from package initialization so that they can be used
// before, or without, registration.
var (
	HTTPRequestDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "http_request_duration_seconds",
			Help:      "Duration of the HTTP requests served by the ops server",
			Buckets:   prometheus.DefBuckets,
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestTotal = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "http_requests_total",
			Help:      "Total number of HTTP requests served by the ops server",
		},
		[]string{"method", "endpoint", "status"},
	)
	HTTPRequestInFlight = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "http_requests_in_flight",
			Help:      "Number of HTTP requests being served",
		},
	)

	TasksLeased = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_leased_total",
			Help:      "Total number of tasks leased by this dispatcher",
		},
	)
	LeaseConflicts = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lease_conflicts_total",
			Help:      "Total number of lease acquisitions lost to another dispatcher",
		},
	)
	LeasesLost = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "leases_lost_total",
			Help:      "Total number of running tasks whose lease could not be renewed",
		},
	)
	StaleLeases = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "stale_leases_total",
			Help:      "Total number of expired leases resolved by the stale sweep",
		},
		[]string{"policy"},
	)
	TasksFinished = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tasks_finished_total",
			Help:      "Total number of tasks that reached a terminal state",
		},
		[]string{"task_type", "state", "error_kind"},
	)
	WorkersBusy = prometheus.NewGauge(
		prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "workers_busy",
			Help:      "Number of worker slots running a task",
		},
	)

	BenchmarkPassDuration = prometheus.NewHistogramVec(
		prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "benchmark_pass_duration_seconds",
			Help:      "Duration of one benchmark pass",
			Buckets:   prometheus.ExponentialBuckets(1, 2, 14),
		},
		[]string{"engine", "execution_mode"},
	)
	SamplesParsed = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "samples_parsed_total",
			Help:      "Total number of result samples parsed from benchmark output",
		},
		[]string{"engine"},
	)
	MalformedLines = prometheus.NewCounterVec(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "malformed_sample_lines_total",
			Help:      "Total number of sample candidate lines that could not be parsed",
		},
		[]string{"engine"},
	)
	CleanupFailures = prometheus.NewCounter(
		prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "cleanup_failures_total",
			Help:      "Total number of failed best effort cleanups",
		},
	)

	initOnce sync.Once
	initErr  error
)

func collectors() map[string]prometheus.Collector {
	return map[string]prometheus.Collector{
		"http_request_duration":   HTTPRequestDuration,
		"http_request_total":      HTTPRequestTotal,
		"http_request_in_flight":  HTTPRequestInFlight,
		"tasks_leased":            TasksLeased,
		"lease_conflicts":         LeaseConflicts,
		"leases_lost":             LeasesLost,
		"stale_leases":            StaleLeases,
		"tasks_finished":          TasksFinished,
		"workers_busy":            WorkersBusy,
		"benchmark_pass_duration": BenchmarkPassDuration,
		"samples_parsed":          SamplesParsed,
		"malformed_lines":         MalformedLines,
		"cleanup_failures":        CleanupFailures,
	}
}

// InitMetrics registers all the engine metrics with the provided registry. It is
// safe to call more than once; only the first call registers.
func InitMetrics(registry prometheus.Registerer) error {
	initOnce.Do(func() {
		for name, c := range collectors() {
			if err := registry.Register(c); err != nil {
				var already prometheus.AlreadyRegisteredError
				if errors.As(err, &already) {
					continue
				}
				initErr = fmt.Errorf("failed to register the %s metric: %w", name, err)
				return
			}
		}
	})
	return initErr
}
