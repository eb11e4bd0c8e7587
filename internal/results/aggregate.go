package results

import (
	"math"
	"slices"
	"time"

	"github.com/llm-perf/perf-hub/pkg/api"
)

// Pass is one executed benchmark command.
type Pass struct {
	Concurrency int
	Round       int
	Duration    time.Duration
}

// Run describes everything about a benchmark run that is echoed into the summary.
type Run struct {
	Engine         string
	Model          string
	InputLength    int
	OutputLength   int
	Loop           int
	Concurrency    []int
	Passes         []Pass
	MalformedLines int
	ExecutionMode  api.ExecutionMode
	Recommendation *api.Recommendation
}

// WallClock is the sum of the pass durations, optionally restricted to one
// concurrency value (0 means all).
func (r *Run) WallClock(concurrency int) time.Duration {
	var total time.Duration
	for _, p := range r.Passes {
		if concurrency == 0 || p.Concurrency == concurrency {
			total += p.Duration
		}
	}
	return total
}

// Percentile returns the nearest-rank percentile of an ascending list.
func Percentile(sorted []float64, p float64) float64 {
	n := len(sorted)
	if n == 0 {
		return math.NaN()
	}
	idx := int(math.Ceil(p*float64(n))) - 1
	return sorted[min(max(idx, 0), n-1)]
}

// Aggregate computes the summary of a run from its full sample set. Sweeps get
// one nested summary per concurrency value, in sweep order.
func Aggregate(run Run, samples []api.ResultSample) *api.ResultSummary {
	summary := summarize(&run, samples, run.Concurrency, run.WallClock(0))
	summary.MalformedLines = run.MalformedLines
	summary.ExecutionMode = run.ExecutionMode
	summary.Recommendation = run.Recommendation

	if len(run.Concurrency) > 1 {
		for _, value := range run.Concurrency {
			var subset []api.ResultSample
			for _, s := range samples {
				if s.Concurrency == value {
					subset = append(subset, s)
				}
			}
			summary.PerConcurrency = append(summary.PerConcurrency, summarize(&run, subset, []int{value}, run.WallClock(value)))
		}
	}
	return &summary
}

func summarize(run *Run, samples []api.ResultSample, concurrency []int, wallClock time.Duration) api.ResultSummary {
	s := api.ResultSummary{
		Engine:       run.Engine,
		Model:        run.Model,
		InputLength:  run.InputLength,
		OutputLength: run.OutputLength,
		Concurrency:  slices.Clone(concurrency),
		Loop:         run.Loop,

		TotalRequests:    len(samples),
		WallClockSeconds: wallClock.Seconds(),
	}

	latencies := make([]float64, 0, len(samples))
	var tokens int
	for _, sample := range samples {
		if sample.Success {
			s.SuccessfulRequests++
			tokens += sample.Tokens
		} else {
			s.FailedRequests++
		}
		if sample.Latency != nil {
			latencies = append(latencies, *sample.Latency)
		}
	}

	if s.TotalRequests > 0 {
		s.ErrorRate = api.Ptr(float64(s.FailedRequests) / float64(s.TotalRequests))
	}
	if wallClock > 0 {
		s.Throughput = api.Ptr(float64(tokens) / wallClock.Seconds())
	}
	if len(latencies) > 0 {
		slices.Sort(latencies)
		var sum float64
		for _, l := range latencies {
			sum += l
		}
		s.Latency = api.LatencyStats{
			Avg: api.Ptr(sum / float64(len(latencies))),
			P50: api.Ptr(Percentile(latencies, 0.50)),
			P90: api.Ptr(Percentile(latencies, 0.90)),
			P95: api.Ptr(Percentile(latencies, 0.95)),
			P99: api.Ptr(Percentile(latencies, 0.99)),
		}
	}
	return s
}
