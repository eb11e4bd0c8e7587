package runner

import (
	"hash/fnv"
	"math/rand/v2"
	"time"

	"github.com/llm-perf/perf-hub/pkg/api"
)

// simulatePass generates the samples of one pass for hosts without the
// benchmark tool. The values only depend on the task id, the concurrency value
// and the round, so a retry of the same task reproduces them.
func simulatePass(task *api.Task, concurrency int, round int) ([]api.ResultSample, time.Duration) {
	h := fnv.New64a()
	_, _ = h.Write([]byte(task.ID))
	rng := rand.New(rand.NewPCG(h.Sum64(), uint64(concurrency)<<32|uint64(round)))

	params := &task.Parameters
	tokens := params.OutputLength
	base := 0.05 + 0.002*float64(params.InputLength+params.OutputLength)
	contention := 1 + float64(concurrency)/16

	count := params.RequestCount(concurrency)
	samples := make([]api.ResultSample, 0, count)
	busy := make([]float64, max(1, concurrency))
	for i := range count {
		latency := base * contention * (0.85 + 0.3*rng.Float64())
		slot := i % len(busy)
		busy[slot] += latency
		sample := api.ResultSample{
			Round:       round,
			Slot:        slot,
			Concurrency: concurrency,
			Latency:     api.Ptr(latency),
			Success:     rng.Float64() >= 0.02,
		}
		if sample.Success {
			sample.Tokens = tokens
			sample.TokensPerS = float64(tokens) / latency
		} else {
			sample.Error = api.Ptr("simulated request failure")
		}
		samples = append(samples, sample)
	}

	// the pass lasts as long as its busiest slot
	var longest float64
	for _, b := range busy {
		longest = max(longest, b)
	}
	return samples, time.Duration(longest * float64(time.Second))
}
