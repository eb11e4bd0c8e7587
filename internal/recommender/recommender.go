package recommender

import (
	"fmt"
	"math"
	"slices"
	"strings"

	"github.com/llm-perf/perf-hub/internal/config"
	"github.com/llm-perf/perf-hub/pkg/api"
)

const (
	// the context length the engine baselines were measured at
	baselineContext = 2048
	overallCap      = 128
	defaultBaseline = 12
)

var engineBaselines = map[string]int{
	"vllm":      32,
	"torch":     16,
	"evalscope": 24,
}

// Request describes the benchmark the recommendation is for.
type Request struct {
	Engine       string
	InputLength  int
	OutputLength int
}

type Recommender struct {
	config config.RecommenderConfig
}

func New(cfg config.RecommenderConfig) *Recommender {
	if cfg.Min < 1 {
		cfg.Min = 1
	}
	if cfg.Max < cfg.Min {
		cfg.Max = cfg.Min
	}
	return &Recommender{config: cfg}
}

// PerRequestMB is the estimated memory one in-flight request needs. It grows
// monotonically with the token count.
func (r *Recommender) PerRequestMB(inputLength int, outputLength int) float64 {
	tokens := max(0, inputLength) + max(0, outputLength)
	return r.config.BaseMB + r.config.PerTokenMB*float64(tokens)
}

// EngineCap is the baseline concurrency of an engine scaled to the context length.
func EngineCap(engine string, inputLength int, outputLength int) int {
	baseline, ok := engineBaselines[strings.ToLower(engine)]
	if !ok {
		baseline = defaultBaseline
	}
	normalized := float64(max(1, inputLength+outputLength)) / baselineContext
	value := int(math.Max(1, float64(baseline)/normalized))
	return min(value, overallCap)
}

// Recommend derives a concurrency level from the free GPU memory of a snapshot.
// Without usable data the minimum is returned and marked unverified.
func (r *Recommender) Recommend(snapshot *api.HardwareSnapshot, req Request) api.Recommendation {
	cfg := r.config
	perRequest := r.PerRequestMB(req.InputLength, req.OutputLength)
	rec := api.Recommendation{PerRequestMB: perRequest}

	if snapshot == nil || len(snapshot.GPUs) == 0 {
		rec.Concurrency = cfg.Min
		rec.Unverified = true
		rec.Reasons = append(rec.Reasons, "no GPU telemetry available")
		return rec
	}
	if perRequest <= 0 {
		rec.Concurrency = cfg.Min
		rec.Unverified = true
		rec.Reasons = append(rec.Reasons, "per request memory estimate is not positive")
		return rec
	}

	var usable int64
	switch cfg.MemoryMode {
	case config.MemoryModePerDevice:
		// only whole requests fit on a device
		for _, gpu := range snapshot.GPUs {
			fits := math.Floor(float64(max(0, gpu.FreeMB)) / perRequest)
			usable += int64(fits * perRequest)
		}
	default:
		for _, gpu := range snapshot.GPUs {
			usable += max(0, gpu.FreeMB)
		}
	}
	usable = max(0, usable-cfg.ModelReserveMB)
	rec.UsableMB = usable
	rec.Raw = int(math.Floor(float64(usable) / perRequest))

	if rec.Raw < cfg.Min {
		rec.Concurrency = cfg.Min
		rec.Unverified = true
		rec.Reasons = append(rec.Reasons, fmt.Sprintf("%d MB usable fits %d requests of %.0f MB", usable, rec.Raw, perRequest))
		return rec
	}

	value := min(rec.Raw, cfg.Max)
	if value < rec.Raw {
		rec.Reasons = append(rec.Reasons, fmt.Sprintf("clamped to the maximum of %d", cfg.Max))
	}
	if cfg.EngineCaps {
		if limit := EngineCap(req.Engine, req.InputLength, req.OutputLength); limit < value {
			value = max(cfg.Min, limit)
			rec.Reasons = append(rec.Reasons, fmt.Sprintf("capped at %d for engine %s", limit, req.Engine))
		}
	}
	rec.Concurrency = value

	if cfg.Sweep && len(snapshot.GPUs) > 1 {
		mid := max(cfg.Min, int(math.Floor(cfg.SweepFraction*float64(value))))
		sweep := []int{cfg.Min, mid, value}
		slices.Sort(sweep)
		rec.Sweep = slices.Compact(sweep)
	}
	return rec
}
