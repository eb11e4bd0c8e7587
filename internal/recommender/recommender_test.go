package recommender_test

import (
	"slices"
	"testing"

	"github.com/llm-perf/perf-hub/internal/config"
	"github.com/llm-perf/perf-hub/internal/recommender"
	"github.com/llm-perf/perf-hub/pkg/api"
)

func snapshot(free ...int64) *api.HardwareSnapshot {
	s := &api.HardwareSnapshot{Complete: true}
	for i, f := range free {
		s.GPUs = append(s.GPUs, api.GPU{Index: i, TotalMB: 81920, FreeMB: f})
	}
	return s
}

// fixed 4 GB per request regardless of the token count
func fourGB() config.RecommenderConfig {
	return config.RecommenderConfig{Min: 1, Max: 128, BaseMB: 4096, PerTokenMB: 0, MemoryMode: config.MemoryModeSum, SweepFraction: 0.5}
}

func TestRecommend(t *testing.T) {
	req := recommender.Request{Engine: "evalscope", InputLength: 512, OutputLength: 512}

	t.Run("little free memory is unverified at the minimum", func(t *testing.T) {
		rec := recommender.New(fourGB()).Recommend(snapshot(2048), req)
		if rec.Concurrency != 1 || !rec.Unverified || rec.Raw != 0 {
			t.Fatalf("Expected 1 unverified, got %+v", rec)
		}
	})

	t.Run("no snapshot or no GPUs is unverified", func(t *testing.T) {
		r := recommender.New(fourGB())
		for _, s := range []*api.HardwareSnapshot{nil, {}} {
			rec := r.Recommend(s, req)
			if rec.Concurrency != 1 || !rec.Unverified {
				t.Fatalf("Expected 1 unverified, got %+v", rec)
			}
		}
	})

	t.Run("free memory divided by the per request estimate", func(t *testing.T) {
		rec := recommender.New(fourGB()).Recommend(snapshot(40960), req)
		if rec.Concurrency != 10 || rec.Unverified || rec.UsableMB != 40960 {
			t.Fatalf("Expected 10, got %+v", rec)
		}
	})

	t.Run("clamped to the maximum", func(t *testing.T) {
		cfg := fourGB()
		cfg.Max = 8
		rec := recommender.New(cfg).Recommend(snapshot(81920), req)
		if rec.Concurrency != 8 || rec.Raw != 20 {
			t.Fatalf("Expected 8 from raw 20, got %+v", rec)
		}
	})

	t.Run("model reserve is subtracted with a floor at zero", func(t *testing.T) {
		cfg := fourGB()
		cfg.ModelReserveMB = 20480
		rec := recommender.New(cfg).Recommend(snapshot(40960), req)
		if rec.Concurrency != 5 {
			t.Fatalf("Expected 5, got %+v", rec)
		}
		cfg.ModelReserveMB = 1 << 20
		rec = recommender.New(cfg).Recommend(snapshot(40960), req)
		if rec.UsableMB != 0 || !rec.Unverified {
			t.Fatalf("Expected no usable memory, got %+v", rec)
		}
	})

	t.Run("per device mode only counts whole requests per device", func(t *testing.T) {
		cfg := fourGB()
		// 6 GB + 6 GB: one request per device, while the sum would fit three
		sum := recommender.New(cfg).Recommend(snapshot(6144, 6144), req)
		cfg.MemoryMode = config.MemoryModePerDevice
		perDevice := recommender.New(cfg).Recommend(snapshot(6144, 6144), req)
		if sum.Concurrency != 3 || perDevice.Concurrency != 2 {
			t.Fatalf("Expected 3 and 2, got %d and %d", sum.Concurrency, perDevice.Concurrency)
		}
	})

	t.Run("sweep on multi GPU hosts", func(t *testing.T) {
		cfg := fourGB()
		cfg.Sweep = true
		rec := recommender.New(cfg).Recommend(snapshot(40960, 40960), req)
		if !slices.Equal(rec.Sweep, []int{1, 10, 20}) || !slices.Equal(rec.Values(), rec.Sweep) {
			t.Fatalf("Unexpected sweep %v", rec.Sweep)
		}
		single := recommender.New(cfg).Recommend(snapshot(40960), req)
		if single.Sweep != nil || !slices.Equal(single.Values(), []int{10}) {
			t.Fatalf("Expected no sweep on a single GPU, got %v", single.Sweep)
		}
		small := recommender.New(cfg).Recommend(snapshot(4096, 4096), req)
		if !slices.Equal(small.Sweep, []int{1, 2}) {
			t.Fatalf("Expected a de-duplicated sweep, got %v", small.Sweep)
		}
	})

	t.Run("engine caps", func(t *testing.T) {
		cfg := fourGB()
		cfg.BaseMB = 64
		cfg.EngineCaps = true
		rec := recommender.New(cfg).Recommend(snapshot(81920), recommender.Request{Engine: "torch", InputLength: 2048, OutputLength: 2048})
		if rec.Concurrency != 8 {
			t.Fatalf("Expected the torch cap of 8, got %+v", rec)
		}
	})
}

func TestPerRequestMBIsMonotonic(t *testing.T) {
	r := recommender.New(config.RecommenderConfig{BaseMB: 256, PerTokenMB: 0.5})
	previous := 0.0
	for tokens := 0; tokens <= 8192; tokens += 128 {
		v := r.PerRequestMB(tokens, tokens/2)
		if v < previous {
			t.Fatalf("Estimate decreased at %d tokens: %f < %f", tokens, v, previous)
		}
		previous = v
	}
}

func TestEngineCap(t *testing.T) {
	cases := []struct {
		engine string
		in     int
		out    int
		want   int
	}{
		{"vllm", 1024, 1024, 32},
		{"VLLM", 512, 512, 64},
		{"unknown", 1024, 1024, 12},
		{"evalscope", 8192, 8192, 3},
		{"vllm", 1, 1, 128},
	}
	for _, c := range cases {
		if got := recommender.EngineCap(c.engine, c.in, c.out); got != c.want {
			t.Fatalf("EngineCap(%s, %d, %d) = %d, expected %d", c.engine, c.in, c.out, got, c.want)
		}
	}
}
