package runner

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/Jeffail/gabs/v2"
	"github.com/PaesslerAG/jsonpath"

	"github.com/llm-perf/perf-hub/internal/config"
	"github.com/llm-perf/perf-hub/pkg/api"
)

var errFieldMissing = errors.New("field missing")

type pathEvaluator func(ctx context.Context, value any) (any, error)

// sampleParser turns one line of benchmark output into a result sample. The
// field locations are JSONPath expressions so that different tools can be
// supported from configuration.
type sampleParser struct {
	latency    pathEvaluator
	success    pathEvaluator
	tokens     pathEvaluator
	tokensPerS pathEvaluator
	errorText  pathEvaluator
	slot       pathEvaluator
}

func newSampleParser(fields config.SampleFields) (*sampleParser, error) {
	p := &sampleParser{}
	for _, f := range []struct {
		name string
		path string
		dest *pathEvaluator
	}{
		{"latency", fields.Latency, &p.latency},
		{"success", fields.Success, &p.success},
		{"tokens", fields.Tokens, &p.tokens},
		{"tokens_per_s", fields.TokensPerS, &p.tokensPerS},
		{"error", fields.Error, &p.errorText},
		{"slot", fields.Slot, &p.slot},
	} {
		if f.path == "" {
			continue
		}
		eval, err := jsonpath.New(f.path)
		if err != nil {
			return nil, fmt.Errorf("invalid sample path for %s: %w", f.name, err)
		}
		*f.dest = pathEvaluator(eval)
	}
	if p.latency == nil || p.success == nil {
		return nil, fmt.Errorf("the latency and success sample paths are required")
	}
	return p, nil
}

// isCandidate reports whether a line of output may carry a sample.
func isCandidate(line string) bool {
	return strings.HasPrefix(strings.TrimSpace(line), "{")
}

// parse reads a candidate line. It fails when the line is not JSON, the
// success field is missing or a latency is present but not a finite,
// non negative number. Failed requests may carry no latency.
func (p *sampleParser) parse(line string) (api.ResultSample, error) {
	var sample api.ResultSample
	doc, err := gabs.ParseJSON([]byte(strings.TrimSpace(line)))
	if err != nil {
		return sample, err
	}
	data := doc.Data()

	success, err := boolean(p.success, data)
	if err != nil {
		return sample, fmt.Errorf("success: %w", err)
	}
	sample.Success = success

	latency, err := number(p.latency, data)
	switch {
	case errors.Is(err, errFieldMissing):
		latency = 0
	case err != nil:
		return sample, fmt.Errorf("latency: %w", err)
	case latency < 0:
		return sample, fmt.Errorf("latency: negative value %v", latency)
	default:
		sample.Latency = api.Ptr(latency)
	}

	if v, err := number(p.tokens, data); err == nil {
		sample.Tokens = int(v)
	}
	if v, err := number(p.tokensPerS, data); err == nil {
		sample.TokensPerS = v
	} else if latency > 0 {
		sample.TokensPerS = float64(sample.Tokens) / latency
	}
	if v, err := number(p.slot, data); err == nil {
		sample.Slot = int(v)
	}
	if p.errorText != nil {
		if v, err := p.errorText(context.Background(), data); err == nil && v != nil {
			if s := fmt.Sprint(v); s != "" {
				sample.Error = api.Ptr(s)
			}
		}
	}
	return sample, nil
}

func lookup(eval pathEvaluator, data any) (any, error) {
	if eval == nil {
		return nil, errFieldMissing
	}
	v, err := eval(context.Background(), data)
	if err != nil {
		return nil, errFieldMissing
	}
	if v == nil {
		return nil, errFieldMissing
	}
	return v, nil
}

func number(eval pathEvaluator, data any) (float64, error) {
	v, err := lookup(eval, data)
	if err != nil {
		return 0, err
	}
	switch n := v.(type) {
	case float64:
		return n, nil
	case string:
		f, err := strconv.ParseFloat(strings.TrimSpace(n), 64)
		if err != nil {
			return 0, err
		}
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return 0, fmt.Errorf("not a finite number: %v", v)
		}
		return f, nil
	default:
		return 0, fmt.Errorf("not a number: %v", v)
	}
}

func boolean(eval pathEvaluator, data any) (bool, error) {
	v, err := lookup(eval, data)
	if err != nil {
		return false, err
	}
	switch b := v.(type) {
	case bool:
		return b, nil
	case float64:
		return b != 0, nil
	case string:
		return strconv.ParseBool(strings.TrimSpace(b))
	default:
		return false, fmt.Errorf("not a boolean: %v", v)
	}
}
