package api

import (
	"bytes"
	"encoding/json"
	"log/slog"
	"strings"
	"testing"
)

func TestConcurrencyUnmarshal(t *testing.T) {
	cases := []struct {
		in   string
		auto bool
		vals []int
	}{
		{`4`, false, []int{4}},
		{`[1, 4, 8]`, false, []int{1, 4, 8}},
		{`"auto"`, true, nil},
		{`"AUTO"`, true, nil},
		{`"16"`, false, []int{16}},
	}
	for _, tc := range cases {
		t.Run(tc.in, func(t *testing.T) {
			var c Concurrency
			if err := json.Unmarshal([]byte(tc.in), &c); err != nil {
				t.Fatalf("Failed to unmarshal %s: %v", tc.in, err)
			}
			if c.Auto != tc.auto {
				t.Fatalf("Expected auto=%v, got %v", tc.auto, c.Auto)
			}
			if len(c.Values) != len(tc.vals) {
				t.Fatalf("Expected values %v, got %v", tc.vals, c.Values)
			}
			for i := range tc.vals {
				if c.Values[i] != tc.vals[i] {
					t.Fatalf("Expected values %v, got %v", tc.vals, c.Values)
				}
			}
		})
	}

	t.Run("rejects a non numeric string", func(t *testing.T) {
		var c Concurrency
		if err := json.Unmarshal([]byte(`"many"`), &c); err == nil {
			t.Fatalf("Expected an error for a non numeric concurrency")
		}
	})

	t.Run("validate rejects non positive values", func(t *testing.T) {
		if err := FixedConcurrency(1, 0).Validate(); err == nil {
			t.Fatalf("Expected validation to fail for a zero value")
		}
		if err := (Concurrency{}).Validate(); err == nil {
			t.Fatalf("Expected validation to fail for an empty concurrency")
		}
	})
}

func TestParametersExtraPassthrough(t *testing.T) {
	in := `{"scenario":"ft","input_length":128,"output_length":512,"concurrency":[1,4],"loop":2,"ft":{"port":31000},"custom_flag":"x","nested":{"a":1}}`

	var p Parameters
	if err := json.Unmarshal([]byte(in), &p); err != nil {
		t.Fatalf("Failed to unmarshal parameters: %v", err)
	}
	if p.Scenario != ScenarioFT || p.InputLength != 128 || p.LoopCount() != 2 {
		t.Fatalf("Known fields were not decoded: %+v", p)
	}
	if p.Config().BenchmarkPort() != 31000 {
		t.Fatalf("Expected ft port 31000, got %d", p.Config().BenchmarkPort())
	}
	if len(p.Extra) != 2 {
		t.Fatalf("Expected two extra keys, got %v", p.Extra)
	}
	if string(p.Extra["nested"]) != `{"a":1}` {
		t.Fatalf("Extra value was altered: %s", p.Extra["nested"])
	}

	out, err := json.Marshal(p)
	if err != nil {
		t.Fatalf("Failed to marshal parameters: %v", err)
	}
	var back Parameters
	if err := json.Unmarshal(out, &back); err != nil {
		t.Fatalf("Failed to unmarshal marshalled parameters: %v", err)
	}
	if string(back.Extra["custom_flag"]) != `"x"` {
		t.Fatalf("Extra key lost on marshal: %s", out)
	}
	if back.Concurrency.String() != "1,4" {
		t.Fatalf("Expected concurrency 1,4, got %s", back.Concurrency)
	}
}

func TestParametersDefaults(t *testing.T) {
	p := Parameters{Scenario: ScenarioAMaaS}
	cfg := p.Config()
	if cfg.BenchmarkPort() != DefaultAMaaSAPIPort || cfg.HealthPort() != DefaultAMaaSModelPort {
		t.Fatalf("Unexpected amaas ports %d/%d", cfg.BenchmarkPort(), cfg.HealthPort())
	}
	if cfg.ModelPath("qwen") != "qwen" {
		t.Fatalf("Expected the model id as model path, got %s", cfg.ModelPath("qwen"))
	}
	if p.BenchmarkTimeout().Minutes() != DefaultTimeoutMinutes {
		t.Fatalf("Unexpected default timeout %s", p.BenchmarkTimeout())
	}
	bad := Parameters{Scenario: ScenarioAMaaS, FT: &FTConfig{}}
	if err := bad.CheckScenario(); err == nil {
		t.Fatalf("Expected a scenario mismatch error")
	}
}

func TestRemoteConnectionRedaction(t *testing.T) {
	conn := &RemoteConnection{Host: "10.0.0.5", User: "bench", Auth: AuthPassword, Password: "hunter2"}
	if strings.Contains(conn.String(), "hunter2") {
		t.Fatalf("String leaked the password: %s", conn.String())
	}
	var buf bytes.Buffer
	logger := slog.New(slog.NewJSONHandler(&buf, nil))
	logger.Info("connecting", "connection", conn)
	if strings.Contains(buf.String(), "hunter2") {
		t.Fatalf("Log output leaked the password: %s", buf.String())
	}
	if conn.Address() != "10.0.0.5:22" {
		t.Fatalf("Unexpected address %s", conn.Address())
	}
}
