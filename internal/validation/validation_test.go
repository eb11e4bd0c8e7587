package validation

import (
	"strings"
	"testing"

	"github.com/llm-perf/perf-hub/pkg/api"
)

func TestParameterSchema(t *testing.T) {
	schema, err := NewParameterSchema()
	if err != nil {
		t.Fatalf("Failed to load the schema: %v", err)
	}

	valid := []string{
		`{"scenario":"ft","input_length":128,"output_length":256,"concurrency":[1,4,8]}`,
		`{"scenario":"ft","input_length":128,"output_length":256,"concurrency":"auto","notes":{"by":"ops"}}`,
		`{"scenario":"amaas","input_length":1,"output_length":1,"concurrency":2,"amaas":{"api_port":10001}}`,
		`{"scenario":"ft","input_length":1,"output_length":1,"concurrency":"16"}`,
	}
	for _, doc := range valid {
		if err := schema.Validate([]byte(doc)); err != nil {
			t.Fatalf("Expected %s to be valid: %v", doc, err)
		}
	}

	invalid := map[string]string{
		"missing scenario":     `{"input_length":1}`,
		"unknown scenario":     `{"scenario":"k8s"}`,
		"zero concurrency":     `{"scenario":"ft","concurrency":0}`,
		"empty sweep":          `{"scenario":"ft","concurrency":[]}`,
		"bad concurrency word": `{"scenario":"ft","concurrency":"max"}`,
		"port out of range":    `{"scenario":"ft","ft":{"port":70000}}`,
		"unknown ft key":       `{"scenario":"ft","ft":{"gpu":1}}`,
		"string loop":          `{"scenario":"ft","loop":"2"}`,
	}
	for name, doc := range invalid {
		t.Run(name, func(t *testing.T) {
			if err := schema.Validate([]byte(doc)); err == nil {
				t.Fatalf("Expected %s to be rejected", doc)
			}
		})
	}
}

func TestValidator(t *testing.T) {
	validate, err := NewValidator()
	if err != nil {
		t.Fatalf("NewValidator failed: %v", err)
	}

	t.Run("json field names in errors", func(t *testing.T) {
		err := validate.Struct(&api.TaskConfig{Model: "m", Target: api.ExecutionTarget{Local: true}})
		if err == nil {
			t.Fatalf("Expected a missing engine error")
		}
		if msg := Describe(err); !strings.Contains(msg, "engine failed required") {
			t.Fatalf("Unexpected description %q", msg)
		}
	})

	t.Run("remote targets need credentials", func(t *testing.T) {
		err := validate.Struct(&api.TaskConfig{
			Engine: "vllm",
			Model:  "m",
			Target: api.ExecutionTarget{Remote: &api.RemoteConnection{Host: "gpu-1", User: "perf", Auth: api.AuthPassword}},
		})
		if err == nil || !strings.Contains(Describe(err), "password") {
			t.Fatalf("Expected a missing password error, got %v", err)
		}
	})

	t.Run("valid config", func(t *testing.T) {
		if err := validate.Struct(&api.TaskConfig{Engine: "vllm", Model: "m", Target: api.ExecutionTarget{Local: true}}); err != nil {
			t.Fatalf("Unexpected error: %v", err)
		}
	})
}
