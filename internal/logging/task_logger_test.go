package logging_test

import (
	"os"
	"strings"
	"testing"

	"github.com/llm-perf/perf-hub/internal/logging"
)

func TestTaskLogger(t *testing.T) {
	dir := t.TempDir()

	tl, err := logging.NewTaskLogger(dir, 7, "0f0e", logging.DiscardLogger())
	if err != nil {
		t.Fatalf("Failed to create task logger: %v", err)
	}
	if !strings.HasSuffix(tl.Path(), "7_0f0e.log") {
		t.Fatalf("Unexpected task log path %s", tl.Path())
	}

	tl.Logger.Info("Benchmark pass started", "concurrency", 4)
	tl.Output("stdout", "request 1 done")
	if err := tl.Close(); err != nil {
		t.Fatalf("Failed to close task logger: %v", err)
	}
	// writes after close are dropped
	tl.Output("stdout", "late line")

	data, err := os.ReadFile(tl.Path())
	if err != nil {
		t.Fatalf("Failed to read task log: %v", err)
	}
	content := string(data)
	for _, want := range []string{"INFO", "Benchmark pass started", "request 1 done"} {
		if !strings.Contains(content, want) {
			t.Fatalf("Task log does not contain %q:\n%s", want, content)
		}
	}
	if strings.Contains(content, "late line") {
		t.Fatalf("Task log contains a line written after close")
	}
}
