package serviceerrors

import (
	"context"
	"errors"
	"fmt"
	"testing"

	"github.com/llm-perf/perf-hub/internal/messages"
)

func TestKindOf(t *testing.T) {
	t.Run("task errors keep their kind through wrapping", func(t *testing.T) {
		err := NewTaskError(KindAuth, errors.New("no supported methods remain"), messages.RemoteAuthFailed, "User", "bench", "Host", "gpu-1", "Error", "denied")
		wrapped := fmt.Errorf("run task: %w", err)
		if KindOf(wrapped) != KindAuth {
			t.Fatalf("Expected %s, got %s", KindAuth, KindOf(wrapped))
		}
		if err.Error() != "Authentication as bench on gpu-1 was rejected: 'denied'." {
			t.Fatalf("Unexpected message: %s", err.Error())
		}
	})

	t.Run("reclassified timeouts report the outer kind", func(t *testing.T) {
		base := NewTaskError(KindCommandTimeout, context.DeadlineExceeded, messages.RemoteCommandTimeout, "Command", "perf", "Timeout", "1m", "Host", "gpu-1")
		err := base.WithKind(KindBenchmarkTimeout, messages.BenchmarkTimeout, "Concurrency", 4, "Round", 1, "Timeout", "1m")
		if KindOf(err) != KindBenchmarkTimeout {
			t.Fatalf("Expected %s, got %s", KindBenchmarkTimeout, KindOf(err))
		}
		if !errors.Is(err, context.DeadlineExceeded) {
			t.Fatalf("Expected the deadline cause to be preserved")
		}
		if !KindOf(err).IsTimeout() || !KindOf(err).Retryable() {
			t.Fatalf("Expected a retryable timeout kind")
		}
	})

	t.Run("context errors map to canceled and timeout", func(t *testing.T) {
		if KindOf(context.Canceled) != KindCanceled {
			t.Fatalf("Expected canceled kind")
		}
		if KindOf(context.DeadlineExceeded) != KindCommandTimeout {
			t.Fatalf("Expected command timeout kind")
		}
		if KindOf(errors.New("boom")) != KindSetup {
			t.Fatalf("Expected setup kind for an unclassified error")
		}
	})

	t.Run("codes are resolved from the message code", func(t *testing.T) {
		err := NewServiceError(messages.ResourceNotFound, "Type", "task", "ResourceId", "abc")
		if !IsNotFound(err) {
			t.Fatalf("Expected a not found error, got code %d", Code(err))
		}
		if !IsMessage(fmt.Errorf("wrap: %w", err), messages.ResourceNotFound) {
			t.Fatalf("Expected the message code to match")
		}
	})
}
