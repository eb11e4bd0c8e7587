package sql_test

import (
	"bytes"
	"encoding/json"
	"sync"
	"testing"
	"time"

	"github.com/llm-perf/perf-hub/internal/abstractions"
	"github.com/llm-perf/perf-hub/internal/logging"
	"github.com/llm-perf/perf-hub/internal/messages"
	"github.com/llm-perf/perf-hub/internal/serviceerrors"
	"github.com/llm-perf/perf-hub/internal/storage"
	"github.com/llm-perf/perf-hub/pkg/api"
)

func newStore(t *testing.T, name string) abstractions.Storage {
	t.Helper()
	databaseConfig := map[string]any{
		"driver":         "sqlite",
		"url":            "file:" + name + "?mode=memory&cache=shared",
		"database_name":  "perf_hub",
		"max_open_conns": 1,
	}
	store, err := storage.NewStorage(&databaseConfig, logging.DiscardLogger())
	if err != nil {
		t.Fatalf("Failed to create storage: %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}

func perfTestConfig(t *testing.T) *api.TaskConfig {
	t.Helper()
	var params api.Parameters
	raw := `{"scenario":"ft","input_length":128,"output_length":256,"concurrency":[1,4],"loop":2,"ft":{"port":30001},"notes":{"requested_by":"ops"}}`
	if err := json.Unmarshal([]byte(raw), &params); err != nil {
		t.Fatalf("Failed to unmarshal parameters: %v", err)
	}
	return &api.TaskConfig{
		Engine:     "evalscope",
		Model:      "Qwen2.5-7B-Instruct",
		OwnerID:    "alice",
		Parameters: params,
		Target:     api.ExecutionTarget{Local: true},
	}
}

// TestTaskLifecycle walks one task through every transition of the record store.
func TestTaskLifecycle(t *testing.T) {
	store := newStore(t, "lifecycle")
	var task *api.Task
	var lease *api.Lease

	t.Run("CreateTask inserts a queued task", func(t *testing.T) {
		var err error
		task, err = store.CreateTask(perfTestConfig(t))
		if err != nil {
			t.Fatalf("Failed to create task: %v", err)
		}
		if task.ID == "" || task.LineageID != task.ID {
			t.Fatalf("Unexpected ids: id=%q lineage=%q", task.ID, task.LineageID)
		}
		if task.Status != api.StateQueued || task.TaskType != api.TaskTypePerfTest {
			t.Fatalf("Unexpected task %+v", task)
		}
		second, err := store.CreateTask(perfTestConfig(t))
		if err != nil {
			t.Fatalf("Failed to create task: %v", err)
		}
		if second.DisplayID <= task.DisplayID {
			t.Fatalf("Display ids are not increasing: %d then %d", task.DisplayID, second.DisplayID)
		}
	})

	t.Run("GetTask returns the stored parameters", func(t *testing.T) {
		got, err := store.GetTask(task.ID)
		if err != nil {
			t.Fatalf("Failed to get task: %v", err)
		}
		if got.Parameters.InputLength != 128 || got.Parameters.LoopCount() != 2 {
			t.Fatalf("Unexpected parameters %+v", got.Parameters)
		}
		if _, ok := got.Parameters.Extra["notes"]; !ok {
			t.Fatalf("Unknown parameter keys were not preserved: %v", got.Parameters.Extra)
		}
		if got.CompletedAt != nil || got.Lease != nil {
			t.Fatalf("A queued task has no completion time or lease")
		}
	})

	t.Run("ListTasks filters by owner and status", func(t *testing.T) {
		resp, err := store.ListTasks(api.TaskFilter{OwnerID: "alice", Status: api.StateQueued})
		if err != nil {
			t.Fatalf("Failed to list tasks: %v", err)
		}
		if resp.TotalStored != 2 || len(resp.Items) != 2 {
			t.Fatalf("Expected 2 tasks, got total=%d items=%d", resp.TotalStored, len(resp.Items))
		}
		resp, err = store.ListTasks(api.TaskFilter{OwnerID: "bob"})
		if err != nil {
			t.Fatalf("Failed to list tasks: %v", err)
		}
		if resp.TotalStored != 0 {
			t.Fatalf("Expected no tasks for bob, got %d", resp.TotalStored)
		}
	})

	t.Run("AcquireLease moves the task to running once", func(t *testing.T) {
		leased, err := store.AcquireLease(task.ID, "host-a/1", time.Minute)
		if err != nil {
			t.Fatalf("Failed to acquire lease: %v", err)
		}
		if leased == nil || leased.Status != api.StateRunning || leased.Lease == nil || leased.StartedAt == nil {
			t.Fatalf("Unexpected leased task %+v", leased)
		}
		lease = leased.Lease
		again, err := store.AcquireLease(task.ID, "host-b/1", time.Minute)
		if err != nil {
			t.Fatalf("Failed to acquire lease: %v", err)
		}
		if again != nil {
			t.Fatalf("A running task must not be leased twice")
		}
	})

	t.Run("lease token guards running updates", func(t *testing.T) {
		ok, err := store.RenewLease(task.ID, "not-the-token", time.Minute)
		if err != nil || ok {
			t.Fatalf("Renewal with a wrong token must not match: ok=%v err=%v", ok, err)
		}
		ok, err = store.RenewLease(task.ID, lease.Token, time.Minute)
		if err != nil || !ok {
			t.Fatalf("Renewal failed: ok=%v err=%v", ok, err)
		}
		ok, err = store.UpdateRunning(task.ID, lease.Token, api.RunningUpdate{ExecutionMode: api.ExecutionModeReal, LogPath: "data/logs/1.log"})
		if err != nil || !ok {
			t.Fatalf("Update failed: ok=%v err=%v", ok, err)
		}
		// empty fields keep the stored values
		ok, err = store.UpdateRunning(task.ID, lease.Token, api.RunningUpdate{})
		if err != nil || !ok {
			t.Fatalf("Update failed: ok=%v err=%v", ok, err)
		}
		got, err := store.GetTask(task.ID)
		if err != nil {
			t.Fatalf("Failed to get task: %v", err)
		}
		if got.ExecutionMode != api.ExecutionModeReal || got.LogPath == nil || *got.LogPath != "data/logs/1.log" {
			t.Fatalf("Unexpected running fields mode=%q log=%v", got.ExecutionMode, got.LogPath)
		}
	})

	t.Run("Retry of a running task is rejected", func(t *testing.T) {
		running, err := store.GetTask(task.ID)
		if err != nil {
			t.Fatalf("Failed to get task: %v", err)
		}
		_, _, err = store.CreateRetry(running)
		if !serviceerrors.IsMessage(err, messages.TaskNotTerminal) {
			t.Fatalf("Expected a not terminal error, got %v", err)
		}
	})

	t.Run("FinishTask writes the outcome and releases the lease", func(t *testing.T) {
		summary := &api.ResultSummary{Engine: "evalscope", Model: "Qwen2.5-7B-Instruct", TotalRequests: 10, SuccessfulRequests: 8, FailedRequests: 2}
		ok, err := store.FinishTask(task.ID, lease.Token, api.TaskOutcome{
			State:        api.StateCompleted,
			ErrorKind:    "ignored",
			ResultPath:   "data/results/1/report.xlsx",
			Summary:      summary,
			ErrorMessage: "ignored",
		})
		if err != nil || !ok {
			t.Fatalf("Finish failed: ok=%v err=%v", ok, err)
		}
		got, err := store.GetTask(task.ID)
		if err != nil {
			t.Fatalf("Failed to get task: %v", err)
		}
		if got.Status != api.StateCompleted || got.CompletedAt == nil || got.Lease != nil {
			t.Fatalf("Unexpected finished task %+v", got)
		}
		if got.ErrorKind != nil || got.ErrorMessage != nil {
			t.Fatalf("A completed task carries no error fields")
		}
		if got.Summary == nil || got.Summary.TotalRequests != 10 {
			t.Fatalf("Unexpected summary %+v", got.Summary)
		}
		// transitions out of a terminal state do not match
		ok, err = store.FinishTask(task.ID, lease.Token, api.TaskOutcome{State: api.StateFailed})
		if err != nil || ok {
			t.Fatalf("A terminal task must not transition: ok=%v err=%v", ok, err)
		}
	})

	t.Run("CreateRetry copies the parameters and is idempotent", func(t *testing.T) {
		original, err := store.GetTask(task.ID)
		if err != nil {
			t.Fatalf("Failed to get task: %v", err)
		}
		retry, created, err := store.CreateRetry(original)
		if err != nil {
			t.Fatalf("Failed to create retry: %v", err)
		}
		if !created || retry.Status != api.StateQueued {
			t.Fatalf("Unexpected retry created=%v task=%+v", created, retry)
		}
		if retry.RetryOf == nil || *retry.RetryOf != original.ID || retry.LineageID != original.LineageID {
			t.Fatalf("Unexpected retry lineage %+v", retry)
		}
		originalJSON, _ := json.Marshal(original.Parameters)
		retryJSON, _ := json.Marshal(retry.Parameters)
		if !bytes.Equal(originalJSON, retryJSON) {
			t.Fatalf("Retry parameters differ:\n%s\n%s", originalJSON, retryJSON)
		}

		again, created, err := store.CreateRetry(original)
		if err != nil {
			t.Fatalf("Failed to create retry: %v", err)
		}
		if created || again.ID != retry.ID {
			t.Fatalf("A second retry must return the existing one, got created=%v id=%s", created, again.ID)
		}

		lineage, err := store.ListTasks(api.TaskFilter{LineageID: original.LineageID})
		if err != nil {
			t.Fatalf("Failed to list lineage: %v", err)
		}
		if lineage.TotalStored != 2 {
			t.Fatalf("Expected 2 tasks in the lineage, got %d", lineage.TotalStored)
		}
	})

	t.Run("SetArchivedPath is recorded once", func(t *testing.T) {
		ok, err := store.SetArchivedPath(task.ID, "data/archives/a.xlsx")
		if err != nil || !ok {
			t.Fatalf("Archive failed: ok=%v err=%v", ok, err)
		}
		ok, err = store.SetArchivedPath(task.ID, "data/archives/b.xlsx")
		if err != nil || ok {
			t.Fatalf("A second archive must not match: ok=%v err=%v", ok, err)
		}
	})

	t.Run("DeleteTask removes terminal tasks only", func(t *testing.T) {
		resp, err := store.ListTasks(api.TaskFilter{Status: api.StateQueued, Limit: 1})
		if err != nil || len(resp.Items) != 1 {
			t.Fatalf("Failed to list queued tasks: %v", err)
		}
		if err := store.DeleteTask(resp.Items[0].ID); !serviceerrors.IsMessage(err, messages.TaskNotTerminal) {
			t.Fatalf("Expected a not terminal error, got %v", err)
		}
		if err := store.DeleteTask(task.ID); err != nil {
			t.Fatalf("Failed to delete task: %v", err)
		}
		if _, err := store.GetTask(task.ID); !serviceerrors.IsNotFound(err) {
			t.Fatalf("Expected not found, got %v", err)
		}
		if err := store.DeleteTask(task.ID); !serviceerrors.IsNotFound(err) {
			t.Fatalf("Expected not found, got %v", err)
		}
	})
}

func TestCancellation(t *testing.T) {
	store := newStore(t, "cancellation")

	t.Run("CancelQueued cancels a queued task immediately", func(t *testing.T) {
		task, err := store.CreateTask(perfTestConfig(t))
		if err != nil {
			t.Fatalf("Failed to create task: %v", err)
		}
		ok, err := store.CancelQueued(task.ID)
		if err != nil || !ok {
			t.Fatalf("Cancel failed: ok=%v err=%v", ok, err)
		}
		got, _ := store.GetTask(task.ID)
		if got.Status != api.StateCanceled || got.CompletedAt == nil || got.Summary != nil {
			t.Fatalf("Unexpected canceled task %+v", got)
		}
		ok, err = store.CancelQueued(task.ID)
		if err != nil || ok {
			t.Fatalf("Canceling a terminal task is a no-op: ok=%v err=%v", ok, err)
		}
	})

	t.Run("RequestCancel flags a running task for its owner", func(t *testing.T) {
		task, err := store.CreateTask(perfTestConfig(t))
		if err != nil {
			t.Fatalf("Failed to create task: %v", err)
		}
		if _, err := store.AcquireLease(task.ID, "host-a/1", time.Minute); err != nil {
			t.Fatalf("Failed to acquire lease: %v", err)
		}
		ok, err := store.RequestCancel(task.ID)
		if err != nil || !ok {
			t.Fatalf("Request cancel failed: ok=%v err=%v", ok, err)
		}
		ids, err := store.ListCancelRequested("host-a/1")
		if err != nil {
			t.Fatalf("Failed to list cancel requests: %v", err)
		}
		if len(ids) != 1 || ids[0] != task.ID {
			t.Fatalf("Unexpected cancel requests %v", ids)
		}
		ids, _ = store.ListCancelRequested("host-b/1")
		if len(ids) != 0 {
			t.Fatalf("Another owner must not see the request: %v", ids)
		}
	})

	t.Run("a cancel requested queued task is not dispatchable", func(t *testing.T) {
		task, err := store.CreateTask(perfTestConfig(t))
		if err != nil {
			t.Fatalf("Failed to create task: %v", err)
		}
		if ok, err := store.RequestCancel(task.ID); err != nil || !ok {
			t.Fatalf("Request cancel failed: ok=%v err=%v", ok, err)
		}
		items, err := store.ListDispatchable(10)
		if err != nil {
			t.Fatalf("Failed to list dispatchable: %v", err)
		}
		for _, item := range items {
			if item.ID == task.ID {
				t.Fatalf("A cancel requested task was listed as dispatchable")
			}
		}
		leased, err := store.AcquireLease(task.ID, "host-a/1", time.Minute)
		if err != nil || leased != nil {
			t.Fatalf("A cancel requested task must not be leased: task=%v err=%v", leased, err)
		}
		ids, err := store.ListQueuedCancelRequested(10)
		if err != nil {
			t.Fatalf("Failed to list queued cancel requests: %v", err)
		}
		if len(ids) != 1 || ids[0] != task.ID {
			t.Fatalf("Unexpected queued cancel requests %v", ids)
		}
		if ok, err := store.CancelQueued(task.ID); err != nil || !ok {
			t.Fatalf("Cancel failed: ok=%v err=%v", ok, err)
		}
		if ids, _ := store.ListQueuedCancelRequested(10); len(ids) != 0 {
			t.Fatalf("Canceled tasks must not be listed: %v", ids)
		}
	})

	t.Run("an expired lease with a cancel request is canceled, not requeued", func(t *testing.T) {
		task, err := store.CreateTask(perfTestConfig(t))
		if err != nil {
			t.Fatalf("Failed to create task: %v", err)
		}
		leased, err := store.AcquireLease(task.ID, "host-a/1", -time.Second)
		if err != nil || leased == nil {
			t.Fatalf("Failed to acquire lease: %v", err)
		}
		if ok, err := store.RequestCancel(task.ID); err != nil || !ok {
			t.Fatalf("Request cancel failed: ok=%v err=%v", ok, err)
		}
		ok, err := store.ExpireLease(task.ID, leased.Lease.Token, api.StalePolicyRequeue)
		if err != nil || !ok {
			t.Fatalf("ExpireLease failed: ok=%v err=%v", ok, err)
		}
		got, _ := store.GetTask(task.ID)
		if got.Status != api.StateCanceled || got.CompletedAt == nil || got.Lease != nil {
			t.Fatalf("Expected a canceled task without a lease, got %+v", got)
		}
		if got.ErrorKind == nil || *got.ErrorKind != string(serviceerrors.KindCanceled) {
			t.Fatalf("Expected the canceled kind, got %v", got.ErrorKind)
		}
	})
}

func TestStaleLeases(t *testing.T) {
	store := newStore(t, "stale")

	task, err := store.CreateTask(perfTestConfig(t))
	if err != nil {
		t.Fatalf("Failed to create task: %v", err)
	}

	t.Run("requeue returns an expired lease to the queue", func(t *testing.T) {
		leased, err := store.AcquireLease(task.ID, "host-a/1", -time.Second)
		if err != nil || leased == nil {
			t.Fatalf("Failed to acquire lease: %v", err)
		}
		stale, err := store.ListStaleLeases(time.Now(), 10)
		if err != nil {
			t.Fatalf("Failed to list stale leases: %v", err)
		}
		if len(stale) != 1 || stale[0].ID != task.ID {
			t.Fatalf("Unexpected stale leases %v", stale)
		}
		ok, err := store.ExpireLease(task.ID, leased.Lease.Token, api.StalePolicyRequeue)
		if err != nil || !ok {
			t.Fatalf("Expire failed: ok=%v err=%v", ok, err)
		}
		got, _ := store.GetTask(task.ID)
		if got.Status != api.StateQueued || got.Lease != nil || got.StartedAt != nil {
			t.Fatalf("Unexpected requeued task %+v", got)
		}
		// the old token cannot finish the task any more
		ok, err = store.FinishTask(task.ID, leased.Lease.Token, api.TaskOutcome{State: api.StateCompleted})
		if err != nil || ok {
			t.Fatalf("A stale token must not finish the task: ok=%v err=%v", ok, err)
		}
	})

	t.Run("fail marks an expired lease as failed", func(t *testing.T) {
		leased, err := store.AcquireLease(task.ID, "host-b/1", -time.Second)
		if err != nil || leased == nil {
			t.Fatalf("Failed to acquire lease: %v", err)
		}
		ok, err := store.ExpireLease(task.ID, leased.Lease.Token, api.StalePolicyFail)
		if err != nil || !ok {
			t.Fatalf("Expire failed: ok=%v err=%v", ok, err)
		}
		got, _ := store.GetTask(task.ID)
		if got.Status != api.StateFailed || got.ErrorKind == nil || *got.ErrorKind != string(serviceerrors.KindLeaseExpired) {
			t.Fatalf("Unexpected failed task %+v", got)
		}
		if got.ErrorMessage == nil || *got.ErrorMessage == "" {
			t.Fatalf("A failed task needs an error message")
		}
	})
}

func TestAcquireLeaseRace(t *testing.T) {
	store := newStore(t, "race")

	for i := range 10 {
		task, err := store.CreateTask(perfTestConfig(t))
		if err != nil {
			t.Fatalf("Failed to create task %d: %v", i, err)
		}

		var wg sync.WaitGroup
		var mu sync.Mutex
		winners := 0
		for _, owner := range []string{"host-a/1", "host-b/1", "host-c/1"} {
			wg.Add(1)
			go func() {
				defer wg.Done()
				leased, err := store.AcquireLease(task.ID, owner, time.Minute)
				if err != nil {
					t.Errorf("Failed to acquire lease: %v", err)
					return
				}
				if leased != nil {
					mu.Lock()
					winners++
					mu.Unlock()
				}
			}()
		}
		wg.Wait()
		if winners != 1 {
			t.Fatalf("Expected exactly one lease holder for task %s, got %d", task.ID, winners)
		}
	}
}
