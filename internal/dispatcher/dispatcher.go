package dispatcher

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/llm-perf/perf-hub/internal/abstractions"
	"github.com/llm-perf/perf-hub/internal/config"
	"github.com/llm-perf/perf-hub/internal/metrics"
	"github.com/llm-perf/perf-hub/internal/runner"
	"github.com/llm-perf/perf-hub/pkg/api"
)

const (
	staleBatch    = 100
	cancelBacklog = 64
)

// TaskRunner executes one leased task to a terminal state. It must return
// promptly once ctx is done.
type TaskRunner interface {
	Run(ctx context.Context, task *api.Task)
}

// Dispatcher leases queued tasks and hands them to a fixed pool of workers.
type Dispatcher struct {
	logger *slog.Logger
	store  abstractions.Storage
	runner TaskRunner
	config config.DispatcherConfig

	leased  chan *api.Task
	cancels chan string
	wake    chan struct{}
	// one token per leased task not yet finished
	busy chan struct{}

	mu      sync.Mutex
	running map[string]context.CancelCauseFunc
}

func New(logger *slog.Logger, store abstractions.Storage, taskRunner TaskRunner, dispatcherConfig config.DispatcherConfig) (*Dispatcher, error) {
	if store == nil || taskRunner == nil {
		return nil, fmt.Errorf("storage and runner are required for the dispatcher")
	}
	if dispatcherConfig.Workers < 1 {
		return nil, fmt.Errorf("the dispatcher needs at least one worker, got %d", dispatcherConfig.Workers)
	}
	if dispatcherConfig.LeaseTTL <= 0 || dispatcherConfig.PollInterval <= 0 || dispatcherConfig.SweepInterval <= 0 {
		return nil, fmt.Errorf("the dispatcher intervals must be positive")
	}
	return &Dispatcher{
		logger:  logger.With("lease_owner", dispatcherConfig.Owner),
		store:   store,
		runner:  taskRunner,
		config:  dispatcherConfig,
		leased:  make(chan *api.Task),
		cancels: make(chan string, cancelBacklog),
		wake:    make(chan struct{}, 1),
		busy:    make(chan struct{}, dispatcherConfig.Workers),
		running: map[string]context.CancelCauseFunc{},
	}, nil
}

func (d *Dispatcher) Owner() string {
	return d.config.Owner
}

// Notify wakes the poll loop, used after a task was inserted.
func (d *Dispatcher) Notify() {
	select {
	case d.wake <- struct{}{}:
	default:
	}
}

// Cancel signals the worker running id, if it is local. Requests that do not
// fit the backlog are still picked up from cancel_requested on the next poll.
func (d *Dispatcher) Cancel(id string) {
	select {
	case d.cancels <- id:
	default:
	}
}

// Start runs the poll loop and the workers until ctx is done. Tasks still
// running at that point are interrupted and their leases released.
func (d *Dispatcher) Start(ctx context.Context) error {
	d.logger.Info("Dispatcher started", "workers", d.config.Workers, "lease_ttl", d.config.LeaseTTL.String(), "stale_policy", d.config.StalePolicy)
	g, gctx := errgroup.WithContext(ctx)
	for range d.config.Workers {
		g.Go(func() error {
			d.work(gctx)
			return nil
		})
	}
	g.Go(func() error {
		return d.loop(gctx)
	})
	err := g.Wait()
	d.logger.Info("Dispatcher stopped")
	return err
}

func (d *Dispatcher) loop(ctx context.Context) error {
	poll := time.NewTicker(d.config.PollInterval)
	defer poll.Stop()
	sweep := time.NewTicker(d.config.SweepInterval)
	defer sweep.Stop()

	d.sweep()
	d.dispatch(ctx)
	for {
		select {
		case <-ctx.Done():
			return nil
		case <-poll.C:
			d.cancelQueued()
			d.observeCancels()
			d.dispatch(ctx)
		case <-d.wake:
			d.dispatch(ctx)
		case id := <-d.cancels:
			d.cancelRunning(id)
		case <-sweep.C:
			d.sweep()
		}
	}
}

// dispatch leases at most as many tasks as there are free worker slots.
func (d *Dispatcher) dispatch(ctx context.Context) {
	free := cap(d.busy) - len(d.busy)
	if free == 0 || ctx.Err() != nil {
		return
	}
	candidates, err := d.store.ListDispatchable(free)
	if err != nil {
		d.logger.Error("Failed to list dispatchable tasks", "error", err.Error())
		return
	}
	for _, candidate := range candidates {
		task, err := d.store.AcquireLease(candidate.ID, d.config.Owner, d.config.LeaseTTL)
		if err != nil {
			d.logger.Error("Failed to acquire a lease", "task_id", candidate.ID, "error", err.Error())
			continue
		}
		if task == nil {
			metrics.LeaseConflicts.Inc()
			d.logger.Debug("Lease taken by another dispatcher", "task_id", candidate.ID)
			continue
		}
		metrics.TasksLeased.Inc()
		d.busy <- struct{}{}
		select {
		case d.leased <- task:
		case <-ctx.Done():
			<-d.busy
			// nothing ran yet so the task goes back to the queue
			d.release(task, api.StalePolicyRequeue)
			return
		}
	}
}

func (d *Dispatcher) work(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case task := <-d.leased:
			d.runTask(ctx, task)
			<-d.busy
			d.Notify()
		}
	}
}

func (d *Dispatcher) runTask(ctx context.Context, task *api.Task) {
	tctx, cancel := context.WithCancelCause(context.WithoutCancel(ctx))
	stop := context.AfterFunc(ctx, func() { cancel(runner.ErrShutdown) })
	defer stop()

	d.mu.Lock()
	d.running[task.ID] = cancel
	d.mu.Unlock()
	metrics.WorkersBusy.Inc()

	var wg sync.WaitGroup
	wg.Go(func() { d.renew(tctx, task, cancel) })

	d.runner.Run(tctx, task)
	interrupted := context.Cause(tctx)
	cancel(nil)
	wg.Wait()

	d.mu.Lock()
	delete(d.running, task.ID)
	d.mu.Unlock()
	metrics.WorkersBusy.Dec()

	if errors.Is(interrupted, runner.ErrShutdown) {
		d.release(task, api.StalePolicy(d.config.StalePolicy))
	}
}

// renew extends the lease every third of its ttl. A rejected renewal means
// another party resolved the lease and the run is abandoned.
func (d *Dispatcher) renew(ctx context.Context, task *api.Task, cancel context.CancelCauseFunc) {
	ticker := time.NewTicker(d.config.LeaseTTL / 3)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			renewed, err := d.store.RenewLease(task.ID, task.Lease.Token, d.config.LeaseTTL)
			if err != nil {
				d.logger.Warn("Failed to renew a lease", "task_id", task.ID, "error", err.Error())
				continue
			}
			if !renewed {
				metrics.LeasesLost.Inc()
				d.logger.Warn("Lease lost, abandoning the task", "task_id", task.ID, "display_id", task.DisplayID)
				cancel(runner.ErrLeaseLost)
				return
			}
		}
	}
}

// cancelQueued finishes the queued tasks whose cancel flag was set directly
// on the row. They are never dispatched otherwise.
func (d *Dispatcher) cancelQueued() {
	ids, err := d.store.ListQueuedCancelRequested(staleBatch)
	if err != nil {
		d.logger.Error("Failed to list queued cancel requests", "error", err.Error())
		return
	}
	for _, id := range ids {
		canceled, err := d.store.CancelQueued(id)
		if err != nil {
			d.logger.Error("Failed to cancel a queued task", "task_id", id, "error", err.Error())
			continue
		}
		if canceled {
			d.logger.Info("Canceled a queued task", "task_id", id)
		}
	}
}

func (d *Dispatcher) observeCancels() {
	ids, err := d.store.ListCancelRequested(d.config.Owner)
	if err != nil {
		d.logger.Error("Failed to list cancel requests", "error", err.Error())
		return
	}
	for _, id := range ids {
		d.cancelRunning(id)
	}
}

func (d *Dispatcher) cancelRunning(id string) {
	d.mu.Lock()
	cancel, ok := d.running[id]
	d.mu.Unlock()
	if !ok {
		return
	}
	d.logger.Info("Canceling a running task", "task_id", id)
	cancel(runner.ErrCancelRequested)
}

// sweep resolves the running tasks whose lease expired, whoever owned them.
func (d *Dispatcher) sweep() {
	stale, err := d.store.ListStaleLeases(time.Now(), staleBatch)
	if err != nil {
		d.logger.Error("Failed to list stale leases", "error", err.Error())
		return
	}
	policy := api.StalePolicy(d.config.StalePolicy)
	for i := range stale {
		d.release(&stale[i], policy)
	}
}

func (d *Dispatcher) release(task *api.Task, policy api.StalePolicy) {
	if task.Lease == nil {
		return
	}
	released, err := d.store.ExpireLease(task.ID, task.Lease.Token, policy)
	if err != nil {
		d.logger.Error("Failed to release a lease", "task_id", task.ID, "policy", policy, "error", err.Error())
		return
	}
	if !released {
		return
	}
	metrics.StaleLeases.WithLabelValues(string(policy)).Inc()
	d.logger.Warn("Released a lease", "task_id", task.ID, "display_id", task.DisplayID, "previous_owner", task.Lease.Owner, "policy", policy)
	if policy == api.StalePolicyRequeue {
		d.Notify()
	}
}
