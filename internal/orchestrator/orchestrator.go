// Package orchestrator drives collection runs: it expands a run
// configuration into one task per provider, dispatches tasks through
// the shared work queue, aggregates task outcomes into run state, and
// finalizes each run against the budget service.
package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"harvestplane/internal/budget"
	"harvestplane/internal/events"
	"harvestplane/internal/provider"
	"harvestplane/internal/store"
	"harvestplane/pkg/api"

	"github.com/google/uuid"
)

// TaskPayload is the queue payload handed to workers. It carries
// everything a worker needs so it does not have to query the task row.
type TaskPayload struct {
	TaskID   uuid.UUID         `json:"task_id"`
	RunID    uuid.UUID         `json:"run_id"`
	Provider string            `json:"provider"`
	Tier     store.Tier        `json:"tier"`
	Cost     int64             `json:"cost"`
	Params   map[string]string `json:"params,omitempty"`
}

// TaskResult is the outcome a worker reports for one task.
type TaskResult struct {
	Success    bool
	Records    int64
	Cost       int64
	ErrorKind  provider.ErrorKind
	Error      string
	RateWaitMs int64

	// RetryAfter carries a provider-suggested cooldown alongside a
	// rate-limited failure. Not persisted; it informs the credential
	// cooldown only.
	RetryAfter time.Duration
}

// Config tunes orchestration behavior.
type Config struct {
	// PendingTimeout flags tasks stuck in pending (dispatch fault).
	PendingTimeout time.Duration
	// RunningTimeout flags tasks stuck in running (hung provider call
	// or dead worker).
	RunningTimeout time.Duration
	// SweepInterval is the liveness check period.
	SweepInterval time.Duration
	// AllowEmptyCompletion lets a run with zero successful tasks end
	// completed instead of failed.
	AllowEmptyCompletion bool
}

func (c *Config) applyDefaults() {
	if c.PendingTimeout <= 0 {
		c.PendingTimeout = 5 * time.Minute
	}
	if c.RunningTimeout <= 0 {
		c.RunningTimeout = 30 * time.Minute
	}
	if c.SweepInterval <= 0 {
		c.SweepInterval = 30 * time.Second
	}
}

// TxStore is the slice of the store the orchestrator needs transactions from.
type TxStore interface {
	BeginTx(ctx context.Context) (store.Tx, error)
}

// Orchestrator is the top-level run state machine. Run and task rows
// are mutated only here; a per-run lock serializes all mutations for
// one run, so no two goroutines ever race on the same run's records.
type Orchestrator struct {
	db       TxStore
	runs     store.RunStore
	queue    store.TaskQueue
	budget   *budget.Service
	registry *provider.Registry
	events   *events.Publisher
	config   Config
	log      *slog.Logger

	mu       sync.Mutex
	runLocks map[uuid.UUID]*sync.Mutex
}

// New creates an orchestrator.
func New(db TxStore, runs store.RunStore, queue store.TaskQueue, b *budget.Service, registry *provider.Registry, pub *events.Publisher, config Config, log *slog.Logger) *Orchestrator {
	config.applyDefaults()
	return &Orchestrator{
		db:       db,
		runs:     runs,
		queue:    queue,
		budget:   b,
		registry: registry,
		events:   pub,
		config:   config,
		log:      log,
		runLocks: make(map[uuid.UUID]*sync.Mutex),
	}
}

// lockRun returns the mutex serializing mutations for one run.
func (o *Orchestrator) lockRun(runID uuid.UUID) *sync.Mutex {
	o.mu.Lock()
	defer o.mu.Unlock()
	l, ok := o.runLocks[runID]
	if !ok {
		l = &sync.Mutex{}
		o.runLocks[runID] = l
	}
	return l
}

func (o *Orchestrator) releaseRunLock(runID uuid.UUID) {
	o.mu.Lock()
	delete(o.runLocks, runID)
	o.mu.Unlock()
}

// Launch validates the request, reserves the estimated cost, expands
// the provider set into tasks and enqueues them. It returns as soon as
// the run is dispatched; collection proceeds asynchronously.
// store.ErrInsufficientBudget is returned synchronously and nothing is
// dispatched in that case.
func (o *Orchestrator) Launch(ctx context.Context, req api.LaunchRunRequest) (*store.CollectionRun, error) {
	mode := store.RunMode(req.Mode)
	if mode == "" {
		mode = store.RunModeBatch
	}
	if mode != store.RunModeBatch && mode != store.RunModeLive {
		return nil, fmt.Errorf("unknown run mode %q", req.Mode)
	}
	tier := store.Tier(req.Tier)
	if tier == "" {
		tier = store.TierFree
	}
	if !tier.Valid() {
		return nil, fmt.Errorf("unknown tier %q", req.Tier)
	}
	if len(req.Providers) == 0 {
		return nil, fmt.Errorf("run needs at least one provider")
	}

	now := time.Now().UTC()
	run := &store.CollectionRun{
		ID:        uuid.New(),
		Mode:      mode,
		Tier:      tier,
		Status:    store.RunStatusPending,
		Params:    req.Params,
		CreatedAt: now,
	}

	// Resolve tiers and price the run before touching any state.
	// An unsupported tier falls back to the provider's best supported
	// tier; the fallback is recorded on the task, never silent.
	var tasks []*store.CollectionTask
	var payloads []TaskPayload
	for _, spec := range req.Providers {
		desc, err := o.registry.Lookup(spec.Name)
		if err != nil {
			return nil, err
		}
		var override *store.Tier
		if spec.TierOverride != "" {
			t := store.Tier(spec.TierOverride)
			if !t.Valid() {
				return nil, fmt.Errorf("unknown tier override %q for provider %q", spec.TierOverride, spec.Name)
			}
			override = &t
		}
		resolved, fellBack := desc.ResolveTier(tier, override)

		task := &store.CollectionTask{
			ID:        uuid.New(),
			RunID:     run.ID,
			Provider:  spec.Name,
			Tier:      resolved,
			Status:    store.TaskStatusPending,
			CreatedAt: now,
		}
		if fellBack {
			requested := tier
			if override != nil {
				requested = *override
			}
			task.RequestedTier = &requested
		}
		price := desc.Price(resolved)
		run.EstimatedCost += price
		tasks = append(tasks, task)
		payloads = append(payloads, TaskPayload{
			TaskID:   task.ID,
			RunID:    run.ID,
			Provider: task.Provider,
			Tier:     resolved,
			Cost:     price,
			Params:   req.Params,
		})
	}

	// No dispatch without a successful reservation.
	if err := o.budget.Reserve(ctx, run.ID, run.EstimatedCost); err != nil {
		return nil, err
	}

	if err := o.dispatch(ctx, run, tasks, payloads); err != nil {
		// The reservation is already held; give it back.
		if rerr := o.budget.Refund(ctx, run.ID, run.EstimatedCost); rerr != nil {
			o.log.Error("refund after failed dispatch failed", "run_id", run.ID, "error", rerr)
		}
		return nil, err
	}

	run.Status = store.RunStatusRunning
	o.events.PublishRun(run.ID, string(run.Status))
	for _, t := range tasks {
		o.events.PublishTask(run.ID, t.ID, t.Provider, string(t.Status), 0)
	}
	o.log.Info("run launched",
		"run_id", run.ID, "mode", run.Mode, "tier", run.Tier,
		"providers", len(tasks), "estimated_cost", run.EstimatedCost)
	return run, nil
}

// dispatch persists the run and its tasks and enqueues every task, all
// in one transaction so a half-dispatched run cannot exist.
func (o *Orchestrator) dispatch(ctx context.Context, run *store.CollectionRun, tasks []*store.CollectionTask, payloads []TaskPayload) error {
	tx, err := o.db.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin dispatch tx: %w", err)
	}
	defer tx.Rollback()

	if err := o.runs.CreateRun(ctx, tx, run); err != nil {
		return err
	}
	for i, task := range tasks {
		if err := o.runs.CreateTask(ctx, tx, task); err != nil {
			return err
		}
		payload, err := json.Marshal(payloads[i])
		if err != nil {
			return fmt.Errorf("failed to marshal task payload: %w", err)
		}
		if _, err := o.queue.Enqueue(ctx, tx, task.ID, payload, time.Time{}); err != nil {
			return err
		}
	}
	if err := transitionRun(ctx, store.RunStatusPending, store.RunStatusRunning); err != nil {
		return err
	}
	if err := o.runs.SetRunStatus(ctx, tx, run.ID, store.RunStatusRunning); err != nil {
		return err
	}

	return tx.Commit()
}

// OnTaskStarted handles the worker's started callback. It returns true
// when the task (or its run) is already cancelled, so the worker can
// drop the claim instead of calling the provider.
func (o *Orchestrator) OnTaskStarted(ctx context.Context, taskID uuid.UUID, credentialID *uuid.UUID) (cancelled bool, err error) {
	task, err := o.runs.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}

	l := o.lockRun(task.RunID)
	l.Lock()
	defer l.Unlock()

	if task.Status.Terminal() {
		return true, nil
	}

	moved, err := o.runs.MarkTaskRunning(ctx, taskID, credentialID, time.Now().UTC())
	if err != nil {
		return false, err
	}
	if moved {
		o.events.PublishTask(task.RunID, taskID, task.Provider, string(store.TaskStatusRunning), 0)
	}
	return false, nil
}

// OnTaskResult handles the worker's result callback: it moves the task
// to a terminal state, removes it from the queue, and finalizes the run
// once every sibling is terminal. A result for an already-terminal task
// (sweep or cancellation got there first) records nothing, but still
// retries finalization, so a redelivered result picks up a settlement
// whose first attempt failed.
func (o *Orchestrator) OnTaskResult(ctx context.Context, taskID uuid.UUID, result TaskResult) error {
	task, err := o.runs.GetTask(ctx, taskID)
	if err != nil {
		return err
	}

	l := o.lockRun(task.RunID)
	l.Lock()
	defer l.Unlock()

	status := store.TaskStatusCompleted
	var errMsg *string
	records, cost := result.Records, result.Cost
	if !result.Success {
		status = store.TaskStatusFailed
		records, cost = 0, 0
		msg := result.Error
		if result.ErrorKind != "" {
			msg = fmt.Sprintf("%s: %s", result.ErrorKind, result.Error)
		}
		errMsg = &msg
	}

	moved, err := o.runs.FinishTask(ctx, taskID, status, records, cost, result.RateWaitMs, errMsg, time.Now().UTC())
	if err != nil {
		return err
	}
	if err := o.queue.Delete(ctx, nil, taskID); err != nil {
		o.log.Error("failed to delete finished task from queue", "task_id", taskID, "error", err)
	}
	if !moved {
		return o.finalizeIfDone(ctx, task.RunID)
	}

	o.events.PublishTask(task.RunID, taskID, task.Provider, string(status), records)
	return o.finalizeIfDone(ctx, task.RunID)
}

// OnTaskReclaimed is called by the lease reclaim sweep when a lease
// expired without release: the owning task is presumed dead and is
// failed for accounting purposes.
func (o *Orchestrator) OnTaskReclaimed(ctx context.Context, taskID uuid.UUID) {
	if err := o.failTask(ctx, taskID, "credential lease expired; task presumed dead"); err != nil {
		o.log.Error("failed to fail reclaimed task", "task_id", taskID, "error", err)
	}
}

// failTask force-fails a non-terminal task (sweeps, reclamation).
func (o *Orchestrator) failTask(ctx context.Context, taskID uuid.UUID, reason string) error {
	task, err := o.runs.GetTask(ctx, taskID)
	if err != nil {
		if errors.Is(err, store.ErrNotFound) {
			return nil
		}
		return err
	}

	l := o.lockRun(task.RunID)
	l.Lock()
	defer l.Unlock()

	moved, err := o.runs.FinishTask(ctx, taskID, store.TaskStatusFailed, 0, 0, 0, &reason, time.Now().UTC())
	if err != nil {
		return err
	}
	if err := o.queue.Delete(ctx, nil, taskID); err != nil {
		o.log.Error("failed to delete failed task from queue", "task_id", taskID, "error", err)
	}
	if !moved {
		return o.finalizeIfDone(ctx, task.RunID)
	}

	o.events.PublishTask(task.RunID, taskID, task.Provider, string(store.TaskStatusFailed), 0)
	return o.finalizeIfDone(ctx, task.RunID)
}

// Cancel transitions the run to cancelled, cancels every non-terminal
// task, and refunds the unconsumed part of the reservation. Workers
// learn of the cancellation through their heartbeat; their local task
// state is already terminal here regardless.
func (o *Orchestrator) Cancel(ctx context.Context, runID uuid.UUID) (*store.CollectionRun, error) {
	l := o.lockRun(runID)
	l.Lock()
	defer l.Unlock()

	run, err := o.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status.Terminal() {
		return run, nil
	}
	if err := transitionRun(ctx, run.Status, store.RunStatusCancelled); err != nil {
		return nil, err
	}

	tasks, err := o.runs.ListTasks(ctx, runID)
	if err != nil {
		return nil, err
	}
	reason := "run cancelled"
	for _, task := range tasks {
		if task.Status.Terminal() {
			continue
		}
		moved, err := o.runs.FinishTask(ctx, task.ID, store.TaskStatusCancelled, 0, 0, 0, &reason, time.Now().UTC())
		if err != nil {
			return nil, err
		}
		if err := o.queue.Delete(ctx, nil, task.ID); err != nil {
			o.log.Error("failed to delete cancelled task from queue", "task_id", task.ID, "error", err)
		}
		if moved {
			o.events.PublishTask(runID, task.ID, task.Provider, string(store.TaskStatusCancelled), 0)
		}
	}

	// Settlement happens before the run turns terminal: if it fails the
	// run stays running and a retried Cancel (or the liveness sweep's
	// reconciliation pass) gets another chance at the reservation.
	tasks, err = o.runs.ListTasks(ctx, runID)
	if err != nil {
		return nil, err
	}
	if err := o.settle(ctx, run, tasks); err != nil {
		return nil, fmt.Errorf("failed to settle cancelled run: %w", err)
	}
	if err := o.runs.SetRunStatus(ctx, nil, runID, store.RunStatusCancelled); err != nil {
		return nil, err
	}
	o.events.PublishRun(runID, string(store.RunStatusCancelled))
	o.releaseRunLock(runID)
	o.log.Info("run cancelled", "run_id", runID)

	return o.runs.GetRun(ctx, runID)
}

// IsTaskCancelled answers worker heartbeats: a terminal task must stop.
func (o *Orchestrator) IsTaskCancelled(ctx context.Context, taskID uuid.UUID) (bool, error) {
	task, err := o.runs.GetTask(ctx, taskID)
	if err != nil {
		return false, err
	}
	return task.Status.Terminal(), nil
}

// finalizeIfDone completes the run once every task is terminal. The run
// fails when no task succeeded, unless empty completion is allowed.
// Caller holds the run lock.
func (o *Orchestrator) finalizeIfDone(ctx context.Context, runID uuid.UUID) error {
	run, err := o.runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	tasks, err := o.runs.ListTasks(ctx, runID)
	if err != nil {
		return err
	}
	anySuccess := false
	allCancelled := len(tasks) > 0
	for _, task := range tasks {
		if !task.Status.Terminal() {
			return nil
		}
		if task.Status == store.TaskStatusCompleted {
			anySuccess = true
		}
		if task.Status != store.TaskStatusCancelled {
			allCancelled = false
		}
	}

	final := store.RunStatusCompleted
	if !anySuccess && !o.config.AllowEmptyCompletion {
		final = store.RunStatusFailed
	}
	if allCancelled {
		final = store.RunStatusCancelled
	}
	if err := transitionRun(ctx, run.Status, final); err != nil {
		return err
	}
	// The reservation closes while the run is still running: a settle
	// failure leaves the run non-terminal, so redelivered results and
	// the sweep keep retrying until the money moves.
	if err := o.settle(ctx, run, tasks); err != nil {
		return err
	}
	if err := o.runs.SetRunStatus(ctx, nil, runID, final); err != nil {
		return err
	}
	o.events.PublishRun(runID, string(final))
	o.releaseRunLock(runID)
	o.log.Info("run finalized", "run_id", runID, "status", final)
	return nil
}

// settle closes the run's reservation: actual consumption is the sum of
// completed tasks' costs; the remainder is refunded. A run that
// consumed nothing gets a plain refund.
func (o *Orchestrator) settle(ctx context.Context, run *store.CollectionRun, tasks []*store.CollectionTask) error {
	var actual int64
	for _, task := range tasks {
		if task.Status == store.TaskStatusCompleted {
			actual += task.Cost
		}
	}

	if actual == 0 {
		if err := o.budget.Refund(ctx, run.ID, run.EstimatedCost); err != nil {
			return err
		}
	} else {
		if err := o.budget.Settle(ctx, run.ID, run.EstimatedCost, actual); err != nil {
			return err
		}
	}

	settled := actual
	if settled > run.EstimatedCost {
		settled = run.EstimatedCost
	}
	return o.runs.SetRunSettled(ctx, nil, run.ID, settled)
}

// Status assembles the aggregate run view for the API.
func (o *Orchestrator) Status(ctx context.Context, runID uuid.UUID) (*store.CollectionRun, []*store.CollectionTask, error) {
	run, err := o.runs.GetRun(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	tasks, err := o.runs.ListTasks(ctx, runID)
	if err != nil {
		return nil, nil, err
	}
	return run, tasks, nil
}
