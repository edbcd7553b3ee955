package orchestrator

import (
	"context"
	"fmt"
	"time"

	"harvestplane/internal/store"

	"github.com/google/uuid"
)

// RunLivenessSweep periodically fails tasks stuck in pending beyond the
// short threshold (likely a dispatch fault) or in running beyond the
// long threshold (likely a hung provider call or dead worker), so every
// run reaches a terminal state. Blocks until ctx is cancelled.
func (o *Orchestrator) RunLivenessSweep(ctx context.Context) {
	ticker := time.NewTicker(o.config.SweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			o.sweepOnce(ctx)
		}
	}
}

func (o *Orchestrator) sweepOnce(ctx context.Context) {
	now := time.Now()
	stuck, err := o.runs.ListStuckTasks(ctx,
		now.Add(-o.config.PendingTimeout),
		now.Add(-o.config.RunningTimeout))
	if err != nil {
		o.log.Error("liveness sweep failed", "error", err)
		return
	}

	for _, task := range stuck {
		reason := fmt.Sprintf("task timed out in status %s", task.Status)
		o.log.Warn("stuck task detected",
			"task_id", task.ID, "run_id", task.RunID,
			"provider", task.Provider, "status", task.Status)
		if err := o.failTask(ctx, task.ID, reason); err != nil {
			o.log.Error("failed to fail stuck task", "task_id", task.ID, "error", err)
		}
	}

	// Reconciliation pass: a run whose tasks are all terminal but whose
	// finalization failed mid-way (settle error, process crash) is still
	// in running. finalizeIfDone is idempotent, so sweeping every
	// running run is safe and retries the pending settlement.
	running, err := o.runs.ListRunsInStatus(ctx, store.RunStatusRunning)
	if err != nil {
		o.log.Error("run reconciliation sweep failed", "error", err)
		return
	}
	for _, runID := range running {
		if err := o.reconcileRun(ctx, runID); err != nil {
			o.log.Error("failed to reconcile run", "run_id", runID, "error", err)
		}
	}
}

func (o *Orchestrator) reconcileRun(ctx context.Context, runID uuid.UUID) error {
	l := o.lockRun(runID)
	l.Lock()
	defer l.Unlock()
	return o.finalizeIfDone(ctx, runID)
}
