package engine

import (
	"context"
	"time"

	"github.com/ScriptedAlchemy/conveyor/pkg/api"
)

// FinalizeRun settles the run's terminal status from its counters:
// CANCELLED when cancellation was requested, COMPLETED when nothing failed,
// FAILED when everything did, PARTIAL_SUCCESS otherwise. Idempotent; calling
// it on a terminal run is a no-op.
func (o *Orchestrator) FinalizeRun(ctx context.Context, runID string) error {
	run, err := o.store.Runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	var status api.RunStatus
	switch {
	case run.CancelRequested:
		status = api.RunCancelled
	case run.ItemsTotal == 0 || run.ItemsFailed == 0:
		status = api.RunCompleted
	case run.ItemsFailed == run.ItemsTotal:
		status = api.RunFailed
	default:
		status = api.RunPartialSuccess
	}

	now := time.Now()
	if err := o.store.Runs.SetRunStatus(ctx, runID, status, run.Error, now); err != nil {
		return err
	}
	run.Status = status
	run.CompletedAt = now
	o.observer.OnRunFinalized(ctx, run)
	return nil
}

// failRun terminates a run FAILED with a message. Used when the source query
// itself fails; item-level failures go through the counters instead.
func (o *Orchestrator) failRun(ctx context.Context, runID, errMsg string) error {
	run, err := o.store.Runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	now := time.Now()
	if err := o.store.Runs.SetRunStatus(ctx, runID, api.RunFailed, errMsg, now); err != nil {
		return err
	}
	run.Status = api.RunFailed
	run.Error = errMsg
	run.CompletedAt = now
	o.observer.OnRunFinalized(ctx, run)
	return nil
}

// countItem records one item outcome and finalizes the run once the last
// outstanding item lands. The increment is atomic in the store, so two
// workers finishing simultaneously both observe a consistent count and at
// most one sees processed == total.
func (o *Orchestrator) countItem(ctx context.Context, runID string, failed bool) error {
	processed, _, total, err := o.store.Runs.IncrementItemsProcessed(ctx, runID, failed)
	if err != nil {
		return err
	}
	if processed >= total {
		return o.FinalizeRun(ctx, runID)
	}
	return nil
}

// RecoverStuckRuns finalizes runs stranded non-terminal by a crash. Meant
// for startup, before any worker runs.
func (o *Orchestrator) RecoverStuckRuns(ctx context.Context) (int, error) {
	recovered := 0
	for _, status := range []api.RunStatus{api.RunPending, api.RunRunning} {
		runs, err := o.store.Runs.ListRuns(ctx, api.RunFilter{Status: status})
		if err != nil {
			return recovered, err
		}
		for _, run := range runs {
			if err := o.failRun(ctx, run.ID, "recovered: orchestrator restarted mid-run"); err != nil {
				return recovered, err
			}
			recovered++
		}
	}
	return recovered, nil
}
