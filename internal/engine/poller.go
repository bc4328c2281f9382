package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/ScriptedAlchemy/conveyor/internal/persistence"
	"github.com/ScriptedAlchemy/conveyor/internal/taskqueue"
	"github.com/ScriptedAlchemy/conveyor/pkg/api"
	"github.com/ScriptedAlchemy/conveyor/pkg/plugin"
)

// HandleSourceQuery executes one source-query job: it invokes the workflow's
// source plugin, persists the items it produced, and fans a pipeline job out
// per new item. A returned error means the invocation may be retried; fatal
// conditions finalize the run in place and return nil.
func (o *Orchestrator) HandleSourceQuery(ctx context.Context, task taskqueue.Task) error {
	wf, err := o.store.Workflows.GetWorkflow(ctx, task.WorkflowID)
	if err != nil {
		if errors.Is(err, persistence.ErrWorkflowNotFound) {
			return nil
		}
		return err
	}

	runID := task.WorkflowRunID
	if runID == "" {
		// Scheduler-materialized job: the run is created here, when the job
		// actually executes. A workflow still busy with its previous run
		// skips this tick rather than stacking a second open run.
		run, err := o.startScheduledRun(ctx, wf)
		if err != nil {
			return err
		}
		if run == nil {
			return nil
		}
		runID = run.ID
	}

	run, err := o.store.Runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	if run.CancelRequested {
		return o.FinalizeRun(ctx, runID)
	}

	if run.Status == api.RunPending {
		if err := o.store.Runs.SetRunStatus(ctx, runID, api.RunRunning, "", time.Time{}); err != nil {
			return err
		}
		run.Status = api.RunRunning
		o.observer.OnRunStarted(ctx, run)
	}

	result, err := o.querySource(ctx, wf, task)
	if err != nil {
		if api.IsRetryable(err) {
			return err
		}
		return o.failRun(ctx, runID, err.Error())
	}

	if len(result.NextState) > 0 {
		if err := o.store.Workflows.SaveSourceState(ctx, wf.ID, result.NextState); err != nil {
			return err
		}
	}

	enqueued := 0
	now := time.Now()
	for _, entry := range result.Items {
		item := &api.SourceItem{
			ID:         api.NewSourceItemID(wf.ID, entry.ExternalID),
			WorkflowID: wf.ID,
			ExternalID: entry.ExternalID,
			Data:       entry.Data,
			CreatedAt:  now,
		}
		created, err := o.store.Items.UpsertItem(ctx, item)
		if err != nil {
			return err
		}
		if !created {
			// Same (workflow, externalId) seen before: dedup, no new job.
			continue
		}
		o.observer.OnItemIngested(ctx, item)

		if err := o.queue.Enqueue(ctx, taskqueue.Task{
			Kind:          taskqueue.KindPipelineItem,
			WorkflowID:    wf.ID,
			WorkflowRunID: runID,
			ItemID:        item.ID,
		}); err != nil {
			return err
		}
		enqueued++
	}

	if enqueued > 0 {
		if err := o.store.Runs.AddItemsTotal(ctx, runID, enqueued); err != nil {
			return err
		}
		return nil
	}
	// Nothing new to process; the run is done.
	return o.FinalizeRun(ctx, runID)
}

// FailSourceQuery terminates a run whose source query exhausted its retries.
func (o *Orchestrator) FailSourceQuery(ctx context.Context, task taskqueue.Task, cause error) {
	if task.WorkflowRunID == "" {
		return
	}
	msg := "source query failed"
	if cause != nil {
		msg = fmt.Sprintf("source query failed: %v", cause)
	}
	_ = o.failRun(ctx, task.WorkflowRunID, msg)
}

func (o *Orchestrator) startScheduledRun(ctx context.Context, wf *api.Workflow) (*api.WorkflowRun, error) {
	if wf.Status != api.WorkflowActive {
		return nil, nil
	}
	if _, err := o.store.Runs.FindOpenRun(ctx, wf.ID); err == nil {
		return nil, nil
	} else if !errors.Is(err, persistence.ErrRunNotFound) {
		return nil, err
	}

	run := &api.WorkflowRun{
		ID:          api.NewRunID(),
		WorkflowID:  wf.ID,
		TriggeredBy: api.TriggeredBySchedule,
		Status:      api.RunPending,
		StartedAt:   time.Now(),
	}
	if err := o.store.Runs.SaveRun(ctx, run); err != nil {
		return nil, err
	}
	return run, nil
}

func (o *Orchestrator) querySource(ctx context.Context, wf *api.Workflow, task taskqueue.Task) (*plugin.SourceResult, error) {
	ref, err := o.pluginRef(wf.Source.PluginID)
	if err != nil {
		return nil, &api.ConfigurationError{PluginID: wf.Source.PluginID, Reason: err.Error()}
	}

	config, err := HydrateConfig(wf.Source.Config, o.secrets)
	if err != nil {
		return nil, &api.ConfigurationError{PluginID: wf.Source.PluginID, Reason: err.Error()}
	}

	lastState := json.RawMessage(wf.State)
	if len(task.Payload) > 0 {
		var payload sourceQueryPayload
		if err := json.Unmarshal(task.Payload, &payload); err == nil && len(payload.LastProcessedState) > 0 {
			lastState = payload.LastProcessedState
		}
	}

	searchOptions, err := persistence.EncodeDoc(wf.Source.SearchOptions)
	if err != nil {
		return nil, &api.ConfigurationError{PluginID: wf.Source.PluginID, Reason: err.Error()}
	}
	input, err := json.Marshal(plugin.SourceInput{
		SearchOptions:      searchOptions,
		LastProcessedState: lastState,
	})
	if err != nil {
		return nil, err
	}

	data, err := o.invoker.Invoke(ctx, ref, plugin.OpExecute, plugin.Request{
		Config: config,
		Input:  input,
		State:  lastState,
	})
	if err != nil {
		return nil, err
	}

	var result plugin.SourceResult
	if err := json.Unmarshal(data, &result); err != nil {
		return nil, &api.IsolationFailure{
			PluginID: wf.Source.PluginID,
			Stage:    api.IsolationStageDecode,
			Err:      fmt.Errorf("source result is not a valid item batch: %w", err),
		}
	}
	return &result, nil
}
