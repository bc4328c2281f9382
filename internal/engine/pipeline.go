package engine

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/expr-lang/expr"

	"github.com/ScriptedAlchemy/conveyor/internal/persistence"
	"github.com/ScriptedAlchemy/conveyor/internal/taskqueue"
	"github.com/ScriptedAlchemy/conveyor/pkg/api"
	"github.com/ScriptedAlchemy/conveyor/pkg/plugin"
)

// stepOutcome is the settled result of a pipeline walk. failed means a
// terminal failure was recorded; cancelled means the walk stopped early
// because the run was flagged for cancellation.
type stepOutcome struct {
	rows      []*api.PluginRun
	failed    bool
	cancelled bool
}

// HandlePipelineItem executes one item's pipeline for a run. A returned
// error means the job should be retried by the queue; finalAttempt disables
// that escape hatch so the failure is recorded instead.
func (o *Orchestrator) HandlePipelineItem(ctx context.Context, task taskqueue.Task, finalAttempt bool) error {
	run, err := o.store.Runs.GetRun(ctx, task.WorkflowRunID)
	if err != nil {
		if errors.Is(err, persistence.ErrRunNotFound) {
			return nil
		}
		return err
	}
	if run.Status.Terminal() {
		return nil
	}

	if run.CancelRequested {
		// The job never dispatched; shrink the denominator so the items
		// that did run still settle the run's final status.
		if err := o.store.Runs.AddItemsTotal(ctx, task.WorkflowRunID, -1); err != nil {
			return err
		}
		updated, err := o.store.Runs.GetRun(ctx, task.WorkflowRunID)
		if err != nil {
			return err
		}
		if updated.ItemsProcessed >= updated.ItemsTotal {
			return o.FinalizeRun(ctx, task.WorkflowRunID)
		}
		return nil
	}

	wf, err := o.store.Workflows.GetWorkflow(ctx, task.WorkflowID)
	if err != nil {
		return err
	}
	item, err := o.store.Items.GetItem(ctx, task.ItemID)
	if err != nil {
		return err
	}
	if !item.ProcessedAt.IsZero() {
		// Duplicate delivery of an item that already settled; counting it
		// again would inflate itemsProcessed.
		return nil
	}

	outcome, err := o.executeSteps(ctx, wf, run.ID, item, 0, item.Data, stepOptions{
		reuseCompleted: true,
		allowRetry:     !finalAttempt,
	})
	if err != nil {
		return err
	}

	if outcome.failed || outcome.cancelled {
		return o.countItem(ctx, run.ID, true)
	}
	if err := o.store.Items.MarkItemProcessed(ctx, item.ID, time.Now()); err != nil {
		return err
	}
	return o.countItem(ctx, run.ID, false)
}

// FailPipelineItem records a definitive failure for a job whose retries were
// exhausted on an error the handler could not settle itself.
func (o *Orchestrator) FailPipelineItem(ctx context.Context, task taskqueue.Task, cause error) {
	_ = o.countItem(ctx, task.WorkflowRunID, true)
}

// RetryFromStep re-executes one item's pipeline from fromStepID, feeding it
// the preceding step's recorded output. History is append-only: the failed
// attempt's rows stay untouched and fresh rows are returned. The run is
// re-opened if terminal and re-finalized afterwards; CANCELLED runs are not
// retryable.
func (o *Orchestrator) RetryFromStep(ctx context.Context, runID, itemID, fromStepID string) ([]*api.PluginRun, error) {
	run, err := o.store.Runs.GetRun(ctx, runID)
	if err != nil {
		return nil, err
	}
	if run.Status == api.RunCancelled {
		return nil, fmt.Errorf("run %s is cancelled and cannot be retried", runID)
	}

	wf, err := o.store.Workflows.GetWorkflow(ctx, run.WorkflowID)
	if err != nil {
		return nil, err
	}
	idx := wf.StepIndex(fromStepID)
	if idx < 0 {
		return nil, fmt.Errorf("step %s is not in workflow %s's pipeline", fromStepID, wf.ID)
	}

	item, err := o.store.Items.GetItem(ctx, itemID)
	if err != nil {
		return nil, err
	}
	if item.WorkflowID != run.WorkflowID {
		return nil, fmt.Errorf("item %s does not belong to workflow %s", itemID, run.WorkflowID)
	}

	input := item.Data
	if idx > 0 {
		prevStep := wf.Pipeline[idx-1].StepID
		prev, err := o.store.PluginRuns.LatestCompleted(ctx, runID, itemID, prevStep)
		if err != nil {
			return nil, fmt.Errorf("step %s has no completed output to feed %s: %w", prevStep, fromStepID, err)
		}
		input = prev.Output
	}

	prevFailed := item.ProcessedAt.IsZero()

	if run.Status.Terminal() {
		if err := o.store.Runs.SetRunStatus(ctx, runID, api.RunRunning, "", time.Time{}); err != nil {
			return nil, err
		}
	}

	outcome, err := o.executeSteps(ctx, wf, runID, item, idx, input, stepOptions{})
	if err != nil {
		return outcome.rows, err
	}

	// Counters reflect outcomes, not attempts: adjust itemsFailed only when
	// the retry flipped this item's result.
	switch {
	case prevFailed && !outcome.failed:
		if err := o.store.Items.MarkItemProcessed(ctx, itemID, time.Now()); err != nil {
			return outcome.rows, err
		}
		if err := o.store.Runs.AddItemsFailed(ctx, runID, -1); err != nil {
			return outcome.rows, err
		}
	case !prevFailed && outcome.failed:
		if err := o.store.Runs.AddItemsFailed(ctx, runID, 1); err != nil {
			return outcome.rows, err
		}
	}

	// Settle the run only when no other item jobs are outstanding; a run
	// still working through its queue finalizes from countItem as usual.
	updated, err := o.store.Runs.GetRun(ctx, runID)
	if err != nil {
		return outcome.rows, err
	}
	if updated.ItemsProcessed >= updated.ItemsTotal {
		if err := o.FinalizeRun(ctx, runID); err != nil {
			return outcome.rows, err
		}
	}
	return outcome.rows, nil
}

type stepOptions struct {
	// reuseCompleted short-circuits steps that already have a COMPLETED row
	// for this (run, item), making requeued jobs idempotent.
	reuseCompleted bool

	// allowRetry lets a retryable step failure bubble up as an error for
	// the queue to re-dispatch instead of being recorded as FAILED.
	allowRetry bool
}

func (o *Orchestrator) executeSteps(ctx context.Context, wf *api.Workflow, runID string, item *api.SourceItem, startIdx int, input []byte, opts stepOptions) (*stepOutcome, error) {
	outcome := &stepOutcome{}

	for i := startIdx; i < len(wf.Pipeline); i++ {
		step := wf.Pipeline[i]

		// A cancel request lands between steps: the current step finished,
		// the rest are skipped.
		if i > startIdx {
			run, err := o.store.Runs.GetRun(ctx, runID)
			if err != nil {
				return outcome, err
			}
			if run.CancelRequested {
				if err := o.skipRemaining(ctx, wf, runID, item, i, outcome); err != nil {
					return outcome, err
				}
				outcome.cancelled = true
				return outcome, nil
			}
		}

		if opts.reuseCompleted {
			prev, err := o.store.PluginRuns.LatestCompleted(ctx, runID, item.ID, step.StepID)
			if err == nil {
				input = prev.Output
				continue
			}
			if !errors.Is(err, persistence.ErrPluginRunNotFound) {
				return outcome, err
			}
		}

		if step.Filter != "" {
			pass, err := evalFilter(step.Filter, input)
			if err != nil {
				pr, saveErr := o.recordStepFailure(ctx, runID, item.ID, step, i, input,
					fmt.Sprintf("filter error: %v", err))
				if saveErr != nil {
					return outcome, saveErr
				}
				outcome.rows = append(outcome.rows, pr)
				if err := o.skipRemaining(ctx, wf, runID, item, i+1, outcome); err != nil {
					return outcome, err
				}
				outcome.failed = true
				return outcome, nil
			}
			if !pass {
				pr := &api.PluginRun{
					ID:            api.NewPluginRunID(),
					WorkflowRunID: runID,
					SourceItemID:  item.ID,
					StepID:        step.StepID,
					StepIndex:     i,
					PluginID:      step.PluginID,
					Input:         input,
					Output:        input,
					Status:        api.StepSkipped,
					StartedAt:     time.Now(),
					CompletedAt:   time.Now(),
				}
				if err := o.store.PluginRuns.SavePluginRun(ctx, pr); err != nil {
					return outcome, err
				}
				outcome.rows = append(outcome.rows, pr)
				o.observer.OnStepCompleted(ctx, pr, 0)
				continue
			}
		}

		configSnapshot, err := persistence.EncodeDoc(step.Config)
		if err != nil {
			return outcome, err
		}
		pr := &api.PluginRun{
			ID:            api.NewPluginRunID(),
			WorkflowRunID: runID,
			SourceItemID:  item.ID,
			StepID:        step.StepID,
			StepIndex:     i,
			PluginID:      step.PluginID,
			Config:        configSnapshot,
			Input:         input,
			Status:        api.StepRunning,
			StartedAt:     time.Now(),
		}
		if err := o.store.PluginRuns.SavePluginRun(ctx, pr); err != nil {
			return outcome, err
		}
		outcome.rows = append(outcome.rows, pr)
		o.observer.OnStepStarted(ctx, pr)

		output, invokeErr := o.invokeStep(ctx, step, input)
		duration := time.Since(pr.StartedAt)
		pr.CompletedAt = time.Now()

		if invokeErr != nil {
			pr.Error = invokeErr.Error()
			pr.Retryable = api.IsRetryable(invokeErr)

			if pr.Retryable && opts.allowRetry {
				pr.Status = api.StepRetrying
				if err := o.store.PluginRuns.UpdatePluginRun(ctx, pr); err != nil {
					return outcome, err
				}
				o.observer.OnStepCompleted(ctx, pr, duration)
				return outcome, invokeErr
			}

			pr.Status = api.StepFailed
			if err := o.store.PluginRuns.UpdatePluginRun(ctx, pr); err != nil {
				return outcome, err
			}
			o.observer.OnStepCompleted(ctx, pr, duration)
			if err := o.skipRemaining(ctx, wf, runID, item, i+1, outcome); err != nil {
				return outcome, err
			}
			outcome.failed = true
			return outcome, nil
		}

		pr.Status = api.StepCompleted
		pr.Output = output
		if err := o.store.PluginRuns.UpdatePluginRun(ctx, pr); err != nil {
			return outcome, err
		}
		o.observer.OnStepCompleted(ctx, pr, duration)
		input = output
	}

	return outcome, nil
}

func (o *Orchestrator) invokeStep(ctx context.Context, step api.PipelineStep, input []byte) (json.RawMessage, error) {
	ref, err := o.pluginRef(step.PluginID)
	if err != nil {
		return nil, &api.ConfigurationError{PluginID: step.PluginID, Reason: err.Error()}
	}
	config, err := HydrateConfig(step.Config, o.secrets)
	if err != nil {
		return nil, &api.ConfigurationError{PluginID: step.PluginID, Reason: err.Error()}
	}
	return o.invoker.Invoke(ctx, ref, plugin.OpExecute, plugin.Request{
		Config: config,
		Input:  input,
	})
}

// skipRemaining records SKIPPED rows for pipeline steps from fromIdx on.
func (o *Orchestrator) skipRemaining(ctx context.Context, wf *api.Workflow, runID string, item *api.SourceItem, fromIdx int, outcome *stepOutcome) error {
	now := time.Now()
	for i := fromIdx; i < len(wf.Pipeline); i++ {
		step := wf.Pipeline[i]
		pr := &api.PluginRun{
			ID:            api.NewPluginRunID(),
			WorkflowRunID: runID,
			SourceItemID:  item.ID,
			StepID:        step.StepID,
			StepIndex:     i,
			PluginID:      step.PluginID,
			Status:        api.StepSkipped,
			StartedAt:     now,
			CompletedAt:   now,
		}
		if err := o.store.PluginRuns.SavePluginRun(ctx, pr); err != nil {
			return err
		}
		outcome.rows = append(outcome.rows, pr)
	}
	return nil
}

// recordStepFailure writes a FAILED row for a step that never reached
// its plugin (broken filter expression).
func (o *Orchestrator) recordStepFailure(ctx context.Context, runID, itemID string, step api.PipelineStep, idx int, input []byte, msg string) (*api.PluginRun, error) {
	now := time.Now()
	pr := &api.PluginRun{
		ID:            api.NewPluginRunID(),
		WorkflowRunID: runID,
		SourceItemID:  itemID,
		StepID:        step.StepID,
		StepIndex:     idx,
		PluginID:      step.PluginID,
		Input:         input,
		Error:         msg,
		Status:        api.StepFailed,
		StartedAt:     now,
		CompletedAt:   now,
	}
	if err := o.store.PluginRuns.SavePluginRun(ctx, pr); err != nil {
		return nil, err
	}
	o.observer.OnStepCompleted(ctx, pr, 0)
	return pr, nil
}

// evalFilter evaluates a step's boolean filter expression against the step
// input, bound as "input".
func evalFilter(filter string, input []byte) (bool, error) {
	var doc any
	if len(input) > 0 {
		if err := json.Unmarshal(input, &doc); err != nil {
			return false, fmt.Errorf("step input is not a JSON document: %w", err)
		}
	}
	program, err := expr.Compile(filter, expr.AsBool(), expr.AllowUndefinedVariables())
	if err != nil {
		return false, err
	}
	out, err := expr.Run(program, map[string]any{"input": doc})
	if err != nil {
		return false, err
	}
	pass, ok := out.(bool)
	if !ok {
		return false, fmt.Errorf("filter did not evaluate to a boolean")
	}
	return pass, nil
}
