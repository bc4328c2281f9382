// Package engine implements the workflow orchestrator: run/step state
// tracking, source polling, and per-item pipeline execution.
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

// Invoker executes one plugin operation in isolation. *isolator.Isolator is
// the production implementation; tests substitute fakes.
type Invoker interface {
	Invoke(ctx context.Context, ref api.PluginRef, operation string, req plugin.Request) (json.RawMessage, error)
}

// Config describes how to construct an Orchestrator.
type Config struct {
	Persistence persistence.Persistence
	Queue       taskqueue.Queue
	Invoker     Invoker

	// Registry maps plugin IDs to their refs. It is injected configuration,
	// deliberately not a process-wide mutable singleton.
	Registry map[string]api.PluginRef

	// Secrets back the {{secrets.NAME}} placeholders in plugin configs.
	Secrets map[string]string

	Observer api.Observer
}

// Orchestrator is the engine behind api.Orchestrator. A single logical
// instance owns run-state transitions.
type Orchestrator struct {
	store    persistence.Persistence
	queue    taskqueue.Queue
	invoker  Invoker
	registry map[string]api.PluginRef
	secrets  map[string]string
	observer api.Observer
}

// Ensure Orchestrator implements the public API.
var _ api.Orchestrator = (*Orchestrator)(nil)

// New creates an Orchestrator from cfg.
func New(cfg Config) *Orchestrator {
	obs := cfg.Observer
	if obs == nil {
		obs = api.NoopObserver{}
	}
	registry := cfg.Registry
	if registry == nil {
		registry = map[string]api.PluginRef{}
	}
	return &Orchestrator{
		store:    cfg.Persistence,
		queue:    cfg.Queue,
		invoker:  cfg.Invoker,
		registry: registry,
		secrets:  cfg.Secrets,
		observer: obs,
	}
}

func (o *Orchestrator) pluginRef(pluginID string) (api.PluginRef, error) {
	ref, ok := o.registry[pluginID]
	if !ok {
		return api.PluginRef{}, fmt.Errorf("plugin not registered: %s", pluginID)
	}
	return ref, nil
}

func (o *Orchestrator) validateWorkflow(ctx context.Context, wf *api.Workflow) error {
	if wf.Name == "" {
		return errors.New("workflow name is required")
	}
	if wf.Source.PluginID == "" {
		return errors.New("workflow source plugin is required")
	}
	if len(wf.Pipeline) == 0 {
		return errors.New("workflow must have at least one pipeline step")
	}

	if wf.Schedule != "" {
		if _, err := taskqueue.CronParser.Parse(wf.Schedule); err != nil {
			return fmt.Errorf("invalid cron schedule %q: %w", wf.Schedule, err)
		}
	}

	seen := make(map[string]bool, len(wf.Pipeline))
	for _, step := range wf.Pipeline {
		if step.StepID == "" {
			return errors.New("pipeline step id is required")
		}
		if seen[step.StepID] {
			return fmt.Errorf("duplicate pipeline step id: %s", step.StepID)
		}
		seen[step.StepID] = true
		if _, err := o.pluginRef(step.PluginID); err != nil {
			return err
		}
		if step.Filter != "" {
			if _, err := expr.Compile(step.Filter, expr.AsBool(), expr.AllowUndefinedVariables()); err != nil {
				return fmt.Errorf("step %s: invalid filter: %w", step.StepID, err)
			}
		}
	}

	sourceRef, err := o.pluginRef(wf.Source.PluginID)
	if err != nil {
		return err
	}

	// Let the source plugin validate its own config. A rejection is a
	// ConfigurationError: fatal until the config is fixed.
	config, err := HydrateConfig(wf.Source.Config, o.secrets)
	if err != nil {
		return &api.ConfigurationError{PluginID: wf.Source.PluginID, Reason: err.Error()}
	}
	if _, err := o.invoker.Invoke(ctx, sourceRef, plugin.OpInitialize, plugin.Request{Config: config}); err != nil {
		var exec *api.PluginExecutionError
		if errors.As(err, &exec) {
			return &api.ConfigurationError{PluginID: wf.Source.PluginID, Reason: exec.Message}
		}
		return err
	}
	return nil
}

func (o *Orchestrator) CreateWorkflow(ctx context.Context, wf *api.Workflow) error {
	if err := o.validateWorkflow(ctx, wf); err != nil {
		return err
	}

	if wf.ID == "" {
		wf.ID = api.NewWorkflowID()
	}
	if wf.Status == "" {
		wf.Status = api.WorkflowActive
	}
	now := time.Now()
	wf.CreatedAt = now
	wf.UpdatedAt = now

	if err := o.store.Workflows.SaveWorkflow(ctx, wf); err != nil {
		return err
	}

	// Unscheduled workflows run exactly once, at creation.
	if wf.Schedule == "" && wf.Status == api.WorkflowActive {
		if _, err := o.StartRun(ctx, wf.ID, wf.CreatedBy); err != nil {
			return err
		}
	}
	return nil
}

func (o *Orchestrator) UpdateWorkflow(ctx context.Context, wf *api.Workflow) error {
	existing, err := o.store.Workflows.GetWorkflow(ctx, wf.ID)
	if err != nil {
		return err
	}
	if existing.Status == api.WorkflowArchived {
		return fmt.Errorf("workflow %s is archived", wf.ID)
	}
	if err := o.validateWorkflow(ctx, wf); err != nil {
		return err
	}

	// Resumable source state survives updates; it belongs to the plugin.
	wf.State = existing.State
	wf.CreatedAt = existing.CreatedAt
	wf.UpdatedAt = time.Now()
	return o.store.Workflows.UpdateWorkflow(ctx, wf)
}

func (o *Orchestrator) ArchiveWorkflow(ctx context.Context, id string) error {
	wf, err := o.store.Workflows.GetWorkflow(ctx, id)
	if err != nil {
		return err
	}
	wf.Status = api.WorkflowArchived
	wf.UpdatedAt = time.Now()
	if err := o.store.Workflows.UpdateWorkflow(ctx, wf); err != nil {
		return err
	}
	// Drop the recurring registration promptly instead of waiting for the
	// next reconciliation.
	return o.queue.RemoveRepeatable(ctx, id)
}

func (o *Orchestrator) GetWorkflow(ctx context.Context, id string) (*api.Workflow, error) {
	return o.store.Workflows.GetWorkflow(ctx, id)
}

func (o *Orchestrator) ListWorkflows(ctx context.Context, filter api.WorkflowFilter) ([]*api.Workflow, error) {
	return o.store.Workflows.ListWorkflows(ctx, filter)
}

// StartRun creates a PENDING run and enqueues its source-query job. The
// single-writer invariant on resumable source state is protected here: a
// workflow with a non-terminal run is rejected with StateConflict, the job
// is never queued.
func (o *Orchestrator) StartRun(ctx context.Context, workflowID, triggeredBy string) (*api.WorkflowRun, error) {
	wf, err := o.store.Workflows.GetWorkflow(ctx, workflowID)
	if err != nil {
		return nil, err
	}
	if wf.Status != api.WorkflowActive {
		return nil, fmt.Errorf("workflow %s is not active", workflowID)
	}

	if open, err := o.store.Runs.FindOpenRun(ctx, workflowID); err == nil {
		return nil, &api.StateConflict{WorkflowID: workflowID, OpenRunID: open.ID}
	} else if !errors.Is(err, persistence.ErrRunNotFound) {
		return nil, err
	}

	run := &api.WorkflowRun{
		ID:          api.NewRunID(),
		WorkflowID:  workflowID,
		TriggeredBy: triggeredBy,
		Status:      api.RunPending,
		StartedAt:   time.Now(),
	}
	if err := o.store.Runs.SaveRun(ctx, run); err != nil {
		return nil, err
	}

	payload, err := json.Marshal(sourceQueryPayload{LastProcessedState: wf.State})
	if err != nil {
		return nil, err
	}
	task := taskqueue.Task{
		Kind:          taskqueue.KindSourceQuery,
		WorkflowID:    workflowID,
		WorkflowRunID: run.ID,
		Payload:       payload,
	}
	if err := o.queue.Enqueue(ctx, task); err != nil {
		return nil, err
	}
	return run, nil
}

// CancelRun flags a run for cancellation. In-flight jobs drain: each
// pipeline job finishes its current step, dispatches nothing further, and
// the run finalizes CANCELLED once counters drain. Cancelling a terminal
// run is a no-op.
func (o *Orchestrator) CancelRun(ctx context.Context, runID string) error {
	run, err := o.store.Runs.GetRun(ctx, runID)
	if err != nil {
		return err
	}
	if run.Status.Terminal() {
		return nil
	}
	if err := o.store.Runs.RequestCancel(ctx, runID); err != nil {
		return err
	}
	// A run with nothing in flight will never see another job; finalize now.
	if run.Status == api.RunRunning && run.ItemsProcessed >= run.ItemsTotal {
		return o.FinalizeRun(ctx, runID)
	}
	return nil
}

func (o *Orchestrator) GetRun(ctx context.Context, runID string) (*api.WorkflowRun, error) {
	return o.store.Runs.GetRun(ctx, runID)
}

func (o *Orchestrator) ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.WorkflowRun, error) {
	return o.store.Runs.ListRuns(ctx, filter)
}

func (o *Orchestrator) ListItems(ctx context.Context, workflowID string) ([]*api.SourceItem, error) {
	return o.store.Items.ListItems(ctx, workflowID)
}

func (o *Orchestrator) ListPluginRuns(ctx context.Context, runID, itemID string) ([]*api.PluginRun, error) {
	return o.store.PluginRuns.ListPluginRuns(ctx, runID, itemID)
}

type sourceQueryPayload struct {
	LastProcessedState json.RawMessage `json:"lastProcessedState,omitempty"`
}
