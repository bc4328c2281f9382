package api

import "context"

// Orchestrator is the high-level API over the workflow execution engine.
// External surfaces (HTTP handlers, dashboards) depend on this interface,
// never on the engine internals.
type Orchestrator interface {
	// CreateWorkflow validates and persists a workflow. Validation covers
	// the cron schedule, step filter expressions, and source plugin config
	// (via the plugin's initialize operation). Workflows without a schedule
	// are enqueued to run once immediately.
	CreateWorkflow(ctx context.Context, wf *Workflow) error

	// UpdateWorkflow re-validates and persists changes to a workflow.
	// Schedule changes take effect at the next scheduler reconciliation.
	UpdateWorkflow(ctx context.Context, wf *Workflow) error

	// ArchiveWorkflow marks a workflow archived. Archived workflows keep
	// their run history and are never polled again.
	ArchiveWorkflow(ctx context.Context, id string) error

	GetWorkflow(ctx context.Context, id string) (*Workflow, error)
	ListWorkflows(ctx context.Context, filter WorkflowFilter) ([]*Workflow, error)

	// StartRun creates a PENDING run for the workflow and enqueues its
	// source-query job. It returns a StateConflict error if the workflow
	// already has a non-terminal run.
	StartRun(ctx context.Context, workflowID, triggeredBy string) (*WorkflowRun, error)

	// CancelRun asks a run to cancel. In-flight pipeline jobs finish their
	// current step; no further steps or items are dispatched, and the run
	// finalizes CANCELLED once in-flight jobs drain.
	CancelRun(ctx context.Context, runID string) error

	// RetryFromStep re-executes an item's pipeline from the given step,
	// feeding it the preceding step's recorded output (or the original item
	// payload for the first step). Fresh PluginRun rows are appended; the
	// failed attempt's rows are never mutated. The run must not be
	// CANCELLED and fromStepID must belong to the workflow's pipeline.
	RetryFromStep(ctx context.Context, runID, itemID, fromStepID string) ([]*PluginRun, error)

	GetRun(ctx context.Context, runID string) (*WorkflowRun, error)
	ListRuns(ctx context.Context, filter RunFilter) ([]*WorkflowRun, error)
	ListItems(ctx context.Context, workflowID string) ([]*SourceItem, error)

	// ListPluginRuns returns the step execution history for a run, oldest
	// first. itemID narrows the history to one item when non-empty.
	ListPluginRuns(ctx context.Context, runID, itemID string) ([]*PluginRun, error)

	// RecoverStuckRuns scans for non-terminal runs left behind by a crashed
	// process and finalizes them FAILED. Call on startup before starting
	// workers, so no run is legitimately open when it executes. Returns the
	// number of runs updated.
	RecoverStuckRuns(ctx context.Context) (int, error)
}
