package persistence

import (
	"context"
	"errors"
	"time"

	"github.com/ScriptedAlchemy/conveyor/pkg/api"
)

var (
	// ErrWorkflowNotFound is returned when a workflow is not found.
	ErrWorkflowNotFound = errors.New("workflow not found")

	// ErrRunNotFound is returned when a workflow run is not found.
	ErrRunNotFound = errors.New("run not found")

	// ErrItemNotFound is returned when a source item is not found.
	ErrItemNotFound = errors.New("item not found")

	// ErrPluginRunNotFound is returned when a plugin run is not found.
	ErrPluginRunNotFound = errors.New("plugin run not found")
)

// WorkflowStore handles storage of workflow definitions and their resumable
// source state.
type WorkflowStore interface {
	SaveWorkflow(ctx context.Context, wf *api.Workflow) error
	UpdateWorkflow(ctx context.Context, wf *api.Workflow) error
	GetWorkflow(ctx context.Context, id string) (*api.Workflow, error)
	ListWorkflows(ctx context.Context, filter api.WorkflowFilter) ([]*api.Workflow, error)

	// SaveSourceState replaces the workflow's resumable source state. The
	// blob is opaque; only the currently-executing source-query job for the
	// workflow may call this.
	SaveSourceState(ctx context.Context, workflowID string, state []byte) error

	// DeleteWorkflow removes the workflow and cascades to its runs, items
	// and plugin runs. Archival is the normal path; deletion is for
	// workflows being destroyed outright.
	DeleteWorkflow(ctx context.Context, id string) error
}

// RunStore handles storage of workflow runs. Counter updates are atomic
// increments so concurrent item completions never lose updates.
type RunStore interface {
	SaveRun(ctx context.Context, run *api.WorkflowRun) error
	GetRun(ctx context.Context, id string) (*api.WorkflowRun, error)
	ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.WorkflowRun, error)

	// FindOpenRun returns the workflow's non-terminal run, or ErrRunNotFound
	// when every run is terminal. At most one open run exists per workflow.
	FindOpenRun(ctx context.Context, workflowID string) (*api.WorkflowRun, error)

	// SetRunStatus transitions a run. completedAt is recorded for terminal
	// statuses; errMsg is stored verbatim.
	SetRunStatus(ctx context.Context, runID string, status api.RunStatus, errMsg string, completedAt time.Time) error

	// AddItemsTotal adds delta to the run's itemsTotal counter.
	AddItemsTotal(ctx context.Context, runID string, delta int) error

	// AddItemsFailed adds delta to the run's itemsFailed counter. Used when
	// a step retry changes an item's recorded outcome after the fact.
	AddItemsFailed(ctx context.Context, runID string, delta int) error

	// IncrementItemsProcessed bumps itemsProcessed (and itemsFailed when
	// failed is true) and returns the updated counters.
	IncrementItemsProcessed(ctx context.Context, runID string, failed bool) (processed, failedCount, total int, err error)

	// RequestCancel flags the run for cancellation.
	RequestCancel(ctx context.Context, runID string) error
}

// ItemStore handles storage of source items.
type ItemStore interface {
	// UpsertItem inserts the item if no row with its ID exists. It reports
	// whether a row was created; duplicates are silently deduplicated.
	UpsertItem(ctx context.Context, item *api.SourceItem) (created bool, err error)

	GetItem(ctx context.Context, id string) (*api.SourceItem, error)
	ListItems(ctx context.Context, workflowID string) ([]*api.SourceItem, error)

	// MarkItemProcessed stamps the item's processedAt.
	MarkItemProcessed(ctx context.Context, itemID string, at time.Time) error
}

// PluginRunStore handles storage of step execution records. Rows are
// append-only once terminal; retries add rows, they never rewrite history.
type PluginRunStore interface {
	SavePluginRun(ctx context.Context, pr *api.PluginRun) error

	// UpdatePluginRun rewrites a non-terminal row (RUNNING -> terminal).
	UpdatePluginRun(ctx context.Context, pr *api.PluginRun) error

	GetPluginRun(ctx context.Context, id string) (*api.PluginRun, error)

	// ListPluginRuns returns rows for a run ordered by start time, then
	// step index. itemID narrows to one item when non-empty.
	ListPluginRuns(ctx context.Context, runID, itemID string) ([]*api.PluginRun, error)

	// LatestCompleted returns the most recent COMPLETED row for the given
	// (run, item, step), or ErrPluginRunNotFound.
	LatestCompleted(ctx context.Context, runID, itemID, stepID string) (*api.PluginRun, error)
}

// Persistence groups the four stores an engine needs.
type Persistence struct {
	Workflows  WorkflowStore
	Runs       RunStore
	Items      ItemStore
	PluginRuns PluginRunStore
}
