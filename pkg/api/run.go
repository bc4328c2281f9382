package api

import (
	"time"

	"github.com/google/uuid"
)

// RunStatus is the lifecycle state of a WorkflowRun.
type RunStatus string

const (
	RunPending        RunStatus = "PENDING"
	RunRunning        RunStatus = "RUNNING"
	RunCompleted      RunStatus = "COMPLETED"
	RunFailed         RunStatus = "FAILED"
	RunPartialSuccess RunStatus = "PARTIAL_SUCCESS"
	RunCancelled      RunStatus = "CANCELLED"
)

// Terminal reports whether the status admits no further transitions.
func (s RunStatus) Terminal() bool {
	switch s {
	case RunCompleted, RunFailed, RunPartialSuccess, RunCancelled:
		return true
	}
	return false
}

// StepStatus is the lifecycle state of a PluginRun.
type StepStatus string

const (
	StepPending   StepStatus = "PENDING"
	StepRunning   StepStatus = "RUNNING"
	StepRetrying  StepStatus = "RETRYING"
	StepCompleted StepStatus = "COMPLETED"
	StepFailed    StepStatus = "FAILED"
	StepSkipped   StepStatus = "SKIPPED"
)

// Terminal reports whether the plugin run reached a final state.
// RETRYING is not terminal: a fresh PluginRun row follows it.
func (s StepStatus) Terminal() bool {
	switch s {
	case StepCompleted, StepFailed, StepSkipped:
		return true
	}
	return false
}

// TriggeredBySchedule marks runs started by the cron scheduler rather than
// an explicit user action.
const TriggeredBySchedule = "schedule"

// WorkflowRun is one execution instance of a Workflow.
//
// ItemsTotal counts the pipeline jobs enqueued for this run; ItemsProcessed
// and ItemsFailed are maintained with atomic store increments so concurrent
// item completions never lose updates. The run finalizes when
// ItemsProcessed reaches ItemsTotal.
type WorkflowRun struct {
	ID              string    `json:"id"`
	WorkflowID      string    `json:"workflowId"`
	TriggeredBy     string    `json:"triggeredBy"`
	Status          RunStatus `json:"status"`
	ItemsProcessed  int       `json:"itemsProcessed"`
	ItemsFailed     int       `json:"itemsFailed"`
	ItemsTotal      int       `json:"itemsTotal"`
	CancelRequested bool      `json:"cancelRequested"`
	Error           string    `json:"error,omitempty"`
	StartedAt       time.Time `json:"startedAt"`
	CompletedAt     time.Time `json:"completedAt,omitempty"`
}

// SourceItem is one unit of data produced by a source plugin. Immutable
// once created except for ProcessedAt.
type SourceItem struct {
	ID          string    `json:"id"`
	WorkflowID  string    `json:"workflowId"`
	ExternalID  string    `json:"externalId"`
	Data        []byte    `json:"data"`
	ProcessedAt time.Time `json:"processedAt,omitempty"`
	CreatedAt   time.Time `json:"createdAt"`
}

// PluginRun is one step's execution record against one item within one run.
// Rows are immutable once Status is terminal; a retry appends a fresh row
// rather than mutating the old one.
type PluginRun struct {
	ID            string     `json:"id"`
	WorkflowRunID string     `json:"workflowRunId"`
	SourceItemID  string     `json:"sourceItemId"`
	StepID        string     `json:"stepId"`
	StepIndex     int        `json:"stepIndex"`
	PluginID      string     `json:"pluginId"`
	Config        []byte     `json:"config,omitempty"`
	Input         []byte     `json:"input,omitempty"`
	Output        []byte     `json:"output,omitempty"`
	Error         string     `json:"error,omitempty"`
	Retryable     bool       `json:"retryable,omitempty"`
	Status        StepStatus `json:"status"`
	StartedAt     time.Time  `json:"startedAt"`
	CompletedAt   time.Time  `json:"completedAt,omitempty"`
}

// RunFilter selects runs when listing. Zero values mean no filter.
type RunFilter struct {
	WorkflowID string
	Status     RunStatus
}

// NewWorkflowID mints a workflow ID.
func NewWorkflowID() string { return "wf-" + uuid.NewString() }

// NewRunID mints a workflow run ID.
func NewRunID() string { return "run-" + uuid.NewString() }

// NewPluginRunID mints a plugin run ID.
func NewPluginRunID() string { return "prun-" + uuid.NewString() }

// itemNamespace scopes deterministic item IDs. Items are keyed by
// (workflow, externalId) so re-ingesting the same upstream datum maps to
// the same row.
var itemNamespace = uuid.MustParse("9e6db1cd-1b6e-4f5a-9a36-2f6e4c1f8d40")

// NewSourceItemID derives a deterministic item ID from the plugin-supplied
// external ID, scoped to the workflow.
func NewSourceItemID(workflowID, externalID string) string {
	return "item-" + uuid.NewSHA1(itemNamespace, []byte(workflowID+"/"+externalID)).String()
}
