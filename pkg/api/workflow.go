package api

import (
	"time"
)

// WorkflowStatus is the lifecycle state of a workflow definition.
type WorkflowStatus string

const (
	WorkflowActive   WorkflowStatus = "active"
	WorkflowInactive WorkflowStatus = "inactive"
	WorkflowArchived WorkflowStatus = "archived"
)

// PluginRef identifies a plugin and the remote module it is loaded from.
// Refs come from an injected registry (plugin name -> ref), never from a
// process-wide singleton.
type PluginRef struct {
	ID        string `json:"id"`
	ModuleURL string `json:"moduleUrl"`
}

// SourceDescriptor configures a workflow's source plugin.
//
// Config holds non-secret variables plus {{secrets.NAME}} placeholders that
// are hydrated at invocation time; persisted copies keep the placeholders.
type SourceDescriptor struct {
	PluginID      string         `json:"pluginId"`
	Config        map[string]any `json:"config,omitempty"`
	SearchOptions map[string]any `json:"searchOptions,omitempty"`
}

// PipelineStep is one ordered processing step in a workflow's pipeline.
//
// Filter is an optional boolean expression over the step's input document
// (bound as "input"); when it evaluates false the step is recorded SKIPPED
// and its input passes through to the next step unchanged.
type PipelineStep struct {
	StepID   string         `json:"stepId"`
	PluginID string         `json:"pluginId"`
	Config   map[string]any `json:"config,omitempty"`
	Filter   string         `json:"filter,omitempty"`
}

// Workflow is a named automation unit: a polled source plus an ordered
// pipeline of processing steps applied to every item the source produces.
//
// Schedule is a cron expression; empty means run-once-on-create. State is
// the source plugin's resumable cursor: an opaque blob the orchestrator
// stores verbatim between polls and never interprets.
type Workflow struct {
	ID        string           `json:"id"`
	Name      string           `json:"name"`
	CreatedBy string           `json:"createdBy"`
	Schedule  string           `json:"schedule,omitempty"`
	Source    SourceDescriptor `json:"source"`
	Pipeline  []PipelineStep   `json:"pipeline"`
	Status    WorkflowStatus   `json:"status"`
	State     []byte           `json:"state,omitempty"`
	CreatedAt time.Time        `json:"createdAt"`
	UpdatedAt time.Time        `json:"updatedAt"`
}

// StepIndex returns the pipeline index of the given step ID, or -1.
func (w *Workflow) StepIndex(stepID string) int {
	for i, s := range w.Pipeline {
		if s.StepID == stepID {
			return i
		}
	}
	return -1
}

// WorkflowFilter selects workflows when listing. Zero values mean no filter.
type WorkflowFilter struct {
	Status    WorkflowStatus
	CreatedBy string
}
