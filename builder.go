package conveyor

import (
	"context"
	"fmt"

	"github.com/ScriptedAlchemy/conveyor/pkg/api"
)

// WorkflowBuilder provides a fluent API for defining workflows:
//
//	wf := conveyor.NewWorkflow("sync-tickets").
//	    CreatedBy("ops@example.com").
//	    Schedule("*/15 * * * *").
//	    Source("jira-source", map[string]any{
//	        "token": "{{secrets.JIRA_TOKEN}}",
//	    }).
//	    Step("enrich", "enricher", nil).
//	    StepWithFilter("notify", "slack-notifier", nil, `input.priority == "high"`).
//	    Build()
//
//	if err := cv.Orchestrator.CreateWorkflow(ctx, wf); err != nil {
//	    log.Fatal(err)
//	}
type WorkflowBuilder struct {
	wf api.Workflow
}

// NewWorkflow creates a workflow builder with the given name.
func NewWorkflow(name string) *WorkflowBuilder {
	return &WorkflowBuilder{wf: api.Workflow{
		Name:   name,
		Status: api.WorkflowActive,
	}}
}

// CreatedBy records the workflow's owner.
func (b *WorkflowBuilder) CreatedBy(who string) *WorkflowBuilder {
	b.wf.CreatedBy = who
	return b
}

// Schedule sets a 5-field cron expression. Workflows without a schedule run
// once when created.
func (b *WorkflowBuilder) Schedule(spec string) *WorkflowBuilder {
	b.wf.Schedule = spec
	return b
}

// Inactive marks the workflow inactive on creation; it will not be polled
// until activated.
func (b *WorkflowBuilder) Inactive() *WorkflowBuilder {
	b.wf.Status = api.WorkflowInactive
	return b
}

// Source sets the workflow's source plugin and its config.
func (b *WorkflowBuilder) Source(pluginID string, config map[string]any) *WorkflowBuilder {
	b.wf.Source = api.SourceDescriptor{PluginID: pluginID, Config: config}
	return b
}

// SearchOptions sets the options document passed to the source plugin on
// every poll.
func (b *WorkflowBuilder) SearchOptions(opts map[string]any) *WorkflowBuilder {
	b.wf.Source.SearchOptions = opts
	return b
}

// Step appends a pipeline step.
func (b *WorkflowBuilder) Step(stepID, pluginID string, config map[string]any) *WorkflowBuilder {
	if stepID == "" {
		panic("conveyor: step id must not be empty")
	}
	if pluginID == "" {
		panic(fmt.Sprintf("conveyor: step %q has no plugin", stepID))
	}
	b.wf.Pipeline = append(b.wf.Pipeline, api.PipelineStep{
		StepID:   stepID,
		PluginID: pluginID,
		Config:   config,
	})
	return b
}

// StepWithFilter appends a pipeline step guarded by a boolean expression
// over the step input (bound as "input"). When the filter evaluates false
// the step is skipped and its input passes through unchanged.
func (b *WorkflowBuilder) StepWithFilter(stepID, pluginID string, config map[string]any, filter string) *WorkflowBuilder {
	b.Step(stepID, pluginID, config)
	b.wf.Pipeline[len(b.wf.Pipeline)-1].Filter = filter
	return b
}

// Build returns the assembled workflow. Validation happens in
// Orchestrator.CreateWorkflow, not here.
func (b *WorkflowBuilder) Build() *Workflow {
	wf := b.wf
	wf.Pipeline = append([]api.PipelineStep(nil), b.wf.Pipeline...)
	return &wf
}

// Create builds and registers the workflow in one call.
func (b *WorkflowBuilder) Create(ctx context.Context, orch Orchestrator) (*Workflow, error) {
	wf := b.Build()
	if err := orch.CreateWorkflow(ctx, wf); err != nil {
		return nil, err
	}
	return wf, nil
}
