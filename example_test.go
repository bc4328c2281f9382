package conveyor_test

import (
	"context"
	"encoding/json"
	"fmt"
	"log"

	"github.com/ScriptedAlchemy/conveyor"
	"github.com/ScriptedAlchemy/conveyor/pkg/api"
	"github.com/ScriptedAlchemy/conveyor/pkg/plugin"
)

// Example_workflowBuilder demonstrates defining a workflow with the fluent
// builder API.
func Example_workflowBuilder() {
	wf := conveyor.NewWorkflow("sync-tickets").
		CreatedBy("ops@example.com").
		Schedule("*/15 * * * *").
		Source("jira-source", map[string]any{
			"token": "{{secrets.JIRA_TOKEN}}",
		}).
		Step("enrich", "enricher", nil).
		StepWithFilter("notify", "slack-notifier", nil, `input.priority == "high"`).
		Build()

	fmt.Printf("workflow %q polls %q on %q with %d steps\n",
		wf.Name, wf.Source.PluginID, wf.Schedule, len(wf.Pipeline))
	// Output: workflow "sync-tickets" polls "jira-source" on "*/15 * * * *" with 2 steps
}

// Example_localRunner demonstrates running a workflow end to end with the
// in-process runner. A real deployment would register module URLs and let
// the isolator spawn plugin processes; here an inline invoker stands in.
func Example_localRunner() {
	ctx := context.Background()

	runner, err := conveyor.NewLocalRunner(conveyor.Config{
		Plugins: []conveyor.PluginRef{
			{ID: "ticket-source", ModuleURL: "file:///opt/plugins/ticket-source"},
			{ID: "enricher", ModuleURL: "file:///opt/plugins/enricher"},
		},
		Invoker: inlineInvoker{},
	})
	if err != nil {
		log.Fatal(err)
	}

	sub := runner.Events().Subscribe(conveyor.TopicRunCompleted)
	defer sub.Unsubscribe()

	if err := runner.Start(ctx); err != nil {
		log.Fatal(err)
	}
	defer runner.Stop()

	// Without a schedule the workflow runs once, right after creation.
	wf, err := conveyor.NewWorkflow("demo").
		Source("ticket-source", nil).
		Step("enrich", "enricher", nil).
		Create(ctx, runner.Orchestrator())
	if err != nil {
		log.Fatal(err)
	}

	ev := <-sub.C
	run, err := runner.Orchestrator().GetRun(ctx, ev.EntityID)
	if err != nil {
		log.Fatal(err)
	}
	fmt.Printf("workflow %q finished %s with %d/%d items processed\n",
		wf.Name, run.Status, run.ItemsProcessed, run.ItemsTotal)
	// Output: workflow "demo" finished COMPLETED with 1/1 items processed
}

// inlineInvoker serves a single ticket from the source and echoes pipeline
// inputs, standing in for real plugin processes.
type inlineInvoker struct{}

func (inlineInvoker) Invoke(ctx context.Context, ref api.PluginRef, operation string, req plugin.Request) (json.RawMessage, error) {
	if operation == plugin.OpInitialize {
		return nil, nil
	}
	if ref.ID == "ticket-source" {
		return json.Marshal(plugin.SourceResult{Items: []plugin.SourceEntry{
			{ExternalID: "TKT-1", Data: json.RawMessage(`{"id":"TKT-1"}`)},
		}})
	}
	return req.Input, nil
}
