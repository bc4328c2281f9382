// Package conveyor provides an embeddable workflow orchestration engine for
// Go services that move data from external systems through processing
// pipelines.
//
// A conveyor workflow pairs a polled source with an ordered pipeline. On a
// cron schedule (or once, for unscheduled workflows) the source plugin is
// queried for new items; every item then fans out into its own pipeline
// job, where each step's plugin transforms the previous step's output.
// Plugins run as separate OS processes exchanging one JSON document in each
// direction over stdio, so a crashing or misbehaving plugin never takes the
// orchestrator down with it.
//
// # Core Concepts
//
//  1. Orchestrator: the workflow and run API
//  2. Workflow: a source plus a pipeline, optionally on a cron schedule
//  3. WorkflowRun: one execution, a source poll and its item fan-out
//  4. PluginRun: one step's execution record against one item
//  5. Worker: background consumers driving the task queue
//
// # Orchestrator
//
// The Orchestrator stores workflow definitions, tracks run and step state,
// and provides APIs to:
//   - create, update and archive workflows
//   - start and cancel runs
//   - retry an item's pipeline from a chosen step
//   - read run history and step execution records
//
// State can be backed by in-memory stores (tests, development) or SQLite
// (embedded durability). Each backend includes a matching task queue
// implementation so workers can reliably fetch work.
//
// # Runs and Items
//
// A run settles once every item job lands: COMPLETED when all succeeded,
// FAILED when all failed, PARTIAL_SUCCESS for a mix, CANCELLED when a
// cancel request drained it. Items are deduplicated by the source-assigned
// external ID, so re-polls never process the same datum twice. Step
// execution history is append-only: retries add fresh PluginRun rows and
// never rewrite what happened.
//
// # Getting Started
//
// Most applications construct a Conveyor bundle, register workflows with
// the fluent builder, and start the background workers:
//
//	cv, err := conveyor.NewInMemory(conveyor.Config{
//	    Plugins: []conveyor.PluginRef{
//	        {ID: "jira-source", ModuleURL: "https://plugins.example.com/jira-source"},
//	        {ID: "slack-notifier", ModuleURL: "https://plugins.example.com/slack-notifier"},
//	    },
//	    Secrets: map[string]string{"JIRA_TOKEN": "env:JIRA_TOKEN"},
//	})
//	if err != nil {
//	    log.Fatal(err)
//	}
//	if err := cv.Start(ctx); err != nil {
//	    log.Fatal(err)
//	}
//	defer cv.Stop()
//
//	_, err = conveyor.NewWorkflow("escalate-tickets").
//	    Schedule("*/15 * * * *").
//	    Source("jira-source", map[string]any{"token": "{{secrets.JIRA_TOKEN}}"}).
//	    StepWithFilter("notify", "slack-notifier", nil, `input.priority == "high"`).
//	    Create(ctx, cv.Orchestrator)
//
// Plugin binaries are written against the pkg/plugin package; see its
// documentation for the wire contract and the Serve helper.
package conveyor
