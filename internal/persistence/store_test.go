package persistence

import (
	"context"
	"database/sql"
	"errors"
	"testing"
	"time"

	_ "modernc.org/sqlite"

	"github.com/ScriptedAlchemy/conveyor/pkg/api"
)

// backends returns a factory per store implementation so every test runs
// against both.
func backends(t *testing.T) map[string]func(t *testing.T) Persistence {
	t.Helper()
	return map[string]func(t *testing.T) Persistence{
		"memory": func(t *testing.T) Persistence {
			t.Helper()
			return NewInMemoryStore().Stores()
		},
		"sqlite": func(t *testing.T) Persistence {
			t.Helper()
			db, err := sql.Open("sqlite", ":memory:")
			if err != nil {
				t.Fatalf("sql.Open failed: %v", err)
			}
			t.Cleanup(func() { _ = db.Close() })
			store, err := NewSQLiteStore(db)
			if err != nil {
				t.Fatalf("NewSQLiteStore failed: %v", err)
			}
			return store.Stores()
		},
	}
}

func sampleWorkflow(id string) *api.Workflow {
	now := time.Now().Truncate(time.Millisecond)
	return &api.Workflow{
		ID:        id,
		Name:      "sync-tickets",
		CreatedBy: "ops@example.com",
		Schedule:  "*/15 * * * *",
		Source: api.SourceDescriptor{
			PluginID:      "jira-source",
			Config:        map[string]any{"token": "{{secrets.TOKEN}}"},
			SearchOptions: map[string]any{"project": "OPS"},
		},
		Pipeline: []api.PipelineStep{
			{StepID: "enrich", PluginID: "enricher"},
			{StepID: "notify", PluginID: "notifier", Filter: `input.priority == "high"`},
		},
		Status:    api.WorkflowActive,
		CreatedAt: now,
		UpdatedAt: now,
	}
}

func TestWorkflowStore_SaveGetUpdate(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := factory(t)

			wf := sampleWorkflow("wf-1")
			if err := p.Workflows.SaveWorkflow(ctx, wf); err != nil {
				t.Fatalf("SaveWorkflow failed: %v", err)
			}

			got, err := p.Workflows.GetWorkflow(ctx, "wf-1")
			if err != nil {
				t.Fatalf("GetWorkflow failed: %v", err)
			}
			if got.Name != wf.Name || got.Schedule != wf.Schedule || got.Status != wf.Status {
				t.Fatalf("round trip mismatch: %+v", got)
			}
			if got.Source.PluginID != "jira-source" {
				t.Fatalf("source lost: %+v", got.Source)
			}
			if got.Source.Config["token"] != "{{secrets.TOKEN}}" {
				t.Fatalf("config placeholder must persist unhydrated, got %v", got.Source.Config)
			}
			if len(got.Pipeline) != 2 || got.Pipeline[1].Filter == "" {
				t.Fatalf("pipeline lost: %+v", got.Pipeline)
			}

			got.Status = api.WorkflowInactive
			if err := p.Workflows.UpdateWorkflow(ctx, got); err != nil {
				t.Fatalf("UpdateWorkflow failed: %v", err)
			}
			again, err := p.Workflows.GetWorkflow(ctx, "wf-1")
			if err != nil {
				t.Fatalf("GetWorkflow after update failed: %v", err)
			}
			if again.Status != api.WorkflowInactive {
				t.Fatalf("update not persisted: %v", again.Status)
			}

			if _, err := p.Workflows.GetWorkflow(ctx, "wf-missing"); !errors.Is(err, ErrWorkflowNotFound) {
				t.Fatalf("expected ErrWorkflowNotFound, got %v", err)
			}
			if err := p.Workflows.UpdateWorkflow(ctx, sampleWorkflow("wf-missing")); !errors.Is(err, ErrWorkflowNotFound) {
				t.Fatalf("expected ErrWorkflowNotFound on update, got %v", err)
			}
		})
	}
}

func TestWorkflowStore_ListFilters(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := factory(t)

			a := sampleWorkflow("wf-a")
			b := sampleWorkflow("wf-b")
			b.Status = api.WorkflowArchived
			c := sampleWorkflow("wf-c")
			c.CreatedBy = "other@example.com"
			for _, wf := range []*api.Workflow{a, b, c} {
				if err := p.Workflows.SaveWorkflow(ctx, wf); err != nil {
					t.Fatalf("SaveWorkflow failed: %v", err)
				}
			}

			active, err := p.Workflows.ListWorkflows(ctx, api.WorkflowFilter{Status: api.WorkflowActive})
			if err != nil {
				t.Fatalf("ListWorkflows failed: %v", err)
			}
			if len(active) != 2 {
				t.Fatalf("expected 2 active workflows, got %d", len(active))
			}

			mine, err := p.Workflows.ListWorkflows(ctx, api.WorkflowFilter{CreatedBy: "other@example.com"})
			if err != nil {
				t.Fatalf("ListWorkflows failed: %v", err)
			}
			if len(mine) != 1 || mine[0].ID != "wf-c" {
				t.Fatalf("creator filter wrong: %+v", mine)
			}
		})
	}
}

func TestWorkflowStore_SourceState(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := factory(t)

			if err := p.Workflows.SaveWorkflow(ctx, sampleWorkflow("wf-1")); err != nil {
				t.Fatalf("SaveWorkflow failed: %v", err)
			}
			state := []byte(`{"lastSeen":"2026-08-30T00:00:00Z"}`)
			if err := p.Workflows.SaveSourceState(ctx, "wf-1", state); err != nil {
				t.Fatalf("SaveSourceState failed: %v", err)
			}
			wf, err := p.Workflows.GetWorkflow(ctx, "wf-1")
			if err != nil {
				t.Fatalf("GetWorkflow failed: %v", err)
			}
			if string(wf.State) != string(state) {
				t.Fatalf("state round trip: got %s", wf.State)
			}
		})
	}
}

func TestWorkflowStore_DeleteCascades(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := factory(t)

			if err := p.Workflows.SaveWorkflow(ctx, sampleWorkflow("wf-1")); err != nil {
				t.Fatalf("SaveWorkflow failed: %v", err)
			}
			run := &api.WorkflowRun{ID: "run-1", WorkflowID: "wf-1", Status: api.RunRunning, StartedAt: time.Now()}
			if err := p.Runs.SaveRun(ctx, run); err != nil {
				t.Fatalf("SaveRun failed: %v", err)
			}
			item := &api.SourceItem{ID: "item-1", WorkflowID: "wf-1", ExternalID: "x", CreatedAt: time.Now()}
			if _, err := p.Items.UpsertItem(ctx, item); err != nil {
				t.Fatalf("UpsertItem failed: %v", err)
			}
			pr := &api.PluginRun{ID: "prun-1", WorkflowRunID: "run-1", SourceItemID: "item-1", StepID: "enrich", PluginID: "enricher", Status: api.StepCompleted, StartedAt: time.Now()}
			if err := p.PluginRuns.SavePluginRun(ctx, pr); err != nil {
				t.Fatalf("SavePluginRun failed: %v", err)
			}

			if err := p.Workflows.DeleteWorkflow(ctx, "wf-1"); err != nil {
				t.Fatalf("DeleteWorkflow failed: %v", err)
			}
			if _, err := p.Runs.GetRun(ctx, "run-1"); !errors.Is(err, ErrRunNotFound) {
				t.Fatalf("expected run cascaded, got %v", err)
			}
			if _, err := p.Items.GetItem(ctx, "item-1"); !errors.Is(err, ErrItemNotFound) {
				t.Fatalf("expected item cascaded, got %v", err)
			}
			if _, err := p.PluginRuns.GetPluginRun(ctx, "prun-1"); !errors.Is(err, ErrPluginRunNotFound) {
				t.Fatalf("expected plugin run cascaded, got %v", err)
			}
		})
	}
}

func TestRunStore_StatusAndCounters(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := factory(t)

			run := &api.WorkflowRun{ID: "run-1", WorkflowID: "wf-1", TriggeredBy: "ops", Status: api.RunPending, StartedAt: time.Now()}
			if err := p.Runs.SaveRun(ctx, run); err != nil {
				t.Fatalf("SaveRun failed: %v", err)
			}

			open, err := p.Runs.FindOpenRun(ctx, "wf-1")
			if err != nil {
				t.Fatalf("FindOpenRun failed: %v", err)
			}
			if open.ID != "run-1" {
				t.Fatalf("expected open run run-1, got %s", open.ID)
			}

			if err := p.Runs.AddItemsTotal(ctx, "run-1", 3); err != nil {
				t.Fatalf("AddItemsTotal failed: %v", err)
			}
			if _, _, _, err := p.Runs.IncrementItemsProcessed(ctx, "run-1", false); err != nil {
				t.Fatalf("IncrementItemsProcessed failed: %v", err)
			}
			processed, failed, total, err := p.Runs.IncrementItemsProcessed(ctx, "run-1", true)
			if err != nil {
				t.Fatalf("IncrementItemsProcessed failed: %v", err)
			}
			if processed != 2 || failed != 1 || total != 3 {
				t.Fatalf("counters: processed=%d failed=%d total=%d", processed, failed, total)
			}
			if err := p.Runs.AddItemsFailed(ctx, "run-1", -1); err != nil {
				t.Fatalf("AddItemsFailed failed: %v", err)
			}

			if err := p.Runs.RequestCancel(ctx, "run-1"); err != nil {
				t.Fatalf("RequestCancel failed: %v", err)
			}
			completedAt := time.Now().Truncate(time.Millisecond)
			if err := p.Runs.SetRunStatus(ctx, "run-1", api.RunPartialSuccess, "1 item failed", completedAt); err != nil {
				t.Fatalf("SetRunStatus failed: %v", err)
			}

			got, err := p.Runs.GetRun(ctx, "run-1")
			if err != nil {
				t.Fatalf("GetRun failed: %v", err)
			}
			if got.Status != api.RunPartialSuccess || got.Error != "1 item failed" {
				t.Fatalf("terminal state wrong: %+v", got)
			}
			if !got.CancelRequested {
				t.Fatalf("cancel flag lost")
			}
			if got.ItemsProcessed != 2 || got.ItemsFailed != 0 || got.ItemsTotal != 3 {
				t.Fatalf("counters wrong after adjust: %+v", got)
			}
			if got.CompletedAt.IsZero() {
				t.Fatalf("completedAt not recorded")
			}

			if _, err := p.Runs.FindOpenRun(ctx, "wf-1"); !errors.Is(err, ErrRunNotFound) {
				t.Fatalf("terminal run still reported open: %v", err)
			}
		})
	}
}

func TestRunStore_ListFilters(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := factory(t)

			base := time.Now().Add(-time.Hour)
			runs := []*api.WorkflowRun{
				{ID: "run-1", WorkflowID: "wf-1", Status: api.RunCompleted, StartedAt: base},
				{ID: "run-2", WorkflowID: "wf-1", Status: api.RunFailed, StartedAt: base.Add(time.Minute)},
				{ID: "run-3", WorkflowID: "wf-2", Status: api.RunCompleted, StartedAt: base.Add(2 * time.Minute)},
			}
			for _, r := range runs {
				if err := p.Runs.SaveRun(ctx, r); err != nil {
					t.Fatalf("SaveRun failed: %v", err)
				}
			}

			forWf1, err := p.Runs.ListRuns(ctx, api.RunFilter{WorkflowID: "wf-1"})
			if err != nil {
				t.Fatalf("ListRuns failed: %v", err)
			}
			if len(forWf1) != 2 || forWf1[0].ID != "run-1" || forWf1[1].ID != "run-2" {
				t.Fatalf("workflow filter / ordering wrong: %+v", forWf1)
			}

			failedOnly, err := p.Runs.ListRuns(ctx, api.RunFilter{Status: api.RunFailed})
			if err != nil {
				t.Fatalf("ListRuns failed: %v", err)
			}
			if len(failedOnly) != 1 || failedOnly[0].ID != "run-2" {
				t.Fatalf("status filter wrong: %+v", failedOnly)
			}
		})
	}
}

func TestItemStore_UpsertDedup(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := factory(t)

			id := api.NewSourceItemID("wf-1", "TICKET-7")
			item := &api.SourceItem{ID: id, WorkflowID: "wf-1", ExternalID: "TICKET-7", Data: []byte(`{"k":1}`), CreatedAt: time.Now()}

			created, err := p.Items.UpsertItem(ctx, item)
			if err != nil {
				t.Fatalf("UpsertItem failed: %v", err)
			}
			if !created {
				t.Fatalf("first upsert should create")
			}

			dup := &api.SourceItem{ID: id, WorkflowID: "wf-1", ExternalID: "TICKET-7", Data: []byte(`{"k":2}`), CreatedAt: time.Now()}
			created, err = p.Items.UpsertItem(ctx, dup)
			if err != nil {
				t.Fatalf("UpsertItem failed: %v", err)
			}
			if created {
				t.Fatalf("duplicate external id must not create a second row")
			}

			got, err := p.Items.GetItem(ctx, id)
			if err != nil {
				t.Fatalf("GetItem failed: %v", err)
			}
			if string(got.Data) != `{"k":1}` {
				t.Fatalf("duplicate upsert overwrote original data: %s", got.Data)
			}

			if err := p.Items.MarkItemProcessed(ctx, id, time.Now()); err != nil {
				t.Fatalf("MarkItemProcessed failed: %v", err)
			}
			got, err = p.Items.GetItem(ctx, id)
			if err != nil {
				t.Fatalf("GetItem failed: %v", err)
			}
			if got.ProcessedAt.IsZero() {
				t.Fatalf("processedAt not recorded")
			}
		})
	}
}

func TestPluginRunStore_HistoryAndLatestCompleted(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := factory(t)

			started := time.Now().Add(-time.Minute)
			rows := []*api.PluginRun{
				{ID: "prun-1", WorkflowRunID: "run-1", SourceItemID: "item-1", StepID: "enrich", StepIndex: 0, PluginID: "enricher", Status: api.StepCompleted, Output: []byte(`{"v":1}`), StartedAt: started},
				{ID: "prun-2", WorkflowRunID: "run-1", SourceItemID: "item-1", StepID: "notify", StepIndex: 1, PluginID: "notifier", Status: api.StepFailed, Error: "boom", StartedAt: started.Add(time.Second)},
				{ID: "prun-3", WorkflowRunID: "run-1", SourceItemID: "item-2", StepID: "enrich", StepIndex: 0, PluginID: "enricher", Status: api.StepCompleted, Output: []byte(`{"v":2}`), StartedAt: started.Add(2 * time.Second)},
				// Retry of item-1's notify step appends, never rewrites.
				{ID: "prun-4", WorkflowRunID: "run-1", SourceItemID: "item-1", StepID: "notify", StepIndex: 1, PluginID: "notifier", Status: api.StepCompleted, Output: []byte(`{"sent":true}`), StartedAt: started.Add(3 * time.Second)},
			}
			for _, pr := range rows {
				if err := p.PluginRuns.SavePluginRun(ctx, pr); err != nil {
					t.Fatalf("SavePluginRun failed: %v", err)
				}
			}

			all, err := p.PluginRuns.ListPluginRuns(ctx, "run-1", "")
			if err != nil {
				t.Fatalf("ListPluginRuns failed: %v", err)
			}
			if len(all) != 4 {
				t.Fatalf("expected full history preserved, got %d rows", len(all))
			}

			itemOnly, err := p.PluginRuns.ListPluginRuns(ctx, "run-1", "item-1")
			if err != nil {
				t.Fatalf("ListPluginRuns failed: %v", err)
			}
			if len(itemOnly) != 3 {
				t.Fatalf("item filter wrong: got %d rows", len(itemOnly))
			}

			latest, err := p.PluginRuns.LatestCompleted(ctx, "run-1", "item-1", "notify")
			if err != nil {
				t.Fatalf("LatestCompleted failed: %v", err)
			}
			if latest.ID != "prun-4" {
				t.Fatalf("expected the retry row, got %s", latest.ID)
			}

			if _, err := p.PluginRuns.LatestCompleted(ctx, "run-1", "item-2", "notify"); !errors.Is(err, ErrPluginRunNotFound) {
				t.Fatalf("expected ErrPluginRunNotFound, got %v", err)
			}
		})
	}
}

func TestPluginRunStore_Update(t *testing.T) {
	for name, factory := range backends(t) {
		t.Run(name, func(t *testing.T) {
			ctx := context.Background()
			p := factory(t)

			pr := &api.PluginRun{ID: "prun-1", WorkflowRunID: "run-1", SourceItemID: "item-1", StepID: "enrich", PluginID: "enricher", Input: []byte(`{"n":1}`), Status: api.StepRunning, StartedAt: time.Now()}
			if err := p.PluginRuns.SavePluginRun(ctx, pr); err != nil {
				t.Fatalf("SavePluginRun failed: %v", err)
			}

			pr.Status = api.StepCompleted
			pr.Output = []byte(`{"n":2}`)
			pr.CompletedAt = time.Now()
			if err := p.PluginRuns.UpdatePluginRun(ctx, pr); err != nil {
				t.Fatalf("UpdatePluginRun failed: %v", err)
			}

			got, err := p.PluginRuns.GetPluginRun(ctx, "prun-1")
			if err != nil {
				t.Fatalf("GetPluginRun failed: %v", err)
			}
			if got.Status != api.StepCompleted || string(got.Output) != `{"n":2}` {
				t.Fatalf("update lost: %+v", got)
			}
			if got.CompletedAt.IsZero() {
				t.Fatalf("completedAt not recorded")
			}

			missing := &api.PluginRun{ID: "prun-missing", Status: api.StepFailed}
			if err := p.PluginRuns.UpdatePluginRun(ctx, missing); !errors.Is(err, ErrPluginRunNotFound) {
				t.Fatalf("expected ErrPluginRunNotFound, got %v", err)
			}
		})
	}
}

func TestCodec_RoundTrip(t *testing.T) {
	doc := map[string]any{"token": "abc", "nested": map[string]any{"n": 1}}
	raw, err := EncodeDoc(doc)
	if err != nil {
		t.Fatalf("EncodeDoc failed: %v", err)
	}
	back, err := DecodeDoc(raw)
	if err != nil {
		t.Fatalf("DecodeDoc failed: %v", err)
	}
	if back["token"] != "abc" {
		t.Fatalf("round trip lost data: %v", back)
	}

	empty, err := EncodeDoc(nil)
	if err != nil || empty != nil {
		t.Fatalf("nil map should encode to nil, got %v %v", empty, err)
	}
	if m, err := DecodeDoc(nil); err != nil || m != nil {
		t.Fatalf("nil bytes should decode to nil map, got %v %v", m, err)
	}
}
