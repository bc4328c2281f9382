package api

import (
	"context"
	"testing"
	"time"
)

type countingObserver struct {
	NoopObserver
	started, finalized, ingested, steps int
}

func (c *countingObserver) OnRunStarted(ctx context.Context, run *WorkflowRun)   { c.started++ }
func (c *countingObserver) OnRunFinalized(ctx context.Context, run *WorkflowRun) { c.finalized++ }
func (c *countingObserver) OnItemIngested(ctx context.Context, item *SourceItem) { c.ingested++ }
func (c *countingObserver) OnStepCompleted(ctx context.Context, pr *PluginRun, d time.Duration) {
	c.steps++
}

func TestCompositeObserver_FansOut(t *testing.T) {
	ctx := context.Background()
	a := &countingObserver{}
	b := &countingObserver{}

	obs := NewCompositeObserver(a, nil, b)
	obs.OnRunStarted(ctx, &WorkflowRun{ID: "run-1"})
	obs.OnRunFinalized(ctx, &WorkflowRun{ID: "run-1"})
	obs.OnItemIngested(ctx, &SourceItem{ID: "item-1"})
	obs.OnStepCompleted(ctx, &PluginRun{ID: "prun-1"}, time.Millisecond)

	for _, c := range []*countingObserver{a, b} {
		if c.started != 1 || c.finalized != 1 || c.ingested != 1 || c.steps != 1 {
			t.Fatalf("callbacks not fanned out: %+v", c)
		}
	}
}

func TestNewCompositeObserver_Degenerate(t *testing.T) {
	if _, ok := NewCompositeObserver().(NoopObserver); !ok {
		t.Fatalf("empty composite should be a NoopObserver")
	}
	single := &countingObserver{}
	if got := NewCompositeObserver(nil, single); got != Observer(single) {
		t.Fatalf("single-observer composite should return the observer itself")
	}
}

func TestBasicMetrics_Snapshot(t *testing.T) {
	ctx := context.Background()
	m := &BasicMetrics{}

	m.OnRunStarted(ctx, &WorkflowRun{ID: "run-1"})
	m.OnRunStarted(ctx, &WorkflowRun{ID: "run-2"})
	m.OnRunFinalized(ctx, &WorkflowRun{ID: "run-1", Status: RunFailed})
	m.OnItemIngested(ctx, &SourceItem{ID: "item-1"})
	m.OnStepCompleted(ctx, &PluginRun{Status: StepCompleted}, 10*time.Millisecond)
	m.OnStepCompleted(ctx, &PluginRun{Status: StepCompleted}, 30*time.Millisecond)
	m.OnStepCompleted(ctx, &PluginRun{Status: StepFailed}, time.Millisecond)
	m.OnStepCompleted(ctx, &PluginRun{Status: StepSkipped}, 0)

	snap := m.Snapshot()
	if snap.RunsStarted != 2 || snap.RunsFinalized != 1 || snap.RunsFailed != 1 {
		t.Fatalf("run counters wrong: %+v", snap)
	}
	if snap.OpenRuns != 1 {
		t.Fatalf("expected 1 open run, got %d", snap.OpenRuns)
	}
	if snap.ItemsIngested != 1 || snap.StepsCompleted != 2 || snap.StepsFailed != 1 {
		t.Fatalf("item/step counters wrong: %+v", snap)
	}
	if snap.AvgStepDuration != 20*time.Millisecond {
		t.Fatalf("expected 20ms average step duration, got %v", snap.AvgStepDuration)
	}
}

type capturePublisher struct {
	events []Event
}

func (p *capturePublisher) Publish(ev Event) { p.events = append(p.events, ev) }

func TestBroadcastObserver_TopicMapping(t *testing.T) {
	ctx := context.Background()
	pub := &capturePublisher{}
	obs := NewBroadcastObserver(pub)

	obs.OnRunStarted(ctx, &WorkflowRun{ID: "run-1", WorkflowID: "wf-1", Status: RunRunning})
	obs.OnRunFinalized(ctx, &WorkflowRun{ID: "run-1", WorkflowID: "wf-1", Status: RunPartialSuccess})
	obs.OnStepCompleted(ctx, &PluginRun{ID: "prun-1", Status: StepCompleted}, time.Millisecond)
	obs.OnStepCompleted(ctx, &PluginRun{ID: "prun-2", Status: StepFailed, Error: "boom"}, time.Millisecond)

	wantTopics := []Topic{TopicRunStarted, TopicRunCompleted, TopicPluginRunCompleted, TopicPluginRunFailed}
	if len(pub.events) != len(wantTopics) {
		t.Fatalf("expected %d events, got %d", len(wantTopics), len(pub.events))
	}
	for i, topic := range wantTopics {
		if pub.events[i].Topic != topic {
			t.Fatalf("event %d: expected topic %q, got %q", i, topic, pub.events[i].Topic)
		}
	}
	if pub.events[1].Status != string(RunPartialSuccess) {
		t.Fatalf("finalized event carries status %q", pub.events[1].Status)
	}
	if pub.events[3].Detail != "boom" {
		t.Fatalf("failed step event should carry the error, got %q", pub.events[3].Detail)
	}
}

func TestNewBroadcastObserver_NilPublisher(t *testing.T) {
	if _, ok := NewBroadcastObserver(nil).(NoopObserver); !ok {
		t.Fatalf("nil publisher should yield NoopObserver")
	}
}
