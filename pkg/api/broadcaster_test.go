package api

import (
	"testing"
	"time"
)

func recvEvent(t *testing.T, sub *Subscription) Event {
	t.Helper()
	select {
	case ev, ok := <-sub.C:
		if !ok {
			t.Fatalf("subscription channel closed unexpectedly")
		}
		return ev
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for event")
		return Event{}
	}
}

func TestBroadcaster_TopicFilter(t *testing.T) {
	b := NewBroadcaster(8)
	defer b.Close()

	runs := b.Subscribe(TopicRunCompleted)
	all := b.Subscribe()

	b.Publish(Event{Topic: TopicPluginRunFailed, EntityID: "prun-1"})
	b.Publish(Event{Topic: TopicRunCompleted, EntityID: "run-1"})

	ev := recvEvent(t, runs)
	if ev.Topic != TopicRunCompleted || ev.EntityID != "run-1" {
		t.Fatalf("topic-filtered subscription got %+v", ev)
	}

	first := recvEvent(t, all)
	second := recvEvent(t, all)
	if first.Topic != TopicPluginRunFailed || second.Topic != TopicRunCompleted {
		t.Fatalf("unfiltered subscription got %v then %v", first.Topic, second.Topic)
	}
}

func TestBroadcaster_EntityFilter(t *testing.T) {
	b := NewBroadcaster(8)
	defer b.Close()

	sub := b.SubscribeEntity("wf-1")

	b.Publish(Event{Topic: TopicRunStarted, EntityID: "run-9", WorkflowID: "wf-2"})
	b.Publish(Event{Topic: TopicRunStarted, EntityID: "run-1", WorkflowID: "wf-1"})

	ev := recvEvent(t, sub)
	if ev.WorkflowID != "wf-1" {
		t.Fatalf("entity filter let through %+v", ev)
	}
	select {
	case extra := <-sub.C:
		t.Fatalf("unexpected extra event %+v", extra)
	default:
	}
}

func TestBroadcaster_PublishStampsTime(t *testing.T) {
	b := NewBroadcaster(1)
	defer b.Close()

	sub := b.Subscribe()
	b.Publish(Event{Topic: TopicRunStarted, EntityID: "run-1"})

	if ev := recvEvent(t, sub); ev.At.IsZero() {
		t.Fatalf("expected Publish to stamp At")
	}
}

func TestBroadcaster_DropsWhenFull(t *testing.T) {
	b := NewBroadcaster(1)
	defer b.Close()

	sub := b.Subscribe()
	b.Publish(Event{Topic: TopicRunStarted, EntityID: "run-1"})
	b.Publish(Event{Topic: TopicRunStarted, EntityID: "run-2"})

	ev := recvEvent(t, sub)
	if ev.EntityID != "run-1" {
		t.Fatalf("expected first event kept, got %+v", ev)
	}
	select {
	case extra := <-sub.C:
		t.Fatalf("expected overflow event dropped, got %+v", extra)
	default:
	}
}

func TestBroadcaster_Unsubscribe(t *testing.T) {
	b := NewBroadcaster(4)
	defer b.Close()

	sub := b.Subscribe()
	sub.Unsubscribe()
	sub.Unsubscribe() // idempotent

	if _, ok := <-sub.C; ok {
		t.Fatalf("expected channel closed after Unsubscribe")
	}
}

func TestBroadcaster_Close(t *testing.T) {
	b := NewBroadcaster(4)
	sub := b.Subscribe()

	b.Close()
	if _, ok := <-sub.C; ok {
		t.Fatalf("expected channel closed after Close")
	}

	// Publishing and re-subscribing after close must not panic.
	b.Publish(Event{Topic: TopicRunStarted})
	late := b.Subscribe()
	if _, ok := <-late.C; ok {
		t.Fatalf("expected late subscription closed immediately")
	}
}
