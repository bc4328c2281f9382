package taskqueue

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
)

// Kind identifies what the worker should do with a task.
//
// The two kinds are deliberately separate queues: a slow or failing
// pipeline item must never block polling the next source batch, and failed
// items retry individually without re-polling the source.
type Kind string

const (
	// KindSourceQuery polls a workflow's source plugin. One per run,
	// low fan-out, longer timeout.
	KindSourceQuery Kind = "source-query"

	// KindPipelineItem drives one source item through the pipeline. One per
	// item, high fan-out, independently retryable.
	KindPipelineItem Kind = "pipeline-item"
)

// CronParser parses the 5-field cron specs used for repeatable tasks.
var CronParser = cron.NewParser(cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow)

// Task is a unit of work for the worker.
type Task struct {
	ID            string
	Kind          Kind
	WorkflowID    string
	WorkflowRunID string
	ItemID        string

	// Payload is kind-specific JSON:
	//   - source-query: {"lastProcessedState": ...}
	//   - pipeline-item: unused (the item row carries the data)
	Payload []byte

	EnqueuedAt time.Time

	// NotBefore is the earliest time this task should be eligible for
	// processing. Zero value means immediately.
	NotBefore time.Time

	// Attempts counts deliveries that already happened. The worker bumps it
	// when re-enqueueing after a retryable failure.
	Attempts int
}

// StatusFunc is notified when a queue kind's pause state flips.
type StatusFunc func(kind Kind, paused bool)

// Queue is a persistent job queue with at-least-once delivery, delayed and
// repeatable tasks, and per-kind pause/resume.
//
// Completed tasks are removed on dequeue; run history lives in the
// persistence layer, not here.
type Queue interface {
	// Enqueue adds a task. It should respect ctx for cancellation.
	Enqueue(ctx context.Context, t Task) error

	// Dequeue removes and returns the next eligible task of the given kind,
	// blocking until one is available or the context is cancelled. Due
	// repeatable registrations materialize into tasks before selection.
	Dequeue(ctx context.Context, kind Kind) (*Task, error)

	// Len returns the approximate number of queued tasks of the given kind.
	Len(kind Kind) int

	// Pause stops Dequeue from returning tasks of the given kind until
	// Resume. Enqueued and repeatable tasks accumulate meanwhile.
	Pause(kind Kind)
	Resume(kind Kind)
	Paused(kind Kind) bool

	// UpsertRepeatable registers (or replaces) the recurring enqueue for a
	// workflow. Exactly one registration exists per workflow ID; replacing
	// swaps the cron spec without ever leaving duplicates.
	UpsertRepeatable(ctx context.Context, workflowID, cronSpec string, t Task) error

	// RemoveRepeatable drops a workflow's recurring registration. Removing
	// an absent registration is a no-op.
	RemoveRepeatable(ctx context.Context, workflowID string) error

	// Repeatables returns the current registrations as workflowID -> spec.
	Repeatables(ctx context.Context) (map[string]string, error)
}

// NextAfter computes the first fire time of spec strictly after t.
func NextAfter(spec string, t time.Time) (time.Time, error) {
	sched, err := CronParser.Parse(spec)
	if err != nil {
		return time.Time{}, err
	}
	return sched.Next(t), nil
}
