package api

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"
)

// Observer receives callbacks from the orchestrator for logging and metrics.
//
// Implementations should be fast and non-blocking; heavy work should be done
// asynchronously so as not to delay run execution.
type Observer interface {
	// OnRunStarted is called when a workflow run's source query begins
	// executing (transition to RUNNING).
	OnRunStarted(ctx context.Context, run *WorkflowRun)

	// OnRunFinalized is called once when a run reaches a terminal status.
	OnRunFinalized(ctx context.Context, run *WorkflowRun)

	// OnItemIngested is called for each new SourceItem persisted by a poll.
	OnItemIngested(ctx context.Context, item *SourceItem)

	// OnStepStarted is called before a pipeline step's plugin is invoked.
	OnStepStarted(ctx context.Context, pr *PluginRun)

	// OnStepCompleted is called after a step's PluginRun reaches a terminal
	// or retrying status, for successes and failures alike.
	OnStepCompleted(ctx context.Context, pr *PluginRun, duration time.Duration)
}

// NoopObserver is an Observer that does nothing. It is the default when no
// observer is configured.
type NoopObserver struct{}

func (NoopObserver) OnRunStarted(ctx context.Context, run *WorkflowRun)                  {}
func (NoopObserver) OnRunFinalized(ctx context.Context, run *WorkflowRun)                {}
func (NoopObserver) OnItemIngested(ctx context.Context, item *SourceItem)                {}
func (NoopObserver) OnStepStarted(ctx context.Context, pr *PluginRun)                    {}
func (NoopObserver) OnStepCompleted(ctx context.Context, pr *PluginRun, d time.Duration) {}

// CompositeObserver fans out callbacks to multiple observers.
type CompositeObserver struct {
	observers []Observer
}

// NewCompositeObserver creates an Observer that forwards callbacks to each
// non-nil observer in obs.
func NewCompositeObserver(obs ...Observer) Observer {
	filtered := make([]Observer, 0, len(obs))
	for _, o := range obs {
		if o != nil {
			filtered = append(filtered, o)
		}
	}
	if len(filtered) == 0 {
		return NoopObserver{}
	}
	if len(filtered) == 1 {
		return filtered[0]
	}
	return &CompositeObserver{observers: filtered}
}

func (c *CompositeObserver) OnRunStarted(ctx context.Context, run *WorkflowRun) {
	for _, o := range c.observers {
		o.OnRunStarted(ctx, run)
	}
}

func (c *CompositeObserver) OnRunFinalized(ctx context.Context, run *WorkflowRun) {
	for _, o := range c.observers {
		o.OnRunFinalized(ctx, run)
	}
}

func (c *CompositeObserver) OnItemIngested(ctx context.Context, item *SourceItem) {
	for _, o := range c.observers {
		o.OnItemIngested(ctx, item)
	}
}

func (c *CompositeObserver) OnStepStarted(ctx context.Context, pr *PluginRun) {
	for _, o := range c.observers {
		o.OnStepStarted(ctx, pr)
	}
}

func (c *CompositeObserver) OnStepCompleted(ctx context.Context, pr *PluginRun, d time.Duration) {
	for _, o := range c.observers {
		o.OnStepCompleted(ctx, pr, d)
	}
}

// LoggingObserver writes structured logs using log/slog.
type LoggingObserver struct {
	Logger *slog.Logger
}

// NewLoggingObserver creates an Observer that logs run / step lifecycle
// events using the provided slog.Logger. If logger is nil, slog.Default()
// is used.
func NewLoggingObserver(logger *slog.Logger) Observer {
	if logger == nil {
		logger = slog.Default()
	}
	return &LoggingObserver{Logger: logger}
}

func (o *LoggingObserver) OnRunStarted(ctx context.Context, run *WorkflowRun) {
	o.Logger.InfoContext(ctx, "run_started",
		slog.String("run_id", run.ID),
		slog.String("workflow_id", run.WorkflowID),
		slog.String("triggered_by", run.TriggeredBy),
	)
}

func (o *LoggingObserver) OnRunFinalized(ctx context.Context, run *WorkflowRun) {
	level := slog.LevelInfo
	if run.Status == RunFailed {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "run_finalized",
		slog.String("run_id", run.ID),
		slog.String("workflow_id", run.WorkflowID),
		slog.String("status", string(run.Status)),
		slog.Int("items_processed", run.ItemsProcessed),
		slog.Int("items_failed", run.ItemsFailed),
		slog.Int("items_total", run.ItemsTotal),
	)
}

func (o *LoggingObserver) OnItemIngested(ctx context.Context, item *SourceItem) {
	o.Logger.DebugContext(ctx, "item_ingested",
		slog.String("item_id", item.ID),
		slog.String("workflow_id", item.WorkflowID),
		slog.String("external_id", item.ExternalID),
	)
}

func (o *LoggingObserver) OnStepStarted(ctx context.Context, pr *PluginRun) {
	o.Logger.DebugContext(ctx, "step_started",
		slog.String("run_id", pr.WorkflowRunID),
		slog.String("item_id", pr.SourceItemID),
		slog.String("step", pr.StepID),
		slog.String("plugin", pr.PluginID),
	)
}

func (o *LoggingObserver) OnStepCompleted(ctx context.Context, pr *PluginRun, d time.Duration) {
	level := slog.LevelDebug
	if pr.Status == StepFailed {
		level = slog.LevelError
	}
	o.Logger.Log(ctx, level, "step_completed",
		slog.String("run_id", pr.WorkflowRunID),
		slog.String("item_id", pr.SourceItemID),
		slog.String("step", pr.StepID),
		slog.String("status", string(pr.Status)),
		slog.Duration("duration", d),
		slog.String("error", pr.Error),
	)
}

// BasicMetrics collects simple counters and aggregate step durations. It
// implements Observer and can be combined with LoggingObserver via
// NewCompositeObserver.
type BasicMetrics struct {
	NoopObserver

	runsStarted       atomic.Int64
	runsFinalized     atomic.Int64
	runsFailed        atomic.Int64
	itemsIngested     atomic.Int64
	stepsCompleted    atomic.Int64
	stepsFailed       atomic.Int64
	totalStepDuration atomic.Int64 // nanoseconds
}

// BasicMetricsSnapshot is an immutable snapshot of BasicMetrics.
type BasicMetricsSnapshot struct {
	RunsStarted   int64
	RunsFinalized int64
	RunsFailed    int64
	OpenRuns      int64

	ItemsIngested   int64
	StepsCompleted  int64
	StepsFailed     int64
	AvgStepDuration time.Duration
}

func (m *BasicMetrics) OnRunStarted(ctx context.Context, run *WorkflowRun) {
	m.runsStarted.Add(1)
}

func (m *BasicMetrics) OnRunFinalized(ctx context.Context, run *WorkflowRun) {
	m.runsFinalized.Add(1)
	if run.Status == RunFailed {
		m.runsFailed.Add(1)
	}
}

func (m *BasicMetrics) OnItemIngested(ctx context.Context, item *SourceItem) {
	m.itemsIngested.Add(1)
}

func (m *BasicMetrics) OnStepCompleted(ctx context.Context, pr *PluginRun, d time.Duration) {
	switch pr.Status {
	case StepCompleted:
		m.stepsCompleted.Add(1)
		m.totalStepDuration.Add(d.Nanoseconds())
	case StepFailed:
		m.stepsFailed.Add(1)
	}
}

// Snapshot returns a snapshot of the current metrics.
func (m *BasicMetrics) Snapshot() BasicMetricsSnapshot {
	started := m.runsStarted.Load()
	finalized := m.runsFinalized.Load()
	steps := m.stepsCompleted.Load()
	totalNs := m.totalStepDuration.Load()

	var avg time.Duration
	if steps > 0 {
		avg = time.Duration(totalNs / steps)
	}

	return BasicMetricsSnapshot{
		RunsStarted:     started,
		RunsFinalized:   finalized,
		RunsFailed:      m.runsFailed.Load(),
		OpenRuns:        started - finalized,
		ItemsIngested:   m.itemsIngested.Load(),
		StepsCompleted:  steps,
		StepsFailed:     m.stepsFailed.Load(),
		AvgStepDuration: avg,
	}
}

// BroadcastObserver republishes run / step transitions as Events on a
// Publisher, mapping callbacks onto the public topics.
type BroadcastObserver struct {
	NoopObserver
	Publisher Publisher
}

// NewBroadcastObserver creates an Observer that publishes transitions to p.
func NewBroadcastObserver(p Publisher) Observer {
	if p == nil {
		return NoopObserver{}
	}
	return &BroadcastObserver{Publisher: p}
}

func (b *BroadcastObserver) OnRunStarted(ctx context.Context, run *WorkflowRun) {
	b.Publisher.Publish(Event{
		Topic:      TopicRunStarted,
		EntityID:   run.ID,
		WorkflowID: run.WorkflowID,
		Status:     string(run.Status),
	})
}

func (b *BroadcastObserver) OnRunFinalized(ctx context.Context, run *WorkflowRun) {
	b.Publisher.Publish(Event{
		Topic:      TopicRunCompleted,
		EntityID:   run.ID,
		WorkflowID: run.WorkflowID,
		Status:     string(run.Status),
		Detail:     run.Error,
	})
}

func (b *BroadcastObserver) OnStepCompleted(ctx context.Context, pr *PluginRun, d time.Duration) {
	topic := TopicPluginRunCompleted
	if pr.Status == StepFailed {
		topic = TopicPluginRunFailed
	}
	b.Publisher.Publish(Event{
		Topic:    topic,
		EntityID: pr.ID,
		Status:   string(pr.Status),
		Detail:   pr.Error,
	})
}
