package conveyor

import (
	"context"
	"database/sql"

	"github.com/ScriptedAlchemy/conveyor/internal/engine"
	"github.com/ScriptedAlchemy/conveyor/internal/isolator"
	"github.com/ScriptedAlchemy/conveyor/internal/persistence"
	"github.com/ScriptedAlchemy/conveyor/internal/scheduler"
	"github.com/ScriptedAlchemy/conveyor/internal/taskqueue"
	"github.com/ScriptedAlchemy/conveyor/pkg/api"
	"github.com/ScriptedAlchemy/conveyor/pkg/worker"
)

// Re-export key types so users don't need to dig into pkg/api.

type (
	Orchestrator     = api.Orchestrator
	Workflow         = api.Workflow
	WorkflowFilter   = api.WorkflowFilter
	WorkflowStatus   = api.WorkflowStatus
	SourceDescriptor = api.SourceDescriptor
	PipelineStep     = api.PipelineStep
	PluginRef        = api.PluginRef

	WorkflowRun = api.WorkflowRun
	RunStatus   = api.RunStatus
	RunFilter   = api.RunFilter
	SourceItem  = api.SourceItem
	PluginRun   = api.PluginRun
	StepStatus  = api.StepStatus

	Event        = api.Event
	Topic        = api.Topic
	Broadcaster  = api.Broadcaster
	Subscription = api.Subscription

	Observer             = api.Observer
	LoggingObserver      = api.LoggingObserver
	BasicMetrics         = api.BasicMetrics
	BasicMetricsSnapshot = api.BasicMetricsSnapshot
	NoopObserver         = api.NoopObserver

	StateConflict        = api.StateConflict
	ConfigurationError   = api.ConfigurationError
	PluginExecutionError = api.PluginExecutionError
	IsolationFailure     = api.IsolationFailure
)

// Re-export common helpers.

var (
	NewLoggingObserver   = api.NewLoggingObserver
	NewCompositeObserver = api.NewCompositeObserver
	NewBroadcaster       = api.NewBroadcaster
	IsStateConflict      = api.IsStateConflict
	IsRetryable          = api.IsRetryable
)

// Re-export status values and event topics for convenience.

const (
	WorkflowActive   = api.WorkflowActive
	WorkflowInactive = api.WorkflowInactive
	WorkflowArchived = api.WorkflowArchived

	RunPending        = api.RunPending
	RunRunning        = api.RunRunning
	RunCompleted      = api.RunCompleted
	RunFailed         = api.RunFailed
	RunPartialSuccess = api.RunPartialSuccess
	RunCancelled      = api.RunCancelled

	StepPending   = api.StepPending
	StepRunning   = api.StepRunning
	StepRetrying  = api.StepRetrying
	StepCompleted = api.StepCompleted
	StepFailed    = api.StepFailed
	StepSkipped   = api.StepSkipped

	TopicRunStarted         = api.TopicRunStarted
	TopicRunCompleted       = api.TopicRunCompleted
	TopicPluginRunCompleted = api.TopicPluginRunCompleted
	TopicPluginRunFailed    = api.TopicPluginRunFailed
	TopicQueueStatus        = api.TopicQueueStatus
)

// statusNotifier is implemented by both queue backends; it is how queue
// pause/resume flips reach the event broadcaster.
type statusNotifier interface {
	OnStatusChange(taskqueue.StatusFunc)
}

// Conveyor bundles an orchestrator, its task queue, the worker pool that
// consumes it, the cron scheduler, and an event broadcaster, all sharing one
// backend.
type Conveyor struct {
	Orchestrator Orchestrator
	Events       *Broadcaster
	Metrics      *BasicMetrics

	queue     taskqueue.Queue
	worker    *worker.Worker
	scheduler *scheduler.Scheduler
	cfg       Config

	cancel context.CancelFunc
	done   chan struct{}
}

// NewInMemory constructs a Conveyor backed entirely by in-memory stores.
// Nothing survives a restart; best for tests and local development.
func NewInMemory(cfg Config) (*Conveyor, error) {
	cfg.applyDefaults()
	store := persistence.NewInMemoryStore().Stores()
	queue := taskqueue.NewInMemoryQueue()
	return assemble(cfg, store, queue)
}

// NewSQLite constructs a Conveyor whose workflow state and task queue share
// the provided SQLite database.
//
//	db, _ := sql.Open("sqlite", "file:conveyor.db?_journal=WAL")
//	cv, err := conveyor.NewSQLite(db, cfg)
func NewSQLite(db *sql.DB, cfg Config) (*Conveyor, error) {
	cfg.applyDefaults()
	store, err := persistence.NewSQLiteStore(db)
	if err != nil {
		return nil, err
	}
	queue, err := taskqueue.NewSQLiteQueue(db)
	if err != nil {
		return nil, err
	}
	return assemble(cfg, store.Stores(), queue)
}

func assemble(cfg Config, store persistence.Persistence, queue taskqueue.Queue) (*Conveyor, error) {
	events := api.NewBroadcaster(cfg.EventBuffer)
	metrics := &api.BasicMetrics{}

	invoker := cfg.Invoker
	if invoker == nil {
		invoker = isolator.New(isolator.NewCachingResolver(cfg.ModuleCacheDir), nil)
	}

	registry, err := cfg.registry()
	if err != nil {
		return nil, err
	}
	secrets, err := cfg.resolveSecrets()
	if err != nil {
		return nil, err
	}

	obs := api.NewCompositeObserver(
		api.NewLoggingObserver(cfg.Logger),
		api.NewBroadcastObserver(events),
		metrics,
		cfg.Observer,
	)

	orch := engine.New(engine.Config{
		Persistence: store,
		Queue:       queue,
		Invoker:     invoker,
		Registry:    registry,
		Secrets:     secrets,
		Observer:    obs,
	})

	if n, ok := queue.(statusNotifier); ok {
		n.OnStatusChange(func(kind taskqueue.Kind, paused bool) {
			status := "resumed"
			if paused {
				status = "paused"
			}
			events.Publish(api.Event{
				Topic:    api.TopicQueueStatus,
				EntityID: string(kind),
				Status:   status,
			})
		})
	}

	w := worker.New(queue, orch, worker.Config{
		Concurrency:       cfg.Concurrency,
		SourceQueryRetry:  cfg.SourceQueryRetry,
		PipelineItemRetry: cfg.PipelineItemRetry,
		Logger:            cfg.Logger,
	})
	sched := scheduler.New(queue, store.Workflows, cfg.Logger)

	return &Conveyor{
		Orchestrator: orch,
		Events:       events,
		Metrics:      metrics,
		queue:        queue,
		worker:       w,
		scheduler:    sched,
		cfg:          cfg,
	}, nil
}

// Start recovers runs stranded by a previous crash, then starts the worker
// pool and the scheduler loop in the background. Use Stop to shut down.
func (c *Conveyor) Start(ctx context.Context) error {
	if _, err := c.Orchestrator.RecoverStuckRuns(ctx); err != nil {
		return err
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.done = make(chan struct{})

	go func() {
		defer close(c.done)
		go func() { _ = c.scheduler.Run(ctx, c.cfg.ScheduleInterval) }()
		c.worker.Run(ctx)
	}()
	return nil
}

// Stop cancels the background workers and scheduler and waits for them to
// exit, then closes the event broadcaster.
func (c *Conveyor) Stop() {
	if c.cancel != nil {
		c.cancel()
		<-c.done
		c.cancel = nil
	}
	c.Events.Close()
}

// PauseQueue stops delivery of the given task kind until ResumeQueue.
// Enqueued and scheduled tasks accumulate meanwhile; subscribers on the
// queue status topic see the flip.
func (c *Conveyor) PauseQueue(kind taskqueue.Kind) { c.queue.Pause(kind) }

// ResumeQueue resumes delivery of the given task kind.
func (c *Conveyor) ResumeQueue(kind taskqueue.Kind) { c.queue.Resume(kind) }

// QueuePaused reports whether the given task kind is paused.
func (c *Conveyor) QueuePaused(kind taskqueue.Kind) bool { return c.queue.Paused(kind) }

// Queue kinds, re-exported for PauseQueue / ResumeQueue callers.
const (
	KindSourceQuery  = taskqueue.KindSourceQuery
	KindPipelineItem = taskqueue.KindPipelineItem
)

// Reconcile synchronizes cron registrations with the stored workflows once,
// outside the scheduler's periodic loop. Useful right after bulk imports.
func (c *Conveyor) Reconcile(ctx context.Context) error {
	return c.scheduler.Reconcile(ctx)
}
