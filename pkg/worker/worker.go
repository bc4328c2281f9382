package worker

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"github.com/ScriptedAlchemy/conveyor/internal/taskqueue"
)

// Handler executes dequeued tasks. The engine's orchestrator satisfies it.
//
// A nil return means the task is settled. A non-nil return asks the worker
// to re-enqueue with backoff; once attempts are exhausted the matching Fail
// hook records the permanent failure.
type Handler interface {
	HandleSourceQuery(ctx context.Context, t taskqueue.Task) error
	HandlePipelineItem(ctx context.Context, t taskqueue.Task, finalAttempt bool) error

	FailSourceQuery(ctx context.Context, t taskqueue.Task, cause error)
	FailPipelineItem(ctx context.Context, t taskqueue.Task, cause error)
}

// RetryPolicy bounds re-deliveries of a failing task.
type RetryPolicy struct {
	// MaxAttempts is the total number of deliveries, the first included.
	MaxAttempts int

	InitialBackoff    time.Duration
	BackoffMultiplier float64
	MaxBackoff        time.Duration
}

// Delay returns the backoff before delivery number attempt+1. attempt is
// the count of deliveries that already happened.
func (p RetryPolicy) Delay(attempt int) time.Duration {
	d := p.InitialBackoff
	if d <= 0 {
		d = time.Second
	}
	mult := p.BackoffMultiplier
	if mult < 1 {
		mult = 2
	}
	for i := 1; i < attempt; i++ {
		d = time.Duration(float64(d) * mult)
		if p.MaxBackoff > 0 && d > p.MaxBackoff {
			return p.MaxBackoff
		}
	}
	if p.MaxBackoff > 0 && d > p.MaxBackoff {
		return p.MaxBackoff
	}
	return d
}

// Config controls a worker pool.
type Config struct {
	// Concurrency is the number of goroutines consuming each queue kind.
	Concurrency int

	SourceQueryRetry  RetryPolicy
	PipelineItemRetry RetryPolicy

	Logger *slog.Logger
}

// DefaultConfig returns the production defaults: 5 consumers per kind,
// 3 deliveries for source queries and 5 for pipeline items, exponential
// backoff starting at one second.
func DefaultConfig() Config {
	return Config{
		Concurrency: 5,
		SourceQueryRetry: RetryPolicy{
			MaxAttempts:       3,
			InitialBackoff:    time.Second,
			BackoffMultiplier: 2,
			MaxBackoff:        time.Minute,
		},
		PipelineItemRetry: RetryPolicy{
			MaxAttempts:       5,
			InitialBackoff:    time.Second,
			BackoffMultiplier: 2,
			MaxBackoff:        time.Minute,
		},
	}
}

// Worker consumes both task kinds from a queue and dispatches them to a
// Handler, re-enqueueing retryable failures with backoff.
type Worker struct {
	queue   taskqueue.Queue
	handler Handler
	cfg     Config
	logger  *slog.Logger
}

// New creates a Worker. Zero-value config fields fall back to DefaultConfig.
func New(queue taskqueue.Queue, handler Handler, cfg Config) *Worker {
	def := DefaultConfig()
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = def.Concurrency
	}
	if cfg.SourceQueryRetry.MaxAttempts <= 0 {
		cfg.SourceQueryRetry = def.SourceQueryRetry
	}
	if cfg.PipelineItemRetry.MaxAttempts <= 0 {
		cfg.PipelineItemRetry = def.PipelineItemRetry
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Worker{queue: queue, handler: handler, cfg: cfg, logger: logger}
}

// Run consumes tasks until ctx is cancelled. It blocks; callers that want a
// background pool run it in a goroutine and cancel the context to stop.
func (w *Worker) Run(ctx context.Context) {
	var wg sync.WaitGroup
	for _, kind := range []taskqueue.Kind{taskqueue.KindSourceQuery, taskqueue.KindPipelineItem} {
		for i := 0; i < w.cfg.Concurrency; i++ {
			wg.Add(1)
			go func(kind taskqueue.Kind) {
				defer wg.Done()
				for {
					if _, err := w.ProcessOne(ctx, kind); err != nil {
						if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
							return
						}
						w.logger.Error("task_failed",
							slog.String("kind", string(kind)),
							slog.String("error", err.Error()),
						)
					}
				}
			}(kind)
		}
	}
	wg.Wait()
}

// ProcessOne pulls a single task of the given kind and processes it,
// blocking until a task is available or ctx is cancelled. It reports whether
// a task was processed; the error is the handler's verdict after retry
// bookkeeping.
func (w *Worker) ProcessOne(ctx context.Context, kind taskqueue.Kind) (bool, error) {
	task, err := w.queue.Dequeue(ctx, kind)
	if err != nil {
		return false, err
	}

	policy := w.policy(kind)
	finalAttempt := task.Attempts+1 >= policy.MaxAttempts

	var handleErr error
	switch kind {
	case taskqueue.KindSourceQuery:
		handleErr = w.handler.HandleSourceQuery(ctx, *task)
	case taskqueue.KindPipelineItem:
		handleErr = w.handler.HandlePipelineItem(ctx, *task, finalAttempt)
	default:
		return true, errors.New("unknown task kind: " + string(kind))
	}

	if handleErr == nil {
		return true, nil
	}
	if errors.Is(handleErr, context.Canceled) || errors.Is(handleErr, context.DeadlineExceeded) {
		// Shutdown race, not a task failure. Requeue untouched so another
		// worker picks it up.
		_ = w.queue.Enqueue(context.WithoutCancel(ctx), *task)
		return true, handleErr
	}

	if finalAttempt {
		w.fail(ctx, kind, *task, handleErr)
		return true, handleErr
	}

	retry := *task
	retry.Attempts++
	retry.NotBefore = time.Now().Add(policy.Delay(retry.Attempts))
	if err := w.queue.Enqueue(ctx, retry); err != nil {
		w.fail(ctx, kind, *task, handleErr)
		return true, errors.Join(handleErr, err)
	}
	w.logger.Warn("task_retry",
		slog.String("kind", string(kind)),
		slog.String("workflow_id", task.WorkflowID),
		slog.String("run_id", task.WorkflowRunID),
		slog.Int("attempt", retry.Attempts),
		slog.String("error", handleErr.Error()),
	)
	return true, nil
}

func (w *Worker) policy(kind taskqueue.Kind) RetryPolicy {
	if kind == taskqueue.KindSourceQuery {
		return w.cfg.SourceQueryRetry
	}
	return w.cfg.PipelineItemRetry
}

func (w *Worker) fail(ctx context.Context, kind taskqueue.Kind, t taskqueue.Task, cause error) {
	w.logger.Error("task_exhausted",
		slog.String("kind", string(kind)),
		slog.String("workflow_id", t.WorkflowID),
		slog.String("run_id", t.WorkflowRunID),
		slog.Int("attempts", t.Attempts+1),
		slog.String("error", cause.Error()),
	)
	switch kind {
	case taskqueue.KindSourceQuery:
		w.handler.FailSourceQuery(ctx, t, cause)
	case taskqueue.KindPipelineItem:
		w.handler.FailPipelineItem(ctx, t, cause)
	}
}
