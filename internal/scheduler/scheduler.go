// Package scheduler keeps the task queue's repeatable registrations in sync
// with the scheduled workflows the store knows about.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/ScriptedAlchemy/conveyor/internal/taskqueue"
	"github.com/ScriptedAlchemy/conveyor/pkg/api"
)

// WorkflowSource lists the workflows to reconcile against. The engine's
// store satisfies it.
type WorkflowSource interface {
	ListWorkflows(ctx context.Context, filter api.WorkflowFilter) ([]*api.Workflow, error)
}

// Scheduler reconciles cron registrations. It is stateless between calls;
// the queue holds the registrations.
type Scheduler struct {
	queue  taskqueue.Queue
	source WorkflowSource
	logger *slog.Logger
}

// New creates a Scheduler. logger may be nil.
func New(queue taskqueue.Queue, source WorkflowSource, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{queue: queue, source: source, logger: logger}
}

// ValidateSpec reports whether spec is a parseable 5-field cron expression.
func ValidateSpec(spec string) error {
	if _, err := taskqueue.CronParser.Parse(spec); err != nil {
		return fmt.Errorf("invalid cron spec %q: %w", spec, err)
	}
	return nil
}

// Reconcile makes the queue's registrations match the active scheduled
// workflows: stale registrations are removed, new or changed schedules are
// upserted. Upserting replaces in place, so a schedule change never leaves
// two registrations for one workflow.
func (s *Scheduler) Reconcile(ctx context.Context) error {
	workflows, err := s.source.ListWorkflows(ctx, api.WorkflowFilter{Status: api.WorkflowActive})
	if err != nil {
		return err
	}

	desired := make(map[string]string, len(workflows))
	for _, wf := range workflows {
		if wf.Schedule != "" {
			desired[wf.ID] = wf.Schedule
		}
	}

	current, err := s.queue.Repeatables(ctx)
	if err != nil {
		return err
	}

	for workflowID := range current {
		if _, keep := desired[workflowID]; keep {
			continue
		}
		if err := s.queue.RemoveRepeatable(ctx, workflowID); err != nil {
			return err
		}
		s.logger.Info("schedule_removed", slog.String("workflow_id", workflowID))
	}

	for workflowID, spec := range desired {
		if current[workflowID] == spec {
			continue
		}
		// The task template has no run ID: the run is created when the job
		// fires, not when the schedule registers.
		err := s.queue.UpsertRepeatable(ctx, workflowID, spec, taskqueue.Task{
			Kind:       taskqueue.KindSourceQuery,
			WorkflowID: workflowID,
		})
		if err != nil {
			return err
		}
		s.logger.Info("schedule_registered",
			slog.String("workflow_id", workflowID),
			slog.String("spec", spec),
		)
	}
	return nil
}

// Run reconciles immediately and then on every tick of interval until ctx
// is cancelled. Reconciliation errors are logged, not fatal.
func (s *Scheduler) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		interval = 30 * time.Second
	}
	if err := s.Reconcile(ctx); err != nil {
		s.logger.Error("schedule_reconcile_failed", slog.String("error", err.Error()))
	}

	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if err := s.Reconcile(ctx); err != nil {
				s.logger.Error("schedule_reconcile_failed", slog.String("error", err.Error()))
			}
		}
	}
}
