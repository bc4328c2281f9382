package conveyor

import (
	"context"
	"errors"
	"sync"
)

// LocalRunner wraps an in-memory Conveyor for development, tests and simple
// single-process deployments.
//
// Typical usage:
//
//	runner, _ := conveyor.NewLocalRunner(conveyor.Config{
//	    Plugins: []conveyor.PluginRef{{ID: "src", ModuleURL: "file:///opt/plugins/src"}},
//	})
//	wf, _ := conveyor.NewWorkflow("demo").
//	    Source("src", nil).
//	    Step("process", "src", nil).
//	    Create(ctx, runner.Orchestrator())
//
//	_ = runner.Start(ctx)
//	defer runner.Stop()
type LocalRunner struct {
	cv *Conveyor

	mu      sync.Mutex
	running bool
}

// NewLocalRunner constructs a LocalRunner backed by in-memory stores.
func NewLocalRunner(cfg Config) (*LocalRunner, error) {
	cv, err := NewInMemory(cfg)
	if err != nil {
		return nil, err
	}
	return &LocalRunner{cv: cv}, nil
}

// Orchestrator exposes the underlying workflow API.
func (r *LocalRunner) Orchestrator() Orchestrator { return r.cv.Orchestrator }

// Events exposes the underlying event broadcaster.
func (r *LocalRunner) Events() *Broadcaster { return r.cv.Events }

// Metrics exposes the underlying counters.
func (r *LocalRunner) Metrics() *BasicMetrics { return r.cv.Metrics }

// Start launches the worker pool and scheduler. Calling Start twice without
// Stop is an error.
func (r *LocalRunner) Start(ctx context.Context) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	if r.running {
		return errors.New("conveyor: LocalRunner already started")
	}
	if err := r.cv.Start(ctx); err != nil {
		return err
	}
	r.running = true
	return nil
}

// Stop shuts down the workers and scheduler and waits for them to exit.
func (r *LocalRunner) Stop() {
	r.mu.Lock()
	defer r.mu.Unlock()
	if !r.running {
		return
	}
	r.cv.Stop()
	r.running = false
}
