package taskqueue

import (
	"context"
	"sync"
	"time"
)

// InMemoryQueue is a Queue implementation backed by per-kind slices. It is
// safe for concurrent use. Non-durable; intended for tests and the local
// runner.
type InMemoryQueue struct {
	mu          sync.Mutex
	tasks       map[Kind][]Task
	repeatables map[string]*repeatable
	paused      map[Kind]bool
	onStatus    StatusFunc

	pollInterval time.Duration
}

type repeatable struct {
	spec     string
	template Task
	nextAt   time.Time
}

// NewInMemoryQueue creates a new in-memory queue.
func NewInMemoryQueue() *InMemoryQueue {
	return &InMemoryQueue{
		tasks:        make(map[Kind][]Task),
		repeatables:  make(map[string]*repeatable),
		paused:       make(map[Kind]bool),
		pollInterval: 10 * time.Millisecond,
	}
}

// Ensure InMemoryQueue implements Queue.
var _ Queue = (*InMemoryQueue)(nil)

// OnStatusChange registers a callback fired when a kind's pause state flips.
func (q *InMemoryQueue) OnStatusChange(fn StatusFunc) {
	q.mu.Lock()
	defer q.mu.Unlock()
	q.onStatus = fn
}

func (q *InMemoryQueue) Enqueue(ctx context.Context, t Task) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	if t.EnqueuedAt.IsZero() {
		t.EnqueuedAt = time.Now()
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	q.tasks[t.Kind] = append(q.tasks[t.Kind], t)
	return nil
}

func (q *InMemoryQueue) Dequeue(ctx context.Context, kind Kind) (*Task, error) {
	for {
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		default:
		}

		if t := q.tryDequeue(kind); t != nil {
			return t, nil
		}

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(q.pollInterval):
		}
	}
}

func (q *InMemoryQueue) tryDequeue(kind Kind) *Task {
	now := time.Now()

	q.mu.Lock()
	defer q.mu.Unlock()

	q.fireDueRepeatables(now)

	if q.paused[kind] {
		return nil
	}

	// Pick the eligible task with the earliest NotBefore, FIFO on ties.
	best := -1
	for i, t := range q.tasks[kind] {
		if !t.NotBefore.IsZero() && t.NotBefore.After(now) {
			continue
		}
		if best == -1 || t.NotBefore.Before(q.tasks[kind][best].NotBefore) {
			best = i
		}
	}
	if best == -1 {
		return nil
	}

	t := q.tasks[kind][best]
	q.tasks[kind] = append(q.tasks[kind][:best], q.tasks[kind][best+1:]...)
	return &t
}

func (q *InMemoryQueue) fireDueRepeatables(now time.Time) {
	for _, rep := range q.repeatables {
		if rep.nextAt.After(now) {
			continue
		}
		t := rep.template
		t.EnqueuedAt = now
		q.tasks[t.Kind] = append(q.tasks[t.Kind], t)

		next, err := NextAfter(rep.spec, now)
		if err != nil {
			// Spec was validated at registration; park it far out rather
			// than firing in a tight loop.
			next = now.Add(24 * time.Hour)
		}
		rep.nextAt = next
	}
}

func (q *InMemoryQueue) Len(kind Kind) int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks[kind])
}

func (q *InMemoryQueue) Pause(kind Kind) {
	q.setPaused(kind, true)
}

func (q *InMemoryQueue) Resume(kind Kind) {
	q.setPaused(kind, false)
}

func (q *InMemoryQueue) setPaused(kind Kind, paused bool) {
	q.mu.Lock()
	changed := q.paused[kind] != paused
	q.paused[kind] = paused
	fn := q.onStatus
	q.mu.Unlock()

	if changed && fn != nil {
		fn(kind, paused)
	}
}

func (q *InMemoryQueue) Paused(kind Kind) bool {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.paused[kind]
}

func (q *InMemoryQueue) UpsertRepeatable(ctx context.Context, workflowID, cronSpec string, t Task) error {
	next, err := NextAfter(cronSpec, time.Now())
	if err != nil {
		return err
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	q.repeatables[workflowID] = &repeatable{
		spec:     cronSpec,
		template: t,
		nextAt:   next,
	}
	return nil
}

func (q *InMemoryQueue) RemoveRepeatable(ctx context.Context, workflowID string) error {
	q.mu.Lock()
	defer q.mu.Unlock()
	delete(q.repeatables, workflowID)
	return nil
}

func (q *InMemoryQueue) Repeatables(ctx context.Context) (map[string]string, error) {
	q.mu.Lock()
	defer q.mu.Unlock()

	out := make(map[string]string, len(q.repeatables))
	for id, rep := range q.repeatables {
		out[id] = rep.spec
	}
	return out, nil
}
