package persistence

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/ScriptedAlchemy/conveyor/pkg/api"
)

// InMemoryStore is a goroutine-safe implementation of all four stores
// backed by maps. Non-durable; intended for tests and the local runner.
type InMemoryStore struct {
	mu         sync.RWMutex
	workflows  map[string]*api.Workflow
	runs       map[string]*api.WorkflowRun
	items      map[string]*api.SourceItem
	pluginRuns map[string]*api.PluginRun
	seq        int64 // insertion order for plugin runs
	order      map[string]int64
}

// NewInMemoryStore creates a new InMemoryStore.
func NewInMemoryStore() *InMemoryStore {
	return &InMemoryStore{
		workflows:  make(map[string]*api.Workflow),
		runs:       make(map[string]*api.WorkflowRun),
		items:      make(map[string]*api.SourceItem),
		pluginRuns: make(map[string]*api.PluginRun),
		order:      make(map[string]int64),
	}
}

// Ensure InMemoryStore implements the store interfaces.
var (
	_ WorkflowStore  = (*InMemoryStore)(nil)
	_ RunStore       = (*InMemoryStore)(nil)
	_ ItemStore      = (*InMemoryStore)(nil)
	_ PluginRunStore = (*InMemoryStore)(nil)
)

// Stores bundles an InMemoryStore into a Persistence value.
func (s *InMemoryStore) Stores() Persistence {
	return Persistence{Workflows: s, Runs: s, Items: s, PluginRuns: s}
}

func (s *InMemoryStore) SaveWorkflow(ctx context.Context, wf *api.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *wf
	s.workflows[wf.ID] = &cp
	return nil
}

func (s *InMemoryStore) UpdateWorkflow(ctx context.Context, wf *api.Workflow) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[wf.ID]; !ok {
		return ErrWorkflowNotFound
	}
	cp := *wf
	s.workflows[wf.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetWorkflow(ctx context.Context, id string) (*api.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	wf, ok := s.workflows[id]
	if !ok {
		return nil, ErrWorkflowNotFound
	}
	cp := *wf
	return &cp, nil
}

func (s *InMemoryStore) ListWorkflows(ctx context.Context, filter api.WorkflowFilter) ([]*api.Workflow, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.Workflow
	for _, wf := range s.workflows {
		if filter.Status != "" && wf.Status != filter.Status {
			continue
		}
		if filter.CreatedBy != "" && wf.CreatedBy != filter.CreatedBy {
			continue
		}
		cp := *wf
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool { return result[i].ID < result[j].ID })
	return result, nil
}

func (s *InMemoryStore) SaveSourceState(ctx context.Context, workflowID string, state []byte) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	wf, ok := s.workflows[workflowID]
	if !ok {
		return ErrWorkflowNotFound
	}
	wf.State = append([]byte(nil), state...)
	wf.UpdatedAt = time.Now()
	return nil
}

func (s *InMemoryStore) DeleteWorkflow(ctx context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.workflows[id]; !ok {
		return ErrWorkflowNotFound
	}
	delete(s.workflows, id)

	for runID, run := range s.runs {
		if run.WorkflowID == id {
			delete(s.runs, runID)
			for prID, pr := range s.pluginRuns {
				if pr.WorkflowRunID == runID {
					delete(s.pluginRuns, prID)
					delete(s.order, prID)
				}
			}
		}
	}
	for itemID, item := range s.items {
		if item.WorkflowID == id {
			delete(s.items, itemID)
		}
	}
	return nil
}

func (s *InMemoryStore) SaveRun(ctx context.Context, run *api.WorkflowRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *run
	s.runs[run.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetRun(ctx context.Context, id string) (*api.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	run, ok := s.runs[id]
	if !ok {
		return nil, ErrRunNotFound
	}
	cp := *run
	return &cp, nil
}

func (s *InMemoryStore) ListRuns(ctx context.Context, filter api.RunFilter) ([]*api.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.WorkflowRun
	for _, run := range s.runs {
		if filter.WorkflowID != "" && run.WorkflowID != filter.WorkflowID {
			continue
		}
		if filter.Status != "" && run.Status != filter.Status {
			continue
		}
		cp := *run
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return result[i].StartedAt.Before(result[j].StartedAt)
	})
	return result, nil
}

func (s *InMemoryStore) FindOpenRun(ctx context.Context, workflowID string) (*api.WorkflowRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, run := range s.runs {
		if run.WorkflowID == workflowID && !run.Status.Terminal() {
			cp := *run
			return &cp, nil
		}
	}
	return nil, ErrRunNotFound
}

func (s *InMemoryStore) SetRunStatus(ctx context.Context, runID string, status api.RunStatus, errMsg string, completedAt time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	run.Status = status
	run.Error = errMsg
	if status.Terminal() {
		run.CompletedAt = completedAt
	} else {
		run.CompletedAt = time.Time{}
	}
	return nil
}

func (s *InMemoryStore) AddItemsTotal(ctx context.Context, runID string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	run.ItemsTotal += delta
	return nil
}

func (s *InMemoryStore) AddItemsFailed(ctx context.Context, runID string, delta int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	run.ItemsFailed += delta
	return nil
}

func (s *InMemoryStore) IncrementItemsProcessed(ctx context.Context, runID string, failed bool) (int, int, int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return 0, 0, 0, ErrRunNotFound
	}
	run.ItemsProcessed++
	if failed {
		run.ItemsFailed++
	}
	return run.ItemsProcessed, run.ItemsFailed, run.ItemsTotal, nil
}

func (s *InMemoryStore) RequestCancel(ctx context.Context, runID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	run, ok := s.runs[runID]
	if !ok {
		return ErrRunNotFound
	}
	run.CancelRequested = true
	return nil
}

func (s *InMemoryStore) UpsertItem(ctx context.Context, item *api.SourceItem) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.items[item.ID]; ok {
		return false, nil
	}
	cp := *item
	s.items[item.ID] = &cp
	return true, nil
}

func (s *InMemoryStore) GetItem(ctx context.Context, id string) (*api.SourceItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	item, ok := s.items[id]
	if !ok {
		return nil, ErrItemNotFound
	}
	cp := *item
	return &cp, nil
}

func (s *InMemoryStore) ListItems(ctx context.Context, workflowID string) ([]*api.SourceItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.SourceItem
	for _, item := range s.items {
		if workflowID != "" && item.WorkflowID != workflowID {
			continue
		}
		cp := *item
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		if result[i].CreatedAt.Equal(result[j].CreatedAt) {
			return result[i].ID < result[j].ID
		}
		return result[i].CreatedAt.Before(result[j].CreatedAt)
	})
	return result, nil
}

func (s *InMemoryStore) MarkItemProcessed(ctx context.Context, itemID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	item, ok := s.items[itemID]
	if !ok {
		return ErrItemNotFound
	}
	item.ProcessedAt = at
	return nil
}

func (s *InMemoryStore) SavePluginRun(ctx context.Context, pr *api.PluginRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	cp := *pr
	s.seq++
	s.pluginRuns[pr.ID] = &cp
	s.order[pr.ID] = s.seq
	return nil
}

func (s *InMemoryStore) UpdatePluginRun(ctx context.Context, pr *api.PluginRun) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.pluginRuns[pr.ID]; !ok {
		return ErrPluginRunNotFound
	}
	cp := *pr
	s.pluginRuns[pr.ID] = &cp
	return nil
}

func (s *InMemoryStore) GetPluginRun(ctx context.Context, id string) (*api.PluginRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	pr, ok := s.pluginRuns[id]
	if !ok {
		return nil, ErrPluginRunNotFound
	}
	cp := *pr
	return &cp, nil
}

func (s *InMemoryStore) ListPluginRuns(ctx context.Context, runID, itemID string) ([]*api.PluginRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var result []*api.PluginRun
	for _, pr := range s.pluginRuns {
		if pr.WorkflowRunID != runID {
			continue
		}
		if itemID != "" && pr.SourceItemID != itemID {
			continue
		}
		cp := *pr
		result = append(result, &cp)
	}
	sort.Slice(result, func(i, j int) bool {
		return s.order[result[i].ID] < s.order[result[j].ID]
	})
	return result, nil
}

func (s *InMemoryStore) LatestCompleted(ctx context.Context, runID, itemID, stepID string) (*api.PluginRun, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var best *api.PluginRun
	var bestSeq int64
	for id, pr := range s.pluginRuns {
		if pr.WorkflowRunID != runID || pr.SourceItemID != itemID || pr.StepID != stepID {
			continue
		}
		if pr.Status != api.StepCompleted {
			continue
		}
		if best == nil || s.order[id] > bestSeq {
			cp := *pr
			best = &cp
			bestSeq = s.order[id]
		}
	}
	if best == nil {
		return nil, ErrPluginRunNotFound
	}
	return best, nil
}
