package store

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/kvoss/fleetline/internal/memory"
	"github.com/kvoss/fleetline/internal/orchestrator"
)

// Memory keeps workflows, suspended runs and documents in process for
// running without PostgreSQL. State does not survive a restart.
type Memory struct {
	mu        sync.RWMutex
	workflows map[string]*orchestrator.WorkflowDefinition
	pendings  map[string]orchestrator.PendingRun
	library   *memory.Library
}

// NewMemory creates an empty in-memory store.
func NewMemory(logger *zap.Logger) *Memory {
	return &Memory{
		workflows: make(map[string]*orchestrator.WorkflowDefinition),
		pendings:  make(map[string]orchestrator.PendingRun),
		library:   memory.NewLibrary(logger),
	}
}

func (m *Memory) SaveWorkflow(_ context.Context, wf *orchestrator.WorkflowDefinition) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *wf
	m.workflows[wf.ID] = &cp
	return nil
}

func (m *Memory) GetWorkflow(_ context.Context, id string) (*orchestrator.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wf, ok := m.workflows[id]
	if !ok {
		return nil, fmt.Errorf("workflow %s: %w", id, ErrNotFound)
	}
	cp := *wf
	return &cp, nil
}

func (m *Memory) ListWorkflows(_ context.Context) ([]*orchestrator.WorkflowDefinition, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]*orchestrator.WorkflowDefinition, 0, len(m.workflows))
	for _, wf := range m.workflows {
		cp := *wf
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *Memory) DeleteWorkflow(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.workflows, id)
	return nil
}

func (m *Memory) SavePendingRun(_ context.Context, pr orchestrator.PendingRun) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.pendings[pr.ContextID] = pr
	return nil
}

func (m *Memory) GetPendingRun(_ context.Context, contextID string) (*orchestrator.PendingRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	pr, ok := m.pendings[contextID]
	if !ok {
		return nil, fmt.Errorf("pending run %s: %w", contextID, ErrNotFound)
	}
	return &pr, nil
}

func (m *Memory) DeletePendingRun(_ context.Context, contextID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.pendings, contextID)
	return nil
}

func (m *Memory) ListPendingRuns(_ context.Context) ([]orchestrator.PendingRun, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]orchestrator.PendingRun, 0, len(m.pendings))
	for _, pr := range m.pendings {
		out = append(out, pr)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].SuspendedAt.Before(out[j].SuspendedAt) })
	return out, nil
}

func (m *Memory) PutDocument(_ context.Context, doc memory.Document) error {
	m.library.Put(doc)
	return nil
}

func (m *Memory) Search(ctx context.Context, contextID, query string) (string, error) {
	return m.library.Search(ctx, contextID, query)
}
