package scheduler

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"
)

// MemoryStore is a Store kept entirely in memory. It backs unit tests
// and DB-less deployments; the Postgres store is the durable
// equivalent.
type MemoryStore struct {
	mu        sync.Mutex
	schedules map[string]*ScheduledWorkflow
	history   []RunHistoryEntry
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{schedules: make(map[string]*ScheduledWorkflow)}
}

func (m *MemoryStore) SaveSchedule(_ context.Context, s *ScheduledWorkflow) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	cp := *s
	m.schedules[s.ID] = &cp
	return nil
}

func (m *MemoryStore) GetSchedule(_ context.Context, id string) (*ScheduledWorkflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.schedules[id]
	if !ok {
		return nil, fmt.Errorf("schedule %s not found", id)
	}
	cp := *s
	return &cp, nil
}

func (m *MemoryStore) ListSchedules(_ context.Context) ([]*ScheduledWorkflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*ScheduledWorkflow, 0, len(m.schedules))
	for _, s := range m.schedules {
		cp := *s
		out = append(out, &cp)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out, nil
}

func (m *MemoryStore) DeleteSchedule(_ context.Context, id string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	delete(m.schedules, id)
	return nil
}

func (m *MemoryStore) ListDue(_ context.Context, now time.Time) ([]*ScheduledWorkflow, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []*ScheduledWorkflow
	for _, s := range m.schedules {
		if s.Enabled && s.NextRun != nil && !s.NextRun.After(now) {
			cp := *s
			due = append(due, &cp)
		}
	}
	sort.Slice(due, func(i, j int) bool { return due[i].ID < due[j].ID })
	return due, nil
}

func (m *MemoryStore) AppendHistory(_ context.Context, e RunHistoryEntry) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.history = append(m.history, e)
	return nil
}

// ListHistory returns run attempts for a schedule, newest first. A
// limit of 0 returns everything.
func (m *MemoryStore) ListHistory(_ context.Context, scheduleID string, limit int) ([]RunHistoryEntry, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []RunHistoryEntry
	for _, e := range m.history {
		if scheduleID == "" || e.ScheduleID == scheduleID {
			out = append(out, e)
		}
	}
	sort.SliceStable(out, func(i, j int) bool { return out[i].StartedAt.After(out[j].StartedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}
