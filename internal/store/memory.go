package store

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"PortfolioAutopilot/internal/execlog"
	"PortfolioAutopilot/internal/model"
)

// DefaultMemoryExecutions is the number of execution records a Memory store retains.
const DefaultMemoryExecutions = 1000

// Memory is an in-process Store used when no database is configured.
// Execution history is bounded and only the latest snapshot of each
// portfolio is kept.
type Memory struct {
	mu         sync.RWMutex
	triggers   map[string]model.Trigger
	executions *execlog.Log
	snapshots  map[string]model.PortfolioSnapshot
	now        func() time.Time
}

// NewMemory creates an empty Memory store retaining DefaultMemoryExecutions records.
func NewMemory() *Memory {
	return NewMemorySized(DefaultMemoryExecutions)
}

// NewMemorySized creates an empty Memory store retaining at most maxExecutions records.
func NewMemorySized(maxExecutions int) *Memory {
	if maxExecutions <= 0 {
		maxExecutions = DefaultMemoryExecutions
	}
	return &Memory{
		triggers:   make(map[string]model.Trigger),
		executions: execlog.New(maxExecutions),
		snapshots:  make(map[string]model.PortfolioSnapshot),
		now:        time.Now,
	}
}

func (m *Memory) SaveTrigger(_ context.Context, t model.Trigger) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	now := m.now().UTC()
	if old, ok := m.triggers[t.ID]; ok {
		t.CreatedAt = old.CreatedAt
	} else if t.CreatedAt.IsZero() {
		t.CreatedAt = now
	}
	t.UpdatedAt = now
	m.triggers[t.ID] = t
	return nil
}

func (m *Memory) LoadTriggers(_ context.Context) ([]model.Trigger, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	out := make([]model.Trigger, 0, len(m.triggers))
	for _, t := range m.triggers {
		out = append(out, t)
	}
	sort.Slice(out, func(i, j int) bool {
		if !out[i].CreatedAt.Equal(out[j].CreatedAt) {
			return out[i].CreatedAt.Before(out[j].CreatedAt)
		}
		return out[i].ID < out[j].ID
	})
	return out, nil
}

func (m *Memory) UpdateTrigger(_ context.Context, id string, patch model.TriggerPatch) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	t, ok := m.triggers[id]
	if !ok {
		return fmt.Errorf("trigger %s: %w", id, model.ErrNotFound)
	}
	patch.Apply(&t)
	t.UpdatedAt = m.now().UTC()
	m.triggers[id] = t
	return nil
}

func (m *Memory) RecordExecution(_ context.Context, rec model.ExecutionRecord) error {
	m.executions.Append(rec)
	return nil
}

func (m *Memory) ExecutionHistory(_ context.Context, limit int) ([]model.ExecutionRecord, error) {
	return m.executions.Recent(limit), nil
}

func (m *Memory) RecordSnapshot(_ context.Context, portfolioID string, snap model.PortfolioSnapshot) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.snapshots[portfolioID] = snap
	return nil
}

func (m *Memory) LatestSnapshot(_ context.Context, portfolioID string) (model.PortfolioSnapshot, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	snap, ok := m.snapshots[portfolioID]
	if !ok {
		return model.PortfolioSnapshot{}, fmt.Errorf("snapshot of %s: %w", portfolioID, model.ErrNotFound)
	}
	return snap, nil
}

func (m *Memory) Close() error { return nil }
