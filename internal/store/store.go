// Package store is the persistence boundary for work orders, their
// artifacts and task execution history.
package store

import (
	"context"
	"slices"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/ramiqadoumi/tbwo/internal/domain"
)

// Repository persists work order snapshots. SaveWorkOrder is an upsert of
// the full aggregate; artifacts and executions are append-only.
type Repository interface {
	SaveWorkOrder(ctx context.Context, wo *domain.WorkOrder) error
	GetWorkOrder(ctx context.Context, id string) (*domain.WorkOrder, error)
	ListWorkOrders(ctx context.Context, f Filter) ([]*domain.WorkOrder, error)
	SaveArtifact(ctx context.Context, a domain.Artifact) error
	ListArtifacts(ctx context.Context, workOrderID string) ([]domain.Artifact, error)
	RecordExecution(ctx context.Context, exec *domain.TaskExecution) error
	ListExecutions(ctx context.Context, workOrderID string) ([]domain.TaskExecution, error)
	Close() error
}

// Filter narrows ListWorkOrders. Zero values match everything; results are
// newest first.
type Filter struct {
	Statuses []domain.WorkOrderStatus
	Limit    int
}

// Active matches every non-terminal work order that was approved at least
// once. Recovery resumes these.
func Active() Filter {
	return Filter{Statuses: []domain.WorkOrderStatus{
		domain.StatusExecuting,
		domain.StatusPaused,
		domain.StatusPausedWaitingForUser,
		domain.StatusCheckpoint,
		domain.StatusCompleting,
	}}
}

// Match reports whether s passes the filter.
func (f Filter) Match(s domain.WorkOrderStatus) bool {
	return len(f.Statuses) == 0 || slices.Contains(f.Statuses, s)
}

// PrepareExecution fills the ID and timestamp of an execution record.
func PrepareExecution(exec *domain.TaskExecution) {
	if exec.ID == "" {
		exec.ID = uuid.NewString()
	}
	if exec.ExecutedAt.IsZero() {
		exec.ExecutedAt = time.Now().UTC()
	}
}

// Memory is an in-process Repository. Snapshots are deep copies.
type Memory struct {
	mu         sync.RWMutex
	orders     map[string]*domain.WorkOrder
	artifacts  map[string][]domain.Artifact
	seen       map[string]bool
	executions map[string][]domain.TaskExecution
}

// NewMemory creates an empty Memory repository.
func NewMemory() *Memory {
	return &Memory{
		orders:     make(map[string]*domain.WorkOrder),
		artifacts:  make(map[string][]domain.Artifact),
		seen:       make(map[string]bool),
		executions: make(map[string][]domain.TaskExecution),
	}
}

func (m *Memory) SaveWorkOrder(_ context.Context, wo *domain.WorkOrder) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.orders[wo.ID] = wo.Clone()
	return nil
}

func (m *Memory) GetWorkOrder(_ context.Context, id string) (*domain.WorkOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	wo, ok := m.orders[id]
	if !ok {
		return nil, &domain.WorkOrderNotFoundError{WorkOrderID: id}
	}
	return wo.Clone(), nil
}

func (m *Memory) ListWorkOrders(_ context.Context, f Filter) ([]*domain.WorkOrder, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	var out []*domain.WorkOrder
	for _, wo := range m.orders {
		if f.Match(wo.Status) {
			out = append(out, wo.Clone())
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	if f.Limit > 0 && len(out) > f.Limit {
		out = out[:f.Limit]
	}
	return out, nil
}

func (m *Memory) SaveArtifact(_ context.Context, a domain.Artifact) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	if m.seen[a.ID] {
		return nil
	}
	m.seen[a.ID] = true
	m.artifacts[a.WorkOrderID] = append(m.artifacts[a.WorkOrderID], a)
	return nil
}

func (m *Memory) ListArtifacts(_ context.Context, workOrderID string) ([]domain.Artifact, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.artifacts[workOrderID]), nil
}

func (m *Memory) RecordExecution(_ context.Context, exec *domain.TaskExecution) error {
	PrepareExecution(exec)
	m.mu.Lock()
	defer m.mu.Unlock()
	m.executions[exec.WorkOrderID] = append(m.executions[exec.WorkOrderID], *exec)
	return nil
}

func (m *Memory) ListExecutions(_ context.Context, workOrderID string) ([]domain.TaskExecution, error) {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return slices.Clone(m.executions[workOrderID]), nil
}

func (m *Memory) Close() error { return nil }
