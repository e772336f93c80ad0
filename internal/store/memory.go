package store

import (
	"context"
	"sort"
	"sync"

	"github.com/polaris-platform/polaris-core/internal/region"
)

// MemoryStore is the in-process store backing single-node deployments
// and tests. Queues are ordered per target; conflicts and failover
// events are kept in insertion order.
type MemoryStore struct {
	mu        sync.RWMutex
	queues    map[string][]region.SyncOperation
	conflicts map[string]region.Conflict
	order     []string
	failovers []region.FailoverEvent
}

// NewMemoryStore creates an empty in-memory store.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		queues:    make(map[string][]region.SyncOperation),
		conflicts: make(map[string]region.Conflict),
	}
}

func (s *MemoryStore) EnqueueSyncOp(ctx context.Context, target string, op region.SyncOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.queues[target] = append(s.queues[target], op)
	return nil
}

func (s *MemoryStore) PeekSyncOps(ctx context.Context, target string, limit int) ([]region.SyncOperation, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	queue := s.queues[target]
	if limit > 0 && len(queue) > limit {
		queue = queue[:limit]
	}
	out := make([]region.SyncOperation, len(queue))
	copy(out, queue)
	return out, nil
}

func (s *MemoryStore) AckSyncOps(ctx context.Context, target string, ids []string) error {
	if len(ids) == 0 {
		return nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	acked := make(map[string]bool, len(ids))
	for _, id := range ids {
		acked[id] = true
	}
	queue := s.queues[target]
	remaining := queue[:0]
	for _, op := range queue {
		if !acked[op.ID] {
			remaining = append(remaining, op)
		}
	}
	if len(remaining) == 0 {
		delete(s.queues, target)
	} else {
		s.queues[target] = remaining
	}
	return nil
}

func (s *MemoryStore) PendingSyncOps(ctx context.Context, target string) (int, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.queues[target]), nil
}

func (s *MemoryStore) SaveConflict(ctx context.Context, conflict region.Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.conflicts[conflict.ID]; !exists {
		s.order = append(s.order, conflict.ID)
	}
	s.conflicts[conflict.ID] = conflict
	return nil
}

func (s *MemoryStore) GetConflict(ctx context.Context, id string) (*region.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	conflict, exists := s.conflicts[id]
	if !exists {
		return nil, nil
	}
	return &conflict, nil
}

func (s *MemoryStore) ListConflicts(ctx context.Context, unresolvedOnly bool) ([]region.Conflict, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]region.Conflict, 0, len(s.conflicts))
	for _, id := range s.order {
		conflict := s.conflicts[id]
		if unresolvedOnly && conflict.Resolved() {
			continue
		}
		out = append(out, conflict)
	}
	return out, nil
}

func (s *MemoryStore) SaveFailoverEvent(ctx context.Context, event region.FailoverEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failovers = append(s.failovers, event)
	return nil
}

func (s *MemoryStore) ListFailoverEvents(ctx context.Context, limit int) ([]region.FailoverEvent, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]region.FailoverEvent, len(s.failovers))
	copy(out, s.failovers)
	sort.SliceStable(out, func(i, j int) bool {
		return out[i].StartedAt.Before(out[j].StartedAt)
	})
	if limit > 0 && len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}
