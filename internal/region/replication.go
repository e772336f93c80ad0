package region

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"

	apperrors "github.com/polaris-platform/polaris-core/pkg/errors"
	"github.com/polaris-platform/polaris-core/pkg/events"
)

// RecordWrite enqueues one write for replication to every other region.
// The write is fanned out as an independent per-target operation so one
// slow target never blocks the others.
func (m *Manager) RecordWrite(ctx context.Context, sourceRegion, collection, documentID string, payload map[string]interface{}) (*SyncOperation, error) {
	if collection == "" || documentID == "" {
		return nil, apperrors.NewValidationError("collection and document id are required")
	}

	m.mu.Lock()
	if _, exists := m.regions[sourceRegion]; !exists {
		m.mu.Unlock()
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("region %s", sourceRegion))
	}
	targets := make([]string, 0, len(m.regions)-1)
	for id := range m.regions {
		if id != sourceRegion {
			targets = append(targets, id)
		}
	}
	m.mu.Unlock()
	sort.Strings(targets)

	op := SyncOperation{
		ID:           uuid.New().String(),
		SourceRegion: sourceRegion,
		Collection:   collection,
		DocumentID:   documentID,
		Payload:      payload,
		Timestamp:    time.Now(),
	}

	for _, target := range targets {
		if err := m.store.EnqueueSyncOp(ctx, target, op); err != nil {
			return nil, apperrors.NewRegionError(target,
				fmt.Sprintf("enqueue replication op: %v", err))
		}
	}
	return &op, nil
}

// FlushReplication drains up to BatchSize pending operations per target
// over the transport. Delivery failures mark the pair's status and leave
// the operations queued for the next cycle; only acknowledged batches
// are removed.
func (m *Manager) FlushReplication(ctx context.Context) {
	m.mu.Lock()
	targets := make([]string, 0, len(m.regions))
	for id, region := range m.regions {
		if region.Status == StatusOffline {
			continue
		}
		targets = append(targets, id)
	}
	m.mu.Unlock()
	sort.Strings(targets)

	for _, target := range targets {
		m.flushTarget(ctx, target)
	}
}

func (m *Manager) flushTarget(ctx context.Context, target string) {
	ops, err := m.store.PeekSyncOps(ctx, target, m.config.BatchSize)
	if err != nil {
		m.logger.Error("Peek replication queue failed", "target", target, "error", err)
		return
	}
	if len(ops) == 0 {
		m.clearPendingToward(target)
		return
	}

	// One target queue can hold operations from several sources, so pair
	// bookkeeping groups the batch by originating region.
	bySource := make(map[string][]SyncOperation)
	for _, op := range ops {
		bySource[op.SourceRegion] = append(bySource[op.SourceRegion], op)
	}

	source := ops[0].SourceRegion
	m.bus.Publish(events.Event{
		Type:   events.SyncBatchSent,
		Source: "multiregion",
		Fields: map[string]interface{}{
			"source": source,
			"target": target,
			"count":  len(ops),
		},
	})

	if err := m.transport.SendBatch(ctx, target, ops); err != nil {
		m.logger.Warn("Replication batch delivery failed",
			"target", target,
			"count", len(ops),
			"error", err,
		)
		for src, group := range bySource {
			m.updateReplicationStatus(src, target, len(group), lagOf(group), 0, time.Time{}, true)
		}
		return
	}

	ids := make([]string, len(ops))
	for i, op := range ops {
		ids[i] = op.ID
	}
	if err := m.store.AckSyncOps(ctx, target, ids); err != nil {
		m.logger.Error("Ack replication batch failed", "target", target, "error", err)
		for src, group := range bySource {
			m.updateReplicationStatus(src, target, len(group), lagOf(group), 0, time.Time{}, true)
		}
		return
	}

	pending, err := m.store.PendingSyncOps(ctx, target)
	if err != nil {
		pending = 0
	}

	now := time.Now()
	lag := lagOf(ops)
	for src, group := range bySource {
		m.updateReplicationStatus(src, target, pending, lagOf(group), batchBytes(group), now, false)
	}

	m.bus.Publish(events.Event{
		Type:   events.SyncBatchAcked,
		Source: "multiregion",
		Fields: map[string]interface{}{
			"source":  source,
			"target":  target,
			"count":   len(ops),
			"pending": pending,
			"lag_ms":  lag.Milliseconds(),
		},
	})

	if lag > m.config.LagCritical {
		m.logger.Warn("Replication lag above critical threshold",
			"target", target,
			"lag_ms", lag.Milliseconds(),
		)
		m.bus.Publish(events.Event{
			Type:   events.ReplicationLagWarning,
			Source: "multiregion",
			Fields: map[string]interface{}{
				"target":    target,
				"lag_ms":    lag.Milliseconds(),
				"threshold": m.config.LagCritical.Milliseconds(),
			},
		})
	}
}

// lagOf measures replication lag as the age of the oldest operation in
// the batch at flush time.
func lagOf(ops []SyncOperation) time.Duration {
	oldest := ops[0].Timestamp
	for _, op := range ops[1:] {
		if op.Timestamp.Before(oldest) {
			oldest = op.Timestamp
		}
	}
	return time.Since(oldest)
}

// batchBytes sums the serialized payload sizes of an acknowledged batch.
func batchBytes(ops []SyncOperation) int64 {
	var total int64
	for _, op := range ops {
		if data, err := json.Marshal(op.Payload); err == nil {
			total += int64(len(data))
		}
	}
	return total
}

// Replication status is tracked per ordered source→target pair.
func pairKey(source, target string) string {
	return source + "->" + target
}

func (m *Manager) updateReplicationStatus(source, target string, pending int, lag time.Duration, bytes int64, syncedAt time.Time, failed bool) {
	m.mu.Lock()
	defer m.mu.Unlock()

	key := pairKey(source, target)
	status, exists := m.replication[key]
	if !exists {
		status = &ReplicationStatus{SourceRegion: source, TargetRegion: target}
		m.replication[key] = status
	}
	status.PendingOperations = pending
	status.LagMs = lag.Milliseconds()
	status.BytesReplicated += bytes
	if !syncedAt.IsZero() {
		status.LastSyncedAt = syncedAt
	}
	if failed {
		status.Errors++
	}
}

// clearPendingToward zeroes the pending count on every pair whose queue
// toward the target turned out empty this cycle.
func (m *Manager) clearPendingToward(target string) {
	m.mu.Lock()
	defer m.mu.Unlock()

	for _, status := range m.replication {
		if status.TargetRegion == target {
			status.PendingOperations = 0
		}
	}
}

// ReplicationStatuses returns a copy of the pair-keyed replication
// status table, ordered by source then target.
func (m *Manager) ReplicationStatuses() []ReplicationStatus {
	m.mu.Lock()
	defer m.mu.Unlock()

	out := make([]ReplicationStatus, 0, len(m.replication))
	for _, status := range m.replication {
		out = append(out, *status)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].SourceRegion != out[j].SourceRegion {
			return out[i].SourceRegion < out[j].SourceRegion
		}
		return out[i].TargetRegion < out[j].TargetRegion
	})
	return out
}
