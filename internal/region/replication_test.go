package region

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polaris-platform/polaris-core/pkg/events"
)

// capturingTransport records delivered batches and can be set to fail.
type capturingTransport struct {
	mu      sync.Mutex
	batches map[string][][]SyncOperation
	err     error
}

func newCapturingTransport() *capturingTransport {
	return &capturingTransport{batches: make(map[string][][]SyncOperation)}
}

func (t *capturingTransport) SendBatch(ctx context.Context, target string, ops []SyncOperation) error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.err != nil {
		return t.err
	}
	copied := make([]SyncOperation, len(ops))
	copy(copied, ops)
	t.batches[target] = append(t.batches[target], copied)
	return nil
}

func (t *capturingTransport) batchesFor(target string) [][]SyncOperation {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.batches[target]
}

func newReplicationManager(t *testing.T, config Config) (*Manager, *fakeStore, *capturingTransport, *eventRecorder) {
	t.Helper()
	bus := events.NewBus(nil)
	recorder := &eventRecorder{}
	bus.SubscribeAll(recorder.record)
	store := newFakeStore()
	transport := newCapturingTransport()
	manager := NewManager(config, store, transport, nil, bus, nil)
	return manager, store, transport, recorder
}

func TestRecordWriteFansOutToOtherRegions(t *testing.T) {
	manager, store, _, _ := newReplicationManager(t, Config{})
	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))
	require.NoError(t, manager.AddRegion(testRegion("eu-west", RoleStandby)))
	require.NoError(t, manager.AddRegion(testRegion("ap-south", RoleStandby)))

	op, err := manager.RecordWrite(context.Background(), "us-east", "users", "u-1",
		map[string]interface{}{"name": "ada"})
	require.NoError(t, err)
	assert.NotEmpty(t, op.ID)
	assert.Equal(t, "us-east", op.SourceRegion)

	assert.Len(t, store.queues["eu-west"], 1)
	assert.Len(t, store.queues["ap-south"], 1)
	assert.Empty(t, store.queues["us-east"])
}

func TestRecordWriteValidation(t *testing.T) {
	manager, _, _, _ := newReplicationManager(t, Config{})
	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))

	_, err := manager.RecordWrite(context.Background(), "us-east", "", "u-1", nil)
	require.Error(t, err)

	_, err = manager.RecordWrite(context.Background(), "nowhere", "users", "u-1", nil)
	require.Error(t, err)
}

func TestFlushReplicationDeliversAndAcks(t *testing.T) {
	manager, store, transport, recorder := newReplicationManager(t, Config{})
	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))
	require.NoError(t, manager.AddRegion(testRegion("eu-west", RoleStandby)))

	ctx := context.Background()
	for i := 0; i < 3; i++ {
		_, err := manager.RecordWrite(ctx, "us-east", "users", "u-1", nil)
		require.NoError(t, err)
	}

	manager.FlushReplication(ctx)

	batches := transport.batchesFor("eu-west")
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 3)
	assert.Empty(t, store.queues["eu-west"])

	require.Len(t, recorder.ofType(events.SyncBatchSent), 1)
	acked := recorder.ofType(events.SyncBatchAcked)
	require.Len(t, acked, 1)
	assert.Equal(t, 3, acked[0].Fields["count"])
	assert.Equal(t, 0, acked[0].Fields["pending"])

	statuses := manager.ReplicationStatuses()
	require.NotEmpty(t, statuses)
	for _, status := range statuses {
		if status.TargetRegion == "eu-west" {
			assert.Equal(t, "us-east", status.SourceRegion)
			assert.Equal(t, 0, status.PendingOperations)
			assert.False(t, status.LastSyncedAt.IsZero())
		}
	}
}

func TestReplicationStatusKeyedPerSourceTargetPair(t *testing.T) {
	manager, _, _, _ := newReplicationManager(t, Config{})
	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))
	require.NoError(t, manager.AddRegion(testRegion("eu-west", RoleStandby)))
	require.NoError(t, manager.AddRegion(testRegion("ap-south", RoleStandby)))

	ctx := context.Background()
	_, err := manager.RecordWrite(ctx, "us-east", "users", "u-1",
		map[string]interface{}{"name": "ada"})
	require.NoError(t, err)
	_, err = manager.RecordWrite(ctx, "eu-west", "users", "u-2",
		map[string]interface{}{"name": "grace"})
	require.NoError(t, err)

	manager.FlushReplication(ctx)

	// Both writers replicate toward ap-south, so the pair statuses must
	// stay distinct instead of one overwriting the other.
	pairs := map[string]ReplicationStatus{}
	for _, status := range manager.ReplicationStatuses() {
		pairs[status.SourceRegion+"->"+status.TargetRegion] = status
	}
	require.Contains(t, pairs, "us-east->ap-south")
	require.Contains(t, pairs, "eu-west->ap-south")
	require.Contains(t, pairs, "us-east->eu-west")
	require.Contains(t, pairs, "eu-west->us-east")
}

func TestFlushReplicationAccumulatesBytes(t *testing.T) {
	manager, _, _, _ := newReplicationManager(t, Config{})
	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))
	require.NoError(t, manager.AddRegion(testRegion("eu-west", RoleStandby)))

	ctx := context.Background()
	payload := map[string]interface{}{"name": "ada"}
	_, err := manager.RecordWrite(ctx, "us-east", "users", "u-1", payload)
	require.NoError(t, err)

	manager.FlushReplication(ctx)

	first := pairStatus(t, manager, "us-east", "eu-west")
	assert.Greater(t, first.BytesReplicated, int64(0))

	// A second acknowledged batch adds to the counter.
	_, err = manager.RecordWrite(ctx, "us-east", "users", "u-2", payload)
	require.NoError(t, err)
	manager.FlushReplication(ctx)

	second := pairStatus(t, manager, "us-east", "eu-west")
	assert.Equal(t, 2*first.BytesReplicated, second.BytesReplicated)
}

func pairStatus(t *testing.T, manager *Manager, source, target string) ReplicationStatus {
	t.Helper()
	for _, status := range manager.ReplicationStatuses() {
		if status.SourceRegion == source && status.TargetRegion == target {
			return status
		}
	}
	t.Fatalf("no replication status for %s->%s", source, target)
	return ReplicationStatus{}
}

func TestFlushReplicationRespectsBatchSize(t *testing.T) {
	manager, store, transport, _ := newReplicationManager(t, Config{BatchSize: 2})
	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))
	require.NoError(t, manager.AddRegion(testRegion("eu-west", RoleStandby)))

	ctx := context.Background()
	for i := 0; i < 5; i++ {
		_, err := manager.RecordWrite(ctx, "us-east", "users", "u-1", nil)
		require.NoError(t, err)
	}

	manager.FlushReplication(ctx)

	batches := transport.batchesFor("eu-west")
	require.Len(t, batches, 1)
	assert.Len(t, batches[0], 2)
	assert.Len(t, store.queues["eu-west"], 3)
}

func TestFlushReplicationDeliveryFailureKeepsQueue(t *testing.T) {
	manager, store, transport, recorder := newReplicationManager(t, Config{})
	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))
	require.NoError(t, manager.AddRegion(testRegion("eu-west", RoleStandby)))

	ctx := context.Background()
	_, err := manager.RecordWrite(ctx, "us-east", "users", "u-1", nil)
	require.NoError(t, err)

	transport.err = errors.New("connection refused")
	manager.FlushReplication(ctx)

	assert.Len(t, store.queues["eu-west"], 1)
	assert.Empty(t, recorder.ofType(events.SyncBatchAcked))

	var euStatus *ReplicationStatus
	for _, status := range manager.ReplicationStatuses() {
		if status.TargetRegion == "eu-west" {
			s := status
			euStatus = &s
		}
	}
	require.NotNil(t, euStatus)
	assert.Equal(t, 1, euStatus.Errors)

	// Next cycle redelivers the same operation.
	transport.err = nil
	manager.FlushReplication(ctx)
	assert.Empty(t, store.queues["eu-west"])
	assert.Len(t, transport.batchesFor("eu-west"), 1)
}

func TestFlushReplicationSkipsOfflineTargets(t *testing.T) {
	manager, store, transport, _ := newReplicationManager(t, Config{})
	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))
	require.NoError(t, manager.AddRegion(testRegion("eu-west", RoleStandby)))

	ctx := context.Background()
	_, err := manager.RecordWrite(ctx, "us-east", "users", "u-1", nil)
	require.NoError(t, err)

	require.NoError(t, manager.UpdateRegionStatus("eu-west", StatusOffline))
	manager.FlushReplication(ctx)

	assert.Empty(t, transport.batchesFor("eu-west"))
	assert.Len(t, store.queues["eu-west"], 1)
}

func TestFlushReplicationLagWarning(t *testing.T) {
	manager, store, _, recorder := newReplicationManager(t, Config{LagCritical: 10 * time.Millisecond})
	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))
	require.NoError(t, manager.AddRegion(testRegion("eu-west", RoleStandby)))

	ctx := context.Background()
	op := SyncOperation{
		ID:           "stale-op",
		SourceRegion: "us-east",
		Collection:   "users",
		DocumentID:   "u-1",
		Timestamp:    time.Now().Add(-time.Second),
	}
	require.NoError(t, store.EnqueueSyncOp(ctx, "eu-west", op))

	manager.FlushReplication(ctx)

	warnings := recorder.ofType(events.ReplicationLagWarning)
	require.Len(t, warnings, 1)
	assert.Equal(t, "eu-west", warnings[0].Fields["target"])
}
