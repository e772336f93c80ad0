package region

import (
	"context"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/polaris-platform/polaris-core/pkg/errors"
	"github.com/polaris-platform/polaris-core/pkg/events"
	"github.com/polaris-platform/polaris-core/pkg/health"
)

// fakeStore is an in-memory Store for tests.
type fakeStore struct {
	mu        sync.Mutex
	queues    map[string][]SyncOperation
	conflicts map[string]Conflict
	failovers []FailoverEvent

	enqueueErr error
	peekErr    error
	ackErr     error
}

func newFakeStore() *fakeStore {
	return &fakeStore{
		queues:    make(map[string][]SyncOperation),
		conflicts: make(map[string]Conflict),
	}
}

func (s *fakeStore) EnqueueSyncOp(ctx context.Context, target string, op SyncOperation) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.enqueueErr != nil {
		return s.enqueueErr
	}
	s.queues[target] = append(s.queues[target], op)
	return nil
}

func (s *fakeStore) PeekSyncOps(ctx context.Context, target string, limit int) ([]SyncOperation, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.peekErr != nil {
		return nil, s.peekErr
	}
	queue := s.queues[target]
	if len(queue) > limit {
		queue = queue[:limit]
	}
	out := make([]SyncOperation, len(queue))
	copy(out, queue)
	return out, nil
}

func (s *fakeStore) AckSyncOps(ctx context.Context, target string, ids []string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ackErr != nil {
		return s.ackErr
	}
	acked := make(map[string]bool, len(ids))
	for _, id := range ids {
		acked[id] = true
	}
	remaining := s.queues[target][:0]
	for _, op := range s.queues[target] {
		if !acked[op.ID] {
			remaining = append(remaining, op)
		}
	}
	s.queues[target] = remaining
	return nil
}

func (s *fakeStore) PendingSyncOps(ctx context.Context, target string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.queues[target]), nil
}

func (s *fakeStore) SaveConflict(ctx context.Context, conflict Conflict) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.conflicts[conflict.ID] = conflict
	return nil
}

func (s *fakeStore) GetConflict(ctx context.Context, id string) (*Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	conflict, ok := s.conflicts[id]
	if !ok {
		return nil, nil
	}
	return &conflict, nil
}

func (s *fakeStore) ListConflicts(ctx context.Context, unresolvedOnly bool) ([]Conflict, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Conflict, 0, len(s.conflicts))
	for _, conflict := range s.conflicts {
		if unresolvedOnly && conflict.Resolved() {
			continue
		}
		out = append(out, conflict)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].DetectedAt.Before(out[j].DetectedAt) })
	return out, nil
}

func (s *fakeStore) SaveFailoverEvent(ctx context.Context, event FailoverEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failovers = append(s.failovers, event)
	return nil
}

func (s *fakeStore) ListFailoverEvents(ctx context.Context, limit int) ([]FailoverEvent, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]FailoverEvent, len(s.failovers))
	copy(out, s.failovers)
	if len(out) > limit {
		out = out[len(out)-limit:]
	}
	return out, nil
}

// eventRecorder captures bus events for assertions.
type eventRecorder struct {
	mu     sync.Mutex
	events []events.Event
}

func (r *eventRecorder) record(e events.Event) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = append(r.events, e)
}

func (r *eventRecorder) reset() {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.events = nil
}

func (r *eventRecorder) ofType(t events.Type) []events.Event {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []events.Event
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e)
		}
	}
	return out
}

func newTestManager(t *testing.T, config Config) (*Manager, *fakeStore, *eventRecorder) {
	t.Helper()
	bus := events.NewBus(nil)
	recorder := &eventRecorder{}
	bus.SubscribeAll(recorder.record)
	store := newFakeStore()
	manager := NewManager(config, store, nil, nil, bus, nil)
	return manager, store, recorder
}

func testRegion(id string, role Role) Region {
	return Region{
		ID:       id,
		Role:     role,
		Status:   StatusActive,
		Location: Location{Country: "US"},
		Endpoints: map[string]string{
			"api": "https://" + id + ".example.com",
		},
		Weight: 1,
	}
}

func TestAddRegion(t *testing.T) {
	manager, _, recorder := newTestManager(t, Config{})

	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))
	require.NoError(t, manager.AddRegion(testRegion("eu-west", RoleStandby)))

	assert.Len(t, manager.Regions(), 2)
	assert.Len(t, recorder.ofType(events.RegionAdded), 2)

	primary, ok := manager.Primary()
	require.True(t, ok)
	assert.Equal(t, "us-east", primary.ID)
}

func TestAddRegionRejectsSecondPrimary(t *testing.T) {
	manager, _, _ := newTestManager(t, Config{})

	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))
	err := manager.AddRegion(testRegion("eu-west", RolePrimary))
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConflict))
}

func TestAddRegionRejectsDuplicateID(t *testing.T) {
	manager, _, _ := newTestManager(t, Config{})

	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))
	err := manager.AddRegion(testRegion("us-east", RoleStandby))
	require.Error(t, err)
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeConflict))
}

func TestRemoveRegion(t *testing.T) {
	manager, _, recorder := newTestManager(t, Config{})

	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))
	require.NoError(t, manager.RemoveRegion("us-east"))
	assert.Empty(t, manager.Regions())
	assert.Len(t, recorder.ofType(events.RegionRemoved), 1)

	err := manager.RemoveRegion("us-east")
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))
}

func TestUpdateRegionStatus(t *testing.T) {
	manager, _, recorder := newTestManager(t, Config{})

	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))
	require.NoError(t, manager.UpdateRegionStatus("us-east", StatusDraining))

	region, err := manager.GetRegion("us-east")
	require.NoError(t, err)
	assert.Equal(t, StatusDraining, region.Status)

	changed := recorder.ofType(events.RegionStatusChanged)
	require.Len(t, changed, 1)
	assert.Equal(t, string(StatusActive), changed[0].Fields["from"])
	assert.Equal(t, string(StatusDraining), changed[0].Fields["to"])

	// Same-status update is a no-op and emits nothing.
	require.NoError(t, manager.UpdateRegionStatus("us-east", StatusDraining))
	assert.Len(t, recorder.ofType(events.RegionStatusChanged), 1)
}

func unhealthyResult(regionID string) *health.CheckResult {
	return &health.CheckResult{
		RegionID:    regionID,
		Healthy:     false,
		FailureKind: health.FailureTransport,
		Timestamp:   time.Now(),
	}
}

func healthyResult(regionID string) *health.CheckResult {
	return &health.CheckResult{
		RegionID:   regionID,
		Healthy:    true,
		StatusCode: 200,
		Latency:    12 * time.Millisecond,
		Timestamp:  time.Now(),
	}
}

func TestApplyHealthResultTracksStreakAndDegrades(t *testing.T) {
	manager, _, recorder := newTestManager(t, Config{FailoverThreshold: 3, AutoFailover: false})
	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))

	ctx := context.Background()
	manager.ApplyHealthResult(ctx, unhealthyResult("us-east"))
	manager.ApplyHealthResult(ctx, unhealthyResult("us-east"))
	assert.Empty(t, recorder.ofType(events.RegionUnhealthy))

	manager.ApplyHealthResult(ctx, unhealthyResult("us-east"))
	assert.Len(t, recorder.ofType(events.RegionUnhealthy), 1)

	region, err := manager.GetRegion("us-east")
	require.NoError(t, err)
	assert.Equal(t, StatusDegraded, region.Status)

	// Further failures do not re-emit the threshold event.
	manager.ApplyHealthResult(ctx, unhealthyResult("us-east"))
	assert.Len(t, recorder.ofType(events.RegionUnhealthy), 1)

	// Recovery restores the region and emits once.
	manager.ApplyHealthResult(ctx, healthyResult("us-east"))
	assert.Len(t, recorder.ofType(events.RegionRecovered), 1)
	region, err = manager.GetRegion("us-east")
	require.NoError(t, err)
	assert.Equal(t, StatusActive, region.Status)
}

func TestApplyHealthResultAutoFailover(t *testing.T) {
	manager, _, recorder := newTestManager(t, Config{FailoverThreshold: 2, AutoFailover: true})
	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))
	require.NoError(t, manager.AddRegion(testRegion("eu-west", RoleStandby)))

	ctx := context.Background()
	manager.ApplyHealthResult(ctx, unhealthyResult("us-east"))
	manager.ApplyHealthResult(ctx, unhealthyResult("us-east"))

	primary, ok := manager.Primary()
	require.True(t, ok)
	assert.Equal(t, "eu-west", primary.ID)

	completed := recorder.ofType(events.FailoverCompleted)
	require.Len(t, completed, 1)
	assert.Equal(t, "us-east", completed[0].Fields["from"])
	assert.Equal(t, "eu-west", completed[0].Fields["to"])
}

func TestApplyHealthResultNoFailoverWithoutHealthyStandby(t *testing.T) {
	manager, _, recorder := newTestManager(t, Config{FailoverThreshold: 2, AutoFailover: true})
	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))

	standby := testRegion("eu-west", RoleStandby)
	standby.Status = StatusOffline
	require.NoError(t, manager.AddRegion(standby))

	ctx := context.Background()
	manager.ApplyHealthResult(ctx, unhealthyResult("us-east"))
	manager.ApplyHealthResult(ctx, unhealthyResult("us-east"))

	primary, ok := manager.Primary()
	require.True(t, ok)
	assert.Equal(t, "us-east", primary.ID)
	assert.Empty(t, recorder.ofType(events.FailoverInitiated))
	assert.Len(t, recorder.ofType(events.RegionUnhealthy), 1)
}

func TestApplyHealthResultStandbyNeverTriggersFailover(t *testing.T) {
	manager, _, recorder := newTestManager(t, Config{FailoverThreshold: 2, AutoFailover: true})
	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))
	require.NoError(t, manager.AddRegion(testRegion("eu-west", RoleStandby)))

	ctx := context.Background()
	manager.ApplyHealthResult(ctx, unhealthyResult("eu-west"))
	manager.ApplyHealthResult(ctx, unhealthyResult("eu-west"))

	assert.Empty(t, recorder.ofType(events.FailoverInitiated))
	assert.Len(t, recorder.ofType(events.RegionUnhealthy), 1)
}

func TestObserveLatencyIgnoresUnknownRegion(t *testing.T) {
	manager, _, _ := newTestManager(t, Config{})
	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))

	manager.ObserveLatency("us-east", 20*time.Millisecond)
	manager.ObserveLatency("nowhere", 5*time.Millisecond)

	decision, err := manager.RouteRequest(RouteRequest{})
	require.NoError(t, err)
	assert.Equal(t, "us-east", decision.RegionID)
}

func TestStartStop(t *testing.T) {
	manager, _, _ := newTestManager(t, Config{SyncInterval: 10 * time.Millisecond})
	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))

	manager.Start(context.Background())
	manager.Start(context.Background()) // second call is a no-op
	time.Sleep(35 * time.Millisecond)
	manager.Stop()
	manager.Stop()
}
