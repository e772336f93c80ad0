package region

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/polaris-platform/polaris-core/pkg/errors"
	"github.com/polaris-platform/polaris-core/pkg/events"
)

func TestInitiateFailoverSuccess(t *testing.T) {
	manager, store, recorder := newTestManager(t, Config{})
	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))
	require.NoError(t, manager.AddRegion(testRegion("eu-west", RoleStandby)))

	event, err := manager.InitiateFailover(context.Background(), "us-east", "eu-west", "manual", "planned maintenance")
	require.NoError(t, err)
	assert.Equal(t, FailoverCompleted, event.Status)
	assert.Equal(t, "manual", event.Trigger)

	primary, ok := manager.Primary()
	require.True(t, ok)
	assert.Equal(t, "eu-west", primary.ID)
	assert.Equal(t, StatusActive, primary.Status)

	demoted, err := manager.GetRegion("us-east")
	require.NoError(t, err)
	assert.Equal(t, RoleStandby, demoted.Role)
	assert.Equal(t, StatusDraining, demoted.Status)

	assert.Len(t, recorder.ofType(events.FailoverInitiated), 1)
	assert.Len(t, recorder.ofType(events.FailoverCompleted), 1)
	assert.Len(t, recorder.ofType(events.RegionRoleChanged), 2)
	// Only the demoted source changes status; the target was already active.
	assert.Len(t, recorder.ofType(events.RegionStatusChanged), 1)

	require.Len(t, store.failovers, 1)
	assert.Equal(t, FailoverCompleted, store.failovers[0].Status)

	history := manager.FailoverHistory()
	require.Len(t, history, 1)
	assert.Equal(t, event.ID, history[0].ID)
}

func TestInitiateFailoverActivatesDegradedTarget(t *testing.T) {
	manager, _, recorder := newTestManager(t, Config{})
	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))
	require.NoError(t, manager.AddRegion(testRegion("eu-west", RoleStandby)))
	require.NoError(t, manager.UpdateRegionStatus("eu-west", StatusDegraded))
	recorder.reset()

	event, err := manager.InitiateFailover(context.Background(), "us-east", "eu-west", "health", "primary unhealthy")
	require.NoError(t, err)
	assert.Equal(t, FailoverCompleted, event.Status)

	// Promotion marks the new primary active so routing can reach it.
	promoted, err := manager.GetRegion("eu-west")
	require.NoError(t, err)
	assert.Equal(t, RolePrimary, promoted.Role)
	assert.Equal(t, StatusActive, promoted.Status)

	decision, rerr := manager.RouteRequest(RouteRequest{})
	require.NoError(t, rerr)
	assert.Equal(t, "eu-west", decision.RegionID)

	// Draining source plus activated target gives two status changes.
	assert.Len(t, recorder.ofType(events.RegionStatusChanged), 2)
}

func TestInitiateFailoverValidation(t *testing.T) {
	manager, _, _ := newTestManager(t, Config{})
	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))
	require.NoError(t, manager.AddRegion(testRegion("eu-west", RoleStandby)))

	offline := testRegion("ap-south", RoleStandby)
	offline.Status = StatusOffline
	require.NoError(t, manager.AddRegion(offline))

	ctx := context.Background()

	_, err := manager.InitiateFailover(ctx, "nowhere", "eu-west", "manual", "")
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))

	_, err = manager.InitiateFailover(ctx, "us-east", "nowhere", "manual", "")
	assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeNotFound))

	// Source must be primary.
	_, err = manager.InitiateFailover(ctx, "eu-west", "us-east", "manual", "")
	require.Error(t, err)

	// Target must be a standby.
	_, err = manager.InitiateFailover(ctx, "us-east", "us-east", "manual", "")
	require.Error(t, err)

	// Target must not be offline.
	_, err = manager.InitiateFailover(ctx, "us-east", "ap-south", "manual", "")
	require.Error(t, err)
}

func TestInitiateFailoverDrainsPendingReplication(t *testing.T) {
	bus := events.NewBus(nil)
	store := newFakeStore()
	transport := newCapturingTransport()
	manager := NewManager(Config{}, store, transport, nil, bus, nil)

	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))
	require.NoError(t, manager.AddRegion(testRegion("eu-west", RoleStandby)))

	ctx := context.Background()
	_, err := manager.RecordWrite(ctx, "us-east", "users", "u-1", nil)
	require.NoError(t, err)

	_, err = manager.InitiateFailover(ctx, "us-east", "eu-west", "manual", "")
	require.NoError(t, err)

	// The drain step delivered the queued write to the new primary.
	require.Len(t, transport.batchesFor("eu-west"), 1)
	assert.Empty(t, store.queues["eu-west"])
}

func TestInitiateFailoverRollbackOnPromoteFailure(t *testing.T) {
	manager, _, recorder := newTestManager(t, Config{RollbackOnFailure: true})
	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))
	require.NoError(t, manager.AddRegion(testRegion("eu-west", RoleStandby)))

	manager.failoverStepHook = func(step, regionID string) error {
		if step == stepPromote {
			return errors.New("promotion handshake failed")
		}
		return nil
	}

	event, err := manager.InitiateFailover(context.Background(), "us-east", "eu-west", "manual", "")
	require.Error(t, err)
	assert.Equal(t, FailoverRolledBack, event.Status)
	assert.Contains(t, event.Error, "promotion handshake failed")

	// The source keeps the primary role and active status after rollback.
	primary, ok := manager.Primary()
	require.True(t, ok)
	assert.Equal(t, "us-east", primary.ID)
	assert.Equal(t, StatusActive, primary.Status)

	target, gerr := manager.GetRegion("eu-west")
	require.NoError(t, gerr)
	assert.Equal(t, RoleStandby, target.Role)

	assert.Len(t, recorder.ofType(events.FailoverRolledBack), 1)
	assert.Empty(t, recorder.ofType(events.FailoverCompleted))
}

func TestInitiateFailoverFailedWithoutRollback(t *testing.T) {
	manager, store, recorder := newTestManager(t, Config{RollbackOnFailure: false})
	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))
	require.NoError(t, manager.AddRegion(testRegion("eu-west", RoleStandby)))

	manager.failoverStepHook = func(step, regionID string) error {
		if step == stepPromote {
			return errors.New("promotion handshake failed")
		}
		return nil
	}

	event, err := manager.InitiateFailover(context.Background(), "us-east", "eu-west", "manual", "")
	require.Error(t, err)
	assert.Equal(t, FailoverFailed, event.Status)

	_, ok := manager.Primary()
	assert.False(t, ok)

	// Without rollback the demoted source stays draining.
	source, gerr := manager.GetRegion("us-east")
	require.NoError(t, gerr)
	assert.Equal(t, StatusDraining, source.Status)

	assert.Len(t, recorder.ofType(events.FailoverFailed), 1)
	require.Len(t, store.failovers, 1)
	assert.Equal(t, FailoverFailed, store.failovers[0].Status)
}

func TestInitiateFailoverDrainFailureLeavesRolesUntouched(t *testing.T) {
	manager, _, _ := newTestManager(t, Config{RollbackOnFailure: true})
	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))
	require.NoError(t, manager.AddRegion(testRegion("eu-west", RoleStandby)))

	manager.failoverStepHook = func(step, regionID string) error {
		if step == stepDrain {
			return errors.New("queue unavailable")
		}
		return nil
	}

	event, err := manager.InitiateFailover(context.Background(), "us-east", "eu-west", "manual", "")
	require.Error(t, err)
	assert.Equal(t, FailoverRolledBack, event.Status)

	primary, ok := manager.Primary()
	require.True(t, ok)
	assert.Equal(t, "us-east", primary.ID)
}

func TestFailoverHistoryBounded(t *testing.T) {
	manager, _, _ := newTestManager(t, Config{MaxFailoverEvents: 3})
	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))
	require.NoError(t, manager.AddRegion(testRegion("eu-west", RoleStandby)))

	ctx := context.Background()
	from, to := "us-east", "eu-west"
	for i := 0; i < 5; i++ {
		_, err := manager.InitiateFailover(ctx, from, to, "manual", "drill")
		require.NoError(t, err)
		from, to = to, from
	}

	assert.Len(t, manager.FailoverHistory(), 3)
}
