package region

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	apperrors "github.com/polaris-platform/polaris-core/pkg/errors"
	"github.com/polaris-platform/polaris-core/pkg/events"
)

func TestSetRoutingRulesValidation(t *testing.T) {
	manager, _, _ := newTestManager(t, Config{})

	tests := []struct {
		name string
		rule RoutingRule
	}{
		{"missing id", RoutingRule{TargetRegion: "us-east", Conditions: []Condition{{Field: FieldPath, Op: OpEq, Value: "/x"}}}},
		{"missing target", RoutingRule{ID: "r1", Conditions: []Condition{{Field: FieldPath, Op: OpEq, Value: "/x"}}}},
		{"no conditions", RoutingRule{ID: "r1", TargetRegion: "us-east"}},
		{"bad field", RoutingRule{ID: "r1", TargetRegion: "us-east", Conditions: []Condition{{Field: "cookie", Op: OpEq, Value: "x"}}}},
		{"bad op", RoutingRule{ID: "r1", TargetRegion: "us-east", Conditions: []Condition{{Field: FieldPath, Op: "matches", Value: "x"}}}},
		{"header without key", RoutingRule{ID: "r1", TargetRegion: "us-east", Conditions: []Condition{{Field: FieldHeader, Op: OpEq, Value: "x"}}}},
		{"in without values", RoutingRule{ID: "r1", TargetRegion: "us-east", Conditions: []Condition{{Field: FieldGeo, Op: OpIn}}}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := manager.SetRoutingRules([]RoutingRule{tt.rule})
			require.Error(t, err)
			assert.True(t, apperrors.IsType(err, apperrors.ErrorTypeValidation))
		})
	}
}

func TestRouteRequestRulePriority(t *testing.T) {
	manager, _, recorder := newTestManager(t, Config{})
	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))
	require.NoError(t, manager.AddRegion(testRegion("eu-west", RoleStandby)))

	require.NoError(t, manager.SetRoutingRules([]RoutingRule{
		{
			ID: "catch-all", Priority: 100, Enabled: true, TargetRegion: "us-east",
			Conditions: []Condition{{Field: FieldPath, Op: OpStartsWith, Value: "/"}},
		},
		{
			ID: "eu-traffic", Priority: 10, Enabled: true, TargetRegion: "eu-west",
			Conditions: []Condition{{Field: FieldGeo, Op: OpIn, Values: []string{"DE", "FR", "NL"}}},
		},
	}))

	decision, err := manager.RouteRequest(RouteRequest{ClientCountry: "DE", Path: "/api/v1/things"})
	require.NoError(t, err)
	assert.Equal(t, "eu-west", decision.RegionID)
	assert.Equal(t, "eu-traffic", decision.RuleID)

	decision, err = manager.RouteRequest(RouteRequest{ClientCountry: "BR", Path: "/api/v1/things"})
	require.NoError(t, err)
	assert.Equal(t, "us-east", decision.RegionID)
	assert.Equal(t, "catch-all", decision.RuleID)

	assert.Len(t, recorder.ofType(events.RoutingDecision), 2)
}

func TestRouteRequestDisabledRuleSkipped(t *testing.T) {
	manager, _, _ := newTestManager(t, Config{RoutingStrategy: StrategyFailover})
	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))
	require.NoError(t, manager.AddRegion(testRegion("eu-west", RoleStandby)))

	require.NoError(t, manager.SetRoutingRules([]RoutingRule{{
		ID: "eu-traffic", Priority: 1, Enabled: false, TargetRegion: "eu-west",
		Conditions: []Condition{{Field: FieldGeo, Op: OpEq, Value: "DE"}},
	}}))

	decision, err := manager.RouteRequest(RouteRequest{ClientCountry: "DE"})
	require.NoError(t, err)
	assert.Equal(t, "us-east", decision.RegionID)
	assert.Empty(t, decision.RuleID)
}

func TestRouteRequestRuleTargetUnroutableFallsThrough(t *testing.T) {
	manager, _, _ := newTestManager(t, Config{RoutingStrategy: StrategyFailover})
	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))

	offline := testRegion("eu-west", RoleStandby)
	offline.Status = StatusOffline
	require.NoError(t, manager.AddRegion(offline))

	require.NoError(t, manager.SetRoutingRules([]RoutingRule{{
		ID: "eu-traffic", Priority: 1, Enabled: true, TargetRegion: "eu-west",
		Conditions: []Condition{{Field: FieldGeo, Op: OpEq, Value: "DE"}},
	}}))

	decision, err := manager.RouteRequest(RouteRequest{ClientCountry: "DE"})
	require.NoError(t, err)
	assert.Equal(t, "us-east", decision.RegionID)
}

func TestRouteRequestHeaderCondition(t *testing.T) {
	manager, _, _ := newTestManager(t, Config{})
	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))
	require.NoError(t, manager.AddRegion(testRegion("eu-west", RoleStandby)))

	require.NoError(t, manager.SetRoutingRules([]RoutingRule{{
		ID: "tenant-pinned", Priority: 1, Enabled: true, TargetRegion: "eu-west",
		Conditions: []Condition{{Field: FieldHeader, Key: "X-Tenant-Region", Op: OpEq, Value: "eu"}},
	}}))

	decision, err := manager.RouteRequest(RouteRequest{
		Headers: map[string]string{"x-tenant-region": "EU"},
	})
	require.NoError(t, err)
	assert.Equal(t, "eu-west", decision.RegionID)
}

func TestRouteRequestLatencyStrategy(t *testing.T) {
	manager, _, _ := newTestManager(t, Config{RoutingStrategy: StrategyLatency})
	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))
	require.NoError(t, manager.AddRegion(testRegion("eu-west", RoleStandby)))

	manager.ObserveLatency("us-east", 80*time.Millisecond)
	manager.ObserveLatency("eu-west", 20*time.Millisecond)

	decision, err := manager.RouteRequest(RouteRequest{})
	require.NoError(t, err)
	assert.Equal(t, "eu-west", decision.RegionID)
	assert.Equal(t, StrategyLatency, decision.Strategy)
}

func TestRouteRequestGeoFallbackWhenNoLatencyData(t *testing.T) {
	manager, _, _ := newTestManager(t, Config{RoutingStrategy: StrategyLatency})

	us := testRegion("us-east", RolePrimary)
	us.Location = Location{Country: "US"}
	require.NoError(t, manager.AddRegion(us))

	eu := testRegion("eu-west", RoleStandby)
	eu.Location = Location{Country: "DE"}
	require.NoError(t, manager.AddRegion(eu))

	decision, err := manager.RouteRequest(RouteRequest{ClientCountry: "DE"})
	require.NoError(t, err)
	assert.Equal(t, "eu-west", decision.RegionID)
	assert.Equal(t, StrategyGeo, decision.Strategy)
}

func TestRouteRequestFailoverFallbackPrefersPrimary(t *testing.T) {
	manager, _, _ := newTestManager(t, Config{RoutingStrategy: StrategyLatency})
	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))
	require.NoError(t, manager.AddRegion(testRegion("eu-west", RoleStandby)))

	// No latency readings and no client country, so the chain ends at
	// the failover strategy.
	decision, err := manager.RouteRequest(RouteRequest{})
	require.NoError(t, err)
	assert.Equal(t, "us-east", decision.RegionID)
	assert.Equal(t, StrategyFailover, decision.Strategy)
}

func TestRouteRequestDegradedOnlyWhenNoActive(t *testing.T) {
	manager, _, _ := newTestManager(t, Config{RoutingStrategy: StrategyFailover})
	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))
	require.NoError(t, manager.AddRegion(testRegion("eu-west", RoleStandby)))
	require.NoError(t, manager.UpdateRegionStatus("us-east", StatusDegraded))

	// Active standby wins over the degraded primary.
	decision, err := manager.RouteRequest(RouteRequest{})
	require.NoError(t, err)
	assert.Equal(t, "eu-west", decision.RegionID)

	// With every region degraded, degraded regions become routable.
	require.NoError(t, manager.UpdateRegionStatus("eu-west", StatusDegraded))
	decision, err = manager.RouteRequest(RouteRequest{})
	require.NoError(t, err)
	assert.Equal(t, "us-east", decision.RegionID)
}

func TestRouteRequestNoRoutableRegions(t *testing.T) {
	manager, _, _ := newTestManager(t, Config{})
	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))
	require.NoError(t, manager.UpdateRegionStatus("us-east", StatusOffline))

	_, err := manager.RouteRequest(RouteRequest{})
	require.Error(t, err)
}

func TestRouteRequestRoundRobin(t *testing.T) {
	manager, _, _ := newTestManager(t, Config{RoutingStrategy: StrategyRoundRobin})
	require.NoError(t, manager.AddRegion(testRegion("us-east", RolePrimary)))
	require.NoError(t, manager.AddRegion(testRegion("eu-west", RoleStandby)))

	seen := map[string]int{}
	for i := 0; i < 4; i++ {
		decision, err := manager.RouteRequest(RouteRequest{})
		require.NoError(t, err)
		seen[decision.RegionID]++
	}
	assert.Equal(t, 2, seen["us-east"])
	assert.Equal(t, 2, seen["eu-west"])
}

func TestRouteRequestWeightedDistribution(t *testing.T) {
	manager, _, _ := newTestManager(t, Config{RoutingStrategy: StrategyWeighted})

	light := testRegion("us-east", RolePrimary)
	light.Weight = 1
	require.NoError(t, manager.AddRegion(light))

	heavy := testRegion("eu-west", RoleStandby)
	heavy.Weight = 5
	require.NoError(t, manager.AddRegion(heavy))

	seen := map[string]int{}
	for i := 0; i < 600; i++ {
		decision, err := manager.RouteRequest(RouteRequest{})
		require.NoError(t, err)
		assert.Equal(t, StrategyWeighted, decision.Strategy)
		seen[decision.RegionID]++
	}

	// With weights 1:5 both regions must receive traffic, and the heavy
	// one must dominate. The bounds are loose enough that a fair draw
	// essentially never trips them.
	assert.Greater(t, seen["us-east"], 0)
	assert.Greater(t, seen["eu-west"], seen["us-east"]*2)
}

func TestRouteRequestWeightedSkipsZeroWeight(t *testing.T) {
	manager, _, _ := newTestManager(t, Config{RoutingStrategy: StrategyWeighted})

	unweighted := testRegion("us-east", RolePrimary)
	unweighted.Weight = 0
	require.NoError(t, manager.AddRegion(unweighted))

	weighted := testRegion("eu-west", RoleStandby)
	weighted.Weight = 3
	require.NoError(t, manager.AddRegion(weighted))

	for i := 0; i < 20; i++ {
		decision, err := manager.RouteRequest(RouteRequest{})
		require.NoError(t, err)
		assert.Equal(t, "eu-west", decision.RegionID)
	}
}

func TestRouteRequestGeoMissFallsToFailover(t *testing.T) {
	manager, _, _ := newTestManager(t, Config{RoutingStrategy: StrategyGeo})

	us := testRegion("us-east", RolePrimary)
	us.Location = Location{Country: "US"}
	require.NoError(t, manager.AddRegion(us))

	eu := testRegion("eu-west", RoleStandby)
	eu.Location = Location{Country: "DE"}
	require.NoError(t, manager.AddRegion(eu))

	// Latency readings exist, but a geo miss must skip the latency
	// strategy and fall straight through to failover.
	manager.ObserveLatency("us-east", 80*time.Millisecond)
	manager.ObserveLatency("eu-west", 20*time.Millisecond)

	decision, err := manager.RouteRequest(RouteRequest{ClientCountry: "JP"})
	require.NoError(t, err)
	assert.Equal(t, "us-east", decision.RegionID)
	assert.Equal(t, StrategyFailover, decision.Strategy)
}
