package api

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/gin-gonic/gin"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/polaris-platform/polaris-core/internal/region"
	"github.com/polaris-platform/polaris-core/internal/store"
	"github.com/polaris-platform/polaris-core/pkg/events"
	"github.com/polaris-platform/polaris-core/pkg/health"
	"github.com/polaris-platform/polaris-core/pkg/resilience"
)

func newTestServer(t *testing.T) (*gin.Engine, *region.Manager) {
	t.Helper()
	gin.SetMode(gin.TestMode)

	bus := events.NewBus(nil)
	manager := region.NewManager(region.DefaultConfig(), store.NewMemoryStore(), nil, nil, bus, nil)

	aggregator := health.NewAggregator(health.AggregatorConfig{}, nil, bus, nil)
	aggregator.RegisterService(health.ServiceConfig{
		ID: "api",
		Probe: func(ctx context.Context) (health.Status, string, error) {
			return health.StatusHealthy, "ok", nil
		},
	})
	aggregator.CheckAll(context.Background())

	registry := resilience.NewRegistry(resilience.DefaultCircuitBreakerConfig("api"), bus, nil)

	handlers := NewHandlers(manager, aggregator, registry, nil)
	router := NewRouter(RouterDeps{Handlers: handlers})
	return router, manager
}

func addTestRegion(t *testing.T, m *region.Manager, id string, role region.Role) {
	t.Helper()
	require.NoError(t, m.AddRegion(region.Region{
		ID:     id,
		Role:   role,
		Status: region.StatusActive,
		Location: region.Location{Country: "US"},
		Weight: 1,
	}))
}

func doJSON(t *testing.T, router *gin.Engine, method, path string, body interface{}) *httptest.ResponseRecorder {
	t.Helper()

	var buf bytes.Buffer
	if body != nil {
		require.NoError(t, json.NewEncoder(&buf).Encode(body))
	}
	req := httptest.NewRequest(method, path, &buf)
	req.Header.Set("Content-Type", "application/json")

	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)
	return w
}

func decodeResponse(t *testing.T, w *httptest.ResponseRecorder) APIResponse {
	t.Helper()
	var resp APIResponse
	require.NoError(t, json.Unmarshal(w.Body.Bytes(), &resp))
	return resp
}

func TestHealthzReportsAggregatedStatus(t *testing.T) {
	router, _ := newTestServer(t)

	w := doJSON(t, router, http.MethodGet, "/healthz", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"status":"healthy"`)
}

func TestReadyzUnknownServiceUnavailable(t *testing.T) {
	router, _ := newTestServer(t)

	w := doJSON(t, router, http.MethodGet, "/readyz?service=missing", nil)

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestReadyzHealthyService(t *testing.T) {
	router, _ := newTestServer(t)

	w := doJSON(t, router, http.MethodGet, "/readyz?service=api", nil)

	assert.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse(t, w)
	assert.True(t, resp.Success)
}

func TestRegionLifecycle(t *testing.T) {
	router, _ := newTestServer(t)

	body := map[string]interface{}{
		"id":     "us-east",
		"role":   "primary",
		"status": "active",
		"location": map[string]interface{}{"country": "US"},
		"weight": 2,
	}
	w := doJSON(t, router, http.MethodPost, "/v1/regions", body)
	require.Equal(t, http.StatusCreated, w.Code)

	w = doJSON(t, router, http.MethodGet, "/v1/regions", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "us-east")

	w = doJSON(t, router, http.MethodGet, "/v1/regions/us-east", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), `"role":"primary"`)

	w = doJSON(t, router, http.MethodPatch, "/v1/regions/us-east/status", map[string]string{"status": "draining"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodDelete, "/v1/regions/us-east", nil)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/v1/regions/us-east", nil)
	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestAddRegionConflictResponse(t *testing.T) {
	router, manager := newTestServer(t)
	addTestRegion(t, manager, "us-east", region.RolePrimary)

	body := map[string]interface{}{
		"id":     "eu-west",
		"role":   "primary",
		"status": "active",
	}
	w := doJSON(t, router, http.MethodPost, "/v1/regions", body)

	assert.Equal(t, http.StatusConflict, w.Code)
	resp := decodeResponse(t, w)
	require.NotNil(t, resp.Error)
	assert.Equal(t, "CONFLICT", resp.Error.Code)
}

func TestRouteReturnsDecision(t *testing.T) {
	router, manager := newTestServer(t)
	addTestRegion(t, manager, "us-east", region.RolePrimary)
	addTestRegion(t, manager, "eu-west", region.RoleStandby)

	w := doJSON(t, router, http.MethodPost, "/v1/route", map[string]interface{}{
		"client_country": "US",
		"path":           "/orders",
	})

	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse(t, w)
	require.True(t, resp.Success)

	data, ok := resp.Data.(map[string]interface{})
	require.True(t, ok)
	assert.NotEmpty(t, data["region_id"])
}

func TestRouteNoRegionsUnavailable(t *testing.T) {
	router, _ := newTestServer(t)

	w := doJSON(t, router, http.MethodPost, "/v1/route", map[string]interface{}{"path": "/x"})

	assert.Equal(t, http.StatusServiceUnavailable, w.Code)
}

func TestRoutingRulesRoundTrip(t *testing.T) {
	router, manager := newTestServer(t)
	addTestRegion(t, manager, "eu-west", region.RoleStandby)

	rules := []map[string]interface{}{
		{
			"id":            "eu-traffic",
			"priority":      1,
			"target_region": "eu-west",
			"enabled":       true,
			"conditions": []map[string]interface{}{
				{"field": "geo", "op": "eq", "value": "DE"},
			},
		},
	}
	w := doJSON(t, router, http.MethodPut, "/v1/routing-rules", rules)
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/v1/routing-rules", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "eu-traffic")
}

func TestFailoverEndpoint(t *testing.T) {
	router, manager := newTestServer(t)
	addTestRegion(t, manager, "us-east", region.RolePrimary)
	addTestRegion(t, manager, "eu-west", region.RoleStandby)

	w := doJSON(t, router, http.MethodPost, "/v1/failover", map[string]string{
		"from_region": "us-east",
		"to_region":   "eu-west",
		"reason":      "maintenance",
	})

	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse(t, w)
	require.True(t, resp.Success)

	reg, err := manager.GetRegion("eu-west")
	require.NoError(t, err)
	assert.Equal(t, region.RolePrimary, reg.Role)

	w = doJSON(t, router, http.MethodGet, "/v1/failovers", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "maintenance")
}

func TestFailoverValidationError(t *testing.T) {
	router, manager := newTestServer(t)
	addTestRegion(t, manager, "us-east", region.RolePrimary)

	w := doJSON(t, router, http.MethodPost, "/v1/failover", map[string]string{
		"from_region": "us-east",
		"to_region":   "nowhere",
	})

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestConflictDetectAndResolve(t *testing.T) {
	router, manager := newTestServer(t)
	addTestRegion(t, manager, "us-east", region.RolePrimary)
	addTestRegion(t, manager, "eu-west", region.RoleStandby)

	conflict, err := manager.DetectConflict(context.Background(), "orders", "order-1",
		"us-east", "eu-west",
		map[string]interface{}{"total": 10},
		map[string]interface{}{"total": 12},
	)
	require.NoError(t, err)

	w := doJSON(t, router, http.MethodGet, "/v1/conflicts?unresolved=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), conflict.ID)

	w = doJSON(t, router, http.MethodPost, fmt.Sprintf("/v1/conflicts/%s/resolve", conflict.ID),
		map[string]interface{}{"resolution": "source_wins"})
	require.Equal(t, http.StatusOK, w.Code)

	w = doJSON(t, router, http.MethodGet, "/v1/conflicts?unresolved=true", nil)
	require.Equal(t, http.StatusOK, w.Code)
	assert.NotContains(t, w.Body.String(), conflict.ID)
}

func TestResolveUnknownConflictNotFound(t *testing.T) {
	router, _ := newTestServer(t)

	w := doJSON(t, router, http.MethodPost, "/v1/conflicts/missing/resolve",
		map[string]interface{}{"resolution": "source_wins"})

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestReplicationStatusEndpoint(t *testing.T) {
	router, manager := newTestServer(t)
	addTestRegion(t, manager, "us-east", region.RolePrimary)
	addTestRegion(t, manager, "eu-west", region.RoleStandby)

	_, err := manager.RecordWrite(context.Background(), "us-east", "orders", "order-1",
		map[string]interface{}{"total": 10})
	require.NoError(t, err)
	manager.FlushReplication(context.Background())

	w := doJSON(t, router, http.MethodGet, "/v1/replication", nil)

	require.Equal(t, http.StatusOK, w.Code)
	assert.Contains(t, w.Body.String(), "eu-west")
}

func TestBreakersEndpoint(t *testing.T) {
	router, _ := newTestServer(t)

	w := doJSON(t, router, http.MethodGet, "/v1/breakers", nil)

	require.Equal(t, http.StatusOK, w.Code)
	resp := decodeResponse(t, w)
	assert.True(t, resp.Success)
}

func TestRequestIDPropagation(t *testing.T) {
	router, _ := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	req.Header.Set("X-Request-ID", "req-123")
	w := httptest.NewRecorder()
	router.ServeHTTP(w, req)

	assert.Equal(t, "req-123", w.Header().Get("X-Request-ID"))
}

func TestSecurityHeaders(t *testing.T) {
	router, _ := newTestServer(t)

	w := doJSON(t, router, http.MethodGet, "/healthz", nil)

	assert.Equal(t, "nosniff", w.Header().Get("X-Content-Type-Options"))
	assert.Equal(t, "DENY", w.Header().Get("X-Frame-Options"))
}
