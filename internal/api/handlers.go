package api

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"

	"github.com/polaris-platform/polaris-core/internal/region"
	"github.com/polaris-platform/polaris-core/pkg/health"
	"github.com/polaris-platform/polaris-core/pkg/resilience"
	"github.com/polaris-platform/polaris-core/pkg/tracing"
)

// Handlers serves the availability-core HTTP API.
type Handlers struct {
	manager    *region.Manager
	aggregator *health.Aggregator
	registry   *resilience.Registry
	tracer     *tracing.TracingService
}

// NewHandlers creates the API handlers.
func NewHandlers(manager *region.Manager, aggregator *health.Aggregator, registry *resilience.Registry, tracer *tracing.TracingService) *Handlers {
	if tracer == nil {
		tracer, _ = tracing.NewTracingService(&tracing.Config{Enabled: false})
	}
	return &Handlers{
		manager:    manager,
		aggregator: aggregator,
		registry:   registry,
		tracer:     tracer,
	}
}

// Healthz reports liveness with an aggregated component snapshot.
func (h *Handlers) Healthz(c *gin.Context) {
	snapshot := h.aggregator.Snapshot(c.Request.Context())

	status := http.StatusOK
	if snapshot.Status == health.StatusUnhealthy {
		status = http.StatusServiceUnavailable
	}
	c.JSON(status, snapshot)
}

// Readyz reports readiness of the serving path.
func (h *Handlers) Readyz(c *gin.Context) {
	service := c.DefaultQuery("service", "api")
	if h.aggregator.IsServiceReady(c.Request.Context(), service) {
		SuccessResponse(c, map[string]interface{}{"ready": true, "service": service})
		return
	}
	ServiceUnavailableResponse(c, "service "+service+" is not ready")
}

type routeRequestBody struct {
	ClientCountry string            `json:"client_country"`
	Path          string            `json:"path"`
	Headers       map[string]string `json:"headers"`
}

// Route resolves the serving region for a request.
func (h *Handlers) Route(c *gin.Context) {
	var body routeRequestBody
	if c.Request.ContentLength > 0 {
		if err := c.ShouldBindJSON(&body); err != nil {
			BadRequestResponse(c, "invalid request body: "+err.Error())
			return
		}
	}

	// Country and path fall back to request attributes when not supplied.
	if body.ClientCountry == "" {
		body.ClientCountry = c.GetHeader("X-Client-Country")
	}
	if body.Path == "" {
		body.Path = c.Request.URL.Path
	}

	_, span := h.tracer.StartRoutingSpan(c.Request.Context(), body.ClientCountry, body.Path)
	defer span.End()

	decision, err := h.manager.RouteRequest(region.RouteRequest{
		ClientCountry: body.ClientCountry,
		Path:          body.Path,
		Headers:       body.Headers,
	})
	if err != nil {
		h.tracer.RecordError(span, err)
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, decision)
}

// ListRegions returns the region table.
func (h *Handlers) ListRegions(c *gin.Context) {
	SuccessResponse(c, h.manager.Regions())
}

// GetRegion returns one region with its latest health reading.
func (h *Handlers) GetRegion(c *gin.Context) {
	id := c.Param("id")
	reg, err := h.manager.GetRegion(id)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}

	payload := map[string]interface{}{"region": reg}
	if regionHealth, ok := h.manager.RegionHealth(id); ok {
		payload["health"] = regionHealth
	}
	SuccessResponse(c, payload)
}

// AddRegion adds a region to the table.
func (h *Handlers) AddRegion(c *gin.Context) {
	var reg region.Region
	if err := c.ShouldBindJSON(&reg); err != nil {
		BadRequestResponse(c, "invalid request body: "+err.Error())
		return
	}

	if err := h.manager.AddRegion(reg); err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	CreatedResponse(c, map[string]interface{}{"id": reg.ID})
}

type statusUpdateBody struct {
	Status region.Status `json:"status" binding:"required"`
}

// UpdateRegionStatus changes a region's operational status.
func (h *Handlers) UpdateRegionStatus(c *gin.Context) {
	var body statusUpdateBody
	if err := c.ShouldBindJSON(&body); err != nil {
		BadRequestResponse(c, "invalid request body: "+err.Error())
		return
	}

	if err := h.manager.UpdateRegionStatus(c.Param("id"), body.Status); err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, map[string]interface{}{"id": c.Param("id"), "status": body.Status})
}

// RemoveRegion removes a region from the table.
func (h *Handlers) RemoveRegion(c *gin.Context) {
	if err := h.manager.RemoveRegion(c.Param("id")); err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, map[string]interface{}{"removed": true})
}

type failoverRequestBody struct {
	FromRegion string `json:"from_region" binding:"required"`
	ToRegion   string `json:"to_region" binding:"required"`
	Reason     string `json:"reason"`
}

// Failover triggers a manual failover.
func (h *Handlers) Failover(c *gin.Context) {
	var body failoverRequestBody
	if err := c.ShouldBindJSON(&body); err != nil {
		BadRequestResponse(c, "invalid request body: "+err.Error())
		return
	}

	ctx, span := h.tracer.StartFailoverSpan(c.Request.Context(), body.FromRegion, body.ToRegion, "manual")
	defer span.End()

	event, err := h.manager.InitiateFailover(ctx, body.FromRegion, body.ToRegion, "manual", body.Reason)
	if err != nil {
		h.tracer.RecordError(span, err)
		if event != nil {
			// Failover ran but did not complete; surface the audit record.
			c.JSON(http.StatusBadGateway, APIResponse{
				Success:   false,
				Data:      event,
				Error:     &APIError{Code: "FAILOVER_ERROR", Message: err.Error()},
				RequestID: requestID(c),
				Timestamp: time.Now(),
			})
			return
		}
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, event)
}

// FailoverHistory returns the failover audit trail.
func (h *Handlers) FailoverHistory(c *gin.Context) {
	SuccessResponse(c, h.manager.FailoverHistory())
}

// ReplicationStatus returns the source→target pair replication state.
func (h *Handlers) ReplicationStatus(c *gin.Context) {
	SuccessResponse(c, h.manager.ReplicationStatuses())
}

// ListConflicts returns recorded conflicts.
func (h *Handlers) ListConflicts(c *gin.Context) {
	unresolvedOnly, _ := strconv.ParseBool(c.DefaultQuery("unresolved", "false"))
	conflicts, err := h.manager.Conflicts(c.Request.Context(), unresolvedOnly)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, conflicts)
}

type resolveConflictBody struct {
	Resolution string      `json:"resolution" binding:"required"`
	Value      interface{} `json:"value"`
}

// ResolveConflict applies a resolution strategy to a conflict.
func (h *Handlers) ResolveConflict(c *gin.Context) {
	var body resolveConflictBody
	if err := c.ShouldBindJSON(&body); err != nil {
		BadRequestResponse(c, "invalid request body: "+err.Error())
		return
	}

	conflict, err := h.manager.ResolveConflict(c.Request.Context(), c.Param("id"), body.Resolution, body.Value)
	if err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, conflict)
}

// ListRoutingRules returns the routing rule table.
func (h *Handlers) ListRoutingRules(c *gin.Context) {
	SuccessResponse(c, h.manager.RoutingRules())
}

// SetRoutingRules replaces the routing rule table.
func (h *Handlers) SetRoutingRules(c *gin.Context) {
	var rules []region.RoutingRule
	if err := c.ShouldBindJSON(&rules); err != nil {
		BadRequestResponse(c, "invalid request body: "+err.Error())
		return
	}

	if err := h.manager.SetRoutingRules(rules); err != nil {
		ErrorResponseFromError(c, err)
		return
	}
	SuccessResponse(c, map[string]interface{}{"count": len(rules)})
}

// Breakers returns the state of every registered circuit breaker.
func (h *Handlers) Breakers(c *gin.Context) {
	states := h.registry.States()
	out := make(map[string]string, len(states))
	for name, state := range states {
		out[name] = state.String()
	}
	SuccessResponse(c, out)
}
