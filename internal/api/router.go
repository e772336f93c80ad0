package api

import (
	"github.com/gin-gonic/gin"

	"github.com/polaris-platform/polaris-core/pkg/config"
	"github.com/polaris-platform/polaris-core/pkg/logging"
	"github.com/polaris-platform/polaris-core/pkg/metrics"
)

// RouterDeps carries everything the router needs.
type RouterDeps struct {
	Config   *config.Config
	Handlers *Handlers
	Metrics  *metrics.Metrics
	Logger   *logging.Logger
}

// NewRouter assembles the gin engine with the full middleware chain.
func NewRouter(deps RouterDeps) *gin.Engine {
	if deps.Logger == nil {
		deps.Logger = logging.GetLogger()
	}

	router := gin.New()

	router.Use(RequestIDMiddleware())
	router.Use(ErrorHandlingMiddleware())
	router.Use(LoggingMiddleware(deps.Logger))
	router.Use(SecurityHeadersMiddleware())

	var allowedOrigins []string
	if deps.Config != nil {
		allowedOrigins = deps.Config.Server.AllowedOrigins
	}
	router.Use(CORSMiddleware(allowedOrigins))

	if deps.Config != nil && deps.Config.Server.RateLimitRPS > 0 {
		router.Use(RateLimitMiddleware(RateLimitConfig{
			RPS:   deps.Config.Server.RateLimitRPS,
			Burst: deps.Config.Server.RateLimitBurst,
		}))
	}

	if deps.Metrics != nil {
		router.Use(deps.Metrics.PrometheusMiddleware())
		router.GET("/metrics", gin.WrapH(deps.Metrics.Handler()))
	}
	if deps.Handlers.tracer != nil {
		router.Use(deps.Handlers.tracer.TracingMiddleware())
	}

	h := deps.Handlers
	router.GET("/healthz", h.Healthz)
	router.GET("/readyz", h.Readyz)

	v1 := router.Group("/v1")
	{
		v1.POST("/route", h.Route)

		v1.GET("/regions", h.ListRegions)
		v1.POST("/regions", h.AddRegion)
		v1.GET("/regions/:id", h.GetRegion)
		v1.PATCH("/regions/:id/status", h.UpdateRegionStatus)
		v1.DELETE("/regions/:id", h.RemoveRegion)

		v1.GET("/routing-rules", h.ListRoutingRules)
		v1.PUT("/routing-rules", h.SetRoutingRules)

		v1.POST("/failover", h.Failover)
		v1.GET("/failovers", h.FailoverHistory)

		v1.GET("/replication", h.ReplicationStatus)

		v1.GET("/conflicts", h.ListConflicts)
		v1.POST("/conflicts/:id/resolve", h.ResolveConflict)

		v1.GET("/breakers", h.Breakers)
	}

	return router
}
