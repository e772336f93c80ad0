package metrics

import (
	"net/http"
	"strconv"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/polaris-platform/polaris-core/pkg/events"
)

// Metrics holds all Prometheus metrics
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal    *prometheus.CounterVec
	HTTPRequestDuration  *prometheus.HistogramVec
	HTTPRequestsInFlight *prometheus.GaugeVec

	// Circuit breaker metrics
	CircuitState       *prometheus.GaugeVec
	CircuitTransitions *prometheus.CounterVec
	CircuitRejections  *prometheus.CounterVec

	// Retry metrics
	RetryAttempts        *prometheus.CounterVec
	RetryExhausted       *prometheus.CounterVec
	RetryBudgetExhausted *prometheus.CounterVec

	// Health metrics
	RegionHealthy    *prometheus.GaugeVec
	HealthCheckTotal *prometheus.CounterVec

	// Multi-region metrics
	RoutingDecisions  *prometheus.CounterVec
	ReplicationLag    *prometheus.GaugeVec
	SyncBatchesTotal  *prometheus.CounterVec
	ConflictsTotal    *prometheus.CounterVec
	FailoversTotal    *prometheus.CounterVec

	// Error metrics
	ErrorsTotal *prometheus.CounterVec
	PanicsTotal *prometheus.CounterVec

	gatherer prometheus.Gatherer
}

// Config holds metrics configuration
type Config struct {
	Namespace string `json:"namespace"`
	Subsystem string `json:"subsystem"`
	Enabled   bool   `json:"enabled"`

	// Registerer overrides the default registry, mainly for tests
	Registerer prometheus.Registerer `json:"-"`
}

// DefaultConfig returns default metrics configuration
func DefaultConfig() *Config {
	return &Config{
		Namespace: "polaris",
		Subsystem: "",
		Enabled:   true,
	}
}

// NewMetrics creates and registers all Prometheus metrics
func NewMetrics(config *Config) *Metrics {
	if config == nil {
		config = DefaultConfig()
	}

	if !config.Enabled {
		return &Metrics{}
	}

	registerer := config.Registerer
	gatherer := prometheus.Gatherer(prometheus.DefaultGatherer)
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	} else if g, ok := registerer.(prometheus.Gatherer); ok {
		gatherer = g
	}

	m := &Metrics{
		gatherer: gatherer,

		HTTPRequestsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_total",
				Help:      "Total number of HTTP requests",
			},
			[]string{"method", "path", "status_code"},
		),
		HTTPRequestDuration: prometheus.NewHistogramVec(
			prometheus.HistogramOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_request_duration_seconds",
				Help:      "HTTP request duration in seconds",
				Buckets:   prometheus.DefBuckets,
			},
			[]string{"method", "path"},
		),
		HTTPRequestsInFlight: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "http_requests_in_flight",
				Help:      "Number of HTTP requests currently being served",
			},
			[]string{"method", "path"},
		),

		CircuitState: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_state",
				Help:      "Circuit breaker state (0 closed, 1 open, 2 half-open)",
			},
			[]string{"breaker"},
		),
		CircuitTransitions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_transitions_total",
				Help:      "Total number of circuit breaker state transitions",
			},
			[]string{"breaker", "to_state"},
		),
		CircuitRejections: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "circuit_rejections_total",
				Help:      "Total number of calls rejected by an open circuit",
			},
			[]string{"breaker"},
		),

		RetryAttempts: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "retry_attempts_total",
				Help:      "Total number of retry attempts",
			},
			[]string{"source"},
		),
		RetryExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "retry_exhausted_total",
				Help:      "Total number of operations that exhausted their retries",
			},
			[]string{"source"},
		),
		RetryBudgetExhausted: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "retry_budget_exhausted_total",
				Help:      "Total number of retries suppressed by the retry budget",
			},
			[]string{"source"},
		),

		RegionHealthy: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "region_healthy",
				Help:      "Region health (1 healthy, 0 unhealthy)",
			},
			[]string{"region"},
		),
		HealthCheckTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "health_checks_total",
				Help:      "Total number of health checks performed",
			},
			[]string{"result"},
		),

		RoutingDecisions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "routing_decisions_total",
				Help:      "Total number of routing decisions",
			},
			[]string{"region", "strategy"},
		),
		ReplicationLag: prometheus.NewGaugeVec(
			prometheus.GaugeOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "replication_lag_seconds",
				Help:      "Replication lag to a target region in seconds",
			},
			[]string{"target"},
		),
		SyncBatchesTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "sync_batches_total",
				Help:      "Total number of replication batches by outcome",
			},
			[]string{"target", "outcome"},
		),
		ConflictsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "conflicts_total",
				Help:      "Total number of replication conflicts by outcome",
			},
			[]string{"outcome"},
		),
		FailoversTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "failovers_total",
				Help:      "Total number of failovers by outcome",
			},
			[]string{"outcome"},
		),

		ErrorsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "errors_total",
				Help:      "Total number of errors by component and type",
			},
			[]string{"component", "error_type"},
		),
		PanicsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: config.Namespace,
				Subsystem: config.Subsystem,
				Name:      "panics_total",
				Help:      "Total number of recovered panics",
			},
			[]string{"component"},
		),
	}

	// Register all metrics
	registerer.MustRegister(
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestsInFlight,
		m.CircuitState,
		m.CircuitTransitions,
		m.CircuitRejections,
		m.RetryAttempts,
		m.RetryExhausted,
		m.RetryBudgetExhausted,
		m.RegionHealthy,
		m.HealthCheckTotal,
		m.RoutingDecisions,
		m.ReplicationLag,
		m.SyncBatchesTotal,
		m.ConflictsTotal,
		m.FailoversTotal,
		m.ErrorsTotal,
		m.PanicsTotal,
	)

	return m
}

// RecordHTTPRequest records HTTP request metrics
func (m *Metrics) RecordHTTPRequest(method, path string, statusCode int, duration time.Duration) {
	if m.HTTPRequestsTotal == nil {
		return
	}

	statusStr := strconv.Itoa(statusCode)
	m.HTTPRequestsTotal.WithLabelValues(method, path, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, path).Observe(duration.Seconds())
}

// RecordError records an error metric
func (m *Metrics) RecordError(component, errorType string) {
	if m.ErrorsTotal == nil {
		return
	}
	m.ErrorsTotal.WithLabelValues(component, errorType).Inc()
}

// RecordPanic records a recovered panic
func (m *Metrics) RecordPanic(component string) {
	if m.PanicsTotal == nil {
		return
	}
	m.PanicsTotal.WithLabelValues(component).Inc()
}

// circuitStateValue maps circuit state names to gauge values.
func circuitStateValue(state string) float64 {
	switch state {
	case "open":
		return 1
	case "half_open":
		return 2
	default:
		return 0
	}
}

// Observe subscribes the metrics to the event bus so every published
// reliability event is reflected in Prometheus without the components
// knowing about metrics at all.
func (m *Metrics) Observe(bus *events.Bus) {
	if bus == nil || m.CircuitState == nil {
		return
	}
	bus.SubscribeAll(m.handleEvent)
}

func (m *Metrics) handleEvent(e events.Event) {
	switch e.Type {
	case events.CircuitStateChanged:
		breaker := stringField(e, "name")
		to := stringField(e, "to")
		m.CircuitState.WithLabelValues(breaker).Set(circuitStateValue(to))
		m.CircuitTransitions.WithLabelValues(breaker, to).Inc()
	case events.CircuitRejected:
		m.CircuitRejections.WithLabelValues(stringField(e, "name")).Inc()

	case events.RetryAttempt:
		m.RetryAttempts.WithLabelValues(e.Source).Inc()
	case events.RetryExhausted:
		m.RetryExhausted.WithLabelValues(e.Source).Inc()
	case events.RetryBudgetExhausted:
		m.RetryBudgetExhausted.WithLabelValues(e.Source).Inc()

	case events.HealthChecked:
		total, tok := intField(e, "total")
		healthy, hok := intField(e, "healthy")
		if !tok || !hok {
			return
		}
		m.HealthCheckTotal.WithLabelValues("healthy").Add(float64(healthy))
		m.HealthCheckTotal.WithLabelValues("unhealthy").Add(float64(total - healthy))
	case events.HealthDegraded:
		m.RegionHealthy.WithLabelValues(stringField(e, "region")).Set(0)
	case events.HealthRecovered:
		m.RegionHealthy.WithLabelValues(stringField(e, "region")).Set(1)

	case events.RoutingDecision:
		m.RoutingDecisions.WithLabelValues(
			stringField(e, "region"), stringField(e, "strategy")).Inc()
	case events.SyncBatchAcked:
		target := stringField(e, "target")
		m.SyncBatchesTotal.WithLabelValues(target, "acked").Inc()
		if lag, ok := durationField(e, "lag_ms"); ok {
			m.ReplicationLag.WithLabelValues(target).Set(lag.Seconds())
		}
	case events.ConflictDetected:
		m.ConflictsTotal.WithLabelValues("detected").Inc()
	case events.ConflictResolved:
		m.ConflictsTotal.WithLabelValues("resolved").Inc()
	case events.FailoverCompleted:
		m.FailoversTotal.WithLabelValues("completed").Inc()
	case events.FailoverFailed:
		m.FailoversTotal.WithLabelValues("failed").Inc()
	case events.FailoverRolledBack:
		m.FailoversTotal.WithLabelValues("rolled_back").Inc()
	}
}

func stringField(e events.Event, key string) string {
	if v, ok := e.Fields[key].(string); ok {
		return v
	}
	return ""
}

func intField(e events.Event, key string) (int, bool) {
	switch v := e.Fields[key].(type) {
	case int:
		return v, true
	case int64:
		return int(v), true
	case float64:
		return int(v), true
	}
	return 0, false
}

func durationField(e events.Event, key string) (time.Duration, bool) {
	switch v := e.Fields[key].(type) {
	case int64:
		return time.Duration(v) * time.Millisecond, true
	case int:
		return time.Duration(v) * time.Millisecond, true
	case float64:
		return time.Duration(v * float64(time.Millisecond)), true
	case time.Duration:
		return v, true
	}
	return 0, false
}

// PrometheusMiddleware creates a middleware for Prometheus metrics collection
func (m *Metrics) PrometheusMiddleware() gin.HandlerFunc {
	return func(c *gin.Context) {
		if m.HTTPRequestsInFlight != nil {
			m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Inc()
			defer m.HTTPRequestsInFlight.WithLabelValues(c.Request.Method, c.FullPath()).Dec()
		}

		start := time.Now()
		c.Next()
		duration := time.Since(start)

		m.RecordHTTPRequest(c.Request.Method, c.FullPath(), c.Writer.Status(), duration)
	}
}

// Handler returns the Prometheus metrics HTTP handler
func (m *Metrics) Handler() http.Handler {
	if m.gatherer != nil {
		return promhttp.HandlerFor(m.gatherer, promhttp.HandlerOpts{})
	}
	return promhttp.Handler()
}
