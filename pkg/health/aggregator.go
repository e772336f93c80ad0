package health

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/polaris-platform/polaris-core/pkg/errors"
	"github.com/polaris-platform/polaris-core/pkg/events"
	"github.com/polaris-platform/polaris-core/pkg/logging"
)

// Probe reports the health of one service. Structured probes return a
// status directly; boolean probes adapt through BoolProbe.
type Probe func(ctx context.Context) (Status, string, error)

// BoolProbe adapts a boolean health function: true maps to healthy,
// false to unhealthy.
func BoolProbe(fn func(ctx context.Context) (bool, error)) Probe {
	return func(ctx context.Context) (Status, string, error) {
		ok, err := fn(ctx)
		if err != nil {
			return StatusUnhealthy, "", err
		}
		if ok {
			return StatusHealthy, "", nil
		}
		return StatusUnhealthy, "", nil
	}
}

// ServiceConfig describes one service registered with the aggregator.
type ServiceConfig struct {
	ID           string
	Probe        Probe
	Timeout      time.Duration
	Critical     bool
	Dependencies []string
}

// ServiceHealth is the cached health record for one service.
type ServiceHealth struct {
	ID          string        `json:"id"`
	Status      Status        `json:"status"`
	Message     string        `json:"message,omitempty"`
	Error       string        `json:"error,omitempty"`
	Latency     time.Duration `json:"latency"`
	LastCheck   time.Time     `json:"last_check"`
	LastHealthy time.Time     `json:"last_healthy,omitempty"`
	ErrorCount  int           `json:"error_count"`
}

// AggregatedHealth is the snapshot combining every service's status.
type AggregatedHealth struct {
	Status    Status                    `json:"status"`
	Services  map[string]*ServiceHealth `json:"services"`
	Timestamp time.Time                 `json:"timestamp"`
}

// AggregatorConfig holds aggregator configuration
type AggregatorConfig struct {
	// DefaultTimeout bounds probes that set no per-service timeout
	DefaultTimeout time.Duration
	// StaleThreshold forces entries older than this to unknown
	StaleThreshold time.Duration
	// Interval between scheduled check batches
	Interval time.Duration
}

// DefaultAggregatorConfig returns the documented defaults.
func DefaultAggregatorConfig() AggregatorConfig {
	return AggregatorConfig{
		DefaultTimeout: 5 * time.Second,
		StaleThreshold: time.Minute,
		Interval:       30 * time.Second,
	}
}

type serviceEntry struct {
	config ServiceConfig
	health ServiceHealth
}

// Aggregator composes many service health readings plus a dependency
// graph into one snapshot. The snapshot is recomputed on every read so
// stale entries degrade to unknown without a background sweep.
type Aggregator struct {
	config AggregatorConfig

	mutex    sync.Mutex
	services map[string]*serviceEntry
	overall  Status

	running  atomic.Bool
	cancel   context.CancelFunc
	stopped  chan struct{}
	checking atomic.Bool

	alerts *AlertManager
	bus    *events.Bus
	logger *logging.Logger
}

// NewAggregator creates a health aggregator.
func NewAggregator(config AggregatorConfig, alerts *AlertManager, bus *events.Bus, logger *logging.Logger) *Aggregator {
	if logger == nil {
		logger = logging.GetLogger()
	}
	if bus == nil {
		bus = events.NewBus(logger)
	}
	if alerts == nil {
		alerts = NewAlertManager(logger)
	}

	defaults := DefaultAggregatorConfig()
	if config.DefaultTimeout <= 0 {
		config.DefaultTimeout = defaults.DefaultTimeout
	}
	if config.StaleThreshold <= 0 {
		config.StaleThreshold = defaults.StaleThreshold
	}
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}

	return &Aggregator{
		config:   config,
		services: make(map[string]*serviceEntry),
		overall:  StatusUnknown,
		alerts:   alerts,
		bus:      bus,
		logger:   logger,
	}
}

// RegisterService registers a service and its probe.
func (a *Aggregator) RegisterService(config ServiceConfig) error {
	if config.ID == "" {
		return apperrors.NewValidationError("service id is required")
	}
	if config.Probe == nil {
		return apperrors.NewValidationError("service probe is required")
	}
	if config.Timeout <= 0 {
		config.Timeout = a.config.DefaultTimeout
	}

	a.mutex.Lock()
	defer a.mutex.Unlock()

	a.services[config.ID] = &serviceEntry{
		config: config,
		health: ServiceHealth{ID: config.ID, Status: StatusUnknown},
	}
	return nil
}

// UnregisterService removes a service.
func (a *Aggregator) UnregisterService(id string) {
	a.mutex.Lock()
	defer a.mutex.Unlock()
	delete(a.services, id)
}

// CheckService runs the service's probe, racing it against its timeout,
// and updates the cached record. A probe panic or timeout becomes an
// unhealthy record, never an escaped failure.
func (a *Aggregator) CheckService(ctx context.Context, id string) (*ServiceHealth, error) {
	a.mutex.Lock()
	entry, exists := a.services[id]
	if !exists {
		a.mutex.Unlock()
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("service %s", id))
	}
	cfg := entry.config
	prevStatus := entry.health.Status
	a.mutex.Unlock()

	start := time.Now()
	status, message, err := a.runProbe(ctx, cfg)
	latency := time.Since(start)
	now := time.Now()

	a.mutex.Lock()
	entry, exists = a.services[id]
	if !exists {
		a.mutex.Unlock()
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("service %s", id))
	}

	entry.health.Status = status
	entry.health.Message = message
	entry.health.Latency = latency
	entry.health.LastCheck = now
	if err != nil {
		entry.health.Error = err.Error()
	} else {
		entry.health.Error = ""
	}

	if status == StatusHealthy {
		entry.health.ErrorCount = 0
		entry.health.LastHealthy = now
	} else {
		entry.health.ErrorCount++
	}

	record := entry.health
	a.mutex.Unlock()

	if status != prevStatus {
		a.alertServiceTransition(ctx, cfg, prevStatus, status, message)
	}

	return &record, nil
}

// CheckAll checks every registered service concurrently.
func (a *Aggregator) CheckAll(ctx context.Context) map[string]*ServiceHealth {
	a.mutex.Lock()
	ids := make([]string, 0, len(a.services))
	for id := range a.services {
		ids = append(ids, id)
	}
	a.mutex.Unlock()

	results := make(map[string]*ServiceHealth, len(ids))
	var resultsMu sync.Mutex
	var wg sync.WaitGroup

	for _, id := range ids {
		wg.Add(1)
		go func(id string) {
			defer wg.Done()
			record, err := a.CheckService(ctx, id)
			if err != nil {
				return
			}
			resultsMu.Lock()
			results[id] = record
			resultsMu.Unlock()
		}(id)
	}
	wg.Wait()

	return results
}

// Snapshot recomputes the aggregated view. Entries whose last check is
// older than StaleThreshold report unknown regardless of their last real
// status. An overall-status transition publishes a distinct alert from
// the per-service ones.
func (a *Aggregator) Snapshot(ctx context.Context) *AggregatedHealth {
	now := time.Now()

	a.mutex.Lock()
	services := make(map[string]*ServiceHealth, len(a.services))
	for id, entry := range a.services {
		record := entry.health
		if record.LastCheck.IsZero() || now.Sub(record.LastCheck) > a.config.StaleThreshold {
			record.Status = StatusUnknown
		}
		services[id] = &record
	}

	overall := computeOverall(services)
	prevOverall := a.overall
	a.overall = overall
	a.mutex.Unlock()

	if overall != prevOverall {
		a.alertOverallTransition(ctx, prevOverall, overall)
	}

	return &AggregatedHealth{
		Status:    overall,
		Services:  services,
		Timestamp: now,
	}
}

// IsServiceReady reports whether the service and every one of its
// declared dependencies are currently healthy (staleness included).
func (a *Aggregator) IsServiceReady(ctx context.Context, id string) bool {
	snapshot := a.Snapshot(ctx)

	record, exists := snapshot.Services[id]
	if !exists || record.Status != StatusHealthy {
		return false
	}

	a.mutex.Lock()
	entry, exists := a.services[id]
	var deps []string
	if exists {
		deps = entry.config.Dependencies
	}
	a.mutex.Unlock()

	for _, dep := range deps {
		depRecord, exists := snapshot.Services[dep]
		if !exists || depRecord.Status != StatusHealthy {
			return false
		}
	}
	return true
}

// Start runs the periodic check loop until Stop or context cancellation.
func (a *Aggregator) Start(ctx context.Context) {
	if !a.running.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	a.cancel = cancel
	a.stopped = make(chan struct{})

	go func() {
		defer close(a.stopped)
		ticker := time.NewTicker(a.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				if !a.checking.CompareAndSwap(false, true) {
					a.logger.Warn("Aggregator check cycle still running, skipping")
					continue
				}
				a.CheckAll(ctx)
				a.Snapshot(ctx)
				a.checking.Store(false)
			}
		}
	}()
}

// Stop halts the periodic loop and waits for it to exit.
func (a *Aggregator) Stop() {
	if !a.running.CompareAndSwap(true, false) {
		return
	}
	a.cancel()
	<-a.stopped
}

// runProbe races the probe against the service timeout.
func (a *Aggregator) runProbe(ctx context.Context, cfg ServiceConfig) (Status, string, error) {
	probeCtx, cancel := context.WithTimeout(ctx, cfg.Timeout)
	defer cancel()

	type probeResult struct {
		status  Status
		message string
		err     error
	}

	ch := make(chan probeResult, 1)
	go func() {
		defer func() {
			if r := recover(); r != nil {
				ch <- probeResult{StatusUnhealthy, fmt.Sprintf("probe panicked: %v", r), nil}
			}
		}()
		status, message, err := cfg.Probe(probeCtx)
		ch <- probeResult{status, message, err}
	}()

	select {
	case <-probeCtx.Done():
		return StatusUnhealthy, fmt.Sprintf("probe timed out after %s", cfg.Timeout), apperrors.NewTimeoutError("health probe")
	case result := <-ch:
		if result.err != nil && result.status == StatusHealthy {
			result.status = StatusUnhealthy
		}
		return result.status, result.message, result.err
	}
}

// computeOverall applies the status precedence: any unhealthy wins, then
// any degraded or unknown, then healthy.
func computeOverall(services map[string]*ServiceHealth) Status {
	if len(services) == 0 {
		return StatusUnknown
	}

	anyHealthy := false
	anyDegradedOrUnknown := false
	for _, record := range services {
		switch record.Status {
		case StatusUnhealthy:
			return StatusUnhealthy
		case StatusDegraded, StatusUnknown:
			anyDegradedOrUnknown = true
		case StatusHealthy:
			anyHealthy = true
		}
	}

	if anyDegradedOrUnknown {
		return StatusDegraded
	}
	if anyHealthy {
		return StatusHealthy
	}
	return StatusUnknown
}

func (a *Aggregator) alertServiceTransition(ctx context.Context, cfg ServiceConfig, from, to Status, message string) {
	severity := SeverityWarning
	if to == StatusUnhealthy {
		severity = SeverityError
		if cfg.Critical {
			severity = SeverityCritical
		}
	} else if to == StatusHealthy {
		severity = SeverityInfo
	}

	a.alerts.Send(ctx, Alert{
		Severity:    severity,
		Title:       fmt.Sprintf("Service %s is %s", cfg.ID, to),
		Description: message,
		Source:      "service:" + cfg.ID,
		Tags: map[string]string{
			"scope": "service",
			"from":  string(from),
			"to":    string(to),
		},
	})

	a.bus.Publish(events.Event{
		Type:   events.HealthAlert,
		Source: "aggregator",
		Fields: map[string]interface{}{
			"scope":   "service",
			"service": cfg.ID,
			"from":    string(from),
			"to":      string(to),
		},
	})
}

func (a *Aggregator) alertOverallTransition(ctx context.Context, from, to Status) {
	severity := SeverityWarning
	switch to {
	case StatusUnhealthy:
		severity = SeverityCritical
	case StatusHealthy:
		severity = SeverityInfo
	}

	a.alerts.Send(ctx, Alert{
		Severity:    severity,
		Title:       fmt.Sprintf("Overall health is %s", to),
		Description: fmt.Sprintf("overall status changed from %s to %s", from, to),
		Source:      "aggregator",
		Tags: map[string]string{
			"scope": "overall",
			"from":  string(from),
			"to":    string(to),
		},
	})

	a.bus.Publish(events.Event{
		Type:   events.HealthAlert,
		Source: "aggregator",
		Fields: map[string]interface{}{
			"scope": "overall",
			"from":  string(from),
			"to":    string(to),
		},
	})
}
