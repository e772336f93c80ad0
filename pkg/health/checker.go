package health

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	apperrors "github.com/polaris-platform/polaris-core/pkg/errors"
	"github.com/polaris-platform/polaris-core/pkg/events"
	"github.com/polaris-platform/polaris-core/pkg/logging"
)

// CheckResult is the outcome of probing one region endpoint.
type CheckResult struct {
	RegionID    string        `json:"region_id"`
	Healthy     bool          `json:"healthy"`
	StatusCode  int           `json:"status_code,omitempty"`
	Latency     time.Duration `json:"latency"`
	FailureKind FailureKind   `json:"failure_kind,omitempty"`
	Message     string        `json:"message,omitempty"`
	Timestamp   time.Time     `json:"timestamp"`
}

// CheckerConfig holds health checker configuration
type CheckerConfig struct {
	// Interval between scheduled check batches
	Interval time.Duration
	// ProbeTimeout bounds each individual probe
	ProbeTimeout time.Duration
	// Path is appended to each region's endpoint URL
	Path string
	// ExpectedStatus is the HTTP status that counts as success
	ExpectedStatus int
	// UnhealthyThreshold is the number of consecutive failures before a
	// region is reported degraded
	UnhealthyThreshold int
	// HealthyThreshold is the number of consecutive successes before a
	// degraded region is reported recovered
	HealthyThreshold int
}

// DefaultCheckerConfig returns the documented defaults.
func DefaultCheckerConfig() CheckerConfig {
	return CheckerConfig{
		Interval:           30 * time.Second,
		ProbeTimeout:       5 * time.Second,
		Path:               "/health",
		ExpectedStatus:     http.StatusOK,
		UnhealthyThreshold: 3,
		HealthyThreshold:   2,
	}
}

// regionState carries the per-region counters that persist across checks.
type regionState struct {
	url                  string
	consecutiveFailures  int
	consecutiveSuccesses int
	unhealthy            bool
	lastResult           *CheckResult
}

// Checker periodically probes region endpoints over HTTP and debounces
// state transitions: degraded fires only after UnhealthyThreshold
// consecutive failures, recovered only after HealthyThreshold consecutive
// successes.
type Checker struct {
	config CheckerConfig
	client *http.Client

	mutex   sync.Mutex
	regions map[string]*regionState

	running  atomic.Bool
	cancel   context.CancelFunc
	stopped  chan struct{}
	checking atomic.Bool

	bus    *events.Bus
	logger *logging.Logger
}

// NewChecker creates a health checker.
func NewChecker(config CheckerConfig, bus *events.Bus, logger *logging.Logger) *Checker {
	if logger == nil {
		logger = logging.GetLogger()
	}
	if bus == nil {
		bus = events.NewBus(logger)
	}

	defaults := DefaultCheckerConfig()
	if config.Interval <= 0 {
		config.Interval = defaults.Interval
	}
	if config.ProbeTimeout <= 0 {
		config.ProbeTimeout = defaults.ProbeTimeout
	}
	if config.Path == "" {
		config.Path = defaults.Path
	}
	if config.ExpectedStatus == 0 {
		config.ExpectedStatus = defaults.ExpectedStatus
	}
	if config.UnhealthyThreshold <= 0 {
		config.UnhealthyThreshold = defaults.UnhealthyThreshold
	}
	if config.HealthyThreshold <= 0 {
		config.HealthyThreshold = defaults.HealthyThreshold
	}

	return &Checker{
		config:  config,
		client:  &http.Client{Timeout: config.ProbeTimeout},
		regions: make(map[string]*regionState),
		bus:     bus,
		logger:  logger,
	}
}

// AddRegion registers a region endpoint to probe.
func (c *Checker) AddRegion(regionID, endpointURL string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	c.regions[regionID] = &regionState{url: endpointURL}
}

// RemoveRegion stops probing a region.
func (c *Checker) RemoveRegion(regionID string) {
	c.mutex.Lock()
	defer c.mutex.Unlock()
	delete(c.regions, regionID)
}

// CheckRegion probes a single region now. The probe never propagates a
// transport error: failures become an unhealthy result with a diagnostic.
func (c *Checker) CheckRegion(ctx context.Context, regionID string) (*CheckResult, error) {
	c.mutex.Lock()
	state, exists := c.regions[regionID]
	var url string
	if exists {
		url = state.url
	}
	c.mutex.Unlock()

	if !exists {
		return nil, apperrors.NewNotFoundError(fmt.Sprintf("region %s", regionID))
	}

	result := c.probe(ctx, regionID, url)
	pending := c.applyResult(regionID, result)
	for _, e := range pending {
		c.bus.Publish(e)
	}
	return result, nil
}

// CheckAllRegions probes every registered region and publishes one batch
// event with the results.
func (c *Checker) CheckAllRegions(ctx context.Context) map[string]*CheckResult {
	c.mutex.Lock()
	targets := make(map[string]string, len(c.regions))
	for id, state := range c.regions {
		targets[id] = state.url
	}
	c.mutex.Unlock()

	results := make(map[string]*CheckResult, len(targets))
	var resultsMu sync.Mutex
	var pending []events.Event
	var wg sync.WaitGroup

	for id, url := range targets {
		wg.Add(1)
		go func(id, url string) {
			defer wg.Done()
			result := c.probe(ctx, id, url)
			transitions := c.applyResult(id, result)

			resultsMu.Lock()
			results[id] = result
			pending = append(pending, transitions...)
			resultsMu.Unlock()
		}(id, url)
	}
	wg.Wait()

	healthyCount := 0
	for _, r := range results {
		if r.Healthy {
			healthyCount++
		}
	}

	for _, e := range pending {
		c.bus.Publish(e)
	}
	c.bus.Publish(events.Event{
		Type:   events.HealthChecked,
		Source: "healthchecker",
		Fields: map[string]interface{}{
			"total":   len(results),
			"healthy": healthyCount,
		},
	})

	return results
}

// Start runs the periodic check loop until Stop or context cancellation.
func (c *Checker) Start(ctx context.Context) {
	if !c.running.CompareAndSwap(false, true) {
		return
	}

	ctx, cancel := context.WithCancel(ctx)
	c.cancel = cancel
	c.stopped = make(chan struct{})

	go func() {
		defer close(c.stopped)
		ticker := time.NewTicker(c.config.Interval)
		defer ticker.Stop()

		for {
			select {
			case <-ctx.Done():
				return
			case <-ticker.C:
				// Skip the cycle if the previous batch is still probing a
				// slow dependency; overlapping runs would compound load.
				if !c.checking.CompareAndSwap(false, true) {
					c.logger.Warn("Health check cycle still running, skipping")
					continue
				}
				c.CheckAllRegions(ctx)
				c.checking.Store(false)
			}
		}
	}()
}

// Stop halts the periodic loop and waits for it to exit.
func (c *Checker) Stop() {
	if !c.running.CompareAndSwap(true, false) {
		return
	}
	c.cancel()
	<-c.stopped
}

// LastResult returns the most recent result for a region, if any.
func (c *Checker) LastResult(regionID string) (*CheckResult, bool) {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	state, exists := c.regions[regionID]
	if !exists || state.lastResult == nil {
		return nil, false
	}
	copied := *state.lastResult
	return &copied, true
}

// probe issues one bounded HTTP GET. Every failure mode is converted to
// a result, never an error or panic.
func (c *Checker) probe(ctx context.Context, regionID, baseURL string) *CheckResult {
	start := time.Now()
	result := &CheckResult{
		RegionID:  regionID,
		Timestamp: start,
	}

	probeCtx, cancel := context.WithTimeout(ctx, c.config.ProbeTimeout)
	defer cancel()

	url := strings.TrimSuffix(baseURL, "/") + c.config.Path
	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, url, nil)
	if err != nil {
		result.Latency = time.Since(start)
		result.FailureKind = FailureTransport
		result.Message = fmt.Sprintf("failed to create request: %v", err)
		return result
	}

	resp, err := c.client.Do(req)
	result.Latency = time.Since(start)
	if err != nil {
		if probeCtx.Err() == context.DeadlineExceeded {
			result.FailureKind = FailureTimeout
			result.Message = fmt.Sprintf("probe timed out after %s", c.config.ProbeTimeout)
		} else {
			result.FailureKind = FailureTransport
			result.Message = fmt.Sprintf("request failed: %v", err)
		}
		return result
	}
	defer resp.Body.Close()

	result.StatusCode = resp.StatusCode
	if resp.StatusCode != c.config.ExpectedStatus {
		result.FailureKind = FailureUnexpectedStatus
		result.Message = fmt.Sprintf("expected status %d, got %d", c.config.ExpectedStatus, resp.StatusCode)
		return result
	}

	result.Healthy = true
	return result
}

// applyResult updates the per-region counters and returns the transition
// events to publish, if the debounce thresholds were crossed.
func (c *Checker) applyResult(regionID string, result *CheckResult) []events.Event {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	state, exists := c.regions[regionID]
	if !exists {
		return nil
	}
	state.lastResult = result

	var pending []events.Event

	if result.Healthy {
		state.consecutiveSuccesses++
		state.consecutiveFailures = 0

		if state.unhealthy && state.consecutiveSuccesses >= c.config.HealthyThreshold {
			state.unhealthy = false
			c.logger.Info("Region recovered",
				"region", regionID,
				"consecutive_successes", state.consecutiveSuccesses,
			)
			pending = append(pending, events.Event{
				Type:   events.HealthRecovered,
				Source: "healthchecker",
				Fields: map[string]interface{}{"region": regionID},
			})
		}
	} else {
		state.consecutiveFailures++
		state.consecutiveSuccesses = 0

		if !state.unhealthy && state.consecutiveFailures >= c.config.UnhealthyThreshold {
			state.unhealthy = true
			c.logger.Warn("Region degraded",
				"region", regionID,
				"consecutive_failures", state.consecutiveFailures,
				"failure_kind", string(result.FailureKind),
				"message", result.Message,
			)
			pending = append(pending, events.Event{
				Type:   events.HealthDegraded,
				Source: "healthchecker",
				Fields: map[string]interface{}{
					"region":       regionID,
					"failure_kind": string(result.FailureKind),
				},
			})
		}
	}

	return pending
}

// ConsecutiveFailures reports the current failure streak for a region.
func (c *Checker) ConsecutiveFailures(regionID string) int {
	c.mutex.Lock()
	defer c.mutex.Unlock()

	if state, exists := c.regions[regionID]; exists {
		return state.consecutiveFailures
	}
	return 0
}
