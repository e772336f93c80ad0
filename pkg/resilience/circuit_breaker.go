package resilience

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/polaris-platform/polaris-core/pkg/events"
	"github.com/polaris-platform/polaris-core/pkg/logging"
)

// CircuitState represents the state of the circuit breaker
type CircuitState int

const (
	// StateClosed - circuit is closed, requests are allowed
	StateClosed CircuitState = iota
	// StateOpen - circuit is open, requests are rejected
	StateOpen
	// StateHalfOpen - circuit is half-open, limited probe requests are allowed
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half_open"
	default:
		return "unknown"
	}
}

// Stats holds the counters tracked by a circuit breaker.
// ConsecutiveFailures and ConsecutiveSuccesses are mutually exclusive:
// at most one of them is non-zero at any time.
type Stats struct {
	TotalRequests        uint64    `json:"total_requests"`
	SuccessfulRequests   uint64    `json:"successful_requests"`
	FailedRequests       uint64    `json:"failed_requests"`
	RejectedRequests     uint64    `json:"rejected_requests"`
	ConsecutiveFailures  int       `json:"consecutive_failures"`
	ConsecutiveSuccesses int       `json:"consecutive_successes"`
	StateChangedAt       time.Time `json:"state_changed_at"`
	LastSuccessTime      time.Time `json:"last_success_time"`
	LastFailureTime      time.Time `json:"last_failure_time"`
}

// CircuitBreakerConfig holds configuration for the circuit breaker
type CircuitBreakerConfig struct {
	// Name of the circuit breaker for logging/metrics
	Name string
	// FailureThreshold is the number of consecutive failures that trips
	// the breaker regardless of volume
	FailureThreshold int
	// SuccessThreshold is the number of consecutive half-open successes
	// required to close the breaker
	SuccessThreshold int
	// Timeout is the period of the open state, after which the next call
	// moves the breaker to half-open
	Timeout time.Duration
	// HalfOpenMaxCalls caps the number of probe calls admitted while half-open
	HalfOpenMaxCalls int
	// VolumeThreshold is the minimum number of requests in the rolling
	// window before the error percentage is considered
	VolumeThreshold int
	// ErrorPercentageThreshold trips the breaker when the rolling-window
	// error rate reaches this percentage and volume is sufficient
	ErrorPercentageThreshold float64
	// RollingWindow bounds the request/failure timestamps considered for
	// the volume-based trip condition
	RollingWindow time.Duration
}

// DefaultCircuitBreakerConfig returns the documented defaults.
func DefaultCircuitBreakerConfig(name string) CircuitBreakerConfig {
	return CircuitBreakerConfig{
		Name:                     name,
		FailureThreshold:         5,
		SuccessThreshold:         2,
		Timeout:                  30 * time.Second,
		HalfOpenMaxCalls:         3,
		VolumeThreshold:          10,
		ErrorPercentageThreshold: 50.0,
		RollingWindow:            time.Minute,
	}
}

// CircuitBreaker is a state machine that isolates a failing dependency:
// pass-through while closed, reject-all while open, and limited probing
// while half-open.
type CircuitBreaker struct {
	name   string
	config CircuitBreakerConfig

	mutex         sync.Mutex
	state         CircuitState
	stats         Stats
	requestTimes  []time.Time
	failureTimes  []time.Time
	halfOpenCalls int

	bus    *events.Bus
	logger *logging.Logger
}

// NewCircuitBreaker creates a new circuit breaker with the given configuration
func NewCircuitBreaker(config CircuitBreakerConfig, bus *events.Bus, logger *logging.Logger) *CircuitBreaker {
	if logger == nil {
		logger = logging.GetLogger()
	}
	if bus == nil {
		bus = events.NewBus(logger)
	}

	defaults := DefaultCircuitBreakerConfig(config.Name)
	if config.FailureThreshold <= 0 {
		config.FailureThreshold = defaults.FailureThreshold
	}
	if config.SuccessThreshold <= 0 {
		config.SuccessThreshold = defaults.SuccessThreshold
	}
	if config.Timeout <= 0 {
		config.Timeout = defaults.Timeout
	}
	if config.HalfOpenMaxCalls <= 0 {
		config.HalfOpenMaxCalls = defaults.HalfOpenMaxCalls
	}
	if config.VolumeThreshold <= 0 {
		config.VolumeThreshold = defaults.VolumeThreshold
	}
	if config.ErrorPercentageThreshold <= 0 {
		config.ErrorPercentageThreshold = defaults.ErrorPercentageThreshold
	}
	if config.RollingWindow <= 0 {
		config.RollingWindow = defaults.RollingWindow
	}

	return &CircuitBreaker{
		name:   config.Name,
		config: config,
		state:  StateClosed,
		stats:  Stats{StateChangedAt: time.Now()},
		bus:    bus,
		logger: logger,
	}
}

// Execute runs the given request if the circuit breaker accepts it.
// When the breaker is open, or the half-open probe quota is exhausted,
// it returns a CircuitOpenError carrying the current stats.
func (cb *CircuitBreaker) Execute(ctx context.Context, req func(context.Context) (interface{}, error)) (interface{}, error) {
	if err := cb.beforeRequest(); err != nil {
		return nil, err
	}

	defer func() {
		if r := recover(); r != nil {
			cb.afterRequest(false)
			panic(r)
		}
	}()

	result, err := req(ctx)
	cb.afterRequest(err == nil)
	return result, err
}

// Call is a convenience method that wraps Execute for functions that don't need context
func (cb *CircuitBreaker) Call(fn func() (interface{}, error)) (interface{}, error) {
	return cb.Execute(context.Background(), func(ctx context.Context) (interface{}, error) {
		return fn()
	})
}

// State returns the current state of the circuit breaker
func (cb *CircuitBreaker) State() CircuitState {
	cb.mutex.Lock()
	pending := cb.maybeTransitionLocked(time.Now())
	state := cb.state
	cb.mutex.Unlock()

	cb.publish(pending)
	return state
}

// Stats returns a copy of the current stats
func (cb *CircuitBreaker) Stats() Stats {
	cb.mutex.Lock()
	defer cb.mutex.Unlock()
	return cb.stats
}

// Name returns the name of the circuit breaker
func (cb *CircuitBreaker) Name() string {
	return cb.name
}

func (cb *CircuitBreaker) beforeRequest() error {
	now := time.Now()

	cb.mutex.Lock()
	pending := cb.maybeTransitionLocked(now)

	switch cb.state {
	case StateOpen:
		cb.stats.RejectedRequests++
		stats := cb.stats
		cb.mutex.Unlock()

		pending = append(pending, cb.event(events.CircuitRejected, nil))
		cb.publish(pending)
		return &CircuitOpenError{Name: cb.name, State: StateOpen, Stats: stats}

	case StateHalfOpen:
		if cb.halfOpenCalls >= cb.config.HalfOpenMaxCalls {
			cb.stats.RejectedRequests++
			stats := cb.stats
			cb.mutex.Unlock()

			pending = append(pending, cb.event(events.CircuitRejected, nil))
			cb.publish(pending)
			return &CircuitOpenError{Name: cb.name, State: StateHalfOpen, Stats: stats}
		}
		cb.halfOpenCalls++
	}

	cb.stats.TotalRequests++
	cb.requestTimes = append(cb.requestTimes, now)
	cb.pruneWindowLocked(now)
	cb.mutex.Unlock()

	cb.publish(pending)
	return nil
}

func (cb *CircuitBreaker) afterRequest(success bool) {
	now := time.Now()

	cb.mutex.Lock()
	var pending []events.Event

	if success {
		cb.stats.SuccessfulRequests++
		cb.stats.ConsecutiveSuccesses++
		cb.stats.ConsecutiveFailures = 0
		cb.stats.LastSuccessTime = now
		pending = append(pending, cb.event(events.CircuitSuccess, nil))

		if cb.state == StateHalfOpen && cb.stats.ConsecutiveSuccesses >= cb.config.SuccessThreshold {
			pending = append(pending, cb.setStateLocked(StateClosed, now)...)
		}
	} else {
		cb.stats.FailedRequests++
		cb.stats.ConsecutiveFailures++
		cb.stats.ConsecutiveSuccesses = 0
		cb.stats.LastFailureTime = now
		cb.failureTimes = append(cb.failureTimes, now)
		cb.pruneWindowLocked(now)
		pending = append(pending, cb.event(events.CircuitFailure, nil))

		switch cb.state {
		case StateClosed:
			if cb.shouldTripLocked() {
				pending = append(pending, cb.setStateLocked(StateOpen, now)...)
			}
		case StateHalfOpen:
			pending = append(pending, cb.setStateLocked(StateOpen, now)...)
		}
	}
	cb.mutex.Unlock()

	cb.publish(pending)
}

// shouldTripLocked evaluates both trip conditions: the consecutive-failure
// threshold and the volume + error-percentage condition over the rolling window.
func (cb *CircuitBreaker) shouldTripLocked() bool {
	if cb.stats.ConsecutiveFailures >= cb.config.FailureThreshold {
		return true
	}

	volume := len(cb.requestTimes)
	if volume < cb.config.VolumeThreshold {
		return false
	}

	errorPct := float64(len(cb.failureTimes)) / float64(volume) * 100.0
	return errorPct >= cb.config.ErrorPercentageThreshold
}

// maybeTransitionLocked moves an expired open breaker to half-open.
func (cb *CircuitBreaker) maybeTransitionLocked(now time.Time) []events.Event {
	if cb.state == StateOpen && now.Sub(cb.stats.StateChangedAt) >= cb.config.Timeout {
		return cb.setStateLocked(StateHalfOpen, now)
	}
	return nil
}

func (cb *CircuitBreaker) setStateLocked(state CircuitState, now time.Time) []events.Event {
	if cb.state == state {
		return nil
	}

	prev := cb.state
	cb.state = state
	cb.stats.StateChangedAt = now
	cb.stats.ConsecutiveFailures = 0
	cb.stats.ConsecutiveSuccesses = 0
	cb.halfOpenCalls = 0

	if state == StateClosed {
		cb.requestTimes = nil
		cb.failureTimes = nil
	}

	cb.logger.Info("Circuit breaker state changed",
		"name", cb.name,
		"from", prev.String(),
		"to", state.String(),
	)

	pending := []events.Event{cb.event(events.CircuitStateChanged, map[string]interface{}{
		"from": prev.String(),
		"to":   state.String(),
	})}

	switch state {
	case StateOpen:
		pending = append(pending, cb.event(events.CircuitOpened, nil))
	case StateClosed:
		pending = append(pending, cb.event(events.CircuitClosed, nil))
	case StateHalfOpen:
		pending = append(pending, cb.event(events.CircuitHalfOpen, nil))
	}

	return pending
}

func (cb *CircuitBreaker) pruneWindowLocked(now time.Time) {
	cutoff := now.Add(-cb.config.RollingWindow)
	cb.requestTimes = pruneBefore(cb.requestTimes, cutoff)
	cb.failureTimes = pruneBefore(cb.failureTimes, cutoff)
}

func pruneBefore(times []time.Time, cutoff time.Time) []time.Time {
	idx := 0
	for idx < len(times) && times[idx].Before(cutoff) {
		idx++
	}
	if idx == 0 {
		return times
	}
	return append(times[:0], times[idx:]...)
}

func (cb *CircuitBreaker) event(t events.Type, fields map[string]interface{}) events.Event {
	if fields == nil {
		fields = make(map[string]interface{})
	}
	fields["name"] = cb.name
	return events.Event{
		Type:      t,
		Source:    "circuitbreaker:" + cb.name,
		Timestamp: time.Now(),
		Fields:    fields,
	}
}

// publish delivers pending events after the mutex has been released,
// so subscribers always observe committed state.
func (cb *CircuitBreaker) publish(pending []events.Event) {
	for _, e := range pending {
		cb.bus.Publish(e)
	}
}

// CircuitOpenError is returned when a call is rejected because the
// breaker is open or the half-open probe quota is exhausted.
type CircuitOpenError struct {
	Name  string
	State CircuitState
	Stats Stats
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit breaker '%s' is %s", e.Name, e.State.String())
}

// IsCircuitOpenError checks if an error is a circuit-open rejection
func IsCircuitOpenError(err error) bool {
	var cbErr *CircuitOpenError
	return errors.As(err, &cbErr)
}
