package resilience

import (
	"context"
	"fmt"
	"math"
	"math/rand"
	"strings"
	"sync"
	"time"

	apperrors "github.com/polaris-platform/polaris-core/pkg/errors"
	"github.com/polaris-platform/polaris-core/pkg/events"
	"github.com/polaris-platform/polaris-core/pkg/logging"
)

// BackoffStrategy selects how the delay grows between attempts.
type BackoffStrategy string

const (
	BackoffFixed             BackoffStrategy = "fixed"
	BackoffLinear            BackoffStrategy = "linear"
	BackoffExponential       BackoffStrategy = "exponential"
	BackoffExponentialJitter BackoffStrategy = "exponential_jitter"
)

// RetryConfig holds configuration for retry logic
type RetryConfig struct {
	// MaxRetries is the number of retries after the first attempt,
	// so an operation runs at most MaxRetries+1 times
	MaxRetries int
	// Strategy selects the backoff curve
	Strategy BackoffStrategy
	// BaseDelay is the delay unit the backoff curve scales
	BaseDelay time.Duration
	// MaxDelay clamps every computed delay
	MaxDelay time.Duration
	// JitterFactor is the ± fraction applied by exponential_jitter
	JitterFactor float64
	// BudgetPerMinute caps retries (not first attempts) in any rolling
	// 60s window; zero disables the budget
	BudgetPerMinute int
	// NonRetryableErrors is a deny list matched by substring against the
	// error text; a match fails fast
	NonRetryableErrors []string
	// RetryableErrors, when non-empty, acts as an allow list overriding
	// the default retry-everything behavior
	RetryableErrors []string
	// Classifier overrides the built-in retryable decision entirely
	Classifier func(error) bool
	// OnRetry is called before each retry attempt
	OnRetry func(attempt int, err error, delay time.Duration)
}

// DefaultRetryConfig returns a default retry configuration
func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		MaxRetries:      3,
		Strategy:        BackoffExponentialJitter,
		BaseDelay:       100 * time.Millisecond,
		MaxDelay:        30 * time.Second,
		JitterFactor:    0.1,
		BudgetPerMinute: 10,
	}
}

// Attempt records one try of an operation.
type Attempt struct {
	Attempt   int           `json:"attempt"`
	Delay     time.Duration `json:"delay"`
	Err       error         `json:"-"`
	Timestamp time.Time     `json:"timestamp"`
}

// Result is the outcome of a retried operation.
type Result struct {
	Success   bool
	Value     interface{}
	Err       error
	Attempts  []Attempt
	TotalTime time.Duration
}

// ExhaustedError is returned when every permitted attempt failed.
type ExhaustedError struct {
	Attempts int
	LastErr  error
}

func (e *ExhaustedError) Error() string {
	return fmt.Sprintf("operation failed after %d attempts: %v", e.Attempts, e.LastErr)
}

func (e *ExhaustedError) Unwrap() error {
	return e.LastErr
}

// BudgetExhaustedError signals that the sliding retry budget is spent.
// Distinct from ordinary exhaustion: it means the system is under
// sustained failure and retrying would amplify the outage.
type BudgetExhaustedError struct {
	Budget  int
	LastErr error
}

func (e *BudgetExhaustedError) Error() string {
	return fmt.Sprintf("retry budget of %d per minute exhausted: %v", e.Budget, e.LastErr)
}

func (e *BudgetExhaustedError) Unwrap() error {
	return e.LastErr
}

// Retrier executes operations with bounded retries under a rate-limited
// retry budget. One Retrier instance's budget is shared by every call
// through it.
type Retrier struct {
	config RetryConfig

	budgetMu   sync.Mutex
	budgetUsed []time.Time

	bus    *events.Bus
	logger *logging.Logger
}

// NewRetrier creates a new retrier with the given configuration
func NewRetrier(config RetryConfig, bus *events.Bus, logger *logging.Logger) *Retrier {
	if logger == nil {
		logger = logging.GetLogger()
	}
	if bus == nil {
		bus = events.NewBus(logger)
	}

	defaults := DefaultRetryConfig()
	if config.MaxRetries < 0 {
		config.MaxRetries = 0
	}
	if config.Strategy == "" {
		config.Strategy = defaults.Strategy
	}
	if config.BaseDelay <= 0 {
		config.BaseDelay = defaults.BaseDelay
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = defaults.MaxDelay
	}
	if config.JitterFactor <= 0 {
		config.JitterFactor = defaults.JitterFactor
	}

	return &Retrier{
		config: config,
		bus:    bus,
		logger: logger,
	}
}

// Execute runs the operation at most MaxRetries+1 times and reports every
// attempt. The returned Result always carries the full attempt history;
// Err is nil iff Success.
func (r *Retrier) Execute(ctx context.Context, operation func(context.Context) (interface{}, error)) *Result {
	start := time.Now()
	result := &Result{}

	maxAttempts := r.config.MaxRetries + 1
	var lastErr error

	for attempt := 1; attempt <= maxAttempts; attempt++ {
		if ctx.Err() != nil {
			result.Err = ctx.Err()
			result.TotalTime = time.Since(start)
			return result
		}

		value, err := operation(ctx)
		result.Attempts = append(result.Attempts, Attempt{
			Attempt:   attempt,
			Delay:     0,
			Err:       err,
			Timestamp: time.Now(),
		})

		if err == nil {
			result.Success = true
			result.Value = value
			result.TotalTime = time.Since(start)
			if attempt > 1 {
				r.logger.Info("Operation succeeded after retry",
					"attempt", attempt,
					"max_attempts", maxAttempts,
				)
			}
			r.bus.Publish(events.Event{
				Type:   events.RetrySuccess,
				Source: "retrier",
				Fields: map[string]interface{}{"attempts": attempt},
			})
			return result
		}

		lastErr = err

		if !r.isRetryable(err) {
			r.logger.Debug("Error is not retryable, stopping",
				"error", err.Error(),
				"attempt", attempt,
			)
			result.Err = err
			result.TotalTime = time.Since(start)
			return result
		}

		if attempt == maxAttempts {
			break
		}

		if !r.consumeBudget() {
			r.logger.Warn("Retry budget exhausted, stopping",
				"budget_per_minute", r.config.BudgetPerMinute,
				"error", err.Error(),
			)
			r.bus.Publish(events.Event{
				Type:   events.RetryBudgetExhausted,
				Source: "retrier",
				Fields: map[string]interface{}{"budget_per_minute": r.config.BudgetPerMinute},
			})
			result.Err = &BudgetExhaustedError{Budget: r.config.BudgetPerMinute, LastErr: err}
			result.TotalTime = time.Since(start)
			return result
		}

		delay := r.calculateDelay(attempt)
		result.Attempts[len(result.Attempts)-1].Delay = delay

		r.logger.Debug("Operation failed, retrying",
			"error", err.Error(),
			"attempt", attempt,
			"max_attempts", maxAttempts,
			"delay", delay,
		)

		if r.config.OnRetry != nil {
			r.config.OnRetry(attempt, err, delay)
		}
		r.bus.Publish(events.Event{
			Type:   events.RetryAttempt,
			Source: "retrier",
			Fields: map[string]interface{}{
				"attempt": attempt,
				"delay":   delay.String(),
				"error":   err.Error(),
			},
		})

		select {
		case <-ctx.Done():
			result.Err = ctx.Err()
			result.TotalTime = time.Since(start)
			return result
		case <-time.After(delay):
		}
	}

	r.logger.Error("Operation failed after all retry attempts",
		"error", lastErr.Error(),
		"attempts", maxAttempts,
	)
	r.bus.Publish(events.Event{
		Type:   events.RetryExhausted,
		Source: "retrier",
		Fields: map[string]interface{}{"attempts": maxAttempts, "error": lastErr.Error()},
	})

	result.Err = &ExhaustedError{Attempts: maxAttempts, LastErr: lastErr}
	result.TotalTime = time.Since(start)
	return result
}

// Do unwraps Execute for call sites that want a plain (value, error).
func (r *Retrier) Do(ctx context.Context, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	result := r.Execute(ctx, operation)
	if result.Success {
		return result.Value, nil
	}
	return nil, result.Err
}

// Wrap adapts an arbitrary function so every invocation runs under this
// retrier's policy.
func (r *Retrier) Wrap(operation func(context.Context) (interface{}, error)) func(context.Context) (interface{}, error) {
	return func(ctx context.Context) (interface{}, error) {
		return r.Do(ctx, operation)
	}
}

// CalculateDelay exposes the backoff curve; attempt numbering starts at 1
// for the delay before the first retry.
func (r *Retrier) CalculateDelay(attempt int) time.Duration {
	return r.calculateDelay(attempt)
}

func (r *Retrier) calculateDelay(attempt int) time.Duration {
	if attempt < 1 {
		return 0
	}

	base := float64(r.config.BaseDelay)
	var delay float64

	switch r.config.Strategy {
	case BackoffFixed:
		delay = base
	case BackoffLinear:
		delay = base * float64(attempt)
	case BackoffExponential:
		delay = base * math.Pow(2, float64(attempt-1))
	case BackoffExponentialJitter:
		delay = base * math.Pow(2, float64(attempt-1))
		jitter := (rand.Float64()*2 - 1) * r.config.JitterFactor * delay
		delay += jitter
	default:
		delay = base * math.Pow(2, float64(attempt-1))
	}

	if delay < 0 {
		delay = 0
	}
	if delay > float64(r.config.MaxDelay) {
		delay = float64(r.config.MaxDelay)
	}

	return time.Duration(delay)
}

// consumeBudget reserves one retry from the sliding one-minute budget.
func (r *Retrier) consumeBudget() bool {
	if r.config.BudgetPerMinute <= 0 {
		return true
	}

	now := time.Now()
	cutoff := now.Add(-time.Minute)

	r.budgetMu.Lock()
	defer r.budgetMu.Unlock()

	r.budgetUsed = pruneBefore(r.budgetUsed, cutoff)
	if len(r.budgetUsed) >= r.config.BudgetPerMinute {
		return false
	}

	r.budgetUsed = append(r.budgetUsed, now)
	return true
}

// BudgetRemaining reports how many retries the current window still permits.
func (r *Retrier) BudgetRemaining() int {
	if r.config.BudgetPerMinute <= 0 {
		return math.MaxInt
	}

	r.budgetMu.Lock()
	defer r.budgetMu.Unlock()

	r.budgetUsed = pruneBefore(r.budgetUsed, time.Now().Add(-time.Minute))
	return r.config.BudgetPerMinute - len(r.budgetUsed)
}

// isRetryable classifies the error: deny list first, then the allow list
// when present, then the typed-error defaults.
func (r *Retrier) isRetryable(err error) bool {
	if err == nil {
		return false
	}

	if r.config.Classifier != nil {
		return r.config.Classifier(err)
	}

	msg := err.Error()
	for _, pattern := range r.config.NonRetryableErrors {
		if strings.Contains(msg, pattern) {
			return false
		}
	}

	if len(r.config.RetryableErrors) > 0 {
		for _, pattern := range r.config.RetryableErrors {
			if strings.Contains(msg, pattern) {
				return true
			}
		}
		return false
	}

	return DefaultRetryableErrors(err)
}

// DefaultRetryableErrors determines if an error is retryable by default
func DefaultRetryableErrors(err error) bool {
	if err == nil {
		return false
	}

	// A rejected circuit call signals graceful degradation, not a
	// transient fault; retrying it would defeat the breaker.
	if IsCircuitOpenError(err) {
		return false
	}

	if apperrors.IsType(err, apperrors.ErrorTypeTimeout) ||
		apperrors.IsType(err, apperrors.ErrorTypeExternal) {
		return true
	}

	if apperrors.IsType(err, apperrors.ErrorTypeValidation) ||
		apperrors.IsType(err, apperrors.ErrorTypeAuthentication) ||
		apperrors.IsType(err, apperrors.ErrorTypeAuthorization) ||
		apperrors.IsType(err, apperrors.ErrorTypeNotFound) {
		return false
	}

	return true
}

// RetryableOperation wraps an operation with both circuit breaker and retry logic
type RetryableOperation struct {
	circuitBreaker *CircuitBreaker
	retrier        *Retrier
}

// NewRetryableOperation creates a new retryable operation with circuit breaker and retry logic
func NewRetryableOperation(name string, cbConfig CircuitBreakerConfig, retryConfig RetryConfig, bus *events.Bus, logger *logging.Logger) *RetryableOperation {
	if cbConfig.Name == "" {
		cbConfig.Name = name
	}

	return &RetryableOperation{
		circuitBreaker: NewCircuitBreaker(cbConfig, bus, logger),
		retrier:        NewRetrier(retryConfig, bus, logger),
	}
}

// Execute executes an operation with both circuit breaker and retry logic
func (ro *RetryableOperation) Execute(ctx context.Context, operation func(context.Context) (interface{}, error)) (interface{}, error) {
	return ro.retrier.Do(ctx, func(ctx context.Context) (interface{}, error) {
		return ro.circuitBreaker.Execute(ctx, operation)
	})
}

// State returns the current state of the circuit breaker
func (ro *RetryableOperation) State() CircuitState {
	return ro.circuitBreaker.State()
}

// Stats returns the current stats of the circuit breaker
func (ro *RetryableOperation) Stats() Stats {
	return ro.circuitBreaker.Stats()
}
