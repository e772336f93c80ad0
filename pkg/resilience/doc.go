// Package resilience provides failure isolation and bounded retries for
// the Polaris reliability core.
//
// This package implements the following patterns:
//
// # Circuit Breaker Pattern
//
// The circuit breaker prevents cascading failures by tracking a rolling
// window of request outcomes for a named dependency and temporarily
// rejecting calls once the failure rate or consecutive-failure count
// trips the configured thresholds.
//
//	cb := resilience.NewCircuitBreaker(resilience.DefaultCircuitBreakerConfig("payments"), bus, logger)
//
//	result, err := cb.Execute(ctx, func(ctx context.Context) (interface{}, error) {
//		return paymentsClient.Charge(ctx, order)
//	})
//
// A rejected call returns *CircuitOpenError carrying the breaker's current
// stats, so callers can degrade gracefully instead of retrying.
//
// # Retry with a Budget
//
// The retrier runs an operation up to MaxRetries+1 times with a pluggable
// backoff curve. Retries (not first attempts) draw from a sliding
// one-minute budget; once the budget is spent the retrier fails fast with
// *BudgetExhaustedError so retry traffic cannot amplify an outage.
//
//	retrier := resilience.NewRetrier(resilience.DefaultRetryConfig(), bus, logger)
//	result := retrier.Execute(ctx, func(ctx context.Context) (interface{}, error) {
//		return client.Fetch(ctx, key)
//	})
//
// # Combined Usage
//
// RetryableOperation nests a breaker inside a retrier, so retries stop the
// moment the breaker opens:
//
//	op := resilience.NewRetryableOperation("payments", cbConfig, retryConfig, bus, logger)
//	result, err := op.Execute(ctx, func(ctx context.Context) (interface{}, error) {
//		return paymentsClient.Charge(ctx, order)
//	})
//
// All types are safe for concurrent use; every read-modify-write happens
// under a per-instance mutex and events are published after the state
// change is committed.
package resilience
