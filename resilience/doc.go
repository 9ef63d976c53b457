// Package resilience guards remote calls made by the sync layer.
//
//   - Retry: retries transient failures with backoff. Errors wrapped with
//     Permanent (session expiry, validation, conflicts) are returned at once.
//   - CircuitBreaker: stops calling a backend that keeps failing.
//   - Timeout: bounds each attempt.
//   - Bulkhead: caps concurrent work; background refreshes use TryAcquire
//     so a busy client skips a refresh instead of queueing it.
//
// Patterns compose through Executor:
//
//	exec := resilience.NewExecutor(
//	    resilience.WithCircuitBreaker(resilience.NewCircuitBreaker(resilience.CircuitBreakerConfig{})),
//	    resilience.WithRetry(resilience.NewRetry(resilience.RetryConfig{MaxAttempts: 3})),
//	    resilience.WithTimeout(10*time.Second),
//	)
//
//	body, err := resilience.Call(ctx, exec, func(ctx context.Context) ([]byte, error) {
//	    return get(ctx, "/shopping-lists")
//	})
package resilience
