// Package resilience provides the throttling and retry machinery for
// outbound API calls.
//
// # Patterns
//
//   - Rate Limiter: an adaptive token bucket that throttles call rate,
//     halves its rate on server-signaled overload, and recovers toward
//     the configured base rate during quiet periods.
//
//   - Backoff: per-attempt delay computation with exponential, linear,
//     constant, fibonacci, and decorrelated-jitter strategies.
//
//   - Retry: wraps an operation with a retryability policy, idempotency
//     guard, and rate-limit feedback.
//
//   - Timeout: bounds an operation's duration.
//
// # Usage
//
// Patterns can be used independently or composed:
//
//	rl := resilience.NewRateLimiter(resilience.RateLimiterConfig{
//	    RequestsPerMinute: 60,
//	    Burst:             10,
//	    Adaptive:          true,
//	})
//
//	retry := resilience.NewRetry(resilience.RetryConfig{
//	    Backoff: resilience.BackoffConfig{
//	        BaseDelay: 100 * time.Millisecond,
//	        MaxDelay:  5 * time.Second,
//	    },
//	    Policy:  resilience.Policy{MaxRetries: 3},
//	    Limiter: rl,
//	})
//
//	executor := resilience.NewExecutor(
//	    resilience.WithRateLimiter(rl, time.Second),
//	    resilience.WithRetry(retry),
//	    resilience.WithTimeout(10*time.Second),
//	)
//
//	err := executor.Execute(ctx, func(ctx context.Context) error {
//	    return callAPI(ctx)
//	})
package resilience
