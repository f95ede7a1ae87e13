package resilience

import (
	"context"
	"errors"
	"time"
)

// RetryContext describes the state of a retry invocation, passed to the
// OnRetry and OnFailure callbacks.
type RetryContext struct {
	// Attempt is the attempt that just failed, numbered from 1.
	Attempt int

	// MaxRetries is the configured retry budget.
	MaxRetries int

	// Err is the error returned by the attempt.
	Err error

	// Delay is the wait before the next attempt. Zero in OnFailure.
	Delay time.Duration

	// StartedAt is when the invocation began.
	StartedAt time.Time
}

// Policy decides whether and how failures are retried.
type Policy struct {
	// MaxRetries is the number of re-attempts after the first failure.
	// Default: 3
	MaxRetries int

	// RetryIf determines whether an error should trigger a retry.
	// Default: all non-nil errors trigger retry.
	RetryIf func(err error) bool

	// NonIdempotent marks the operation unsafe to execute more than
	// once. Such operations are never retried, regardless of RetryIf.
	NonIdempotent bool

	// OnRetry is called before each backoff wait.
	OnRetry func(RetryContext)

	// OnFailure is called once when the invocation gives up.
	OnFailure func(RetryContext)
}

// RetryConfig configures a retry engine.
type RetryConfig struct {
	// Backoff controls inter-attempt delays.
	Backoff BackoffConfig

	// Policy controls retryability and callbacks.
	Policy Policy

	// Limiter, when set, receives rate-limit feedback: limit hits are
	// reported as soon as they are observed, including on terminal
	// failures, and terminal successes report a success.
	Limiter *RateLimiter
}

// retryAfterHint is implemented by errors carrying a server-specified
// wait, such as the Retry-After header on a 429 response.
type retryAfterHint interface {
	RetryAfter() (time.Duration, bool)
}

// rateLimitSignal is implemented by errors representing a server-side
// rate-limit rejection.
type rateLimitSignal interface {
	RateLimitHit() bool
}

// Retry wraps operations with retry-and-backoff orchestration. The last
// error is returned unchanged when attempts are exhausted, so callers
// can match on the original failure type.
type Retry struct {
	config RetryConfig
}

// NewRetry creates a retry engine.
func NewRetry(config RetryConfig) *Retry {
	// Apply defaults
	if config.Policy.MaxRetries <= 0 {
		config.Policy.MaxRetries = 3
	}
	if config.Policy.RetryIf == nil {
		config.Policy.RetryIf = func(err error) bool { return err != nil }
	}

	return &Retry{config: config}
}

// Config returns the retry configuration.
func (r *Retry) Config() RetryConfig {
	return r.config
}

// Execute runs the operation, retrying failures per the policy with
// delays from the backoff calculator. A server-specified retry-after on
// the error takes precedence over the computed delay. Backoff waits are
// interrupted by context cancellation.
func (r *Retry) Execute(ctx context.Context, op func(context.Context) error) error {
	policy := r.config.Policy
	backoff := NewBackoff(r.config.Backoff)
	started := time.Now()

	var lastErr error
	for attempt := 1; attempt <= policy.MaxRetries+1; attempt++ {
		err := op(ctx)
		if err == nil {
			if r.config.Limiter != nil {
				r.config.Limiter.ReportSuccess()
			}
			return nil
		}
		lastErr = err

		rc := RetryContext{
			Attempt:    attempt,
			MaxRetries: policy.MaxRetries,
			Err:        err,
			StartedAt:  started,
		}

		// Rate-limit rejections feed the limiter even when this
		// invocation gives up, so other workers sharing it see the
		// reduced rate.
		retryAfter, hasHint := serverRetryAfter(err)
		if isRateLimitHit(err) && r.config.Limiter != nil {
			r.config.Limiter.ReportRateLimitHit(retryAfter)
		}

		if attempt > policy.MaxRetries || policy.NonIdempotent || !policy.RetryIf(err) {
			if policy.OnFailure != nil {
				policy.OnFailure(rc)
			}
			return lastErr
		}

		delay := backoff.Delay(attempt)
		if hasHint {
			delay = retryAfter
		}
		rc.Delay = delay

		if policy.OnRetry != nil {
			policy.OnRetry(rc)
		}

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(delay):
		}
	}

	return lastErr
}

func serverRetryAfter(err error) (time.Duration, bool) {
	var hint retryAfterHint
	if errors.As(err, &hint) {
		return hint.RetryAfter()
	}
	return 0, false
}

func isRateLimitHit(err error) bool {
	var sig rateLimitSignal
	return errors.As(err, &sig) && sig.RateLimitHit()
}
