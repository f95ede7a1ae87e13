package resilience

import (
	"context"
	"time"
)

// Executor composes the resilience patterns around an operation in the
// order an API call flows: each retry attempt first acquires a rate
// limiter slot, then runs the operation under its timeout.
type Executor struct {
	retry          *Retry
	rateLimiter    *RateLimiter
	timeout        *Timeout
	acquireTimeout time.Duration
}

// ExecutorOption configures an Executor.
type ExecutorOption func(*Executor)

// NewExecutor creates a resilience executor.
func NewExecutor(opts ...ExecutorOption) *Executor {
	e := &Executor{}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// WithRetry adds retry orchestration to the executor.
func WithRetry(r *Retry) ExecutorOption {
	return func(e *Executor) {
		e.retry = r
	}
}

// WithRateLimiter gates each attempt behind the limiter. acquireTimeout
// bounds the wait for a slot; 0 waits indefinitely.
func WithRateLimiter(rl *RateLimiter, acquireTimeout time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.rateLimiter = rl
		e.acquireTimeout = acquireTimeout
	}
}

// WithTimeout bounds each attempt's duration.
func WithTimeout(timeout time.Duration) ExecutorOption {
	return func(e *Executor) {
		e.timeout = NewTimeout(TimeoutConfig{Timeout: timeout})
	}
}

// Execute runs the operation through the configured patterns.
//
// Per attempt: acquire a rate limiter slot, then run the operation
// under the attempt timeout. The retry engine wraps the whole attempt,
// so a slow acquire counts against the retry policy, not the operation
// deadline.
func (e *Executor) Execute(ctx context.Context, op func(context.Context) error) error {
	attempt := op

	if e.timeout != nil {
		inner := attempt
		attempt = func(ctx context.Context) error {
			return e.timeout.Execute(ctx, inner)
		}
	}

	if e.rateLimiter != nil {
		inner := attempt
		attempt = func(ctx context.Context) error {
			if err := e.rateLimiter.Acquire(ctx, e.acquireTimeout); err != nil {
				return err
			}
			return inner(ctx)
		}
	}

	if e.retry != nil {
		return e.retry.Execute(ctx, attempt)
	}
	return attempt(ctx)
}
