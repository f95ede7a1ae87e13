package resilience

import (
	"context"
	"math"
	"sync"
	"time"
)

// RateLimiterConfig configures the adaptive token bucket.
type RateLimiterConfig struct {
	// RequestsPerMinute is the steady-state refill rate.
	// Default: 600
	RequestsPerMinute float64

	// Burst is the bucket capacity.
	// Default: 10
	Burst int

	// Adaptive enables server-feedback rate adjustment: the rate is
	// halved on each reported limit hit and recovers toward
	// RequestsPerMinute after a quiet period.
	Adaptive bool

	// MinRate floors the adapted rate, in requests per minute.
	// Default: 1
	MinRate float64

	// RecoveryFactor is the fraction of the remaining gap to the base
	// rate recovered per quiet success.
	// Default: 0.1
	RecoveryFactor float64

	// QuietPeriod is how long after the last limit hit before successes
	// begin recovering the rate.
	// Default: 5s
	QuietPeriod time.Duration

	// MaxWait bounds Acquire when invoked through Execute.
	// Default: 1s
	MaxWait time.Duration
}

// RateLimiterStatus is a snapshot of the bucket state.
type RateLimiterStatus struct {
	// AvailableTokens is the current refilled token count.
	AvailableTokens float64

	// Limited is true when no whole token is available.
	Limited bool

	// NextAvailableIn is the time until a token becomes available.
	// Zero when not limited.
	NextAvailableIn time.Duration

	// CurrentRate is the current refill rate in requests per minute.
	CurrentRate float64

	// HitCount is the number of rate-limit hits reported.
	HitCount int64
}

// waiter is a queued Acquire call. granted is set under the limiter
// mutex before ready is closed; abandoned waiters are skipped by the
// drain loop.
type waiter struct {
	ready   chan struct{}
	granted bool
	gone    bool
}

// RateLimiter is a token bucket that throttles outbound call rate and
// adapts to server-signaled overload. Construct one instance and share
// it by reference across workers; all state is mutex-guarded.
type RateLimiter struct {
	config RateLimiterConfig

	mu          sync.Mutex
	tokens      float64
	currentRate float64 // requests per minute
	lastRefill  time.Time
	hitCount    int64
	lastHit     time.Time
	waiters     []*waiter
	timerSet    bool
	timer       *time.Timer
}

// NewRateLimiter creates an adaptive rate limiter.
func NewRateLimiter(config RateLimiterConfig) *RateLimiter {
	// Apply defaults
	if config.RequestsPerMinute <= 0 {
		config.RequestsPerMinute = 600
	}
	if config.Burst <= 0 {
		config.Burst = 10
	}
	if config.MinRate <= 0 {
		config.MinRate = 1
	}
	if config.RecoveryFactor <= 0 {
		config.RecoveryFactor = 0.1
	}
	if config.QuietPeriod <= 0 {
		config.QuietPeriod = 5 * time.Second
	}
	if config.MaxWait <= 0 {
		config.MaxWait = time.Second
	}

	return &RateLimiter{
		config:      config,
		tokens:      float64(config.Burst),
		currentRate: config.RequestsPerMinute,
		lastRefill:  time.Now(),
	}
}

// TryAcquire consumes a token if one is available. Non-blocking.
func (rl *RateLimiter) TryAcquire() bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refillLocked()
	if rl.tokens >= 1 {
		rl.tokens--
		return true
	}
	return false
}

// Acquire consumes a token, queueing FIFO behind earlier callers until
// the bucket refills. It fails with ErrAcquireTimeout immediately when
// the projected wait exceeds timeout, and with ctx.Err() on cancellation.
// A timeout of 0 means wait indefinitely (bounded only by ctx).
//
// Queue order is strict enqueue order; waiters cancelled mid-queue are
// skipped when their turn comes.
func (rl *RateLimiter) Acquire(ctx context.Context, timeout time.Duration) error {
	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	rl.mu.Lock()
	rl.refillLocked()
	if rl.tokens >= 1 {
		rl.tokens--
		rl.mu.Unlock()
		return nil
	}

	wait := rl.nextAvailableLocked()
	if timeout > 0 && wait > timeout {
		rl.mu.Unlock()
		return ErrAcquireTimeout
	}

	w := &waiter{ready: make(chan struct{})}
	rl.waiters = append(rl.waiters, w)
	rl.scheduleLocked(wait)
	rl.mu.Unlock()

	var timeoutC <-chan time.Time
	if timeout > 0 {
		timer := time.NewTimer(timeout)
		defer timer.Stop()
		timeoutC = timer.C
	}

	select {
	case <-w.ready:
		return nil
	case <-ctx.Done():
		if rl.abandon(w) {
			return nil
		}
		return ctx.Err()
	case <-timeoutC:
		if rl.abandon(w) {
			return nil
		}
		return ErrAcquireTimeout
	}
}

// Execute acquires a slot (bounded by MaxWait) and runs the operation.
func (rl *RateLimiter) Execute(ctx context.Context, op func(context.Context) error) error {
	if err := rl.Acquire(ctx, rl.config.MaxWait); err != nil {
		return err
	}
	return op(ctx)
}

// ReportRateLimitHit records a server-signaled overload (e.g. a 429).
// In adaptive mode the current rate is halved, floored at MinRate. When
// the server supplied a retry-after duration the bucket is drained and
// refill is pushed out by that duration, forcing a pause.
func (rl *RateLimiter) ReportRateLimitHit(retryAfter time.Duration) {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refillLocked()
	rl.hitCount++
	rl.lastHit = time.Now()

	if rl.config.Adaptive {
		rl.currentRate = math.Max(rl.config.MinRate, math.Floor(rl.currentRate*0.5))
	}

	if retryAfter > 0 {
		rl.tokens = 0
		rl.lastRefill = time.Now().Add(retryAfter)
		if len(rl.waiters) > 0 {
			rl.scheduleLocked(rl.nextAvailableLocked())
		}
	}
}

// ReportSuccess nudges the rate back toward the configured base after a
// quiet period with no limit hits. Recovery is proportional to the
// remaining gap, at least one request per minute, and never overshoots
// the base rate. No-op when adaptive mode is off.
func (rl *RateLimiter) ReportSuccess() {
	if !rl.config.Adaptive {
		return
	}

	rl.mu.Lock()
	defer rl.mu.Unlock()

	base := rl.config.RequestsPerMinute
	if rl.currentRate >= base {
		return
	}
	if !rl.lastHit.IsZero() && time.Since(rl.lastHit) <= rl.config.QuietPeriod {
		return
	}

	step := rl.config.RecoveryFactor * (base - rl.currentRate)
	if step < 1 {
		step = 1
	}
	rl.currentRate = math.Min(base, rl.currentRate+step)
}

// Status returns a snapshot of the bucket state.
func (rl *RateLimiter) Status() RateLimiterStatus {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.refillLocked()
	status := RateLimiterStatus{
		AvailableTokens: rl.tokens,
		Limited:         rl.tokens < 1,
		CurrentRate:     rl.currentRate,
		HitCount:        rl.hitCount,
	}
	if status.Limited {
		status.NextAvailableIn = rl.nextAvailableLocked()
	}
	return status
}

// Reset restores the limiter to a full bucket at the base rate.
func (rl *RateLimiter) Reset() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.tokens = float64(rl.config.Burst)
	rl.currentRate = rl.config.RequestsPerMinute
	rl.lastRefill = time.Now()
	rl.hitCount = 0
	rl.lastHit = time.Time{}
}

// Config returns the rate limiter configuration.
func (rl *RateLimiter) Config() RateLimiterConfig {
	return rl.config
}

// refillLocked adds tokens for the elapsed time at the current rate,
// capped at Burst. A lastRefill pushed into the future (after a
// retry-after pause) suppresses refill until the pause passes.
func (rl *RateLimiter) refillLocked() {
	now := time.Now()
	elapsed := now.Sub(rl.lastRefill)
	if elapsed <= 0 {
		return
	}
	rl.tokens = math.Min(float64(rl.config.Burst), rl.tokens+elapsed.Seconds()*rl.currentRate/60)
	rl.lastRefill = now
}

// nextAvailableLocked returns the time until one whole token is
// available at the current rate, including any retry-after pause.
func (rl *RateLimiter) nextAvailableLocked() time.Duration {
	if rl.tokens >= 1 {
		return 0
	}
	perSecond := rl.currentRate / 60
	wait := time.Duration(math.Ceil((1 - rl.tokens) / perSecond * float64(time.Second)))
	if pause := time.Until(rl.lastRefill); pause > 0 {
		wait += pause
	}
	return wait
}

// scheduleLocked arms the drain timer if it is not already pending.
func (rl *RateLimiter) scheduleLocked(wait time.Duration) {
	if rl.timerSet {
		return
	}
	if wait <= 0 {
		wait = time.Millisecond
	}
	rl.timerSet = true
	rl.timer = time.AfterFunc(wait, rl.drain)
}

// drain wakes queued waiters in enqueue order while tokens remain, then
// re-arms the timer if the queue is still non-empty.
func (rl *RateLimiter) drain() {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	rl.timerSet = false
	rl.refillLocked()

	for len(rl.waiters) > 0 && rl.tokens >= 1 {
		w := rl.waiters[0]
		rl.waiters = rl.waiters[1:]
		if w.gone {
			continue
		}
		rl.tokens--
		w.granted = true
		close(w.ready)
	}

	if len(rl.waiters) > 0 {
		rl.scheduleLocked(rl.nextAvailableLocked())
	}
}

// abandon removes a waiter after cancellation or timeout. If the drain
// loop granted a token concurrently, the grant stands and abandon
// reports true so the caller can proceed.
func (rl *RateLimiter) abandon(w *waiter) bool {
	rl.mu.Lock()
	defer rl.mu.Unlock()

	if w.granted {
		return true
	}
	w.gone = true
	for i, q := range rl.waiters {
		if q == w {
			rl.waiters = append(rl.waiters[:i], rl.waiters[i+1:]...)
			break
		}
	}
	return false
}
