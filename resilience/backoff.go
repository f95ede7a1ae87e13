package resilience

import (
	"fmt"
	"math"
	"math/rand/v2"
	"sync"
	"time"
)

// BackoffStrategy defines how delays grow between retries.
type BackoffStrategy int

const (
	// BackoffExponential grows the delay by Multiplier each attempt.
	BackoffExponential BackoffStrategy = iota
	// BackoffLinear increases the delay linearly with the attempt number.
	BackoffLinear
	// BackoffConstant uses the same delay for all retries.
	BackoffConstant
	// BackoffFibonacci scales the base delay by the Fibonacci sequence.
	BackoffFibonacci
	// BackoffDecorrelated draws each delay from a range spread by the
	// previous attempt's delay.
	BackoffDecorrelated
)

// String returns the strategy name.
func (s BackoffStrategy) String() string {
	switch s {
	case BackoffExponential:
		return "exponential"
	case BackoffLinear:
		return "linear"
	case BackoffConstant:
		return "constant"
	case BackoffFibonacci:
		return "fibonacci"
	case BackoffDecorrelated:
		return "decorrelated"
	default:
		return "exponential"
	}
}

// ParseBackoffStrategy parses a strategy name as used in configuration.
func ParseBackoffStrategy(s string) (BackoffStrategy, error) {
	switch s {
	case "exponential", "":
		return BackoffExponential, nil
	case "linear":
		return BackoffLinear, nil
	case "constant":
		return BackoffConstant, nil
	case "fibonacci":
		return BackoffFibonacci, nil
	case "decorrelated":
		return BackoffDecorrelated, nil
	default:
		return BackoffExponential, fmt.Errorf("resilience: unknown backoff strategy %q", s)
	}
}

// BackoffConfig configures delay computation.
type BackoffConfig struct {
	// BaseDelay is the delay before the first retry.
	// Default: 100ms
	BaseDelay time.Duration

	// MaxDelay caps the computed delay before jitter.
	// Default: 30s
	MaxDelay time.Duration

	// Multiplier is the growth factor for exponential backoff.
	// Default: 2.0
	Multiplier float64

	// JitterFactor perturbs the capped delay by up to +/- this fraction.
	// 0 disables jitter.
	JitterFactor float64

	// Strategy selects how the pre-cap delay is computed.
	// Default: BackoffExponential
	Strategy BackoffStrategy

	// Rand supplies randomness for jitter and decorrelated delays.
	// Default: the process-wide generator. Inject for determinism.
	Rand *rand.Rand
}

// Backoff computes per-attempt retry delays. Decorrelated delays carry
// the previous attempt's value forward as explicit state, so each
// attempt's delay is computed once and remembered rather than
// re-randomized on later queries.
//
// A Backoff holds per-invocation state; create one per retry loop.
type Backoff struct {
	config BackoffConfig

	mu     sync.Mutex
	memo   []time.Duration // decorrelated delays indexed by attempt
}

// NewBackoff creates a delay calculator.
func NewBackoff(config BackoffConfig) *Backoff {
	// Apply defaults
	if config.BaseDelay <= 0 {
		config.BaseDelay = 100 * time.Millisecond
	}
	if config.MaxDelay <= 0 {
		config.MaxDelay = 30 * time.Second
	}
	if config.Multiplier <= 0 {
		config.Multiplier = 2.0
	}

	return &Backoff{config: config}
}

// Config returns the backoff configuration.
func (b *Backoff) Config() BackoffConfig {
	return b.config
}

// Delay returns the delay to wait before the given retry attempt.
// Attempts are numbered from 1.
func (b *Backoff) Delay(attempt int) time.Duration {
	if attempt < 1 {
		attempt = 1
	}

	b.mu.Lock()
	defer b.mu.Unlock()

	delay := b.baseLocked(attempt)
	if delay > b.config.MaxDelay {
		delay = b.config.MaxDelay
	}

	if jf := b.config.JitterFactor; jf > 0 && delay > 0 {
		u := b.float64Locked()*2 - 1 // uniform in [-1, 1)
		jittered := float64(delay) + float64(delay)*jf*u
		delay = time.Duration(math.Round(jittered/float64(time.Millisecond))) * time.Millisecond
	}

	if delay < 0 {
		delay = 0
	}
	return delay
}

func (b *Backoff) baseLocked(attempt int) time.Duration {
	base := b.config.BaseDelay

	switch b.config.Strategy {
	case BackoffConstant:
		return base

	case BackoffLinear:
		return base * time.Duration(attempt)

	case BackoffFibonacci:
		return b.capLocked(float64(base) * float64(fibonacci(attempt)))

	case BackoffDecorrelated:
		return b.decorrelatedLocked(attempt)

	default: // BackoffExponential
		return b.capLocked(float64(base) * math.Pow(b.config.Multiplier, float64(attempt-1)))
	}
}

// capLocked converts a float delay to a Duration, capping in float space
// first. Growth curves overflow int64 within a few dozen attempts, and a
// wrapped conversion would read as a negative delay.
func (b *Backoff) capLocked(f float64) time.Duration {
	if f > float64(b.config.MaxDelay) {
		return b.config.MaxDelay
	}
	return time.Duration(f)
}

// decorrelatedLocked computes base + u*(3*prev - base) where prev is the
// previous attempt's (capped) delay, filling the memo iteratively up to
// the requested attempt. prev for attempt 1 is the base delay.
func (b *Backoff) decorrelatedLocked(attempt int) time.Duration {
	base := float64(b.config.BaseDelay)

	for len(b.memo) < attempt {
		prev := base
		if n := len(b.memo); n > 0 {
			prev = float64(b.memo[n-1])
		}
		d := base + b.float64Locked()*(3*prev-base)
		if d > float64(b.config.MaxDelay) {
			d = float64(b.config.MaxDelay)
		}
		b.memo = append(b.memo, time.Duration(d))
	}
	return b.memo[attempt-1]
}

func (b *Backoff) float64Locked() float64 {
	if b.config.Rand != nil {
		return b.config.Rand.Float64()
	}
	// #nosec G404 -- jitter is non-cryptographic timing variance.
	return rand.Float64()
}

func fibonacci(n int) uint64 {
	if n <= 0 {
		return 0
	}
	var a, b uint64 = 0, 1
	for i := 1; i < n; i++ {
		a, b = b, a+b
	}
	return b
}
