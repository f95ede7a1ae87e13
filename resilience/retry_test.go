package resilience

import (
	"context"
	"errors"
	"testing"
	"time"
)

func TestNewRetry_Defaults(t *testing.T) {
	r := NewRetry(RetryConfig{})

	if r.config.Policy.MaxRetries != 3 {
		t.Errorf("MaxRetries = %d, want 3", r.config.Policy.MaxRetries)
	}
	if r.config.Policy.RetryIf == nil {
		t.Error("RetryIf = nil, want default predicate")
	}
	if !r.config.Policy.RetryIf(errors.New("any")) {
		t.Error("default RetryIf(non-nil) = false, want true")
	}
}

func TestRetry_SuccessOnFirstAttempt(t *testing.T) {
	r := NewRetry(RetryConfig{})

	attempts := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return nil
	})

	if err != nil {
		t.Errorf("Execute() error = %v", err)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetry_SuccessAfterTwoFailures(t *testing.T) {
	var retries []RetryContext
	failures := 0

	r := NewRetry(RetryConfig{
		Backoff: BackoffConfig{BaseDelay: time.Millisecond},
		Policy: Policy{
			MaxRetries: 3,
			OnRetry:    func(rc RetryContext) { retries = append(retries, rc) },
			OnFailure:  func(RetryContext) { failures++ },
		},
	})

	attempts := 0
	testErr := errors.New("transient")
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts <= 2 {
			return testErr
		}
		return nil
	})

	if err != nil {
		t.Errorf("Execute() error = %v", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3", attempts)
	}
	if len(retries) != 2 {
		t.Fatalf("OnRetry calls = %d, want 2", len(retries))
	}
	if failures != 0 {
		t.Errorf("OnFailure calls = %d, want 0", failures)
	}
	if retries[0].Attempt != 1 || retries[1].Attempt != 2 {
		t.Errorf("retry attempts = [%d, %d], want [1, 2]", retries[0].Attempt, retries[1].Attempt)
	}
	if !errors.Is(retries[0].Err, testErr) {
		t.Errorf("retry Err = %v, want %v", retries[0].Err, testErr)
	}
}

func TestRetry_ExhaustedReturnsLastErrorUnchanged(t *testing.T) {
	failures := 0
	r := NewRetry(RetryConfig{
		Backoff: BackoffConfig{BaseDelay: time.Millisecond},
		Policy: Policy{
			MaxRetries: 2,
			OnFailure:  func(RetryContext) { failures++ },
		},
	})

	attempts := 0
	testErr := errors.New("persistent")
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return testErr
	})

	if err != testErr {
		t.Errorf("Execute() error = %v, want the last attempt's error unchanged", err)
	}
	if attempts != 3 {
		t.Errorf("attempts = %d, want 3 (1 initial + 2 retries)", attempts)
	}
	if failures != 1 {
		t.Errorf("OnFailure calls = %d, want 1", failures)
	}
}

func TestRetry_NonIdempotentNeverRetried(t *testing.T) {
	failures := 0
	r := NewRetry(RetryConfig{
		Policy: Policy{
			MaxRetries:    3,
			NonIdempotent: true,
			OnRetry:       func(RetryContext) { t.Error("OnRetry called for a non-idempotent operation") },
			OnFailure:     func(RetryContext) { failures++ },
		},
	})

	attempts := 0
	testErr := errors.New("failed once")
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return testErr
	})

	if err != testErr {
		t.Errorf("Execute() error = %v, want %v", err, testErr)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
	if failures != 1 {
		t.Errorf("OnFailure calls = %d, want 1", failures)
	}
}

func TestRetry_RetryIfFalseIsTerminal(t *testing.T) {
	permanent := errors.New("permanent")
	r := NewRetry(RetryConfig{
		Policy: Policy{
			MaxRetries: 3,
			RetryIf:    func(err error) bool { return !errors.Is(err, permanent) },
		},
	})

	attempts := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return permanent
	})

	if err != permanent {
		t.Errorf("Execute() error = %v, want %v", err, permanent)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

// hintedErr carries a server-specified retry-after, like a 429 response.
type hintedErr struct {
	after   time.Duration
	limited bool
}

func (e *hintedErr) Error() string                     { return "rate limited" }
func (e *hintedErr) RetryAfter() (time.Duration, bool) { return e.after, true }
func (e *hintedErr) RateLimitHit() bool                { return e.limited }

func TestRetry_ServerRetryAfterOverridesBackoff(t *testing.T) {
	var delays []time.Duration
	r := NewRetry(RetryConfig{
		Backoff: BackoffConfig{BaseDelay: time.Millisecond},
		Policy: Policy{
			MaxRetries: 2,
			OnRetry:    func(rc RetryContext) { delays = append(delays, rc.Delay) },
		},
	})

	attempts := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			return &hintedErr{after: 30 * time.Millisecond}
		}
		return nil
	})

	if err != nil {
		t.Errorf("Execute() error = %v", err)
	}
	if len(delays) != 1 {
		t.Fatalf("OnRetry calls = %d, want 1", len(delays))
	}
	if delays[0] != 30*time.Millisecond {
		t.Errorf("Delay = %v, want the server hint 30ms", delays[0])
	}
}

func TestRetry_RateLimitFeedback(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{
		RequestsPerMinute: 600,
		Burst:             10,
		Adaptive:          true,
	})

	r := NewRetry(RetryConfig{
		Backoff: BackoffConfig{BaseDelay: time.Millisecond},
		Policy:  Policy{MaxRetries: 2},
		Limiter: limiter,
	})

	attempts := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		if attempts == 1 {
			return &hintedErr{limited: true}
		}
		return nil
	})

	if err != nil {
		t.Errorf("Execute() error = %v", err)
	}
	status := limiter.Status()
	if status.HitCount != 1 {
		t.Errorf("HitCount = %d, want 1", status.HitCount)
	}
	if status.CurrentRate != 300 {
		t.Errorf("CurrentRate = %f, want 300 after the reported hit", status.CurrentRate)
	}
}

func TestRetry_ContextCancelledDuringBackoff(t *testing.T) {
	r := NewRetry(RetryConfig{
		Backoff: BackoffConfig{BaseDelay: time.Second},
		Policy:  Policy{MaxRetries: 3},
	})

	ctx, cancel := context.WithCancel(context.Background())
	attempts := 0

	done := make(chan error, 1)
	go func() {
		done <- r.Execute(ctx, func(ctx context.Context) error {
			attempts++
			return errors.New("fail")
		})
	}()

	time.Sleep(20 * time.Millisecond)
	cancel()

	select {
	case err := <-done:
		if !errors.Is(err, context.Canceled) {
			t.Errorf("Execute() error = %v, want context.Canceled", err)
		}
	case <-time.After(time.Second):
		t.Fatal("Execute did not return after cancellation")
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}
}

func TestRetry_TerminalRateLimitStillReported(t *testing.T) {
	limiter := NewRateLimiter(RateLimiterConfig{
		RequestsPerMinute: 600,
		Burst:             10,
		Adaptive:          true,
	})

	r := NewRetry(RetryConfig{
		Policy:  Policy{MaxRetries: 3, NonIdempotent: true},
		Limiter: limiter,
	})

	rateErr := &hintedErr{limited: true}
	attempts := 0
	err := r.Execute(context.Background(), func(ctx context.Context) error {
		attempts++
		return rateErr
	})

	if err != rateErr {
		t.Errorf("Execute() error = %v, want %v", err, rateErr)
	}
	if attempts != 1 {
		t.Errorf("attempts = %d, want 1", attempts)
	}

	// The shared limiter adapts even though this invocation gave up.
	status := limiter.Status()
	if status.HitCount != 1 {
		t.Errorf("HitCount = %d, want 1", status.HitCount)
	}
	if status.CurrentRate != 300 {
		t.Errorf("CurrentRate = %f, want 300 after the reported hit", status.CurrentRate)
	}
}
