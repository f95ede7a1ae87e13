package resilience

import (
	"math/rand/v2"
	"testing"
	"time"
)

func TestNewBackoff_Defaults(t *testing.T) {
	b := NewBackoff(BackoffConfig{})

	if b.config.BaseDelay != 100*time.Millisecond {
		t.Errorf("BaseDelay = %v, want 100ms", b.config.BaseDelay)
	}
	if b.config.MaxDelay != 30*time.Second {
		t.Errorf("MaxDelay = %v, want 30s", b.config.MaxDelay)
	}
	if b.config.Multiplier != 2.0 {
		t.Errorf("Multiplier = %f, want 2.0", b.config.Multiplier)
	}
	if b.config.Strategy != BackoffExponential {
		t.Errorf("Strategy = %v, want exponential", b.config.Strategy)
	}
}

func TestBackoff_Exponential(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		BaseDelay:  100 * time.Millisecond,
		Multiplier: 2.0,
	})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
	}

	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_Linear(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		BaseDelay: 50 * time.Millisecond,
		Strategy:  BackoffLinear,
	})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 50 * time.Millisecond},
		{2, 100 * time.Millisecond},
		{3, 150 * time.Millisecond},
	}

	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_Constant(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		BaseDelay: 250 * time.Millisecond,
		Strategy:  BackoffConstant,
	})

	for attempt := 1; attempt <= 5; attempt++ {
		if got := b.Delay(attempt); got != 250*time.Millisecond {
			t.Errorf("Delay(%d) = %v, want 250ms", attempt, got)
		}
	}
}

func TestBackoff_Fibonacci(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		BaseDelay: 100 * time.Millisecond,
		Strategy:  BackoffFibonacci,
	})

	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 100 * time.Millisecond},
		{3, 200 * time.Millisecond},
		{4, 300 * time.Millisecond},
		{5, 500 * time.Millisecond},
		{6, 800 * time.Millisecond},
	}

	for _, tt := range tests {
		if got := b.Delay(tt.attempt); got != tt.want {
			t.Errorf("Delay(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestBackoff_MaxDelayCap(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		BaseDelay:  time.Second,
		MaxDelay:   5 * time.Second,
		Multiplier: 2.0,
	})

	if got := b.Delay(10); got != 5*time.Second {
		t.Errorf("Delay(10) = %v, want capped at 5s", got)
	}
}

func TestBackoff_JitterBounds(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		BaseDelay:    100 * time.Millisecond,
		Multiplier:   2.0,
		JitterFactor: 0.5,
		Rand:         rand.New(rand.NewPCG(1, 2)),
	})

	for i := 0; i < 50; i++ {
		got := b.Delay(3) // 400ms before jitter
		if got < 200*time.Millisecond || got > 600*time.Millisecond {
			t.Fatalf("Delay(3) = %v, want within [200ms, 600ms]", got)
		}
	}
}

func TestBackoff_ZeroJitterIsDeterministic(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		BaseDelay:  100 * time.Millisecond,
		Multiplier: 2.0,
	})

	first := b.Delay(3)
	for i := 0; i < 10; i++ {
		if got := b.Delay(3); got != first {
			t.Fatalf("Delay(3) = %v, want %v on every call", got, first)
		}
	}
}

func TestBackoff_DecorrelatedMemoized(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		BaseDelay: 100 * time.Millisecond,
		MaxDelay:  10 * time.Second,
		Strategy:  BackoffDecorrelated,
		Rand:      rand.New(rand.NewPCG(7, 11)),
	})

	// The delay for an attempt is drawn once and remembered.
	d2 := b.Delay(2)
	for i := 0; i < 5; i++ {
		if got := b.Delay(2); got != d2 {
			t.Fatalf("Delay(2) = %v, want memoized %v", got, d2)
		}
	}

	// Querying a later attempt does not disturb earlier ones.
	_ = b.Delay(5)
	if got := b.Delay(2); got != d2 {
		t.Errorf("Delay(2) after Delay(5) = %v, want %v", got, d2)
	}
}

func TestBackoff_DecorrelatedRange(t *testing.T) {
	base := 100 * time.Millisecond
	b := NewBackoff(BackoffConfig{
		BaseDelay: base,
		MaxDelay:  time.Minute,
		Strategy:  BackoffDecorrelated,
		Rand:      rand.New(rand.NewPCG(3, 5)),
	})

	prev := base
	for attempt := 1; attempt <= 8; attempt++ {
		got := b.Delay(attempt)
		hi := 3 * prev
		if got < base || got > hi {
			t.Fatalf("Delay(%d) = %v, want within [%v, %v]", attempt, got, base, hi)
		}
		prev = got
	}
}

func TestBackoff_AttemptBelowOne(t *testing.T) {
	b := NewBackoff(BackoffConfig{
		BaseDelay:  100 * time.Millisecond,
		Multiplier: 2.0,
	})

	if got := b.Delay(0); got != 100*time.Millisecond {
		t.Errorf("Delay(0) = %v, want 100ms", got)
	}
	if got := b.Delay(-3); got != 100*time.Millisecond {
		t.Errorf("Delay(-3) = %v, want 100ms", got)
	}
}

func TestParseBackoffStrategy(t *testing.T) {
	tests := []struct {
		in      string
		want    BackoffStrategy
		wantErr bool
	}{
		{"exponential", BackoffExponential, false},
		{"", BackoffExponential, false},
		{"linear", BackoffLinear, false},
		{"constant", BackoffConstant, false},
		{"fibonacci", BackoffFibonacci, false},
		{"decorrelated", BackoffDecorrelated, false},
		{"quadratic", BackoffExponential, true},
	}

	for _, tt := range tests {
		got, err := ParseBackoffStrategy(tt.in)
		if (err != nil) != tt.wantErr {
			t.Errorf("ParseBackoffStrategy(%q) error = %v, wantErr %v", tt.in, err, tt.wantErr)
			continue
		}
		if !tt.wantErr && got != tt.want {
			t.Errorf("ParseBackoffStrategy(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}

func TestBackoffStrategy_String(t *testing.T) {
	tests := []struct {
		strategy BackoffStrategy
		want     string
	}{
		{BackoffExponential, "exponential"},
		{BackoffLinear, "linear"},
		{BackoffConstant, "constant"},
		{BackoffFibonacci, "fibonacci"},
		{BackoffDecorrelated, "decorrelated"},
	}

	for _, tt := range tests {
		if got := tt.strategy.String(); got != tt.want {
			t.Errorf("String() = %q, want %q", got, tt.want)
		}
	}
}

func TestBackoff_LargeAttemptCapsAtMaxDelay(t *testing.T) {
	tests := []struct {
		name     string
		strategy BackoffStrategy
	}{
		{"exponential", BackoffExponential},
		{"fibonacci", BackoffFibonacci},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			b := NewBackoff(BackoffConfig{
				BaseDelay: 100 * time.Millisecond,
				MaxDelay:  30 * time.Second,
				Strategy:  tt.strategy,
			})

			// Far past the point where the growth curve exceeds int64;
			// the delay must land on the cap, not wrap negative.
			if got := b.Delay(90); got != 30*time.Second {
				t.Errorf("Delay(90) = %v, want the 30s cap", got)
			}
		})
	}
}
