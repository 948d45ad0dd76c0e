package retry

import (
	"math"
	"math/rand"
	"time"
)

// Strategy computes the delay schedule for bounded retries. The retry
// ceiling itself is owned by the caller; a strategy only spaces attempts.
type Strategy interface {
	// NextDelay calculates the delay before the next retry attempt
	NextDelay(attempt int) time.Duration

	// ShouldRetry determines if a retry should be attempted
	ShouldRetry(attempt, maxAttempts int) bool
}

// ExponentialBackoff spaces reconnect attempts exponentially, capped at
// MaxDelay, with optional jitter to avoid thundering herds.
type ExponentialBackoff struct {
	BaseDelay  time.Duration
	MaxDelay   time.Duration
	Multiplier float64
	Jitter     bool
}

// NewExponentialBackoff creates a new exponential backoff strategy
func NewExponentialBackoff(baseDelay, maxDelay time.Duration, jitter bool) *ExponentialBackoff {
	return &ExponentialBackoff{
		BaseDelay:  baseDelay,
		MaxDelay:   maxDelay,
		Multiplier: 2.0,
		Jitter:     jitter,
	}
}

// DefaultExponentialBackoff returns the schedule used for database
// reconnects: one second base, one minute cap.
func DefaultExponentialBackoff() *ExponentialBackoff {
	return NewExponentialBackoff(1*time.Second, 1*time.Minute, true)
}

// NextDelay calculates the next delay using exponential backoff
func (e *ExponentialBackoff) NextDelay(attempt int) time.Duration {
	delay := float64(e.BaseDelay) * math.Pow(e.Multiplier, float64(attempt-1))

	if delay > float64(e.MaxDelay) {
		delay = float64(e.MaxDelay)
	}

	// randomize ±25%
	if e.Jitter {
		jitterFactor := 0.75 + (rand.Float64() * 0.5)
		delay = delay * jitterFactor
	}

	return time.Duration(delay)
}

// ShouldRetry checks if we should retry based on attempt count
func (e *ExponentialBackoff) ShouldRetry(attempt, maxAttempts int) bool {
	return attempt < maxAttempts
}

// FixedDelay retries on a constant interval.
type FixedDelay struct {
	Delay  time.Duration
	Jitter bool
}

// NewFixedDelay creates a new fixed delay strategy
func NewFixedDelay(delay time.Duration, jitter bool) *FixedDelay {
	return &FixedDelay{
		Delay:  delay,
		Jitter: jitter,
	}
}

// NextDelay returns the fixed delay
func (f *FixedDelay) NextDelay(attempt int) time.Duration {
	delay := f.Delay
	if f.Jitter {
		jitterFactor := 0.75 + (rand.Float64() * 0.5)
		delay = time.Duration(float64(delay) * jitterFactor)
	}
	return delay
}

// ShouldRetry checks if we should retry based on attempt count
func (f *FixedDelay) ShouldRetry(attempt, maxAttempts int) bool {
	return attempt < maxAttempts
}
