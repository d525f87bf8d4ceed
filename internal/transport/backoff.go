package transport

import (
	"math"
	"time"
)

// RetryPolicy defines reconnect behavior. MaxRetries is the number of
// consecutive failed dials tolerated before giving up; zero retries forever.
type RetryPolicy struct {
	MaxRetries int
	BaseDelay  time.Duration
	MaxDelay   time.Duration
}

// NewRetryPolicy creates a new retry policy
func NewRetryPolicy(maxRetries int, baseDelay, maxDelay time.Duration) RetryPolicy {
	return RetryPolicy{
		MaxRetries: maxRetries,
		BaseDelay:  baseDelay,
		MaxDelay:   maxDelay,
	}
}

// CalculateDelay calculates exponential backoff delay for retry attempt
func (r RetryPolicy) CalculateDelay(attempt int) time.Duration {
	if attempt < 0 {
		attempt = 0
	}
	// Larger exponents overflow Duration.
	if attempt > 30 {
		return r.MaxDelay
	}

	delay := time.Duration(math.Pow(2, float64(attempt))) * r.BaseDelay
	if delay > r.MaxDelay || delay <= 0 {
		return r.MaxDelay
	}
	return delay
}

// Exhausted reports whether the given number of consecutive failures uses up
// the policy.
func (r RetryPolicy) Exhausted(failures int) bool {
	return r.MaxRetries > 0 && failures >= r.MaxRetries
}
