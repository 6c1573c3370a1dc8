// ABOUTME: Rate limiting types shared by the memory and Redis limiters
// ABOUTME: Defines decisions, admission errors and the exponential violation backoff

package admission

import (
	"context"
	"fmt"
	"math"
	"time"
)

// Decision is the outcome of one admission check.
type Decision struct {
	Allowed   bool
	Limit     int
	Remaining int
	// ResetAt is when the oldest counted request leaves the window.
	ResetAt time.Time
	// RetryAfter is set on rejections.
	RetryAfter time.Duration
	// Violations counts consecutive rejections for the key, including this one.
	Violations int
}

// Limiter is a sliding-window rate limiter. The trim, count and insert for one
// call happen atomically.
type Limiter interface {
	Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error)
}

// RateLimitError is returned when a request is rejected for exceeding its limit.
type RateLimitError struct {
	RetryAfter time.Duration
	Decision   Decision
}

func (e *RateLimitError) Error() string {
	return fmt.Sprintf("rate limit exceeded, retry after %s", e.RetryAfter.Round(time.Second))
}

// CircuitOpenError is returned when a dependency's circuit breaker is open.
type CircuitOpenError struct {
	Service    string
	RetryAfter time.Duration
}

func (e *CircuitOpenError) Error() string {
	return fmt.Sprintf("circuit open for %s", e.Service)
}

// Backoff computes the retry hint for repeated violations:
// min(Max, Base * 2^(violations-1)).
type Backoff struct {
	Base time.Duration
	Max  time.Duration
}

// Delay returns the backoff for the n-th consecutive violation (n >= 1).
func (b Backoff) Delay(violations int) time.Duration {
	if violations <= 0 || b.Base <= 0 {
		return 0
	}
	exp := float64(violations - 1)
	d := float64(b.Base) * math.Pow(2, exp)
	if b.Max > 0 && (d > float64(b.Max) || math.IsInf(d, 1)) {
		return b.Max
	}
	return time.Duration(d)
}
