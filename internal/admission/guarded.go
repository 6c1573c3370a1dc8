// ABOUTME: Limiter wrapper that routes a shared limiter through a circuit breaker
// ABOUTME: Fails closed or falls back to a local limiter while the shared one is unavailable

package admission

import (
	"context"
	"errors"
	"log/slog"
	"time"
)

// GuardedLimiter calls primary through a circuit breaker. When the call fails or
// the circuit is open it either uses fallback or, when fallback is nil, rejects.
type GuardedLimiter struct {
	primary  Limiter
	fallback Limiter
	breaker  *CircuitBreaker
	logger   *slog.Logger
}

// NewGuardedLimiter creates a GuardedLimiter. Pass a nil fallback to fail closed.
func NewGuardedLimiter(primary Limiter, breaker *CircuitBreaker, fallback Limiter, logger *slog.Logger) *GuardedLimiter {
	if logger == nil {
		logger = slog.Default()
	}
	return &GuardedLimiter{
		primary:  primary,
		fallback: fallback,
		breaker:  breaker,
		logger:   logger.With("component", "admission"),
	}
}

// Allow implements Limiter.
func (g *GuardedLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (Decision, error) {
	var d Decision
	err := g.breaker.Do(ctx, func(ctx context.Context) error {
		var err error
		d, err = g.primary.Allow(ctx, key, limit, window)
		return err
	})
	if err == nil {
		return d, nil
	}
	if errors.Is(err, context.Canceled) {
		return Decision{}, err
	}

	if g.fallback == nil {
		var open *CircuitOpenError
		if errors.As(err, &open) {
			return Decision{}, err
		}
		return Decision{}, &CircuitOpenError{Service: g.breaker.service, RetryAfter: time.Second}
	}

	g.logger.Warn("shared rate limiter unavailable, using local limiter", "error", err)
	return g.fallback.Allow(ctx, key, limit, window)
}
