// ABOUTME: Circuit breaker for calls to dependent services
// ABOUTME: Counts failures in a rolling window, opens past a threshold and admits a trial call after a cool-down

package admission

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"
)

// State is a circuit breaker state.
type State int

const (
	StateClosed State = iota
	StateOpen
	StateHalfOpen
)

func (s State) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateOpen:
		return "open"
	case StateHalfOpen:
		return "half-open"
	default:
		return "unknown"
	}
}

// BreakerConfig configures a CircuitBreaker.
type BreakerConfig struct {
	// FailureThreshold is the number of failures within Window that opens the circuit.
	FailureThreshold int
	Window           time.Duration
	// Cooldown is how long the circuit stays open before a single trial call.
	Cooldown time.Duration
}

// CircuitBreaker guards one dependency.
type CircuitBreaker struct {
	service string
	cfg     BreakerConfig
	logger  *slog.Logger

	// Now is the clock. Defaults to time.Now.
	Now func() time.Time

	mu       sync.Mutex
	state    State
	failures []time.Time
	openedAt time.Time
	probing  bool
}

// NewCircuitBreaker creates a closed breaker for service.
func NewCircuitBreaker(service string, cfg BreakerConfig, logger *slog.Logger) *CircuitBreaker {
	if cfg.FailureThreshold <= 0 {
		cfg.FailureThreshold = 5
	}
	if cfg.Window <= 0 {
		cfg.Window = time.Minute
	}
	if cfg.Cooldown <= 0 {
		cfg.Cooldown = 30 * time.Second
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &CircuitBreaker{
		service: service,
		cfg:     cfg,
		logger:  logger.With("component", "breaker", "service", service),
		Now:     time.Now,
	}
}

// State returns the current state, moving open to half-open once the cool-down
// has passed.
func (b *CircuitBreaker) State() State {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.advanceLocked(b.Now())
	return b.state
}

func (b *CircuitBreaker) advanceLocked(now time.Time) {
	if b.state == StateOpen && !now.Before(b.openedAt.Add(b.cfg.Cooldown)) {
		b.state = StateHalfOpen
		b.probing = false
	}
}

// Do runs fn unless the circuit is open. While half-open only one call is let
// through at a time; its outcome closes or re-opens the circuit.
func (b *CircuitBreaker) Do(ctx context.Context, fn func(ctx context.Context) error) error {
	if err := b.acquire(); err != nil {
		return err
	}
	err := fn(ctx)
	b.report(err)
	return err
}

func (b *CircuitBreaker) acquire() error {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.Now()
	b.advanceLocked(now)

	switch b.state {
	case StateOpen:
		return &CircuitOpenError{Service: b.service, RetryAfter: b.openedAt.Add(b.cfg.Cooldown).Sub(now)}
	case StateHalfOpen:
		if b.probing {
			return &CircuitOpenError{Service: b.service, RetryAfter: time.Second}
		}
		b.probing = true
	}
	return nil
}

func (b *CircuitBreaker) report(err error) {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.Now()

	// the caller gave up; says nothing about the dependency
	if errors.Is(err, context.Canceled) {
		b.probing = false
		return
	}

	if err == nil {
		if b.state == StateHalfOpen {
			b.logger.Info("circuit closed")
		}
		b.state = StateClosed
		b.failures = b.failures[:0]
		b.probing = false
		return
	}

	if b.state == StateHalfOpen {
		b.openLocked(now)
		return
	}

	cutoff := now.Add(-b.cfg.Window)
	kept := b.failures[:0]
	for _, t := range b.failures {
		if t.After(cutoff) {
			kept = append(kept, t)
		}
	}
	b.failures = append(kept, now)

	if len(b.failures) >= b.cfg.FailureThreshold {
		b.openLocked(now)
	}
}

func (b *CircuitBreaker) openLocked(now time.Time) {
	b.state = StateOpen
	b.openedAt = now
	b.failures = b.failures[:0]
	b.probing = false
	b.logger.Warn("circuit opened", "cooldown", b.cfg.Cooldown)
}
