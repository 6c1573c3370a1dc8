// ABOUTME: Tests for the circuit breaker, guarded limiter and admitter
// ABOUTME: Covers open/half-open/closed transitions, fail-closed vs fallback, and retry-after hints

package admission

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

var errDown = errors.New("dependency down")

func newTestBreaker(clk *testClock) *CircuitBreaker {
	b := NewCircuitBreaker("redis", BreakerConfig{FailureThreshold: 3, Window: time.Minute, Cooldown: 30 * time.Second}, nil)
	b.Now = clk.Now
	return b
}

func fail(context.Context) error    { return errDown }
func succeed(context.Context) error { return nil }

func TestCircuitBreaker_OpensAtThreshold(t *testing.T) {
	clk := newTestClock()
	b := newTestBreaker(clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.ErrorIs(t, b.Do(ctx, fail), errDown)
	}
	assert.Equal(t, StateOpen, b.State())

	called := false
	err := b.Do(ctx, func(context.Context) error { called = true; return nil })
	var open *CircuitOpenError
	require.ErrorAs(t, err, &open)
	assert.Equal(t, "redis", open.Service)
	assert.Equal(t, 30*time.Second, open.RetryAfter)
	assert.False(t, called, "open circuit fails fast without calling")
}

func TestCircuitBreaker_FailuresOutsideWindowDoNotCount(t *testing.T) {
	clk := newTestClock()
	b := newTestBreaker(clk)
	ctx := context.Background()

	_ = b.Do(ctx, fail)
	_ = b.Do(ctx, fail)
	clk.Advance(2 * time.Minute)
	_ = b.Do(ctx, fail)

	assert.Equal(t, StateClosed, b.State())
}

func TestCircuitBreaker_HalfOpenTrial(t *testing.T) {
	clk := newTestClock()
	b := newTestBreaker(clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Do(ctx, fail)
	}
	clk.Advance(30 * time.Second)
	assert.Equal(t, StateHalfOpen, b.State())

	// failed trial re-opens
	assert.ErrorIs(t, b.Do(ctx, fail), errDown)
	assert.Equal(t, StateOpen, b.State())

	clk.Advance(30 * time.Second)
	require.NoError(t, b.Do(ctx, succeed))
	assert.Equal(t, StateClosed, b.State())
}

func TestCircuitBreaker_SingleTrialWhileHalfOpen(t *testing.T) {
	clk := newTestClock()
	b := newTestBreaker(clk)
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		_ = b.Do(ctx, fail)
	}
	clk.Advance(time.Minute)

	release := make(chan struct{})
	started := make(chan struct{})
	go func() {
		_ = b.Do(ctx, func(context.Context) error {
			close(started)
			<-release
			return nil
		})
	}()
	<-started

	var open *CircuitOpenError
	assert.ErrorAs(t, b.Do(ctx, succeed), &open)
	close(release)
}

func TestCircuitBreaker_CancellationIsNeutral(t *testing.T) {
	clk := newTestClock()
	b := newTestBreaker(clk)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_ = b.Do(ctx, func(context.Context) error { return context.Canceled })
	}
	assert.Equal(t, StateClosed, b.State())
}

type failingLimiter struct{ calls int }

func (f *failingLimiter) Allow(context.Context, string, int, time.Duration) (Decision, error) {
	f.calls++
	return Decision{}, errDown
}

func TestGuardedLimiter_FailClosed(t *testing.T) {
	clk := newTestClock()
	primary := &failingLimiter{}
	g := NewGuardedLimiter(primary, newTestBreaker(clk), nil, nil)
	ctx := context.Background()

	for i := 0; i < 5; i++ {
		_, err := g.Allow(ctx, "k", 10, time.Minute)
		var open *CircuitOpenError
		require.ErrorAs(t, err, &open)
	}
	assert.Equal(t, 3, primary.calls, "breaker stops calling after threshold")
}

func TestGuardedLimiter_FallsBackToLocal(t *testing.T) {
	clk := newTestClock()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })

	primary := NewRedisLimiterWithClient(client, "", clk.Now)
	local := NewMemoryLimiter(MemoryLimiterConfig{Now: clk.Now})
	g := NewGuardedLimiter(primary, newTestBreaker(clk), local, nil)
	ctx := context.Background()

	d, err := g.Allow(ctx, "k", 2, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	mr.Close()

	d, err = g.Allow(ctx, "k", 2, time.Minute)
	require.NoError(t, err, "local limiter answers while redis is down")
	assert.True(t, d.Allowed)
}

func TestAdmitter_RetryAfterUsesBackoff(t *testing.T) {
	clk := newTestClock()
	l := NewMemoryLimiter(MemoryLimiterConfig{Now: clk.Now})
	a := NewAdmitter(l, map[Class]Rule{
		ClassAuth:    {Limit: 1, Window: 10 * time.Second},
		ClassContent: {Limit: 100, Window: time.Minute},
	}, Backoff{Base: time.Second, Max: time.Hour}, nil)
	a.Now = clk.Now
	ctx := context.Background()

	_, err := a.Admit(ctx, ClassAuth, "1.2.3.4")
	require.NoError(t, err)

	var wantHints []time.Duration
	for i := 0; i < 6; i++ {
		d, err := a.Admit(ctx, ClassAuth, "1.2.3.4")
		var rl *RateLimitError
		require.ErrorAs(t, err, &rl)
		assert.False(t, d.Allowed)
		assert.Equal(t, rl.RetryAfter, d.RetryAfter)
		wantHints = append(wantHints, rl.RetryAfter)
	}
	// window reset dominates first, exponential backoff later
	assert.Equal(t, 10*time.Second, wantHints[0])
	assert.Equal(t, 32*time.Second, wantHints[5])

	// content class is unaffected
	d, err := a.Admit(ctx, ClassContent, "1.2.3.4")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 99, d.Remaining)
}

func TestAdmitter_NoRuleAllows(t *testing.T) {
	a := NewAdmitter(NewMemoryLimiter(MemoryLimiterConfig{}), nil, Backoff{}, nil)
	d, err := a.Admit(context.Background(), ClassContent, "x")
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestKey(t *testing.T) {
	assert.Equal(t, "class:auth:subject:abc", Key(ClassAuth, "abc"))
}
