// ABOUTME: Tests for the in-memory sliding window limiter and backoff
// ABOUTME: Covers the N+1 boundary, window sliding, concurrent atomicity and violation streaks

package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock() *testClock {
	return &testClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
}

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.t = c.t.Add(d)
}

func TestMemoryLimiter_Boundary(t *testing.T) {
	clk := newTestClock()
	l := NewMemoryLimiter(MemoryLimiterConfig{Now: clk.Now})
	ctx := context.Background()
	const limit, window = 3, time.Minute

	first := clk.Now()
	for i := 0; i < limit; i++ {
		d, err := l.Allow(ctx, "k", limit, window)
		require.NoError(t, err)
		assert.True(t, d.Allowed)
		assert.Equal(t, limit-i-1, d.Remaining)
		clk.Advance(time.Second)
	}

	d, err := l.Allow(ctx, "k", limit, window)
	require.NoError(t, err)
	assert.False(t, d.Allowed, "N+1th request in window is rejected")
	assert.Equal(t, 0, d.Remaining)
	assert.Equal(t, first.Add(window), d.ResetAt)
	assert.Equal(t, 1, d.Violations)

	// exactly one window after the earliest counted request
	clk.Advance(first.Add(window).Sub(clk.Now()))
	d, err = l.Allow(ctx, "k", limit, window)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
	assert.Equal(t, 0, d.Violations)
}

func TestMemoryLimiter_KeysAreIndependent(t *testing.T) {
	clk := newTestClock()
	l := NewMemoryLimiter(MemoryLimiterConfig{Now: clk.Now})
	ctx := context.Background()

	d, err := l.Allow(ctx, "a", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)

	d, err = l.Allow(ctx, "b", 1, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestMemoryLimiter_ConcurrentNeverOvershoots(t *testing.T) {
	clk := newTestClock()
	l := NewMemoryLimiter(MemoryLimiterConfig{Now: clk.Now})
	ctx := context.Background()
	const limit = 10

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 200; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			d, err := l.Allow(ctx, "hot", limit, time.Minute)
			if err == nil && d.Allowed {
				allowed.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(limit), allowed.Load())
}

func TestMemoryLimiter_ViolationStreak(t *testing.T) {
	clk := newTestClock()
	l := NewMemoryLimiter(MemoryLimiterConfig{Now: clk.Now})
	ctx := context.Background()

	_, err := l.Allow(ctx, "k", 1, time.Minute)
	require.NoError(t, err)

	for want := 1; want <= 3; want++ {
		d, err := l.Allow(ctx, "k", 1, time.Minute)
		require.NoError(t, err)
		assert.Equal(t, want, d.Violations)
	}
}

func TestMemoryLimiter_Capacity(t *testing.T) {
	clk := newTestClock()
	l := NewMemoryLimiter(MemoryLimiterConfig{Now: clk.Now, MaxKeys: 1})
	ctx := context.Background()

	_, err := l.Allow(ctx, "a", 1, time.Minute)
	require.NoError(t, err)
	_, err = l.Allow(ctx, "b", 1, time.Minute)
	assert.Error(t, err)

	// once a's window passes it is collected
	clk.Advance(2 * time.Minute)
	_, err = l.Allow(ctx, "b", 1, time.Minute)
	assert.NoError(t, err)
}

func TestMemoryLimiter_ZeroLimitUnlimited(t *testing.T) {
	l := NewMemoryLimiter(MemoryLimiterConfig{})
	d, err := l.Allow(context.Background(), "k", 0, time.Minute)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestBackoff_Delay(t *testing.T) {
	b := Backoff{Base: time.Second, Max: 15 * time.Minute}

	tests := []struct {
		violations int
		want       time.Duration
	}{
		{0, 0},
		{1, time.Second},
		{2, 2 * time.Second},
		{5, 16 * time.Second},
		{11, 1024 * time.Second},
		{20, 15 * time.Minute},
		{5000, 15 * time.Minute},
	}
	for _, tt := range tests {
		assert.Equal(t, tt.want, b.Delay(tt.violations), "violations=%d", tt.violations)
	}
}
