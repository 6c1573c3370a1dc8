// ABOUTME: Tests for the Redis sliding window limiter against miniredis
// ABOUTME: Mirrors the memory limiter boundary cases and checks cross-client atomicity

package admission

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newRedisTestLimiter(t *testing.T, clk *testClock) (*RedisLimiter, *miniredis.Miniredis) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { client.Close() })
	return NewRedisLimiterWithClient(client, "test:", clk.Now), mr
}

func TestRedisLimiter_Boundary(t *testing.T) {
	clk := newTestClock()
	l, _ := newRedisTestLimiter(t, clk)
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
	assert.False(t, d.Allowed)
	assert.Equal(t, first.Add(window).UnixMilli(), d.ResetAt.UnixMilli())
	assert.Equal(t, 1, d.Violations)

	d, err = l.Allow(ctx, "k", limit, window)
	require.NoError(t, err)
	assert.Equal(t, 2, d.Violations)

	clk.Advance(first.Add(window).Sub(clk.Now()))
	d, err = l.Allow(ctx, "k", limit, window)
	require.NoError(t, err)
	assert.True(t, d.Allowed)
}

func TestRedisLimiter_SharedAcrossInstances(t *testing.T) {
	clk := newTestClock()
	mr := miniredis.RunT(t)
	ctx := context.Background()
	const limit = 5

	var allowed atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 4; i++ {
		client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
		t.Cleanup(func() { client.Close() })
		l := NewRedisLimiterWithClient(client, "", clk.Now)

		for j := 0; j < 10; j++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				d, err := l.Allow(ctx, "shared", limit, time.Minute)
				if err == nil && d.Allowed {
					allowed.Add(1)
				}
			}()
		}
	}
	wg.Wait()

	assert.Equal(t, int32(limit), allowed.Load())
}

func TestRedisLimiter_Unavailable(t *testing.T) {
	clk := newTestClock()
	l, mr := newRedisTestLimiter(t, clk)
	mr.Close()

	_, err := l.Allow(context.Background(), "k", 1, time.Minute)
	assert.Error(t, err)
}

func TestNewRedisLimiter_RequiresAddr(t *testing.T) {
	_, err := NewRedisLimiter(RedisLimiterConfig{})
	assert.Error(t, err)
}
