// ABOUTME: Tests for the per-key TTL cache.
// ABOUTME: Validates expiry, size limits, eviction order, sweeping and concurrent CheckAndMark.

package ttlcache

import (
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

type fakeClock struct {
	mu sync.Mutex
	t  time.Time
}

func (f *fakeClock) Now() time.Time {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.t
}

func (f *fakeClock) Advance(d time.Duration) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.t = f.t.Add(d)
}

func newTestCache(maxSize int) (*Cache, *fakeClock) {
	clk := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c := New(maxSize, 0, WithClock(clk.Now))
	return c, clk
}

func TestCache_ContainsUntilDeadline(t *testing.T) {
	c, clk := newTestCache(10)
	defer c.Close()

	assert.False(t, c.Contains("k"))

	c.Set("k", clk.Now().Add(time.Minute))
	assert.True(t, c.Contains("k"))

	clk.Advance(59 * time.Second)
	assert.True(t, c.Contains("k"))

	clk.Advance(time.Second)
	assert.False(t, c.Contains("k"), "deadline is exclusive")
}

func TestCache_SetExtendsNeverShortens(t *testing.T) {
	c, clk := newTestCache(10)
	defer c.Close()

	c.Set("k", clk.Now().Add(time.Hour))
	c.Set("k", clk.Now().Add(time.Minute))

	clk.Advance(30 * time.Minute)
	assert.True(t, c.Contains("k"))
}

func TestCache_EvictsOldest(t *testing.T) {
	c, clk := newTestCache(2)
	defer c.Close()

	until := clk.Now().Add(time.Hour)
	c.Set("a", until)
	c.Set("b", until)
	c.Set("c", until)

	assert.Equal(t, 2, c.Len())
	assert.False(t, c.Contains("a"))
	assert.True(t, c.Contains("b"))
	assert.True(t, c.Contains("c"))
}

func TestCache_Sweep(t *testing.T) {
	c, clk := newTestCache(10)
	defer c.Close()

	c.Set("short", clk.Now().Add(time.Second))
	c.Set("long", clk.Now().Add(time.Hour))

	clk.Advance(time.Minute)
	assert.Equal(t, 1, c.Sweep())
	assert.Equal(t, 1, c.Len())
	assert.True(t, c.Contains("long"))
}

func TestCache_CheckAndMark(t *testing.T) {
	c, clk := newTestCache(10)
	defer c.Close()

	until := clk.Now().Add(time.Minute)
	assert.False(t, c.CheckAndMark("k", until))
	assert.True(t, c.CheckAndMark("k", until))

	clk.Advance(2 * time.Minute)
	assert.False(t, c.CheckAndMark("k", clk.Now().Add(time.Minute)), "expired key counts as new")
}

func TestCache_CheckAndMark_Atomic(t *testing.T) {
	c, clk := newTestCache(100)
	defer c.Close()

	var firsts atomic.Int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if !c.CheckAndMark("same", clk.Now().Add(time.Minute)) {
				firsts.Add(1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), firsts.Load())
}

func TestCache_CloseTwice(t *testing.T) {
	c := New(10, time.Millisecond)
	c.Close()
	c.Close()
}
