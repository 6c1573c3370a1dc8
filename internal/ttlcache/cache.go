// ABOUTME: Thread-safe, size-bounded cache where each key carries its own expiry.
// ABOUTME: Used as the in-process fast path for revoked token digests.

package ttlcache

import (
	"container/list"
	"sync"
	"time"
)

// entry stores the expiry and list element for a cached key.
type entry struct {
	until   time.Time
	element *list.Element
}

// Cache tracks keys until a per-key deadline. When full, the oldest inserted key
// is evicted. A miss is not authoritative: callers must fall back to durable
// storage, so eviction only costs a lookup.
type Cache struct {
	mu      sync.Mutex
	items   map[string]*entry
	order   *list.List // keys in insertion order (oldest at front)
	maxSize int
	now     func() time.Time
	done    chan struct{}
	closed  bool
}

// Option configures a Cache.
type Option func(*Cache)

// WithClock overrides time.Now, for tests.
func WithClock(now func() time.Time) Option {
	return func(c *Cache) { c.now = now }
}

// New creates a cache holding at most maxSize keys. A background goroutine
// removes expired keys every sweep interval; pass 0 to disable it.
func New(maxSize int, sweep time.Duration, opts ...Option) *Cache {
	c := &Cache{
		items:   make(map[string]*entry),
		order:   list.New(),
		maxSize: maxSize,
		now:     time.Now,
		done:    make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if sweep > 0 {
		go c.sweepLoop(sweep)
	}
	return c
}

// Contains reports whether key is present and not yet expired.
func (c *Cache) Contains(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	return ok && c.now().Before(e.until)
}

// CheckAndMark atomically checks for key and adds it with the given deadline if
// absent. Returns true if key was already present.
func (c *Cache) CheckAndMark(key string, until time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()

	if e, ok := c.items[key]; ok && c.now().Before(e.until) {
		return true
	}
	c.setLocked(key, until)
	return false
}

// Set adds key, or extends its deadline if it is already present.
func (c *Cache) Set(key string, until time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.setLocked(key, until)
}

// setLocked must be called with mu held.
func (c *Cache) setLocked(key string, until time.Time) {
	if e, ok := c.items[key]; ok {
		if until.After(e.until) {
			e.until = until
		}
		return
	}

	if c.maxSize > 0 && len(c.items) >= c.maxSize {
		c.evictOldest()
	}

	elem := c.order.PushBack(key)
	c.items[key] = &entry{until: until, element: elem}
}

// evictOldest removes the oldest inserted key. Must be called with mu held.
func (c *Cache) evictOldest() {
	front := c.order.Front()
	if front == nil {
		return
	}
	key, _ := front.Value.(string)
	c.order.Remove(front)
	delete(c.items, key)
}

// Len returns the number of keys held, expired or not.
func (c *Cache) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

func (c *Cache) sweepLoop(every time.Duration) {
	ticker := time.NewTicker(every)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			c.Sweep()
		case <-c.done:
			return
		}
	}
}

// Sweep removes expired keys and returns how many were dropped.
func (c *Cache) Sweep() int {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.now()
	n := 0
	for key, e := range c.items {
		if !now.Before(e.until) {
			c.order.Remove(e.element)
			delete(c.items, key)
			n++
		}
	}
	return n
}

// Close stops the background sweep. It is safe to call multiple times.
func (c *Cache) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if !c.closed {
		close(c.done)
		c.closed = true
	}
}
