// ABOUTME: In-process sliding-window log rate limiter
// ABOUTME: One mutex covers trim, count and insert so concurrent callers cannot overshoot

package admission

import (
	"context"
	"errors"
	"sync"
	"time"
)

type memoryWindow struct {
	hits       []time.Time // ascending
	window     time.Duration
	violations int
}

// MemoryLimiterConfig configures NewMemoryLimiter.
type MemoryLimiterConfig struct {
	Now     func() time.Time
	MaxKeys int
}

// MemoryLimiter keeps a log of admitted request times per key.
type MemoryLimiter struct {
	mu      sync.Mutex
	now     func() time.Time
	data    map[string]*memoryWindow
	maxKeys int
}

// NewMemoryLimiter creates a MemoryLimiter.
func NewMemoryLimiter(cfg MemoryLimiterConfig) *MemoryLimiter {
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.MaxKeys <= 0 {
		cfg.MaxKeys = 100000
	}
	return &MemoryLimiter{
		now:     cfg.Now,
		data:    make(map[string]*memoryWindow),
		maxKeys: cfg.MaxKeys,
	}
}

// Allow admits the request if fewer than limit requests were admitted for key in
// the trailing window.
func (m *MemoryLimiter) Allow(_ context.Context, key string, limit int, window time.Duration) (Decision, error) {
	if limit <= 0 {
		return Decision{Allowed: true, Limit: limit, Remaining: limit}, nil
	}
	now := m.now()
	cutoff := now.Add(-window)

	m.mu.Lock()
	defer m.mu.Unlock()

	w, ok := m.data[key]
	if !ok {
		if len(m.data) >= m.maxKeys {
			m.gc(now)
		}
		if len(m.data) >= m.maxKeys {
			return Decision{}, errors.New("rate limiter capacity exceeded")
		}
		w = &memoryWindow{}
		m.data[key] = w
	}
	w.window = window

	// drop hits at or before now-window
	i := 0
	for i < len(w.hits) && !w.hits[i].After(cutoff) {
		i++
	}
	w.hits = w.hits[i:]

	d := Decision{Limit: limit}
	if len(w.hits) < limit {
		w.hits = append(w.hits, now)
		w.violations = 0
		d.Allowed = true
		d.Remaining = limit - len(w.hits)
	} else {
		w.violations++
		d.Violations = w.violations
	}
	d.ResetAt = w.hits[0].Add(window)
	return d, nil
}

// gc drops keys with no hits left in their window. Must be called with mu held.
func (m *MemoryLimiter) gc(now time.Time) {
	for key, w := range m.data {
		if len(w.hits) == 0 || !w.hits[len(w.hits)-1].After(now.Add(-w.window)) {
			delete(m.data, key)
		}
	}
}
