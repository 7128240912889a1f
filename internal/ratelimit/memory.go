package ratelimit

import (
	"context"
	"math"
	"sync"
	"time"
)

const sweepInterval = time.Minute

// bucket is one token bucket. Each bucket carries its own mutex so
// checks for different keys never contend; checks for the same key are
// serialized, which is what makes check-and-decrement atomic.
type bucket struct {
	mu         sync.Mutex
	tokens     float64
	lastRefill time.Time
	// capacity and rate as last seen by Take, recorded so the sweeper
	// can tell when an idle bucket has refilled completely.
	capacity int
	rate     float64
	// evicted marks a bucket the sweeper has removed from the map. A
	// Take that fetched the pointer before removal must not decrement
	// it; it re-fetches and lands on a fresh bucket instead.
	evicted bool
}

// MemoryBackend keeps buckets in process memory. Buckets are created
// lazily on first use and evicted by a periodic sweep once they have
// been idle long enough to be full again — evicting a full bucket is
// indistinguishable from recreating it lazily.
type MemoryBackend struct {
	mu      sync.RWMutex
	buckets map[string]*bucket

	now  func() time.Time
	done chan struct{}
	once sync.Once
}

// NewMemoryBackend creates the backend and starts the eviction sweep.
func NewMemoryBackend() *MemoryBackend {
	m := newMemoryBackend(time.Now)
	go m.sweepLoop(sweepInterval)
	return m
}

// newMemoryBackend creates a backend without the sweep goroutine, with
// an injectable clock. Used directly by tests.
func newMemoryBackend(now func() time.Time) *MemoryBackend {
	return &MemoryBackend{
		buckets: make(map[string]*bucket),
		now:     now,
		done:    make(chan struct{}),
	}
}

// Take implements Backend.
func (m *MemoryBackend) Take(_ context.Context, key string, capacity int, refillRate float64) (Outcome, error) {
	b := m.get(key)
	b.mu.Lock()
	for b.evicted {
		b.mu.Unlock()
		b = m.get(key)
		b.mu.Lock()
	}
	defer b.mu.Unlock()

	now := m.now()
	if b.lastRefill.IsZero() {
		b.tokens = float64(capacity)
		b.lastRefill = now
	} else if delta := now.Sub(b.lastRefill).Seconds(); delta > 0 {
		b.tokens = math.Min(float64(capacity), b.tokens+delta*refillRate)
		b.lastRefill = now
	}
	b.capacity = capacity
	b.rate = refillRate

	if b.tokens >= 1 {
		b.tokens--
		return Outcome{Allowed: true, Remaining: b.tokens}, nil
	}
	return Outcome{
		Allowed:    false,
		Remaining:  b.tokens,
		RetryAfter: retryAfter(b.tokens, refillRate),
	}, nil
}

// Close stops the sweep goroutine. Buckets are dropped with the backend.
func (m *MemoryBackend) Close() error {
	m.once.Do(func() { close(m.done) })
	return nil
}

func (m *MemoryBackend) get(key string) *bucket {
	m.mu.RLock()
	b, ok := m.buckets[key]
	m.mu.RUnlock()
	if ok {
		return b
	}

	m.mu.Lock()
	defer m.mu.Unlock()
	if b, ok := m.buckets[key]; ok {
		return b
	}
	b = &bucket{}
	m.buckets[key] = b
	return b
}

func (m *MemoryBackend) sweepLoop(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ticker.C:
			m.sweep()
		case <-m.done:
			return
		}
	}
}

// sweep evicts buckets that have been idle long enough to refill to
// capacity. Take never holds a bucket lock while acquiring the map
// lock, so lock ordering here (map, then bucket) cannot deadlock.
func (m *MemoryBackend) sweep() {
	now := m.now()
	m.mu.Lock()
	defer m.mu.Unlock()
	for key, b := range m.buckets {
		b.mu.Lock()
		full := !b.lastRefill.IsZero() && b.rate > 0 &&
			now.Sub(b.lastRefill).Seconds()*b.rate >= float64(b.capacity)
		if full {
			// Marked under the bucket lock so a Take that already
			// holds the pointer re-fetches instead of decrementing an
			// orphan.
			b.evicted = true
			delete(m.buckets, key)
		}
		b.mu.Unlock()
	}
}

// Size reports the live bucket count.
func (m *MemoryBackend) Size() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.buckets)
}
