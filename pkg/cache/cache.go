// Package cache provides a generic, thread-safe TTL cache.
//
// Entries expire a fixed duration after they are written and are
// evicted lazily on read plus by a background sweep. Statistics are
// always collected; Prometheus gauges and counters can be attached via
// options. Eviction is TTL-only: there is no LRU or size bound, so the
// caller controls growth through the TTL alone.
package cache

import (
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/meshrpc/errors"
)

// Stats holds cumulative cache statistics. All fields are guarded by
// the owning cache's mutex snapshots.
type Stats struct {
	Hits      int64
	Misses    int64
	Sets      int64
	Evictions int64
	Size      int
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

// TTL is a thread-safe cache whose entries expire ttl after Set.
type TTL[V any] struct {
	mu    sync.Mutex
	items map[string]entry[V]
	ttl   time.Duration
	stats Stats
	now   func() time.Time

	sweepEvery time.Duration
	done       chan struct{}
	closeOnce  sync.Once

	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	size      prometheus.Gauge
}

// Option configures a TTL cache.
type Option[V any] func(*TTL[V])

// WithSweepInterval overrides the background sweep interval.
func WithSweepInterval[V any](d time.Duration) Option[V] {
	return func(c *TTL[V]) {
		if d > 0 {
			c.sweepEvery = d
		}
	}
}

// WithNowFunc overrides the time source, for tests.
func WithNowFunc[V any](now func() time.Time) Option[V] {
	return func(c *TTL[V]) { c.now = now }
}

// WithPrometheus attaches hit/miss/eviction counters and a size gauge
// registered against reg under the given prefix.
func WithPrometheus[V any](reg prometheus.Registerer, prefix string) Option[V] {
	return func(c *TTL[V]) {
		c.hits = prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_hits_total", Help: "Cache hits.",
		})
		c.misses = prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_misses_total", Help: "Cache misses.",
		})
		c.evictions = prometheus.NewCounter(prometheus.CounterOpts{
			Name: prefix + "_evictions_total", Help: "Expired entries evicted.",
		})
		c.size = prometheus.NewGauge(prometheus.GaugeOpts{
			Name: prefix + "_size", Help: "Current entry count.",
		})
		reg.MustRegister(c.hits, c.misses, c.evictions, c.size)
	}
}

// NewTTL creates a TTL cache and starts its background sweep. Close
// stops the sweep.
func NewTTL[V any](ttl time.Duration, opts ...Option[V]) *TTL[V] {
	c := &TTL[V]{
		items:      make(map[string]entry[V]),
		ttl:        ttl,
		now:        time.Now,
		sweepEvery: ttl,
		done:       make(chan struct{}),
	}
	for _, opt := range opts {
		opt(c)
	}
	if c.sweepEvery < time.Second {
		c.sweepEvery = time.Second
	}
	go c.sweep()
	return c
}

// Get returns the live value for key.
func (c *TTL[V]) Get(key string) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.items[key]
	if ok && c.now().After(e.expiresAt) {
		delete(c.items, key)
		c.stats.Evictions++
		if c.evictions != nil {
			c.evictions.Inc()
		}
		ok = false
	}
	if !ok {
		c.stats.Misses++
		if c.misses != nil {
			c.misses.Inc()
		}
		var zero V
		return zero, false
	}
	c.stats.Hits++
	if c.hits != nil {
		c.hits.Inc()
	}
	return e.value, true
}

// Set stores value under key with the cache's TTL. Empty keys are a
// validation error.
func (c *TTL[V]) Set(key string, value V) error {
	if key == "" {
		return errors.Validation(errors.ErrEmptyKey, "TTL", "Set", "validate key")
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.items[key] = entry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
	c.stats.Sets++
	c.stats.Size = len(c.items)
	if c.size != nil {
		c.size.Set(float64(len(c.items)))
	}
	return nil
}

// Delete removes key, reporting whether it was present and live.
func (c *TTL[V]) Delete(key string) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	_, ok := c.items[key]
	delete(c.items, key)
	c.stats.Size = len(c.items)
	if c.size != nil {
		c.size.Set(float64(len(c.items)))
	}
	return ok
}

// Len returns the number of stored entries, expired ones included
// until the next sweep.
func (c *TTL[V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.items)
}

// Stats returns a snapshot of cumulative statistics.
func (c *TTL[V]) Stats() Stats {
	c.mu.Lock()
	defer c.mu.Unlock()
	s := c.stats
	s.Size = len(c.items)
	return s
}

// Close stops the background sweep. The cache remains usable.
func (c *TTL[V]) Close() {
	c.closeOnce.Do(func() { close(c.done) })
}

func (c *TTL[V]) sweep() {
	ticker := time.NewTicker(c.sweepEvery)
	defer ticker.Stop()
	for {
		select {
		case <-c.done:
			return
		case <-ticker.C:
			c.mu.Lock()
			now := c.now()
			for k, e := range c.items {
				if now.After(e.expiresAt) {
					delete(c.items, k)
					c.stats.Evictions++
					if c.evictions != nil {
						c.evictions.Inc()
					}
				}
			}
			c.stats.Size = len(c.items)
			if c.size != nil {
				c.size.Set(float64(len(c.items)))
			}
			c.mu.Unlock()
		}
	}
}
