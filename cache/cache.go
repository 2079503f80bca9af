// Package cache provides the in-process read cache used for read-mostly
// configuration (quota configs, budget status).
//
// Fills are guarded by generations: a value loaded before an Invalidate or
// Purge of its key is returned to its caller but never stored, so the first
// read after an invalidation always goes to the source.
package cache

import (
	"sync"
	"sync/atomic"
	"time"
)

// Cache is the contract consumers depend on, so a distributed
// implementation can replace TTL without touching call sites.
type Cache[K comparable, V any] interface {
	Get(key K) (V, bool)
	Load(key K, loader func() (V, error)) (V, error)
	Invalidate(key K)
	Purge()
	Stats() Stats
}

// Stats reports cache effectiveness.
type Stats struct {
	Size    int     `json:"size"`
	Hits    uint64  `json:"hits"`
	Misses  uint64  `json:"misses"`
	HitRate float64 `json:"hit_rate"`
}

// Option configures a TTL cache.
type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock overrides time.Now (tests).
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

type token struct {
	epoch uint64
	gen   uint64
}

// TTL is an in-process cache with a fixed time-to-live per entry.
type TTL[K comparable, V any] struct {
	mu      sync.Mutex
	ttl     time.Duration
	entries map[K]entry[V]
	gens    map[K]uint64
	epoch   uint64
	now     func() time.Time

	hits   atomic.Uint64
	misses atomic.Uint64
}

var _ Cache[string, int] = (*TTL[string, int])(nil)

// New creates a TTL cache. A non-positive ttl disables caching: every
// Load reads through.
func New[K comparable, V any](ttl time.Duration, opts ...Option) *TTL[K, V] {
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	return &TTL[K, V]{
		ttl:     ttl,
		entries: make(map[K]entry[V]),
		gens:    make(map[K]uint64),
		now:     o.now,
	}
}

// Get returns a live entry.
func (c *TTL[K, V]) Get(key K) (V, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()

	e, ok := c.entries[key]
	if !ok {
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	if !c.now().Before(e.expiresAt) {
		delete(c.entries, key)
		c.misses.Add(1)
		var zero V
		return zero, false
	}
	c.hits.Add(1)
	return e.value, true
}

// Set stores a value unconditionally.
func (c *TTL[K, V]) Set(key K, value V) {
	if c.ttl <= 0 {
		return
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries[key] = entry[V]{value: value, expiresAt: c.now().Add(c.ttl)}
}

// Load returns the cached value or calls loader and caches its result.
// Loader errors are returned as-is and never cached.
func (c *TTL[K, V]) Load(key K, loader func() (V, error)) (V, error) {
	if v, ok := c.Get(key); ok {
		return v, nil
	}

	tok := c.token(key)
	v, err := loader()
	if err != nil {
		return v, err
	}
	if c.ttl <= 0 {
		return v, nil
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if tok.epoch == c.epoch && tok.gen == c.gens[key] {
		c.entries[key] = entry[V]{value: v, expiresAt: c.now().Add(c.ttl)}
	}
	return v, nil
}

// Invalidate drops one key and discards in-flight fills for it.
func (c *TTL[K, V]) Invalidate(key K) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, key)
	c.gens[key]++
}

// Purge drops every entry and discards all in-flight fills.
func (c *TTL[K, V]) Purge() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[K]entry[V])
	c.gens = make(map[K]uint64)
	c.epoch++
}

// Len returns the number of stored entries, expired ones included.
func (c *TTL[K, V]) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

// Stats returns size and hit rate since creation.
func (c *TTL[K, V]) Stats() Stats {
	hits := c.hits.Load()
	misses := c.misses.Load()
	s := Stats{Size: c.Len(), Hits: hits, Misses: misses}
	if total := hits + misses; total > 0 {
		s.HitRate = float64(hits) / float64(total)
	}
	return s
}

func (c *TTL[K, V]) token(key K) token {
	c.mu.Lock()
	defer c.mu.Unlock()
	return token{epoch: c.epoch, gen: c.gens[key]}
}
