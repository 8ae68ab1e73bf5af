// Package cache is a bounded in-memory store with per-entry TTL.
package cache

import (
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/simplelru"
)

const defaultCapacity = 256

type entry[V any] struct {
	value     V
	expiresAt time.Time
}

func (e entry[V]) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && !now.Before(e.expiresAt)
}

// Cache is safe for concurrent use. Expired entries are dropped lazily on Get
// and swept on Set once the cache is full; if the sweep frees nothing the
// least recently used entry is evicted.
type Cache[V any] struct {
	mu         sync.Mutex
	lru        *simplelru.LRU[string, entry[V]]
	capacity   int
	defaultTTL time.Duration
	now        func() time.Time
}

type Option func(*options)

type options struct {
	now func() time.Time
}

// WithClock replaces time.Now, mostly for tests.
func WithClock(now func() time.Time) Option {
	return func(o *options) { o.now = now }
}

// New builds a cache holding at most capacity entries. defaultTTL applies
// when Set is called with ttl <= 0; a zero defaultTTL means no expiry.
func New[V any](capacity int, defaultTTL time.Duration, opts ...Option) (*Cache[V], error) {
	if capacity <= 0 {
		capacity = defaultCapacity
	}
	o := options{now: time.Now}
	for _, opt := range opts {
		opt(&o)
	}
	l, err := simplelru.NewLRU[string, entry[V]](capacity, nil)
	if err != nil {
		return nil, err
	}
	return &Cache[V]{
		lru:        l,
		capacity:   capacity,
		defaultTTL: defaultTTL,
		now:        o.now,
	}, nil
}

func (c *Cache[V]) Get(key string) (V, bool) {
	var zero V
	if c == nil {
		return zero, false
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	e, ok := c.lru.Get(key)
	if !ok {
		return zero, false
	}
	if e.expired(c.now()) {
		c.lru.Remove(key)
		return zero, false
	}
	return e.value, true
}

func (c *Cache[V]) Set(key string, value V, ttl time.Duration) {
	if c == nil {
		return
	}
	if ttl <= 0 {
		ttl = c.defaultTTL
	}
	now := c.now()
	e := entry[V]{value: value}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.lru.Contains(key) && c.lru.Len() >= c.capacity {
		c.sweepLocked(now)
	}
	c.lru.Add(key, e)
}

func (c *Cache[V]) sweepLocked(now time.Time) int {
	removed := 0
	for _, key := range c.lru.Keys() {
		if e, ok := c.lru.Peek(key); ok && e.expired(now) {
			c.lru.Remove(key)
			removed++
		}
	}
	return removed
}

// Sweep drops every expired entry and reports how many were removed.
func (c *Cache[V]) Sweep() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.sweepLocked(c.now())
}

func (c *Cache[V]) Delete(key string) {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.lru.Remove(key)
	c.mu.Unlock()
}

// Len counts stored entries, expired ones included until swept.
func (c *Cache[V]) Len() int {
	if c == nil {
		return 0
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.lru.Len()
}

func (c *Cache[V]) Purge() {
	if c == nil {
		return
	}
	c.mu.Lock()
	c.lru.Purge()
	c.mu.Unlock()
}
