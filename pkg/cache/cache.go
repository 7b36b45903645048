// Package cache provides a time-bounded cache for responses from remote
// element sources.
package cache

import (
	"math"
	"sort"
	"sync"
	"time"
)

// item is a cached value with expiration
type item[V any] struct {
	value      V
	expiration int64
}

func (it item[V]) expired(now int64) bool {
	return it.expiration > 0 && now > it.expiration
}

// TTLCache is a thread-safe cache with time-based expiration.
type TTLCache[K comparable, V any] struct {
	items           map[K]item[V]
	mu              sync.RWMutex
	defaultTTL      time.Duration
	cleanupInterval time.Duration
	maxItems        int
	stopCleanup     chan struct{}
	cleanupStarted  sync.Once
	cleanupStopped  sync.Once
}

// NewTTLCache creates a new cache with the specified TTL and cleanup interval.
// maxItems bounds the entry count; entries closest to expiry go first. A zero
// cleanup interval disables the background janitor.
func NewTTLCache[K comparable, V any](defaultTTL, cleanupInterval time.Duration, maxItems int) *TTLCache[K, V] {
	c := &TTLCache[K, V]{
		items:           make(map[K]item[V]),
		defaultTTL:      defaultTTL,
		cleanupInterval: cleanupInterval,
		maxItems:        maxItems,
		stopCleanup:     make(chan struct{}),
	}
	c.startCleanupTimer()
	return c
}

// Set adds an item to the cache with the default TTL
func (c *TTLCache[K, V]) Set(key K, value V) {
	c.SetWithTTL(key, value, c.defaultTTL)
}

// SetWithTTL adds an item to the cache with a specific TTL. A non-positive
// TTL never expires.
func (c *TTLCache[K, V]) SetWithTTL(key K, value V, ttl time.Duration) {
	var expiration int64
	if ttl > 0 {
		expiration = time.Now().Add(ttl).UnixNano()
	}

	c.mu.Lock()
	defer c.mu.Unlock()

	c.items[key] = item[V]{value: value, expiration: expiration}

	if c.maxItems > 0 && len(c.items) > c.maxItems {
		c.evictOldest()
	}
}

// Get retrieves an item from the cache
func (c *TTLCache[K, V]) Get(key K) (V, bool) {
	c.mu.RLock()
	it, found := c.items[key]
	c.mu.RUnlock()

	var zero V
	if !found {
		return zero, false
	}

	if it.expired(time.Now().UnixNano()) {
		c.mu.Lock()
		// re-check, a concurrent Set may have refreshed the entry
		if cur, ok := c.items[key]; ok && cur.expiration == it.expiration {
			delete(c.items, key)
		}
		c.mu.Unlock()
		return zero, false
	}

	return it.value, true
}

// Delete removes an item from the cache
func (c *TTLCache[K, V]) Delete(key K) {
	c.mu.Lock()
	delete(c.items, key)
	c.mu.Unlock()
}

// Count returns the number of items in the cache, expired or not.
func (c *TTLCache[K, V]) Count() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.items)
}

// Clear removes all items from the cache
func (c *TTLCache[K, V]) Clear() {
	c.mu.Lock()
	c.items = make(map[K]item[V])
	c.mu.Unlock()
}

// evictOldest removes the items closest to expiry until the cache fits.
// The caller holds the lock.
func (c *TTLCache[K, V]) evictOldest() {
	type keyExpiration struct {
		key        K
		expiration int64
	}

	itemsToRemove := len(c.items) - c.maxItems
	if itemsToRemove <= 0 {
		return
	}

	keyExpirations := make([]keyExpiration, 0, len(c.items))
	for k, v := range c.items {
		exp := v.expiration
		if exp == 0 {
			exp = math.MaxInt64
		}
		keyExpirations = append(keyExpirations, keyExpiration{k, exp})
	}

	sort.Slice(keyExpirations, func(i, j int) bool {
		return keyExpirations[i].expiration < keyExpirations[j].expiration
	})

	for i := 0; i < itemsToRemove; i++ {
		delete(c.items, keyExpirations[i].key)
	}
}

func (c *TTLCache[K, V]) startCleanupTimer() {
	if c.cleanupInterval <= 0 {
		return
	}

	c.cleanupStarted.Do(func() {
		ticker := time.NewTicker(c.cleanupInterval)
		go func() {
			defer ticker.Stop()
			for {
				select {
				case <-ticker.C:
					c.DeleteExpired()
				case <-c.stopCleanup:
					return
				}
			}
		}()
	})
}

// DeleteExpired drops every expired item and returns how many went.
func (c *TTLCache[K, V]) DeleteExpired() int {
	now := time.Now().UnixNano()

	c.mu.Lock()
	defer c.mu.Unlock()

	removed := 0
	for k, v := range c.items {
		if v.expired(now) {
			delete(c.items, k)
			removed++
		}
	}
	return removed
}

// Stop stops the cleanup goroutine. It is safe to call more than once.
func (c *TTLCache[K, V]) Stop() {
	c.cleanupStopped.Do(func() {
		close(c.stopCleanup)
	})
}
