package cache

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"
)

// entry is an immutable cached value; entries are replaced, never mutated.
type entry struct {
	value     any
	storedAt  time.Time
	expiresAt time.Time
}

// Cache is a TTL key/value store with request coalescing. Expired entries
// are invisible to Get but retained until swept so callers can fall back to
// a stale value when revalidation fails.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]entry
	group   singleflight.Group

	now func() time.Time

	stopSweep chan struct{}
	sweepOnce sync.Once
}

// New constructs an empty cache.
func New() *Cache {
	return &Cache{
		entries:   make(map[string]entry),
		now:       time.Now,
		stopSweep: make(chan struct{}),
	}
}

// Get returns the value for key if it has not expired.
func (c *Cache) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, false
	}
	if !c.now().Before(e.expiresAt) {
		return nil, false
	}
	return e.value, true
}

// GetStale returns the value for key even if it has expired, together with
// the time it was stored. Callers that surface a stale value must flag it.
func (c *Cache) GetStale(key string) (any, time.Time, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()

	e, ok := c.entries[key]
	if !ok {
		return nil, time.Time{}, false
	}
	return e.value, e.storedAt, true
}

// Set stores value under key with the given ttl.
func (c *Cache) Set(key string, value any, ttl time.Duration) {
	now := c.now()
	c.mu.Lock()
	c.entries[key] = entry{value: value, storedAt: now, expiresAt: now.Add(ttl)}
	c.mu.Unlock()
}

type flightResult struct {
	value  any
	cached bool
}

// GetOrCompute returns the cached value for key, or invokes compute to
// produce it. Concurrent callers for the same missing key share a single
// in-flight computation; every subscriber receives the same result. The
// computation keeps running even if a waiter's context is cancelled, so a
// slow fetch can still populate the cache for later callers. The boolean
// reports whether the value came from the cache.
func (c *Cache) GetOrCompute(ctx context.Context, key string, ttl time.Duration, compute func() (any, error)) (any, bool, error) {
	if v, ok := c.Get(key); ok {
		return v, true, nil
	}

	ch := c.group.DoChan(key, func() (any, error) {
		// A racing caller may have populated the entry between the miss
		// above and this flight winning the key.
		if v, ok := c.Get(key); ok {
			return flightResult{value: v, cached: true}, nil
		}
		v, err := compute()
		if err != nil {
			return nil, err
		}
		c.Set(key, v, ttl)
		return flightResult{value: v, cached: false}, nil
	})

	select {
	case <-ctx.Done():
		return nil, false, ctx.Err()
	case res := <-ch:
		if res.Err != nil {
			return nil, false, res.Err
		}
		fr := res.Val.(flightResult)
		return fr.value, fr.cached, nil
	}
}

// Delete removes key from the cache.
func (c *Cache) Delete(key string) {
	c.mu.Lock()
	delete(c.entries, key)
	c.mu.Unlock()
}

// Len reports the number of entries, expired ones included.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}

// Sweep removes entries that have been expired for longer than grace.
func (c *Cache) Sweep(grace time.Duration) int {
	now := c.now()
	removed := 0

	c.mu.Lock()
	for key, e := range c.entries {
		if now.Sub(e.expiresAt) > grace {
			delete(c.entries, key)
			removed++
		}
	}
	c.mu.Unlock()

	return removed
}

// StartSweeper launches a background goroutine that reclaims long-dead
// entries every interval until Close is called or ctx ends.
func (c *Cache) StartSweeper(ctx context.Context, interval, grace time.Duration) {
	go func() {
		ticker := time.NewTicker(interval)
		defer ticker.Stop()
		for {
			select {
			case <-ctx.Done():
				return
			case <-c.stopSweep:
				return
			case <-ticker.C:
				c.Sweep(grace)
			}
		}
	}()
}

// Close stops the background sweeper if one is running.
func (c *Cache) Close() {
	c.sweepOnce.Do(func() { close(c.stopSweep) })
}
