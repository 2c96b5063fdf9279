package evidence

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/guardianhq/guardian/internal/metrics"
)

// FetchFunc fetches fresh evidence from a provider on a cache miss.
type FetchFunc func(ctx context.Context) (Evidence, error)

// Cache is a TTL cache for probe evidence keyed by (address, network, probe
// type). TTLs are per probe type: contract verification is near-static while
// liquidity decays in minutes. Concurrent misses for the same key collapse
// into a single in-flight provider fetch.
type Cache struct {
	mu      sync.RWMutex
	entries map[string]cacheEntry
	ttls    map[string]time.Duration
	group   singleflight.Group
	stop    chan struct{}
	now     func() time.Time // injectable clock for tests
}

type cacheEntry struct {
	ev        Evidence
	expiresAt time.Time
}

// DefaultTTL applies to probe types without an explicit TTL.
const DefaultTTL = 10 * time.Minute

// sweepInterval is how often expired entries are evicted in the background.
const sweepInterval = time.Minute

// NewCache creates an evidence cache with per-probe-type TTLs.
func NewCache(ttls map[string]time.Duration) *Cache {
	c := &Cache{
		entries: make(map[string]cacheEntry),
		ttls:    make(map[string]time.Duration, len(ttls)),
		stop:    make(chan struct{}),
		now:     time.Now,
	}
	for t, ttl := range ttls {
		c.ttls[t] = ttl
	}
	go c.sweep()
	return c
}

// Stop stops the background sweep goroutine.
func (c *Cache) Stop() {
	close(c.stop)
}

// Get returns the cached evidence for key if present and unexpired.
func (c *Cache) Get(key Key) (Evidence, bool) {
	c.mu.RLock()
	entry, ok := c.entries[key.String()]
	c.mu.RUnlock()

	if !ok || c.now().After(entry.expiresAt) {
		metrics.CacheMissesTotal.WithLabelValues(key.ProbeType).Inc()
		return Evidence{}, false
	}
	metrics.CacheHitsTotal.WithLabelValues(key.ProbeType).Inc()
	return entry.ev, true
}

// Put stores evidence under key with the probe type's TTL. Callers must only
// Put successfully fetched evidence; the fetch paths in this package enforce
// that structurally by never writing on error.
func (c *Cache) Put(key Key, ev Evidence) {
	ttl, ok := c.ttls[key.ProbeType]
	if !ok {
		ttl = DefaultTTL
	}

	c.mu.Lock()
	c.entries[key.String()] = cacheEntry{ev: ev, expiresAt: c.now().Add(ttl)}
	c.mu.Unlock()
}

// GetOrFetch returns cached evidence for key, or runs fetch on a miss and
// caches the result. Concurrent callers for the same cold key share one
// provider fetch (singleflight). Fetch errors are returned to every waiter
// and nothing is cached.
//
// The returned bool reports whether the evidence came from the cache.
func (c *Cache) GetOrFetch(ctx context.Context, key Key, fetch FetchFunc) (Evidence, bool, error) {
	if ev, ok := c.Get(key); ok {
		return ev, true, nil
	}

	v, err, shared := c.group.Do(key.String(), func() (interface{}, error) {
		// Re-check under the flight: another caller may have populated the
		// cache between our miss and acquiring the flight.
		c.mu.RLock()
		entry, ok := c.entries[key.String()]
		c.mu.RUnlock()
		if ok && !c.now().After(entry.expiresAt) {
			return entry.ev, nil
		}

		ev, err := fetch(ctx)
		if err != nil {
			return nil, err
		}
		c.Put(key, ev)
		return ev, nil
	})
	if shared {
		metrics.SingleflightSharedTotal.Inc()
	}
	if err != nil {
		return Evidence{}, false, err
	}
	return v.(Evidence), false, nil
}

// sweep evicts expired entries periodically so the cache does not grow
// unbounded across many distinct addresses.
func (c *Cache) sweep() {
	ticker := time.NewTicker(sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			now := c.now()
			c.mu.Lock()
			for k, entry := range c.entries {
				if now.After(entry.expiresAt) {
					delete(c.entries, k)
				}
			}
			c.mu.Unlock()
		case <-c.stop:
			return
		}
	}
}

// Len returns the number of cached entries (expired or not). For diagnostics.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
