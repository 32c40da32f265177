package eta

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/example/ride-booking/internal/models"
)

// Estimate is a routed distance and travel time.
type Estimate struct {
	DistanceKm  float64 `json:"distance_km"`
	DurationMin float64 `json:"duration_min"`
}

// Client looks up route estimates. departAt may be nil for "now".
// Implementations must be safe for concurrent use.
type Client interface {
	Estimate(ctx context.Context, from, to models.Coord, departAt *time.Time) (Estimate, error)
}

// Cache is a tiny in-memory cache for route lookups keyed by coords.
type Cache struct {
	mu    sync.RWMutex
	store map[string]cacheEntry
	ttl   time.Duration
}

type cacheEntry struct {
	v  Estimate
	ts time.Time
}

// NewCache creates a cache with the provided TTL.
func NewCache(ttl time.Duration) *Cache {
	return &Cache{store: make(map[string]cacheEntry), ttl: ttl}
}

func keyFor(a, b models.Coord) string {
	return fmtCoord(a) + "->" + fmtCoord(b)
}

func fmtCoord(c models.Coord) string {
	return fmt.Sprintf("%.6f,%.6f", c.Lat, c.Lon)
}

// Get returns cached value and true if present and not expired.
func (c *Cache) Get(a, b models.Coord) (Estimate, bool) {
	k := keyFor(a, b)
	c.mu.RLock()
	e, ok := c.store[k]
	c.mu.RUnlock()
	if !ok {
		return Estimate{}, false
	}
	if time.Since(e.ts) > c.ttl {
		c.mu.Lock()
		delete(c.store, k)
		c.mu.Unlock()
		return Estimate{}, false
	}
	return e.v, true
}

// Set stores a value in the cache.
func (c *Cache) Set(a, b models.Coord, v Estimate) {
	k := keyFor(a, b)
	c.mu.Lock()
	c.store[k] = cacheEntry{v: v, ts: time.Now()}
	c.mu.Unlock()
}

// CachedClient serves "now" lookups from a Cache. Lookups for a specific
// departure time always go to the wrapped client.
type CachedClient struct {
	Next  Client
	Cache *Cache
}

func (c *CachedClient) Estimate(ctx context.Context, from, to models.Coord, departAt *time.Time) (Estimate, error) {
	if departAt == nil {
		if v, ok := c.Cache.Get(from, to); ok {
			return v, nil
		}
	}
	v, err := c.Next.Estimate(ctx, from, to, departAt)
	if err != nil {
		return Estimate{}, err
	}
	if departAt == nil {
		c.Cache.Set(from, to, v)
	}
	return v, nil
}
