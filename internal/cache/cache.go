// Package cache stores completed responses keyed by request fingerprint.
package cache

import (
	"context"
	"log/slog"
	"time"

	"github.com/vnmchuo/llm-manager/internal/provider"
)

const (
	DefaultTTL        = time.Hour
	DefaultMaxEntries = 1000
)

// Store is a fingerprint-keyed response store. Get reports ok=false on a
// miss or an expired entry.
type Store interface {
	Get(ctx context.Context, key string) (*provider.Response, bool, error)
	Set(ctx context.Context, key string, resp *provider.Response, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
	Clear(ctx context.Context) error
	Close() error
}

type Config struct {
	// TTL of zero disables caching.
	TTL time.Duration
	// MaxTemperature, when positive, excludes hotter requests.
	MaxTemperature float64
}

// ResponseCache applies the caching policy in front of a Store. Store
// failures are logged and treated as misses.
type ResponseCache struct {
	store  Store
	cfg    Config
	logger *slog.Logger
}

func New(store Store, cfg Config, logger *slog.Logger) *ResponseCache {
	if logger == nil {
		logger = slog.Default()
	}
	return &ResponseCache{store: store, cfg: cfg, logger: logger}
}

func (c *ResponseCache) Enabled() bool {
	return c != nil && c.store != nil && c.cfg.TTL > 0
}

// Cacheable reports whether req may be served from or written to the cache.
func (c *ResponseCache) Cacheable(req *provider.Request) bool {
	if !c.Enabled() || req.NoCache {
		return false
	}
	if c.cfg.MaxTemperature > 0 && req.Temperature > c.cfg.MaxTemperature {
		return false
	}
	return true
}

// Lookup returns a copy of the cached response marked as a cache hit.
func (c *ResponseCache) Lookup(ctx context.Context, req *provider.Request) (*provider.Response, bool) {
	if !c.Cacheable(req) {
		return nil, false
	}
	key := req.Fingerprint()
	resp, ok, err := c.store.Get(ctx, key)
	if err != nil {
		c.logger.Warn("cache lookup failed", "fingerprint", key, "error", err)
		return nil, false
	}
	if !ok {
		return nil, false
	}
	hit := *resp
	hit.CacheHit = true
	hit.Cost = 0
	hit.Attempts = 0
	return &hit, true
}

func (c *ResponseCache) Store(ctx context.Context, req *provider.Request, resp *provider.Response) {
	if !c.Cacheable(req) || resp == nil {
		return
	}
	key := req.Fingerprint()
	if err := c.store.Set(ctx, key, resp, c.cfg.TTL); err != nil {
		c.logger.Warn("cache store failed", "fingerprint", key, "error", err)
	}
}

func (c *ResponseCache) Invalidate(ctx context.Context, req *provider.Request) error {
	if c == nil || c.store == nil {
		return nil
	}
	return c.store.Delete(ctx, req.Fingerprint())
}

func (c *ResponseCache) Clear(ctx context.Context) error {
	if c == nil || c.store == nil {
		return nil
	}
	return c.store.Clear(ctx)
}

// Stats describes how full a store is.
type Stats struct {
	Size    int `json:"size"`
	MaxSize int `json:"max_size"`
}

// Sweeper is implemented by stores that keep expired entries until they
// are removed. Redis expires keys itself.
type Sweeper interface {
	Sweep() int
}

type statser interface {
	Stats() Stats
}

// Stats reports the backing store's occupancy when the store can tell.
func (c *ResponseCache) Stats() (Stats, bool) {
	if c == nil {
		return Stats{}, false
	}
	s, ok := c.store.(statser)
	if !ok {
		return Stats{}, false
	}
	return s.Stats(), true
}

// Sweep drops expired entries and returns how many were removed.
func (c *ResponseCache) Sweep() int {
	if c == nil {
		return 0
	}
	s, ok := c.store.(Sweeper)
	if !ok {
		return 0
	}
	return s.Sweep()
}
