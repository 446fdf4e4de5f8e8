package principal

import (
	"context"
	"sync"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"

	"factora/internal/platform/metrics"
	id "factora/pkg/domain"
)

const (
	defaultCacheSize = 1024
	defaultCacheTTL  = 30 * time.Second
)

// CachedResolver caches resolved scopes for a short TTL. Concurrent misses for
// the same principal share one store lookup. Errors are never cached.
type CachedResolver struct {
	next    ScopeResolver
	cache   *expirable.LRU[id.PrincipalID, Scope]
	group   singleflight.Group
	metrics *metrics.Metrics

	// gen advances on every Invalidate; a lookup that started under an older
	// generation returns its result but does not cache it.
	mu  sync.Mutex
	gen uint64
}

type CacheOption func(*cacheConfig)

type cacheConfig struct {
	size    int
	ttl     time.Duration
	metrics *metrics.Metrics
}

func WithCacheSize(n int) CacheOption {
	return func(c *cacheConfig) {
		if n > 0 {
			c.size = n
		}
	}
}

func WithCacheTTL(ttl time.Duration) CacheOption {
	return func(c *cacheConfig) {
		if ttl > 0 {
			c.ttl = ttl
		}
	}
}

func WithCacheMetrics(m *metrics.Metrics) CacheOption {
	return func(c *cacheConfig) { c.metrics = m }
}

func NewCachedResolver(next ScopeResolver, opts ...CacheOption) *CachedResolver {
	cfg := cacheConfig{size: defaultCacheSize, ttl: defaultCacheTTL}
	for _, opt := range opts {
		opt(&cfg)
	}
	return &CachedResolver{
		next:    next,
		cache:   expirable.NewLRU[id.PrincipalID, Scope](cfg.size, nil, cfg.ttl),
		metrics: cfg.metrics,
	}
}

func (c *CachedResolver) Resolve(ctx context.Context, principalID id.PrincipalID) (Scope, error) {
	if scope, ok := c.cache.Get(principalID); ok {
		c.metrics.IncScopeCache("hit")
		return scope, nil
	}
	c.metrics.IncScopeCache("miss")

	v, err, _ := c.group.Do(principalID.String(), func() (any, error) {
		c.mu.Lock()
		gen := c.gen
		c.mu.Unlock()

		scope, err := c.next.Resolve(ctx, principalID)
		if err != nil {
			return Scope{}, err
		}
		c.mu.Lock()
		if c.gen == gen {
			c.cache.Add(principalID, scope)
		}
		c.mu.Unlock()
		return scope, nil
	})
	if err != nil {
		return Scope{}, err
	}
	return v.(Scope), nil
}

// Invalidate drops the cached scope of principalID.
// Callers arriving afterwards do not join a lookup already in flight.
func (c *CachedResolver) Invalidate(principalID id.PrincipalID) {
	c.mu.Lock()
	c.gen++
	c.cache.Remove(principalID)
	c.mu.Unlock()
	c.group.Forget(principalID.String())
}

func (c *CachedResolver) Len() int {
	return c.cache.Len()
}
