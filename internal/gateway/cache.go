package gateway

import (
	"context"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/tessera/internal/config"
	"github.com/pitabwire/tessera/model"
)

// Cache kinds, used as metric labels.
const (
	CacheCatalog  = "catalog"
	CacheInsights = "insights"
)

// CachingGateway keeps catalog items and insight definitions of the wrapped
// gateway for a TTL. Entries are scoped to the caller's tenant. Dashboards
// and persistence always go to the wrapped gateway, and failures are never
// cached.
type CachingGateway struct {
	next     model.Gateway
	catalog  *ttlCache[model.CatalogItem]
	insights *ttlCache[model.InsightDefinition]
	obs      Observer
}

var _ model.Gateway = (*CachingGateway)(nil)

// NewCachingGateway wraps next. Callers leave the decorator out when
// caching is disabled; a zero TTL here falls back to five minutes.
func NewCachingGateway(next model.Gateway, cfg config.CacheConfig, opts ...Option) *CachingGateway {
	o := buildOptions(opts)
	return &CachingGateway{
		next:     next,
		catalog:  newTTLCache[model.CatalogItem](cfg),
		insights: newTTLCache[model.InsightDefinition](cfg),
		obs:      o.observer,
	}
}

// LoadCatalogItem implements model.Gateway.
func (c *CachingGateway) LoadCatalogItem(ctx context.Context, ref model.ObjRef) (model.CatalogItem, error) {
	return cached(ctx, c.catalog, c.obs, CacheCatalog, ref, c.next.LoadCatalogItem)
}

// LoadInsight implements model.Gateway.
func (c *CachingGateway) LoadInsight(ctx context.Context, ref model.ObjRef) (model.InsightDefinition, error) {
	return cached(ctx, c.insights, c.obs, CacheInsights, ref, c.next.LoadInsight)
}

// LoadDashboard implements model.Gateway.
func (c *CachingGateway) LoadDashboard(ctx context.Context, ref model.ObjRef) (model.Dashboard, error) {
	return c.next.LoadDashboard(ctx, ref)
}

// Persist implements model.Gateway.
func (c *CachingGateway) Persist(ctx context.Context, d model.Dashboard) (int, error) {
	return c.next.Persist(ctx, d)
}

// Invalidate drops every cached entry of ref across tenants.
func (c *CachingGateway) Invalidate(ref model.ObjRef) {
	suffix := "|" + ref.String()
	c.catalog.deleteFunc(func(k string) bool { return strings.HasSuffix(k, suffix) })
	c.insights.deleteFunc(func(k string) bool { return strings.HasSuffix(k, suffix) })
}

// Len returns the number of cached entries.
func (c *CachingGateway) Len() int { return c.catalog.len() + c.insights.len() }

func cached[V any](ctx context.Context, cache *ttlCache[V], obs Observer, kind string, ref model.ObjRef, load func(context.Context, model.ObjRef) (V, error)) (V, error) {
	key := cacheKey(ctx, ref)
	if v, ok := cache.get(key); ok {
		obs.ObserveCacheLookup(kind, true)
		return v, nil
	}
	obs.ObserveCacheLookup(kind, false)
	v, err := load(ctx, ref)
	if err != nil {
		return v, err
	}
	cache.put(key, v)
	return v, nil
}

// cacheKey scopes ref to the tenant in ctx.
func cacheKey(ctx context.Context, ref model.ObjRef) string {
	tenant := ""
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		tenant = rctx.TenantID
	}
	return tenant + "|" + ref.String()
}

type cacheEntry[V any] struct {
	value     V
	expiresAt time.Time
}

type ttlCache[V any] struct {
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.RWMutex
	entries map[string]cacheEntry[V]
}

func newTTLCache[V any](cfg config.CacheConfig) *ttlCache[V] {
	if cfg.TTL <= 0 {
		cfg.TTL = 5 * time.Minute
	}
	if cfg.MaxEntries <= 0 {
		cfg.MaxEntries = 1000
	}
	return &ttlCache[V]{
		ttl:        cfg.TTL,
		maxEntries: cfg.MaxEntries,
		now:        time.Now,
		entries:    make(map[string]cacheEntry[V]),
	}
}

func (c *ttlCache[V]) get(key string) (V, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	e, ok := c.entries[key]
	if !ok || c.now().After(e.expiresAt) {
		var zero V
		return zero, false
	}
	return e.value, true
}

func (c *ttlCache[V]) put(key string, v V) {
	c.mu.Lock()
	defer c.mu.Unlock()

	if _, exists := c.entries[key]; !exists && len(c.entries) >= c.maxEntries {
		c.evict()
	}
	c.entries[key] = cacheEntry[V]{value: v, expiresAt: c.now().Add(c.ttl)}
}

// evict drops expired entries, or the entry closest to expiry when none
// has expired. Must be called with mu held.
func (c *ttlCache[V]) evict() {
	now := c.now()
	var oldest string
	var oldestAt time.Time
	removed := false
	for k, e := range c.entries {
		if now.After(e.expiresAt) {
			delete(c.entries, k)
			removed = true
			continue
		}
		if oldest == "" || e.expiresAt.Before(oldestAt) {
			oldest, oldestAt = k, e.expiresAt
		}
	}
	if !removed && oldest != "" {
		delete(c.entries, oldest)
	}
}

func (c *ttlCache[V]) deleteFunc(match func(string) bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	for k := range c.entries {
		if match(k) {
			delete(c.entries, k)
		}
	}
}

func (c *ttlCache[V]) len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.entries)
}
