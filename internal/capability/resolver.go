// Package capability maps the roles of a request to dashboard capabilities
// and authorizes commands against them.
package capability

import (
	"context"
	"fmt"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/pitabwire/tessera/model"
)

// Evaluator resolves the capabilities granted to a request.
type Evaluator interface {
	ResolveCapabilities(rctx *model.RequestContext) (model.CapabilitySet, error)
}

type cacheEntry struct {
	caps    model.CapabilitySet
	expires time.Time
}

// Resolver implements model.CapabilityResolver with an in-memory cache and
// authorizes commands for the dispatcher.
type Resolver struct {
	evaluator Evaluator
	ttl       time.Duration
	now       func() time.Time
	mu        sync.RWMutex
	cache     map[string]cacheEntry
}

var _ model.CapabilityResolver = (*Resolver)(nil)

// NewResolver creates a new Resolver with the given evaluator and cache TTL.
func NewResolver(evaluator Evaluator, ttl time.Duration) *Resolver {
	return &Resolver{
		evaluator: evaluator,
		ttl:       ttl,
		now:       time.Now,
		cache:     make(map[string]cacheEntry),
	}
}

// cacheKey includes the roles because they come from the token and may
// change between requests of one subject.
func cacheKey(rctx *model.RequestContext) string {
	roles := slices.Clone(rctx.Roles)
	slices.Sort(roles)
	return rctx.SubjectID + ":" + rctx.TenantID + ":" + strings.Join(roles, ",")
}

// Resolve returns the full capability set for the given context. Results are
// cached for the configured TTL.
func (r *Resolver) Resolve(rctx *model.RequestContext) (model.CapabilitySet, error) {
	key := cacheKey(rctx)

	r.mu.RLock()
	if entry, ok := r.cache[key]; ok && r.now().Before(entry.expires) {
		r.mu.RUnlock()
		return entry.caps, nil
	}
	r.mu.RUnlock()

	caps, err := r.evaluator.ResolveCapabilities(rctx)
	if err != nil {
		return nil, err
	}

	r.mu.Lock()
	r.cache[key] = cacheEntry{caps: caps, expires: r.now().Add(r.ttl)}
	r.mu.Unlock()

	return caps, nil
}

// Authorize returns a ProtectedOrPermissionDenied failure unless the actor
// in ctx holds capability.
func (r *Resolver) Authorize(ctx context.Context, capability string) error {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil {
		return model.PermissionDenied("no actor in request context")
	}
	caps, err := r.Resolve(rctx)
	if err != nil {
		return model.BackendUnavailable(fmt.Sprintf("resolving capabilities: %v", err))
	}
	if !caps.Has(capability) {
		return model.PermissionDenied(fmt.Sprintf("%s lacks capability %s", rctx.SubjectID, capability))
	}
	return nil
}

// Invalidate clears cached capabilities for the given user and tenant.
func (r *Resolver) Invalidate(subjectID, tenantID string) {
	prefix := subjectID + ":" + tenantID + ":"
	r.mu.Lock()
	for key := range r.cache {
		if strings.HasPrefix(key, prefix) {
			delete(r.cache, key)
		}
	}
	r.mu.Unlock()
}
