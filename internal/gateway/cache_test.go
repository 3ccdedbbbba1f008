package gateway

import (
	"context"
	"testing"
	"time"

	"github.com/pitabwire/tessera/internal/config"
	"github.com/pitabwire/tessera/model"
)

// countingGateway counts backend calls and fails refs listed in fail.
type countingGateway struct {
	catalogCalls int
	insightCalls int
	persistCalls int
	fail         map[model.ObjRef]bool
}

func (g *countingGateway) LoadCatalogItem(_ context.Context, ref model.ObjRef) (model.CatalogItem, error) {
	g.catalogCalls++
	if g.fail[ref] {
		return model.CatalogItem{}, model.BackendUnavailable("down")
	}
	return model.CatalogItem{Ref: ref, Kind: ref.Type, Title: ref.ID}, nil
}

func (g *countingGateway) LoadInsight(_ context.Context, ref model.ObjRef) (model.InsightDefinition, error) {
	g.insightCalls++
	return model.InsightDefinition{Ref: ref, Title: ref.ID}, nil
}

func (g *countingGateway) LoadDashboard(_ context.Context, ref model.ObjRef) (model.Dashboard, error) {
	return model.Dashboard{Ref: ref}, nil
}

func (g *countingGateway) Persist(_ context.Context, d model.Dashboard) (int, error) {
	g.persistCalls++
	return d.Version + 1, nil
}

type recordingObserver struct {
	hits, misses int
	calls        map[string]int
}

func (o *recordingObserver) ObserveGatewayCall(op, outcome string, _ time.Duration) {
	if o.calls == nil {
		o.calls = make(map[string]int)
	}
	o.calls[op+"/"+outcome]++
}

func (o *recordingObserver) ObserveCacheLookup(_ string, hit bool) {
	if hit {
		o.hits++
	} else {
		o.misses++
	}
}

func tenantContext(tenant string) context.Context {
	return model.WithRequestContext(context.Background(), &model.RequestContext{SubjectID: "u", TenantID: tenant})
}

func TestCachingGateway_hitsAfterFirstLoad(t *testing.T) {
	next := &countingGateway{}
	obs := &recordingObserver{}
	c := NewCachingGateway(next, config.CacheConfig{TTL: time.Minute, MaxEntries: 10}, WithObserver(obs))
	ctx := tenantContext("t1")
	ref := model.NewRef(model.RefMeasure, "revenue")

	for range 3 {
		if _, err := c.LoadCatalogItem(ctx, ref); err != nil {
			t.Fatalf("LoadCatalogItem() error = %v", err)
		}
	}
	if next.catalogCalls != 1 {
		t.Errorf("backend calls = %d, want 1", next.catalogCalls)
	}
	if obs.hits != 2 || obs.misses != 1 {
		t.Errorf("hits/misses = %d/%d, want 2/1", obs.hits, obs.misses)
	}
}

func TestCachingGateway_scopedPerTenant(t *testing.T) {
	next := &countingGateway{}
	c := NewCachingGateway(next, config.CacheConfig{TTL: time.Minute})
	ref := model.NewRef(model.RefInsight, "sales")

	_, _ = c.LoadInsight(tenantContext("t1"), ref)
	_, _ = c.LoadInsight(tenantContext("t2"), ref)
	_, _ = c.LoadInsight(tenantContext("t1"), ref)

	if next.insightCalls != 2 {
		t.Errorf("backend calls = %d, want 2", next.insightCalls)
	}
}

func TestCachingGateway_failuresNotCached(t *testing.T) {
	ref := model.NewRef(model.RefMeasure, "revenue")
	next := &countingGateway{fail: map[model.ObjRef]bool{ref: true}}
	c := NewCachingGateway(next, config.CacheConfig{TTL: time.Minute})
	ctx := tenantContext("t1")

	if _, err := c.LoadCatalogItem(ctx, ref); err == nil {
		t.Fatal("expected failure")
	}
	delete(next.fail, ref)
	if _, err := c.LoadCatalogItem(ctx, ref); err != nil {
		t.Fatalf("LoadCatalogItem() error = %v", err)
	}
	if next.catalogCalls != 2 {
		t.Errorf("backend calls = %d, want 2", next.catalogCalls)
	}
}

func TestCachingGateway_expiryAndInvalidate(t *testing.T) {
	next := &countingGateway{}
	c := NewCachingGateway(next, config.CacheConfig{TTL: time.Minute})
	clock := &fakeClock{t: time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)}
	c.catalog.now = clock.now
	ctx := tenantContext("t1")
	ref := model.NewRef(model.RefMeasure, "revenue")

	_, _ = c.LoadCatalogItem(ctx, ref)
	clock.advance(2 * time.Minute)
	_, _ = c.LoadCatalogItem(ctx, ref)
	if next.catalogCalls != 2 {
		t.Errorf("backend calls after expiry = %d, want 2", next.catalogCalls)
	}

	c.Invalidate(ref)
	if c.Len() != 0 {
		t.Errorf("Len() after Invalidate = %d, want 0", c.Len())
	}
	_, _ = c.LoadCatalogItem(ctx, ref)
	if next.catalogCalls != 3 {
		t.Errorf("backend calls after Invalidate = %d, want 3", next.catalogCalls)
	}
}

func TestCachingGateway_evictsWhenFull(t *testing.T) {
	next := &countingGateway{}
	c := NewCachingGateway(next, config.CacheConfig{TTL: time.Minute, MaxEntries: 2})
	ctx := tenantContext("t1")

	for _, id := range []string{"a", "b", "c"} {
		_, _ = c.LoadCatalogItem(ctx, model.NewRef(model.RefMeasure, id))
	}
	if got := c.catalog.len(); got != 2 {
		t.Errorf("cached entries = %d, want 2", got)
	}
}

func TestCachingGateway_persistPassesThrough(t *testing.T) {
	next := &countingGateway{}
	c := NewCachingGateway(next, config.CacheConfig{TTL: time.Minute})
	d := model.Dashboard{Ref: model.NewRef(model.RefDashboard, "x"), Version: 1}

	for range 2 {
		if _, err := c.Persist(tenantContext("t1"), d); err != nil {
			t.Fatalf("Persist() error = %v", err)
		}
	}
	if next.persistCalls != 2 {
		t.Errorf("persist calls = %d, want 2", next.persistCalls)
	}
}
