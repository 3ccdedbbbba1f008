package gateway

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/pitabwire/tessera/model"
)

// LocalGateway serves catalog items and insights from fixtures and keeps
// dashboards in a DashboardStore. A dashboard never saved by a tenant
// falls back to its fixture seed.
type LocalGateway struct {
	fixtures *Fixtures
	store    DashboardStore
	opts     options
}

var _ model.Gateway = (*LocalGateway)(nil)

// NewLocalGateway creates a local gateway. A nil fixtures value serves an
// empty catalog.
func NewLocalGateway(fixtures *Fixtures, store DashboardStore, opts ...Option) *LocalGateway {
	if fixtures == nil {
		fixtures = NewFixtures()
	}
	return &LocalGateway{fixtures: fixtures, store: store, opts: buildOptions(opts)}
}

// LoadCatalogItem implements model.Gateway.
func (g *LocalGateway) LoadCatalogItem(ctx context.Context, ref model.ObjRef) (model.CatalogItem, error) {
	return instrument(ctx, g.opts.tracer, g.opts.observer, OpLoadCatalogItem, ref, func(ctx context.Context) (model.CatalogItem, error) {
		if err := ctx.Err(); err != nil {
			return model.CatalogItem{}, model.AsFailure(err)
		}
		item, ok := g.fixtures.Catalog[ref]
		if !ok {
			return model.CatalogItem{}, model.NotFound(ref)
		}
		if item.Attribute != nil {
			item.Attribute = model.RefPtr(*item.Attribute)
		}
		return item, nil
	})
}

// LoadInsight implements model.Gateway.
func (g *LocalGateway) LoadInsight(ctx context.Context, ref model.ObjRef) (model.InsightDefinition, error) {
	return instrument(ctx, g.opts.tracer, g.opts.observer, OpLoadInsight, ref, func(ctx context.Context) (model.InsightDefinition, error) {
		if err := ctx.Err(); err != nil {
			return model.InsightDefinition{}, model.AsFailure(err)
		}
		def, ok := g.fixtures.Insights[ref]
		if !ok {
			return model.InsightDefinition{}, model.NotFound(ref)
		}
		return def, nil
	})
}

// LoadDashboard implements model.Gateway.
func (g *LocalGateway) LoadDashboard(ctx context.Context, ref model.ObjRef) (model.Dashboard, error) {
	return instrument(ctx, g.opts.tracer, g.opts.observer, OpLoadDashboard, ref, func(ctx context.Context) (model.Dashboard, error) {
		if err := ctx.Err(); err != nil {
			return model.Dashboard{}, model.AsFailure(err)
		}
		sd, err := g.store.Get(ctx, tenantOf(ctx), ref.ID)
		if err == nil {
			sd.Dashboard.Ref = ref
			return sd.Dashboard, nil
		}
		if !errors.Is(err, ErrNotFound) {
			return model.Dashboard{}, g.storeFailure(ref, err)
		}
		seed, ok := g.fixtures.Dashboards[ref]
		if !ok {
			return model.Dashboard{}, model.NotFound(ref)
		}
		return seed.Clone(), nil
	})
}

// Persist implements model.Gateway.
func (g *LocalGateway) Persist(ctx context.Context, d model.Dashboard) (int, error) {
	return instrument(ctx, g.opts.tracer, g.opts.observer, OpPersist, d.Ref, func(ctx context.Context) (int, error) {
		if err := ctx.Err(); err != nil {
			return 0, model.AsFailure(err)
		}
		version, err := g.store.Save(ctx, tenantOf(ctx), d)
		if err != nil {
			return 0, g.storeFailure(d.Ref, err)
		}
		return version, nil
	})
}

func (g *LocalGateway) storeFailure(ref model.ObjRef, err error) *model.Failure {
	switch {
	case errors.Is(err, ErrNotFound):
		return model.NotFound(ref)
	case errors.Is(err, ErrVersionConflict):
		return model.InvalidArguments("concurrentModification", "%s", err.Error())
	case errors.Is(err, context.Canceled), errors.Is(err, context.DeadlineExceeded):
		return model.AsFailure(err)
	}
	g.opts.logger.Error("dashboard store failed", zap.String("ref", ref.String()), zap.Error(err))
	return model.BackendUnavailable("dashboard store unavailable")
}

func tenantOf(ctx context.Context) string {
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		return rctx.TenantID
	}
	return ""
}
