// Package gateway implements model.Gateway: an HTTP client for a remote
// analytics backend, a local gateway serving YAML fixtures and a dashboard
// store, and a TTL cache that decorates either.
package gateway

import (
	"context"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/pitabwire/tessera/model"
)

const tracerName = "github.com/pitabwire/tessera/internal/gateway"

// Gateway operations, used as span names and metric labels.
const (
	OpLoadCatalogItem = "load_catalog_item"
	OpLoadInsight     = "load_insight"
	OpLoadDashboard   = "load_dashboard"
	OpPersist         = "persist"
)

// Observer receives gateway call and cache outcomes.
type Observer interface {
	ObserveGatewayCall(op, outcome string, d time.Duration)
	ObserveCacheLookup(kind string, hit bool)
}

type nopObserver struct{}

func (nopObserver) ObserveGatewayCall(string, string, time.Duration) {}
func (nopObserver) ObserveCacheLookup(string, bool)                  {}

// outcome labels a call result with its failure reason, or "ok".
func outcome(err error) string {
	if err == nil {
		return "ok"
	}
	return model.AsFailure(err).Reason
}

// instrument runs fn inside a span and reports its duration and outcome.
func instrument[T any](ctx context.Context, tracer trace.Tracer, obs Observer, op string, ref model.ObjRef, fn func(context.Context) (T, error)) (T, error) {
	ctx, span := tracer.Start(ctx, "gateway."+op,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(attribute.String("tessera.ref", ref.String())),
	)
	defer span.End()

	start := time.Now()
	v, err := fn(ctx)
	obs.ObserveGatewayCall(op, outcome(err), time.Since(start))
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, outcome(err))
	}
	return v, err
}

func defaultTracer() trace.Tracer { return otel.Tracer(tracerName) }
