package transport

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/pitabwire/tessera/internal/command"
	"github.com/pitabwire/tessera/internal/config"
	"github.com/pitabwire/tessera/internal/observability"
	"github.com/pitabwire/tessera/internal/schema"
	"github.com/pitabwire/tessera/internal/session"
	"github.com/pitabwire/tessera/model"
)

// Dependencies holds all injected dependencies for the HTTP transport layer.
type Dependencies struct {
	Config   *config.Config
	Logger   *zap.Logger
	Sessions *session.Manager
	// Schemas validates command payloads before dispatch. Nil skips the
	// structural check.
	Schemas *schema.Registry
	// Authorizer gates the session endpoints on dashboard:view. Nil allows
	// every authenticated caller.
	Authorizer command.Authorizer
	// Authenticate verifies the caller. When nil and identity is disabled,
	// DevIdentity is used.
	Authenticate func(http.Handler) http.Handler
	Metrics      *observability.Metrics
	Gatherer     prometheus.Gatherer
	Readiness    observability.ReadinessChecks
}

// NewRouter creates a chi.Router with the full middleware pipeline and all
// route registrations. Health, readiness, and metrics endpoints bypass the
// authentication middleware.
func NewRouter(deps Dependencies) chi.Router {
	if deps.Logger == nil {
		deps.Logger = zap.NewNop()
	}
	cfg := deps.Config

	r := chi.NewRouter()

	// Global middleware: applied to all routes including health.
	r.Use(Recovery(deps.Logger))
	r.Use(observability.TracingMiddleware)
	if deps.Metrics != nil {
		r.Use(deps.Metrics.MetricsMiddleware)
	}
	r.Use(CORS(cfg.Server.CORS))
	r.Use(RequestID)
	r.Use(SecurityHeaders)

	// Public routes.
	r.Get("/health", observability.HandleHealth())
	r.Get("/ready", observability.HandleReady(deps.Readiness))
	if cfg.Observability.Metrics.Enabled && deps.Gatherer != nil {
		r.Handle(cfg.Observability.Metrics.Path, observability.Handler(deps.Gatherer))
	}

	auth := deps.Authenticate
	if auth == nil {
		if cfg.Identity.Disabled {
			auth = DevIdentity(cfg.Identity)
		} else {
			auth = func(http.Handler) http.Handler {
				return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
					WriteError(w, r, model.NewUnauthorizedError("no authenticator configured"))
				})
			}
		}
	}

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(auth)
		r.Use(BuildRequestContext(cfg.Identity))
		r.Use(RequestLogging(deps.Logger))

		r.Route("/dashboards/{dashboardId}", func(r chi.Router) {
			r.Group(func(r chi.Router) {
				r.Use(HandlerTimeout(cfg.Server.HandlerTimeout))

				r.Post("/session", handleOpenSession(deps))
				r.Delete("/session", handleCloseSession(deps))
				r.Get("/state", handleState(deps))
				r.Post("/commands", handleCommand(deps))
				r.Get("/commands/{correlationId}", handleAwait(deps))
				r.Delete("/commands/{correlationId}", handleCancel(deps))
			})

			// Long lived; no handler timeout.
			r.Get("/events", handleEvents(deps))
		})
	})

	return r
}
