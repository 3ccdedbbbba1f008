// Package main is the entry point for the Tessera dashboard command server.
// It wires all dependencies together and starts the HTTP server.
package main

import (
	"context"
	"errors"
	"flag"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/redis/go-redis/v9"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/tessera/internal/capability"
	"github.com/pitabwire/tessera/internal/command"
	"github.com/pitabwire/tessera/internal/config"
	"github.com/pitabwire/tessera/internal/eventbus"
	"github.com/pitabwire/tessera/internal/gateway"
	"github.com/pitabwire/tessera/internal/observability"
	"github.com/pitabwire/tessera/internal/schema"
	"github.com/pitabwire/tessera/internal/session"
	"github.com/pitabwire/tessera/internal/transport"
	"github.com/pitabwire/tessera/model"
)

// Build-time variables set via ldflags:
//
//	go build -ldflags "-X main.version=1.0.0 -X main.commit=abc1234"
var (
	version = "dev"
	commit  = "unknown"
)

// policyCacheTTL bounds how long resolved capabilities are reused.
const policyCacheTTL = time.Minute

func main() {
	os.Exit(run())
}

func run() int {
	configPath := flag.String("config", "", "path to configuration file (defaults only when empty)")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "configuration error: %v\n", err)
		return 1
	}

	observability.Version = version
	observability.Commit = commit

	logger, err := observability.NewLogger(cfg.Observability)
	if err != nil {
		fmt.Fprintf(os.Stderr, "logger error: %v\n", err)
		return 1
	}
	defer func() { _ = logger.Sync() }()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
	defer stop()

	tracingShutdown, err := observability.InitTracing(ctx, cfg.Observability.Tracing, "tessera", version)
	if err != nil {
		logger.Error("tracing initialization failed", zap.Error(err))
		return 1
	}

	registry := prometheus.NewRegistry()
	registry.MustRegister(collectors.NewGoCollector(), collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))
	metrics := observability.InitMetrics(registry)
	readiness := observability.ReadinessChecks{Dependencies: map[string]observability.HealthChecker{}}

	// Command payload schemas.
	schemas, err := schema.Load(ctx)
	if err != nil {
		logger.Error("command schemas failed to load", zap.Error(err))
		return 1
	}
	readiness.SchemasLoaded = func() bool { return len(schemas.Types()) > 0 }

	// Backend gateway.
	gw, closeGateway, err := buildGateway(ctx, cfg, metrics, logger, readiness.Dependencies)
	if err != nil {
		logger.Error("gateway initialization failed", zap.Error(err))
		return 1
	}
	defer closeGateway()

	// Role to capability policy.
	policy, err := capability.NewStaticPolicy(cfg.Policy.File)
	if err != nil {
		logger.Error("policy initialization failed", zap.Error(err))
		return 1
	}
	resolver := capability.NewResolver(policy, policyCacheTTL)

	// Outcome store and event forwarding.
	sessionOpts := []session.Option{
		session.WithLogger(logger),
		session.WithObserver(metrics),
		session.WithDispatcherOptions(
			command.WithLogger(logger),
			command.WithObserver(metrics),
			command.WithAuthorizer(resolver),
		),
	}
	var forwarder *eventbus.StreamForwarder
	if cfg.Events.Outcomes == config.OutcomesRedis {
		client := redis.NewClient(&redis.Options{Addr: cfg.Events.RedisAddr, DB: cfg.Events.RedisDB})
		defer func() { _ = client.Close() }()
		if err := client.Ping(ctx).Err(); err != nil {
			logger.Error("redis unreachable", zap.String("addr", cfg.Events.RedisAddr), zap.Error(err))
			return 1
		}
		prefix := cfg.Events.KeyPrefix + ":"
		outcomes := eventbus.NewRedisOutcomeStore(client, prefix)
		readiness.Dependencies["outcome_store"] = outcomes
		sessionOpts = append(sessionOpts, session.WithOutcomeStore(outcomes))
		if cfg.Events.Stream.Enabled {
			forwarder = eventbus.NewStreamForwarder(client, prefix, cfg.Events.Stream.MaxLen, cfg.Events.Buffer, logger)
			sessionOpts = append(sessionOpts, session.WithForwarder(forwarder))
		}
	}
	sessions := session.NewManager(cfg.Engine, gw, sessionOpts...)

	// Identity.
	var authenticate func(http.Handler) http.Handler
	if cfg.Identity.Disabled {
		logger.Warn("identity verification disabled; requests run as the anonymous subject")
	} else {
		jwks := transport.NewJWKSClient(cfg.Identity.JWKSURL, cfg.Identity.JWKSCacheTTL, logger)
		authenticate = transport.JWTAuthenticator(cfg.Identity, jwks)
	}

	router := transport.NewRouter(transport.Dependencies{
		Config:       cfg,
		Logger:       logger,
		Sessions:     sessions,
		Schemas:      schemas,
		Authorizer:   resolver,
		Authenticate: authenticate,
		Metrics:      metrics,
		Gatherer:     registry,
		Readiness:    readiness,
	})

	srv := &http.Server{
		Addr:              fmt.Sprintf(":%d", cfg.Server.Port),
		Handler:           router,
		ReadTimeout:       cfg.Server.ReadTimeout,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      cfg.Server.WriteTimeout,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error { return sessions.Run(gctx) })
	if forwarder != nil {
		g.Go(func() error {
			if err := forwarder.Run(gctx); !errors.Is(err, context.Canceled) {
				return err
			}
			return nil
		})
	}
	g.Go(func() error { return reloadPolicyOnHangup(gctx, policy, logger) })
	g.Go(func() error {
		logger.Info("server started",
			zap.Int("port", cfg.Server.Port),
			zap.String("version", version),
			zap.String("commit", commit),
			zap.String("gateway", cfg.Gateway.Driver),
			zap.Int("command_types", len(schemas.Types())),
		)
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		logger.Info("shutdown initiated")

		shutdownTimeout := cfg.Server.ShutdownTimeout
		if shutdownTimeout == 0 {
			shutdownTimeout = 30 * time.Second
		}
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()

		// Stop accepting requests first, then cancel commands in flight.
		if err := srv.Shutdown(shutdownCtx); err != nil {
			logger.Error("HTTP server shutdown error", zap.Error(err))
		}
		if err := sessions.Shutdown(shutdownCtx); err != nil {
			logger.Error("session shutdown error", zap.Error(err))
		}
		if err := tracingShutdown(shutdownCtx); err != nil {
			logger.Error("tracing shutdown error", zap.Error(err))
		}
		return nil
	})

	if err := g.Wait(); err != nil {
		logger.Error("server error", zap.Error(err))
		return 1
	}
	logger.Info("shutdown complete")
	return 0
}

// buildGateway creates the configured backend gateway, wrapped in the
// catalog cache when enabled. Health checkers of the gateway and its store
// are added to checks.
func buildGateway(ctx context.Context, cfg *config.Config, metrics *observability.Metrics, logger *zap.Logger, checks map[string]observability.HealthChecker) (model.Gateway, func(), error) {
	opts := []gateway.Option{
		gateway.WithLogger(logger),
		gateway.WithObserver(metrics),
	}
	closer := func() {}

	var gw model.Gateway
	switch cfg.Gateway.Driver {
	case config.GatewayHTTP:
		hg := gateway.NewHTTPGateway(cfg.Gateway, opts...)
		hg.Breaker().OnStateChange(func(s gateway.BreakerState) {
			metrics.SetCircuitBreakerState(s)
			logger.Warn("backend circuit breaker changed state", zap.String("state", s.String()))
		})
		checks["gateway"] = hg
		gw = hg
	case config.GatewayLocal:
		fixtures, err := gateway.LoadFixtures(cfg.Gateway.FixturesDir)
		if err != nil {
			return nil, nil, err
		}
		store, closeStore, err := buildDashboardStore(ctx, cfg.Store, logger)
		if err != nil {
			return nil, nil, err
		}
		if hc, ok := store.(observability.HealthChecker); ok {
			checks["dashboard_store"] = hc
		}
		closer = closeStore
		gw = gateway.NewLocalGateway(fixtures, store, opts...)
		logger.Info("local gateway loaded fixtures",
			zap.Int("catalog_items", len(fixtures.Catalog)),
			zap.Int("insights", len(fixtures.Insights)),
			zap.Int("dashboards", len(fixtures.Dashboards)),
		)
	default:
		return nil, nil, fmt.Errorf("unsupported gateway driver: %q", cfg.Gateway.Driver)
	}

	if cfg.Gateway.Cache.TTL > 0 {
		gw = gateway.NewCachingGateway(gw, cfg.Gateway.Cache, opts...)
	}
	return gw, closer, nil
}

// buildDashboardStore creates the dashboard store of the local gateway.
func buildDashboardStore(ctx context.Context, cfg config.StoreConfig, logger *zap.Logger) (gateway.DashboardStore, func(), error) {
	switch cfg.Driver {
	case config.StoreMemory:
		logger.Info("using in-memory dashboard store")
		return gateway.NewMemoryDashboardStore(), func() {}, nil
	case config.StorePostgres:
		dsn := os.Getenv(cfg.DSNEnv)
		if dsn == "" {
			return nil, nil, fmt.Errorf("dashboard store: %s environment variable not set", cfg.DSNEnv)
		}
		poolCfg, err := pgxpool.ParseConfig(dsn)
		if err != nil {
			return nil, nil, fmt.Errorf("dashboard store: parse DSN: %w", err)
		}
		if cfg.MaxOpenConns > 0 {
			poolCfg.MaxConns = int32(cfg.MaxOpenConns)
		}
		poolCfg.MaxConnLifetime = cfg.ConnMaxLifetime

		pool, err := pgxpool.NewWithConfig(ctx, poolCfg)
		if err != nil {
			return nil, nil, fmt.Errorf("dashboard store: connect: %w", err)
		}
		if err := pool.Ping(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("dashboard store: ping: %w", err)
		}
		store := gateway.NewPgDashboardStore(pool)
		if err := store.EnsureSchema(ctx); err != nil {
			pool.Close()
			return nil, nil, fmt.Errorf("dashboard store: %w", err)
		}
		return store, pool.Close, nil
	default:
		return nil, nil, fmt.Errorf("unsupported store driver: %q", cfg.Driver)
	}
}

// reloadPolicyOnHangup rereads the policy file on SIGHUP. Cached
// capabilities expire within the resolver TTL.
func reloadPolicyOnHangup(ctx context.Context, policy *capability.StaticPolicy, logger *zap.Logger) error {
	hup := make(chan os.Signal, 1)
	signal.Notify(hup, syscall.SIGHUP)
	defer signal.Stop(hup)

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-hup:
			if err := policy.Sync(); err != nil {
				logger.Error("policy reload failed", zap.Error(err))
				continue
			}
			logger.Info("policy reloaded", zap.Strings("roles", policy.Roles()))
		}
	}
}
