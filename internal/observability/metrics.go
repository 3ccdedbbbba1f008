package observability

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/pitabwire/tessera/internal/command"
	"github.com/pitabwire/tessera/internal/gateway"
	"github.com/pitabwire/tessera/internal/session"
)

// Histogram bucket definitions.
var (
	httpDurationBuckets    = []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5, 10}
	backendDurationBuckets = []float64{0.005, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2.5, 5}
	bodySizeBuckets        = []float64{100, 1024, 10240, 102400, 1048576}
)

// Metrics holds all Prometheus metric instruments of the service. It
// observes the dispatcher, the gateway and the session manager.
type Metrics struct {
	// HTTP metrics
	HTTPRequestsTotal     *prometheus.CounterVec
	HTTPRequestDuration   *prometheus.HistogramVec
	HTTPRequestSizeBytes  *prometheus.HistogramVec
	HTTPResponseSizeBytes *prometheus.HistogramVec

	// Command metrics
	CommandsTotal             *prometheus.CounterVec
	CommandDuration           *prometheus.HistogramVec
	CommandValidationFailures *prometheus.CounterVec

	// Gateway metrics
	GatewayCallsTotal          *prometheus.CounterVec
	GatewayCallDuration        *prometheus.HistogramVec
	GatewayCircuitBreakerState prometheus.Gauge
	GatewayCacheHitsTotal      *prometheus.CounterVec
	GatewayCacheMissesTotal    *prometheus.CounterVec

	// Session metrics
	SessionsOpen        prometheus.Gauge
	SessionsClosedTotal *prometheus.CounterVec

	// Event stream metrics
	EventSubscribers prometheus.Gauge
}

var (
	_ command.Observer = (*Metrics)(nil)
	_ gateway.Observer = (*Metrics)(nil)
	_ session.Observer = (*Metrics)(nil)
)

// InitMetrics creates and registers all Prometheus metric instruments.
func InitMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		// HTTP
		HTTPRequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tessera_http_requests_total",
			Help: "Total number of HTTP requests.",
		}, []string{"method", "path_pattern", "status"}),
		HTTPRequestDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tessera_http_request_duration_seconds",
			Help:    "HTTP request duration in seconds.",
			Buckets: httpDurationBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPRequestSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tessera_http_request_size_bytes",
			Help:    "HTTP request body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),
		HTTPResponseSizeBytes: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tessera_http_response_size_bytes",
			Help:    "HTTP response body size in bytes.",
			Buckets: bodySizeBuckets,
		}, []string{"method", "path_pattern"}),

		// Commands
		CommandsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tessera_commands_total",
			Help: "Total number of finished commands by terminal state and reason.",
		}, []string{"command_type", "state", "reason"}),
		CommandDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tessera_command_duration_seconds",
			Help:    "Time from dispatch to terminal event in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"command_type"}),
		CommandValidationFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tessera_command_validation_failures_total",
			Help: "Total number of command payloads rejected by schema validation.",
		}, []string{"command_type"}),

		// Gateway
		GatewayCallsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tessera_gateway_calls_total",
			Help: "Total number of backend gateway calls.",
		}, []string{"operation", "outcome"}),
		GatewayCallDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "tessera_gateway_call_duration_seconds",
			Help:    "Backend gateway call duration in seconds.",
			Buckets: backendDurationBuckets,
		}, []string{"operation"}),
		GatewayCircuitBreakerState: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tessera_gateway_circuit_breaker_state",
			Help: "Circuit breaker state (0=closed, 1=open, 2=half-open).",
		}),
		GatewayCacheHitsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tessera_gateway_cache_hits_total",
			Help: "Total gateway cache hits.",
		}, []string{"kind"}),
		GatewayCacheMissesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tessera_gateway_cache_misses_total",
			Help: "Total gateway cache misses.",
		}, []string{"kind"}),

		// Sessions
		SessionsOpen: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tessera_sessions_open",
			Help: "Number of open dashboard sessions.",
		}),
		SessionsClosedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "tessera_sessions_closed_total",
			Help: "Total closed dashboard sessions by reason.",
		}, []string{"reason"}),

		EventSubscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "tessera_event_stream_subscribers",
			Help: "Number of connected event stream clients.",
		}),
	}

	reg.MustRegister(
		// HTTP
		m.HTTPRequestsTotal,
		m.HTTPRequestDuration,
		m.HTTPRequestSizeBytes,
		m.HTTPResponseSizeBytes,
		// Commands
		m.CommandsTotal,
		m.CommandDuration,
		m.CommandValidationFailures,
		// Gateway
		m.GatewayCallsTotal,
		m.GatewayCallDuration,
		m.GatewayCircuitBreakerState,
		m.GatewayCacheHitsTotal,
		m.GatewayCacheMissesTotal,
		// Sessions
		m.SessionsOpen,
		m.SessionsClosedTotal,
		m.EventSubscribers,
	)

	return m
}

// --- Recording helpers ---

// RecordHTTPRequest records HTTP request metrics.
func (m *Metrics) RecordHTTPRequest(method, pathPattern string, status int, duration time.Duration, reqSize, respSize int) {
	statusStr := strconv.Itoa(status)
	m.HTTPRequestsTotal.WithLabelValues(method, pathPattern, statusStr).Inc()
	m.HTTPRequestDuration.WithLabelValues(method, pathPattern).Observe(duration.Seconds())
	m.HTTPRequestSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(reqSize))
	m.HTTPResponseSizeBytes.WithLabelValues(method, pathPattern).Observe(float64(respSize))
}

// OnCommandFinished implements command.Observer.
func (m *Metrics) OnCommandFinished(_ context.Context, o command.Outcome) {
	m.CommandsTotal.WithLabelValues(o.CommandType, string(o.State), o.Reason).Inc()
	m.CommandDuration.WithLabelValues(o.CommandType).Observe(o.Duration.Seconds())
}

// RecordCommandValidationFailure records a payload rejected before dispatch.
func (m *Metrics) RecordCommandValidationFailure(commandType string) {
	m.CommandValidationFailures.WithLabelValues(commandType).Inc()
}

// ObserveGatewayCall implements gateway.Observer.
func (m *Metrics) ObserveGatewayCall(op, outcome string, d time.Duration) {
	m.GatewayCallsTotal.WithLabelValues(op, outcome).Inc()
	m.GatewayCallDuration.WithLabelValues(op).Observe(d.Seconds())
}

// ObserveCacheLookup implements gateway.Observer.
func (m *Metrics) ObserveCacheLookup(kind string, hit bool) {
	if hit {
		m.GatewayCacheHitsTotal.WithLabelValues(kind).Inc()
		return
	}
	m.GatewayCacheMissesTotal.WithLabelValues(kind).Inc()
}

// SetCircuitBreakerState records the backend breaker state. It is meant to
// be registered with gateway.CircuitBreaker.OnStateChange.
func (m *Metrics) SetCircuitBreakerState(s gateway.BreakerState) {
	m.GatewayCircuitBreakerState.Set(float64(s))
}

// ObserveSessions implements session.Observer.
func (m *Metrics) ObserveSessions(open int) {
	m.SessionsOpen.Set(float64(open))
}

// ObserveSessionClosed implements session.Observer.
func (m *Metrics) ObserveSessionClosed(reason string) {
	m.SessionsClosedTotal.WithLabelValues(reason).Inc()
}

// EventSubscriberConnected adjusts the connected stream client gauge by
// delta.
func (m *Metrics) EventSubscriberConnected(delta int) {
	m.EventSubscribers.Add(float64(delta))
}

// --- HTTP Middleware ---

// MetricsMiddleware returns HTTP middleware that records request metrics using
// chi's route pattern (not the actual URL path) to avoid label cardinality
// explosion.
func (m *Metrics) MetricsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		sw := &metricsResponseWriter{ResponseWriter: w, status: http.StatusOK}

		next.ServeHTTP(sw, r)

		duration := time.Since(start)
		pathPattern := routePattern(r)
		reqSize := 0
		if r.ContentLength > 0 {
			reqSize = int(r.ContentLength)
		}

		m.RecordHTTPRequest(r.Method, pathPattern, sw.status, duration, reqSize, sw.bytes)
	})
}

// Handler returns the Prometheus HTTP handler for the /metrics endpoint.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

// routePattern extracts chi's route pattern from the request context.
// Falls back to the raw URL path if no pattern is found.
func routePattern(r *http.Request) string {
	rctx := chi.RouteContext(r.Context())
	if rctx == nil {
		return r.URL.Path
	}
	pattern := strings.Join(rctx.RoutePatterns, "")
	// chi route patterns have trailing /*, remove it.
	pattern = strings.ReplaceAll(pattern, "/*/", "/")
	pattern = strings.TrimSuffix(pattern, "/*")
	if pattern == "" {
		return r.URL.Path
	}
	return pattern
}

// metricsResponseWriter wraps http.ResponseWriter to capture status and bytes.
type metricsResponseWriter struct {
	http.ResponseWriter
	status  int
	bytes   int
	written bool
}

func (w *metricsResponseWriter) WriteHeader(code int) {
	if !w.written {
		w.status = code
		w.written = true
	}
	w.ResponseWriter.WriteHeader(code)
}

func (w *metricsResponseWriter) Write(b []byte) (int, error) {
	if !w.written {
		w.written = true
	}
	n, err := w.ResponseWriter.Write(b)
	w.bytes += n
	return n, err
}

// Hijack passes the connection through for websocket upgrades.
func (w *metricsResponseWriter) Hijack() (net.Conn, *bufio.ReadWriter, error) {
	return hijack(w.ResponseWriter)
}

func (w *metricsResponseWriter) Unwrap() http.ResponseWriter {
	return w.ResponseWriter
}

func hijack(w http.ResponseWriter) (net.Conn, *bufio.ReadWriter, error) {
	h, ok := w.(http.Hijacker)
	if !ok {
		return nil, nil, fmt.Errorf("observability: %T does not support hijacking", w)
	}
	return h.Hijack()
}
