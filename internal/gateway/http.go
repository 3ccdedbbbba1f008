package gateway

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strings"
	"time"

	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/tessera/internal/config"
	"github.com/pitabwire/tessera/model"
)

// maxResponseBytes bounds how much of a backend response is read.
const maxResponseBytes = 10 << 20

// Option configures a gateway.
type Option func(*options)

type options struct {
	logger   *zap.Logger
	tracer   trace.Tracer
	observer Observer
	client   *http.Client
	sleep    func(ctx context.Context, d time.Duration) error
}

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(o *options) { o.logger = l } }

// WithTracer sets the tracer used for gateway spans.
func WithTracer(t trace.Tracer) Option { return func(o *options) { o.tracer = t } }

// WithObserver reports calls and cache lookups to obs.
func WithObserver(obs Observer) Option { return func(o *options) { o.observer = obs } }

// WithHTTPClient replaces the HTTP client of the HTTP gateway.
func WithHTTPClient(c *http.Client) Option { return func(o *options) { o.client = c } }

func buildOptions(opts []Option) options {
	o := options{
		logger:   zap.NewNop(),
		tracer:   defaultTracer(),
		observer: nopObserver{},
		sleep:    sleepCtx,
	}
	for _, opt := range opts {
		opt(&o)
	}
	return o
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}

// HTTPGateway talks to a remote analytics backend over JSON. It serves:
//
//	GET {base}/catalog/{type}/{id}
//	GET {base}/insights/{id}
//	GET {base}/dashboards/{id}
//	PUT {base}/dashboards/{id}  -> {"version": n}
//
// Calls go through a circuit breaker and are retried with exponential
// backoff on connection errors and 5xx responses.
type HTTPGateway struct {
	base    string
	client  *http.Client
	breaker *CircuitBreaker
	retry   config.RetryConfig
	opts    options
}

var _ model.Gateway = (*HTTPGateway)(nil)

// NewHTTPGateway creates a gateway for cfg.BaseURL.
func NewHTTPGateway(cfg config.GatewayConfig, opts ...Option) *HTTPGateway {
	o := buildOptions(opts)
	client := o.client
	if client == nil {
		timeout := cfg.Timeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		client = &http.Client{
			Timeout: timeout,
			Transport: &http.Transport{
				MaxIdleConns:        100,
				MaxConnsPerHost:     50,
				IdleConnTimeout:     90 * time.Second,
				TLSHandshakeTimeout: 10 * time.Second,
			},
		}
	}
	g := &HTTPGateway{
		base:    strings.TrimRight(cfg.BaseURL, "/"),
		client:  client,
		breaker: NewCircuitBreaker(cfg.CircuitBreaker),
		retry:   cfg.Retry,
		opts:    o,
	}
	g.breaker.OnStateChange(func(s BreakerState) {
		o.logger.Warn("backend circuit breaker changed state", zap.String("state", s.String()))
	})
	return g
}

// Breaker exposes the circuit breaker for health reporting.
func (g *HTTPGateway) Breaker() *CircuitBreaker { return g.breaker }

// HealthCheck fails while the circuit breaker is open.
func (g *HTTPGateway) HealthCheck(context.Context) error {
	if g.breaker.State() == BreakerOpen {
		return ErrCircuitOpen
	}
	return nil
}

// LoadCatalogItem implements model.Gateway.
func (g *HTTPGateway) LoadCatalogItem(ctx context.Context, ref model.ObjRef) (model.CatalogItem, error) {
	return instrument(ctx, g.opts.tracer, g.opts.observer, OpLoadCatalogItem, ref, func(ctx context.Context) (model.CatalogItem, error) {
		var item model.CatalogItem
		if err := g.do(ctx, http.MethodGet, ref, "/catalog/"+url.PathEscape(ref.Type)+"/"+url.PathEscape(ref.ID), nil, &item); err != nil {
			return model.CatalogItem{}, err
		}
		item.Ref = ref
		return item, nil
	})
}

// LoadInsight implements model.Gateway.
func (g *HTTPGateway) LoadInsight(ctx context.Context, ref model.ObjRef) (model.InsightDefinition, error) {
	return instrument(ctx, g.opts.tracer, g.opts.observer, OpLoadInsight, ref, func(ctx context.Context) (model.InsightDefinition, error) {
		var def model.InsightDefinition
		if err := g.do(ctx, http.MethodGet, ref, "/insights/"+url.PathEscape(ref.ID), nil, &def); err != nil {
			return model.InsightDefinition{}, err
		}
		def.Ref = ref
		return def, nil
	})
}

// LoadDashboard implements model.Gateway.
func (g *HTTPGateway) LoadDashboard(ctx context.Context, ref model.ObjRef) (model.Dashboard, error) {
	return instrument(ctx, g.opts.tracer, g.opts.observer, OpLoadDashboard, ref, func(ctx context.Context) (model.Dashboard, error) {
		var d model.Dashboard
		if err := g.do(ctx, http.MethodGet, ref, "/dashboards/"+url.PathEscape(ref.ID), nil, &d); err != nil {
			return model.Dashboard{}, err
		}
		d.Ref = ref
		return d, nil
	})
}

// Persist implements model.Gateway. PUT makes it safe to retry.
func (g *HTTPGateway) Persist(ctx context.Context, d model.Dashboard) (int, error) {
	return instrument(ctx, g.opts.tracer, g.opts.observer, OpPersist, d.Ref, func(ctx context.Context) (int, error) {
		body, err := json.Marshal(d)
		if err != nil {
			return 0, fmt.Errorf("gateway: marshal dashboard: %w", err)
		}
		var resp struct {
			Version int `json:"version"`
		}
		if err := g.do(ctx, http.MethodPut, d.Ref, "/dashboards/"+url.PathEscape(d.Ref.ID), body, &resp); err != nil {
			return 0, err
		}
		return resp.Version, nil
	})
}

// retryable marks failures worth another attempt.
type retryable struct{ *model.Failure }

func (r retryable) Unwrap() error { return r.Failure }

func (g *HTTPGateway) do(ctx context.Context, method string, ref model.ObjRef, path string, body []byte, out any) error {
	attempts := max(g.retry.MaxAttempts, 1)
	canRetry := isIdempotentMethod(method) || !g.retry.IdempotentOnly

	var lastErr error
	for attempt := 0; attempt < attempts; attempt++ {
		if attempt > 0 {
			if err := g.opts.sleep(ctx, backoff(g.retry, attempt)); err != nil {
				return model.AsFailure(err)
			}
		}
		err := g.once(ctx, method, ref, path, body, out)
		if err == nil {
			return nil
		}
		lastErr = err
		var r retryable
		if !canRetry || !errors.As(err, &r) {
			break
		}
		g.opts.logger.Debug("retrying backend call",
			zap.String("method", method),
			zap.String("path", path),
			zap.Int("attempt", attempt+1),
			zap.Int("max", attempts),
			zap.Error(err),
		)
	}
	return model.AsFailure(lastErr)
}

func (g *HTTPGateway) once(ctx context.Context, method string, ref model.ObjRef, path string, body []byte, out any) error {
	if err := g.breaker.Allow(); err != nil {
		return model.BackendUnavailable("backend circuit is open")
	}

	var reader io.Reader
	if body != nil {
		reader = bytes.NewReader(body)
	}
	req, err := http.NewRequestWithContext(ctx, method, g.base+path, reader)
	if err != nil {
		return fmt.Errorf("gateway: build request: %w", err)
	}
	req.Header = requestHeaders(ctx, body != nil)

	resp, err := g.client.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return model.AsFailure(ctx.Err())
		}
		g.breaker.RecordFailure()
		if isConnectionError(err) {
			return retryable{model.BackendUnavailable("backend unreachable: " + err.Error())}
		}
		return retryable{model.BackendUnavailable("backend request failed: " + err.Error())}
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxResponseBytes))
	if err != nil {
		g.breaker.RecordFailure()
		return retryable{model.BackendUnavailable("reading backend response: " + err.Error())}
	}

	switch {
	case resp.StatusCode >= 500:
		g.breaker.RecordFailure()
		f := model.BackendUnavailable(fmt.Sprintf("backend returned %d for %s %s", resp.StatusCode, method, path))
		if isRetryableStatus(resp.StatusCode) {
			return retryable{f}
		}
		return f
	case resp.StatusCode >= 400:
		// 4xx answers come from a healthy backend.
		g.breaker.RecordSuccess()
		return statusFailure(resp.StatusCode, ref, data)
	}
	g.breaker.RecordSuccess()

	if out == nil || len(data) == 0 {
		return nil
	}
	if err := json.Unmarshal(data, out); err != nil {
		return model.BackendUnavailable("malformed backend response: " + err.Error())
	}
	return nil
}

func statusFailure(status int, ref model.ObjRef, body []byte) *model.Failure {
	switch status {
	case http.StatusNotFound:
		return model.NotFound(ref)
	case http.StatusUnauthorized, http.StatusForbidden:
		return model.PermissionDenied(fmt.Sprintf("backend denied access to %s", ref))
	}
	var remote struct {
		Message string `json:"message"`
	}
	msg := fmt.Sprintf("backend rejected the request for %s with %d", ref, status)
	if json.Unmarshal(body, &remote) == nil && remote.Message != "" {
		msg += ": " + remote.Message
	}
	return model.BackendUnavailable(msg)
}

func requestHeaders(ctx context.Context, hasBody bool) http.Header {
	h := make(http.Header)
	h.Set("Accept", "application/json")
	if hasBody {
		h.Set("Content-Type", "application/json")
	}
	if rctx := model.RequestContextFrom(ctx); rctx != nil {
		if rctx.Token != "" {
			h.Set("Authorization", "Bearer "+sanitizeHeader(rctx.Token))
		}
		h.Set("X-Tenant-Id", sanitizeHeader(rctx.TenantID))
		h.Set("X-Request-Subject", sanitizeHeader(rctx.SubjectID))
		if rctx.RequestID != "" {
			h.Set("X-Request-Id", sanitizeHeader(rctx.RequestID))
		}
	}
	return h
}

// sanitizeHeader strips newlines and carriage returns to prevent header injection.
func sanitizeHeader(s string) string {
	return strings.NewReplacer("\r", "", "\n", "").Replace(s)
}

func isIdempotentMethod(method string) bool {
	switch method {
	case http.MethodGet, http.MethodPut, http.MethodDelete, http.MethodHead, http.MethodOptions:
		return true
	}
	return false
}

func isRetryableStatus(code int) bool {
	switch code {
	case http.StatusInternalServerError, http.StatusBadGateway, http.StatusServiceUnavailable, http.StatusGatewayTimeout:
		return true
	}
	return false
}

func isConnectionError(err error) bool {
	var netErr *net.OpError
	if errors.As(err, &netErr) {
		return true
	}
	var dnsErr *net.DNSError
	return errors.As(err, &dnsErr)
}

func backoff(cfg config.RetryConfig, attempt int) time.Duration {
	if cfg.BackoffInitial <= 0 {
		cfg.BackoffInitial = 100 * time.Millisecond
	}
	if cfg.BackoffMultiplier <= 0 {
		cfg.BackoffMultiplier = 2
	}
	if cfg.BackoffMax <= 0 {
		cfg.BackoffMax = 2 * time.Second
	}
	delay := cfg.BackoffInitial
	for i := 1; i < attempt; i++ {
		delay = time.Duration(float64(delay) * cfg.BackoffMultiplier)
		if delay >= cfg.BackoffMax {
			return cfg.BackoffMax
		}
	}
	return delay
}
