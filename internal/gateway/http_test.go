package gateway

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pitabwire/tessera/internal/config"
	"github.com/pitabwire/tessera/model"
)

func testGatewayConfig(baseURL string) config.GatewayConfig {
	return config.GatewayConfig{
		Driver:  config.GatewayHTTP,
		BaseURL: baseURL,
		Timeout: 5 * time.Second,
		Retry: config.RetryConfig{
			MaxAttempts:       3,
			BackoffInitial:    time.Millisecond,
			BackoffMultiplier: 2,
			BackoffMax:        10 * time.Millisecond,
			IdempotentOnly:    true,
		},
		CircuitBreaker: config.CircuitBreakerConfig{FailureThreshold: 5, SuccessThreshold: 1, Timeout: time.Minute},
	}
}

func newTestHTTPGateway(t *testing.T, cfg config.GatewayConfig) *HTTPGateway {
	t.Helper()
	g := NewHTTPGateway(cfg)
	g.opts.sleep = func(context.Context, time.Duration) error { return nil }
	return g
}

func actorContext() context.Context {
	return model.WithRequestContext(context.Background(), &model.RequestContext{
		SubjectID: "user-1",
		TenantID:  "tenant-1",
		RequestID: "req-1",
		Token:     "secret-token",
	})
}

func TestHTTPGateway_LoadInsight(t *testing.T) {
	var gotHeaders http.Header
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodGet || r.URL.Path != "/insights/sales" {
			t.Errorf("request = %s %s, want GET /insights/sales", r.Method, r.URL.Path)
		}
		gotHeaders = r.Header.Clone()
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"title":"Sales","visualization":"bar","measures":[{"localId":"m1","item":"measure:revenue"}]}`))
	}))
	defer srv.Close()

	g := newTestHTTPGateway(t, testGatewayConfig(srv.URL))
	ref := model.NewRef(model.RefInsight, "sales")

	def, err := g.LoadInsight(actorContext(), ref)
	if err != nil {
		t.Fatalf("LoadInsight() error = %v", err)
	}
	if def.Ref != ref {
		t.Errorf("Ref = %v, want %v", def.Ref, ref)
	}
	if !def.HasOrigin("m1") {
		t.Errorf("Measures = %v, want origin m1", def.Measures)
	}

	if got := gotHeaders.Get("Authorization"); got != "Bearer secret-token" {
		t.Errorf("Authorization = %q", got)
	}
	if got := gotHeaders.Get("X-Tenant-Id"); got != "tenant-1" {
		t.Errorf("X-Tenant-Id = %q", got)
	}
	if got := gotHeaders.Get("X-Request-Id"); got != "req-1" {
		t.Errorf("X-Request-Id = %q", got)
	}
}

func TestHTTPGateway_statusClassification(t *testing.T) {
	tests := []struct {
		name       string
		status     int
		body       string
		wantReason string
		wantCalls  int32
	}{
		{"not found", http.StatusNotFound, "", model.ReasonNotFound, 1},
		{"forbidden", http.StatusForbidden, "", model.ReasonPermissionDenied, 1},
		{"unauthorized", http.StatusUnauthorized, "", model.ReasonPermissionDenied, 1},
		{"bad request", http.StatusBadRequest, `{"message":"nope"}`, model.ReasonBackendUnavailable, 1},
		{"unavailable retried", http.StatusServiceUnavailable, "", model.ReasonBackendUnavailable, 3},
		{"not implemented not retried", http.StatusNotImplemented, "", model.ReasonBackendUnavailable, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			var calls atomic.Int32
			srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
				calls.Add(1)
				w.WriteHeader(tt.status)
				_, _ = w.Write([]byte(tt.body))
			}))
			defer srv.Close()

			g := newTestHTTPGateway(t, testGatewayConfig(srv.URL))
			_, err := g.LoadCatalogItem(actorContext(), model.NewRef(model.RefMeasure, "revenue"))
			if !model.IsReason(err, tt.wantReason) {
				t.Errorf("error = %v, want reason %s", err, tt.wantReason)
			}
			if got := calls.Load(); got != tt.wantCalls {
				t.Errorf("calls = %d, want %d", got, tt.wantCalls)
			}
		})
	}
}

func TestHTTPGateway_retriesThenSucceeds(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		if calls.Add(1) < 3 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		_, _ = w.Write([]byte(`{"kind":"measure","title":"Revenue"}`))
	}))
	defer srv.Close()

	g := newTestHTTPGateway(t, testGatewayConfig(srv.URL))
	item, err := g.LoadCatalogItem(actorContext(), model.NewRef(model.RefMeasure, "revenue"))
	if err != nil {
		t.Fatalf("LoadCatalogItem() error = %v", err)
	}
	if item.Title != "Revenue" {
		t.Errorf("Title = %q, want Revenue", item.Title)
	}
	if got := calls.Load(); got != 3 {
		t.Errorf("calls = %d, want 3", got)
	}
}

func TestHTTPGateway_breakerOpensAndRejects(t *testing.T) {
	var calls atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		calls.Add(1)
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	cfg := testGatewayConfig(srv.URL)
	cfg.Retry.MaxAttempts = 1
	cfg.CircuitBreaker.FailureThreshold = 2
	g := newTestHTTPGateway(t, cfg)
	ref := model.NewRef(model.RefInsight, "sales")

	for range 2 {
		if _, err := g.LoadInsight(actorContext(), ref); !model.IsReason(err, model.ReasonBackendUnavailable) {
			t.Fatalf("error = %v, want BackendUnavailable", err)
		}
	}
	if s := g.Breaker().State(); s != BreakerOpen {
		t.Fatalf("breaker = %v, want open", s)
	}

	_, err := g.LoadInsight(actorContext(), ref)
	if !model.IsReason(err, model.ReasonBackendUnavailable) {
		t.Errorf("error = %v, want BackendUnavailable", err)
	}
	if got := calls.Load(); got != 2 {
		t.Errorf("calls = %d, want 2 (third call rejected by breaker)", got)
	}
}

func TestHTTPGateway_Persist(t *testing.T) {
	var got model.Dashboard
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPut || r.URL.Path != "/dashboards/overview" {
			t.Errorf("request = %s %s, want PUT /dashboards/overview", r.Method, r.URL.Path)
		}
		if ct := r.Header.Get("Content-Type"); ct != "application/json" {
			t.Errorf("Content-Type = %q", ct)
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"version":4}`))
	}))
	defer srv.Close()

	g := newTestHTTPGateway(t, testGatewayConfig(srv.URL))
	d := model.Dashboard{Ref: model.NewRef(model.RefDashboard, "overview"), Title: "Overview", Version: 3}

	version, err := g.Persist(actorContext(), d)
	if err != nil {
		t.Fatalf("Persist() error = %v", err)
	}
	if version != 4 {
		t.Errorf("version = %d, want 4", version)
	}
	if got.Title != "Overview" || got.Version != 3 {
		t.Errorf("sent dashboard = %+v", got)
	}
}

func TestHTTPGateway_cancelledContext(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusOK)
	}))
	defer srv.Close()

	g := newTestHTTPGateway(t, testGatewayConfig(srv.URL))
	ctx, cancel := context.WithCancel(actorContext())
	cancel()

	_, err := g.LoadDashboard(ctx, model.NewRef(model.RefDashboard, "overview"))
	if !model.IsReason(err, model.ReasonCancelled) {
		t.Errorf("error = %v, want Cancelled", err)
	}
	if s := g.Breaker().State(); s != BreakerClosed {
		t.Errorf("breaker = %v, cancellation must not count as a failure", s)
	}
}

func TestBackoff(t *testing.T) {
	cfg := config.RetryConfig{BackoffInitial: 100 * time.Millisecond, BackoffMultiplier: 2, BackoffMax: time.Second}
	tests := []struct {
		attempt int
		want    time.Duration
	}{
		{1, 100 * time.Millisecond},
		{2, 200 * time.Millisecond},
		{3, 400 * time.Millisecond},
		{4, 800 * time.Millisecond},
		{5, time.Second},
		{9, time.Second},
	}
	for _, tt := range tests {
		if got := backoff(cfg, tt.attempt); got != tt.want {
			t.Errorf("backoff(%d) = %v, want %v", tt.attempt, got, tt.want)
		}
	}
}

func TestSanitizeHeader(t *testing.T) {
	if got := sanitizeHeader("a\r\nX-Evil: 1"); got != "aX-Evil: 1" {
		t.Errorf("sanitizeHeader() = %q", got)
	}
}
