// Package integration provides a reusable test harness for end-to-end
// integration testing of the Tessera server. It starts a full HTTP server
// backed by a mock dashboard backend and a test JWT issuer.
package integration

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap/zaptest"

	"github.com/pitabwire/tessera/internal/capability"
	"github.com/pitabwire/tessera/internal/command"
	"github.com/pitabwire/tessera/internal/config"
	"github.com/pitabwire/tessera/internal/gateway"
	"github.com/pitabwire/tessera/internal/observability"
	"github.com/pitabwire/tessera/internal/schema"
	"github.com/pitabwire/tessera/internal/session"
	"github.com/pitabwire/tessera/internal/transport"
)

// TestHarness encapsulates a fully wired Tessera instance with a mock
// backend for integration testing.
type TestHarness struct {
	t       *testing.T
	server  *httptest.Server
	issuer  *tokenIssuer
	backend *MockBackend

	// Internal components exposed for advanced test scenarios.
	Gateway  *gateway.HTTPGateway
	Sessions *session.Manager
	Metrics  *observability.Metrics
	Registry *prometheus.Registry

	cfg *config.Config
}

// HarnessOption configures the test harness.
type HarnessOption func(*harnessConfig)

type harnessConfig struct {
	policyFile     string
	handlerTimeout time.Duration
	awaitTimeout   time.Duration
	breaker        config.CircuitBreakerConfig
	retry          config.RetryConfig
}

// WithPolicyFile sets the static policy YAML file for capability resolution.
func WithPolicyFile(path string) HarnessOption {
	return func(c *harnessConfig) { c.policyFile = path }
}

// WithHandlerTimeout sets the per-request handler timeout.
func WithHandlerTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.handlerTimeout = d }
}

// WithAwaitTimeout bounds how long a waiting command request blocks.
func WithAwaitTimeout(d time.Duration) HarnessOption {
	return func(c *harnessConfig) { c.awaitTimeout = d }
}

// WithCircuitBreaker sets the backend circuit breaker configuration.
func WithCircuitBreaker(cb config.CircuitBreakerConfig) HarnessOption {
	return func(c *harnessConfig) { c.breaker = cb }
}

// WithRetry sets the backend retry configuration.
func WithRetry(r config.RetryConfig) HarnessOption {
	return func(c *harnessConfig) { c.retry = r }
}

// NewTestHarness creates and starts a full Tessera test instance. The
// server is cleaned up when the test completes.
func NewTestHarness(t *testing.T, opts ...HarnessOption) *TestHarness {
	t.Helper()

	hc := &harnessConfig{
		handlerTimeout: 10 * time.Second,
		awaitTimeout:   5 * time.Second,
		breaker: config.CircuitBreakerConfig{
			FailureThreshold: 5,
			SuccessThreshold: 1,
			Timeout:          30 * time.Second,
		},
		retry: config.RetryConfig{MaxAttempts: 1, IdempotentOnly: true},
	}
	for _, opt := range opts {
		opt(hc)
	}

	logger := zaptest.NewLogger(t)
	h := &TestHarness{
		t:        t,
		backend:  newMockBackend(t),
		issuer:   newTokenIssuer(t),
		Registry: prometheus.NewRegistry(),
	}
	h.Metrics = observability.InitMetrics(h.Registry)

	h.cfg = config.Defaults()
	h.cfg.Server.HandlerTimeout = hc.handlerTimeout
	h.cfg.Server.AwaitTimeout = hc.awaitTimeout
	h.cfg.Server.CORS = config.CORSConfig{
		AllowedOrigins: []string{"http://localhost:3000"},
		AllowedMethods: []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders: []string{"Authorization", "Content-Type", "X-Request-Id"},
		MaxAge:         86400,
	}
	h.cfg.Identity = config.IdentityConfig{
		Issuer:     h.issuer.Issuer(),
		Audience:   h.issuer.Audience(),
		JWKSURL:    h.issuer.JWKSURL(),
		Algorithms: []string{"RS256"},
		ClaimPaths: map[string]string{
			"subject_id": "sub",
			"tenant_id":  tenantClaimPath,
			"email":      "email",
			"roles":      rolesClaimPath,
		},
	}
	h.cfg.Gateway = config.GatewayConfig{
		Driver:         config.GatewayHTTP,
		BaseURL:        h.backend.URL(),
		Timeout:        5 * time.Second,
		Retry:          hc.retry,
		CircuitBreaker: hc.breaker,
	}
	h.cfg.Policy.File = hc.policyFile

	h.Gateway = gateway.NewHTTPGateway(h.cfg.Gateway, gateway.WithLogger(logger), gateway.WithObserver(h.Metrics))

	policy, err := capability.NewStaticPolicy(h.cfg.Policy.File)
	if err != nil {
		t.Fatalf("load policy: %v", err)
	}
	resolver := capability.NewResolver(policy, 0) // no caching in tests

	schemas, err := schema.Load(context.Background())
	if err != nil {
		t.Fatalf("load schemas: %v", err)
	}

	h.Sessions = session.NewManager(h.cfg.Engine, h.Gateway,
		session.WithLogger(logger),
		session.WithObserver(h.Metrics),
		session.WithDispatcherOptions(
			command.WithLogger(logger),
			command.WithObserver(h.Metrics),
			command.WithAuthorizer(resolver),
		),
	)

	jwks := transport.NewJWKSClient(h.issuer.JWKSURL(), time.Hour, logger)
	router := transport.NewRouter(transport.Dependencies{
		Config:       h.cfg,
		Logger:       logger,
		Sessions:     h.Sessions,
		Schemas:      schemas,
		Authorizer:   resolver,
		Authenticate: transport.JWTAuthenticator(h.cfg.Identity, jwks),
		Metrics:      h.Metrics,
		Gatherer:     h.Registry,
		Readiness: observability.ReadinessChecks{
			SchemasLoaded: func() bool { return len(schemas.Types()) > 0 },
			Dependencies:  map[string]observability.HealthChecker{"gateway": h.Gateway},
		},
	})

	h.server = httptest.NewServer(router)
	t.Cleanup(func() {
		h.server.Close()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.Sessions.Shutdown(ctx)
	})
	return h
}

// BaseURL returns the test server's base URL.
func (h *TestHarness) BaseURL() string {
	return h.server.URL
}

// Backend returns the mock dashboard backend.
func (h *TestHarness) Backend() *MockBackend {
	return h.backend
}

// GenerateToken mints a signed token for claims.
func (h *TestHarness) GenerateToken(claims TestClaims, opts ...TokenOption) string {
	h.t.Helper()
	token, err := h.issuer.Mint(claims, opts...)
	if err != nil {
		h.t.Fatalf("mint token: %v", err)
	}
	return token
}

// --- HTTP client helpers ---

// GET performs an authenticated GET request.
func (h *TestHarness) GET(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, nil)
}

// GETWithHeaders performs an authenticated GET request with additional headers.
func (h *TestHarness) GETWithHeaders(path, token string, headers map[string]string) *http.Response {
	h.t.Helper()
	return h.doRequest("GET", path, nil, token, headers)
}

// POST performs an authenticated POST request with a JSON body.
func (h *TestHarness) POST(path string, body any, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("POST", path, body, token, nil)
}

// DELETE performs an authenticated DELETE request.
func (h *TestHarness) DELETE(path, token string) *http.Response {
	h.t.Helper()
	return h.doRequest("DELETE", path, nil, token, nil)
}

func (h *TestHarness) doRequest(method, path string, body any, token string, headers map[string]string) *http.Response {
	h.t.Helper()

	var bodyReader io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			h.t.Fatalf("marshal request body: %v", err)
		}
		bodyReader = strings.NewReader(string(data))
	}

	req, err := http.NewRequestWithContext(context.Background(), method, h.server.URL+path, bodyReader)
	if err != nil {
		h.t.Fatalf("create request: %v", err)
	}
	if token != "" {
		req.Header.Set("Authorization", "Bearer "+token)
	}
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}
	for k, v := range headers {
		req.Header.Set(k, v)
	}

	client := &http.Client{Timeout: 15 * time.Second}
	resp, err := client.Do(req)
	if err != nil {
		h.t.Fatalf("%s %s failed: %v", method, path, err)
	}
	return resp
}

// ParseJSON reads the response body and unmarshals it into the target.
func (h *TestHarness) ParseJSON(resp *http.Response, target any) {
	h.t.Helper()
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		h.t.Fatalf("read response body: %v", err)
	}
	if err := json.Unmarshal(data, target); err != nil {
		h.t.Fatalf("unmarshal response body: %v\nbody: %s", err, string(data))
	}
}

// AssertStatus checks that the response has the expected status code and
// closes the body.
func (h *TestHarness) AssertStatus(t *testing.T, resp *http.Response, expected int) {
	t.Helper()
	defer resp.Body.Close()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		t.Errorf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
}

// AssertJSON checks that the response has the expected status and parses the body.
func (h *TestHarness) AssertJSON(t *testing.T, resp *http.Response, expected int, target any) {
	t.Helper()
	if resp.StatusCode != expected {
		body, _ := io.ReadAll(resp.Body)
		resp.Body.Close()
		t.Fatalf("status = %d, want %d\nbody: %s", resp.StatusCode, expected, string(body))
	}
	h.ParseJSON(resp, target)
}

// --- Dashboard helpers ---

// DashboardPath returns the API path of a dashboard resource.
func DashboardPath(id, resource string) string {
	return fmt.Sprintf("/api/v1/dashboards/%s/%s", id, resource)
}

// OpenSession opens a session on the dashboard and fails the test unless
// it is created.
func (h *TestHarness) OpenSession(t *testing.T, id, token string) {
	t.Helper()
	h.AssertStatus(t, h.POST(DashboardPath(id, "session"), nil, token), http.StatusCreated)
}

// Command dispatches a command and waits for its terminal event.
func (h *TestHarness) Command(t *testing.T, id, token, typ string, payload any) map[string]any {
	t.Helper()
	body := map[string]any{"type": typ}
	if payload != nil {
		body["payload"] = payload
	}
	var ev map[string]any
	h.AssertJSON(t, h.POST(DashboardPath(id, "commands")+"?wait=true", body, token), http.StatusOK, &ev)
	return ev
}

// State returns the session state of a dashboard.
func (h *TestHarness) State(t *testing.T, id, token string) map[string]any {
	t.Helper()
	var state map[string]any
	h.AssertJSON(t, h.GET(DashboardPath(id, "state"), token), http.StatusOK, &state)
	return state
}

// --- Default test claims ---

// ViewerClaims returns TestClaims for a read-only user.
func ViewerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-viewer",
		TenantID:  "acme-corp",
		Email:     "viewer@acme.example.com",
		Roles:     []string{"viewer"},
	}
}

// EditorClaims returns TestClaims for a user who edits but cannot save.
func EditorClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-editor",
		TenantID:  "acme-corp",
		Email:     "editor@acme.example.com",
		Roles:     []string{"editor"},
	}
}

// OwnerClaims returns TestClaims for a user holding every dashboard capability.
func OwnerClaims() TestClaims {
	return TestClaims{
		SubjectID: "user-owner",
		TenantID:  "acme-corp",
		Email:     "owner@acme.example.com",
		Roles:     []string{"owner"},
	}
}
