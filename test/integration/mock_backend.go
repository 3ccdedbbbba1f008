package integration

import (
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"
)

// Backend operations served by the mock dashboard backend.
const (
	OpLoadCatalogItem  = "loadCatalogItem"
	OpLoadInsight      = "loadInsight"
	OpLoadDashboard    = "loadDashboard"
	OpPersistDashboard = "persistDashboard"
)

// MockBackend is an HTTP test server that simulates the dashboard backend.
// Dashboards are stored per tenant and versioned on every PUT. Configured
// responses take precedence over the stored state, and every received
// request is recorded for later assertion.
type MockBackend struct {
	t      *testing.T
	server *httptest.Server

	mu           sync.RWMutex
	operations   map[string]*operationConfig
	receivedByOp map[string][]*RecordedRequest
	dashboards   map[string]map[string]any // tenant/id -> document
	catalog      map[string]map[string]any // type/id -> item
	insights     map[string]map[string]any
}

// RecordedRequest captures the details of a request received by the mock backend.
type RecordedRequest struct {
	Method     string
	Path       string
	Headers    http.Header
	Body       map[string]any
	RawBody    []byte
	ReceivedAt time.Time
}

type operationConfig struct {
	mu        sync.Mutex
	responses []*mockResponse
	current   int
}

type mockResponse struct {
	status    int
	body      any
	delay     time.Duration
	connError bool
}

// OperationMock is a builder for configuring mock responses for one operation.
type OperationMock struct {
	backend *MockBackend
	opID    string
}

func newMockBackend(t *testing.T) *MockBackend {
	t.Helper()

	mb := &MockBackend{
		t:            t,
		operations:   make(map[string]*operationConfig),
		receivedByOp: make(map[string][]*RecordedRequest),
		dashboards:   make(map[string]map[string]any),
		catalog:      make(map[string]map[string]any),
		insights:     make(map[string]map[string]any),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /catalog/{type}/{id}", mb.handleOperation(OpLoadCatalogItem, mb.serveCatalogItem))
	mux.HandleFunc("GET /insights/{id}", mb.handleOperation(OpLoadInsight, mb.serveInsight))
	mux.HandleFunc("GET /dashboards/{id}", mb.handleOperation(OpLoadDashboard, mb.serveDashboard))
	mux.HandleFunc("PUT /dashboards/{id}", mb.handleOperation(OpPersistDashboard, mb.storeDashboard))

	mb.server = httptest.NewServer(mux)
	t.Cleanup(mb.server.Close)
	return mb
}

// URL returns the base URL of the mock backend server.
func (mb *MockBackend) URL() string {
	return mb.server.URL
}

// PutDashboard seeds a dashboard document for a tenant.
func (mb *MockBackend) PutDashboard(tenant, id string, doc map[string]any) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.dashboards[tenant+"/"+id] = doc
}

// Dashboard returns the stored document of a tenant's dashboard.
func (mb *MockBackend) Dashboard(tenant, id string) map[string]any {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	return mb.dashboards[tenant+"/"+id]
}

// PutCatalogItem seeds a catalog item visible to every tenant.
func (mb *MockBackend) PutCatalogItem(typ, id string, item map[string]any) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.catalog[typ+"/"+id] = item
}

// PutInsight seeds an insight definition visible to every tenant.
func (mb *MockBackend) PutInsight(id string, def map[string]any) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	mb.insights[id] = def
}

// OnOperation returns a builder for configuring responses for the named operation.
func (mb *MockBackend) OnOperation(operationID string) *OperationMock {
	return &OperationMock{backend: mb, opID: operationID}
}

// RespondWith configures the operation to respond with the given status and body.
func (om *OperationMock) RespondWith(status int, body any) *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{status: status, body: body})
	return om
}

// RespondWithError configures the operation to respond with an error body.
func (om *OperationMock) RespondWithError(status int, message string) *OperationMock {
	return om.RespondWith(status, map[string]any{"message": message})
}

// RespondWithDelay configures a delayed response to simulate slow backends.
func (om *OperationMock) RespondWithDelay(delay time.Duration, status int, body any) *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{status: status, body: body, delay: delay})
	return om
}

// RespondWithConnectionError configures the operation to close the connection.
func (om *OperationMock) RespondWithConnectionError() *OperationMock {
	om.backend.addResponse(om.opID, &mockResponse{connError: true})
	return om
}

func (mb *MockBackend) addResponse(opID string, resp *mockResponse) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	cfg, ok := mb.operations[opID]
	if !ok {
		cfg = &operationConfig{}
		mb.operations[opID] = cfg
	}
	cfg.responses = append(cfg.responses, resp)
}

func (mb *MockBackend) handleOperation(opID string, fallback func(*RecordedRequest, *http.Request) (int, any)) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		rec := &RecordedRequest{
			Method:     r.Method,
			Path:       r.URL.Path,
			Headers:    r.Header.Clone(),
			ReceivedAt: time.Now(),
		}
		if r.Body != nil {
			body, _ := io.ReadAll(r.Body)
			rec.RawBody = body
			if len(body) > 0 {
				var parsed map[string]any
				if err := json.Unmarshal(body, &parsed); err == nil {
					rec.Body = parsed
				}
			}
		}

		mb.mu.Lock()
		mb.receivedByOp[opID] = append(mb.receivedByOp[opID], rec)
		mb.mu.Unlock()

		status, body := 0, any(nil)
		if resp := mb.getNextResponse(opID); resp != nil {
			if resp.connError {
				if hj, ok := w.(http.Hijacker); ok {
					if conn, _, _ := hj.Hijack(); conn != nil {
						_ = conn.Close()
					}
				}
				return
			}
			if resp.delay > 0 {
				time.Sleep(resp.delay)
			}
			status, body = resp.status, resp.body
		} else {
			status, body = fallback(rec, r)
		}

		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		if body != nil {
			_ = json.NewEncoder(w).Encode(body)
		}
	}
}

func notFound(what string) (int, any) {
	return http.StatusNotFound, map[string]any{"message": what + " not found"}
}

func (mb *MockBackend) serveCatalogItem(_ *RecordedRequest, r *http.Request) (int, any) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	item, ok := mb.catalog[r.PathValue("type")+"/"+r.PathValue("id")]
	if !ok {
		return notFound("catalog item")
	}
	return http.StatusOK, item
}

func (mb *MockBackend) serveInsight(_ *RecordedRequest, r *http.Request) (int, any) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	def, ok := mb.insights[r.PathValue("id")]
	if !ok {
		return notFound("insight")
	}
	return http.StatusOK, def
}

func (mb *MockBackend) serveDashboard(_ *RecordedRequest, r *http.Request) (int, any) {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	doc, ok := mb.dashboards[r.Header.Get("X-Tenant-Id")+"/"+r.PathValue("id")]
	if !ok {
		return notFound("dashboard")
	}
	return http.StatusOK, doc
}

func (mb *MockBackend) storeDashboard(rec *RecordedRequest, r *http.Request) (int, any) {
	if rec.Body == nil {
		return http.StatusBadRequest, map[string]any{"message": "dashboard body required"}
	}
	key := r.Header.Get("X-Tenant-Id") + "/" + r.PathValue("id")

	mb.mu.Lock()
	defer mb.mu.Unlock()
	version := 1
	if prev, ok := mb.dashboards[key]; ok {
		if v, ok := prev["version"].(float64); ok {
			version = int(v) + 1
		}
	}
	rec.Body["version"] = float64(version)
	mb.dashboards[key] = rec.Body
	return http.StatusOK, map[string]any{"version": version}
}

func (mb *MockBackend) getNextResponse(opID string) *mockResponse {
	mb.mu.RLock()
	cfg, ok := mb.operations[opID]
	mb.mu.RUnlock()
	if !ok || cfg == nil {
		return nil
	}

	cfg.mu.Lock()
	defer cfg.mu.Unlock()
	if len(cfg.responses) == 0 {
		return nil
	}
	idx := cfg.current
	if idx >= len(cfg.responses) {
		// Repeat the last response for subsequent calls.
		idx = len(cfg.responses) - 1
	} else {
		cfg.current++
	}
	return cfg.responses[idx]
}

// AssertCalled verifies that the operation was called the expected number of times.
func (mb *MockBackend) AssertCalled(t *testing.T, operationID string, expectedCount int) {
	t.Helper()
	mb.mu.RLock()
	actual := len(mb.receivedByOp[operationID])
	mb.mu.RUnlock()
	if actual != expectedCount {
		t.Errorf("mock backend: operation %q called %d times, want %d", operationID, actual, expectedCount)
	}
}

// AssertNotCalled verifies that the operation was never called.
func (mb *MockBackend) AssertNotCalled(t *testing.T, operationID string) {
	t.Helper()
	mb.AssertCalled(t, operationID, 0)
}

// LastRequest returns the last request received for the given operation, or
// nil when none was recorded.
func (mb *MockBackend) LastRequest(operationID string) *RecordedRequest {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	reqs := mb.receivedByOp[operationID]
	if len(reqs) == 0 {
		return nil
	}
	return reqs[len(reqs)-1]
}

// AllRequests returns all requests received for the given operation.
func (mb *MockBackend) AllRequests(operationID string) []*RecordedRequest {
	mb.mu.RLock()
	defer mb.mu.RUnlock()
	reqs := mb.receivedByOp[operationID]
	copied := make([]*RecordedRequest, len(reqs))
	copy(copied, reqs)
	return copied
}

// ResetOperation clears recorded requests and configured responses for one operation.
func (mb *MockBackend) ResetOperation(operationID string) {
	mb.mu.Lock()
	defer mb.mu.Unlock()
	delete(mb.operations, operationID)
	delete(mb.receivedByOp, operationID)
}

// DashboardFixture returns a minimal dashboard document as the backend stores it.
func DashboardFixture(id, title string) map[string]any {
	return map[string]any{
		"ref":     fmt.Sprintf("dashboard:%s", id),
		"title":   title,
		"version": float64(1),
		"layout": map[string]any{
			"sections": []any{
				map[string]any{"header": map[string]any{"title": "Summary"}},
			},
		},
		"filters": map[string]any{},
	}
}
