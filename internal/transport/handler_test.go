package transport

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/tessera/internal/config"
	"github.com/pitabwire/tessera/internal/gateway"
	"github.com/pitabwire/tessera/internal/observability"
	"github.com/pitabwire/tessera/internal/schema"
	"github.com/pitabwire/tessera/internal/session"
	"github.com/pitabwire/tessera/model"
)

const fixture = `
dashboards:
  - ref: dashboard:overview
    title: Overview
`

// --- Test helpers ---

type testAPI struct {
	handler  http.Handler
	sessions *session.Manager
	metrics  *observability.Metrics
}

func newTestAPI(t *testing.T, mutate ...func(*Dependencies)) *testAPI {
	t.Helper()

	fx := gateway.NewFixtures()
	if err := fx.Parse([]byte(fixture)); err != nil {
		t.Fatal(err)
	}
	gw := gateway.NewLocalGateway(fx, gateway.NewMemoryDashboardStore())

	cfg := config.Defaults()
	cfg.Identity.Disabled = true
	cfg.Server.HandlerTimeout = 5 * time.Second
	cfg.Server.AwaitTimeout = 2 * time.Second

	sessions := session.NewManager(cfg.Engine, gw)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = sessions.Shutdown(ctx)
	})

	schemas, err := schema.Load(context.Background())
	if err != nil {
		t.Fatalf("schema.Load() error = %v", err)
	}

	deps := Dependencies{
		Config:   cfg,
		Sessions: sessions,
		Schemas:  schemas,
		Metrics:  observability.InitMetrics(prometheus.NewRegistry()),
	}
	for _, m := range mutate {
		m(&deps)
	}
	return &testAPI{handler: NewRouter(deps), sessions: sessions, metrics: deps.Metrics}
}

func (a *testAPI) do(t *testing.T, method, path, body string, headers ...string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body != "" {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	} else {
		req = httptest.NewRequest(method, path, nil)
	}
	for i := 0; i+1 < len(headers); i += 2 {
		req.Header.Set(headers[i], headers[i+1])
	}
	w := httptest.NewRecorder()
	a.handler.ServeHTTP(w, req)
	return w
}

func (a *testAPI) openSession(t *testing.T) {
	t.Helper()
	if w := a.do(t, "POST", "/api/v1/dashboards/overview/session", ""); w.Code != http.StatusCreated {
		t.Fatalf("open session status = %d: %s", w.Code, w.Body.String())
	}
}

func decodeBody(t *testing.T, w *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	if err := json.NewDecoder(w.Body).Decode(&body); err != nil {
		t.Fatalf("decoding body %q: %v", w.Body.String(), err)
	}
	return body
}

type denyAuthorizer struct{}

func (denyAuthorizer) Authorize(_ context.Context, capability string) error {
	return model.PermissionDenied("lacks " + capability)
}

// --- Session tests ---

func TestHandleOpenSession(t *testing.T) {
	api := newTestAPI(t)

	w := api.do(t, "POST", "/api/v1/dashboards/overview/session", "")
	if w.Code != http.StatusCreated {
		t.Fatalf("status = %d, want 201: %s", w.Code, w.Body.String())
	}
	body := decodeBody(t, w)
	if body["tenantId"] != "default" || body["openedBy"] != model.AnonymousSubject {
		t.Errorf("body = %v", body)
	}
	state, _ := body["state"].(map[string]any)
	if state["dirty"] != false || state["canUndo"] != false {
		t.Errorf("state = %v", state)
	}

	if w := api.do(t, "POST", "/api/v1/dashboards/dashboard:overview/session", ""); w.Code != http.StatusOK {
		t.Errorf("reopen status = %d, want 200", w.Code)
	}
	if api.sessions.Len() != 1 {
		t.Errorf("sessions = %d, want 1", api.sessions.Len())
	}
}

func TestHandleOpenSession_tenantsAreIsolated(t *testing.T) {
	api := newTestAPI(t)
	api.openSession(t)

	w := api.do(t, "GET", "/api/v1/dashboards/overview/state", "", "X-Tenant-Id", "other")
	if w.Code != http.StatusNotFound {
		t.Errorf("other tenant state status = %d, want 404", w.Code)
	}
	if w := api.do(t, "POST", "/api/v1/dashboards/overview/session", "", "X-Tenant-Id", "other"); w.Code != http.StatusCreated {
		t.Errorf("other tenant open status = %d, want 201", w.Code)
	}
	if api.sessions.Len() != 2 {
		t.Errorf("sessions = %d, want 2", api.sessions.Len())
	}
}

func TestHandleOpenSession_unknownDashboard(t *testing.T) {
	api := newTestAPI(t)
	if w := api.do(t, "POST", "/api/v1/dashboards/missing/session", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandleOpenSession_forbidden(t *testing.T) {
	api := newTestAPI(t, func(d *Dependencies) { d.Authorizer = denyAuthorizer{} })

	w := api.do(t, "POST", "/api/v1/dashboards/overview/session", "")
	if w.Code != http.StatusForbidden {
		t.Fatalf("status = %d, want 403", w.Code)
	}
	if api.sessions.Len() != 0 {
		t.Error("session opened despite denial")
	}
}

func TestHandleCloseSession(t *testing.T) {
	api := newTestAPI(t)
	api.openSession(t)

	if w := api.do(t, "DELETE", "/api/v1/dashboards/overview/session", ""); w.Code != http.StatusNoContent {
		t.Fatalf("close status = %d, want 204", w.Code)
	}
	if w := api.do(t, "GET", "/api/v1/dashboards/overview/state", ""); w.Code != http.StatusNotFound {
		t.Errorf("state after close = %d, want 404", w.Code)
	}
	if w := api.do(t, "DELETE", "/api/v1/dashboards/overview/session", ""); w.Code != http.StatusNotFound {
		t.Errorf("second close = %d, want 404", w.Code)
	}
}

func TestHandleState(t *testing.T) {
	api := newTestAPI(t)
	api.openSession(t)

	w := api.do(t, "GET", "/api/v1/dashboards/overview/state", "")
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200", w.Code)
	}
	body := decodeBody(t, w)
	d, _ := body["dashboard"].(map[string]any)
	if d["title"] != "Overview" {
		t.Errorf("dashboard = %v", d)
	}
}

func TestDashboardRef(t *testing.T) {
	tests := []struct {
		id      string
		want    string
		wantErr bool
	}{
		{"overview", "dashboard:overview", false},
		{"dashboard:overview", "dashboard:overview", false},
		{"insight:sales", "", true},
		{"a:b:c", "", true},
	}
	for _, tt := range tests {
		t.Run(tt.id, func(t *testing.T) {
			r := httptest.NewRequest("GET", "/", nil)
			rctx := chi.NewRouteContext()
			rctx.URLParams.Add("dashboardId", tt.id)
			r = r.WithContext(context.WithValue(r.Context(), chi.RouteCtxKey, rctx))

			ref, err := dashboardRef(r)
			if (err != nil) != tt.wantErr {
				t.Fatalf("dashboardRef() error = %v, wantErr %v", err, tt.wantErr)
			}
			if err == nil && ref.String() != tt.want {
				t.Errorf("ref = %s, want %s", ref, tt.want)
			}
		})
	}
}

// --- Command tests ---

func TestHandleCommand_requiresSession(t *testing.T) {
	api := newTestAPI(t)
	w := api.do(t, "POST", "/api/v1/dashboards/overview/commands", `{"type":"Undo"}`)
	if w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandleCommand_badRequests(t *testing.T) {
	api := newTestAPI(t)
	api.openSession(t)

	tests := []struct {
		name string
		body string
		code string
	}{
		{"invalid json", `{"type":`, model.ErrBadRequest},
		{"missing type", `{"payload":{}}`, model.ErrValidationError},
		{"long correlation id", `{"type":"Undo","correlationId":"` + strings.Repeat("c", 129) + `"}`, model.ErrValidationError},
		{"schema violation", `{"type":"RenameDashboard","payload":{}}`, model.ErrValidationError},
		{"wrong payload type", `{"type":"RenameDashboard","payload":{"title":7}}`, model.ErrValidationError},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := api.do(t, "POST", "/api/v1/dashboards/overview/commands", tt.body)
			if w.Code != http.StatusBadRequest {
				t.Fatalf("status = %d, want 400: %s", w.Code, w.Body.String())
			}
			if ee := decodeError(t, w); ee.Code != tt.code {
				t.Errorf("code = %q, want %q", ee.Code, tt.code)
			}
		})
	}

	if v := testutil.ToFloat64(api.metrics.CommandValidationFailures.WithLabelValues(model.CmdRenameDashboard)); v != 2 {
		t.Errorf("validation failures = %v, want 2", v)
	}
}

func TestHandleCommand_waitReturnsOutcome(t *testing.T) {
	api := newTestAPI(t)
	api.openSession(t)

	w := api.do(t, "POST", "/api/v1/dashboards/overview/commands?wait=true",
		`{"type":"RenameDashboard","correlationId":"c-1","payload":{"title":"Quarterly"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if got := w.Header().Get("X-Correlation-Id"); got != "c-1" {
		t.Errorf("X-Correlation-Id = %q", got)
	}
	ev := decodeBody(t, w)
	if ev["type"] != model.EventDashboardRenamed || ev["terminal"] != true || ev["correlationId"] != "c-1" {
		t.Errorf("event = %v", ev)
	}

	state := decodeBody(t, api.do(t, "GET", "/api/v1/dashboards/overview/state", ""))
	if d, _ := state["dashboard"].(map[string]any); d["title"] != "Quarterly" {
		t.Errorf("title = %v, want Quarterly", d["title"])
	}
	if state["dirty"] != true || state["canUndo"] != true {
		t.Errorf("state = %v", state)
	}
}

func TestHandleCommand_waitReturnsFailure(t *testing.T) {
	api := newTestAPI(t)
	api.openSession(t)

	w := api.do(t, "POST", "/api/v1/dashboards/overview/commands?wait=true",
		`{"type":"RenameDashboard","payload":{"title":"   "}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	ev := decodeBody(t, w)
	if ev["type"] != model.EventCommandFailed {
		t.Fatalf("event type = %v", ev["type"])
	}
	if f, _ := ev["error"].(map[string]any); f["reason"] != model.ReasonInvalidArguments {
		t.Errorf("error = %v", f)
	}
}

func TestHandleCommand_asyncThenAwait(t *testing.T) {
	api := newTestAPI(t)
	api.openSession(t)

	w := api.do(t, "POST", "/api/v1/dashboards/overview/commands",
		`{"type":"RenameDashboard","payload":{"title":"Later"}}`)
	if w.Code != http.StatusAccepted {
		t.Fatalf("status = %d, want 202: %s", w.Code, w.Body.String())
	}
	accepted := decodeBody(t, w)
	id, _ := accepted["correlationId"].(string)
	if id == "" {
		t.Fatal("no correlation id returned")
	}
	if loc := w.Header().Get("Location"); loc != "/api/v1/dashboards/overview/commands/"+id {
		t.Errorf("Location = %q", loc)
	}

	w = api.do(t, "GET", "/api/v1/dashboards/overview/commands/"+id, "")
	if w.Code != http.StatusOK {
		t.Fatalf("await status = %d, want 200: %s", w.Code, w.Body.String())
	}
	if ev := decodeBody(t, w); ev["type"] != model.EventDashboardRenamed {
		t.Errorf("event = %v", ev)
	}

	// The stored outcome is served again.
	if w := api.do(t, "GET", "/api/v1/dashboards/overview/commands/"+id, ""); w.Code != http.StatusOK {
		t.Errorf("second await status = %d, want 200", w.Code)
	}
}

func TestHandleCommand_unknownType(t *testing.T) {
	api := newTestAPI(t)
	api.openSession(t)

	w := api.do(t, "POST", "/api/v1/dashboards/overview/commands?wait=1", `{"type":"Teleport"}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d, want 200: %s", w.Code, w.Body.String())
	}
	ev := decodeBody(t, w)
	if f, _ := ev["error"].(map[string]any); f["reason"] != model.ReasonUnknownCommand {
		t.Errorf("event = %v", ev)
	}
}

func TestHandleAwait_unknownCorrelation(t *testing.T) {
	api := newTestAPI(t)
	api.openSession(t)

	if w := api.do(t, "GET", "/api/v1/dashboards/overview/commands/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("status = %d, want 404", w.Code)
	}
}

func TestHandleCancel(t *testing.T) {
	api := newTestAPI(t)
	api.openSession(t)

	if w := api.do(t, "DELETE", "/api/v1/dashboards/overview/commands/nope", ""); w.Code != http.StatusNotFound {
		t.Errorf("unknown cancel status = %d, want 404", w.Code)
	}

	w := api.do(t, "POST", "/api/v1/dashboards/overview/commands?wait=true",
		`{"type":"RenameDashboard","correlationId":"done","payload":{"title":"X"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("status = %d", w.Code)
	}
	// A finished command is no longer tracked.
	if w := api.do(t, "DELETE", "/api/v1/dashboards/overview/commands/done", ""); w.Code != http.StatusNotFound {
		t.Errorf("finished cancel status = %d, want 404", w.Code)
	}
}

// --- Event stream tests ---

func TestHandleEvents_streamsFilteredEvents(t *testing.T) {
	api := newTestAPI(t)
	api.openSession(t)

	srv := httptest.NewServer(api.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/dashboards/overview/events?types=" + model.EventDashboardRenamed
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v (status %v)", err, resp)
	}
	defer func() { _ = conn.Close() }()

	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(api.metrics.EventSubscribers) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber gauge never reached 1")
		}
		time.Sleep(5 * time.Millisecond)
	}

	w := api.do(t, "POST", "/api/v1/dashboards/overview/commands?wait=true",
		`{"type":"RenameDashboard","correlationId":"c-ws","payload":{"title":"Streamed"}}`)
	if w.Code != http.StatusOK {
		t.Fatalf("command status = %d", w.Code)
	}

	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	var ev model.Event
	if err := conn.ReadJSON(&ev); err != nil {
		t.Fatalf("ReadJSON() error = %v", err)
	}
	if ev.Type != model.EventDashboardRenamed || ev.CorrelationID != "c-ws" {
		t.Errorf("event = %+v", ev)
	}
}

func TestHandleEvents_requiresSession(t *testing.T) {
	api := newTestAPI(t)
	srv := httptest.NewServer(api.handler)
	defer srv.Close()

	url := "ws" + strings.TrimPrefix(srv.URL, "http") + "/api/v1/dashboards/overview/events"
	_, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err == nil {
		t.Fatal("Dial() succeeded without a session")
	}
	if resp == nil || resp.StatusCode != http.StatusNotFound {
		t.Errorf("response = %v, want 404", resp)
	}
}

func TestEventFilter(t *testing.T) {
	if eventFilter(" , ") != nil {
		t.Error("empty list should match everything")
	}
	f := eventFilter("A, B")
	if !f(model.Event{Type: "B"}) || f(model.Event{Type: "C"}) {
		t.Error("filter does not match the listed types")
	}
}
