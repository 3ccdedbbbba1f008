package integration

import (
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/prometheus/client_golang/prometheus/testutil"

	"github.com/pitabwire/tessera/model"
)

func dashboardTitle(state map[string]any) any {
	d, _ := state["dashboard"].(map[string]any)
	return d["title"]
}

// ==========================================================================
// Session Lifecycle Tests
// ==========================================================================

func TestLifecycle_OpenLoadsFromBackend(t *testing.T) {
	h := NewTestHarness(t)
	h.Backend().PutDashboard("acme-corp", "overview", DashboardFixture("overview", "Overview"))
	token := h.GenerateToken(ViewerClaims())

	var body map[string]any
	h.AssertJSON(t, h.POST(DashboardPath("overview", "session"), nil, token), http.StatusCreated, &body)
	if body["tenantId"] != "acme-corp" || body["openedBy"] != "user-viewer" {
		t.Errorf("session = %v", body)
	}
	state, _ := body["state"].(map[string]any)
	if dashboardTitle(state) != "Overview" || state["dirty"] != false {
		t.Errorf("state = %v", state)
	}

	// Reopening reuses the session without another backend load.
	h.AssertStatus(t, h.POST(DashboardPath("overview", "session"), nil, token), http.StatusOK)
	h.Backend().AssertCalled(t, OpLoadDashboard, 1)
}

func TestLifecycle_UnknownDashboard_Returns404(t *testing.T) {
	h := NewTestHarness(t)
	h.AssertStatus(t, h.POST(DashboardPath("missing", "session"), nil, h.GenerateToken(OwnerClaims())), http.StatusNotFound)
}

func TestLifecycle_CloseAndReopen(t *testing.T) {
	h := NewTestHarness(t)
	h.Backend().PutDashboard("acme-corp", "overview", DashboardFixture("overview", "Overview"))
	token := h.GenerateToken(EditorClaims())
	h.OpenSession(t, "overview", token)

	h.Command(t, "overview", token, model.CmdRenameDashboard, map[string]any{"title": "Unsaved"})
	h.AssertStatus(t, h.DELETE(DashboardPath("overview", "session"), token), http.StatusNoContent)
	h.AssertStatus(t, h.GET(DashboardPath("overview", "state"), token), http.StatusNotFound)

	// Unsaved edits are discarded with the session.
	h.OpenSession(t, "overview", token)
	if title := dashboardTitle(h.State(t, "overview", token)); title != "Overview" {
		t.Errorf("title = %v, want Overview", title)
	}
	h.Backend().AssertCalled(t, OpLoadDashboard, 2)
}

// ==========================================================================
// Command Tests
// ==========================================================================

func TestLifecycle_EditSaveUndoRedo(t *testing.T) {
	h := NewTestHarness(t)
	h.Backend().PutDashboard("acme-corp", "overview", DashboardFixture("overview", "Overview"))
	token := h.GenerateToken(OwnerClaims())
	h.OpenSession(t, "overview", token)

	ev := h.Command(t, "overview", token, model.CmdRenameDashboard, map[string]any{"title": "Quarterly"})
	if ev["type"] != model.EventDashboardRenamed || ev["terminal"] != true {
		t.Fatalf("rename event = %v", ev)
	}
	state := h.State(t, "overview", token)
	if dashboardTitle(state) != "Quarterly" || state["dirty"] != true || state["canUndo"] != true {
		t.Fatalf("state after rename = %v", state)
	}

	ev = h.Command(t, "overview", token, model.CmdSaveDashboard, nil)
	if ev["type"] != model.EventDashboardSaved {
		t.Fatalf("save event = %v", ev)
	}
	if p, _ := ev["payload"].(map[string]any); p["version"] != float64(2) {
		t.Errorf("saved payload = %v, want version 2", p)
	}
	if state := h.State(t, "overview", token); state["dirty"] != false {
		t.Errorf("dirty after save = %v", state["dirty"])
	}

	req := h.Backend().LastRequest(OpPersistDashboard)
	if req == nil {
		t.Fatal("persistDashboard not called")
	}
	if got := req.Headers.Get("Authorization"); got != "Bearer "+token {
		t.Errorf("persist Authorization = %q", got)
	}
	if req.Body["title"] != "Quarterly" {
		t.Errorf("persisted title = %v", req.Body["title"])
	}
	if stored := h.Backend().Dashboard("acme-corp", "overview"); stored["title"] != "Quarterly" {
		t.Errorf("stored title = %v", stored["title"])
	}

	if ev := h.Command(t, "overview", token, model.CmdUndo, nil); ev["type"] != model.EventUndone {
		t.Fatalf("undo event = %v", ev)
	}
	state = h.State(t, "overview", token)
	if dashboardTitle(state) != "Overview" || state["canRedo"] != true {
		t.Errorf("state after undo = %v", state)
	}

	if ev := h.Command(t, "overview", token, model.CmdRedo, nil); ev["type"] != model.EventRedone {
		t.Fatalf("redo event = %v", ev)
	}
	if title := dashboardTitle(h.State(t, "overview", token)); title != "Quarterly" {
		t.Errorf("title after redo = %v", title)
	}
}

func TestLifecycle_ReloadPicksUpBackendChanges(t *testing.T) {
	h := NewTestHarness(t)
	h.Backend().PutDashboard("acme-corp", "overview", DashboardFixture("overview", "Overview"))
	token := h.GenerateToken(EditorClaims())
	h.OpenSession(t, "overview", token)

	h.Backend().PutDashboard("acme-corp", "overview", DashboardFixture("overview", "Edited Elsewhere"))

	if ev := h.Command(t, "overview", token, model.CmdReloadDashboard, nil); ev["type"] != model.EventDashboardReloaded {
		t.Fatalf("reload event = %v", ev)
	}
	state := h.State(t, "overview", token)
	if dashboardTitle(state) != "Edited Elsewhere" || state["canUndo"] != false {
		t.Errorf("state after reload = %v", state)
	}
}

func TestLifecycle_AsyncDispatchThenAwait(t *testing.T) {
	h := NewTestHarness(t)
	h.Backend().PutDashboard("acme-corp", "overview", DashboardFixture("overview", "Overview"))
	token := h.GenerateToken(EditorClaims())
	h.OpenSession(t, "overview", token)

	resp := h.POST(DashboardPath("overview", "commands"), map[string]any{
		"type":          model.CmdRenameDashboard,
		"correlationId": "rename-1",
		"payload":       map[string]any{"title": "Later"},
	}, token)
	if loc := resp.Header.Get("Location"); loc != DashboardPath("overview", "commands/rename-1") {
		t.Errorf("Location = %q", loc)
	}
	var accepted map[string]any
	h.AssertJSON(t, resp, http.StatusAccepted, &accepted)
	if accepted["correlationId"] != "rename-1" {
		t.Errorf("accepted = %v", accepted)
	}

	var ev map[string]any
	h.AssertJSON(t, h.GET(DashboardPath("overview", "commands/rename-1"), token), http.StatusOK, &ev)
	if ev["type"] != model.EventDashboardRenamed || ev["correlationId"] != "rename-1" {
		t.Errorf("outcome = %v", ev)
	}
}

func TestLifecycle_InvalidPayload_Returns400(t *testing.T) {
	h := NewTestHarness(t)
	h.Backend().PutDashboard("acme-corp", "overview", DashboardFixture("overview", "Overview"))
	token := h.GenerateToken(EditorClaims())
	h.OpenSession(t, "overview", token)

	var body struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	resp := h.POST(DashboardPath("overview", "commands"), map[string]any{
		"type":    model.CmdRenameDashboard,
		"payload": map[string]any{"title": 42},
	}, token)
	h.AssertJSON(t, resp, http.StatusBadRequest, &body)
	if body.Error.Code != model.ErrValidationError || len(body.Error.Details) == 0 {
		t.Errorf("error = %+v", body.Error)
	}
}

func TestLifecycle_UnknownCommandType(t *testing.T) {
	h := NewTestHarness(t)
	h.Backend().PutDashboard("acme-corp", "overview", DashboardFixture("overview", "Overview"))
	token := h.GenerateToken(OwnerClaims())
	h.OpenSession(t, "overview", token)

	ev := h.Command(t, "overview", token, "Teleport", nil)
	if f, _ := ev["error"].(map[string]any); f["reason"] != model.ReasonUnknownCommand {
		t.Errorf("event = %v", ev)
	}
}

func TestLifecycle_SaveFailureKeepsDocumentDirty(t *testing.T) {
	h := NewTestHarness(t)
	h.Backend().PutDashboard("acme-corp", "overview", DashboardFixture("overview", "Overview"))
	h.Backend().OnOperation(OpPersistDashboard).RespondWithError(409, "stale version")
	token := h.GenerateToken(OwnerClaims())
	h.OpenSession(t, "overview", token)

	h.Command(t, "overview", token, model.CmdRenameDashboard, map[string]any{"title": "Quarterly"})
	ev := h.Command(t, "overview", token, model.CmdSaveDashboard, nil)
	if ev["type"] != model.EventCommandFailed {
		t.Fatalf("save event = %v", ev)
	}
	if state := h.State(t, "overview", token); state["dirty"] != true || dashboardTitle(state) != "Quarterly" {
		t.Errorf("state after failed save = %v", state)
	}
}

// ==========================================================================
// Event Stream Tests
// ==========================================================================

func TestLifecycle_EventStreamDeliversCommandEvents(t *testing.T) {
	h := NewTestHarness(t)
	h.Backend().PutDashboard("acme-corp", "overview", DashboardFixture("overview", "Overview"))
	token := h.GenerateToken(EditorClaims())
	h.OpenSession(t, "overview", token)

	url := "ws" + strings.TrimPrefix(h.BaseURL(), "http") + DashboardPath("overview", "events") +
		"?types=" + model.EventDashboardRenamed + "&access_token=" + token
	conn, resp, err := websocket.DefaultDialer.Dial(url, nil)
	if err != nil {
		t.Fatalf("Dial() error = %v (response %v)", err, resp)
	}
	defer func() { _ = conn.Close() }()

	// The subscription is registered after the upgrade completes.
	deadline := time.Now().Add(2 * time.Second)
	for testutil.ToFloat64(h.Metrics.EventSubscribers) != 1 {
		if time.Now().After(deadline) {
			t.Fatal("subscriber gauge never reached 1")
		}
		time.Sleep(5 * time.Millisecond)
	}

	h.Command(t, "overview", token, model.CmdRenameDashboard, map[string]any{"title": "Live"})

	// CommandStarted precedes the outcome on an unfiltered stream; skip
	// anything that is not terminal.
	_ = conn.SetReadDeadline(time.Now().Add(2 * time.Second))
	for {
		var ev map[string]any
		if err := conn.ReadJSON(&ev); err != nil {
			t.Fatalf("ReadJSON() error = %v", err)
		}
		if ev["terminal"] != true {
			continue
		}
		if ev["type"] != model.EventDashboardRenamed {
			t.Errorf("streamed event = %v", ev)
		}
		return
	}
}
