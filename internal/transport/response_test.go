package transport

import (
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/pitabwire/tessera/internal/command"
	"github.com/pitabwire/tessera/internal/session"
	"github.com/pitabwire/tessera/model"
)

func decodeError(t *testing.T, w *httptest.ResponseRecorder) model.ErrorEnvelope {
	t.Helper()
	var resp struct {
		Error model.ErrorEnvelope `json:"error"`
	}
	if err := json.NewDecoder(w.Body).Decode(&resp); err != nil {
		t.Fatalf("decoding error body: %v", err)
	}
	return resp.Error
}

func TestWriteJSON(t *testing.T) {
	w := httptest.NewRecorder()
	WriteJSON(w, http.StatusOK, map[string]string{"hello": "world"})

	if w.Code != 200 {
		t.Errorf("status = %d, want 200", w.Code)
	}
	if ct := w.Header().Get("Content-Type"); ct != "application/json; charset=utf-8" {
		t.Errorf("Content-Type = %q", ct)
	}
	if xct := w.Header().Get("X-Content-Type-Options"); xct != "nosniff" {
		t.Errorf("X-Content-Type-Options = %q", xct)
	}

	var body map[string]string
	_ = json.NewDecoder(w.Body).Decode(&body)
	if body["hello"] != "world" {
		t.Errorf("body = %v", body)
	}
}

func TestWriteError_envelope(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, httptest.NewRequest("GET", "/", nil), model.NewNotFoundError("dashboard not found"))

	if w.Code != 404 {
		t.Errorf("status = %d, want 404", w.Code)
	}
	if ee := decodeError(t, w); ee.Code != model.ErrNotFound {
		t.Errorf("code = %q, want NOT_FOUND", ee.Code)
	}
}

func TestWriteError_hidesInternalDetails(t *testing.T) {
	w := httptest.NewRecorder()
	WriteError(w, nil, fmt.Errorf("dial tcp 10.0.0.7:5432: connection refused"))

	if w.Code != 500 {
		t.Errorf("status = %d, want 500", w.Code)
	}
	ee := decodeError(t, w)
	if ee.Code != model.ErrInternalError || ee.Message != "An unexpected error occurred" {
		t.Errorf("envelope = %+v", ee)
	}
}

func TestWriteError_translatesErrors(t *testing.T) {
	tests := []struct {
		name   string
		err    error
		status int
		code   string
	}{
		{"session not found", fmt.Errorf("%w: dashboard:x", session.ErrSessionNotFound), 404, model.ErrNotFound},
		{"unknown correlation", fmt.Errorf("%w: c-1", command.ErrUnknownCorrelation), 404, model.ErrNotFound},
		{"not cancellable", command.ErrNotCancellable, 409, model.ErrConflict},
		{"correlation in use", model.InvalidArguments(model.CodeCorrelationInUse, "correlation id %q is in flight", "c-1"), 409, model.ErrConflict},
		{"shutdown", command.ErrShutdown, 503, model.ErrBackendUnavailable},
		{"invalid arguments", model.InvalidArguments(model.CodeInvalidPayload, "bad"), 400, model.ErrBadRequest},
		{"permission denied", model.PermissionDenied("no"), 403, model.ErrForbidden},
		{"backend unavailable", model.BackendUnavailable("down"), 503, model.ErrBackendUnavailable},
		{"cancelled", model.Cancelled(), StatusClientClosedRequest, model.ErrCancelled},
		{"broken reference", model.BrokenReference("x", "y"), 409, model.ErrConflict},
		{"unknown command", model.UnknownCommand("Nope"), 400, model.ErrBadRequest},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, nil, tt.err)
			if w.Code != tt.status {
				t.Errorf("status = %d, want %d", w.Code, tt.status)
			}
			if ee := decodeError(t, w); ee.Code != tt.code {
				t.Errorf("code = %q, want %q", ee.Code, tt.code)
			}
		})
	}
}

func TestWriteError_validationDetails(t *testing.T) {
	f := model.InvalidArguments(model.CodeInvalidPayload, "payload does not match")
	f.Details = []model.FieldError{{Field: "title", Code: "required", Message: "missing"}}

	w := httptest.NewRecorder()
	WriteError(w, nil, f)

	if w.Code != 400 {
		t.Errorf("status = %d, want 400", w.Code)
	}
	ee := decodeError(t, w)
	if ee.Code != model.ErrValidationError || len(ee.Details) != 1 || ee.Details[0].Field != "title" {
		t.Errorf("envelope = %+v", ee)
	}
}

func TestStatusForCode_coverage(t *testing.T) {
	codes := []struct {
		code   string
		status int
	}{
		{model.ErrBadRequest, 400},
		{model.ErrValidationError, 400},
		{model.ErrUnauthorized, 401},
		{model.ErrForbidden, 403},
		{model.ErrNotFound, 404},
		{model.ErrConflict, 409},
		{model.ErrCancelled, 499},
		{model.ErrInternalError, 500},
		{model.ErrBackendUnavailable, 503},
		{model.ErrTimeout, 504},
		{"SOMETHING_NEW", 500},
	}
	for _, tc := range codes {
		t.Run(tc.code, func(t *testing.T) {
			w := httptest.NewRecorder()
			WriteError(w, nil, &model.ErrorEnvelope{Code: tc.code, Message: "test"})
			if w.Code != tc.status {
				t.Errorf("status for %s = %d, want %d", tc.code, w.Code, tc.status)
			}
		})
	}
}
