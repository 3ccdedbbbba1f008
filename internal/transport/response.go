// Package transport contains the HTTP router, middleware chain, and the
// request handlers of the dashboard command API.
package transport

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/pitabwire/tessera/internal/command"
	"github.com/pitabwire/tessera/internal/observability"
	"github.com/pitabwire/tessera/internal/session"
	"github.com/pitabwire/tessera/model"
)

// StatusClientClosedRequest is reported when the caller went away before the
// command finished.
const StatusClientClosedRequest = 499

// statusForCode maps ErrorEnvelope codes to HTTP status codes.
var statusForCode = map[string]int{
	model.ErrBadRequest:         http.StatusBadRequest,
	model.ErrValidationError:    http.StatusBadRequest,
	model.ErrUnauthorized:       http.StatusUnauthorized,
	model.ErrForbidden:          http.StatusForbidden,
	model.ErrNotFound:           http.StatusNotFound,
	model.ErrConflict:           http.StatusConflict,
	model.ErrBackendUnavailable: http.StatusServiceUnavailable,
	model.ErrCancelled:          StatusClientClosedRequest,
	model.ErrTimeout:            http.StatusGatewayTimeout,
	model.ErrInternalError:      http.StatusInternalServerError,
}

// WriteJSON writes a JSON response with the given status code.
func WriteJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json; charset=utf-8")
	w.Header().Set("X-Content-Type-Options", "nosniff")
	w.WriteHeader(status)
	if body != nil {
		_ = json.NewEncoder(w).Encode(body)
	}
}

type errorResponse struct {
	Error *model.ErrorEnvelope `json:"error"`
}

// WriteError writes err as an ErrorEnvelope with the matching status code.
// Envelopes are written as they are; the sentinels of the session and
// command packages and *model.Failure values are translated; anything else
// is classified by model.AsFailure.
func WriteError(w http.ResponseWriter, r *http.Request, err error) {
	ee := envelopeFor(err)
	if ee.TraceID == "" && r != nil {
		ee.TraceID = observability.TraceIDFromContext(r.Context())
	}

	status := statusForCode[ee.Code]
	if status == 0 {
		status = http.StatusInternalServerError
	}
	WriteJSON(w, status, errorResponse{Error: ee})
}

func envelopeFor(err error) *model.ErrorEnvelope {
	var ee *model.ErrorEnvelope
	if errors.As(err, &ee) {
		return ee
	}
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return model.NewNotFoundError(err.Error())
	case errors.Is(err, command.ErrUnknownCorrelation):
		return model.NewNotFoundError(err.Error())
	case errors.Is(err, command.ErrNotCancellable), errors.Is(err, command.ErrCorrelationInUse):
		return model.NewConflictError(err.Error())
	case errors.Is(err, command.ErrShutdown):
		return &model.ErrorEnvelope{Code: model.ErrBackendUnavailable, Message: "dashboard session is closing"}
	}
	f := model.AsFailure(err)
	if f.Reason == model.ReasonInternalError {
		// Internal details stay in the logs.
		return model.NewInternalError()
	}
	return model.EnvelopeFromFailure(f)
}
