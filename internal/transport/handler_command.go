package transport

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/pitabwire/tessera/internal/observability"
	"github.com/pitabwire/tessera/internal/session"
	"github.com/pitabwire/tessera/model"
)

// maxCommandBody caps the size of a command request body.
const maxCommandBody = 1 << 20

// commandRequest is the wire shape of a submitted command.
type commandRequest struct {
	Type          string          `json:"type"`
	CorrelationID string          `json:"correlationId,omitempty"`
	CausationID   string          `json:"causationId,omitempty"`
	Payload       json.RawMessage `json:"payload,omitempty"`
}

// pendingResponse is returned while a command has not reached its outcome.
type pendingResponse struct {
	CorrelationID string `json:"correlationId"`
	State         string `json:"state"`
}

// handleCommand accepts a command for the session of the route dashboard.
// The command is dispatched asynchronously and 202 is returned with its
// correlation id. With ?wait=true the handler waits for the terminal event
// and returns it with 200, or falls back to 202 when the wait times out.
func handleCommand(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ctx := r.Context()

		var req commandRequest
		r.Body = http.MaxBytesReader(w, r.Body, maxCommandBody)
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			WriteError(w, r, model.NewBadRequestError("request body is not a valid command: "+err.Error()))
			return
		}
		if req.Type == "" {
			WriteError(w, r, model.NewValidationError([]model.FieldError{
				{Field: "type", Code: "required", Message: "command type is required"},
			}))
			return
		}
		if len(req.CorrelationID) > 128 {
			WriteError(w, r, model.NewValidationError([]model.FieldError{
				{Field: "correlationId", Code: "too_long", Message: "correlation id must not exceed 128 characters"},
			}))
			return
		}

		s, err := sessionFor(deps, r)
		if err != nil {
			WriteError(w, r, err)
			return
		}

		if deps.Schemas != nil {
			if err := deps.Schemas.Validate(req.Type, req.Payload); err != nil {
				if deps.Metrics != nil {
					deps.Metrics.RecordCommandValidationFailure(req.Type)
				}
				WriteError(w, r, err)
				return
			}
		}

		cmd := model.Command{
			Type:          req.Type,
			CorrelationID: req.CorrelationID,
			CausationID:   req.CausationID,
		}
		payload, known, err := model.DecodePayload(req.Type, req.Payload)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if known {
			cmd.Payload = payload
		}

		logger := observability.CommandLogger(observability.SessionLogger(ctx, deps.Logger, s.Dashboard), cmd)
		if logger.Core().Enabled(zap.DebugLevel) {
			var body map[string]any
			if json.Unmarshal(req.Payload, &body) == nil {
				logger.Debug("command received", zap.Any("payload", observability.RedactBody(body, nil)))
			}
		}

		id, err := s.Dispatcher.Dispatch(ctx, cmd)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		w.Header().Set("X-Correlation-Id", id)
		w.Header().Set("Location", commandLocation(r, id))

		if wait, _ := strconv.ParseBool(r.URL.Query().Get("wait")); !wait {
			WriteJSON(w, http.StatusAccepted, pendingResponse{CorrelationID: id, State: "dispatched"})
			return
		}
		awaitOutcome(deps, w, r, s, id)
	}
}

// handleAwait returns the terminal event of a command. A stored outcome is
// returned at once; an in-flight command is awaited up to the await timeout.
func handleAwait(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := sessionFor(deps, r)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		id := chi.URLParam(r, "correlationId")

		ev, found, err := s.Bus().Outcome(r.Context(), id)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if found {
			WriteJSON(w, http.StatusOK, ev)
			return
		}
		if _, inFlight := s.Dispatcher.Status(id); !inFlight {
			WriteError(w, r, model.NewNotFoundError("no command with correlation id "+id))
			return
		}
		awaitOutcome(deps, w, r, s, id)
	}
}

// handleCancel requests cancellation of an in-flight command.
func handleCancel(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := sessionFor(deps, r)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		id := chi.URLParam(r, "correlationId")
		if err := s.Dispatcher.Cancel(id); err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusAccepted, pendingResponse{CorrelationID: id, State: "cancelling"})
	}
}

// awaitOutcome waits for the terminal event of id. A timeout answers 202
// with the current state; the command keeps running.
func awaitOutcome(deps Dependencies, w http.ResponseWriter, r *http.Request, s *session.Session, id string) {
	ctx := r.Context()
	if d := deps.Config.Server.AwaitTimeout; d > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, d)
		defer cancel()
	}

	ev, err := s.Bus().AwaitCorrelation(ctx, id)
	switch {
	case err == nil:
		WriteJSON(w, http.StatusOK, ev)
	case errors.Is(r.Context().Err(), context.Canceled):
		// The caller went away; the command keeps running.
		w.WriteHeader(StatusClientClosedRequest)
	case errors.Is(err, context.DeadlineExceeded):
		state := "dispatched"
		if st, ok := s.Dispatcher.Status(id); ok {
			state = string(st)
		}
		WriteJSON(w, http.StatusAccepted, pendingResponse{CorrelationID: id, State: state})
	default:
		WriteError(w, r, err)
	}
}

func commandLocation(r *http.Request, id string) string {
	return "/api/v1/dashboards/" + chi.URLParam(r, "dashboardId") + "/commands/" + id
}
