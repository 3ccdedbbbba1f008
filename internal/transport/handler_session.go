package transport

import (
	"context"
	"net/http"
	"strings"
	"time"

	"github.com/go-chi/chi/v5"

	"github.com/pitabwire/tessera/internal/command"
	"github.com/pitabwire/tessera/internal/session"
	"github.com/pitabwire/tessera/model"
)

// sessionResponse describes an open session and its document.
type sessionResponse struct {
	Dashboard model.ObjRef     `json:"dashboard"`
	TenantID  string           `json:"tenantId"`
	OpenedBy  string           `json:"openedBy"`
	OpenedAt  time.Time        `json:"openedAt"`
	State     session.Snapshot `json:"state"`
}

func newSessionResponse(s *session.Session) sessionResponse {
	return sessionResponse{
		Dashboard: s.Dashboard,
		TenantID:  s.TenantID,
		OpenedBy:  s.OpenedBy,
		OpenedAt:  s.OpenedAt,
		State:     s.Snapshot(),
	}
}

// dashboardRef reads the dashboardId route parameter. Both "overview" and
// "dashboard:overview" name the same dashboard.
func dashboardRef(r *http.Request) (model.ObjRef, error) {
	id := chi.URLParam(r, "dashboardId")
	if id == "" {
		return model.ObjRef{}, model.NewBadRequestError("dashboard id is required")
	}
	if ref, err := model.ParseRef(id); err == nil {
		if ref.Type != model.RefDashboard {
			return model.ObjRef{}, model.NewBadRequestError("dashboard id must not reference a " + ref.Type)
		}
		return ref, nil
	}
	if strings.Contains(id, ":") {
		return model.ObjRef{}, model.NewBadRequestError("malformed dashboard id")
	}
	return model.NewRef(model.RefDashboard, id), nil
}

// authorize checks capability when an authorizer is configured.
func authorize(ctx context.Context, a command.Authorizer, capability string) error {
	if a == nil {
		return nil
	}
	return a.Authorize(ctx, capability)
}

// sessionFor resolves the route dashboard and returns its open session
// after checking that the caller may view it.
func sessionFor(deps Dependencies, r *http.Request) (*session.Session, error) {
	ref, err := dashboardRef(r)
	if err != nil {
		return nil, err
	}
	if err := authorize(r.Context(), deps.Authorizer, model.CapabilityDashboardView); err != nil {
		return nil, err
	}
	return deps.Sessions.Get(r.Context(), ref)
}

func handleOpenSession(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref, err := dashboardRef(r)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if err := authorize(r.Context(), deps.Authorizer, model.CapabilityDashboardView); err != nil {
			WriteError(w, r, err)
			return
		}
		s, created, err := deps.Sessions.Open(r.Context(), ref)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		status := http.StatusOK
		if created {
			status = http.StatusCreated
		}
		WriteJSON(w, status, newSessionResponse(s))
	}
}

func handleCloseSession(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		ref, err := dashboardRef(r)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		if err := authorize(r.Context(), deps.Authorizer, model.CapabilityDashboardView); err != nil {
			WriteError(w, r, err)
			return
		}
		if err := deps.Sessions.Close(r.Context(), ref); err != nil {
			WriteError(w, r, err)
			return
		}
		w.WriteHeader(http.StatusNoContent)
	}
}

func handleState(deps Dependencies) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		s, err := sessionFor(deps, r)
		if err != nil {
			WriteError(w, r, err)
			return
		}
		WriteJSON(w, http.StatusOK, s.Snapshot())
	}
}
