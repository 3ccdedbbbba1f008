package handlers

import (
	"context"
	"strings"

	"go.uber.org/zap"

	"github.com/pitabwire/tessera/internal/command"
	"github.com/pitabwire/tessera/internal/document"
	"github.com/pitabwire/tessera/model"
)

func (h *handlers) renameDashboard(_ context.Context, t *command.Task, p model.RenameDashboard) (command.Result, error) {
	title := strings.TrimSpace(p.Title)
	if title == "" {
		return command.Result{}, model.InvalidArguments(model.CodeInvalidPayload, "title must not be empty")
	}
	var ev model.DashboardChanged
	_, err := t.Commit(func(cur *document.State) (document.Delta, error) {
		desc := cur.Dashboard.Description
		if p.Description != nil {
			desc = *p.Description
		}
		ev = model.DashboardChanged{Title: title, Description: desc, Version: cur.Dashboard.Version}
		return document.Delta{document.SetMeta{Title: title, Description: desc}}, nil
	})
	if err != nil {
		return command.Result{}, err
	}
	return command.Result{Event: model.EventDashboardRenamed, Payload: ev}, nil
}

// saveDashboard persists the document as of the command's start. Edits
// committed meanwhile leave the session dirty.
func (h *handlers) saveDashboard(ctx context.Context, t *command.Task, _ model.SaveDashboard) (command.Result, error) {
	snap := t.State()
	version, err := t.Gateway().Persist(ctx, snap.Dashboard)
	if err != nil {
		return command.Result{}, err
	}
	if _, err := t.Commit(func(*document.State) (document.Delta, error) {
		return document.Delta{document.MarkSaved{Version: version, Revision: snap.Revision}}, nil
	}); err != nil {
		return command.Result{}, err
	}
	t.Logger().Info("dashboard saved", zap.Int("version", version), zap.Uint64("revision", snap.Revision))
	return command.Result{
		Event:   model.EventDashboardSaved,
		Payload: model.DashboardChanged{Title: snap.Dashboard.Title, Description: snap.Dashboard.Description, Version: version},
	}, nil
}

// reloadDashboard replaces the document with its persisted version and
// drops the history, whose entries no longer apply.
func (h *handlers) reloadDashboard(ctx context.Context, t *command.Task, _ model.ReloadDashboard) (command.Result, error) {
	ref := t.State().Dashboard.Ref
	d, err := t.Gateway().LoadDashboard(ctx, ref)
	if err != nil {
		return command.Result{}, err
	}
	d.Ref = ref
	_, err = t.CommitUnrecorded(func(cur *document.State) (document.Delta, error) {
		return document.Delta{
			document.ReplaceDocument{Dashboard: d},
			document.MarkSaved{Version: d.Version, Revision: cur.Revision + 1},
		}, nil
	}, func(document.Commit) { t.History().Reset() })
	if err != nil {
		return command.Result{}, err
	}
	return command.Result{
		Event:   model.EventDashboardReloaded,
		Payload: model.DashboardChanged{Title: d.Title, Description: d.Description, Version: d.Version},
	}, nil
}
