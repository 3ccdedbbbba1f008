package handlers

import (
	"context"
	"strings"

	"github.com/pitabwire/tessera/internal/command"
	"github.com/pitabwire/tessera/internal/document"
	"github.com/pitabwire/tessera/internal/validate"
	"github.com/pitabwire/tessera/model"
)

func (h *handlers) selectWidget(_ context.Context, t *command.Task, p model.SelectWidget) (command.Result, error) {
	_, err := t.Commit(func(cur *document.State) (document.Delta, error) {
		ui := cur.UI
		ui.SelectedWidget = nil
		if p.Ref != nil {
			if _, err := validate.Widget(cur, *p.Ref); err != nil {
				return nil, err
			}
			ui.SelectedWidget = model.RefPtr(*p.Ref)
		}
		return document.Delta{document.SetUI{UI: ui}}, nil
	})
	if err != nil {
		return command.Result{}, err
	}
	return command.Result{Event: model.EventWidgetSelected, Payload: model.WidgetSelected{Ref: p.Ref}}, nil
}

// openDialog hands out the session's single dialog lease.
func (h *handlers) openDialog(_ context.Context, t *command.Task, p model.OpenDialog) (command.Result, error) {
	dialog := strings.TrimSpace(p.Dialog)
	if dialog == "" {
		return command.Result{}, model.InvalidArguments(model.CodeInvalidPayload, "dialog name is required")
	}
	lease := &document.DialogLease{Dialog: dialog, Token: h.newID(), Owner: t.Actor(), Since: t.Now()}
	_, err := t.Commit(func(cur *document.State) (document.Delta, error) {
		if err := validate.DialogFree(cur); err != nil {
			return nil, err
		}
		ui := cur.UI
		ui.Dialog = lease
		return document.Delta{document.SetUI{UI: ui}}, nil
	})
	if err != nil {
		return command.Result{}, err
	}
	return command.Result{Event: model.EventDialogOpened, Payload: model.DialogChanged{Dialog: dialog, Lease: lease.Token}}, nil
}

func (h *handlers) closeDialog(_ context.Context, t *command.Task, p model.CloseDialog) (command.Result, error) {
	var dialog string
	_, err := t.Commit(func(cur *document.State) (document.Delta, error) {
		if err := validate.Lease(cur, p.Lease); err != nil {
			return nil, err
		}
		dialog = cur.UI.Dialog.Dialog
		ui := cur.UI
		ui.Dialog = nil
		return document.Delta{document.SetUI{UI: ui}}, nil
	})
	if err != nil {
		return command.Result{}, err
	}
	return command.Result{Event: model.EventDialogClosed, Payload: model.DialogChanged{Dialog: dialog, Lease: p.Lease}}, nil
}
