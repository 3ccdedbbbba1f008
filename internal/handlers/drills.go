package handlers

import (
	"context"
	"slices"

	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/tessera/internal/command"
	"github.com/pitabwire/tessera/internal/document"
	"github.com/pitabwire/tessera/internal/validate"
	"github.com/pitabwire/tessera/model"
)

// checkDrillTargets confirms that insight and dashboard targets still load.
func checkDrillTargets(ctx context.Context, t *command.Task, drills []model.Drill) (document.Delta, error) {
	self := t.State().Dashboard.Ref
	var insights, dashboards []model.ObjRef
	for _, d := range drills {
		switch d.Type {
		case model.DrillToInsight:
			insights = append(insights, *d.Target)
		case model.DrillToDashboard:
			if *d.Target != self && !slices.Contains(dashboards, *d.Target) {
				dashboards = append(dashboards, *d.Target)
			}
		}
	}

	_, cached, err := resolveInsights(ctx, t, insights)
	if err != nil {
		if model.IsReason(err, model.ReasonInvalidArguments) {
			return nil, model.InvalidArguments(model.CodeInvalidDrillTarget, "drill target: %v", err)
		}
		return nil, err
	}
	if len(dashboards) == 0 {
		return cached, nil
	}

	gw := t.Gateway()
	g, gctx := errgroup.WithContext(ctx)
	for _, ref := range dashboards {
		g.Go(func() error {
			if _, err := gw.LoadDashboard(gctx, ref); err != nil {
				return notFoundAs(err, model.CodeInvalidDrillTarget, ref)
			}
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return cached, nil
}

func (h *handlers) setDrillsForWidget(ctx context.Context, t *command.Task, p model.SetDrillsForWidget) (command.Result, error) {
	snap := t.State()
	w, err := validate.Widget(snap, p.Ref, model.WidgetInsight)
	if err != nil {
		return command.Result{}, err
	}
	if err := validate.Drills(snap, p.Ref, p.Drills); err != nil {
		return command.Result{}, err
	}
	if w.Insight == nil {
		return command.Result{}, model.InvalidArguments(model.CodeMissingInsight, "widget %s has no insight", p.Ref)
	}
	defs, cached, err := resolveInsights(ctx, t, []model.ObjRef{*w.Insight})
	if err != nil {
		return command.Result{}, err
	}
	def := defs[*w.Insight]
	for _, d := range p.Drills {
		if !def.HasOrigin(d.Origin) {
			return command.Result{}, model.InvalidArguments(model.CodeInvalidDrillOrigin, "%s is not a measure or attribute of %s", d.Origin, def.Ref)
		}
	}
	targets, err := checkDrillTargets(ctx, t, p.Drills)
	if err != nil {
		return command.Result{}, err
	}
	cached = append(cached, targets...)

	ev, err := updateWidget(t, p.Ref, []string{model.WidgetInsight}, cached, func(cur *document.State, w *model.Widget) ([]model.BrokenRef, error) {
		if err := validate.Drills(cur, p.Ref, p.Drills); err != nil {
			return nil, err
		}
		drills := make([]model.Drill, len(p.Drills))
		for i, d := range p.Drills {
			if d.Type == model.DrillToWidget {
				if _, ok := cur.Dashboard.Widgets[*d.Target]; !ok {
					return nil, model.InvalidArguments(model.CodeInvalidDrillTarget, "drill target %s does not exist", d.Target)
				}
			}
			d = d.Clone()
			d.Broken, d.BrokenReason = false, ""
			drills[i] = d
		}
		w.Drills = drills
		return nil, nil
	})
	return changed(model.EventDrillsForWidgetSet, ev, err)
}

func (h *handlers) removeDrillsForWidget(_ context.Context, t *command.Task, p model.RemoveDrillsForWidget) (command.Result, error) {
	ev, err := updateWidget(t, p.Ref, nil, nil, func(_ *document.State, w *model.Widget) ([]model.BrokenRef, error) {
		if len(p.Origins) == 0 {
			w.Drills = nil
			return nil, nil
		}
		w.Drills = slices.DeleteFunc(w.Drills, func(d model.Drill) bool {
			return slices.Contains(p.Origins, d.Origin)
		})
		return nil, nil
	})
	return changed(model.EventDrillsForWidgetRemoved, ev, err)
}

// --- Alerts ---

func checkAlert(s *document.State, when string, filters []string) error {
	return validate.First(validate.AlertCondition(when), validate.FilterIDs(s, filters))
}

func (h *handlers) createAlert(_ context.Context, t *command.Task, p model.CreateAlert) (command.Result, error) {
	alert := model.Alert{
		ID:            h.newID(),
		Widget:        p.Widget,
		Threshold:     p.Threshold,
		WhenTriggered: p.WhenTriggered,
		Filters:       slices.Clone(p.Filters),
	}
	_, err := t.Commit(func(cur *document.State) (document.Delta, error) {
		w, err := validate.Widget(cur, p.Widget, model.WidgetKPI)
		if err != nil {
			return nil, err
		}
		if w.KPI == nil || w.KPI.Measure == nil {
			return nil, model.InvalidArguments(model.CodeMissingMeasure, "kpi %s has no measure to alert on", p.Widget)
		}
		if err := checkAlert(cur, p.WhenTriggered, p.Filters); err != nil {
			return nil, err
		}
		return document.Delta{document.PutAlert{Alert: alert, Index: -1}}, nil
	})
	if err != nil {
		return command.Result{}, err
	}
	return command.Result{Event: model.EventAlertCreated, Payload: model.AlertChanged{Alert: &alert}}, nil
}

func (h *handlers) updateAlert(_ context.Context, t *command.Task, p model.UpdateAlert) (command.Result, error) {
	var alert model.Alert
	_, err := t.Commit(func(cur *document.State) (document.Delta, error) {
		a, i, err := validate.Alert(cur, p.ID)
		if err != nil {
			return nil, err
		}
		if err := checkAlert(cur, p.WhenTriggered, p.Filters); err != nil {
			return nil, err
		}
		a.Threshold = p.Threshold
		a.WhenTriggered = p.WhenTriggered
		a.Filters = slices.Clone(p.Filters)
		a.Broken, a.BrokenReason = false, ""
		alert = a
		return document.Delta{document.PutAlert{Alert: a, Index: i}}, nil
	})
	if err != nil {
		return command.Result{}, err
	}
	return command.Result{Event: model.EventAlertUpdated, Payload: model.AlertChanged{Alert: &alert}}, nil
}

func (h *handlers) removeAlerts(_ context.Context, t *command.Task, p model.RemoveAlerts) (command.Result, error) {
	if len(p.IDs) == 0 {
		return command.Result{}, model.InvalidArguments(model.CodeInvalidPayload, "at least one alert id is required")
	}
	ids := slices.Compact(slices.Sorted(slices.Values(p.IDs)))
	_, err := t.Commit(func(cur *document.State) (document.Delta, error) {
		delta := make(document.Delta, 0, len(ids))
		for _, id := range ids {
			if _, _, err := validate.Alert(cur, id); err != nil {
				return nil, err
			}
			delta = append(delta, document.DeleteAlert{ID: id})
		}
		return delta, nil
	})
	if err != nil {
		return command.Result{}, err
	}
	return command.Result{Event: model.EventAlertsRemoved, Payload: model.AlertChanged{IDs: ids}}, nil
}
