package handlers

import (
	"context"
	"slices"

	"github.com/pitabwire/tessera/internal/command"
	"github.com/pitabwire/tessera/internal/document"
	"github.com/pitabwire/tessera/internal/validate"
	"github.com/pitabwire/tessera/model"
)

// filterableKinds are the widget kinds that evaluate dashboard filters.
var filterableKinds = []string{model.WidgetInsight, model.WidgetKPI, model.WidgetSwitcher}

// updateWidget commits a change to one widget. change edits a private copy
// and may veto the command; extra ops (usually cache fills) are committed
// along with the widget.
func updateWidget(t *command.Task, ref model.ObjRef, kinds []string, extra document.Delta,
	change func(cur *document.State, w *model.Widget) ([]model.BrokenRef, error),
) (model.WidgetChanged, error) {
	var ev model.WidgetChanged
	_, err := t.Commit(func(cur *document.State) (document.Delta, error) {
		w, err := validate.Widget(cur, ref, kinds...)
		if err != nil {
			return nil, err
		}
		broken, err := change(cur, &w)
		if err != nil {
			return nil, err
		}
		ev = model.WidgetChanged{Widget: w, Broken: broken}
		return append(slices.Clone(extra), document.PutWidget{Widget: w}), nil
	})
	return ev, err
}

func changed(event string, ev model.WidgetChanged, err error) (command.Result, error) {
	if err != nil {
		return command.Result{}, err
	}
	return command.Result{Event: event, Payload: ev}, nil
}

func (h *handlers) removeWidget(_ context.Context, t *command.Task, p model.RemoveWidget) (command.Result, error) {
	var ev model.WidgetRemoved
	_, err := t.Commit(func(cur *document.State) (document.Delta, error) {
		if _, err := validate.Widget(cur, p.Ref); err != nil {
			return nil, err
		}
		var delta document.Delta
		if at, ok := cur.FindWidget(p.Ref); ok {
			delta = append(delta, document.SpliceItems{Container: at.Container, Section: at.Section, Index: at.Index, Delete: 1})
		}
		cascade, removed, alerts, broken := document.RemoveWidgets(cur, p.Ref)
		delta = append(delta, cascade...)
		ev = model.WidgetRemoved{Ref: p.Ref, Removed: removed, Alerts: alerts, Broken: broken}
		return delta, nil
	})
	if err != nil {
		return command.Result{}, err
	}
	return command.Result{Event: model.EventWidgetRemoved, Payload: ev}, nil
}

func (h *handlers) changeWidgetHeader(_ context.Context, t *command.Task, p model.ChangeWidgetHeader) (command.Result, error) {
	ev, err := updateWidget(t, p.Ref, nil, nil, func(_ *document.State, w *model.Widget) ([]model.BrokenRef, error) {
		w.Title = p.Title
		return nil, nil
	})
	return changed(model.EventWidgetHeaderChanged, ev, err)
}

func (h *handlers) changeWidgetDescription(_ context.Context, t *command.Task, p model.ChangeWidgetDescription) (command.Result, error) {
	ev, err := updateWidget(t, p.Ref, nil, nil, func(_ *document.State, w *model.Widget) ([]model.BrokenRef, error) {
		w.Description = p.Description
		return nil, nil
	})
	return changed(model.EventWidgetDescriptionChanged, ev, err)
}

func (h *handlers) changeInsightWidgetInsight(ctx context.Context, t *command.Task, p model.ChangeInsightWidgetInsight) (command.Result, error) {
	existing, err := validate.Widget(t.State(), p.Ref, model.WidgetInsight)
	if err != nil {
		return command.Result{}, err
	}
	if p.Insight.IsZero() {
		return command.Result{}, model.InvalidArguments(model.CodeMissingInsight, "insight ref is required")
	}
	defs, cached, err := resolveInsights(ctx, t, []model.ObjRef{p.Insight})
	if err != nil {
		return command.Result{}, err
	}
	def := defs[p.Insight]
	missing, err := unresolved(ctx, t, drillTargets(existing, t.State().Dashboard.Ref), loadDrillTarget)
	if err != nil {
		return command.Result{}, err
	}

	ev, err := updateWidget(t, p.Ref, []string{model.WidgetInsight}, cached, func(_ *document.State, w *model.Widget) ([]model.BrokenRef, error) {
		w.Insight = model.RefPtr(p.Insight)
		for i := range w.Drills {
			d := &w.Drills[i]
			if d.Broken && d.BrokenReason == document.BrokenOriginMissing && def.HasOrigin(d.Origin) {
				d.Broken, d.BrokenReason = false, ""
			}
		}
		broken := document.FlagDrillOrigins(w, def)
		return append(broken, document.FlagDrillTargets(w, missing)...), nil
	})
	return changed(model.EventInsightWidgetInsightChanged, ev, err)
}

// drillTargets lists the insights and other dashboards the widget's drills
// lead to.
func drillTargets(w model.Widget, self model.ObjRef) []model.ObjRef {
	var refs []model.ObjRef
	for _, d := range w.Drills {
		if d.Broken || d.Target == nil {
			continue
		}
		if d.Type == model.DrillToInsight || (d.Type == model.DrillToDashboard && *d.Target != self) {
			refs = append(refs, *d.Target)
		}
	}
	return refs
}

func (h *handlers) changeKpiWidgetMeasure(ctx context.Context, t *command.Task, p model.ChangeKpiWidgetMeasure) (command.Result, error) {
	if _, err := validate.Widget(t.State(), p.Ref, model.WidgetKPI); err != nil {
		return command.Result{}, err
	}
	if p.Measure.IsZero() {
		return command.Result{}, model.InvalidArguments(model.CodeMissingMeasure, "measure ref is required")
	}
	_, cached, err := resolveCatalog(ctx, t, catalogRequest{ref: p.Measure, kinds: measureKinds})
	if err != nil {
		return command.Result{}, err
	}

	ev, err := updateWidget(t, p.Ref, []string{model.WidgetKPI}, cached, func(_ *document.State, w *model.Widget) ([]model.BrokenRef, error) {
		if w.KPI == nil {
			w.KPI = &model.KPIConfig{ComparisonType: model.ComparisonNone}
		}
		w.KPI.Measure = model.RefPtr(p.Measure)
		return nil, nil
	})
	return changed(model.EventKpiWidgetMeasureChanged, ev, err)
}

func (h *handlers) changeKpiWidgetComparison(_ context.Context, t *command.Task, p model.ChangeKpiWidgetComparison) (command.Result, error) {
	if err := validate.First(validate.ComparisonType(p.ComparisonType), validate.ComparisonDirection(p.ComparisonDirection)); err != nil {
		return command.Result{}, err
	}
	ev, err := updateWidget(t, p.Ref, []string{model.WidgetKPI}, nil, func(_ *document.State, w *model.Widget) ([]model.BrokenRef, error) {
		if w.KPI == nil {
			w.KPI = &model.KPIConfig{}
		}
		w.KPI.ComparisonType = p.ComparisonType
		if p.ComparisonDirection != "" {
			w.KPI.ComparisonDirection = p.ComparisonDirection
		}
		if p.ComparisonType == model.ComparisonNone {
			w.KPI.ComparisonDirection = ""
		} else if w.KPI.ComparisonDirection == "" {
			w.KPI.ComparisonDirection = model.DirectionGrowIsGood
		}
		return nil, nil
	})
	return changed(model.EventKpiWidgetComparisonChanged, ev, err)
}

func (h *handlers) changeRichTextWidgetContent(_ context.Context, t *command.Task, p model.ChangeRichTextWidgetContent) (command.Result, error) {
	ev, err := updateWidget(t, p.Ref, []string{model.WidgetRichText}, nil, func(_ *document.State, w *model.Widget) ([]model.BrokenRef, error) {
		w.RichText = p.Content
		return nil, nil
	})
	return changed(model.EventRichTextWidgetContentChanged, ev, err)
}

func (h *handlers) changeWidgetFilterSettings(ctx context.Context, t *command.Task, p model.ChangeWidgetFilterSettings) (command.Result, error) {
	snap := t.State()
	existing, err := validate.Widget(snap, p.Ref, filterableKinds...)
	if err != nil {
		return command.Result{}, err
	}
	if err := validate.FilterIDs(snap, p.IgnoreFilters); err != nil {
		return command.Result{}, err
	}
	var cached document.Delta
	if p.DateDataSet != nil {
		_, cached, err = resolveCatalog(ctx, t, catalogRequest{ref: *p.DateDataSet, kinds: []string{model.CatalogDateDataSet}})
		if err != nil {
			return command.Result{}, err
		}
	}
	var refs []model.ObjRef
	for _, f := range existing.FilterOverrides {
		if !f.Broken {
			refs = append(refs, f.CatalogRefs()...)
		}
	}
	missing, err := unresolved(ctx, t, refs, loadCatalogItem)
	if err != nil {
		return command.Result{}, err
	}

	ev, err := updateWidget(t, p.Ref, filterableKinds, cached, func(cur *document.State, w *model.Widget) ([]model.BrokenRef, error) {
		if err := validate.FilterIDs(cur, p.IgnoreFilters); err != nil {
			return nil, err
		}
		w.IgnoredFilters = nil
		for _, id := range p.IgnoreFilters {
			if !slices.ContainsFunc(w.IgnoredFilters, func(f model.IgnoredFilter) bool { return f.FilterLocalID == id }) {
				w.IgnoredFilters = append(w.IgnoredFilters, model.IgnoredFilter{FilterLocalID: id})
			}
		}
		w.DateDataSet = nil
		if p.DateDataSet != nil {
			w.DateDataSet = model.RefPtr(*p.DateDataSet)
		}
		return document.FlagFilterOverrides(w, missing), nil
	})
	return changed(model.EventWidgetFilterSettingsChanged, ev, err)
}

// overrideRequests lists the catalog objects filter overrides reference.
func overrideRequests(filters []model.WidgetFilter) []catalogRequest {
	var reqs []catalogRequest
	for _, f := range filters {
		if f.DisplayForm != nil {
			reqs = append(reqs, catalogRequest{ref: *f.DisplayForm, kinds: []string{model.CatalogDisplayForm}})
		}
		if f.Measure != nil {
			reqs = append(reqs, catalogRequest{ref: *f.Measure, kinds: measureKinds})
		}
		if f.Attribute != nil {
			reqs = append(reqs, catalogRequest{ref: *f.Attribute, kinds: []string{model.CatalogAttribute, model.CatalogDisplayForm}})
		}
	}
	return reqs
}

func (h *handlers) changeWidgetFilter(ctx context.Context, t *command.Task, p model.ChangeWidgetFilter) (command.Result, error) {
	if _, err := validate.Widget(t.State(), p.Ref, filterableKinds...); err != nil {
		return command.Result{}, err
	}
	if err := validate.WidgetFilters(p.Filters); err != nil {
		return command.Result{}, err
	}
	_, cached, err := resolveCatalog(ctx, t, overrideRequests(p.Filters)...)
	if err != nil {
		return command.Result{}, err
	}

	ev, err := updateWidget(t, p.Ref, filterableKinds, cached, func(_ *document.State, w *model.Widget) ([]model.BrokenRef, error) {
		w.FilterOverrides = make([]model.WidgetFilter, len(p.Filters))
		for i, f := range p.Filters {
			f = f.Clone()
			f.Broken, f.BrokenReason = false, ""
			w.FilterOverrides[i] = f
		}
		return nil, nil
	})
	return changed(model.EventWidgetFilterChanged, ev, err)
}

func (h *handlers) addVisualizationToSwitcher(ctx context.Context, t *command.Task, p model.AddVisualizationToSwitcher) (command.Result, error) {
	if _, err := validate.Widget(t.State(), p.Ref, model.WidgetSwitcher); err != nil {
		return command.Result{}, err
	}
	if p.Insight.IsZero() {
		return command.Result{}, model.InvalidArguments(model.CodeMissingInsight, "insight ref is required")
	}
	defs, cached, err := resolveInsights(ctx, t, []model.ObjRef{p.Insight})
	if err != nil {
		return command.Result{}, err
	}
	title := p.Title
	if title == "" {
		title = defs[p.Insight].Title
	}
	localID := h.newID()

	ev, err := updateWidget(t, p.Ref, []string{model.WidgetSwitcher}, cached, func(_ *document.State, w *model.Widget) ([]model.BrokenRef, error) {
		if w.Switcher == nil {
			w.Switcher = &model.SwitcherConfig{}
		}
		w.Switcher.Visualizations = append(w.Switcher.Visualizations, model.SwitcherVisualization{
			LocalID: localID,
			Title:   title,
			Insight: p.Insight,
		})
		return nil, nil
	})
	return changed(model.EventVisualizationAddedToSwitcher, ev, err)
}

func (h *handlers) changeSwitcherActive(_ context.Context, t *command.Task, p model.ChangeSwitcherActiveVisualization) (command.Result, error) {
	ev, err := updateWidget(t, p.Ref, []string{model.WidgetSwitcher}, nil, func(_ *document.State, w *model.Widget) ([]model.BrokenRef, error) {
		n := 0
		if w.Switcher != nil {
			n = len(w.Switcher.Visualizations)
		}
		if p.Index < 0 || p.Index >= n {
			return nil, model.InvalidArguments(model.CodeInvalidIndex, "switcher %s has no visualization %d", p.Ref, p.Index)
		}
		w.Switcher.Active = p.Index
		return nil, nil
	})
	return changed(model.EventSwitcherActiveChanged, ev, err)
}
