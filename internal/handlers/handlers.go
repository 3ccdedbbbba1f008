// Package handlers implements one command handler per dashboard command
// type. Handlers validate against the current document, resolve metadata
// through the backend gateway when needed and commit a single delta.
package handlers

import (
	"context"
	"slices"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/tessera/internal/command"
	"github.com/pitabwire/tessera/internal/document"
	"github.com/pitabwire/tessera/model"
)

// Stream keys.
const (
	StreamLayout    = "layout"
	StreamFilters   = "filters"
	StreamAlerts    = "alerts"
	StreamHistory   = "history"
	StreamUI        = "ui"
	StreamDashboard = "dashboard"
)

// WidgetStream returns the stream key of commands on one widget.
func WidgetStream(ref model.ObjRef) string { return "widget:" + ref.String() }

// Option configures the handler set.
type Option func(*handlers)

// WithIDGenerator replaces the random id source used for new widgets,
// alerts, filters and dialog leases.
func WithIDGenerator(next func() string) Option {
	return func(h *handlers) { h.newID = next }
}

type handlers struct {
	newID func() string
}

// RegisterAll registers every command handler with d.
func RegisterAll(d *command.Dispatcher, opts ...Option) {
	h := &handlers{newID: uuid.NewString}
	for _, opt := range opts {
		opt(h)
	}
	d.Register(h.registrations()...)
}

func (h *handlers) registrations() []command.Registration {
	layout := fixed(StreamLayout)
	edit := model.CapabilityDashboardEdit
	return []command.Registration{
		{Type: model.CmdAddLayoutSection, Handler: handle(h.addLayoutSection), Stream: layout, Capability: edit},
		{Type: model.CmdRemoveLayoutSection, Handler: handle(h.removeLayoutSection), Stream: layout, Capability: edit},
		{Type: model.CmdMoveLayoutSection, Handler: handle(h.moveLayoutSection), Stream: layout, Capability: edit},
		{Type: model.CmdChangeLayoutSectionHeader, Handler: handle(h.changeLayoutSectionHeader), Stream: layout, Capability: edit},
		{Type: model.CmdAddSectionItems, Handler: handle(h.addSectionItems), Stream: layout, Capability: edit},
		{Type: model.CmdReplaceSectionItem, Handler: handle(h.replaceSectionItem), Stream: layout, Capability: edit},
		{Type: model.CmdRemoveSectionItem, Handler: handle(h.removeSectionItem), Stream: layout, Capability: edit},
		{Type: model.CmdMoveSectionItem, Handler: handle(h.moveSectionItem), Stream: layout, Capability: edit},
		{Type: model.CmdResizeWidthOfItem, Handler: handle(h.resizeWidthOfItem), Stream: layout, Capability: edit},
		{Type: model.CmdResizeHeightOfItems, Handler: handle(h.resizeHeightOfItems), Stream: layout, Capability: edit},

		{Type: model.CmdRemoveWidget, Handler: handle(h.removeWidget), Stream: layout, Capability: edit},
		{Type: model.CmdChangeWidgetHeader, Handler: handle(h.changeWidgetHeader), Stream: widgetStream, Capability: edit},
		{Type: model.CmdChangeWidgetDescription, Handler: handle(h.changeWidgetDescription), Stream: widgetStream, Capability: edit},
		{Type: model.CmdChangeInsightWidgetInsight, Handler: handle(h.changeInsightWidgetInsight), Stream: widgetStream, Capability: edit},
		{Type: model.CmdChangeKpiWidgetMeasure, Handler: handle(h.changeKpiWidgetMeasure), Stream: widgetStream, Capability: edit},
		{Type: model.CmdChangeKpiWidgetComparison, Handler: handle(h.changeKpiWidgetComparison), Stream: widgetStream, Capability: edit},
		{Type: model.CmdChangeRichTextWidgetContent, Handler: handle(h.changeRichTextWidgetContent), Stream: widgetStream, Capability: edit},
		{Type: model.CmdChangeWidgetFilterSettings, Handler: handle(h.changeWidgetFilterSettings), Stream: widgetStream, Capability: edit},
		{Type: model.CmdChangeWidgetFilter, Handler: handle(h.changeWidgetFilter), Stream: widgetStream, Capability: edit},
		{Type: model.CmdAddVisualizationToSwitcher, Handler: handle(h.addVisualizationToSwitcher), Stream: widgetStream, Capability: edit},
		{Type: model.CmdChangeSwitcherActive, Handler: handle(h.changeSwitcherActive), Stream: widgetStream, Capability: edit},

		{Type: model.CmdSetDrillsForWidget, Handler: handle(h.setDrillsForWidget), Stream: widgetStream, Capability: edit},
		{Type: model.CmdRemoveDrillsForWidget, Handler: handle(h.removeDrillsForWidget), Stream: widgetStream, Capability: edit},
		{Type: model.CmdCreateAlert, Handler: handle(h.createAlert), Stream: fixed(StreamAlerts), Capability: model.CapabilityAlertsManage},
		{Type: model.CmdUpdateAlert, Handler: handle(h.updateAlert), Stream: fixed(StreamAlerts), Capability: model.CapabilityAlertsManage},
		{Type: model.CmdRemoveAlerts, Handler: handle(h.removeAlerts), Stream: fixed(StreamAlerts), Capability: model.CapabilityAlertsManage},

		{Type: model.CmdChangeDateFilterSelection, Handler: handle(h.changeDateFilterSelection), Stream: fixed(StreamFilters), Capability: model.CapabilityFiltersChange},
		{Type: model.CmdAddAttributeFilter, Handler: handle(h.addAttributeFilter), Stream: fixed(StreamFilters), Capability: model.CapabilityFiltersChange},
		{Type: model.CmdRemoveAttributeFilters, Handler: handle(h.removeAttributeFilters), Stream: fixed(StreamFilters), Capability: model.CapabilityFiltersChange},
		{Type: model.CmdMoveAttributeFilter, Handler: handle(h.moveAttributeFilter), Stream: fixed(StreamFilters), Capability: model.CapabilityFiltersChange},
		{Type: model.CmdChangeAttributeFilterSelection, Handler: handle(h.changeAttributeFilterSelection), Stream: fixed(StreamFilters), Capability: model.CapabilityFiltersChange},
		{Type: model.CmdSetAttributeFilterDisplayForm, Handler: handle(h.setAttributeFilterDisplayForm), Stream: fixed(StreamFilters), Capability: model.CapabilityFiltersChange},

		{Type: model.CmdRenameDashboard, Handler: handle(h.renameDashboard), Stream: fixed(StreamDashboard), Capability: edit},
		{Type: model.CmdSaveDashboard, Handler: handle(h.saveDashboard), Stream: fixed(StreamDashboard), Capability: model.CapabilityDashboardSave, HistoryExempt: true},
		{Type: model.CmdReloadDashboard, Handler: handle(h.reloadDashboard), Stream: fixed(StreamDashboard), Capability: model.CapabilityDashboardView, HistoryExempt: true},

		{Type: model.CmdUndo, Handler: handle(h.undo), Stream: fixed(StreamHistory), Capability: model.CapabilityHistoryReplay, HistoryExempt: true},
		{Type: model.CmdRedo, Handler: handle(h.redo), Stream: fixed(StreamHistory), Capability: model.CapabilityHistoryReplay, HistoryExempt: true},

		{Type: model.CmdSelectWidget, Handler: handle(h.selectWidget), Stream: fixed(StreamUI), Capability: model.CapabilityDashboardView, HistoryExempt: true},
		{Type: model.CmdOpenDialog, Handler: handle(h.openDialog), Stream: fixed(StreamUI), Capability: model.CapabilityDashboardView, HistoryExempt: true},
		{Type: model.CmdCloseDialog, Handler: handle(h.closeDialog), Stream: fixed(StreamUI), Capability: model.CapabilityDashboardView, HistoryExempt: true},
	}
}

func fixed(key string) func(model.Command) string {
	return func(model.Command) string { return key }
}

// widgetStream serializes commands that change one widget's own fields.
func widgetStream(cmd model.Command) string {
	var ref model.ObjRef
	switch p := cmd.Payload.(type) {
	case model.ChangeWidgetHeader:
		ref = p.Ref
	case model.ChangeWidgetDescription:
		ref = p.Ref
	case model.ChangeInsightWidgetInsight:
		ref = p.Ref
	case model.ChangeKpiWidgetMeasure:
		ref = p.Ref
	case model.ChangeKpiWidgetComparison:
		ref = p.Ref
	case model.ChangeRichTextWidgetContent:
		ref = p.Ref
	case model.ChangeWidgetFilterSettings:
		ref = p.Ref
	case model.ChangeWidgetFilter:
		ref = p.Ref
	case model.AddVisualizationToSwitcher:
		ref = p.Ref
	case model.ChangeSwitcherActiveVisualization:
		ref = p.Ref
	case model.SetDrillsForWidget:
		ref = p.Ref
	case model.RemoveDrillsForWidget:
		ref = p.Ref
	default:
		return cmd.Type
	}
	return WidgetStream(ref)
}

func payloadAs[T model.Payload](p model.Payload) (T, bool) {
	if v, ok := any(p).(T); ok {
		return v, true
	}
	if v, ok := any(p).(*T); ok && v != nil {
		return *v, true
	}
	var zero T
	return zero, false
}

// handle adapts a typed handler to command.Handler.
func handle[T model.Payload](fn func(ctx context.Context, t *command.Task, p T) (command.Result, error)) command.Handler {
	return func(ctx context.Context, t *command.Task) (command.Result, error) {
		p, ok := payloadAs[T](t.Payload())
		if !ok {
			return command.Result{}, model.InvalidArguments(model.CodeInvalidPayload, "unexpected payload %T", t.Payload())
		}
		return fn(ctx, t, p)
	}
}

// --- Metadata resolution ---

// notFoundAs turns a gateway NotFound into the validation failure of the
// reference that did not resolve.
func notFoundAs(err error, code string, ref model.ObjRef) error {
	if model.IsReason(err, model.ReasonNotFound) {
		return model.InvalidArguments(code, "%s does not resolve", ref)
	}
	return err
}

// resolveInsights loads insights concurrently, cache first.
func resolveInsights(ctx context.Context, t *command.Task, refs []model.ObjRef) (map[model.ObjRef]model.InsightDefinition, document.Delta, error) {
	out := make(map[model.ObjRef]model.InsightDefinition, len(refs))
	cache := t.State().Insights
	var missing []model.ObjRef
	for _, ref := range refs {
		if def, ok := cache[ref]; ok {
			out[ref] = def
		} else if !slices.Contains(missing, ref) {
			missing = append(missing, ref)
		}
	}
	if len(missing) == 0 {
		return out, nil, nil
	}

	gw := t.Gateway()
	fetched := make([]model.InsightDefinition, len(missing))
	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range missing {
		g.Go(func() error {
			def, err := gw.LoadInsight(gctx, ref)
			if err != nil {
				return notFoundAs(err, model.CodeMissingInsight, ref)
			}
			def.Ref = ref
			fetched[i] = def
			return nil
		})
	}
	if err := g.Wait(); err != nil {
		return nil, nil, err
	}
	delta := make(document.Delta, 0, len(fetched))
	for _, def := range fetched {
		out[def.Ref] = def
		delta = append(delta, document.CacheInsight{Insight: def})
	}
	return out, delta, nil
}

// unresolved re-checks refs against the backend, bypassing the document
// cache, and reports those that no longer resolve. Failures other than
// NotFound abort the check.
func unresolved(ctx context.Context, t *command.Task, refs []model.ObjRef,
	load func(ctx context.Context, gw model.Gateway, ref model.ObjRef) error,
) (map[model.ObjRef]bool, error) {
	var uniq []model.ObjRef
	for _, ref := range refs {
		if !slices.Contains(uniq, ref) {
			uniq = append(uniq, ref)
		}
	}
	if len(uniq) == 0 {
		return nil, nil
	}

	gw := t.Gateway()
	gone := make([]bool, len(uniq))
	g, gctx := errgroup.WithContext(ctx)
	for i, ref := range uniq {
		g.Go(func() error {
			err := load(gctx, gw, ref)
			if model.IsReason(err, model.ReasonNotFound) {
				gone[i] = true
				return nil
			}
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	missing := make(map[model.ObjRef]bool)
	for i, ref := range uniq {
		if gone[i] {
			missing[ref] = true
		}
	}
	return missing, nil
}

func loadCatalogItem(ctx context.Context, gw model.Gateway, ref model.ObjRef) error {
	_, err := gw.LoadCatalogItem(ctx, ref)
	return err
}

func loadDrillTarget(ctx context.Context, gw model.Gateway, ref model.ObjRef) error {
	var err error
	if ref.Type == model.RefDashboard {
		_, err = gw.LoadDashboard(ctx, ref)
	} else {
		_, err = gw.LoadInsight(ctx, ref)
	}
	return err
}

var measureKinds = []string{model.CatalogMeasure, model.CatalogFact}

var catalogCodes = map[string]string{
	model.CatalogMeasure:     model.CodeMissingMeasure,
	model.CatalogFact:        model.CodeMissingMeasure,
	model.CatalogAttribute:   model.CodeMissingAttribute,
	model.CatalogDisplayForm: model.CodeMissingDisplayForm,
	model.CatalogDateDataSet: model.CodeMissingDateDataSet,
}

// catalogRequest asks for a catalog item of one of kinds.
type catalogRequest struct {
	ref   model.ObjRef
	kinds []string
}

func catalogCode(kinds []string) string {
	if len(kinds) > 0 {
		if c, ok := catalogCodes[kinds[0]]; ok {
			return c
		}
	}
	return model.CodeInvalidPayload
}

// resolveCatalog loads catalog items concurrently. Items missing from the
// cache are fetched once and returned as cache ops.
func resolveCatalog(ctx context.Context, t *command.Task, reqs ...catalogRequest) (map[model.ObjRef]model.CatalogItem, document.Delta, error) {
	out := make(map[model.ObjRef]model.CatalogItem, len(reqs))
	cache := t.State().Catalog
	var missing []catalogRequest
	for _, r := range reqs {
		if item, ok := cache[r.ref]; ok {
			out[r.ref] = item
			continue
		}
		if !slices.ContainsFunc(missing, func(m catalogRequest) bool { return m.ref == r.ref }) {
			missing = append(missing, r)
		}
	}

	var delta document.Delta
	if len(missing) > 0 {
		gw := t.Gateway()
		fetched := make([]model.CatalogItem, len(missing))
		g, gctx := errgroup.WithContext(ctx)
		for i, r := range missing {
			g.Go(func() error {
				item, err := gw.LoadCatalogItem(gctx, r.ref)
				if err != nil {
					return notFoundAs(err, catalogCode(r.kinds), r.ref)
				}
				item.Ref = r.ref
				fetched[i] = item
				return nil
			})
		}
		if err := g.Wait(); err != nil {
			return nil, nil, err
		}
		for _, item := range fetched {
			out[item.Ref] = item
			delta = append(delta, document.CacheCatalogItem{Item: item})
		}
	}

	for _, r := range reqs {
		if item := out[r.ref]; len(r.kinds) > 0 && !slices.Contains(r.kinds, item.Kind) {
			return nil, nil, model.InvalidArguments(catalogCode(r.kinds), "%s is a %s, expected %v", r.ref, item.Kind, r.kinds)
		}
	}
	return out, delta, nil
}
