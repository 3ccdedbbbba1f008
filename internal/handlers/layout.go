package handlers

import (
	"context"
	"slices"

	"go.uber.org/zap"

	"github.com/pitabwire/tessera/internal/command"
	"github.com/pitabwire/tessera/internal/document"
	"github.com/pitabwire/tessera/internal/validate"
	"github.com/pitabwire/tessera/model"
)

// Sizes of new items that leave their size at zero.
var defaultSizes = map[string]model.ItemSize{
	"":                   {GridWidth: 2, GridHeight: 4},
	model.WidgetKPI:      {GridWidth: 2, GridHeight: 8},
	model.WidgetRichText: {GridWidth: 4, GridHeight: 6},
	model.WidgetInsight:  {GridWidth: 6, GridHeight: 22},
	model.WidgetSwitcher: {GridWidth: 6, GridHeight: 22},
	model.WidgetLayout:   {GridWidth: 12, GridHeight: 12},
}

func itemKind(s *document.State, it model.Item) string {
	if it.Widget == nil {
		return ""
	}
	return s.Dashboard.Widgets[*it.Widget].Kind
}

// prepareSpecs copies item specs, assigning refs to new widgets and filling
// in kind defaults. New layout widgets always start empty.
func (h *handlers) prepareSpecs(specs []model.ItemSpec) []model.ItemSpec {
	out := make([]model.ItemSpec, len(specs))
	for i, spec := range specs {
		out[i] = model.ItemSpec{Size: spec.Size}
		if spec.Widget == nil {
			continue
		}
		w := spec.Widget.Clone()
		if w.Ref.IsZero() {
			w.Ref = model.WidgetRef(h.newID())
		}
		switch w.Kind {
		case model.WidgetKPI:
			if w.KPI == nil {
				w.KPI = &model.KPIConfig{ComparisonType: model.ComparisonNone}
			}
		case model.WidgetSwitcher:
			if w.Switcher == nil {
				w.Switcher = &model.SwitcherConfig{}
			}
		case model.WidgetLayout:
			cols := 0
			if w.Layout != nil {
				cols = w.Layout.Columns
			}
			w.Layout = &model.Layout{Columns: cols}
		}
		out[i].Widget = &w
	}
	return out
}

// resolveSpecs loads the insights and catalog items new widgets reference.
func resolveSpecs(ctx context.Context, t *command.Task, specs []model.ItemSpec) (map[model.ObjRef]model.InsightDefinition, document.Delta, error) {
	var insights []model.ObjRef
	var reqs []catalogRequest
	for _, spec := range specs {
		w := spec.Widget
		if w == nil {
			continue
		}
		if w.Insight != nil {
			insights = append(insights, *w.Insight)
		}
		if w.Switcher != nil {
			for _, v := range w.Switcher.Visualizations {
				insights = append(insights, v.Insight)
			}
		}
		if w.KPI != nil && w.KPI.Measure != nil {
			reqs = append(reqs, catalogRequest{ref: *w.KPI.Measure, kinds: measureKinds})
		}
		if w.DateDataSet != nil {
			reqs = append(reqs, catalogRequest{ref: *w.DateDataSet, kinds: []string{model.CatalogDateDataSet}})
		}
	}
	defs, delta, err := resolveInsights(ctx, t, insights)
	if err != nil {
		return nil, nil, err
	}
	_, more, err := resolveCatalog(ctx, t, reqs...)
	if err != nil {
		return nil, nil, err
	}
	return defs, append(delta, more...), nil
}

// placeItems sizes new items for insertion at index of existing. A width
// that does not fit the row being joined shrinks to the free space when the
// widget kind allows it; otherwise the item flows onto a new row.
func placeItems(existing []model.Item, index, columns int, specs []model.ItemSpec) ([]model.Item, []model.Widget) {
	row := slices.Clone(existing)
	items := make([]model.Item, 0, len(specs))
	var widgets []model.Widget
	for i, spec := range specs {
		kind := ""
		if spec.Widget != nil {
			kind = spec.Widget.Kind
		}
		size := spec.Size
		def := defaultSizes[kind]
		if size.GridWidth == 0 {
			size.GridWidth = def.GridWidth
		}
		if size.GridHeight == 0 {
			size.GridHeight = def.GridHeight
		}
		size.GridWidth, _ = document.FitWidth(kind, size.GridWidth, document.AvailableWidth(row, columns, index+i), columns)
		size.GridHeight = document.ClampHeight(size.GridHeight)

		it := model.Item{Size: size}
		if spec.Widget != nil {
			ref := spec.Widget.Ref
			it.Widget = &ref
			widgets = append(widgets, *spec.Widget)
		}
		row = slices.Insert(row, index+i, it)
		items = append(items, it)
	}
	return items, widgets
}

// putWidgets returns the ops inserting new widgets. Drills of insight
// widgets whose origin the insight lacks are flagged broken.
func putWidgets(widgets []model.Widget, insights map[model.ObjRef]model.InsightDefinition) document.Delta {
	delta := make(document.Delta, 0, len(widgets))
	for _, w := range widgets {
		if w.Insight != nil {
			if def, ok := insights[*w.Insight]; ok {
				document.FlagDrillOrigins(&w, def)
			}
		}
		delta = append(delta, document.PutWidget{Widget: w})
	}
	return delta
}

func widgetRefs(widgets []model.Widget) []model.ObjRef {
	refs := make([]model.ObjRef, len(widgets))
	for i, w := range widgets {
		refs[i] = w.Ref
	}
	return refs
}

func (h *handlers) addLayoutSection(ctx context.Context, t *command.Task, p model.AddLayoutSection) (command.Result, error) {
	specs := h.prepareSpecs(p.Items)
	check := func(s *document.State) (model.ObjRef, *model.Layout, error) {
		container, l, err := validate.Container(s, p.Parent)
		if err != nil {
			return model.ObjRef{}, nil, err
		}
		if err := validate.SectionInsertIndex(l, p.Index); err != nil {
			return model.ObjRef{}, nil, err
		}
		if len(specs) > 0 {
			if err := validate.ItemSpecs(s, specs); err != nil {
				return model.ObjRef{}, nil, err
			}
		}
		return container, l, nil
	}
	if _, _, err := check(t.State()); err != nil {
		return command.Result{}, err
	}
	insights, cached, err := resolveSpecs(ctx, t, specs)
	if err != nil {
		return command.Result{}, err
	}

	var ev model.LayoutSectionChanged
	_, err = t.Commit(func(cur *document.State) (document.Delta, error) {
		container, l, err := check(cur)
		if err != nil {
			return nil, err
		}
		items, widgets := placeItems(nil, 0, l.GridColumns(), specs)
		sec := model.Section{Header: p.Header, Items: items}
		delta := slices.Clone(cached)
		delta = append(delta, putWidgets(widgets, insights)...)
		delta = append(delta, document.InsertSection{Container: container, Index: p.Index, Section: sec})
		ev = model.LayoutSectionChanged{Parent: p.Parent, Index: p.Index, Section: &sec, Header: p.Header}
		return delta, nil
	})
	if err != nil {
		return command.Result{}, err
	}
	return command.Result{Event: model.EventLayoutSectionAdded, Payload: ev}, nil
}

func (h *handlers) removeLayoutSection(_ context.Context, t *command.Task, p model.RemoveLayoutSection) (command.Result, error) {
	var ev model.LayoutSectionChanged
	_, err := t.Commit(func(cur *document.State) (document.Delta, error) {
		container, l, err := validate.Container(cur, p.Parent)
		if err != nil {
			return nil, err
		}
		if err := validate.Section(l, p.Index); err != nil {
			return nil, err
		}
		if n := len(l.Sections[p.Index].Items); p.OnlyIfEmpty && n > 0 {
			return nil, model.InvalidArguments(model.CodeSectionNotEmpty, "section %d holds %d items", p.Index, n)
		}
		delta := document.Delta{document.RemoveSection{Container: container, Index: p.Index}}
		cascade, removed, _, broken := document.RemoveWidgets(cur, cur.SectionWidgets(l, p.Index)...)
		delta = append(delta, cascade...)
		ev = model.LayoutSectionChanged{
			Parent:  p.Parent,
			Index:   p.Index,
			Header:  l.Sections[p.Index].Header,
			Removed: removed,
			Broken:  broken,
		}
		return delta, nil
	})
	if err != nil {
		return command.Result{}, err
	}
	return command.Result{Event: model.EventLayoutSectionRemoved, Payload: ev}, nil
}

func (h *handlers) moveLayoutSection(_ context.Context, t *command.Task, p model.MoveLayoutSection) (command.Result, error) {
	var ev model.LayoutSectionChanged
	_, err := t.Commit(func(cur *document.State) (document.Delta, error) {
		container, l, err := validate.Container(cur, p.Parent)
		if err != nil {
			return nil, err
		}
		if err := validate.First(validate.Section(l, p.From), validate.Section(l, p.To)); err != nil {
			return nil, err
		}
		ev = model.LayoutSectionChanged{Parent: p.Parent, Index: p.From, To: p.To, Header: l.Sections[p.From].Header}
		return document.Delta{document.MoveSection{Container: container, From: p.From, To: p.To}}, nil
	})
	if err != nil {
		return command.Result{}, err
	}
	return command.Result{Event: model.EventLayoutSectionMoved, Payload: ev}, nil
}

func (h *handlers) changeLayoutSectionHeader(_ context.Context, t *command.Task, p model.ChangeLayoutSectionHeader) (command.Result, error) {
	_, err := t.Commit(func(cur *document.State) (document.Delta, error) {
		container, l, err := validate.Container(cur, p.Parent)
		if err != nil {
			return nil, err
		}
		if err := validate.Section(l, p.Index); err != nil {
			return nil, err
		}
		return document.Delta{document.SetSectionHeader{Container: container, Index: p.Index, Header: p.Header}}, nil
	})
	if err != nil {
		return command.Result{}, err
	}
	return command.Result{
		Event:   model.EventLayoutSectionHeaderChanged,
		Payload: model.LayoutSectionChanged{Parent: p.Parent, Index: p.Index, Header: p.Header},
	}, nil
}

func (h *handlers) addSectionItems(ctx context.Context, t *command.Task, p model.AddSectionItems) (command.Result, error) {
	specs := h.prepareSpecs(p.Items)
	check := func(s *document.State) (model.ObjRef, *model.Layout, int, error) {
		container, l, err := validate.Container(s, p.Parent)
		if err != nil {
			return model.ObjRef{}, nil, 0, err
		}
		idx, err := validate.ItemInsertIndex(l, p.Section, p.Index)
		if err != nil {
			return model.ObjRef{}, nil, 0, err
		}
		if err := validate.ItemSpecs(s, specs); err != nil {
			return model.ObjRef{}, nil, 0, err
		}
		return container, l, idx, nil
	}
	if _, _, _, err := check(t.State()); err != nil {
		return command.Result{}, err
	}
	insights, cached, err := resolveSpecs(ctx, t, specs)
	if err != nil {
		return command.Result{}, err
	}

	var ev model.SectionItemsAdded
	_, err = t.Commit(func(cur *document.State) (document.Delta, error) {
		container, l, idx, err := check(cur)
		if err != nil {
			return nil, err
		}
		created := p.Section == len(l.Sections)
		var existing []model.Item
		if !created {
			existing = l.Sections[p.Section].Items
		}
		items, widgets := placeItems(existing, idx, l.GridColumns(), specs)

		delta := slices.Clone(cached)
		delta = append(delta, putWidgets(widgets, insights)...)
		if created {
			delta = append(delta, document.InsertSection{Container: container, Index: p.Section})
		}
		delta = append(delta, document.SpliceItems{Container: container, Section: p.Section, Index: idx, Insert: items})
		ev = model.SectionItemsAdded{
			Parent:         p.Parent,
			Section:        p.Section,
			Index:          idx,
			Items:          items,
			Widgets:        widgetRefs(widgets),
			SectionCreated: created,
		}
		return delta, nil
	})
	if err != nil {
		return command.Result{}, err
	}
	return command.Result{Event: model.EventSectionItemsAdded, Payload: ev}, nil
}

func (h *handlers) replaceSectionItem(ctx context.Context, t *command.Task, p model.ReplaceSectionItem) (command.Result, error) {
	specs := h.prepareSpecs([]model.ItemSpec{p.Item})
	check := func(s *document.State) (model.ObjRef, *model.Layout, model.Item, error) {
		container, l, err := validate.Container(s, p.Parent)
		if err != nil {
			return model.ObjRef{}, nil, model.Item{}, err
		}
		old, err := validate.Item(l, p.Section, p.Index)
		if err != nil {
			return model.ObjRef{}, nil, model.Item{}, err
		}
		if err := validate.ItemSpecs(s, specs); err != nil {
			return model.ObjRef{}, nil, model.Item{}, err
		}
		return container, l, old, nil
	}
	if _, _, _, err := check(t.State()); err != nil {
		return command.Result{}, err
	}
	insights, cached, err := resolveSpecs(ctx, t, specs)
	if err != nil {
		return command.Result{}, err
	}

	var ev model.SectionItemChanged
	_, err = t.Commit(func(cur *document.State) (document.Delta, error) {
		container, l, old, err := check(cur)
		if err != nil {
			return nil, err
		}
		rest := slices.Delete(slices.Clone(l.Sections[p.Section].Items), p.Index, p.Index+1)
		items, widgets := placeItems(rest, p.Index, l.GridColumns(), specs)

		delta := slices.Clone(cached)
		delta = append(delta, putWidgets(widgets, insights)...)
		delta = append(delta, document.SpliceItems{Container: container, Section: p.Section, Index: p.Index, Delete: 1, Insert: items})
		ev = model.SectionItemChanged{Parent: p.Parent, Section: p.Section, Index: p.Index, Item: items[0], Previous: &old}
		if old.Widget != nil {
			cascade, removed, _, broken := document.RemoveWidgets(cur, *old.Widget)
			delta = append(delta, cascade...)
			ev.Removed, ev.Broken = removed, broken
		}
		return delta, nil
	})
	if err != nil {
		return command.Result{}, err
	}
	return command.Result{Event: model.EventSectionItemReplaced, Payload: ev}, nil
}

func (h *handlers) removeSectionItem(_ context.Context, t *command.Task, p model.RemoveSectionItem) (command.Result, error) {
	var ev model.SectionItemChanged
	var emptied bool
	_, err := t.Commit(func(cur *document.State) (document.Delta, error) {
		container, l, err := validate.Container(cur, p.Parent)
		if err != nil {
			return nil, err
		}
		it, err := validate.Item(l, p.Section, p.Index)
		if err != nil {
			return nil, err
		}
		delta := document.Delta{document.SpliceItems{Container: container, Section: p.Section, Index: p.Index, Delete: 1}}
		ev = model.SectionItemChanged{Parent: p.Parent, Section: p.Section, Index: p.Index, Item: it}
		if it.Widget != nil {
			cascade, removed, _, broken := document.RemoveWidgets(cur, *it.Widget)
			delta = append(delta, cascade...)
			ev.Removed, ev.Broken = removed, broken
		}
		emptied = len(l.Sections[p.Section].Items) == 1
		return delta, nil
	})
	if err != nil {
		return command.Result{}, err
	}

	if p.Eager && emptied {
		// Commands queued before the follow-up may have moved sections.
		id, err := t.Dispatch(model.RemoveLayoutSection{Parent: p.Parent, Index: p.Section, OnlyIfEmpty: true})
		if err != nil {
			t.Logger().Warn("dispatching section removal failed", zap.Int("section", p.Section), zap.Error(err))
		} else {
			ev.FollowUp = id
		}
	}
	return command.Result{Event: model.EventSectionItemRemoved, Payload: ev}, nil
}

func (h *handlers) moveSectionItem(_ context.Context, t *command.Task, p model.MoveSectionItem) (command.Result, error) {
	var ev model.SectionItemMoved
	_, err := t.Commit(func(cur *document.State) (document.Delta, error) {
		container, l, err := validate.Container(cur, p.Parent)
		if err != nil {
			return nil, err
		}
		it, err := validate.Item(l, p.FromSection, p.FromIndex)
		if err != nil {
			return nil, err
		}
		if p.ToSection < 0 || p.ToSection > len(l.Sections) {
			return nil, model.InvalidArguments(model.CodeMissingSection, "section %d does not exist", p.ToSection)
		}

		created := p.ToSection == len(l.Sections)
		var dest []model.Item
		switch {
		case created:
		case p.ToSection == p.FromSection:
			dest = slices.Delete(slices.Clone(l.Sections[p.FromSection].Items), p.FromIndex, p.FromIndex+1)
		default:
			dest = l.Sections[p.ToSection].Items
		}
		to := p.ToIndex
		if to == -1 {
			to = len(dest)
		}
		if to < 0 || to > len(dest) {
			return nil, model.InvalidArguments(model.CodeInvalidIndex, "cannot move to %d of section %d with %d items", p.ToIndex, p.ToSection, len(dest))
		}

		cols := l.GridColumns()
		moved := it
		var clamped bool
		moved.Size.GridWidth, clamped = document.FitWidth(itemKind(cur, it), it.Size.GridWidth, document.AvailableWidth(dest, cols, to), cols)

		delta := document.Delta{document.SpliceItems{Container: container, Section: p.FromSection, Index: p.FromIndex, Delete: 1}}
		if created {
			delta = append(delta, document.InsertSection{Container: container, Index: p.ToSection})
		}
		delta = append(delta, document.SpliceItems{Container: container, Section: p.ToSection, Index: to, Insert: []model.Item{moved}})
		ev = model.SectionItemMoved{
			Parent:      p.Parent,
			FromSection: p.FromSection,
			FromIndex:   p.FromIndex,
			ToSection:   p.ToSection,
			ToIndex:     to,
			Size:        moved.Size,
			Clamped:     clamped,
		}
		return delta, nil
	})
	if err != nil {
		return command.Result{}, err
	}
	return command.Result{Event: model.EventSectionItemMoved, Payload: ev}, nil
}

func (h *handlers) resizeWidthOfItem(_ context.Context, t *command.Task, p model.ResizeWidthOfItem) (command.Result, error) {
	var ev model.ItemsResized
	_, err := t.Commit(func(cur *document.State) (document.Delta, error) {
		container, l, err := validate.Container(cur, p.Parent)
		if err != nil {
			return nil, err
		}
		it, err := validate.Item(l, p.Section, p.Index)
		if err != nil {
			return nil, err
		}
		size := it.Size
		size.GridWidth = document.ClampWidth(itemKind(cur, it), p.GridWidth, l.GridColumns())
		ev = model.ItemsResized{
			Parent:    p.Parent,
			Section:   p.Section,
			Indexes:   []int{p.Index},
			Requested: p.GridWidth,
			Applied:   []model.ItemSize{size},
		}
		return document.Delta{document.SetItemSize{Container: container, Section: p.Section, Index: p.Index, Size: size}}, nil
	})
	if err != nil {
		return command.Result{}, err
	}
	return command.Result{Event: model.EventItemWidthResized, Payload: ev}, nil
}

func (h *handlers) resizeHeightOfItems(_ context.Context, t *command.Task, p model.ResizeHeightOfItems) (command.Result, error) {
	if len(p.Indexes) == 0 {
		return command.Result{}, model.InvalidArguments(model.CodeInvalidPayload, "at least one item index is required")
	}
	var ev model.ItemsResized
	_, err := t.Commit(func(cur *document.State) (document.Delta, error) {
		container, l, err := validate.Container(cur, p.Parent)
		if err != nil {
			return nil, err
		}
		height := document.ClampHeight(p.GridHeight)
		ev = model.ItemsResized{Parent: p.Parent, Section: p.Section, Indexes: p.Indexes, Requested: p.GridHeight}
		var delta document.Delta
		for _, idx := range p.Indexes {
			it, err := validate.Item(l, p.Section, idx)
			if err != nil {
				return nil, err
			}
			size := it.Size
			size.GridHeight = height
			delta = append(delta, document.SetItemSize{Container: container, Section: p.Section, Index: idx, Size: size})
			ev.Applied = append(ev.Applied, size)
		}
		return delta, nil
	})
	if err != nil {
		return command.Result{}, err
	}
	return command.Result{Event: model.EventItemHeightsResized, Payload: ev}, nil
}
