package document

import (
	"cmp"
	"slices"

	"github.com/pitabwire/tessera/model"
)

// Reasons recorded on broken references.
const (
	BrokenWidgetRemoved  = "target widget was removed"
	BrokenFilterRemoved  = "dashboard filter was removed"
	BrokenOriginMissing  = "drill origin is not part of the insight"
	BrokenTargetMissing  = "target no longer resolves"
	BrokenCatalogMissing = "catalog item no longer resolves"
)

// RemoveWidgets returns the ops that delete the given widgets (with their
// nested widgets and alerts) and flag every drill elsewhere that targets one
// of them as broken. Layout items holding the widgets must be removed by
// the caller in the same delta, before these ops.
func RemoveWidgets(s *State, refs ...model.ObjRef) (Delta, []model.ObjRef, []string, []model.BrokenRef) {
	removed := make(map[model.ObjRef]bool)
	var order []model.ObjRef
	for _, ref := range refs {
		for _, r := range s.Descendants(ref) {
			if !removed[r] {
				removed[r] = true
				order = append(order, r)
			}
		}
	}

	var delta Delta
	var alerts []string
	for _, a := range s.Dashboard.Alerts {
		if removed[a.Widget] {
			delta = append(delta, DeleteAlert{ID: a.ID})
			alerts = append(alerts, a.ID)
		}
	}
	for _, r := range order {
		if _, ok := s.Dashboard.Widgets[r]; ok {
			delta = append(delta, DeleteWidget{Ref: r})
		}
	}
	fix, broken := breakDrillTargets(s, removed)
	delta = append(delta, fix...)
	return delta, order, alerts, broken
}

func breakDrillTargets(s *State, removed map[model.ObjRef]bool) (Delta, []model.BrokenRef) {
	var delta Delta
	var broken []model.BrokenRef
	for _, ref := range sortedWidgetRefs(s) {
		if removed[ref] {
			continue
		}
		w, _ := s.Widget(ref)
		changed := false
		for i := range w.Drills {
			d := &w.Drills[i]
			if d.Broken || d.Type != model.DrillToWidget || d.Target == nil || !removed[*d.Target] {
				continue
			}
			d.Broken, d.BrokenReason = true, BrokenWidgetRemoved
			changed = true
			broken = append(broken, model.BrokenRef{Kind: model.BrokenDrill, Owner: ref, LocalID: d.LocalID, Reason: d.BrokenReason})
		}
		if changed {
			delta = append(delta, PutWidget{Widget: w})
		}
	}
	return delta, broken
}

// BreakFilterReferences flags ignored-filter entries, alert filters and drill
// pass-through filters that reference removed dashboard filters.
func BreakFilterReferences(s *State, removedIDs []string) (Delta, []model.BrokenRef) {
	removed := make(map[string]bool, len(removedIDs))
	for _, id := range removedIDs {
		removed[id] = true
	}

	var delta Delta
	var broken []model.BrokenRef
	for _, ref := range sortedWidgetRefs(s) {
		w, _ := s.Widget(ref)
		changed := false
		for i := range w.IgnoredFilters {
			f := &w.IgnoredFilters[i]
			if !f.Broken && removed[f.FilterLocalID] {
				f.Broken = true
				changed = true
				broken = append(broken, model.BrokenRef{Kind: model.BrokenIgnoredFilter, Owner: ref, LocalID: f.FilterLocalID, Reason: BrokenFilterRemoved})
			}
		}
		for i := range w.Drills {
			d := &w.Drills[i]
			if d.Broken || !slices.ContainsFunc(d.PassFilters, func(id string) bool { return removed[id] }) {
				continue
			}
			d.Broken, d.BrokenReason = true, BrokenFilterRemoved
			changed = true
			broken = append(broken, model.BrokenRef{Kind: model.BrokenDrill, Owner: ref, LocalID: d.LocalID, Reason: d.BrokenReason})
		}
		if changed {
			delta = append(delta, PutWidget{Widget: w})
		}
	}
	for _, a := range s.Dashboard.Alerts {
		if a.Broken || !slices.ContainsFunc(a.Filters, func(id string) bool { return removed[id] }) {
			continue
		}
		a = a.Clone()
		a.Broken, a.BrokenReason = true, BrokenFilterRemoved
		delta = append(delta, PutAlert{Alert: a})
		broken = append(broken, model.BrokenRef{Kind: model.BrokenAlert, Owner: a.Widget, LocalID: a.ID, Reason: a.BrokenReason})
	}
	return delta, broken
}

// FlagDrillOrigins marks drills whose origin is not part of the insight as
// broken. It modifies w in place.
func FlagDrillOrigins(w *model.Widget, insight model.InsightDefinition) []model.BrokenRef {
	var broken []model.BrokenRef
	for i := range w.Drills {
		d := &w.Drills[i]
		if d.Broken || insight.HasOrigin(d.Origin) {
			continue
		}
		d.Broken, d.BrokenReason = true, BrokenOriginMissing
		broken = append(broken, model.BrokenRef{Kind: model.BrokenDrill, Owner: w.Ref, LocalID: d.LocalID, Reason: d.BrokenReason})
	}
	return broken
}

// FlagDrillTargets marks insight and dashboard drills whose target is in
// missing as broken. It modifies w in place.
func FlagDrillTargets(w *model.Widget, missing map[model.ObjRef]bool) []model.BrokenRef {
	var broken []model.BrokenRef
	for i := range w.Drills {
		d := &w.Drills[i]
		if d.Broken || d.Target == nil || !missing[*d.Target] {
			continue
		}
		if d.Type != model.DrillToInsight && d.Type != model.DrillToDashboard {
			continue
		}
		d.Broken, d.BrokenReason = true, BrokenTargetMissing
		broken = append(broken, model.BrokenRef{Kind: model.BrokenDrill, Owner: w.Ref, LocalID: d.LocalID, Reason: d.BrokenReason})
	}
	return broken
}

// FlagFilterOverrides marks filter overrides that refer to a catalog object
// in missing as broken. It modifies w in place.
func FlagFilterOverrides(w *model.Widget, missing map[model.ObjRef]bool) []model.BrokenRef {
	var broken []model.BrokenRef
	for i := range w.FilterOverrides {
		f := &w.FilterOverrides[i]
		if f.Broken || !slices.ContainsFunc(f.CatalogRefs(), func(r model.ObjRef) bool { return missing[r] }) {
			continue
		}
		f.Broken, f.BrokenReason = true, BrokenCatalogMissing
		broken = append(broken, model.BrokenRef{Kind: model.BrokenFilterOverride, Owner: w.Ref, LocalID: f.LocalID, Reason: f.BrokenReason})
	}
	return broken
}

func sortedWidgetRefs(s *State) []model.ObjRef {
	refs := make([]model.ObjRef, 0, len(s.Dashboard.Widgets))
	for ref := range s.Dashboard.Widgets {
		refs = append(refs, ref)
	}
	slices.SortFunc(refs, func(a, b model.ObjRef) int {
		return cmp.Compare(a.String(), b.String())
	})
	return refs
}
