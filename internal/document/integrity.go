package document

import (
	"fmt"

	"github.com/pitabwire/tessera/model"
)

// Violation kinds reported by CheckIntegrity.
const (
	ViolationDanglingItem   = "danglingItem"
	ViolationDuplicateItem  = "duplicateItem"
	ViolationOrphanWidget   = "orphanWidget"
	ViolationRefMismatch    = "refMismatch"
	ViolationGridWidth      = "gridWidth"
	ViolationGridRow        = "gridRow"
	ViolationAlertWidget    = "alertWidget"
	ViolationDanglingDrill  = "danglingDrill"
	ViolationDanglingFilter = "danglingFilter"
)

// Violation is one broken document invariant.
type Violation struct {
	Kind   string
	Detail string
}

func (v Violation) String() string { return v.Kind + ": " + v.Detail }

// CheckIntegrity verifies referential integrity and grid invariants of the
// whole document. A healthy document yields no violations. References that
// no longer resolve are allowed only when flagged broken.
func CheckIntegrity(s *State) []Violation {
	var out []Violation
	add := func(kind, format string, args ...any) {
		out = append(out, Violation{Kind: kind, Detail: fmt.Sprintf(format, args...)})
	}

	placed := make(map[model.ObjRef]int)
	s.Walk(func(p Placement, it model.Item) bool {
		if it.Widget == nil {
			return true
		}
		placed[*it.Widget]++
		if _, ok := s.Dashboard.Widgets[*it.Widget]; !ok {
			add(ViolationDanglingItem, "item %d/%d in %s points at missing %s", p.Section, p.Index, LayoutKey(p.Container), it.Widget)
		}
		return true
	})
	for ref, n := range placed {
		if n > 1 {
			add(ViolationDuplicateItem, "%s placed %d times", ref, n)
		}
	}

	filterIDs := make(map[string]bool)
	for _, af := range s.Dashboard.Filters.AttributeFilters {
		filterIDs[af.LocalID] = true
	}

	for ref, w := range s.Dashboard.Widgets {
		if w.Ref != ref {
			add(ViolationRefMismatch, "widget keyed %s carries ref %s", ref, w.Ref)
		}
		if placed[ref] == 0 {
			add(ViolationOrphanWidget, "%s is not placed in the layout", ref)
		}
		for _, d := range w.Drills {
			if d.Broken || d.Type != model.DrillToWidget || d.Target == nil {
				continue
			}
			if _, ok := s.Dashboard.Widgets[*d.Target]; !ok {
				add(ViolationDanglingDrill, "drill %s of %s targets missing %s", d.LocalID, ref, d.Target)
			}
		}
		for _, f := range w.IgnoredFilters {
			if !f.Broken && !filterIDs[f.FilterLocalID] {
				add(ViolationDanglingFilter, "%s ignores missing filter %s", ref, f.FilterLocalID)
			}
		}
	}

	for _, a := range s.Dashboard.Alerts {
		if _, ok := s.Dashboard.Widgets[a.Widget]; !ok {
			add(ViolationAlertWidget, "alert %s belongs to missing %s", a.ID, a.Widget)
		}
		if a.Broken {
			continue
		}
		for _, id := range a.Filters {
			if !filterIDs[id] {
				add(ViolationDanglingFilter, "alert %s uses missing filter %s", a.ID, id)
			}
		}
	}

	out = append(out, CheckGrid(s)...)
	return out
}

// CheckGrid verifies that every item width is within the column count of
// its layout and that no flowed row exceeds it.
func CheckGrid(s *State) []Violation {
	var out []Violation
	check := func(key string, l *model.Layout) {
		cols := l.GridColumns()
		for si, sec := range l.Sections {
			for ii, it := range sec.Items {
				if it.Size.GridWidth < 1 || it.Size.GridWidth > cols {
					out = append(out, Violation{ViolationGridWidth,
						fmt.Sprintf("%s item %d/%d width %d outside 1..%d", key, si, ii, it.Size.GridWidth, cols)})
				}
			}
			for ri, row := range Rows(sec.Items, cols) {
				if w := RowWidth(sec.Items, row); w > cols && len(row) > 1 {
					out = append(out, Violation{ViolationGridRow,
						fmt.Sprintf("%s section %d row %d width %d exceeds %d", key, si, ri, w, cols)})
				}
			}
		}
	}
	check(KeyRootLayout, &s.Dashboard.Layout)
	for ref, w := range s.Dashboard.Widgets {
		if w.Kind == model.WidgetLayout && w.Layout != nil {
			check(LayoutKey(ref), w.Layout)
		}
	}
	return out
}
