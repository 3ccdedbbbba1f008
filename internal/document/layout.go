package document

import (
	"github.com/pitabwire/tessera/model"
)

// Grid height bounds, in grid rows.
const (
	MinGridHeight = 1
	MaxGridHeight = 40
)

var minWidths = map[string]int{
	model.WidgetKPI:      2,
	model.WidgetRichText: 2,
	model.WidgetInsight:  4,
	model.WidgetSwitcher: 4,
	model.WidgetLayout:   4,
}

// MinWidth returns the smallest grid width of a widget kind. Empty items
// (kind "") may be one unit wide. The result never exceeds columns.
func MinWidth(kind string, columns int) int {
	w, ok := minWidths[kind]
	if !ok {
		w = 1
	}
	return min(w, columns)
}

// ClampWidth bounds width to [MinWidth(kind), columns].
func ClampWidth(kind string, width, columns int) int {
	return max(MinWidth(kind, columns), min(width, columns))
}

// ClampHeight bounds height to [MinGridHeight, MaxGridHeight].
func ClampHeight(height int) int {
	return max(MinGridHeight, min(height, MaxGridHeight))
}

// FitWidth places an item of the given kind into a row with available free
// columns. The requested width is clamped to the kind's bounds and then
// shrunk to the free space when the kind still fits there; otherwise the
// width is kept and the item flows onto the next row.
func FitWidth(kind string, requested, available, columns int) (width int, clamped bool) {
	width = ClampWidth(kind, requested, columns)
	if width > available && available >= MinWidth(kind, columns) {
		width = available
	}
	return width, width != requested
}

// Rows flows the items of a section into rows greedily: an item starts a new
// row when it does not fit into the remaining columns of the current one.
// The result holds item indexes per row.
func Rows(items []model.Item, columns int) [][]int {
	var rows [][]int
	used := 0
	for i, it := range items {
		w := it.Size.GridWidth
		if len(rows) == 0 || used+w > columns {
			rows = append(rows, nil)
			used = 0
		}
		rows[len(rows)-1] = append(rows[len(rows)-1], i)
		used += w
	}
	return rows
}

// RowWidth sums the widths of the given item indexes.
func RowWidth(items []model.Item, row []int) int {
	sum := 0
	for _, i := range row {
		sum += items[i].Size.GridWidth
	}
	return sum
}

// AvailableWidth returns the free columns of the row an item inserted at
// index would join: the row of the item before it, or the first row when
// inserting at the front.
func AvailableWidth(items []model.Item, columns, index int) int {
	if len(items) == 0 {
		return columns
	}
	anchor := min(max(index-1, 0), len(items)-1)
	for _, row := range Rows(items, columns) {
		for _, i := range row {
			if i == anchor {
				return columns - RowWidth(items, row)
			}
		}
	}
	return columns
}

// Container returns the layout identified by container: the root layout
// for the zero ref, otherwise the nested layout of a layout widget.
func (s *State) Container(container model.ObjRef) (*model.Layout, error) {
	if container.IsZero() {
		return &s.Dashboard.Layout, nil
	}
	w, ok := s.Dashboard.Widgets[container]
	if !ok {
		return nil, model.InvalidArguments(model.CodeMissingLayout, "layout container %s does not exist", container)
	}
	if w.Kind != model.WidgetLayout || w.Layout == nil {
		return nil, model.InvalidArguments(model.CodeMissingLayout, "widget %s is not a layout", container)
	}
	return w.Layout, nil
}

// ResolvePath follows a layout path from the root and returns the ref of the
// addressed container (zero for the root) and its layout.
func (s *State) ResolvePath(path model.LayoutPath) (model.ObjRef, *model.Layout, error) {
	var container model.ObjRef
	layout := &s.Dashboard.Layout
	for depth, step := range path {
		it, err := itemAt(layout, step.Section, step.Item)
		if err != nil {
			return model.ObjRef{}, nil, err
		}
		if it.Widget == nil {
			return model.ObjRef{}, nil, model.InvalidArguments(model.CodeMissingLayout,
				"path step %d addresses an empty item", depth)
		}
		next, err := s.Container(*it.Widget)
		if err != nil {
			return model.ObjRef{}, nil, err
		}
		container, layout = *it.Widget, next
	}
	return container, layout, nil
}

func itemAt(l *model.Layout, section, index int) (model.Item, error) {
	if section < 0 || section >= len(l.Sections) {
		return model.Item{}, model.InvalidArguments(model.CodeMissingSection, "section %d does not exist", section)
	}
	items := l.Sections[section].Items
	if index < 0 || index >= len(items) {
		return model.Item{}, model.InvalidArguments(model.CodeMissingItem, "item %d of section %d does not exist", index, section)
	}
	return items[index], nil
}

// ItemAt returns the item at the given address of a layout.
func ItemAt(l *model.Layout, section, index int) (model.Item, error) {
	return itemAt(l, section, index)
}

// Placement locates a widget in the layout tree.
type Placement struct {
	Container model.ObjRef
	Section   int
	Index     int
}

// Walk visits every item of the layout tree depth first. Nested layouts are
// visited right after the item that holds them. Returning false stops.
func (s *State) Walk(fn func(p Placement, it model.Item) bool) {
	seen := make(map[model.ObjRef]bool)
	s.walk(model.ObjRef{}, &s.Dashboard.Layout, seen, fn)
}

func (s *State) walk(container model.ObjRef, l *model.Layout, seen map[model.ObjRef]bool, fn func(Placement, model.Item) bool) bool {
	for si, sec := range l.Sections {
		for ii, it := range sec.Items {
			if !fn(Placement{Container: container, Section: si, Index: ii}, it) {
				return false
			}
			if it.Widget == nil || seen[*it.Widget] {
				continue
			}
			w, ok := s.Dashboard.Widgets[*it.Widget]
			if !ok || w.Kind != model.WidgetLayout || w.Layout == nil {
				continue
			}
			seen[*it.Widget] = true
			if !s.walk(*it.Widget, w.Layout, seen, fn) {
				return false
			}
		}
	}
	return true
}

// FindWidget returns where ref is placed.
func (s *State) FindWidget(ref model.ObjRef) (Placement, bool) {
	var found Placement
	ok := false
	s.Walk(func(p Placement, it model.Item) bool {
		if it.Widget != nil && *it.Widget == ref {
			found, ok = p, true
			return false
		}
		return true
	})
	return found, ok
}

// WidgetRefs returns every widget ref reachable from the layout, in layout order.
func (s *State) WidgetRefs() []model.ObjRef {
	var refs []model.ObjRef
	s.Walk(func(_ Placement, it model.Item) bool {
		if it.Widget != nil {
			refs = append(refs, *it.Widget)
		}
		return true
	})
	return refs
}

// Descendants returns ref followed by every widget nested inside it when it
// is a layout widget.
func (s *State) Descendants(ref model.ObjRef) []model.ObjRef {
	out := []model.ObjRef{ref}
	w, ok := s.Dashboard.Widgets[ref]
	if !ok || w.Kind != model.WidgetLayout || w.Layout == nil {
		return out
	}
	seen := map[model.ObjRef]bool{ref: true}
	s.walk(ref, w.Layout, seen, func(_ Placement, it model.Item) bool {
		if it.Widget != nil {
			out = append(out, *it.Widget)
		}
		return true
	})
	return out
}

// SectionWidgets returns the widgets placed in a section, nested ones included.
func (s *State) SectionWidgets(l *model.Layout, section int) []model.ObjRef {
	var out []model.ObjRef
	for _, it := range l.Sections[section].Items {
		if it.Widget != nil {
			out = append(out, s.Descendants(*it.Widget)...)
		}
	}
	return out
}
