package document

import (
	"slices"

	"github.com/pitabwire/tessera/model"
)

// Op is a primitive document operation. Applying an op returns its exact
// inverse and the entity keys it touched. Ephemeral ops (caches, UI state,
// save markers) have no inverse and are never recorded in history.
type Op interface {
	Name() string
	apply(s *State) (inverse Op, touched []string, err error)
	ephemeral() bool
}

// Delta is an ordered sequence of operations applied atomically.
type Delta []Op

type structural struct{}

func (structural) ephemeral() bool { return false }

type transient struct{}

func (transient) ephemeral() bool { return true }

// --- Widgets ---

// PutWidget inserts or replaces a widget.
type PutWidget struct {
	structural
	Widget model.Widget
}

func (PutWidget) Name() string { return "put-widget" }

func (o PutWidget) apply(s *State) (Op, []string, error) {
	ref := o.Widget.Ref
	old, existed := s.Dashboard.Widgets[ref]
	s.Dashboard.Widgets[ref] = o.Widget.Clone()
	touched := widgetKeys(o.Widget)
	var inv Op = DeleteWidget{Ref: ref}
	if existed {
		inv = PutWidget{Widget: old}
		touched = append(touched, widgetKeys(old)...)
	}
	return inv, touched, nil
}

// DeleteWidget removes a widget from the widget map. Layout items pointing
// at it must be removed in the same delta.
type DeleteWidget struct {
	structural
	Ref model.ObjRef
}

func (DeleteWidget) Name() string { return "delete-widget" }

func (o DeleteWidget) apply(s *State) (Op, []string, error) {
	old, ok := s.Dashboard.Widgets[o.Ref]
	if !ok {
		return nil, nil, model.InvalidArguments(model.CodeMissingWidget, "widget %s does not exist", o.Ref)
	}
	delete(s.Dashboard.Widgets, o.Ref)
	if s.UI.SelectedWidget != nil && *s.UI.SelectedWidget == o.Ref {
		s.UI.SelectedWidget = nil
	}
	return PutWidget{Widget: old}, widgetKeys(old), nil
}

func widgetKeys(w model.Widget) []string {
	keys := []string{WidgetKey(w.Ref)}
	if w.Kind == model.WidgetLayout {
		keys = append(keys, LayoutKey(w.Ref))
	}
	return keys
}

// --- Sections ---

// InsertSection inserts a section at Index of a container.
type InsertSection struct {
	structural
	Container model.ObjRef
	Index     int
	Section   model.Section
}

func (InsertSection) Name() string { return "insert-section" }

func (o InsertSection) apply(s *State) (Op, []string, error) {
	l, err := s.Container(o.Container)
	if err != nil {
		return nil, nil, err
	}
	if o.Index < 0 || o.Index > len(l.Sections) {
		return nil, nil, model.InvalidArguments(model.CodeInvalidIndex, "section index %d out of range", o.Index)
	}
	l.Sections = slices.Insert(l.Sections, o.Index, o.Section.Clone())
	return RemoveSection{Container: o.Container, Index: o.Index}, []string{LayoutKey(o.Container)}, nil
}

// RemoveSection removes the section at Index of a container.
type RemoveSection struct {
	structural
	Container model.ObjRef
	Index     int
}

func (RemoveSection) Name() string { return "remove-section" }

func (o RemoveSection) apply(s *State) (Op, []string, error) {
	l, err := s.Container(o.Container)
	if err != nil {
		return nil, nil, err
	}
	if o.Index < 0 || o.Index >= len(l.Sections) {
		return nil, nil, model.InvalidArguments(model.CodeMissingSection, "section %d does not exist", o.Index)
	}
	old := l.Sections[o.Index]
	l.Sections = slices.Delete(l.Sections, o.Index, o.Index+1)
	return InsertSection{Container: o.Container, Index: o.Index, Section: old}, []string{LayoutKey(o.Container)}, nil
}

// MoveSection moves a section from one index to another.
type MoveSection struct {
	structural
	Container model.ObjRef
	From, To  int
}

func (MoveSection) Name() string { return "move-section" }

func (o MoveSection) apply(s *State) (Op, []string, error) {
	l, err := s.Container(o.Container)
	if err != nil {
		return nil, nil, err
	}
	n := len(l.Sections)
	if o.From < 0 || o.From >= n || o.To < 0 || o.To >= n {
		return nil, nil, model.InvalidArguments(model.CodeInvalidIndex, "cannot move section %d to %d", o.From, o.To)
	}
	sec := l.Sections[o.From]
	l.Sections = slices.Delete(l.Sections, o.From, o.From+1)
	l.Sections = slices.Insert(l.Sections, o.To, sec)
	return MoveSection{Container: o.Container, From: o.To, To: o.From}, []string{LayoutKey(o.Container)}, nil
}

// SetSectionHeader replaces the header of a section.
type SetSectionHeader struct {
	structural
	Container model.ObjRef
	Index     int
	Header    model.SectionHeader
}

func (SetSectionHeader) Name() string { return "set-section-header" }

func (o SetSectionHeader) apply(s *State) (Op, []string, error) {
	l, err := s.Container(o.Container)
	if err != nil {
		return nil, nil, err
	}
	if o.Index < 0 || o.Index >= len(l.Sections) {
		return nil, nil, model.InvalidArguments(model.CodeMissingSection, "section %d does not exist", o.Index)
	}
	old := l.Sections[o.Index].Header
	l.Sections[o.Index].Header = o.Header
	return SetSectionHeader{Container: o.Container, Index: o.Index, Header: old}, []string{LayoutKey(o.Container)}, nil
}

// --- Items ---

// SpliceItems removes Delete items at Index of a section and inserts Insert
// in their place.
type SpliceItems struct {
	structural
	Container model.ObjRef
	Section   int
	Index     int
	Delete    int
	Insert    []model.Item
}

func (SpliceItems) Name() string { return "splice-section-items" }

func (o SpliceItems) apply(s *State) (Op, []string, error) {
	l, err := s.Container(o.Container)
	if err != nil {
		return nil, nil, err
	}
	if o.Section < 0 || o.Section >= len(l.Sections) {
		return nil, nil, model.InvalidArguments(model.CodeMissingSection, "section %d does not exist", o.Section)
	}
	items := l.Sections[o.Section].Items
	if o.Index < 0 || o.Delete < 0 || o.Index+o.Delete > len(items) {
		return nil, nil, model.InvalidArguments(model.CodeInvalidIndex,
			"cannot splice %d items at %d of section %d", o.Delete, o.Index, o.Section)
	}
	removed := make([]model.Item, o.Delete)
	copy(removed, items[o.Index:o.Index+o.Delete])
	inserted := make([]model.Item, len(o.Insert))
	for i, it := range o.Insert {
		inserted[i] = it.Clone()
	}
	items = slices.Delete(items, o.Index, o.Index+o.Delete)
	l.Sections[o.Section].Items = slices.Insert(items, o.Index, inserted...)
	inv := SpliceItems{Container: o.Container, Section: o.Section, Index: o.Index, Delete: len(o.Insert), Insert: removed}
	return inv, []string{LayoutKey(o.Container)}, nil
}

// SetItemSize changes the grid size of one item.
type SetItemSize struct {
	structural
	Container model.ObjRef
	Section   int
	Index     int
	Size      model.ItemSize
}

func (SetItemSize) Name() string { return "set-item-size" }

func (o SetItemSize) apply(s *State) (Op, []string, error) {
	l, err := s.Container(o.Container)
	if err != nil {
		return nil, nil, err
	}
	if _, err := itemAt(l, o.Section, o.Index); err != nil {
		return nil, nil, err
	}
	it := &l.Sections[o.Section].Items[o.Index]
	old := it.Size
	it.Size = o.Size
	return SetItemSize{Container: o.Container, Section: o.Section, Index: o.Index, Size: old}, []string{LayoutKey(o.Container)}, nil
}

// --- Filters, alerts, meta ---

// SetFilterContext replaces the dashboard filters.
type SetFilterContext struct {
	structural
	Filters model.FilterContext
}

func (SetFilterContext) Name() string { return "set-filter" }

func (o SetFilterContext) apply(s *State) (Op, []string, error) {
	old := s.Dashboard.Filters
	s.Dashboard.Filters = o.Filters.Clone()
	return SetFilterContext{Filters: old}, []string{KeyFilters}, nil
}

// PutAlert replaces the alert with the same id in place, or inserts it at
// Index (appending when Index is out of range).
type PutAlert struct {
	structural
	Alert model.Alert
	Index int
}

func (PutAlert) Name() string { return "put-alert" }

func (o PutAlert) apply(s *State) (Op, []string, error) {
	keys := []string{AlertKey(o.Alert.ID)}
	if old, i, ok := s.Alert(o.Alert.ID); ok {
		s.Dashboard.Alerts[i] = o.Alert.Clone()
		return PutAlert{Alert: old, Index: i}, keys, nil
	}
	idx := o.Index
	if idx < 0 || idx > len(s.Dashboard.Alerts) {
		idx = len(s.Dashboard.Alerts)
	}
	s.Dashboard.Alerts = slices.Insert(s.Dashboard.Alerts, idx, o.Alert.Clone())
	return DeleteAlert{ID: o.Alert.ID}, keys, nil
}

// DeleteAlert removes an alert.
type DeleteAlert struct {
	structural
	ID string
}

func (DeleteAlert) Name() string { return "delete-alert" }

func (o DeleteAlert) apply(s *State) (Op, []string, error) {
	old, i, ok := s.Alert(o.ID)
	if !ok {
		return nil, nil, model.InvalidArguments(model.CodeMissingAlert, "alert %s does not exist", o.ID)
	}
	s.Dashboard.Alerts = slices.Delete(s.Dashboard.Alerts, i, i+1)
	return PutAlert{Alert: old, Index: i}, []string{AlertKey(o.ID)}, nil
}

// SetMeta changes the dashboard title and description.
type SetMeta struct {
	structural
	Title       string
	Description string
}

func (SetMeta) Name() string { return "set-meta" }

func (o SetMeta) apply(s *State) (Op, []string, error) {
	inv := SetMeta{Title: s.Dashboard.Title, Description: s.Dashboard.Description}
	s.Dashboard.Title, s.Dashboard.Description = o.Title, o.Description
	return inv, []string{KeyMeta}, nil
}

// ReplaceDocument swaps the whole dashboard, e.g. after a reload.
type ReplaceDocument struct {
	structural
	Dashboard model.Dashboard
}

func (ReplaceDocument) Name() string { return "replace-document" }

func (o ReplaceDocument) apply(s *State) (Op, []string, error) {
	old := s.Dashboard
	touched := append(documentKeys(old), documentKeys(o.Dashboard)...)
	s.Dashboard = o.Dashboard.Clone()
	if s.Dashboard.Widgets == nil {
		s.Dashboard.Widgets = make(map[model.ObjRef]model.Widget)
	}
	s.UI = UIState{Dialog: s.UI.Dialog}
	return ReplaceDocument{Dashboard: old}, touched, nil
}

func documentKeys(d model.Dashboard) []string {
	keys := []string{KeyMeta, KeyFilters, KeyRootLayout}
	for _, w := range d.Widgets {
		keys = append(keys, widgetKeys(w)...)
	}
	for _, a := range d.Alerts {
		keys = append(keys, AlertKey(a.ID))
	}
	return keys
}

// --- Ephemeral ---

// CacheInsight stores a fetched insight definition.
type CacheInsight struct {
	transient
	Insight model.InsightDefinition
}

func (CacheInsight) Name() string { return "cache-insight" }

func (o CacheInsight) apply(s *State) (Op, []string, error) {
	s.Insights[o.Insight.Ref] = o.Insight
	return nil, nil, nil
}

// CacheCatalogItem stores a fetched catalog item.
type CacheCatalogItem struct {
	transient
	Item model.CatalogItem
}

func (CacheCatalogItem) Name() string { return "cache-catalog-item" }

func (o CacheCatalogItem) apply(s *State) (Op, []string, error) {
	s.Catalog[o.Item.Ref] = o.Item
	return nil, nil, nil
}

// SetUI replaces the ephemeral view state.
type SetUI struct {
	transient
	UI UIState
}

func (SetUI) Name() string { return "set-ui" }

func (o SetUI) apply(s *State) (Op, []string, error) {
	s.UI = o.UI
	return nil, nil, nil
}

// MarkSaved records a successful persist.
type MarkSaved struct {
	transient
	Version  int
	Revision uint64
}

func (MarkSaved) Name() string { return "mark-saved" }

func (o MarkSaved) apply(s *State) (Op, []string, error) {
	s.Dashboard.Version = o.Version
	s.SavedRevision = o.Revision
	return nil, nil, nil
}
