// Package document holds the normalized dashboard state of one session and
// applies primitive operations to it atomically.
package document

import (
	"bytes"
	"encoding/json"
	"maps"
	"time"

	"github.com/pitabwire/tessera/model"
)

// Entity keys used for per-entity revisions.
const (
	KeyFilters    = "filters"
	KeyMeta       = "meta"
	KeyRootLayout = "layout:root"
)

// WidgetKey returns the entity key of a widget.
func WidgetKey(ref model.ObjRef) string { return ref.String() }

// LayoutKey returns the entity key of a layout container. The zero ref is
// the root layout.
func LayoutKey(container model.ObjRef) string {
	if container.IsZero() {
		return KeyRootLayout
	}
	return "layout:" + container.String()
}

// AlertKey returns the entity key of an alert.
func AlertKey(id string) string { return "alert:" + id }

// State is one immutable version of a session document. Values obtained
// from the Store must not be modified; operations apply to clones.
type State struct {
	Dashboard model.Dashboard
	Insights  map[model.ObjRef]model.InsightDefinition
	Catalog   map[model.ObjRef]model.CatalogItem
	UI        UIState

	// Revision increases with every commit that changes the document.
	Revision uint64
	// SavedRevision is the revision last persisted through the gateway.
	SavedRevision uint64
	// Entities maps entity keys to the revision that last touched them.
	Entities map[string]uint64
}

// UIState is ephemeral view state. It is never recorded in history.
type UIState struct {
	SelectedWidget *model.ObjRef `json:"selectedWidget,omitempty"`
	Dialog         *DialogLease  `json:"dialog,omitempty"`
}

// DialogLease grants one owner the right to show a modal dialog. Only the
// holder of Token can release it.
type DialogLease struct {
	Dialog string    `json:"dialog"`
	Token  string    `json:"token"`
	Owner  string    `json:"owner"`
	Since  time.Time `json:"since"`
}

// NewState returns the initial state of a session for a loaded dashboard.
func NewState(d model.Dashboard) *State {
	if d.Widgets == nil {
		d.Widgets = make(map[model.ObjRef]model.Widget)
	}
	return &State{
		Dashboard: d,
		Insights:  make(map[model.ObjRef]model.InsightDefinition),
		Catalog:   make(map[model.ObjRef]model.CatalogItem),
		Entities:  make(map[string]uint64),
	}
}

// Clone returns a deep copy of the document. Cached metadata values are
// immutable and shared.
func (s *State) Clone() *State {
	out := *s
	out.Dashboard = s.Dashboard.Clone()
	if out.Dashboard.Widgets == nil {
		out.Dashboard.Widgets = make(map[model.ObjRef]model.Widget)
	}
	out.Insights = maps.Clone(s.Insights)
	out.Catalog = maps.Clone(s.Catalog)
	out.Entities = maps.Clone(s.Entities)
	if out.Insights == nil {
		out.Insights = make(map[model.ObjRef]model.InsightDefinition)
	}
	if out.Catalog == nil {
		out.Catalog = make(map[model.ObjRef]model.CatalogItem)
	}
	if out.Entities == nil {
		out.Entities = make(map[string]uint64)
	}
	if s.UI.SelectedWidget != nil {
		ref := *s.UI.SelectedWidget
		out.UI.SelectedWidget = &ref
	}
	if s.UI.Dialog != nil {
		lease := *s.UI.Dialog
		out.UI.Dialog = &lease
	}
	return &out
}

// Widget returns a private copy of the widget with the given ref.
func (s *State) Widget(ref model.ObjRef) (model.Widget, bool) {
	w, ok := s.Dashboard.Widgets[ref]
	if !ok {
		return model.Widget{}, false
	}
	return w.Clone(), true
}

// Alert returns the alert with the given id and its position.
func (s *State) Alert(id string) (model.Alert, int, bool) {
	for i, a := range s.Dashboard.Alerts {
		if a.ID == id {
			return a.Clone(), i, true
		}
	}
	return model.Alert{}, -1, false
}

// EntityRevision returns the revision that last touched key, or 0.
func (s *State) EntityRevision(key string) uint64 {
	return s.Entities[key]
}

// Dirty reports whether the document changed since it was last saved.
func (s *State) Dirty() bool {
	return s.Revision != s.SavedRevision
}

// SameDocument reports whether two dashboards have the same public shape.
// Nil and empty collections compare equal.
func SameDocument(a, b model.Dashboard) bool {
	ab, errA := json.Marshal(a)
	bb, errB := json.Marshal(b)
	if errA != nil || errB != nil {
		return false
	}
	return bytes.Equal(ab, bb)
}
