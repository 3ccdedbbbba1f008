package document

import (
	"testing"

	"github.com/pitabwire/tessera/model"
)

func kpi(id string) model.Widget {
	return model.Widget{Ref: model.WidgetRef(id), Kind: model.WidgetKPI, KPI: &model.KPIConfig{}}
}

func itemFor(id string, width int) model.Item {
	return model.Item{Size: model.ItemSize{GridWidth: width, GridHeight: 6}, Widget: model.RefPtr(model.WidgetRef(id))}
}

// testState returns a dashboard with one root section holding a (6) and
// b (4), and a nested layout widget "box" in a second section holding c.
func testState() *State {
	box := model.Widget{
		Ref:  model.WidgetRef("box"),
		Kind: model.WidgetLayout,
		Layout: &model.Layout{Sections: []model.Section{
			{Items: []model.Item{itemFor("c", 12)}},
		}},
	}
	return NewState(model.Dashboard{
		Ref:   model.NewRef(model.RefDashboard, "d1"),
		Title: "Sales",
		Layout: model.Layout{Sections: []model.Section{
			{Header: model.SectionHeader{Title: "Top"}, Items: []model.Item{itemFor("a", 6), itemFor("b", 4)}},
			{Items: []model.Item{itemFor("box", 12)}},
		}},
		Widgets: map[model.ObjRef]model.Widget{
			model.WidgetRef("a"):   kpi("a"),
			model.WidgetRef("b"):   kpi("b"),
			model.WidgetRef("c"):   kpi("c"),
			model.WidgetRef("box"): box,
		},
	})
}

// --- Apply ---

func TestStore_Apply_inverseRestoresDocument(t *testing.T) {
	st := testState()
	store := NewStore(st)
	before := st.Dashboard.Clone()

	c, err := store.Apply(Delta{
		PutWidget{Widget: kpi("n")},
		SpliceItems{Section: 0, Index: 1, Insert: []model.Item{itemFor("n", 2)}},
		SetSectionHeader{Container: model.WidgetRef("box"), Index: 0, Header: model.SectionHeader{Title: "Inner"}},
		SetMeta{Title: "Renamed"},
	})
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if c.Revision != 1 || c.Base != 0 {
		t.Errorf("revision = %d base = %d, want 1 and 0", c.Revision, c.Base)
	}
	if len(c.Forward) != 4 || len(c.Inverse) != 4 {
		t.Fatalf("forward/inverse = %d/%d, want 4/4", len(c.Forward), len(c.Inverse))
	}
	if got := store.Snapshot().Dashboard.Layout.Sections[0].Items[1].Widget.ID; got != "n" {
		t.Errorf("inserted widget = %q, want n", got)
	}

	if _, err := store.Apply(c.Inverse); err != nil {
		t.Fatalf("Apply inverse error: %v", err)
	}
	if !SameDocument(store.Snapshot().Dashboard, before) {
		t.Error("document after inverse differs from original")
	}
}

func TestStore_Apply_failureLeavesStateUntouched(t *testing.T) {
	st := testState()
	store := NewStore(st)

	_, err := store.Apply(Delta{
		SetMeta{Title: "changed"},
		RemoveSection{Index: 7},
	})
	if !model.IsReason(err, model.ReasonInvalidArguments) {
		t.Fatalf("err = %v, want InvalidArguments", err)
	}
	if store.Snapshot() != st {
		t.Error("snapshot replaced after failed delta")
	}
	if st.Dashboard.Title != "Sales" {
		t.Errorf("title = %q, want Sales", st.Dashboard.Title)
	}
}

func TestStore_Apply_entityRevisions(t *testing.T) {
	store := NewStore(testState())
	c, err := store.Apply(Delta{PutWidget{Widget: kpi("a")}, SetFilterContext{}})
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	want := []string{KeyFilters, "widget:a"}
	if len(c.Touched) != len(want) {
		t.Fatalf("Touched = %v, want %v", c.Touched, want)
	}
	for i := range want {
		if c.Touched[i] != want[i] {
			t.Errorf("Touched[%d] = %q, want %q", i, c.Touched[i], want[i])
		}
	}
	snap := store.Snapshot()
	if snap.EntityRevision("widget:a") != 1 || snap.EntityRevision("widget:b") != 0 {
		t.Errorf("entity revisions = %v", snap.Entities)
	}
}

func TestStore_Apply_layoutWidgetTouchesContainer(t *testing.T) {
	store := NewStore(testState())
	box, _ := store.Snapshot().Widget(model.WidgetRef("box"))
	box.Title = "Box"
	c, err := store.Apply(Delta{PutWidget{Widget: box}})
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if len(c.Touched) != 2 || c.Touched[0] != "layout:widget:box" {
		t.Errorf("Touched = %v, want layout and widget keys", c.Touched)
	}
}

func TestStore_Apply_ephemeralOnly(t *testing.T) {
	store := NewStore(testState())
	c, err := store.Apply(Delta{
		CacheCatalogItem{Item: model.CatalogItem{Ref: model.NewRef(model.RefMeasure, "m1"), Kind: model.CatalogMeasure}},
		SetUI{UI: UIState{SelectedWidget: model.RefPtr(model.WidgetRef("a"))}},
	})
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if c.Structural() {
		t.Error("ephemeral delta reported as structural")
	}
	snap := store.Snapshot()
	if snap.Revision != 0 {
		t.Errorf("Revision = %d, want 0", snap.Revision)
	}
	if _, ok := snap.Catalog[model.NewRef(model.RefMeasure, "m1")]; !ok {
		t.Error("catalog item not cached")
	}
	if snap.UI.SelectedWidget == nil {
		t.Error("selection not applied")
	}
}

func TestStore_Apply_empty(t *testing.T) {
	st := testState()
	store := NewStore(st)
	c, err := store.Apply(nil)
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if c.State != st || store.Snapshot() != st {
		t.Error("empty delta should keep the current state")
	}
}

func TestStore_Update_hooksRunAfterApply(t *testing.T) {
	store := NewStore(testState())
	var seen uint64
	_, err := store.Update(func(cur *State) (Delta, error) {
		return Delta{SetMeta{Title: cur.Dashboard.Title + "!"}}, nil
	}, func(c Commit) { seen = c.Revision })
	if err != nil {
		t.Fatalf("Update error: %v", err)
	}
	if seen != 1 {
		t.Errorf("hook saw revision %d, want 1", seen)
	}
	if got := store.Snapshot().Dashboard.Title; got != "Sales!" {
		t.Errorf("Title = %q, want Sales!", got)
	}
}

// --- Ops ---

func TestMoveSection_inverse(t *testing.T) {
	store := NewStore(testState())
	before := store.Snapshot().Dashboard.Clone()
	c, err := store.Apply(Delta{MoveSection{From: 0, To: 1}})
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if got := store.Snapshot().Dashboard.Layout.Sections[1].Header.Title; got != "Top" {
		t.Errorf("moved header = %q, want Top", got)
	}
	if _, err := store.Apply(c.Inverse); err != nil {
		t.Fatalf("Apply inverse error: %v", err)
	}
	if !SameDocument(store.Snapshot().Dashboard, before) {
		t.Error("move inverse did not restore order")
	}
}

func TestAlertOps_restorePosition(t *testing.T) {
	st := testState()
	st.Dashboard.Alerts = []model.Alert{
		{ID: "x", Widget: model.WidgetRef("a")},
		{ID: "y", Widget: model.WidgetRef("a")},
		{ID: "z", Widget: model.WidgetRef("b")},
	}
	store := NewStore(st)
	before := st.Dashboard.Clone()
	c, err := store.Apply(Delta{DeleteAlert{ID: "x"}, DeleteAlert{ID: "y"}})
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if n := len(store.Snapshot().Dashboard.Alerts); n != 1 {
		t.Fatalf("alerts = %d, want 1", n)
	}
	if _, err := store.Apply(c.Inverse); err != nil {
		t.Fatalf("Apply inverse error: %v", err)
	}
	if !SameDocument(store.Snapshot().Dashboard, before) {
		t.Errorf("alerts after inverse = %+v", store.Snapshot().Dashboard.Alerts)
	}
}

func TestDeleteWidget_clearsSelection(t *testing.T) {
	st := testState()
	st.UI.SelectedWidget = model.RefPtr(model.WidgetRef("a"))
	store := NewStore(st)
	if _, err := store.Apply(Delta{SpliceItems{Section: 0, Index: 0, Delete: 1}, DeleteWidget{Ref: model.WidgetRef("a")}}); err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	if store.Snapshot().UI.SelectedWidget != nil {
		t.Error("selection still points at deleted widget")
	}
}

func TestReplaceDocument_touchesEverything(t *testing.T) {
	store := NewStore(testState())
	c, err := store.Apply(Delta{ReplaceDocument{Dashboard: model.Dashboard{Title: "Fresh"}}})
	if err != nil {
		t.Fatalf("Apply error: %v", err)
	}
	snap := store.Snapshot()
	for _, key := range []string{"widget:a", "widget:c", "layout:widget:box", KeyRootLayout, KeyMeta} {
		if snap.EntityRevision(key) != c.Revision {
			t.Errorf("EntityRevision(%s) = %d, want %d", key, snap.EntityRevision(key), c.Revision)
		}
	}
	if len(snap.Dashboard.Widgets) != 0 {
		t.Errorf("widgets = %d, want 0", len(snap.Dashboard.Widgets))
	}
}
