package document

import (
	"testing"

	"github.com/pitabwire/tessera/model"
)

func widths(ws ...int) []model.Item {
	items := make([]model.Item, len(ws))
	for i, w := range ws {
		items[i] = model.Item{Size: model.ItemSize{GridWidth: w, GridHeight: 4}}
	}
	return items
}

func TestRows_greedyFlow(t *testing.T) {
	rows := Rows(widths(6, 4, 4, 12, 2), 12)
	want := [][]int{{0, 1}, {2}, {3}, {4}}
	if len(rows) != len(want) {
		t.Fatalf("rows = %v, want %v", rows, want)
	}
	for i := range want {
		if len(rows[i]) != len(want[i]) {
			t.Fatalf("row %d = %v, want %v", i, rows[i], want[i])
		}
		for j := range want[i] {
			if rows[i][j] != want[i][j] {
				t.Errorf("row %d = %v, want %v", i, rows[i], want[i])
			}
		}
	}
}

func TestAvailableWidth(t *testing.T) {
	items := widths(6, 4, 8)
	tests := []struct {
		index int
		want  int
	}{
		{0, 2},  // joins first row
		{1, 2},  // after item 0
		{2, 2},  // after item 1, same row
		{3, 4},  // after item 2, second row
		{-1, 2}, // clamps to first row
	}
	for _, tt := range tests {
		if got := AvailableWidth(items, 12, tt.index); got != tt.want {
			t.Errorf("AvailableWidth(index=%d) = %d, want %d", tt.index, got, tt.want)
		}
	}
	if got := AvailableWidth(nil, 12, 0); got != 12 {
		t.Errorf("AvailableWidth(empty) = %d, want 12", got)
	}
}

func TestFitWidth(t *testing.T) {
	tests := []struct {
		name      string
		kind      string
		requested int
		available int
		want      int
		clamped   bool
	}{
		{"fits", model.WidgetKPI, 4, 6, 4, false},
		{"shrinks into row", model.WidgetKPI, 6, 2, 2, true},
		{"too narrow for kind wraps", model.WidgetInsight, 6, 2, 6, false},
		{"over max", model.WidgetKPI, 20, 12, 12, true},
		{"under min", model.WidgetInsight, 1, 12, 4, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, clamped := FitWidth(tt.kind, tt.requested, tt.available, 12)
			if got != tt.want || clamped != tt.clamped {
				t.Errorf("FitWidth() = %d,%v, want %d,%v", got, clamped, tt.want, tt.clamped)
			}
		})
	}
}

func TestClampHeight(t *testing.T) {
	if got := ClampHeight(0); got != MinGridHeight {
		t.Errorf("ClampHeight(0) = %d, want %d", got, MinGridHeight)
	}
	if got := ClampHeight(99); got != MaxGridHeight {
		t.Errorf("ClampHeight(99) = %d, want %d", got, MaxGridHeight)
	}
}

func TestMinWidth_cappedByColumns(t *testing.T) {
	if got := MinWidth(model.WidgetInsight, 3); got != 3 {
		t.Errorf("MinWidth(insight, 3) = %d, want 3", got)
	}
	if got := MinWidth("", 12); got != 1 {
		t.Errorf("MinWidth(empty item) = %d, want 1", got)
	}
}

// --- Navigation ---

func TestState_ResolvePath(t *testing.T) {
	st := testState()
	ref, l, err := st.ResolvePath(nil)
	if err != nil || !ref.IsZero() || l != &st.Dashboard.Layout {
		t.Fatalf("ResolvePath(nil) = %v, %p, %v", ref, l, err)
	}
	ref, l, err = st.ResolvePath(model.LayoutPath{{Section: 1, Item: 0}})
	if err != nil {
		t.Fatalf("ResolvePath nested error: %v", err)
	}
	if ref != model.WidgetRef("box") || len(l.Sections) != 1 {
		t.Errorf("ResolvePath nested = %v with %d sections", ref, len(l.Sections))
	}
	_, _, err = st.ResolvePath(model.LayoutPath{{Section: 0, Item: 0}})
	if !model.IsReason(err, model.ReasonInvalidArguments) {
		t.Errorf("ResolvePath into KPI err = %v, want InvalidArguments", err)
	}
	_, _, err = st.ResolvePath(model.LayoutPath{{Section: 5, Item: 0}})
	if err == nil {
		t.Error("ResolvePath out of range err = nil")
	}
}

func TestState_FindWidget_nested(t *testing.T) {
	st := testState()
	p, ok := st.FindWidget(model.WidgetRef("c"))
	if !ok {
		t.Fatal("FindWidget(c) not found")
	}
	if p.Container != model.WidgetRef("box") || p.Section != 0 || p.Index != 0 {
		t.Errorf("placement = %+v", p)
	}
	if _, ok := st.FindWidget(model.WidgetRef("zzz")); ok {
		t.Error("FindWidget(zzz) found")
	}
}

func TestState_WidgetRefs_and_Descendants(t *testing.T) {
	st := testState()
	refs := st.WidgetRefs()
	want := []string{"a", "b", "box", "c"}
	if len(refs) != len(want) {
		t.Fatalf("WidgetRefs = %v", refs)
	}
	for i, id := range want {
		if refs[i].ID != id {
			t.Errorf("WidgetRefs[%d] = %s, want %s", i, refs[i].ID, id)
		}
	}
	if d := st.Descendants(model.WidgetRef("box")); len(d) != 2 {
		t.Errorf("Descendants(box) = %v, want box and c", d)
	}
	if d := st.Descendants(model.WidgetRef("a")); len(d) != 1 {
		t.Errorf("Descendants(a) = %v, want [a]", d)
	}
}

func TestState_Walk_selfReferenceTerminates(t *testing.T) {
	st := testState()
	box := st.Dashboard.Widgets[model.WidgetRef("box")]
	box.Layout.Sections[0].Items = append(box.Layout.Sections[0].Items, itemFor("box", 4))
	count := 0
	st.Walk(func(Placement, model.Item) bool { count++; return count < 100 })
	if count >= 100 {
		t.Error("Walk did not terminate on a self-referencing layout")
	}
}
