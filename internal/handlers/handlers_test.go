package handlers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pitabwire/tessera/internal/command"
	"github.com/pitabwire/tessera/internal/document"
	"github.com/pitabwire/tessera/internal/eventbus"
	"github.com/pitabwire/tessera/internal/history"
	"github.com/pitabwire/tessera/model"
)

// --- Fake gateway ---

type fakeGateway struct {
	mu         sync.Mutex
	catalog    map[model.ObjRef]model.CatalogItem
	insights   map[model.ObjRef]model.InsightDefinition
	dashboards map[model.ObjRef]model.Dashboard
	gates      map[model.ObjRef]chan struct{}
	fail       error
	calls      int
	persisted  []model.Dashboard
}

func newFakeGateway() *fakeGateway {
	return &fakeGateway{
		catalog: map[model.ObjRef]model.CatalogItem{
			refMeasure:     {Kind: model.CatalogMeasure, Title: "Revenue"},
			refRegionDF:    {Kind: model.CatalogDisplayForm, Title: "Region"},
			refCountryDF:   {Kind: model.CatalogDisplayForm, Title: "Country"},
			refDateDataSet: {Kind: model.CatalogDateDataSet, Title: "Created"},
		},
		insights: map[model.ObjRef]model.InsightDefinition{
			refSales: {Title: "Sales", Measures: []model.InsightBucket{{LocalID: "m1", Item: refMeasure}}, Attributes: []model.InsightBucket{{LocalID: "a1"}}},
			refCosts: {Title: "Costs", Measures: []model.InsightBucket{{LocalID: "m2", Item: refMeasure}}},
		},
		dashboards: map[model.ObjRef]model.Dashboard{
			refOtherDashboard: {Ref: refOtherDashboard, Title: "Other"},
		},
		gates: make(map[model.ObjRef]chan struct{}),
	}
}

// gate makes lookups of ref block until the returned function is called.
func (g *fakeGateway) gate(ref model.ObjRef) (release func()) {
	ch := make(chan struct{})
	g.mu.Lock()
	g.gates[ref] = ch
	g.mu.Unlock()
	var once sync.Once
	return func() { once.Do(func() { close(ch) }) }
}

func (g *fakeGateway) enter(ctx context.Context, ref model.ObjRef) error {
	g.mu.Lock()
	g.calls++
	gate, fail := g.gates[ref], g.fail
	g.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return model.AsFailure(ctx.Err())
		}
	}
	return fail
}

func (g *fakeGateway) LoadCatalogItem(ctx context.Context, ref model.ObjRef) (model.CatalogItem, error) {
	if err := g.enter(ctx, ref); err != nil {
		return model.CatalogItem{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	item, ok := g.catalog[ref]
	if !ok {
		return model.CatalogItem{}, model.NotFound(ref)
	}
	item.Ref = ref
	return item, nil
}

func (g *fakeGateway) LoadInsight(ctx context.Context, ref model.ObjRef) (model.InsightDefinition, error) {
	if err := g.enter(ctx, ref); err != nil {
		return model.InsightDefinition{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	def, ok := g.insights[ref]
	if !ok {
		return model.InsightDefinition{}, model.NotFound(ref)
	}
	def.Ref = ref
	return def, nil
}

func (g *fakeGateway) LoadDashboard(ctx context.Context, ref model.ObjRef) (model.Dashboard, error) {
	if err := g.enter(ctx, ref); err != nil {
		return model.Dashboard{}, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	d, ok := g.dashboards[ref]
	if !ok {
		return model.Dashboard{}, model.NotFound(ref)
	}
	return d.Clone(), nil
}

func (g *fakeGateway) Persist(ctx context.Context, d model.Dashboard) (int, error) {
	if err := g.enter(ctx, d.Ref); err != nil {
		return 0, err
	}
	g.mu.Lock()
	defer g.mu.Unlock()
	d = d.Clone()
	d.Version = len(g.persisted) + 1
	g.persisted = append(g.persisted, d)
	g.dashboards[d.Ref] = d
	return d.Version, nil
}

func (g *fakeGateway) callCount() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.calls
}

// --- Fixtures ---

var (
	refDashboard      = model.NewRef(model.RefDashboard, "d1")
	refOtherDashboard = model.NewRef(model.RefDashboard, "d2")
	refMeasure        = model.NewRef(model.RefMeasure, "revenue")
	refRegionDF       = model.NewRef(model.RefDisplayForm, "region")
	refCountryDF      = model.NewRef(model.RefDisplayForm, "country")
	refDateDataSet    = model.NewRef(model.RefDateDataSet, "created")
	refSales          = model.NewRef(model.RefInsight, "sales")
	refCosts          = model.NewRef(model.RefInsight, "costs")

	refKPI     = model.WidgetRef("k1")
	refInsight = model.WidgetRef("i1")
	refText    = model.WidgetRef("r1")
)

func item(ref model.ObjRef, width int) model.Item {
	return model.Item{Size: model.ItemSize{GridWidth: width, GridHeight: 8}, Widget: model.RefPtr(ref)}
}

// fixture is a dashboard with a KPI and an insight widget in one section.
// The insight drills to the KPI, ignores the region filter and an alert
// watches the KPI.
func fixture() model.Dashboard {
	return model.Dashboard{
		Title: "Fixture",
		Layout: model.Layout{Sections: []model.Section{
			{Header: model.SectionHeader{Title: "Top"}, Items: []model.Item{item(refKPI, 4), item(refInsight, 6)}},
		}},
		Widgets: map[model.ObjRef]model.Widget{
			refKPI: {Ref: refKPI, Kind: model.WidgetKPI, Title: "Revenue", KPI: &model.KPIConfig{
				Measure: model.RefPtr(refMeasure), ComparisonType: model.ComparisonNone,
			}},
			refInsight: {
				Ref: refInsight, Kind: model.WidgetInsight, Title: "Sales", Insight: model.RefPtr(refSales),
				IgnoredFilters: []model.IgnoredFilter{{FilterLocalID: "region"}},
				Drills: []model.Drill{{LocalID: "d1", Type: model.DrillToWidget, Origin: "m1", Target: model.RefPtr(refKPI)}},
			},
		},
		Filters: model.FilterContext{AttributeFilters: []model.AttributeFilter{
			{LocalID: "region", DisplayForm: refRegionDF, Title: "Region"},
		}},
		Alerts: []model.Alert{{ID: "a1", Widget: refKPI, Threshold: 10, WhenTriggered: model.AlertAboveThreshold, Filters: []string{"region"}}},
	}
}

// --- Harness ---

type harness struct {
	d     *command.Dispatcher
	store *document.Store
	hist  *history.Manager
	bus   *eventbus.Bus
	gw    *fakeGateway
}

func newHarness(t *testing.T, initial model.Dashboard) *harness {
	t.Helper()
	initial.Ref = refDashboard
	h := &harness{
		store: document.NewStore(document.NewState(initial)),
		hist:  history.NewManager(0),
		bus:   eventbus.New(refDashboard),
		gw:    newFakeGateway(),
	}
	h.d = command.NewDispatcher(refDashboard, h.store, h.hist, h.bus, h.gw)
	var n atomic.Int64
	RegisterAll(h.d, WithIDGenerator(func() string { return fmt.Sprintf("id%d", n.Add(1)) }))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = h.d.Shutdown(ctx)
	})
	return h
}

func (h *harness) dispatch(t *testing.T, p model.Payload) string {
	t.Helper()
	id, err := h.d.Dispatch(context.Background(), model.NewCommand(p))
	if err != nil {
		t.Fatalf("Dispatch(%s) error: %v", p.CommandType(), err)
	}
	return id
}

func (h *harness) await(t *testing.T, id string) model.Event {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	ev, err := h.bus.AwaitCorrelation(ctx, id)
	if err != nil {
		t.Fatalf("AwaitCorrelation(%s) error: %v", id, err)
	}
	return ev
}

func (h *harness) run(t *testing.T, p model.Payload) model.Event {
	t.Helper()
	return h.await(t, h.dispatch(t, p))
}

func (h *harness) mustSucceed(t *testing.T, p model.Payload) model.Event {
	t.Helper()
	ev := h.run(t, p)
	if ev.Error != nil {
		t.Fatalf("%s failed: %v", p.CommandType(), ev.Error)
	}
	return ev
}

func (h *harness) mustFail(t *testing.T, p model.Payload, reason, code string) model.Event {
	t.Helper()
	ev := h.run(t, p)
	if ev.Error == nil {
		t.Fatalf("%s succeeded with %s, want %s/%s", p.CommandType(), ev.Type, reason, code)
	}
	if ev.Type != model.EventCommandFailed || ev.Error.Reason != reason || (code != "" && ev.Error.Code != code) {
		t.Fatalf("%s failed with %s %s/%s, want %s/%s", p.CommandType(), ev.Type, ev.Error.Reason, ev.Error.Code, reason, code)
	}
	return ev
}

func (h *harness) state() *document.State { return h.store.Snapshot() }

func assertIntact(t *testing.T, s *document.State) {
	t.Helper()
	if v := document.CheckIntegrity(s); len(v) > 0 {
		t.Fatalf("integrity violations: %v", v)
	}
}

func payload[T any](t *testing.T, ev model.Event) T {
	t.Helper()
	p, ok := ev.Payload.(T)
	if !ok {
		t.Fatalf("%s payload is %T", ev.Type, ev.Payload)
	}
	return p
}

// --- Registration ---

func TestRegisterAll_coversEveryCommandType(t *testing.T) {
	h := &handlers{newID: func() string { return "x" }}
	registered := make(map[string]bool)
	for _, reg := range h.registrations() {
		if registered[reg.Type] {
			t.Errorf("%s registered twice", reg.Type)
		}
		registered[reg.Type] = true
		if reg.Capability == "" {
			t.Errorf("%s has no capability", reg.Type)
		}
	}
	for _, typ := range model.CommandTypes() {
		if !registered[typ] {
			t.Errorf("no handler for %s", typ)
		}
	}
}

func TestWidgetStream(t *testing.T) {
	tests := []struct {
		name string
		cmd  model.Command
		want string
	}{
		{"widget header", model.NewCommand(model.ChangeWidgetHeader{Ref: refKPI}), "widget:widget:k1"},
		{"drills", model.NewCommand(model.SetDrillsForWidget{Ref: refInsight}), "widget:widget:i1"},
		{"other payload", model.NewCommand(model.RenameDashboard{}), model.CmdRenameDashboard},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := widgetStream(tt.cmd); got != tt.want {
				t.Errorf("widgetStream = %q, want %q", got, tt.want)
			}
		})
	}
}

func TestPayloadAs(t *testing.T) {
	var nilRename *model.RenameDashboard
	tests := []struct {
		name   string
		p      model.Payload
		want   string
		wantOK bool
	}{
		{"value", model.RenameDashboard{Title: "A"}, "A", true},
		{"pointer", &model.RenameDashboard{Title: "B"}, "B", true},
		{"nil pointer", nilRename, "", false},
		{"other type", model.Undo{}, "", false},
		{"nil", nil, "", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, ok := payloadAs[model.RenameDashboard](tt.p)
			if ok != tt.wantOK || got.Title != tt.want {
				t.Errorf("payloadAs = %+v, %v; want title %q, %v", got, ok, tt.want, tt.wantOK)
			}
		})
	}
}

func TestResolveCatalog_cachesFetchedItems(t *testing.T) {
	h := newHarness(t, fixture())
	h.mustSucceed(t, model.ChangeKpiWidgetMeasure{Ref: refKPI, Measure: refMeasure})
	if _, ok := h.state().Catalog[refMeasure]; !ok {
		t.Fatal("measure not cached after lookup")
	}
	calls := h.gw.callCount()
	h.mustSucceed(t, model.ChangeKpiWidgetMeasure{Ref: refKPI, Measure: refMeasure})
	if got := h.gw.callCount(); got != calls {
		t.Errorf("gateway calls = %d after cached lookup, want %d", got, calls)
	}
}

func TestResolveCatalog_wrongKindIsRejected(t *testing.T) {
	h := newHarness(t, fixture())
	h.mustFail(t, model.ChangeKpiWidgetMeasure{Ref: refKPI, Measure: refRegionDF}, model.ReasonInvalidArguments, model.CodeMissingMeasure)
}
