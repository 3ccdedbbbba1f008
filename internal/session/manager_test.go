package session

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/pitabwire/tessera/internal/config"
	"github.com/pitabwire/tessera/internal/gateway"
	"github.com/pitabwire/tessera/model"
)

var refOverview = model.NewRef(model.RefDashboard, "overview")

const fixture = `
dashboards:
  - ref: dashboard:overview
    title: Overview
`

// countingGateway counts dashboard loads of the wrapped gateway.
type countingGateway struct {
	model.Gateway
	loads atomic.Int32
	delay time.Duration
}

func (g *countingGateway) LoadDashboard(ctx context.Context, ref model.ObjRef) (model.Dashboard, error) {
	g.loads.Add(1)
	time.Sleep(g.delay)
	return g.Gateway.LoadDashboard(ctx, ref)
}

type recordingObserver struct {
	mu     sync.Mutex
	open   int
	closed map[string]int
}

func (o *recordingObserver) ObserveSessions(open int) {
	o.mu.Lock()
	defer o.mu.Unlock()
	o.open = open
}

func (o *recordingObserver) ObserveSessionClosed(reason string) {
	o.mu.Lock()
	defer o.mu.Unlock()
	if o.closed == nil {
		o.closed = make(map[string]int)
	}
	o.closed[reason]++
}

func newTestGateway(t *testing.T) *countingGateway {
	t.Helper()
	fx := gateway.NewFixtures()
	if err := fx.Parse([]byte(fixture)); err != nil {
		t.Fatal(err)
	}
	return &countingGateway{Gateway: gateway.NewLocalGateway(fx, gateway.NewMemoryDashboardStore())}
}

func engineConfig() config.EngineConfig {
	return config.EngineConfig{
		GridColumns:     12,
		HistoryDepth:    10,
		OutcomeTTL:      time.Minute,
		SessionIdle:     30 * time.Minute,
		ReaperInterval:  time.Minute,
		ShutdownTimeout: time.Second,
	}
}

func actor(tenant string) context.Context {
	return model.WithRequestContext(context.Background(), &model.RequestContext{
		SubjectID: "user-1",
		TenantID:  tenant,
	})
}

func TestManager_OpenReusesSession(t *testing.T) {
	gw := newTestGateway(t)
	m := NewManager(engineConfig(), gw)

	s1, created, err := m.Open(actor("t1"), refOverview)
	if err != nil || !created {
		t.Fatalf("Open() = %v, %v", created, err)
	}
	s2, created, err := m.Open(actor("t1"), refOverview)
	if err != nil || created {
		t.Fatalf("second Open() = %v, %v", created, err)
	}
	if s1 != s2 {
		t.Error("second Open returned a different session")
	}
	if s1.OpenedBy != "user-1" {
		t.Errorf("OpenedBy = %q", s1.OpenedBy)
	}
	if got := s1.Snapshot().Dashboard.Layout.Columns; got != 12 {
		t.Errorf("grid columns = %d, want 12", got)
	}
	if gw.loads.Load() != 1 {
		t.Errorf("loads = %d, want 1", gw.loads.Load())
	}
}

func TestManager_concurrentOpensLoadOnce(t *testing.T) {
	gw := newTestGateway(t)
	gw.delay = 20 * time.Millisecond
	m := NewManager(engineConfig(), gw)

	var wg sync.WaitGroup
	sessions := make([]*Session, 8)
	for i := range sessions {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s, _, err := m.Open(actor("t1"), refOverview)
			if err != nil {
				t.Errorf("Open() error = %v", err)
			}
			sessions[i] = s
		}()
	}
	wg.Wait()

	if gw.loads.Load() != 1 {
		t.Errorf("loads = %d, want 1", gw.loads.Load())
	}
	for _, s := range sessions[1:] {
		if s != sessions[0] {
			t.Fatal("concurrent opens returned different sessions")
		}
	}
}

func TestManager_tenantsAreIsolated(t *testing.T) {
	m := NewManager(engineConfig(), newTestGateway(t))
	if _, _, err := m.Open(actor("t1"), refOverview); err != nil {
		t.Fatal(err)
	}

	if _, err := m.Get(actor("t2"), refOverview); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("Get() other tenant = %v, want ErrSessionNotFound", err)
	}
	if _, err := m.Get(context.Background(), refOverview); !model.IsReason(err, model.ReasonPermissionDenied) {
		t.Errorf("Get() without actor = %v, want PermissionDenied", err)
	}
}

func TestManager_OpenUnknownDashboard(t *testing.T) {
	m := NewManager(engineConfig(), newTestGateway(t))

	_, _, err := m.Open(actor("t1"), model.NewRef(model.RefDashboard, "missing"))
	if !model.IsReason(err, model.ReasonNotFound) {
		t.Errorf("Open() = %v, want NotFound", err)
	}
	if m.Len() != 0 {
		t.Errorf("Len() = %d, want 0", m.Len())
	}
}

func TestManager_commandsRunThroughSession(t *testing.T) {
	m := NewManager(engineConfig(), newTestGateway(t))
	ctx := actor("t1")
	s, _, err := m.Open(ctx, refOverview)
	if err != nil {
		t.Fatal(err)
	}

	id, err := s.Dispatcher.Dispatch(ctx, model.NewCommand(model.RenameDashboard{Title: "Renamed"}))
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	awaitCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	ev, err := s.Bus().AwaitCorrelation(awaitCtx, id)
	if err != nil {
		t.Fatalf("AwaitCorrelation() error = %v", err)
	}
	if ev.Type != model.EventDashboardRenamed {
		t.Fatalf("event = %s (%v), want %s", ev.Type, ev.Error, model.EventDashboardRenamed)
	}

	snap := s.Snapshot()
	if snap.Dashboard.Title != "Renamed" || !snap.Dirty || !snap.CanUndo || snap.CanRedo {
		t.Errorf("snapshot = %+v", snap)
	}
}

func TestManager_ReapClosesIdleSessions(t *testing.T) {
	now := time.Date(2026, 1, 1, 12, 0, 0, 0, time.UTC)
	obs := &recordingObserver{}
	m := NewManager(engineConfig(), newTestGateway(t),
		WithClock(func() time.Time { return now }),
		WithObserver(obs),
	)

	if _, _, err := m.Open(actor("t1"), refOverview); err != nil {
		t.Fatal(err)
	}
	if _, _, err := m.Open(actor("t2"), refOverview); err != nil {
		t.Fatal(err)
	}

	now = now.Add(20 * time.Minute)
	if _, err := m.Get(actor("t2"), refOverview); err != nil {
		t.Fatal(err)
	}
	now = now.Add(15 * time.Minute)

	if n := m.Reap(context.Background()); n != 1 {
		t.Fatalf("Reap() = %d, want 1", n)
	}
	if _, err := m.Get(actor("t1"), refOverview); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("idle session still open: %v", err)
	}
	if _, err := m.Get(actor("t2"), refOverview); err != nil {
		t.Errorf("recently used session closed: %v", err)
	}

	obs.mu.Lock()
	defer obs.mu.Unlock()
	if obs.open != 1 || obs.closed[CloseIdle] != 1 {
		t.Errorf("observer open=%d closed=%v", obs.open, obs.closed)
	}
}

func TestManager_CloseAndShutdown(t *testing.T) {
	m := NewManager(engineConfig(), newTestGateway(t))
	ctx := actor("t1")
	s, _, err := m.Open(ctx, refOverview)
	if err != nil {
		t.Fatal(err)
	}

	if err := m.Close(ctx, refOverview); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if err := m.Close(ctx, refOverview); !errors.Is(err, ErrSessionNotFound) {
		t.Errorf("second Close() = %v, want ErrSessionNotFound", err)
	}
	if _, err := s.Dispatcher.Dispatch(ctx, model.NewCommand(model.Undo{})); err == nil {
		t.Error("Dispatch() on a closed session succeeded")
	}

	if _, _, err := m.Open(actor("t2"), refOverview); err != nil {
		t.Fatal(err)
	}
	if err := m.Shutdown(context.Background()); err != nil {
		t.Fatalf("Shutdown() error = %v", err)
	}
	if m.Len() != 0 {
		t.Errorf("Len() after Shutdown = %d", m.Len())
	}
}
