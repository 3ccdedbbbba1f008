// Package session keeps one engine instance per open dashboard: its
// document store, undo history, event bus and command dispatcher.
package session

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"golang.org/x/sync/singleflight"

	"github.com/pitabwire/tessera/internal/command"
	"github.com/pitabwire/tessera/internal/config"
	"github.com/pitabwire/tessera/internal/document"
	"github.com/pitabwire/tessera/internal/eventbus"
	"github.com/pitabwire/tessera/internal/handlers"
	"github.com/pitabwire/tessera/internal/history"
	"github.com/pitabwire/tessera/model"
)

// ErrSessionNotFound is returned for dashboards without an open session.
var ErrSessionNotFound = errors.New("session: not found")

// Close reasons, used as metric labels.
const (
	CloseRequested = "requested"
	CloseIdle      = "idle"
	CloseShutdown  = "shutdown"
)

// Observer receives session lifecycle changes.
type Observer interface {
	ObserveSessions(open int)
	ObserveSessionClosed(reason string)
}

type nopObserver struct{}

func (nopObserver) ObserveSessions(int)          {}
func (nopObserver) ObserveSessionClosed(string) {}

// Session is one open dashboard.
type Session struct {
	TenantID   string
	Dashboard  model.ObjRef
	OpenedBy   string
	OpenedAt   time.Time
	Dispatcher *command.Dispatcher

	lastUsed atomic.Int64
	detach   []func()
}

// Bus returns the session event bus.
func (s *Session) Bus() *eventbus.Bus { return s.Dispatcher.Bus() }

// LastUsed returns when the session last served a request.
func (s *Session) LastUsed() time.Time { return time.Unix(0, s.lastUsed.Load()) }

func (s *Session) touch(now time.Time) { s.lastUsed.Store(now.UnixNano()) }

// Snapshot is the externally visible state of a session document.
type Snapshot struct {
	Dashboard model.Dashboard  `json:"dashboard"`
	Revision  uint64           `json:"revision"`
	Dirty     bool             `json:"dirty"`
	CanUndo   bool             `json:"canUndo"`
	CanRedo   bool             `json:"canRedo"`
	UI        document.UIState `json:"ui"`
}

// Snapshot returns the current document with its history flags.
func (s *Session) Snapshot() Snapshot {
	st := s.Dispatcher.Store().Snapshot()
	h := s.Dispatcher.History()
	return Snapshot{
		Dashboard: st.Dashboard,
		Revision:  st.Revision,
		Dirty:     st.Dirty(),
		CanUndo:   h.CanUndo(),
		CanRedo:   h.CanRedo(),
		UI:        st.UI,
	}
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *zap.Logger) Option { return func(m *Manager) { m.logger = l } }

// WithOutcomeStore shares one outcome store across all sessions. Without
// it every session keeps its outcomes in memory.
func WithOutcomeStore(s eventbus.OutcomeStore) Option {
	return func(m *Manager) { m.outcomes = s }
}

// WithForwarder copies the events of every session to f.
func WithForwarder(f *eventbus.StreamForwarder) Option {
	return func(m *Manager) { m.forwarder = f }
}

// WithObserver reports session counts to obs.
func WithObserver(obs Observer) Option { return func(m *Manager) { m.observer = obs } }

// WithDispatcherOptions passes opts to every session dispatcher.
func WithDispatcherOptions(opts ...command.Option) Option {
	return func(m *Manager) { m.dispatcherOpts = append(m.dispatcherOpts, opts...) }
}

// WithHandlerOptions passes opts to the handler registration of every
// session.
func WithHandlerOptions(opts ...handlers.Option) Option {
	return func(m *Manager) { m.handlerOpts = append(m.handlerOpts, opts...) }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option { return func(m *Manager) { m.now = now } }

// Manager opens, tracks and reaps sessions. Sessions are keyed by tenant
// and dashboard, so two tenants never share a document.
type Manager struct {
	cfg     config.EngineConfig
	gateway model.Gateway

	logger         *zap.Logger
	outcomes       eventbus.OutcomeStore
	forwarder      *eventbus.StreamForwarder
	observer       Observer
	dispatcherOpts []command.Option
	handlerOpts    []handlers.Option
	now            func() time.Time

	opening  singleflight.Group
	mu       sync.RWMutex
	sessions map[string]*Session
}

// NewManager creates a session manager loading dashboards through gw.
func NewManager(cfg config.EngineConfig, gw model.Gateway, opts ...Option) *Manager {
	m := &Manager{
		cfg:      cfg,
		gateway:  gw,
		logger:   zap.NewNop(),
		observer: nopObserver{},
		now:      time.Now,
		sessions: make(map[string]*Session),
	}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

func sessionKey(tenantID string, ref model.ObjRef) string {
	return tenantID + "/" + ref.String()
}

func tenantOf(ctx context.Context) (string, error) {
	rctx := model.RequestContextFrom(ctx)
	if rctx == nil || rctx.TenantID == "" {
		return "", model.PermissionDenied("no tenant in request context")
	}
	return rctx.TenantID, nil
}

// Open returns the session of ref, loading the dashboard when none is open.
// Concurrent opens of the same dashboard load it once.
func (m *Manager) Open(ctx context.Context, ref model.ObjRef) (*Session, bool, error) {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return nil, false, err
	}
	key := sessionKey(tenant, ref)
	if s := m.lookup(key); s != nil {
		return s, false, nil
	}

	v, err, _ := m.opening.Do(key, func() (any, error) {
		if s := m.lookup(key); s != nil {
			return s, nil
		}
		d, err := m.gateway.LoadDashboard(ctx, ref)
		if err != nil {
			return nil, err
		}
		s := m.newSession(ctx, tenant, ref, d)

		m.mu.Lock()
		m.sessions[key] = s
		open := len(m.sessions)
		m.mu.Unlock()

		m.observer.ObserveSessions(open)
		m.logger.Info("session opened",
			zap.String("tenant_id", tenant),
			zap.String("dashboard", ref.String()),
			zap.Int("version", d.Version),
		)
		return s, nil
	})
	if err != nil {
		return nil, false, err
	}
	return v.(*Session), true, nil
}

func (m *Manager) newSession(ctx context.Context, tenant string, ref model.ObjRef, d model.Dashboard) *Session {
	d.Ref = ref
	if d.Layout.Columns <= 0 && m.cfg.GridColumns > 0 {
		d.Layout.Columns = m.cfg.GridColumns
	}

	busOpts := []eventbus.Option{eventbus.WithLogger(m.logger)}
	if m.outcomes != nil {
		busOpts = append(busOpts, eventbus.WithOutcomeStore(m.outcomes))
	}
	if m.cfg.OutcomeTTL > 0 {
		busOpts = append(busOpts, eventbus.WithOutcomeTTL(m.cfg.OutcomeTTL))
	}
	bus := eventbus.New(ref, busOpts...)

	logger := m.logger.With(zap.String("tenant_id", tenant), zap.String("dashboard", ref.String()))
	dispOpts := append([]command.Option{command.WithLogger(logger)}, m.dispatcherOpts...)
	disp := command.NewDispatcher(
		ref,
		document.NewStore(document.NewState(d)),
		history.NewManager(m.cfg.HistoryDepth),
		bus,
		m.gateway,
		dispOpts...,
	)
	handlers.RegisterAll(disp, m.handlerOpts...)

	now := m.now()
	s := &Session{
		TenantID:   tenant,
		Dashboard:  ref,
		OpenedBy:   model.SubjectFrom(ctx),
		OpenedAt:   now,
		Dispatcher: disp,
	}
	s.touch(now)
	if m.forwarder != nil {
		s.detach = append(s.detach, m.forwarder.Attach(bus))
	}
	return s
}

func (m *Manager) lookup(key string) *Session {
	m.mu.RLock()
	s := m.sessions[key]
	m.mu.RUnlock()
	if s != nil {
		s.touch(m.now())
	}
	return s
}

// Get returns the open session of ref for the caller's tenant and marks it
// used.
func (m *Manager) Get(ctx context.Context, ref model.ObjRef) (*Session, error) {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return nil, err
	}
	if s := m.lookup(sessionKey(tenant, ref)); s != nil {
		return s, nil
	}
	return nil, fmt.Errorf("%w: %s", ErrSessionNotFound, ref)
}

// Close shuts down the session of ref. Commands in flight are cancelled.
func (m *Manager) Close(ctx context.Context, ref model.ObjRef) error {
	tenant, err := tenantOf(ctx)
	if err != nil {
		return err
	}
	s := m.remove(sessionKey(tenant, ref))
	if s == nil {
		return fmt.Errorf("%w: %s", ErrSessionNotFound, ref)
	}
	return m.shutdown(ctx, s, CloseRequested)
}

func (m *Manager) remove(key string) *Session {
	m.mu.Lock()
	s, ok := m.sessions[key]
	if ok {
		delete(m.sessions, key)
	}
	open := len(m.sessions)
	m.mu.Unlock()
	if !ok {
		return nil
	}
	m.observer.ObserveSessions(open)
	return s
}

func (m *Manager) shutdown(ctx context.Context, s *Session, reason string) error {
	if m.cfg.ShutdownTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, m.cfg.ShutdownTimeout)
		defer cancel()
	}
	err := s.Dispatcher.Shutdown(ctx)
	for _, detach := range s.detach {
		detach()
	}
	m.observer.ObserveSessionClosed(reason)
	m.logger.Info("session closed",
		zap.String("tenant_id", s.TenantID),
		zap.String("dashboard", s.Dashboard.String()),
		zap.String("reason", reason),
	)
	if err != nil {
		return fmt.Errorf("session: shutdown %s: %w", s.Dashboard, err)
	}
	return nil
}

// Len returns the number of open sessions.
func (m *Manager) Len() int {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return len(m.sessions)
}

// Reap closes sessions idle for longer than the configured timeout that
// have no command in flight, and returns how many it closed.
func (m *Manager) Reap(ctx context.Context) int {
	if m.cfg.SessionIdle <= 0 {
		return 0
	}
	cutoff := m.now().Add(-m.cfg.SessionIdle)

	m.mu.RLock()
	var idle []string
	for key, s := range m.sessions {
		if s.LastUsed().Before(cutoff) && s.Dispatcher.InFlight() == 0 {
			idle = append(idle, key)
		}
	}
	m.mu.RUnlock()

	closed := 0
	for _, key := range idle {
		s := m.remove(key)
		if s == nil {
			continue
		}
		if err := m.shutdown(ctx, s, CloseIdle); err != nil {
			m.logger.Warn("closing idle session", zap.Error(err))
		}
		closed++
	}
	return closed
}

// sweeper is implemented by outcome stores that expire entries lazily.
type sweeper interface{ Sweep() int }

// Run reaps idle sessions every reaper interval until ctx is done.
func (m *Manager) Run(ctx context.Context) error {
	interval := m.cfg.ReaperInterval
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if n := m.Reap(ctx); n > 0 {
				m.logger.Debug("reaped idle sessions", zap.Int("count", n))
			}
			if sw, ok := m.outcomes.(sweeper); ok {
				sw.Sweep()
			}
		}
	}
}

// Shutdown closes every session.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.mu.Lock()
	all := make([]*Session, 0, len(m.sessions))
	for key, s := range m.sessions {
		all = append(all, s)
		delete(m.sessions, key)
	}
	m.mu.Unlock()
	m.observer.ObserveSessions(0)

	var errs []error
	for _, s := range all {
		if err := m.shutdown(ctx, s, CloseShutdown); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}
