// Package eventbus delivers command events to in-process listeners and lets
// callers await the terminal event of a correlation id.
package eventbus

import (
	"context"
	"fmt"
	"slices"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/tessera/model"
)

// Filter selects the events a listener receives. A nil filter matches all.
type Filter func(model.Event) bool

// Listener receives events synchronously on the publishing goroutine. It
// must not block.
type Listener func(model.Event)

// Types matches events whose type is one of types.
func Types(types ...string) Filter {
	return func(ev model.Event) bool { return slices.Contains(types, ev.Type) }
}

// Correlation matches the events of one correlation id.
func Correlation(id string) Filter {
	return func(ev model.Event) bool { return ev.CorrelationID == id }
}

// TerminalOnly matches terminal events.
func TerminalOnly(ev model.Event) bool { return ev.Terminal }

type subscription struct {
	filter   Filter
	listener Listener
}

// Bus fans events out to listeners and records terminal events in an
// outcome store. One bus serves one dashboard session.
type Bus struct {
	dashboard model.ObjRef
	outcomes  OutcomeStore
	ttl       time.Duration
	logger    *zap.Logger

	mu      sync.RWMutex
	subs    map[uint64]subscription
	nextID  uint64
	waiters map[string][]chan model.Event
}

// Option configures a Bus.
type Option func(*Bus)

// WithOutcomeStore replaces the default in-memory outcome store.
func WithOutcomeStore(s OutcomeStore) Option {
	return func(b *Bus) { b.outcomes = s }
}

// WithOutcomeTTL sets how long terminal events stay awaitable.
func WithOutcomeTTL(ttl time.Duration) Option {
	return func(b *Bus) { b.ttl = ttl }
}

// WithLogger sets the logger used to report listener panics and outcome
// store errors.
func WithLogger(l *zap.Logger) Option {
	return func(b *Bus) { b.logger = l }
}

// DefaultOutcomeTTL is used when no TTL is configured.
const DefaultOutcomeTTL = 10 * time.Minute

// New creates a bus for the events of one dashboard.
func New(dashboard model.ObjRef, opts ...Option) *Bus {
	b := &Bus{
		dashboard: dashboard,
		ttl:       DefaultOutcomeTTL,
		logger:    zap.NewNop(),
		subs:      make(map[uint64]subscription),
		waiters:   make(map[string][]chan model.Event),
	}
	for _, opt := range opts {
		opt(b)
	}
	if b.outcomes == nil {
		b.outcomes = NewMemoryOutcomeStore()
	}
	return b
}

// Subscribe registers listener for events matching filter. The returned
// function removes the subscription; calling it twice is harmless.
func (b *Bus) Subscribe(filter Filter, listener Listener) (unsubscribe func()) {
	b.mu.Lock()
	b.nextID++
	id := b.nextID
	b.subs[id] = subscription{filter: filter, listener: listener}
	b.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			b.mu.Lock()
			delete(b.subs, id)
			b.mu.Unlock()
		})
	}
}

// Publish delivers ev to every matching listener in subscription order. A
// terminal event is then stored as the outcome of its correlation id and
// handed to pending awaiters, so an awaiter that starts after delivery
// still resolves.
func (b *Bus) Publish(ev model.Event) {
	if ev.Dashboard.IsZero() {
		ev.Dashboard = b.dashboard
	}

	b.mu.RLock()
	ids := make([]uint64, 0, len(b.subs))
	for id := range b.subs {
		ids = append(ids, id)
	}
	slices.Sort(ids)
	subs := make([]subscription, 0, len(ids))
	for _, id := range ids {
		subs = append(subs, b.subs[id])
	}
	b.mu.RUnlock()

	for _, s := range subs {
		if s.filter != nil && !s.filter(ev) {
			continue
		}
		b.deliver(s.listener, ev)
	}

	if ev.Terminal {
		b.storeOutcome(ev)
		b.mu.Lock()
		waiters := b.waiters[ev.CorrelationID]
		delete(b.waiters, ev.CorrelationID)
		b.mu.Unlock()
		for _, ch := range waiters {
			ch <- ev
		}
	}
}

func (b *Bus) deliver(l Listener, ev model.Event) {
	defer func() {
		if r := recover(); r != nil {
			b.logger.Error("event listener panicked",
				zap.String("event_type", ev.Type),
				zap.String("correlation_id", ev.CorrelationID),
				zap.Any("panic", r),
			)
		}
	}()
	l(ev)
}

func (b *Bus) storeOutcome(ev model.Event) {
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	if err := b.outcomes.Put(ctx, b.key(ev.CorrelationID), ev, b.ttl); err != nil {
		b.logger.Warn("storing command outcome failed",
			zap.String("correlation_id", ev.CorrelationID),
			zap.Error(err),
		)
	}
}

// AwaitCorrelation blocks until the terminal event of id is published or
// ctx is done. An outcome published earlier is returned immediately.
func (b *Bus) AwaitCorrelation(ctx context.Context, id string) (model.Event, error) {
	ch := make(chan model.Event, 1)
	b.mu.Lock()
	b.waiters[id] = append(b.waiters[id], ch)
	b.mu.Unlock()
	defer b.dropWaiter(id, ch)

	ev, found, err := b.outcomes.Get(ctx, b.key(id))
	if err != nil {
		return model.Event{}, fmt.Errorf("eventbus: await %s: %w", id, err)
	}
	if found {
		return ev, nil
	}

	select {
	case ev := <-ch:
		return ev, nil
	case <-ctx.Done():
		return model.Event{}, ctx.Err()
	}
}

// Outcome returns the stored terminal event of id without waiting.
func (b *Bus) Outcome(ctx context.Context, id string) (model.Event, bool, error) {
	return b.outcomes.Get(ctx, b.key(id))
}

// Forget removes the stored outcome of id so the id can carry a new
// command. It must run before that command can publish.
func (b *Bus) Forget(ctx context.Context, id string) error {
	if err := b.outcomes.Delete(ctx, b.key(id)); err != nil {
		return fmt.Errorf("eventbus: forget %s: %w", id, err)
	}
	return nil
}

func (b *Bus) dropWaiter(id string, ch chan model.Event) {
	b.mu.Lock()
	defer b.mu.Unlock()
	ws := slices.DeleteFunc(b.waiters[id], func(c chan model.Event) bool { return c == ch })
	if len(ws) == 0 {
		delete(b.waiters, id)
		return
	}
	b.waiters[id] = ws
}

func (b *Bus) key(correlationID string) string {
	return b.dashboard.String() + "/" + correlationID
}
