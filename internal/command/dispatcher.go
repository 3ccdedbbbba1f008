// Package command schedules dashboard commands onto handler tasks and turns
// their outcomes into events.
package command

import (
	"context"
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/pitabwire/tessera/internal/document"
	"github.com/pitabwire/tessera/internal/eventbus"
	"github.com/pitabwire/tessera/internal/history"
	"github.com/pitabwire/tessera/model"
)

const tracerName = "github.com/pitabwire/tessera/internal/command"

// Dispatcher errors.
var (
	// ErrCorrelationInUse matches a dispatch whose correlation id is still in
	// flight.
	ErrCorrelationInUse = model.InvalidArguments(model.CodeCorrelationInUse, "correlation id is in flight")
	// ErrNotCancellable is returned by Cancel once a command committed or
	// finished.
	ErrNotCancellable = errors.New("command: not cancellable")
	// ErrUnknownCorrelation is returned for ids the dispatcher does not track.
	ErrUnknownCorrelation = errors.New("command: unknown correlation id")
	// ErrShutdown is returned by Dispatch after Shutdown.
	ErrShutdown = errors.New("command: dispatcher is shut down")
)

// Handler carries out one command type. It validates against t.State(),
// may call t.Gateway(), commits through t.Commit and returns the success
// event. A returned error becomes a CommandFailed event.
type Handler func(ctx context.Context, t *Task) (Result, error)

// Result is the success outcome of a handler.
type Result struct {
	Event   string
	Payload any
}

// Registration binds a command type to its handler.
type Registration struct {
	Type    string
	Handler Handler
	// Stream returns the ordering key of a command. Commands with equal keys
	// run one at a time in dispatch order. Nil uses the command type.
	Stream func(model.Command) string
	// Capability is required of the caller when set.
	Capability string
	// HistoryExempt commands never create undo entries.
	HistoryExempt bool
}

// Observer receives the outcome of every command.
type Observer interface {
	OnCommandFinished(ctx context.Context, o Outcome)
}

// Outcome summarizes a finished command.
type Outcome struct {
	Dashboard     model.ObjRef
	CommandType   string
	CorrelationID string
	State         State
	Reason        string
	Duration      time.Duration
}

// Authorizer decides whether the caller in ctx holds a capability.
type Authorizer interface {
	Authorize(ctx context.Context, capability string) error
}

// Dispatcher is the single entry point for commands of one session.
type Dispatcher struct {
	dashboard  model.ObjRef
	store      *document.Store
	history    *history.Manager
	bus        *eventbus.Bus
	gateway    model.Gateway
	handlers   map[string]Registration
	logger     *zap.Logger
	observers  []Observer
	authorizer Authorizer
	now        func() time.Time
	tracer     trace.Tracer

	mu      sync.Mutex
	tasks   map[string]*Task
	streams map[string]chan struct{}
	closed  bool
	wg      sync.WaitGroup
}

// Option configures a Dispatcher.
type Option func(*Dispatcher)

// WithObserver adds an outcome observer.
func WithObserver(obs Observer) Option {
	return func(d *Dispatcher) { d.observers = append(d.observers, obs) }
}

// WithLogger sets the base logger.
func WithLogger(l *zap.Logger) Option {
	return func(d *Dispatcher) { d.logger = l }
}

// WithAuthorizer enables capability checks.
func WithAuthorizer(a Authorizer) Option {
	return func(d *Dispatcher) { d.authorizer = a }
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(d *Dispatcher) { d.now = now }
}

// WithTracer replaces the global tracer.
func WithTracer(t trace.Tracer) Option {
	return func(d *Dispatcher) { d.tracer = t }
}

// NewDispatcher creates a dispatcher over one session's collaborators.
func NewDispatcher(
	dashboard model.ObjRef,
	store *document.Store,
	hist *history.Manager,
	bus *eventbus.Bus,
	gateway model.Gateway,
	opts ...Option,
) *Dispatcher {
	d := &Dispatcher{
		dashboard: dashboard,
		store:     store,
		history:   hist,
		bus:       bus,
		gateway:   gateway,
		handlers:  make(map[string]Registration),
		logger:    zap.NewNop(),
		now:       time.Now,
		tasks:     make(map[string]*Task),
		streams:   make(map[string]chan struct{}),
	}
	for _, opt := range opts {
		opt(d)
	}
	if d.tracer == nil {
		d.tracer = otel.Tracer(tracerName)
	}
	return d
}

// Register adds a handler. Registering a type twice replaces the handler.
func (d *Dispatcher) Register(regs ...Registration) {
	d.mu.Lock()
	defer d.mu.Unlock()
	for _, r := range regs {
		d.handlers[r.Type] = r
	}
}

// Store returns the session document store.
func (d *Dispatcher) Store() *document.Store { return d.store }

// Bus returns the session event bus.
func (d *Dispatcher) Bus() *eventbus.Bus { return d.bus }

// History returns the session undo manager.
func (d *Dispatcher) History() *history.Manager { return d.history }

// Dispatch schedules cmd and returns its correlation id. It never waits for
// the handler. Payload semantics are checked by the handler, not here.
func (d *Dispatcher) Dispatch(ctx context.Context, cmd model.Command) (string, error) {
	if cmd.CorrelationID == "" {
		cmd.CorrelationID = uuid.NewString()
	}
	id := cmd.CorrelationID

	d.mu.Lock()
	if d.closed {
		d.mu.Unlock()
		return "", ErrShutdown
	}
	if _, busy := d.tasks[id]; busy {
		d.mu.Unlock()
		return "", model.InvalidArguments(model.CodeCorrelationInUse, "correlation id %q is in flight", id)
	}
	reg, ok := d.handlers[cmd.Type]
	if !ok {
		d.mu.Unlock()
		d.rejectUnknown(ctx, cmd)
		return id, nil
	}
	if cmd.Payload == nil {
		if p, known, err := model.DecodePayload(cmd.Type, nil); known && err == nil {
			cmd.Payload = p
		}
	}

	taskCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	t := &Task{
		d:      d,
		cmd:    cmd,
		reg:    reg,
		ctx:    taskCtx,
		cancel: cancel,
		state:  StateDispatched,
		start:  d.now(),
		done:   make(chan struct{}),
		logger: d.logger.With(
			zap.String("correlation_id", id),
			zap.String("command_type", cmd.Type),
			zap.String("dashboard", d.dashboard.String()),
		),
	}
	t.stream = cmd.Type
	if reg.Stream != nil {
		t.stream = reg.Stream(cmd)
	}
	t.prev = d.streams[t.stream]
	d.streams[t.stream] = t.done
	d.tasks[id] = t
	d.wg.Add(1)
	d.mu.Unlock()

	// A reused id must not resolve to the outcome of its previous command.
	if err := d.bus.Forget(ctx, id); err != nil {
		t.logger.Warn("clearing previous outcome failed", zap.Error(err))
	}

	go d.run(t)
	return id, nil
}

func (d *Dispatcher) rejectUnknown(ctx context.Context, cmd model.Command) {
	f := model.UnknownCommand(cmd.Type)
	d.bus.Publish(model.Event{
		Type:          model.EventCommandFailed,
		CorrelationID: cmd.CorrelationID,
		CausationID:   cmd.CausationID,
		CommandType:   cmd.Type,
		Dashboard:     d.dashboard,
		Revision:      d.store.Snapshot().Revision,
		Terminal:      true,
		Error:         f,
		Timestamp:     d.now(),
	})
	d.logger.Warn("unknown command",
		zap.String("correlation_id", cmd.CorrelationID),
		zap.String("command_type", cmd.Type),
	)
	d.notify(ctx, Outcome{
		Dashboard:     d.dashboard,
		CommandType:   cmd.Type,
		CorrelationID: cmd.CorrelationID,
		State:         StateRejected,
		Reason:        f.Reason,
	})
}

// Status reports the state of an in-flight command.
func (d *Dispatcher) Status(id string) (State, bool) {
	d.mu.Lock()
	t, ok := d.tasks[id]
	d.mu.Unlock()
	if !ok {
		return "", false
	}
	s, _, _ := t.snapshot()
	return s, true
}

// Cancel cancels a queued or executing command.
func (d *Dispatcher) Cancel(id string) error {
	d.mu.Lock()
	t, ok := d.tasks[id]
	d.mu.Unlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownCorrelation, id)
	}
	return t.requestCancel()
}

// Shutdown stops accepting commands, cancels those in flight and waits for
// them to finish or for ctx to end.
func (d *Dispatcher) Shutdown(ctx context.Context) error {
	d.mu.Lock()
	d.closed = true
	tasks := make([]*Task, 0, len(d.tasks))
	for _, t := range d.tasks {
		tasks = append(tasks, t)
	}
	d.mu.Unlock()
	for _, t := range tasks {
		_ = t.requestCancel()
	}

	done := make(chan struct{})
	go func() {
		d.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// InFlight returns the number of commands not yet finished.
func (d *Dispatcher) InFlight() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.tasks)
}

func (d *Dispatcher) run(t *Task) {
	defer d.wg.Done()
	defer d.releaseStream(t)

	if t.prev != nil {
		select {
		case <-t.prev:
		case <-t.ctx.Done():
		}
	}

	ctx, span := d.tracer.Start(t.ctx, "command "+t.cmd.Type, trace.WithAttributes(
		attribute.String("tessera.correlation_id", t.cmd.CorrelationID),
		attribute.String("tessera.command_type", t.cmd.Type),
		attribute.String("tessera.dashboard", d.dashboard.String()),
	))
	defer span.End()

	var res Result
	var err error
	if ctx.Err() != nil {
		err = model.Cancelled()
	} else {
		t.setState(StateValidating)
		d.bus.Publish(model.Event{
			Type:          model.EventCommandStarted,
			CorrelationID: t.cmd.CorrelationID,
			CausationID:   t.cmd.CausationID,
			CommandType:   t.cmd.Type,
			Dashboard:     d.dashboard,
			Revision:      d.store.Snapshot().Revision,
			Payload:       model.CommandStarted{CommandType: t.cmd.Type, Stream: t.stream},
			Timestamp:     d.now(),
		})
		res, err = d.invoke(ctx, t)
	}

	ev := d.finish(t, res, err)
	if ev.Error != nil {
		span.SetStatus(codes.Error, ev.Error.Error())
	}
	d.bus.Publish(ev)

	d.mu.Lock()
	delete(d.tasks, t.cmd.CorrelationID)
	d.mu.Unlock()
}

func (d *Dispatcher) invoke(ctx context.Context, t *Task) (res Result, err error) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Error("command handler panicked",
				zap.Any("panic", r),
				zap.ByteString("stack", debug.Stack()),
			)
			err = model.InternalError(fmt.Sprintf("handler panicked: %v", r))
		}
	}()

	if t.cmd.Payload == nil || t.cmd.Payload.CommandType() != t.cmd.Type {
		return Result{}, model.InvalidArguments(model.CodeInvalidPayload, "payload does not match command type %s", t.cmd.Type)
	}
	if d.authorizer != nil && t.reg.Capability != "" {
		if err := d.authorizer.Authorize(ctx, t.reg.Capability); err != nil {
			return Result{}, err
		}
	}
	return t.reg.Handler(ctx, t)
}

// finish settles the task state and builds its terminal event.
func (d *Dispatcher) finish(t *Task, res Result, err error) model.Event {
	state, committed, revision := t.snapshot()
	if !committed {
		revision = d.store.Snapshot().Revision
	}
	ev := model.Event{
		CorrelationID: t.cmd.CorrelationID,
		CausationID:   t.cmd.CausationID,
		CommandType:   t.cmd.Type,
		Dashboard:     d.dashboard,
		Revision:      revision,
		Terminal:      true,
		Timestamp:     d.now(),
	}

	var final State
	switch {
	case err == nil:
		final = StateCommitted
		ev.Type = res.Event
		ev.Payload = res.Payload
	default:
		f := model.AsFailure(err)
		if !committed && t.ctx.Err() != nil {
			f = model.Cancelled()
		}
		ev.Type = model.EventCommandFailed
		ev.Error = f
		switch {
		case f.Reason == model.ReasonCancelled:
			final = StateCancelled
		case state == StateDispatched || state == StateValidating:
			final = StateRejected
		default:
			final = StateFailed
		}
	}
	t.setState(final)
	t.cancel()

	dur := d.now().Sub(t.start)
	fields := []zap.Field{zap.String("state", string(final)), zap.Duration("duration", dur)}
	switch {
	case ev.Error == nil:
		t.logger.Info("command committed", append(fields, zap.Uint64("revision", revision))...)
	case ev.Error.Reason == model.ReasonInternalError:
		t.logger.Error("command failed", append(fields, zap.Error(ev.Error))...)
	default:
		t.logger.Warn("command failed", append(fields, zap.Error(ev.Error))...)
	}

	o := Outcome{
		Dashboard:     d.dashboard,
		CommandType:   t.cmd.Type,
		CorrelationID: t.cmd.CorrelationID,
		State:         final,
		Duration:      dur,
	}
	if ev.Error != nil {
		o.Reason = ev.Error.Reason
	}
	d.notify(t.ctx, o)
	return ev
}

// releaseStream hands the stream to the next task. It waits for the
// predecessor, so a task cancelled while queued never lets its successor
// overtake the predecessor.
func (d *Dispatcher) releaseStream(t *Task) {
	if t.prev != nil {
		<-t.prev
	}
	d.mu.Lock()
	if d.streams[t.stream] == t.done {
		delete(d.streams, t.stream)
	}
	d.mu.Unlock()
	close(t.done)
}

func (d *Dispatcher) notify(ctx context.Context, o Outcome) {
	for _, obs := range d.observers {
		obs.OnCommandFinished(ctx, o)
	}
}
