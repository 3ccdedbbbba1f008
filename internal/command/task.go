package command

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/pitabwire/tessera/internal/document"
	"github.com/pitabwire/tessera/internal/history"
	"github.com/pitabwire/tessera/model"
)

// State is the lifecycle state of a dispatched command.
type State string

// Command states. A task enters Executing at its first gateway access or
// commit; Validated is passed through on the way.
const (
	StateDispatched State = "dispatched"
	StateValidating State = "validating"
	StateValidated  State = "validated"
	StateExecuting  State = "executing"
	StateCommitted  State = "committed"
	StateRejected   State = "rejected"
	StateFailed     State = "failed"
	StateCancelled  State = "cancelled"
)

// Terminal reports whether no further transition is possible.
func (s State) Terminal() bool {
	switch s {
	case StateCommitted, StateRejected, StateFailed, StateCancelled:
		return true
	}
	return false
}

// Task is the handle a handler uses to read the document, reach the backend
// and commit its changes.
type Task struct {
	d      *Dispatcher
	cmd    model.Command
	reg    Registration
	ctx    context.Context
	cancel context.CancelFunc
	logger *zap.Logger

	stream string
	prev   <-chan struct{}
	done   chan struct{}
	start  time.Time

	mu              sync.Mutex
	state           State
	cancelRequested bool
	committing      bool
	committed       bool
	revision        uint64
}

// Command returns the command being handled.
func (t *Task) Command() model.Command { return t.cmd }

// Payload returns the command payload.
func (t *Task) Payload() model.Payload { return t.cmd.Payload }

// Logger returns a logger carrying the command's correlation fields.
func (t *Task) Logger() *zap.Logger { return t.logger }

// Now returns the dispatcher clock's current time.
func (t *Task) Now() time.Time { return t.d.now() }

// Actor returns the subject on whose behalf the command runs.
func (t *Task) Actor() string { return model.SubjectFrom(t.ctx) }

// State returns a consistent read-only snapshot of the document.
func (t *Task) State() *document.State { return t.d.store.Snapshot() }

// History returns the session's undo manager.
func (t *Task) History() *history.Manager { return t.d.history }

// Gateway returns the backend gateway. Calling it ends validation.
func (t *Task) Gateway() model.Gateway {
	t.markExecuting()
	return t.d.gateway
}

// Commit builds and applies a delta atomically. build runs under the commit
// lock against the latest state; the task's cancellation is checked under
// the same lock, so once the delta applies the command can no longer be
// cancelled. An error from build before any gateway access rejects the
// command. Structural changes are recorded in history unless the command
// type is exempt.
func (t *Task) Commit(build func(cur *document.State) (document.Delta, error)) (document.Commit, error) {
	return t.commit(build, !t.reg.HistoryExempt, nil)
}

// CommitUnrecorded is Commit without a history entry, for undo and redo.
// onCommit, if not nil, runs under the commit lock after the delta applied.
func (t *Task) CommitUnrecorded(build func(cur *document.State) (document.Delta, error), onCommit func(document.Commit)) (document.Commit, error) {
	return t.commit(build, false, onCommit)
}

func (t *Task) commit(build func(cur *document.State) (document.Delta, error), record bool, onCommit func(document.Commit)) (document.Commit, error) {
	c, err := t.d.store.Update(func(cur *document.State) (document.Delta, error) {
		if err := t.enterCommit(); err != nil {
			return nil, err
		}
		delta, err := build(cur)
		if err != nil {
			return nil, err
		}
		t.markExecuting()
		return delta, nil
	}, func(c document.Commit) {
		if record {
			t.d.history.Record(t.cmd.CorrelationID, t.cmd.Type, c)
		}
		if onCommit != nil {
			onCommit(c)
		}
		t.mu.Lock()
		t.committed = true
		t.revision = c.Revision
		t.mu.Unlock()
	})
	if err != nil {
		t.mu.Lock()
		t.committing = t.committed
		t.mu.Unlock()
		return document.Commit{}, err
	}
	return c, nil
}

func (t *Task) enterCommit() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.cancelRequested || t.ctx.Err() != nil {
		return model.Cancelled()
	}
	t.committing = true
	return nil
}

// Dispatch sends a follow-up command caused by this one.
func (t *Task) Dispatch(p model.Payload) (string, error) {
	cmd := model.NewCommand(p)
	cmd.CausationID = t.cmd.CorrelationID
	return t.d.Dispatch(t.ctx, cmd)
}

func (t *Task) markExecuting() {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.state == StateValidating || t.state == StateValidated {
		t.state = StateExecuting
	}
}

func (t *Task) setState(s State) {
	t.mu.Lock()
	t.state = s
	t.mu.Unlock()
}

func (t *Task) snapshot() (state State, committed bool, revision uint64) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.state, t.committed, t.revision
}

// requestCancel cancels the task unless it has reached its commit point.
func (t *Task) requestCancel() error {
	t.mu.Lock()
	defer t.mu.Unlock()
	if t.committing || t.committed || t.state.Terminal() {
		return ErrNotCancellable
	}
	t.cancelRequested = true
	t.cancel()
	return nil
}
