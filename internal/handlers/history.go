package handlers

import (
	"context"

	"golang.org/x/sync/errgroup"

	"github.com/pitabwire/tessera/internal/command"
	"github.com/pitabwire/tessera/internal/document"
	"github.com/pitabwire/tessera/internal/history"
	"github.com/pitabwire/tessera/model"
)

type replayDirection struct {
	event    string
	empty    string
	peek     func(*history.Manager) (history.Entry, bool)
	ops      func(history.Entry) document.Delta
	complete func(m *history.Manager, seq, revision uint64) bool
}

var (
	undoing = replayDirection{
		event:    model.EventUndone,
		empty:    model.CodeNothingToUndo,
		peek:     (*history.Manager).PeekUndo,
		ops:      func(e history.Entry) document.Delta { return e.Inverse },
		complete: (*history.Manager).CompleteUndo,
	}
	redoing = replayDirection{
		event:    model.EventRedone,
		empty:    model.CodeNothingToRedo,
		peek:     (*history.Manager).PeekRedo,
		ops:      func(e history.Entry) document.Delta { return e.Forward },
		complete: (*history.Manager).CompleteRedo,
	}
)

func (h *handlers) undo(ctx context.Context, t *command.Task, _ model.Undo) (command.Result, error) {
	return replay(ctx, t, undoing)
}

func (h *handlers) redo(ctx context.Context, t *command.Task, _ model.Redo) (command.Result, error) {
	return replay(ctx, t, redoing)
}

// replay re-applies the top entry of one history stack. Insight widgets the
// entry would re-create must still load; an entry whose entities changed
// outside history is dropped rather than applied over that change.
func replay(ctx context.Context, t *command.Task, dir replayDirection) (command.Result, error) {
	hist := t.History()
	entry, ok := dir.peek(hist)
	if !ok {
		return command.Result{}, model.InvalidArguments(dir.empty, "history is empty")
	}

	if refs := history.Insights(dir.ops(entry)); len(refs) > 0 {
		gw := t.Gateway()
		g, gctx := errgroup.WithContext(ctx)
		for _, ref := range refs {
			g.Go(func() error {
				_, err := gw.LoadInsight(gctx, ref)
				return err
			})
		}
		if err := g.Wait(); err != nil {
			if model.IsReason(err, model.ReasonNotFound) {
				hist.Discard(entry.Seq)
				return command.Result{}, model.InvalidArguments(model.CodeMissingInsight, "an insight of %s no longer resolves: %v", entry.CommandType, err)
			}
			return command.Result{}, err
		}
	}

	moved := false
	_, err := t.CommitUnrecorded(func(cur *document.State) (document.Delta, error) {
		top, ok := dir.peek(hist)
		if !ok || top.Seq != entry.Seq {
			moved = true
			return nil, model.BrokenReference(model.CodeConcurrentModification, "history changed while replaying "+entry.CommandType)
		}
		if hist.Stale(entry, cur) {
			return nil, model.BrokenReference(model.CodeConcurrentModification, entry.CommandType+" touched entities changed since")
		}
		return dir.ops(entry), nil
	}, func(c document.Commit) { dir.complete(hist, entry.Seq, c.Revision) })
	if err != nil {
		// An entry that cannot be applied now never will be.
		if !moved && !model.IsReason(err, model.ReasonCancelled) {
			hist.Discard(entry.Seq)
		}
		return command.Result{}, err
	}

	return command.Result{Event: dir.event, Payload: model.HistoryReplayed{
		CorrelationID: entry.CorrelationID,
		CommandType:   entry.CommandType,
		CanUndo:       hist.CanUndo(),
		CanRedo:       hist.CanRedo(),
	}}, nil
}
