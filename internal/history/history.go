// Package history keeps the undo and redo stacks of a session.
package history

import (
	"sync"

	"github.com/pitabwire/tessera/internal/document"
	"github.com/pitabwire/tessera/model"
)

// DefaultMaxDepth bounds the undo stack when no depth is configured.
const DefaultMaxDepth = 50

// Entry is one undoable commit.
type Entry struct {
	// Seq identifies the entry within its manager.
	Seq           uint64
	CorrelationID string
	CommandType   string
	// Revision is the document revision the commit produced.
	Revision uint64
	Forward  document.Delta
	Inverse  document.Delta
	Touched  []string
}

// Insights returns the insights referenced by insight widgets that applying
// delta would re-create.
func Insights(delta document.Delta) []model.ObjRef {
	var refs []model.ObjRef
	for _, op := range delta {
		put, ok := op.(document.PutWidget)
		if !ok || put.Widget.Insight == nil {
			continue
		}
		refs = append(refs, *put.Widget.Insight)
	}
	return refs
}

// Manager holds the undo and redo stacks. It is safe for concurrent use.
// Record and the Complete methods are meant to run under the document
// store's commit lock so the stacks move in step with the document.
type Manager struct {
	mu       sync.Mutex
	undo     []Entry
	redo     []Entry
	maxDepth int
	seq      uint64
	// owned maps entity keys to the latest revision written through
	// history: a recorded commit, an undo or a redo.
	owned map[string]uint64
}

// NewManager returns a manager that keeps at most maxDepth undo entries.
func NewManager(maxDepth int) *Manager {
	if maxDepth <= 0 {
		maxDepth = DefaultMaxDepth
	}
	return &Manager{maxDepth: maxDepth, owned: make(map[string]uint64)}
}

// Record pushes an entry for a structural commit and clears the redo stack.
func (m *Manager) Record(correlationID, commandType string, c document.Commit) {
	if !c.Structural() {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.seq++
	m.undo = append(m.undo, Entry{
		Seq:           m.seq,
		CorrelationID: correlationID,
		CommandType:   commandType,
		Revision:      c.Revision,
		Forward:       c.Forward,
		Inverse:       c.Inverse,
		Touched:       c.Touched,
	})
	m.own(c.Touched, c.Revision)
	if over := len(m.undo) - m.maxDepth; over > 0 {
		m.undo = append(m.undo[:0:0], m.undo[over:]...)
	}
	m.redo = nil
}

// PeekUndo returns the entry the next undo would revert.
func (m *Manager) PeekUndo() (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return top(m.undo)
}

// PeekRedo returns the entry the next redo would re-apply.
func (m *Manager) PeekRedo() (Entry, bool) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return top(m.redo)
}

// CompleteUndo moves the top undo entry to the redo stack after its inverse
// was committed at revision. It reports false if seq is no longer on top.
func (m *Manager) CompleteUndo(seq, revision uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := top(m.undo)
	if !ok || e.Seq != seq {
		return false
	}
	m.undo = m.undo[:len(m.undo)-1]
	e.Revision = revision
	m.own(e.Touched, revision)
	m.redo = append(m.redo, e)
	return true
}

// CompleteRedo moves the top redo entry back to the undo stack after its
// forward delta was committed at revision.
func (m *Manager) CompleteRedo(seq, revision uint64) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	e, ok := top(m.redo)
	if !ok || e.Seq != seq {
		return false
	}
	m.redo = m.redo[:len(m.redo)-1]
	e.Revision = revision
	m.own(e.Touched, revision)
	m.undo = append(m.undo, e)
	return true
}

// Stale reports whether an entity the entry touches was changed by a commit
// history did not see. Replaying such an entry would overwrite that change.
func (m *Manager) Stale(e Entry, s *document.State) bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, key := range e.Touched {
		if s.EntityRevision(key) > m.owned[key] {
			return true
		}
	}
	return false
}

func (m *Manager) own(keys []string, revision uint64) {
	for _, k := range keys {
		m.owned[k] = max(m.owned[k], revision)
	}
}

// Discard drops the entry with seq from whichever stack holds it. An undo
// entry's changes stay in the document, so history gives up ownership of
// the entities it touched: older entries touching them turn stale.
func (m *Manager) Discard(seq uint64) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if e, ok := find(m.undo, seq); ok {
		for _, k := range e.Touched {
			delete(m.owned, k)
		}
	}
	m.undo = without(m.undo, seq)
	m.redo = without(m.redo, seq)
}

// Reset drops both stacks.
func (m *Manager) Reset() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.undo, m.redo = nil, nil
	clear(m.owned)
}

// CanUndo reports whether an undo entry is available.
func (m *Manager) CanUndo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undo) > 0
}

// CanRedo reports whether a redo entry is available.
func (m *Manager) CanRedo() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.redo) > 0
}

// Depth returns the sizes of the undo and redo stacks.
func (m *Manager) Depth() (undo, redo int) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.undo), len(m.redo)
}

func top(s []Entry) (Entry, bool) {
	if len(s) == 0 {
		return Entry{}, false
	}
	return s[len(s)-1], true
}

func find(s []Entry, seq uint64) (Entry, bool) {
	for _, e := range s {
		if e.Seq == seq {
			return e, true
		}
	}
	return Entry{}, false
}

func without(s []Entry, seq uint64) []Entry {
	out := s[:0]
	for _, e := range s {
		if e.Seq != seq {
			out = append(out, e)
		}
	}
	return out
}
