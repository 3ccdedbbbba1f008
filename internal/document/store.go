package document

import (
	"fmt"
	"slices"
	"sync"
	"sync/atomic"
)

// Commit describes one applied delta.
type Commit struct {
	// Revision is the document revision after the commit. It equals Base when
	// the delta only touched ephemeral state.
	Revision uint64
	Base     uint64
	// Forward holds the structural ops as applied; Inverse undoes them and is
	// already in application order.
	Forward Delta
	Inverse Delta
	Touched []string
	State   *State
}

// Structural reports whether the commit changed the document itself.
func (c Commit) Structural() bool { return len(c.Forward) > 0 }

// Store owns the document of one session. Reads are lock-free snapshots;
// writes are serialized and copy-on-write, so a failing delta never leaves a
// partially updated state behind.
type Store struct {
	mu      sync.Mutex
	current atomic.Pointer[State]
}

// NewStore returns a store holding initial.
func NewStore(initial *State) *Store {
	s := &Store{}
	s.current.Store(initial)
	return s
}

// Snapshot returns the current state. Callers must treat it as read-only.
func (s *Store) Snapshot() *State {
	return s.current.Load()
}

// Apply applies delta atomically.
func (s *Store) Apply(delta Delta) (Commit, error) {
	return s.Update(func(*State) (Delta, error) { return delta, nil })
}

// Update builds a delta against the current state and applies it while
// holding the write lock, so no other commit can interleave between the two.
// Each hook runs under the same lock after a successful apply.
func (s *Store) Update(build func(cur *State) (Delta, error), hooks ...func(Commit)) (Commit, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur := s.current.Load()
	delta, err := build(cur)
	if err != nil {
		return Commit{}, err
	}
	c, err := apply(cur, delta)
	if err != nil {
		return Commit{}, err
	}
	s.current.Store(c.State)
	for _, h := range hooks {
		h(c)
	}
	return c, nil
}

func apply(cur *State, delta Delta) (Commit, error) {
	if len(delta) == 0 {
		return Commit{Revision: cur.Revision, Base: cur.Revision, State: cur}, nil
	}
	next := cur.Clone()
	var fwd, inv Delta
	touched := make(map[string]struct{})
	for i, op := range delta {
		undo, keys, err := op.apply(next)
		if err != nil {
			return Commit{}, fmt.Errorf("document: op %d (%s): %w", i, op.Name(), err)
		}
		if op.ephemeral() {
			continue
		}
		fwd = append(fwd, op)
		inv = append(inv, undo)
		for _, k := range keys {
			touched[k] = struct{}{}
		}
	}
	slices.Reverse(inv)

	c := Commit{Base: cur.Revision, Revision: cur.Revision, Forward: fwd, Inverse: inv, State: next}
	if len(fwd) > 0 {
		next.Revision = cur.Revision + 1
		c.Revision = next.Revision
		for k := range touched {
			next.Entities[k] = next.Revision
			c.Touched = append(c.Touched, k)
		}
		slices.Sort(c.Touched)
	}
	return c, nil
}
