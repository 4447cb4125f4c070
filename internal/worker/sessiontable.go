package worker

import "github.com/mzimbres/occase-gateway/internal/gateway"

// Handle is the generation/slot pair spec.md §9 prescribes in place of
// the source's weak_ptr<proxy_session> back-reference: a lookup that
// presents a stale generation returns not-found instead of resurrecting
// a slot that has since been reused by a different session.
type Handle struct {
	Generation uint64
	Slot       int
}

type slot struct {
	session    *gateway.Session
	generation uint64
	occupied   bool
}

// SessionTable is a slab of session slots indexed by Handle. It is
// only ever touched from the worker's single reactor goroutine, so it
// carries no internal locking.
type SessionTable struct {
	slots   []slot
	free    []int
	nextGen uint64
}

func NewSessionTable() *SessionTable {
	return &SessionTable{}
}

// Insert places s into a free slot (or grows the slab) and returns a
// fresh handle. The generation counter is monotonic across the whole
// table, so handles from a removed slot never alias a later occupant.
func (t *SessionTable) Insert(s *gateway.Session) Handle {
	t.nextGen++
	gen := t.nextGen

	if n := len(t.free); n > 0 {
		i := t.free[n-1]
		t.free = t.free[:n-1]
		t.slots[i] = slot{session: s, generation: gen, occupied: true}
		return Handle{Generation: gen, Slot: i}
	}

	t.slots = append(t.slots, slot{session: s, generation: gen, occupied: true})
	return Handle{Generation: gen, Slot: len(t.slots) - 1}
}

// Lookup resolves a handle to its session, returning false if the slot
// has been removed or reused since the handle was issued.
func (t *SessionTable) Lookup(h Handle) (*gateway.Session, bool) {
	if h.Slot < 0 || h.Slot >= len(t.slots) {
		return nil, false
	}
	sl := t.slots[h.Slot]
	if !sl.occupied || sl.generation != h.Generation {
		return nil, false
	}
	return sl.session, true
}

// Remove invalidates the handle's slot so any other handle pointing at
// it (e.g. stale entries in an in-flight queue) observes a generation
// mismatch rather than a resurrected session.
func (t *SessionTable) Remove(h Handle) {
	if h.Slot < 0 || h.Slot >= len(t.slots) {
		return
	}
	sl := &t.slots[h.Slot]
	if !sl.occupied || sl.generation != h.Generation {
		return
	}
	sl.occupied = false
	sl.session = nil
	t.free = append(t.free, h.Slot)
}
