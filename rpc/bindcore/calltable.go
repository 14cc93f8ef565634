package bindcore

import (
	"github.com/gostdlib/base/concurrency/sync"
)

// CallTable is the thread-safe call-id -> Inbound mapping of spec.md §4.3.
// PutIfAbsent is what lets the dispatcher and client-side stream creation
// race over the same id without double-creating an Inbound.
type CallTable struct {
	mu    sync.Mutex
	calls map[uint32]Inbound
}

// NewCallTable returns an empty CallTable.
func NewCallTable() *CallTable {
	return &CallTable{calls: make(map[uint32]Inbound)}
}

// Get returns the Inbound registered for id, if any.
func (t *CallTable) Get(id uint32) (Inbound, bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	in, ok := t.calls[id]
	return in, ok
}

// PutIfAbsent registers inbound for id unless one is already registered,
// in which case the existing registration is returned unchanged.
func (t *CallTable) PutIfAbsent(id uint32, inbound Inbound) (existing Inbound, inserted bool) {
	t.mu.Lock()
	defer t.mu.Unlock()
	if existing, ok := t.calls[id]; ok {
		return existing, false
	}
	t.calls[id] = inbound
	return inbound, true
}

// Remove deletes id from the table, reporting whether it was present.
func (t *CallTable) Remove(id uint32) bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	if _, ok := t.calls[id]; !ok {
		return false
	}
	delete(t.calls, id)
	return true
}

// IsEmpty reports whether the table currently holds no calls.
func (t *CallTable) IsEmpty() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls) == 0
}

// Len returns the number of calls currently registered.
func (t *CallTable) Len() int {
	t.mu.Lock()
	defer t.mu.Unlock()
	return len(t.calls)
}

// SnapshotAndClear atomically returns every registered Inbound and empties
// the table. Used by LifecycleFSM when driving termination (spec.md
// §4.1): the transport detaches its receiver, takes this snapshot, and
// closes every call off the transport lock.
func (t *CallTable) SnapshotAndClear() []Inbound {
	t.mu.Lock()
	defer t.mu.Unlock()
	snap := make([]Inbound, 0, len(t.calls))
	for _, in := range t.calls {
		snap = append(snap, in)
	}
	t.calls = make(map[uint32]Inbound)
	return snap
}

// Each calls fn for every Inbound currently registered, after releasing
// the table's internal lock, so fn is free to call back into the table
// (e.g. Remove) without deadlocking. Used to wake calls when the transmit
// window clears (spec.md §4.2).
func (t *CallTable) Each(fn func(id uint32, in Inbound)) {
	t.mu.Lock()
	snap := make(map[uint32]Inbound, len(t.calls))
	for id, in := range t.calls {
		snap[id] = in
	}
	t.mu.Unlock()

	for id, in := range snap {
		fn(id, in)
	}
}
