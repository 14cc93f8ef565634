package bindcore

import (
	"sync"
	"testing"

	"github.com/bearlytools/bindrpc/rpc/errors"
)

type fakeInbound struct {
	closed      bool
	closedBy    errors.Error
	readies     int
	lastPayload []byte
	lastFlags   uint32
}

func (f *fakeInbound) HandleTransaction(payload []byte, flags uint32) error {
	f.lastPayload = payload
	f.lastFlags = flags
	return nil
}
func (f *fakeInbound) OnTransportReady() { f.readies++ }
func (f *fakeInbound) CloseAbnormal(status errors.Error) {
	f.closed = true
	f.closedBy = status
}

func TestCallTablePutIfAbsent(t *testing.T) {
	table := NewCallTable()
	a := &fakeInbound{}
	b := &fakeInbound{}

	existing, inserted := table.PutIfAbsent(1, a)
	if !inserted || existing != a {
		t.Fatalf("first PutIfAbsent: inserted=%v existing=%v, want true, a", inserted, existing)
	}

	existing, inserted = table.PutIfAbsent(1, b)
	if inserted {
		t.Error("second PutIfAbsent on same id: inserted=true, want false")
	}
	if existing != a {
		t.Error("second PutIfAbsent: existing != original registration")
	}
}

func TestCallTableRemoveAndIsEmpty(t *testing.T) {
	table := NewCallTable()
	table.PutIfAbsent(1, &fakeInbound{})

	if table.IsEmpty() {
		t.Fatal("IsEmpty() = true right after registering a call")
	}
	if !table.Remove(1) {
		t.Fatal("Remove(1) = false, want true")
	}
	if !table.IsEmpty() {
		t.Error("IsEmpty() = false after removing the only call")
	}
	if table.Remove(1) {
		t.Error("Remove(1) a second time = true, want false")
	}
}

func TestCallTableSnapshotAndClear(t *testing.T) {
	table := NewCallTable()
	table.PutIfAbsent(1, &fakeInbound{})
	table.PutIfAbsent(2, &fakeInbound{})

	snap := table.SnapshotAndClear()
	if len(snap) != 2 {
		t.Fatalf("len(snap) = %d, want 2", len(snap))
	}
	if !table.IsEmpty() {
		t.Error("table not empty after SnapshotAndClear")
	}
}

// TestCallTableEachReentrant exercises the deadlock-avoidance property:
// fn must be free to call back into the table (e.g. Remove) because Each
// releases its internal lock before invoking fn.
func TestCallTableEachReentrant(t *testing.T) {
	table := NewCallTable()
	table.PutIfAbsent(1, &fakeInbound{})
	table.PutIfAbsent(2, &fakeInbound{})

	var wg sync.WaitGroup
	done := make(chan struct{})
	wg.Add(1)
	go func() {
		defer wg.Done()
		table.Each(func(id uint32, in Inbound) {
			table.Remove(id)
		})
		close(done)
	}()

	wg.Wait()
	select {
	case <-done:
	default:
		t.Fatal("Each did not complete; suspected deadlock calling back into the table")
	}
	if !table.IsEmpty() {
		t.Error("table not empty after Each removed every entry")
	}
}
