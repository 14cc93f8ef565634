package bindcore

import (
	"fmt"

	"github.com/gostdlib/base/concurrency/sync"

	"github.com/bearlytools/bindrpc/rpc/errors"
)

// TransportState is the five-state transport lifecycle of spec.md §3.
type TransportState uint8

const (
	NotStarted TransportState = iota
	Setup
	Ready
	Shutdown
	ShutdownTerminated
)

//go:generate stringer -type=TransportState

func (s TransportState) String() string {
	switch s {
	case NotStarted:
		return "NotStarted"
	case Setup:
		return "Setup"
	case Ready:
		return "Ready"
	case Shutdown:
		return "Shutdown"
	case ShutdownTerminated:
		return "ShutdownTerminated"
	default:
		return fmt.Sprintf("TransportState(%d)", uint8(s))
	}
}

// legalTransitions encodes spec.md §3's allowed transitions. Any pair not
// present here is a programming error.
var legalTransitions = map[TransportState]map[TransportState]bool{
	NotStarted: {Setup: true, Ready: true, Shutdown: true},
	Setup:      {Ready: true, Shutdown: true},
	Ready:      {Shutdown: true},
	Shutdown:   {ShutdownTerminated: true},
}

// ShutdownHooks are the role-specific callbacks LifecycleFSM invokes as
// it drives a transport through Shutdown/ShutdownTerminated.
// DetachReceiver and SendShutdownTransaction run while the FSM's own lock
// is held; NotifyShutdown runs after that lock is released; CloseCalls and
// NotifyTerminated run through Defer, off every lock (spec.md §4.1's
// "closing a call takes the call's own lock, which must never be
// acquired under the transport lock").
type ShutdownHooks struct {
	// NotifyShutdown is invoked once, the first time shutdown() runs,
	// with the canonical (first-wins) status.
	NotifyShutdown func(status errors.Error)
	// DetachReceiver stops further inbound dispatch. Invoked once, right
	// before the transition to ShutdownTerminated.
	DetachReceiver func()
	// SendShutdownTransaction makes a best-effort attempt to tell the
	// peer we're terminating. Errors are ignored by the caller.
	SendShutdownTransaction func()
	// CloseCalls is invoked, off the transport lock, with every call
	// snapshotted from the call table at termination time and the
	// canonical shutdown status.
	CloseCalls func(snapshot []Inbound, status errors.Error)
	// NotifyTerminated is invoked once termination completes, after
	// CloseCalls returns.
	NotifyTerminated func()
	// Defer schedules fn to run off the current call stack (e.g. on a
	// pool), so that lock ordering (spec.md §5) is preserved: shutdown
	// may be invoked from contexts already holding a call lock
	// (unregister-then-shutdown), and the transport lock must never be
	// taken while a call lock is held.
	Defer func(fn func())
}

// LifecycleFSM is the guarded five-state machine of spec.md §4.1. It
// guards its state and shutdown status with its own mutex, separate from
// TransportCore's transport lock; TransportCore calls Shutdown without
// holding the transport lock.
type LifecycleFSM struct {
	mu    sync.Mutex
	state TransportState

	calls *CallTable
	hooks ShutdownHooks

	shutdownOnce sync.Once
	status       errors.Error
	hasStatus    bool
	terminated   bool
}

// NewLifecycleFSM returns a LifecycleFSM starting in NotStarted.
func NewLifecycleFSM(calls *CallTable, hooks ShutdownHooks) *LifecycleFSM {
	return &LifecycleFSM{state: NotStarted, calls: calls, hooks: hooks}
}

// CurrentState returns the current TransportState.
func (f *LifecycleFSM) CurrentState() TransportState {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.state
}

// TransitionTo moves the FSM to next. It panics if the transition is not
// legal (spec.md §3: "any other transition is a programming error") —
// callers that might race a concurrent shutdown should check
// CurrentState first or route through Shutdown instead.
func (f *LifecycleFSM) TransitionTo(next TransportState) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.transitionLocked(next)
}

func (f *LifecycleFSM) transitionLocked(next TransportState) {
	if !legalTransitions[f.state][next] {
		panic(fmt.Sprintf("bindcore: illegal transport state transition %s -> %s", f.state, next))
	}
	f.state = next
}

// Status returns the canonical (first-wins) shutdown status, if any has
// been recorded yet.
func (f *LifecycleFSM) Status() (errors.Error, bool) {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.status, f.hasStatus
}

// Shutdown is the only path into Shutdown/ShutdownTerminated (spec.md
// §4.1). The first call's status is canonical; later calls never
// overwrite it but still advance termination.
func (f *LifecycleFSM) Shutdown(status errors.Error, forceTerminate bool) {
	f.mu.Lock()

	firstShutdown := !f.hasStatus
	if firstShutdown {
		f.status = status
		f.hasStatus = true
		if f.state != ShutdownTerminated {
			f.transitionLocked(Shutdown)
		}
	}
	notify := f.hooks.NotifyShutdown
	canonical := f.status

	if f.terminated {
		f.mu.Unlock()
		if firstShutdown && notify != nil {
			notify(canonical)
		}
		return
	}

	shouldTerminate := forceTerminate || f.calls.IsEmpty()
	if !shouldTerminate {
		f.mu.Unlock()
		if firstShutdown && notify != nil {
			notify(canonical)
		}
		return
	}

	f.terminated = true
	if f.hooks.DetachReceiver != nil {
		f.hooks.DetachReceiver()
	}
	f.transitionLocked(ShutdownTerminated)
	if f.hooks.SendShutdownTransaction != nil {
		f.hooks.SendShutdownTransaction()
	}
	snapshot := f.calls.SnapshotAndClear()

	f.mu.Unlock()

	if firstShutdown && notify != nil {
		notify(canonical)
	}

	run := func() {
		if f.hooks.CloseCalls != nil {
			f.hooks.CloseCalls(snapshot, canonical)
		}
		if f.hooks.NotifyTerminated != nil {
			f.hooks.NotifyTerminated()
		}
	}
	if f.hooks.Defer != nil {
		f.hooks.Defer(run)
	} else {
		run()
	}
}
