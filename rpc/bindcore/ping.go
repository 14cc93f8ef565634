package bindcore

import (
	"github.com/gostdlib/base/concurrency/sync"
)

// PingTracker correlates outbound PING transactions with their
// PING_RESPONSE and measures round-trip time, per spec.md §4.5. It is
// also used by the supplemented idle-ping feature in SPEC_FULL.md:
// TransportCore.RunIdlePingLoop calls Start and sends the PING itself on
// a schedule rather than only on explicit request.
type PingTracker struct {
	mu      sync.Mutex
	nextID  uint32
	pending map[uint32]pendingPing
}

type pendingPing struct {
	sentAtNanos int64
	onComplete  func(rttNanos int64)
}

// NewPingTracker returns an empty PingTracker.
func NewPingTracker() *PingTracker {
	return &PingTracker{pending: make(map[uint32]pendingPing)}
}

// Start records a new outbound ping, returning the id to encode into the
// PING transaction. onComplete is invoked exactly once, from Complete,
// with the observed round-trip time.
func (p *PingTracker) Start(nowNanos int64, onComplete func(rttNanos int64)) uint32 {
	p.mu.Lock()
	defer p.mu.Unlock()
	id := p.nextID
	p.nextID++
	p.pending[id] = pendingPing{sentAtNanos: nowNanos, onComplete: onComplete}
	return id
}

// Complete resolves the ping identified by id using a PING_RESPONSE
// observed at nowNanos. Reports false if id is unknown (a duplicate or
// stale response, which the caller should ignore rather than treat as an
// error — spec.md §4.5 does not make unmatched PING_RESPONSE fatal).
func (p *PingTracker) Complete(id uint32, nowNanos int64) bool {
	p.mu.Lock()
	pp, ok := p.pending[id]
	if ok {
		delete(p.pending, id)
	}
	p.mu.Unlock()

	if !ok {
		return false
	}
	if pp.onComplete != nil {
		pp.onComplete(nowNanos - pp.sentAtNanos)
	}
	return true
}

// Outstanding reports how many pings are awaiting a response. Used by
// the idle-ping supplemented feature to decide a missed pong means the
// peer is unresponsive.
func (p *PingTracker) Outstanding() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.pending)
}

// Clear drops every pending ping without invoking callbacks, used when
// the transport shuts down.
func (p *PingTracker) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.pending = make(map[uint32]pendingPing)
}
