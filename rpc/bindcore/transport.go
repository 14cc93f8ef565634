package bindcore

import (
	"fmt"
	"sync/atomic"
	"time"

	"github.com/gostdlib/base/concurrency/sync"
	"github.com/gostdlib/base/context"
	"github.com/gostdlib/base/telemetry/otel/trace/span"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/bearlytools/bindrpc/rpc/errors"
)

// Role distinguishes which side of a transport a TransportCore plays;
// spec.md §4.4's setup ordering differs by role.
type Role uint8

const (
	RoleClient Role = iota
	RoleServer
)

// roleLabel renders Role as the lowercase string used for metric/span
// labels.
func roleLabel(r Role) string {
	if r == RoleServer {
		return "server"
	}
	return "client"
}

// Config carries the collaborators and options a TransportCore is built
// from (spec.md §2's "TransportCore wires WireCodec, FlowController,
// CallTable, LifecycleFSM, SetupHandshake and PingTracker together").
type Config struct {
	Role     Role
	Security SecurityPolicy

	// PingInterval is how often an idle transport pings its peer
	// (supplemented feature, SPEC_FULL.md). Zero disables idle pings.
	PingInterval time.Duration
	// PingTimeout, when positive, enables the unanswered-ping check of
	// RunIdlePingLoop: if a ping is still outstanding at the loop's next
	// idle tick, the transport shuts down with Unavailable. The check runs
	// on PingInterval's schedule; PingTimeout's value itself only appears
	// in the shutdown message.
	PingTimeout time.Duration

	// ParcelablePolicy seeds the inbound-parcelable-policy attribute
	// (spec.md §3, §9's REMOTE_UID/SERVER_AUTHORITY/INBOUND_PARCELABLE_POLICY
	// list), present from construction rather than only once Ready. Opaque
	// to bindcore; nil omits the attribute entirely.
	ParcelablePolicy any

	Metrics *Metrics

	// EnableTracing starts an OTEL span around the setup handshake and
	// around shutdown, following rpc/interceptor/otel's span-per-call
	// convention. Off by default.
	EnableTracing bool
}

// TransportCore is the central component of this package (spec.md §2):
// it owns the transport lock, dispatches inbound transactions, frames
// outbound stream sends, and drives the lifecycle/flow-control/ping
// collaborators per the locking discipline of spec.md §5 — the
// transport lock (mu) must never be held while calling into a per-call
// Inbound/Outbound implementation.
type TransportCore struct {
	ctx context.Context
	cfg Config

	mu    sync.Mutex
	peer  Endpoint // nil until setup completes
	local Endpoint // our own receiving Endpoint, handed to the peer during setup
	attrs Attributes

	calls *CallTable
	flow  *FlowController
	fsm   *LifecycleFSM
	ping  *PingTracker

	nextCallID uint32 // client-role allocation only, guarded by mu

	inUse      atomic.Int64
	lastActive atomic.Int64 // unix nanos, written by stream traffic

	clientListener ManagedClientListener
	serverListener ServerTransportListener

	detached atomic.Bool
}

// NewTransportCore wires the collaborators together per cfg. ctx is
// retained for the lifetime of the transport and used to submit
// background work (the deferred call closing and termination
// notification) onto the ambient executor, the way rpc/client.Dial and rpc/server.Serve
// thread their ctx through to context.Pool(ctx).Submit. The returned
// TransportCore starts in NotStarted; callers drive setup via
// BeginClientSetup or HandlePeerSetup (server role).
func NewTransportCore(ctx context.Context, cfg Config) *TransportCore {
	t := &TransportCore{
		ctx:        ctx,
		cfg:        cfg,
		calls:      NewCallTable(),
		flow:       NewFlowController(),
		ping:       NewPingTracker(),
		nextCallID: uint32(FirstCallID),
	}
	t.fsm = NewLifecycleFSM(t.calls, ShutdownHooks{
		NotifyShutdown:          t.onShutdownNotified,
		DetachReceiver:          func() { t.detached.Store(true) },
		SendShutdownTransaction: t.sendShutdownTransaction,
		CloseCalls:              t.closeAllAbnormal,
		NotifyTerminated:        t.onTerminated,
		Defer:                   t.deferOnPool,
	})
	t.lastActive.Store(time.Now().UnixNano())
	return t
}

// SetClientListener / SetServerListener attach the role-appropriate
// lifecycle listener. Exactly one is expected to be set, matching cfg.Role.
func (t *TransportCore) SetClientListener(l ManagedClientListener) { t.clientListener = l }
func (t *TransportCore) SetServerListener(l ServerTransportListener) { t.serverListener = l }

// SetLocalReceiver records the Endpoint this transport receives
// transactions on, so it can be handed to the peer during setup: the
// client passes it as BeginClientSetup's ref, and the server hands it
// back in its SETUP_TRANSPORT reply (spec.md §4.4).
func (t *TransportCore) SetLocalReceiver(local Endpoint) {
	t.mu.Lock()
	defer t.mu.Unlock()
	t.local = local
}

// State returns the current TransportState.
func (t *TransportCore) State() TransportState { return t.fsm.CurrentState() }

// deferOnPool schedules fn on the ambient executor bound to this
// transport's ctx, the way rpc/client.Conn submits readLoop/pingLoop via
// context.Pool(ctx).Submit (rpc/client/client.go). Used to run the
// post-termination call-closing pass off whatever call stack triggered
// the last Unregister, preserving the lock-ordering rule of spec.md §5.
func (t *TransportCore) deferOnPool(fn func()) {
	context.Pool(t.ctx).Submit(t.ctx, fn)
}

// startSpan starts a span named name when cfg.EnableTracing is set,
// following rpc/interceptor/otel's span.New/defer sp.End() convention.
// When tracing is disabled it returns ctx unchanged and a no-op end func.
func (t *TransportCore) startSpan(ctx context.Context, name string) (context.Context, func()) {
	if !t.cfg.EnableTracing {
		return ctx, func() {}
	}
	var sp span.Span
	ctx, sp = span.New(ctx,
		span.WithName(name),
		span.WithSpanStartOption(trace.WithSpanKind(trace.SpanKindInternal)),
	)
	sp.Span.SetAttributes(attribute.String("bindcore.role", roleLabel(t.cfg.Role)))
	return ctx, sp.End
}

// initialAttributesLocked builds the "initial" phase of Attributes
// (spec.md §3): the configured parcelable policy, a tentative
// SecurityLevelNone pending setup, and local/remote addresses when
// t.local implements Addressable. Must be called with t.mu held.
func (t *TransportCore) initialAttributesLocked() Attributes {
	attrs := NewAttributes().With(AttrSecurityLevel, SecurityLevelNone)
	if t.cfg.ParcelablePolicy != nil {
		attrs = attrs.With(AttrParcelablePolicy, t.cfg.ParcelablePolicy)
	}
	if addr, ok := t.local.(Addressable); ok {
		if a := addr.LocalAddr(); a != nil {
			attrs = attrs.With(AttrLocalAddress, a)
		}
		if a := addr.RemoteAddr(); a != nil {
			attrs = attrs.With(AttrRemoteAddress, a)
		}
	}
	return attrs
}

// ---- setup (spec.md §4.4) ----

// BeginClientSetup is the client-role entry point: it transitions
// NotStarted -> Setup and sends SETUP_TRANSPORT carrying our local
// receiver Endpoint as the out-of-band ref, per spec.md §4.4's client
// ordering ("bind, then send SETUP_TRANSPORT with our own receiver
// ref").
func (t *TransportCore) BeginClientSetup(localReceiver Endpoint) error {
	_, end := t.startSpan(t.ctx, "bindcore.Setup")
	defer end()

	t.mu.Lock()
	peer := t.peer
	t.local = localReceiver
	t.attrs = t.initialAttributesLocked()
	t.fsm.TransitionTo(Setup)
	t.mu.Unlock()

	if peer == nil {
		return errors.E(context.Background(), errors.FailedPrecondition,
			fmt.Errorf("bindcore: BeginClientSetup called before a peer Endpoint was bound"))
	}

	payload := encodeSetup(setupPayload{wireVersion: WireFormatVersion})
	ok, err := peer.Transact(CodeSetupTransport, payload, localReceiver, false)
	if err != nil {
		t.Shutdown(errors.E(context.Background(), errors.Unavailable, err), true)
		return err
	}
	if !ok {
		status := errors.E(context.Background(), errors.Unavailable, fmt.Errorf("bindcore: peer unreachable during setup"))
		t.Shutdown(status, true)
		return status
	}
	return nil
}

// HandlePeerSetup processes an inbound SETUP_TRANSPORT, the server-role
// (and client-role reply) half of spec.md §4.4. remoteUID is whatever
// Endpoint.GetCallerUID reported for the transaction that carried this
// payload; peer is the Endpoint ref it carried.
//
// SecurityPolicy.CheckAuthorization may block, so it is invoked without
// holding the transport lock, then the result is applied under the lock
// (spec.md §5).
func (t *TransportCore) HandlePeerSetup(ctx context.Context, payload []byte, remoteUID uint32, peer Endpoint) {
	ctx, end := t.startSpan(ctx, "bindcore.Setup")
	defer end()

	sp, err := decodeSetup(payload)
	if err != nil {
		t.Shutdown(errors.E(ctx, errors.Internal, err), true)
		return
	}
	if sp.wireVersion != WireFormatVersion {
		t.Shutdown(errors.E(ctx, errors.Unavailable,
			fmt.Errorf("bindcore: wire format version mismatch: peer speaks %d, we speak %d", sp.wireVersion, WireFormatVersion)), true)
		return
	}

	var authStatus errors.Error
	if t.cfg.Security != nil {
		authStatus = t.cfg.Security.CheckAuthorization(ctx, remoteUID)
	}

	t.mu.Lock()
	if t.fsm.CurrentState() == ShutdownTerminated {
		t.mu.Unlock()
		return
	}
	if !authStatus.IsZero() {
		t.mu.Unlock()
		t.Shutdown(authStatus, true)
		return
	}

	// security-level is PrivacyAndIntegrity when the peer's uid matches
	// our own (the default algorithm of spec.md §9 Design Notes; a
	// SecurityPolicy that wants a richer rule can override the key
	// itself from TransportReady).
	securityLevel := SecurityLevelIntegrity
	if localUID, ok := t.local.GetCallerUID(); ok && localUID == remoteUID {
		securityLevel = SecurityLevelPrivacyAndIntegrity
	}

	t.peer = peer
	t.attrs = t.initialAttributesLocked().
		With(AttrRemoteUID, remoteUID).
		With(AttrSecurityLevel, securityLevel)

	if t.cfg.Role == RoleServer {
		if t.serverListener != nil {
			t.attrs = t.serverListener.TransportReady(t.attrs)
		}
	}
	t.fsm.TransitionTo(Ready)
	local := t.local
	t.mu.Unlock()

	_ = peer.LinkToDeath(func() {
		t.Shutdown(errors.E(context.Background(), errors.Unavailable,
			fmt.Errorf("bindcore: peer process died")), true)
	})

	if t.cfg.Role == RoleServer {
		// Reply with our own SETUP_TRANSPORT so the client side, which is
		// still waiting in Setup, learns our receiver ref and reaches
		// Ready too (spec.md §4.4: "peer replies SETUP_TRANSPORT").
		_, _ = peer.Transact(CodeSetupTransport,
			encodeSetup(setupPayload{wireVersion: WireFormatVersion}), local, true)
	}

	if t.cfg.Role == RoleClient && t.clientListener != nil {
		t.clientListener.TransportReady()
	}
}

// ---- inbound dispatch (spec.md §4.6) ----

// HandleTransaction is the single entry point inbound transactions are
// delivered through. It must never be called while holding the
// transport lock; it acquires it only for the bookkeeping portions and
// defers everything that calls into collaborator code.
func (t *TransportCore) HandleTransaction(ctx context.Context, code TransactionCode, payload []byte, flags uint32, remoteUID uint32) {
	if t.detached.Load() {
		return
	}
	t.lastActive.Store(time.Now().UnixNano())

	if code.IsControl() {
		t.handleControl(ctx, code, payload, remoteUID)
		return
	}
	t.handleStream(uint32(code), payload, flags)
}

func (t *TransportCore) handleControl(ctx context.Context, code TransactionCode, payload []byte, remoteUID uint32) {
	switch code {
	case CodeSetupTransport:
		// Peers only send SETUP_TRANSPORT as the initial transaction;
		// TransportCore's caller routes the first inbound transaction on
		// an un-setup transport here directly with the carried ref, so by
		// the time HandleTransaction sees it as a "stream" payload this
		// case is unreachable in practice. Kept for completeness / tests
		// that inject it directly.
	case CodeShutdownTransport:
		t.Shutdown(errors.E(ctx, errors.Unavailable,
			fmt.Errorf("bindcore: peer requested shutdown")), false)
	case CodeAcknowledgeBytes:
		t.onAcknowledgeBytes(payload)
	case CodePing:
		t.onPing(payload)
	case CodePingResponse:
		t.onPingResponse(payload)
	default:
		// Unknown control code: ignore, per spec.md's forward-compat
		// stance on codes it doesn't define.
	}
}

func (t *TransportCore) onAcknowledgeBytes(payload []byte) {
	reported, err := decodeAckBytes(payload)
	if err != nil {
		return
	}
	t.mu.Lock()
	_, windowCleared := t.flow.OnPeerAck(reported)
	t.mu.Unlock()

	if windowCleared {
		t.calls.Each(func(_ uint32, in Inbound) {
			in.OnTransportReady()
		})
	}
}

func (t *TransportCore) onPing(payload []byte) {
	id, err := decodePingID(payload)
	if err != nil {
		return
	}
	t.mu.Lock()
	peer := t.peer
	t.mu.Unlock()
	if peer == nil {
		return
	}
	_, _ = peer.Transact(CodePingResponse, encodePingID(id), nil, true)
}

func (t *TransportCore) onPingResponse(payload []byte) {
	id, err := decodePingID(payload)
	if err != nil {
		return
	}
	t.ping.Complete(id, time.Now().UnixNano())
	if t.cfg.Metrics != nil {
		t.cfg.Metrics.ObservePing()
	}
}

func (t *TransportCore) handleStream(callID uint32, raw []byte, rawFlags uint32) {
	flags, body, err := decodeStreamBody(raw)
	if err != nil {
		return
	}
	flags |= rawFlags

	t.mu.Lock()
	n, ackNow := t.flow.RecordReceived(int64(len(body)), t.flow.ReceivedAcked())
	_ = n
	t.mu.Unlock()

	in, existing := t.calls.Get(callID)
	if !existing {
		// Server-role first receipt is registered by
		// ServerTransport.HandleTransaction before it delegates here, so
		// an unknown id is dropped; client-role receiving a
		// transaction for an id it never registered is a protocol error
		// and is simply dropped (spec.md does not define a reply for it).
		return
	}

	if err := in.HandleTransaction(body, flags); err != nil {
		t.unregisterLocked(callID, errors.E(context.Background(), errors.Internal, err))
	}

	if ackNow {
		t.sendAck()
	}
}

func (t *TransportCore) sendAck() {
	t.mu.Lock()
	if t.peer == nil {
		t.mu.Unlock()
		return
	}
	peer := t.peer
	snapshot := t.flow.EmitAck()
	t.mu.Unlock()

	_, _ = peer.Transact(CodeAcknowledgeBytes, encodeAckBytes(snapshot), nil, true)
}

// ---- outbound (spec.md §4.7) ----

// RegisterCall installs inbound as the Inbound for callID, used both by
// client-role call-id allocation (NewCallID) and server-role first
// receipt.
func (t *TransportCore) RegisterCall(callID uint32, inbound Inbound) (existing Inbound, inserted bool) {
	return t.calls.PutIfAbsent(callID, inbound)
}

// NewCallID allocates the next client-role call-id, wrapping within
// [FirstCallID, LastCallID] and returning Internal if every id is
// presently in use (spec.md §4.3's collision handling).
func (t *TransportCore) NewCallID() (uint32, error) {
	t.mu.Lock()
	defer t.mu.Unlock()

	start := t.nextCallID
	for {
		id := t.nextCallID
		t.nextCallID++
		if TransactionCode(t.nextCallID) < FirstCallID {
			t.nextCallID = uint32(FirstCallID)
		}
		if _, ok := t.calls.Get(id); !ok {
			return id, nil
		}
		if t.nextCallID == start {
			return 0, errors.E(context.Background(), errors.Internal,
				fmt.Errorf("bindcore: call-id space exhausted"))
		}
	}
}

// SendStream frames payload and sends it as a stream transaction for
// callID. Must be called without the transport lock held (the caller
// holds its own per-call lock, never the transport lock — spec.md §5).
func (t *TransportCore) SendStream(callID uint32, payload []byte, flags uint32) error {
	t.mu.Lock()
	if t.peer == nil {
		t.mu.Unlock()
		return errors.E(context.Background(), errors.FailedPrecondition,
			fmt.Errorf("bindcore: transport not ready"))
	}
	peer := t.peer
	acked := t.flow.SentAcked()
	t.mu.Unlock()

	t.flow.RecordSent(int64(len(payload)), acked)
	t.lastActive.Store(time.Now().UnixNano())

	ok, err := peer.Transact(TransactionCode(callID), encodeStreamBody(flags, payload), nil, false)
	if err != nil {
		return errors.E(context.Background(), errors.Unavailable, err)
	}
	if !ok {
		return errors.E(context.Background(), errors.Unavailable,
			fmt.Errorf("bindcore: peer unreachable"))
	}
	return nil
}

// SendOutOfBandClose makes a best-effort attempt to tell the peer callID
// is closing with status; failures are swallowed since the call is
// ending regardless (spec.md §4.7).
func (t *TransportCore) SendOutOfBandClose(callID uint32, status errors.Error) {
	t.mu.Lock()
	peer := t.peer
	t.mu.Unlock()
	if peer == nil {
		return
	}
	body := []byte(status.Error())
	_, _ = peer.Transact(TransactionCode(callID), encodeStreamBody(FlagOutOfBandClose, body), nil, true)
}

// WindowFull reports whether the shared transmit window is presently
// full, for stream code deciding whether to block a send. Lock-free
// (spec.md §5).
func (t *TransportCore) WindowFull() bool { return t.flow.WindowFull() }

// ---- call deregistration (spec.md §4.8) ----

// Unregister removes callID from the call table. If shutdown has already
// been requested, it re-runs the graceful (non-forced) shutdown with the
// recorded status, which drives the transport the rest of the way to
// ShutdownTerminated once this was the last call.
func (t *TransportCore) Unregister(callID uint32) {
	t.calls.Remove(callID)
	if status, has := t.fsm.Status(); has {
		t.fsm.Shutdown(status, false)
	}
}

func (t *TransportCore) unregisterLocked(callID uint32, status errors.Error) {
	if in, ok := t.calls.Get(callID); ok {
		t.calls.Remove(callID)
		in.CloseAbnormal(status)
	}
	if existingStatus, has := t.fsm.Status(); has {
		t.fsm.Shutdown(existingStatus, false)
	}
}

// ---- shutdown (spec.md §4.1) ----

// Shutdown requests the transport shut down with status. If
// forceTerminate is false and calls remain outstanding, the transport
// enters Shutdown but defers reaching ShutdownTerminated until the call
// table drains (each Unregister re-checks).
func (t *TransportCore) Shutdown(status errors.Error, forceTerminate bool) {
	_, end := t.startSpan(t.ctx, "bindcore.Shutdown")
	defer end()

	t.fsm.Shutdown(status, forceTerminate)
}

func (t *TransportCore) onShutdownNotified(status errors.Error) {
	switch t.cfg.Role {
	case RoleClient:
		if t.clientListener != nil {
			t.clientListener.TransportShutdown(status)
		}
	case RoleServer:
		// ServerTransportListener has no Shutdown callback distinct from
		// TransportTerminated per spec.md §4.1's server-role ordering.
	}
	if t.cfg.Metrics != nil {
		t.cfg.Metrics.ObserveShutdown()
	}
}

func (t *TransportCore) sendShutdownTransaction() {
	if t.peer == nil {
		return
	}
	_, _ = t.peer.Transact(CodeShutdownTransport, nil, nil, true)
}

func (t *TransportCore) closeAllAbnormal(snapshot []Inbound, status errors.Error) {
	t.ping.Clear()
	for _, in := range snapshot {
		in.CloseAbnormal(status)
	}
}

func (t *TransportCore) onTerminated() {
	switch t.cfg.Role {
	case RoleClient:
		if t.clientListener != nil {
			t.clientListener.TransportTerminated()
		}
	case RoleServer:
		if t.serverListener != nil {
			t.serverListener.TransportTerminated()
		}
	}
	if t.cfg.Metrics != nil {
		t.cfg.Metrics.ObserveTerminated()
	}
}

// ---- in-use accounting (client role) ----

// EnterUse / ExitUse track whether any call is presently using this
// transport, notifying ManagedClientListener.TransportInUse on the 0<->1
// edges.
func (t *TransportCore) EnterUse() {
	if t.inUse.Add(1) == 1 && t.clientListener != nil {
		t.clientListener.TransportInUse(true)
	}
}

func (t *TransportCore) ExitUse() {
	if t.inUse.Add(-1) == 0 && t.clientListener != nil {
		t.clientListener.TransportInUse(false)
	}
}

// ---- idle ping (supplemented feature, SPEC_FULL.md) ----

// RunIdlePingLoop blocks sending PING whenever the transport has been
// idle for cfg.PingInterval, until ctx is done or the transport
// terminates. Callers submit it via context.Pool(ctx), the way
// rpc/client.Conn submits pingLoop in its constructor.
func (t *TransportCore) RunIdlePingLoop(ctx context.Context) {
	if t.cfg.PingInterval <= 0 {
		return
	}
	ticker := time.NewTicker(t.cfg.PingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		if t.fsm.CurrentState() != Ready {
			if t.fsm.CurrentState() == ShutdownTerminated {
				return
			}
			continue
		}
		idleFor := time.Duration(time.Now().UnixNano() - t.lastActive.Load())
		if idleFor < t.cfg.PingInterval {
			continue
		}
		if t.cfg.PingTimeout > 0 && t.ping.Outstanding() > 0 {
			t.Shutdown(errors.E(ctx, errors.Unavailable,
				fmt.Errorf("bindcore: peer did not answer ping within %s", t.cfg.PingTimeout)), true)
			return
		}

		t.mu.Lock()
		peer := t.peer
		t.mu.Unlock()
		if peer == nil {
			continue
		}
		id := t.ping.Start(time.Now().UnixNano(), func(rttNanos int64) {
			if t.cfg.Metrics != nil {
				t.cfg.Metrics.ObservePingRTT(time.Duration(rttNanos))
			}
		})
		_, _ = peer.Transact(CodePing, encodePingID(id), nil, true)
	}
}
