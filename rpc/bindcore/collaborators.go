package bindcore

import (
	"net"

	"github.com/gostdlib/base/context"

	"github.com/bearlytools/bindrpc/rpc/errors"
	"github.com/bearlytools/bindrpc/rpc/metadata"
)

// ObjectRef is an opaque reference to a receiver object handed across the
// underlying channel. The channel primitive (not this package) knows how
// to flatten/unflatten a reference into a live capability on the peer
// side, the way an Android Binder transaction flattens an IBinder.
type ObjectRef any

// Endpoint is the underlying one-way message channel primitive a
// Transport is built on. Both directions of a duplex pair are modeled as
// one Endpoint each: ours (which we dispatch inbound transactions into)
// and the peer's (which we send outbound transactions to, once setup
// hands it to us).
type Endpoint interface {
	// Transact delivers one one-way transaction to whatever process owns
	// this Endpoint. ref is non-nil only for SETUP_TRANSPORT, which hands
	// across a receiver-object reference alongside the payload. Transact
	// returns false (not an error) if the underlying driver reports the
	// peer is gone; callers map that to Unavailable.
	Transact(code TransactionCode, payload []byte, ref ObjectRef, oneWay bool) (bool, error)

	// GetCallerUID returns the uid of whichever process most recently
	// delivered a transaction to this Endpoint, i.e. our local uid when
	// this is our own receiving Endpoint.
	GetCallerUID() (uint32, bool)

	// LinkToDeath registers watcher to be invoked exactly once if the
	// process on the other end of this Endpoint dies. UnlinkToDeath
	// cancels that registration. LinkToDeath returns an error if the
	// peer is already dead.
	LinkToDeath(watcher func()) error
	UnlinkToDeath(watcher func())
}

// Addressable is an optional capability an Endpoint may implement to
// report the network addresses of the underlying channel, for the
// local-address/remote-address Attributes (spec.md §3), with the same
// method shape as net.Conn's LocalAddr/RemoteAddr. Endpoint
// implementations that are not network-backed (the common case for an
// on-device message-channel primitive) simply do not implement it, and
// the corresponding Attributes key is left unset.
type Addressable interface {
	LocalAddr() net.Addr
	RemoteAddr() net.Addr
}

// ServiceBinding acquires the initial reference to the peer's Endpoint.
// It is out of scope for this package (spec.md §1) beyond the two
// callbacks a ClientTransport drives its setup handshake from.
type ServiceBinding interface {
	Bind() error
	Unbind()
}

// BindingObserver receives the callbacks a ServiceBinding invokes once
// binding resolves, one way or the other.
type BindingObserver interface {
	OnBound(peer Endpoint)
	OnUnbound(status errors.Error)
}

// SecurityPolicy evaluates whether a remote uid may use this transport.
// Check may block (disk/network policy lookups) and must never be called
// while the transport lock is held.
type SecurityPolicy interface {
	CheckAuthorization(ctx context.Context, remoteUID uint32) errors.Error
}

// Inbound is the per-call collaborator that consumes inbound stream
// transactions for one call.
type Inbound interface {
	// HandleTransaction delivers one inbound stream payload for this
	// call. Called without the transport lock held.
	HandleTransaction(payload []byte, flags uint32) error

	// OnTransportReady is invoked whenever the transmit window clears
	// after having been full, once per call currently in the table.
	OnTransportReady()

	// CloseAbnormal ends the call with a non-graceful status, e.g.
	// because the transport shut down.
	CloseAbnormal(status errors.Error)
}

// Outbound is the per-call collaborator that produces outbound stream
// transactions. TransportCore is the concrete implementation streams call
// into; this interface documents the capability a stream framing layer
// is handed.
type Outbound interface {
	// SendStream emits one stream transaction for callID. Called without
	// the transport lock held; the caller holds its own per-call lock.
	SendStream(callID uint32, payload []byte, flags uint32) error

	// SendOutOfBandClose emits a best-effort close for callID carrying
	// status encoded with FlagOutOfBandClose set. Errors are logged, not
	// propagated: the call is closing regardless.
	SendOutOfBandClose(callID uint32, status errors.Error)
}

// ManagedClientListener receives client-role transport lifecycle events.
type ManagedClientListener interface {
	TransportReady()
	TransportShutdown(status errors.Error)
	TransportTerminated()
	TransportInUse(inUse bool)
}

// ServerTransportListener receives server-role transport lifecycle
// events. TransportReady may augment and return the attribute set, e.g.
// to add application-level attributes once the peer is authorized.
type ServerTransportListener interface {
	TransportReady(attrs Attributes) Attributes
	// StreamCreated notifies of a newly-registered call-id. headers uses
	// rpc/metadata.MD, the teacher's case-insensitive header bag, rather
	// than a bare map: a stream's headers are exactly the per-call
	// metadata rpc/metadata already models.
	StreamCreated(callID uint32, methodName string, headers metadata.MD)
	TransportTerminated()
}
