package bindcore

import (
	"github.com/gostdlib/base/context"

	"github.com/bearlytools/bindrpc/rpc/errors"
)

// ServerTransport is the server-role wrapper around TransportCore: it
// answers the client-initiated setup handshake and lazily creates a call
// entry on a stream transaction's first receipt, per spec.md §4.4 and
// §4.3's server-role call-id assignment rule ("the server learns a
// call-id only by receiving it for the first time; it never allocates
// one itself").
type ServerTransport struct {
	core *TransportCore

	// newInbound constructs the per-call Inbound for a call-id the
	// server is seeing for the first time. methodName/headers come from
	// the stream framing layer above bindcore (out of scope here), so
	// this is left to the caller to plug in.
	newInbound func(callID uint32) Inbound
}

// NewServerTransport wires a ServerTransport. local is the Endpoint this
// server receives transactions on, handed back to the client in the
// SETUP_TRANSPORT reply TransportCore sends once authorized.
func NewServerTransport(ctx context.Context, cfg Config, local Endpoint, listener ServerTransportListener, newInbound func(callID uint32) Inbound) *ServerTransport {
	cfg.Role = RoleServer
	core := NewTransportCore(ctx, cfg)
	core.SetServerListener(listener)
	core.SetLocalReceiver(local)
	return &ServerTransport{core: core, newInbound: newInbound}
}

// Core exposes the underlying TransportCore.
func (s *ServerTransport) Core() *TransportCore { return s.core }

// HandleSetup processes the client's inbound SETUP_TRANSPORT. remoteUID
// and peer come from whatever delivered the transaction to our
// receiving Endpoint (Endpoint.GetCallerUID and the transaction's ref,
// respectively).
func (s *ServerTransport) HandleSetup(ctx context.Context, payload []byte, remoteUID uint32, peer Endpoint) {
	s.core.HandlePeerSetup(ctx, payload, remoteUID, peer)
}

// HandleTransaction is the inbound entry point for everything after
// setup. On first receipt of a call-id, it lazily creates the call via
// newInbound and notifies ServerTransportListener.StreamCreated before
// delivering the payload. methodName/headers are left empty: bindcore
// only sees a call-id and a stream payload, never a method name — a
// framing layer above it that parses one out of the first payload is
// free to call StreamCreated itself with the real value instead.
func (s *ServerTransport) HandleTransaction(ctx context.Context, code TransactionCode, payload []byte, flags uint32, remoteUID uint32) {
	if !code.IsControl() {
		callID := uint32(code)
		if _, ok := s.core.calls.Get(callID); !ok && s.newInbound != nil {
			inbound := s.newInbound(callID)
			if _, inserted := s.core.RegisterCall(callID, inbound); inserted && s.core.serverListener != nil {
				s.core.serverListener.StreamCreated(callID, "", nil)
			}
		}
	}
	s.core.HandleTransaction(ctx, code, payload, flags, remoteUID)
}

// EndCall deregisters callID; unlike the client role there is no
// in-use/idle accounting to update.
func (s *ServerTransport) EndCall(callID uint32) {
	s.core.Unregister(callID)
}

// Close begins graceful shutdown.
func (s *ServerTransport) Close(status errors.Error) {
	s.core.Shutdown(status, false)
}

// CloseForce tears the transport down immediately.
func (s *ServerTransport) CloseForce(status errors.Error) {
	s.core.Shutdown(status, true)
}
