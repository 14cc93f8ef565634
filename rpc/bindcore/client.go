package bindcore

import (
	"fmt"
	"time"

	"github.com/gostdlib/base/context"

	"github.com/bearlytools/bindrpc/rpc/errors"
)

// ClientTransport is the client-role wrapper around TransportCore: it
// drives binding to the peer service and the client-initiated half of
// setup (spec.md §4.4), and allocates call-ids for outbound calls.
type ClientTransport struct {
	core    *TransportCore
	binding ServiceBinding
	local   Endpoint
}

// NewClientTransport wires a ClientTransport. local is our own receiver
// Endpoint, handed to the peer during setup so it can address
// transactions back to us.
func NewClientTransport(ctx context.Context, cfg Config, binding ServiceBinding, local Endpoint, listener ManagedClientListener) *ClientTransport {
	cfg.Role = RoleClient
	core := NewTransportCore(ctx, cfg)
	core.SetClientListener(listener)
	return &ClientTransport{core: core, binding: binding, local: local}
}

// Core exposes the underlying TransportCore for stream code to send
// through / register calls against.
func (c *ClientTransport) Core() *TransportCore { return c.core }

// Start binds to the peer service and, once OnBound fires, begins the
// setup handshake. This is the client-role half of spec.md §4.4: "bind,
// then send SETUP_TRANSPORT with our own receiver ref."
func (c *ClientTransport) Start() error {
	if err := c.binding.Bind(); err != nil {
		status := errors.E(context.Background(), errors.Unavailable, err)
		c.core.Shutdown(status, true)
		return status
	}
	return nil
}

// OnBound is the BindingObserver callback invoked once the
// ServiceBinding resolves a live peer Endpoint.
func (c *ClientTransport) OnBound(peer Endpoint) {
	c.core.mu.Lock()
	c.core.peer = peer
	c.core.mu.Unlock()
	if err := c.core.BeginClientSetup(c.local); err != nil {
		return
	}
}

// OnUnbound is the BindingObserver callback invoked if binding fails or
// the binding later tears down.
func (c *ClientTransport) OnUnbound(status errors.Error) {
	c.core.Shutdown(status, true)
}

// NewCall allocates a call-id, registers inbound against it and marks
// the transport in use, then returns the call-id; the caller streams to
// it through Core().SendStream. Mirrors rpc/client's per-RPC session
// creation (rpc/client/client.go's openSession), generalized to spec.md
// §4.3's call-id allocation rules.
func (c *ClientTransport) NewCall(inbound Inbound) (callID uint32, err error) {
	if c.core.State() != Ready {
		return 0, errors.E(context.Background(), errors.FailedPrecondition,
			fmt.Errorf("bindcore: transport not ready"))
	}
	id, callErr := c.core.NewCallID()
	if callErr != nil {
		return 0, callErr
	}
	c.core.RegisterCall(id, inbound)
	c.core.EnterUse()
	return id, nil
}

// EndCall deregisters callID and, if this was the last active call,
// notifies TransportInUse(false) via TransportCore.ExitUse.
func (c *ClientTransport) EndCall(callID uint32) {
	c.core.Unregister(callID)
	c.core.ExitUse()
}

// Ping issues an on-demand PING to the peer and, once the matching
// PING_RESPONSE arrives, invokes callback with the observed round-trip
// time via executor (spec.md §4.5: "the client exposes ping(callback,
// executor)"). executor is supplied by the caller; there is no default.
// Fails with FailedPrecondition if the transport is not Ready.
func (c *ClientTransport) Ping(ctx context.Context, callback func(rtt time.Duration), executor func(func())) error {
	if c.core.State() != Ready {
		return errors.E(ctx, errors.FailedPrecondition,
			fmt.Errorf("bindcore: ping requested before transport ready"))
	}

	c.core.mu.Lock()
	peer := c.core.peer
	c.core.mu.Unlock()
	if peer == nil {
		return errors.E(ctx, errors.FailedPrecondition,
			fmt.Errorf("bindcore: ping requested before transport ready"))
	}

	id := c.core.ping.Start(time.Now().UnixNano(), func(rttNanos int64) {
		executor(func() { callback(time.Duration(rttNanos)) })
	})
	if _, err := peer.Transact(CodePing, encodePingID(id), nil, true); err != nil {
		return errors.E(ctx, errors.Unavailable, err)
	}
	return nil
}

// Close begins a graceful shutdown: Ready calls are allowed to drain and
// ShutdownTerminated is reached once the call table empties.
func (c *ClientTransport) Close(status errors.Error) {
	c.core.Shutdown(status, false)
}

// CloseForce tears the transport down immediately, abandoning any
// outstanding calls (spec.md §4.1's force_terminate path).
func (c *ClientTransport) CloseForce(status errors.Error) {
	c.core.Shutdown(status, true)
}
