// Package bindcore implements the transport core of a multiplexed RPC
// layer carried over an on-device inter-process message-passing
// primitive: an ordered one-way channel between two processes, each
// identified by a kernel-assigned numeric uid, where either endpoint can
// hand the other a reference to a receiver object and can observe the
// peer process's death.
//
// A Transport multiplexes many concurrent RPC calls over a single duplex
// pair of such channels, implements credit-based flow control, enforces a
// connection-setup handshake with peer authorization, tracks liveness via
// ping/pong, and drives a strict lifecycle state machine. Marshalling,
// method dispatch, and the binding front-door that hands a Transport its
// first Endpoint are collaborators this package consumes but does not
// implement.
package bindcore
