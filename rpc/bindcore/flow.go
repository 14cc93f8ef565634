package bindcore

import "sync/atomic"

// Flow-control constants (spec.md §3, GLOSSARY).
const (
	// TransmitWindow caps unacknowledged outbound bytes.
	TransmitWindow int64 = 128 * 1024
	// AckThreshold is the received-byte delta that forces an ack.
	AckThreshold int64 = 16 * 1024
)

// FlowController tracks the four monotonically increasing byte counters
// of spec.md §3 and decides when the local send path must stall or an ack
// must be emitted.
//
// bytesSent and bytesReceived are atomic so stream code can be told
// "would I block" (via windowFull) without acquiring the transport lock
// (spec.md §5). bytesSentAcked/bytesReceivedAcked are read and written
// only under the transport lock by TransportCore and are plain fields.
type FlowController struct {
	bytesSent     atomic.Int64
	bytesReceived atomic.Int64
	windowFull    atomic.Bool

	// Guarded by the owning TransportCore's transport lock.
	bytesSentAcked     int64
	bytesReceivedAcked int64
}

// NewFlowController returns a FlowController with all counters at zero.
func NewFlowController() *FlowController {
	return &FlowController{}
}

// BytesSent returns the current sent-byte counter.
func (f *FlowController) BytesSent() int64 { return f.bytesSent.Load() }

// BytesReceived returns the current received-byte counter.
func (f *FlowController) BytesReceived() int64 { return f.bytesReceived.Load() }

// WindowFull reports whether the transmit window is currently full. Safe
// to call without any lock.
func (f *FlowController) WindowFull() bool { return f.windowFull.Load() }

// RecordSent adds n to bytesSent and updates windowFull. Returns the new
// bytesSent value.
func (f *FlowController) RecordSent(n int64, acked int64) int64 {
	newVal := f.bytesSent.Add(n)
	if newVal-acked > TransmitWindow {
		f.windowFull.Store(true)
	}
	return newVal
}

// RecordReceived adds n to bytesReceived and reports whether the gap
// since the last ack now exceeds AckThreshold, i.e. an ack must be sent.
func (f *FlowController) RecordReceived(n int64, acked int64) (newVal int64, ackNow bool) {
	newVal = f.bytesReceived.Add(n)
	return newVal, newVal-acked > AckThreshold
}

// WrapAwareMax implements spec.md §4.2's monotone update: signed
// subtraction tolerates 64-bit wraparound and ack reordering while never
// regressing.
func WrapAwareMax(a, b int64) int64 {
	if a-b < 0 {
		return b
	}
	return a
}

// OnPeerAck advances bytesSentAcked using WrapAwareMax. Must be called
// under the transport lock (it mutates bytesSentAcked). Returns the
// updated acked value and whether the window just transitioned from full
// to not-full (the caller must then wake every Inbound in the call
// table).
func (f *FlowController) OnPeerAck(peerReported int64) (acked int64, windowCleared bool) {
	wasFull := f.windowFull.Load()
	f.bytesSentAcked = WrapAwareMax(f.bytesSentAcked, peerReported)

	stillFull := f.bytesSent.Load()-f.bytesSentAcked > TransmitWindow
	if !stillFull {
		f.windowFull.Store(false)
	}
	return f.bytesSentAcked, wasFull && !stillFull
}

// SentAcked returns the last acked-by-peer sent-byte count. Caller must
// hold the transport lock.
func (f *FlowController) SentAcked() int64 { return f.bytesSentAcked }

// EmitAck snapshots bytesReceived into bytesReceivedAcked and returns the
// snapshot to encode into an ACKNOWLEDGE_BYTES transaction. Caller must
// hold the transport lock.
func (f *FlowController) EmitAck() int64 {
	f.bytesReceivedAcked = f.bytesReceived.Load()
	return f.bytesReceivedAcked
}

// ReceivedAcked returns the last value told to the peer. Caller must hold
// the transport lock.
func (f *FlowController) ReceivedAcked() int64 { return f.bytesReceivedAcked }
