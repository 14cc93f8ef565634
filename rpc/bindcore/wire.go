package bindcore

import (
	"bytes"
	"fmt"
	"io"

	"github.com/bearlytools/bindrpc/internal/binary"
)

// TransactionCode identifies a one-way delivery across the underlying
// channel. Codes below FirstCallID are control transactions interpreted
// by TransportCore itself; codes at or above FirstCallID both identify a
// call and serve as the transaction code for its stream messages.
type TransactionCode uint32

// Control transaction codes (spec.md §6). 1000 codes are reserved for
// control below FirstCallID.
const (
	FirstTransactionCode TransactionCode = 1

	CodeSetupTransport    TransactionCode = FirstTransactionCode + 0
	CodeShutdownTransport TransactionCode = FirstTransactionCode + 1
	CodeAcknowledgeBytes  TransactionCode = FirstTransactionCode + 2
	CodePing              TransactionCode = FirstTransactionCode + 3
	CodePingResponse       TransactionCode = FirstTransactionCode + 4

	// FirstCallID is the first transaction code usable as a call-id.
	// 1000 codes starting at FirstTransactionCode are reserved for
	// control.
	FirstCallID TransactionCode = FirstTransactionCode + 1000
	// LastCallID is the last transaction code usable as a call-id.
	LastCallID TransactionCode = ^TransactionCode(0)
)

// WireFormatVersion is the version this implementation speaks. Setup
// requires an exact match (spec.md §4.4, scenario S2): there is no
// negotiation between versions.
const WireFormatVersion int32 = 1

// Stream flag bits (spec.md §6). Additional bits are defined by the
// stream-framing collaborator and simply pass through unrecognized here.
const (
	FlagOutOfBandClose uint32 = 1 << 0
)

// IsControl reports whether code identifies a control transaction rather
// than a call-id.
func (c TransactionCode) IsControl() bool {
	return c < FirstCallID
}

// setupPayload is the payload of a SETUP_TRANSPORT transaction. The
// receiver-object reference itself travels out of band via Endpoint's
// dedicated ref parameter (see Endpoint.Transact), not inline in bytes.
type setupPayload struct {
	wireVersion int32
}

func encodeSetup(p setupPayload) []byte {
	buf := make([]byte, 4)
	binary.Put(buf, uint32(p.wireVersion))
	return buf
}

func decodeSetup(b []byte) (setupPayload, error) {
	if len(b) < 4 {
		return setupPayload{}, fmt.Errorf("bindcore: short SETUP_TRANSPORT payload: %d bytes", len(b))
	}
	return setupPayload{wireVersion: int32(binary.Get[uint32](b[:4]))}, nil
}

// encodeAckBytes encodes an ACKNOWLEDGE_BYTES payload.
func encodeAckBytes(totalReceived int64) []byte {
	buf := make([]byte, 8)
	binary.Put(buf, uint64(totalReceived))
	return buf
}

func decodeAckBytes(b []byte) (int64, error) {
	if len(b) < 8 {
		return 0, fmt.Errorf("bindcore: short ACKNOWLEDGE_BYTES payload: %d bytes", len(b))
	}
	return int64(binary.Get[uint64](b[:8])), nil
}

// encodePingID / decodePingID encode the id carried by PING and
// PING_RESPONSE transactions.
func encodePingID(id uint32) []byte {
	buf := make([]byte, 4)
	binary.Put(buf, id)
	return buf
}

func decodePingID(b []byte) (uint32, error) {
	if len(b) < 4 {
		return 0, fmt.Errorf("bindcore: short PING payload: %d bytes", len(b))
	}
	return binary.Get[uint32](b[:4]), nil
}

// streamHeaderSize is the width of the flags header prefixed to every
// stream transaction's body (spec.md §6).
const streamHeaderSize = 4

// encodeStreamBody prepends the flags header to a stream payload.
func encodeStreamBody(flags uint32, body []byte) []byte {
	var buf bytes.Buffer
	buf.Grow(streamHeaderSize + len(body))
	hdr := make([]byte, streamHeaderSize)
	binary.Put(hdr, flags)
	buf.Write(hdr)
	buf.Write(body)
	return buf.Bytes()
}

// decodeStreamBody splits a stream transaction's raw payload into its
// flags header and body.
func decodeStreamBody(raw []byte) (flags uint32, body []byte, err error) {
	if len(raw) < streamHeaderSize {
		return 0, nil, fmt.Errorf("bindcore: short stream payload: %d bytes", len(raw))
	}
	flags = binary.Get[uint32](raw[:streamHeaderSize])
	body = raw[streamHeaderSize:]
	return flags, body, nil
}

// readAll is a small helper for Endpoint implementations backed by an
// io.Reader-shaped stream; bindcore's own codec only ever operates on
// already-demarcated transaction payloads, never on the raw byte stream
// itself (the on-device channel primitive preserves transaction
// boundaries), and nothing in this package calls it.
func readAll(r io.Reader, n int) ([]byte, error) {
	buf := make([]byte, n)
	if _, err := io.ReadFull(r, buf); err != nil {
		return nil, err
	}
	return buf, nil
}
