package bindcore

import (
	"bytes"
	"testing"
)

func TestTransactionCodeIsControl(t *testing.T) {
	tests := []struct {
		name string
		code TransactionCode
		want bool
	}{
		{name: "first control code", code: FirstTransactionCode, want: true},
		{name: "last reserved control code", code: FirstCallID - 1, want: true},
		{name: "first call id", code: FirstCallID, want: false},
		{name: "large call id", code: FirstCallID + 1_000_000, want: false},
	}
	for _, test := range tests {
		t.Run(test.name, func(t *testing.T) {
			if got := test.code.IsControl(); got != test.want {
				t.Errorf("IsControl() = %v, want %v", got, test.want)
			}
		})
	}
}

func TestSetupPayloadRoundTrip(t *testing.T) {
	want := setupPayload{wireVersion: 3}
	got, err := decodeSetup(encodeSetup(want))
	if err != nil {
		t.Fatalf("decodeSetup: %v", err)
	}
	if got != want {
		t.Errorf("round trip = %+v, want %+v", got, want)
	}
}

func TestDecodeSetupShortPayload(t *testing.T) {
	if _, err := decodeSetup([]byte{1, 2}); err == nil {
		t.Error("decodeSetup with short payload: want error, got nil")
	}
}

func TestAckBytesRoundTrip(t *testing.T) {
	want := int64(1 << 40)
	got, err := decodeAckBytes(encodeAckBytes(want))
	if err != nil {
		t.Fatalf("decodeAckBytes: %v", err)
	}
	if got != want {
		t.Errorf("round trip = %d, want %d", got, want)
	}
}

func TestPingIDRoundTrip(t *testing.T) {
	want := uint32(0xDEADBEEF)
	got, err := decodePingID(encodePingID(want))
	if err != nil {
		t.Fatalf("decodePingID: %v", err)
	}
	if got != want {
		t.Errorf("round trip = %#x, want %#x", got, want)
	}
}

func TestStreamBodyRoundTrip(t *testing.T) {
	body := []byte("hello, world")
	raw := encodeStreamBody(FlagOutOfBandClose, body)

	flags, got, err := decodeStreamBody(raw)
	if err != nil {
		t.Fatalf("decodeStreamBody: %v", err)
	}
	if flags != FlagOutOfBandClose {
		t.Errorf("flags = %#x, want %#x", flags, FlagOutOfBandClose)
	}
	if !bytes.Equal(got, body) {
		t.Errorf("body = %q, want %q", got, body)
	}
}

func TestDecodeStreamBodyShort(t *testing.T) {
	if _, _, err := decodeStreamBody([]byte{0, 1}); err == nil {
		t.Error("decodeStreamBody with short payload: want error, got nil")
	}
}
