package tunnel

import (
	"bytes"
	"errors"
	"testing"
)

func TestGuaranteedLargestPayload(t *testing.T) {
	// Two layers of packet framing at 38 bytes each, one byte for the
	// quarter-stream-id (below the one-byte varint threshold) and one byte
	// for the context id.
	got, err := GuaranteedLargestPayload(DefaultMaxPacketSize, DefaultLayerOverhead, ProxiedEncapsulationDepth, 0, ConnectUDPContextID)
	if err != nil {
		t.Fatalf("GuaranteedLargestPayload: %v", err)
	}
	if want := 1350 - 38*2 - 1 - 1; got != want {
		t.Errorf("payload = %d, want %d", got, want)
	}
}

func TestGuaranteedLargestPayloadWidthClasses(t *testing.T) {
	base, err := GuaranteedLargestPayload(1350, 38, 2, 0, 0)
	if err != nil {
		t.Fatal(err)
	}

	// Stream id 256 has quarter-stream-id 64, the first value needing a
	// two-byte varint: the budget shrinks by one byte.
	wide, err := GuaranteedLargestPayload(1350, 38, 2, 256, 0)
	if err != nil {
		t.Fatal(err)
	}
	if wide != base-1 {
		t.Errorf("two-byte quarter-stream-id: payload = %d, want %d", wide, base-1)
	}

	// Same rule for the context id.
	wide, err = GuaranteedLargestPayload(1350, 38, 2, 0, 64)
	if err != nil {
		t.Fatal(err)
	}
	if wide != base-1 {
		t.Errorf("two-byte context id: payload = %d, want %d", wide, base-1)
	}
}

func TestGuaranteedLargestPayloadConfigurationErrors(t *testing.T) {
	if _, err := GuaranteedLargestPayload(78, 38, 2, 0, 0); !errors.Is(err, ErrNoPayloadRoom) {
		t.Errorf("exhausted budget: err = %v, want ErrNoPayloadRoom", err)
	}
	if _, err := GuaranteedLargestPayload(0, 38, 2, 0, 0); err == nil {
		t.Error("zero max packet size accepted")
	}
	if _, err := GuaranteedLargestPayload(1350, 38, 0, 0, 0); err == nil {
		t.Error("zero encapsulation depth accepted")
	}
}

func TestQuarterStreamID(t *testing.T) {
	cases := []struct {
		streamID int64
		want     uint64
	}{
		{0, 0},
		{4, 1},
		{8, 2},
		{252, 63},
		{256, 64},
	}
	for _, tc := range cases {
		if got := QuarterStreamID(tc.streamID); got != tc.want {
			t.Errorf("QuarterStreamID(%d) = %d, want %d", tc.streamID, got, tc.want)
		}
	}
}

func TestDatagramHeaderRoundTrip(t *testing.T) {
	payload := []byte("inner quic packet")
	b := AppendDatagramHeader(nil, 3, 0)
	b = append(b, payload...)

	qsid, ctxID, got, err := ParseDatagram(b)
	if err != nil {
		t.Fatalf("ParseDatagram: %v", err)
	}
	if qsid != 3 || ctxID != 0 {
		t.Errorf("ids = (%d, %d), want (3, 0)", qsid, ctxID)
	}
	if !bytes.Equal(got, payload) {
		t.Errorf("payload = %q, want %q", got, payload)
	}
}

func TestParseDatagramShort(t *testing.T) {
	if _, _, _, err := ParseDatagram(nil); err == nil {
		t.Error("empty datagram parsed")
	}
	// A header cut off after the quarter-stream-id is also short.
	b := AppendDatagramHeader(nil, 70, 0)
	if _, _, _, err := ParseDatagram(b[:2]); err == nil {
		t.Error("truncated datagram parsed")
	}
}
