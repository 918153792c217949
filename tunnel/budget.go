package tunnel

import (
	"bytes"
	"errors"
	"fmt"
	"io"

	"github.com/quic-go/quic-go/quicvarint"
)

const (
	// DefaultMaxPacketSize is the outer transport's default maximum packet
	// size in bytes.
	DefaultMaxPacketSize = 1350

	// DefaultLayerOverhead is the fixed per-packet overhead of one layer of
	// QUIC packet framing. It is a property of the wire format, carried here
	// as a default rather than rederived.
	DefaultLayerOverhead = 38

	// ProxiedEncapsulationDepth is the number of nested QUIC framing layers
	// for a single proxy hop: the proxy-facing layer plus the
	// endpoint-facing layer.
	ProxiedEncapsulationDepth = 2

	// ConnectUDPContextID tags the default UDP flow of a tunnel. Context
	// ids other than zero are reserved for future per-tunnel subflows.
	ConnectUDPContextID uint64 = 0
)

// ErrNoPayloadRoom reports a configuration whose framing overhead consumes
// the entire packet. It is a setup error, never a value handed to callers.
var ErrNoPayloadRoom = errors.New("tunnel: framing overhead leaves no room for payload")

// QuarterStreamID returns the compact identifier that prefixes every tunnel
// datagram: the tunnel stream's id divided by four. Client-initiated
// bidirectional stream ids are multiples of four, so the quotient is exact.
func QuarterStreamID(streamID int64) uint64 {
	return uint64(streamID) / 4
}

// GuaranteedLargestPayload computes the biggest inner-protocol packet that
// fits in one outer datagram:
//
//	maxPacketSize − depth×layerOverhead − len(varint quarter-stream-id) − len(varint context-id)
//
// The identifier widths follow the wire format's variable-length integer
// rules, so the result must be recomputed whenever an identifier crosses a
// width class (for example once stream ids grow past the one-byte varint
// threshold). A non-positive result is a configuration error.
func GuaranteedLargestPayload(maxPacketSize, layerOverhead, depth int, streamID int64, contextID uint64) (int, error) {
	if maxPacketSize <= 0 || layerOverhead < 0 || depth <= 0 {
		return 0, fmt.Errorf("tunnel: bad budget parameters (max=%d overhead=%d depth=%d)", maxPacketSize, layerOverhead, depth)
	}
	n := maxPacketSize - depth*layerOverhead - int(quicvarint.Len(QuarterStreamID(streamID))) - int(quicvarint.Len(contextID))
	if n <= 0 {
		return 0, fmt.Errorf("%w: max=%d overhead=%d depth=%d", ErrNoPayloadRoom, maxPacketSize, layerOverhead, depth)
	}
	return n, nil
}

// AppendDatagramHeader appends the tunnel datagram header (quarter-stream-id
// followed by context id) to b and returns the result.
func AppendDatagramHeader(b []byte, quarterStreamID, contextID uint64) []byte {
	b = quicvarint.Append(b, quarterStreamID)
	return quicvarint.Append(b, contextID)
}

// ParseDatagram splits a tunnel datagram into its identifiers and payload.
// The payload aliases b; callers that retain it must copy.
func ParseDatagram(b []byte) (quarterStreamID, contextID uint64, payload []byte, err error) {
	r := bytes.NewReader(b)
	quarterStreamID, err = quicvarint.Read(r)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("tunnel: short datagram: %w", io.ErrUnexpectedEOF)
	}
	contextID, err = quicvarint.Read(r)
	if err != nil {
		return 0, 0, nil, fmt.Errorf("tunnel: short datagram: %w", io.ErrUnexpectedEOF)
	}
	return quarterStreamID, contextID, b[len(b)-r.Len():], nil
}
