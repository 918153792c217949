package pool

import (
	"context"
	"io"
	"net"
)

// Transport abstracts QUIC dialing so the pool can run against the real
// quic-go stack or a scripted fake in tests. Implementations classify their
// dial errors: wrap ErrSocketNotConnected when the network could not carry a
// single byte toward the peer, anything else is treated as a failed
// handshake.
type Transport interface {
	// DialProxy connects to a proxy over the host network. The returned
	// connection must support unreliable datagrams.
	DialProxy(ctx context.Context, addr string) (Conn, error)

	// DialEndpoint connects to the destination through pc, which carries the
	// endpoint connection's packets as tunnel datagrams. remote is the
	// logical endpoint address and serverName drives TLS verification.
	DialEndpoint(ctx context.Context, pc net.PacketConn, remote net.Addr, serverName string) (Conn, error)
}

// Conn is the slice of a QUIC connection the pool consumes.
type Conn interface {
	// OpenStreamSync opens a bidirectional stream, blocking until flow
	// control allows it or ctx ends.
	OpenStreamSync(ctx context.Context) (Stream, error)

	// SendDatagram sends an unreliable datagram on the connection.
	SendDatagram(b []byte) error

	// ReceiveDatagram blocks for the next datagram or until ctx ends.
	ReceiveDatagram(ctx context.Context) ([]byte, error)

	// CloseWithError closes the connection with an application error code.
	CloseWithError(code uint64, reason string) error

	// Context closes when the connection dies, whatever the cause.
	Context() context.Context

	RemoteAddr() net.Addr
}

// Stream is the slice of a QUIC stream the pool consumes. The id feeds the
// datagram budget: every tunnel datagram is prefixed with the stream's
// quarter id, whose varint width depends on the id's magnitude.
type Stream interface {
	io.ReadWriteCloser
	StreamID() int64
}
