package quictransport

import (
	"context"
	"net"

	"github.com/quic-go/quic-go"

	"github.com/quictun/quicpool/pool"
)

// quicConn narrows a quic.Connection to the slice the pool consumes.
type quicConn struct {
	conn quic.Connection
}

func (c *quicConn) OpenStreamSync(ctx context.Context) (pool.Stream, error) {
	st, err := c.conn.OpenStreamSync(ctx)
	if err != nil {
		return nil, err
	}
	return quicStream{st}, nil
}

func (c *quicConn) SendDatagram(b []byte) error {
	return c.conn.SendDatagram(b)
}

func (c *quicConn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	return c.conn.ReceiveDatagram(ctx)
}

func (c *quicConn) CloseWithError(code uint64, reason string) error {
	return c.conn.CloseWithError(quic.ApplicationErrorCode(code), reason)
}

func (c *quicConn) Context() context.Context { return c.conn.Context() }

func (c *quicConn) RemoteAddr() net.Addr { return c.conn.RemoteAddr() }

// quicStream adapts the stream id's named type to the plain int64 the
// datagram budget works in.
type quicStream struct {
	quic.Stream
}

func (s quicStream) StreamID() int64 { return int64(s.Stream.StreamID()) }
