package tunnel

import (
	"context"
	"errors"
	"net"
	"os"
	"sync"
	"time"
)

// DatagramConn is the slice of a QUIC connection the tunnel needs: the
// unreliable datagram channel.
type DatagramConn interface {
	SendDatagram(b []byte) error
	ReceiveDatagram(ctx context.Context) ([]byte, error)
}

// PacketConn carries an inner QUIC connection's packets as datagrams of an
// outer one. It implements net.PacketConn so the inner connection can be
// dialed directly over it.
//
// Addressing works the same way as a fake-peer UDP wrapper: the inner engine
// is handed a stable endpoint address and PacketConn reports exactly that
// address as the source of every packet it delivers, while the bytes really
// travel on the outer connection. WriteTo ignores the caller's address for
// the same reason; there is only one place the packets can go.
//
// Concurrency: the inner engine calls ReadFrom and WriteTo concurrently, and
// Close may race with both. A closed PacketConn fails reads and writes with
// net.ErrClosed; it never touches the outer connection's lifetime, which
// belongs to the session that owns both.
type PacketConn struct {
	conn      DatagramConn
	quarterID uint64
	contextID uint64
	endpoint  net.Addr
	local     net.Addr

	header []byte // precomputed datagram prefix

	ctx    context.Context
	cancel context.CancelFunc

	mu           sync.Mutex
	readDeadline time.Time
}

var _ net.PacketConn = (*PacketConn)(nil)

// NewPacketConn builds the encapsulating conn for one established tunnel.
// streamID is the tunnel stream's id, contextID the identifier granted by
// the proxy, endpoint the address the inner engine should believe it talks
// to, and local the outer connection's local address.
func NewPacketConn(conn DatagramConn, streamID int64, contextID uint64, endpoint, local net.Addr) *PacketConn {
	ctx, cancel := context.WithCancel(context.Background())
	return &PacketConn{
		conn:      conn,
		quarterID: QuarterStreamID(streamID),
		contextID: contextID,
		endpoint:  endpoint,
		local:     local,
		header:    AppendDatagramHeader(nil, QuarterStreamID(streamID), contextID),
		ctx:       ctx,
		cancel:    cancel,
	}
}

func (c *PacketConn) ReadFrom(p []byte) (int, net.Addr, error) {
	for {
		ctx := c.ctx
		c.mu.Lock()
		dl := c.readDeadline
		c.mu.Unlock()
		var cancel context.CancelFunc
		if !dl.IsZero() {
			ctx, cancel = context.WithDeadline(ctx, dl)
		}

		data, err := c.conn.ReceiveDatagram(ctx)
		if cancel != nil {
			cancel()
		}
		if err != nil {
			if c.ctx.Err() != nil {
				return 0, nil, net.ErrClosed
			}
			if errors.Is(err, context.DeadlineExceeded) {
				return 0, nil, os.ErrDeadlineExceeded
			}
			return 0, nil, err
		}

		qsid, ctxID, payload, perr := ParseDatagram(data)
		if perr != nil {
			continue
		}
		// Only this tunnel's flow is ours; datagrams for other streams or
		// unknown contexts are dropped, matching how unknown UDP sources
		// are ignored by a fake-peer wrapper.
		if qsid != c.quarterID || ctxID != c.contextID {
			continue
		}
		n := copy(p, payload)
		return n, c.endpoint, nil
	}
}

func (c *PacketConn) WriteTo(p []byte, _ net.Addr) (int, error) {
	if c.ctx.Err() != nil {
		return 0, net.ErrClosed
	}
	buf := make([]byte, 0, len(c.header)+len(p))
	buf = append(buf, c.header...)
	buf = append(buf, p...)
	if err := c.conn.SendDatagram(buf); err != nil {
		return 0, err
	}
	return len(p), nil
}

// Close wakes pending reads and fails future IO. The outer connection stays
// open; tearing it down is the owner's call.
func (c *PacketConn) Close() error {
	c.cancel()
	return nil
}

func (c *PacketConn) LocalAddr() net.Addr { return c.local }

func (c *PacketConn) SetDeadline(t time.Time) error {
	return c.SetReadDeadline(t)
}

func (c *PacketConn) SetReadDeadline(t time.Time) error {
	c.mu.Lock()
	c.readDeadline = t
	c.mu.Unlock()
	return nil
}

// SetWriteDeadline is accepted and ignored: datagram sends never block.
func (c *PacketConn) SetWriteDeadline(time.Time) error { return nil }
