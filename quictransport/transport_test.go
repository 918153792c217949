package quictransport

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/quictun/quicpool/pool"
)

// fakeEarlyConn stubs the three methods waitHandshake touches; everything
// else panics through the embedded nil interface.
type fakeEarlyConn struct {
	quic.EarlyConnection
	hs  chan struct{}
	ctx context.Context

	mu     sync.Mutex
	closed bool
}

func (c *fakeEarlyConn) HandshakeComplete() <-chan struct{} { return c.hs }

func (c *fakeEarlyConn) Context() context.Context { return c.ctx }

func (c *fakeEarlyConn) CloseWithError(quic.ApplicationErrorCode, string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func (c *fakeEarlyConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func waitHandshakeResult(t *testing.T, ctx context.Context, conn *fakeEarlyConn) error {
	t.Helper()
	done := make(chan error, 1)
	go func() { done <- waitHandshake(ctx, conn) }()
	select {
	case err := <-done:
		return err
	case <-time.After(time.Second):
		t.Fatal("waitHandshake did not resolve")
		return nil
	}
}

func TestWaitHandshakeCompletes(t *testing.T) {
	hs := make(chan struct{})
	close(hs)
	conn := &fakeEarlyConn{hs: hs, ctx: context.Background()}
	if err := waitHandshakeResult(t, context.Background(), conn); err != nil {
		t.Fatalf("waitHandshake = %v, want nil", err)
	}
}

func TestWaitHandshakeConnDeath(t *testing.T) {
	// The handshake channel never closes for a connection that dies during
	// the handshake; the close reason must come back without leaning on a
	// dial deadline.
	connCtx, kill := context.WithCancelCause(context.Background())
	cause := &quic.TransportError{ErrorCode: quic.ConnectionRefused}
	kill(cause)

	conn := &fakeEarlyConn{hs: make(chan struct{}), ctx: connCtx}
	err := waitHandshakeResult(t, context.Background(), conn)
	var transportErr *quic.TransportError
	if !errors.As(err, &transportErr) {
		t.Fatalf("waitHandshake = %v, want the connection's close reason", err)
	}
	if got := classifyDial(err); !errors.Is(got, pool.ErrHandshakeFailed) {
		t.Errorf("classifyDial(%v) = %v, want ErrHandshakeFailed", err, got)
	}
}

func TestWaitHandshakeDialCanceled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	conn := &fakeEarlyConn{hs: make(chan struct{}), ctx: context.Background()}
	err := waitHandshakeResult(t, ctx, conn)
	if !errors.Is(err, context.Canceled) {
		t.Fatalf("waitHandshake = %v, want context.Canceled", err)
	}
	if !conn.isClosed() {
		t.Error("canceled dial left the connection open")
	}
}
