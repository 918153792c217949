package pool

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"io"
	"net"
	"sync"
	"testing"
	"time"

	"github.com/quictun/quicpool/proxy"
	"github.com/quictun/quicpool/tunnel"
)

// The fakes below script both dial stages so pool tests run without a
// network. A fake proxy connection parses the control lines the job writes
// and answers them according to the transport's script; a nil script leaves
// the job parked in its reply read, which is how the teardown tests get a
// job that would otherwise wait forever.

type fakeTransport struct {
	mu               sync.Mutex
	proxyDials       int
	endpointDials    int
	dialProxyErr     error
	dialEndpointErr  error
	failWrites       error
	proxyFirstStream int64
	proxyScript      func(req tunnel.Message) []tunnel.Message
	conns            []*fakeConn
}

func newFakeTransport() *fakeTransport {
	return &fakeTransport{proxyScript: okScript(0)}
}

func okScript(contextID uint64) func(tunnel.Message) []tunnel.Message {
	return func(req tunnel.Message) []tunnel.Message {
		return []tunnel.Message{
			{Type: tunnel.TypeSettings, MaxDatagramSize: tunnel.DefaultMaxPacketSize},
			{Type: tunnel.TypeTunnelOK, AckID: req.ID, ContextID: contextID},
		}
	}
}

func rejectScript(reason string) func(tunnel.Message) []tunnel.Message {
	return func(req tunnel.Message) []tunnel.Message {
		return []tunnel.Message{
			{Type: tunnel.TypeSettings, MaxDatagramSize: tunnel.DefaultMaxPacketSize},
			{Type: tunnel.TypeTunnelError, AckID: req.ID, Reason: reason},
		}
	}
}

func (t *fakeTransport) DialProxy(ctx context.Context, addr string) (Conn, error) {
	t.mu.Lock()
	t.proxyDials++
	err := t.dialProxyErr
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.newConn("proxy", tunnel.Addr(addr)), nil
}

func (t *fakeTransport) DialEndpoint(ctx context.Context, pc net.PacketConn, remote net.Addr, serverName string) (Conn, error) {
	t.mu.Lock()
	t.endpointDials++
	err := t.dialEndpointErr
	t.mu.Unlock()
	if err != nil {
		return nil, err
	}
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return t.newConn("endpoint", remote), nil
}

func (t *fakeTransport) newConn(kind string, remote net.Addr) *fakeConn {
	ctx, cancel := context.WithCancel(context.Background())
	c := &fakeConn{
		t:         t,
		kind:      kind,
		remote:    remote,
		ctx:       ctx,
		cancel:    cancel,
		datagrams: make(chan []byte, 16),
	}
	t.mu.Lock()
	if kind == "proxy" {
		c.nextID = t.proxyFirstStream
	}
	t.conns = append(t.conns, c)
	t.mu.Unlock()
	return c
}

// conn returns the i-th connection of the given kind, or nil.
func (t *fakeTransport) conn(kind string, i int) *fakeConn {
	t.mu.Lock()
	defer t.mu.Unlock()
	n := 0
	for _, c := range t.conns {
		if c.kind == kind {
			if n == i {
				return c
			}
			n++
		}
	}
	return nil
}

func (t *fakeTransport) counts() (proxyDials, endpointDials int) {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.proxyDials, t.endpointDials
}

type fakeConn struct {
	t      *fakeTransport
	kind   string
	remote net.Addr

	ctx    context.Context
	cancel context.CancelFunc

	mu          sync.Mutex
	closed      bool
	closeCode   uint64
	closeReason string
	nextID      int64
	streams     []*fakeStream
	datagrams   chan []byte
	sent        [][]byte
}

func (c *fakeConn) OpenStreamSync(ctx context.Context) (Stream, error) {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil, net.ErrClosed
	}
	id := c.nextID
	c.nextID += 4
	st := newFakeStream(c, id)
	c.streams = append(c.streams, st)
	c.mu.Unlock()
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	return st, nil
}

func (c *fakeConn) SendDatagram(b []byte) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return net.ErrClosed
	}
	c.sent = append(c.sent, append([]byte(nil), b...))
	return nil
}

func (c *fakeConn) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	select {
	case b := <-c.datagrams:
		return b, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-c.ctx.Done():
		return nil, net.ErrClosed
	}
}

func (c *fakeConn) CloseWithError(code uint64, reason string) error {
	c.mu.Lock()
	if c.closed {
		c.mu.Unlock()
		return nil
	}
	c.closed = true
	c.closeCode = code
	c.closeReason = reason
	streams := append([]*fakeStream(nil), c.streams...)
	c.mu.Unlock()
	for _, s := range streams {
		_ = s.Close()
	}
	c.cancel()
	return nil
}

func (c *fakeConn) Context() context.Context { return c.ctx }
func (c *fakeConn) RemoteAddr() net.Addr     { return c.remote }

func (c *fakeConn) isClosed() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closed
}

func (c *fakeConn) closedWith() (uint64, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.closeCode, c.closed
}

// die simulates the transport collapsing underneath the connection without
// an orderly close.
func (c *fakeConn) die() { c.cancel() }

// answerConnect replies to the conn's recorded tunnel request, for tests
// that arm the script only after the job is already parked. Reports whether
// a request was there to answer.
func (c *fakeConn) answerConnect(contextID uint64) bool {
	c.mu.Lock()
	var st *fakeStream
	if len(c.streams) > 0 {
		st = c.streams[0]
	}
	c.mu.Unlock()
	if st == nil {
		return false
	}
	req, ok := st.connectRequest()
	if !ok {
		return false
	}
	go st.respond(
		tunnel.Message{Type: tunnel.TypeSettings, MaxDatagramSize: tunnel.DefaultMaxPacketSize},
		tunnel.Message{Type: tunnel.TypeTunnelOK, AckID: req.ID, ContextID: contextID},
	)
	return true
}

// handleLine runs the proxy script against a parsed control line.
func (c *fakeConn) handleLine(s *fakeStream, m tunnel.Message) {
	if c.kind != "proxy" || m.Type != tunnel.TypeConnectUDP {
		return
	}
	c.t.mu.Lock()
	script := c.t.proxyScript
	c.t.mu.Unlock()
	if script == nil {
		return
	}
	replies := script(m)
	// Respond from a separate goroutine: the pipe write blocks until the
	// job's reply reader consumes it, and that reader starts only after the
	// Write that brought us here returns.
	go s.respond(replies...)
}

type fakeStream struct {
	id   int64
	conn *fakeConn

	rd *io.PipeReader
	wr *io.PipeWriter

	mu     sync.Mutex
	closed bool
	lines  []tunnel.Message
	buf    []byte
}

func newFakeStream(c *fakeConn, id int64) *fakeStream {
	rd, wr := io.Pipe()
	return &fakeStream{id: id, conn: c, rd: rd, wr: wr}
}

func (s *fakeStream) StreamID() int64 { return s.id }

func (s *fakeStream) Read(p []byte) (int, error) { return s.rd.Read(p) }

func (s *fakeStream) Write(p []byte) (int, error) {
	s.conn.t.mu.Lock()
	failWrites := s.conn.t.failWrites
	s.conn.t.mu.Unlock()
	if failWrites != nil {
		return 0, failWrites
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return 0, net.ErrClosed
	}
	s.buf = append(s.buf, p...)
	var full []tunnel.Message
	for {
		i := bytes.IndexByte(s.buf, '\n')
		if i < 0 {
			break
		}
		var m tunnel.Message
		if err := json.Unmarshal(s.buf[:i], &m); err == nil {
			s.lines = append(s.lines, m)
			full = append(full, m)
		}
		s.buf = s.buf[i+1:]
	}
	s.mu.Unlock()

	for _, m := range full {
		s.conn.handleLine(s, m)
	}
	return len(p), nil
}

func (s *fakeStream) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	s.mu.Unlock()
	_ = s.wr.CloseWithError(net.ErrClosed)
	_ = s.rd.Close()
	return nil
}

func (s *fakeStream) respond(msgs ...tunnel.Message) {
	for _, m := range msgs {
		_ = tunnel.WriteLine(s.wr, m)
	}
}

// connectRequest returns the recorded connect-udp line, if one arrived.
func (s *fakeStream) connectRequest() (tunnel.Message, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, m := range s.lines {
		if m.Type == tunnel.TypeConnectUDP {
			return m, true
		}
	}
	return tunnel.Message{}, false
}

// sentLines returns a copy of all control lines written by the pool.
func (s *fakeStream) sentLines() []tunnel.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]tunnel.Message(nil), s.lines...)
}

// Shared test plumbing.

func testChain() proxy.Chain {
	return proxy.NewChain(proxy.NewServer(proxy.SchemeQUIC, "proxy.example", 8443))
}

func newTestPool(t *testing.T, ft *fakeTransport, mod func(*Options)) *Pool {
	t.Helper()
	opts := Options{
		Transport:          ft,
		DialTimeout:        2 * time.Second,
		TunnelTimeout:      2 * time.Second,
		SessionIdleTimeout: -1,
	}
	if mod != nil {
		mod(&opts)
	}
	p, err := New(opts)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { _ = p.Close() })
	return p
}

func mustRequest(t *testing.T, p *Pool, dest, anon string, chain proxy.Chain) *Request {
	t.Helper()
	req, err := p.RequestSession(dest, anon, chain)
	if err != nil {
		t.Fatalf("RequestSession(%s): %v", dest, err)
	}
	return req
}

func mustSession(t *testing.T, req *Request) *Session {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := req.Wait(ctx)
	if err != nil {
		t.Fatalf("request failed: %v", err)
	}
	return s
}

func mustFail(t *testing.T, req *Request) error {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	s, err := req.Wait(ctx)
	if err == nil {
		t.Fatalf("request unexpectedly succeeded with session to %v", s.RemoteAddr())
	}
	if errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("request did not resolve in time")
	}
	return err
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(5 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}
