package pool

import (
	"context"
	"net"
	"sync"
	"time"

	"github.com/quictun/quicpool/obs"
	"github.com/quictun/quicpool/tunnel"
)

// Session is a pooled endpoint connection reached through a proxy tunnel. It
// owns four nested resources, torn down innermost first: the endpoint
// connection, the encapsulating packet conn, the tunnel stream, and the
// proxy connection. The pool holds the long-lived reference; callers borrow
// the session through resolved requests and must not retain it past their
// own use.
type Session struct {
	pool *Pool
	key  Key

	proxyConn    Conn
	tunnelStream Stream
	packetConn   *tunnel.PacketConn
	endpointConn Conn

	contextID     uint64
	maxPacketSize int
	layerOverhead int

	mu     sync.Mutex
	closed bool
	active int // open endpoint streams
	idle   *time.Timer
	done   chan struct{}
}

func newSession(p *Pool, key Key, proxyConn Conn, stream Stream, pc *tunnel.PacketConn, endpointConn Conn, contextID uint64) *Session {
	return &Session{
		pool:          p,
		key:           key,
		proxyConn:     proxyConn,
		tunnelStream:  stream,
		packetConn:    pc,
		endpointConn:  endpointConn,
		contextID:     contextID,
		maxPacketSize: p.opts.MaxPacketSize,
		layerOverhead: p.opts.LayerOverhead,
		done:          make(chan struct{}),
	}
}

func (s *Session) Key() Key { return s.key }

// RemoteAddr is the logical endpoint address behind the tunnel.
func (s *Session) RemoteAddr() net.Addr { return s.endpointConn.RemoteAddr() }

// Context closes when the endpoint connection dies, whatever the cause.
func (s *Session) Context() context.Context { return s.endpointConn.Context() }

// GuaranteedLargestPayload reports the largest endpoint packet guaranteed to
// fit in one proxy datagram right now. It is recomputed on every call: the
// tunnel stream id and context id are varint-encoded into each datagram, so
// the available room shrinks when either id crosses a varint width class.
func (s *Session) GuaranteedLargestPayload() (int, error) {
	return tunnel.GuaranteedLargestPayload(
		s.maxPacketSize, s.layerOverhead, tunnel.ProxiedEncapsulationDepth,
		s.tunnelStream.StreamID(), s.contextID)
}

// OpenStream opens a bidirectional stream to the endpoint. The session
// counts open streams; when the last one closes, the idle clock starts.
func (s *Session) OpenStream(ctx context.Context) (Stream, error) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, ErrSessionClosed
	}
	s.active++
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
	s.mu.Unlock()

	st, err := s.endpointConn.OpenStreamSync(ctx)
	if err != nil {
		s.streamDone()
		return nil, err
	}
	return &sessionStream{Stream: st, s: s}, nil
}

// SendDatagram sends an unreliable datagram to the endpoint. Callers size
// payloads against GuaranteedLargestPayload.
func (s *Session) SendDatagram(b []byte) error {
	if s.isClosed() {
		return ErrSessionClosed
	}
	return s.endpointConn.SendDatagram(b)
}

// ReceiveDatagram blocks for the next endpoint datagram or until ctx ends.
func (s *Session) ReceiveDatagram(ctx context.Context) ([]byte, error) {
	if s.isClosed() {
		return nil, ErrSessionClosed
	}
	return s.endpointConn.ReceiveDatagram(ctx)
}

func (s *Session) isClosed() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.closed
}

// watch removes the session from the pool when either transport layer dies
// underneath it.
func (s *Session) watch() {
	select {
	case <-s.done:
		return
	case <-s.endpointConn.Context().Done():
	case <-s.proxyConn.Context().Done():
	}
	tracef("session %s transport gone", s.key)
	s.pool.removeSession(s)
	s.close(0, "transport gone")
}

func (s *Session) streamDone() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return
	}
	s.active--
	if s.active == 0 {
		s.armIdleLocked()
	}
}

// maybeArmIdle starts the idle clock on a freshly cached session that has no
// streams yet, so an unused session does not live forever.
func (s *Session) maybeArmIdle() {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.closed && s.active == 0 && s.idle == nil {
		s.armIdleLocked()
	}
}

func (s *Session) armIdleLocked() {
	d := s.pool.opts.SessionIdleTimeout
	if d <= 0 {
		return
	}
	s.idle = time.AfterFunc(d, func() { s.pool.sessionIdle(s) })
}

// close tears the session down, innermost layer first, so no resource sees
// I/O after its transport is gone. Idempotent.
func (s *Session) close(code uint64, reason string) {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return
	}
	s.closed = true
	if s.idle != nil {
		s.idle.Stop()
		s.idle = nil
	}
	close(s.done)
	s.mu.Unlock()

	_ = s.endpointConn.CloseWithError(code, reason)
	_ = s.packetConn.Close()
	_ = s.tunnelStream.Close()
	_ = s.proxyConn.CloseWithError(code, reason)
	obs.Debug("session closed", obs.Fields{"key": s.key.String(), "code": code, "reason": reason})
	tracef("session %s closed code=%d reason=%q", s.key, code, reason)
}

// sessionStream wraps an endpoint stream so its closure feeds the session's
// idle accounting exactly once.
type sessionStream struct {
	Stream
	s    *Session
	once sync.Once
}

func (ss *sessionStream) Close() error {
	err := ss.Stream.Close()
	ss.once.Do(ss.s.streamDone)
	return err
}
