// Package quictransport implements the pool's Transport on quic-go: the
// proxy hop is dialed over the host network, the endpoint hop over the
// tunnel's packet conn. Both dials try 0-RTT first and fall back to a full
// handshake, and both classify their failures into the pool's
// transport-vs-handshake split.
package quictransport

import (
	"context"
	"crypto/x509"
	"fmt"
	"net"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/quictun/quicpool/obs"
	"github.com/quictun/quicpool/pool"
)

// Options configures the transport. The zero value works.
type Options struct {
	// RootCAs verifies proxy and endpoint certificates. Nil means the host
	// roots.
	RootCAs *x509.CertPool

	// InsecureSkipVerify disables certificate verification on both hops.
	// For lab runs against self-signed daemons only.
	InsecureSkipVerify bool

	// KeepAlivePeriod for the proxy connection, which must outlive NAT
	// idle windows for the sessions riding on it. Default 15s.
	KeepAlivePeriod time.Duration

	// EndpointALPN is offered to tunneled endpoints. Default {EndpointALPN}.
	EndpointALPN []string
}

// Transport dials QUIC connections for the pool.
type Transport struct {
	opts Options
}

var _ pool.Transport = (*Transport)(nil)

func New(opts Options) *Transport {
	if opts.KeepAlivePeriod <= 0 {
		opts.KeepAlivePeriod = 15 * time.Second
	}
	if len(opts.EndpointALPN) == 0 {
		opts.EndpointALPN = []string{EndpointALPN}
	}
	return &Transport{opts: opts}
}

// DialProxy connects to the proxy over the host network and verifies that
// the peer negotiated datagram support, without which no tunnel can carry
// packets.
func (t *Transport) DialProxy(ctx context.Context, addr string) (pool.Conn, error) {
	host, _, err := net.SplitHostPort(addr)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", pool.ErrSocketNotConnected, err)
	}
	qcfg := t.quicConfig(ctx)
	tcfg := t.clientTLS(host, []string{ProxyALPN})

	start := time.Now()
	var conn quic.Connection
	early, err := quic.DialAddrEarly(ctx, addr, tcfg, qcfg)
	if err == nil {
		if err := waitHandshake(ctx, early); err != nil {
			return nil, classifyDial(err)
		}
		conn = early
	} else {
		conn, err = quic.DialAddr(ctx, addr, tcfg, qcfg)
		if err != nil {
			return nil, classifyDial(err)
		}
	}

	st := conn.ConnectionState()
	if !st.SupportsDatagrams {
		_ = conn.CloseWithError(0, "datagrams unsupported")
		return nil, fmt.Errorf("%w: proxy negotiated no datagram support", pool.ErrHandshakeFailed)
	}
	obs.Debug("proxy dialed", obs.Fields{
		"addr": addr, "used_0rtt": st.Used0RTT, "ms": time.Since(start).Milliseconds(),
	})
	return &quicConn{conn: conn}, nil
}

// DialEndpoint runs the endpoint handshake over pc, whose packets travel as
// tunnel datagrams on the proxy connection.
func (t *Transport) DialEndpoint(ctx context.Context, pc net.PacketConn, remote net.Addr, serverName string) (pool.Conn, error) {
	qcfg := t.quicConfig(ctx)
	tcfg := t.clientTLS(serverName, t.opts.EndpointALPN)

	var conn quic.Connection
	early, err := quic.DialEarly(ctx, pc, remote, tcfg, qcfg)
	if err == nil {
		if err := waitHandshake(ctx, early); err != nil {
			return nil, classifyDial(err)
		}
		conn = early
	} else {
		conn, err = quic.Dial(ctx, pc, remote, tcfg, qcfg)
		if err != nil {
			return nil, classifyDial(err)
		}
	}
	return &quicConn{conn: conn}, nil
}

// waitHandshake parks a 0-RTT dial until its handshake settles.
// HandshakeComplete stays open when the handshake fails, so the connection
// context is watched as the failure signal; its cause carries the close
// reason.
func waitHandshake(ctx context.Context, early quic.EarlyConnection) error {
	select {
	case <-early.HandshakeComplete():
		return nil
	case <-early.Context().Done():
		return context.Cause(early.Context())
	case <-ctx.Done():
		_ = early.CloseWithError(0, "dial canceled")
		return ctx.Err()
	}
}

func (t *Transport) quicConfig(ctx context.Context) *quic.Config {
	cfg := &quic.Config{
		EnableDatagrams: true,
		KeepAlivePeriod: t.opts.KeepAlivePeriod,
	}
	// Bind the handshake deadline to the caller's dial budget.
	if dl, ok := ctx.Deadline(); ok {
		if d := time.Until(dl); d > 0 {
			cfg.HandshakeIdleTimeout = d
		}
	}
	return cfg
}
