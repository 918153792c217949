package quictransport

import (
	"errors"
	"fmt"
	"net"

	"github.com/quic-go/quic-go"

	"github.com/quictun/quicpool/pool"
)

// classifyDial folds a dial failure onto the pool's two codes. Failures that
// never got a byte toward the peer (socket setup, name resolution, a closed
// local socket) wrap ErrSocketNotConnected; everything past that point, TLS
// alerts, version negotiation, handshake timeouts, peer resets, is a failed
// handshake.
//
// The quic-go types must be matched first: every quic-go connection error
// reports errors.Is(err, net.ErrClosed) as true, so the net.ErrClosed check
// would otherwise claim them for the socket arm. The original error is
// flattened into the message rather than wrapped, keeping that quirk out of
// the chain callers inspect.
func classifyDial(err error) error {
	var (
		transportErr *quic.TransportError
		appErr       *quic.ApplicationError
		idleErr      *quic.IdleTimeoutError
		hsTimeout    *quic.HandshakeTimeoutError
		vnErr        *quic.VersionNegotiationError
		resetErr     *quic.StatelessResetError
	)
	switch {
	case errors.As(err, &transportErr),
		errors.As(err, &appErr),
		errors.As(err, &idleErr),
		errors.As(err, &hsTimeout),
		errors.As(err, &vnErr),
		errors.As(err, &resetErr):
		return fmt.Errorf("%w: %v", pool.ErrHandshakeFailed, err)
	}

	var opErr *net.OpError
	var dnsErr *net.DNSError
	switch {
	case errors.As(err, &opErr), errors.As(err, &dnsErr), errors.Is(err, net.ErrClosed):
		return fmt.Errorf("%w: %v", pool.ErrSocketNotConnected, err)
	default:
		return fmt.Errorf("%w: %v", pool.ErrHandshakeFailed, err)
	}
}
