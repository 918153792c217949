package pool

import "errors"

// The pool resolves every request with at most one of these codes. They
// deliberately flatten the internal failure taxonomy: a caller learns whether
// the transport could carry bytes at all, or whether some negotiation along
// the tunnel failed, and nothing more.
var (
	// ErrChainInvalid rejects a request whose proxy chain this pool cannot
	// serve. Returned synchronously; no pool state is created.
	ErrChainInvalid = errors.New("proxy chain invalid for this pool")

	// ErrSocketNotConnected reports a transport-level failure before any
	// handshake byte reached the proxy.
	ErrSocketNotConnected = errors.New("socket not connected")

	// ErrHandshakeFailed covers every negotiation failure past transport
	// setup: the proxy handshake, the tunnel exchange, and the endpoint
	// handshake all surface as this one code.
	ErrHandshakeFailed = errors.New("quic handshake failed")

	// ErrRequestCanceled resolves a request whose caller detached via
	// Cancel. The underlying job is not affected.
	ErrRequestCanceled = errors.New("session request canceled")

	// ErrPoolClosed rejects requests arriving after Close.
	ErrPoolClosed = errors.New("session pool closed")

	// ErrSessionClosed reports stream or datagram use of a session that has
	// already been torn down.
	ErrSessionClosed = errors.New("session closed")
)

// errorLabel maps a terminal error to the low-cardinality label recorded on
// the failure counter.
func errorLabel(err error) string {
	switch {
	case errors.Is(err, ErrChainInvalid):
		return "chain_invalid"
	case errors.Is(err, ErrSocketNotConnected):
		return "socket_not_connected"
	case errors.Is(err, ErrHandshakeFailed):
		return "handshake_failed"
	case errors.Is(err, ErrRequestCanceled):
		return "canceled"
	case errors.Is(err, ErrPoolClosed):
		return "pool_closed"
	default:
		return "other"
	}
}
