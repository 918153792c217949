// Package pool manages QUIC sessions reached through an intermediate QUIC
// proxy. A session is established in stages: dial the proxy, negotiate a UDP
// tunnel on a dedicated stream, then run the endpoint handshake with its
// packets encapsulated as datagrams on the proxy connection.
//
// The pool deduplicates: at most one establishment job runs per key at any
// time, and callers asking for the same key while a job is in flight attach
// to it as waiters. Completed sessions are cached by key. A cached session
// is dropped when it is closed or its transport dies, and an idle timeout
// reclaims sessions nothing has used for a while.
//
// Callers never learn which internal stage failed. Failures surface as one of
// a small set of error codes, keeping the proxy topology opaque above this
// layer. Set TRACE=1 to see the per-stage detail.
package pool
