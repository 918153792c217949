package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/quictun/quicpool/obs"
	"github.com/quictun/quicpool/proxy"
	"github.com/quictun/quicpool/tunnel"
)

// jobState names the stages of session establishment. States only move
// forward; done and failed are terminal.
type jobState int32

const (
	stateInit jobState = iota
	stateConnectingProxy
	stateProxyConnected
	stateSendingTunnelRequest
	stateTunnelEstablished
	stateCreatingEndpointSession
	stateDone
	stateFailed
)

func (s jobState) String() string {
	switch s {
	case stateInit:
		return "init"
	case stateConnectingProxy:
		return "connecting-proxy"
	case stateProxyConnected:
		return "proxy-connected"
	case stateSendingTunnelRequest:
		return "sending-tunnel-request"
	case stateTunnelEstablished:
		return "tunnel-established"
	case stateCreatingEndpointSession:
		return "creating-endpoint-session"
	case stateDone:
		return "done"
	case stateFailed:
		return "failed"
	default:
		return "unknown"
	}
}

// tunnelJob drives one session establishment from proxy dial to endpoint
// handshake. The pool guarantees at most one job per key; waiters attach
// under the pool's lock and are resolved exactly once. The run goroutine
// owns the partial network state and releases it on every failure path
// before the terminal resolution.
type tunnelJob struct {
	pool *Pool
	key  Key
	gen  uint64
	host string
	port int
	via  proxy.Server

	ctx    context.Context
	cancel context.CancelCauseFunc

	state atomic.Int32

	// guarded by pool.mu
	waiters   []*Request
	settled   bool
	abortCode uint64

	// owned by the run goroutine
	proxyConn Conn
	stream    Stream
	pc        *tunnel.PacketConn
}

func (j *tunnelJob) setState(s jobState) {
	old := jobState(j.state.Swap(int32(s)))
	if old != s {
		tracef("job %s state %s -> %s", j.key, old, s)
	}
}

func (j *tunnelJob) run() {
	start := time.Now()
	sess, err := j.establish()
	obs.JobDurationSeconds.Observe(time.Since(start).Seconds())
	if err != nil {
		j.pool.jobFailed(j, err)
		return
	}
	if !j.pool.jobSucceeded(j, sess) {
		// The pool settled this job administratively while the last stage
		// was finishing. The session was never visible to anyone.
		sess.close(j.pool.jobAbortCode(j), "job aborted")
	}
}

// establish walks the stages and returns either a ready session or exactly
// one of the pool's error codes. Stage-level detail never escapes: it goes
// to traces and debug logs, and the waiters see only the code.
func (j *tunnelJob) establish() (*Session, error) {
	ctx := j.ctx

	j.setState(stateConnectingProxy)
	dialCtx, cancelDial := context.WithTimeout(ctx, j.pool.opts.DialTimeout)
	pconn, err := j.pool.opts.Transport.DialProxy(dialCtx, j.via.Addr())
	cancelDial()
	if err != nil {
		if cause := j.abortCause(); cause != nil {
			return nil, cause
		}
		j.failStage("proxy dial", err)
		if errors.Is(err, ErrSocketNotConnected) {
			return nil, ErrSocketNotConnected
		}
		return nil, ErrHandshakeFailed
	}
	j.proxyConn = pconn
	j.setState(stateProxyConnected)

	j.setState(stateSendingTunnelRequest)
	tctx, cancelTunnel := context.WithTimeout(ctx, j.pool.opts.TunnelTimeout)
	defer cancelTunnel()
	stream, err := pconn.OpenStreamSync(tctx)
	if err != nil {
		j.teardown("open tunnel stream failed")
		if cause := j.abortCause(); cause != nil {
			return nil, cause
		}
		j.failStage("open tunnel stream", err)
		return nil, ErrHandshakeFailed
	}
	j.stream = stream

	id := uuid.NewString()
	settings := tunnel.Message{Type: tunnel.TypeSettings, MaxDatagramSize: j.pool.opts.MaxPacketSize}
	request := tunnel.Message{
		Type:      tunnel.TypeConnectUDP,
		ID:        id,
		Host:      j.host,
		Port:      j.port,
		Path:      tunnel.ConnectPath(j.host, j.port),
		UserAgent: j.pool.opts.UserAgent,
	}
	if err := tunnel.WriteLine(stream, settings); err == nil {
		err = tunnel.WriteLine(stream, request)
	}
	if err != nil {
		j.teardown("tunnel request write failed")
		if cause := j.abortCause(); cause != nil {
			return nil, cause
		}
		j.failStage("tunnel request write", err)
		return nil, ErrHandshakeFailed
	}

	reply, err := j.readReply(tctx, stream, id)
	if err != nil {
		j.teardown("tunnel reply failed")
		if cause := j.abortCause(); cause != nil {
			return nil, cause
		}
		j.failStage("tunnel reply", err)
		return nil, ErrHandshakeFailed
	}
	if reply.Type == tunnel.TypeTunnelError {
		j.teardown("tunnel rejected")
		j.failStage("tunnel request", errors.New(reply.Reason))
		return nil, ErrHandshakeFailed
	}
	contextID := reply.ContextID
	j.setState(stateTunnelEstablished)

	// A tunnel whose framing leaves no payload room can never carry an
	// endpoint packet, so refuse it before dialing through it.
	if _, err := tunnel.GuaranteedLargestPayload(
		j.pool.opts.MaxPacketSize, j.pool.opts.LayerOverhead,
		tunnel.ProxiedEncapsulationDepth, stream.StreamID(), contextID); err != nil {
		j.teardown("no datagram budget")
		j.failStage("datagram budget", err)
		return nil, ErrHandshakeFailed
	}

	j.setState(stateCreatingEndpointSession)
	endpoint := tunnel.Addr(net.JoinHostPort(j.host, strconv.Itoa(j.port)))
	local := tunnel.Addr("via " + j.via.Addr())
	pc := tunnel.NewPacketConn(pconn, stream.StreamID(), contextID, endpoint, local)
	j.pc = pc
	ectx, cancelEndpoint := context.WithTimeout(ctx, j.pool.opts.DialTimeout)
	econn, err := j.pool.opts.Transport.DialEndpoint(ectx, pc, endpoint, j.host)
	cancelEndpoint()
	if err != nil {
		j.teardown("endpoint handshake failed")
		if cause := j.abortCause(); cause != nil {
			return nil, cause
		}
		j.failStage("endpoint dial", err)
		return nil, ErrHandshakeFailed
	}

	sess := newSession(j.pool, j.key, pconn, stream, pc, econn, contextID)
	j.setState(stateDone)
	tracef("job %s established stream=%d context=%d", j.key, stream.StreamID(), contextID)
	return sess, nil
}

// readReply collects the proxy's answer to the tunnel request. The blocking
// read runs in its own goroutine so cancellation can preempt it; the
// caller's teardown then closes the stream, which unblocks the reader.
func (j *tunnelJob) readReply(ctx context.Context, stream Stream, id string) (tunnel.Message, error) {
	type outcome struct {
		msg tunnel.Message
		err error
	}
	ch := make(chan outcome, 1)
	go func() {
		lr := tunnel.NewLineReader(stream)
		for {
			msg, ok, err := lr.Next()
			if err != nil {
				ch <- outcome{err: err}
				return
			}
			if !ok {
				ch <- outcome{err: errors.New("tunnel stream closed before reply")}
				return
			}
			switch msg.Type {
			case tunnel.TypeSettings:
				tracef("job %s proxy settings max_datagram_size=%d", j.key, msg.MaxDatagramSize)
			case tunnel.TypeTunnelOK, tunnel.TypeTunnelError:
				if msg.AckID != id {
					ch <- outcome{err: fmt.Errorf("tunnel ack for unknown id %q", msg.AckID)}
					return
				}
				ch <- outcome{msg: msg}
				return
			default:
				// Unknown message types are skipped.
			}
		}
	}()
	select {
	case out := <-ch:
		return out.msg, out.err
	case <-ctx.Done():
		return tunnel.Message{}, ctx.Err()
	}
}

// abortCause returns the administrative error this job was canceled with,
// or nil while the job context is live.
func (j *tunnelJob) abortCause() error {
	if j.ctx.Err() == nil {
		return nil
	}
	if cause := context.Cause(j.ctx); cause != nil && !errors.Is(cause, context.Canceled) {
		return cause
	}
	return ErrPoolClosed
}

// failStage records which stage failed and why. The detail stays in traces
// and debug logs; waiters only ever see the flattened code.
func (j *tunnelJob) failStage(stage string, err error) {
	j.setState(stateFailed)
	obs.Debug("tunnel job failed", obs.Fields{"key": j.key.String(), "stage": stage, "err": err.Error()})
	tracef("job %s failed at %s: %v", j.key, stage, err)
}

// teardown releases whatever partial state the job holds, innermost first.
// Safe to call more than once.
func (j *tunnelJob) teardown(reason string) {
	if j.pc != nil {
		_ = j.pc.Close()
		j.pc = nil
	}
	if j.stream != nil {
		_ = j.stream.Close()
		j.stream = nil
	}
	if j.proxyConn != nil {
		_ = j.proxyConn.CloseWithError(0, reason)
		j.proxyConn = nil
	}
}
