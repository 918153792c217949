package pool

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/quictun/quicpool/obs"
	"github.com/quictun/quicpool/proxy"
	"github.com/quictun/quicpool/tunnel"
)

// Options configures a Pool. Every field except Transport has a usable
// default.
type Options struct {
	// Transport performs the actual QUIC dials. Required.
	Transport Transport

	// DialTimeout bounds each QUIC dial, handshake included, for the proxy
	// and the endpoint alike. Default 10s.
	DialTimeout time.Duration

	// TunnelTimeout bounds the tunnel establishment exchange on the proxy
	// stream. Default 10s.
	TunnelTimeout time.Duration

	// SessionIdleTimeout closes a cached session this long after its last
	// stream closes. Zero means the 2 minute default; negative disables
	// idle closure.
	SessionIdleTimeout time.Duration

	// MaxPacketSize is the outer transport's maximum packet size, the
	// starting point of the datagram budget. Default
	// tunnel.DefaultMaxPacketSize.
	MaxPacketSize int

	// LayerOverhead is the per-layer framing overhead charged against the
	// datagram budget. Default tunnel.DefaultLayerOverhead.
	LayerOverhead int

	// UserAgent travels in the tunnel request for the proxy's logs.
	UserAgent string
}

func (o Options) withDefaults() Options {
	if o.DialTimeout <= 0 {
		o.DialTimeout = 10 * time.Second
	}
	if o.TunnelTimeout <= 0 {
		o.TunnelTimeout = 10 * time.Second
	}
	if o.SessionIdleTimeout == 0 {
		o.SessionIdleTimeout = 2 * time.Minute
	}
	if o.MaxPacketSize <= 0 {
		o.MaxPacketSize = tunnel.DefaultMaxPacketSize
	}
	if o.LayerOverhead <= 0 {
		o.LayerOverhead = tunnel.DefaultLayerOverhead
	}
	if o.UserAgent == "" {
		o.UserAgent = "quicpool"
	}
	return o
}

// Pool deduplicates and caches proxied QUIC sessions by key. All map state
// is guarded by one mutex; jobs run in their own goroutines and report back
// through the settle methods, which each take effect at most once per job.
type Pool struct {
	opts Options

	mu       sync.Mutex
	sessions map[Key]*Session
	jobs     map[Key]*tunnelJob
	gen      uint64
	closed   bool
}

// New builds a pool around a transport.
func New(opts Options) (*Pool, error) {
	if opts.Transport == nil {
		return nil, errors.New("pool: Options.Transport is required")
	}
	return &Pool{
		opts:     opts.withDefaults(),
		sessions: make(map[Key]*Session),
		jobs:     make(map[Key]*tunnelJob),
	}, nil
}

// RequestSession asks for a session to destination ("host:port") through
// chain. Structural problems, a malformed destination or a chain this pool
// cannot serve, fail synchronously and create no pool state. Otherwise the
// returned request resolves exactly once: immediately on a cache hit, or
// when the job for the key finishes. Concurrent requests for one key share
// a single job.
func (p *Pool) RequestSession(destination, anonymizationKey string, chain proxy.Chain) (*Request, error) {
	host, portStr, err := net.SplitHostPort(destination)
	if err != nil {
		return nil, fmt.Errorf("destination %q: %w", destination, err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil || port < 1 || port > 65535 {
		return nil, fmt.Errorf("destination %q: bad port", destination)
	}
	if err := chain.Validate(); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrChainInvalid, err)
	}

	obs.RequestsTotal.Inc()
	key := NewKey(destination, anonymizationKey, chain)

	p.mu.Lock()
	defer p.mu.Unlock()
	if p.closed {
		return nil, ErrPoolClosed
	}
	if s, ok := p.sessions[key]; ok {
		req := newRequest(p, key, 0)
		req.resolve(Result{Session: s})
		tracef("request %s: cache hit", key)
		return req, nil
	}
	if j, ok := p.jobs[key]; ok {
		req := newRequest(p, key, j.gen)
		j.waiters = append(j.waiters, req)
		tracef("request %s: joined job gen=%d waiters=%d", key, j.gen, len(j.waiters))
		return req, nil
	}

	p.gen++
	via, _ := chain.First()
	j := &tunnelJob{
		pool: p,
		key:  key,
		gen:  p.gen,
		host: strings.ToLower(host),
		port: port,
		via:  via,
	}
	j.ctx, j.cancel = context.WithCancelCause(context.Background())
	req := newRequest(p, key, j.gen)
	j.waiters = []*Request{req}
	p.jobs[key] = j
	obs.InflightJobs.Inc()
	tracef("request %s: new job gen=%d", key, j.gen)
	go j.run()
	return req, nil
}

// GetActiveSession returns the cached session for the triple, or nil. It is
// a lookup only and never creates state.
func (p *Pool) GetActiveSession(destination, anonymizationKey string, chain proxy.Chain) *Session {
	key := NewKey(destination, anonymizationKey, chain)
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.sessions[key]
}

// CloseAllSessions fails every in-flight job with err and closes every
// cached session with the application error code. Every pending request is
// resolved before this returns. Jobs blocked in network reads are woken by
// canceling their contexts; their goroutines finish releasing partial state
// in the background.
func (p *Pool) CloseAllSessions(err error, code uint64) {
	if err == nil {
		err = ErrPoolClosed
	}

	p.mu.Lock()
	var aborted int
	for _, j := range p.jobs {
		if j.settled {
			continue
		}
		j.settled = true
		j.abortCode = code
		for _, w := range j.waiters {
			w.resolve(Result{Err: err})
		}
		j.waiters = nil
		j.cancel(err)
		obs.InflightJobs.Dec()
		obs.JobFailuresTotal.WithLabelValues(errorLabel(err)).Inc()
		aborted++
	}
	clear(p.jobs)
	sessions := make([]*Session, 0, len(p.sessions))
	for _, s := range p.sessions {
		sessions = append(sessions, s)
	}
	clear(p.sessions)
	p.mu.Unlock()

	for _, s := range sessions {
		obs.ActiveSessions.Dec()
		s.close(code, "close all sessions")
	}
	if aborted > 0 || len(sessions) > 0 {
		obs.Info("closed all sessions", obs.Fields{"jobs": aborted, "sessions": len(sessions), "err": err.Error(), "code": code})
	}
	tracef("close all: jobs=%d sessions=%d err=%v code=%d", aborted, len(sessions), err, code)
}

// Close shuts the pool down: every job and cached session is terminated and
// later requests are rejected with ErrPoolClosed.
func (p *Pool) Close() error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	p.mu.Unlock()
	p.CloseAllSessions(ErrPoolClosed, 0)
	return nil
}

// ActiveSessionCount reports the number of cached sessions.
func (p *Pool) ActiveSessionCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.sessions)
}

// InFlightJobCount reports the number of establishment jobs running.
func (p *Pool) InFlightJobCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.jobs)
}

// jobSucceeded installs the session in the cache and resolves the job's
// waiters. It reports false when the job was already settled
// administratively; the caller then owns the session's disposal.
func (p *Pool) jobSucceeded(j *tunnelJob, s *Session) bool {
	p.mu.Lock()
	if j.settled {
		p.mu.Unlock()
		return false
	}
	j.settled = true
	delete(p.jobs, j.key)
	waiters := j.waiters
	j.waiters = nil
	if p.closed {
		// Close raced the last stage; nothing gets cached on a closed pool.
		p.mu.Unlock()
		obs.InflightJobs.Dec()
		for _, w := range waiters {
			w.resolve(Result{Err: ErrPoolClosed})
		}
		s.close(0, "pool closed")
		return true
	}
	p.sessions[j.key] = s
	p.mu.Unlock()

	obs.InflightJobs.Dec()
	obs.ActiveSessions.Inc()
	obs.SessionsCreatedTotal.Inc()
	for _, w := range waiters {
		w.resolve(Result{Session: s})
	}
	go s.watch()
	s.maybeArmIdle()
	tracef("job %s done, session cached (waiters=%d)", j.key, len(waiters))
	return true
}

// jobFailed resolves the job's waiters with the terminal error code. A job
// already settled administratively is left alone.
func (p *Pool) jobFailed(j *tunnelJob, err error) {
	p.mu.Lock()
	if j.settled {
		p.mu.Unlock()
		return
	}
	j.settled = true
	delete(p.jobs, j.key)
	waiters := j.waiters
	j.waiters = nil
	p.mu.Unlock()

	obs.InflightJobs.Dec()
	obs.JobFailuresTotal.WithLabelValues(errorLabel(err)).Inc()
	for _, w := range waiters {
		w.resolve(Result{Err: err})
	}
	tracef("job %s failed: %v (waiters=%d)", j.key, err, len(waiters))
}

// cancelRequest detaches r from its job, provided the job is still the one
// the request attached to, then resolves r as canceled. The job itself is
// never disturbed.
func (p *Pool) cancelRequest(r *Request) {
	p.mu.Lock()
	if j, ok := p.jobs[r.key]; ok && j.gen == r.gen {
		for i, w := range j.waiters {
			if w == r {
				j.waiters = append(j.waiters[:i], j.waiters[i+1:]...)
				break
			}
		}
		tracef("request %s detached from job gen=%d (waiters=%d)", r.key, j.gen, len(j.waiters))
	}
	p.mu.Unlock()
	r.resolve(Result{Err: ErrRequestCanceled})
}

// jobAbortCode reads the close code recorded when the job was settled
// administratively.
func (p *Pool) jobAbortCode(j *tunnelJob) uint64 {
	p.mu.Lock()
	defer p.mu.Unlock()
	return j.abortCode
}

// removeSession drops s from the cache if it is still the cached entry for
// its key. Used when a session's transport dies underneath it.
func (p *Pool) removeSession(s *Session) {
	p.mu.Lock()
	if p.sessions[s.key] == s {
		delete(p.sessions, s.key)
		obs.ActiveSessions.Dec()
	}
	p.mu.Unlock()
}

// sessionIdle fires from a session's idle timer: drop and close the session
// if it is still cached and still unused.
func (p *Pool) sessionIdle(s *Session) {
	p.mu.Lock()
	if p.sessions[s.key] != s {
		p.mu.Unlock()
		return
	}
	s.mu.Lock()
	busy := s.active > 0 || s.closed
	s.mu.Unlock()
	if busy {
		p.mu.Unlock()
		return
	}
	delete(p.sessions, s.key)
	p.mu.Unlock()
	obs.ActiveSessions.Dec()
	tracef("session %s idle, closing", s.key)
	s.close(0, "idle timeout")
}
