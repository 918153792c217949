package pool

import (
	"context"
	"sync"
)

// Result is the terminal outcome of a Request: either a session or one of
// the pool's error codes, never both.
type Result struct {
	Session *Session
	Err     error
}

// Request is a caller's handle on a pending session. It records the key and
// the generation of the job it attached to, never a pointer into the job, so
// a request that outlives its job stays safe to use and cannot be resolved
// by a later job under the same key.
type Request struct {
	pool *Pool
	key  Key
	gen  uint64

	once sync.Once
	ch   chan Result
}

func newRequest(p *Pool, key Key, gen uint64) *Request {
	return &Request{pool: p, key: key, gen: gen, ch: make(chan Result, 1)}
}

// resolve delivers the terminal result. At most one delivery ever happens;
// later calls are no-ops. The channel is buffered, so delivery never blocks
// on the caller.
func (r *Request) resolve(res Result) {
	r.once.Do(func() { r.ch <- res })
}

func (r *Request) Key() Key { return r.key }

// Result returns the channel carrying the terminal outcome. Exactly one
// value is ever sent; consume it through this channel or through Wait, not
// both.
func (r *Request) Result() <-chan Result { return r.ch }

// Wait blocks until the request resolves or ctx ends. An expiring ctx only
// abandons the wait; the request stays attached. Use Cancel to detach.
func (r *Request) Wait(ctx context.Context) (*Session, error) {
	select {
	case res := <-r.ch:
		return res.Session, res.Err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Cancel detaches the request from its job and resolves it with
// ErrRequestCanceled. The job itself keeps running; if it later succeeds,
// the session lands in the pool's cache for future requests. Canceling a
// request that already resolved is a no-op. A cancel racing the job's own
// completion observes whichever outcome wins.
func (r *Request) Cancel() {
	r.pool.cancelRequest(r)
}
