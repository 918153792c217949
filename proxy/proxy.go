// Package proxy describes proxy servers and proxy chains.
//
// A Chain is an ordered list of proxy hops a connection must traverse before
// reaching its destination. The session pool only tunnels through a single
// QUIC-capable hop; Validate enforces that shape up front so that no pool or
// job state is ever created for a chain the tunnel layer cannot serve.
package proxy

import (
	"errors"
	"fmt"
	"net"
	"strconv"
	"strings"
)

// Scheme identifies the transport a proxy server speaks.
type Scheme string

const (
	SchemeQUIC   Scheme = "quic"
	SchemeHTTPS  Scheme = "https"
	SchemeSOCKS5 Scheme = "socks5"
)

// Validation failures. The pool reports all of them to callers as a single
// chain-invalid code; these exist for logs and tests.
var (
	ErrChainDirect   = errors.New("proxy: chain has no hops")
	ErrChainTooLong  = errors.New("proxy: multi-hop chains not supported")
	ErrSchemeNotQUIC = errors.New("proxy: scheme is not QUIC-capable")
	ErrBadHost       = errors.New("proxy: empty host")
	ErrBadPort       = errors.New("proxy: port out of range")
)

// Server describes one proxy hop. It is a value type and is never mutated
// after construction.
type Server struct {
	Scheme Scheme
	Host   string
	Port   int
}

// NewServer builds a Server descriptor. The host is canonicalized to lower
// case so that descriptors compare and key consistently.
func NewServer(scheme Scheme, host string, port int) Server {
	return Server{Scheme: scheme, Host: strings.ToLower(host), Port: port}
}

// Addr returns the dialable "host:port" form.
func (s Server) Addr() string {
	return net.JoinHostPort(s.Host, strconv.Itoa(s.Port))
}

func (s Server) String() string {
	return string(s.Scheme) + "://" + s.Addr()
}

func (s Server) validate() error {
	if s.Scheme != SchemeQUIC {
		return fmt.Errorf("%w: %q", ErrSchemeNotQUIC, s.Scheme)
	}
	if s.Host == "" {
		return ErrBadHost
	}
	if s.Port <= 0 || s.Port > 65535 {
		return fmt.Errorf("%w: %d", ErrBadPort, s.Port)
	}
	return nil
}

// Chain is an ordered, immutable list of proxy servers.
type Chain struct {
	servers []Server
}

// NewChain builds a chain from the given hops, first hop first.
func NewChain(servers ...Server) Chain {
	cp := make([]Server, len(servers))
	copy(cp, servers)
	return Chain{servers: cp}
}

// Direct returns the empty chain. It never validates for this pool: a direct
// (unproxied) connection has no tunnel to establish.
func Direct() Chain {
	return Chain{}
}

func (c Chain) Len() int { return len(c.servers) }

func (c Chain) IsDirect() bool { return len(c.servers) == 0 }

// First returns the single hop of a validated chain. ok is false for a
// direct chain.
func (c Chain) First() (Server, bool) {
	if len(c.servers) == 0 {
		return Server{}, false
	}
	return c.servers[0], true
}

// Servers returns a copy of the hop list.
func (c Chain) Servers() []Server {
	cp := make([]Server, len(c.servers))
	copy(cp, c.servers)
	return cp
}

// Validate reports why the chain cannot carry a tunneled QUIC session, or nil.
//
// The rules are deliberately narrow: exactly one hop, QUIC scheme, sane
// host and port. Chains with more than one hop would require nesting a
// tunnel inside a tunnel; that is a known extension point, not something
// this layer silently attempts.
func (c Chain) Validate() error {
	if len(c.servers) == 0 {
		return ErrChainDirect
	}
	if len(c.servers) > 1 {
		return fmt.Errorf("%w: %d hops", ErrChainTooLong, len(c.servers))
	}
	return c.servers[0].validate()
}

// IsValid reports whether Validate returns nil.
func (c Chain) IsValid() bool { return c.Validate() == nil }

// String returns the canonical form used for pool keying: hops joined by
// commas, "direct://" for the empty chain.
func (c Chain) String() string {
	if len(c.servers) == 0 {
		return "direct://"
	}
	parts := make([]string, len(c.servers))
	for i, s := range c.servers {
		parts[i] = s.String()
	}
	return strings.Join(parts, ",")
}
