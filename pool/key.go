package pool

import (
	"fmt"
	"strings"

	"github.com/quictun/quicpool/proxy"
)

// Key identifies one pooled session: the destination authority, the caller's
// anonymization key, and the canonical form of the proxy chain. Two requests
// share a session only when all three match. Key is a comparable value and
// never holds references into pool internals.
type Key struct {
	dest  string
	anon  string
	chain string
}

// NewKey builds the pool key for a destination ("host:port"), an
// anonymization key, and a proxy chain. The destination is lowercased so
// case differences in hostnames do not split the cache.
func NewKey(destination, anonymizationKey string, chain proxy.Chain) Key {
	return Key{
		dest:  strings.ToLower(destination),
		anon:  anonymizationKey,
		chain: chain.String(),
	}
}

func (k Key) Destination() string      { return k.dest }
func (k Key) AnonymizationKey() string { return k.anon }
func (k Key) ChainString() string      { return k.chain }

func (k Key) String() string {
	if k.anon == "" {
		return fmt.Sprintf("%s via %s", k.dest, k.chain)
	}
	return fmt.Sprintf("%s via %s (%s)", k.dest, k.chain, k.anon)
}
