// Command client establishes a pooled session to an echo endpoint through
// the proxy and drives it, redialing with backoff when the session dies.
package main

import (
	"bufio"
	"context"
	"flag"
	"fmt"
	"net"
	"os"
	"os/signal"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/jpillora/backoff"

	"github.com/quictun/quicpool/obs"
	"github.com/quictun/quicpool/pool"
	"github.com/quictun/quicpool/proxy"
	"github.com/quictun/quicpool/quictransport"
)

func main() {
	var (
		proxyAddr = flag.String("proxy", envOr("PROXY_ADDR", "127.0.0.1:8443"), "proxy address host:port")
		endpoint  = flag.String("endpoint", envOr("ENDPOINT_ADDR", "127.0.0.1:4242"), "endpoint address host:port")
		anonKey   = flag.String("key", envOr("ANON_KEY", "demo"), "session partition key")
		insecure  = flag.Bool("insecure", true, "skip TLS verification (self-signed lab certs)")
	)
	flag.Parse()

	chain, err := chainTo(*proxyAddr)
	fatalIf(err, "proxy address")

	p, err := pool.New(pool.Options{
		Transport: quictransport.New(quictransport.Options{InsecureSkipVerify: *insecure}),
	})
	fatalIf(err, "pool")
	defer p.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	b := &backoff.Backoff{Min: 500 * time.Millisecond, Max: 15 * time.Second, Factor: 2, Jitter: true}
	for {
		req, err := p.RequestSession(*endpoint, *anonKey, chain)
		fatalIf(err, "request session")

		sess, err := req.Wait(ctx)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			d := b.Duration()
			obs.Error("establish failed", obs.Fields{"err": err.Error(), "retry_in": d.String()})
			select {
			case <-ctx.Done():
				return
			case <-time.After(d):
			}
			continue
		}
		b.Reset()

		budget, _ := sess.GuaranteedLargestPayload()
		obs.Info("session established", obs.Fields{
			"endpoint": *endpoint,
			"remote":   sess.RemoteAddr().String(),
			"budget":   budget,
		})
		pingDatagram(ctx, sess)
		if err := driveEcho(ctx, sess); err != nil && ctx.Err() == nil {
			obs.Error("session lost", obs.Fields{"err": err.Error()})
		}
		if ctx.Err() != nil {
			return
		}
	}
}

// driveEcho sends a line each second and reads it back until the stream,
// the session, or the run context ends.
func driveEcho(ctx context.Context, sess *pool.Session) error {
	stream, err := sess.OpenStream(ctx)
	if err != nil {
		return err
	}
	defer stream.Close()

	r := bufio.NewReader(stream)
	tick := time.NewTicker(time.Second)
	defer tick.Stop()
	for i := 0; ; i++ {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-sess.Context().Done():
			return pool.ErrSessionClosed
		case <-tick.C:
		}
		if _, err := fmt.Fprintf(stream, "hello %d\n", i); err != nil {
			return err
		}
		line, err := r.ReadString('\n')
		if err != nil {
			return err
		}
		obs.Info("echo", obs.Fields{"n": i, "got": strings.TrimSpace(line)})
	}
}

// pingDatagram round-trips one datagram through the tunnel. Best effort;
// the endpoint may not support datagrams.
func pingDatagram(ctx context.Context, sess *pool.Session) {
	if err := sess.SendDatagram([]byte("dg-ping")); err != nil {
		obs.Debug("datagram send", obs.Fields{"err": err.Error()})
		return
	}
	dctx, cancel := context.WithTimeout(ctx, 2*time.Second)
	defer cancel()
	b, err := sess.ReceiveDatagram(dctx)
	if err != nil {
		obs.Debug("datagram receive", obs.Fields{"err": err.Error()})
		return
	}
	obs.Info("datagram echo", obs.Fields{"got": string(b)})
}

func chainTo(addr string) (proxy.Chain, error) {
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		return proxy.Chain{}, err
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		return proxy.Chain{}, fmt.Errorf("bad port %q: %w", portStr, err)
	}
	return proxy.NewChain(proxy.NewServer(proxy.SchemeQUIC, host, port)), nil
}

func envOr(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}

func fatalIf(err error, what string) {
	if err != nil {
		obs.Error(what, obs.Fields{"err": err.Error()})
		os.Exit(1)
	}
}
