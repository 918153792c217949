package main

import (
	"context"
	"net"
	"sort"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/quic-go/quic-go"
	"golang.org/x/time/rate"

	"github.com/quictun/quicpool/obs"
	"github.com/quictun/quicpool/tunnel"
)

// tunnelInfo is the admin API view of a live tunnel.
type tunnelInfo struct {
	ID              string    `json:"id"`
	Peer            string    `json:"peer"`
	Target          string    `json:"target"`
	QuarterStreamID uint64    `json:"quarter_stream_id"`
	Started         time.Time `json:"started"`
}

type registry struct {
	mu      sync.Mutex
	tunnels map[string]tunnelInfo
}

func newRegistry() *registry {
	return &registry{tunnels: make(map[string]tunnelInfo)}
}

func (r *registry) add(info tunnelInfo) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tunnels[info.ID] = info
}

func (r *registry) remove(id string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	delete(r.tunnels, id)
}

func (r *registry) list() []tunnelInfo {
	r.mu.Lock()
	out := make([]tunnelInfo, 0, len(r.tunnels))
	for _, info := range r.tunnels {
		out = append(out, info)
	}
	r.mu.Unlock()
	sort.Slice(out, func(i, j int) bool { return out[i].Started.Before(out[j].Started) })
	return out
}

// udpTunnel is one relayed flow: a client stream bound to a UDP socket
// toward the endpoint. Datagrams to and from the client carry this
// tunnel's quarter-stream-id prefix.
type udpTunnel struct {
	id        string
	qsid      uint64
	contextID uint64
	target    string
	stream    quic.Stream
	sock      *net.UDPConn
	started   time.Time
	lastUsed  atomic.Int64
}

func (t *udpTunnel) touch() { t.lastUsed.Store(time.Now().UnixNano()) }

func (t *udpTunnel) idleFor() time.Duration {
	return time.Since(time.Unix(0, t.lastUsed.Load()))
}

// connHandler serves one client connection: a rate limiter for tunnel
// requests and the quarter-stream-id demux table for its datagrams.
type connHandler struct {
	cfg  Config
	reg  *registry
	conn quic.Connection
	peer string
	lim  *rate.Limiter

	mu     sync.Mutex
	byQSID map[uint64]*udpTunnel
}

func serveConn(ctx context.Context, cfg Config, reg *registry, conn quic.Connection) {
	h := &connHandler{
		cfg:    cfg,
		reg:    reg,
		conn:   conn,
		peer:   conn.RemoteAddr().String(),
		lim:    rate.NewLimiter(rate.Limit(cfg.TunnelRate), cfg.TunnelBurst),
		byQSID: make(map[uint64]*udpTunnel),
	}
	obs.Info("client connected", obs.Fields{"peer": h.peer})
	defer h.closeAll()

	go h.datagramLoop(ctx)
	if idle := time.Duration(cfg.TunnelIdleTimeout); idle > 0 {
		go h.sweepIdle(ctx, idle)
	}
	for {
		stream, err := conn.AcceptStream(ctx)
		if err != nil {
			obs.Debug("client gone", obs.Fields{"peer": h.peer, "err": err.Error()})
			return
		}
		go h.serveStream(stream)
	}
}

// serveStream owns one control stream. The server speaks first with its
// settings, then waits for a tunnel request. A stream carries at most one
// tunnel; the tunnel lives until the stream or the socket dies.
func (h *connHandler) serveStream(stream quic.Stream) {
	_ = tunnel.WriteLine(stream, tunnel.Message{
		Type:            tunnel.TypeSettings,
		MaxDatagramSize: h.cfg.MaxDatagramSize,
	})
	lr := tunnel.NewLineReader(stream)
	for {
		msg, ok, err := lr.Next()
		if err != nil || !ok {
			break
		}
		switch msg.Type {
		case tunnel.TypeSettings:
			obs.Debug("client settings", obs.Fields{"peer": h.peer, "max_datagram_size": msg.MaxDatagramSize})
		case tunnel.TypeConnectUDP:
			h.handleConnect(stream, msg)
		default:
			// Unknown types are skipped so older proxies tolerate newer clients.
		}
	}
	h.dropTunnel(tunnel.QuarterStreamID(int64(stream.StreamID())), "stream closed")
}

func (h *connHandler) handleConnect(stream quic.Stream, msg tunnel.Message) {
	reject := func(reason, label string) {
		obs.TunnelsRejectedTotal.WithLabelValues(label).Inc()
		obs.Info("tunnel rejected", obs.Fields{"peer": h.peer, "reason": reason, "host": msg.Host, "port": msg.Port})
		_ = tunnel.WriteLine(stream, tunnel.Message{Type: tunnel.TypeTunnelError, AckID: msg.ID, Reason: reason})
	}
	if !h.lim.Allow() {
		reject("rate limited", "rate_limited")
		return
	}
	if msg.Host == "" || msg.Port < 1 || msg.Port > 65535 {
		reject("bad target", "bad_target")
		return
	}
	if msg.Path != "" && msg.Path != tunnel.ConnectPath(msg.Host, msg.Port) {
		reject("path does not match target", "bad_path")
		return
	}
	target := net.JoinHostPort(msg.Host, strconv.Itoa(msg.Port))
	raddr, err := net.ResolveUDPAddr("udp", target)
	if err != nil {
		reject("cannot resolve target", "resolve")
		return
	}
	if !h.cfg.AllowPrivate && isPrivate(raddr.IP) {
		reject("target not allowed", "forbidden")
		return
	}
	sock, err := net.DialUDP("udp", nil, raddr)
	if err != nil {
		reject("cannot reach target", "socket")
		return
	}

	t := &udpTunnel{
		id:        uuid.NewString(),
		qsid:      tunnel.QuarterStreamID(int64(stream.StreamID())),
		contextID: tunnel.ConnectUDPContextID,
		target:    target,
		stream:    stream,
		sock:      sock,
		started:   time.Now(),
	}
	t.touch()

	h.mu.Lock()
	if _, dup := h.byQSID[t.qsid]; dup {
		h.mu.Unlock()
		_ = sock.Close()
		reject("stream already carries a tunnel", "duplicate")
		return
	}
	h.byQSID[t.qsid] = t
	h.mu.Unlock()

	h.reg.add(tunnelInfo{ID: t.id, Peer: h.peer, Target: target, QuarterStreamID: t.qsid, Started: t.started})
	obs.TunnelsEstablishedTotal.Inc()
	obs.ActiveTunnels.Inc()

	if err := tunnel.WriteLine(stream, tunnel.Message{Type: tunnel.TypeTunnelOK, AckID: msg.ID, ContextID: t.contextID}); err != nil {
		h.dropTunnel(t.qsid, "ack write failed")
		return
	}
	obs.Info("tunnel open", obs.Fields{
		"id":     t.id,
		"peer":   h.peer,
		"target": target,
		"qsid":   t.qsid,
		"agent":  msg.UserAgent,
	})
	go h.sockToConn(t)
}

// sockToConn pumps endpoint replies back to the client, prefixing each
// with the tunnel's datagram header. Exits when the socket closes.
func (h *connHandler) sockToConn(t *udpTunnel) {
	hdr := tunnel.AppendDatagramHeader(nil, t.qsid, t.contextID)
	buf := make([]byte, 64*1024)
	for {
		n, err := t.sock.Read(buf)
		if err != nil {
			return
		}
		if len(hdr)+n > h.cfg.MaxDatagramSize {
			obs.RelayErrorsTotal.WithLabelValues("too_large").Inc()
			continue
		}
		dg := make([]byte, 0, len(hdr)+n)
		dg = append(dg, hdr...)
		dg = append(dg, buf[:n]...)
		if err := h.conn.SendDatagram(dg); err != nil {
			obs.RelayErrorsTotal.WithLabelValues("send").Inc()
			select {
			case <-h.conn.Context().Done():
				return
			default:
			}
			continue
		}
		t.touch()
		obs.DatagramsRelayedTotal.WithLabelValues("to_client").Inc()
	}
}

// datagramLoop demuxes client datagrams onto tunnel sockets by
// quarter-stream-id.
func (h *connHandler) datagramLoop(ctx context.Context) {
	for {
		b, err := h.conn.ReceiveDatagram(ctx)
		if err != nil {
			return
		}
		qsid, ctxID, payload, err := tunnel.ParseDatagram(b)
		if err != nil {
			obs.RelayErrorsTotal.WithLabelValues("malformed").Inc()
			continue
		}
		h.mu.Lock()
		t := h.byQSID[qsid]
		h.mu.Unlock()
		if t == nil || ctxID != t.contextID {
			obs.RelayErrorsTotal.WithLabelValues("unknown_flow").Inc()
			continue
		}
		if _, err := t.sock.Write(payload); err != nil {
			obs.RelayErrorsTotal.WithLabelValues("socket_write").Inc()
			continue
		}
		t.touch()
		obs.DatagramsRelayedTotal.WithLabelValues("to_endpoint").Inc()
	}
}

func (h *connHandler) sweepIdle(ctx context.Context, idle time.Duration) {
	tick := time.NewTicker(idle / 4)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-tick.C:
		}
		h.mu.Lock()
		var stale []*udpTunnel
		for _, t := range h.byQSID {
			if t.idleFor() > idle {
				stale = append(stale, t)
			}
		}
		h.mu.Unlock()
		for _, t := range stale {
			h.dropTunnel(t.qsid, "idle")
			t.stream.CancelRead(0)
			_ = t.stream.Close()
		}
	}
}

// dropTunnel removes and tears down one tunnel. Safe to call twice; the
// second call finds nothing.
func (h *connHandler) dropTunnel(qsid uint64, reason string) {
	h.mu.Lock()
	t := h.byQSID[qsid]
	delete(h.byQSID, qsid)
	h.mu.Unlock()
	if t == nil {
		return
	}
	_ = t.sock.Close()
	h.reg.remove(t.id)
	obs.ActiveTunnels.Dec()
	obs.Info("tunnel closed", obs.Fields{"id": t.id, "target": t.target, "reason": reason})
}

func (h *connHandler) closeAll() {
	h.mu.Lock()
	all := make([]*udpTunnel, 0, len(h.byQSID))
	for _, t := range h.byQSID {
		all = append(all, t)
	}
	clear(h.byQSID)
	h.mu.Unlock()
	for _, t := range all {
		_ = t.sock.Close()
		h.reg.remove(t.id)
		obs.ActiveTunnels.Dec()
	}
	_ = h.conn.CloseWithError(0, "bye")
	if len(all) > 0 {
		obs.Info("client tunnels dropped", obs.Fields{"peer": h.peer, "count": len(all)})
	}
}

func isPrivate(ip net.IP) bool {
	return ip.IsLoopback() || ip.IsPrivate() || ip.IsLinkLocalUnicast() || ip.IsUnspecified()
}
