// Command server runs a line-echo QUIC endpoint. It is the far end for
// tunneled sessions: the proxy relays client packets here over UDP.
package main

import (
	"context"
	"os"
	"strings"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/quictun/quicpool/obs"
	"github.com/quictun/quicpool/quictransport"
)

func main() {
	listen := envOr("LISTEN_ADDR", ":4242")

	tlsConf, err := quictransport.ServerTLSConfig(quictransport.EndpointALPN)
	fatalIf(err, "tls setup")

	ln, err := quic.ListenAddr(listen, tlsConf, &quic.Config{
		EnableDatagrams: true,
		KeepAlivePeriod: 15 * time.Second,
	})
	fatalIf(err, "listen")
	defer ln.Close()
	obs.Info("endpoint listening", obs.Fields{"addr": listen})

	for {
		conn, err := ln.Accept(context.Background())
		if err != nil {
			if strings.Contains(strings.ToLower(err.Error()), "closed") {
				return
			}
			obs.Error("accept", obs.Fields{"err": err.Error()})
			return
		}
		go serveConn(conn)
	}
}

func serveConn(conn quic.Connection) {
	obs.Info("session up", obs.Fields{"peer": conn.RemoteAddr().String()})
	go echoDatagrams(conn)
	for {
		st, err := conn.AcceptStream(context.Background())
		if err != nil {
			obs.Debug("session gone", obs.Fields{"peer": conn.RemoteAddr().String(), "err": err.Error()})
			return
		}
		go echoLines(st)
	}
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
