// Command proxyd terminates client tunnels: it accepts QUIC connections,
// answers tunnel requests on their control streams, and relays datagrams
// between each client flow and a UDP socket toward the requested endpoint.
package main

import (
	"context"
	"crypto/tls"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"sync/atomic"
	"syscall"
	"time"

	"github.com/quic-go/quic-go"

	"github.com/quictun/quicpool/obs"
	"github.com/quictun/quicpool/quictransport"
)

func main() {
	cfgPath := flag.String("config", "", "path to YAML config (optional)")
	flag.Parse()

	cfg, err := loadConfig(*cfgPath)
	fatalIf(err, "load config")

	tlsConf, err := serverTLS(cfg)
	fatalIf(err, "tls setup")

	ln, err := quic.ListenAddr(cfg.Listen, tlsConf, &quic.Config{
		EnableDatagrams: true,
		MaxIdleTimeout:  5 * time.Minute,
	})
	fatalIf(err, "listen")
	defer ln.Close()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	reg := newRegistry()
	var ready atomic.Bool
	go startAdmin(cfg.AdminListen, reg, ready.Load)
	ready.Store(true)

	obs.Info("proxy listening", obs.Fields{
		"addr":          cfg.Listen,
		"admin":         cfg.AdminListen,
		"allow_private": cfg.AllowPrivate,
	})
	for {
		conn, err := ln.Accept(ctx)
		if err != nil {
			if ctx.Err() != nil {
				obs.Info("shutting down", nil)
				return
			}
			obs.Error("accept", obs.Fields{"err": err.Error()})
			return
		}
		go serveConn(ctx, cfg, reg, conn)
	}
}

func serverTLS(cfg Config) (*tls.Config, error) {
	if cfg.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, err
		}
		return &tls.Config{
			Certificates: []tls.Certificate{cert},
			NextProtos:   []string{quictransport.ProxyALPN},
			MinVersion:   tls.VersionTLS13,
		}, nil
	}
	obs.Info("no certificate configured, using a self-signed one", nil)
	return quictransport.ServerTLSConfig(quictransport.ProxyALPN)
}

func fatalIf(err error, what string) {
	if err != nil {
		fmt.Fprintf(os.Stderr, "proxyd: %s: %v\n", what, err)
		os.Exit(1)
	}
}
