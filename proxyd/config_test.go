package main

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/quictun/quicpool/tunnel"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	p := filepath.Join(t.TempDir(), "proxy.yaml")
	if err := os.WriteFile(p, []byte(body), 0o600); err != nil {
		t.Fatal(err)
	}
	return p
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := loadConfig("")
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Listen != ":8443" || cfg.AdminListen != ":9090" {
		t.Fatalf("unexpected listen defaults: %+v", cfg)
	}
	if cfg.MaxDatagramSize != tunnel.DefaultMaxPacketSize {
		t.Fatalf("max datagram size = %d", cfg.MaxDatagramSize)
	}
	if time.Duration(cfg.TunnelIdleTimeout) != 2*time.Minute {
		t.Fatalf("idle timeout = %v", time.Duration(cfg.TunnelIdleTimeout))
	}
	if cfg.AllowPrivate {
		t.Fatal("private targets allowed by default")
	}
}

func TestLoadConfigFile(t *testing.T) {
	p := writeConfig(t, `
listen: ":9443"
max_datagram_size: 1200
tunnel_rate: 2
tunnel_burst: 4
tunnel_idle_timeout: 30s
allow_private: true
`)
	cfg, err := loadConfig(p)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Listen != ":9443" {
		t.Fatalf("listen = %q", cfg.Listen)
	}
	if cfg.AdminListen != ":9090" {
		t.Fatalf("admin default lost: %q", cfg.AdminListen)
	}
	if cfg.MaxDatagramSize != 1200 || cfg.TunnelRate != 2 || cfg.TunnelBurst != 4 {
		t.Fatalf("limits not applied: %+v", cfg)
	}
	if time.Duration(cfg.TunnelIdleTimeout) != 30*time.Second {
		t.Fatalf("idle timeout = %v", time.Duration(cfg.TunnelIdleTimeout))
	}
	if !cfg.AllowPrivate {
		t.Fatal("allow_private not applied")
	}
}

func TestLoadConfigEnvOverride(t *testing.T) {
	p := writeConfig(t, `listen: ":9443"`)
	t.Setenv("PROXY_LISTEN", ":7443")
	t.Setenv("PROXY_ALLOW_PRIVATE", "1")
	cfg, err := loadConfig(p)
	if err != nil {
		t.Fatalf("loadConfig: %v", err)
	}
	if cfg.Listen != ":7443" {
		t.Fatalf("env override lost: %q", cfg.Listen)
	}
	if !cfg.AllowPrivate {
		t.Fatal("PROXY_ALLOW_PRIVATE ignored")
	}
}

func TestLoadConfigRejectsBadValues(t *testing.T) {
	cases := map[string]string{
		"empty listen":   `listen: ""`,
		"tiny datagrams": `max_datagram_size: 100`,
		"zero rate":      `tunnel_rate: 0`,
		"zero burst":     `tunnel_burst: 0`,
		"orphan cert":    `cert_file: /tmp/cert.pem`,
		"bad duration":   `tunnel_idle_timeout: soon`,
	}
	for name, body := range cases {
		t.Run(name, func(t *testing.T) {
			if _, err := loadConfig(writeConfig(t, body)); err == nil {
				t.Fatalf("config %q accepted", body)
			}
		})
	}
}

func TestLoadConfigMissingFile(t *testing.T) {
	if _, err := loadConfig(filepath.Join(t.TempDir(), "absent.yaml")); err == nil {
		t.Fatal("missing file accepted")
	}
}
