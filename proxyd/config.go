package main

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/quictun/quicpool/tunnel"
)

// Duration lets YAML carry "30s" style values.
type Duration time.Duration

func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	v, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("bad duration %q: %w", s, err)
	}
	*d = Duration(v)
	return nil
}

type Config struct {
	// Listen is the QUIC listen address for tunnel clients.
	Listen string `yaml:"listen"`
	// AdminListen serves /metrics, health and the tunnel API over HTTP.
	AdminListen string `yaml:"admin_listen"`

	// CertFile/KeyFile hold the TLS identity. Empty means a fresh
	// self-signed certificate at startup.
	CertFile string `yaml:"cert_file"`
	KeyFile  string `yaml:"key_file"`

	// MaxDatagramSize is advertised to clients in the settings message.
	MaxDatagramSize int `yaml:"max_datagram_size"`

	// TunnelRate and TunnelBurst bound tunnel-establishment requests per
	// client connection.
	TunnelRate  float64 `yaml:"tunnel_rate"`
	TunnelBurst int     `yaml:"tunnel_burst"`

	// TunnelIdleTimeout closes tunnels that moved no datagrams for this
	// long. Zero disables the sweep.
	TunnelIdleTimeout Duration `yaml:"tunnel_idle_timeout"`

	// AllowPrivate permits tunnels to loopback, RFC 1918 and link-local
	// targets. Off by default; the proxy should not be a door into its own
	// network.
	AllowPrivate bool `yaml:"allow_private"`
}

func defaultConfig() Config {
	return Config{
		Listen:            ":8443",
		AdminListen:       ":9090",
		MaxDatagramSize:   tunnel.DefaultMaxPacketSize,
		TunnelRate:        5,
		TunnelBurst:       10,
		TunnelIdleTimeout: Duration(2 * time.Minute),
	}
}

// loadConfig starts from defaults, layers the optional YAML file and then
// environment overrides on top, and validates the result.
func loadConfig(path string) (Config, error) {
	cfg := defaultConfig()
	if path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return cfg, err
		}
		if err := yaml.Unmarshal(data, &cfg); err != nil {
			return cfg, fmt.Errorf("parse config: %w", err)
		}
	}
	applyEnv(&cfg)
	if err := cfg.validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func applyEnv(cfg *Config) {
	cfg.Listen = envOr("PROXY_LISTEN", cfg.Listen)
	cfg.AdminListen = envOr("PROXY_ADMIN_LISTEN", cfg.AdminListen)
	cfg.CertFile = envOr("PROXY_CERT_FILE", cfg.CertFile)
	cfg.KeyFile = envOr("PROXY_KEY_FILE", cfg.KeyFile)
	if envBool("PROXY_ALLOW_PRIVATE") {
		cfg.AllowPrivate = true
	}
}

func (c Config) validate() error {
	if c.Listen == "" {
		return fmt.Errorf("config: listen address required")
	}
	if c.MaxDatagramSize < 256 {
		return fmt.Errorf("config: max_datagram_size %d too small", c.MaxDatagramSize)
	}
	if c.TunnelRate <= 0 || c.TunnelBurst < 1 {
		return fmt.Errorf("config: tunnel rate %v burst %d out of range", c.TunnelRate, c.TunnelBurst)
	}
	if (c.CertFile == "") != (c.KeyFile == "") {
		return fmt.Errorf("config: cert_file and key_file go together")
	}
	return nil
}

func envOr(k, def string) string {
	v := strings.TrimSpace(os.Getenv(k))
	if v == "" {
		return def
	}
	return v
}

func envBool(k string) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(k)))
	return v == "1" || v == "true" || v == "yes" || v == "y"
}
