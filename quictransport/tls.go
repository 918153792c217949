package quictransport

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"math/big"
	"time"
)

const (
	// ProxyALPN is negotiated on the hop to the proxy.
	ProxyALPN = "quicpool-proxy/1"
	// EndpointALPN is the default protocol offered to tunneled endpoints.
	EndpointALPN = "quicpool/1"
)

// Shared TLS session cache enables session resumption and 0-RTT on redial.
// Without it quic-go cannot attempt 0-RTT even through DialAddrEarly.
var clientSessionCache = tls.NewLRUClientSessionCache(256)

func (t *Transport) clientTLS(serverName string, alpn []string) *tls.Config {
	return &tls.Config{
		ServerName:         serverName,
		RootCAs:            t.opts.RootCAs,
		InsecureSkipVerify: t.opts.InsecureSkipVerify,
		NextProtos:         alpn,
		ClientSessionCache: clientSessionCache,
		MinVersion:         tls.VersionTLS13,
	}
}

// ServerTLSConfig builds a server config with a fresh self-signed
// certificate. The proxy daemon and the echo endpoint use it when no cert
// files are configured; clients then need verification disabled.
func ServerTLSConfig(alpn ...string) (*tls.Config, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return nil, err
	}

	tmpl := x509.Certificate{
		SerialNumber:          big.NewInt(1),
		NotBefore:             time.Now().Add(-time.Hour),
		NotAfter:              time.Now().Add(365 * 24 * time.Hour),
		KeyUsage:              x509.KeyUsageKeyEncipherment | x509.KeyUsageDigitalSignature,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
	}

	der, err := x509.CreateCertificate(rand.Reader, &tmpl, &tmpl, &key.PublicKey, key)
	if err != nil {
		return nil, err
	}

	certPEM := pem.EncodeToMemory(&pem.Block{Type: "CERTIFICATE", Bytes: der})
	keyPEM := pem.EncodeToMemory(&pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)})

	cert, err := tls.X509KeyPair(certPEM, keyPEM)
	if err != nil {
		return nil, err
	}

	return &tls.Config{Certificates: []tls.Certificate{cert}, NextProtos: alpn, MinVersion: tls.VersionTLS13}, nil
}
