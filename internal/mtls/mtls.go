// Package mtls builds the TLS server configuration for the rendezvous
// direct-access listener (spec.md §4.2 "direct-access server"): peers that
// already know the host's routable address connect straight in, optionally
// over TLS with client-certificate verification when the admin has
// configured a client CA bundle.
package mtls

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"

	"github.com/relaydesk/host/internal/logging"
)

var log = logging.L("mtls")

// BuildServerTLSConfig loads a server certificate/key pair from certPath
// and keyPath. If clientCAPath is non-empty, client certificates are
// required and verified against that CA bundle (mTLS); otherwise the
// listener accepts any TLS client. Returns (nil, nil) if certPath/keyPath
// are both empty, meaning the direct-access listener should stay plaintext.
func BuildServerTLSConfig(certPath, keyPath, clientCAPath string) (*tls.Config, error) {
	if certPath == "" && keyPath == "" {
		return nil, nil
	}
	if certPath == "" || keyPath == "" {
		return nil, fmt.Errorf("mtls: both direct_tls_cert_path and direct_tls_key_path must be set")
	}

	cert, err := tls.LoadX509KeyPair(certPath, keyPath)
	if err != nil {
		return nil, fmt.Errorf("mtls: load server cert/key: %w", err)
	}

	cfg := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
	}

	if clientCAPath != "" {
		pem, err := os.ReadFile(clientCAPath)
		if err != nil {
			return nil, fmt.Errorf("mtls: read client CA bundle: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("mtls: no certificates parsed from %s", clientCAPath)
		}
		cfg.ClientCAs = pool
		cfg.ClientAuth = tls.RequireAndVerifyClientCert
		log.Info("direct-access listener requiring client certificates", "ca", clientCAPath)
	} else {
		log.Info("direct-access listener using server-only TLS")
	}

	return cfg, nil
}
