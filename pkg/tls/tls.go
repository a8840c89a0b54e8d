// Package tls builds client TLS configurations for talking to the prediction service.
//
// Both a custom CA bundle and a client certificate are optional, so the same
// Config covers a private CA, mutual TLS, or both. TLS 1.3 is the minimum.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
)

// Config holds TLS file paths for the outbound client.
type Config struct {
	Enabled  bool
	CertFile string
	KeyFile  string
	CAFile   string
}

// Validate checks that an enabled configuration names readable files.
func (c Config) Validate() error {
	if !c.Enabled {
		return nil
	}

	if (c.CertFile == "") != (c.KeyFile == "") {
		return errors.New("tls client certificate and key must be set together")
	}
	if c.CertFile == "" && c.CAFile == "" {
		return errors.New("tls enabled but neither a CA file nor a client certificate is specified")
	}

	for _, path := range []string{c.CertFile, c.KeyFile, c.CAFile} {
		if path == "" {
			continue
		}
		if _, err := os.Stat(path); err != nil {
			return fmt.Errorf("tls file %q: %w", path, err)
		}
	}

	return nil
}

// NewClientTLSConfig creates a client TLS configuration from c. With a CA file
// the server certificate is verified against it instead of the system pool;
// with a certificate pair the client presents it for mutual authentication.
func NewClientTLSConfig(c Config) (*tls.Config, error) {
	if err := c.Validate(); err != nil {
		return nil, err
	}

	cfg := &tls.Config{
		MinVersion: tls.VersionTLS13,
	}

	if c.CertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("load client certificate: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}

	if c.CAFile != "" {
		caCert, err := os.ReadFile(c.CAFile)
		if err != nil {
			return nil, fmt.Errorf("read CA certificate: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(caCert) {
			return nil, errors.New("failed to parse CA certificate")
		}
		cfg.RootCAs = pool
	}

	return cfg, nil
}
