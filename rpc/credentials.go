// Copyright 2026 The Coracle Authors
// SPDX-License-Identifier: Apache-2.0

package rpc

import (
	"crypto/tls"
	"crypto/x509"
	"fmt"
	"os"
)

// Credentials names the PEM material for a TLS listener. When present
// in the server configuration, every listener is TLS-wrapped; when
// absent, listeners speak plaintext. Secret management is out of
// scope — these are file paths, loaded once at Build.
type Credentials struct {
	// CertFile and KeyFile are the server certificate chain and
	// private key.
	CertFile string
	KeyFile  string

	// ClientCAFile, when set, enables mutual TLS: client certificates
	// are required and verified against this CA pool.
	ClientCAFile string
}

// Build loads the PEM material into a server-side TLS configuration.
func (c *Credentials) Build() (*tls.Config, error) {
	certificate, err := tls.LoadX509KeyPair(c.CertFile, c.KeyFile)
	if err != nil {
		return nil, fmt.Errorf("loading server certificate: %w", err)
	}

	configuration := &tls.Config{
		Certificates: []tls.Certificate{certificate},
		MinVersion:   tls.VersionTLS12,
	}

	if c.ClientCAFile != "" {
		pem, err := os.ReadFile(c.ClientCAFile)
		if err != nil {
			return nil, fmt.Errorf("reading client CA file: %w", err)
		}
		pool := x509.NewCertPool()
		if !pool.AppendCertsFromPEM(pem) {
			return nil, fmt.Errorf("client CA file %s contains no certificates", c.ClientCAFile)
		}
		configuration.ClientCAs = pool
		configuration.ClientAuth = tls.RequireAndVerifyClientCert
	}

	return configuration, nil
}
