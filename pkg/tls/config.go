// Package tls builds the TLS configuration of the coordinator's operator
// API and of clients that call it.
package tls

import (
	"crypto/tls"
	"crypto/x509"
	"errors"
	"fmt"
	"os"
	"time"
)

var (
	ErrNoCertificate = errors.New("tls: no certificate configured and self-signed generation disabled")
	ErrInvalidCA     = errors.New("tls: no certificates found in CA file")
)

// Config selects the server certificate and optional client verification.
type Config struct {
	CertFile string
	KeyFile  string
	// ClientCAFile enables verification of client certificates.
	ClientCAFile string
	// RequireClientCert rejects clients without a certificate signed by
	// ClientCAFile. Without it client certificates are verified if given.
	RequireClientCert bool

	// SelfSigned generates an in-memory certificate when no files are set.
	SelfSigned bool
	Hosts      []string
	ValidFor   time.Duration
}

// ServerConfig loads or generates the server certificate.
func ServerConfig(cfg Config) (*tls.Config, error) {
	var (
		cert tls.Certificate
		err  error
	)
	switch {
	case cfg.CertFile != "" && cfg.KeyFile != "":
		cert, err = tls.LoadX509KeyPair(cfg.CertFile, cfg.KeyFile)
		if err != nil {
			return nil, fmt.Errorf("failed to load TLS certificate: %w", err)
		}
	case cfg.SelfSigned:
		cert, err = GenerateSelfSignedCert(cfg.Hosts, cfg.ValidFor)
		if err != nil {
			return nil, fmt.Errorf("failed to generate self-signed certificate: %w", err)
		}
	default:
		return nil, ErrNoCertificate
	}

	tlsConfig := &tls.Config{
		Certificates: []tls.Certificate{cert},
		MinVersion:   tls.VersionTLS12,
		CipherSuites: SecureCipherSuites(),
	}

	if cfg.ClientCAFile != "" {
		pool, err := LoadCAPool(cfg.ClientCAFile)
		if err != nil {
			return nil, err
		}
		tlsConfig.ClientCAs = pool
		tlsConfig.ClientAuth = tls.VerifyClientCertIfGiven
		if cfg.RequireClientCert {
			tlsConfig.ClientAuth = tls.RequireAndVerifyClientCert
		}
	}
	return tlsConfig, nil
}

// ClientConfig trusts only the CAs in caFile. An empty caFile yields nil,
// meaning the system roots.
func ClientConfig(caFile string) (*tls.Config, error) {
	if caFile == "" {
		return nil, nil
	}
	pool, err := LoadCAPool(caFile)
	if err != nil {
		return nil, err
	}
	return &tls.Config{RootCAs: pool, MinVersion: tls.VersionTLS12}, nil
}

// LoadCAPool reads PEM certificates from caFile.
func LoadCAPool(caFile string) (*x509.CertPool, error) {
	pem, err := os.ReadFile(caFile)
	if err != nil {
		return nil, fmt.Errorf("failed to read CA certificate: %w", err)
	}
	pool := x509.NewCertPool()
	if !pool.AppendCertsFromPEM(pem) {
		return nil, fmt.Errorf("%w: %s", ErrInvalidCA, caFile)
	}
	return pool, nil
}

// SecureCipherSuites returns the TLS 1.2 suites allowed alongside TLS 1.3.
func SecureCipherSuites() []uint16 {
	return []uint16{
		tls.TLS_ECDHE_RSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_RSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_AES_128_GCM_SHA256,
		tls.TLS_ECDHE_ECDSA_WITH_AES_256_GCM_SHA384,
		tls.TLS_ECDHE_ECDSA_WITH_CHACHA20_POLY1305_SHA256,
		tls.TLS_ECDHE_RSA_WITH_CHACHA20_POLY1305_SHA256,
	}
}

// Expiry returns when the leaf of cert stops being valid.
func Expiry(cert tls.Certificate) (time.Time, error) {
	if len(cert.Certificate) == 0 {
		return time.Time{}, ErrNoCertificate
	}
	leaf := cert.Leaf
	if leaf == nil {
		var err error
		if leaf, err = x509.ParseCertificate(cert.Certificate[0]); err != nil {
			return time.Time{}, fmt.Errorf("failed to parse certificate: %w", err)
		}
	}
	return leaf.NotAfter, nil
}
