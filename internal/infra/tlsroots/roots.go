package tlsroots

import (
	"crypto/tls"
	"crypto/x509"
	"encoding/pem"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
)

var (
	// ErrNoCertsFound is returned when no certificates are found in a PEM file.
	ErrNoCertsFound = errors.New("tlsroots: no certificates found in PEM file")

	// ErrIncompleteKeyPair is returned when only one of cert and key is set.
	ErrIncompleteKeyPair = errors.New("tlsroots: client cert and key must be set together")
)

// Pool manages a pool of trusted root certificates.
type Pool struct {
	certPool *x509.CertPool
	added    int
}

// NewPool creates a pool seeded with the system roots.
// If system roots cannot be loaded, it creates an empty pool.
func NewPool() *Pool {
	pool, err := x509.SystemCertPool()
	if err != nil {
		pool = x509.NewCertPool()
	}
	return &Pool{certPool: pool}
}

// NewEmptyPool creates a new empty certificate pool without system roots.
func NewEmptyPool() *Pool {
	return &Pool{certPool: x509.NewCertPool()}
}

// AddCertFile adds certificates from a PEM file.
func (p *Pool) AddCertFile(path string) error {
	data, err := os.ReadFile(path)
	if err != nil {
		return fmt.Errorf("tlsroots: read cert file %s: %w", path, err)
	}
	if err := p.AddCertPEM(data); err != nil {
		return fmt.Errorf("%w (%s)", err, path)
	}
	return nil
}

// AddCertPEM adds every CERTIFICATE block of pemData.
func (p *Pool) AddCertPEM(pemData []byte) error {
	var n int
	for len(pemData) > 0 {
		var block *pem.Block
		block, pemData = pem.Decode(pemData)
		if block == nil {
			break
		}
		if block.Type != "CERTIFICATE" {
			continue
		}

		cert, err := x509.ParseCertificate(block.Bytes)
		if err != nil {
			return fmt.Errorf("tlsroots: parse certificate: %w", err)
		}
		p.certPool.AddCert(cert)
		n++
	}

	if n == 0 {
		return ErrNoCertsFound
	}
	p.added += n
	return nil
}

// AddCertDir adds every .pem, .crt or .cer file of dir. Unreadable files
// are reported together after the rest were added.
func (p *Pool) AddCertDir(dir string) error {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return fmt.Errorf("tlsroots: read dir %s: %w", dir, err)
	}

	var errs []error
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		switch strings.ToLower(filepath.Ext(entry.Name())) {
		case ".pem", ".crt", ".cer":
			if err := p.AddCertFile(filepath.Join(dir, entry.Name())); err != nil {
				errs = append(errs, err)
			}
		}
	}
	return errors.Join(errs...)
}

// Added returns how many custom certificates were added.
func (p *Pool) Added() int {
	return p.added
}

// Pool returns the underlying x509.CertPool.
func (p *Pool) Pool() *x509.CertPool {
	return p.certPool
}

// Config selects the trust and identity of the remote client.
type Config struct {
	CAFile          string `koanf:"ca_file"`
	CADir           string `koanf:"ca_dir"`
	SkipSystemRoots bool   `koanf:"skip_system_roots"`
	ClientCertFile  string `koanf:"client_cert_file"`
	ClientKeyFile   string `koanf:"client_key_file"`
}

// IsZero reports whether c leaves the defaults untouched.
func (c Config) IsZero() bool {
	return c == Config{}
}

// ClientTLSConfig builds the client TLS config described by c. It returns
// nil when c is zero so callers keep the transport defaults.
func ClientTLSConfig(c Config) (*tls.Config, error) {
	if c.IsZero() {
		return nil, nil
	}

	pool := NewPool()
	if c.SkipSystemRoots {
		pool = NewEmptyPool()
	}
	if c.CAFile != "" {
		if err := pool.AddCertFile(c.CAFile); err != nil {
			return nil, err
		}
	}
	if c.CADir != "" {
		if err := pool.AddCertDir(c.CADir); err != nil {
			return nil, err
		}
	}

	cfg := &tls.Config{
		RootCAs:    pool.Pool(),
		MinVersion: tls.VersionTLS12,
	}

	if (c.ClientCertFile == "") != (c.ClientKeyFile == "") {
		return nil, ErrIncompleteKeyPair
	}
	if c.ClientCertFile != "" {
		cert, err := tls.LoadX509KeyPair(c.ClientCertFile, c.ClientKeyFile)
		if err != nil {
			return nil, fmt.Errorf("tlsroots: load key pair: %w", err)
		}
		cfg.Certificates = []tls.Certificate{cert}
	}
	return cfg, nil
}
