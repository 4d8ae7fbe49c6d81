package service

import (
	"context"
	"crypto/rsa"
	"errors"
	"sync"
	"time"

	"github.com/yndnr/ksefsync-go/internal/core/domain"
	"github.com/yndnr/ksefsync-go/internal/telemetry/logger"
	"github.com/yndnr/ksefsync-go/pkg/crypto/envelope"
)

// PublicKeySource fetches the service's published public key certificates.
type PublicKeySource interface {
	FetchPublicKeys(ctx context.Context) ([]domain.PublicKeyCertificate, error)
}

// CryptoService creates envelopes under the service's current public key
// and performs the symmetric operations on payloads.
type CryptoService struct {
	source PublicKeySource

	mu  sync.RWMutex
	pub *rsa.PublicKey
}

// NewCryptoService creates a CryptoService. source may be nil when the key
// is always loaded from a file.
func NewCryptoService(source PublicKeySource) *CryptoService {
	return &CryptoService{source: source}
}

// SetPublicKey installs pub as the current key.
func (s *CryptoService) SetPublicKey(pub *rsa.PublicKey) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.pub = pub
}

// LoadPublicKey parses and installs a PEM or base64 DER key or certificate.
func (s *CryptoService) LoadPublicKey(data []byte) error {
	pub, err := envelope.ParsePublicKey(data)
	if err != nil {
		return domain.ErrKeyUnavailable.WithDetails("cannot parse public key").WithCause(err)
	}
	s.SetPublicKey(pub)
	return nil
}

// RefreshPublicKey fetches the published certificates and installs the most
// recent one usable for key wrapping.
func (s *CryptoService) RefreshPublicKey(ctx context.Context) error {
	if s.source == nil {
		return domain.ErrKeyUnavailable.WithDetails("no public key source configured")
	}

	certs, err := s.source.FetchPublicKeys(ctx)
	if err != nil {
		return err
	}

	now := time.Now()
	var best *domain.PublicKeyCertificate
	for i := range certs {
		c := &certs[i]
		if !c.UsableAt(now) {
			continue
		}
		if best == nil || c.ValidFrom.After(best.ValidFrom) {
			best = c
		}
	}
	if best == nil {
		return domain.ErrKeyUnavailable.WithDetailsf("none of %d certificates is usable for key wrapping", len(certs))
	}

	if err := s.LoadPublicKey([]byte(best.Certificate)); err != nil {
		return err
	}
	logger.L(ctx).Debug("public key refreshed", "valid_from", best.ValidFrom, "valid_to", best.ValidTo)
	return nil
}

// Create generates a fresh envelope under the current public key.
func (s *CryptoService) Create() (*envelope.Envelope, error) {
	s.mu.RLock()
	pub := s.pub
	s.mu.RUnlock()

	if pub == nil {
		return nil, domain.ErrKeyUnavailable
	}
	env, err := envelope.New(pub)
	if err != nil {
		return nil, domain.ErrKeyUnavailable.WithCause(err)
	}
	return env, nil
}

// Encrypt encrypts plaintext with the envelope's key and IV.
func (s *CryptoService) Encrypt(plaintext []byte, env *envelope.Envelope) ([]byte, error) {
	ct, err := env.Encrypt(plaintext)
	if err != nil {
		return nil, domain.ErrValidation.WithCause(err)
	}
	return ct, nil
}

// Decrypt reverses Encrypt. Padding and block-size failures are integrity
// errors.
func (s *CryptoService) Decrypt(ciphertext, key, iv []byte) ([]byte, error) {
	pt, err := envelope.Decrypt(ciphertext, key, iv)
	switch {
	case err == nil:
		return pt, nil
	case errors.Is(err, envelope.ErrInvalidPadding), errors.Is(err, envelope.ErrInvalidCiphertext):
		return nil, domain.ErrIntegrity.WithCause(err)
	default:
		return nil, domain.ErrValidation.WithCause(err)
	}
}

// Hash returns the metadata of buf.
func (s *CryptoService) Hash(buf []byte) envelope.Metadata {
	return envelope.Digest(buf)
}

// Verify checks buf against want.
func (s *CryptoService) Verify(buf []byte, want envelope.Metadata) error {
	if err := envelope.Verify(buf, want); err != nil {
		return domain.ErrIntegrity.WithCause(err)
	}
	return nil
}
