package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/sha256"
	"errors"
	"fmt"
	"io"
	"runtime"
	"sync"

	"golang.org/x/crypto/argon2"
	"golang.org/x/crypto/chacha20poly1305"
	"golang.org/x/crypto/hkdf"
)

// AEAD identifies the sealing algorithm.
type AEAD string

const (
	AEADAESGCM   AEAD = "aes-gcm"
	AEADChaCha20 AEAD = "chacha20-poly1305"
)

// Sealer errors.
var (
	ErrPassphraseTooShort = errors.New("envelope: passphrase too short (minimum 8 characters)")
	ErrSealedTooShort     = errors.New("envelope: sealed data too short")
	ErrUnsealFailed       = errors.New("envelope: unseal failed - wrong passphrase or corrupted data")
)

const (
	// MinPassphraseLength is the minimum accepted passphrase length.
	MinPassphraseLength = 8

	saltLength = 16

	argon2Time    = 3
	argon2Memory  = 64 * 1024
	argon2Threads = 4
	argon2KeyLen  = 32

	subkeyInfo = "ksefsync/checkpoint/v1"
)

// Sealer encrypts small blobs at rest with a passphrase-derived key.
//
// Sealed layout: salt(16) || nonce || ciphertext+tag. The salt is fresh per
// Sealer; the derived key for the most recent salt is cached.
type Sealer struct {
	passphrase []byte
	algo       AEAD
	salt       []byte

	mu       sync.Mutex
	keySalt  []byte
	keyCache []byte
}

// NewSealer creates a Sealer. An empty algo selects AES-GCM on platforms
// with hardware AES and ChaCha20-Poly1305 elsewhere.
func NewSealer(passphrase []byte, algo AEAD) (*Sealer, error) {
	if len(passphrase) < MinPassphraseLength {
		return nil, ErrPassphraseTooShort
	}
	if algo == "" {
		algo = defaultAEAD()
	}
	if algo != AEADAESGCM && algo != AEADChaCha20 {
		return nil, fmt.Errorf("envelope: unsupported aead %q", algo)
	}

	salt := make([]byte, saltLength)
	if _, err := io.ReadFull(rand.Reader, salt); err != nil {
		return nil, fmt.Errorf("envelope: generate salt: %w", err)
	}

	return &Sealer{
		passphrase: bytes.Clone(passphrase),
		algo:       algo,
		salt:       salt,
	}, nil
}

// Algorithm returns the AEAD in use.
func (s *Sealer) Algorithm() AEAD {
	return s.algo
}

// Seal encrypts plaintext, binding additionalData.
func (s *Sealer) Seal(plaintext, additionalData []byte) ([]byte, error) {
	aead, err := s.aead(s.salt)
	if err != nil {
		return nil, err
	}

	nonce := make([]byte, aead.NonceSize())
	if _, err := io.ReadFull(rand.Reader, nonce); err != nil {
		return nil, fmt.Errorf("envelope: generate nonce: %w", err)
	}

	out := make([]byte, 0, saltLength+len(nonce)+len(plaintext)+aead.Overhead())
	out = append(out, s.salt...)
	out = append(out, nonce...)
	return aead.Seal(out, nonce, plaintext, additionalData), nil
}

// Open reverses Seal.
func (s *Sealer) Open(sealed, additionalData []byte) ([]byte, error) {
	if len(sealed) < saltLength {
		return nil, ErrSealedTooShort
	}
	aead, err := s.aead(sealed[:saltLength])
	if err != nil {
		return nil, err
	}

	rest := sealed[saltLength:]
	if len(rest) < aead.NonceSize()+aead.Overhead() {
		return nil, ErrSealedTooShort
	}
	nonce, ct := rest[:aead.NonceSize()], rest[aead.NonceSize():]

	plaintext, err := aead.Open(nil, nonce, ct, additionalData)
	if err != nil {
		return nil, ErrUnsealFailed
	}
	return plaintext, nil
}

func (s *Sealer) aead(salt []byte) (cipher.AEAD, error) {
	key, err := s.key(salt)
	if err != nil {
		return nil, err
	}

	switch s.algo {
	case AEADChaCha20:
		return chacha20poly1305.New(key)
	default:
		block, err := aes.NewCipher(key)
		if err != nil {
			return nil, err
		}
		return cipher.NewGCM(block)
	}
}

func (s *Sealer) key(salt []byte) ([]byte, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.keyCache != nil && bytes.Equal(s.keySalt, salt) {
		return s.keyCache, nil
	}

	master := argon2.IDKey(s.passphrase, salt, argon2Time, argon2Memory, argon2Threads, argon2KeyLen)
	key := make([]byte, argon2KeyLen)
	if _, err := io.ReadFull(hkdf.New(sha256.New, master, nil, []byte(subkeyInfo)), key); err != nil {
		return nil, fmt.Errorf("envelope: derive subkey: %w", err)
	}

	s.keySalt = bytes.Clone(salt)
	s.keyCache = key
	return key, nil
}

func defaultAEAD() AEAD {
	switch runtime.GOARCH {
	case "amd64", "arm64":
		return AEADAESGCM
	default:
		return AEADChaCha20
	}
}
