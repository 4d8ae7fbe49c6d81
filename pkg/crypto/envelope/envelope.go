package envelope

import (
	"bytes"
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
	"io"
)

const (
	// KeySize is the symmetric key size in bytes (AES-256).
	KeySize = 32

	// IVSize is the CBC initialization vector size in bytes.
	IVSize = aes.BlockSize
)

// Envelope errors.
var (
	ErrNoPublicKey       = errors.New("envelope: no public key")
	ErrInvalidKeySize    = errors.New("envelope: key must be 32 bytes")
	ErrInvalidIVSize     = errors.New("envelope: iv must be 16 bytes")
	ErrInvalidCiphertext = errors.New("envelope: ciphertext is not a multiple of the block size")
	ErrInvalidPadding    = errors.New("envelope: invalid padding")
)

// Envelope is the per-operation key material.
//
// It is created once per batch session or export and must not be reused
// across operations.
type Envelope struct {
	Key        []byte
	IV         []byte
	WrappedKey string // base64 RSA-OAEP ciphertext of Key
}

// Info is the wire representation sent to the remote service.
type Info struct {
	EncryptedSymmetricKey string `json:"encryptedSymmetricKey"`
	InitializationVector  string `json:"initializationVector"`
}

// New generates a random key and IV and wraps the key under pub.
func New(pub *rsa.PublicKey) (*Envelope, error) {
	if pub == nil {
		return nil, ErrNoPublicKey
	}

	key := make([]byte, KeySize)
	if _, err := io.ReadFull(rand.Reader, key); err != nil {
		return nil, fmt.Errorf("envelope: generate key: %w", err)
	}
	iv := make([]byte, IVSize)
	if _, err := io.ReadFull(rand.Reader, iv); err != nil {
		return nil, fmt.Errorf("envelope: generate iv: %w", err)
	}

	wrapped, err := WrapKey(pub, key)
	if err != nil {
		return nil, err
	}

	return &Envelope{Key: key, IV: iv, WrappedKey: wrapped}, nil
}

// Info returns the wrapped key and IV in their wire encoding.
func (e *Envelope) Info() Info {
	return Info{
		EncryptedSymmetricKey: e.WrappedKey,
		InitializationVector:  base64.StdEncoding.EncodeToString(e.IV),
	}
}

// Encrypt encrypts plaintext with the envelope's key and IV.
func (e *Envelope) Encrypt(plaintext []byte) ([]byte, error) {
	return Encrypt(plaintext, e.Key, e.IV)
}

// WrapKey encrypts key with RSA-OAEP (SHA-256) and returns it base64 encoded.
func WrapKey(pub *rsa.PublicKey, key []byte) (string, error) {
	if pub == nil {
		return "", ErrNoPublicKey
	}
	wrapped, err := rsa.EncryptOAEP(sha256.New(), rand.Reader, pub, key, nil)
	if err != nil {
		return "", fmt.Errorf("envelope: wrap key: %w", err)
	}
	return base64.StdEncoding.EncodeToString(wrapped), nil
}

// UnwrapKey reverses WrapKey. The remote service does this in production;
// it is used by tests and local tooling.
func UnwrapKey(priv *rsa.PrivateKey, wrapped string) ([]byte, error) {
	raw, err := base64.StdEncoding.DecodeString(wrapped)
	if err != nil {
		return nil, fmt.Errorf("envelope: decode wrapped key: %w", err)
	}
	key, err := rsa.DecryptOAEP(sha256.New(), rand.Reader, priv, raw, nil)
	if err != nil {
		return nil, fmt.Errorf("envelope: unwrap key: %w", err)
	}
	return key, nil
}

// Encrypt performs AES-256-CBC encryption with PKCS#7 padding.
func Encrypt(plaintext, key, iv []byte) ([]byte, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return nil, err
	}

	padded := pad(plaintext, aes.BlockSize)
	out := make([]byte, len(padded))
	cipher.NewCBCEncrypter(block, iv).CryptBlocks(out, padded)
	return out, nil
}

// Decrypt reverses Encrypt. It returns ErrInvalidPadding when the padding
// does not validate, which usually means a wrong key or damaged data.
func Decrypt(ciphertext, key, iv []byte) ([]byte, error) {
	block, err := newBlock(key, iv)
	if err != nil {
		return nil, err
	}
	if len(ciphertext) == 0 || len(ciphertext)%aes.BlockSize != 0 {
		return nil, ErrInvalidCiphertext
	}

	out := make([]byte, len(ciphertext))
	cipher.NewCBCDecrypter(block, iv).CryptBlocks(out, ciphertext)
	return unpad(out, aes.BlockSize)
}

func newBlock(key, iv []byte) (cipher.Block, error) {
	if len(key) != KeySize {
		return nil, ErrInvalidKeySize
	}
	if len(iv) != IVSize {
		return nil, ErrInvalidIVSize
	}
	return aes.NewCipher(key)
}

func pad(b []byte, blockSize int) []byte {
	n := blockSize - len(b)%blockSize
	out := make([]byte, len(b), len(b)+n)
	copy(out, b)
	return append(out, bytes.Repeat([]byte{byte(n)}, n)...)
}

func unpad(b []byte, blockSize int) ([]byte, error) {
	if len(b) == 0 {
		return nil, ErrInvalidPadding
	}
	n := int(b[len(b)-1])
	if n == 0 || n > blockSize || n > len(b) {
		return nil, ErrInvalidPadding
	}
	for _, c := range b[len(b)-n:] {
		if int(c) != n {
			return nil, ErrInvalidPadding
		}
	}
	return b[:len(b)-n], nil
}
