package envelope

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/base64"
	"encoding/pem"
	"errors"
	"fmt"
	"strings"
)

// ErrUnsupportedKey is returned when the key material is not RSA.
var ErrUnsupportedKey = errors.New("envelope: unsupported public key")

// ParsePublicKey extracts an RSA public key from a PEM certificate, a PEM
// public key, or a base64 encoded DER certificate.
func ParsePublicKey(data []byte) (*rsa.PublicKey, error) {
	if block, _ := pem.Decode(data); block != nil {
		switch block.Type {
		case "CERTIFICATE":
			return fromCertificate(block.Bytes)
		case "PUBLIC KEY":
			return fromPKIX(block.Bytes)
		case "RSA PUBLIC KEY":
			return x509.ParsePKCS1PublicKey(block.Bytes)
		default:
			return nil, fmt.Errorf("%w: pem block %q", ErrUnsupportedKey, block.Type)
		}
	}

	der, err := base64.StdEncoding.DecodeString(strings.TrimSpace(string(data)))
	if err != nil {
		return nil, fmt.Errorf("envelope: decode certificate: %w", err)
	}
	if pub, err := fromCertificate(der); err == nil {
		return pub, nil
	}
	return fromPKIX(der)
}

func fromCertificate(der []byte) (*rsa.PublicKey, error) {
	cert, err := x509.ParseCertificate(der)
	if err != nil {
		return nil, fmt.Errorf("envelope: parse certificate: %w", err)
	}
	pub, ok := cert.PublicKey.(*rsa.PublicKey)
	if !ok {
		return nil, ErrUnsupportedKey
	}
	return pub, nil
}

func fromPKIX(der []byte) (*rsa.PublicKey, error) {
	key, err := x509.ParsePKIXPublicKey(der)
	if err != nil {
		return nil, fmt.Errorf("envelope: parse public key: %w", err)
	}
	pub, ok := key.(*rsa.PublicKey)
	if !ok {
		return nil, ErrUnsupportedKey
	}
	return pub, nil
}
