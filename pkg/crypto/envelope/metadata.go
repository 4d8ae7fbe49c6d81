package envelope

import (
	"crypto/sha256"
	"encoding/base64"
	"errors"
	"fmt"
)

// ErrMetadataMismatch is returned by Verify.
var ErrMetadataMismatch = errors.New("envelope: metadata mismatch")

// Metadata describes a buffer by size and SHA-256 digest.
type Metadata struct {
	SizeBytes    int64  `json:"fileSize"`
	SHA256Base64 string `json:"fileHash"`
}

// Digest computes the metadata of b.
func Digest(b []byte) Metadata {
	sum := sha256.Sum256(b)
	return Metadata{
		SizeBytes:    int64(len(b)),
		SHA256Base64: base64.StdEncoding.EncodeToString(sum[:]),
	}
}

// Verify checks b against want.
func Verify(b []byte, want Metadata) error {
	got := Digest(b)
	if got.SizeBytes != want.SizeBytes {
		return fmt.Errorf("%w: size %d, want %d", ErrMetadataMismatch, got.SizeBytes, want.SizeBytes)
	}
	if want.SHA256Base64 != "" && got.SHA256Base64 != want.SHA256Base64 {
		return fmt.Errorf("%w: hash %s, want %s", ErrMetadataMismatch, got.SHA256Base64, want.SHA256Base64)
	}
	return nil
}

// IsZero reports whether m carries no information.
func (m Metadata) IsZero() bool {
	return m.SizeBytes == 0 && m.SHA256Base64 == ""
}
