package domain

import (
	"slices"
	"time"
)

// KeyUsageSymmetricKeyEncryption marks a certificate usable for wrapping
// envelope keys.
const KeyUsageSymmetricKeyEncryption = "SymmetricKeyEncryption"

// PublicKeyCertificate is a public key certificate published by the service.
type PublicKeyCertificate struct {
	Certificate string    `json:"certificate"` // base64 DER
	ValidFrom   time.Time `json:"validFrom"`
	ValidTo     time.Time `json:"validTo"`
	Usage       []string  `json:"usage"`
}

// UsableAt reports whether the certificate can wrap keys at t.
func (c *PublicKeyCertificate) UsableAt(t time.Time) bool {
	if !slices.Contains(c.Usage, KeyUsageSymmetricKeyEncryption) {
		return false
	}
	if !c.ValidFrom.IsZero() && t.Before(c.ValidFrom) {
		return false
	}
	if !c.ValidTo.IsZero() && t.After(c.ValidTo) {
		return false
	}
	return true
}
