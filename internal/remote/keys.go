package remote

import (
	"context"

	"github.com/yndnr/ksefsync-go/internal/core/domain"
)

// FetchPublicKeys lists the service's public key certificates.
func (c *Client) FetchPublicKeys(ctx context.Context) ([]domain.PublicKeyCertificate, error) {
	var certs []domain.PublicKeyCertificate
	if err := c.getJSON(ctx, "/security/public-key-certificates", &certs); err != nil {
		return nil, err
	}
	return certs, nil
}
