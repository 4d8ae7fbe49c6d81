package remote

import (
	"context"
	"net/http"
	"net/url"

	"github.com/yndnr/ksefsync-go/internal/core/domain"
)

type exportStartWire struct {
	ReferenceNumber string `json:"referenceNumber"`
}

type exportStatusWire struct {
	Status  statusInfo            `json:"status"`
	Package *domain.ExportPackage `json:"package"`
}

// StartExport requests an export and returns its reference number.
func (c *Client) StartExport(ctx context.Context, req *domain.ExportRequest) (string, error) {
	var resp exportStartWire
	if err := c.postJSON(ctx, "/invoices/exports", req, &resp); err != nil {
		return "", err
	}
	return resp.ReferenceNumber, nil
}

// GetExportStatus returns the status of an export.
func (c *Client) GetExportStatus(ctx context.Context, referenceNumber string) (*domain.ExportStatus, error) {
	var wire exportStatusWire
	if err := c.getJSON(ctx, "/invoices/exports/"+url.PathEscape(referenceNumber), &wire); err != nil {
		return nil, err
	}
	return &domain.ExportStatus{
		Code:        wire.Status.Code,
		Description: wire.Status.Description,
		Details:     wire.Status.Details,
		Package:     wire.Package,
	}, nil
}

// DownloadPart fetches one encrypted package part from its pre-authorized URL.
func (c *Client) DownloadPart(ctx context.Context, part domain.PackagePart) ([]byte, error) {
	if part.URL == "" {
		return nil, domain.ErrValidation.WithDetailsf("package part %d has no url", part.Ordinal)
	}
	method := part.Method
	if method == "" {
		method = http.MethodGet
	}
	return c.rawRequest(ctx, method, part.URL, nil, nil)
}
