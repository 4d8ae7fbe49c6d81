package remote

import (
	"context"
	"net/http"
	"net/url"
	"time"

	"github.com/yndnr/ksefsync-go/internal/core/domain"
)

type statusInfo struct {
	Code        int      `json:"code"`
	Description string   `json:"description"`
	Details     []string `json:"details,omitempty"`
}

type openBatchWire struct {
	FormCode    domain.FormCode `json:"formCode"`
	BatchFile   batchFileWire   `json:"batchFile"`
	Encryption  encryptionWire  `json:"encryption"`
	OfflineMode bool            `json:"offlineMode"`
}

type batchFileWire struct {
	FileSize  int64               `json:"fileSize"`
	FileHash  string              `json:"fileHash"`
	FileParts []batchFilePartWire `json:"fileParts"`
}

type batchFilePartWire struct {
	OrdinalNumber int    `json:"ordinalNumber"`
	FileSize      int64  `json:"fileSize"`
	FileHash      string `json:"fileHash"`
}

type encryptionWire struct {
	EncryptedSymmetricKey string `json:"encryptedSymmetricKey"`
	InitializationVector  string `json:"initializationVector"`
}

type sessionStatusWire struct {
	Status                 statusInfo `json:"status"`
	ValidUntil             time.Time  `json:"validUntil"`
	InvoiceCount           int        `json:"invoiceCount"`
	SuccessfulInvoiceCount int        `json:"successfulInvoiceCount"`
	FailedInvoiceCount     int        `json:"failedInvoiceCount"`
	UPO                    *struct {
		Pages []domain.UPOPage `json:"pages"`
	} `json:"upo"`
}

// OpenBatch opens a batch session.
func (c *Client) OpenBatch(ctx context.Context, req *domain.OpenBatchRequest) (*domain.OpenBatchResponse, error) {
	wire := openBatchWire{
		FormCode: req.FormCode,
		BatchFile: batchFileWire{
			FileSize: req.Archive.SizeBytes,
			FileHash: req.Archive.SHA256Base64,
		},
		Encryption: encryptionWire{
			EncryptedSymmetricKey: req.Encryption.EncryptedSymmetricKey,
			InitializationVector:  req.Encryption.InitializationVector,
		},
		OfflineMode: req.OfflineMode,
	}
	for _, p := range req.Parts {
		wire.BatchFile.FileParts = append(wire.BatchFile.FileParts, batchFilePartWire{
			OrdinalNumber: p.Ordinal,
			FileSize:      p.Metadata.SizeBytes,
			FileHash:      p.Metadata.SHA256Base64,
		})
	}

	var resp domain.OpenBatchResponse
	if err := c.postJSON(ctx, "/sessions/batch", wire, &resp); err != nil {
		return nil, err
	}
	return &resp, nil
}

// UploadPart sends one encrypted part to its pre-authorized URL.
func (c *Client) UploadPart(ctx context.Context, referenceNumber string, target domain.PartUploadTarget, part domain.PartDescriptor) error {
	if target.URL == "" {
		return domain.ErrValidation.WithDetailsf("session %s has no upload url for part %d", referenceNumber, part.Ordinal)
	}
	method := target.Method
	if method == "" {
		method = http.MethodPut
	}
	_, err := c.rawRequest(ctx, method, target.URL, target.Headers, part.Ciphertext)
	return err
}

// CloseBatch closes a batch session.
func (c *Client) CloseBatch(ctx context.Context, referenceNumber string) error {
	return c.postJSON(ctx, "/sessions/batch/"+url.PathEscape(referenceNumber)+"/close", nil, nil)
}

// GetSessionStatus returns the processing status of a session.
func (c *Client) GetSessionStatus(ctx context.Context, referenceNumber string) (*domain.SessionStatus, error) {
	var wire sessionStatusWire
	if err := c.getJSON(ctx, "/sessions/"+url.PathEscape(referenceNumber), &wire); err != nil {
		return nil, err
	}

	st := &domain.SessionStatus{
		Code:                   wire.Status.Code,
		Description:            wire.Status.Description,
		Details:                wire.Status.Details,
		InvoiceCount:           wire.InvoiceCount,
		SuccessfulInvoiceCount: wire.SuccessfulInvoiceCount,
		FailedInvoiceCount:     wire.FailedInvoiceCount,
		ValidUntil:             wire.ValidUntil,
	}
	if wire.UPO != nil {
		st.UPO = wire.UPO.Pages
	}
	return st, nil
}

// DownloadUPO fetches one receipt page from its pre-authorized URL.
func (c *Client) DownloadUPO(ctx context.Context, page domain.UPOPage) ([]byte, error) {
	if page.DownloadURL == "" {
		return nil, domain.ErrValidation.WithDetailsf("upo page %s has no download url", page.ReferenceNumber)
	}
	return c.rawRequest(ctx, http.MethodGet, page.DownloadURL, nil, nil)
}
