package domain

import (
	"encoding/json"
	"strings"
	"time"

	"github.com/shopspring/decimal"
)

// ManifestFileName is the archive entry listing the exported records.
const ManifestFileName = "_metadata.json"

// Party identifies a seller or buyer on a record.
type Party struct {
	Identifier string `json:"identifier"`
	Name       string `json:"name,omitempty"`
}

// String implements fmt.Stringer.
func (p Party) String() string {
	if p.Name == "" {
		return p.Identifier
	}
	return p.Identifier + " (" + p.Name + ")"
}

// RecordSummary is the metadata of one invoice held by the remote store.
//
// ID is assigned by the service and is unique case-insensitively.
type RecordSummary struct {
	ID                   string          `json:"ksefNumber"`
	InvoiceNumber        string          `json:"invoiceNumber"`
	IssueDate            string          `json:"issueDate"`
	InvoicingDate        time.Time       `json:"invoicingDate"`
	AcquisitionDate      time.Time       `json:"acquisitionDate"`
	PermanentStorageDate time.Time       `json:"permanentStorageDate"`
	Seller               Party           `json:"seller"`
	Buyer                Party           `json:"buyer"`
	NetAmount            decimal.Decimal `json:"netAmount"`
	VatAmount            decimal.Decimal `json:"vatAmount"`
	GrossAmount          decimal.Decimal `json:"grossAmount"`
	Currency             string          `json:"currency"`
	InvoiceHash          string          `json:"invoiceHash"`
	FileName             string          `json:"fileName,omitempty"`
}

// Key returns the case-folded identity used for deduplication.
func (r *RecordSummary) Key() string {
	return RecordKey(r.ID)
}

// RecordKey folds a record id for case-insensitive comparison.
func RecordKey(id string) string {
	return strings.ToUpper(strings.TrimSpace(id))
}

// Manifest is the record listing embedded in an export archive.
type Manifest struct {
	Records []RecordSummary `json:"invoices"`
}

// ParseManifest decodes a manifest entry.
func ParseManifest(data []byte) (*Manifest, error) {
	var m Manifest
	if err := json.Unmarshal(data, &m); err != nil {
		return nil, ErrCorruptArchive.WithDetails("manifest is not valid json").WithCause(err)
	}
	for i, r := range m.Records {
		if RecordKey(r.ID) == "" {
			return nil, ErrCorruptArchive.WithDetailsf("manifest record %d has no id", i)
		}
	}
	return &m, nil
}
