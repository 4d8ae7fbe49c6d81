package domain

import (
	"fmt"
	"sort"
	"time"

	"github.com/yndnr/ksefsync-go/pkg/crypto/envelope"
)

// Batch limits enforced before a session is opened.
const (
	// MaxPartSizeBytes is the largest part the remote service accepts.
	MaxPartSizeBytes = 100 * 1000 * 1000

	// DefaultMaxParts is the largest part count the remote service accepts.
	DefaultMaxParts = 50
)

// BatchStatus is the logical state of a batch session.
type BatchStatus string

// Batch session states.
const (
	BatchOpen           BatchStatus = "Open"
	BatchPartsUploading BatchStatus = "PartsUploading"
	BatchClosing        BatchStatus = "Closing"
	BatchProcessing     BatchStatus = "Processing"
	BatchSucceeded      BatchStatus = "Succeeded"
	BatchFailed         BatchStatus = "Failed"
)

// IsTerminal reports whether no further transitions are possible.
func (s BatchStatus) IsTerminal() bool {
	return s == BatchSucceeded || s == BatchFailed
}

// batchTransitions lists the allowed forward moves. Staying in the same
// state is always allowed.
var batchTransitions = map[BatchStatus][]BatchStatus{
	BatchOpen:           {BatchPartsUploading, BatchClosing},
	BatchPartsUploading: {BatchClosing},
	BatchClosing:        {BatchProcessing, BatchSucceeded, BatchFailed},
	BatchProcessing:     {BatchSucceeded, BatchFailed},
}

// Remote session status codes.
const (
	StatusCodeOpened     = 100
	StatusCodeProcessing = 150
	StatusCodeClosed     = 170
	StatusCodeSucceeded  = 200
)

// BatchStatusFromCode maps a remote processing code onto a BatchStatus.
func BatchStatusFromCode(code int) BatchStatus {
	switch {
	case code == StatusCodeOpened:
		return BatchOpen
	case code == StatusCodeSucceeded:
		return BatchSucceeded
	case code >= 300:
		return BatchFailed
	default:
		return BatchProcessing
	}
}

// FormCode identifies the document schema carried by a batch.
type FormCode struct {
	SystemCode    string `json:"systemCode" koanf:"system_code"`
	SchemaVersion string `json:"schemaVersion" koanf:"schema_version"`
	Value         string `json:"value" koanf:"value"`
}

// PartDescriptor is one encrypted chunk of the archive.
type PartDescriptor struct {
	Ordinal    int               `json:"ordinalNumber"`
	Metadata   envelope.Metadata `json:"metadata"`
	Ciphertext []byte            `json:"-"`
}

// PartUploadTarget is where the remote side wants a part delivered.
type PartUploadTarget struct {
	Ordinal int               `json:"ordinalNumber"`
	Method  string            `json:"method"`
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers,omitempty"`
}

// OpenBatchRequest describes the archive and its parts to the remote side.
type OpenBatchRequest struct {
	FormCode    FormCode          `json:"formCode"`
	Archive     envelope.Metadata `json:"archive"`
	Parts       []PartDescriptor  `json:"parts"`
	Encryption  envelope.Info     `json:"encryption"`
	OfflineMode bool              `json:"offlineMode"`
}

// OpenBatchResponse is returned by a successful open.
type OpenBatchResponse struct {
	ReferenceNumber string             `json:"referenceNumber"`
	UploadTargets   []PartUploadTarget `json:"partUploadRequests"`
	ValidUntil      time.Time          `json:"validUntil"`
}

// UPOPage is one downloadable page of the official receipt.
type UPOPage struct {
	ReferenceNumber string    `json:"referenceNumber"`
	DownloadURL     string    `json:"downloadUrl"`
	ExpiresAt       time.Time `json:"downloadUrlExpirationDate"`
}

// SessionStatus is a remote status snapshot.
type SessionStatus struct {
	Code                   int       `json:"code"`
	Description            string    `json:"description"`
	Details                []string  `json:"details,omitempty"`
	InvoiceCount           int       `json:"invoiceCount"`
	SuccessfulInvoiceCount int       `json:"successfulInvoiceCount"`
	FailedInvoiceCount     int       `json:"failedInvoiceCount"`
	ValidUntil             time.Time `json:"validUntil"`
	UPO                    []UPOPage `json:"upo,omitempty"`
}

// BatchSession is the client-side view of one remote batch session.
type BatchSession struct {
	ID              string             `json:"id"`
	ReferenceNumber string             `json:"referenceNumber"`
	Status          BatchStatus        `json:"status"`
	Parts           []PartDescriptor   `json:"parts"`
	UploadTargets   []PartUploadTarget `json:"-"`
	Delivered       map[int]bool       `json:"delivered"`
	ValidUntil      time.Time          `json:"validUntil"`
	LastStatus      *SessionStatus     `json:"lastStatus,omitempty"`
	OpenedAt        time.Time          `json:"openedAt"`
	UpdatedAt       time.Time          `json:"updatedAt"`
}

// NewBatchSession creates a session in the Open state.
func NewBatchSession(resp *OpenBatchResponse, parts []PartDescriptor) *BatchSession {
	now := time.Now()
	return &BatchSession{
		ID:              GenerateID(BatchIDPrefix),
		ReferenceNumber: resp.ReferenceNumber,
		Status:          BatchOpen,
		Parts:           parts,
		UploadTargets:   resp.UploadTargets,
		Delivered:       make(map[int]bool, len(parts)),
		ValidUntil:      resp.ValidUntil,
		OpenedAt:        now,
		UpdatedAt:       now,
	}
}

// Transition moves the session to next.
func (s *BatchSession) Transition(next BatchStatus) error {
	if s.Status == next {
		return nil
	}
	for _, allowed := range batchTransitions[s.Status] {
		if allowed == next {
			s.Status = next
			s.UpdatedAt = time.Now()
			return nil
		}
	}
	return ErrInvalidTransition.WithDetailsf("%s -> %s", s.Status, next)
}

// MarkDelivered records that the part with ordinal was accepted.
func (s *BatchSession) MarkDelivered(ordinal int) {
	if s.Delivered == nil {
		s.Delivered = make(map[int]bool)
	}
	s.Delivered[ordinal] = true
	s.UpdatedAt = time.Now()
}

// PendingParts returns parts not yet delivered, in ordinal order.
func (s *BatchSession) PendingParts() []PartDescriptor {
	var out []PartDescriptor
	for _, p := range s.Parts {
		if !s.Delivered[p.Ordinal] {
			out = append(out, p)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Ordinal < out[j].Ordinal })
	return out
}

// AllDelivered reports whether every part was accepted.
func (s *BatchSession) AllDelivered() bool {
	return len(s.PendingParts()) == 0
}

// UploadTarget returns the target for ordinal, if the remote side sent one.
func (s *BatchSession) UploadTarget(ordinal int) (PartUploadTarget, bool) {
	for _, t := range s.UploadTargets {
		if t.Ordinal == ordinal {
			return t, true
		}
	}
	return PartUploadTarget{}, false
}

// ApplyStatus records a remote status snapshot and advances the state.
func (s *BatchSession) ApplyStatus(st *SessionStatus) error {
	s.LastStatus = st
	if !st.ValidUntil.IsZero() {
		s.ValidUntil = st.ValidUntil
	}
	next := BatchStatusFromCode(st.Code)
	if next == BatchOpen || next == s.Status {
		s.UpdatedAt = time.Now()
		return nil
	}
	// A status fetched while still Closing may already report completion.
	if s.Status == BatchOpen || s.Status == BatchPartsUploading {
		return ErrInvalidTransition.WithDetailsf("remote reports %s before close", next)
	}
	return s.Transition(next)
}

// String implements fmt.Stringer.
func (s *BatchSession) String() string {
	return fmt.Sprintf("batch %s (%s)", s.ReferenceNumber, s.Status)
}
