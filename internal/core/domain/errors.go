package domain

import (
	"errors"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"
)

// DomainError represents a classified failure with a stable error code.
//
// Codes have the form KS-<AREA>-<NNNN>; the last four digits follow the
// closest HTTP status so the CLI can derive an exit class from them.
type DomainError struct {
	Code    string // Error code (e.g., "KS-REM-4290")
	Message string // Human-readable message
	Details string // Optional additional details
	Cause   error  // Underlying error (if any)

	// StatusCode is the remote HTTP status, when the error came from the wire.
	StatusCode int
	// RetryAfter is the server-requested delay for rate-limit errors.
	// HasRetryAfter tells an explicit zero apart from no request.
	RetryAfter    time.Duration
	HasRetryAfter bool
}

// Error implements the error interface.
func (e *DomainError) Error() string {
	if e.Details != "" {
		return fmt.Sprintf("[%s] %s: %s", e.Code, e.Message, e.Details)
	}
	return fmt.Sprintf("[%s] %s", e.Code, e.Message)
}

// Unwrap returns the underlying error for errors.Unwrap() support.
func (e *DomainError) Unwrap() error {
	return e.Cause
}

// Is implements errors.Is() support for error comparison.
func (e *DomainError) Is(target error) bool {
	t, ok := target.(*DomainError)
	if !ok {
		return false
	}
	return e.Code == t.Code
}

// NewDomainError creates a new DomainError with the given code and message.
func NewDomainError(code, message string) *DomainError {
	return &DomainError{
		Code:    code,
		Message: message,
	}
}

// WithDetails returns a copy of the error with additional details.
func (e *DomainError) WithDetails(details string) *DomainError {
	c := *e
	c.Details = details
	return &c
}

// WithDetailsf is WithDetails with formatting.
func (e *DomainError) WithDetailsf(format string, args ...any) *DomainError {
	return e.WithDetails(fmt.Sprintf(format, args...))
}

// WithCause returns a copy of the error wrapping the given cause.
func (e *DomainError) WithCause(cause error) *DomainError {
	c := *e
	c.Cause = cause
	return &c
}

// WithStatus returns a copy carrying the remote HTTP status.
func (e *DomainError) WithStatus(status int) *DomainError {
	c := *e
	c.StatusCode = status
	return &c
}

// WithRetryAfter returns a copy carrying a server-requested delay.
func (e *DomainError) WithRetryAfter(d time.Duration) *DomainError {
	c := *e
	c.RetryAfter = d
	c.HasRetryAfter = true
	return &c
}

// Wrap wraps an error with this domain error as the cause.
func (e *DomainError) Wrap(cause error) *DomainError {
	return e.WithCause(cause)
}

// IsDomainError checks if an error is a DomainError with the given code.
// If code is empty, it only checks if the error is a DomainError.
func IsDomainError(err error, code string) bool {
	var de *DomainError
	if errors.As(err, &de) {
		if code == "" {
			return true
		}
		return de.Code == code
	}
	return false
}

// GetErrorCode extracts the error code from an error if it's a DomainError.
// An AggregateUploadError reports its own code rather than a part's cause.
func GetErrorCode(err error) string {
	var ae *AggregateUploadError
	if errors.As(err, &ae) {
		return ErrAggregateUpload.Code
	}
	var de *DomainError
	if errors.As(err, &de) {
		return de.Code
	}
	return ""
}

// RetryAfterOf returns the server-requested delay carried by err, if any.
// A zero delay with ok set means retry immediately.
func RetryAfterOf(err error) (time.Duration, bool) {
	var de *DomainError
	if errors.As(err, &de) && de.HasRetryAfter {
		return de.RetryAfter, true
	}
	return 0, false
}

// ============================================================================
// Local Errors (ARG, CRYP, PACK)
// ============================================================================

var (
	// ErrValidation indicates malformed input detected before any remote call.
	ErrValidation = NewDomainError("KS-ARG-4000", "validation failed")

	// ErrKeyUnavailable indicates no public encryption key has been loaded.
	ErrKeyUnavailable = NewDomainError("KS-CRYP-4240", "public encryption key unavailable")

	// ErrIntegrity indicates a hash, size or padding mismatch.
	ErrIntegrity = NewDomainError("KS-CRYP-4220", "integrity check failed")

	// ErrCorruptArchive indicates the archive container could not be read.
	ErrCorruptArchive = NewDomainError("KS-PACK-4220", "corrupt archive")
)

// ============================================================================
// Remote Errors (REM)
// ============================================================================

var (
	// ErrRemoteRejected indicates a definitive 4xx rejection.
	ErrRemoteRejected = NewDomainError("KS-REM-4000", "remote rejected request")

	// ErrRateLimited indicates throttling (HTTP 429).
	ErrRateLimited = NewDomainError("KS-REM-4290", "rate limited")

	// ErrRemoteUnavailable indicates a 5xx response or a transport failure.
	ErrRemoteUnavailable = NewDomainError("KS-REM-5030", "remote unavailable")
)

// ============================================================================
// Batch Errors (BTCH)
// ============================================================================

var (
	// ErrAggregateUpload indicates one or more parts failed after retries.
	ErrAggregateUpload = NewDomainError("KS-BTCH-5020", "part upload failed")

	// ErrInvalidTransition indicates a batch session state machine violation.
	ErrInvalidTransition = NewDomainError("KS-BTCH-4090", "invalid session transition")

	// ErrSessionFailed indicates the remote side finished processing with a failure.
	ErrSessionFailed = NewDomainError("KS-BTCH-4220", "batch session failed")
)

// ============================================================================
// Export and Polling Errors (EXPT, POLL, CKPT)
// ============================================================================

var (
	// ErrPollingTimeout indicates the poll budget was exhausted. The remote
	// reference remains valid and polling can be resumed.
	ErrPollingTimeout = NewDomainError("KS-POLL-4080", "polling budget exhausted")

	// ErrExportFailed indicates the remote export operation reported failure.
	ErrExportFailed = NewDomainError("KS-EXPT-4220", "export failed")

	// ErrCheckpoint indicates continuation state could not be loaded or saved.
	ErrCheckpoint = NewDomainError("KS-CKPT-5000", "checkpoint store failure")
)

// PartFailure records a part that could not be delivered.
type PartFailure struct {
	Ordinal int
	Err     error
}

// AggregateUploadError lists every part that failed to upload.
type AggregateUploadError struct {
	ReferenceNumber string
	Failures        []PartFailure
}

// NewAggregateUploadError sorts failures by ordinal.
func NewAggregateUploadError(ref string, failures []PartFailure) *AggregateUploadError {
	sorted := append([]PartFailure(nil), failures...)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].Ordinal < sorted[j].Ordinal })
	return &AggregateUploadError{ReferenceNumber: ref, Failures: sorted}
}

// Error implements the error interface.
func (e *AggregateUploadError) Error() string {
	ords := make([]string, len(e.Failures))
	for i, f := range e.Failures {
		ords[i] = strconv.Itoa(f.Ordinal)
	}
	msg := fmt.Sprintf("[%s] %s: session %s, ordinals [%s]",
		ErrAggregateUpload.Code, ErrAggregateUpload.Message, e.ReferenceNumber, strings.Join(ords, ","))
	if len(e.Failures) > 0 && e.Failures[0].Err != nil {
		msg += ": " + e.Failures[0].Err.Error()
	}
	return msg
}

// Is matches ErrAggregateUpload.
func (e *AggregateUploadError) Is(target error) bool {
	return IsDomainError(target, ErrAggregateUpload.Code)
}

// Unwrap exposes the per-part causes.
func (e *AggregateUploadError) Unwrap() []error {
	errs := make([]error, 0, len(e.Failures))
	for _, f := range e.Failures {
		if f.Err != nil {
			errs = append(errs, f.Err)
		}
	}
	return errs
}

// FailedOrdinals returns the ordinals of the failed parts in ascending order.
func (e *AggregateUploadError) FailedOrdinals() []int {
	out := make([]int, len(e.Failures))
	for i, f := range e.Failures {
		out[i] = f.Ordinal
	}
	return out
}

// TaskError identifies the export task that failed.
type TaskError struct {
	Task            ExportTask
	ReferenceNumber string
	Cause           error
}

// Error implements the error interface.
func (e *TaskError) Error() string {
	ref := ""
	if e.ReferenceNumber != "" {
		ref = " ref=" + e.ReferenceNumber
	}
	return fmt.Sprintf("export task %s%s: %v", e.Task, ref, e.Cause)
}

// Unwrap returns the cause.
func (e *TaskError) Unwrap() error {
	return e.Cause
}
