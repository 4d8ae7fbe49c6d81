package domain

import (
	"fmt"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/yndnr/ksefsync-go/pkg/crypto/envelope"
)

// PartitionKey is an independent continuation axis: the role the querying
// party plays on the record.
type PartitionKey string

// Partition keys.
const (
	PartitionSeller     PartitionKey = "Subject1"
	PartitionBuyer      PartitionKey = "Subject2"
	PartitionThirdParty PartitionKey = "Subject3"
	PartitionAuthorized PartitionKey = "SubjectAuthorized"
)

// AllPartitions lists every known partition key.
var AllPartitions = []PartitionKey{PartitionSeller, PartitionBuyer, PartitionThirdParty, PartitionAuthorized}

// ParsePartitionKey accepts the wire name or a role alias, case-insensitively.
func ParsePartitionKey(s string) (PartitionKey, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "subject1", "seller":
		return PartitionSeller, nil
	case "subject2", "buyer":
		return PartitionBuyer, nil
	case "subject3", "third-party", "thirdparty":
		return PartitionThirdParty, nil
	case "subjectauthorized", "authorized":
		return PartitionAuthorized, nil
	default:
		return "", ErrValidation.WithDetailsf("unknown partition %q", s)
	}
}

// DateType selects which record timestamp a window filters on.
type DateType string

// Date types.
const (
	DateTypeIssue            DateType = "Issue"
	DateTypeInvoicing        DateType = "Invoicing"
	DateTypePermanentStorage DateType = "PermanentStorage"
)

// ParseDateType accepts a date type name case-insensitively.
func ParseDateType(s string) (DateType, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "issue":
		return DateTypeIssue, nil
	case "invoicing":
		return DateTypeInvoicing, nil
	case "permanentstorage", "permanent-storage", "storage":
		return DateTypePermanentStorage, nil
	default:
		return "", ErrValidation.WithDetailsf("unknown date type %q", s)
	}
}

// TimeWindow is a closed interval [From, To].
type TimeWindow struct {
	From time.Time `json:"from"`
	To   time.Time `json:"to"`
}

// Contains reports whether t lies within the window.
func (w TimeWindow) Contains(t time.Time) bool {
	return !t.Before(w.From) && !t.After(w.To)
}

// ExportTask is one (window, partition) unit of synchronization work.
type ExportTask struct {
	Window    TimeWindow   `json:"window"`
	Partition PartitionKey `json:"partition"`
}

// String implements fmt.Stringer.
func (t ExportTask) String() string {
	return fmt.Sprintf("%s[%s..%s]", t.Partition,
		t.Window.From.UTC().Format(time.RFC3339), t.Window.To.UTC().Format(time.RFC3339))
}

// SortTasks orders tasks by (window.from, partition), stably.
func SortTasks(tasks []ExportTask) {
	sort.SliceStable(tasks, func(i, j int) bool {
		a, b := tasks[i], tasks[j]
		if !a.Window.From.Equal(b.Window.From) {
			return a.Window.From.Before(b.Window.From)
		}
		return a.Partition < b.Partition
	})
}

// ContinuationState holds the per-partition resume point of one sync run.
//
// An absent entry means the next task starts at its nominal window start.
type ContinuationState struct {
	mu      sync.Mutex
	cursors map[PartitionKey]time.Time
}

// NewContinuationState creates a state seeded from a snapshot.
func NewContinuationState(seed map[PartitionKey]time.Time) *ContinuationState {
	c := &ContinuationState{cursors: make(map[PartitionKey]time.Time, len(seed))}
	for k, v := range seed {
		c.cursors[k] = v
	}
	return c
}

// Get returns the resume point for p.
func (c *ContinuationState) Get(p PartitionKey) (time.Time, bool) {
	c.mu.Lock()
	defer c.mu.Unlock()
	t, ok := c.cursors[p]
	return t, ok
}

// Set records a resume point for p.
func (c *ContinuationState) Set(p PartitionKey, t time.Time) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.cursors[p] = t
}

// Clear removes the resume point for p.
func (c *ContinuationState) Clear(p PartitionKey) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.cursors, p)
}

// EffectiveStart is the resume point for the task's partition, or the
// task's nominal window start when none is recorded.
func (c *ContinuationState) EffectiveStart(task ExportTask) time.Time {
	if t, ok := c.Get(task.Partition); ok {
		return t
	}
	return task.Window.From
}

// Snapshot returns a copy of all resume points.
func (c *ContinuationState) Snapshot() map[PartitionKey]time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	out := make(map[PartitionKey]time.Time, len(c.cursors))
	for k, v := range c.cursors {
		out[k] = v
	}
	return out
}

// ExportFilters narrows an export request.
type ExportFilters struct {
	SubjectType PartitionKey    `json:"subjectType"`
	DateRange   ExportDateRange `json:"dateRange"`
}

// ExportDateRange is the requested interval.
type ExportDateRange struct {
	DateType                          DateType  `json:"dateType"`
	From                              time.Time `json:"from"`
	To                                time.Time `json:"to"`
	RestrictToPermanentStorageHwmDate bool      `json:"restrictToPermanentStorageHwmDate,omitempty"`
}

// ExportRequest starts a remote export.
type ExportRequest struct {
	Encryption envelope.Info `json:"encryption"`
	Filters    ExportFilters `json:"filters"`
}

// ExportState is the remote processing state of an export.
type ExportState string

// Export states.
const (
	ExportPending   ExportState = "Pending"
	ExportSucceeded ExportState = "Succeeded"
	ExportFailed    ExportState = "Failed"
)

// ExportStateFromCode maps a remote processing code onto an ExportState.
func ExportStateFromCode(code int) ExportState {
	switch {
	case code == StatusCodeSucceeded:
		return ExportSucceeded
	case code >= 300:
		return ExportFailed
	default:
		return ExportPending
	}
}

// ExportStatus is a remote status snapshot of an export.
type ExportStatus struct {
	Code        int            `json:"code"`
	Description string         `json:"description"`
	Details     []string       `json:"details,omitempty"`
	Package     *ExportPackage `json:"package,omitempty"`
}

// State derives the processing state from Code.
func (s *ExportStatus) State() ExportState {
	return ExportStateFromCode(s.Code)
}

// PackagePart is one encrypted part of an export package.
type PackagePart struct {
	Ordinal   int               `json:"ordinalNumber"`
	URL       string            `json:"url"`
	Method    string            `json:"method"`
	Encrypted envelope.Metadata `json:"encrypted"`
	ExpiresAt time.Time         `json:"expirationDate"`
}

// ExportPackage describes the result of a completed export.
type ExportPackage struct {
	InvoiceCount int           `json:"invoiceCount"`
	SizeBytes    int64         `json:"size"`
	Parts        []PackagePart `json:"parts"`
	IsTruncated  bool          `json:"isTruncated"`
	// LastDelivered is the timestamp up to which records were fully delivered
	// when IsTruncated is set.
	LastDelivered *time.Time `json:"lastPermanentStorageDate,omitempty"`
	// HighWaterMark is the stable point below which no record will appear later.
	HighWaterMark *time.Time `json:"permanentStorageHwmDate,omitempty"`
}

// SortedParts returns the parts ordered by ordinal.
func (p *ExportPackage) SortedParts() []PackagePart {
	parts := append([]PackagePart(nil), p.Parts...)
	sort.Slice(parts, func(i, j int) bool { return parts[i].Ordinal < parts[j].Ordinal })
	return parts
}

// ContinuationDecision is how a package moves the resume point.
type ContinuationDecision int

// Continuation decisions.
const (
	ContinuationKeep ContinuationDecision = iota
	ContinuationResumeTruncated
	ContinuationAdvanceHWM
	ContinuationClear
)

// String implements fmt.Stringer.
func (d ContinuationDecision) String() string {
	switch d {
	case ContinuationResumeTruncated:
		return "truncated"
	case ContinuationAdvanceHWM:
		return "hwm"
	case ContinuationClear:
		return "clear"
	default:
		return "keep"
	}
}

// NextContinuation decides the resume point after p was merged.
//
// Truncation takes precedence over the high-water mark. A truncated package
// without a last-delivered timestamp keeps the previous resume point.
func (p *ExportPackage) NextContinuation() (ContinuationDecision, time.Time) {
	switch {
	case p.IsTruncated && p.LastDelivered != nil:
		return ContinuationResumeTruncated, *p.LastDelivered
	case p.IsTruncated:
		return ContinuationKeep, time.Time{}
	case p.HighWaterMark != nil:
		return ContinuationAdvanceHWM, *p.HighWaterMark
	default:
		return ContinuationClear, time.Time{}
	}
}

// Apply updates state for partition according to the package.
func (p *ExportPackage) Apply(state *ContinuationState, partition PartitionKey) ContinuationDecision {
	decision, at := p.NextContinuation()
	switch decision {
	case ContinuationResumeTruncated, ContinuationAdvanceHWM:
		state.Set(partition, at)
	case ContinuationClear:
		state.Clear(partition)
	}
	return decision
}
