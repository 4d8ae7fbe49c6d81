package service

import (
	"sync/atomic"

	"github.com/yndnr/ksefsync-go/internal/core/domain"
	"github.com/yndnr/ksefsync-go/internal/telemetry/metric"
	"github.com/yndnr/ksefsync-go/pkg/cmap"
)

// Accumulator is the deduplicated result of a sync run.
//
// Records are keyed by case-folded id; the first record seen for an id is
// kept and later observations are counted but dropped.
type Accumulator struct {
	records   *cmap.Map[domain.RecordSummary]
	documents *cmap.Map[[]byte]
	observed  atomic.Int64
	metrics   *metric.Registry
}

// NewAccumulator creates an empty accumulator. metrics may be nil.
func NewAccumulator(metrics *metric.Registry) *Accumulator {
	return &Accumulator{
		records:   cmap.New[domain.RecordSummary](),
		documents: cmap.New[[]byte](),
		metrics:   metrics,
	}
}

// Add inserts r unless a record with the same id is present.
// Returns true if r was inserted.
func (a *Accumulator) Add(r domain.RecordSummary) bool {
	a.observed.Add(1)
	inserted := a.records.SetIfAbsent(r.Key(), r)
	a.metrics.ObserveMerge(inserted)
	return inserted
}

// AddDocument stores the document for record id unless one is present.
func (a *Accumulator) AddDocument(id string, content []byte) bool {
	return a.documents.SetIfAbsent(domain.RecordKey(id), content)
}

// Get returns the record for id, matched case-insensitively.
func (a *Accumulator) Get(id string) (domain.RecordSummary, bool) {
	return a.records.Get(domain.RecordKey(id))
}

// Document returns the stored document for id.
func (a *Accumulator) Document(id string) ([]byte, bool) {
	return a.documents.Get(domain.RecordKey(id))
}

// Len returns the number of unique records.
func (a *Accumulator) Len() int {
	return a.records.Count()
}

// Observed returns how many records were offered, duplicates included.
func (a *Accumulator) Observed() int64 {
	return a.observed.Load()
}

// Records returns all records ordered by key.
func (a *Accumulator) Records() []domain.RecordSummary {
	keys := a.records.Keys()
	out := make([]domain.RecordSummary, 0, len(keys))
	for _, k := range keys {
		if r, ok := a.records.Get(k); ok {
			out = append(out, r)
		}
	}
	return out
}

// DocumentIDs returns the keys of stored documents in order.
func (a *Accumulator) DocumentIDs() []string {
	return a.documents.Keys()
}
