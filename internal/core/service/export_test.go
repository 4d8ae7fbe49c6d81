package service

import (
	"context"
	"encoding/json"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/yndnr/ksefsync-go/internal/core/domain"
	"github.com/yndnr/ksefsync-go/pkg/crypto/envelope"
)

// exportReply is what the fake remote side answers for one request.
type exportReply struct {
	records       []domain.RecordSummary
	truncated     bool
	lastDelivered *time.Time
	hwm           *time.Time
	code          int
	noReference   bool
	emptyPackage  bool
}

// fakeExportAPI builds encrypted packages on the fly from reply.
type fakeExportAPI struct {
	t     *testing.T
	reply func(req *domain.ExportRequest) exportReply

	mu       sync.Mutex
	requests []domain.ExportRequest
	statuses map[string]*domain.ExportStatus
	blobs    map[string][]byte
	pending  int
}

func newFakeExportAPI(t *testing.T, reply func(req *domain.ExportRequest) exportReply) *fakeExportAPI {
	return &fakeExportAPI{
		t:        t,
		reply:    reply,
		statuses: make(map[string]*domain.ExportStatus),
		blobs:    make(map[string][]byte),
	}
}

func (f *fakeExportAPI) StartExport(_ context.Context, req *domain.ExportRequest) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.requests = append(f.requests, *req)

	r := f.reply(req)
	if r.noReference {
		return "", nil
	}
	ref := fmt.Sprintf("20250101-EX-%04d", len(f.requests))

	code := r.code
	if code == 0 {
		code = domain.StatusCodeSucceeded
	}
	st := &domain.ExportStatus{Code: code, Description: "test"}
	if code == domain.StatusCodeSucceeded {
		st.Package = f.buildPackage(ref, req, r)
	}
	f.statuses[ref] = st
	return ref, nil
}

func (f *fakeExportAPI) buildPackage(ref string, req *domain.ExportRequest, r exportReply) *domain.ExportPackage {
	pkg := &domain.ExportPackage{
		InvoiceCount:  len(r.records),
		IsTruncated:   r.truncated,
		LastDelivered: r.lastDelivered,
		HighWaterMark: r.hwm,
	}
	if r.emptyPackage {
		return pkg
	}

	manifest, err := json.Marshal(domain.Manifest{Records: r.records})
	require.NoError(f.t, err)
	docs := []Document{{Name: domain.ManifestFileName, Content: manifest}}
	for _, rec := range r.records {
		docs = append(docs, Document{Name: documentName(rec), Content: []byte("<Faktura>" + rec.ID + "</Faktura>")})
	}
	archive, _, err := NewPackager().Pack(docs)
	require.NoError(f.t, err)

	key, iv := unwrapInfo(f.t, req.Encryption)
	chunks, err := Split(archive, 300)
	require.NoError(f.t, err)
	// Listed in reverse to check ordinal ordering on download.
	for i := len(chunks) - 1; i >= 0; i-- {
		ct, err := envelope.Encrypt(chunks[i], key, iv)
		require.NoError(f.t, err)
		url := fmt.Sprintf("https://download.example/%s/%d", ref, i+1)
		f.blobs[url] = ct
		pkg.Parts = append(pkg.Parts, domain.PackagePart{
			Ordinal:   i + 1,
			URL:       url,
			Method:    "GET",
			Encrypted: envelope.Digest(ct),
		})
		pkg.SizeBytes += int64(len(ct))
	}
	return pkg
}

func (f *fakeExportAPI) GetExportStatus(_ context.Context, ref string) (*domain.ExportStatus, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.pending > 0 {
		f.pending--
		return &domain.ExportStatus{Code: 100, Description: "in progress"}, nil
	}
	st, ok := f.statuses[ref]
	if !ok {
		return nil, domain.ErrRemoteRejected.WithStatus(404)
	}
	return st, nil
}

func (f *fakeExportAPI) DownloadPart(_ context.Context, part domain.PackagePart) ([]byte, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	b, ok := f.blobs[part.URL]
	if !ok {
		return nil, domain.ErrRemoteRejected.WithStatus(404)
	}
	return b, nil
}

func (f *fakeExportAPI) requestsFor(p domain.PartitionKey) []domain.ExportRequest {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []domain.ExportRequest
	for _, r := range f.requests {
		if r.Filters.SubjectType == p {
			out = append(out, r)
		}
	}
	return out
}

func testExportConfig() ExportConfig {
	cfg := DefaultExportConfig()
	cfg.Retry = fastRetry()
	cfg.Poll = fastPoll(10)
	return cfg
}

func recordsBetween(all []domain.RecordSummary, from, to time.Time) []domain.RecordSummary {
	var out []domain.RecordSummary
	for _, r := range all {
		if !r.PermanentStorageDate.Before(from) && !r.PermanentStorageDate.After(to) {
			out = append(out, r)
		}
	}
	return out
}

func timePtr(t time.Time) *time.Time { return &t }

func TestPlanTasks(t *testing.T) {
	from := time.Date(2025, 3, 1, 0, 0, 0, 0, time.UTC)
	to := from.Add(5 * time.Hour)

	tasks, err := PlanTasks(from, to, 2*time.Hour, 30*time.Minute,
		[]domain.PartitionKey{domain.PartitionBuyer, domain.PartitionSeller})
	require.NoError(t, err)

	// Windows: [0,2h] [1h30,4h] [3h30,5h]
	require.Len(t, tasks, 6)
	assert.Equal(t, domain.PartitionSeller, tasks[0].Partition)
	assert.Equal(t, domain.PartitionBuyer, tasks[1].Partition)
	assert.Equal(t, from, tasks[0].Window.From)
	assert.Equal(t, from.Add(2*time.Hour), tasks[0].Window.To)
	assert.Equal(t, from.Add(90*time.Minute), tasks[2].Window.From)
	assert.Equal(t, from.Add(4*time.Hour), tasks[2].Window.To)
	assert.Equal(t, from.Add(210*time.Minute), tasks[4].Window.From)
	assert.Equal(t, to, tasks[5].Window.To)

	t.Run("aligned range has no trailing sliver", func(t *testing.T) {
		tasks, err := PlanTasks(from, from.Add(48*time.Hour), 24*time.Hour, time.Hour,
			[]domain.PartitionKey{domain.PartitionSeller})
		require.NoError(t, err)
		require.Len(t, tasks, 2)
		assert.Equal(t, domain.TimeWindow{From: from, To: from.Add(24 * time.Hour)}, tasks[0].Window)
		assert.Equal(t, domain.TimeWindow{From: from.Add(23 * time.Hour), To: from.Add(48 * time.Hour)}, tasks[1].Window)
	})

	t.Run("single window", func(t *testing.T) {
		tasks, err := PlanTasks(from, to, 0, 0, []domain.PartitionKey{domain.PartitionSeller})
		require.NoError(t, err)
		require.Len(t, tasks, 1)
		assert.Equal(t, domain.TimeWindow{From: from, To: to}, tasks[0].Window)
	})

	t.Run("invalid", func(t *testing.T) {
		_, err := PlanTasks(to, from, time.Hour, 0, domain.AllPartitions)
		assert.ErrorIs(t, err, domain.ErrValidation)
		_, err = PlanTasks(from, to, time.Hour, time.Hour, domain.AllPartitions)
		assert.ErrorIs(t, err, domain.ErrValidation)
		_, err = PlanTasks(from, to, time.Hour, 0, nil)
		assert.ErrorIs(t, err, domain.ErrValidation)
	})
}

func TestExportCoordinator_OverlappingWindowsDeduplicate(t *testing.T) {
	base := time.Date(2025, 5, 10, 12, 0, 0, 0, time.UTC)
	var all []domain.RecordSummary
	for i := 0; i < 10; i++ {
		all = append(all, domain.RecordSummary{
			ID:                   fmt.Sprintf("5265877635-20250510-%010X-%02d", i, i),
			InvoiceNumber:        fmt.Sprintf("FV/%d/05/2025", i),
			PermanentStorageDate: base.Add(time.Duration(i) * 30 * time.Second),
		})
	}

	api := newFakeExportAPI(t, func(req *domain.ExportRequest) exportReply {
		dr := req.Filters.DateRange
		assert.True(t, dr.RestrictToPermanentStorageHwmDate)
		return exportReply{records: recordsBetween(all, dr.From, dr.To), hwm: timePtr(base)}
	})
	api.pending = 2

	tasks := []domain.ExportTask{
		{Window: domain.TimeWindow{From: base, To: base.Add(10 * time.Minute)}, Partition: domain.PartitionSeller},
		{Window: domain.TimeWindow{From: base.Add(-10 * time.Minute), To: base.Add(5 * time.Minute)}, Partition: domain.PartitionSeller},
	}

	cfg := testExportConfig()
	cfg.KeepDocuments = true
	result, err := NewExportCoordinator(api, newTestCrypto(t), cfg).Run(context.Background(), tasks)
	require.NoError(t, err)
	require.NoError(t, result.Err())

	assert.Equal(t, 10, result.Records.Len())
	assert.EqualValues(t, 20, result.Records.Observed())
	assert.Len(t, result.Records.DocumentIDs(), 10)

	reqs := api.requestsFor(domain.PartitionSeller)
	require.Len(t, reqs, 2)
	assert.Equal(t, base.Add(-10*time.Minute), reqs[0].Filters.DateRange.From, "earlier window runs first")
	assert.Equal(t, base, reqs[1].Filters.DateRange.From)

	require.Len(t, result.Reports, 2)
	assert.Equal(t, 10, result.Reports[0].Inserted)
	assert.Equal(t, 0, result.Reports[1].Inserted)
	assert.Equal(t, "hwm", result.Reports[1].Continuation)
	assert.Equal(t, base, result.Continuation[domain.PartitionSeller])

	doc, ok := result.Records.Document(all[3].ID)
	require.True(t, ok)
	assert.Equal(t, "<Faktura>"+all[3].ID+"</Faktura>", string(doc))
}

func TestExportCoordinator_TruncationMovesEffectiveStart(t *testing.T) {
	base := time.Date(2025, 6, 1, 0, 0, 0, 0, time.UTC)
	truncatedAt := base.Add(10 * time.Minute)

	calls := 0
	api := newFakeExportAPI(t, func(req *domain.ExportRequest) exportReply {
		calls++
		if calls == 1 {
			return exportReply{
				records:       []domain.RecordSummary{{ID: "A-1"}, {ID: "A-2"}},
				truncated:     true,
				lastDelivered: timePtr(truncatedAt),
				hwm:           timePtr(base.Add(time.Hour)),
			}
		}
		return exportReply{records: []domain.RecordSummary{{ID: "a-2"}, {ID: "A-3"}}}
	})

	tasks := []domain.ExportTask{
		{Window: domain.TimeWindow{From: base, To: base.Add(time.Hour)}, Partition: domain.PartitionBuyer},
		{Window: domain.TimeWindow{From: base.Add(30 * time.Minute), To: base.Add(2 * time.Hour)}, Partition: domain.PartitionBuyer},
	}

	result, err := NewExportCoordinator(api, newTestCrypto(t), testExportConfig()).Run(context.Background(), tasks)
	require.NoError(t, err)

	reqs := api.requestsFor(domain.PartitionBuyer)
	require.Len(t, reqs, 2)
	assert.Equal(t, truncatedAt, reqs[1].Filters.DateRange.From, "resumes at the truncation point")
	assert.Equal(t, truncatedAt, result.Reports[1].EffectiveStart)
	assert.Equal(t, "truncated", result.Reports[0].Continuation)

	assert.Equal(t, 3, result.Records.Len())
	_, cursorSet := result.Continuation[domain.PartitionBuyer]
	assert.False(t, cursorSet, "cleared after a complete package without hwm")
}

func TestExportCoordinator_SkipsKeepContinuation(t *testing.T) {
	base := time.Date(2025, 7, 1, 0, 0, 0, 0, time.UTC)
	cursor := base.Add(5 * time.Minute)

	calls := 0
	api := newFakeExportAPI(t, func(req *domain.ExportRequest) exportReply {
		calls++
		switch calls {
		case 1:
			return exportReply{records: []domain.RecordSummary{{ID: "X-1"}}, hwm: timePtr(cursor)}
		case 2:
			return exportReply{noReference: true}
		case 3:
			return exportReply{emptyPackage: true}
		default:
			return exportReply{truncated: true, records: []domain.RecordSummary{{ID: "X-2"}}}
		}
	})

	var tasks []domain.ExportTask
	for i := 0; i < 4; i++ {
		tasks = append(tasks, domain.ExportTask{
			Window:    domain.TimeWindow{From: base.Add(time.Duration(i) * time.Minute), To: base.Add(time.Hour)},
			Partition: domain.PartitionSeller,
		})
	}

	result, err := NewExportCoordinator(api, newTestCrypto(t), testExportConfig()).Run(context.Background(), tasks)
	require.NoError(t, err)
	require.NoError(t, result.Err())

	reqs := api.requestsFor(domain.PartitionSeller)
	require.Len(t, reqs, 4)
	for _, r := range reqs[1:] {
		assert.Equal(t, cursor, r.Filters.DateRange.From)
	}

	assert.Equal(t, OutcomeSkipped, result.Reports[1].Outcome)
	assert.Equal(t, "no reference number", result.Reports[1].Reason)
	assert.Equal(t, OutcomeSkipped, result.Reports[2].Outcome)
	assert.Equal(t, "empty package", result.Reports[2].Reason)
	assert.Equal(t, OutcomeMerged, result.Reports[3].Outcome)
	assert.Equal(t, "keep", result.Reports[3].Continuation, "truncated without timestamp")
	assert.Equal(t, cursor, result.Continuation[domain.PartitionSeller])
	assert.Equal(t, 2, result.Records.Len())
}

func TestExportCoordinator_FailedTaskDoesNotAbortRun(t *testing.T) {
	base := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)

	api := newFakeExportAPI(t, func(req *domain.ExportRequest) exportReply {
		if req.Filters.SubjectType == domain.PartitionBuyer {
			return exportReply{code: 420}
		}
		return exportReply{records: []domain.RecordSummary{{ID: "S-1"}}}
	})

	tasks, err := PlanTasks(base, base.Add(time.Hour), 0, 0,
		[]domain.PartitionKey{domain.PartitionSeller, domain.PartitionBuyer})
	require.NoError(t, err)

	cfg := testExportConfig()
	cfg.PartitionLanes = 2
	result, err := NewExportCoordinator(api, newTestCrypto(t), cfg).Run(context.Background(), tasks)
	require.NoError(t, err)

	require.Len(t, result.Failures, 1)
	failure := result.Failures[0]
	assert.Equal(t, domain.PartitionBuyer, failure.Task.Partition)
	assert.NotEmpty(t, failure.ReferenceNumber)
	assert.ErrorIs(t, failure, domain.ErrExportFailed)
	assert.ErrorIs(t, result.Err(), domain.ErrExportFailed)

	assert.Equal(t, 1, result.Records.Len())
}

func TestExportCoordinator_PollTimeoutIsPerTask(t *testing.T) {
	base := time.Date(2025, 8, 1, 0, 0, 0, 0, time.UTC)
	api := newFakeExportAPI(t, func(*domain.ExportRequest) exportReply {
		return exportReply{records: []domain.RecordSummary{{ID: "P-1"}}}
	})
	api.pending = 3

	tasks := []domain.ExportTask{
		{Window: domain.TimeWindow{From: base, To: base.Add(time.Hour)}, Partition: domain.PartitionSeller},
		{Window: domain.TimeWindow{From: base, To: base.Add(time.Hour)}, Partition: domain.PartitionThirdParty},
	}
	cfg := testExportConfig()
	cfg.Poll = fastPoll(3)
	result, err := NewExportCoordinator(api, newTestCrypto(t), cfg).Run(context.Background(), tasks)
	require.NoError(t, err)

	require.Len(t, result.Failures, 1)
	assert.ErrorIs(t, result.Failures[0], domain.ErrPollingTimeout)
	assert.Equal(t, domain.PartitionSeller, result.Failures[0].Task.Partition)
	assert.Equal(t, 1, result.Records.Len())
}

type memoryCheckpoints struct {
	mu    sync.Mutex
	data  map[string]map[domain.PartitionKey]time.Time
	saves int
}

func (m *memoryCheckpoints) Load(_ context.Context, key string) (map[domain.PartitionKey]time.Time, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data[key], nil
}

func (m *memoryCheckpoints) Save(_ context.Context, key string, cursors map[domain.PartitionKey]time.Time) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.saves++
	m.data[key] = cursors
	return nil
}

func TestExportCoordinator_Checkpoint(t *testing.T) {
	base := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	resumeAt := base.Add(20 * time.Minute)
	hwm := base.Add(50 * time.Minute)

	store := &memoryCheckpoints{data: map[string]map[domain.PartitionKey]time.Time{
		"nightly": {domain.PartitionSeller: resumeAt},
	}}
	api := newFakeExportAPI(t, func(*domain.ExportRequest) exportReply {
		return exportReply{records: []domain.RecordSummary{{ID: "C-1"}}, hwm: timePtr(hwm)}
	})

	cfg := testExportConfig()
	cfg.CheckpointStore = store
	cfg.RunKey = "nightly"
	tasks := []domain.ExportTask{{Window: domain.TimeWindow{From: base, To: base.Add(time.Hour)}, Partition: domain.PartitionSeller}}

	_, err := NewExportCoordinator(api, newTestCrypto(t), cfg).Run(context.Background(), tasks)
	require.NoError(t, err)

	reqs := api.requestsFor(domain.PartitionSeller)
	require.Len(t, reqs, 1)
	assert.Equal(t, resumeAt, reqs[0].Filters.DateRange.From)
	assert.Equal(t, 1, store.saves)
	assert.Equal(t, hwm, store.data["nightly"][domain.PartitionSeller])

	// A cursor at or past the window end skips the task.
	store.data["nightly"][domain.PartitionSeller] = base.Add(2 * time.Hour)
	result, err := NewExportCoordinator(api, newTestCrypto(t), cfg).Run(context.Background(), tasks)
	require.NoError(t, err)
	assert.Equal(t, OutcomeSkipped, result.Reports[0].Outcome)
	assert.Len(t, api.requestsFor(domain.PartitionSeller), 1)
}

func TestExportCoordinator_Cancelled(t *testing.T) {
	api := newFakeExportAPI(t, func(*domain.ExportRequest) exportReply { return exportReply{} })
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	base := time.Date(2025, 9, 1, 0, 0, 0, 0, time.UTC)
	tasks := []domain.ExportTask{{Window: domain.TimeWindow{From: base, To: base.Add(time.Hour)}, Partition: domain.PartitionSeller}}
	result, err := NewExportCoordinator(api, newTestCrypto(t), testExportConfig()).Run(ctx, tasks)
	assert.ErrorIs(t, err, context.Canceled)
	require.NotNil(t, result)
	assert.Empty(t, result.Failures)
}
