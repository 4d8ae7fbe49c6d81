package service

import (
	"bytes"
	"context"
	"errors"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yndnr/ksefsync-go/internal/core/domain"
	"github.com/yndnr/ksefsync-go/internal/telemetry/logger"
	"github.com/yndnr/ksefsync-go/internal/telemetry/metric"
	"github.com/yndnr/ksefsync-go/pkg/crypto/envelope"
)

// ExportAPI is the remote surface consumed by the export flow.
type ExportAPI interface {
	// StartExport requests an export and returns its reference number.
	StartExport(ctx context.Context, req *domain.ExportRequest) (string, error)

	// GetExportStatus returns the export status and, once done, its package.
	GetExportStatus(ctx context.Context, referenceNumber string) (*domain.ExportStatus, error)

	// DownloadPart fetches one encrypted package part.
	DownloadPart(ctx context.Context, part domain.PackagePart) ([]byte, error)
}

// CheckpointStore persists ContinuationState between runs.
type CheckpointStore interface {
	Load(ctx context.Context, runKey string) (map[domain.PartitionKey]time.Time, error)
	Save(ctx context.Context, runKey string, cursors map[domain.PartitionKey]time.Time) error
}

// Remote export operation names.
const (
	OpStartExport  = "start_export"
	OpExportStatus = "export_status"
	OpDownloadPart = "download_part"
)

// Task outcomes reported in TaskReport and metrics.
const (
	OutcomeMerged  = "merged"
	OutcomeSkipped = "skipped"
	OutcomeFailed  = "failed"
)

// ExportConfig configures the export flow.
type ExportConfig struct {
	DateType        domain.DateType
	RestrictToHWM   bool
	PartitionLanes  int
	KeepDocuments   bool
	MaxUnpackedSize int64
	// DownloadConcurrency bounds parallel part downloads within one package.
	DownloadConcurrency int

	CheckpointStore CheckpointStore
	RunKey          string

	Retry    RetryPolicy
	Poll     PollOptions
	Limiters *LimiterRegistry
	Metrics  *metric.Registry
}

// DefaultExportConfig returns the default export configuration.
func DefaultExportConfig() ExportConfig {
	return ExportConfig{
		DateType:            domain.DateTypePermanentStorage,
		RestrictToHWM:       true,
		PartitionLanes:      1,
		DownloadConcurrency: 2,
		Retry:               DefaultRetryPolicy(),
		Poll:                DefaultPollOptions(),
	}
}

// TaskReport describes what one task did.
type TaskReport struct {
	Task            domain.ExportTask           `json:"task"`
	EffectiveStart  time.Time                   `json:"effectiveStart"`
	ReferenceNumber string                      `json:"referenceNumber,omitempty"`
	Outcome         string                      `json:"outcome"`
	Reason          string                      `json:"reason,omitempty"`
	Records         int                         `json:"records"`
	Inserted        int                         `json:"inserted"`
	Decision        domain.ContinuationDecision `json:"-"`
	Continuation    string                      `json:"continuation"`
}

// ExportResult is the outcome of one sync run.
type ExportResult struct {
	Records      *Accumulator
	Failures     []*domain.TaskError
	Continuation map[domain.PartitionKey]time.Time
	Reports      []TaskReport
}

// Err joins task failures, or returns nil when every task completed.
func (r *ExportResult) Err() error {
	if len(r.Failures) == 0 {
		return nil
	}
	errs := make([]error, len(r.Failures))
	for i, f := range r.Failures {
		errs[i] = f
	}
	return errors.Join(errs...)
}

// ExportCoordinator reconstructs the deduplicated record set for a sequence
// of export tasks while tracking a resume point per partition.
type ExportCoordinator struct {
	api      ExportAPI
	crypto   *CryptoService
	packager *Packager
	cfg      ExportConfig
}

// NewExportCoordinator creates an ExportCoordinator.
func NewExportCoordinator(api ExportAPI, crypto *CryptoService, cfg ExportConfig) *ExportCoordinator {
	if cfg.DateType == "" {
		cfg.DateType = domain.DateTypePermanentStorage
	}
	if cfg.PartitionLanes <= 0 {
		cfg.PartitionLanes = 1
	}
	cfg.Retry.Metrics = cfg.Metrics
	cfg.Poll.Metrics = cfg.Metrics

	packager := NewPackager()
	if cfg.MaxUnpackedSize > 0 {
		packager.MaxUnpackedSize = cfg.MaxUnpackedSize
	}
	return &ExportCoordinator{
		api:      api,
		crypto:   crypto,
		packager: packager,
		cfg:      cfg,
	}
}

// PlanTasks splits [from, to] into consecutive windows of windowSize
// anchored at from, crosses them with partitions, and starts every window
// after the first overlap early. The last window ends at to. The result is
// ordered by (window start, partition).
func PlanTasks(from, to time.Time, windowSize, overlap time.Duration, partitions []domain.PartitionKey) ([]domain.ExportTask, error) {
	if !from.Before(to) {
		return nil, domain.ErrValidation.WithDetailsf("from %s must be before to %s",
			from.Format(time.RFC3339), to.Format(time.RFC3339))
	}
	if len(partitions) == 0 {
		return nil, domain.ErrValidation.WithDetails("at least one partition is required")
	}
	if windowSize <= 0 {
		windowSize = to.Sub(from)
	}
	if overlap < 0 || overlap >= windowSize {
		return nil, domain.ErrValidation.WithDetailsf("overlap %s must be in [0, %s)", overlap, windowSize)
	}

	var tasks []domain.ExportTask
	for nominal := from; nominal.Before(to); nominal = nominal.Add(windowSize) {
		start := nominal
		if nominal.After(from) {
			start = nominal.Add(-overlap)
		}
		end := nominal.Add(windowSize)
		if end.After(to) {
			end = to
		}
		for _, p := range partitions {
			tasks = append(tasks, domain.ExportTask{
				Window:    domain.TimeWindow{From: start, To: end},
				Partition: p,
			})
		}
	}

	domain.SortTasks(tasks)
	return tasks, nil
}

// Run processes tasks in (window start, partition) order. Failed tasks are
// collected in the result and do not stop the run; only cancellation and
// checkpoint load failures abort it.
func (c *ExportCoordinator) Run(ctx context.Context, tasks []domain.ExportTask) (*ExportResult, error) {
	ctx = logger.WithRunID(ctx, domain.GenerateID(domain.RunIDPrefix))

	// 1. Order tasks
	ordered := append([]domain.ExportTask(nil), tasks...)
	domain.SortTasks(ordered)

	// 2. Seed continuation from the checkpoint
	var seed map[domain.PartitionKey]time.Time
	if c.cfg.CheckpointStore != nil {
		loaded, err := c.cfg.CheckpointStore.Load(ctx, c.cfg.RunKey)
		if err != nil {
			return nil, domain.ErrCheckpoint.WithDetailsf("load %q", c.cfg.RunKey).WithCause(err)
		}
		seed = loaded
	}
	state := domain.NewContinuationState(seed)

	result := &ExportResult{Records: NewAccumulator(c.cfg.Metrics)}
	reports := make([]TaskReport, len(ordered))
	var mu sync.Mutex

	// 3. One lane per partition; a lane processes its tasks in order
	lanes := make(map[domain.PartitionKey][]int)
	var laneOrder []domain.PartitionKey
	for i, t := range ordered {
		if _, ok := lanes[t.Partition]; !ok {
			laneOrder = append(laneOrder, t.Partition)
		}
		lanes[t.Partition] = append(lanes[t.Partition], i)
	}

	runLane := func(idx []int) error {
		for _, i := range idx {
			if err := ctx.Err(); err != nil {
				return err
			}
			report, err := c.runTask(ctx, ordered[i], state, result.Records)
			reports[i] = report
			if err != nil {
				if ctxErr := ctx.Err(); ctxErr != nil {
					return ctxErr
				}
				mu.Lock()
				result.Failures = append(result.Failures, &domain.TaskError{
					Task:            ordered[i],
					ReferenceNumber: report.ReferenceNumber,
					Cause:           err,
				})
				mu.Unlock()
				continue
			}
			c.saveCheckpoint(ctx, state)
		}
		return nil
	}

	var err error
	if c.cfg.PartitionLanes <= 1 {
		// Single lane keeps the global order across partitions.
		all := make([]int, len(ordered))
		for i := range ordered {
			all[i] = i
		}
		err = runLane(all)
	} else {
		var g errgroup.Group
		g.SetLimit(c.cfg.PartitionLanes)
		for _, p := range laneOrder {
			idx := lanes[p]
			g.Go(func() error { return runLane(idx) })
		}
		err = g.Wait()
	}

	sort.SliceStable(result.Failures, func(i, j int) bool {
		a, b := result.Failures[i].Task, result.Failures[j].Task
		if !a.Window.From.Equal(b.Window.From) {
			return a.Window.From.Before(b.Window.From)
		}
		return a.Partition < b.Partition
	})
	result.Reports = reports
	result.Continuation = state.Snapshot()

	logger.L(ctx).Info("export run finished",
		"tasks", len(ordered),
		"failed", len(result.Failures),
		"records", result.Records.Len(),
		"observed", result.Records.Observed(),
	)
	return result, err
}

func (c *ExportCoordinator) runTask(ctx context.Context, task domain.ExportTask, state *domain.ContinuationState, acc *Accumulator) (TaskReport, error) {
	log := logger.L(ctx).With("task", task.String())
	report := TaskReport{Task: task, EffectiveStart: state.EffectiveStart(task)}

	skip := func(reason string) (TaskReport, error) {
		report.Outcome = OutcomeSkipped
		report.Reason = reason
		report.Continuation = domain.ContinuationKeep.String()
		c.cfg.Metrics.ObserveTask(string(task.Partition), OutcomeSkipped)
		log.Info("export task skipped", "reason", reason)
		return report, nil
	}
	fail := func(err error) (TaskReport, error) {
		report.Outcome = OutcomeFailed
		report.Reason = err.Error()
		c.cfg.Metrics.ObserveTask(string(task.Partition), OutcomeFailed)
		log.Error("export task failed", "reference_number", report.ReferenceNumber, "error", err)
		return report, err
	}

	// 1. Effective start
	if !report.EffectiveStart.Before(task.Window.To) {
		return skip("window already covered")
	}

	// 2. Request under retry
	env, err := c.crypto.Create()
	if err != nil {
		return fail(err)
	}
	req := &domain.ExportRequest{
		Encryption: env.Info(),
		Filters: domain.ExportFilters{
			SubjectType: task.Partition,
			DateRange: domain.ExportDateRange{
				DateType:                          c.cfg.DateType,
				From:                              report.EffectiveStart,
				To:                                task.Window.To,
				RestrictToPermanentStorageHwmDate: c.cfg.RestrictToHWM,
			},
		},
	}
	ref, err := Execute(ctx, c.policy(OpStartExport), OpStartExport, func(ctx context.Context) (string, error) {
		return c.api.StartExport(ctx, req)
	})
	if err != nil {
		return fail(err)
	}
	if ref == "" {
		return skip("no reference number")
	}
	report.ReferenceNumber = ref
	ctx = logger.WithReference(ctx, ref)

	// 3. Poll until the package is ready
	statusPolicy := c.policy(OpExportStatus)
	status, err := Poll(ctx, c.cfg.Poll, OpExportStatus,
		func(ctx context.Context) (*domain.ExportStatus, error) {
			return Execute(ctx, statusPolicy, OpExportStatus, func(ctx context.Context) (*domain.ExportStatus, error) {
				return c.api.GetExportStatus(ctx, ref)
			})
		},
		func(st *domain.ExportStatus) bool { return st != nil && st.State() != domain.ExportPending },
	)
	if err != nil {
		return fail(err)
	}
	if status.State() == domain.ExportFailed {
		return fail(domain.ErrExportFailed.WithDetailsf("code %d: %s", status.Code, status.Description))
	}

	pkg := status.Package
	if pkg == nil || len(pkg.Parts) == 0 {
		return skip("empty package")
	}

	// 4. Fetch and merge
	files, err := c.fetchPackage(ctx, pkg, env)
	if err != nil {
		return fail(err)
	}
	raw, ok := files[domain.ManifestFileName]
	if !ok {
		return fail(domain.ErrCorruptArchive.WithDetailsf("package has no %s", domain.ManifestFileName))
	}
	manifest, err := domain.ParseManifest(raw)
	if err != nil {
		return fail(err)
	}

	for _, rec := range manifest.Records {
		report.Records++
		if !acc.Add(rec) {
			continue
		}
		report.Inserted++
		if c.cfg.KeepDocuments {
			if doc, ok := files[documentName(rec)]; ok {
				acc.AddDocument(rec.ID, doc)
			}
		}
	}

	// 5. Continuation update
	report.Decision = pkg.Apply(state, task.Partition)
	report.Continuation = report.Decision.String()
	report.Outcome = OutcomeMerged
	c.cfg.Metrics.ObserveTask(string(task.Partition), OutcomeMerged)

	log.Info("export task merged",
		"records", report.Records,
		"inserted", report.Inserted,
		"truncated", pkg.IsTruncated,
		"continuation", report.Continuation,
	)
	return report, nil
}

// fetchPackage downloads, verifies and decrypts every part in ordinal order,
// then unpacks the concatenated archive.
func (c *ExportCoordinator) fetchPackage(ctx context.Context, pkg *domain.ExportPackage, env *envelope.Envelope) (map[string][]byte, error) {
	policy := c.policy(OpDownloadPart)
	parts := pkg.SortedParts()
	plain := make([][]byte, len(parts))

	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(max(c.cfg.DownloadConcurrency, 1))
	for i, part := range parts {
		g.Go(func() error {
			ciphertext, err := Execute(gctx, policy, OpDownloadPart, func(ctx context.Context) ([]byte, error) {
				return c.api.DownloadPart(ctx, part)
			})
			if err != nil {
				return err
			}
			if !part.Encrypted.IsZero() {
				if err := c.crypto.Verify(ciphertext, part.Encrypted); err != nil {
					return err
				}
			}
			plain[i], err = c.crypto.Decrypt(ciphertext, env.Key, env.IV)
			return err
		})
	}
	if err := g.Wait(); err != nil {
		return nil, err
	}
	return c.packager.Unpack(bytes.Join(plain, nil))
}

func (c *ExportCoordinator) saveCheckpoint(ctx context.Context, state *domain.ContinuationState) {
	if c.cfg.CheckpointStore == nil {
		return
	}
	if err := c.cfg.CheckpointStore.Save(ctx, c.cfg.RunKey, state.Snapshot()); err != nil {
		logger.L(ctx).Warn("checkpoint save failed", "run_key", c.cfg.RunKey, "error", err)
	}
}

func (c *ExportCoordinator) policy(operation string) RetryPolicy {
	if c.cfg.Limiters == nil {
		return c.cfg.Retry
	}
	return c.cfg.Limiters.Policy(c.cfg.Retry, operation)
}

// documentName is the archive entry holding the document of r.
func documentName(r domain.RecordSummary) string {
	if r.FileName != "" {
		return r.FileName
	}
	return r.ID + ".xml"
}
