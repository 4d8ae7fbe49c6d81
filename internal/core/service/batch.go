package service

import (
	"context"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/yndnr/ksefsync-go/internal/core/domain"
	"github.com/yndnr/ksefsync-go/internal/telemetry/logger"
	"github.com/yndnr/ksefsync-go/internal/telemetry/metric"
	"github.com/yndnr/ksefsync-go/pkg/crypto/envelope"
)

// BatchAPI is the remote surface consumed by the batch flow.
type BatchAPI interface {
	// OpenBatch registers the archive and its parts and returns a reference.
	OpenBatch(ctx context.Context, req *domain.OpenBatchRequest) (*domain.OpenBatchResponse, error)

	// UploadPart delivers one encrypted part. target may be zero when the
	// remote side did not hand out a dedicated upload URL.
	UploadPart(ctx context.Context, referenceNumber string, target domain.PartUploadTarget, part domain.PartDescriptor) error

	// CloseBatch tells the remote side all parts are present.
	CloseBatch(ctx context.Context, referenceNumber string) error

	// GetSessionStatus returns the current processing status.
	GetSessionStatus(ctx context.Context, referenceNumber string) (*domain.SessionStatus, error)
}

// Remote operation names used for pacing, metrics and logs.
const (
	OpOpenBatch     = "open_batch"
	OpUploadPart    = "upload_part"
	OpCloseBatch    = "close_batch"
	OpSessionStatus = "session_status"
)

// BatchConfig configures the batch flow.
type BatchConfig struct {
	MaxPartSize        int
	MaxParts           int
	UploadConcurrency  int
	EncryptConcurrency int
	FormCode           domain.FormCode
	OfflineMode        bool

	Retry    RetryPolicy
	Poll     PollOptions
	Limiters *LimiterRegistry
	Metrics  *metric.Registry

	// OnPartUploaded is called from upload workers after each delivered part.
	OnPartUploaded func(part domain.PartDescriptor)
}

// DefaultBatchConfig returns the default batch configuration.
func DefaultBatchConfig() BatchConfig {
	return BatchConfig{
		MaxPartSize:       domain.MaxPartSizeBytes,
		MaxParts:          domain.DefaultMaxParts,
		UploadConcurrency: 4,
		FormCode: domain.FormCode{
			SystemCode:    "FA (3)",
			SchemaVersion: "1-0E",
			Value:         "FA",
		},
		Retry: DefaultRetryPolicy(),
		Poll:  DefaultPollOptions(),
	}
}

// PreparedBatch is an archive ready to be sent.
type PreparedBatch struct {
	Archive       envelope.Metadata
	Envelope      *envelope.Envelope
	Parts         []domain.PartDescriptor
	DocumentCount int
}

// BatchOrchestrator drives one batch session from documents to a terminal
// remote status.
type BatchOrchestrator struct {
	api         BatchAPI
	crypto      *CryptoService
	packager    *Packager
	partitioner *Partitioner
	cfg         BatchConfig
}

// NewBatchOrchestrator creates a BatchOrchestrator.
func NewBatchOrchestrator(api BatchAPI, crypto *CryptoService, cfg BatchConfig) *BatchOrchestrator {
	if cfg.MaxParts <= 0 {
		cfg.MaxParts = domain.DefaultMaxParts
	}
	if cfg.UploadConcurrency <= 0 {
		cfg.UploadConcurrency = 1
	}
	cfg.Retry.Metrics = cfg.Metrics
	cfg.Poll.Metrics = cfg.Metrics

	return &BatchOrchestrator{
		api:         api,
		crypto:      crypto,
		packager:    NewPackager(),
		partitioner: NewPartitioner(crypto, cfg.EncryptConcurrency),
		cfg:         cfg,
	}
}

// Prepare packs, encrypts and partitions docs.
func (o *BatchOrchestrator) Prepare(ctx context.Context, docs []Document) (*PreparedBatch, error) {
	// 1. Validate limits that do not depend on the archive
	if o.cfg.MaxPartSize <= 0 || o.cfg.MaxPartSize > domain.MaxPartSizeBytes {
		return nil, domain.ErrValidation.WithDetailsf("max part size must be in (0, %d], got %d",
			domain.MaxPartSizeBytes, o.cfg.MaxPartSize)
	}

	// 2. Pack
	archive, archiveMeta, err := o.packager.Pack(docs)
	if err != nil {
		return nil, err
	}

	// 3. Split and check the part budget before spending time on encryption
	chunks, err := Split(archive, o.cfg.MaxPartSize)
	if err != nil {
		return nil, err
	}
	if len(chunks) > o.cfg.MaxParts {
		return nil, domain.ErrValidation.WithDetailsf("archive of %d bytes needs %d parts, limit is %d",
			len(archive), len(chunks), o.cfg.MaxParts)
	}

	// 4. Envelope and per-part encryption
	env, err := o.crypto.Create()
	if err != nil {
		return nil, err
	}
	parts, err := o.partitioner.EncryptAndDescribe(ctx, chunks, env)
	if err != nil {
		return nil, err
	}

	logger.L(ctx).Debug("batch prepared",
		"documents", len(docs),
		"archive_bytes", archiveMeta.SizeBytes,
		"parts", len(parts),
	)

	return &PreparedBatch{
		Archive:       archiveMeta,
		Envelope:      env,
		Parts:         parts,
		DocumentCount: len(docs),
	}, nil
}

// OpenSession opens a remote session for the archive and its parts.
func (o *BatchOrchestrator) OpenSession(ctx context.Context, archive envelope.Metadata, env *envelope.Envelope, parts []domain.PartDescriptor) (*domain.BatchSession, error) {
	// 1. Validate descriptors
	if env == nil {
		return nil, domain.ErrKeyUnavailable.WithDetails("no envelope")
	}
	if len(parts) == 0 {
		return nil, domain.ErrValidation.WithDetails("no parts")
	}
	for i, p := range parts {
		if p.Ordinal != i+1 {
			return nil, domain.ErrValidation.WithDetailsf("part %d has ordinal %d", i+1, p.Ordinal)
		}
	}

	// 2. Open under retry
	req := &domain.OpenBatchRequest{
		FormCode:    o.cfg.FormCode,
		Archive:     archive,
		Parts:       parts,
		Encryption:  env.Info(),
		OfflineMode: o.cfg.OfflineMode,
	}
	resp, err := Execute(ctx, o.policy(OpOpenBatch), OpOpenBatch, func(ctx context.Context) (*domain.OpenBatchResponse, error) {
		return o.api.OpenBatch(ctx, req)
	})
	if err != nil {
		return nil, err
	}
	if resp == nil || resp.ReferenceNumber == "" {
		return nil, domain.ErrRemoteRejected.WithDetails("open returned no reference number")
	}

	session := domain.NewBatchSession(resp, parts)
	logger.L(ctx).Info("batch session opened",
		"reference_number", session.ReferenceNumber,
		"session_id", session.ID,
		"parts", len(parts),
		"valid_until", session.ValidUntil,
	)
	return session, nil
}

// UploadParts uploads parts on a bounded pool. Every part is attempted;
// failures after retries are reported together as AggregateUploadError.
// A nil parts slice uploads whatever the session has not delivered yet.
func (o *BatchOrchestrator) UploadParts(ctx context.Context, session *domain.BatchSession, parts []domain.PartDescriptor) error {
	if parts == nil {
		parts = session.PendingParts()
	}
	if err := session.Transition(domain.BatchPartsUploading); err != nil {
		return err
	}
	ctx = logger.WithReference(ctx, session.ReferenceNumber)

	results := make([]error, len(parts))
	var g errgroup.Group
	g.SetLimit(o.cfg.UploadConcurrency)

	policy := o.policy(OpUploadPart)
	for i, part := range parts {
		g.Go(func() error {
			if err := ctx.Err(); err != nil {
				results[i] = err
				return nil
			}
			target, _ := session.UploadTarget(part.Ordinal)
			results[i] = policy.Do(ctx, OpUploadPart, func(ctx context.Context) error {
				return o.api.UploadPart(ctx, session.ReferenceNumber, target, part)
			})
			if results[i] == nil && o.cfg.OnPartUploaded != nil {
				o.cfg.OnPartUploaded(part)
			}
			return nil
		})
	}
	_ = g.Wait()

	var failures []domain.PartFailure
	for i, err := range results {
		part := parts[i]
		if err == nil {
			session.MarkDelivered(part.Ordinal)
			o.cfg.Metrics.ObservePartUploaded(part.Metadata.SizeBytes)
			logger.L(ctx).Debug("part uploaded", "ordinal", part.Ordinal, "bytes", part.Metadata.SizeBytes)
			continue
		}
		failures = append(failures, domain.PartFailure{Ordinal: part.Ordinal, Err: err})
	}

	if err := ctx.Err(); err != nil {
		return err
	}
	if len(failures) > 0 {
		for range failures {
			o.cfg.Metrics.ObservePartFailed()
		}
		aggErr := domain.NewAggregateUploadError(session.ReferenceNumber, failures)
		logger.L(ctx).Error("part upload failed", "ordinals", aggErr.FailedOrdinals(), "error", aggErr)
		return aggErr
	}

	logger.L(ctx).Info("all parts uploaded", "parts", len(session.Parts))
	return nil
}

// CloseSession tells the remote side the upload is complete. It refuses to
// close a session with undelivered parts.
func (o *BatchOrchestrator) CloseSession(ctx context.Context, session *domain.BatchSession) error {
	if !session.AllDelivered() {
		pending := session.PendingParts()
		ords := make([]int, len(pending))
		for i, p := range pending {
			ords[i] = p.Ordinal
		}
		return domain.ErrValidation.WithDetailsf("cannot close session %s with undelivered parts %v",
			session.ReferenceNumber, ords)
	}
	if err := session.Transition(domain.BatchClosing); err != nil {
		return err
	}

	err := o.policy(OpCloseBatch).Do(ctx, OpCloseBatch, func(ctx context.Context) error {
		return o.api.CloseBatch(ctx, session.ReferenceNumber)
	})
	if err != nil {
		return err
	}

	logger.L(logger.WithReference(ctx, session.ReferenceNumber)).Info("batch session closed")
	return session.Transition(domain.BatchProcessing)
}

// PollStatus polls until the session reaches Succeeded or Failed. On budget
// exhaustion it returns the session with ErrPollingTimeout; the reference
// stays valid and Resume can continue later.
func (o *BatchOrchestrator) PollStatus(ctx context.Context, session *domain.BatchSession) (*domain.BatchSession, error) {
	ctx = logger.WithReference(ctx, session.ReferenceNumber)
	policy := o.policy(OpSessionStatus)

	fetch := func(ctx context.Context) (domain.BatchStatus, error) {
		st, err := Execute(ctx, policy, OpSessionStatus, func(ctx context.Context) (*domain.SessionStatus, error) {
			return o.api.GetSessionStatus(ctx, session.ReferenceNumber)
		})
		if err != nil {
			return session.Status, err
		}
		if err := session.ApplyStatus(st); err != nil {
			return session.Status, err
		}
		return session.Status, nil
	}

	_, err := Poll(ctx, o.cfg.Poll, OpSessionStatus, fetch, domain.BatchStatus.IsTerminal)
	if err != nil {
		return session, err
	}

	o.cfg.Metrics.ObserveSession(string(session.Status))
	attrs := []any{"status", session.Status}
	if st := session.LastStatus; st != nil {
		attrs = append(attrs,
			"code", st.Code,
			"invoices", st.InvoiceCount,
			"succeeded", st.SuccessfulInvoiceCount,
			"failed", st.FailedInvoiceCount,
		)
	}
	logger.L(ctx).Info("batch session finished", attrs...)
	return session, nil
}

// Send runs the whole pipeline: prepare, open, upload, close, poll.
// Upload failures leave the session open and unclosed.
func (o *BatchOrchestrator) Send(ctx context.Context, docs []Document) (*domain.BatchSession, error) {
	ctx = logger.WithRunID(ctx, domain.GenerateID(domain.RunIDPrefix))

	prepared, err := o.Prepare(ctx, docs)
	if err != nil {
		return nil, err
	}

	session, err := o.OpenSession(ctx, prepared.Archive, prepared.Envelope, prepared.Parts)
	if err != nil {
		return nil, err
	}

	if err := o.UploadParts(ctx, session, prepared.Parts); err != nil {
		return session, err
	}
	if err := o.CloseSession(ctx, session); err != nil {
		return session, err
	}
	return o.PollStatus(ctx, session)
}

// Resume continues polling a session opened earlier.
func (o *BatchOrchestrator) Resume(ctx context.Context, referenceNumber string) (*domain.BatchSession, error) {
	if referenceNumber == "" {
		return nil, domain.ErrValidation.WithDetails("reference number is required")
	}
	now := time.Now()
	session := &domain.BatchSession{
		ID:              domain.GenerateID(domain.BatchIDPrefix),
		ReferenceNumber: referenceNumber,
		Status:          domain.BatchProcessing,
		Delivered:       map[int]bool{},
		OpenedAt:        now,
		UpdatedAt:       now,
	}
	return o.PollStatus(ctx, session)
}

func (o *BatchOrchestrator) policy(operation string) RetryPolicy {
	if o.cfg.Limiters == nil {
		return o.cfg.Retry
	}
	return o.cfg.Limiters.Policy(o.cfg.Retry, operation)
}
