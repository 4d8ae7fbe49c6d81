package command

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/ksefsync-go/internal/cli/config"
	"github.com/yndnr/ksefsync-go/internal/cli/output"
	"github.com/yndnr/ksefsync-go/internal/core/domain"
	"github.com/yndnr/ksefsync-go/internal/core/service"
	"github.com/yndnr/ksefsync-go/internal/remote"
	"github.com/yndnr/ksefsync-go/internal/telemetry/logger"
)

// opDownloadUPO names the receipt download for retry metrics.
const opDownloadUPO = "download_upo"

// BatchCommand returns the batch subcommand group.
func BatchCommand(st *state) *cli.Command {
	return &cli.Command{
		Name:  "batch",
		Usage: "Submit invoices in batch sessions",
		Subcommands: []*cli.Command{
			{
				Name:      "send",
				Usage:     "Pack, encrypt and upload documents in one session",
				ArgsUsage: "[FILE...]",
				Flags: []cli.Flag{
					&cli.StringFlag{
						Name:    "dir",
						Aliases: []string{"d"},
						Usage:   "Directory of documents to send",
					},
					&cli.StringFlag{
						Name:  "pattern",
						Value: "*.xml",
						Usage: "Glob applied inside --dir",
					},
					&cli.BoolFlag{
						Name:  "no-wait",
						Usage: "Return after closing the session instead of polling for the result",
					},
					&cli.StringFlag{
						Name:  "upo-dir",
						Usage: "Save the confirmation (UPO) pages here on success",
					},
				},
				Action: func(c *cli.Context) error {
					return batchSend(c, st)
				},
			},
			{
				Name:      "status",
				Usage:     "Show the status of a session",
				ArgsUsage: "REFERENCE_NUMBER",
				Flags: []cli.Flag{
					&cli.BoolFlag{
						Name:    "wait",
						Aliases: []string{"w"},
						Usage:   "Poll until the session succeeds or fails",
					},
					&cli.StringFlag{
						Name:  "upo-dir",
						Usage: "Save the confirmation (UPO) pages here on success",
					},
				},
				Action: func(c *cli.Context) error {
					return batchStatus(c, st)
				},
			},
		},
	}
}

func batchSend(c *cli.Context, st *state) error {
	rt, err := st.runtime(c)
	if err != nil {
		return err
	}
	docs, err := readDocuments(c.String("dir"), c.String("pattern"), c.Args().Slice())
	if err != nil {
		return err
	}
	client, err := rt.Client()
	if err != nil {
		return err
	}

	ctx := logger.WithRunID(c.Context, domain.GenerateID(domain.RunIDPrefix))
	crypto, err := rt.Crypto(ctx, client)
	if err != nil {
		return err
	}

	var bar *output.ProgressBar
	bc := config.ToBatchConfig(rt.Config())
	bc.Metrics = rt.Metrics
	bc.OnPartUploaded = func(part domain.PartDescriptor) {
		bar.Part(part.Metadata.SizeBytes)
	}
	orch := service.NewBatchOrchestrator(client, crypto, bc)

	// 1. Pack, encrypt, split
	prepared, err := orch.Prepare(ctx, docs)
	if err != nil {
		return err
	}

	// 2. Open
	session, err := orch.OpenSession(ctx, prepared.Archive, prepared.Envelope, prepared.Parts)
	if err != nil {
		return err
	}
	ctx = logger.WithReference(ctx, session.ReferenceNumber)

	// 3. Upload
	var total int64
	for _, p := range prepared.Parts {
		total += p.Metadata.SizeBytes
	}
	bar = rt.progress("Uploading "+session.ReferenceNumber, total, len(prepared.Parts))
	err = orch.UploadParts(ctx, session, prepared.Parts)
	bar.Finish()
	if err != nil {
		return err
	}

	// 4. Close
	if err := orch.CloseSession(ctx, session); err != nil {
		return err
	}
	if c.Bool("no-wait") {
		return rt.Print(newBatchView(session))
	}

	// 5. Wait for the result
	return rt.finishBatch(ctx, client, session.ReferenceNumber, upoDir(c, rt.Config()), func(ctx context.Context) (*domain.BatchSession, error) {
		return orch.PollStatus(ctx, session)
	})
}

func batchStatus(c *cli.Context, st *state) error {
	ref := strings.TrimSpace(c.Args().First())
	if ref == "" {
		return usageError{errors.New("reference number is required")}
	}
	rt, err := st.runtime(c)
	if err != nil {
		return err
	}
	client, err := rt.Client()
	if err != nil {
		return err
	}
	ctx := logger.WithReference(c.Context, ref)
	cfg := rt.Config()

	if c.Bool("wait") {
		bc := config.ToBatchConfig(cfg)
		bc.Metrics = rt.Metrics
		orch := service.NewBatchOrchestrator(client, nil, bc)
		return rt.finishBatch(ctx, client, ref, upoDir(c, cfg), func(ctx context.Context) (*domain.BatchSession, error) {
			return orch.Resume(ctx, ref)
		})
	}

	policy := config.ToRetryPolicy(cfg)
	policy.Metrics = rt.Metrics
	status, err := service.Execute(ctx, policy, service.OpSessionStatus, func(ctx context.Context) (*domain.SessionStatus, error) {
		return client.GetSessionStatus(ctx, ref)
	})
	if err != nil {
		return err
	}

	session := &domain.BatchSession{
		ReferenceNumber: ref,
		Status:          domain.BatchStatusFromCode(status.Code),
		LastStatus:      status,
		ValidUntil:      status.ValidUntil,
	}
	view := newBatchView(session)
	if dir := upoDir(c, cfg); dir != "" && session.Status == domain.BatchSucceeded {
		if view.UPOFiles, err = rt.saveUPO(ctx, client, dir, status.UPO); err != nil {
			return err
		}
	}
	return rt.Print(view)
}

// finishBatch waits for a terminal status, saves the receipt and prints
// the session.
func (rt *Runtime) finishBatch(ctx context.Context, client *remote.Client, ref, dir string, wait func(context.Context) (*domain.BatchSession, error)) error {
	sp := rt.spinner("Waiting for session " + ref)
	sp.Start()

	session, err := wait(ctx)
	if err != nil {
		sp.Fail("session " + ref + " not finished")
		if errors.Is(err, domain.ErrPollingTimeout) {
			return fmt.Errorf("%w (resume with: ksefsync batch status --wait %s)", err, ref)
		}
		return err
	}

	view := newBatchView(session)
	if session.Status == domain.BatchFailed {
		sp.Fail("session " + ref + " failed")
		if err := rt.Print(view); err != nil {
			return err
		}
		return domain.ErrSessionFailed.WithDetailsf("%s: code %d %s", ref, view.Code, view.Description)
	}
	sp.Success("session " + ref + " succeeded")

	if dir != "" && session.LastStatus != nil {
		if view.UPOFiles, err = rt.saveUPO(ctx, client, dir, session.LastStatus.UPO); err != nil {
			return err
		}
	}
	return rt.Print(view)
}

// saveUPO downloads every receipt page into dir and returns the file paths.
func (rt *Runtime) saveUPO(ctx context.Context, client *remote.Client, dir string, pages []domain.UPOPage) ([]string, error) {
	if len(pages) == 0 {
		logger.L(ctx).Warn("session has no confirmation pages yet")
		return nil, nil
	}
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return nil, fmt.Errorf("create %s: %w", dir, err)
	}

	policy := config.ToRetryPolicy(rt.Config())
	policy.Metrics = rt.Metrics

	files := make([]string, 0, len(pages))
	for i, page := range pages {
		data, err := service.Execute(ctx, policy, opDownloadUPO, func(ctx context.Context) ([]byte, error) {
			return client.DownloadUPO(ctx, page)
		})
		if err != nil {
			return files, err
		}

		name := safeFileName(page.ReferenceNumber)
		if name == "" {
			name = fmt.Sprintf("upo-%d", i+1)
		}
		path := filepath.Join(dir, name+".xml")
		if err := os.WriteFile(path, data, 0o640); err != nil {
			return files, fmt.Errorf("write %s: %w", path, err)
		}
		files = append(files, path)
	}

	logger.L(ctx).Info("confirmation saved", "pages", len(files), "dir", dir)
	return files, nil
}

func upoDir(c *cli.Context, cfg *config.Config) string {
	if dir := c.String("upo-dir"); dir != "" {
		return dir
	}
	return cfg.Batch.UPODir
}

// readDocuments reads the named files plus the files in dir matching
// pattern, ordered by path.
func readDocuments(dir, pattern string, files []string) ([]service.Document, error) {
	paths := append([]string(nil), files...)
	if dir != "" {
		matches, err := filepath.Glob(filepath.Join(dir, pattern))
		if err != nil {
			return nil, usageError{fmt.Errorf("bad pattern %q: %w", pattern, err)}
		}
		paths = append(paths, matches...)
	}
	sort.Strings(paths)

	docs := make([]service.Document, 0, len(paths))
	for _, path := range paths {
		info, err := os.Stat(path)
		if err != nil {
			return nil, usageError{err}
		}
		if info.IsDir() {
			continue
		}
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, usageError{err}
		}
		docs = append(docs, service.Document{Name: filepath.Base(path), Content: data})
	}

	if len(docs) == 0 {
		return nil, domain.ErrValidation.WithDetails("no documents to send: pass files or --dir")
	}
	return docs, nil
}

// safeFileName keeps letters, digits, dots, dashes and underscores.
func safeFileName(s string) string {
	var b strings.Builder
	for _, r := range s {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9', r == '-', r == '_', r == '.':
			b.WriteRune(r)
		default:
			b.WriteByte('_')
		}
	}
	return strings.TrimLeft(b.String(), ".")
}

// batchView is the printed form of a session.
type batchView struct {
	ReferenceNumber string    `json:"referenceNumber"`
	Status          string    `json:"status"`
	Code            int       `json:"code,omitempty"`
	Description     string    `json:"description,omitempty"`
	Details         []string  `json:"details,omitempty"`
	Parts           int       `json:"parts,omitempty"`
	Invoices        int       `json:"invoices"`
	Succeeded       int       `json:"succeeded"`
	Failed          int       `json:"failed"`
	ValidUntil      time.Time `json:"validUntil"`
	UPOFiles        []string  `json:"upoFiles,omitempty"`
}

func newBatchView(s *domain.BatchSession) *batchView {
	v := &batchView{
		ReferenceNumber: s.ReferenceNumber,
		Status:          string(s.Status),
		Parts:           len(s.Parts),
		ValidUntil:      s.ValidUntil,
	}
	if st := s.LastStatus; st != nil {
		v.Code = st.Code
		v.Description = st.Description
		v.Details = st.Details
		v.Invoices = st.InvoiceCount
		v.Succeeded = st.SuccessfulInvoiceCount
		v.Failed = st.FailedInvoiceCount
	}
	return v
}

// Table implements output.Tabler.
func (v batchView) Table(wide bool) *output.Table {
	t := output.NewTable("FIELD", "VALUE")
	t.AddRow("REFERENCE_NUMBER", v.ReferenceNumber)
	t.AddRow("STATUS", v.Status)
	if v.Code != 0 {
		t.AddRow("CODE", fmt.Sprintf("%d %s", v.Code, v.Description))
	}
	if v.Parts > 0 {
		t.AddRow("PARTS", fmt.Sprint(v.Parts))
	}
	t.AddRow("INVOICES", fmt.Sprintf("%d (%d ok, %d failed)", v.Invoices, v.Succeeded, v.Failed))
	if wide {
		if !v.ValidUntil.IsZero() {
			t.AddRow("VALID_UNTIL", v.ValidUntil.Local().Format(output.TimeLayout))
		}
		for _, d := range v.Details {
			t.AddRow("DETAIL", d)
		}
	}
	for _, f := range v.UPOFiles {
		t.AddRow("UPO", f)
	}
	return t
}
