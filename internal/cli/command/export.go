package command

import (
	"context"
	"errors"
	"fmt"
	"io/fs"
	"os"
	"path/filepath"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/ksefsync-go/internal/cli/config"
	"github.com/yndnr/ksefsync-go/internal/cli/output"
	"github.com/yndnr/ksefsync-go/internal/core/domain"
	"github.com/yndnr/ksefsync-go/internal/core/service"
	"github.com/yndnr/ksefsync-go/internal/infra/confloader"
	"github.com/yndnr/ksefsync-go/internal/storage"
	"github.com/yndnr/ksefsync-go/internal/telemetry/logger"
	"github.com/yndnr/ksefsync-go/internal/telemetry/metric"
)

// ExportCommand returns the export subcommand group.
func ExportCommand(st *state) *cli.Command {
	return &cli.Command{
		Name:  "export",
		Usage: "Download invoice metadata and documents incrementally",
		Subcommands: []*cli.Command{
			{
				Name:  "sync",
				Usage: "Export a time range once",
				Flags: append(exportFlags(),
					&cli.StringFlag{
						Name:  "from",
						Usage: "Range start, RFC 3339 or YYYY-MM-DD (default: now minus export.follow_lookback)",
					},
					&cli.StringFlag{
						Name:  "to",
						Usage: "Range end, RFC 3339 or YYYY-MM-DD (default: now)",
					},
					&cli.DurationFlag{
						Name:  "window",
						Usage: "Window size (default: export.window_size)",
					},
					&cli.DurationFlag{
						Name:  "overlap",
						Usage: "Overlap between windows (default: export.overlap)",
					},
					&cli.BoolFlag{
						Name:  "records",
						Usage: "Print the exported records instead of the task summary",
					},
				),
				Action: func(c *cli.Context) error {
					return exportSync(c, st)
				},
			},
			{
				Name:  "follow",
				Usage: "Export the trailing lookback window every follow interval",
				Flags: append(exportFlags(),
					&cli.IntFlag{
						Name:  "cycles",
						Usage: "Stop after this many cycles (0 runs until interrupted)",
					},
				),
				Action: func(c *cli.Context) error {
					return exportFollow(c, st)
				},
			},
			checkpointCommand(st),
		},
	}
}

func exportFlags() []cli.Flag {
	return []cli.Flag{
		&cli.StringSliceFlag{
			Name:    "subject",
			Aliases: []string{"s"},
			Usage:   "Partitions to export: seller, buyer, third-party, authorized (default: export.partitions)",
		},
		&cli.StringFlag{
			Name:  "run-key",
			Usage: "Checkpoint key (default: checkpoint.run_key)",
		},
		&cli.StringFlag{
			Name:  "output-dir",
			Usage: "Write invoice documents here (default: export.output_dir)",
		},
		&cli.BoolFlag{
			Name:  "ask-passphrase",
			Usage: "Prompt for the checkpoint passphrase",
		},
	}
}

// syncOptions is one export run.
type syncOptions struct {
	from, to   time.Time
	window     time.Duration
	overlap    time.Duration
	partitions []domain.PartitionKey
	runKey     string
	outputDir  string
}

// baseOptions fills what sync and follow share from flags and config.
func baseOptions(c *cli.Context, cfg *config.Config) (syncOptions, error) {
	opts := syncOptions{
		window:    cfg.Export.WindowSize,
		overlap:   cfg.Export.Overlap,
		runKey:    cfg.Checkpoint.RunKey,
		outputDir: cfg.Export.OutputDir,
	}
	if v := c.String("run-key"); v != "" {
		opts.runKey = v
	}
	if v := c.String("output-dir"); v != "" {
		opts.outputDir = v
	}

	if subjects := c.StringSlice("subject"); len(subjects) > 0 {
		for _, s := range subjects {
			for _, name := range strings.Split(s, ",") {
				p, err := domain.ParsePartitionKey(name)
				if err != nil {
					return opts, usageError{err}
				}
				opts.partitions = append(opts.partitions, p)
			}
		}
	} else {
		parts, err := cfg.Partitions()
		if err != nil {
			return opts, usageError{err}
		}
		opts.partitions = parts
	}
	return opts, nil
}

// parseTime accepts RFC 3339 or a bare date, which is midnight UTC.
func parseTime(s string) (time.Time, error) {
	s = strings.TrimSpace(s)
	if t, err := time.Parse(time.RFC3339, s); err == nil {
		return t, nil
	}
	t, err := time.Parse(time.DateOnly, s)
	if err != nil {
		return time.Time{}, fmt.Errorf("invalid time %q: want RFC 3339 or YYYY-MM-DD", s)
	}
	return t, nil
}

// askPassphrase prompts for the checkpoint passphrase when requested.
func askPassphrase(c *cli.Context, rt *Runtime) (string, error) {
	if !c.Bool("ask-passphrase") {
		return "", nil
	}
	return readSecret(rt.in, rt.errOut, "Checkpoint passphrase: ")
}

func exportSync(c *cli.Context, st *state) error {
	rt, err := st.runtime(c)
	if err != nil {
		return err
	}
	cfg := rt.Config()

	opts, err := baseOptions(c, cfg)
	if err != nil {
		return err
	}
	now := time.Now()
	opts.from, opts.to = now.Add(-cfg.Export.FollowLookback), now
	if v := c.String("from"); v != "" {
		if opts.from, err = parseTime(v); err != nil {
			return usageError{err}
		}
	}
	if v := c.String("to"); v != "" {
		if opts.to, err = parseTime(v); err != nil {
			return usageError{err}
		}
	}
	if c.IsSet("window") {
		opts.window = c.Duration("window")
	}
	if c.IsSet("overlap") {
		opts.overlap = c.Duration("overlap")
	}

	passphrase, err := askPassphrase(c, rt)
	if err != nil {
		return err
	}
	store, err := rt.Checkpoints(passphrase)
	if err != nil {
		return err
	}

	summary, err := rt.runExport(c.Context, store, opts)
	if err != nil {
		return err
	}
	if c.Bool("records") {
		err = rt.Print(recordList(summary.result.Records.Records()))
	} else {
		err = rt.Print(summary)
	}
	if err != nil {
		return err
	}
	return summary.result.Err()
}

// runExport plans and runs one export and writes the documents.
// Task failures are left in the summary.
func (rt *Runtime) runExport(ctx context.Context, store checkpointStore, opts syncOptions) (*exportSummary, error) {
	client, err := rt.Client()
	if err != nil {
		return nil, err
	}
	crypto, err := rt.Crypto(ctx, client)
	if err != nil {
		return nil, err
	}

	tasks, err := service.PlanTasks(opts.from, opts.to, opts.window, opts.overlap, opts.partitions)
	if err != nil {
		return nil, err
	}

	ec, err := config.ToExportConfig(rt.Config())
	if err != nil {
		return nil, usageError{err}
	}
	ec.Metrics = rt.Metrics
	ec.KeepDocuments = opts.outputDir != ""
	ec.RunKey = opts.runKey
	if store != nil {
		ec.CheckpointStore = store
	}
	coord := service.NewExportCoordinator(client, crypto, ec)

	sp := rt.spinner(fmt.Sprintf("Exporting %d tasks", len(tasks)))
	sp.Start()
	result, err := coord.Run(ctx, tasks)
	sp.Stop()
	if err != nil {
		return nil, err
	}

	summary := newExportSummary(result)
	if opts.outputDir != "" {
		summary.Written, err = writeDocuments(opts.outputDir, result.Records)
		if err != nil {
			return summary, err
		}
		logger.L(ctx).Info("documents written", "dir", opts.outputDir, "written", summary.Written)
	}
	return summary, nil
}

// writeDocuments stores each document as <id>.xml. Existing files are
// kept, so the first download of a document wins across runs.
func writeDocuments(dir string, acc *service.Accumulator) (int, error) {
	if err := os.MkdirAll(dir, 0o750); err != nil {
		return 0, fmt.Errorf("create %s: %w", dir, err)
	}

	written := 0
	for _, rec := range acc.Records() {
		doc, ok := acc.Document(rec.ID)
		if !ok {
			continue
		}
		path := filepath.Join(dir, safeFileName(rec.ID)+".xml")
		f, err := os.OpenFile(path, os.O_WRONLY|os.O_CREATE|os.O_EXCL, 0o640)
		if errors.Is(err, fs.ErrExist) {
			continue
		}
		if err != nil {
			return written, err
		}
		_, werr := f.Write(doc)
		if err := errors.Join(werr, f.Close()); err != nil {
			return written, fmt.Errorf("write %s: %w", path, err)
		}
		written++
	}
	return written, nil
}

func exportFollow(c *cli.Context, st *state) error {
	rt, err := st.runtime(c)
	if err != nil {
		return err
	}
	passphrase, err := askPassphrase(c, rt)
	if err != nil {
		return err
	}
	store, err := rt.Checkpoints(passphrase)
	if err != nil {
		return err
	}
	if store == nil {
		rt.Logger.Info("no checkpoint backend configured, continuation is kept in memory")
		store = storage.NewMemoryStore(nil)
	}

	stats := &followStats{}
	if err := rt.Metrics.Register(metric.NewCollector(stats.snapshot)); err != nil {
		rt.Logger.Warn("follow metrics not registered", "error", err)
	}

	ctx, cancel := context.WithCancel(c.Context)
	defer cancel()
	rt.watchConfig(ctx)

	cycles := c.Int("cycles")
	for n := 1; ; n++ {
		cfg := rt.Config()
		opts, err := baseOptions(c, cfg)
		if err != nil {
			return err
		}
		now := time.Now()
		opts.from, opts.to = now.Add(-cfg.Export.FollowLookback), now

		summary, err := rt.runExport(ctx, store, opts)
		switch {
		case ctx.Err() != nil:
			return nil
		case err != nil:
			rt.Logger.Error("follow cycle failed", "cycle", n, "error", err)
		default:
			stats.update(summary)
			rt.Logger.Info("follow cycle finished",
				"cycle", n,
				"records", summary.Records,
				"failed", summary.Failed,
				"written", summary.Written,
			)
		}

		if cycles > 0 && n >= cycles {
			return nil
		}
		select {
		case <-ctx.Done():
			return nil
		case <-time.After(cfg.Export.FollowInterval):
		}
	}
}

// watchConfig reloads the configuration when the config file changes,
// until ctx is cancelled.
func (rt *Runtime) watchConfig(ctx context.Context) {
	path := rt.Loader.FilePath()
	if path == "" {
		return
	}
	w, err := confloader.NewWatcher(confloader.WithWatcherLogger(logger.Slog(rt.Logger)))
	if err != nil {
		rt.Logger.Warn("config watcher unavailable", "error", err)
		return
	}
	if err := w.Watch(path); err != nil {
		rt.Logger.Debug("config file not watched", "file", path, "error", err)
		return
	}
	w.OnChange(func(string) { rt.reload() })
	go func() {
		if err := w.Run(ctx); err != nil {
			rt.Logger.Warn("config watcher stopped", "error", err)
		}
	}()
}

// followStats feeds the follow collector.
type followStats struct {
	mu      sync.Mutex
	records int
	cursors map[string]time.Time
}

func (s *followStats) update(sum *exportSummary) {
	cursors := make(map[string]time.Time, len(sum.Continuation))
	for p, at := range sum.Continuation {
		cursors[string(p)] = at
	}
	s.mu.Lock()
	s.records = sum.Records
	s.cursors = cursors
	s.mu.Unlock()
}

func (s *followStats) snapshot() metric.RunStats {
	s.mu.Lock()
	defer s.mu.Unlock()
	return metric.RunStats{Records: s.records, Cursors: s.cursors}
}

// exportSummary is the printed form of an export run.
type exportSummary struct {
	Tasks        []service.TaskReport              `json:"tasks"`
	Records      int                               `json:"records"`
	Observed     int64                             `json:"observed"`
	Written      int                               `json:"written"`
	Failed       int                               `json:"failed"`
	Continuation map[domain.PartitionKey]time.Time `json:"continuation"`

	result *service.ExportResult
}

func newExportSummary(r *service.ExportResult) *exportSummary {
	return &exportSummary{
		Tasks:        r.Reports,
		Records:      r.Records.Len(),
		Observed:     r.Records.Observed(),
		Failed:       len(r.Failures),
		Continuation: r.Continuation,
		result:       r,
	}
}

// Table implements output.Tabler.
func (s exportSummary) Table(wide bool) *output.Table {
	headers := []string{"PARTITION", "FROM", "TO", "OUTCOME", "RECORDS", "INSERTED"}
	if wide {
		headers = append(headers, "EFFECTIVE_START", "REFERENCE", "CONTINUATION", "REASON")
	}
	t := output.NewTable(headers...)

	for _, r := range s.Tasks {
		row := []string{
			string(r.Task.Partition),
			formatTime(r.Task.Window.From),
			formatTime(r.Task.Window.To),
			dash(r.Outcome),
			strconv.Itoa(r.Records),
			strconv.Itoa(r.Inserted),
		}
		if wide {
			row = append(row, formatTime(r.EffectiveStart), dash(r.ReferenceNumber), dash(r.Continuation), dash(r.Reason))
		}
		t.AddRow(row...)
	}

	total := []string{"TOTAL", "", "", fmt.Sprintf("%d failed", s.Failed), strconv.FormatInt(s.Observed, 10), strconv.Itoa(s.Records)}
	if wide {
		total = append(total, "", "", "", "")
	}
	t.AddRow(total...)
	return t
}

// recordList prints exported records.
type recordList []domain.RecordSummary

// Table implements output.Tabler.
func (l recordList) Table(wide bool) *output.Table {
	headers := []string{"KSEF_NUMBER", "INVOICE_NUMBER", "ISSUE_DATE", "SELLER", "BUYER", "GROSS", "CURRENCY"}
	if wide {
		headers = append(headers, "NET", "VAT", "STORED", "HASH")
	}
	t := output.NewTable(headers...)
	for _, r := range l {
		row := []string{r.ID, dash(r.InvoiceNumber), dash(r.IssueDate), dash(r.Seller.String()), dash(r.Buyer.String()), r.GrossAmount.StringFixed(2), dash(r.Currency)}
		if wide {
			row = append(row, r.NetAmount.StringFixed(2), r.VatAmount.StringFixed(2), formatTime(r.PermanentStorageDate), dash(r.InvoiceHash))
		}
		t.AddRow(row...)
	}
	return t
}

func checkpointCommand(st *state) *cli.Command {
	return &cli.Command{
		Name:  "checkpoint",
		Usage: "Inspect and reset saved continuation points",
		Flags: []cli.Flag{
			&cli.BoolFlag{
				Name:  "ask-passphrase",
				Usage: "Prompt for the checkpoint passphrase",
			},
		},
		Subcommands: []*cli.Command{
			{
				Name:   "list",
				Usage:  "List saved checkpoints",
				Action: func(c *cli.Context) error { return checkpointList(c, st) },
			},
			{
				Name:      "show",
				Usage:     "Show the cursors of a checkpoint",
				ArgsUsage: "RUN_KEY",
				Action:    func(c *cli.Context) error { return checkpointShow(c, st) },
			},
			{
				Name:      "clear",
				Usage:     "Delete a checkpoint; the next run starts from its window",
				ArgsUsage: "RUN_KEY",
				Action:    func(c *cli.Context) error { return checkpointClear(c, st) },
			},
		},
	}
}

// openStore returns the configured checkpoint store or a usage error.
func openStore(c *cli.Context, st *state) (*Runtime, checkpointStore, error) {
	rt, err := st.runtime(c)
	if err != nil {
		return nil, nil, err
	}
	passphrase, err := askPassphrase(c, rt)
	if err != nil {
		return nil, nil, err
	}
	store, err := rt.Checkpoints(passphrase)
	if err != nil {
		return nil, nil, err
	}
	if store == nil {
		return nil, nil, usageError{errors.New("checkpoint.backend is none; set it to memory or badger")}
	}
	return rt, store, nil
}

// checkpointView is the printed form of a checkpoint.
type checkpointView struct {
	RunKey    string                            `json:"runKey"`
	UpdatedAt time.Time                         `json:"updatedAt"`
	Cursors   map[domain.PartitionKey]time.Time `json:"cursors"`
}

func checkpointList(c *cli.Context, st *state) error {
	rt, store, err := openStore(c, st)
	if err != nil {
		return err
	}
	keys, err := store.List(c.Context)
	if err != nil {
		return err
	}

	views := make([]checkpointView, 0, len(keys))
	for _, key := range keys {
		cp, err := store.Get(c.Context, key)
		if err != nil {
			return err
		}
		if cp != nil {
			views = append(views, checkpointView{RunKey: cp.RunKey, UpdatedAt: cp.UpdatedAt, Cursors: cp.Cursors})
		}
	}
	return rt.Print(views)
}

func checkpointShow(c *cli.Context, st *state) error {
	key := c.Args().First()
	if key == "" {
		return usageError{errors.New("run key is required")}
	}
	rt, store, err := openStore(c, st)
	if err != nil {
		return err
	}
	cp, err := store.Get(c.Context, key)
	if err != nil {
		return err
	}
	if cp == nil {
		return domain.ErrValidation.WithDetailsf("no checkpoint for %q", key)
	}
	return rt.Print(checkpointView{RunKey: cp.RunKey, UpdatedAt: cp.UpdatedAt, Cursors: cp.Cursors})
}

// Table implements output.Tabler.
func (v checkpointView) Table(bool) *output.Table {
	t := output.NewTable("PARTITION", "CURSOR")
	parts := make([]string, 0, len(v.Cursors))
	for p := range v.Cursors {
		parts = append(parts, string(p))
	}
	sort.Strings(parts)
	for _, p := range parts {
		t.AddRow(p, formatTime(v.Cursors[domain.PartitionKey(p)]))
	}
	return t
}

func checkpointClear(c *cli.Context, st *state) error {
	key := c.Args().First()
	if key == "" {
		return usageError{errors.New("run key is required")}
	}
	rt, store, err := openStore(c, st)
	if err != nil {
		return err
	}
	if err := store.Delete(c.Context, key); err != nil {
		return err
	}
	rt.Logger.Info("checkpoint cleared", "run_key", key)
	fmt.Fprintf(rt.out, "checkpoint %q cleared\n", key)
	return nil
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.UTC().Format(time.RFC3339)
}

func dash(s string) string {
	if s == "" {
		return "-"
	}
	return s
}
