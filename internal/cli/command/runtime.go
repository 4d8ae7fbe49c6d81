package command

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/urfave/cli/v2"

	"github.com/yndnr/ksefsync-go/internal/cli/config"
	"github.com/yndnr/ksefsync-go/internal/cli/output"
	"github.com/yndnr/ksefsync-go/internal/core/domain"
	"github.com/yndnr/ksefsync-go/internal/core/service"
	"github.com/yndnr/ksefsync-go/internal/infra/confloader"
	"github.com/yndnr/ksefsync-go/internal/infra/shutdown"
	"github.com/yndnr/ksefsync-go/internal/remote"
	"github.com/yndnr/ksefsync-go/internal/storage"
	"github.com/yndnr/ksefsync-go/internal/telemetry/logger"
	"github.com/yndnr/ksefsync-go/internal/telemetry/metric"
	"github.com/yndnr/ksefsync-go/pkg/crypto/envelope"
)

// opFetchKeys names the public key download for retry metrics.
const opFetchKeys = "fetch_public_keys"

// checkpointStore is what the export commands need from a storage backend.
type checkpointStore interface {
	service.CheckpointStore
	Get(ctx context.Context, runKey string) (*storage.Checkpoint, error)
	Delete(ctx context.Context, runKey string) error
	List(ctx context.Context) ([]string, error)
	Close() error
}

// Runtime carries what a command invocation shares: configuration, logger,
// metrics, remote clients and cleanup hooks.
type Runtime struct {
	Loader   *confloader.Loader
	Logger   logger.Logger
	Metrics  *metric.Registry
	Clients  *service.Registry[*remote.Client]
	Shutdown *shutdown.Handler

	out    io.Writer
	errOut io.Writer
	in     io.Reader

	mu       sync.RWMutex
	cfg      *config.Config
	format   output.Format
	prompted string

	storeMu sync.Mutex
	store   checkpointStore
}

// usageError marks errors caused by flags, arguments or configuration.
type usageError struct {
	err error
}

func (e usageError) Error() string { return e.err.Error() }
func (e usageError) Unwrap() error { return e.err }

func newRuntime(c *cli.Context) (*Runtime, error) {
	loader := config.NewLoader(c.String("config"), flagOverrides(c))
	cfg, err := config.LoadWith(loader)
	if err != nil {
		return nil, usageError{err}
	}
	format, err := output.ParseFormat(cfg.Output)
	if err != nil {
		return nil, usageError{err}
	}

	lc := config.ToLoggerConfig(cfg)
	lc.Output = c.App.ErrWriter
	log, err := logger.New(lc)
	if err != nil {
		return nil, fmt.Errorf("create logger: %w", err)
	}
	logger.SetDefault(log)

	rt := &Runtime{
		Loader:   loader,
		Logger:   log,
		Metrics:  metric.NewRegistry(),
		Shutdown: shutdown.NewHandler(shutdown.DefaultTimeout),
		out:      c.App.Writer,
		errOut:   c.App.ErrWriter,
		in:       c.App.Reader,
		cfg:      cfg,
		format:   format,
	}
	rt.Clients = service.NewRegistry(rt.newClient).OnRelease(func(cl *remote.Client) {
		cl.CloseIdleConnections()
	})
	rt.Shutdown.OnShutdown(func(context.Context) error {
		for _, key := range rt.Clients.Keys() {
			rt.Clients.Invalidate(key)
		}
		return nil
	})

	if addr := cfg.Metrics.Addr; addr != "" {
		srv, bound, err := serveMetrics(addr, rt.Metrics.Handler())
		if err != nil {
			return nil, err
		}
		rt.Shutdown.OnShutdown(srv.Shutdown)
		log.Info("metrics endpoint listening", "addr", bound.String())
	}
	return rt, nil
}

// Close runs the cleanup hooks.
func (rt *Runtime) Close() error {
	return rt.Shutdown.Shutdown()
}

// Config returns the current configuration.
func (rt *Runtime) Config() *config.Config {
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.cfg
}

// Print formats data to the command output.
func (rt *Runtime) Print(data any) error {
	rt.mu.RLock()
	format := rt.format
	rt.mu.RUnlock()
	return output.NewFormatter(format, false).Format(rt.out, data)
}

// Client returns the client for the configured remote. When no token is
// configured it is read from the terminal once per process.
func (rt *Runtime) Client() (*remote.Client, error) {
	cfg := rt.Config()
	if rt.token(cfg) == "" {
		if !isTerminal(rt.in) {
			return nil, domain.ErrValidation.WithDetails("an access token is required: set token in the config file, KSEFSYNC_TOKEN or --token")
		}
		tok, err := readSecret(rt.in, rt.errOut, "Access token: ")
		if err != nil {
			return nil, err
		}
		if tok == "" {
			return nil, domain.ErrValidation.WithDetails("empty access token")
		}
		rt.mu.Lock()
		rt.prompted = tok
		rt.mu.Unlock()
	}

	key, err := cfg.ResolveBaseURL()
	if err != nil {
		return nil, usageError{err}
	}
	return rt.Clients.Get(key)
}

func (rt *Runtime) token(cfg *config.Config) string {
	if cfg.Token != "" {
		return cfg.Token
	}
	rt.mu.RLock()
	defer rt.mu.RUnlock()
	return rt.prompted
}

// newClient is the client registry factory; key is the resolved base URL.
func (rt *Runtime) newClient(key string) (*remote.Client, error) {
	cfg := rt.Config()
	opts, err := config.ToClientOptions(cfg)
	if err != nil {
		return nil, err
	}
	opts.BaseURL = key
	opts.Token = rt.token(cfg)
	return remote.NewClient(opts)
}

// Crypto returns a CryptoService holding the service public key, read from
// public_key_file or fetched from the remote side.
func (rt *Runtime) Crypto(ctx context.Context, client *remote.Client) (*service.CryptoService, error) {
	cfg := rt.Config()
	svc := service.NewCryptoService(client)

	if path := cfg.PublicKeyFile; path != "" {
		data, err := os.ReadFile(path)
		if err != nil {
			return nil, domain.ErrKeyUnavailable.WithDetailsf("read %s", path).WithCause(err)
		}
		if err := svc.LoadPublicKey(data); err != nil {
			return nil, err
		}
		return svc, nil
	}

	policy := config.ToRetryPolicy(cfg)
	policy.Metrics = rt.Metrics
	if err := policy.Do(ctx, opFetchKeys, svc.RefreshPublicKey); err != nil {
		return nil, err
	}
	return svc, nil
}

// Checkpoints opens the configured checkpoint backend once per process.
// It returns nil when the backend is none. A non-empty passphrase takes
// precedence over checkpoint.passphrase.
func (rt *Runtime) Checkpoints(passphrase string) (checkpointStore, error) {
	rt.storeMu.Lock()
	defer rt.storeMu.Unlock()

	if rt.store != nil {
		return rt.store, nil
	}

	cfg := rt.Config()
	backend := cfg.CheckpointBackend()
	if backend == config.BackendNone {
		return nil, nil
	}

	if passphrase == "" {
		passphrase = cfg.Checkpoint.Passphrase
	}
	var sealer *envelope.Sealer
	if passphrase != "" {
		s, err := envelope.NewSealer([]byte(passphrase), envelope.AEAD(cfg.Checkpoint.AEAD))
		if err != nil {
			return nil, usageError{fmt.Errorf("checkpoint passphrase: %w", err)}
		}
		sealer = s
	}

	switch backend {
	case config.BackendMemory:
		rt.store = storage.NewMemoryStore(sealer)
	case config.BackendBadger:
		db, err := storage.OpenBadgerStore(config.ToBadgerConfig(cfg), sealer, logger.Slog(rt.Logger))
		if err != nil {
			return nil, domain.ErrCheckpoint.WithDetailsf("open %s", cfg.Checkpoint.Dir).WithCause(err)
		}
		if err := db.RegisterMetrics(rt.Metrics); err != nil {
			rt.Logger.Warn("checkpoint metrics not registered", "error", err)
		}
		rt.Shutdown.OnShutdown(func(context.Context) error {
			return db.Close()
		})
		rt.store = db
	default:
		return nil, usageError{fmt.Errorf("unknown checkpoint backend %q", backend)}
	}
	return rt.store, nil
}

// reload re-reads the configuration after a file change. An invalid file
// keeps the previous configuration.
func (rt *Runtime) reload() {
	next, err := config.LoadWith(rt.Loader)
	if err != nil {
		rt.Logger.Warn("configuration reload rejected", "error", err)
		return
	}
	format, err := output.ParseFormat(next.Output)
	if err != nil {
		rt.Logger.Warn("configuration reload rejected", "error", err)
		return
	}

	rt.mu.Lock()
	prev := rt.cfg
	rt.cfg = next
	rt.format = format
	rt.mu.Unlock()

	logger.SetLevel(next.Log.Level)

	// Clients are rebuilt lazily with the new endpoint, token and TLS settings.
	if key, err := prev.ResolveBaseURL(); err == nil {
		rt.Clients.Invalidate(key)
	}
	rt.Logger.Info("configuration reloaded", "file", rt.Loader.FilePath(), "log_level", next.Log.Level)
}

// spinner returns a spinner drawn on stderr when it is a terminal.
func (rt *Runtime) spinner(message string) *output.Spinner {
	return output.NewSpinner(rt.interactive(), message)
}

// progress returns a progress bar drawn on stderr when it is a terminal.
func (rt *Runtime) progress(title string, total int64, parts int) *output.ProgressBar {
	return output.NewProgressBar(rt.interactive(), title, total, parts)
}

func (rt *Runtime) interactive() io.Writer {
	if isTerminal(rt.errOut) {
		return rt.errOut
	}
	return io.Discard
}

// serveMetrics exposes h on /metrics at addr.
func serveMetrics(addr string, h http.Handler) (*http.Server, net.Addr, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, nil, usageError{fmt.Errorf("metrics listener: %w", err)}
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", h)
	srv := &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("metrics server failed", "error", err)
		}
	}()
	return srv, ln.Addr(), nil
}
