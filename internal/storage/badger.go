package storage

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/dgraph-io/badger/v3"
	"github.com/prometheus/client_golang/prometheus"

	"github.com/yndnr/ksefsync-go/internal/core/domain"
	"github.com/yndnr/ksefsync-go/pkg/crypto/envelope"
)

// BadgerConfig contains Badger tuning parameters for the checkpoint store.
type BadgerConfig struct {
	// Dir is the database directory. Required.
	Dir string `koanf:"dir"`

	// GCInterval is the interval between automatic value-log GC runs.
	// Zero disables the background loop.
	GCInterval time.Duration `koanf:"gc_interval"`

	// GCThreshold is the discard ratio (0.0-1.0) passed to RunValueLogGC.
	GCThreshold float64 `koanf:"gc_threshold"`

	// CacheSize is the block cache size in bytes.
	CacheSize int64 `koanf:"cache_size"`

	// ValueLogFileSize is the maximum size of one value log file.
	ValueLogFileSize int64 `koanf:"value_log_file_size"`

	// NumMemtables is the number of memtables to keep in memory.
	NumMemtables int `koanf:"num_memtables"`

	// SyncWrites fsyncs after each write.
	SyncWrites bool `koanf:"sync_writes"`
}

// DefaultBadgerConfig returns a configuration sized for a small local
// checkpoint database.
func DefaultBadgerConfig(dir string) BadgerConfig {
	return BadgerConfig{
		Dir:              dir,
		GCInterval:       10 * time.Minute,
		GCThreshold:      0.5,
		CacheSize:        16 << 20, // 16MB
		ValueLogFileSize: 64 << 20, // 64MB
		NumMemtables:     2,
		SyncWrites:       true,
	}
}

// BadgerStore persists checkpoints in a Badger v3 database.
type BadgerStore struct {
	db     *badger.DB
	cfg    BadgerConfig
	codec  codec
	logger *slog.Logger
	now    func() time.Time

	lastGCTime atomic.Int64 // Unix milliseconds
	gcRuns     atomic.Uint64

	closeOnce sync.Once
	closed    atomic.Bool
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// OpenBadgerStore opens (or creates) the checkpoint database. sealer may be nil.
func OpenBadgerStore(cfg BadgerConfig, sealer *envelope.Sealer, logger *slog.Logger) (*BadgerStore, error) {
	if cfg.Dir == "" {
		return nil, fmt.Errorf("badger: dir is required")
	}
	if logger == nil {
		logger = slog.Default()
	}

	opts := badger.DefaultOptions(cfg.Dir)
	opts.Logger = &badgerLogger{logger: logger}
	opts.SyncWrites = cfg.SyncWrites
	if cfg.CacheSize > 0 {
		opts.BlockCacheSize = cfg.CacheSize
	}
	if cfg.ValueLogFileSize > 0 {
		opts.ValueLogFileSize = cfg.ValueLogFileSize
	}
	if cfg.NumMemtables > 0 {
		opts.NumMemtables = cfg.NumMemtables
	}

	db, err := badger.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("badger: open db: %w", err)
	}

	s := &BadgerStore{
		db:     db,
		cfg:    cfg,
		codec:  codec{sealer: sealer},
		logger: logger,
		now:    time.Now,
		stopCh: make(chan struct{}),
		doneCh: make(chan struct{}),
	}

	if cfg.GCInterval > 0 {
		go s.gcLoop()
	} else {
		close(s.doneCh)
	}

	logger.Debug("checkpoint store opened",
		"dir", cfg.Dir,
		"sealed", sealer != nil,
		"gc_interval", cfg.GCInterval)

	return s, nil
}

// Load returns the cursors saved for runKey, or an empty map if none exist.
func (s *BadgerStore) Load(ctx context.Context, runKey string) (map[domain.PartitionKey]time.Time, error) {
	cp, err := s.Get(ctx, runKey)
	if err != nil {
		return nil, err
	}
	if cp == nil {
		return map[domain.PartitionKey]time.Time{}, nil
	}
	return cp.Cursors, nil
}

// Get returns the full checkpoint for runKey, or nil if none exists.
func (s *BadgerStore) Get(ctx context.Context, runKey string) (*Checkpoint, error) {
	if err := s.check(ctx, runKey); err != nil {
		return nil, err
	}

	var raw []byte
	err := s.db.View(func(txn *badger.Txn) error {
		item, err := txn.Get(checkpointKey(runKey))
		if err != nil {
			return err
		}
		raw, err = item.ValueCopy(nil)
		return err
	})
	if errors.Is(err, badger.ErrKeyNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("badger: get %q: %w", runKey, err)
	}
	return s.codec.decode(runKey, raw)
}

// Save replaces the checkpoint for runKey.
func (s *BadgerStore) Save(ctx context.Context, runKey string, cursors map[domain.PartitionKey]time.Time) error {
	if err := s.check(ctx, runKey); err != nil {
		return err
	}
	raw, err := s.codec.encode(runKey, cursors, s.now())
	if err != nil {
		return err
	}
	if err := s.db.Update(func(txn *badger.Txn) error {
		return txn.Set(checkpointKey(runKey), raw)
	}); err != nil {
		return fmt.Errorf("badger: save %q: %w", runKey, err)
	}
	return nil
}

// Delete removes the checkpoint for runKey. Deleting a missing key is not an error.
func (s *BadgerStore) Delete(ctx context.Context, runKey string) error {
	if err := s.check(ctx, runKey); err != nil {
		return err
	}
	return s.db.Update(func(txn *badger.Txn) error {
		return txn.Delete(checkpointKey(runKey))
	})
}

// List returns the stored run keys in lexical order.
func (s *BadgerStore) List(ctx context.Context) ([]string, error) {
	if s.closed.Load() {
		return nil, ErrClosed
	}

	var keys []string
	err := s.db.View(func(txn *badger.Txn) error {
		opts := badger.DefaultIteratorOptions
		opts.PrefetchValues = false
		opts.Prefix = []byte(keyPrefix)

		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Rewind(); it.Valid(); it.Next() {
			if err := ctx.Err(); err != nil {
				return err
			}
			keys = append(keys, strings.TrimPrefix(string(it.Item().Key()), keyPrefix))
		}
		return nil
	})
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}

// GC runs value-log garbage collection until Badger reports nothing left
// to rewrite. Returns the number of rewrite cycles.
func (s *BadgerStore) GC(ctx context.Context) (int, error) {
	if s.closed.Load() {
		return 0, ErrClosed
	}
	start := time.Now()

	cycles := 0
	for {
		if err := ctx.Err(); err != nil {
			return cycles, err
		}
		err := s.db.RunValueLogGC(s.cfg.GCThreshold)
		if errors.Is(err, badger.ErrNoRewrite) || errors.Is(err, badger.ErrRejected) {
			break
		}
		if err != nil {
			return cycles, fmt.Errorf("gc: %w", err)
		}
		cycles++
	}

	s.lastGCTime.Store(time.Now().UnixMilli())
	s.gcRuns.Add(1)

	s.logger.Debug("checkpoint gc completed",
		"cycles", cycles,
		"elapsed", time.Since(start))

	return cycles, nil
}

// Close stops the GC loop and closes the database.
func (s *BadgerStore) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.closed.Store(true)
		close(s.stopCh)
		<-s.doneCh

		if cerr := s.db.Close(); cerr != nil {
			err = fmt.Errorf("close db: %w", cerr)
		}
	})
	return err
}

// Registerer is the subset of prometheus.Registerer used by RegisterMetrics.
type Registerer interface {
	Register(prometheus.Collector) error
}

// RegisterMetrics exposes database size and GC gauges on reg.
func (s *BadgerStore) RegisterMetrics(reg Registerer) error {
	size := func(pick func(lsm, vlog int64) int64) func() float64 {
		return func() float64 {
			if s.closed.Load() {
				return 0
			}
			return float64(pick(s.db.Size()))
		}
	}

	cs := []prometheus.Collector{
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "ksefsync",
			Subsystem: "checkpoint",
			Name:      "lsm_size_bytes",
			Help:      "Checkpoint database LSM tree size in bytes",
		}, size(func(lsm, _ int64) int64 { return lsm })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "ksefsync",
			Subsystem: "checkpoint",
			Name:      "value_log_size_bytes",
			Help:      "Checkpoint database value log size in bytes",
		}, size(func(_, vlog int64) int64 { return vlog })),
		prometheus.NewGaugeFunc(prometheus.GaugeOpts{
			Namespace: "ksefsync",
			Subsystem: "checkpoint",
			Name:      "last_gc_timestamp_seconds",
			Help:      "Unix timestamp of the last checkpoint GC run",
		}, func() float64 { return float64(s.lastGCTime.Load()) / 1000.0 }),
		prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: "ksefsync",
			Subsystem: "checkpoint",
			Name:      "gc_runs_total",
			Help:      "Total checkpoint GC runs",
		}, func() float64 { return float64(s.gcRuns.Load()) }),
	}
	for _, c := range cs {
		if err := reg.Register(c); err != nil {
			return err
		}
	}
	return nil
}

func (s *BadgerStore) check(ctx context.Context, runKey string) error {
	if s.closed.Load() {
		return ErrClosed
	}
	if runKey == "" {
		return ErrEmptyRunKey
	}
	return ctx.Err()
}

// gcLoop runs periodic garbage collection.
func (s *BadgerStore) gcLoop() {
	defer close(s.doneCh)

	ticker := time.NewTicker(s.cfg.GCInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
			if _, err := s.GC(ctx); err != nil {
				s.logger.Error("auto gc failed", "error", err)
			}
			cancel()

		case <-s.stopCh:
			return
		}
	}
}

// badgerLogger adapts slog.Logger to Badger's Logger interface.
type badgerLogger struct {
	logger *slog.Logger
}

func (l *badgerLogger) Errorf(format string, args ...interface{}) {
	l.logger.Error(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Warningf(format string, args ...interface{}) {
	l.logger.Warn(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

// Infof logs at debug level.
func (l *badgerLogger) Infof(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}

func (l *badgerLogger) Debugf(format string, args ...interface{}) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, args...)))
}
