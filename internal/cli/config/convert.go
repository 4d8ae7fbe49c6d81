package config

import (
	"fmt"
	"strings"

	"github.com/yndnr/ksefsync-go/internal/core/domain"
	"github.com/yndnr/ksefsync-go/internal/core/service"
	"github.com/yndnr/ksefsync-go/internal/infra/tlsroots"
	"github.com/yndnr/ksefsync-go/internal/remote"
	"github.com/yndnr/ksefsync-go/internal/storage"
	"github.com/yndnr/ksefsync-go/internal/telemetry/logger"
)

// ResolveBaseURL returns BaseURL when set, otherwise the environment's URL.
func (c *Config) ResolveBaseURL() (string, error) {
	if c.BaseURL != "" {
		return c.BaseURL, nil
	}
	env, err := remote.ParseEnvironment(c.Environment)
	if err != nil {
		return "", err
	}
	return env.BaseURL(), nil
}

// ToClientOptions converts the root section to remote.Options.
func ToClientOptions(cfg *Config) (remote.Options, error) {
	if cfg == nil {
		return remote.Options{}, fmt.Errorf("config is nil")
	}
	baseURL, err := cfg.ResolveBaseURL()
	if err != nil {
		return remote.Options{}, err
	}
	tlsCfg, err := tlsroots.ClientTLSConfig(cfg.TLS)
	if err != nil {
		return remote.Options{}, fmt.Errorf("tls: %w", err)
	}
	return remote.Options{
		BaseURL: baseURL,
		Token:   cfg.Token,
		Timeout: cfg.Timeout,
		TLS:     tlsCfg,
	}, nil
}

// ToLoggerConfig converts the log section to logger.Config.
func ToLoggerConfig(cfg *Config) logger.Config {
	lc := logger.DefaultConfig()
	lc.Level = cfg.Log.Level
	lc.Format = cfg.Log.Format
	return lc
}

// ToRetryPolicy converts the remote section to a RetryPolicy.
func ToRetryPolicy(cfg *Config) service.RetryPolicy {
	p := service.DefaultRetryPolicy()
	p.MaxAttempts = cfg.Remote.MaxAttempts
	p.BaseDelay = cfg.Remote.BaseDelay
	p.MaxDelay = cfg.Remote.MaxDelay
	p.RateLimitDelay = cfg.Remote.RateLimitDelay
	return p
}

// ToPollOptions converts the remote section to PollOptions.
func ToPollOptions(cfg *Config) service.PollOptions {
	o := service.DefaultPollOptions()
	o.Interval = cfg.Remote.PollInterval
	o.MaxInterval = cfg.Remote.PollMaxInterval
	o.Multiplier = cfg.Remote.PollMultiplier
	o.MaxAttempts = cfg.Remote.PollMaxAttempts
	return o
}

// ToLimiterRegistry returns per-operation pacing, or nil when pacing is off.
func ToLimiterRegistry(cfg *Config) *service.LimiterRegistry {
	if cfg.Remote.RatePerSecond <= 0 {
		return nil
	}
	return service.NewLimiterRegistry(cfg.Remote.RatePerSecond, cfg.Remote.RateBurst)
}

// ToBatchConfig converts the batch section. Metrics are left for the caller.
func ToBatchConfig(cfg *Config) service.BatchConfig {
	bc := service.DefaultBatchConfig()
	bc.MaxPartSize = cfg.Batch.MaxPartSize
	bc.MaxParts = cfg.Batch.MaxParts
	bc.UploadConcurrency = cfg.Batch.UploadConcurrency
	bc.EncryptConcurrency = cfg.Batch.EncryptConcurrency
	bc.OfflineMode = cfg.Batch.OfflineMode
	bc.FormCode = domain.FormCode{
		SystemCode:    cfg.Batch.FormSystemCode,
		SchemaVersion: cfg.Batch.FormSchemaVersion,
		Value:         cfg.Batch.FormValue,
	}
	bc.Retry = ToRetryPolicy(cfg)
	bc.Poll = ToPollOptions(cfg)
	bc.Limiters = ToLimiterRegistry(cfg)
	return bc
}

// ToExportConfig converts the export section. The checkpoint store and
// metrics are left for the caller.
func ToExportConfig(cfg *Config) (service.ExportConfig, error) {
	dt, err := domain.ParseDateType(cfg.Export.DateType)
	if err != nil {
		return service.ExportConfig{}, err
	}

	ec := service.DefaultExportConfig()
	ec.DateType = dt
	ec.RestrictToHWM = cfg.Export.RestrictToHWM
	ec.PartitionLanes = cfg.Export.PartitionConcurrency
	ec.DownloadConcurrency = cfg.Export.DownloadConcurrency
	ec.KeepDocuments = cfg.Export.OutputDir != ""
	ec.MaxUnpackedSize = cfg.Export.MaxUnpackedSize
	ec.RunKey = cfg.Checkpoint.RunKey
	ec.Retry = ToRetryPolicy(cfg)
	ec.Poll = ToPollOptions(cfg)
	ec.Limiters = ToLimiterRegistry(cfg)
	return ec, nil
}

// Partitions parses the configured partition list, dropping duplicates.
func (c *Config) Partitions() ([]domain.PartitionKey, error) {
	seen := make(map[domain.PartitionKey]bool, len(c.Export.Partitions))
	out := make([]domain.PartitionKey, 0, len(c.Export.Partitions))
	for _, s := range c.Export.Partitions {
		p, err := domain.ParsePartitionKey(s)
		if err != nil {
			return nil, err
		}
		if !seen[p] {
			seen[p] = true
			out = append(out, p)
		}
	}
	return out, nil
}

// ToBadgerConfig converts the checkpoint section.
func ToBadgerConfig(cfg *Config) storage.BadgerConfig {
	bc := storage.DefaultBadgerConfig(cfg.Checkpoint.Dir)
	bc.GCInterval = cfg.Checkpoint.GCInterval
	return bc
}

// CheckpointBackend returns the normalized backend name.
func (c *Config) CheckpointBackend() string {
	b := strings.ToLower(strings.TrimSpace(c.Checkpoint.Backend))
	if b == "" {
		return BackendNone
	}
	return b
}
