package config

import (
	"errors"
	"fmt"
	"net"
	"strings"

	"github.com/yndnr/ksefsync-go/internal/core/domain"
	"github.com/yndnr/ksefsync-go/internal/remote"
	"github.com/yndnr/ksefsync-go/pkg/crypto/envelope"
)

// Verify validates the configuration and reports every problem found.
func Verify(cfg *Config) error {
	return errors.Join(
		verifyRoot(cfg),
		verifyRemote(&cfg.Remote),
		verifyBatch(&cfg.Batch),
		verifyExport(&cfg.Export),
		verifyCheckpoint(&cfg.Checkpoint),
	)
}

func verifyRoot(cfg *Config) error {
	var errs []error
	if _, err := remote.ParseEnvironment(cfg.Environment); err != nil && cfg.BaseURL == "" {
		errs = append(errs, fmt.Errorf("environment: %w", err))
	}
	if cfg.Timeout <= 0 {
		errs = append(errs, errors.New("timeout must be positive"))
	}
	switch strings.ToLower(cfg.Output) {
	case "table", "json", "yaml", "wide":
	default:
		errs = append(errs, fmt.Errorf("output must be table, wide, json or yaml, got %q", cfg.Output))
	}
	switch strings.ToLower(cfg.Log.Level) {
	case "debug", "info", "warn", "warning", "error":
	default:
		errs = append(errs, fmt.Errorf("log.level must be debug, info, warn or error, got %q", cfg.Log.Level))
	}
	if cfg.Metrics.Addr != "" {
		if _, _, err := net.SplitHostPort(cfg.Metrics.Addr); err != nil {
			errs = append(errs, fmt.Errorf("metrics.addr: %w", err))
		}
	}
	if (cfg.TLS.ClientCertFile == "") != (cfg.TLS.ClientKeyFile == "") {
		errs = append(errs, errors.New("tls.client_cert_file and tls.client_key_file must be set together"))
	}
	return errors.Join(errs...)
}

func verifyRemote(cfg *RemoteSection) error {
	var errs []error
	if cfg.MaxAttempts < 1 {
		errs = append(errs, errors.New("remote.max_attempts must be at least 1"))
	}
	if cfg.BaseDelay < 0 || cfg.MaxDelay < 0 || cfg.RateLimitDelay < 0 {
		errs = append(errs, errors.New("remote delays must not be negative"))
	}
	if cfg.MaxDelay > 0 && cfg.BaseDelay > cfg.MaxDelay {
		errs = append(errs, errors.New("remote.base_delay must not exceed remote.max_delay"))
	}
	if cfg.PollInterval <= 0 {
		errs = append(errs, errors.New("remote.poll_interval must be positive"))
	}
	if cfg.PollMaxAttempts < 1 {
		errs = append(errs, errors.New("remote.poll_max_attempts must be at least 1"))
	}
	if cfg.RatePerSecond < 0 {
		errs = append(errs, errors.New("remote.rate_per_second must not be negative"))
	}
	if cfg.RatePerSecond > 0 && cfg.RateBurst < 1 {
		errs = append(errs, errors.New("remote.rate_burst must be at least 1 when pacing is enabled"))
	}
	return errors.Join(errs...)
}

func verifyBatch(cfg *BatchSection) error {
	var errs []error
	if cfg.MaxPartSize <= 0 || cfg.MaxPartSize > domain.MaxPartSizeBytes {
		errs = append(errs, fmt.Errorf("batch.max_part_size must be in (0, %d]", domain.MaxPartSizeBytes))
	}
	if cfg.MaxParts < 1 {
		errs = append(errs, errors.New("batch.max_parts must be at least 1"))
	}
	if cfg.UploadConcurrency < 1 {
		errs = append(errs, errors.New("batch.upload_concurrency must be at least 1"))
	}
	if cfg.EncryptConcurrency < 0 {
		errs = append(errs, errors.New("batch.encrypt_concurrency must not be negative"))
	}
	if cfg.FormSystemCode == "" || cfg.FormSchemaVersion == "" || cfg.FormValue == "" {
		errs = append(errs, errors.New("batch form code fields are required"))
	}
	return errors.Join(errs...)
}

func verifyExport(cfg *ExportSection) error {
	var errs []error
	if _, err := domain.ParseDateType(cfg.DateType); err != nil {
		errs = append(errs, fmt.Errorf("export.date_type: %w", err))
	}
	if len(cfg.Partitions) == 0 {
		errs = append(errs, errors.New("export.partitions must not be empty"))
	}
	for _, p := range cfg.Partitions {
		if _, err := domain.ParsePartitionKey(p); err != nil {
			errs = append(errs, fmt.Errorf("export.partitions: %w", err))
		}
	}
	if cfg.WindowSize < 0 {
		errs = append(errs, errors.New("export.window_size must not be negative"))
	}
	if cfg.Overlap < 0 || (cfg.WindowSize > 0 && cfg.Overlap >= cfg.WindowSize) {
		errs = append(errs, errors.New("export.overlap must be in [0, window_size)"))
	}
	if cfg.PartitionConcurrency < 1 {
		errs = append(errs, errors.New("export.partition_concurrency must be at least 1"))
	}
	if cfg.DownloadConcurrency < 1 {
		errs = append(errs, errors.New("export.download_concurrency must be at least 1"))
	}
	if cfg.MaxUnpackedSize < 0 {
		errs = append(errs, errors.New("export.max_unpacked_size must not be negative"))
	}
	if cfg.FollowInterval <= 0 {
		errs = append(errs, errors.New("export.follow_interval must be positive"))
	}
	if cfg.FollowLookback <= 0 {
		errs = append(errs, errors.New("export.follow_lookback must be positive"))
	}
	return errors.Join(errs...)
}

func verifyCheckpoint(cfg *CheckpointSection) error {
	var errs []error
	switch strings.ToLower(cfg.Backend) {
	case BackendNone, BackendMemory:
	case BackendBadger:
		if cfg.Dir == "" {
			errs = append(errs, errors.New("checkpoint.dir is required for the badger backend"))
		}
	default:
		errs = append(errs, fmt.Errorf("checkpoint.backend must be none, memory or badger, got %q", cfg.Backend))
	}
	if cfg.Backend != "" && !strings.EqualFold(cfg.Backend, BackendNone) && cfg.RunKey == "" {
		errs = append(errs, errors.New("checkpoint.run_key is required"))
	}
	if cfg.Passphrase != "" && len(cfg.Passphrase) < envelope.MinPassphraseLength {
		errs = append(errs, fmt.Errorf("checkpoint.passphrase must be at least %d characters", envelope.MinPassphraseLength))
	}
	switch envelope.AEAD(cfg.AEAD) {
	case "", envelope.AEADAESGCM, envelope.AEADChaCha20:
	default:
		errs = append(errs, fmt.Errorf("checkpoint.aead must be %s or %s", envelope.AEADAESGCM, envelope.AEADChaCha20))
	}
	return errors.Join(errs...)
}
