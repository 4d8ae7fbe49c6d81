package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/yndnr/ksefsync-go/internal/core/domain"
	"github.com/yndnr/ksefsync-go/internal/core/service"
)

// Default configuration values.
const (
	DefaultEnvironment = "test"
	DefaultTimeout     = 60 * time.Second
	DefaultOutput      = "table"

	DefaultLogLevel  = "info"
	DefaultLogFormat = "text"

	DefaultRatePerSecond = 0
	DefaultRateBurst     = 1

	DefaultUploadConcurrency = 4

	DefaultWindowSize           = 24 * time.Hour
	DefaultOverlap              = 10 * time.Minute
	DefaultPartitionConcurrency = 1
	DefaultDownloadConcurrency  = 2
	DefaultFollowInterval       = 15 * time.Minute
	DefaultFollowLookback       = 24 * time.Hour

	BackendNone   = "none"
	BackendMemory = "memory"
	BackendBadger = "badger"

	DefaultRunKey = "default"
)

// DefaultConfigPath returns the default config file path.
func DefaultConfigPath() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".ksefsync", "config.yaml")
}

// DefaultCheckpointDir returns the default checkpoint database directory.
func DefaultCheckpointDir() string {
	homeDir, _ := os.UserHomeDir()
	return filepath.Join(homeDir, ".ksefsync", "checkpoints")
}

// Default returns the default configuration.
func Default() *Config {
	retry := service.DefaultRetryPolicy()
	poll := service.DefaultPollOptions()

	return &Config{
		Environment: DefaultEnvironment,
		Timeout:     DefaultTimeout,
		Output:      DefaultOutput,
		Log: LogSection{
			Level:  DefaultLogLevel,
			Format: DefaultLogFormat,
		},
		Remote: RemoteSection{
			MaxAttempts:     retry.MaxAttempts,
			BaseDelay:       retry.BaseDelay,
			MaxDelay:        retry.MaxDelay,
			RateLimitDelay:  retry.RateLimitDelay,
			PollInterval:    poll.Interval,
			PollMaxAttempts: poll.MaxAttempts,
			RatePerSecond:   DefaultRatePerSecond,
			RateBurst:       DefaultRateBurst,
		},
		Batch: BatchSection{
			MaxPartSize:       domain.MaxPartSizeBytes,
			MaxParts:          domain.DefaultMaxParts,
			UploadConcurrency: DefaultUploadConcurrency,
			FormSystemCode:    "FA (3)",
			FormSchemaVersion: "1-0E",
			FormValue:         "FA",
		},
		Export: ExportSection{
			DateType:             string(domain.DateTypePermanentStorage),
			RestrictToHWM:        true,
			Partitions:           []string{string(domain.PartitionSeller), string(domain.PartitionBuyer)},
			WindowSize:           DefaultWindowSize,
			Overlap:              DefaultOverlap,
			PartitionConcurrency: DefaultPartitionConcurrency,
			DownloadConcurrency:  DefaultDownloadConcurrency,
			FollowInterval:       DefaultFollowInterval,
			FollowLookback:       DefaultFollowLookback,
		},
		Checkpoint: CheckpointSection{
			Backend:    BackendNone,
			Dir:        DefaultCheckpointDir(),
			RunKey:     DefaultRunKey,
			GCInterval: 10 * time.Minute,
		},
	}
}
