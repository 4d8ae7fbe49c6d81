// Package config defines the ksefsync configuration structure.
package config

import (
	"time"

	"github.com/yndnr/ksefsync-go/internal/infra/tlsroots"
)

// Config is the root configuration for ksefsync.
type Config struct {
	// Environment selects the remote base URL: test, demo or prod.
	Environment string `koanf:"environment"`

	// BaseURL overrides the environment URL (for proxies and local fakes).
	BaseURL string `koanf:"base_url"`

	// Token is the bearer access token.
	Token string `koanf:"token"`

	// Timeout bounds a single HTTP exchange.
	Timeout time.Duration `koanf:"timeout"`

	// PublicKeyFile holds the service key (PEM or base64 DER certificate).
	// Empty fetches the current key from the service.
	PublicKeyFile string `koanf:"public_key_file"`

	// Output is the default output format: table, wide, json or yaml.
	Output string `koanf:"output"`

	TLS        tlsroots.Config   `koanf:"tls"`
	Log        LogSection        `koanf:"log"`
	Metrics    MetricsSection    `koanf:"metrics"`
	Remote     RemoteSection     `koanf:"remote"`
	Batch      BatchSection      `koanf:"batch"`
	Export     ExportSection     `koanf:"export"`
	Checkpoint CheckpointSection `koanf:"checkpoint"`
}

// LogSection configures logging.
type LogSection struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"`
}

// MetricsSection configures the optional Prometheus endpoint.
type MetricsSection struct {
	// Addr is the listen address; empty disables the endpoint.
	Addr string `koanf:"addr"`
}

// RemoteSection configures retry, polling and client-side pacing.
type RemoteSection struct {
	MaxAttempts    int           `koanf:"max_attempts"`
	BaseDelay      time.Duration `koanf:"base_delay"`
	MaxDelay       time.Duration `koanf:"max_delay"`
	RateLimitDelay time.Duration `koanf:"rate_limit_delay"`

	PollInterval    time.Duration `koanf:"poll_interval"`
	PollMaxInterval time.Duration `koanf:"poll_max_interval"`
	PollMultiplier  float64       `koanf:"poll_multiplier"`
	PollMaxAttempts int           `koanf:"poll_max_attempts"`

	// RatePerSecond paces each operation; zero disables pacing.
	RatePerSecond float64 `koanf:"rate_per_second"`
	RateBurst     int     `koanf:"rate_burst"`
}

// BatchSection configures batch sessions.
type BatchSection struct {
	MaxPartSize        int  `koanf:"max_part_size"`
	MaxParts           int  `koanf:"max_parts"`
	UploadConcurrency  int  `koanf:"upload_concurrency"`
	EncryptConcurrency int  `koanf:"encrypt_concurrency"`
	OfflineMode        bool `koanf:"offline_mode"`

	FormSystemCode    string `koanf:"form_system_code"`
	FormSchemaVersion string `koanf:"form_schema_version"`
	FormValue         string `koanf:"form_value"`

	// UPODir receives confirmation documents once a session succeeds.
	UPODir string `koanf:"upo_dir"`
}

// ExportSection configures incremental export.
type ExportSection struct {
	DateType      string   `koanf:"date_type"`
	RestrictToHWM bool     `koanf:"restrict_to_hwm"`
	Partitions    []string `koanf:"partitions"`

	WindowSize time.Duration `koanf:"window_size"`
	Overlap    time.Duration `koanf:"overlap"`

	PartitionConcurrency int   `koanf:"partition_concurrency"`
	DownloadConcurrency  int   `koanf:"download_concurrency"`
	MaxUnpackedSize      int64 `koanf:"max_unpacked_size"`

	// OutputDir receives invoice documents; empty keeps only the manifest records.
	OutputDir string `koanf:"output_dir"`

	// FollowInterval and FollowLookback drive `export follow`.
	FollowInterval time.Duration `koanf:"follow_interval"`
	FollowLookback time.Duration `koanf:"follow_lookback"`
}

// CheckpointSection configures continuation persistence.
type CheckpointSection struct {
	// Backend is none, memory or badger.
	Backend string `koanf:"backend"`
	Dir     string `koanf:"dir"`
	RunKey  string `koanf:"run_key"`

	// Passphrase seals checkpoints at rest; empty stores them in clear.
	Passphrase string `koanf:"passphrase"`
	AEAD       string `koanf:"aead"`

	GCInterval time.Duration `koanf:"gc_interval"`
}
