package config

import (
	"fmt"

	"github.com/yndnr/ksefsync-go/internal/infra/confloader"
)

// Sections lists the nested config sections for environment key mapping.
var Sections = []string{"tls", "log", "metrics", "remote", "batch", "export", "checkpoint"}

// NewLoader builds a loader for path. An empty path selects
// DefaultConfigPath and tolerates its absence; an explicit path must exist.
func NewLoader(path string, overrides map[string]any) *confloader.Loader {
	fileOpt := confloader.WithConfigFile(path)
	if path == "" {
		fileOpt = confloader.WithOptionalConfigFile(DefaultConfigPath())
	}
	return confloader.NewLoader(
		fileOpt,
		confloader.WithEnvSections(Sections...),
		confloader.WithOverrides(overrides),
	)
}

// Load reads defaults, the config file, KSEFSYNC_* variables and overrides,
// in increasing priority, and verifies the result.
func Load(path string, overrides map[string]any) (*Config, error) {
	return LoadWith(NewLoader(path, overrides))
}

// LoadWith is Load over an existing loader; `export follow` reuses it to
// reload on file changes.
func LoadWith(l *confloader.Loader) (*Config, error) {
	cfg := Default()
	cfg.Export.Partitions = nil

	if err := l.Load(cfg); err != nil {
		return nil, err
	}
	if len(cfg.Export.Partitions) == 0 {
		cfg.Export.Partitions = Default().Export.Partitions
	}

	if err := Verify(cfg); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}
	return cfg, nil
}
