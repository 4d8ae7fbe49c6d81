package config

import "strings"

// Sanitize returns a copy of the config with sensitive fields masked.
//
// This is used for `config show` and logging without exposing secrets.
func Sanitize(cfg *Config) *Config {
	sanitized := *cfg
	sanitized.Export.Partitions = append([]string(nil), cfg.Export.Partitions...)

	if sanitized.Token != "" {
		sanitized.Token = maskSecret(sanitized.Token)
	}
	if sanitized.Checkpoint.Passphrase != "" {
		sanitized.Checkpoint.Passphrase = maskSecret(sanitized.Checkpoint.Passphrase)
	}

	return &sanitized
}

// maskSecret masks a secret value for safe logging.
func maskSecret(s string) string {
	if len(s) <= 4 {
		return "****"
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}
