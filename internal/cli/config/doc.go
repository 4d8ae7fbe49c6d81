// Package config provides ksefsync configuration.
//
// This package defines the configuration structure and validation:
//
//   - spec.go: Config struct definition
//   - default.go: Default configuration values
//   - verify.go: Validation (ranges, enums, paired fields)
//   - sanitize.go: Masking of the token and checkpoint passphrase
//   - convert.go: Mapping onto service, remote and storage settings
//   - loader.go: File, KSEFSYNC_* environment and flag sources
//   - flatten.go: Nested and dotted views for `config show`
//
// Configuration is loaded via internal/infra/confloader.
package config
