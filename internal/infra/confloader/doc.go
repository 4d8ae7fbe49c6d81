// Package confloader provides configuration loading mechanism.
//
// This package implements a configuration loader that supports
// multiple sources using koanf as the underlying library.
//
// Features:
//
//   - Sources: YAML file, KSEFSYNC_* environment variables, flag overrides
//   - Section-aware env keys: KSEFSYNC_EXPORT_OUTPUT_DIR -> export.output_dir
//   - Watch support: debounced callbacks when the config file changes
//   - Type safety: unmarshaling into typed structs over pre-filled defaults
//
// Priority (highest to lowest):
//
//  1. Overrides (command-line flags)
//  2. Environment variables
//  3. Configuration file
//  4. Defaults already present in the target struct
package confloader
