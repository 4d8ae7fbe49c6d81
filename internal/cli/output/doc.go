// Package output provides output formatting for the ksefsync CLI.
//
// This package handles all CLI output formatting:
//
//   - formatter.go: Formatter interface, ParseFormat and factory
//   - table.go: Table rendering with wide mode support
//   - json.go: JSON output formatting
//   - yaml.go: YAML output formatting
//   - progress.go: Byte progress for part uploads
//   - spinner.go: Animation while polling remote status
//
// Command results go to stdout; progress and spinners write to stderr and
// are only enabled on a terminal.
package output
