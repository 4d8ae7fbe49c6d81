// Package command provides CLI command definitions for ksefsync.
//
// This package defines all CLI commands using urfave/cli/v2:
//
//   - root.go: Root command and global flags
//   - runtime.go: Per-invocation config, logger, client and checkpoint wiring
//   - batch.go: Batch session subcommand group
//   - export.go: Export sync, follow and checkpoint subcommands
//   - config.go: Configuration subcommand group
//   - version.go: Build information
//   - exit.go: Exit codes derived from domain error codes
//
// Commands follow a consistent pattern of parsing flags,
// calling the appropriate service, and formatting output.
package command
