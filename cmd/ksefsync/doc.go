// Package main provides the entry point for ksefsync.
//
// ksefsync talks to the KSeF e-invoicing service:
//
//   - Batch submission (pack, encrypt, split, upload, poll, save UPO)
//   - Incremental export with checkpointed continuation
//   - Configuration management
//
// Usage:
//
//	ksefsync [global flags] command [flags]
//	ksefsync batch send --dir ./outbox --upo-dir ./upo
//	ksefsync -o json export sync --from 2025-01-01 --to 2025-02-01
//	ksefsync export follow --output-dir ./inbox
//
// Exit codes are listed in package command.
package main
