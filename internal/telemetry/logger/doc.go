// Package logger provides structured logging for ksefsync.
//
//   - logger.go: slog-backed Logger, level control, package defaults
//   - context.go: context propagation of the logger, run id and reference number
//   - redact.go: sensitive data redaction
//
// Logs go to stderr; command results go to stdout through the output package.
package logger
