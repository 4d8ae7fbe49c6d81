// Package buildinfo provides build information for ksefsync.
//
// This package exposes build-time information injected via ldflags:
//
//   - Version: Semantic version (e.g., "1.0.0")
//   - Commit: Git commit hash
//   - BuildTime: Build timestamp
//
// GoVersion and Platform come from the runtime. The remote client sends
// UserAgent() with every request.
package buildinfo
