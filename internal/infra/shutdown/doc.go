// Package shutdown provides graceful shutdown for ksefsync commands.
//
// This package handles process termination signals:
//
//   - Signal handling (SIGINT, SIGTERM) as context cancellation
//   - A second signal terminates immediately
//   - Cleanup hooks run once, in reverse order, under a timeout
//
// Usage:
//
//	ctx, stop := shutdown.WithSignals(context.Background())
//	defer stop()
//	h := shutdown.NewHandler(0)
//	defer h.Shutdown()
package shutdown
