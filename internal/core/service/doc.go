// Package service implements the client-side flows of the e-invoicing engine.
//
// Services orchestrate domain models and define the interfaces of their
// remote and storage dependencies, allowing for dependency injection and
// testability.
//
// This package contains:
//
//   - CryptoService: envelope creation and payload encryption
//   - Packager and Partitioner: archive packing and part encryption
//   - BatchOrchestrator: batch session open, upload, close and poll
//   - ExportCoordinator: incremental export with per-partition continuation
//   - RetryPolicy, Poll and LimiterRegistry: shared remote-call discipline
//   - Registry: keyed lazy construction of expensive dependencies
package service
