// Package domain defines the core models of the batch transfer and export
// synchronization engine.
//
// Domain models are plain values and entities without IO dependencies:
//
//   - BatchSession: remote batch session and its state machine
//   - ExportTask, ContinuationState, ExportPackage: incremental export
//   - RecordSummary, Manifest: exported record metadata
//   - Errors: classified failures shared by every layer
package domain
