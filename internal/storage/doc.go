// Package storage persists export continuation checkpoints.
//
// A checkpoint is the per-partition cursor map of one export run, stored
// under a caller-chosen run key so an interrupted run can resume where it
// stopped. Two stores are provided:
//
//   - MemoryStore: process-local, used by tests and one-shot runs
//   - BadgerStore: durable, backed by Badger v3 with periodic value-log GC
//
// Both encode checkpoints as JSON and can seal them at rest with an
// envelope.Sealer; the run key is bound as additional data so a sealed
// value cannot be replayed under another key.
package storage
