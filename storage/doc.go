// Package storage defines the persistence contracts the triage pipeline
// depends on. Three backends implement them:
//
//   - memory: process-local maps, used in tests and single-shot runs
//   - sqlstore: SQLite via modernc.org/sqlite, one transaction per run
//   - kvstore: NATS JetStream key/value buckets
//
// Every backend must hold these guarantees:
//
// Configuration uniqueness. CreateConfig fails with errors.ErrDuplicateKey
// when a configuration with the same natural key already exists, even
// when two callers race. The resolver relies on this instead of locking.
//
// Atomic runs. SaveRun makes a run and its diagnoses visible together or
// not at all.
//
// Stable scans. ScanRuns visits runs in the same order on every call so
// that statistics tie-breaks are deterministic.
package storage
