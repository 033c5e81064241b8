// Package types holds the domain model shared by every triage package:
// ingested failure events, deduplicated run configurations, diagnoses,
// persisted run records, feedback and statistics snapshots.
package types
