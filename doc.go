// Package triage turns test-failure events into root-cause diagnoses,
// run statistics and live notifications.
//
// # Architecture
//
//	  HTTP POST /api/v1/events      NATS triage.events.ingest
//	              \                      /
//	               v                    v
//	        ┌──────────────────────────────────┐
//	        │ ingest   (JSON Schema, normalize) │
//	        └──────────────────────────────────┘
//	                         │ Process
//	                         v
//	        ┌──────────────────────────────────┐
//	        │ pipeline (worker pool + Future)   │
//	        │   1. runconfig  resolve config    │
//	        │   2. rca        diagnose          │
//	        │   3. storage    persist run       │
//	        │   4. fanout     publish result    │
//	        │   5. notify     failure alert     │
//	        │   6. stats      invalidate cache  │
//	        └──────────────────────────────────┘
//	                         │
//	       ┌─────────────────┼───────────────────┐
//	       v                 v                   v
//	  GET /api/v1/stats   GET /ws         NATS triage.notifications.failure
//
// # Packages
//
//   - config: layered JSON/YAML configuration with TRIAGE_* overrides
//   - errors: error classification (transient, invalid, fatal)
//   - types: the event, configuration, diagnosis, run and statistics model
//   - runconfig: deduplicating run-configuration resolver
//   - rca: prioritized rule chain that produces one diagnosis per event
//   - prediction: HTTP client for the external prediction service
//   - pipeline: asynchronous orchestration of the processing steps
//   - stats: cached aggregate statistics with trend windows
//   - fanout: topic hub, NATS bridge and WebSocket stream
//   - notify: failure notifications to logs and NATS
//   - feedback: user feedback on diagnoses
//   - storage: memory, SQLite and NATS KV backends behind one interface
//   - gateway: HTTP API
//   - health, metric: service health and Prometheus metrics
//
// The service binary lives in cmd/triage.
package triage
