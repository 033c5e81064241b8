// Package gateway is the REST and WebSocket adapter in front of the
// pipeline. It owns no business logic: every route translates one HTTP
// request into a call on ingest, storage, stats or feedback and maps the
// classified error back to a status code.
//
// # Routes
//
//	POST /api/v1/events                      202 accepted, 400 invalid, 429 rate limited or queue full
//	GET  /api/v1/events/schema               FailureEvent JSON Schema
//	GET  /api/v1/runs/{id}                   200 run detail, 404 unknown
//	GET  /api/v1/stats                       200 statistics snapshot
//	POST /api/v1/diagnoses/{id}/feedback     201 recorded, 404 unknown diagnosis
//	GET  /api/v1/diagnoses/{id}/feedback     200 verdict history
//	GET  /health                             200 healthy or degraded, 503 unhealthy
//	GET  /ws                                 completed runs as they happen
//
// # Architecture
//
//	┌─────────────────┐      ┌──────────────────────┐
//	│  Test runner    │ ───▶ │ gateway              │ ──▶ ingest.Service ──▶ pipeline
//	└─────────────────┘      │  rate limit, CORS,   │
//	┌─────────────────┐      │  request ids         │ ──▶ storage / stats / feedback
//	│  Dashboard      │ ◀──▶ │                      │
//	└─────────────────┘      └──────────────────────┘ ◀── fanout.Hub (/ws)
//
// Error details are only returned for invalid input. Transient and fatal
// errors are logged with the request id and reported generically.
package gateway
