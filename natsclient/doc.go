// Package natsclient manages the NATS connection used by the triage service
// for event ingestion, completed-run fanout, failure notifications and the
// JetStream key/value storage backend.
//
// The Client wraps a single nats.Conn with a small circuit breaker: after a
// configurable number of consecutive connection failures further attempts
// fail fast with ErrCircuitOpen until the backoff elapses.
//
// KVStore adds typed errors and compare-and-swap helpers on top of a
// jetstream.KeyValue bucket:
//
//	bucket, err := client.CreateKeyValueBucket(ctx, jetstream.KeyValueConfig{Bucket: "triage_runs"})
//	kv := client.NewKVStore(bucket)
//	if _, err := kv.Create(ctx, key, value); errors.Is(err, natsclient.ErrKVKeyExists) {
//	    // someone else won the race
//	}
//
// Integration tests start a real server through testcontainers-go with
// NewTestClient and run under the "integration" build tag.
package natsclient
