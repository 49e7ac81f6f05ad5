// Package bus implements the prioritized, idempotent job queue system:
// typed submission, delayed and retried dispatch with backoff,
// dead-letter handling with replay, and an internal event stream.
// Queue state lives in Redis and is mutated by atomic scripts.
package bus
