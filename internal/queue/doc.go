// Package queue persists per-partition admission queues for pipeline runs.
//
// An Entry is keyed by (partition, committed_at) and carries the run identity
// plus a lifecycle status. Store is the backend contract; SQLite, Redis,
// PostgreSQL, and in-memory implementations share ordering, visibility, and
// transition rules through the helpers in models.go so every backend answers
// the same query the same way.
//
// Entries past their ExpiresAt are invisible to every read and to
// UpdateStatus. Backends prune them lazily. Stores accept WithClock so tests
// can drive expiry deterministically.
//
// The SQLite schema lives in schema.sql; bump schemaVersion when it changes.
package queue
