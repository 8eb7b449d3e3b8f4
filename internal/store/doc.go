// Package store provides SQLite-backed durable storage for serialized
// replica models.
//
// The store keeps two tables:
//   - models: the latest model, version and token per storage key
//   - model_history: an append-only log of every accepted write
//
// # Fencing
//
// WriteModel is a compare-and-set on the version column: a write at
// version v only lands if the row is at v-1. A losing writer gets false
// and must fetch before retrying; the store never force-overwrites.
//
// # Connection settings
//
// WAL journaling, synchronous=NORMAL, a 5s busy timeout and foreign keys
// are set through the DSN. Schema changes after the initial tables are
// kept as an ordered migration list counted by PRAGMA user_version.
//
// The store treats model bytes as opaque. Decoding is the caller's job.
package store
