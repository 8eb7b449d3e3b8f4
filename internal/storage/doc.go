// Package storage implements the Active Store, the reference-mode split
// store, and the ProxyMessage protocol that proxies speak to them.
//
// A Direct store owns the canonical CRDT model for one storage key. It
// applies operation batches from proxies, fans them out to the other
// proxies, and pushes the serialized model to its driver at version+1.
// Driver sends are fenced; a lost race fetches, merges, and retries a
// bounded number of times.
//
// A RefMode store keeps full entities in a Backing store (one Direct per
// entity id) and lightweight references in a container Direct. The two
// halves converge independently, so a read can observe a reference whose
// entity is not there yet (Pending) or was removed (Unresolved).
//
// All callbacks run on a per-store dispatch queue, never under the store
// mutex.
package storage
