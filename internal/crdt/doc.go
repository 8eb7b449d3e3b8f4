// Package crdt implements the conflict-free replicated data types at the
// bottom of the replicated core: the version map, an add-wins
// observed-remove Set, a Singleton built on the set, and an Entity that
// bundles named singleton and collection fields.
//
// Every type is pure and synchronous. ApplyOperation reports failure by
// returning false and never partially mutates state; callers resynchronize
// instead of treating it as an error. Merge is associative, commutative and
// idempotent over the full state, so replicas converge regardless of the
// order in which they exchange models.
//
// Operations are closed variants per kind (SetOp, SingletonOp, EntityOp)
// handled by one exhaustive type switch each. Adding a variant means
// touching ApplyOperation and the codec in this package.
//
// Version map rules:
//   - adds and updates advance the writer's counter by exactly one
//   - removes and clears leave it unchanged
//   - an op whose clock is ahead of the local state on any other actor is
//     a causality gap and is rejected
//   - a remove or clear only affects adds its clock dominates, so a
//     concurrent add it never observed survives
//
// Set elements carry dots: per actor, the counter of the add that keeps
// the element alive. Merge keeps a dot when both sides hold it or when the
// side without it has never seen it, which makes merge a join of the two
// states.
package crdt
