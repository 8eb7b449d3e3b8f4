// Package harness runs replication scenarios written in YAML.
//
// A scenario names a CRDT kind (set, singleton or entity) and a list of
// replicas. Bare replicas hold a model directly and exchange state only
// through explicit sync and merge steps. Proxy replicas share one volatile
// Active Store and see each other's writes as they happen; the harness
// drains every delivery queue after each step so their state is settled
// before it is recorded.
//
//	name: add-wins
//	description: a concurrent add survives a remove
//	kind: set
//	replicas:
//	  - name: alice
//	  - name: bob
//	steps:
//	  - {replica: alice, op: add, value: x}
//	  - {replica: bob, op: sync, with: alice}
//	  - {replica: bob, op: remove, value: x}
//	  - {replica: alice, op: add, value: x}
//	  - {replica: alice, op: sync, with: bob}
//	assertions:
//	  - {type: converged}
//	  - {type: contains, replica: bob, values: [x]}
//
// Each step appends a trace event holding the stepped replica's version and
// view. Traces are canonical JSON, so golden files under testdata/golden
// are byte-stable across runs.
package harness
