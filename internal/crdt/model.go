package crdt

// Model is the contract every CRDT kind satisfies.
//
// D is the serializable state, O the closed operation variant for the kind,
// and V the consumer-facing projection.
type Model[D, O, V any] interface {
	// Data returns a deep copy of the current state.
	Data() D

	// VersionMap returns a copy of the CRDT-level version map.
	VersionMap() VersionMap

	// ApplyOperation applies op and reports whether it applied. A false
	// return leaves the state untouched.
	ApplyOperation(op O) bool

	// Merge folds other into this model. It is associative, commutative
	// and idempotent over the full state.
	Merge(other D) MergeChanges[D, O]

	// ConsumerView projects the state for readers.
	ConsumerView() V

	// Restore replaces the state with a copy of data.
	Restore(data D)
}

// ChangeKind says how a Change is expressed.
type ChangeKind int

const (
	// ChangeOperations is an operation list; an empty list is no change.
	ChangeOperations ChangeKind = iota
	// ChangeModel carries a full model.
	ChangeModel
)

// Change describes how one side of a merge moved.
type Change[D, O any] struct {
	Kind       ChangeKind
	Operations []O
	Model      D
}

// OperationsChange builds an operation-list change.
func OperationsChange[D, O any](ops ...O) Change[D, O] {
	return Change[D, O]{Kind: ChangeOperations, Operations: ops}
}

// ModelChange builds a full-model change.
func ModelChange[D, O any](model D) Change[D, O] {
	return Change[D, O]{Kind: ChangeModel, Model: model}
}

// IsEmpty reports whether the change carries nothing.
func (c Change[D, O]) IsEmpty() bool {
	return c.Kind == ChangeOperations && len(c.Operations) == 0
}

// MergeChanges is the result of Merge. ModelChange describes how the local
// model moved; OtherChange describes what the other side lacks.
type MergeChanges[D, O any] struct {
	ModelChange Change[D, O]
	OtherChange Change[D, O]
}
