package crdt

// SingletonOp is the closed set of operations on a Singleton.
// Implementations: SingletonUpdate, SingletonClear.
type SingletonOp[T Referenceable] interface {
	singletonOp(T)
}

// SingletonUpdate replaces every value Actor has observed with Value.
// Clock must advance Actor's counter by exactly one.
type SingletonUpdate[T Referenceable] struct {
	Actor Actor
	Clock VersionMap
	Value T
}

// SingletonClear drops every update Clock has observed. It does not
// advance Actor's counter, so a clear only beats updates it has seen.
type SingletonClear[T Referenceable] struct {
	Actor Actor
	Clock VersionMap
}

func (SingletonUpdate[T]) singletonOp(T) {}
func (SingletonClear[T]) singletonOp(T)  {}

// Singleton holds at most one visible value. Concurrent updates are all
// retained in the state; the view picks the same winner on every replica.
type Singleton[T Referenceable] struct {
	data SetData[T]
}

var _ Model[SetData[Primitive], SingletonOp[Primitive], *Primitive] = (*Singleton[Primitive])(nil)

// NewSingleton returns an empty singleton.
func NewSingleton[T Referenceable]() *Singleton[T] {
	return &Singleton[T]{data: NewSetData[T]()}
}

// NewSingletonFrom returns a singleton holding a copy of data.
func NewSingletonFrom[T Referenceable](data SetData[T]) *Singleton[T] {
	s := &Singleton[T]{}
	s.Restore(data)
	return s
}

// Data implements Model.
func (s *Singleton[T]) Data() SetData[T] { return s.data.Copy() }

// VersionMap implements Model.
func (s *Singleton[T]) VersionMap() VersionMap { return s.data.Version.Copy() }

// Restore implements Model.
func (s *Singleton[T]) Restore(data SetData[T]) { s.data = data.Copy() }

// ApplyOperation implements Model.
func (s *Singleton[T]) ApplyOperation(op SingletonOp[T]) bool {
	switch o := op.(type) {
	case SingletonUpdate[T]:
		return s.data.update(o.Actor, o.Clock, o.Value)
	case SingletonClear[T]:
		return s.data.clear(o.Actor, o.Clock)
	default:
		return false
	}
}

// ConsumerView returns the winning value, or nil when empty.
func (s *Singleton[T]) ConsumerView() *T {
	return s.data.winner()
}

// Merge implements Model. Both changes are reported as full models: a
// singleton merge cannot be replayed as updates without losing the
// retained concurrent values.
func (s *Singleton[T]) Merge(other SetData[T]) MergeChanges[SetData[T], SingletonOp[T]] {
	before := s.data.Copy()
	ff := s.data.merge(other)

	out := MergeChanges[SetData[T], SingletonOp[T]]{
		ModelChange: OperationsChange[SetData[T], SingletonOp[T]](),
		OtherChange: OperationsChange[SetData[T], SingletonOp[T]](),
	}
	if !before.Equal(s.data) {
		out.ModelChange = ModelChange[SetData[T], SingletonOp[T]](s.data.Copy())
	}
	if len(ff.Added) > 0 || len(ff.Removed) > 0 || !ff.OldClock.Equal(ff.NewClock) {
		out.OtherChange = ModelChange[SetData[T], SingletonOp[T]](s.data.Copy())
	}
	return out
}

func (d *SetData[T]) update(actor Actor, clock VersionMap, value T) bool {
	if value.RefID() == "" || !d.ready(actor, clock, 1) {
		return false
	}
	// The update advanced actor's counter; everything it observed is
	// covered by the clock one step back.
	observed := clock.Copy()
	observed[actor]--
	d.dropObserved(observed)
	return d.add(actor, clock, value)
}

// winner picks the lowest identity among surviving values.
func (d SetData[T]) winner() *T {
	ids := d.SortedIDs()
	if len(ids) == 0 {
		return nil
	}
	v := d.Values[ids[0]].Value()
	return &v
}
