package crdt

import (
	"maps"
	"slices"
)

// Dot is one add that keeps an element alive: the counter its actor
// reached with the add and the payload the add wrote.
type Dot[T Referenceable] struct {
	Counter int `json:"counter"`
	Value   T   `json:"value"`
}

// SetEntry is one element of a set. Dots holds at most one surviving add
// per actor; the element is present while Dots is non-empty.
type SetEntry[T Referenceable] struct {
	Dots map[Actor]Dot[T] `json:"dots"`
}

// Version returns the counters of the surviving adds. A remove must
// dominate it to take the element out.
func (e SetEntry[T]) Version() VersionMap {
	v := make(VersionMap, len(e.Dots))
	for a, d := range e.Dots {
		v[a] = d.Counter
	}
	return v
}

// Value returns the payload shown for the element. Surviving adds are
// concurrent with each other, so the choice is by content hash and then
// actor, which every replica computes the same way.
func (e SetEntry[T]) Value() T {
	var (
		best    T
		bestKey string
		bestBy  Actor
		found   bool
	)
	for a, d := range e.Dots {
		k := sortKey(d.Value)
		if !found || k > bestKey || (k == bestKey && a > bestBy) {
			best, bestKey, bestBy, found = d.Value, k, a, true
		}
	}
	return best
}

func (e SetEntry[T]) copy() SetEntry[T] {
	out := SetEntry[T]{Dots: make(map[Actor]Dot[T], len(e.Dots))}
	for a, d := range e.Dots {
		out.Dots[a] = d
	}
	return out
}

func (e SetEntry[T]) sameDots(other SetEntry[T]) bool {
	if len(e.Dots) != len(other.Dots) {
		return false
	}
	for a, d := range e.Dots {
		if o, ok := other.Dots[a]; !ok || o.Counter != d.Counter {
			return false
		}
	}
	return true
}

// SetData is the serializable state of a Set (and of a Singleton).
// Every dot of every entry is covered by Version.
type SetData[T Referenceable] struct {
	Version VersionMap             `json:"version"`
	Values  map[string]SetEntry[T] `json:"values"`
}

// NewSetData returns empty set state.
func NewSetData[T Referenceable]() SetData[T] {
	return SetData[T]{Version: VersionMap{}, Values: map[string]SetEntry[T]{}}
}

// Copy returns a deep copy. Payloads themselves are treated as immutable.
// The copy never has nil maps, so decoded state is safe to mutate.
func (d SetData[T]) Copy() SetData[T] {
	out := SetData[T]{Version: d.Version.Copy(), Values: make(map[string]SetEntry[T], len(d.Values))}
	for id, e := range d.Values {
		out.Values[id] = e.copy()
	}
	return out
}

// Equal compares versions and the dots of every element. A dot's payload
// is fixed when the add happens, so payloads are not compared.
func (d SetData[T]) Equal(other SetData[T]) bool {
	if !d.Version.Equal(other.Version) || len(d.Values) != len(other.Values) {
		return false
	}
	for id, e := range d.Values {
		o, ok := other.Values[id]
		if !ok || !e.sameDots(o) {
			return false
		}
	}
	return true
}

// SortedIDs returns element identities in ascending order.
func (d SetData[T]) SortedIDs() []string {
	return slices.Sorted(maps.Keys(d.Values))
}

// SetOp is the closed set of operations on a Set.
// Implementations: SetAdd, SetRemove, SetClear, SetFastForward.
type SetOp[T Referenceable] interface {
	setOp(T)
}

// SetAdd adds Added. Clock must advance Actor's counter by exactly one
// and must not be ahead of the set on any other actor.
type SetAdd[T Referenceable] struct {
	Actor Actor
	Clock VersionMap
	Added T
}

// SetRemove removes Removed if Clock dominates every surviving add of it.
// Clock must not advance Actor's counter or be ahead of the set.
type SetRemove[T Referenceable] struct {
	Actor   Actor
	Clock   VersionMap
	Removed T
}

// SetClear drops every add Clock has observed. Elements left with no add
// disappear.
type SetClear[T Referenceable] struct {
	Actor Actor
	Clock VersionMap
}

// SetFastForward carries a replica from OldClock to NewClock in one step.
// Merge emits it to describe what the other side lacks.
type SetFastForward[T Referenceable] struct {
	OldClock VersionMap
	NewClock VersionMap
	Added    []SetEntry[T]
	Removed  []T
}

func (SetAdd[T]) setOp(T)         {}
func (SetRemove[T]) setOp(T)      {}
func (SetClear[T]) setOp(T)       {}
func (SetFastForward[T]) setOp(T) {}

// Set is an observed-remove set with add-wins semantics.
type Set[T Referenceable] struct {
	data SetData[T]
}

var _ Model[SetData[Primitive], SetOp[Primitive], []Primitive] = (*Set[Primitive])(nil)

// NewSet returns an empty set.
func NewSet[T Referenceable]() *Set[T] {
	return &Set[T]{data: NewSetData[T]()}
}

// NewSetFrom returns a set holding a copy of data.
func NewSetFrom[T Referenceable](data SetData[T]) *Set[T] {
	s := &Set[T]{}
	s.Restore(data)
	return s
}

// Data implements Model.
func (s *Set[T]) Data() SetData[T] { return s.data.Copy() }

// VersionMap implements Model.
func (s *Set[T]) VersionMap() VersionMap { return s.data.Version.Copy() }

// Restore implements Model.
func (s *Set[T]) Restore(data SetData[T]) {
	s.data = data.Copy()
}

// ApplyOperation implements Model.
func (s *Set[T]) ApplyOperation(op SetOp[T]) bool {
	switch o := op.(type) {
	case SetAdd[T]:
		return s.data.add(o.Actor, o.Clock, o.Added)
	case SetRemove[T]:
		return s.data.remove(o.Actor, o.Clock, o.Removed)
	case SetClear[T]:
		return s.data.clear(o.Actor, o.Clock)
	case SetFastForward[T]:
		return s.data.fastForward(o)
	default:
		return false
	}
}

// ConsumerView returns the elements ordered by identity.
func (s *Set[T]) ConsumerView() []T {
	out := make([]T, 0, len(s.data.Values))
	for _, id := range s.data.SortedIDs() {
		out = append(out, s.data.Values[id].Value())
	}
	return out
}

// Merge implements Model. The local change is always reported as a model;
// the other side's change is an operation list, reduced to plain adds when
// possible.
func (s *Set[T]) Merge(other SetData[T]) MergeChanges[SetData[T], SetOp[T]] {
	before := s.data.Copy()
	ff := s.data.merge(other)

	out := MergeChanges[SetData[T], SetOp[T]]{
		ModelChange: OperationsChange[SetData[T], SetOp[T]](),
		OtherChange: OperationsChange[SetData[T], SetOp[T]](),
	}
	if !before.Equal(s.data) {
		out.ModelChange = ModelChange[SetData[T], SetOp[T]](s.data.Copy())
	}
	if len(ff.Added) > 0 || len(ff.Removed) > 0 || !ff.OldClock.Equal(ff.NewClock) {
		if adds, ok := simplifyFastForward(ff); ok {
			out.OtherChange = OperationsChange[SetData[T], SetOp[T]](adds...)
		} else {
			out.OtherChange = OperationsChange[SetData[T], SetOp[T]](ff)
		}
	}
	return out
}

// ready reports whether an op from actor carrying clock can apply: the
// actor's counter is bump ahead of ours and no other counter is ahead.
func (d *SetData[T]) ready(actor Actor, clock VersionMap, bump int) bool {
	if clock.Get(actor) != d.Version.Get(actor)+bump {
		return false
	}
	for a, n := range clock {
		if a != actor && n > d.Version.Get(a) {
			return false
		}
	}
	return true
}

func (d *SetData[T]) add(actor Actor, clock VersionMap, value T) bool {
	id := value.RefID()
	if id == "" || !d.ready(actor, clock, 1) {
		return false
	}
	entry := SetEntry[T]{Dots: map[Actor]Dot[T]{}}
	// adds the op has not observed stay alongside it
	for a, dot := range d.Values[id].Dots {
		if dot.Counter > clock.Get(a) {
			entry.Dots[a] = dot
		}
	}
	entry.Dots[actor] = Dot[T]{Counter: clock.Get(actor), Value: value}
	d.Values[id] = entry
	d.Version.Merge(clock)
	return true
}

func (d *SetData[T]) remove(actor Actor, clock VersionMap, value T) bool {
	if !d.ready(actor, clock, 0) {
		return false
	}
	id := value.RefID()
	entry, ok := d.Values[id]
	if !ok || !clock.Dominates(entry.Version()) {
		return false
	}
	delete(d.Values, id)
	return true
}

func (d *SetData[T]) clear(actor Actor, clock VersionMap) bool {
	if !d.ready(actor, clock, 0) {
		return false
	}
	d.dropObserved(clock)
	return true
}

// dropObserved removes every dot clock covers.
func (d *SetData[T]) dropObserved(clock VersionMap) {
	for id, e := range d.Values {
		for a, dot := range e.Dots {
			if dot.Counter <= clock.Get(a) {
				delete(e.Dots, a)
			}
		}
		if len(e.Dots) == 0 {
			delete(d.Values, id)
		}
	}
}

// joinEntry merges two views of one element. mineSeen and theirsSeen are
// the versions of the states the entries came from. A dot survives if both
// sides hold it or the side lacking it never saw it.
func joinEntry[T Referenceable](mine SetEntry[T], mineSeen VersionMap, theirs SetEntry[T], theirsSeen VersionMap) (SetEntry[T], bool) {
	out := SetEntry[T]{Dots: map[Actor]Dot[T]{}}
	for a, dot := range mine.Dots {
		if o, ok := theirs.Dots[a]; (ok && o.Counter == dot.Counter) || dot.Counter > theirsSeen.Get(a) {
			out.Dots[a] = dot
		}
	}
	for a, dot := range theirs.Dots {
		if _, kept := out.Dots[a]; kept {
			continue
		}
		if dot.Counter > mineSeen.Get(a) {
			out.Dots[a] = dot
		}
	}
	return out, len(out.Dots) > 0
}

func (d *SetData[T]) fastForward(op SetFastForward[T]) bool {
	if !d.Version.Dominates(op.OldClock) {
		return false
	}
	if d.Version.Dominates(op.NewClock) {
		return true
	}
	for _, added := range op.Added {
		id := added.Value().RefID()
		if id == "" {
			continue
		}
		if entry, ok := joinEntry(d.Values[id], d.Version, added, op.NewClock); ok {
			d.Values[id] = entry
		} else {
			delete(d.Values, id)
		}
	}
	for _, removed := range op.Removed {
		id := removed.RefID()
		if entry, ok := joinEntry(d.Values[id], d.Version, SetEntry[T]{}, op.NewClock); ok {
			d.Values[id] = entry
		} else {
			delete(d.Values, id)
		}
	}
	d.Version.Merge(op.NewClock)
	return true
}

// merge joins other into d and returns the fast-forward that brings other
// to the joined state.
func (d *SetData[T]) merge(other SetData[T]) SetFastForward[T] {
	newClock := MergeVersions(d.Version, other.Version)
	ff := SetFastForward[T]{OldClock: other.Version.Copy(), NewClock: newClock.Copy()}
	merged := make(map[string]SetEntry[T], len(d.Values)+len(other.Values))

	ids := make([]string, 0, len(merged))
	for id := range d.Values {
		ids = append(ids, id)
	}
	for id := range other.Values {
		if _, ok := d.Values[id]; !ok {
			ids = append(ids, id)
		}
	}
	slices.Sort(ids)

	for _, id := range ids {
		theirs, had := other.Values[id]
		entry, ok := joinEntry(d.Values[id], d.Version, theirs, other.Version)
		switch {
		case ok:
			merged[id] = entry
			if !had || !entry.sameDots(theirs) {
				ff.Added = append(ff.Added, entry.copy())
			}
		case had:
			ff.Removed = append(ff.Removed, theirs.Value())
		}
	}

	d.Values = merged
	d.Version = newClock
	return ff
}

// simplifyFastForward rewrites a fast-forward as a run of plain adds when
// it only contains consecutive adds by a single actor.
func simplifyFastForward[T Referenceable](ff SetFastForward[T]) ([]SetOp[T], bool) {
	if len(ff.Removed) > 0 || len(ff.Added) == 0 {
		return nil, false
	}
	changed := changedActors(ff.OldClock, ff.NewClock)
	if changed.Cardinality() != 1 {
		return nil, false
	}
	actor, _ := changed.Pop()
	if ff.NewClock.Get(actor)-ff.OldClock.Get(actor) != len(ff.Added) {
		return nil, false
	}

	added := slices.Clone(ff.Added)
	slices.SortFunc(added, func(a, b SetEntry[T]) int {
		return a.Dots[actor].Counter - b.Dots[actor].Counter
	})

	// each entry must be exactly one fresh add by actor, in counter order
	ops := make([]SetOp[T], 0, len(added))
	clock := ff.OldClock.Copy()
	for _, e := range added {
		clock = clock.Next(actor)
		if len(e.Dots) != 1 || e.Dots[actor].Counter != clock.Get(actor) {
			return nil, false
		}
		ops = append(ops, SetAdd[T]{Actor: actor, Clock: clock.Copy(), Added: e.Dots[actor].Value})
	}
	return ops, true
}
