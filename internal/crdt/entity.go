package crdt

import (
	"slices"

	"github.com/roach88/replicore/internal/ir"
)

// Schema names the fields of an entity and their kinds.
type Schema struct {
	Name        string   `json:"name,omitempty"`
	Singletons  []string `json:"singletons"`
	Collections []string `json:"collections"`
}

// HasSingleton reports whether field is a singleton field.
func (s Schema) HasSingleton(field string) bool {
	return slices.Contains(s.Singletons, field)
}

// HasCollection reports whether field is a collection field.
func (s Schema) HasCollection(field string) bool {
	return slices.Contains(s.Collections, field)
}

// EntityData is the serializable state of an Entity.
type EntityData struct {
	Version     VersionMap                    `json:"version"`
	Singletons  map[string]SetData[Primitive] `json:"singletons"`
	Collections map[string]SetData[Primitive] `json:"collections"`
}

// NewEntityData returns empty state laid out for schema.
func NewEntityData(schema Schema) EntityData {
	d := EntityData{
		Version:     VersionMap{},
		Singletons:  make(map[string]SetData[Primitive], len(schema.Singletons)),
		Collections: make(map[string]SetData[Primitive], len(schema.Collections)),
	}
	for _, f := range schema.Singletons {
		d.Singletons[f] = NewSetData[Primitive]()
	}
	for _, f := range schema.Collections {
		d.Collections[f] = NewSetData[Primitive]()
	}
	return d
}

// Copy returns a deep copy.
func (d EntityData) Copy() EntityData {
	out := EntityData{
		Version:     d.Version.Copy(),
		Singletons:  make(map[string]SetData[Primitive], len(d.Singletons)),
		Collections: make(map[string]SetData[Primitive], len(d.Collections)),
	}
	for f, sd := range d.Singletons {
		out.Singletons[f] = sd.Copy()
	}
	for f, sd := range d.Collections {
		out.Collections[f] = sd.Copy()
	}
	return out
}

// Equal compares the entity version and every field.
func (d EntityData) Equal(other EntityData) bool {
	if !d.Version.Equal(other.Version) {
		return false
	}
	return fieldsEqual(d.Singletons, other.Singletons) && fieldsEqual(d.Collections, other.Collections)
}

func fieldsEqual(a, b map[string]SetData[Primitive]) bool {
	if len(a) != len(b) {
		return false
	}
	for f, sd := range a {
		o, ok := b[f]
		if !ok || !sd.Equal(o) {
			return false
		}
	}
	return true
}

// EntityOp is the closed set of operations on an Entity.
// Implementations: EntitySet, EntityClear, EntityAdd, EntityRemove,
// EntityClearAll.
type EntityOp interface {
	entityOp()
}

// EntitySet updates a singleton field.
type EntitySet struct {
	Actor Actor
	Clock VersionMap
	Field string
	Value Primitive
}

// EntityClear clears a singleton field.
type EntityClear struct {
	Actor Actor
	Clock VersionMap
	Field string
}

// EntityAdd adds to a collection field.
type EntityAdd struct {
	Actor Actor
	Clock VersionMap
	Field string
	Added Primitive
}

// EntityRemove removes from a collection field.
type EntityRemove struct {
	Actor   Actor
	Clock   VersionMap
	Field   string
	Removed Primitive
}

// EntityClearAll wipes every field together with all version metadata.
//
// It is not merge-safe: the clear is applied to local state
// unconditionally and leaves no causal record, so merging state from
// before the clear resurrects the values, and later ops from writers that
// expect the old counters are rejected until a resync. Writers that need
// convergent removal should use per-field ops (see Entity.DiffOps).
type EntityClearAll struct {
	Actor Actor
	Clock VersionMap
}

func (EntitySet) entityOp()      {}
func (EntityClear) entityOp()    {}
func (EntityAdd) entityOp()      {}
func (EntityRemove) entityOp()   {}
func (EntityClearAll) entityOp() {}

// Entity is a bundle of independently merged singleton and collection
// fields. There is no cross-field atomicity.
type Entity struct {
	schema Schema
	data   EntityData
}

var _ Model[EntityData, EntityOp, RawEntity] = (*Entity)(nil)

// NewEntity returns an empty entity laid out for schema.
func NewEntity(schema Schema) *Entity {
	return &Entity{schema: schema, data: NewEntityData(schema)}
}

// NewEntityFrom returns an entity holding a copy of data. Fields missing
// from data are created empty; fields outside schema are dropped.
func NewEntityFrom(schema Schema, data EntityData) *Entity {
	e := &Entity{schema: schema}
	e.Restore(data)
	return e
}

// Schema returns the entity's field layout.
func (e *Entity) Schema() Schema { return e.schema }

// Data implements Model.
func (e *Entity) Data() EntityData { return e.data.Copy() }

// VersionMap implements Model.
func (e *Entity) VersionMap() VersionMap { return e.data.Version.Copy() }

// FieldVersion returns a copy of one field's version map, or nil if the
// field is not in the schema. Field op clocks are built from it.
func (e *Entity) FieldVersion(field string) VersionMap {
	if sd, ok := e.data.Singletons[field]; ok {
		return sd.Version.Copy()
	}
	if sd, ok := e.data.Collections[field]; ok {
		return sd.Version.Copy()
	}
	return nil
}

// Restore implements Model.
func (e *Entity) Restore(data EntityData) {
	e.data = NewEntityData(e.schema)
	e.data.Version = data.Version.Copy()
	for f := range e.data.Singletons {
		if sd, ok := data.Singletons[f]; ok {
			e.data.Singletons[f] = sd.Copy()
		}
	}
	for f := range e.data.Collections {
		if sd, ok := data.Collections[f]; ok {
			e.data.Collections[f] = sd.Copy()
		}
	}
}

// ApplyOperation implements Model. Unknown fields and ops aimed at the
// wrong kind of field fail.
func (e *Entity) ApplyOperation(op EntityOp) bool {
	var ok bool
	var clock VersionMap
	switch o := op.(type) {
	case EntitySet:
		ok = e.withSingleton(o.Field, func(sd *SetData[Primitive]) bool {
			return sd.update(o.Actor, o.Clock, o.Value)
		})
		clock = o.Clock
	case EntityClear:
		ok = e.withSingleton(o.Field, func(sd *SetData[Primitive]) bool {
			return sd.clear(o.Actor, o.Clock)
		})
		clock = o.Clock
	case EntityAdd:
		ok = e.withCollection(o.Field, func(sd *SetData[Primitive]) bool {
			return sd.add(o.Actor, o.Clock, o.Added)
		})
		clock = o.Clock
	case EntityRemove:
		ok = e.withCollection(o.Field, func(sd *SetData[Primitive]) bool {
			return sd.remove(o.Actor, o.Clock, o.Removed)
		})
		clock = o.Clock
	case EntityClearAll:
		e.data = NewEntityData(e.schema)
		return true
	default:
		return false
	}
	if ok {
		e.data.Version.Merge(clock)
	}
	return ok
}

func (e *Entity) withSingleton(field string, fn func(*SetData[Primitive]) bool) bool {
	sd, ok := e.data.Singletons[field]
	if !ok {
		return false
	}
	if !fn(&sd) {
		return false
	}
	e.data.Singletons[field] = sd
	return true
}

func (e *Entity) withCollection(field string, fn func(*SetData[Primitive]) bool) bool {
	sd, ok := e.data.Collections[field]
	if !ok {
		return false
	}
	if !fn(&sd) {
		return false
	}
	e.data.Collections[field] = sd
	return true
}

// ConsumerView implements Model. The returned entity has no id; the
// caller that owns the id fills it in.
func (e *Entity) ConsumerView() RawEntity {
	out := RawEntity{}
	for _, f := range e.schema.Singletons {
		if w := e.data.Singletons[f].winner(); w != nil {
			if out.Singletons == nil {
				out.Singletons = ir.IRObject{}
			}
			out.Singletons[f] = w.Value
		}
	}
	for _, f := range e.schema.Collections {
		sd := e.data.Collections[f]
		if len(sd.Values) == 0 {
			continue
		}
		if out.Collections == nil {
			out.Collections = map[string]ir.IRArray{}
		}
		vals := make(ir.IRArray, 0, len(sd.Values))
		for _, id := range sd.SortedIDs() {
			vals = append(vals, sd.Values[id].Value().Value)
		}
		out.Collections[f] = vals
	}
	return out
}

// Merge implements Model. Fields merge independently; changes are reported
// as full models.
func (e *Entity) Merge(other EntityData) MergeChanges[EntityData, EntityOp] {
	before := e.data.Copy()
	otherLacks := !other.Version.Dominates(e.data.Version)

	for f, sd := range e.data.Singletons {
		if o, ok := other.Singletons[f]; ok {
			if ff := sd.merge(o); fastForwardNonEmpty(ff) {
				otherLacks = true
			}
			e.data.Singletons[f] = sd
		} else if len(sd.Values) > 0 {
			otherLacks = true
		}
	}
	for f, sd := range e.data.Collections {
		if o, ok := other.Collections[f]; ok {
			if ff := sd.merge(o); fastForwardNonEmpty(ff) {
				otherLacks = true
			}
			e.data.Collections[f] = sd
		} else if len(sd.Values) > 0 {
			otherLacks = true
		}
	}
	e.data.Version.Merge(other.Version)

	out := MergeChanges[EntityData, EntityOp]{
		ModelChange: OperationsChange[EntityData, EntityOp](),
		OtherChange: OperationsChange[EntityData, EntityOp](),
	}
	if !before.Equal(e.data) {
		out.ModelChange = ModelChange[EntityData, EntityOp](e.data.Copy())
	}
	if otherLacks {
		out.OtherChange = ModelChange[EntityData, EntityOp](e.data.Copy())
	}
	return out
}

func fastForwardNonEmpty[T Referenceable](ff SetFastForward[T]) bool {
	return len(ff.Added) > 0 || len(ff.Removed) > 0 || !ff.OldClock.Equal(ff.NewClock)
}

// DiffOps returns the operations, issued by actor, that turn the current
// view into target. The operations are computed against a scratch copy so
// their clocks chain correctly; the entity itself is not modified.
// Fields of target outside the schema are ignored.
func (e *Entity) DiffOps(actor Actor, target RawEntity) []EntityOp {
	scratch := NewEntityFrom(e.schema, e.data)
	var ops []EntityOp
	emit := func(op EntityOp) {
		if scratch.ApplyOperation(op) {
			ops = append(ops, op)
		}
	}

	for _, f := range e.schema.Singletons {
		sd := scratch.data.Singletons[f]
		want, has := target.Singletons[f]
		if has {
			if _, isNull := want.(ir.IRNull); isNull || want == nil {
				has = false
			}
		}
		switch {
		case has:
			current := sd.winner()
			if current != nil && len(sd.Values) == 1 && ir.Equal(current.Value, want) {
				continue
			}
			emit(EntitySet{Actor: actor, Clock: sd.Version.Next(actor), Field: f, Value: P(want)})
		case len(sd.Values) > 0:
			emit(EntityClear{Actor: actor, Clock: sd.Version.Copy(), Field: f})
		}
	}

	for _, f := range e.schema.Collections {
		wanted := make(map[string]Primitive)
		for _, v := range target.Collections[f] {
			p := P(v)
			if id := p.RefID(); id != "" {
				wanted[id] = p
			}
		}
		sd := scratch.data.Collections[f]
		for _, id := range sd.SortedIDs() {
			if _, keep := wanted[id]; !keep {
				emit(EntityRemove{Actor: actor, Clock: scratch.data.Collections[f].Version.Copy(), Field: f, Removed: sd.Values[id].Value()})
			}
		}
		ids := make([]string, 0, len(wanted))
		for id := range wanted {
			if _, present := sd.Values[id]; !present {
				ids = append(ids, id)
			}
		}
		slices.Sort(ids)
		for _, id := range ids {
			emit(EntityAdd{Actor: actor, Clock: scratch.data.Collections[f].Version.Next(actor), Field: f, Added: wanted[id]})
		}
	}
	return ops
}
