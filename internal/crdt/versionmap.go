package crdt

import (
	"fmt"
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"
)

// Actor identifies one logical writer. Actors are never reused for
// distinct writers.
type Actor string

// VersionMap holds one monotonic counter per actor. A missing actor has
// counter zero.
type VersionMap map[Actor]int

// Get returns the counter for actor, or 0.
func (v VersionMap) Get(actor Actor) int {
	return v[actor]
}

// Copy returns an independent copy. Copying nil yields an empty map.
func (v VersionMap) Copy() VersionMap {
	out := make(VersionMap, len(v))
	for a, n := range v {
		out[a] = n
	}
	return out
}

// Next returns a copy with actor's counter advanced by one.
// It is the clock an actor attaches to its next add or update.
func (v VersionMap) Next(actor Actor) VersionMap {
	out := v.Copy()
	out[actor]++
	return out
}

// Increment advances actor's counter in place and returns the new value.
func (v VersionMap) Increment(actor Actor) int {
	v[actor]++
	return v[actor]
}

// Merge raises each counter in v to the pointwise maximum with other.
func (v VersionMap) Merge(other VersionMap) {
	for a, n := range other {
		if n > v[a] {
			v[a] = n
		}
	}
}

// MergeVersions returns the pointwise maximum of a and b as a new map.
func MergeVersions(a, b VersionMap) VersionMap {
	out := a.Copy()
	out.Merge(b)
	return out
}

// Dominates reports whether every counter in v is at least the matching
// counter in other.
func (v VersionMap) Dominates(other VersionMap) bool {
	for a, n := range other {
		if v[a] < n {
			return false
		}
	}
	return true
}

// Concurrent reports whether neither map dominates the other.
func (v VersionMap) Concurrent(other VersionMap) bool {
	return !v.Dominates(other) && !other.Dominates(v)
}

// Equal compares counters, treating absent and zero as the same.
func (v VersionMap) Equal(other VersionMap) bool {
	return v.Dominates(other) && other.Dominates(v)
}

// Actors returns the set of actors with a non-zero counter.
func (v VersionMap) Actors() mapset.Set[Actor] {
	out := mapset.NewThreadUnsafeSet[Actor]()
	for a, n := range v {
		if n > 0 {
			out.Add(a)
		}
	}
	return out
}

// changedActors returns actors whose counter differs between a and b.
func changedActors(a, b VersionMap) mapset.Set[Actor] {
	changed := mapset.NewThreadUnsafeSet[Actor]()
	for actor := range a.Actors().Union(b.Actors()).Iter() {
		if a[actor] != b[actor] {
			changed.Add(actor)
		}
	}
	return changed
}

// String renders the map with actors sorted, e.g. "{A:1, B:2}".
// Zero counters are omitted so equal maps render identically.
func (v VersionMap) String() string {
	actors := v.Actors().ToSlice()
	slices.Sort(actors)
	parts := make([]string, len(actors))
	for i, a := range actors {
		parts[i] = fmt.Sprintf("%s:%d", a, v[a])
	}
	return "{" + strings.Join(parts, ", ") + "}"
}
