package crdt

import "github.com/roach88/replicore/internal/ir"

func str(s string) Primitive {
	return P(ir.IRString(s))
}

// addBy applies an add from actor using the set's current clock.
func addBy[T Referenceable](s *Set[T], actor Actor, v T) bool {
	return s.ApplyOperation(SetAdd[T]{Actor: actor, Clock: s.VersionMap().Next(actor), Added: v})
}

func removeBy[T Referenceable](s *Set[T], actor Actor, v T) bool {
	return s.ApplyOperation(SetRemove[T]{Actor: actor, Clock: s.VersionMap(), Removed: v})
}

func viewIDs[T Referenceable](vals []T) []string {
	ids := make([]string, len(vals))
	for i, v := range vals {
		ids[i] = v.RefID()
	}
	return ids
}
