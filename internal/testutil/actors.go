package testutil

import (
	"fmt"

	"github.com/roach88/replicore/internal/crdt"
)

// Actors returns n stable actor ids: actor-1 ... actor-n.
func Actors(n int) []crdt.Actor {
	out := make([]crdt.Actor, n)
	for i := range out {
		out[i] = crdt.Actor(fmt.Sprintf("actor-%d", i+1))
	}
	return out
}
