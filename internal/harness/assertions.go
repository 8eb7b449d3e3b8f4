package harness

import (
	"fmt"
	"slices"
	"strings"

	mapset "github.com/deckarep/golang-set/v2"

	"github.com/roach88/replicore/internal/crdt"
	"github.com/roach88/replicore/internal/ir"
)

// emptyView stands in for a nil view when comparing replicas.
const emptyView = "<empty>"

func evaluate(s *Scenario, c *cluster, a Assertion) error {
	switch a.Type {
	case AssertConverged:
		return assertConverged(s, c, a.Replicas)
	case AssertContains:
		return assertContains(s, c.replicas[a.Replica], a)
	case AssertValue:
		return assertValue(s, c.replicas[a.Replica], a)
	case AssertVersion:
		return assertVersion(c.replicas[a.Replica], a.Expect)
	}
	return fmt.Errorf("unknown assertion type %q", a.Type)
}

// assertConverged checks that the named replicas, or all of them, show the
// same view.
func assertConverged(s *Scenario, c *cluster, names []string) error {
	if len(names) == 0 {
		for _, r := range s.Replicas {
			names = append(names, r.Name)
		}
	}

	views := mapset.NewThreadUnsafeSet[string]()
	per := make([]string, 0, len(names))
	for _, name := range names {
		v := render(c.replicas[name].view())
		views.Add(v)
		per = append(per, name+"="+v)
	}
	if views.Cardinality() > 1 {
		return fmt.Errorf("replicas diverge: %s", strings.Join(per, " "))
	}
	return nil
}

// assertContains checks that every expected value is visible in a set, or
// in an entity collection field.
func assertContains(s *Scenario, r replica, a Assertion) error {
	view := r.view()
	if s.Kind == KindEntity {
		view = r.field(a.Field)
	}

	have := mapset.NewThreadUnsafeSet[string]()
	if arr, ok := view.(ir.IRArray); ok {
		for _, v := range arr {
			have.Add(render(v))
		}
	}
	want := mapset.NewThreadUnsafeSet[string]()
	for _, raw := range a.Values {
		v, err := ir.FromGo(raw)
		if err != nil {
			return fmt.Errorf("expected value: %w", err)
		}
		want.Add(render(v))
	}

	if missing := want.Difference(have); missing.Cardinality() > 0 {
		return fmt.Errorf("%s is missing %s (has %s)", a.Replica, sortedJoin(missing), sortedJoin(have))
	}
	return nil
}

// assertValue checks a singleton's visible value, or an entity singleton
// field.
func assertValue(s *Scenario, r replica, a Assertion) error {
	got := r.view()
	if s.Kind == KindEntity {
		got = r.field(a.Field)
	}

	if a.Absent {
		if got != nil {
			return fmt.Errorf("%s: expected no value, got %s", a.Replica, render(got))
		}
		return nil
	}
	want, err := ir.FromGo(a.Value)
	if err != nil {
		return fmt.Errorf("expected value: %w", err)
	}
	if !ir.Equal(got, want) {
		return fmt.Errorf("%s: expected %s, got %s", a.Replica, render(want), render(got))
	}
	return nil
}

func assertVersion(r replica, expect map[string]int) error {
	want := crdt.VersionMap{}
	for actor, n := range expect {
		want[crdt.Actor(actor)] = n
	}
	if got := r.version(); !got.Equal(want) {
		return fmt.Errorf("expected version %s, got %s", want, got)
	}
	return nil
}

// render returns the canonical JSON of v, or emptyView.
func render(v ir.IRValue) string {
	if v == nil {
		return emptyView
	}
	b, err := ir.MarshalCanonical(v)
	if err != nil {
		return fmt.Sprintf("<%v>", err)
	}
	return string(b)
}

func sortedJoin(s mapset.Set[string]) string {
	vals := s.ToSlice()
	slices.Sort(vals)
	return "[" + strings.Join(vals, ",") + "]"
}
