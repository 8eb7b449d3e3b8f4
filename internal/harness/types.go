package harness

import (
	"github.com/roach88/replicore/internal/crdt"
	"github.com/roach88/replicore/internal/ir"
)

// TraceEvent records one executed step and the state of the stepped
// replica afterwards.
type TraceEvent struct {
	Seq     int64
	Replica string
	Op      string
	Field   string
	Value   ir.IRValue
	Peer    string
	OK      bool
	Version crdt.VersionMap
	View    ir.IRValue
}

// canonical renders the event for golden comparison. Empty fields are
// omitted because canonical JSON has no null.
func (e TraceEvent) canonical() ir.IRObject {
	out := ir.IRObject{
		"seq":     ir.IRInt(e.Seq),
		"replica": ir.IRString(e.Replica),
		"op":      ir.IRString(e.Op),
		"ok":      ir.IRBool(e.OK),
		"version": versionObject(e.Version),
	}
	if e.Field != "" {
		out["field"] = ir.IRString(e.Field)
	}
	if e.Value != nil {
		out["value"] = e.Value
	}
	if e.Peer != "" {
		out["peer"] = ir.IRString(e.Peer)
	}
	if e.View != nil {
		out["view"] = e.View
	}
	return out
}

func versionObject(v crdt.VersionMap) ir.IRObject {
	out := ir.IRObject{}
	for actor, n := range v {
		if n > 0 {
			out[string(actor)] = ir.IRInt(n)
		}
	}
	return out
}

// Result is the outcome of a scenario run.
type Result struct {
	// Pass is true when every step behaved as expected and every
	// assertion held.
	Pass bool

	// Trace holds one event per step, in order.
	Trace []TraceEvent

	// Errors describes each failure. Empty if Pass is true.
	Errors []string
}

// NewResult creates a passing result.
func NewResult() *Result {
	return &Result{
		Pass:   true,
		Trace:  []TraceEvent{},
		Errors: []string{},
	}
}

// AddError records a failure and marks the result as failed.
func (r *Result) AddError(err string) {
	r.Errors = append(r.Errors, err)
	r.Pass = false
}
