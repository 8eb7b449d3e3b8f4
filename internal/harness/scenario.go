package harness

import (
	"bytes"
	"fmt"
	"os"
	"path/filepath"

	"gopkg.in/yaml.v3"

	"github.com/roach88/replicore/internal/crdt"
	"github.com/roach88/replicore/internal/schema"
)

// Scenario drives a set of replicas of one CRDT kind through a sequence of
// steps and asserts on the outcome.
type Scenario struct {
	// Name uniquely identifies this scenario and names its golden file.
	Name string `yaml:"name"`

	// Description explains what this scenario checks.
	Description string `yaml:"description"`

	// Kind is the CRDT every replica holds: set, singleton or entity.
	Kind string `yaml:"kind"`

	// Schema declares entity fields inline. Entity scenarios give either
	// Schema or SchemaFile.
	Schema *crdt.Schema `yaml:"schema,omitempty"`

	// SchemaFile is a CUE schema path, relative to the scenario file.
	// Entity names the definition to use from it.
	SchemaFile string `yaml:"schema_file,omitempty"`
	Entity     string `yaml:"entity,omitempty"`

	// Replicas lists the participants in creation order.
	Replicas []ReplicaSpec `yaml:"replicas"`

	// Steps run in order.
	Steps []Step `yaml:"steps"`

	// Assertions are checked after the last step.
	Assertions []Assertion `yaml:"assertions"`

	// resolved is the entity schema after SchemaFile is loaded.
	resolved crdt.Schema
}

// ReplicaSpec declares one replica.
type ReplicaSpec struct {
	// Name is the replica name and its actor id.
	Name string `yaml:"name"`

	// Mode is crdt for a bare model, or proxy for a proxy attached to the
	// scenario's shared store. Defaults to crdt.
	Mode string `yaml:"mode,omitempty"`
}

// Step is one operation on one replica.
type Step struct {
	Replica string `yaml:"replica"`
	Op      string `yaml:"op"`

	// Value is the payload for add, remove and set.
	Value any `yaml:"value,omitempty"`

	// Field selects an entity field.
	Field string `yaml:"field,omitempty"`

	// With is the peer for sync; From is the source for merge.
	With string `yaml:"with,omitempty"`
	From string `yaml:"from,omitempty"`

	// Reject expects the step to be refused.
	Reject bool `yaml:"reject,omitempty"`
}

// Assertion checks the state after the last step.
type Assertion struct {
	// Type is converged, contains, value or version.
	Type string `yaml:"type"`

	// Replica is the replica checked by contains, value and version.
	Replica string `yaml:"replica,omitempty"`

	// Replicas limits converged to a subset; empty means all.
	Replicas []string `yaml:"replicas,omitempty"`

	// Field selects an entity field.
	Field string `yaml:"field,omitempty"`

	// Values must all be present (contains).
	Values []any `yaml:"values,omitempty"`

	// Value is the expected visible value; Absent expects none.
	Value  any  `yaml:"value,omitempty"`
	Absent bool `yaml:"absent,omitempty"`

	// Expect is the expected version map (version).
	Expect map[string]int `yaml:"expect,omitempty"`
}

// Kinds, modes, ops and assertion types.
const (
	KindSet       = "set"
	KindSingleton = "singleton"
	KindEntity    = "entity"

	ModeCRDT  = "crdt"
	ModeProxy = "proxy"

	OpAdd    = "add"
	OpRemove = "remove"
	OpClear  = "clear"
	OpSet    = "set"
	OpSync   = "sync"
	OpMerge  = "merge"

	AssertConverged = "converged"
	AssertContains  = "contains"
	AssertValue     = "value"
	AssertVersion   = "version"
)

// kindOps lists the write ops each kind accepts.
var kindOps = map[string][]string{
	KindSet:       {OpAdd, OpRemove, OpClear},
	KindSingleton: {OpSet, OpClear},
	KindEntity:    {OpAdd, OpRemove, OpClear, OpSet},
}

// LoadScenario reads and parses a scenario YAML file. Unknown fields are
// rejected so typos fail loudly.
func LoadScenario(path string) (*Scenario, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read scenario file: %w", err)
	}
	return ParseScenario(data, filepath.Dir(path))
}

// ParseScenario parses scenario YAML. baseDir resolves schema_file.
func ParseScenario(data []byte, baseDir string) (*Scenario, error) {
	var s Scenario
	decoder := yaml.NewDecoder(bytes.NewReader(data))
	decoder.KnownFields(true)
	if err := decoder.Decode(&s); err != nil {
		return nil, fmt.Errorf("failed to parse YAML: %w", err)
	}

	if s.SchemaFile != "" && !filepath.IsAbs(s.SchemaFile) && baseDir != "" {
		s.SchemaFile = filepath.Join(baseDir, s.SchemaFile)
	}
	if err := validateScenario(&s); err != nil {
		return nil, fmt.Errorf("invalid scenario: %w", err)
	}
	return &s, nil
}

func validateScenario(s *Scenario) error {
	if s.Name == "" {
		return fmt.Errorf("name is required")
	}
	if s.Description == "" {
		return fmt.Errorf("description is required")
	}
	if _, ok := kindOps[s.Kind]; !ok {
		return fmt.Errorf("kind must be set, singleton or entity, got %q", s.Kind)
	}
	if err := resolveSchema(s); err != nil {
		return err
	}
	if len(s.Replicas) == 0 {
		return fmt.Errorf("replicas list is required and must be non-empty")
	}
	if len(s.Steps) == 0 {
		return fmt.Errorf("steps list is required and must be non-empty")
	}
	if len(s.Assertions) == 0 {
		return fmt.Errorf("assertions list is required and must be non-empty")
	}

	modes := make(map[string]string, len(s.Replicas))
	for i := range s.Replicas {
		r := &s.Replicas[i]
		if r.Name == "" {
			return fmt.Errorf("replicas[%d]: name is required", i)
		}
		if _, dup := modes[r.Name]; dup {
			return fmt.Errorf("replicas[%d]: duplicate name %q", i, r.Name)
		}
		if r.Mode == "" {
			r.Mode = ModeCRDT
		}
		if r.Mode != ModeCRDT && r.Mode != ModeProxy {
			return fmt.Errorf("replicas[%d]: mode must be crdt or proxy, got %q", i, r.Mode)
		}
		modes[r.Name] = r.Mode
	}

	for i, step := range s.Steps {
		if err := validateStep(s, modes, step); err != nil {
			return fmt.Errorf("steps[%d]: %w", i, err)
		}
	}
	for i, a := range s.Assertions {
		if err := validateAssertion(s, modes, a); err != nil {
			return fmt.Errorf("assertions[%d]: %w", i, err)
		}
	}
	return nil
}

func resolveSchema(s *Scenario) error {
	if s.Kind != KindEntity {
		if s.Schema != nil || s.SchemaFile != "" {
			return fmt.Errorf("schema is only valid for entity scenarios")
		}
		return nil
	}
	switch {
	case s.Schema != nil && s.SchemaFile != "":
		return fmt.Errorf("give schema or schema_file, not both")
	case s.Schema != nil:
		s.resolved = *s.Schema
	case s.SchemaFile != "":
		defs, err := schema.LoadFile(s.SchemaFile)
		if err != nil {
			return err
		}
		def, ok := defs[s.Entity]
		if !ok {
			return fmt.Errorf("schema_file has no entity %q", s.Entity)
		}
		s.resolved = def.Schema
	default:
		return fmt.Errorf("entity scenarios need schema or schema_file")
	}
	if len(s.resolved.Singletons)+len(s.resolved.Collections) == 0 {
		return fmt.Errorf("entity schema has no fields")
	}
	return nil
}

func validateStep(s *Scenario, modes map[string]string, step Step) error {
	mode, ok := modes[step.Replica]
	if !ok {
		return fmt.Errorf("unknown replica %q", step.Replica)
	}

	switch step.Op {
	case OpSync, OpMerge:
		peer := step.With
		if step.Op == OpMerge {
			peer = step.From
		}
		peerMode, ok := modes[peer]
		if !ok {
			return fmt.Errorf("%s: unknown peer %q", step.Op, peer)
		}
		if peer == step.Replica {
			return fmt.Errorf("%s: a replica cannot %s with itself", step.Op, step.Op)
		}
		if mode != ModeCRDT || peerMode != ModeCRDT {
			return fmt.Errorf("%s: proxies sync through their store", step.Op)
		}
		return nil
	case "":
		return fmt.Errorf("op is required")
	}

	allowed := false
	for _, op := range kindOps[s.Kind] {
		if op == step.Op {
			allowed = true
		}
	}
	if !allowed {
		return fmt.Errorf("op %q is not valid for kind %s", step.Op, s.Kind)
	}
	if needsValue(step.Op) && step.Value == nil {
		return fmt.Errorf("%s: value is required", step.Op)
	}
	if s.Kind == KindEntity {
		return validateField(s.resolved, step.Op, step.Field)
	}
	if step.Field != "" {
		return fmt.Errorf("field is only valid for entity scenarios")
	}
	return nil
}

func needsValue(op string) bool {
	switch op {
	case OpAdd, OpRemove, OpSet:
		return true
	}
	return false
}

func validateField(sc crdt.Schema, op, field string) error {
	if field == "" {
		return fmt.Errorf("%s: field is required", op)
	}
	switch {
	case sc.HasSingleton(field):
		if op != OpSet && op != OpClear {
			return fmt.Errorf("%s: %q is a singleton field", op, field)
		}
	case sc.HasCollection(field):
		if op != OpAdd && op != OpRemove {
			return fmt.Errorf("%s: %q is a collection field", op, field)
		}
	default:
		return fmt.Errorf("%s: unknown field %q", op, field)
	}
	return nil
}

func validateAssertion(s *Scenario, modes map[string]string, a Assertion) error {
	checkReplica := func() error {
		if _, ok := modes[a.Replica]; !ok {
			return fmt.Errorf("%s: unknown replica %q", a.Type, a.Replica)
		}
		return nil
	}

	switch a.Type {
	case AssertConverged:
		for _, name := range a.Replicas {
			if _, ok := modes[name]; !ok {
				return fmt.Errorf("converged: unknown replica %q", name)
			}
		}
	case AssertContains:
		if err := checkReplica(); err != nil {
			return err
		}
		if len(a.Values) == 0 {
			return fmt.Errorf("contains: values list is required")
		}
		if s.Kind == KindSingleton {
			return fmt.Errorf("contains: use value for singletons")
		}
		if s.Kind == KindEntity && !s.resolved.HasCollection(a.Field) {
			return fmt.Errorf("contains: %q is not a collection field", a.Field)
		}
	case AssertValue:
		if err := checkReplica(); err != nil {
			return err
		}
		if s.Kind == KindSet {
			return fmt.Errorf("value: use contains for sets")
		}
		if s.Kind == KindEntity && !s.resolved.HasSingleton(a.Field) {
			return fmt.Errorf("value: %q is not a singleton field", a.Field)
		}
		if a.Absent == (a.Value != nil) {
			return fmt.Errorf("value: give exactly one of value or absent")
		}
	case AssertVersion:
		if err := checkReplica(); err != nil {
			return err
		}
		if a.Expect == nil {
			return fmt.Errorf("version: expect is required")
		}
	case "":
		return fmt.Errorf("type is required")
	default:
		return fmt.Errorf("unknown assertion type %q", a.Type)
	}
	return nil
}
