package schema

import (
	"fmt"
	"os"
	"slices"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	cueerrors "cuelang.org/go/cue/errors"
	"cuelang.org/go/cue/token"

	"github.com/roach88/replicore/internal/crdt"
)

// Definition is a compiled entity schema with the declared payload kind
// of each field: string, int, bool, array or object.
type Definition struct {
	crdt.Schema
	Kinds map[string]string
}

// CompileError reports a schema problem at a source position.
type CompileError struct {
	Field   string
	Message string
	Pos     token.Pos
}

func (e *CompileError) Error() string {
	if !e.Pos.IsValid() {
		return e.Field + ": " + e.Message
	}
	return fmt.Sprintf("%s: %s: %s", e.Pos, e.Field, e.Message)
}

func errAt(v cue.Value, field, format string, args ...any) *CompileError {
	return &CompileError{Field: field, Message: fmt.Sprintf(format, args...), Pos: v.Pos()}
}

// payloadKinds maps the CUE kinds a field may declare to payload kinds.
var payloadKinds = map[cue.Kind]string{
	cue.StringKind: "string",
	cue.IntKind:    "int",
	cue.BoolKind:   "bool",
	cue.ListKind:   "array",
	cue.StructKind: "object",
}

func kindOf(v cue.Value) (string, error) {
	k := v.IncompleteKind()
	if kind, ok := payloadKinds[k]; ok {
		return kind, nil
	}
	if k&cue.FloatKind != 0 {
		// number is int|float
		return "", errAt(v, "type", "float types are not allowed, use int instead")
	}
	return "", errAt(v, "type", "unsupported type kind: %v", k)
}

// Compile turns one entity struct, such as the value at entity.Person,
// into a Definition named after its last path element.
func Compile(v cue.Value) (Definition, error) {
	if err := v.Err(); err != nil {
		return Definition{}, fromCUE(err)
	}

	def := Definition{Kinds: map[string]string{}}
	if sels := v.Path().Selectors(); len(sels) > 0 {
		def.Name = sels[len(sels)-1].String()
	}

	for _, sec := range []struct {
		name string
		dst  *[]string
	}{
		{"singletons", &def.Singletons},
		{"collections", &def.Collections},
	} {
		names, err := sectionFields(v.LookupPath(cue.MakePath(cue.Str(sec.name))), sec.name, def.Kinds)
		if err != nil {
			return Definition{}, err
		}
		*sec.dst = names
	}

	if len(def.Kinds) == 0 {
		return Definition{}, errAt(v, "entity", "at least one singleton or collection field is required")
	}
	return def, nil
}

// sectionFields lists a section's fields in declaration order and records
// their kinds. A name already in kinds was declared in the other section.
func sectionFields(sec cue.Value, section string, kinds map[string]string) ([]string, error) {
	names := []string{}
	if !sec.Exists() {
		return names, nil
	}
	iter, err := sec.Fields()
	if err != nil {
		return nil, fromCUE(err)
	}
	for iter.Next() {
		name, fv := iter.Label(), iter.Value()
		if _, seen := kinds[name]; seen {
			return nil, errAt(fv, section+"."+name, "field is declared as both singleton and collection")
		}
		kind, err := kindOf(fv)
		if err != nil {
			return nil, err
		}
		kinds[name] = kind
		names = append(names, name)
	}
	return names, nil
}

// Parse compiles every struct under the top-level entity field of src.
// filename only appears in error positions.
func Parse(src []byte, filename string) (map[string]Definition, error) {
	root := cuecontext.New().CompileBytes(src, cue.Filename(filename))
	if err := root.Err(); err != nil {
		return nil, fromCUE(err)
	}

	entities := root.LookupPath(cue.MakePath(cue.Str("entity")))
	if !entities.Exists() {
		return nil, errAt(root, "entity", "no entity definitions")
	}
	iter, err := entities.Fields()
	if err != nil {
		return nil, fromCUE(err)
	}

	defs := map[string]Definition{}
	for iter.Next() {
		def, err := Compile(iter.Value())
		if err != nil {
			return nil, err
		}
		defs[def.Name] = def
	}
	return defs, nil
}

// LoadFile parses the .cue file at path.
func LoadFile(path string) (map[string]Definition, error) {
	src, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read schema: %w", err)
	}
	return Parse(src, path)
}

// Names returns the keys of defs sorted.
func Names(defs map[string]Definition) []string {
	names := make([]string, 0, len(defs))
	for name := range defs {
		names = append(names, name)
	}
	slices.Sort(names)
	return names
}

// fromCUE reduces a CUE error list to its first entry as a CompileError.
func fromCUE(err error) error {
	errs := cueerrors.Errors(err)
	if len(errs) == 0 {
		return err
	}
	pos := cueerrors.Positions(errs[0])
	if len(pos) == 0 {
		return err
	}
	return &CompileError{Field: "cue", Message: errs[0].Error(), Pos: pos[0]}
}
