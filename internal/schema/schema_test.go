package schema

import (
	"os"
	"path/filepath"
	"testing"

	"cuelang.org/go/cue"
	"cuelang.org/go/cue/cuecontext"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCompile_Basic(t *testing.T) {
	ctx := cuecontext.New()
	v := ctx.CompileString(`
		entity: Person: {
			singletons: {
				name: string
				age: int
			}
			collections: {
				tags: string
				scores: int
			}
		}
	`)
	require.NoError(t, v.Err())

	def, err := Compile(v.LookupPath(cue.ParsePath("entity.Person")))
	require.NoError(t, err)

	assert.Equal(t, "Person", def.Name)
	assert.Equal(t, []string{"name", "age"}, def.Singletons)
	assert.Equal(t, []string{"tags", "scores"}, def.Collections)
	assert.Equal(t, map[string]string{"name": "string", "age": "int", "tags": "string", "scores": "int"}, def.Kinds)
	assert.True(t, def.HasSingleton("age"))
	assert.True(t, def.HasCollection("tags"))
}

func TestCompile_Errors(t *testing.T) {
	tests := []struct {
		name string
		src  string
		want string
	}{
		{
			name: "float field",
			src:  `entity: X: singletons: weight: float`,
			want: "float types are not allowed",
		},
		{
			name: "number field",
			src:  `entity: X: collections: n: number`,
			want: "float types are not allowed",
		},
		{
			name: "duplicate field",
			src:  `entity: X: { singletons: a: string, collections: a: string }`,
			want: "both singleton and collection",
		},
		{
			name: "no fields",
			src:  `entity: X: {}`,
			want: "at least one",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			v := cuecontext.New().CompileString(tt.src)
			require.NoError(t, v.Err())
			_, err := Compile(v.LookupPath(cue.ParsePath("entity.X")))
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.want)
			var ce *CompileError
			assert.ErrorAs(t, err, &ce)
		})
	}
}

func TestParse_MultipleEntities(t *testing.T) {
	src := []byte(`
		entity: Note: {
			singletons: title: string
			collections: tags: string
		}
		entity: Counter: singletons: count: int
	`)
	defs, err := Parse(src, "schemas.cue")
	require.NoError(t, err)

	assert.Equal(t, []string{"Counter", "Note"}, Names(defs))
	assert.Equal(t, []string{"title"}, defs["Note"].Singletons)
	assert.Equal(t, []string{}, defs["Counter"].Collections)
}

func TestParse_ReportsPosition(t *testing.T) {
	src := []byte("entity: Bad: {\n\tsingletons: w: float\n}\n")
	_, err := Parse(src, "bad.cue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "bad.cue")
	assert.Contains(t, err.Error(), "float")
}

func TestParse_MissingEntityField(t *testing.T) {
	_, err := Parse([]byte(`other: 1`), "x.cue")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "no entity definitions")
}

func TestParse_SyntaxError(t *testing.T) {
	_, err := Parse([]byte(`entity: {`), "broken.cue")
	require.Error(t, err)
}

func TestLoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "people.cue")
	require.NoError(t, os.WriteFile(path, []byte(`entity: Person: singletons: name: string`), 0o644))

	defs, err := LoadFile(path)
	require.NoError(t, err)
	require.Contains(t, defs, "Person")
	assert.Equal(t, []string{"name"}, defs["Person"].Singletons)

	_, err = LoadFile(filepath.Join(t.TempDir(), "missing.cue"))
	assert.Error(t, err)
}
