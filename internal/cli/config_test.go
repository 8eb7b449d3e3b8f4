package cli

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestParseConfig_Valid(t *testing.T) {
	cfg, err := ParseConfig([]byte(`
listen: "127.0.0.1:9000"
metrics: true
schemas: schemas/notes.cue
drivers:
  sqlite: {path: data/replicore.db, poll_interval: 250ms}
  bolt: {path: /var/lib/replicore.bolt}
stores:
  - {key: "volatile://todos", kind: set}
  - {key: "sqlite://flags/dark", kind: singleton}
  - {key: "bolt://notes/n1", kind: entity, entity: Note}
  - {key: "reference-mode://{sqlite://notes}{volatile://pinned}", kind: ref_collection, entity: Note}
`), "/etc/replicore")
	require.NoError(t, err)

	assert.Equal(t, "127.0.0.1:9000", cfg.Listen)
	assert.True(t, cfg.Metrics)
	assert.Equal(t, "/etc/replicore/schemas/notes.cue", cfg.Schemas)
	require.NotNil(t, cfg.Drivers.SQLite)
	assert.Equal(t, "/etc/replicore/data/replicore.db", cfg.Drivers.SQLite.Path)
	assert.Equal(t, 250*time.Millisecond, cfg.Drivers.SQLite.PollInterval)
	assert.Equal(t, "/var/lib/replicore.bolt", cfg.Drivers.Bolt.Path)
	assert.Nil(t, cfg.Drivers.Redis)
	require.Len(t, cfg.Stores, 4)
	assert.Equal(t, StoreConfig{Key: "bolt://notes/n1", Kind: StoreKindEntity, Entity: "Note"}, cfg.Stores[2])
	assert.Equal(t, StoreKindRefCollection, cfg.Stores[3].Kind)
}

func TestParseConfig_DefaultListen(t *testing.T) {
	cfg, err := ParseConfig([]byte(`stores: [{key: "volatile://x", kind: set}]`), ".")
	require.NoError(t, err)
	assert.Equal(t, DefaultListen, cfg.Listen)
}

func TestParseConfig_Invalid(t *testing.T) {
	tests := []struct {
		name    string
		yaml    string
		wantErr string
	}{
		{
			name:    "empty",
			yaml:    ``,
			wantErr: "at least one store",
		},
		{
			name:    "unknown field",
			yaml:    "listen: x\nport: 80\n",
			wantErr: "field port not found",
		},
		{
			name:    "bad key",
			yaml:    `stores: [{key: "todos", kind: set}]`,
			wantErr: "stores[0].key",
		},
		{
			name:    "duplicate key",
			yaml:    `stores: [{key: "volatile://x", kind: set}, {key: "volatile://x", kind: singleton}]`,
			wantErr: "duplicate store",
		},
		{
			name:    "driver not configured",
			yaml:    `stores: [{key: "sqlite://x", kind: set}]`,
			wantErr: `driver "sqlite" is not configured`,
		},
		{
			name:    "unknown kind",
			yaml:    `stores: [{key: "volatile://x", kind: counter}]`,
			wantErr: `unknown kind "counter"`,
		},
		{
			name:    "entity without name",
			yaml:    "schemas: s.cue\nstores: [{key: \"volatile://x\", kind: entity}]",
			wantErr: "stores[0].entity: required",
		},
		{
			name:    "entity without schema file",
			yaml:    `stores: [{key: "volatile://x", kind: entity, entity: Note}]`,
			wantErr: "schemas: entity stores need a schema file",
		},
		{
			name:    "set naming entity",
			yaml:    `stores: [{key: "volatile://x", kind: set, entity: Note}]`,
			wantErr: "only entity and reference-mode stores",
		},
		{
			name:    "reference-mode kind on a plain key",
			yaml:    "schemas: s.cue\nstores: [{key: \"volatile://x\", kind: ref_collection, entity: Note}]",
			wantErr: "not a reference-mode key",
		},
		{
			name:    "reference-mode key with plain kind",
			yaml:    `stores: [{key: "reference-mode://{volatile://p}{volatile://f}", kind: set}]`,
			wantErr: "reference-mode keys need kind ref_collection or ref_singleton",
		},
		{
			name:    "reference-mode half on unconfigured driver",
			yaml:    "schemas: s.cue\nstores: [{key: \"reference-mode://{sqlite://p}{volatile://f}\", kind: ref_singleton, entity: Note}]",
			wantErr: `driver "sqlite" is not configured`,
		},
		{
			name:    "reference-mode without entity",
			yaml:    "schemas: s.cue\nstores: [{key: \"reference-mode://{volatile://p}{volatile://f}\", kind: ref_collection}]",
			wantErr: "required for ref_collection stores",
		},
		{
			name:    "sqlite without path",
			yaml:    "drivers: {sqlite: {}}\nstores: [{key: \"sqlite://x\", kind: set}]",
			wantErr: "drivers.sqlite.path: required",
		},
		{
			name:    "redis without addr",
			yaml:    "drivers: {redis: {prefix: p}}\nstores: [{key: \"redis://x\", kind: set}]",
			wantErr: "drivers.redis.addr: required",
		},
		{
			name:    "bad duration",
			yaml:    "drivers: {sqlite: {path: a.db, poll_interval: soon}}\nstores: [{key: \"sqlite://x\", kind: set}]",
			wantErr: "parse config",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseConfig([]byte(tt.yaml), ".")
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}
}

func TestLoadConfig(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "replicore.yaml")
	require.NoError(t, os.WriteFile(path, []byte(`
schemas: notes.cue
stores:
  - {key: "volatile://notes/n1", kind: entity, entity: Note}
`), 0o644))

	cfg, err := LoadConfig(path)
	require.NoError(t, err)
	assert.Equal(t, filepath.Join(dir, "notes.cue"), cfg.Schemas)

	_, err = LoadConfig(filepath.Join(dir, "missing.yaml"))
	assert.ErrorIs(t, err, os.ErrNotExist)
}
