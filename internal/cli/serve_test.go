package cli

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/roach88/replicore/internal/crdt"
	"github.com/roach88/replicore/internal/driver"
	"github.com/roach88/replicore/internal/ir"
	"github.com/roach88/replicore/internal/proxy"
	"github.com/roach88/replicore/internal/remote"
	"github.com/roach88/replicore/internal/schema"
	"github.com/roach88/replicore/internal/storage"
)

const syncTimeout = 2 * time.Second

func hostedConfig(t *testing.T, dir string) *Config {
	t.Helper()
	schemas, err := filepath.Abs(filepath.Join("testdata", "schemas.cue"))
	require.NoError(t, err)
	cfg, err := ParseConfig([]byte(fmt.Sprintf(`
metrics: true
schemas: %s
drivers:
  sqlite: {path: replicore.db, poll_interval: 50ms}
  bolt: {path: replicore.bolt}
stores:
  - {key: "sqlite://todos", kind: set}
  - {key: "volatile://flags/dark", kind: singleton}
  - {key: "bolt://people/ada", kind: entity, entity: Person}
`, schemas)), dir)
	require.NoError(t, err)
	return cfg
}

// writeThroughServer hosts the config, writes one value to each durable
// store over websocket, and shuts everything down.
func writeThroughServer(t *testing.T, cfg *Config) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()

	h, err := openHosted(ctx, cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer h.Close()
	hs := httptest.NewServer(h.Handler())
	defer hs.Close()

	todos, err := remote.Dial(ctx, hs.URL, driver.MustParseKey("sqlite://todos"),
		storage.SetMessageCodec[crdt.Primitive](), remote.WithDialRetries(0))
	require.NoError(t, err)
	defer todos.Close()
	col, err := proxy.NewCollection[crdt.Primitive](ctx, todos, "cli")
	require.NoError(t, err)
	defer col.Close()
	require.NoError(t, col.WaitSynced(ctx))
	ok, err := col.Add(ctx, crdt.P(ir.IRString("milk")))
	require.NoError(t, err)
	require.True(t, ok)

	defs, err := schema.LoadFile(cfg.Schemas)
	require.NoError(t, err)
	people, err := remote.Dial(ctx, hs.URL, driver.MustParseKey("bolt://people/ada"),
		storage.EntityMessageCodec(), remote.WithDialRetries(0))
	require.NoError(t, err)
	defer people.Close()
	ada, err := proxy.NewEntity(ctx, people, "ada", defs["Person"].Schema, "cli")
	require.NoError(t, err)
	defer ada.Close()
	require.NoError(t, ada.WaitSynced(ctx))
	ok, err = ada.SetField(ctx, "name", ir.IRString("Ada"))
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, ir.IRString("Ada"), ada.View().Singletons["name"])
}

func TestOpenHosted_Endpoints(t *testing.T) {
	cfg := hostedConfig(t, t.TempDir())
	h, err := openHosted(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer h.Close()
	hs := httptest.NewServer(h.Handler())
	defer hs.Close()

	resp, err := http.Get(hs.URL + "/healthz")
	require.NoError(t, err)
	var health struct {
		Status string   `json:"status"`
		Stores []string `json:"stores"`
	}
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&health))
	resp.Body.Close()
	assert.Equal(t, "ok", health.Status)
	assert.Equal(t, []string{"bolt://people/ada", "sqlite://todos", "volatile://flags/dark"}, health.Stores)

	resp, err = http.Get(hs.URL + "/metrics")
	require.NoError(t, err)
	body, err := io.ReadAll(resp.Body)
	resp.Body.Close()
	require.NoError(t, err)
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Contains(t, string(body), "go_goroutines")
}

func TestOpenHosted_UnknownEntity(t *testing.T) {
	cfg := hostedConfig(t, t.TempDir())
	cfg.Stores = append(cfg.Stores, StoreConfig{Key: "volatile://ghosts/g1", Kind: StoreKindEntity, Entity: "Ghost"})

	_, err := openHosted(context.Background(), cfg, slog.New(slog.DiscardHandler))
	require.Error(t, err)
	assert.Contains(t, err.Error(), `entity "Ghost" is not declared`)
	assert.Contains(t, err.Error(), "Note")
}

func TestOpenHosted_PersistsThroughDrivers(t *testing.T) {
	dir := t.TempDir()
	cfg := hostedConfig(t, dir)
	writeThroughServer(t, cfg)

	// Reopening picks up what the first server persisted.
	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()
	h, err := openHosted(ctx, cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer h.Close()
	hs := httptest.NewServer(h.Handler())
	defer hs.Close()

	todos, err := remote.Dial(ctx, hs.URL, driver.MustParseKey("sqlite://todos"),
		storage.SetMessageCodec[crdt.Primitive](), remote.WithDialRetries(0))
	require.NoError(t, err)
	defer todos.Close()
	col, err := proxy.NewCollection[crdt.Primitive](ctx, todos, "reader")
	require.NoError(t, err)
	defer col.Close()
	require.NoError(t, col.WaitSynced(ctx))
	assert.Equal(t, []crdt.Primitive{crdt.P(ir.IRString("milk"))}, col.FetchAll())
}

func TestOpenHosted_ReferenceModeStores(t *testing.T) {
	schemas, err := filepath.Abs(filepath.Join("testdata", "schemas.cue"))
	require.NoError(t, err)
	cfg, err := ParseConfig([]byte(fmt.Sprintf(`
schemas: %s
stores:
  - {key: "reference-mode://{volatile://people}{volatile://friends}", kind: ref_collection, entity: Person}
  - {key: "reference-mode://{volatile://people}{volatile://best}", kind: ref_singleton, entity: Person}
`, schemas)), t.TempDir())
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), syncTimeout)
	defer cancel()
	h, err := openHosted(ctx, cfg, slog.New(slog.DiscardHandler))
	require.NoError(t, err)
	defer h.Close()
	hs := httptest.NewServer(h.Handler())
	defer hs.Close()

	friendsKey := driver.MustParseKey("reference-mode://{volatile://people}{volatile://friends}")
	assert.Equal(t, []string{
		"reference-mode://{volatile://people}{volatile://best}",
		friendsKey.String(),
	}, h.server.Keys())

	friends, err := remote.Dial(ctx, hs.URL, friendsKey,
		storage.SetMessageCodec[crdt.Reference](), remote.WithDialRetries(0))
	require.NoError(t, err)
	defer friends.Close()
	col, err := proxy.NewCollection[crdt.Reference](ctx, friends, "cli")
	require.NoError(t, err)
	defer col.Close()
	require.NoError(t, col.WaitSynced(ctx))

	ref := crdt.Reference{ID: "ada", StorageKey: "volatile://people/ada", Version: crdt.VersionMap{"cli": 1}}
	ok, err := col.Add(ctx, ref)
	require.NoError(t, err)
	require.True(t, ok)
	require.Len(t, col.FetchAll(), 1)
	assert.Equal(t, "ada", col.FetchAll()[0].ID)

	// The container half is the only part exposed; it is not reachable
	// under its own key.
	_, err = remote.Dial(ctx, hs.URL, driver.MustParseKey("volatile://friends"),
		storage.SetMessageCodec[crdt.Reference](), remote.WithDialRetries(0))
	assert.Error(t, err)
}

func TestServeCommand_BadConfig(t *testing.T) {
	path := filepath.Join(t.TempDir(), "replicore.yaml")
	out, err := execute(t, "serve", "--config", path, "--format", "json")
	require.Error(t, err)
	assert.Equal(t, ExitCommandError, GetExitCode(err))

	var resp CLIResponse
	require.NoError(t, json.Unmarshal([]byte(out), &resp))
	require.NotNil(t, resp.Error)
	assert.Equal(t, CodeConfig, resp.Error.Code)
}

func TestRunServe_StopsOnCancel(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "replicore.yaml")
	writeScenario(t, dir, "replicore.yaml", `stores: [{key: "volatile://todos", kind: set}]`)

	cmd := NewServeCommand(&RootOptions{Format: "text"})
	cmd.SetOut(io.Discard)
	cmd.SetErr(io.Discard)
	ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
	defer cancel()

	opts := &ServeOptions{RootOptions: &RootOptions{Format: "text"}, Config: path, Listen: "127.0.0.1:0"}
	assert.NoError(t, runServe(ctx, opts, cmd))
}
