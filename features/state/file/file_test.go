package file_test

import (
	"context"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/walker77/paygate-mcp-sub010/features/state"
	"github.com/walker77/paygate-mcp-sub010/features/state/file"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/keygroup"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/keystore"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
)

// recordingLogger captures warn messages for assertions.
type recordingLogger struct {
	mu    sync.Mutex
	warns []string
}

func (l *recordingLogger) Debug(context.Context, string, ...any) {}
func (l *recordingLogger) Info(context.Context, string, ...any)  {}
func (l *recordingLogger) Error(context.Context, string, ...any) {}
func (l *recordingLogger) Warn(_ context.Context, msg string, _ ...any) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.warns = append(l.warns, msg)
}

func sampleState() state.State {
	return state.State{
		AdminKey: "ak_51f0c4e8",
		Keys: keystore.Snapshot{
			Keys: []keystore.KeyRecord{
				{Key: "pk_alpha", Name: "alpha", Credits: 250, Active: true, CreatedAtMs: 1_000},
				{Key: "pk_beta", Name: "beta", Credits: 0, Active: false, CreatedAtMs: 2_000,
					AllowedTools: []string{"search"}, Metadata: map[string]string{"team": "ml"}},
			},
			Aliases: []keystore.Alias{{Old: "pk_old", New: "pk_alpha", ExpiresAt: 90_000}},
		},
		Groups: keygroup.Snapshot{
			Groups: []keygroup.Group{
				{ID: "g1", Name: "readers", AllowedTools: []string{"search", "fetch"}, CreatedAtMs: 500},
			},
			Assignments: map[string]string{"pk_alpha": "g1"},
		},
		SavedAtMs: 5_000,
	}
}

func TestFileSaveLoadRoundTrip(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "paygate.json")
	store, err := file.New(path)
	require.NoError(t, err)

	want := sampleState()
	require.NoError(t, store.Save(context.Background(), want))

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Equal(t, want.AdminKey, got.AdminKey)
	require.Equal(t, want.Keys.Keys, got.Keys.Keys)
	require.Equal(t, want.Keys.Aliases, got.Keys.Aliases)
	require.Equal(t, want.Groups, got.Groups)
	require.Equal(t, want.SavedAtMs, got.SavedAtMs)
}

func TestFileFormatUsesKeyRecordPairs(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "paygate.json")
	store, err := file.New(path)
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), sampleState()))

	raw, err := os.ReadFile(path)
	require.NoError(t, err)
	var doc struct {
		Version int                 `json:"version"`
		Keys    [][]json.RawMessage `json:"keys"`
	}
	require.NoError(t, json.Unmarshal(raw, &doc))
	require.Equal(t, 1, doc.Version)
	require.Len(t, doc.Keys, 2)
	require.Len(t, doc.Keys[0], 2)

	var first string
	require.NoError(t, json.Unmarshal(doc.Keys[0][0], &first))
	require.Equal(t, "pk_alpha", first)
	var rec keystore.KeyRecord
	require.NoError(t, json.Unmarshal(doc.Keys[0][1], &rec))
	require.Equal(t, int64(250), rec.Credits)
}

func TestFileLoadMissingIsEmpty(t *testing.T) {
	t.Parallel()

	store, err := file.New(filepath.Join(t.TempDir(), "absent.json"))
	require.NoError(t, err)
	got, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, got.Keys.Keys)
	require.Empty(t, got.Groups.Groups)
	require.Empty(t, got.AdminKey)
}

func TestFileLoadCorruptedWarnsAndStartsEmpty(t *testing.T) {
	t.Parallel()

	path := filepath.Join(t.TempDir(), "paygate.json")
	require.NoError(t, os.WriteFile(path, []byte(`{"keys": [not json`), 0o600))

	logger := &recordingLogger{}
	store, err := file.New(path, file.WithLogger(logger))
	require.NoError(t, err)

	got, err := store.Load(context.Background())
	require.NoError(t, err)
	require.Empty(t, got.Keys.Keys)
	require.Len(t, logger.warns, 1)
	require.Contains(t, logger.warns[0], "corrupted")
}

func TestFileSaveLeavesNoTempFiles(t *testing.T) {
	t.Parallel()

	dir := t.TempDir()
	store, err := file.New(filepath.Join(dir, "paygate.json"))
	require.NoError(t, err)
	require.NoError(t, store.Save(context.Background(), sampleState()))
	require.NoError(t, store.Save(context.Background(), sampleState()))

	entries, err := os.ReadDir(dir)
	require.NoError(t, err)
	require.Len(t, entries, 1)
	require.Equal(t, "paygate.json", entries[0].Name())
}

func TestFileRequiresPath(t *testing.T) {
	t.Parallel()

	_, err := file.New("")
	require.ErrorIs(t, err, proxyerr.ErrValidation)
}
