// Package file persists the gateway state as a single JSON document,
// written atomically: temp file in the target directory, fsync, rename.
//
// Key records are stored as [key, record] pairs to keep the on-disk format
// stable even if record fields move. A missing file loads as empty state;
// a corrupted file logs a warning and loads as empty rather than refusing
// to boot.
package file

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"

	"github.com/walker77/paygate-mcp-sub010/features/state"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/keygroup"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/keystore"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/proxyerr"
	"github.com/walker77/paygate-mcp-sub010/runtime/proxy/telemetry"
)

// formatVersion tags the on-disk document so later formats can migrate.
const formatVersion = 1

type (
	// Store is a file-backed state.Store. Concurrent Save calls are safe at
	// the filesystem level because each write lands in its own temp file
	// before the rename.
	Store struct {
		path string
		log  telemetry.Logger
	}

	// Option configures a Store.
	Option func(*Store)

	// document is the on-disk layout.
	document struct {
		Version   int               `json:"version"`
		AdminKey  string            `json:"adminKey,omitempty"`
		Keys      []keyEntry        `json:"keys"`
		Aliases   []keystore.Alias  `json:"aliases,omitempty"`
		Groups    keygroup.Snapshot `json:"groups"`
		SavedAtMs int64             `json:"savedAtMs"`
	}

	// keyEntry marshals as a [key, record] pair.
	keyEntry struct {
		Key    string
		Record keystore.KeyRecord
	}
)

var _ state.Store = (*Store)(nil)

// WithLogger overrides the logger used for load warnings.
func WithLogger(log telemetry.Logger) Option {
	return func(s *Store) {
		if log != nil {
			s.log = log
		}
	}
}

// New returns a store writing to path.
func New(path string, opts ...Option) (*Store, error) {
	if path == "" {
		return nil, proxyerr.Validationf("state file path is required")
	}
	s := &Store{path: path, log: telemetry.NewNoopLogger()}
	for _, opt := range opts {
		opt(s)
	}
	return s, nil
}

// Save writes the state atomically. The temp file lives in the same
// directory as the target so the rename never crosses filesystems.
func (s *Store) Save(_ context.Context, st state.State) error {
	doc := document{
		Version:   formatVersion,
		AdminKey:  st.AdminKey,
		Keys:      make([]keyEntry, 0, len(st.Keys.Keys)),
		Aliases:   st.Keys.Aliases,
		Groups:    st.Groups,
		SavedAtMs: st.SavedAtMs,
	}
	for _, rec := range st.Keys.Keys {
		doc.Keys = append(doc.Keys, keyEntry{Key: rec.Key, Record: rec})
	}
	data, err := json.MarshalIndent(doc, "", "  ")
	if err != nil {
		return proxyerr.Wrap(proxyerr.KindInternal, "marshal state", err)
	}

	dir := filepath.Dir(s.path)
	tmp, err := os.CreateTemp(dir, filepath.Base(s.path)+".tmp-*")
	if err != nil {
		return proxyerr.Wrap(proxyerr.KindInternal, "create temp state file", err)
	}
	tmpName := tmp.Name()
	defer func() {
		// Best effort: gone already when the rename succeeded.
		_ = os.Remove(tmpName)
	}()
	if _, err := tmp.Write(data); err != nil {
		_ = tmp.Close()
		return proxyerr.Wrap(proxyerr.KindInternal, "write state", err)
	}
	if err := tmp.Sync(); err != nil {
		_ = tmp.Close()
		return proxyerr.Wrap(proxyerr.KindInternal, "sync state", err)
	}
	if err := tmp.Close(); err != nil {
		return proxyerr.Wrap(proxyerr.KindInternal, "close temp state file", err)
	}
	if err := os.Rename(tmpName, s.path); err != nil {
		return proxyerr.Wrap(proxyerr.KindInternal, "replace state file", err)
	}
	return nil
}

// Load reads the state file. Missing file loads as empty state; corrupted
// content warns and loads as empty so a bad file never blocks boot.
func (s *Store) Load(ctx context.Context) (state.State, error) {
	data, err := os.ReadFile(s.path)
	if errors.Is(err, os.ErrNotExist) {
		return state.State{}, nil
	}
	if err != nil {
		return state.State{}, proxyerr.Wrap(proxyerr.KindInternal, "read state file", err)
	}
	var doc document
	if err := json.Unmarshal(data, &doc); err != nil {
		s.log.Warn(ctx, "state file corrupted, starting empty", "path", s.path, "err", err.Error())
		return state.State{}, nil
	}
	st := state.State{
		AdminKey:  doc.AdminKey,
		Keys:      keystore.Snapshot{Keys: make([]keystore.KeyRecord, 0, len(doc.Keys)), Aliases: doc.Aliases},
		Groups:    doc.Groups,
		SavedAtMs: doc.SavedAtMs,
	}
	for _, entry := range doc.Keys {
		rec := entry.Record
		if rec.Key == "" {
			rec.Key = entry.Key
		}
		st.Keys.Keys = append(st.Keys.Keys, rec)
	}
	return st, nil
}

// Name identifies the store in health reports.
func (s *Store) Name() string { return "state-file" }

// Ping checks that the target directory is reachable.
func (s *Store) Ping(context.Context) error {
	_, err := os.Stat(filepath.Dir(s.path))
	return err
}

// Close implements state.Store. Nothing is held open between operations.
func (s *Store) Close(context.Context) error { return nil }

// Path returns the target file path.
func (s *Store) Path() string { return s.path }

// MarshalJSON encodes the entry as a [key, record] pair.
func (e keyEntry) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]any{e.Key, e.Record})
}

// UnmarshalJSON decodes a [key, record] pair.
func (e *keyEntry) UnmarshalJSON(data []byte) error {
	var pair []json.RawMessage
	if err := json.Unmarshal(data, &pair); err != nil {
		return err
	}
	if len(pair) != 2 {
		return fmt.Errorf("key entry must be a [key, record] pair, got %d elements", len(pair))
	}
	if err := json.Unmarshal(pair[0], &e.Key); err != nil {
		return fmt.Errorf("decode key: %w", err)
	}
	if err := json.Unmarshal(pair[1], &e.Record); err != nil {
		return fmt.Errorf("decode record: %w", err)
	}
	return nil
}
