// Package preferences implements spec §4.9's Preferences adapter: a
// small JSON-blob store for per-vault recent files (spec §3) and an
// opaque per-user preferences blob, satisfying spec §6's inbound
// `Preferences.get_recent` / `Preferences.append_recent` interface.
//
// Grounded on the teacher CLI's pkg/config package (its "preferences.json"
// naming is the direct ancestor of this adapter's file) and fsutil.go's
// WriteFileAtomic, used here unchanged for the store's single write path.
package preferences

import (
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/atomicobject/vaultd/internal/vaulterr"
)

const op = "preferences"

// DefaultMaxRecent is spec §3's default cap on recent-file entries kept
// per vault, oldest evicted first.
const DefaultMaxRecent = 50

// RecentFileEntry is spec §3's RecentFileEntry.
type RecentFileEntry struct {
	VaultID      string    `json:"vault_id"`
	RelativePath string    `json:"relative_path"`
	OpenedAt     time.Time `json:"opened_at"`
}

type document struct {
	Recent map[string][]RecentFileEntry `json:"recent"`
	Blob   json.RawMessage              `json:"blob,omitempty"`
}

// Store is the JSON-blob-backed Preferences adapter. One Store instance
// owns one preferences.json file; callers share it across vaults the way
// spec §6's Preferences collaborator is shared.
type Store struct {
	path      string
	maxRecent int

	mu  sync.Mutex
	doc document
}

// Open loads (or initializes) the preferences file at path.
func Open(path string) (*Store, error) {
	s := &Store{path: path, maxRecent: DefaultMaxRecent, doc: document{Recent: make(map[string][]RecentFileEntry)}}

	raw, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return s, nil
		}
		return nil, vaulterr.Wrap(vaulterr.Io, op, path, err)
	}
	if len(raw) == 0 {
		return s, nil
	}
	if err := json.Unmarshal(raw, &s.doc); err != nil {
		return nil, vaulterr.Wrap(vaulterr.InvalidInput, op, path, err)
	}
	if s.doc.Recent == nil {
		s.doc.Recent = make(map[string][]RecentFileEntry)
	}
	return s, nil
}

// GetRecent returns vaultID's recent files, most recently opened first.
func (s *Store) GetRecent(vaultID string) []RecentFileEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	entries := s.doc.Recent[vaultID]
	out := make([]RecentFileEntry, len(entries))
	copy(out, entries)
	return out
}

// AppendRecent records relativePath as just-opened in vaultID, moving it
// to the front if already present, and evicting the oldest entry past
// maxRecent.
func (s *Store) AppendRecent(vaultID, relativePath string) error {
	s.mu.Lock()
	entries := s.doc.Recent[vaultID]
	filtered := entries[:0:0]
	for _, e := range entries {
		if e.RelativePath != relativePath {
			filtered = append(filtered, e)
		}
	}
	entries = append([]RecentFileEntry{{VaultID: vaultID, RelativePath: relativePath, OpenedAt: time.Now()}}, filtered...)
	if len(entries) > s.maxRecent {
		entries = entries[:s.maxRecent]
	}
	s.doc.Recent[vaultID] = entries
	s.mu.Unlock()

	return s.persist()
}

// Blob returns the opaque per-user preferences payload, unmarshaled into v.
func (s *Store) Blob(v any) error {
	s.mu.Lock()
	raw := s.doc.Blob
	s.mu.Unlock()
	if len(raw) == 0 {
		return nil
	}
	return json.Unmarshal(raw, v)
}

// SetBlob replaces the opaque per-user preferences payload with v.
func (s *Store) SetBlob(v any) error {
	raw, err := json.Marshal(v)
	if err != nil {
		return vaulterr.Wrap(vaulterr.InvalidInput, op, s.path, err)
	}
	s.mu.Lock()
	s.doc.Blob = raw
	s.mu.Unlock()
	return s.persist()
}

func (s *Store) persist() error {
	s.mu.Lock()
	data, err := json.MarshalIndent(s.doc, "", "  ")
	s.mu.Unlock()
	if err != nil {
		return vaulterr.Wrap(vaulterr.InvalidInput, op, s.path, err)
	}
	if err := os.MkdirAll(filepath.Dir(s.path), 0o755); err != nil {
		return vaulterr.Wrap(vaulterr.Io, op, s.path, err)
	}
	if err := writeFileAtomic(s.path, data, 0o644); err != nil {
		return vaulterr.Wrap(vaulterr.Io, op, s.path, err)
	}
	return nil
}

// writeFileAtomic mirrors the teacher CLI's fsutil.WriteFileAtomic:
// write to a temp file in the same directory, fsync, rename over target.
func writeFileAtomic(path string, data []byte, perm os.FileMode) error {
	dir := filepath.Dir(path)
	base := filepath.Base(path)

	tmp, err := os.CreateTemp(dir, base+".tmp-*")
	if err != nil {
		return err
	}
	tmpName := tmp.Name()
	defer func() {
		if tmp != nil {
			tmp.Close()
			os.Remove(tmpName)
		}
	}()

	if _, err := tmp.Write(data); err != nil {
		return err
	}
	if err := tmp.Sync(); err != nil {
		return err
	}
	if err := tmp.Chmod(perm); err != nil {
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	tmp = nil
	return os.Rename(tmpName, path)
}
