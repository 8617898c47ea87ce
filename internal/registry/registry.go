// Package registry implements spec §4.8's VaultRegistry: the reference
// sqlite-backed adapter satisfying the inbound `VaultRegistry.list` /
// `VaultRegistry.on_change` interface from spec §6.
//
// Grounded on the teacher CLI's pkg/embeddings/sqlite.Store: same
// database/sql + modernc.org/sqlite (CGo-free) pairing, the same
// open-then-EnsureSchema shape, and the same upsert-by-natural-key style,
// adapted from an embeddings cache to a small table of vault records.
package registry

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/atomicobject/vaultd/internal/vaulterr"
)

const op = "registry"

// Record is spec §3's VaultRecord: the persisted row for one registered vault.
type Record struct {
	ID        string
	Name      string
	RootPath  string
	CreatedAt time.Time
	UpdatedAt time.Time
}

// Registry is the sqlite-backed VaultRegistry adapter. Add/Remove notify
// subscribers registered via OnChange directly: nothing outside this
// process writes to the table, so there is no external state to poll.
type Registry struct {
	db *sql.DB

	mu        sync.Mutex
	callbacks []func()
}

// Open opens (or creates) the registry database at dbPath.
func Open(dbPath string) (*Registry, error) {
	if dbPath == "" {
		return nil, vaulterr.New(vaulterr.InvalidInput, op, "database path is required")
	}
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return nil, vaulterr.Wrap(vaulterr.Io, op, dbPath, err)
	}
	db, err := sql.Open("sqlite", dbPath)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.Database, op, dbPath, err)
	}
	r := &Registry{db: db}
	if err := r.ensureSchema(context.Background()); err != nil {
		_ = db.Close()
		return nil, err
	}
	return r, nil
}

func (r *Registry) ensureSchema(ctx context.Context) error {
	stmts := []string{
		`PRAGMA foreign_keys = ON;`,
		`CREATE TABLE IF NOT EXISTS vaults (
			id         TEXT PRIMARY KEY,
			name       TEXT NOT NULL,
			root_path  TEXT NOT NULL UNIQUE,
			created_at INTEGER NOT NULL,
			updated_at INTEGER NOT NULL
		);`,
	}
	for _, stmt := range stmts {
		if _, err := r.db.ExecContext(ctx, stmt); err != nil {
			return vaulterr.Wrap(vaulterr.Database, op, "", err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (r *Registry) Close() error {
	return r.db.Close()
}

// List returns every registered vault, ordered by name.
func (r *Registry) List(ctx context.Context) ([]Record, error) {
	rows, err := r.db.QueryContext(ctx, `SELECT id, name, root_path, created_at, updated_at FROM vaults ORDER BY name`)
	if err != nil {
		return nil, vaulterr.Wrap(vaulterr.Database, op, "", err)
	}
	defer rows.Close()

	var records []Record
	for rows.Next() {
		rec, err := scanRecord(rows)
		if err != nil {
			return nil, vaulterr.Wrap(vaulterr.Database, op, "", err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, vaulterr.Wrap(vaulterr.Database, op, "", err)
	}
	return records, nil
}

// Get returns a single vault record by id.
func (r *Registry) Get(ctx context.Context, id string) (Record, error) {
	row := r.db.QueryRowContext(ctx, `SELECT id, name, root_path, created_at, updated_at FROM vaults WHERE id = ?`, id)
	rec, err := scanRecord(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Record{}, vaulterr.New(vaulterr.NotFound, op, "no such vault: "+id)
		}
		return Record{}, vaulterr.Wrap(vaulterr.Database, op, "", err)
	}
	return rec, nil
}

// Add validates rootPath exists and is a readable directory (spec §3's
// registration invariant), then inserts a new vault with a fresh id.
func (r *Registry) Add(ctx context.Context, name, rootPath string) (Record, error) {
	abs, err := filepath.Abs(rootPath)
	if err != nil {
		return Record{}, vaulterr.Wrap(vaulterr.InvalidInput, op, rootPath, err)
	}
	info, err := os.Stat(abs)
	if err != nil {
		return Record{}, vaulterr.Wrap(vaulterr.Io, op, abs, err).WithRecovery("check that the vault directory exists and is readable")
	}
	if !info.IsDir() {
		return Record{}, vaulterr.New(vaulterr.InvalidInput, op, "not a directory: "+abs)
	}
	if _, err := os.ReadDir(abs); err != nil {
		return Record{}, vaulterr.Wrap(vaulterr.Io, op, abs, err).WithSubkind(vaulterr.PermissionDenied)
	}

	now := time.Now()
	rec := Record{ID: uuid.NewString(), Name: name, RootPath: abs, CreatedAt: now, UpdatedAt: now}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO vaults (id, name, root_path, created_at, updated_at) VALUES (?, ?, ?, ?, ?)
	`, rec.ID, rec.Name, rec.RootPath, rec.CreatedAt.Unix(), rec.UpdatedAt.Unix())
	if err != nil {
		return Record{}, vaulterr.Wrap(vaulterr.Database, op, "", err)
	}

	r.notify()
	return rec, nil
}

// Rename updates a vault's display name.
func (r *Registry) Rename(ctx context.Context, id, name string) error {
	res, err := r.db.ExecContext(ctx, `UPDATE vaults SET name = ?, updated_at = ? WHERE id = ?`, name, time.Now().Unix(), id)
	if err != nil {
		return vaulterr.Wrap(vaulterr.Database, op, "", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return vaulterr.New(vaulterr.NotFound, op, "no such vault: "+id)
	}
	r.notify()
	return nil
}

// Remove deletes a vault's registry row. Tearing down the vault's live
// watcher and index partition is the caller's (vaultcore's) job, since
// this package has no knowledge of in-memory subsystem state.
func (r *Registry) Remove(ctx context.Context, id string) error {
	res, err := r.db.ExecContext(ctx, `DELETE FROM vaults WHERE id = ?`, id)
	if err != nil {
		return vaulterr.Wrap(vaulterr.Database, op, "", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return vaulterr.New(vaulterr.NotFound, op, "no such vault: "+id)
	}
	r.notify()
	return nil
}

// OnChange registers callback to run after every Add/Rename/Remove.
func (r *Registry) OnChange(callback func()) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.callbacks = append(r.callbacks, callback)
}

func (r *Registry) notify() {
	r.mu.Lock()
	callbacks := append([]func(){}, r.callbacks...)
	r.mu.Unlock()
	for _, cb := range callbacks {
		cb()
	}
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRecord(s rowScanner) (Record, error) {
	var rec Record
	var createdAt, updatedAt int64
	if err := s.Scan(&rec.ID, &rec.Name, &rec.RootPath, &createdAt, &updatedAt); err != nil {
		return Record{}, err
	}
	rec.CreatedAt = time.Unix(createdAt, 0)
	rec.UpdatedAt = time.Unix(updatedAt, 0)
	return rec, nil
}
