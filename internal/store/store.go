// Package store is matcha's persistent index: a single-writer relational
// store over registries, known_packages, installed_packages, and
// workspaces, exposed as semantic state-transition operations rather than
// row-level CRUD.
package store

import (
	"database/sql"
	"embed"
	"encoding/json"
	"fmt"
	"io/fs"
	"sort"
	"strconv"
	"strings"
	"sync"
	"time"

	_ "github.com/mattn/go-sqlite3"
	"github.com/theckman/go-flock"

	"github.com/sulami/matcha/internal/manifest"
	"github.com/sulami/matcha/internal/merr"
)

//go:embed migrations/*.sql
var migrationsFS embed.FS

// GlobalWorkspace is the immortal workspace created on schema init.
const GlobalWorkspace = "global"

// Store is the sole arbiter of the data model's invariants. Writes are
// serialized in-process by mu and across processes by a flock'd sidecar
// file next to the database, since the database file is the only shared
// disk resource requiring mutual exclusion.
type Store struct {
	db   *sql.DB
	lock *flock.Flock
	mu   sync.Mutex
}

// Open opens (creating if absent) the SQLite database at path and runs
// migrations forward. A schema_version downgrade relative to what this
// binary expects is fatal.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite3", path+"?_foreign_keys=on")
	if err != nil {
		return nil, merr.Wrap(merr.StoreIOError, path, err)
	}
	db.SetMaxOpenConns(1) // sqlite3 driver is not safe for concurrent writers

	s := &Store{db: db, lock: flock.NewFlock(path + ".lock")}
	if err := s.ensureSchema(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

// Close releases the database handle.
func (s *Store) Close() error {
	return s.db.Close()
}

func (s *Store) withWriteLock(fn func(*sql.Tx) error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if err := s.lock.Lock(); err != nil {
		return merr.Wrap(merr.StoreIOError, "acquiring store lock", err)
	}
	defer s.lock.Unlock()

	tx, err := s.db.Begin()
	if err != nil {
		return merr.Wrap(merr.StoreIOError, "beginning transaction", err)
	}
	if err := fn(tx); err != nil {
		tx.Rollback()
		return err
	}
	if err := tx.Commit(); err != nil {
		return merr.Wrap(merr.StoreIOError, "committing transaction", err)
	}
	return nil
}

func migrationNames() ([]string, error) {
	entries, err := fs.ReadDir(migrationsFS, "migrations")
	if err != nil {
		return nil, err
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		names = append(names, e.Name())
	}
	sort.Strings(names)
	return names, nil
}

// migrationVersion extracts the leading integer from a migration filename
// such as "0001_init.sql".
func migrationVersion(name string) (int, error) {
	i := strings.IndexByte(name, '_')
	if i < 0 {
		return 0, fmt.Errorf("malformed migration filename %q", name)
	}
	return strconv.Atoi(name[:i])
}

// ensureSchema runs every migration script forward in filename order. A
// schema_version already ahead of what this binary ships is fatal, never
// silently ignored.
func (s *Store) ensureSchema() error {
	names, err := migrationNames()
	if err != nil {
		return merr.Wrap(merr.StoreIOError, "reading embedded migrations", err)
	}

	highest := 0
	if len(names) > 0 {
		highest, err = migrationVersion(names[len(names)-1])
		if err != nil {
			return merr.Wrap(merr.StoreIOError, names[len(names)-1], err)
		}
	}

	return s.withWriteLock(func(tx *sql.Tx) error {
		var stored int
		err := tx.QueryRow(`SELECT schema_version FROM meta LIMIT 1`).Scan(&stored)
		switch {
		case err == nil:
			if stored > highest {
				return merr.New(merr.SchemaMismatch,
					fmt.Sprintf("database schema_version %d is ahead of this binary's %d", stored, highest))
			}
		case err == sql.ErrNoRows:
			// meta exists but is empty: a database this binary itself
			// created mid-migration. Nothing to compare against yet.
		case strings.Contains(err.Error(), "no such table"):
			// Brand new database file: meta doesn't exist until the
			// first migration creates it.
		default:
			return merr.Wrap(merr.StoreIOError, "reading schema_version", err)
		}

		for _, name := range names {
			script, err := migrationsFS.ReadFile("migrations/" + name)
			if err != nil {
				return merr.Wrap(merr.StoreIOError, name, err)
			}
			if _, err := tx.Exec(string(script)); err != nil {
				return merr.Wrap(merr.SchemaMismatch, name, err)
			}
		}
		return nil
	})
}

// Registry is a known registry row.
type Registry struct {
	Name        string
	URI         string
	LastFetched *time.Time
}

// UpsertRegistry adds or confirms a registry. Adding a second registry
// with an existing name but a different uri fails with
// DuplicateRegistryName.
func (s *Store) UpsertRegistry(name, uri string) error {
	return s.withWriteLock(func(tx *sql.Tx) error {
		var existingURI string
		err := tx.QueryRow(`SELECT uri FROM registries WHERE name = ?`, name).Scan(&existingURI)
		switch {
		case err == sql.ErrNoRows:
			_, err := tx.Exec(`INSERT INTO registries (name, uri) VALUES (?, ?)`, name, uri)
			if err != nil {
				return merr.Wrap(merr.StoreIOError, name, err)
			}
			return nil
		case err != nil:
			return merr.Wrap(merr.StoreIOError, name, err)
		case existingURI != uri:
			return merr.New(merr.DuplicateRegistryName, name)
		default:
			return nil
		}
	})
}

// RemoveRegistry cascades to known_packages but leaves installed_packages
// untouched: built artifacts persist even if their provenance disappears.
func (s *Store) RemoveRegistry(name string) error {
	return s.withWriteLock(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM registries WHERE name = ?`, name)
		if err != nil {
			return merr.Wrap(merr.StoreIOError, name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return merr.New(merr.StoreIOError, fmt.Sprintf("no such registry %q", name))
		}
		return nil
	})
}

// ListRegistries returns every known registry.
func (s *Store) ListRegistries() ([]Registry, error) {
	rows, err := s.db.Query(`SELECT name, uri, last_fetched FROM registries ORDER BY name`)
	if err != nil {
		return nil, merr.Wrap(merr.StoreIOError, "", err)
	}
	defer rows.Close()

	var out []Registry
	for rows.Next() {
		var r Registry
		var lf sql.NullInt64
		if err := rows.Scan(&r.Name, &r.URI, &lf); err != nil {
			return nil, merr.Wrap(merr.StoreIOError, "", err)
		}
		if lf.Valid {
			t := time.Unix(lf.Int64, 0).UTC()
			r.LastFetched = &t
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// ReplaceKnownPackages deletes every known_packages row for registryName
// and reinserts records, updating last_fetched, all within one
// transaction: a set-semantic diff per registry.
func (s *Store) ReplaceKnownPackages(registryName string, records []manifest.PackageRecord, fetchedAt time.Time) error {
	return s.withWriteLock(func(tx *sql.Tx) error {
		if _, err := tx.Exec(`DELETE FROM known_packages WHERE registry = ?`, registryName); err != nil {
			return merr.Wrap(merr.StoreIOError, registryName, err)
		}

		stmt, err := tx.Prepare(`
			INSERT INTO known_packages
				(registry, name, version, description, homepage, license, source, build, artifacts)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`)
		if err != nil {
			return merr.Wrap(merr.StoreIOError, registryName, err)
		}
		defer stmt.Close()

		for _, r := range records {
			artifacts, err := json.Marshal(r.Artifacts)
			if err != nil {
				return merr.Wrap(merr.StoreIOError, r.Name, err)
			}
			_, err = stmt.Exec(registryName, r.Name, r.Version, r.Description, r.Homepage, r.License, r.Source, r.Build, string(artifacts))
			if err != nil {
				return merr.Wrap(merr.StoreIOError, r.Name, err)
			}
		}

		_, err = tx.Exec(`UPDATE registries SET last_fetched = ? WHERE name = ?`, fetchedAt.Unix(), registryName)
		if err != nil {
			return merr.Wrap(merr.StoreIOError, registryName, err)
		}
		return nil
	})
}

// Candidate is one known (name, version) pairing available for install,
// carrying the full record needed to build it.
type Candidate struct {
	Registry string
	Record   manifest.PackageRecord
}

// Candidates returns every known version of name across all registries.
func (s *Store) Candidates(name string) ([]Candidate, error) {
	rows, err := s.db.Query(`
		SELECT registry, name, version, description, homepage, license, source, build, artifacts
		FROM known_packages WHERE name = ?`, name)
	if err != nil {
		return nil, merr.Wrap(merr.StoreIOError, name, err)
	}
	defer rows.Close()

	var out []Candidate
	for rows.Next() {
		var c Candidate
		var artifacts string
		if err := rows.Scan(&c.Registry, &c.Record.Name, &c.Record.Version, &c.Record.Description,
			&c.Record.Homepage, &c.Record.License, &c.Record.Source, &c.Record.Build, &artifacts); err != nil {
			return nil, merr.Wrap(merr.StoreIOError, name, err)
		}
		if artifacts != "" && artifacts != "null" {
			if err := json.Unmarshal([]byte(artifacts), &c.Record.Artifacts); err != nil {
				return nil, merr.Wrap(merr.StoreIOError, name, err)
			}
		}
		out = append(out, c)
	}
	return out, rows.Err()
}

// SearchKnownPackages returns the distinct names of known_packages whose
// name contains query, across every registry.
func (s *Store) SearchKnownPackages(query string) ([]string, error) {
	rows, err := s.db.Query(`
		SELECT DISTINCT name FROM known_packages WHERE name LIKE ? ORDER BY name`,
		"%"+query+"%")
	if err != nil {
		return nil, merr.Wrap(merr.StoreIOError, query, err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, merr.Wrap(merr.StoreIOError, query, err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// InstalledRow is one installed_packages row.
type InstalledRow struct {
	Name             string
	Version          string
	RequestedVersion string
	Workspace        string
}

// IsInstalled reports whether (name, version) is installed in any
// workspace.
func (s *Store) IsInstalled(name, version string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM installed_packages WHERE name = ? AND version = ?`, name, version).Scan(&n)
	if err != nil {
		return false, merr.Wrap(merr.StoreIOError, name, err)
	}
	return n > 0, nil
}

// InstalledIn returns every row installed in workspace.
func (s *Store) InstalledIn(workspace string) ([]InstalledRow, error) {
	rows, err := s.db.Query(`
		SELECT name, version, requested_version, workspace FROM installed_packages
		WHERE workspace = ? ORDER BY name`, workspace)
	if err != nil {
		return nil, merr.Wrap(merr.StoreIOError, workspace, err)
	}
	defer rows.Close()

	var out []InstalledRow
	for rows.Next() {
		var r InstalledRow
		if err := rows.Scan(&r.Name, &r.Version, &r.RequestedVersion, &r.Workspace); err != nil {
			return nil, merr.Wrap(merr.StoreIOError, workspace, err)
		}
		out = append(out, r)
	}
	return out, rows.Err()
}

// RecordInstall upserts an installed_packages row. Installing the same
// (name, version, workspace) twice is idempotent; installing a new
// version of name into a workspace that already has a row for name
// replaces it, since a name is unique within a workspace.
func (s *Store) RecordInstall(row InstalledRow) error {
	return s.withWriteLock(func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO installed_packages (name, version, requested_version, workspace)
			VALUES (?, ?, ?, ?)
			ON CONFLICT (name, workspace) DO UPDATE SET
				version = excluded.version,
				requested_version = excluded.requested_version`,
			row.Name, row.Version, row.RequestedVersion, row.Workspace)
		if err != nil {
			return merr.Wrap(merr.StoreIOError, row.Name, err)
		}
		return nil
	})
}

// RemoveInstall deletes the installed_packages row for (name, workspace),
// if any.
func (s *Store) RemoveInstall(name, workspace string) error {
	return s.withWriteLock(func(tx *sql.Tx) error {
		_, err := tx.Exec(`DELETE FROM installed_packages WHERE name = ? AND workspace = ?`, name, workspace)
		if err != nil {
			return merr.Wrap(merr.StoreIOError, name, err)
		}
		return nil
	})
}

// CreateWorkspace creates a new, empty workspace.
func (s *Store) CreateWorkspace(name string) error {
	return s.withWriteLock(func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO workspaces (name) VALUES (?)`, name)
		if err != nil {
			return merr.Wrap(merr.StoreIOError, name, err)
		}
		return nil
	})
}

// RemoveWorkspace deletes a workspace and cascades to its
// installed_packages rows. The global workspace is immortal.
func (s *Store) RemoveWorkspace(name string) error {
	if name == GlobalWorkspace {
		return merr.New(merr.StoreIOError, "the global workspace cannot be removed")
	}
	return s.withWriteLock(func(tx *sql.Tx) error {
		res, err := tx.Exec(`DELETE FROM workspaces WHERE name = ?`, name)
		if err != nil {
			return merr.Wrap(merr.StoreIOError, name, err)
		}
		if n, _ := res.RowsAffected(); n == 0 {
			return merr.New(merr.StoreIOError, fmt.Sprintf("no such workspace %q", name))
		}
		return nil
	})
}

// ListWorkspaces returns every workspace name.
func (s *Store) ListWorkspaces() ([]string, error) {
	rows, err := s.db.Query(`SELECT name FROM workspaces ORDER BY name`)
	if err != nil {
		return nil, merr.Wrap(merr.StoreIOError, "", err)
	}
	defer rows.Close()

	var out []string
	for rows.Next() {
		var n string
		if err := rows.Scan(&n); err != nil {
			return nil, merr.Wrap(merr.StoreIOError, "", err)
		}
		out = append(out, n)
	}
	return out, rows.Err()
}

// WorkspaceExists reports whether name is a known workspace.
func (s *Store) WorkspaceExists(name string) (bool, error) {
	var n int
	err := s.db.QueryRow(`SELECT COUNT(*) FROM workspaces WHERE name = ?`, name).Scan(&n)
	if err != nil {
		return false, merr.Wrap(merr.StoreIOError, name, err)
	}
	return n > 0, nil
}
