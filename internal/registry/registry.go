// Package registry provides a WAL-mode SQLite-backed registry of loaded
// memory images for the insightd engine. It tracks the dump files and
// symbol files currently bound to a running daemon, assigning each a
// stable index so that CLI commands like "memory load"/"memory unload"/
// "memory list" survive a daemon restart without losing track of what was
// loaded.
//
// # WAL mode
//
// The database is opened with PRAGMA journal_mode = WAL so that concurrent
// readers (CLI queries against the registry) and the engine's single
// writer (load/unload/state transitions) proceed without blocking each
// other.
//
// # Durability across restarts
//
// A dump's row persists after the daemon exits; on the next startup the
// engine re-reads the registry and re-opens each entry still in state
// "loaded" or "symbols-bound", reporting anything that no longer exists on
// disk as "missing" rather than silently dropping it.
package registry

import (
	"context"
	"database/sql"
	"fmt"
	"sync/atomic"
	"time"

	_ "modernc.org/sqlite" // register "sqlite" driver with database/sql
)

// State is the lifecycle stage of one registered memory image.
type State string

const (
	StateLoading      State = "loading"
	StateLoaded       State = "loaded"
	StateSymbolsBound State = "symbols-bound"
	StateError        State = "error"
	StateMissing      State = "missing" // file absent on daemon restart re-scan
)

// Entry is one registered memory image (a "dump" in CLI terms), with the
// symbol file it has been paired with, if any.
type Entry struct {
	ID          int64
	DumpPath    string
	SymbolsPath string // empty until "symbols load"/"memory load" binds one
	State       State
	Error       string // errMsg from the last SetState, e.g. for StateError or StateMissing
	LoadedAt    time.Time
	UpdatedAt   time.Time
}

// Registry is a WAL-mode SQLite-backed dump/session registry. It is safe
// for concurrent use.
type Registry struct {
	db    *sql.DB
	count atomic.Int64
}

// Open opens (or creates) the SQLite database at path, enables WAL journal
// mode, and applies the schema. If path is ":memory:", an in-memory
// database is used; this is suitable for tests but loses all data when
// closed.
func Open(path string) (*Registry, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("registry: open %q: %w", path, err)
	}

	// SQLite allows only one writer at a time; a single connection avoids
	// "database is locked" errors under concurrent Register/SetState calls.
	db.SetMaxOpenConns(1)

	if _, err := db.Exec(`PRAGMA journal_mode = WAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry: set WAL mode: %w", err)
	}
	if _, err := db.Exec(`PRAGMA synchronous = NORMAL`); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry: set synchronous = NORMAL: %w", err)
	}
	if _, err := db.Exec(ddl); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry: apply schema: %w", err)
	}

	r := &Registry{db: db}

	var n int64
	if err := db.QueryRow(`SELECT COUNT(*) FROM dumps`).Scan(&n); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("registry: count rows: %w", err)
	}
	r.count.Store(n)

	return r, nil
}

const ddl = `
CREATE TABLE IF NOT EXISTS dumps (
    id           INTEGER PRIMARY KEY AUTOINCREMENT,
    dump_path    TEXT    NOT NULL,
    symbols_path TEXT    NOT NULL DEFAULT '',
    state        TEXT    NOT NULL,
    error        TEXT    NOT NULL DEFAULT '',
    loaded_at    TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now')),
    updated_at   TEXT    NOT NULL DEFAULT (strftime('%Y-%m-%dT%H:%M:%fZ', 'now'))
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_dumps_path ON dumps (dump_path);
`

// Register records a newly loaded dump and returns its stable index.
// Registering a path that is already present updates its state instead of
// creating a duplicate row, so "memory load" is safe to retry.
func (r *Registry) Register(ctx context.Context, dumpPath string) (int64, error) {
	var prior int64
	perr := r.db.QueryRowContext(ctx, `SELECT id FROM dumps WHERE dump_path = ?`, dumpPath).Scan(&prior)
	if perr != nil && perr != sql.ErrNoRows {
		return 0, fmt.Errorf("registry: look up %q: %w", dumpPath, perr)
	}

	res, err := r.db.ExecContext(ctx,
		`INSERT INTO dumps (dump_path, state) VALUES (?, ?)
		 ON CONFLICT(dump_path) DO UPDATE SET state = excluded.state, error = '',
		   updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now')`,
		dumpPath, StateLoading)
	if err != nil {
		return 0, fmt.Errorf("registry: register %q: %w", dumpPath, err)
	}
	if prior != 0 {
		// The row already existed: keep its id, and the count is unchanged.
		return prior, nil
	}

	id, err := res.LastInsertId()
	if err != nil || id == 0 {
		// ON CONFLICT UPDATE: LastInsertId is unreliable, look the row up.
		var existing int64
		if qerr := r.db.QueryRowContext(ctx, `SELECT id FROM dumps WHERE dump_path = ?`, dumpPath).Scan(&existing); qerr != nil {
			return 0, fmt.Errorf("registry: resolve id for %q: %w", dumpPath, qerr)
		}
		return existing, nil
	}

	r.count.Add(1)
	return id, nil
}

// BindSymbols records the symbol file paired with a registered dump and
// advances its state to StateSymbolsBound.
func (r *Registry) BindSymbols(ctx context.Context, id int64, symbolsPath string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE dumps SET symbols_path = ?, state = ?, error = '',
		   updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now') WHERE id = ?`,
		symbolsPath, StateSymbolsBound, id)
	if err != nil {
		return fmt.Errorf("registry: bind symbols for id %d: %w", id, err)
	}
	return nil
}

// SetState transitions a dump's lifecycle state and stores errMsg as its
// error text, whatever the state (e.g. StateError or StateMissing); pass
// "" to clear it.
func (r *Registry) SetState(ctx context.Context, id int64, state State, errMsg string) error {
	_, err := r.db.ExecContext(ctx,
		`UPDATE dumps SET state = ?, error = ?,
		   updated_at = strftime('%Y-%m-%dT%H:%M:%fZ', 'now') WHERE id = ?`,
		state, errMsg, id)
	if err != nil {
		return fmt.Errorf("registry: set state for id %d: %w", id, err)
	}
	return nil
}

// Unregister removes a dump from the registry. It implements "memory
// unload"; it does not touch anything on disk.
func (r *Registry) Unregister(ctx context.Context, id int64) error {
	result, err := r.db.ExecContext(ctx, `DELETE FROM dumps WHERE id = ?`, id)
	if err != nil {
		return fmt.Errorf("registry: unregister id %d: %w", id, err)
	}
	if n, _ := result.RowsAffected(); n > 0 {
		r.count.Add(-1)
	}
	return nil
}

// Get returns the entry for id.
func (r *Registry) Get(ctx context.Context, id int64) (Entry, error) {
	row := r.db.QueryRowContext(ctx,
		`SELECT id, dump_path, symbols_path, state, error, loaded_at, updated_at FROM dumps WHERE id = ?`, id)
	return scanEntry(row)
}

// List returns every registered dump, ordered by id (insertion order),
// implementing "memory list".
func (r *Registry) List(ctx context.Context) ([]Entry, error) {
	rows, err := r.db.QueryContext(ctx,
		`SELECT id, dump_path, symbols_path, state, error, loaded_at, updated_at FROM dumps ORDER BY id`)
	if err != nil {
		return nil, fmt.Errorf("registry: list: %w", err)
	}
	defer rows.Close()

	var entries []Entry
	for rows.Next() {
		e, err := scanEntry(rows)
		if err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("registry: list rows: %w", err)
	}
	return entries, nil
}

// scanner is satisfied by both *sql.Row and *sql.Rows.
type scanner interface {
	Scan(dest ...any) error
}

func scanEntry(s scanner) (Entry, error) {
	var (
		e                   Entry
		loadedAt, updatedAt string
	)
	if err := s.Scan(&e.ID, &e.DumpPath, &e.SymbolsPath, &e.State, &e.Error, &loadedAt, &updatedAt); err != nil {
		return Entry{}, fmt.Errorf("registry: scan: %w", err)
	}
	e.LoadedAt, _ = time.Parse(time.RFC3339Nano, loadedAt)
	e.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updatedAt)
	return e, nil
}

// Count returns the number of registered dumps without querying the
// database, mirroring the teacher queue's atomic depth counter.
func (r *Registry) Count() int {
	return int(r.count.Load())
}

// Close closes the underlying database connection. Subsequent calls to
// any method are undefined; callers must not use the registry after Close
// returns.
func (r *Registry) Close() error {
	return r.db.Close()
}
