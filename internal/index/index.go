// Copyright 2012 The Camlistore Authors
//
// Licensed under the Apache License, Version 2.0 (the "License");
// you may not use this file except in compliance with the License.
// You may obtain a copy of the License at
//
//      http://www.apache.org/licenses/LICENSE-2.0
//
// Unless required by applicable law or agreed to in writing, software
// distributed under the License is distributed on an "AS IS" BASIS,
// WITHOUT WARRANTIES OR CONDITIONS OF ANY KIND, either express or implied.
// See the License for the specific language governing permissions and
// limitations under the License.

// Package index is the local reuse cache: it maps a file's
// (path, size, ctime, mtime) to a previously issued capability, and a
// directory's content hash to a previously issued directory capability, so
// unchanged files and subtrees are never re-uploaded.
//
// It is a cache, not a source of truth: every write here is best-effort
// after a successful upload, and a failure to record one is logged by the
// caller but never fails the run — the store already has the data.
//
// The last_upload table is an audit trail only: AddFile stamps it on every
// successful upload, and nothing in this package reads it back.
package index

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"
)

const schemaVersion = 1

const schemaDDL = `
CREATE TABLE IF NOT EXISTS version (version INTEGER NOT NULL);

CREATE TABLE IF NOT EXISTS caps (
	file_id  INTEGER PRIMARY KEY AUTOINCREMENT,
	filecap  TEXT NOT NULL UNIQUE
);

CREATE TABLE IF NOT EXISTS local_files (
	path    TEXT PRIMARY KEY,
	size    INTEGER NOT NULL,
	mtime   INTEGER NOT NULL,
	ctime   INTEGER NOT NULL,
	file_id INTEGER NOT NULL REFERENCES caps(file_id)
);

CREATE TABLE IF NOT EXISTS directories (
	dir_hash      INTEGER PRIMARY KEY,
	dircap        TEXT NOT NULL,
	last_uploaded TIMESTAMP
);

CREATE TABLE IF NOT EXISTS last_upload (
	file_id       INTEGER PRIMARY KEY REFERENCES caps(file_id),
	last_uploaded TIMESTAMP
);
`

// ConnectionError reports that the index database at URL could not be
// opened (spec.md §7's Connection(url) failure).
type ConnectionError struct {
	URL   string
	Cause error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("opening index at %s: %v", e.URL, e.Cause)
}
func (e *ConnectionError) Unwrap() error { return e.Cause }

// Index is the sqlite-backed reuse cache described in spec.md §3/§4.2.
// All exported methods are safe for concurrent use; writes are serialized
// through a single *sql.DB connection the way the teacher's sqlkv.KeyValue
// does for its "Serial: true" stores.
type Index struct {
	db *sql.DB
}

// Open opens (creating and migrating if necessary) the sqlite database at
// path, the default being $HOME/.tahoe/private/rust-backupdb.sqlite.
func Open(path string) (*Index, error) {
	if dir := filepath.Dir(path); dir != "." {
		if err := os.MkdirAll(dir, 0o700); err != nil {
			return nil, &ConnectionError{URL: path, Cause: err}
		}
	}
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, &ConnectionError{URL: path, Cause: err}
	}
	// The index is touched by one goroutine per in-flight upload; sqlite
	// only accepts one writer at a time, so the same discipline the
	// teacher applies to its sqlkv stores (Serial: true) applies here via
	// a single open connection rather than a pool.
	db.SetMaxOpenConns(1)

	idx := &Index{db: db}
	if err := idx.migrate(); err != nil {
		db.Close()
		return nil, &ConnectionError{URL: path, Cause: err}
	}
	return idx, nil
}

func (idx *Index) migrate() error {
	if _, err := idx.db.Exec(schemaDDL); err != nil {
		return fmt.Errorf("index: creating schema: %w", err)
	}
	var version int
	err := idx.db.QueryRow(`SELECT version FROM version LIMIT 1`).Scan(&version)
	switch {
	case errors.Is(err, sql.ErrNoRows):
		_, err = idx.db.Exec(`INSERT INTO version (version) VALUES (?)`, schemaVersion)
		return err
	case err != nil:
		return fmt.Errorf("index: reading schema version: %w", err)
	case version != schemaVersion:
		return fmt.Errorf("index: schema version %d, want %d (no migration path)", version, schemaVersion)
	}
	return nil
}

// Close releases the underlying database handle.
func (idx *Index) Close() error { return idx.db.Close() }

// CheckFile returns the stored capability for path if its recorded size,
// ctime and mtime exactly match. A stale row (any field mismatched) is
// deleted and ("", false) is returned; a missing row also returns ("",
// false) with no side effects.
func (idx *Index) CheckFile(ctx context.Context, path string, size, ctime, mtime int64) (string, bool) {
	var (
		rowSize, rowCtime, rowMtime int64
		cap                         string
	)
	row := idx.db.QueryRowContext(ctx, `
		SELECT local_files.size, local_files.ctime, local_files.mtime, caps.filecap
		FROM local_files JOIN caps ON caps.file_id = local_files.file_id
		WHERE local_files.path = ?`, path)
	if err := row.Scan(&rowSize, &rowCtime, &rowMtime, &cap); err != nil {
		return "", false
	}
	if rowSize != size || rowCtime != ctime || rowMtime != mtime {
		_, _ = idx.db.ExecContext(ctx, `DELETE FROM local_files WHERE path = ?`, path)
		return "", false
	}
	return cap, true
}

// AddFile records that path (size, ctime, mtime) uploaded as cap. The
// three-step upsert (intern the cap, stamp last_upload, replace the
// local_files row) happens inside one transaction so a concurrent
// CheckFile never observes a half-written row.
func (idx *Index) AddFile(ctx context.Context, cap, path string, size, ctime, mtime int64) error {
	tx, err := idx.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("index: add_file begin: %w", err)
	}
	defer tx.Rollback()

	fileID, err := internCap(ctx, tx, cap)
	if err != nil {
		return fmt.Errorf("index: add_file intern cap: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM last_upload WHERE file_id = ?`, fileID); err != nil {
		return fmt.Errorf("index: add_file clear last_upload: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `INSERT INTO last_upload (file_id, last_uploaded) VALUES (?, ?)`, fileID, time.Now().UTC()); err != nil {
		return fmt.Errorf("index: add_file insert last_upload: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `DELETE FROM local_files WHERE path = ?`, path); err != nil {
		return fmt.Errorf("index: add_file clear local_files: %w", err)
	}
	if _, err := tx.ExecContext(ctx, `
		INSERT INTO local_files (path, size, mtime, ctime, file_id) VALUES (?, ?, ?, ?, ?)`,
		path, size, mtime, ctime, fileID); err != nil {
		return fmt.Errorf("index: add_file insert local_files: %w", err)
	}

	return tx.Commit()
}

// internCap inserts cap into caps if absent and returns its surrogate key,
// reusing the existing row on a uniqueness conflict instead of treating it
// as an error.
func internCap(ctx context.Context, tx *sql.Tx, cap string) (int64, error) {
	res, err := tx.ExecContext(ctx, `INSERT OR IGNORE INTO caps (filecap) VALUES (?)`, cap)
	if err != nil {
		return 0, err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return res.LastInsertId()
	}
	var id int64
	if err := tx.QueryRowContext(ctx, `SELECT file_id FROM caps WHERE filecap = ?`, cap).Scan(&id); err != nil {
		return 0, err
	}
	return id, nil
}

// CheckDir returns the capability previously recorded for dirHash, if any.
func (idx *Index) CheckDir(ctx context.Context, dirHash int64) (string, bool) {
	var cap string
	err := idx.db.QueryRowContext(ctx, `SELECT dircap FROM directories WHERE dir_hash = ?`, dirHash).Scan(&cap)
	if err != nil {
		return "", false
	}
	return cap, true
}

// AddDir records that the directory whose manifest hashed to dirHash
// uploaded as cap. Re-adding the same hash is not an error (idempotent).
func (idx *Index) AddDir(ctx context.Context, dirHash int64, cap string) error {
	_, err := idx.db.ExecContext(ctx, `
		INSERT INTO directories (dir_hash, dircap, last_uploaded) VALUES (?, ?, ?)
		ON CONFLICT(dir_hash) DO NOTHING`, dirHash, cap, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("index: add_dir: %w", err)
	}
	return nil
}
