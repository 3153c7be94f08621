// Copyright 2026 The Gangway Authors
// SPDX-License-Identifier: Apache-2.0

// Package recordstore implements the supervisor's key-value record
// store and the database engine's indexes, backed by a SQLite
// connection pool.
//
// The engine keeps only pointers here — entry bodies live in the block
// store. Three tables:
//
//   - kv: general records keyed by (bucket, key). Used for database
//     manifest registration and per-database metadata.
//   - documents: the current state of each docstore database (doc id →
//     latest entry hash, with tombstones for deletes).
//   - log: the append-only sequence of each eventlog database.
//
// A missing database file is the normal first-run state: Open creates
// it and applies the schema.
package recordstore

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"os"
	"path/filepath"
	"runtime"

	"zombiezen.com/go/sqlite"
	"zombiezen.com/go/sqlite/sqlitex"
)

// ErrNotFound is returned by point lookups when no record exists.
var ErrNotFound = errors.New("recordstore: record not found")

const schema = `
CREATE TABLE IF NOT EXISTS kv (
	bucket TEXT NOT NULL,
	key    TEXT NOT NULL,
	value  BLOB NOT NULL,
	PRIMARY KEY (bucket, key)
);

CREATE TABLE IF NOT EXISTS documents (
	address    TEXT    NOT NULL,
	doc_id     TEXT    NOT NULL,
	entry_hash TEXT    NOT NULL,
	deleted    INTEGER NOT NULL DEFAULT 0,
	PRIMARY KEY (address, doc_id)
);

CREATE TABLE IF NOT EXISTS log (
	address    TEXT    NOT NULL,
	seq        INTEGER NOT NULL,
	entry_hash TEXT    NOT NULL,
	PRIMARY KEY (address, seq)
);
`

// Store is a SQLite-backed record store. Safe for concurrent use; each
// operation borrows a pooled connection.
type Store struct {
	pool   *sqlitex.Pool
	logger *slog.Logger
	path   string
}

// Open opens (or creates) the record store at path. The parent
// directory is created if missing — absence on disk is first-run
// state, not an error.
func Open(path string, logger *slog.Logger) (*Store, error) {
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}

	if err := os.MkdirAll(filepath.Dir(path), 0700); err != nil {
		return nil, fmt.Errorf("recordstore: creating directory for %s: %w", path, err)
	}

	poolSize := runtime.NumCPU()
	if poolSize < 4 {
		poolSize = 4
	}

	pool, err := sqlitex.NewPool(path, sqlitex.PoolOptions{
		PoolSize:    poolSize,
		PrepareConn: prepareConnection,
	})
	if err != nil {
		return nil, fmt.Errorf("recordstore: opening %s: %w", path, err)
	}

	store := &Store{pool: pool, logger: logger, path: path}
	if err := store.applySchema(context.Background()); err != nil {
		pool.Close()
		return nil, err
	}

	logger.Info("record store opened", "path", path, "pool_size", poolSize)
	return store, nil
}

// Close closes all connections. Blocks until borrowed connections are
// returned.
func (s *Store) Close() error {
	if err := s.pool.Close(); err != nil {
		return fmt.Errorf("recordstore: closing %s: %w", s.path, err)
	}
	s.logger.Info("record store closed", "path", s.path)
	return nil
}

func (s *Store) applySchema(ctx context.Context) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("recordstore: take: %w", err)
	}
	defer s.pool.Put(conn)

	if err := sqlitex.ExecuteScript(conn, schema, nil); err != nil {
		return fmt.Errorf("recordstore: applying schema: %w", err)
	}
	return nil
}

// prepareConnection applies standard pragmas once per pooled
// connection.
func prepareConnection(conn *sqlite.Conn) error {
	pragmas := []string{
		"PRAGMA journal_mode=WAL",
		"PRAGMA synchronous=NORMAL",
		"PRAGMA busy_timeout=5000",
		"PRAGMA temp_store=MEMORY",
	}
	for _, pragma := range pragmas {
		if err := sqlitex.ExecuteTransient(conn, pragma, nil); err != nil {
			return fmt.Errorf("recordstore: %s: %w", pragma, err)
		}
	}
	return nil
}

// PutKV stores value under (bucket, key), replacing any existing
// record.
func (s *Store) PutKV(ctx context.Context, bucket, key string, value []byte) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("recordstore: take: %w", err)
	}
	defer s.pool.Put(conn)

	return sqlitex.Execute(conn,
		`INSERT INTO kv (bucket, key, value) VALUES (?, ?, ?)
		 ON CONFLICT (bucket, key) DO UPDATE SET value = excluded.value`,
		&sqlitex.ExecOptions{Args: []any{bucket, key, value}})
}

// GetKV returns the value stored under (bucket, key), or ErrNotFound.
func (s *Store) GetKV(ctx context.Context, bucket, key string) ([]byte, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("recordstore: take: %w", err)
	}
	defer s.pool.Put(conn)

	var value []byte
	found := false
	err = sqlitex.Execute(conn,
		`SELECT value FROM kv WHERE bucket = ? AND key = ?`,
		&sqlitex.ExecOptions{
			Args: []any{bucket, key},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				value = make([]byte, stmt.ColumnLen(0))
				stmt.ColumnBytes(0, value)
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("recordstore: get kv: %w", err)
	}
	if !found {
		return nil, ErrNotFound
	}
	return value, nil
}

// ListKV returns all keys in a bucket, sorted.
func (s *Store) ListKV(ctx context.Context, bucket string) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("recordstore: take: %w", err)
	}
	defer s.pool.Put(conn)

	var keys []string
	err = sqlitex.Execute(conn,
		`SELECT key FROM kv WHERE bucket = ? ORDER BY key`,
		&sqlitex.ExecOptions{
			Args: []any{bucket},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				keys = append(keys, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("recordstore: list kv: %w", err)
	}
	return keys, nil
}

// DocumentRecord is one row of a docstore database's current state.
type DocumentRecord struct {
	DocID     string
	EntryHash string
	Deleted   bool
}

// UpsertDocument records the latest entry for a document id. Deleted
// marks a tombstone: the id is known but resolves to no document.
func (s *Store) UpsertDocument(ctx context.Context, address, docID, entryHash string, deleted bool) error {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return fmt.Errorf("recordstore: take: %w", err)
	}
	defer s.pool.Put(conn)

	deletedFlag := 0
	if deleted {
		deletedFlag = 1
	}
	return sqlitex.Execute(conn,
		`INSERT INTO documents (address, doc_id, entry_hash, deleted) VALUES (?, ?, ?, ?)
		 ON CONFLICT (address, doc_id) DO UPDATE SET entry_hash = excluded.entry_hash, deleted = excluded.deleted`,
		&sqlitex.ExecOptions{Args: []any{address, docID, entryHash, deletedFlag}})
}

// GetDocument returns the current record for a document id, or
// ErrNotFound if the id has never been written. Tombstoned ids are
// returned with Deleted set — distinguishing "never existed" from
// "deleted" is the caller's concern.
func (s *Store) GetDocument(ctx context.Context, address, docID string) (DocumentRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return DocumentRecord{}, fmt.Errorf("recordstore: take: %w", err)
	}
	defer s.pool.Put(conn)

	var record DocumentRecord
	found := false
	err = sqlitex.Execute(conn,
		`SELECT doc_id, entry_hash, deleted FROM documents WHERE address = ? AND doc_id = ?`,
		&sqlitex.ExecOptions{
			Args: []any{address, docID},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				found = true
				record = DocumentRecord{
					DocID:     stmt.ColumnText(0),
					EntryHash: stmt.ColumnText(1),
					Deleted:   stmt.ColumnInt(2) != 0,
				}
				return nil
			},
		})
	if err != nil {
		return DocumentRecord{}, fmt.Errorf("recordstore: get document: %w", err)
	}
	if !found {
		return DocumentRecord{}, ErrNotFound
	}
	return record, nil
}

// ListDocuments returns the live (non-tombstoned) records of a
// docstore database, ordered by doc id.
func (s *Store) ListDocuments(ctx context.Context, address string) ([]DocumentRecord, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("recordstore: take: %w", err)
	}
	defer s.pool.Put(conn)

	var records []DocumentRecord
	err = sqlitex.Execute(conn,
		`SELECT doc_id, entry_hash, deleted FROM documents WHERE address = ? AND deleted = 0 ORDER BY doc_id`,
		&sqlitex.ExecOptions{
			Args: []any{address},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				records = append(records, DocumentRecord{
					DocID:     stmt.ColumnText(0),
					EntryHash: stmt.ColumnText(1),
				})
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("recordstore: list documents: %w", err)
	}
	return records, nil
}

// AppendLog appends an entry hash to an eventlog database and returns
// the assigned sequence number (1-based, dense).
func (s *Store) AppendLog(ctx context.Context, address, entryHash string) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("recordstore: take: %w", err)
	}
	defer s.pool.Put(conn)

	endFn, err := sqlitex.ImmediateTransaction(conn)
	if err != nil {
		return 0, fmt.Errorf("recordstore: begin append: %w", err)
	}
	defer endFn(&err)

	var seq int64
	err = sqlitex.Execute(conn,
		`SELECT COALESCE(MAX(seq), 0) + 1 FROM log WHERE address = ?`,
		&sqlitex.ExecOptions{
			Args: []any{address},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				seq = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("recordstore: next seq: %w", err)
	}

	err = sqlitex.Execute(conn,
		`INSERT INTO log (address, seq, entry_hash) VALUES (?, ?, ?)`,
		&sqlitex.ExecOptions{Args: []any{address, seq, entryHash}})
	if err != nil {
		return 0, fmt.Errorf("recordstore: append log: %w", err)
	}
	return seq, nil
}

// LogLength returns the highest assigned sequence number of an
// eventlog database (0 when empty).
func (s *Store) LogLength(ctx context.Context, address string) (int64, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return 0, fmt.Errorf("recordstore: take: %w", err)
	}
	defer s.pool.Put(conn)

	var length int64
	err = sqlitex.Execute(conn,
		`SELECT COALESCE(MAX(seq), 0) FROM log WHERE address = ?`,
		&sqlitex.ExecOptions{
			Args: []any{address},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				length = stmt.ColumnInt64(0)
				return nil
			},
		})
	if err != nil {
		return 0, fmt.Errorf("recordstore: log length: %w", err)
	}
	return length, nil
}

// ListLog returns an eventlog database's entry hashes in sequence
// order.
func (s *Store) ListLog(ctx context.Context, address string) ([]string, error) {
	conn, err := s.pool.Take(ctx)
	if err != nil {
		return nil, fmt.Errorf("recordstore: take: %w", err)
	}
	defer s.pool.Put(conn)

	var hashes []string
	err = sqlitex.Execute(conn,
		`SELECT entry_hash FROM log WHERE address = ? ORDER BY seq`,
		&sqlitex.ExecOptions{
			Args: []any{address},
			ResultFunc: func(stmt *sqlite.Stmt) error {
				hashes = append(hashes, stmt.ColumnText(0))
				return nil
			},
		})
	if err != nil {
		return nil, fmt.Errorf("recordstore: list log: %w", err)
	}
	return hashes, nil
}
