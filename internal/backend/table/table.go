// Package table implements a relational-table backend: a single SQLite
// table `data(key primary key, value text)` with a secondary index on
// key, driven through database/sql and github.com/mattn/go-sqlite3 (the
// driver itself is an external collaborator -- this package only
// contracts its required operations).
//
// This is the backend selected by a ".db" or ".sqlite" filename. It
// reports SupportsTransactions()==true and is the only backend the
// transaction engine (internal/txn) can drive.
package table

import (
	"context"
	"database/sql"
	"fmt"
	"iter"
	"os"

	_ "github.com/mattn/go-sqlite3"
	"go.uber.org/zap"

	"github.com/dreamware/kvstore/internal/backend"
)

const schema = `
CREATE TABLE IF NOT EXISTS data (
	key TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_data_key ON data(key);
`

// Config controls the PRAGMAs applied on Connect.
type Config struct {
	// WALMode enables write-ahead logging. The zero Config leaves it off;
	// the Store's default options turn it on.
	WALMode bool
	// PageCacheKB sets the in-memory page cache size, in KiB (negative
	// PRAGMA cache_size units). Default 64 * 1024 (64 MiB).
	PageCacheKB int
	Logger      *zap.Logger
}

// Backend is the SQLite-backed table backend. The zero value is not
// usable; construct with New.
type Backend struct {
	db     *sql.DB
	logger *zap.Logger
	path   string
	cfg    Config
}

// New constructs a table backend rooted at path. Connect must be called
// before use.
func New(path string, cfg Config) *Backend {
	if cfg.Logger == nil {
		cfg.Logger = zap.NewNop()
	}
	if cfg.PageCacheKB == 0 {
		cfg.PageCacheKB = 64 * 1024
	}
	return &Backend{path: path, logger: cfg.Logger, cfg: cfg}
}

// Connect opens the SQLite file, applies the configured PRAGMAs, and
// ensures the schema exists.
func (b *Backend) Connect(ctx context.Context) error {
	// _txlock=immediate makes every database/sql BeginTx acquire SQLite's
	// write lock immediately (BEGIN IMMEDIATE) rather than lazily on first
	// write.
	dsn := b.path + "?_txlock=immediate"
	db, err := sql.Open("sqlite3", dsn)
	if err != nil {
		return fmt.Errorf("table backend: connect: %w", err)
	}
	db.SetMaxOpenConns(1) // SQLite only meaningfully serializes one writer

	pragmas := []string{
		"PRAGMA synchronous = NORMAL",
		"PRAGMA temp_store = MEMORY",
		fmt.Sprintf("PRAGMA cache_size = -%d", b.cfg.PageCacheKB),
	}
	if b.cfg.WALMode {
		pragmas = append([]string{"PRAGMA journal_mode = WAL"}, pragmas...)
	}
	for _, p := range pragmas {
		if _, err := db.ExecContext(ctx, p); err != nil {
			db.Close()
			return fmt.Errorf("table backend: apply %q: %w", p, err)
		}
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return fmt.Errorf("table backend: create schema: %w", err)
	}

	b.db = db
	b.logger.Debug("table backend connected", zap.String("path", b.path), zap.Bool("wal", b.cfg.WALMode))
	return nil
}

// Destroy closes the database connection. The WAL and shared-memory
// sidecar files ("-wal", "-shm") are removed on a best-effort basis
// , since a checkpoint on Close may not always clean them up.
func (b *Backend) Destroy(ctx context.Context) error {
	if b.db == nil {
		return nil
	}
	err := b.db.Close()
	b.db = nil
	removeBestEffort(b.path + "-wal")
	removeBestEffort(b.path + "-shm")
	removeBestEffort(b.path + "-journal")
	if err != nil {
		return fmt.Errorf("table backend: destroy: %w", err)
	}
	return nil
}

func (b *Backend) GetValue(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := b.db.QueryRowContext(ctx, `SELECT value FROM data WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("table backend: get: %w", err)
	}
	return value, true, nil
}

func (b *Backend) SetValue(ctx context.Context, key, value string) error {
	_, err := b.db.ExecContext(ctx, `INSERT INTO data(key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("table backend: set: %w", err)
	}
	return nil
}

func (b *Backend) DeleteValue(ctx context.Context, key string) error {
	if _, err := b.db.ExecContext(ctx, `DELETE FROM data WHERE key = ?`, key); err != nil {
		return fmt.Errorf("table backend: delete: %w", err)
	}
	return nil
}

func (b *Backend) ReadAll(ctx context.Context) (map[string]string, error) {
	rows, err := b.db.QueryContext(ctx, `SELECT key, value FROM data`)
	if err != nil {
		return nil, fmt.Errorf("table backend: read all: %w", err)
	}
	defer rows.Close()

	out := make(map[string]string)
	for rows.Next() {
		var k, v string
		if err := rows.Scan(&k, &v); err != nil {
			return nil, fmt.Errorf("table backend: read all: scan: %w", err)
		}
		out[k] = v
	}
	return out, rows.Err()
}

// WriteAll replaces the entire table atomically within a SQL transaction.
func (b *Backend) WriteAll(ctx context.Context, data map[string]string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("table backend: write all: begin: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `DELETE FROM data`); err != nil {
		return fmt.Errorf("table backend: write all: clear: %w", err)
	}
	stmt, err := tx.PrepareContext(ctx, `INSERT INTO data(key, value) VALUES (?, ?)`)
	if err != nil {
		return fmt.Errorf("table backend: write all: prepare: %w", err)
	}
	defer stmt.Close()

	for k, v := range data {
		if _, err := stmt.ExecContext(ctx, k, v); err != nil {
			return fmt.Errorf("table backend: write all: insert: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("table backend: write all: commit: %w", err)
	}
	return nil
}

// BatchSet upserts entries inside one SQL transaction.
func (b *Backend) BatchSet(ctx context.Context, entries []backend.Entry) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("table backend: batch set: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `INSERT INTO data(key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`)
	if err != nil {
		return fmt.Errorf("table backend: batch set: prepare: %w", err)
	}
	defer stmt.Close()

	for _, e := range entries {
		if _, err := stmt.ExecContext(ctx, e.Key, e.Value); err != nil {
			return fmt.Errorf("table backend: batch set: exec: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("table backend: batch set: commit: %w", err)
	}
	return nil
}

func (b *Backend) BatchDelete(ctx context.Context, keys []string) error {
	tx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("table backend: batch delete: begin: %w", err)
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx, `DELETE FROM data WHERE key = ?`)
	if err != nil {
		return fmt.Errorf("table backend: batch delete: prepare: %w", err)
	}
	defer stmt.Close()

	for _, k := range keys {
		if _, err := stmt.ExecContext(ctx, k); err != nil {
			return fmt.Errorf("table backend: batch delete: exec: %w", err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("table backend: batch delete: commit: %w", err)
	}
	return nil
}

// StreamEntries issues a single ordered query and yields rows lazily. A
// scan failure mid-stream is reported through the returned error
// function rather than panicking or silently truncating the stream.
func (b *Backend) StreamEntries(ctx context.Context) (iter.Seq[backend.Entry], func() error) {
	var streamErr error
	seq := func(yield func(backend.Entry) bool) {
		rows, err := b.db.QueryContext(ctx, `SELECT key, value FROM data ORDER BY key`)
		if err != nil {
			streamErr = fmt.Errorf("table backend: stream: query: %w", err)
			return
		}
		defer rows.Close()

		for rows.Next() {
			var e backend.Entry
			if err := rows.Scan(&e.Key, &e.Value); err != nil {
				streamErr = fmt.Errorf("table backend: stream: scan: %w", err)
				return
			}
			if !yield(e) {
				return
			}
		}
		if err := rows.Err(); err != nil {
			streamErr = fmt.Errorf("table backend: stream: %w", err)
		}
	}
	return seq, func() error { return streamErr }
}

// RangeByKey runs the query-planner prefix push-down: a
// single ranged SELECT ordered by key, honoring limit/offset at the SQL
// level. prefix == "" scans the whole table in key order.
func (b *Backend) RangeByKey(ctx context.Context, prefix string, limit, offset int) ([]backend.Entry, error) {
	sqlLimit := limit
	if sqlLimit <= 0 {
		sqlLimit = -1 // SQLite: negative LIMIT means "no limit"
	}

	var rows *sql.Rows
	var err error
	if prefix == "" {
		rows, err = b.db.QueryContext(ctx,
			`SELECT key, value FROM data ORDER BY key LIMIT ? OFFSET ?`, sqlLimit, offset)
	} else {
		upper, ok := prefixUpperBound(prefix)
		if !ok {
			// prefix is all 0xFF bytes: no string can exceed it, so the
			// range degenerates to an exact-key match.
			rows, err = b.db.QueryContext(ctx,
				`SELECT key, value FROM data WHERE key = ? ORDER BY key LIMIT ? OFFSET ?`, prefix, sqlLimit, offset)
		} else {
			rows, err = b.db.QueryContext(ctx,
				`SELECT key, value FROM data WHERE key >= ? AND key < ? ORDER BY key LIMIT ? OFFSET ?`,
				prefix, upper, sqlLimit, offset)
		}
	}
	if err != nil {
		return nil, fmt.Errorf("table backend: range: %w", err)
	}
	defer rows.Close()

	var out []backend.Entry
	for rows.Next() {
		var e backend.Entry
		if err := rows.Scan(&e.Key, &e.Value); err != nil {
			return nil, fmt.Errorf("table backend: range: scan: %w", err)
		}
		out = append(out, e)
	}
	return out, rows.Err()
}

// prefixUpperBound returns the lexicographic exclusive upper bound for a
// prefix scan: the prefix with its last byte incremented. ok is false if
// prefix consists entirely of 0xFF bytes, in which case no string can
// exceed it and the caller must fall back to an exact match.
func prefixUpperBound(prefix string) (string, bool) {
	b := []byte(prefix)
	for i := len(b) - 1; i >= 0; i-- {
		if b[i] < 0xff {
			b[i]++
			return string(b[:i+1]), true
		}
	}
	return "", false
}

// SupportsTransactions always returns true for the table backend.
func (b *Backend) SupportsTransactions() bool { return true }

// BeginTx implements backend.Transactor. The underlying *sql.Tx is opened
// against a DSN configured with _txlock=immediate, so this acquires
// SQLite's write lock immediately rather than lazily on first write.
// Transactions do not nest: opening a second transaction on the same
// connection while one is in flight blocks until it's released, same as
// the backend's natural single-writer behavior.
func (b *Backend) BeginTx(ctx context.Context) (backend.Tx, error) {
	sqlTx, err := b.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, fmt.Errorf("table backend: begin tx: %w", err)
	}
	return &tx{sqlTx: sqlTx}, nil
}

type tx struct {
	sqlTx *sql.Tx
}

func (t *tx) Get(ctx context.Context, key string) (string, bool, error) {
	var value string
	err := t.sqlTx.QueryRowContext(ctx, `SELECT value FROM data WHERE key = ?`, key).Scan(&value)
	if err == sql.ErrNoRows {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("table backend: tx get: %w", err)
	}
	return value, true, nil
}

func (t *tx) Set(ctx context.Context, key, value string) error {
	_, err := t.sqlTx.ExecContext(ctx, `INSERT INTO data(key, value) VALUES (?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value`, key, value)
	if err != nil {
		return fmt.Errorf("table backend: tx set: %w", err)
	}
	return nil
}

func (t *tx) Delete(ctx context.Context, key string) error {
	if _, err := t.sqlTx.ExecContext(ctx, `DELETE FROM data WHERE key = ?`, key); err != nil {
		return fmt.Errorf("table backend: tx delete: %w", err)
	}
	return nil
}

func (t *tx) Commit(ctx context.Context) error {
	if err := t.sqlTx.Commit(); err != nil {
		return fmt.Errorf("table backend: tx commit: %w", err)
	}
	return nil
}

func (t *tx) Rollback(ctx context.Context) error {
	if err := t.sqlTx.Rollback(); err != nil && err != sql.ErrTxDone {
		return fmt.Errorf("table backend: tx rollback: %w", err)
	}
	return nil
}

func removeBestEffort(path string) {
	_ = os.Remove(path)
}
