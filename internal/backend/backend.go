// Package backend defines the minimal persistence contract the façade
// drives and the two concrete variants: a document-file
// backend (package docfile) holding the whole key space in one JSON file,
// and a table backend (package table) backed by SQLite. Transaction
// support is backend-optional, surfaced through the Transactor interface.
package backend

import (
	"context"
	"iter"
)

// Entry is a single persisted (key, encoded-value) pair. The value is
// always the codec's text form (internal/codec), never the decoded Go
// value -- decoding is the façade's job.
type Entry struct {
	Key   string
	Value string
}

// Backend is the abstract contract every persistence driver must uphold.
// Implementations must be safe for concurrent use.
type Backend interface {
	// Connect opens (or re-opens) the underlying storage. Safe to call on
	// an already-connected backend to re-establish a connection dropped by
	// a previous timeout.
	Connect(ctx context.Context) error

	// Destroy releases all resources held by the backend (file handles,
	// connections, sidecar files) and renders the backend unusable.
	Destroy(ctx context.Context) error

	// GetValue returns the encoded value for key, or ok=false if key is
	// absent.
	GetValue(ctx context.Context, key string) (value string, ok bool, err error)

	// SetValue upserts key with the given encoded value.
	SetValue(ctx context.Context, key, value string) error

	// DeleteValue removes key. Idempotent: deleting an absent key is not
	// an error.
	DeleteValue(ctx context.Context, key string) error

	// ReadAll returns the entire key space as encoded values.
	ReadAll(ctx context.Context) (map[string]string, error)

	// WriteAll atomically replaces the entire key space with data.
	WriteAll(ctx context.Context, data map[string]string) error

	// BatchSet upserts every entry in entries as one logical operation.
	BatchSet(ctx context.Context, entries []Entry) error

	// BatchDelete removes every key in keys as one logical operation.
	BatchDelete(ctx context.Context, keys []string) error

	// StreamEntries lazily yields every (key, encoded-value) pair. A
	// one-value decode failure downstream must not abort the stream; this
	// method itself only ever yields raw encoded text, so decode failures
	// are entirely the caller's concern. An iteration-level failure (e.g.
	// the underlying file/connection breaks mid-scan) is reported through
	// the returned error function.
	StreamEntries(ctx context.Context) (iter.Seq[Entry], func() error)

	// SupportsTransactions reports whether this backend implements
	// Transactor.
	SupportsTransactions() bool
}

// Transactor is implemented by backends that report
// SupportsTransactions()==true. BeginTx opens a
// backend-level atomic section with immediate write-intent acquisition
// and returns a Tx bound to that section.
type Transactor interface {
	BeginTx(ctx context.Context) (Tx, error)
}

// Tx is a backend-level atomic section. The transaction engine
// (internal/txn) drives reads and writes through it and calls Commit or
// Rollback exactly once.
type Tx interface {
	// Get reads key directly from within the atomic section, bypassing
	// any cache.
	Get(ctx context.Context, key string) (value string, ok bool, err error)

	// Set writes key within the atomic section.
	Set(ctx context.Context, key, value string) error

	// Delete removes key within the atomic section.
	Delete(ctx context.Context, key string) error

	// Commit finalizes the atomic section. After Commit returns
	// (successfully or not), neither Commit nor Rollback may be called
	// again.
	Commit(ctx context.Context) error

	// Rollback discards every write made through this Tx. Safe to call
	// after a failed Commit.
	Rollback(ctx context.Context) error
}
