// Package docfile implements a document-file backend: the entire
// key->encodedValue map lives in a single JSON file, held in memory
// between operations and rewritten atomically (write to a temp file in
// the same directory, fsync, rename) on every mutation.
//
// This is the backend selected by a ".json" filename. It
// reports SupportsTransactions()==false: there is no backend-level atomic
// section narrower than "rewrite the whole file", so the transaction
// engine (internal/txn) is unavailable for it.
package docfile

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"iter"
	"os"
	"path/filepath"
	"sync"

	"go.uber.org/zap"

	"github.com/dreamware/kvstore/internal/backend"
)

// DefaultMaxBytes bounds the size of the file Connect will load, guarding
// against loading a pathologically large file in full. Writes are not
// checked against it.
const DefaultMaxBytes = 512 * 1024 * 1024 // 512 MiB

// Backend is the document-file backend. The zero value is not usable;
// construct with New.
type Backend struct {
	logger   *zap.Logger
	data     map[string]string
	path     string
	maxBytes int64
	mu       sync.RWMutex
	loaded   bool
}

// Option configures a Backend at construction time.
type Option func(*Backend)

// WithLogger attaches a logger; the default is a no-op logger.
func WithLogger(logger *zap.Logger) Option {
	return func(b *Backend) { b.logger = logger }
}

// WithMaxBytes overrides DefaultMaxBytes.
func WithMaxBytes(n int64) Option {
	return func(b *Backend) { b.maxBytes = n }
}

// New constructs a document-file backend rooted at path. Connect must be
// called before use.
func New(path string, opts ...Option) *Backend {
	b := &Backend{
		path:     path,
		maxBytes: DefaultMaxBytes,
		logger:   zap.NewNop(),
		data:     make(map[string]string),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// Connect loads path into memory if it exists, or starts from an empty
// map if it doesn't (the file is created on first write).
func (b *Backend) Connect(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()

	f, err := os.Open(b.path)
	if os.IsNotExist(err) {
		b.data = make(map[string]string)
		b.loaded = true
		return nil
	}
	if err != nil {
		return fmt.Errorf("document backend: connect: %w", err)
	}
	defer f.Close()

	info, err := f.Stat()
	if err != nil {
		return fmt.Errorf("document backend: connect: %w", err)
	}
	if info.Size() > b.maxBytes {
		return fmt.Errorf("document backend: file %s exceeds max size %d bytes", b.path, b.maxBytes)
	}

	raw, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("document backend: connect: %w", err)
	}

	data := make(map[string]string)
	if len(raw) > 0 {
		if err := json.Unmarshal(raw, &data); err != nil {
			return fmt.Errorf("document backend: connect: malformed document: %w", err)
		}
	}
	b.data = data
	b.loaded = true
	b.logger.Debug("document backend loaded", zap.String("path", b.path), zap.Int("keys", len(data)))
	return nil
}

// Destroy is a no-op for the document backend beyond dropping the
// in-memory map; the file itself is left on disk.
func (b *Backend) Destroy(ctx context.Context) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data = nil
	b.loaded = false
	return nil
}

func (b *Backend) GetValue(ctx context.Context, key string) (string, bool, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	v, ok := b.data[key]
	return v, ok, nil
}

func (b *Backend) SetValue(ctx context.Context, key, value string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.data[key] = value
	return b.persistLocked()
}

func (b *Backend) DeleteValue(ctx context.Context, key string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.data, key)
	return b.persistLocked()
}

func (b *Backend) ReadAll(ctx context.Context) (map[string]string, error) {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make(map[string]string, len(b.data))
	for k, v := range b.data {
		out[k] = v
	}
	return out, nil
}

func (b *Backend) WriteAll(ctx context.Context, data map[string]string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	clone := make(map[string]string, len(data))
	for k, v := range data {
		clone[k] = v
	}
	b.data = clone
	return b.persistLocked()
}

func (b *Backend) BatchSet(ctx context.Context, entries []backend.Entry) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, e := range entries {
		b.data[e.Key] = e.Value
	}
	return b.persistLocked()
}

func (b *Backend) BatchDelete(ctx context.Context, keys []string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	for _, k := range keys {
		delete(b.data, k)
	}
	return b.persistLocked()
}

// StreamEntries yields a snapshot of the map taken under a read lock. The
// document backend never fails mid-iteration (the whole map is already in
// memory), so the returned error function reports only a cancellation of
// ctx.
func (b *Backend) StreamEntries(ctx context.Context) (iter.Seq[backend.Entry], func() error) {
	b.mu.RLock()
	snapshot := make(map[string]string, len(b.data))
	for k, v := range b.data {
		snapshot[k] = v
	}
	b.mu.RUnlock()

	seq := func(yield func(backend.Entry) bool) {
		for k, v := range snapshot {
			if ctx.Err() != nil {
				return
			}
			if !yield(backend.Entry{Key: k, Value: v}) {
				return
			}
		}
	}
	return seq, func() error { return ctx.Err() }
}

// SupportsTransactions always returns false for the document backend.
func (b *Backend) SupportsTransactions() bool { return false }

// persistLocked rewrites the whole file via write-to-temp + fsync +
// rename, assuming the caller already holds b.mu for writing.
func (b *Backend) persistLocked() error {
	raw, err := json.Marshal(b.data)
	if err != nil {
		return fmt.Errorf("document backend: marshal: %w", err)
	}

	dir := filepath.Dir(b.path)
	tmp, err := os.CreateTemp(dir, ".kvstore-*.tmp")
	if err != nil {
		return fmt.Errorf("document backend: create temp file: %w", err)
	}
	tmpPath := tmp.Name()
	defer os.Remove(tmpPath) // no-op once renamed away

	if _, err := tmp.Write(raw); err != nil {
		tmp.Close()
		return fmt.Errorf("document backend: write temp file: %w", err)
	}
	if err := tmp.Sync(); err != nil {
		tmp.Close()
		return fmt.Errorf("document backend: fsync temp file: %w", err)
	}
	if err := tmp.Close(); err != nil {
		return fmt.Errorf("document backend: close temp file: %w", err)
	}
	if err := os.Chmod(tmpPath, 0o600); err != nil && !os.IsPermission(err) {
		b.logger.Warn("document backend: could not set owner-only permissions", zap.Error(err))
	}
	if err := os.Rename(tmpPath, b.path); err != nil {
		return fmt.Errorf("document backend: rename temp file into place: %w", err)
	}
	return nil
}
