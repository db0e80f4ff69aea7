// Package kvstore is a single-process, embedded key-value store: a
// document-file or SQLite-table backend behind an LRU+TTL cache, a
// write-batch coalescer, pattern-matched change watchers, and an atomic
// transaction engine, fronted by the Store façade.
package kvstore

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strings"
	"sync"

	"go.uber.org/zap"

	"github.com/dreamware/kvstore/internal/backend"
	"github.com/dreamware/kvstore/internal/backend/docfile"
	"github.com/dreamware/kvstore/internal/backend/table"
	"github.com/dreamware/kvstore/internal/backup"
	"github.com/dreamware/kvstore/internal/batch"
	"github.com/dreamware/kvstore/internal/cache"
	"github.com/dreamware/kvstore/internal/codec"
	"github.com/dreamware/kvstore/internal/query"
	"github.com/dreamware/kvstore/internal/txn"
	"github.com/dreamware/kvstore/internal/validate"
	"github.com/dreamware/kvstore/internal/watch"
)

// Store is the operations façade wiring together the
// cache, the batch coalescer, the watcher manager, the transaction
// engine, the query planner, and a chosen backend.
type Store struct {
	opts Options
	path string
	be   backend.Backend

	cache     *cache.Cache
	coalescer *batch.Coalescer
	watchers  *watch.Manager
	txnEngine *txn.Engine

	logger *zap.Logger

	connMu sync.Mutex // serializes reconnect-on-timeout; ordinary operations do not take it

	statsMu sync.Mutex
	stats   Stats
}

// Stats is a supplemented diagnostic counter set exposed by Stats();
// cache statistics are reported separately via CacheStats.
type Stats struct {
	Gets, Sets, Deletes, Transactions, BackendReconnects uint64
}

// New opens (creating if absent) the store backed by path, whose
// extension selects the concrete backend.
func New(ctx context.Context, path string, opts ...Option) (*Store, error) {
	kind, err := resolveFilename(path)
	if err != nil {
		return nil, err
	}

	o := defaultOptions()
	for _, opt := range opts {
		opt(&o)
	}
	if err := o.validate(); err != nil {
		return nil, err
	}

	logger := zap.NewNop()

	var be backend.Backend
	switch kind {
	case backendDocfile:
		be = docfile.New(path, docfile.WithLogger(logger))
	case backendTable:
		be = table.New(path, table.Config{WALMode: o.WALMode, Logger: logger})
	}

	s := &Store{opts: o, path: path, be: be, logger: logger, watchers: watch.New(watch.WithLogger(logger))}

	connectCtx, cancel := context.WithTimeout(ctx, o.Timeout)
	defer cancel()
	if err := be.Connect(connectCtx); err != nil {
		return nil, connectionFailed(err)
	}

	if o.Cache {
		maxMemoryBytes := int64(o.CacheMaxMemoryMB * 1024 * 1024)
		s.cache = cache.New(o.CacheSize, maxMemoryBytes, o.CacheTTL, cache.WithLogger(logger))
	}
	if o.Batch {
		s.coalescer = batch.New(s.executeBatch,
			batch.WithMaxBatchSize(o.BatchSize),
			batch.WithMaxWaitTime(o.BatchDelay),
			batch.WithOperationTimeout(o.OperationTimeout))
	}
	s.txnEngine = txn.New(be, txn.WithCache(s.cache), txn.WithFlush(s.Flush), txn.WithLogger(logger))

	return s, nil
}

// mutationOp is what the batch coalescer's executor receives from Set and
// Delete; BulkSet and BulkDelete bypass the coalescer.
type mutationOp struct {
	deleted bool
	key     string
	encoded string
}

// executeBatch is the coalescer's Executor: it partitions a detached
// slice of mutationOps into a bulk set and a bulk delete and issues both
// as the backend's batch primitives.
func (s *Store) executeBatch(ctx context.Context, ops []batch.Op) error {
	var sets []backend.Entry
	var deletes []string
	for _, raw := range ops {
		op := raw.(mutationOp)
		if op.deleted {
			deletes = append(deletes, op.key)
		} else {
			sets = append(sets, backend.Entry{Key: op.key, Value: op.encoded})
		}
	}
	if len(sets) > 0 {
		if err := s.be.BatchSet(ctx, sets); err != nil {
			return err
		}
	}
	if len(deletes) > 0 {
		if err := s.be.BatchDelete(ctx, deletes); err != nil {
			return err
		}
	}
	return nil
}

// withTimeout runs op under the session operation timeout, and, unless
// KeepConnectionOpen is set, recycles the backend connection on timeout.
func (s *Store) withTimeout(ctx context.Context, op func(context.Context) error) error {
	opCtx, cancel := context.WithTimeout(ctx, s.opts.Timeout)
	defer cancel()

	err := op(opCtx)
	if err != nil && errors.Is(opCtx.Err(), context.DeadlineExceeded) {
		if !s.opts.KeepConnectionOpen {
			s.reconnect(ctx)
		}
		return &TimeoutError{Operation: "backend operation", Cause: opCtx.Err()}
	}
	return err
}

func (s *Store) reconnect(ctx context.Context) {
	s.connMu.Lock()
	defer s.connMu.Unlock()
	_ = s.be.Destroy(ctx)
	if err := s.be.Connect(ctx); err != nil {
		s.logger.Warn("kvstore: reconnect failed", zap.Error(err))
		return
	}
	s.statsMu.Lock()
	s.stats.BackendReconnects++
	s.statsMu.Unlock()
}

// Get returns the decoded value for key, or def if absent.
func (s *Store) Get(ctx context.Context, key string, def any) (any, error) {
	s.statsMu.Lock()
	s.stats.Gets++
	s.statsMu.Unlock()

	if err := validate.Key(key); err != nil {
		return nil, &InvalidKey{Key: key, Reason: err.Error()}
	}

	if s.cache != nil {
		if v, ok := s.cache.Get(key); ok {
			return v, nil
		}
	}

	var raw string
	var found bool
	err := s.withTimeout(ctx, func(opCtx context.Context) error {
		v, ok, err := s.be.GetValue(opCtx, key)
		raw, found = v, ok
		return err
	})
	if err != nil {
		var te *TimeoutError
		if errors.As(err, &te) {
			return nil, err
		}
		return nil, &ReadError{Cause: err}
	}
	if !found {
		return def, nil
	}

	decoded := codec.Decode(raw)
	if s.cache != nil {
		s.cache.Set(key, decoded, 0)
	}
	return decoded, nil
}

// Set upserts key with value, routing through the batch coalescer when
// batching is enabled.
func (s *Store) Set(ctx context.Context, key string, value any) error {
	s.statsMu.Lock()
	s.stats.Sets++
	s.statsMu.Unlock()

	if err := validate.Key(key); err != nil {
		return &InvalidKey{Key: key, Reason: err.Error()}
	}
	if err := validate.Value(value); err != nil {
		return &InvalidValue{Reason: err.Error()}
	}
	encoded, err := codec.Encode(value)
	if err != nil {
		return &InvalidValue{Reason: err.Error()}
	}

	if err := s.writeThrough(ctx, key, encoded); err != nil {
		return err
	}

	if s.cache != nil {
		s.cache.Set(key, value, 0)
	}
	s.watchers.Notify("set", key, value, nil)
	return nil
}

func (s *Store) writeThrough(ctx context.Context, key, encoded string) error {
	if s.coalescer != nil {
		return s.coalescer.Add(ctx, mutationOp{key: key, encoded: encoded})
	}
	return s.withTimeout(ctx, func(opCtx context.Context) error {
		return s.be.SetValue(opCtx, key, encoded)
	})
}

// Push appends v to the array stored at key (an absent key behaves as an
// empty array); fails with NotArrayError if the current value is present
// and is not an array.
func (s *Store) Push(ctx context.Context, key string, v any) error {
	current, err := s.Get(ctx, key, nil)
	if err != nil {
		return err
	}
	arr, ok := asArray(current)
	if !ok {
		return &NotArrayError{Key: key}
	}
	arr = append(arr, v)
	if err := s.Set(ctx, key, arr); err != nil {
		return err
	}
	s.watchers.Notify("push", key, arr, current)
	return nil
}

// Pull removes every strictly-equal occurrence of v from the array
// stored at key.
func (s *Store) Pull(ctx context.Context, key string, v any) error {
	current, err := s.Get(ctx, key, nil)
	if err != nil {
		return err
	}
	arr, ok := asArray(current)
	if !ok {
		return &NotArrayError{Key: key}
	}
	filtered := make([]any, 0, len(arr))
	for _, item := range arr {
		if !strictEqual(item, v) {
			filtered = append(filtered, item)
		}
	}
	if err := s.Set(ctx, key, filtered); err != nil {
		return err
	}
	s.watchers.Notify("pull", key, filtered, current)
	return nil
}

func asArray(v any) ([]any, bool) {
	if v == nil {
		return []any{}, true
	}
	arr, ok := v.([]any)
	return arr, ok
}

func strictEqual(a, b any) bool {
	if fmt.Sprintf("%T", a) != fmt.Sprintf("%T", b) {
		return false
	}
	return fmt.Sprint(a) == fmt.Sprint(b)
}

// Delete removes key.
func (s *Store) Delete(ctx context.Context, key string) error {
	s.statsMu.Lock()
	s.stats.Deletes++
	s.statsMu.Unlock()

	if err := validate.Key(key); err != nil {
		return &InvalidKey{Key: key, Reason: err.Error()}
	}

	old, _ := s.Get(ctx, key, nil)

	var err error
	if s.coalescer != nil {
		err = s.coalescer.Add(ctx, mutationOp{deleted: true, key: key})
	} else {
		err = s.withTimeout(ctx, func(opCtx context.Context) error {
			return s.be.DeleteValue(opCtx, key)
		})
	}
	if err != nil {
		return &WriteError{Cause: err}
	}

	if s.cache != nil {
		s.cache.Delete(key)
	}
	s.watchers.Notify("delete", key, nil, old)
	return nil
}

// BulkSet writes every entry through the backend's batch primitive
// directly (bypassing the coalescer), updates the cache, and dispatches
// a notification per entry.
func (s *Store) BulkSet(ctx context.Context, entries map[string]any) error {
	encoded := make([]backend.Entry, 0, len(entries))
	for k, v := range entries {
		if err := validate.Key(k); err != nil {
			return &InvalidKey{Key: k, Reason: err.Error()}
		}
		if err := validate.Value(v); err != nil {
			return &InvalidValue{Reason: err.Error()}
		}
		text, err := codec.Encode(v)
		if err != nil {
			return &InvalidValue{Reason: err.Error()}
		}
		encoded = append(encoded, backend.Entry{Key: k, Value: text})
	}

	err := s.withTimeout(ctx, func(opCtx context.Context) error {
		return s.be.BatchSet(opCtx, encoded)
	})
	if err != nil {
		return &WriteError{Cause: err}
	}

	for k, v := range entries {
		if s.cache != nil {
			s.cache.Set(k, v, 0)
		}
		s.watchers.Notify("set", k, v, nil)
	}
	return nil
}

// BulkDelete removes every key through the backend's batch primitive.
func (s *Store) BulkDelete(ctx context.Context, keys []string) error {
	for _, k := range keys {
		if err := validate.Key(k); err != nil {
			return &InvalidKey{Key: k, Reason: err.Error()}
		}
	}

	err := s.withTimeout(ctx, func(opCtx context.Context) error {
		return s.be.BatchDelete(opCtx, keys)
	})
	if err != nil {
		return &WriteError{Cause: err}
	}

	for _, k := range keys {
		if s.cache != nil {
			s.cache.Delete(k)
		}
		s.watchers.Notify("delete", k, nil, nil)
	}
	return nil
}

// Add increments the number stored at key by amount, treating an absent
// value as 0, and returns the new number. It is a Get followed by a Set,
// so concurrent Add calls on the same key are not atomic.
func (s *Store) Add(ctx context.Context, key string, amount float64) (float64, error) {
	return s.addOrSubtract(ctx, key, amount, "add")
}

// Subtract decrements the number stored at key by amount.
func (s *Store) Subtract(ctx context.Context, key string, amount float64) (float64, error) {
	return s.addOrSubtract(ctx, key, -amount, "subtract")
}

func (s *Store) addOrSubtract(ctx context.Context, key string, delta float64, kind string) (float64, error) {
	if !isFinite(delta) {
		return 0, &InvalidNumberError{Key: key}
	}
	current, err := s.Get(ctx, key, nil)
	if err != nil {
		return 0, err
	}
	base := 0.0
	if current != nil {
		n, ok := current.(float64)
		if !ok {
			return 0, &InvalidNumberError{Key: key}
		}
		base = n
	}
	next := base + delta
	if err := s.Set(ctx, key, next); err != nil {
		return 0, err
	}
	s.watchers.Notify(kind, key, next, current)
	return next, nil
}

func isFinite(f float64) bool {
	return !math.IsNaN(f) && !math.IsInf(f, 0)
}

// Has reports whether key is present, consulting the cache first. Unlike
// Get, a cache probe here does not promote key's MRU position or count
// toward the cache's hit/miss statistics.
func (s *Store) Has(ctx context.Context, key string) (bool, error) {
	if s.cache != nil {
		if s.cache.Has(key) {
			return true, nil
		}
	}
	_, found, err := s.readBackendValue(ctx, key)
	return found, err
}

func (s *Store) readBackendValue(ctx context.Context, key string) (string, bool, error) {
	var raw string
	var found bool
	err := s.withTimeout(ctx, func(opCtx context.Context) error {
		v, ok, err := s.be.GetValue(opCtx, key)
		raw, found = v, ok
		return err
	})
	if err != nil {
		return "", false, &ReadError{Cause: err}
	}
	return raw, found, nil
}

// FindKeys streams every key and returns those for which matches reports
// true.
func (s *Store) FindKeys(ctx context.Context, matches func(key string) bool) ([]string, error) {
	var keys []string
	seq, streamErr := s.be.StreamEntries(ctx)
	for e := range seq {
		if matches(e.Key) {
			keys = append(keys, e.Key)
		}
	}
	if err := streamErr(); err != nil {
		return nil, &ReadError{Cause: err}
	}
	return keys, nil
}

// StartsWith streams every key and returns those with prefix.
func (s *Store) StartsWith(ctx context.Context, prefix string) ([]string, error) {
	return s.FindKeys(ctx, func(key string) bool { return strings.HasPrefix(key, prefix) })
}

// Stream is a pass-through of the backend's streaming iterator.
func (s *Store) Stream(ctx context.Context) (func(func(backend.Entry) bool), func() error) {
	return s.be.StreamEntries(ctx)
}

// Query returns a fresh query.Builder over this store's backend.
func (s *Store) Query() *query.Builder {
	return query.New(s.be)
}

// Clear writes an empty key space to the backend and resets the cache.
func (s *Store) Clear(ctx context.Context) error {
	err := s.withTimeout(ctx, func(opCtx context.Context) error {
		return s.be.WriteAll(opCtx, map[string]string{})
	})
	if err != nil {
		return &WriteError{Cause: err}
	}
	if s.cache != nil {
		s.cache.Clear()
	}
	s.watchers.Notify("clear", "", nil, nil)
	return nil
}

// Flush flushes the batch coalescer, if batching is enabled.
func (s *Store) Flush(ctx context.Context) error {
	if s.coalescer == nil {
		return nil
	}
	return s.coalescer.Flush(ctx)
}

// Transact runs body inside an atomic transaction.
func (s *Store) Transact(ctx context.Context, body txn.Body) error {
	s.statsMu.Lock()
	s.stats.Transactions++
	s.statsMu.Unlock()

	err := s.txnEngine.Run(ctx, body)
	if err == nil {
		return nil
	}
	if errors.Is(err, txn.ErrNotSupported) {
		return &TransactionError{Cause: err}
	}
	var te *txn.Error
	if errors.As(err, &te) {
		return &TransactionError{Cause: te.Cause}
	}
	return &TransactionError{Cause: err}
}

// Watch registers callback against a glob-style key pattern.
func (s *Store) Watch(pattern string, callback watch.Callback) (string, func(), error) {
	return s.watchers.Watch(pattern, callback)
}

// OnEvent registers a manager-level listener for every notification.
func (s *Store) OnEvent(listener watch.GlobalListener) {
	s.watchers.OnEvent(listener)
}

// Backup streams the store's contents to path after flushing any
// pending batch.
func (s *Store) Backup(ctx context.Context, path string) error {
	if err := s.Flush(ctx); err != nil {
		return err
	}
	return backup.Backup(ctx, s.be, path)
}

// Restore replaces (or, with Merge, unions into) the store's contents
// from the backup file at path, then clears the cache.
func (s *Store) Restore(ctx context.Context, path string, opts backup.Options) error {
	if err := backup.Restore(ctx, s.be, path, opts); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.Clear()
	}
	return nil
}

// ListBackups enumerates and validates the backup files in dir.
func ListBackups(dir string) ([]backup.Info, error) {
	return backup.List(dir)
}

// Stats returns the supplemented diagnostic counters.
func (s *Store) Stats() Stats {
	s.statsMu.Lock()
	defer s.statsMu.Unlock()
	return s.stats
}

// ResetStats zeroes the diagnostic counters, including the cache's own
// hit/miss/eviction/expiration counters.
func (s *Store) ResetStats() {
	s.statsMu.Lock()
	s.stats = Stats{}
	s.statsMu.Unlock()
	if s.cache != nil {
		s.cache.ResetStats()
	}
}

// CacheStats returns the cache's hit/miss/eviction statistics, or the
// zero value if caching is disabled.
func (s *Store) CacheStats() cache.Stats {
	if s.cache == nil {
		return cache.Stats{}
	}
	return s.cache.Stats()
}

// Destroy tears the store down: it flushes (or drops) the coalescer,
// destroys the cache, clears the watchers, and destroys the backend
// connection.
func (s *Store) Destroy(ctx context.Context, flush bool) error {
	if s.coalescer != nil {
		if flush {
			_ = s.coalescer.Flush(ctx)
		} else {
			s.coalescer.Clear()
		}
	}
	if s.cache != nil {
		s.cache.Destroy()
	}
	s.watchers.Clear()
	if err := s.be.Destroy(ctx); err != nil {
		return &WriteError{Cause: err}
	}
	return nil
}
