// Package txn implements the transaction engine: atomic
// multi-operation commit against a backend that supports it, with cache
// reconciliation on commit and restoration on rollback.
package txn

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/dreamware/kvstore/internal/backend"
	"github.com/dreamware/kvstore/internal/cache"
	"github.com/dreamware/kvstore/internal/codec"
	"github.com/dreamware/kvstore/internal/validate"
)

// ErrNotSupported is returned when the backend does not implement
// Transactor.
var ErrNotSupported = errors.New("txn: backend does not support transactions")

type journalKind int

const (
	journalSet journalKind = iota
	journalDelete
)

type journalEntry struct {
	kind  journalKind
	key   string
	value any
}

type cacheBackup struct {
	existed bool
	value   any
}

// Proxy is handed to the caller's transaction body. Its three operations
// drive the backend directly inside the atomic section.
type Proxy struct {
	ctx context.Context
	tx  backend.Tx

	journal []journalEntry
	backups map[string]cacheBackup
	cache   *cache.Cache
}

// Get reads key from inside the atomic section, bypassing the cache.
func (p *Proxy) Get(key string) (any, bool, error) {
	raw, ok, err := p.tx.Get(p.ctx, key)
	if err != nil {
		return nil, false, err
	}
	if !ok {
		return nil, false, nil
	}
	return codec.Decode(raw), true, nil
}

// Set validates and encodes value, writes it through the prepared
// statement, and records the mutation in the journal.
func (p *Proxy) Set(key string, value any) error {
	if err := validate.Key(key); err != nil {
		return err
	}
	if err := validate.Value(value); err != nil {
		return err
	}
	encoded, err := codec.Encode(value)
	if err != nil {
		return err
	}
	if err := p.tx.Set(p.ctx, key, encoded); err != nil {
		return err
	}
	p.snapshotBackup(key)
	p.journal = append(p.journal, journalEntry{kind: journalSet, key: key, value: value})
	return nil
}

// Delete removes key inside the atomic section and records the mutation.
func (p *Proxy) Delete(key string) error {
	if err := validate.Key(key); err != nil {
		return err
	}
	if err := p.tx.Delete(p.ctx, key); err != nil {
		return err
	}
	p.snapshotBackup(key)
	p.journal = append(p.journal, journalEntry{kind: journalDelete, key: key})
	return nil
}

// snapshotBackup records the cache's pre-transaction value for key the
// first time the key is touched, so rollback can restore it.
func (p *Proxy) snapshotBackup(key string) {
	if p.cache == nil {
		return
	}
	if _, already := p.backups[key]; already {
		return
	}
	v, ok := p.cache.Get(key)
	p.backups[key] = cacheBackup{existed: ok, value: v}
}

// Body is the caller's transactional unit of work.
type Body func(*Proxy) error

// Engine drives the transaction protocol against a single backend and
// optional cache.
type Engine struct {
	backend backend.Backend
	cache   *cache.Cache
	flush   func(context.Context) error
	logger  *zap.Logger
}

// Option configures an Engine at construction time.
type Option func(*Engine)

func WithCache(c *cache.Cache) Option { return func(e *Engine) { e.cache = c } }
func WithFlush(flush func(context.Context) error) Option {
	return func(e *Engine) { e.flush = flush }
}
func WithLogger(logger *zap.Logger) Option { return func(e *Engine) { e.logger = logger } }

// New constructs an Engine over be. be must implement backend.Transactor
// and report SupportsTransactions()==true or every Run call fails with
// ErrNotSupported.
func New(be backend.Backend, opts ...Option) *Engine {
	e := &Engine{backend: be, logger: zap.NewNop()}
	for _, opt := range opts {
		opt(e)
	}
	return e
}

// Run executes body inside a transaction: on success it commits and
// reconciles the cache from the journal; on failure (body error or
// commit error) it rolls back and restores the cache from the backup
// snapshot, then returns the original error wrapped as *Error.
func (e *Engine) Run(ctx context.Context, body Body) error {
	if !e.backend.SupportsTransactions() {
		return ErrNotSupported
	}
	transactor, ok := e.backend.(backend.Transactor)
	if !ok {
		return ErrNotSupported
	}

	if e.flush != nil {
		if err := e.flush(ctx); err != nil {
			return fmt.Errorf("txn: flushing pending batch: %w", err)
		}
	}

	tx, err := transactor.BeginTx(ctx)
	if err != nil {
		return fmt.Errorf("txn: begin: %w", err)
	}

	proxy := &Proxy{ctx: ctx, tx: tx, backups: make(map[string]cacheBackup), cache: e.cache}

	bodyErr := runBody(body, proxy)
	if bodyErr != nil {
		_ = tx.Rollback(ctx)
		e.restoreCache(proxy)
		return &Error{Cause: bodyErr}
	}

	if err := tx.Commit(ctx); err != nil {
		_ = tx.Rollback(ctx)
		e.restoreCache(proxy)
		return &Error{Cause: err}
	}

	e.applyJournal(proxy)
	return nil
}

// runBody invokes body, converting a panic into an error so a single
// failed transaction body can never crash the caller mid-transaction.
func runBody(body Body, p *Proxy) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("txn: body panicked: %v", r)
		}
	}()
	return body(p)
}

func (e *Engine) applyJournal(p *Proxy) {
	if e.cache == nil {
		return
	}
	for _, j := range p.journal {
		switch j.kind {
		case journalSet:
			e.cache.Set(j.key, j.value, 0)
		case journalDelete:
			e.cache.Delete(j.key)
		}
	}
}

func (e *Engine) restoreCache(p *Proxy) {
	if e.cache == nil {
		return
	}
	for key, backup := range p.backups {
		if backup.existed {
			e.cache.Set(key, backup.value, 0)
		} else {
			e.cache.Delete(key)
		}
	}
}
