package kvstore

import (
	"context"
	"errors"
	"path/filepath"
	"strconv"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/kvstore/internal/backup"
	"github.com/dreamware/kvstore/internal/txn"
	"github.com/dreamware/kvstore/internal/watch"
)

func newDocStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.json")
	s, err := New(context.Background(), path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Destroy(context.Background(), false) })
	return s
}

func newTableStore(t *testing.T, opts ...Option) *Store {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	s, err := New(context.Background(), path, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Destroy(context.Background(), false) })
	return s
}

func TestScenarioABasicAndDefaultValue(t *testing.T) {
	ctx := context.Background()
	s := newDocStore(t)

	require.NoError(t, s.Set(ctx, "x", float64(1)))
	v, err := s.Get(ctx, "x", nil)
	require.NoError(t, err)
	assert.Equal(t, float64(1), v)

	v, err = s.Get(ctx, "y", float64(42))
	require.NoError(t, err)
	assert.Equal(t, float64(42), v)

	has, err := s.Has(ctx, "x")
	require.NoError(t, err)
	assert.True(t, has)

	require.NoError(t, s.Delete(ctx, "x"))
	v, err = s.Get(ctx, "x", nil)
	require.NoError(t, err)
	assert.Nil(t, v)
}

func TestScenarioCLRUWithCapacityThree(t *testing.T) {
	ctx := context.Background()
	s := newDocStore(t, WithCacheSize(3), WithBatch(false))

	require.NoError(t, s.Set(ctx, "a", float64(1)))
	require.NoError(t, s.Set(ctx, "b", float64(2)))
	require.NoError(t, s.Set(ctx, "c", float64(3)))
	_, err := s.Get(ctx, "a", nil)
	require.NoError(t, err)
	require.NoError(t, s.Set(ctx, "d", float64(4)))

	statsBefore := s.CacheStats().Misses
	_, err = s.Get(ctx, "b", nil)
	require.NoError(t, err)
	assert.Greater(t, s.CacheStats().Misses, statsBefore, "b should have been evicted, forcing a backend read")
}

func TestScenarioDTransactionalTransfer(t *testing.T) {
	ctx := context.Background()
	s := newTableStore(t)

	require.NoError(t, s.Set(ctx, "account:1", map[string]any{"balance": float64(1000)}))
	require.NoError(t, s.Set(ctx, "account:2", map[string]any{"balance": float64(500)}))

	err := s.Transact(ctx, func(p *txn.Proxy) error {
		acc1, _, err := p.Get("account:1")
		if err != nil {
			return err
		}
		acc2, _, err := p.Get("account:2")
		if err != nil {
			return err
		}
		b1 := acc1.(map[string]any)["balance"].(float64)
		b2 := acc2.(map[string]any)["balance"].(float64)
		if err := p.Set("account:1", map[string]any{"balance": b1 - 200}); err != nil {
			return err
		}
		return p.Set("account:2", map[string]any{"balance": b2 + 200})
	})
	require.NoError(t, err)

	v1, err := s.Get(ctx, "account:1", nil)
	require.NoError(t, err)
	assert.Equal(t, float64(800), v1.(map[string]any)["balance"])

	v2, err := s.Get(ctx, "account:2", nil)
	require.NoError(t, err)
	assert.Equal(t, float64(700), v2.(map[string]any)["balance"])
}

func TestScenarioDRollbackOnFailure(t *testing.T) {
	ctx := context.Background()
	s := newTableStore(t)

	require.NoError(t, s.Set(ctx, "account:1", map[string]any{"balance": float64(1000)}))
	require.NoError(t, s.Set(ctx, "account:2", map[string]any{"balance": float64(500)}))

	err := s.Transact(ctx, func(p *txn.Proxy) error {
		if err := p.Set("account:1", map[string]any{"balance": float64(800)}); err != nil {
			return err
		}
		return assertInsufficientFunds()
	})
	require.Error(t, err)

	v1, err := s.Get(ctx, "account:1", nil)
	require.NoError(t, err)
	assert.Equal(t, float64(1000), v1.(map[string]any)["balance"], "balance must be unchanged after rollback")
}

func TestPushPullAndArrayTypeErrors(t *testing.T) {
	ctx := context.Background()
	s := newDocStore(t)

	require.NoError(t, s.Push(ctx, "list", float64(1)))
	require.NoError(t, s.Push(ctx, "list", float64(2)))
	v, err := s.Get(ctx, "list", nil)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(1), float64(2)}, v)

	require.NoError(t, s.Pull(ctx, "list", float64(1)))
	v, err = s.Get(ctx, "list", nil)
	require.NoError(t, err)
	assert.Equal(t, []any{float64(2)}, v)

	require.NoError(t, s.Set(ctx, "notlist", "scalar"))
	err = s.Push(ctx, "notlist", float64(1))
	var nae *NotArrayError
	assert.ErrorAs(t, err, &nae)
}

func TestAddSubtract(t *testing.T) {
	ctx := context.Background()
	s := newDocStore(t)

	n, err := s.Add(ctx, "counter", 5)
	require.NoError(t, err)
	assert.Equal(t, float64(5), n)

	n, err = s.Subtract(ctx, "counter", 2)
	require.NoError(t, err)
	assert.Equal(t, float64(3), n)
}

func TestWatcherNotification(t *testing.T) {
	ctx := context.Background()
	s := newDocStore(t)

	var events []watch.Event
	_, _, err := s.Watch("*", func(ev watch.Event) error {
		events = append(events, ev)
		return nil
	})
	require.NoError(t, err)

	require.NoError(t, s.Set(ctx, "k", "v"))
	require.NoError(t, s.Delete(ctx, "k"))

	require.Len(t, events, 2)
	assert.Equal(t, "set", events[0].Kind)
	assert.Equal(t, "delete", events[1].Kind)
}

func TestScenarioFBatchCoalescing(t *testing.T) {
	ctx := context.Background()
	s := newTableStore(t, WithBatchSize(100), WithBatchDelay(50*time.Millisecond))

	var setEvents int32
	s.OnEvent(func(ev watch.Event) {
		if ev.Kind == "set" {
			atomic.AddInt32(&setEvents, 1)
		}
	})

	var wg sync.WaitGroup
	for i := 0; i < 500; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			assert.NoError(t, s.Set(ctx, keyFor(i), map[string]any{"value": float64(i)}))
		}(i)
	}
	wg.Wait()
	require.NoError(t, s.Flush(ctx))

	keys, err := s.StartsWith(ctx, "key")
	require.NoError(t, err)
	assert.Len(t, keys, 500)
	assert.Equal(t, int32(500), atomic.LoadInt32(&setEvents))
}

func keyFor(i int) string {
	return "key" + strconv.Itoa(i)
}

func TestBackupAndRestoreThroughStore(t *testing.T) {
	ctx := context.Background()
	s := newDocStore(t)
	require.NoError(t, s.Set(ctx, "a", "1"))
	require.NoError(t, s.Set(ctx, "b", "2"))

	backupPath := filepath.Join(t.TempDir(), "snap.json")
	require.NoError(t, s.Backup(ctx, backupPath))

	dst := newDocStore(t)
	require.NoError(t, dst.Restore(ctx, backupPath, backup.Options{}))

	v, err := dst.Get(ctx, "a", nil)
	require.NoError(t, err)
	assert.Equal(t, "1", v)
}

func TestInvalidKeyRejectedBeforeBackendIO(t *testing.T) {
	ctx := context.Background()
	s := newDocStore(t)

	err := s.Set(ctx, "", "v")
	var ik *InvalidKey
	assert.ErrorAs(t, err, &ik)
}

func TestFilenameExtensionSelectsBackend(t *testing.T) {
	_, err := New(context.Background(), filepath.Join(t.TempDir(), "store.txt"))
	assert.Error(t, err)
}

var errInsufficientFunds = errors.New("insufficient funds")

func assertInsufficientFunds() error {
	return errInsufficientFunds
}
