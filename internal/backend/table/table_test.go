package table

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/kvstore/internal/backend"
)

func newTestBackend(t *testing.T) *Backend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	b := New(path, Config{WALMode: true})
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() { _ = b.Destroy(context.Background()) })
	return b
}

func TestTableSetGetDelete(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	require.NoError(t, b.SetValue(ctx, "a", "1"))
	v, ok, err := b.GetValue(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	require.NoError(t, b.SetValue(ctx, "a", "2"))
	v, _, _ = b.GetValue(ctx, "a")
	assert.Equal(t, "2", v)

	require.NoError(t, b.DeleteValue(ctx, "a"))
	_, ok, _ = b.GetValue(ctx, "a")
	assert.False(t, ok)
}

func TestTableBatchAndRange(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	entries := []backend.Entry{
		{Key: "user:1", Value: "a"},
		{Key: "user:2", Value: "b"},
		{Key: "other:1", Value: "c"},
	}
	require.NoError(t, b.BatchSet(ctx, entries))

	got, err := b.RangeByKey(ctx, "user:", 0, 0)
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "user:1", got[0].Key)
	assert.Equal(t, "user:2", got[1].Key)

	require.NoError(t, b.BatchDelete(ctx, []string{"user:1"}))
	all, err := b.ReadAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 2)
}

func TestTableTransaction(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)
	require.True(t, b.SupportsTransactions())

	tx, err := b.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Set(ctx, "k", "v"))
	require.NoError(t, tx.Commit(ctx))

	v, ok, err := b.GetValue(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestTableTransactionRollback(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	tx, err := b.BeginTx(ctx)
	require.NoError(t, err)
	require.NoError(t, tx.Set(ctx, "k2", "v2"))
	require.NoError(t, tx.Rollback(ctx))

	_, ok, err := b.GetValue(ctx, "k2")
	require.NoError(t, err)
	assert.False(t, ok)
}
