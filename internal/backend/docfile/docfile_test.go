package docfile

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
	path := filepath.Join(t.TempDir(), "store.json")
	b := New(path)
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() { _ = b.Destroy(context.Background()) })
	return b
}

func TestSetGetDelete(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	_, ok, err := b.GetValue(ctx, "missing")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, b.SetValue(ctx, "a", "1"))
	v, ok, err := b.GetValue(ctx, "a")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "1", v)

	require.NoError(t, b.DeleteValue(ctx, "a"))
	_, ok, err = b.GetValue(ctx, "a")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestPersistenceSurvivesReconnect(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")

	b1 := New(path)
	require.NoError(t, b1.Connect(ctx))
	require.NoError(t, b1.SetValue(ctx, "k", "v"))
	require.NoError(t, b1.Destroy(ctx))

	b2 := New(path)
	require.NoError(t, b2.Connect(ctx))
	v, ok, err := b2.GetValue(ctx, "k")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "v", v)
}

func TestBatchAndStream(t *testing.T) {
	ctx := context.Background()
	b := newTestBackend(t)

	require.NoError(t, b.BatchSet(ctx, []backend.Entry{
		{Key: "a", Value: "1"},
		{Key: "b", Value: "2"},
	}))

	seq, streamErr := b.StreamEntries(ctx)
	seen := map[string]string{}
	for e := range seq {
		seen[e.Key] = e.Value
	}
	require.NoError(t, streamErr())
	assert.Equal(t, map[string]string{"a": "1", "b": "2"}, seen)

	require.NoError(t, b.BatchDelete(ctx, []string{"a"}))
	all, err := b.ReadAll(ctx)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"b": "2"}, all)
}

func TestSupportsTransactionsIsFalse(t *testing.T) {
	b := newTestBackend(t)
	assert.False(t, b.SupportsTransactions())
}
