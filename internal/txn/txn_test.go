package txn

import (
	"context"
	"errors"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/kvstore/internal/backend/docfile"
	"github.com/dreamware/kvstore/internal/backend/table"
	"github.com/dreamware/kvstore/internal/cache"
)

func newTableBackend(t *testing.T) *table.Backend {
	t.Helper()
	path := filepath.Join(t.TempDir(), "store.db")
	b := table.New(path, table.Config{WALMode: true})
	require.NoError(t, b.Connect(context.Background()))
	t.Cleanup(func() { _ = b.Destroy(context.Background()) })
	return b
}

func TestRunCommitsAndReconcilesCache(t *testing.T) {
	ctx := context.Background()
	be := newTableBackend(t)
	c := cache.New(100, 0, 0)
	defer c.Destroy()

	eng := New(be, WithCache(c))

	err := eng.Run(ctx, func(p *Proxy) error {
		return p.Set("k", "v1")
	})
	require.NoError(t, err)

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "v1", v)

	raw, ok, err := be.GetValue(ctx, "k")
	require.NoError(t, err)
	require.True(t, ok)
	assert.Equal(t, `"v1"`, raw)
}

func TestRunRollsBackAndRestoresCache(t *testing.T) {
	ctx := context.Background()
	be := newTableBackend(t)
	c := cache.New(100, 0, 0)
	defer c.Destroy()

	c.Set("k", "original", 0)

	wantErr := errors.New("body failed")
	err := eng(be, c).Run(ctx, func(p *Proxy) error {
		if setErr := p.Set("k", "changed"); setErr != nil {
			return setErr
		}
		return wantErr
	})
	require.Error(t, err)
	assert.ErrorIs(t, err, wantErr)

	v, ok := c.Get("k")
	require.True(t, ok)
	assert.Equal(t, "original", v, "cache must be restored to its pre-transaction value")

	_, ok, ferr := be.GetValue(ctx, "k")
	require.NoError(t, ferr)
	assert.False(t, ok, "backend write must have been rolled back")
}

func TestRunFailsWhenBackendDoesNotSupportTransactions(t *testing.T) {
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.json")
	be := docfile.New(path)
	require.NoError(t, be.Connect(ctx))
	defer be.Destroy(ctx)

	err := New(be).Run(ctx, func(p *Proxy) error { return nil })
	assert.ErrorIs(t, err, ErrNotSupported)
}

func TestRunFlushesPendingBatchFirst(t *testing.T) {
	ctx := context.Background()
	be := newTableBackend(t)

	var flushed bool
	eng := New(be, WithFlush(func(context.Context) error {
		flushed = true
		return nil
	}))

	require.NoError(t, eng.Run(ctx, func(p *Proxy) error {
		return p.Set("k", "v")
	}))
	assert.True(t, flushed)
}

func eng(be *table.Backend, c *cache.Cache) *Engine {
	return New(be, WithCache(c))
}
