package query

import (
	"context"
	"path/filepath"
	"regexp"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/dreamware/kvstore/internal/backend"
	"github.com/dreamware/kvstore/internal/backend/table"
	"github.com/dreamware/kvstore/internal/codec"
)

func newSeededBackend(t *testing.T) *table.Backend {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "store.db")
	b := table.New(path, table.Config{WALMode: true})
	require.NoError(t, b.Connect(ctx))
	t.Cleanup(func() { _ = b.Destroy(ctx) })

	docs := map[string]any{
		"user:1":  map[string]any{"name": "alice", "age": float64(30)},
		"user:2":  map[string]any{"name": "bob", "age": float64(25)},
		"user:3":  map[string]any{"name": "carol", "age": float64(40)},
		"other:1": "plain-value",
	}
	var entries []backend.Entry
	for k, v := range docs {
		encoded, err := codec.Encode(v)
		require.NoError(t, err)
		entries = append(entries, backend.Entry{Key: k, Value: encoded})
	}
	require.NoError(t, b.BatchSet(ctx, entries))
	return b
}

func TestPrefixFilter(t *testing.T) {
	b := newSeededBackend(t)
	results, err := New(b).WithPrefix("user:").Get(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, 3)
}

func TestValueFilterEquality(t *testing.T) {
	b := newSeededBackend(t)
	results, err := New(b).WithPrefix("user:").Where("name", OpEq, "alice").Get(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.Equal(t, "user:1", results[0].Key)
}

func TestValueFilterOrdering(t *testing.T) {
	b := newSeededBackend(t)
	results, err := New(b).WithPrefix("user:").Where("age", OpGt, float64(26)).Get(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestSortAndLimit(t *testing.T) {
	b := newSeededBackend(t)
	results, err := New(b).WithPrefix("user:").SortBy("age", Ascending).Limit(2).Get(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 2)
	assert.Equal(t, "user:2", results[0].Key) // age 25
	assert.Equal(t, "user:1", results[1].Key) // age 30
}

func TestSortDescending(t *testing.T) {
	b := newSeededBackend(t)
	results, err := New(b).WithPrefix("user:").SortBy("age", Descending).Get(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 3)
	assert.Equal(t, "user:3", results[0].Key)
}

func TestCount(t *testing.T) {
	b := newSeededBackend(t)
	n, err := New(b).WithPrefix("user:").Count(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 3, n)
}

func TestFirstAndExists(t *testing.T) {
	b := newSeededBackend(t)
	r, err := New(b).WithPrefix("nope:").First(context.Background())
	require.NoError(t, err)
	assert.Nil(t, r)

	exists, err := New(b).WithPrefix("user:").Exists(context.Background())
	require.NoError(t, err)
	assert.True(t, exists)
}

func TestPluck(t *testing.T) {
	b := newSeededBackend(t)
	names, err := New(b).WithPrefix("user:").Pluck(context.Background(), "name")
	require.NoError(t, err)
	assert.ElementsMatch(t, []any{"alice", "bob", "carol"}, names)
}

func TestResultShapeForPlainValue(t *testing.T) {
	b := newSeededBackend(t)
	results, err := New(b).WithPrefix("other:").Get(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	assert.True(t, results[0].IsPlain)
	assert.Equal(t, "plain-value", results[0].Value)
}

func TestRegexFilter(t *testing.T) {
	b := newSeededBackend(t)
	re := regexp.MustCompile(`^user:[13]$`)
	results, err := New(b).WithRegex(re).Get(context.Background())
	require.NoError(t, err)
	assert.Len(t, results, 2)
}

func TestSelectProjection(t *testing.T) {
	b := newSeededBackend(t)
	results, err := New(b).WithPrefix("user:").Where("name", OpEq, "alice").Select("name").Get(context.Background())
	require.NoError(t, err)
	require.Len(t, results, 1)
	_, hasAge := results[0].Fields["age"]
	assert.False(t, hasAge)
	assert.Equal(t, "alice", results[0].Fields["name"])
}
