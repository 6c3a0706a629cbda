package memory

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/factgraph/factgraph/pkg/storage"
)

func collect(t *testing.T, it storage.EntryIterator) []storage.Entry {
	t.Helper()
	defer it.Stop()

	var out []storage.Entry
	for {
		entry, err := it.Next(context.Background())
		if err == storage.ErrIteratorDone {
			return out
		}
		require.NoError(t, err)
		out = append(out, entry)
	}
}

func TestPutHasOverwrite(t *testing.T) {
	ctx := context.Background()
	b := New()

	ok, err := b.Has(ctx, "a")
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, b.Put(ctx, "a", []byte("1")))
	require.NoError(t, b.Put(ctx, "a", []byte("2")))

	ok, err = b.Has(ctx, "a")
	require.NoError(t, err)
	require.True(t, ok)

	it, err := b.RangeScan(ctx, "a")
	require.NoError(t, err)
	entries := collect(t, it)
	require.Len(t, entries, 1)
	require.Equal(t, []byte("2"), entries[0].Value)
}

func TestRangeScanIsOrderedAndPrefixBound(t *testing.T) {
	ctx := context.Background()
	b := New()

	for _, key := range []string{"b:2", "a:1", "b:1", "c:1", "b:3"} {
		require.NoError(t, b.Put(ctx, key, []byte(key)))
	}

	it, err := b.RangeScan(ctx, "b:")
	require.NoError(t, err)
	entries := collect(t, it)

	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	require.Equal(t, []string{"b:1", "b:2", "b:3"}, keys)
}

func TestRangeScanSnapshotIgnoresLaterWrites(t *testing.T) {
	ctx := context.Background()
	b := New()

	require.NoError(t, b.Put(ctx, "a:1", []byte("1")))

	it, err := b.RangeScan(ctx, "a:")
	require.NoError(t, err)

	require.NoError(t, b.Put(ctx, "a:2", []byte("2")))

	entries := collect(t, it)
	require.Len(t, entries, 1)
}

func TestDeleteRange(t *testing.T) {
	ctx := context.Background()
	b := New()

	for _, key := range []string{"a", "b", "c", "d"} {
		require.NoError(t, b.Put(ctx, key, []byte(key)))
	}

	// half-open range: begin inclusive, end exclusive
	require.NoError(t, b.DeleteRange(ctx, "b", "d"))

	it, err := b.RangeScan(ctx, "")
	require.NoError(t, err)
	entries := collect(t, it)

	keys := make([]string, len(entries))
	for i, e := range entries {
		keys[i] = e.Key
	}
	require.Equal(t, []string{"a", "d"}, keys)
}

func TestContextCancellation(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	b := New()
	require.Error(t, b.Put(ctx, "a", []byte("1")))
	_, err := b.RangeScan(ctx, "")
	require.Error(t, err)
}
