package storage_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/factgraph/factgraph/pkg/fact"
	"github.com/factgraph/factgraph/pkg/storage"
	"github.com/factgraph/factgraph/pkg/storage/memory"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func newStore(t *testing.T, opts ...storage.FactStoreOption) *storage.FactStore {
	t.Helper()
	return storage.NewFactStore(memory.New(), opts...)
}

func TestAppendIsIdempotent(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	f := fact.NodeLabel("alice", "Person")
	require.NoError(t, store.Append(ctx, f))
	require.NoError(t, store.Append(ctx, f))
	require.NoError(t, store.Append(ctx, f.WithLineage(fact.LineageDerived)))

	all, err := storage.CollectFacts(ctx, store.IterateAll(ctx))
	require.NoError(t, err)
	require.Len(t, all, 1)
	require.True(t, all[0].Equal(f))
}

func TestContains(t *testing.T) {
	ctx := context.Background()

	for _, tc := range []struct {
		name string
		opts []storage.FactStoreOption
	}{
		{name: "without prefilter"},
		{name: "with prefilter", opts: []storage.FactStoreOption{storage.WithPrefilter(1000, 0.01)}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			store := newStore(t, tc.opts...)

			f := fact.NodeAttribute("alice", "age", 30)
			ok, err := store.Contains(ctx, f)
			require.NoError(t, err)
			require.False(t, ok)

			require.NoError(t, store.Append(ctx, f))

			ok, err = store.Contains(ctx, f)
			require.NoError(t, err)
			require.True(t, ok)

			// same pair, different value, is a different fact
			ok, err = store.Contains(ctx, fact.NodeAttribute("alice", "age", 31))
			require.NoError(t, err)
			require.False(t, ok)
		})
	}
}

func TestNodesWithLabelAndLabelsOf(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.Append(ctx, fact.NodeLabel("alice", "Person")))
	require.NoError(t, store.Append(ctx, fact.NodeLabel("bob", "Person")))
	require.NoError(t, store.Append(ctx, fact.NodeLabel("alice", "Admin")))

	it, err := store.NodesWithLabel(ctx, "Person")
	require.NoError(t, err)
	ids, err := storage.CollectIDs(ctx, it)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"alice", "bob"}, ids)

	it, err = store.LabelsOf(ctx, "alice")
	require.NoError(t, err)
	labels, err := storage.CollectIDs(ctx, it)
	require.NoError(t, err)
	require.ElementsMatch(t, []string{"Person", "Admin"}, labels)

	it, err = store.NodesWithLabel(ctx, "Ghost")
	require.NoError(t, err)
	ids, err = storage.CollectIDs(ctx, it)
	require.NoError(t, err)
	require.Empty(t, ids)
}

func TestAttributeValue(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	_, err := store.AttributeValue(ctx, "alice", "age")
	require.ErrorIs(t, err, storage.ErrNotFound)

	require.NoError(t, store.Append(ctx, fact.NodeAttribute("alice", "age", 30)))

	v, err := store.AttributeValue(ctx, "alice", "age")
	require.NoError(t, err)
	require.True(t, v.Equal(fact.ValueOf(30)))

	// storing the same value again is fine
	require.NoError(t, store.Append(ctx, fact.NodeAttribute("alice", "age", 30.0)))
	_, err = store.AttributeValue(ctx, "alice", "age")
	require.NoError(t, err)

	// a conflicting value surfaces instead of being silently picked
	require.NoError(t, store.Append(ctx, fact.NodeAttribute("alice", "age", 31)))
	_, err = store.AttributeValue(ctx, "alice", "age")
	require.ErrorIs(t, err, storage.ErrInconsistentAttribute)
}

func TestAttributes(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	require.NoError(t, store.Append(ctx, fact.NodeAttribute("alice", "age", 30)))
	require.NoError(t, store.Append(ctx, fact.NodeAttribute("alice", "name", "Alice")))
	require.NoError(t, store.Append(ctx, fact.NodeAttribute("bob", "age", 40)))

	attrs, err := store.Attributes(ctx, "alice")
	require.NoError(t, err)
	require.Len(t, attrs, 2)
	require.True(t, attrs["age"].Equal(fact.ValueOf(30)))
	require.True(t, attrs["name"].Equal(fact.ValueOf("Alice")))

	attrs, err = store.Attributes(ctx, "carol")
	require.NoError(t, err)
	require.Empty(t, attrs)
}

func TestRelationships(t *testing.T) {
	ctx := context.Background()
	store := newStore(t)

	relID := fact.RelationshipID("alice", "bob", "knows")
	require.NoError(t, store.Append(ctx, fact.RelationshipLabel(relID, "knows")))
	require.NoError(t, store.Append(ctx, fact.RelationshipSource(relID, "alice")))
	require.NoError(t, store.Append(ctx, fact.RelationshipTarget(relID, "bob")))

	it, err := store.RelationshipsWithLabel(ctx, "knows")
	require.NoError(t, err)
	ids, err := storage.CollectIDs(ctx, it)
	require.NoError(t, err)
	require.Equal(t, []string{relID}, ids)

	src, err := store.SourceOf(ctx, relID)
	require.NoError(t, err)
	require.Equal(t, "alice", src)

	tgt, err := store.TargetOf(ctx, relID)
	require.NoError(t, err)
	require.Equal(t, "bob", tgt)

	_, err = store.SourceOf(ctx, "missing")
	require.ErrorIs(t, err, storage.ErrNotFound)

	it, err = store.RelationshipsFrom(ctx, "alice")
	require.NoError(t, err)
	ids, err = storage.CollectIDs(ctx, it)
	require.NoError(t, err)
	require.Equal(t, []string{relID}, ids)

	it, err = store.RelationshipsTo(ctx, "bob")
	require.NoError(t, err)
	ids, err = storage.CollectIDs(ctx, it)
	require.NoError(t, err)
	require.Equal(t, []string{relID}, ids)
}

func TestCloseErasesEverything(t *testing.T) {
	ctx := context.Background()
	kv := memory.New()
	store := storage.NewFactStore(kv, storage.WithPrefilter(1000, 0.01))

	require.NoError(t, store.Append(ctx, fact.NodeLabel("alice", "Person")))
	require.NoError(t, store.Close(ctx))

	// the backend holds nothing once the store is closed
	it, err := kv.RangeScan(ctx, "")
	require.NoError(t, err)
	defer it.Stop()
	_, err = it.Next(ctx)
	require.ErrorIs(t, err, storage.ErrIteratorDone)
}
