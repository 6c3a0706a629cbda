package storage

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/factgraph/factgraph/pkg/fact"
)

func TestMakeIndex(t *testing.T) {
	for _, tc := range []struct {
		name string
		fact fact.Fact
		want string
	}{
		{
			name: "node label",
			fact: fact.NodeLabel("alice", "Person"),
			want: "node_label:Person:alice",
		},
		{
			name: "node attribute includes canonical value",
			fact: fact.NodeAttribute("alice", "age", 30),
			want: "node_attribute:alice:age:i30",
		},
		{
			name: "relationship label",
			fact: fact.RelationshipLabel("r1", "knows"),
			want: "relationship_label:r1:knows",
		},
		{
			name: "segments are escaped",
			fact: fact.NodeLabel("urn:alice", "Person"),
			want: "node_label:Person:urn%3aalice",
		},
		{
			name: "escape character is escaped",
			fact: fact.NodeLabel("100%", "Person"),
			want: "node_label:Person:100%25",
		},
	} {
		t.Run(tc.name, func(t *testing.T) {
			require.Equal(t, tc.want, MakeIndex(tc.fact))
		})
	}
}

func TestMakeIndexIgnoresLineage(t *testing.T) {
	a := fact.NodeLabel("alice", "Person")
	b := a.WithLineage(fact.LineageDerived)
	require.Equal(t, MakeIndex(a), MakeIndex(b))
}

func TestIndexKeysIncludeInvertedOrderings(t *testing.T) {
	keys := IndexKeys(fact.NodeLabel("alice", "Person"))
	require.Equal(t, []string{
		"node_label:Person:alice",
		"node_label_by_node:alice:Person",
	}, keys)

	keys = IndexKeys(fact.RelationshipSource("r1", "alice"))
	require.Equal(t, []string{
		"relationship_source:r1:alice",
		"relationship_source_by_node:alice:r1",
	}, keys)

	// attributes are only ever queried by node, one ordering suffices
	keys = IndexKeys(fact.NodeAttribute("alice", "age", 30))
	require.Len(t, keys, 1)
}

func TestEscapedSegmentsCannotCollide(t *testing.T) {
	// "a:b" + "c" and "a" + "b:c" must produce different keys
	k1 := MakeIndex(fact.NodeAttribute("a:b", "c", 1))
	k2 := MakeIndex(fact.NodeAttribute("a", "b:c", 1))
	require.NotEqual(t, k1, k2)
}
