package ingest

import (
	"strings"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/factgraph/factgraph/pkg/fact"
)

func TestMappingFactsAttributes(t *testing.T) {
	m := Mapping{
		Attributes: []AttributeRule{{
			IDKey:    "person_id",
			AttrKey:  "years",
			AttrName: "age",
			Label:    "Person",
		}},
	}

	facts, err := m.Facts(Row{"person_id": "alice", "years": 34})
	require.NoError(t, err)
	require.Len(t, facts, 2)
	require.True(t, facts[0].Equal(fact.NodeLabel("alice", "Person")))
	require.True(t, facts[1].Equal(fact.NodeAttribute("alice", "age", 34)))
	for _, f := range facts {
		require.Equal(t, fact.LineageFromMapping, f.Lineage())
	}
}

func TestMappingFactsRelationships(t *testing.T) {
	m := Mapping{
		Relationships: []RelationshipRule{{
			SourceIDKey: "from",
			TargetIDKey: "to",
			SourceLabel: "Person",
			TargetLabel: "Person",
			RelName:     "knows",
		}},
	}

	facts, err := m.Facts(Row{"from": "alice", "to": "bob"})
	require.NoError(t, err)
	require.Len(t, facts, 5)

	relID := fact.RelationshipID("alice", "bob", "knows")
	require.True(t, facts[2].Equal(fact.RelationshipLabel(relID, "knows")))
	require.True(t, facts[3].Equal(fact.RelationshipSource(relID, "alice")))
	require.True(t, facts[4].Equal(fact.RelationshipTarget(relID, "bob")))
}

func TestMappingFactsMalformedRows(t *testing.T) {
	m := Mapping{
		Attributes: []AttributeRule{{IDKey: "id", AttrKey: "age", AttrName: "age", Label: "Person"}},
	}

	for _, tc := range []struct {
		name string
		row  Row
	}{
		{name: "nil row", row: nil},
		{name: "missing id", row: Row{"age": 30}},
		{name: "nil id", row: Row{"id": nil, "age": 30}},
		{name: "empty id", row: Row{"id": "", "age": 30}},
		{name: "missing attribute", row: Row{"id": "alice"}},
	} {
		t.Run(tc.name, func(t *testing.T) {
			_, err := m.Facts(tc.row)
			require.ErrorIs(t, err, ErrMalformedRow)
		})
	}
}

func TestMappingFactsNumericID(t *testing.T) {
	m := Mapping{
		Attributes: []AttributeRule{{IDKey: "id", AttrKey: "age", AttrName: "age", Label: "Person"}},
	}

	facts, err := m.Facts(Row{"id": 7, "age": 30})
	require.NoError(t, err)
	require.True(t, facts[0].Equal(fact.NodeLabel("7", "Person")))
}

func TestReadJSONL(t *testing.T) {
	input := strings.Join([]string{
		`{"id": "alice", "age": 34}`,
		``,
		`not json at all`,
		`{"id": "bob", "age": 17}`,
	}, "\n")

	var rows []Row
	var badLines []string
	err := ReadJSONL(strings.NewReader(input), func(row Row, raw string) error {
		if row == nil {
			badLines = append(badLines, raw)
			return nil
		}
		rows = append(rows, row)
		return nil
	})
	require.NoError(t, err)

	require.Len(t, rows, 2)
	require.Equal(t, "alice", rows[0]["id"])
	require.Equal(t, float64(34), rows[0]["age"])
	require.Equal(t, []string{"not json at all"}, badLines)
}
