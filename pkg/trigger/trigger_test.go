package trigger

import (
	"testing"

	"github.com/stretchr/testify/require"
	"go.uber.org/zap/zapcore"

	"github.com/factgraph/factgraph/pkg/fact"
	"github.com/factgraph/factgraph/pkg/logger"
	"github.com/factgraph/factgraph/pkg/pattern/cypher"
)

func adultFn(args ...any) (any, error) { return true, nil }

func newRegistry() *Registry {
	return NewRegistry(cypher.NewParser())
}

func TestRegisterAttributeDerivation(t *testing.T) {
	r := newRegistry()

	tr, err := r.Register(`MATCH (p:Person) WHERE p.age >= 18 RETURN p`,
		adultFn, AttributeDerivation, []string{"p"},
		Output{Variable: "p", Attribute: "adult"})
	require.NoError(t, err)

	require.Equal(t, ContentHash(tr.Text()), tr.ID())
	require.Equal(t, AttributeDerivation, tr.Kind())
	require.Equal(t, []string{"p"}, tr.ParamNames())
	require.NotEmpty(t, tr.Constraints())
	require.Equal(t, 1, r.Len())

	got, ok := r.Get(tr.ID())
	require.True(t, ok)
	require.Same(t, tr, got)
}

func TestRegisterRejectsUnknownKind(t *testing.T) {
	r := newRegistry()

	_, err := r.Register(`MATCH (p:Person) RETURN p`, adultFn, Kind(42), []string{"p"}, Output{})
	require.ErrorIs(t, err, ErrUnknownKind)
	require.Equal(t, 0, r.Len())
}

func TestRegisterValidatesOutput(t *testing.T) {
	r := newRegistry()

	_, err := r.Register(`MATCH (p:Person) RETURN p`, adultFn, AttributeDerivation, []string{"p"}, Output{})
	require.Error(t, err)

	_, err = r.Register(`MATCH (p:Person) RETURN p`, adultFn, RelationshipDerivation, []string{"p"},
		Output{SourceVariable: "p", Label: "knows"})
	require.Error(t, err)

	_, err = r.Register(`MATCH (p:Person) RETURN p`, nil, AttributeDerivation, []string{"p"},
		Output{Variable: "p", Attribute: "adult"})
	require.Error(t, err)
}

func TestRegisterRejectsUnparsablePattern(t *testing.T) {
	r := newRegistry()

	_, err := r.Register(`NOT A PATTERN`, adultFn, AttributeDerivation, []string{"p"},
		Output{Variable: "p", Attribute: "adult"})
	require.Error(t, err)
}

func TestRegisterIdenticalTextOverwrites(t *testing.T) {
	log, logs := logger.NewObserverLogger("debug")
	r := NewRegistry(cypher.NewParser(), WithLogger(log))

	text := `MATCH (p:Person) RETURN p`
	first, err := r.Register(text, adultFn, AttributeDerivation, []string{"p"},
		Output{Variable: "p", Attribute: "adult"})
	require.NoError(t, err)

	second, err := r.Register(text, adultFn, AttributeDerivation, []string{"p"},
		Output{Variable: "p", Attribute: "grownup"})
	require.NoError(t, err)

	require.Equal(t, first.ID(), second.ID())
	require.Equal(t, 1, r.Len())

	got, ok := r.Get(first.ID())
	require.True(t, ok)
	require.Equal(t, "grownup", got.Output().Attribute)

	entries := logs.All()
	require.Len(t, entries, 1)
	require.Equal(t, zapcore.WarnLevel, entries[0].Level)
}

func TestConstraintsAreDeduplicated(t *testing.T) {
	r := newRegistry()

	// the label constraint appears in the pattern part and, via merging,
	// only once in the gathered set
	tr, err := r.Register(`MATCH (p:Person), (p:Person) RETURN p`, adultFn,
		AttributeDerivation, []string{"p"}, Output{Variable: "p", Attribute: "adult"})
	require.NoError(t, err)

	seen := map[string]int{}
	for _, c := range tr.Constraints() {
		seen[c.Key()]++
	}
	for key, n := range seen {
		require.Equal(t, 1, n, "constraint %s gathered more than once", key)
	}
}

func TestArgs(t *testing.T) {
	r := newRegistry()
	tr, err := r.Register(`MATCH (p:Person)-[k:knows]->(q:Person) RETURN p, q`,
		adultFn, RelationshipDerivation, []string{"p", "q"},
		Output{SourceVariable: "p", TargetVariable: "q", Label: "acquainted"})
	require.NoError(t, err)

	args, err := tr.Args(fact.Substitution{"p": "alice", "q": "bob", "k": "r1"})
	require.NoError(t, err)
	require.Equal(t, []string{"alice", "bob"}, args)

	_, err = tr.Args(fact.Substitution{"p": "alice"})
	require.Error(t, err)
}

func TestDeriveAttribute(t *testing.T) {
	r := newRegistry()
	tr, err := r.Register(`MATCH (p:Person) RETURN p`, adultFn, AttributeDerivation,
		[]string{"p"}, Output{Variable: "p", Attribute: "adult"})
	require.NoError(t, err)

	facts, err := tr.Derive(fact.Substitution{"p": "alice"}, true)
	require.NoError(t, err)
	require.Len(t, facts, 1)
	require.True(t, facts[0].Equal(fact.NodeAttribute("alice", "adult", true)))
	require.Equal(t, fact.LineageDerived, facts[0].Lineage())

	_, err = tr.Derive(fact.Substitution{"q": "alice"}, true)
	require.Error(t, err)
}

func TestDeriveRelationship(t *testing.T) {
	r := newRegistry()
	tr, err := r.Register(`MATCH (p:Person)-[k:knows]->(q:Person) RETURN p, q`,
		adultFn, RelationshipDerivation, []string{"p", "q"},
		Output{SourceVariable: "p", TargetVariable: "q", Label: "acquainted"})
	require.NoError(t, err)

	facts, err := tr.Derive(fact.Substitution{"p": "alice", "q": "bob"}, true)
	require.NoError(t, err)
	require.Len(t, facts, 3)

	relID := fact.RelationshipID("alice", "bob", "acquainted")
	require.True(t, facts[0].Equal(fact.RelationshipLabel(relID, "acquainted")))
	require.True(t, facts[1].Equal(fact.RelationshipSource(relID, "alice")))
	require.True(t, facts[2].Equal(fact.RelationshipTarget(relID, "bob")))
	for _, f := range facts {
		require.Equal(t, fact.LineageDerived, f.Lineage())
	}

	// deriving the same relationship again yields the same facts
	again, err := tr.Derive(fact.Substitution{"p": "alice", "q": "bob"}, true)
	require.NoError(t, err)
	for i := range facts {
		require.True(t, facts[i].Equal(again[i]))
	}
}

func TestDeriveRelationshipVeto(t *testing.T) {
	r := newRegistry()
	tr, err := r.Register(`MATCH (p:Person)-[k:knows]->(q:Person) RETURN p, q`,
		adultFn, RelationshipDerivation, []string{"p", "q"},
		Output{SourceVariable: "p", TargetVariable: "q", Label: "acquainted"})
	require.NoError(t, err)

	facts, err := tr.Derive(fact.Substitution{"p": "alice", "q": "bob"}, false)
	require.NoError(t, err)
	require.Empty(t, facts)
}

func TestContentHashStability(t *testing.T) {
	text := `MATCH (p:Person) RETURN p`
	require.Equal(t, ContentHash(text), ContentHash(text))
	require.NotEqual(t, ContentHash(text), ContentHash(text+" "))
}
