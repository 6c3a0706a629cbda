package pipeline

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/require"
	"go.uber.org/goleak"

	"github.com/factgraph/factgraph/internal/queue"
	"github.com/factgraph/factgraph/internal/workers"
	"github.com/factgraph/factgraph/pkg/fact"
	"github.com/factgraph/factgraph/pkg/ingest"
	"github.com/factgraph/factgraph/pkg/logger"
	"github.com/factgraph/factgraph/pkg/pattern/cypher"
	"github.com/factgraph/factgraph/pkg/storage"
	"github.com/factgraph/factgraph/pkg/storage/memory"
	"github.com/factgraph/factgraph/pkg/trigger"
)

func TestMain(m *testing.M) {
	goleak.VerifyTestMain(m)
}

func testConfig() Config {
	return Config{
		MaxBufferSize:     4,
		BufferTimeout:     10 * time.Millisecond,
		VisibilityTimeout: time.Second,
	}
}

func newPool(t *testing.T) *workers.Pool {
	t.Helper()
	p, err := workers.New(4, 16)
	require.NoError(t, err)
	t.Cleanup(p.Release)
	return p
}

func collectFacts(t *testing.T, q *queue.CompletionQueue[fact.Fact]) []fact.Fact {
	t.Helper()
	var out []fact.Fact
	code := q.Drain(context.Background(), queue.SinkFunc[fact.Fact](func(f fact.Fact) {
		out = append(out, f)
	}))
	require.Equal(t, queue.ExitGraceful, code)
	return out
}

func testMapping() ingest.Mapping {
	return ingest.Mapping{
		Attributes: []ingest.AttributeRule{{
			IDKey:    "id",
			AttrKey:  "age",
			AttrName: "age",
			Label:    "Person",
		}},
	}
}

func TestRowToFactStage(t *testing.T) {
	ctx := context.Background()
	rowsQ := queue.Must[ingest.Record](16, queue.WithPopTimeout[ingest.Record](5*time.Millisecond))
	insertQ := queue.Must[fact.Fact](64)
	matchQ := queue.Must[fact.Fact](64)
	metrics := NewNoopMetrics()

	st := NewRowToFact(rowsQ, insertQ, matchQ, newPool(t), logger.NewNoopLogger(), metrics, testConfig())

	p := rowsQ.AddProducer()
	_, err := p.Put(ctx, ingest.Record{Row: ingest.Row{"id": "alice", "age": 30}, Mapping: testMapping()})
	require.NoError(t, err)
	_, err = p.Put(ctx, ingest.Record{Row: ingest.Row{"age": 40}, Mapping: testMapping()}) // missing id
	require.NoError(t, err)
	_, err = p.Put(ctx, ingest.Record{Row: ingest.Row{"id": "bob", "age": 50}, Mapping: testMapping()})
	require.NoError(t, err)
	p.Done()

	require.Equal(t, queue.ExitGraceful, st.Run(ctx))
	st.CloseOutputs()

	inserted := collectFacts(t, insertQ)
	matched := collectFacts(t, matchQ)
	require.Len(t, inserted, 4) // 2 rows x (label + attribute)
	require.Len(t, matched, 4)
	for _, f := range inserted {
		require.Equal(t, fact.LineageFromMapping, f.Lineage())
	}

	require.Equal(t, float64(2), testutil.ToFloat64(metrics.RowsIngested))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.RowsMalformed))
}

func TestFactInsertStage(t *testing.T) {
	ctx := context.Background()
	insertQ := queue.Must[fact.Fact](16, queue.WithPopTimeout[fact.Fact](5*time.Millisecond))
	store := storage.NewFactStore(memory.New())
	metrics := NewNoopMetrics()

	st := NewFactInsert(insertQ, store, newPool(t), logger.NewNoopLogger(), metrics, testConfig())

	p := insertQ.AddProducer()
	_, err := p.Put(ctx, fact.NodeLabel("alice", "Person").WithLineage(fact.LineageFromMapping))
	require.NoError(t, err)
	_, err = p.Put(ctx, fact.NodeAttribute("alice", "age", 30))
	require.NoError(t, err)
	p.Done()

	require.Equal(t, queue.ExitGraceful, st.Run(ctx))
	require.NoError(t, st.Err())

	ok, err := store.Contains(ctx, fact.NodeLabel("alice", "Person"))
	require.NoError(t, err)
	require.True(t, ok)
	ok, err = store.Contains(ctx, fact.NodeAttribute("alice", "age", 30))
	require.NoError(t, err)
	require.True(t, ok)

	require.Equal(t, float64(2), testutil.ToFloat64(metrics.FactsAppended))
}

func newTestRegistry(t *testing.T) *trigger.Registry {
	t.Helper()
	return trigger.NewRegistry(cypher.NewParser())
}

func TestConstraintMatchStage(t *testing.T) {
	ctx := context.Background()
	matchQ := queue.Must[fact.Fact](16, queue.WithPopTimeout[fact.Fact](5*time.Millisecond))
	evalQ := queue.Must[Match](16)
	store := storage.NewFactStore(memory.New())
	metrics := NewNoopMetrics()

	registry := newTestRegistry(t)
	tr, err := registry.Register(`MATCH (p:Person) RETURN p`,
		func(args ...any) (any, error) { return true, nil },
		trigger.AttributeDerivation, []string{"p"},
		trigger.Output{Variable: "p", Attribute: "adult"})
	require.NoError(t, err)

	st := NewConstraintMatch(matchQ, evalQ, store, registry, newPool(t), logger.NewNoopLogger(), metrics, testConfig())

	personFact := fact.NodeLabel("alice", "Person")
	require.NoError(t, store.Append(ctx, personFact))
	require.NoError(t, store.Append(ctx, fact.NodeLabel("rex", "Dog")))

	p := matchQ.AddProducer()
	_, err = p.Put(ctx, personFact)
	require.NoError(t, err)
	_, err = p.Put(ctx, fact.NodeLabel("rex", "Dog")) // no trigger wants dogs
	require.NoError(t, err)
	p.Done()

	require.Equal(t, queue.ExitGraceful, st.Run(ctx))
	st.CloseOutputs()

	var matches []Match
	code := evalQ.Drain(ctx, queue.SinkFunc[Match](func(m Match) {
		matches = append(matches, m)
	}))
	require.Equal(t, queue.ExitGraceful, code)
	require.Len(t, matches, 1)
	require.True(t, matches[0].Fact.Equal(personFact))
	require.Equal(t, tr.ID(), matches[0].Trigger.ID())
	require.Equal(t, fact.Substitution{"p": "alice"}, matches[0].Binding)

	require.Equal(t, float64(1), testutil.ToFloat64(metrics.MatchesFound))
}

func TestConstraintMatchDropsInvisibleFact(t *testing.T) {
	ctx := context.Background()
	matchQ := queue.Must[fact.Fact](16, queue.WithPopTimeout[fact.Fact](5*time.Millisecond))
	evalQ := queue.Must[Match](16)
	store := storage.NewFactStore(memory.New())
	metrics := NewNoopMetrics()

	registry := newTestRegistry(t)
	_, err := registry.Register(`MATCH (p:Person) RETURN p`,
		func(args ...any) (any, error) { return true, nil },
		trigger.AttributeDerivation, []string{"p"},
		trigger.Output{Variable: "p", Attribute: "adult"})
	require.NoError(t, err)

	cfg := testConfig()
	cfg.VisibilityTimeout = 30 * time.Millisecond
	st := NewConstraintMatch(matchQ, evalQ, store, registry, newPool(t), logger.NewNoopLogger(), metrics, cfg)

	// the fact is never appended to the store
	p := matchQ.AddProducer()
	_, err = p.Put(ctx, fact.NodeLabel("ghost", "Person"))
	require.NoError(t, err)
	p.Done()

	require.Equal(t, queue.ExitGraceful, st.Run(ctx))
	st.CloseOutputs()

	var matches []Match
	code := evalQ.Drain(ctx, queue.SinkFunc[Match](func(m Match) {
		matches = append(matches, m)
	}))
	require.Equal(t, queue.ExitGraceful, code)
	require.Empty(t, matches)

	require.Equal(t, float64(1), testutil.ToFloat64(metrics.VisibilityTimeouts))
	require.Equal(t, float64(0), testutil.ToFloat64(metrics.MatchesFound))
}

func TestTriggerEvalStage(t *testing.T) {
	ctx := context.Background()
	evalQ := queue.Must[Match](16, queue.WithPopTimeout[Match](5*time.Millisecond))
	insertQ := queue.Must[fact.Fact](64)
	matchQ := queue.Must[fact.Fact](64)
	store := storage.NewFactStore(memory.New())
	metrics := NewNoopMetrics()

	require.NoError(t, store.Append(ctx, fact.NodeLabel("alice", "Person")))
	require.NoError(t, store.Append(ctx, fact.NodeAttribute("alice", "age", 34)))

	registry := newTestRegistry(t)
	tr, err := registry.Register(`MATCH (p:Person) WHERE p.age >= 18 RETURN p`,
		func(args ...any) (any, error) {
			node := args[0].(trigger.Node)
			return node.Attrs["age"].(int64) >= 18, nil
		},
		trigger.AttributeDerivation, []string{"p"},
		trigger.Output{Variable: "p", Attribute: "adult"})
	require.NoError(t, err)

	st := NewTriggerEval(evalQ, insertQ, matchQ, store, newPool(t), logger.NewNoopLogger(), metrics, testConfig())

	p := evalQ.AddProducer()
	_, err = p.Put(ctx, Match{
		Fact:    fact.NodeLabel("alice", "Person"),
		Binding: fact.Substitution{"p": "alice"},
		Trigger: tr,
	})
	require.NoError(t, err)
	p.Done()

	require.Equal(t, queue.ExitGraceful, st.Run(ctx))
	st.CloseOutputs()

	derived := collectFacts(t, insertQ)
	fedBack := collectFacts(t, matchQ)
	require.Len(t, derived, 1)
	require.True(t, derived[0].Equal(fact.NodeAttribute("alice", "adult", true)))
	require.Equal(t, fact.LineageDerived, derived[0].Lineage())
	require.Len(t, fedBack, 1)

	require.Equal(t, float64(1), testutil.ToFloat64(metrics.DerivationsApplied))
}

func TestTriggerEvalIsolatesFailingBindings(t *testing.T) {
	ctx := context.Background()
	evalQ := queue.Must[Match](16, queue.WithPopTimeout[Match](5*time.Millisecond))
	insertQ := queue.Must[fact.Fact](64)
	matchQ := queue.Must[fact.Fact](64)
	store := storage.NewFactStore(memory.New())
	metrics := NewNoopMetrics()

	for _, f := range []fact.Fact{
		fact.NodeLabel("alice", "Person"),
		fact.NodeLabel("bob", "Person"),
		fact.NodeLabel("carol", "Person"),
	} {
		require.NoError(t, store.Append(ctx, f))
	}

	registry := newTestRegistry(t)
	tr, err := registry.Register(`MATCH (p:Person) RETURN p`,
		func(args ...any) (any, error) {
			node := args[0].(trigger.Node)
			switch node.ID {
			case "bob":
				return nil, errors.New("bob is unprocessable")
			case "carol":
				panic("carol breaks everything")
			}
			return true, nil
		},
		trigger.AttributeDerivation, []string{"p"},
		trigger.Output{Variable: "p", Attribute: "ok"})
	require.NoError(t, err)

	st := NewTriggerEval(evalQ, insertQ, matchQ, store, newPool(t), logger.NewNoopLogger(), metrics, testConfig())

	// one match, pattern re-evaluation expands it to all three bindings
	p := evalQ.AddProducer()
	_, err = p.Put(ctx, Match{
		Fact:    fact.NodeLabel("alice", "Person"),
		Binding: fact.Substitution{},
		Trigger: tr,
	})
	require.NoError(t, err)
	p.Done()

	require.Equal(t, queue.ExitGraceful, st.Run(ctx))
	require.NoError(t, st.Err())
	st.CloseOutputs()

	derived := collectFacts(t, insertQ)
	require.Len(t, derived, 1)
	require.True(t, derived[0].Equal(fact.NodeAttribute("alice", "ok", true)))

	require.Equal(t, float64(2), testutil.ToFloat64(metrics.DerivationErrors))
	require.Equal(t, float64(1), testutil.ToFloat64(metrics.DerivationsApplied))
}

func TestStageHaltStopsDrain(t *testing.T) {
	ctx := context.Background()
	insertQ := queue.Must[fact.Fact](16, queue.WithPopTimeout[fact.Fact](5*time.Millisecond))
	store := storage.NewFactStore(memory.New())

	st := NewFactInsert(insertQ, store, newPool(t), logger.NewNoopLogger(), NewNoopMetrics(), testConfig())

	insertQ.AddProducer() // never finishes

	done := make(chan int, 1)
	go func() { done <- st.Run(ctx) }()

	time.Sleep(20 * time.Millisecond)
	st.Halt()

	select {
	case code := <-done:
		require.Equal(t, queue.ExitAbandoned, code)
	case <-time.After(time.Second):
		t.Fatal("stage did not stop after halt")
	}
}
