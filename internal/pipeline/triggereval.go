package pipeline

import (
	"context"
	"fmt"

	"go.uber.org/zap"

	"github.com/factgraph/factgraph/internal/concurrency"
	"github.com/factgraph/factgraph/internal/queue"
	"github.com/factgraph/factgraph/internal/workers"
	"github.com/factgraph/factgraph/pkg/fact"
	"github.com/factgraph/factgraph/pkg/logger"
	"github.com/factgraph/factgraph/pkg/storage"
	"github.com/factgraph/factgraph/pkg/trigger"
)

const evalParallelism = 4

// TriggerEval is the fourth stage: it re-evaluates each matched trigger's
// full pattern seeded with the match binding, invokes the derivation
// function per complete binding, and feeds the derived facts back into the
// insert and match queues.
//
// A failing derivation skips its own binding only. Sibling bindings of the
// same match, and the rest of the batch, still evaluate.
type TriggerEval struct {
	*Stage[Match]

	store    *storage.FactStore
	toInsert *queue.Producer[fact.Fact]
	toMatch  *queue.Producer[fact.Fact]
	metrics  *Metrics
}

// NewTriggerEval wires the evaluation stage between the match queue and the
// feedback producers on the insert and match queues.
func NewTriggerEval(
	in *queue.CompletionQueue[Match],
	insertQ *queue.CompletionQueue[fact.Fact],
	matchQ *queue.CompletionQueue[fact.Fact],
	store *storage.FactStore,
	pool *workers.Pool,
	log logger.Logger,
	metrics *Metrics,
	cfg Config,
) *TriggerEval {
	st := &TriggerEval{
		store:    store,
		toInsert: insertQ.AddProducer(),
		toMatch:  matchQ.AddProducer(),
		metrics:  metrics,
	}
	st.Stage = newStage("trigger_eval", in, pool, log, cfg, st.processBatch)
	return st
}

func (st *TriggerEval) processBatch(ctx context.Context, batch []Match) {
	p := concurrency.NewPool(ctx, evalParallelism)
	for _, m := range batch {
		m := m
		p.Go(func(ctx context.Context) error {
			return st.evaluate(ctx, m)
		})
	}
	if err := p.Wait(); err != nil && ctx.Err() == nil {
		st.Fail(err)
	}
}

// evaluate runs one match end to end. Only store and queue failures are
// returned; derivation failures stay local to their binding.
func (st *TriggerEval) evaluate(ctx context.Context, m Match) error {
	bindings, err := m.Trigger.Pattern().ReturnClause().Evaluate(ctx, st.store, m.Binding)
	if err != nil {
		return fmt.Errorf("evaluating pattern for trigger %s: %w", m.Trigger.ID(), err)
	}

	for _, binding := range bindings {
		derived, ok := st.deriveBinding(ctx, m.Trigger, binding)
		if !ok {
			continue
		}
		for _, f := range derived {
			st.metrics.DerivationsApplied.Inc()
			if _, err := st.toInsert.Put(ctx, f); err != nil {
				return err
			}
			if _, err := st.toMatch.Put(ctx, f); err != nil {
				return err
			}
		}
	}
	return nil
}

// deriveBinding resolves the argument nodes, invokes the derivation
// function, and builds the derived facts. It reports ok=false when the
// binding is skipped, whether by error or by a relationship veto.
func (st *TriggerEval) deriveBinding(ctx context.Context, t *trigger.Trigger, binding fact.Substitution) (facts []fact.Fact, ok bool) {
	ids, err := t.Args(binding)
	if err != nil {
		st.skipBinding(t, binding, err)
		return nil, false
	}

	args := make([]any, len(ids))
	for i, id := range ids {
		node, err := st.argNode(ctx, id)
		if err != nil {
			st.skipBinding(t, binding, err)
			return nil, false
		}
		args[i] = node
	}

	result, err := st.invoke(t.Fn(), args)
	if err != nil {
		st.skipBinding(t, binding, err)
		return nil, false
	}

	facts, err = t.Derive(binding, result)
	if err != nil {
		st.skipBinding(t, binding, err)
		return nil, false
	}
	return facts, true
}

// invoke calls the derivation function, converting a panic into an error so
// one bad binding cannot take down the stage.
func (st *TriggerEval) invoke(fn trigger.DerivationFunc, args []any) (result any, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("derivation panicked: %v", r)
		}
	}()
	return fn(args...)
}

func (st *TriggerEval) skipBinding(t *trigger.Trigger, binding fact.Substitution, err error) {
	st.metrics.DerivationErrors.Inc()
	st.logger.Warn("skipping binding after derivation failure",
		zap.String("trigger_id", t.ID()),
		zap.Any("binding", binding),
		zap.Error(err))
}

func (st *TriggerEval) argNode(ctx context.Context, id string) (trigger.Node, error) {
	attrs, err := st.store.Attributes(ctx, id)
	if err != nil {
		return trigger.Node{}, err
	}
	anyAttrs := make(map[string]any, len(attrs))
	for name, v := range attrs {
		anyAttrs[name] = v.Any()
	}
	return trigger.Node{ID: id, Attrs: anyAttrs}, nil
}

// CloseOutputs emits the feedback end markers on the insert and match
// queues. Call only once no further derived facts can appear, which the
// engine decides by watching for quiescence.
func (st *TriggerEval) CloseOutputs() {
	st.toInsert.Done()
	st.toMatch.Done()
}
