package pipeline

import (
	"context"

	"github.com/factgraph/factgraph/internal/queue"
	"github.com/factgraph/factgraph/internal/workers"
	"github.com/factgraph/factgraph/pkg/fact"
	"github.com/factgraph/factgraph/pkg/logger"
	"github.com/factgraph/factgraph/pkg/storage"
)

// FactInsert is the second stage: it appends inbound facts to the store.
// Transient backend failures are retried inside the store's append path; an
// append that still fails is a store-level error and terminates the stage.
type FactInsert struct {
	*Stage[fact.Fact]

	store   *storage.FactStore
	metrics *Metrics
}

// NewFactInsert wires the insert stage between its inbound fact queue and
// the store.
func NewFactInsert(
	in *queue.CompletionQueue[fact.Fact],
	store *storage.FactStore,
	pool *workers.Pool,
	log logger.Logger,
	metrics *Metrics,
	cfg Config,
) *FactInsert {
	st := &FactInsert{store: store, metrics: metrics}
	st.Stage = newStage("fact_insert", in, pool, log, cfg, st.processBatch)
	return st
}

func (st *FactInsert) processBatch(ctx context.Context, batch []fact.Fact) {
	for _, f := range batch {
		if f.Lineage() == fact.LineageNone {
			f = f.WithLineage(fact.LineageAppended)
		}
		if err := st.store.Append(ctx, f); err != nil {
			st.Fail(err)
			return
		}
		st.metrics.FactsAppended.Inc()
	}
}
