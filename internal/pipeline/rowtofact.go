package pipeline

import (
	"context"
	"errors"

	"go.uber.org/zap"

	"github.com/factgraph/factgraph/internal/queue"
	"github.com/factgraph/factgraph/internal/workers"
	"github.com/factgraph/factgraph/pkg/fact"
	"github.com/factgraph/factgraph/pkg/ingest"
	"github.com/factgraph/factgraph/pkg/logger"
)

// RowToFact is the first stage: it applies each record's mapping and fans
// the resulting facts out to the insert and match stages. Malformed rows are
// logged, counted, and dropped without affecting the rest of the batch.
type RowToFact struct {
	*Stage[ingest.Record]

	toInsert *queue.Producer[fact.Fact]
	toMatch  *queue.Producer[fact.Fact]
	metrics  *Metrics
}

// NewRowToFact wires the row stage between its inbound record queue and the
// two downstream fact queues.
func NewRowToFact(
	in *queue.CompletionQueue[ingest.Record],
	insertQ *queue.CompletionQueue[fact.Fact],
	matchQ *queue.CompletionQueue[fact.Fact],
	pool *workers.Pool,
	log logger.Logger,
	metrics *Metrics,
	cfg Config,
) *RowToFact {
	st := &RowToFact{
		toInsert: insertQ.AddProducer(),
		toMatch:  matchQ.AddProducer(),
		metrics:  metrics,
	}
	st.Stage = newStage("row_to_fact", in, pool, log, cfg, st.processBatch)
	return st
}

func (st *RowToFact) processBatch(ctx context.Context, batch []ingest.Record) {
	for _, rec := range batch {
		facts, err := rec.Mapping.Facts(rec.Row)
		if err != nil {
			if errors.Is(err, ingest.ErrMalformedRow) {
				st.metrics.RowsMalformed.Inc()
				st.logger.Warn("dropping malformed row", zap.Error(err))
				continue
			}
			st.Fail(err)
			return
		}

		st.metrics.RowsIngested.Inc()
		for _, f := range facts {
			if err := st.emit(ctx, f); err != nil {
				return
			}
		}
	}
}

func (st *RowToFact) emit(ctx context.Context, f fact.Fact) error {
	if _, err := st.toInsert.Put(ctx, f); err != nil {
		return err
	}
	if _, err := st.toMatch.Put(ctx, f); err != nil {
		return err
	}
	return nil
}

// CloseOutputs emits the end markers on both downstream queues. Call once
// this stage's drain has finished.
func (st *RowToFact) CloseOutputs() {
	st.toInsert.Done()
	st.toMatch.Done()
}
