package pipeline

import (
	"context"
	"errors"
	"time"

	"github.com/cenkalti/backoff/v4"
	"go.uber.org/zap"

	"github.com/factgraph/factgraph/internal/queue"
	"github.com/factgraph/factgraph/internal/workers"
	"github.com/factgraph/factgraph/pkg/fact"
	"github.com/factgraph/factgraph/pkg/logger"
	"github.com/factgraph/factgraph/pkg/storage"
	"github.com/factgraph/factgraph/pkg/trigger"
)

// Match pairs a fact with the trigger constraint it satisfied and the
// variable binding the match produced. It is the unit flowing from the match
// stage to the evaluation stage.
type Match struct {
	Fact       fact.Fact
	Constraint fact.Constraint
	Binding    fact.Substitution
	Trigger    *trigger.Trigger
}

// Hash folds the fact and trigger identity for queue deduplication. Two
// matches of the same fact against the same trigger constraint hash equal.
func (m Match) Hash() uint64 {
	h := m.Fact.Hash()
	for _, b := range m.Trigger.ID() {
		h = h*31 + uint64(b)
	}
	for _, b := range m.Constraint.Key() {
		h = h*31 + uint64(b)
	}
	return h
}

// ConstraintMatch is the third stage: it waits for each inbound fact to be
// visible in the store, then tests it against every registered trigger's
// constraints and emits a Match per hit.
//
// The visibility wait is a consistency checkpoint for eventually-consistent
// backends. It is bounded: a fact that never shows up drops its matches with
// ErrVisibilityTimeout instead of stalling the stage.
type ConstraintMatch struct {
	*Stage[fact.Fact]

	store    *storage.FactStore
	registry *trigger.Registry
	toEval   *queue.Producer[Match]
	metrics  *Metrics

	visibilityTimeout time.Duration
}

// NewConstraintMatch wires the match stage between its inbound fact queue
// and the evaluation queue.
func NewConstraintMatch(
	in *queue.CompletionQueue[fact.Fact],
	evalQ *queue.CompletionQueue[Match],
	store *storage.FactStore,
	registry *trigger.Registry,
	pool *workers.Pool,
	log logger.Logger,
	metrics *Metrics,
	cfg Config,
) *ConstraintMatch {
	if cfg.VisibilityTimeout <= 0 {
		cfg.VisibilityTimeout = DefaultVisibilityTimeout
	}
	st := &ConstraintMatch{
		store:             store,
		registry:          registry,
		toEval:            evalQ.AddProducer(),
		metrics:           metrics,
		visibilityTimeout: cfg.VisibilityTimeout,
	}
	st.Stage = newStage("constraint_match", in, pool, log, cfg, st.processBatch)
	return st
}

func (st *ConstraintMatch) processBatch(ctx context.Context, batch []fact.Fact) {
	triggers := st.registry.All()

	for _, f := range batch {
		if err := st.waitVisible(ctx, f); err != nil {
			if errors.Is(err, ErrVisibilityTimeout) {
				st.metrics.VisibilityTimeouts.Inc()
				st.logger.Warn("dropping fact before matching",
					zap.String("fact", f.String()), zap.Error(err))
				continue
			}
			st.Fail(err)
			return
		}

		for _, t := range triggers {
			for _, c := range t.Constraints() {
				binding, ok := fact.Match(f, c)
				if !ok {
					continue
				}
				st.metrics.MatchesFound.Inc()
				m := Match{Fact: f, Constraint: c, Binding: binding, Trigger: t}
				if _, err := st.toEval.Put(ctx, m); err != nil {
					return
				}
			}
		}
	}
}

var errNotYetVisible = errors.New("not yet visible")

// waitVisible polls Contains with exponential backoff until the fact shows
// up, the bound elapses, or the store reports a hard error.
func (st *ConstraintMatch) waitVisible(ctx context.Context, f fact.Fact) error {
	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = 5 * time.Millisecond
	bo.MaxInterval = 250 * time.Millisecond
	bo.MaxElapsedTime = st.visibilityTimeout

	err := backoff.Retry(func() error {
		visible, err := st.store.Contains(ctx, f)
		if err != nil {
			if errors.Is(err, storage.ErrTransient) {
				return err
			}
			return backoff.Permanent(err)
		}
		if !visible {
			return errNotYetVisible
		}
		return nil
	}, backoff.WithContext(bo, ctx))

	if errors.Is(err, errNotYetVisible) || errors.Is(err, storage.ErrTransient) {
		return ErrVisibilityTimeout
	}
	return err
}

// CloseOutputs emits the end marker on the evaluation queue.
func (st *ConstraintMatch) CloseOutputs() {
	st.toEval.Done()
}
