// Package engine assembles the derivation pipeline: rows become facts,
// facts are stored and matched against registered triggers, and matched
// triggers derive new facts that feed back into the same pipeline until the
// system quiesces.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"go.uber.org/zap"

	"github.com/factgraph/factgraph/internal/concurrency"
	"github.com/factgraph/factgraph/internal/pipeline"
	"github.com/factgraph/factgraph/internal/queue"
	"github.com/factgraph/factgraph/internal/workers"
	"github.com/factgraph/factgraph/pkg/fact"
	"github.com/factgraph/factgraph/pkg/ingest"
	"github.com/factgraph/factgraph/pkg/logger"
	"github.com/factgraph/factgraph/pkg/pattern/cypher"
	"github.com/factgraph/factgraph/pkg/storage"
	"github.com/factgraph/factgraph/pkg/trigger"
)

const (
	DefaultQueueCapacity = 1024
	DefaultPoolSize      = 8
	DefaultMaxWaiting    = 64
	DefaultDedupCapacity = 1 << 16
)

// ErrNotRunning is returned by operations that require a started engine.
var ErrNotRunning = errors.New("engine is not running")

// Config carries the engine's sizing knobs.
type Config struct {
	QueueCapacity int
	PoolSize      int
	MaxWaiting    int
	DedupCapacity int64
	Stage         pipeline.Config
}

// NewConfig returns a Config with the defaults applied.
func NewConfig() Config {
	return Config{
		QueueCapacity: DefaultQueueCapacity,
		PoolSize:      DefaultPoolSize,
		MaxWaiting:    DefaultMaxWaiting,
		DedupCapacity: DefaultDedupCapacity,
		Stage:         pipeline.NewConfig(),
	}
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger injects the engine's logger.
func WithLogger(l logger.Logger) Option {
	return func(e *Engine) { e.logger = l }
}

// WithConfig overrides the default sizing.
func WithConfig(cfg Config) Option {
	return func(e *Engine) { e.cfg = cfg }
}

// WithMetricsRegisterer registers the pipeline counters on reg instead of a
// throwaway registry.
func WithMetricsRegisterer(reg prometheus.Registerer) Option {
	return func(e *Engine) { e.metricsReg = reg }
}

// Engine owns the four pipeline stages and their connecting queues.
//
// Lifecycle: New, Register triggers, Start, feed rows through sources (or
// facts through Append), close the sources, Wait. Wait drives the feedback
// loop to quiescence and propagates each stage's end-of-stream in pipeline
// order.
type Engine struct {
	store      *storage.FactStore
	registry   *trigger.Registry
	logger     logger.Logger
	cfg        Config
	metricsReg prometheus.Registerer
	metrics    *pipeline.Metrics

	pool *workers.Pool

	rowsQ   *queue.CompletionQueue[ingest.Record]
	insertQ *queue.CompletionQueue[fact.Fact]
	matchQ  *queue.CompletionQueue[fact.Fact]
	evalQ   *queue.CompletionQueue[pipeline.Match]

	rowStage    *pipeline.RowToFact
	insertStage *pipeline.FactInsert
	matchStage  *pipeline.ConstraintMatch
	evalStage   *pipeline.TriggerEval

	// direct Append producers, closed when Wait begins
	directInsert *queue.Producer[fact.Fact]
	directMatch  *queue.Producer[fact.Fact]

	mu      sync.Mutex
	running bool
	cancel  context.CancelFunc
	runDone chan struct{}
	runErr  error
}

// New builds an engine over the given store. Triggers registered on the
// returned engine use the Cypher-style pattern parser.
func New(store *storage.FactStore, opts ...Option) (*Engine, error) {
	e := &Engine{
		store:  store,
		logger: logger.NewNoopLogger(),
		cfg:    NewConfig(),
	}
	for _, opt := range opts {
		opt(e)
	}

	if e.cfg.QueueCapacity <= 0 {
		e.cfg.QueueCapacity = DefaultQueueCapacity
	}
	if e.cfg.PoolSize <= 0 {
		e.cfg.PoolSize = DefaultPoolSize
	}
	if e.cfg.MaxWaiting <= 0 {
		e.cfg.MaxWaiting = DefaultMaxWaiting
	}
	if e.cfg.DedupCapacity <= 0 {
		e.cfg.DedupCapacity = DefaultDedupCapacity
	}

	if e.metricsReg != nil {
		e.metrics = pipeline.NewMetrics(e.metricsReg)
	} else {
		e.metrics = pipeline.NewNoopMetrics()
	}

	e.registry = trigger.NewRegistry(cypher.NewParser(), trigger.WithLogger(e.logger))

	pool, err := workers.New(e.cfg.PoolSize, e.cfg.MaxWaiting)
	if err != nil {
		return nil, fmt.Errorf("creating worker pool: %w", err)
	}
	e.pool = pool

	e.rowsQ = queue.Must[ingest.Record](e.cfg.QueueCapacity)
	e.insertQ = queue.Must[fact.Fact](e.cfg.QueueCapacity)

	// The match queue deduplicates by content hash so a derived fact that
	// keeps re-deriving itself cannot cycle the feedback loop forever.
	e.matchQ = queue.Must[fact.Fact](e.cfg.QueueCapacity,
		queue.WithDeduplication[fact.Fact](e.cfg.DedupCapacity, fact.Fact.Hash))
	e.evalQ = queue.Must[pipeline.Match](e.cfg.QueueCapacity,
		queue.WithDeduplication[pipeline.Match](e.cfg.DedupCapacity, pipeline.Match.Hash))

	e.rowStage = pipeline.NewRowToFact(e.rowsQ, e.insertQ, e.matchQ, e.pool, e.logger, e.metrics, e.cfg.Stage)
	e.insertStage = pipeline.NewFactInsert(e.insertQ, e.store, e.pool, e.logger, e.metrics, e.cfg.Stage)
	e.matchStage = pipeline.NewConstraintMatch(e.matchQ, e.evalQ, e.store, e.registry, e.pool, e.logger, e.metrics, e.cfg.Stage)
	e.evalStage = pipeline.NewTriggerEval(e.evalQ, e.insertQ, e.matchQ, e.store, e.pool, e.logger, e.metrics, e.cfg.Stage)

	e.directInsert = e.insertQ.AddProducer()
	e.directMatch = e.matchQ.AddProducer()

	return e, nil
}

// Store returns the engine's fact store.
func (e *Engine) Store() *storage.FactStore { return e.store }

// Registry returns the engine's trigger registry.
func (e *Engine) Registry() *trigger.Registry { return e.registry }

// Register registers a trigger. See [trigger.Registry.Register]. Triggers
// must be registered before Start.
func (e *Engine) Register(text string, fn trigger.DerivationFunc, kind trigger.Kind, paramNames []string, output trigger.Output) (*trigger.Trigger, error) {
	return e.registry.Register(text, fn, kind, paramNames, output)
}

// Source feeds rows into the pipeline. Done must be called exactly once
// when the source has no more rows.
type Source struct {
	p       *queue.Producer[ingest.Record]
	mapping ingest.Mapping
}

// Put enqueues one row under the source's mapping.
func (s *Source) Put(ctx context.Context, row ingest.Row) error {
	_, err := s.p.Put(ctx, ingest.Record{Row: row, Mapping: s.mapping})
	return err
}

// Done marks the source exhausted.
func (s *Source) Done() { s.p.Done() }

// AddSource registers a row source with its mapping. All sources must be
// added before Wait is called.
func (e *Engine) AddSource(mapping ingest.Mapping) *Source {
	return &Source{p: e.rowsQ.AddProducer(), mapping: mapping}
}

// Append injects a fact directly, bypassing row mapping. The fact is stored
// and matched like any other. Untagged facts get the appended lineage.
func (e *Engine) Append(ctx context.Context, f fact.Fact) error {
	e.mu.Lock()
	running := e.running
	e.mu.Unlock()
	if !running {
		return ErrNotRunning
	}

	if f.Lineage() == fact.LineageNone {
		f = f.WithLineage(fact.LineageAppended)
	}
	if _, err := e.directInsert.Put(ctx, f); err != nil {
		return err
	}
	_, err := e.directMatch.Put(ctx, f)
	return err
}

// Start launches the four stage workers. It returns immediately; call Wait
// to drive the run to completion.
func (e *Engine) Start(ctx context.Context) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.running {
		return errors.New("engine already started")
	}

	runCtx, cancel := context.WithCancel(ctx)
	e.cancel = cancel
	e.running = true
	e.runDone = make(chan struct{})

	p := concurrency.NewPool(runCtx, 4)
	p.Go(func(ctx context.Context) error {
		e.rowStage.Run(ctx)
		// end of rows: no further mapped facts can appear
		e.rowStage.CloseOutputs()
		return e.rowStage.Err()
	})
	p.Go(func(ctx context.Context) error {
		e.insertStage.Run(ctx)
		return e.insertStage.Err()
	})
	p.Go(func(ctx context.Context) error {
		e.matchStage.Run(ctx)
		e.matchStage.CloseOutputs()
		return e.matchStage.Err()
	})
	p.Go(func(ctx context.Context) error {
		e.evalStage.Run(ctx)
		return e.evalStage.Err()
	})

	go func() {
		e.runErr = p.Wait()
		close(e.runDone)
	}()

	e.logger.Info("engine started",
		zap.Int("pool_size", e.cfg.PoolSize),
		zap.Int("queue_capacity", e.cfg.QueueCapacity),
		zap.Int("triggers", e.registry.Len()))
	return nil
}

// Wait closes the direct producers, waits for the feedback loop to quiesce,
// then releases the evaluation stage's feedback producers so end-of-stream
// can propagate through the remaining stages. It returns the first fatal
// stage error, or an abandonment error if any stage gave up on a stalled
// upstream.
func (e *Engine) Wait(ctx context.Context) error {
	e.mu.Lock()
	if !e.running {
		e.mu.Unlock()
		return ErrNotRunning
	}
	e.mu.Unlock()

	e.directInsert.Done()
	e.directMatch.Done()

	// Quiescence: the feedback loop is done only when nothing is queued
	// and nothing is executing, sustained long enough to cover buffered
	// items awaiting a timeout flush.
	if err := e.awaitQuiescence(ctx); err != nil {
		e.logger.Warn("halting engine before quiescence", zap.Error(err))
		e.cancel()
	}
	e.evalStage.CloseOutputs()

	select {
	case <-e.runDone:
	case <-ctx.Done():
		e.cancel()
		<-e.runDone
	}

	e.mu.Lock()
	e.running = false
	e.mu.Unlock()
	e.pool.Release()

	if e.runErr != nil {
		return e.runErr
	}
	if code := e.ExitCode(); code != queue.ExitGraceful {
		return fmt.Errorf("pipeline drained with exit code %d", code)
	}
	e.logger.Info("engine drained", zap.Int("exit_code", e.ExitCode()))
	return nil
}

// awaitQuiescence blocks until the queues are empty and the worker pool is
// idle for a sustained window, or the context is done.
func (e *Engine) awaitQuiescence(ctx context.Context) error {
	quiet := 2*e.cfg.Stage.BufferTimeout + 100*time.Millisecond
	interval := 20 * time.Millisecond

	var quietSince time.Time
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-e.runDone:
			return nil
		case <-ticker.C:
		}

		idle := e.insertQ.Pending() == 0 &&
			e.matchQ.Pending() == 0 &&
			e.evalQ.Pending() == 0 &&
			e.pool.Running() == 0
		if !idle {
			quietSince = time.Time{}
			continue
		}
		if quietSince.IsZero() {
			quietSince = time.Now()
			continue
		}
		if time.Since(quietSince) >= quiet {
			return nil
		}
	}
}

// Stop aborts the run without waiting for quiescence. In-flight work is
// abandoned; stages record the abandoned exit code.
func (e *Engine) Stop() {
	e.mu.Lock()
	cancel := e.cancel
	e.mu.Unlock()
	if cancel != nil {
		cancel()
	}
}

// ExitCode folds the stage exit codes: graceful only if every stage drained
// gracefully, -1 while any stage is still running.
func (e *Engine) ExitCode() int {
	codes := []int{
		e.rowStage.ExitCode(),
		e.insertStage.ExitCode(),
		e.matchStage.ExitCode(),
		e.evalStage.ExitCode(),
	}
	max := queue.ExitGraceful
	for _, c := range codes {
		if c < 0 {
			return -1
		}
		if c > max {
			max = c
		}
	}
	return max
}
