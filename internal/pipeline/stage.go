// Package pipeline contains the buffered, batch-dispatching stages the
// engine composes: row mapping, fact insertion, constraint matching, and
// trigger evaluation.
package pipeline

import (
	"context"
	"errors"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.uber.org/zap"

	"github.com/factgraph/factgraph/internal/queue"
	"github.com/factgraph/factgraph/internal/workers"
	"github.com/factgraph/factgraph/pkg/logger"
)

const (
	DefaultMaxBufferSize = 64
	DefaultBufferTimeout = 200 * time.Millisecond

	// DefaultVisibilityTimeout bounds how long the match stage waits for
	// an appended fact to become visible in the store.
	DefaultVisibilityTimeout = 5 * time.Second
)

// ErrVisibilityTimeout is returned when an appended fact does not become
// visible in the store within the bounded wait. On an eventually-consistent
// backend this means the backend has not converged in time; the match is
// dropped rather than stalling the stage forever.
var ErrVisibilityTimeout = errors.New("fact did not become visible in time")

// Config holds the buffering knobs shared by all stages.
type Config struct {
	// MaxBufferSize flushes the stage buffer once this many items
	// accumulated.
	MaxBufferSize int

	// BufferTimeout flushes a non-empty buffer this long after the last
	// flush, trading latency against batch size for bursty input.
	BufferTimeout time.Duration

	// VisibilityTimeout bounds the consistency checkpoint in the match
	// stage.
	VisibilityTimeout time.Duration
}

// NewConfig returns a Config with the defaults applied.
func NewConfig() Config {
	return Config{
		MaxBufferSize:     DefaultMaxBufferSize,
		BufferTimeout:     DefaultBufferTimeout,
		VisibilityTimeout: DefaultVisibilityTimeout,
	}
}

// Stage drains an inbound queue into a local buffer and dispatches batches
// to the worker pool. One Stage owns one worker goroutine (its Run loop);
// batch execution happens on the pool.
type Stage[T any] struct {
	name    string
	in      *queue.CompletionQueue[T]
	pool    *workers.Pool
	process func(ctx context.Context, batch []T)
	cfg     Config
	logger  logger.Logger

	halt     context.CancelFunc
	haltOnce sync.Once

	inflight sync.WaitGroup

	mu       sync.Mutex
	fatalErr error
	exitCode int
	finished chan struct{}
}

func newStage[T any](name string, in *queue.CompletionQueue[T], pool *workers.Pool, log logger.Logger, cfg Config, process func(ctx context.Context, batch []T)) *Stage[T] {
	if cfg.MaxBufferSize <= 0 {
		cfg.MaxBufferSize = DefaultMaxBufferSize
	}
	if cfg.BufferTimeout <= 0 {
		cfg.BufferTimeout = DefaultBufferTimeout
	}
	return &Stage[T]{
		name:     name,
		in:       in,
		pool:     pool,
		process:  process,
		cfg:      cfg,
		logger:   log,
		exitCode: -1,
		finished: make(chan struct{}),
	}
}

// stageSink buffers drained items and flushes on size or timeout.
type stageSink[T any] struct {
	s         *Stage[T]
	ctx       context.Context
	buf       []T
	lastFlush time.Time
}

func (k *stageSink[T]) OnItem(item T) {
	k.buf = append(k.buf, item)
	if len(k.buf) >= k.s.cfg.MaxBufferSize || time.Since(k.lastFlush) >= k.s.cfg.BufferTimeout {
		k.flush()
	}
}

func (k *stageSink[T]) OnIdle() {
	if len(k.buf) > 0 && time.Since(k.lastFlush) >= k.s.cfg.BufferTimeout {
		k.flush()
	}
}

// flush hands the batch to the worker pool and clears the local buffer
// immediately. A saturated pool applies backpressure by running the batch on
// the stage worker itself instead of dropping it.
func (k *stageSink[T]) flush() {
	k.lastFlush = time.Now()
	if len(k.buf) == 0 {
		return
	}

	batch := k.buf
	k.buf = make([]T, 0, k.s.cfg.MaxBufferSize)

	s := k.s
	batchID := ulid.Make().String()
	s.inflight.Add(1)
	handle, err := s.pool.Submit(func() error {
		s.process(k.ctx, batch)
		return nil
	})
	if err != nil {
		defer s.inflight.Done()
		if errors.Is(err, workers.ErrSaturated) {
			s.logger.Warn("worker pool saturated, processing batch on stage worker",
				zap.String("stage", s.name), zap.String("batch", batchID), zap.Int("size", len(batch)))
			s.process(k.ctx, batch)
			return
		}
		s.logger.Error("batch dispatch failed",
			zap.String("stage", s.name), zap.String("batch", batchID), zap.Error(err))
		return
	}

	s.pool.OnComplete(handle, func(err error) {
		defer s.inflight.Done()
		if err != nil {
			s.logger.Error("batch processing failed",
				zap.String("stage", s.name), zap.String("batch", batchID), zap.Error(err))
		}
	})
}

// Run drains the inbound queue until it completes, is abandoned, or the
// stage is halted, then flushes any residue and returns the queue's exit
// code.
func (s *Stage[T]) Run(ctx context.Context) int {
	runCtx, cancel := context.WithCancel(ctx)
	s.mu.Lock()
	s.halt = cancel
	s.mu.Unlock()
	defer cancel()

	sink := &stageSink[T]{s: s, ctx: ctx, lastFlush: time.Now()}
	code := s.in.Drain(runCtx, sink)
	sink.flush()

	// End-of-stream must not overtake in-flight batches: a downstream end
	// marker emitted by the caller after Run returns has to come after every
	// item those batches produced.
	s.inflight.Wait()

	s.mu.Lock()
	s.exitCode = code
	s.mu.Unlock()
	close(s.finished)

	s.logger.Debug("stage finished",
		zap.String("stage", s.name), zap.Int("exit_code", code))
	return code
}

// Halt asks the stage's drain loop to stop. The flag is observed once per
// inbound iteration; an in-flight backend call is not preempted.
func (s *Stage[T]) Halt() {
	s.haltOnce.Do(func() {
		s.mu.Lock()
		cancel := s.halt
		s.mu.Unlock()
		if cancel != nil {
			cancel()
		}
	})
}

// Fail records a fatal stage error and halts the stage. Store-level errors
// terminate the owning stage; item-local errors never come through here.
func (s *Stage[T]) Fail(err error) {
	s.mu.Lock()
	if s.fatalErr == nil {
		s.fatalErr = err
	}
	s.mu.Unlock()

	s.logger.Error("stage failed", zap.String("stage", s.name), zap.Error(err))
	s.Halt()
}

// Err returns the stage's fatal error, if any.
func (s *Stage[T]) Err() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.fatalErr
}

// ExitCode returns the drain exit code, or -1 while the stage is running.
func (s *Stage[T]) ExitCode() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.exitCode
}

// Finished closes once the stage's Run loop has returned.
func (s *Stage[T]) Finished() <-chan struct{} {
	return s.finished
}

func (s *Stage[T]) Name() string { return s.name }
