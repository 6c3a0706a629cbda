// Package queue provides the bounded multi-producer queue the pipeline
// stages communicate through, with graceful end-of-stream detection and
// timeout-based abandonment.
package queue

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/Yiling-J/theine-go"
)

// Drain outcomes. The two are distinguished so downstream diagnosis can tell
// a clean shutdown from a stalled upstream.
const (
	// ExitGraceful means every registered producer emitted its end marker.
	ExitGraceful = 0

	// ExitAbandoned means no item arrived within the staleness window
	// while producers remained unfinished.
	ExitAbandoned = 1

	exitUnset = -1
)

const (
	// DefaultPopTimeout is the short inner timeout of one drain iteration.
	DefaultPopTimeout = 50 * time.Millisecond

	// DefaultStalenessWindow is the outer window after which a drain with
	// unfinished producers gives up.
	DefaultStalenessWindow = 10 * time.Second
)

var ErrQueueClosed = errors.New("queue closed")

// PopResult classifies the outcome of one Pop.
type PopResult int

const (
	PopItem PopResult = iota
	PopEnd
	PopTimeout
)

type envelope[T any] struct {
	item T
	end  bool
}

// CompletionQueue is a bounded multi-producer queue. Producers register
// before sending and emit an end marker when done; the single drain loop
// terminates gracefully once every producer has finished, or abandons the
// drain when no item arrives within the staleness window.
//
// An optional bounded, content-hash-keyed cache silently drops previously
// seen items before enqueue.
type CompletionQueue[T any] struct {
	items chan envelope[T]

	producers atomic.Int32
	finished  int // owned by the drain loop

	pending  atomic.Int64
	lastExit atomic.Int32

	popTimeout time.Duration
	staleness  time.Duration

	hash  func(T) uint64
	dedup *theine.Cache[uint64, struct{}]

	closeOnce sync.Once
}

// Option configures a CompletionQueue.
type Option[T any] func(*CompletionQueue[T]) error

// WithDeduplication enables the bounded dedup cache. Items hashing to a
// previously seen value are dropped on Put.
func WithDeduplication[T any](capacity int64, hash func(T) uint64) Option[T] {
	return func(q *CompletionQueue[T]) error {
		cache, err := theine.NewBuilder[uint64, struct{}](capacity).Build()
		if err != nil {
			return err
		}
		q.hash = hash
		q.dedup = cache
		return nil
	}
}

// WithPopTimeout overrides the inner pop timeout used by Drain.
func WithPopTimeout[T any](d time.Duration) Option[T] {
	return func(q *CompletionQueue[T]) error {
		q.popTimeout = d
		return nil
	}
}

// WithStalenessWindow overrides the outer abandonment window used by Drain.
func WithStalenessWindow[T any](d time.Duration) Option[T] {
	return func(q *CompletionQueue[T]) error {
		q.staleness = d
		return nil
	}
}

// New creates a queue holding at most capacity in-flight items.
func New[T any](capacity int, opts ...Option[T]) (*CompletionQueue[T], error) {
	q := &CompletionQueue[T]{
		items:      make(chan envelope[T], capacity),
		popTimeout: DefaultPopTimeout,
		staleness:  DefaultStalenessWindow,
	}
	q.lastExit.Store(exitUnset)

	for _, opt := range opts {
		if err := opt(q); err != nil {
			return nil, err
		}
	}
	return q, nil
}

// Must creates a queue or panics.
func Must[T any](capacity int, opts ...Option[T]) *CompletionQueue[T] {
	q, err := New[T](capacity, opts...)
	if err != nil {
		panic(err)
	}
	return q
}

// Producer is one registered inbound source. Done must be called exactly
// once when the producer has no more items.
type Producer[T any] struct {
	q    *CompletionQueue[T]
	once sync.Once
}

// Put enqueues one item, see [CompletionQueue.Put].
func (p *Producer[T]) Put(ctx context.Context, item T) (bool, error) {
	return p.q.Put(ctx, item)
}

// Done emits this producer's end marker.
func (p *Producer[T]) Done() {
	p.once.Do(func() {
		p.q.items <- envelope[T]{end: true}
	})
}

// AddProducer registers a new inbound producer. All producers must be
// registered before the drain can complete gracefully.
func (q *CompletionQueue[T]) AddProducer() *Producer[T] {
	q.producers.Add(1)
	return &Producer[T]{q: q}
}

// Put enqueues one item, blocking while the queue is full. It reports false
// when the dedup cache dropped the item.
func (q *CompletionQueue[T]) Put(ctx context.Context, item T) (bool, error) {
	if q.dedup != nil {
		h := q.hash(item)
		if _, seen := q.dedup.Get(h); seen {
			return false, nil
		}
		q.dedup.Set(h, struct{}{}, 1)
	}

	select {
	case q.items <- envelope[T]{item: item}:
		q.pending.Add(1)
		return true, nil
	case <-ctx.Done():
		return false, ctx.Err()
	}
}

// Pop removes one item, waiting at most timeout. On an end marker it
// advances the finished-producer count and reports PopEnd.
func (q *CompletionQueue[T]) Pop(timeout time.Duration) (T, PopResult) {
	var zero T

	timer := time.NewTimer(timeout)
	defer timer.Stop()

	select {
	case env := <-q.items:
		if env.end {
			q.finished++
			return zero, PopEnd
		}
		q.pending.Add(-1)
		return env.item, PopItem
	case <-timer.C:
		return zero, PopTimeout
	}
}

// Completed reports whether every registered producer has emitted its end
// marker. A queue that never gained a producer is trivially complete.
func (q *CompletionQueue[T]) Completed() bool {
	return q.finished >= int(q.producers.Load())
}

// Pending returns the number of enqueued, not yet popped items.
func (q *CompletionQueue[T]) Pending() int64 {
	return q.pending.Load()
}

// DrainSink consumes a drain loop. OnIdle fires on every inner pop timeout,
// giving buffered consumers a chance to flush.
type DrainSink[T any] interface {
	OnItem(item T)
	OnIdle()
}

// SinkFunc adapts a plain function to a DrainSink with a no-op OnIdle.
type SinkFunc[T any] func(T)

func (f SinkFunc[T]) OnItem(item T) { f(item) }
func (f SinkFunc[T]) OnIdle()       {}

// Drain consumes the queue until every registered producer has finished and
// the queue is empty (ExitGraceful), or no item arrives within the staleness
// window while producers remain unfinished (ExitAbandoned). A queue with no
// producers drains gracefully as soon as it runs dry. Context cancellation
// counts as abandonment. The returned exit code is also kept for later
// inspection.
func (q *CompletionQueue[T]) Drain(ctx context.Context, sink DrainSink[T]) int {
	lastActivity := time.Now()

	for {
		if ctx.Err() != nil {
			return q.exit(ExitAbandoned)
		}

		item, res := q.Pop(q.popTimeout)
		switch res {
		case PopItem:
			lastActivity = time.Now()
			sink.OnItem(item)
		case PopEnd:
			lastActivity = time.Now()
			if q.Completed() {
				return q.exit(ExitGraceful)
			}
		case PopTimeout:
			sink.OnIdle()
			// A producerless queue never sees an end marker; once it
			// runs dry the drain is done.
			if q.Completed() && q.Pending() == 0 {
				return q.exit(ExitGraceful)
			}
			if time.Since(lastActivity) > q.staleness {
				return q.exit(ExitAbandoned)
			}
		}
	}
}

func (q *CompletionQueue[T]) exit(code int) int {
	q.lastExit.Store(int32(code))
	if q.dedup != nil {
		q.closeOnce.Do(q.dedup.Close)
	}
	return code
}

// LastExitCode returns the exit code of the last completed drain, or -1 if
// no drain has finished.
func (q *CompletionQueue[T]) LastExitCode() int {
	return int(q.lastExit.Load())
}
