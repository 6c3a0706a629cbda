// Package workers wraps the goroutine pool that executes dispatched batches.
// Stages hand batches over and continue; completion is observed through the
// returned handle.
package workers

import (
	"errors"
	"fmt"
	"time"

	"github.com/panjf2000/ants/v2"
)

// releaseWait bounds how long Release blocks on outstanding tasks. ants only
// reaps its purge and ticktock goroutines on the timeout variant of release.
const releaseWait = 5 * time.Second

// ErrSaturated is returned by Submit once outstanding work exceeds the
// configured limit. Dispatch is bounded on purpose: unbounded fire-and-forget
// grows memory without limit under sustained overload.
var ErrSaturated = errors.New("worker pool saturated")

// Handle tracks one submitted task.
type Handle struct {
	done chan struct{}
	err  error // written before done closes
}

// Wait blocks until the task finishes and returns its error.
func (h *Handle) Wait() error {
	<-h.done
	return h.err
}

// Pool executes submitted tasks on a bounded set of goroutines. Submit
// blocks while all workers are busy, up to maxWaiting queued submitters;
// beyond that it fails with ErrSaturated.
type Pool struct {
	pool *ants.Pool
}

// New creates a pool of size workers allowing at most maxWaiting blocked
// submitters.
func New(size, maxWaiting int) (*Pool, error) {
	p, err := ants.NewPool(size,
		ants.WithNonblocking(false),
		ants.WithMaxBlockingTasks(maxWaiting),
	)
	if err != nil {
		return nil, err
	}
	return &Pool{pool: p}, nil
}

// Submit schedules a task and returns its handle. Panics inside the task are
// captured into the handle's error.
func (p *Pool) Submit(task func() error) (*Handle, error) {
	h := &Handle{done: make(chan struct{})}

	err := p.pool.Submit(func() {
		defer close(h.done)
		defer func() {
			if r := recover(); r != nil {
				h.err = fmt.Errorf("task panic: %v", r)
			}
		}()
		h.err = task()
	})
	if err != nil {
		if errors.Is(err, ants.ErrPoolOverload) {
			return nil, ErrSaturated
		}
		return nil, err
	}
	return h, nil
}

// OnComplete invokes callback with the task's error once it finishes.
func (p *Pool) OnComplete(h *Handle, callback func(error)) {
	go func() {
		<-h.done
		callback(h.err)
	}()
}

// Running returns the number of currently busy workers.
func (p *Pool) Running() int {
	return p.pool.Running()
}

// Release stops the pool and waits for its workers and maintenance
// goroutines to exit. Outstanding tasks finish; new submissions fail.
func (p *Pool) Release() {
	_ = p.pool.ReleaseTimeout(releaseWait)
}
