// Package serial provides a single-consumer callback queue: work submitted
// from any goroutine runs one item at a time, in submission order, on the
// queue's own worker goroutine.
package serial

import (
	"context"
	"fmt"
	"sync"

	"go.uber.org/zap"

	"github.com/ryandielhenn/zkgroup/internal/telemetry"
)

// Queue is an unbounded FIFO drained by a single worker.
//
// Shutdown stops accepting new work; items already queued still run, in
// order, before the worker exits.
type Queue struct {
	name string
	log  *zap.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	items  []func()
	closed bool

	done chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger used to report recovered panics.
func WithLogger(l *zap.Logger) Option {
	return func(q *Queue) {
		if l != nil {
			q.log = l
		}
	}
}

// New starts a queue and its worker. name labels log lines and metrics.
func New(name string, opts ...Option) *Queue {
	q := &Queue{
		name: name,
		log:  zap.NewNop(),
		done: make(chan struct{}),
	}
	for _, o := range opts {
		o(q)
	}
	q.cond = sync.NewCond(&q.mu)
	go q.run()
	return q
}

// Submit enqueues fn and returns immediately. It reports false, and drops
// fn, once the queue has been shut down.
func (q *Queue) Submit(fn func()) bool {
	if fn == nil {
		return false
	}
	q.mu.Lock()
	if q.closed {
		q.mu.Unlock()
		return false
	}
	q.items = append(q.items, fn)
	telemetry.QueuePending.WithLabelValues(q.name).Set(float64(len(q.items)))
	q.mu.Unlock()
	q.cond.Signal()
	return true
}

// Shutdown stops accepting work. It does not wait for the worker; use Done
// or Wait for that. Safe to call more than once and from inside a callback.
func (q *Queue) Shutdown() {
	q.mu.Lock()
	q.closed = true
	q.mu.Unlock()
	q.cond.Broadcast()
}

// Done is closed after Shutdown once every queued item has run.
func (q *Queue) Done() <-chan struct{} { return q.done }

// Wait blocks until the worker exits or ctx ends.
func (q *Queue) Wait(ctx context.Context) error {
	select {
	case <-q.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Len reports the number of items waiting to run.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.items)
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		q.mu.Lock()
		for len(q.items) == 0 && !q.closed {
			q.cond.Wait()
		}
		if len(q.items) == 0 {
			telemetry.QueuePending.DeleteLabelValues(q.name)
			q.mu.Unlock()
			return
		}
		fn := q.items[0]
		q.items[0] = nil
		q.items = q.items[1:]
		telemetry.QueuePending.WithLabelValues(q.name).Set(float64(len(q.items)))
		q.mu.Unlock()

		q.exec(fn)
	}
}

func (q *Queue) exec(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			telemetry.CallbackPanics.WithLabelValues(q.name).Inc()
			q.log.Error("serial: callback panicked",
				zap.String("queue", q.name),
				zap.String("panic", fmt.Sprint(r)),
				zap.Stack("stack"),
			)
		}
	}()
	fn()
}
