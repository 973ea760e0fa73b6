// Package opqueue bounds the number of operations running concurrently
// against a shared resource, queueing the rest in arrival order.
//
// The backlog is unbounded. A producer which outpaces the queue grows memory
// rather than getting errors.
package opqueue

import (
	"container/list"
	"context"
	"log/slog"
	"sync"

	"github.com/adammck/extentstore/pkg/logging"
)

type Queue struct {
	max    int
	logger *slog.Logger

	mu      sync.Mutex
	running int
	waiting *list.List // of *waiter, oldest at the front
}

type waiter struct {
	ready chan struct{}

	// set (under Queue.mu) when the waiter has been handed a slot, so a
	// cancelled waiter knows whether it has to give it back.
	granted bool
}

// New creates a queue which runs at most max operations at once. A max less
// than one is treated as one.
func New(max int, logger *slog.Logger) *Queue {
	if max < 1 {
		max = 1
	}

	return &Queue{
		max:     max,
		logger:  logging.OrDiscard(logger),
		waiting: list.New(),
	}
}

// Operate runs op once fewer than max other operations are running, and
// returns its error. Operations start in the order they were submitted.
//
// If ctx is cancelled before op starts, op is dropped from the queue and
// ctx.Err() is returned. Once op has started, it runs to completion.
func (q *Queue) Operate(ctx context.Context, op func() error) error {
	if err := q.acquire(ctx); err != nil {
		return err
	}
	defer q.release()

	return op()
}

// Do is Operate for operations which produce a value.
func Do[T any](ctx context.Context, q *Queue, op func() (T, error)) (T, error) {
	var res T
	err := q.Operate(ctx, func() error {
		var err error
		res, err = op()
		return err
	})
	return res, err
}

// Running returns the number of operations currently executing.
func (q *Queue) Running() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.running
}

// Pending returns the number of operations waiting to start.
func (q *Queue) Pending() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.waiting.Len()
}

// Max returns the concurrency limit.
func (q *Queue) Max() int {
	return q.max
}

func (q *Queue) acquire(ctx context.Context) error {
	q.mu.Lock()
	if q.running < q.max && q.waiting.Len() == 0 {
		q.running++
		q.mu.Unlock()
		return nil
	}

	w := &waiter{ready: make(chan struct{})}
	e := q.waiting.PushBack(w)
	q.logger.DebugContext(ctx, "operation queued", "running", q.running, "pending", q.waiting.Len(), "max", q.max)
	q.mu.Unlock()

	select {
	case <-w.ready:
		return nil

	case <-ctx.Done():
		q.mu.Lock()
		if w.granted {
			// lost the race; we already own a slot, so run anyway.
			q.mu.Unlock()
			return nil
		}
		q.waiting.Remove(e)
		q.mu.Unlock()
		return ctx.Err()
	}
}

// release hands the slot directly to the oldest waiter, if there is one, so
// running never dips below max while there's a backlog.
func (q *Queue) release() {
	q.mu.Lock()
	defer q.mu.Unlock()

	front := q.waiting.Front()
	if front == nil {
		q.running--
		return
	}

	w := q.waiting.Remove(front).(*waiter)
	w.granted = true
	close(w.ready)
}
