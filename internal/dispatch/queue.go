// Package dispatch provides the ordered asynchronous delivery queue used
// wherever the replicated core must hand a message to a callback without
// holding its own lock: store fan-out to proxies, proxy notifications to
// subscribers, and driver notifications to receivers.
package dispatch

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
)

// Task is one queued delivery.
type Task func()

// Queue is an unbounded FIFO of tasks executed one at a time, in order, by
// a single goroutine.
//
// Enqueue never blocks, so a producer holding a lock can always hand off
// work. The queue uses a size-1 signal channel so the worker can wait on
// either new work or closure.
type Queue struct {
	name   string
	logger *slog.Logger

	mu     sync.Mutex
	tasks  []Task
	closed bool
	signal chan struct{}
	done   chan struct{}
}

// Option configures a Queue.
type Option func(*Queue)

// WithLogger sets the logger used for task panics.
func WithLogger(l *slog.Logger) Option {
	return func(q *Queue) {
		q.logger = l
	}
}

// New creates a queue and starts its worker.
func New(name string, opts ...Option) *Queue {
	q := &Queue{
		name:   name,
		logger: slog.Default(),
		tasks:  make([]Task, 0, 16),
		signal: make(chan struct{}, 1),
		done:   make(chan struct{}),
	}
	for _, opt := range opts {
		opt(q)
	}
	go q.run()
	return q
}

// Enqueue appends a task. Returns false if the queue is closed.
// Safe to call from any goroutine, including from inside a task.
func (q *Queue) Enqueue(t Task) bool {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return false
	}
	q.tasks = append(q.tasks, t)

	select {
	case q.signal <- struct{}{}:
	default:
	}
	return true
}

// tryDequeue removes the front task without blocking.
func (q *Queue) tryDequeue() (Task, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	if len(q.tasks) == 0 {
		return nil, false
	}
	t := q.tasks[0]
	q.tasks[0] = nil // release the closure for GC
	if len(q.tasks) == 1 {
		q.tasks = q.tasks[:0]
	} else {
		q.tasks = q.tasks[1:]
	}
	return t, true
}

// Len returns the number of tasks not yet started.
func (q *Queue) Len() int {
	q.mu.Lock()
	defer q.mu.Unlock()
	return len(q.tasks)
}

// Flush blocks until every task enqueued before the call has run.
// Must not be called from inside a task of the same queue.
func (q *Queue) Flush(ctx context.Context) error {
	reached := make(chan struct{})
	if !q.Enqueue(func() { close(reached) }) {
		select {
		case <-q.done:
			return nil
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	select {
	case <-reached:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("flush %s: %w", q.name, ctx.Err())
	}
}

// Close stops accepting tasks. Tasks already queued still run; Done is
// closed once they have.
func (q *Queue) Close() {
	q.mu.Lock()
	defer q.mu.Unlock()

	if q.closed {
		return
	}
	q.closed = true
	close(q.signal)
}

// Done is closed after Close once the worker has drained the queue.
func (q *Queue) Done() <-chan struct{} {
	return q.done
}

func (q *Queue) run() {
	defer close(q.done)
	for {
		if t, ok := q.tryDequeue(); ok {
			q.exec(t)
			continue
		}
		if _, open := <-q.signal; !open {
			// Closed: drain what is left, then stop.
			for {
				t, ok := q.tryDequeue()
				if !ok {
					return
				}
				q.exec(t)
			}
		}
	}
}

func (q *Queue) exec(t Task) {
	defer func() {
		if r := recover(); r != nil {
			q.logger.Error("dispatch task panicked", "queue", q.name, "panic", r)
		}
	}()
	t()
}
