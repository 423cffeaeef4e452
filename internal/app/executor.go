package app

import (
	"context"
	"sync"
)

// Executor runs submitted tasks one at a time on a single goroutine. State
// owned by the session and the coordinator is only touched from tasks.
type Executor struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
}

// NewExecutor returns an executor; call Run to start processing.
func NewExecutor() *Executor {
	return &Executor{wake: make(chan struct{}, 1)}
}

// Submit enqueues fn without blocking. It reports false once the executor
// has stopped.
func (e *Executor) Submit(fn func()) bool {
	e.mu.Lock()
	if e.stopped {
		e.mu.Unlock()
		return false
	}
	e.queue = append(e.queue, fn)
	e.mu.Unlock()

	select {
	case e.wake <- struct{}{}:
	default:
	}
	return true
}

// Call runs fn on the executor and waits for it to finish. It must not be
// called from a task.
func (e *Executor) Call(ctx context.Context, fn func()) error {
	done := make(chan struct{})
	if !e.Submit(func() { fn(); close(done) }) {
		return context.Canceled
	}
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run processes tasks in submission order until ctx is done.
func (e *Executor) Run(ctx context.Context) {
	for {
		e.mu.Lock()
		batch := e.queue
		e.queue = nil
		e.mu.Unlock()

		if len(batch) == 0 {
			select {
			case <-ctx.Done():
				e.mu.Lock()
				e.stopped = true
				e.queue = nil
				e.mu.Unlock()
				return
			case <-e.wake:
			}
			continue
		}
		for _, fn := range batch {
			fn()
		}
	}
}
