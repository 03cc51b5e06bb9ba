// Package loop provides the single consumer context that owns engine state.
// Work from background goroutines is posted here and runs one task at a time
// in post order.
package loop

import (
	"context"
	"errors"
	"sync"
)

var ErrClosed = errors.New("loop closed")

type Loop struct {
	tasks     chan func()
	done      chan struct{}
	closeOnce sync.Once
}

// New returns a loop whose queue holds up to buffer pending tasks before
// Post blocks.
func New(buffer int) *Loop {
	return &Loop{tasks: make(chan func(), buffer), done: make(chan struct{})}
}

// Post queues fn. It must not be called from inside a task when the queue
// may be full. After Close, fn is dropped.
func (l *Loop) Post(fn func()) {
	select {
	case l.tasks <- fn:
	case <-l.done:
	}
}

// Call runs fn on the loop and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	task := func() {
		defer close(finished)
		fn()
	}
	select {
	case l.tasks <- task:
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Run executes tasks until ctx is cancelled or the loop is closed.
func (l *Loop) Run(ctx context.Context) error {
	for {
		select {
		case fn := <-l.tasks:
			fn()
		case <-l.done:
			return ErrClosed
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

// Step waits for and runs exactly one task. It lets a caller that already
// has its own loop drive this one.
func (l *Loop) Step(ctx context.Context) error {
	select {
	case fn := <-l.tasks:
		fn()
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Pending is the number of queued tasks.
func (l *Loop) Pending() int {
	return len(l.tasks)
}

// Close stops Run and Step and makes further Posts no-ops.
func (l *Loop) Close() {
	l.closeOnce.Do(func() { close(l.done) })
}
