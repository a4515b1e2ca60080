package link

import (
	"context"
	"errors"
)

// ErrLoopStopped is returned by Call once the loop has exited.
var ErrLoopStopped = errors.New("link: loop stopped")

// Loop is a single-threaded run loop. Every inbound callback of a process
// (link messages, transferred files, clock ticks) is posted here and runs to
// completion in delivery order.
type Loop struct {
	tasks chan func()
	done  chan struct{}
}

// NewLoop creates a loop with room for size queued tasks.
func NewLoop(size int) *Loop {
	if size <= 0 {
		size = 64
	}
	return &Loop{
		tasks: make(chan func(), size),
		done:  make(chan struct{}),
	}
}

// Post queues fn. It blocks while the queue is full and returns false once
// the loop has stopped.
func (l *Loop) Post(fn func()) bool {
	select {
	case <-l.done:
		return false
	default:
	}
	select {
	case l.tasks <- fn:
		return true
	case <-l.done:
		return false
	}
}

// Call runs fn on the loop and waits for it to finish.
func (l *Loop) Call(ctx context.Context, fn func()) error {
	finished := make(chan struct{})
	if !l.Post(func() {
		defer close(finished)
		fn()
	}) {
		return ErrLoopStopped
	}
	select {
	case <-finished:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	case <-l.done:
		return ErrLoopStopped
	}
}

// Run executes tasks until ctx is canceled.
func (l *Loop) Run(ctx context.Context) {
	defer close(l.done)
	for {
		select {
		case <-ctx.Done():
			return
		case fn := <-l.tasks:
			fn()
		}
	}
}

// Drain runs queued tasks on the calling goroutine until the queue is
// empty, including tasks posted while draining. It must not be used while
// Run is active.
func (l *Loop) Drain() int {
	n := 0
	for {
		select {
		case fn := <-l.tasks:
			fn()
			n++
		default:
			return n
		}
	}
}
