// Package scheduler runs callbacks one at a time on a single logical thread.
//
// Every piece of playback state (ledger, sequencer, coordinator, controller)
// belongs to exactly one scheduler and is only touched from its callbacks, so
// none of those types carry locks.
package scheduler

import (
	"context"
	"errors"
	"sync"
	"time"
)

// ErrClosed is returned when work is submitted to a stopped Loop.
var ErrClosed = errors.New("scheduler closed")

// Scheduler queues callbacks for serial execution.
type Scheduler interface {
	// Post queues fn behind every callback already queued. It never blocks.
	Post(fn func())
	// AfterFunc queues fn once d has elapsed. The returned func cancels the
	// timer and reports whether fn was prevented from being queued.
	AfterFunc(d time.Duration, fn func()) (cancel func() bool)
}

// Loop is a Scheduler backed by a single goroutine. Its queue is unbounded so
// callbacks may post follow-up work without deadlocking the loop.
type Loop struct {
	mu      sync.Mutex
	pending []func()
	closed  bool

	wake chan struct{}
	done chan struct{}
	once sync.Once
}

// NewLoop returns an idle Loop. Call Run to start executing.
func NewLoop() *Loop {
	return &Loop{
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// Run executes queued callbacks until ctx is cancelled or Close is called.
func (l *Loop) Run(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			l.Close()
			return
		case <-l.done:
			return
		case <-l.wake:
		}

		for {
			fn, ok := l.pop()
			if !ok {
				break
			}
			fn()
			select {
			case <-l.done:
				return
			default:
			}
		}
	}
}

func (l *Loop) pop() (func(), bool) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.pending) == 0 {
		return nil, false
	}
	fn := l.pending[0]
	l.pending[0] = nil
	l.pending = l.pending[1:]
	return fn, true
}

// Close stops the loop. Callbacks still queued are dropped.
func (l *Loop) Close() {
	l.once.Do(func() {
		l.mu.Lock()
		l.closed = true
		l.pending = nil
		l.mu.Unlock()
		close(l.done)
	})
}

// Done is closed once the loop stops.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Post implements Scheduler. Posting to a closed loop is a no-op.
func (l *Loop) Post(fn func()) {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		return
	}
	l.pending = append(l.pending, fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
}

// AfterFunc implements Scheduler.
func (l *Loop) AfterFunc(d time.Duration, fn func()) func() bool {
	t := time.AfterFunc(d, func() { l.Post(fn) })
	return t.Stop
}

// Do runs fn on the loop and waits for it to finish. It must not be called
// from a loop callback.
func (l *Loop) Do(ctx context.Context, fn func()) error {
	ran := make(chan struct{})
	l.mu.Lock()
	closed := l.closed
	l.mu.Unlock()
	if closed {
		return ErrClosed
	}
	l.Post(func() {
		fn()
		close(ran)
	})

	select {
	case <-ran:
		return nil
	case <-l.done:
		return ErrClosed
	case <-ctx.Done():
		return ctx.Err()
	}
}
