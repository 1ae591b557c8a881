package synced

import (
	"sync"

	"github.com/vinayprograms/kvsync/errors"
)

// ErrLoopClosed is returned by Do once the loop has been closed.
var ErrLoopClosed = errors.FromCode(errors.ErrCodeLoopClosed)

// Loop is a single goroutine that runs queued functions one at a time, in
// order. Every Value and Registry is confined to one Loop: their state is
// only read or written from functions running on it.
//
// Functions running on the loop must not call Do on the same loop, because
// Do waits for the loop to become free. Use Post from there instead.
type Loop struct {
	mu     sync.Mutex
	cond   *sync.Cond
	queue  []func()
	closed bool
	done   chan struct{}
}

// NewLoop starts a loop.
func NewLoop() *Loop {
	l := &Loop{done: make(chan struct{})}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		for len(l.queue) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.queue) == 0 {
			l.mu.Unlock()
			return
		}
		fn := l.queue[0]
		l.queue[0] = nil
		l.queue = l.queue[1:]
		l.mu.Unlock()

		fn()
	}
}

// Post queues fn without waiting for it to run. It reports false if the loop
// is closed.
func (l *Loop) Post(fn func()) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.closed {
		return false
	}
	l.queue = append(l.queue, fn)
	l.cond.Signal()
	return true
}

// Do runs fn on the loop and waits for it to return. A panic in fn is
// recovered and returned as a PANIC error.
func (l *Loop) Do(fn func()) error {
	var err error
	finished := make(chan struct{})
	ok := l.Post(func() {
		defer close(finished)
		defer func() {
			if r := recover(); r != nil {
				err = errors.RecoverPanic(r)
			}
		}()
		fn()
	})
	if !ok {
		return ErrLoopClosed
	}
	<-finished
	return err
}

// Close stops accepting work, runs what is already queued, and waits for the
// loop goroutine to exit. It must not be called from the loop.
func (l *Loop) Close() {
	l.mu.Lock()
	if !l.closed {
		l.closed = true
		l.cond.Broadcast()
	}
	l.mu.Unlock()
	<-l.done
}

// Done returns a channel that is closed once the loop goroutine has run its
// last function.
func (l *Loop) Done() <-chan struct{} {
	return l.done
}

// Closed reports whether Close has been called.
func (l *Loop) Closed() bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.closed
}
