package node

import (
	"errors"
	"fmt"
	"runtime/debug"
	"sync"
	"time"

	"github.com/rudransh-shrivastava/peer-talk/internal/queue"
)

var (
	// ErrStopped is returned by calls made after Run has returned.
	ErrStopped = errors.New("node stopped")
	errPanic   = errors.New("operation panicked")
)

// loop is an unbounded queue of closures run one at a time by Node.Run.
// Posting never blocks, so pion callbacks raised synchronously from inside
// a running closure cannot deadlock the loop.
type loop struct {
	mu      sync.Mutex
	ops     *queue.Queue[func()]
	stopped bool
	wake    chan struct{}
	done    chan struct{}
}

func newLoop() *loop {
	return &loop{
		ops:  queue.New[func()](),
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

func (l *loop) post(fn func()) bool {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.ops.Push(fn)
	l.mu.Unlock()

	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

func (l *loop) drain() []func() {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.ops.Drain()
}

func (l *loop) stop() {
	l.mu.Lock()
	l.stopped = true
	l.ops.Drain()
	l.mu.Unlock()
	close(l.done)
}

// post schedules fn on the event loop.
func (n *Node) post(fn func()) bool {
	return n.loop.post(fn)
}

// call runs fn on the event loop and waits for its result.
func (n *Node) call(fn func() error) error {
	errc := make(chan error, 1)
	ok := n.post(func() {
		err := errPanic
		defer func() { errc <- err }()
		err = fn()
	})
	if !ok {
		return ErrStopped
	}

	select {
	case err := <-errc:
		return err
	case <-n.loop.done:
		return ErrStopped
	}
}

func callValue[T any](n *Node, fn func() (T, error)) (T, error) {
	var v T
	err := n.call(func() error {
		var err error
		v, err = fn()
		return err
	})
	return v, err
}

// safeRun runs fn and converts a panic into a logged error.
func (n *Node) safeRun(fn func()) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("%w: %v", errPanic, r)
			n.logger.Errorf("Recovered from panic: %v\n%s", r, debug.Stack())
		}
	}()
	fn()
	return nil
}

// loopTimer is a one-shot timer whose callback runs on the event loop. Stop
// is only called from the loop, so a callback already queued when Stop runs
// sees stopped and returns.
type loopTimer struct {
	stopped bool
	t       *time.Timer
}

func (lt *loopTimer) Stop() bool {
	lt.stopped = true
	return lt.t.Stop()
}

func (n *Node) afterFunc(d time.Duration, fn func()) *loopTimer {
	lt := &loopTimer{}
	lt.t = time.AfterFunc(d, func() {
		n.post(func() {
			if lt.stopped {
				return
			}
			lt.stopped = true
			fn()
		})
	})
	return lt
}

// recurring re-arms itself after each run until stopped.
type recurring struct {
	fn       func()
	interval time.Duration
	node     *Node
	stopped  bool
	t        *time.Timer
}

func (r *recurring) Stop() bool {
	r.stopped = true
	return r.t.Stop()
}

func (r *recurring) arm() {
	r.t = time.AfterFunc(r.interval, func() {
		r.node.post(func() {
			if r.stopped {
				return
			}
			r.fn()
			if !r.stopped {
				r.arm()
			}
		})
	})
}

func (n *Node) every(d time.Duration, fn func()) *recurring {
	r := &recurring{fn: fn, interval: d, node: n}
	r.arm()
	return r
}
