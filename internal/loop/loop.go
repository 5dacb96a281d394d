// Package loop provides a single logical thread on which cache callbacks and
// calculator status notifications are delivered. Submitted functions run one
// at a time in submission order.
package loop

import (
	"sync"
)

// Loop runs submitted functions sequentially on one goroutine.
type Loop struct {
	mu      sync.Mutex
	queue   []func()
	wake    chan struct{}
	stopped bool
	done    chan struct{}
	started bool
}

// New returns a loop; call Start to begin dispatching.
func New() *Loop {
	return &Loop{wake: make(chan struct{}, 1), done: make(chan struct{})}
}

// Start launches the dispatch goroutine. It is idempotent.
func (l *Loop) Start() *Loop {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.started {
		return l
	}
	l.started = true
	go l.run()
	return l
}

// Submit enqueues fn. It never blocks, so it is safe to call from inside a
// running function. Submissions after Stop are ignored and reported false.
func (l *Loop) Submit(fn func()) bool {
	if fn == nil {
		return false
	}
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		return false
	}
	l.queue = append(l.queue, fn)
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	return true
}

// Sync blocks until every function submitted before the call has run. It
// must not be called from the loop goroutine.
func (l *Loop) Sync() {
	ch := make(chan struct{})
	if !l.Submit(func() { close(ch) }) {
		return
	}
	<-ch
}

// Stop runs the remaining queue, then terminates the goroutine and waits for
// it to exit.
func (l *Loop) Stop() {
	l.mu.Lock()
	if l.stopped {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.stopped = true
	started := l.started
	l.mu.Unlock()
	select {
	case l.wake <- struct{}{}:
	default:
	}
	if !started {
		close(l.done)
		return
	}
	<-l.done
}

func (l *Loop) run() {
	defer close(l.done)
	for {
		l.mu.Lock()
		batch := l.queue
		l.queue = nil
		stopped := l.stopped
		l.mu.Unlock()
		for _, fn := range batch {
			fn()
		}
		if len(batch) > 0 {
			continue
		}
		if stopped {
			return
		}
		<-l.wake
	}
}
