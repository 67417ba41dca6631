// Package mainthread provides the single logical callback thread.
//
// Lifecycle and result callbacks of every task are posted to an Executor.
// Any implementation is acceptable as long as work posted from one goroutine
// runs in the order it was posted and never concurrently with other work.
// Loop is the default: one dedicated goroutine draining an unbounded FIFO.
package mainthread

import (
	"sync"

	"github.com/GriffinCanCode/xfetch/internal/logging"
	"go.uber.org/zap"
)

// Executor runs posted functions one at a time, in FIFO order.
type Executor interface {
	Post(fn func())
}

// Loop is an Executor backed by a dedicated goroutine.
type Loop struct {
	logger *logging.Logger

	mu      sync.Mutex
	cond    *sync.Cond
	pending []func()
	closed  bool
	done    chan struct{}
}

// NewLoop starts a callback loop.
func NewLoop(logger *logging.Logger) *Loop {
	l := &Loop{
		logger: logging.OrNop(logger),
		done:   make(chan struct{}),
	}
	l.cond = sync.NewCond(&l.mu)
	go l.run()
	return l
}

// Post queues fn. Posting after Close drops fn.
func (l *Loop) Post(fn func()) {
	if fn == nil {
		return
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	if l.closed {
		l.logger.Debug("dropping callback posted after close")
		return
	}
	l.pending = append(l.pending, fn)
	l.cond.Signal()
}

// Close runs everything already posted, then stops the loop.
func (l *Loop) Close() {
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.closed = true
	l.cond.Broadcast()
	l.mu.Unlock()

	<-l.done
}

// Flush blocks until everything posted before the call has run.
func (l *Loop) Flush() {
	ch := make(chan struct{})
	l.mu.Lock()
	if l.closed {
		l.mu.Unlock()
		<-l.done
		return
	}
	l.pending = append(l.pending, func() { close(ch) })
	l.cond.Signal()
	l.mu.Unlock()
	<-ch
}

func (l *Loop) run() {
	defer close(l.done)

	for {
		l.mu.Lock()
		for len(l.pending) == 0 && !l.closed {
			l.cond.Wait()
		}
		if len(l.pending) == 0 {
			l.mu.Unlock()
			return
		}
		batch := l.pending
		l.pending = nil
		l.mu.Unlock()

		for _, fn := range batch {
			l.invoke(fn)
		}
	}
}

func (l *Loop) invoke(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			l.logger.Error("recovered panic on callback loop", zap.Any("panic", r))
		}
	}()
	fn()
}

// Inline runs posted work immediately on the posting goroutine.
// It is used for synchronous requests, where the caller is the callback thread.
type Inline struct{}

// Post runs fn immediately.
func (Inline) Post(fn func()) {
	if fn != nil {
		fn()
	}
}
