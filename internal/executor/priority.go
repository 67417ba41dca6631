package executor

import (
	"container/heap"
	"errors"
	"sync"

	"github.com/GriffinCanCode/xfetch/internal/logging"
	"go.uber.org/zap"
)

// ErrClosed is returned by Submit after Close.
var ErrClosed = errors.New("executor is closed")

// Priority orders queued work. Lower values run first.
type Priority int

const (
	PriorityUITop Priority = iota
	PriorityUINormal
	PriorityUILow
	PriorityDefault
	PriorityBGTop
	PriorityBGNormal
	PriorityBGLow
)

// String returns the priority name.
func (p Priority) String() string {
	switch p {
	case PriorityUITop:
		return "ui_top"
	case PriorityUINormal:
		return "ui_normal"
	case PriorityUILow:
		return "ui_low"
	case PriorityDefault:
		return "default"
	case PriorityBGTop:
		return "bg_top"
	case PriorityBGNormal:
		return "bg_normal"
	case PriorityBGLow:
		return "bg_low"
	default:
		return "unknown"
	}
}

// Submitter runs units of work off the caller's goroutine.
type Submitter interface {
	Submit(priority Priority, fn func()) error
	IsBusy() bool
}

// Option configures a PriorityExecutor.
type Option func(*PriorityExecutor)

// WithLIFO makes newer work run first among equal priorities.
func WithLIFO() Option {
	return func(e *PriorityExecutor) { e.fifo = false }
}

// WithQueueLimit sets the queue length at which IsBusy reports saturation.
func WithQueueLimit(n int) Option {
	return func(e *PriorityExecutor) {
		if n > 0 {
			e.queueLimit = n
		}
	}
}

// WithLogger attaches a logger used to report recovered panics.
func WithLogger(l *logging.Logger) Option {
	return func(e *PriorityExecutor) { e.logger = logging.OrNop(l) }
}

// WithName labels the pool in logs.
func WithName(name string) Option {
	return func(e *PriorityExecutor) { e.name = name }
}

// PriorityExecutor is a fixed-size worker pool draining a priority queue.
// Equal priorities run in submission order (or reverse order with WithLIFO).
type PriorityExecutor struct {
	name       string
	workers    int
	queueLimit int
	fifo       bool
	logger     *logging.Logger

	mu     sync.Mutex
	cond   *sync.Cond
	queue  jobQueue
	seq    uint64
	active int
	closed bool
	wg     sync.WaitGroup
}

// New starts a pool with the given number of workers.
func New(workers int, opts ...Option) *PriorityExecutor {
	if workers <= 0 {
		workers = 1
	}

	e := &PriorityExecutor{
		name:       "executor",
		workers:    workers,
		queueLimit: 128,
		fifo:       true,
		logger:     logging.NewNop(),
	}
	for _, opt := range opts {
		opt(e)
	}
	e.cond = sync.NewCond(&e.mu)
	e.queue.fifo = e.fifo

	e.wg.Add(workers)
	for i := 0; i < workers; i++ {
		go e.work()
	}
	return e
}

// Submit queues fn. It never blocks on running work.
func (e *PriorityExecutor) Submit(priority Priority, fn func()) error {
	if fn == nil {
		return nil
	}

	e.mu.Lock()
	defer e.mu.Unlock()

	if e.closed {
		return ErrClosed
	}

	e.seq++
	heap.Push(&e.queue, &job{priority: priority, seq: e.seq, fn: fn})
	e.cond.Signal()
	return nil
}

// IsBusy reports whether the queue is saturated. Work submitted while every
// worker is occupied still queues by priority until the limit is reached.
func (e *PriorityExecutor) IsBusy() bool {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.queue.Len() >= e.queueLimit
}

// Active returns the number of workers currently running work.
func (e *PriorityExecutor) Active() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.active
}

// Pending returns the number of queued, not yet started, units of work.
func (e *PriorityExecutor) Pending() int {
	e.mu.Lock()
	defer e.mu.Unlock()

	return e.queue.Len()
}

// Close stops accepting work, lets queued work finish, and waits for workers.
func (e *PriorityExecutor) Close() {
	e.mu.Lock()
	if e.closed {
		e.mu.Unlock()
		return
	}
	e.closed = true
	e.cond.Broadcast()
	e.mu.Unlock()

	e.wg.Wait()
}

func (e *PriorityExecutor) work() {
	defer e.wg.Done()

	for {
		e.mu.Lock()
		for e.queue.Len() == 0 && !e.closed {
			e.cond.Wait()
		}
		if e.queue.Len() == 0 && e.closed {
			e.mu.Unlock()
			return
		}
		j := heap.Pop(&e.queue).(*job)
		e.active++
		e.mu.Unlock()

		e.run(j)

		e.mu.Lock()
		e.active--
		e.mu.Unlock()
	}
}

// run isolates a panicking unit of work from the pool.
func (e *PriorityExecutor) run(j *job) {
	defer func() {
		if r := recover(); r != nil {
			e.logger.Error("recovered panic in worker",
				zap.String("pool", e.name),
				zap.String("priority", j.priority.String()),
				zap.Any("panic", r),
			)
		}
	}()
	j.fn()
}

type job struct {
	priority Priority
	seq      uint64
	fn       func()
}

// jobQueue implements heap.Interface.
type jobQueue struct {
	items []*job
	fifo  bool
}

func (q *jobQueue) Len() int { return len(q.items) }

func (q *jobQueue) Less(i, j int) bool {
	a, b := q.items[i], q.items[j]
	if a.priority != b.priority {
		return a.priority < b.priority
	}
	if q.fifo {
		return a.seq < b.seq
	}
	return a.seq > b.seq
}

func (q *jobQueue) Swap(i, j int) { q.items[i], q.items[j] = q.items[j], q.items[i] }

func (q *jobQueue) Push(x any) { q.items = append(q.items, x.(*job)) }

func (q *jobQueue) Pop() any {
	old := q.items
	n := len(old)
	item := old[n-1]
	old[n-1] = nil
	q.items = old[:n-1]
	return item
}
