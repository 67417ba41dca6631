// Package task tracks the lifecycle of one request and delivers its
// callbacks on the main-thread executor.
//
// Every event a task emits goes through a per-task outbox that is drained on
// the executor, so callbacks of one task run in emission order and never
// concurrently, even when cancellation arrives from another goroutine.
// Exactly one terminal callback is delivered, followed by Finished.
package task

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"

	"github.com/GriffinCanCode/xfetch/internal/httperr"
	"github.com/GriffinCanCode/xfetch/internal/logging"
	"github.com/GriffinCanCode/xfetch/internal/mainthread"
	"go.uber.org/zap"
)

// Listener receives lifecycle events on the main-thread executor.
type Listener interface {
	Waiting()
	Started()
	Success(result any)
	Failed(err error, isCallback bool)
	Cancelled(err *httperr.CancelledError)
	Finished()
}

// Stage names used for callback errors.
const (
	StageWaiting   = "waiting"
	StageStarted   = "started"
	StageLoading   = "loading"
	StageSuccess   = "success"
	StageError     = "error"
	StageCancelled = "cancelled"
	StageFinished  = "finished"
)

// Task is the lifecycle of one request.
type Task struct {
	id       string
	listener Listener
	executor mainthread.Executor
	logger   *logging.Logger

	ctx    context.Context
	cancel context.CancelCauseFunc

	state atomic.Int32

	mu       sync.Mutex
	outbox   []event
	draining bool

	done   chan struct{}
	result any
	err    error
}

type event struct {
	stage string
	fn    func()
}

// New creates an idle task. parent bounds the task's context.
func New(parent context.Context, id string, executor mainthread.Executor, listener Listener, logger *logging.Logger) *Task {
	if parent == nil {
		parent = context.Background()
	}
	if executor == nil {
		executor = mainthread.Inline{}
	}
	ctx, cancel := context.WithCancelCause(parent)
	return &Task{
		id:       id,
		listener: listener,
		executor: executor,
		logger:   logging.OrNop(logger).With(zap.String("task_id", id)),
		ctx:      ctx,
		cancel:   cancel,
		done:     make(chan struct{}),
	}
}

// ID returns the task id.
func (t *Task) ID() string { return t.id }

// State returns the current state.
func (t *Task) State() State { return State(t.state.Load()) }

// Context is cancelled when the task is cancelled or aborted.
func (t *Task) Context() context.Context { return t.ctx }

// Done is closed after the Finished callback has run.
func (t *Task) Done() <-chan struct{} { return t.done }

// IsCancelled reports whether cancellation was requested.
func (t *Task) IsCancelled() bool {
	var cerr *httperr.CancelledError
	return errors.As(context.Cause(t.ctx), &cerr)
}

// Cause returns why the task's context ended, or nil while it is live.
func (t *Task) Cause() error {
	if t.ctx.Err() == nil {
		return nil
	}
	return context.Cause(t.ctx)
}

// Result returns the terminal outcome. It is only meaningful after Done.
func (t *Task) Result() (any, error) {
	return t.result, t.err
}

// Wait moves the task to Waiting. It returns false when the task already
// ended, for instance because it was cancelled before submission.
func (t *Task) Wait() bool {
	return t.advance(StateIdle, StateWaiting, StageWaiting, func() { t.listener.Waiting() })
}

// Start moves the task to Started. False means the body must not run.
func (t *Task) Start() bool {
	if cause := t.Cause(); cause != nil {
		t.finishCause(cause)
		return false
	}
	return t.advance(StateWaiting, StateStarted, StageStarted, func() { t.listener.Started() })
}

// Emit delivers fn on the executor unless the task has ended.
func (t *Task) Emit(stage string, fn func()) {
	t.mu.Lock()
	if t.State().Terminal() {
		t.mu.Unlock()
		return
	}
	t.outbox = append(t.outbox, event{stage: stage, fn: fn})
	t.mu.Unlock()
	t.executor.Post(t.drain)
}

// Succeed ends the task with result.
func (t *Task) Succeed(result any) bool {
	return t.finish(StateSuccess, result, nil)
}

// Fail ends the task with err. A CancelledError ends it as cancelled.
func (t *Task) Fail(err error) bool {
	var cerr *httperr.CancelledError
	if errors.As(err, &cerr) {
		return t.finish(StateCancelled, nil, cerr)
	}
	return t.finish(StateError, nil, err)
}

// Cancel requests cancellation. A task whose body has not started ends at
// once; a running body observes the cancelled context.
func (t *Task) Cancel() {
	t.abort(httperr.NewCancelled("cancelled by caller", context.Canceled))
}

// abort cancels the context with cause and ends the task if its body is not
// running yet.
func (t *Task) abort(cause error) {
	t.cancel(cause)
	if t.State() < StateStarted {
		t.finishCause(context.Cause(t.ctx))
	}
}

func (t *Task) finishCause(cause error) {
	if cause == nil {
		cause = httperr.NewCancelled("", context.Canceled)
	}
	var cerr *httperr.CancelledError
	if !errors.As(cause, &cerr) && !httperr.IsCallback(cause) {
		cause = httperr.NewCancelled(cause.Error(), cause)
	}
	t.Fail(cause)
}

func (t *Task) advance(from, to State, stage string, fn func()) bool {
	t.mu.Lock()
	if !t.state.CompareAndSwap(int32(from), int32(to)) {
		t.mu.Unlock()
		return false
	}
	t.outbox = append(t.outbox, event{stage: stage, fn: fn})
	t.mu.Unlock()
	t.executor.Post(t.drain)
	return true
}

func (t *Task) finish(to State, result any, err error) bool {
	t.mu.Lock()
	from := t.State()
	if !canFinish(from, to) {
		t.mu.Unlock()
		return false
	}
	t.state.Store(int32(to))
	t.result, t.err = result, err

	switch to {
	case StateSuccess:
		t.outbox = append(t.outbox, event{stage: StageSuccess, fn: func() { t.listener.Success(result) }})
	case StateCancelled:
		var cerr *httperr.CancelledError
		errors.As(err, &cerr)
		t.outbox = append(t.outbox, event{stage: StageCancelled, fn: func() { t.listener.Cancelled(cerr) }})
	default:
		isCallback := httperr.IsCallback(err)
		t.outbox = append(t.outbox, event{stage: StageError, fn: func() { t.listener.Failed(err, isCallback) }})
	}
	t.outbox = append(t.outbox, event{stage: StageFinished, fn: func() {
		defer close(t.done)
		t.listener.Finished()
	}})
	t.mu.Unlock()

	t.cancel(nil)
	t.executor.Post(t.drain)
	return true
}

// drain runs queued events in order. Only one drain per task is active at a
// time; a nested or concurrent call leaves the work to it.
func (t *Task) drain() {
	t.mu.Lock()
	if t.draining {
		t.mu.Unlock()
		return
	}
	t.draining = true

	for len(t.outbox) > 0 {
		ev := t.outbox[0]
		t.outbox = t.outbox[1:]
		t.mu.Unlock()
		t.run(ev)
		t.mu.Lock()
	}
	t.draining = false
	t.mu.Unlock()
}

// run invokes one callback. A panic before the terminal callback fails the
// task; a panic in the success callback is reported through Failed.
func (t *Task) run(ev event) {
	defer func() {
		r := recover()
		if r == nil {
			return
		}
		cbErr := httperr.FromPanic(ev.stage, r)
		t.logger.Warn("callback panicked", zap.String("stage", ev.stage), zap.Error(cbErr))

		switch ev.stage {
		case StageWaiting, StageStarted, StageLoading:
			t.abort(cbErr)
		case StageSuccess:
			t.err = cbErr
			t.runQuiet(func() { t.listener.Failed(cbErr, true) })
		}
	}()
	ev.fn()
}

func (t *Task) runQuiet(fn func()) {
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("error callback panicked", zap.Any("panic", r))
		}
	}()
	fn()
}
