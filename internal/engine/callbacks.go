package engine

import (
	"fmt"
	"reflect"

	"github.com/GriffinCanCode/xfetch/internal/httperr"
	"github.com/GriffinCanCode/xfetch/internal/params"
	"github.com/GriffinCanCode/xfetch/internal/transport"
)

// Callbacks is the caller's side of a task. Every field is optional; all of
// them run on the main-thread executor.
type Callbacks[T any] struct {
	OnWaiting func()
	OnStarted func()
	// OnLoading reports transfer progress. isLive is true while the response
	// streams in and false for request body uploads.
	OnLoading func(total, current int64, isLive bool)
	// OnCache receives a candidate rebuilt from the cache. Returning true
	// ends the task with that candidate and no network I/O. The worker waits
	// for the verdict.
	OnCache     func(result T) bool
	OnSuccess   func(result T)
	OnError     func(err error, isCallback bool)
	OnCancelled func(err *httperr.CancelledError)
	OnFinished  func()

	// Prepare converts the raw result once per load, cached or fresh.
	Prepare *Preparer[T]
	// Tracker mirrors this task's lifecycle in addition to the engine's.
	Tracker RequestTracker
}

// Preparer converts a raw result of a registered type into T. It runs on the
// worker goroutine.
type Preparer[T any] struct {
	raw reflect.Type
	fn  func(raw any) (T, error)
}

// Prepare builds a Preparer loading R and converting it with fn.
func Prepare[R, T any](fn func(raw R) (T, error)) *Preparer[T] {
	return &Preparer[T]{
		raw: reflect.TypeOf((*R)(nil)).Elem(),
		fn: func(raw any) (T, error) {
			r, ok := raw.(R)
			if !ok {
				var zero T
				return zero, fmt.Errorf("prepare: raw result is %T, want %s", raw, reflect.TypeOf((*R)(nil)).Elem())
			}
			return fn(r)
		},
	}
}

func (p *Preparer[T]) run(raw any) (result T, err error) {
	defer func() {
		if r := recover(); r != nil {
			err = httperr.FromPanic("prepare", r)
		}
	}()
	result, err = p.fn(raw)
	if err != nil && !httperr.IsCallback(err) {
		err = &httperr.CallbackError{Stage: "prepare", Err: err}
	}
	return result, err
}

// RequestTracker mirrors task lifecycles, typically for logging. Methods run
// on the main-thread executor.
type RequestTracker interface {
	OnWaiting(taskID string, p *params.Params)
	OnStart(taskID string, p *params.Params)
	OnRequestCreated(taskID string, ch transport.Channel)
	OnCache(taskID string, result any)
	OnSuccess(taskID string, result any)
	OnCancelled(taskID string, err *httperr.CancelledError)
	OnError(taskID string, err error, isCallback bool)
	OnFinished(taskID string)
}

// trackers fans events out to the engine-wide and per-task trackers.
type trackers []RequestTracker

func newTrackers(list ...RequestTracker) trackers {
	var out trackers
	for _, t := range list {
		if t != nil {
			out = append(out, t)
		}
	}
	return out
}

func (ts trackers) each(fn func(RequestTracker)) {
	for _, t := range ts {
		fn(t)
	}
}
