// Package loader turns a channel's body into a typed result and moves that
// result in and out of the cache.
//
// A Loader is stateful for one task: Load remembers what it read so that
// SaveToCache can persist it afterwards. Registries therefore hold
// constructors, and every task resolves a fresh Loader.
package loader

import (
	"context"
	"io"
	"reflect"

	"github.com/GriffinCanCode/xfetch/internal/cache"
	"github.com/GriffinCanCode/xfetch/internal/logging"
	"github.com/GriffinCanCode/xfetch/internal/params"
	"github.com/GriffinCanCode/xfetch/internal/transport"
)

// Progress receives byte counts while a body streams. total is
// transport.UnknownLength when the size is not known.
type Progress func(total, current int64)

// Request is what a loader sees of the task it works for.
type Request struct {
	Params   *params.Params
	Channel  transport.Channel
	Store    *cache.Store
	Locks    *cache.Locks
	Progress Progress
	Logger   *logging.Logger
}

func (r *Request) log() *logging.Logger { return logging.OrNop(r.Logger) }

func (r *Request) progress(total, current int64) {
	if r.Progress != nil {
		r.Progress(total, current)
	}
}

// Loader converts one response into a result.
type Loader interface {
	// Load reads req.Channel after its request has been sent.
	Load(ctx context.Context, req *Request) (any, error)
	// LoadFromCache rebuilds the result from an entry without any I/O
	// beyond the cache.
	LoadFromCache(entry *cache.Entry) (any, error)
	// SaveToCache returns the payload of the last successful Load, or nil
	// when there is nothing worth caching. Validators and expiry are filled
	// in by the caller.
	SaveToCache(ch transport.Channel) *cache.Entry
}

// BeforeSender is implemented by loaders that shape the request of each
// attempt, such as resumable downloads adding a Range header.
type BeforeSender interface {
	BeforeSend(req *Request) error
}

// FailureHandler is implemented by loaders holding resources across an
// attempt; it is called when the attempt fails for any reason.
type FailureHandler interface {
	AttemptFailed(err error)
}

// Downloader marks loaders that stream to disk and therefore take a
// download slot.
type Downloader interface {
	IsDownload() bool
}

// Factory creates a Loader for one task.
type Factory func() Loader

// TypeOf returns the registry key for T.
func TypeOf[T any]() reflect.Type {
	return reflect.TypeOf((*T)(nil)).Elem()
}

// countingReader reports progress as bytes are read.
type countingReader struct {
	r       io.Reader
	total   int64
	current int64
	report  func(total, current int64)
}

func (c *countingReader) Read(p []byte) (int, error) {
	n, err := c.r.Read(p)
	if n > 0 {
		c.current += int64(n)
		c.report(c.total, c.current)
	}
	return n, err
}

// readBody reads the whole body, reporting progress with a first call at
// zero so the caller always sees the start.
func readBody(ctx context.Context, req *Request) ([]byte, error) {
	body, err := req.Channel.Body()
	if err != nil {
		return nil, err
	}

	total := req.Channel.ContentLength()
	req.progress(total, 0)

	r := &countingReader{r: body, total: total, report: req.progress}
	data, err := io.ReadAll(ctxReader{ctx: ctx, r: r})
	if err != nil {
		return nil, err
	}
	req.progress(int64(len(data)), int64(len(data)))
	return data, nil
}

// ctxReader stops between reads once ctx is done.
type ctxReader struct {
	ctx context.Context
	r   io.Reader
}

func (c ctxReader) Read(p []byte) (int, error) {
	if err := c.ctx.Err(); err != nil {
		return 0, err
	}
	return c.r.Read(p)
}
