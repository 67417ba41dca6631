package engine

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"reflect"
	"strconv"
	"sync/atomic"
	"time"

	"github.com/GriffinCanCode/xfetch/internal/cache"
	"github.com/GriffinCanCode/xfetch/internal/httperr"
	"github.com/GriffinCanCode/xfetch/internal/loader"
	"github.com/GriffinCanCode/xfetch/internal/logging"
	"github.com/GriffinCanCode/xfetch/internal/mainthread"
	"github.com/GriffinCanCode/xfetch/internal/params"
	"github.com/GriffinCanCode/xfetch/internal/task"
	"github.com/GriffinCanCode/xfetch/internal/transport"
	"go.uber.org/zap"
)

// MaxRedirects bounds the redirect hops of one task.
const MaxRedirects = 10

const (
	stageCache    = "cache"
	stageTrack    = "track"
	stageRedirect = "redirect"
)

// request is the body of one task: the cache offer followed by the attempt
// loop. Only the worker running it touches its fields, except the listener
// which reads the immutable ones.
type request[T any] struct {
	e        *Engine
	orig     *params.Params
	params   *params.Params
	cb       Callbacks[T]
	task     *task.Task
	trackers trackers
	rawType  reflect.Type
	logger   *logging.Logger

	submitted time.Time
	download  *throttle
	hadEntry  bool
	released  atomic.Bool
}

func newRequest[T any](ctx context.Context, e *Engine, p *params.Params, cb Callbacks[T], mt mainthread.Executor) (*request[T], error) {
	if p == nil {
		return nil, fmt.Errorf("%w: nil request", httperr.ErrInvalidArgument)
	}

	rawType := loader.TypeOf[T]()
	if cb.Prepare != nil {
		rawType = cb.Prepare.raw
	}
	if err := e.loaders.Validate(rawType); err != nil {
		return nil, err
	}

	e.admit.RLock()
	defer e.admit.RUnlock()
	if e.closed.Load() {
		return nil, ErrClosed
	}

	taskID := newTaskID()
	r := &request[T]{
		e:         e,
		orig:      p,
		params:    p,
		cb:        cb,
		trackers:  newTrackers(e.tracker, cb.Tracker),
		rawType:   rawType,
		logger:    e.logger.With(zap.String("task_id", taskID), zap.String("uri", p.URI)),
		submitted: time.Now(),
	}
	r.task = task.New(ctx, taskID, mt, &listener[T]{r: r}, e.logger)
	r.download = newThrottle(r.progressInterval(), r.emitProgress)

	e.wg.Add(1)
	e.metrics.TaskStarted()
	return r, nil
}

func (r *request[T]) release() {
	if r.released.CompareAndSwap(false, true) {
		r.e.wg.Done()
	}
}

func (r *request[T]) run() {
	defer r.release()
	if !r.task.Start() {
		return
	}

	ctx := r.task.Context()
	result, err := r.execute(ctx)
	if cause := r.task.Cause(); cause != nil {
		r.task.Fail(terminalErr(cause))
		return
	}
	if err != nil {
		r.task.Fail(err)
		return
	}
	r.task.Succeed(result)
}

func (r *request[T]) fail(err error) {
	defer r.release()
	r.task.Fail(err)
}

// terminalErr maps the cause of an ended context to the task's outcome.
// Callback failures keep their type; anything else is a cancellation.
func terminalErr(cause error) error {
	var cerr *httperr.CancelledError
	if errors.As(cause, &cerr) || httperr.IsCallback(cause) {
		return cause
	}
	return httperr.NewCancelled(cause.Error(), cause)
}

func (r *request[T]) progressInterval() time.Duration {
	if d := r.orig.LoadingUpdateInterval; d > 0 {
		return d
	}
	return r.e.cfg.HTTP.ProgressInterval
}

func (r *request[T]) emitProgress(total, current int64, isLive bool) {
	if r.cb.OnLoading == nil {
		return
	}
	r.task.Emit(task.StageLoading, func() { r.cb.OnLoading(total, current, isLive) })
}

func (r *request[T]) execute(ctx context.Context) (T, error) {
	var zero T
	p := r.params
	if err := p.Init(); err != nil {
		return zero, fmt.Errorf("%w: %w", httperr.ErrInvalidArgument, err)
	}
	r.watchUpload(p)

	store := r.store(p)
	if store != nil && p.Method.PermitsCache() && r.cb.OnCache != nil {
		result, trusted, err := r.offerCache(ctx, store)
		if err != nil {
			return zero, err
		}
		if trusted {
			return result, nil
		}
	}

	if !r.hadEntry {
		p.ClearCacheHeaders()
	}
	return r.fetch(ctx, store)
}

// watchUpload reports progress of an explicit request body.
func (r *request[T]) watchUpload(p *params.Params) {
	body := p.RawBody()
	if body == nil || body.Reader == nil || r.cb.OnLoading == nil {
		return
	}
	if _, ok := body.Reader.(*uploadReader); ok {
		return
	}
	upload := newThrottle(r.progressInterval(), r.emitProgress)
	body.Reader = &uploadReader{
		r:      body.Reader,
		total:  body.Length,
		report: func(total, current int64) { upload.report(total, current, false) },
	}
}

func (r *request[T]) store(p *params.Params) *cache.Store {
	name := p.CacheDirName
	if name == "" {
		name = r.e.cfg.Cache.DirName
	}
	s, err := r.e.caches.Store(name, p.CacheSize)
	if err != nil {
		r.logger.Warn("cache unavailable", zap.String("dir", name), zap.Error(err))
		return nil
	}
	return s
}

type verdict struct {
	trusted bool
	err     error
}

// offerCache rebuilds a candidate from the cache and blocks until the caller
// decides whether to trust it. Lookup and conversion failures count as a
// miss.
func (r *request[T]) offerCache(ctx context.Context, store *cache.Store) (T, bool, error) {
	var zero T
	p := r.params

	entry, err := store.Get(p.CacheKey())
	if err != nil {
		if !errors.Is(err, cache.ErrNotFound) {
			r.logger.Warn("cache lookup failed", zap.Error(err))
		}
		return zero, false, nil
	}

	candidate, err := r.fromCache(entry)
	if err != nil {
		r.logger.Debug("cached entry unusable", zap.Error(err))
		return zero, false, nil
	}
	r.hadEntry = true
	p.SetCacheValidators(entry.ETag, entry.LastModified)

	verdicts := make(chan verdict, 1)
	r.task.Emit(stageCache, func() {
		defer func() {
			if rec := recover(); rec != nil {
				verdicts <- verdict{err: httperr.FromPanic(stageCache, rec)}
			}
		}()
		r.trackers.each(func(t RequestTracker) { t.OnCache(r.task.ID(), candidate) })
		verdicts <- verdict{trusted: r.cb.OnCache(candidate)}
	})

	select {
	case v := <-verdicts:
		if v.err != nil {
			return zero, false, v.err
		}
		r.e.metrics.RecordCacheOffer(v.trusted)
		r.logger.Debug("cache offered", zap.Bool("trusted", v.trusted))
		return candidate, v.trusted, nil
	case <-ctx.Done():
		return zero, false, context.Cause(ctx)
	}
}

func (r *request[T]) fromCache(entry *cache.Entry) (T, error) {
	var zero T
	l, err := r.e.loaders.Resolve(r.rawType)
	if err != nil {
		return zero, err
	}
	raw, err := l.LoadFromCache(entry)
	if err != nil {
		return zero, err
	}
	return r.convert(raw)
}

// fetch runs network attempts until one succeeds, the retry policy gives up
// or the task is cancelled. Redirect hops do not consume retries.
func (r *request[T]) fetch(ctx context.Context, store *cache.Store) (T, error) {
	var zero T
	attempts, redirects := 0, 0

	for {
		if ctx.Err() != nil {
			return zero, context.Cause(ctx)
		}

		result, base, err := r.attempt(ctx, store)
		if err == nil {
			return result, nil
		}
		if ctx.Err() != nil {
			return zero, context.Cause(ctx)
		}

		if he, ok := httperr.AsHTTP(err); ok {
			if he.IsNotModified() {
				if r.hadEntry {
					r.logger.Debug("not modified, cache still valid")
					return zero, nil
				}
				return zero, err
			}

			if he.IsRedirect() && r.params.RedirectHandler != nil {
				next, rerr := r.redirect(he, base)
				if rerr != nil {
					return zero, rerr
				}
				if next == nil {
					return zero, err
				}
				if redirects++; redirects > MaxRedirects {
					return zero, fmt.Errorf("stopped after %d redirects: %w", MaxRedirects, err)
				}
				if ierr := next.Init(); ierr != nil {
					return zero, fmt.Errorf("%w: redirect: %w", httperr.ErrInvalidArgument, ierr)
				}

				r.e.metrics.RecordRedirect(strconv.Itoa(he.Code))
				r.logger.Debug("following redirect",
					zap.Int("status", he.Code),
					zap.String("location", next.URI),
				)
				r.params = next
				r.hadEntry = false
				r.watchUpload(next)
				continue
			}
		}

		attempts++
		if !r.e.retry.ShouldRetry(err, attempts, r.params) {
			return zero, err
		}
		r.e.metrics.RecordRetry(r.params.Method.String())
		r.logger.Info("retrying request",
			zap.Int("attempt", attempts),
			zap.Duration("backoff", r.e.retry.Delay(attempts, err)),
			zap.Error(err),
		)
		if werr := r.e.retry.Wait(ctx, attempts, err); werr != nil {
			return zero, context.Cause(ctx)
		}
	}
}

func (r *request[T]) redirect(he *httperr.HTTPError, base *url.URL) (next *params.Params, err error) {
	defer func() {
		if rec := recover(); rec != nil {
			next, err = nil, httperr.FromPanic(stageRedirect, rec)
		}
	}()

	next, err = r.params.RedirectHandler(r.params, redirectResponse{code: he.Code, header: he.Header, url: base})
	if err != nil && !httperr.IsCallback(err) {
		err = &httperr.CallbackError{Stage: stageRedirect, Err: err}
	}
	return next, err
}

// attempt performs one exchange and, on success, writes the cache while the
// channel is still open. It returns the channel's url for redirect
// resolution.
func (r *request[T]) attempt(ctx context.Context, store *cache.Store) (result T, base *url.URL, err error) {
	p := r.params

	l, err := r.e.loaders.Resolve(r.rawType)
	if err != nil {
		return result, nil, err
	}
	failed := func(err error) {
		if fh, ok := l.(loader.FailureHandler); ok {
			fh.AttemptFailed(err)
		}
	}

	if d, ok := l.(loader.Downloader); ok && d.IsDownload() {
		if err := r.e.downloads.Acquire(ctx, 1); err != nil {
			return result, nil, context.Cause(ctx)
		}
		defer r.e.downloads.Release(1)
	}

	req := &loader.Request{
		Params:   p,
		Store:    store,
		Locks:    r.e.locks,
		Progress: func(total, current int64) { r.download.report(total, current, true) },
		Logger:   r.logger,
	}
	if bs, ok := l.(loader.BeforeSender); ok {
		if err := bs.BeforeSend(req); err != nil {
			failed(err)
			return result, nil, err
		}
	}

	ch, err := r.e.channels.Open(p)
	if err != nil {
		failed(err)
		return result, nil, err
	}
	defer ch.Close()
	req.Channel = ch

	scheme := "file"
	if u := ch.URL(); u != nil && u.Scheme != "" {
		scheme = u.Scheme
	}
	r.e.metrics.RecordAttempt(p.Method.String(), scheme)
	if len(r.trackers) > 0 {
		r.task.Emit(stageTrack, func() {
			r.trackers.each(func(t RequestTracker) { t.OnRequestCreated(r.task.ID(), ch) })
		})
	}

	if p.CancelFast {
		stop := context.AfterFunc(ctx, func() { ch.Close() })
		defer stop()
	}
	r.download.restart()

	if err := ch.SendRequest(ctx); err != nil {
		failed(err)
		return result, ch.URL(), err
	}

	raw, err := l.Load(ctx, req)
	if err != nil {
		failed(err)
		return result, ch.URL(), err
	}

	result, err = r.convert(raw)
	if err != nil {
		return result, ch.URL(), err
	}
	r.writeCache(store, l, ch)
	return result, ch.URL(), nil
}

func (r *request[T]) convert(raw any) (T, error) {
	if r.cb.Prepare != nil {
		return r.cb.Prepare.run(raw)
	}
	var zero T
	if raw == nil {
		return zero, nil
	}
	v, ok := raw.(T)
	if !ok {
		return zero, fmt.Errorf("loader returned %T, want %s", raw, loader.TypeOf[T]())
	}
	return v, nil
}

// writeCache stores the loader's payload tagged with the channel's
// validators. Failures are logged only.
func (r *request[T]) writeCache(store *cache.Store, l loader.Loader, ch transport.Channel) {
	p := r.params
	if store == nil || !p.Method.PermitsCache() || !ch.Cacheable() {
		return
	}
	entry := l.SaveToCache(ch)
	if entry == nil {
		return
	}

	entry.Key = p.CacheKey()
	entry.ETag = ch.ETag()
	entry.LastModified = ch.LastModified()
	entry.Expires = ch.Expiration()
	if entry.Expires.IsZero() && p.CacheMaxAge > 0 {
		entry.Expires = time.Now().Add(p.CacheMaxAge)
	}

	if err := store.Put(entry); err != nil {
		r.logger.Warn("cache write failed", zap.String("key", entry.Key), zap.Error(err))
	}
}

// redirectResponse is what a RedirectHandler sees of a 301/302.
type redirectResponse struct {
	code   int
	header http.Header
	url    *url.URL
}

func (r redirectResponse) StatusCode() int     { return r.code }
func (r redirectResponse) Header() http.Header { return r.header }
func (r redirectResponse) URL() *url.URL       { return r.url }

// listener adapts a task's lifecycle to the caller's callbacks and the
// trackers. Trackers see the request as submitted.
type listener[T any] struct {
	r *request[T]
}

func (l *listener[T]) Waiting() {
	r := l.r
	r.trackers.each(func(t RequestTracker) { t.OnWaiting(r.task.ID(), r.orig) })
	if r.cb.OnWaiting != nil {
		r.cb.OnWaiting()
	}
}

func (l *listener[T]) Started() {
	r := l.r
	r.trackers.each(func(t RequestTracker) { t.OnStart(r.task.ID(), r.orig) })
	if r.cb.OnStarted != nil {
		r.cb.OnStarted()
	}
}

func (l *listener[T]) Success(result any) {
	r := l.r
	r.trackers.each(func(t RequestTracker) { t.OnSuccess(r.task.ID(), result) })
	if r.cb.OnSuccess != nil {
		v, _ := result.(T)
		r.cb.OnSuccess(v)
	}
}

func (l *listener[T]) Failed(err error, isCallback bool) {
	r := l.r
	r.trackers.each(func(t RequestTracker) { t.OnError(r.task.ID(), err, isCallback) })
	if r.cb.OnError != nil {
		r.cb.OnError(err, isCallback)
		return
	}
	r.logger.Warn("request failed", zap.Bool("callback", isCallback), zap.Error(err))
}

func (l *listener[T]) Cancelled(err *httperr.CancelledError) {
	r := l.r
	r.trackers.each(func(t RequestTracker) { t.OnCancelled(r.task.ID(), err) })
	if r.cb.OnCancelled != nil {
		r.cb.OnCancelled(err)
	}
}

func (l *listener[T]) Finished() {
	r := l.r
	defer func() {
		method := r.orig.Method
		if method == "" {
			method = params.GET
		}
		r.e.metrics.TaskFinished(method.String(), r.task.State().String(), time.Since(r.submitted))
	}()
	r.trackers.each(func(t RequestTracker) { t.OnFinished(r.task.ID()) })
	if r.cb.OnFinished != nil {
		r.cb.OnFinished()
	}
}
