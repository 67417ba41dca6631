// Package engine runs requests: it schedules tasks on the priority pools,
// drives each one through cache lookup, the cache-trust offer, network
// attempts with retry and redirect handling, and cache write-back, and
// delivers the lifecycle callbacks on the main-thread executor.
package engine

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"sync/atomic"

	"github.com/GriffinCanCode/xfetch/internal/cache"
	"github.com/GriffinCanCode/xfetch/internal/executor"
	"github.com/GriffinCanCode/xfetch/internal/httperr"
	"github.com/GriffinCanCode/xfetch/internal/infrastructure/config"
	"github.com/GriffinCanCode/xfetch/internal/infrastructure/monitoring"
	"github.com/GriffinCanCode/xfetch/internal/infrastructure/resilience"
	"github.com/GriffinCanCode/xfetch/internal/loader"
	"github.com/GriffinCanCode/xfetch/internal/logging"
	"github.com/GriffinCanCode/xfetch/internal/mainthread"
	"github.com/GriffinCanCode/xfetch/internal/params"
	"github.com/GriffinCanCode/xfetch/internal/retry"
	"github.com/GriffinCanCode/xfetch/internal/shared/id"
	"github.com/GriffinCanCode/xfetch/internal/task"
	"github.com/GriffinCanCode/xfetch/internal/transport"
	"golang.org/x/sync/semaphore"
)

// ErrClosed is returned for submissions after Close.
var ErrClosed = fmt.Errorf("engine: %w", httperr.ErrClosed)

// Options assembles an engine. Nil fields get defaults built from Config.
type Options struct {
	Config     *config.Config
	Logger     *logging.Logger
	MainThread mainthread.Executor
	Client     *transport.Client
	Channels   *transport.Registry
	Loaders    *loader.Registry
	Caches     *cache.Registry
	Retry      *retry.Policy
	Metrics    *monitoring.Metrics
	Tracker    RequestTracker
}

// Engine owns the pools, registries and shared resources of every request.
type Engine struct {
	cfg        *config.Config
	logger     *logging.Logger
	mainThread mainthread.Executor
	ownLoop    *mainthread.Loop

	pool      *executor.PriorityExecutor
	cachePool *executor.PriorityExecutor
	downloads *semaphore.Weighted

	client   *transport.Client
	channels *transport.Registry
	loaders  *loader.Registry
	caches   *cache.Registry
	locks    *cache.Locks
	retry    *retry.Policy
	metrics  *monitoring.Metrics
	tracker  RequestTracker

	// admit orders submissions against Close so wg.Add never races Wait.
	admit     sync.RWMutex
	wg        sync.WaitGroup
	closed    atomic.Bool
	closeOnce sync.Once
}

// New builds an engine.
func New(opts Options) (*Engine, error) {
	cfg := opts.Config
	if cfg == nil {
		cfg = config.Default()
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid configuration: %w", err)
	}

	logger := logging.OrNop(opts.Logger).Named("engine")
	metrics := opts.Metrics
	if metrics == nil {
		metrics = monitoring.NewMetrics(nil)
	}

	e := &Engine{
		cfg:        cfg,
		logger:     logger,
		mainThread: opts.MainThread,
		loaders:    opts.Loaders,
		caches:     opts.Caches,
		retry:      opts.Retry,
		metrics:    metrics,
		tracker:    opts.Tracker,
		client:     opts.Client,
		channels:   opts.Channels,
	}

	if e.mainThread == nil {
		e.ownLoop = mainthread.NewLoop(logger.Named("mainthread"))
		e.mainThread = e.ownLoop
	}
	if e.loaders == nil {
		e.loaders = loader.NewRegistry()
	}
	if e.retry == nil {
		e.retry = retry.NewPolicy(cfg.HTTP.MaxRetries)
	}
	if e.caches == nil {
		e.caches = cache.NewRegistry(cfg.Cache.Root, cache.Options{
			MaxEntries:    cfg.Cache.MaxEntries,
			MaxBytes:      cfg.Cache.MaxBytes,
			CompressAbove: cfg.Cache.CompressAbove,
			PartialMaxAge: cfg.Cache.PartialMaxAge,
			Logger:        logger.Named("cache"),
			Observer:      metrics,
		})
	}
	e.locks = e.caches.Locks()
	if e.channels == nil {
		if e.client == nil {
			client, err := transport.NewClient(transport.ClientConfig{
				ConnectTimeout: cfg.HTTP.ConnectTimeout,
				ReadTimeout:    cfg.HTTP.ReadTimeout,
				UserAgent:      cfg.HTTP.UserAgent,
				RateLimit:      cfg.HTTP.RateLimitRPS,
				Breakers:       resilience.Settings{OnStateChange: metrics.BreakerChanged},
				Logger:         opts.Logger,
			})
			if err != nil {
				return nil, err
			}
			e.client = client
		}
		e.channels = transport.NewRegistry()
		e.channels.Register("http", e.client.Factory())
		e.channels.Register("https", e.client.Factory())
	}

	e.pool = executor.New(cfg.Executor.PoolSize,
		executor.WithName("http"),
		executor.WithQueueLimit(cfg.Executor.QueueLimit),
		executor.WithLogger(logger))
	e.cachePool = executor.New(cfg.Executor.CachePoolSize,
		executor.WithName("cache"),
		executor.WithQueueLimit(cfg.Executor.QueueLimit),
		executor.WithLogger(logger))
	e.downloads = semaphore.NewWeighted(int64(cfg.Executor.MaxDownloads))

	return e, nil
}

// Loaders returns the result-type registry.
func (e *Engine) Loaders() *loader.Registry { return e.loaders }

// Channels returns the scheme registry.
func (e *Engine) Channels() *transport.Registry { return e.channels }

// Caches returns the cache store registry.
func (e *Engine) Caches() *cache.Registry { return e.caches }

// Metrics returns the engine's collectors.
func (e *Engine) Metrics() *monitoring.Metrics { return e.metrics }

// Close waits for running tasks, then stops the pools, closes every cache
// store and, when the engine created it, the callback loop.
func (e *Engine) Close() error {
	var err error
	e.closeOnce.Do(func() {
		e.admit.Lock()
		e.closed.Store(true)
		e.admit.Unlock()

		e.wg.Wait()
		e.pool.Close()
		e.cachePool.Close()
		err = e.caches.Close()
		if e.ownLoop != nil {
			e.ownLoop.Close()
		}
	})
	return err
}

// Handle controls a submitted task.
type Handle[T any] struct {
	task *task.Task
}

// ID returns the task id.
func (h *Handle[T]) ID() string { return h.task.ID() }

// State returns the task's lifecycle state.
func (h *Handle[T]) State() task.State { return h.task.State() }

// Cancel requests cancellation. It is safe to call at any time.
func (h *Handle[T]) Cancel() { h.task.Cancel() }

// Done is closed once the Finished callback has run.
func (h *Handle[T]) Done() <-chan struct{} { return h.task.Done() }

// Wait blocks until the task finishes or ctx ends, then returns its outcome.
func (h *Handle[T]) Wait(ctx context.Context) (T, error) {
	select {
	case <-h.task.Done():
		return outcome[T](h.task)
	case <-ctx.Done():
		var zero T
		return zero, ctx.Err()
	}
}

func outcome[T any](t *task.Task) (T, error) {
	v, err := t.Result()
	result, _ := v.(T)
	return result, err
}

// Submit schedules p and returns at once. Callbacks run on the engine's
// main-thread executor. The error covers requests that can never run, such
// as a result type without a loader.
func Submit[T any](ctx context.Context, e *Engine, p *params.Params, cb Callbacks[T]) (*Handle[T], error) {
	r, err := newRequest(ctx, e, p, cb, e.mainThread)
	if err != nil {
		return nil, err
	}

	if !r.task.Wait() {
		r.release()
		return &Handle[T]{task: r.task}, nil
	}
	e.schedule(r, p, cb.OnCache != nil)
	return &Handle[T]{task: r.task}, nil
}

// Do runs p on the calling goroutine and returns its result. Callbacks, if
// any, run inline.
func Do[T any](ctx context.Context, e *Engine, p *params.Params, cb Callbacks[T]) (T, error) {
	var zero T
	r, err := newRequest(ctx, e, p, cb, mainthread.Inline{})
	if err != nil {
		return zero, err
	}

	if r.task.Wait() {
		r.run()
	} else {
		r.release()
	}
	<-r.task.Done()
	return outcome[T](r.task)
}

type runner interface {
	run()
	fail(err error)
}

// schedule picks the pool, falling back to a dedicated goroutine when the
// pool is saturated.
func (e *Engine) schedule(r runner, p *params.Params, trustsCache bool) {
	var pool executor.Submitter = e.pool
	if p.Executor != nil {
		pool = p.Executor
	} else if trustsCache {
		pool = e.cachePool
	}

	if pool.IsBusy() {
		e.logger.Debug("pool saturated, running task on its own goroutine")
		go r.run()
		return
	}
	if err := pool.Submit(p.Priority, r.run); err != nil {
		if errors.Is(err, executor.ErrClosed) {
			err = ErrClosed
		}
		r.fail(err)
	}
}

func newTaskID() string {
	return id.NewTaskID().String()
}
