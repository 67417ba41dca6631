package engine

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/http/httptest"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/GriffinCanCode/xfetch/internal/executor"
	"github.com/GriffinCanCode/xfetch/internal/httperr"
	"github.com/GriffinCanCode/xfetch/internal/infrastructure/config"
	"github.com/GriffinCanCode/xfetch/internal/infrastructure/tracing"
	"github.com/GriffinCanCode/xfetch/internal/loader"
	"github.com/GriffinCanCode/xfetch/internal/params"
	"github.com/GriffinCanCode/xfetch/internal/retry"
	"github.com/GriffinCanCode/xfetch/internal/task"
	"github.com/hashicorp/go-retryablehttp"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newEngine(t *testing.T, mutate ...func(*Options)) *Engine {
	t.Helper()
	cfg := config.Default()
	cfg.Cache.Root = t.TempDir()

	opts := Options{
		Config: cfg,
		Retry: &retry.Policy{
			MaxRetries: 2,
			MinWait:    time.Millisecond,
			MaxWait:    5 * time.Millisecond,
			Backoff:    retryablehttp.DefaultBackoff,
		},
	}
	for _, m := range mutate {
		m(&opts)
	}

	e, err := New(opts)
	require.NoError(t, err)
	t.Cleanup(func() { e.Close() })
	return e
}

// events records callbacks in delivery order.
type events struct {
	mu   sync.Mutex
	list []string
	err  error
}

func (ev *events) add(s string) {
	ev.mu.Lock()
	ev.list = append(ev.list, s)
	ev.mu.Unlock()
}

func (ev *events) get() []string {
	ev.mu.Lock()
	defer ev.mu.Unlock()
	return append([]string(nil), ev.list...)
}

func (ev *events) lifecycle() []string {
	var out []string
	for _, s := range ev.get() {
		if s != "loading" {
			out = append(out, s)
		}
	}
	return out
}

func recording[T any](ev *events) Callbacks[T] {
	return Callbacks[T]{
		OnWaiting: func() { ev.add("waiting") },
		OnStarted: func() { ev.add("started") },
		OnLoading: func(int64, int64, bool) { ev.add("loading") },
		OnSuccess: func(v T) { ev.add(fmt.Sprintf("success:%v", v)) },
		OnError: func(err error, isCallback bool) {
			ev.mu.Lock()
			ev.err = err
			ev.mu.Unlock()
			ev.add(fmt.Sprintf("error:%v", isCallback))
		},
		OnCancelled: func(*httperr.CancelledError) { ev.add("cancelled") },
		OnFinished:  func() { ev.add("finished") },
	}
}

func waitHandle[T any](t *testing.T, h *Handle[T]) {
	t.Helper()
	select {
	case <-h.Done():
	case <-time.After(5 * time.Second):
		t.Fatal("task did not finish")
	}
}

func TestSubmitDeliversCallbacksInOrder(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))
	defer srv.Close()

	e := newEngine(t)
	ev := &events{}
	h, err := Submit(context.Background(), e, params.New(srv.URL), recording[string](ev))
	require.NoError(t, err)
	waitHandle(t, h)

	assert.Equal(t, []string{"waiting", "started", "success:hello", "finished"}, ev.lifecycle())
	assert.Contains(t, ev.get(), "loading")
	assert.Equal(t, task.StateSuccess, h.State())

	v, err := h.Wait(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "hello", v)
	assert.Equal(t, 1.0, testutil.ToFloat64(e.Metrics().Requests.WithLabelValues("GET", "success")))
}

func TestTrustedCacheSkipsNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	e := newEngine(t)
	ctx := context.Background()

	first, err := Do(ctx, e, params.New(srv.URL), Callbacks[string]{})
	require.NoError(t, err)
	require.Equal(t, "payload", first)

	var offered string
	second, err := Do(ctx, e, params.New(srv.URL), Callbacks[string]{
		OnCache: func(v string) bool { offered = v; return true },
	})
	require.NoError(t, err)
	assert.Equal(t, "payload", second)
	assert.Equal(t, "payload", offered)
	assert.Equal(t, int32(1), hits.Load())
}

func TestUntrustedCacheSendsValidators(t *testing.T) {
	var hits atomic.Int32
	var conditional atomic.Value
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		if inm := r.Header.Get("If-None-Match"); inm != "" {
			conditional.Store(inm)
			w.WriteHeader(http.StatusNotModified)
			return
		}
		w.Header().Set("ETag", `"v1"`)
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	e := newEngine(t)
	ctx := context.Background()

	_, err := Do(ctx, e, params.New(srv.URL), Callbacks[string]{})
	require.NoError(t, err)

	ev := &events{}
	cb := recording[string](ev)
	cb.OnCache = func(string) bool { return false }
	v, err := Do(ctx, e, params.New(srv.URL), cb)
	require.NoError(t, err)

	assert.Equal(t, "", v, "not modified yields an empty result")
	assert.Equal(t, int32(2), hits.Load())
	assert.Equal(t, `"v1"`, conditional.Load())
	assert.Equal(t, 1.0, testutil.ToFloat64(e.Metrics().CacheTrusted.WithLabelValues("rejected")))
}

func TestNotModifiedWithoutEntryFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNotModified)
	}))
	defer srv.Close()

	e := newEngine(t)
	_, err := Do(context.Background(), e, params.New(srv.URL), Callbacks[string]{
		OnCache: func(string) bool { return true },
	})
	he, ok := httperr.AsHTTP(err)
	require.True(t, ok)
	assert.True(t, he.IsNotModified())
}

func TestRedirectDoesNotConsumeRetries(t *testing.T) {
	var oldHits, newHits atomic.Int32
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		oldHits.Add(1)
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		newHits.Add(1)
		w.Write([]byte("moved here"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	e := newEngine(t)
	p := params.New(srv.URL + "/old")
	p.MaxRetries = 0
	p.RedirectHandler = params.FollowRedirect

	v, err := Do(context.Background(), e, p, Callbacks[string]{})
	require.NoError(t, err)
	assert.Equal(t, "moved here", v)
	assert.Equal(t, int32(1), oldHits.Load())
	assert.Equal(t, int32(1), newHits.Load())
	assert.Equal(t, 0.0, testutil.ToFloat64(e.Metrics().Retries.WithLabelValues("GET")))
	assert.Equal(t, 1.0, testutil.ToFloat64(e.Metrics().Redirects.WithLabelValues("301")))
}

func TestRedirectWithoutHandlerSurfaces(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	e := newEngine(t)
	_, err := Do(context.Background(), e, params.New(srv.URL), Callbacks[string]{})
	he, ok := httperr.AsHTTP(err)
	require.True(t, ok)
	assert.True(t, he.IsRedirect())
}

func TestRedirectHandlerErrorIsCallbackError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/elsewhere", http.StatusFound)
	}))
	defer srv.Close()

	e := newEngine(t)
	p := params.New(srv.URL)
	p.RedirectHandler = func(*params.Params, params.Response) (*params.Params, error) {
		return nil, errors.New("refused")
	}
	_, err := Do(context.Background(), e, p, Callbacks[string]{})
	assert.True(t, httperr.IsCallback(err))
}

func flakyServer(t *testing.T, failures int32) (*httptest.Server, *atomic.Int32) {
	t.Helper()
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if hits.Add(1) <= failures {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.Write([]byte("ok"))
	}))
	t.Cleanup(srv.Close)
	return srv, &hits
}

func TestRetriesServerErrorsForGET(t *testing.T) {
	srv, hits := flakyServer(t, 2)
	e := newEngine(t)

	v, err := Do(context.Background(), e, params.New(srv.URL), Callbacks[string]{})
	require.NoError(t, err)
	assert.Equal(t, "ok", v)
	assert.Equal(t, int32(3), hits.Load())
	assert.Equal(t, 2.0, testutil.ToFloat64(e.Metrics().Retries.WithLabelValues("GET")))
}

func TestRetryBudgetExhausted(t *testing.T) {
	srv, hits := flakyServer(t, 10)
	e := newEngine(t)

	p := params.New(srv.URL)
	p.MaxRetries = 1
	_, err := Do(context.Background(), e, p, Callbacks[string]{})
	he, ok := httperr.AsHTTP(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusServiceUnavailable, he.Code)
	assert.Equal(t, int32(2), hits.Load())
}

func TestNoRetryForPOST(t *testing.T) {
	srv, hits := flakyServer(t, 2)
	e := newEngine(t)

	p := params.New(srv.URL)
	p.Method = params.POST
	p.AddBodyParam("k", "v")
	_, err := Do(context.Background(), e, p, Callbacks[string]{})
	require.Error(t, err)
	assert.Equal(t, int32(1), hits.Load())
}

func TestCancelWhileRunning(t *testing.T) {
	entered := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		close(entered)
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}))
	defer srv.Close()
	defer close(release)

	e := newEngine(t)
	ev := &events{}
	h, err := Submit(context.Background(), e, params.New(srv.URL), recording[string](ev))
	require.NoError(t, err)

	<-entered
	h.Cancel()
	waitHandle(t, h)

	assert.Equal(t, []string{"waiting", "started", "cancelled", "finished"}, ev.lifecycle())
	assert.Equal(t, task.StateCancelled, h.State())
	_, err = h.Wait(context.Background())
	assert.True(t, httperr.IsCancelled(err))
}

// heldExecutor keeps submitted work until the test runs it.
type heldExecutor struct {
	mu   sync.Mutex
	work []func()
}

func (h *heldExecutor) Submit(_ executor.Priority, fn func()) error {
	h.mu.Lock()
	h.work = append(h.work, fn)
	h.mu.Unlock()
	return nil
}

func (h *heldExecutor) IsBusy() bool { return false }

func (h *heldExecutor) runAll() {
	h.mu.Lock()
	work := h.work
	h.work = nil
	h.mu.Unlock()
	for _, fn := range work {
		fn()
	}
}

func TestCancelBeforeStartSkipsNetwork(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	e := newEngine(t)
	held := &heldExecutor{}
	p := params.New(srv.URL)
	p.Executor = held

	ev := &events{}
	h, err := Submit(context.Background(), e, p, recording[string](ev))
	require.NoError(t, err)
	h.Cancel()
	held.runAll()
	waitHandle(t, h)

	assert.Equal(t, []string{"waiting", "cancelled", "finished"}, ev.lifecycle())
	assert.Zero(t, hits.Load())
}

func TestProgressFirstAndLast(t *testing.T) {
	body := bytes.Repeat([]byte("x"), 256<<10)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(len(body)))
		w.Write(body)
	}))
	defer srv.Close()

	e := newEngine(t)
	type tick struct{ total, current int64 }
	var ticks []tick
	p := params.New(srv.URL)
	p.LoadingUpdateInterval = time.Hour

	data, err := Do(context.Background(), e, p, Callbacks[[]byte]{
		OnLoading: func(total, current int64, isLive bool) {
			assert.True(t, isLive)
			ticks = append(ticks, tick{total, current})
		},
	})
	require.NoError(t, err)
	assert.Len(t, data, len(body))

	n := int64(len(body))
	require.GreaterOrEqual(t, len(ticks), 2)
	assert.Equal(t, tick{n, 0}, ticks[0])
	assert.Equal(t, tick{n, n}, ticks[len(ticks)-1])
	for _, tk := range ticks[1:] {
		assert.Equal(t, n, tk.current, "an hour-long interval drops every partial report")
	}
}

func TestUploadProgress(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusCreated)
	}))
	defer srv.Close()

	e := newEngine(t)
	payload := bytes.Repeat([]byte("u"), 4096)
	p := params.New(srv.URL)
	p.Method = params.PUT
	p.SetBody(&params.Body{Reader: bytes.NewReader(payload), Length: int64(len(payload)), ContentType: "text/plain"})

	var uploaded int64
	_, err := Do(context.Background(), e, p, Callbacks[int]{
		OnLoading: func(total, current int64, isLive bool) {
			if !isLive {
				uploaded = current
			}
		},
	})
	require.NoError(t, err)
	assert.Equal(t, int64(len(payload)), uploaded)
}

func TestStartedPanicFailsWithCallbackError(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	defer srv.Close()

	e := newEngine(t)
	ev := &events{}
	cb := recording[string](ev)
	cb.OnStarted = func() { panic("boom") }

	_, err := Do(context.Background(), e, params.New(srv.URL), cb)
	assert.True(t, httperr.IsCallback(err))
	assert.Equal(t, []string{"waiting", "error:true", "finished"}, ev.lifecycle())
	assert.Zero(t, hits.Load())
}

func TestSuccessPanicReportedAsCallbackError(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("fine"))
	}))
	defer srv.Close()

	e := newEngine(t)
	ev := &events{}
	cb := recording[string](ev)
	cb.OnSuccess = func(string) { panic("caller bug") }

	h, err := Submit(context.Background(), e, params.New(srv.URL), cb)
	require.NoError(t, err)
	waitHandle(t, h)

	assert.Equal(t, []string{"waiting", "started", "error:true", "finished"}, ev.lifecycle())
	assert.Equal(t, task.StateSuccess, h.State())
}

func TestCacheCallbackPanicFailsTask(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("cached"))
	}))
	defer srv.Close()

	e := newEngine(t)
	_, err := Do(context.Background(), e, params.New(srv.URL), Callbacks[string]{})
	require.NoError(t, err)

	_, err = Do(context.Background(), e, params.New(srv.URL), Callbacks[string]{
		OnCache: func(string) bool { panic("verdict") },
	})
	assert.True(t, httperr.IsCallback(err))
}

func TestNoLoaderRejectedAtSubmit(t *testing.T) {
	e := newEngine(t)
	called := false
	_, err := Submit(context.Background(), e, params.New("http://127.0.0.1:1"), Callbacks[chan int]{
		OnWaiting: func() { called = true },
	})
	assert.ErrorIs(t, err, httperr.ErrNoLoader)
	assert.False(t, called)
}

func TestSubmitAfterClose(t *testing.T) {
	e := newEngine(t)
	require.NoError(t, e.Close())
	_, err := Submit(context.Background(), e, params.New("http://127.0.0.1:1"), Callbacks[string]{})
	assert.ErrorIs(t, err, ErrClosed)
}

func TestPrepareConvertsRawResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("four"))
	}))
	defer srv.Close()

	e := newEngine(t)
	n, err := Do(context.Background(), e, params.New(srv.URL), Callbacks[int]{
		Prepare: Prepare(func(s string) (int, error) { return len(s), nil }),
	})
	require.NoError(t, err)
	assert.Equal(t, 4, n)
}

type article struct {
	Title string `json:"title"`
}

func TestStructuredResult(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"title":"release notes"}`))
	}))
	defer srv.Close()

	e := newEngine(t)
	a, err := Do(context.Background(), e, params.New(srv.URL), Callbacks[*article]{})
	require.NoError(t, err)
	assert.Equal(t, "release notes", a.Title)
}

func TestFileDownload(t *testing.T) {
	body := bytes.Repeat([]byte("0123456789"), 1000)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write(body)
	}))
	defer srv.Close()

	e := newEngine(t)
	p := params.New(srv.URL)
	p.SaveFilePath = filepath.Join(t.TempDir(), "out.bin")

	f, err := Do(context.Background(), e, p, Callbacks[*loader.File]{})
	require.NoError(t, err)
	assert.Equal(t, p.SaveFilePath, f.Path)

	got, err := os.ReadFile(f.Path)
	require.NoError(t, err)
	assert.Equal(t, body, got)
}

func TestLocalFileScheme(t *testing.T) {
	path := filepath.Join(t.TempDir(), "local.txt")
	require.NoError(t, os.WriteFile(path, []byte("on disk"), 0o644))

	e := newEngine(t)
	v, err := Do(context.Background(), e, params.New("file://"+path), Callbacks[string]{})
	require.NoError(t, err)
	assert.Equal(t, "on disk", v)

	store, err := e.Caches().Store(e.cfg.Cache.DirName, 0)
	require.NoError(t, err)
	st, err := store.Stats()
	require.NoError(t, err)
	assert.Zero(t, st.Entries, "local reads are not copied into the cache")
}

func TestTrackerMirrorsLifecycle(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("traced"))
	}))
	defer srv.Close()

	tr := tracing.NewTracker(nil)
	spans := make(chan *tracing.Span, 1)
	tr.OnSpan = func(s *tracing.Span) { spans <- s }
	defer tr.Close()

	e := newEngine(t, func(o *Options) { o.Tracker = tr })
	h, err := Submit(context.Background(), e, params.New(srv.URL), Callbacks[string]{})
	require.NoError(t, err)
	waitHandle(t, h)

	select {
	case s := <-spans:
		assert.Equal(t, h.ID(), s.TaskID)
		assert.Equal(t, "success", s.Outcome)
		assert.Equal(t, 1, s.Attempts)
	case <-time.After(5 * time.Second):
		t.Fatal("no span")
	}
}

func TestPoolBoundsConcurrency(t *testing.T) {
	var current, peak atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		n := current.Add(1)
		for {
			p := peak.Load()
			if n <= p || peak.CompareAndSwap(p, n) {
				break
			}
		}
		time.Sleep(30 * time.Millisecond)
		current.Add(-1)
		w.Write([]byte("ok"))
	}))
	defer srv.Close()

	e := newEngine(t, func(o *Options) { o.Config.Executor.PoolSize = 2 })

	handles := make([]*Handle[string], 0, 12)
	for i := 0; i < 12; i++ {
		h, err := Submit(context.Background(), e, params.New(srv.URL), Callbacks[string]{})
		require.NoError(t, err)
		handles = append(handles, h)
	}
	for _, h := range handles {
		waitHandle(t, h)
		assert.Equal(t, task.StateSuccess, h.State())
	}
	assert.LessOrEqual(t, peak.Load(), int32(2))
}

func TestRedirectReplaysPOSTBody(t *testing.T) {
	var seen atomic.Value
	mux := http.NewServeMux()
	mux.HandleFunc("/old", func(w http.ResponseWriter, r *http.Request) {
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	})
	mux.HandleFunc("/new", func(w http.ResponseWriter, r *http.Request) {
		data, _ := io.ReadAll(r.Body)
		seen.Store(r.Method + ":" + string(data))
		w.Write([]byte("done"))
	})
	srv := httptest.NewServer(mux)
	defer srv.Close()

	e := newEngine(t)
	p := params.New(srv.URL + "/old")
	p.Method = params.POST
	p.SetBodyContent("hello")
	p.RedirectHandler = params.FollowRedirect

	v, err := Do(context.Background(), e, p, Callbacks[string]{})
	require.NoError(t, err)
	assert.Equal(t, "done", v)
	assert.Equal(t, "POST:hello", seen.Load())
}

func TestRedirectWithSpentStreamFails(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.Copy(io.Discard, r.Body)
		http.Redirect(w, r, "/new", http.StatusMovedPermanently)
	}))
	defer srv.Close()

	e := newEngine(t)
	p := params.New(srv.URL)
	p.Method = params.POST
	p.SetBody(&params.Body{Reader: io.NopCloser(strings.NewReader("hello")), Length: 5})
	p.RedirectHandler = params.FollowRedirect

	_, err := Do(context.Background(), e, p, Callbacks[string]{})
	require.Error(t, err)
	assert.ErrorIs(t, err, params.ErrBodyNotReplayable)
}

func TestCancelWhileAwaitingCacheVerdict(t *testing.T) {
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Write([]byte("payload"))
	}))
	defer srv.Close()

	e := newEngine(t)
	_, err := Do(context.Background(), e, params.New(srv.URL), Callbacks[string]{})
	require.NoError(t, err)

	offered := make(chan struct{})
	gate := make(chan struct{})
	var once sync.Once
	unblock := func() { once.Do(func() { close(gate) }) }
	defer unblock()

	ev := &events{}
	cb := recording[string](ev)
	cb.OnCache = func(string) bool {
		close(offered)
		<-gate
		return true
	}
	h, err := Submit(context.Background(), e, params.New(srv.URL), cb)
	require.NoError(t, err)

	select {
	case <-offered:
	case <-time.After(5 * time.Second):
		t.Fatal("cache was never offered")
	}
	h.Cancel()

	// The worker gives up on the verdict while the callback is still blocked.
	require.Eventually(t, func() bool { return h.State() == task.StateCancelled }, 2*time.Second, 5*time.Millisecond)
	unblock()
	waitHandle(t, h)

	assert.Equal(t, []string{"waiting", "started", "cancelled", "finished"}, ev.lifecycle())
	assert.Equal(t, int32(1), hits.Load())
}

func TestCancelFastInterruptsBlockedRead(t *testing.T) {
	sent := make(chan struct{})
	release := make(chan struct{})
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Length", strconv.Itoa(1<<20))
		w.Write(bytes.Repeat([]byte("x"), 1024))
		w.(http.Flusher).Flush()
		close(sent)
		<-release
	}))
	defer srv.Close()
	defer close(release)

	e := newEngine(t)
	p := params.New(srv.URL)
	p.CancelFast = true

	h, err := Submit(context.Background(), e, p, Callbacks[[]byte]{})
	require.NoError(t, err)

	select {
	case <-sent:
	case <-time.After(5 * time.Second):
		t.Fatal("body never started")
	}
	h.Cancel()

	select {
	case <-h.Done():
	case <-time.After(2 * time.Second):
		t.Fatal("cancel did not interrupt the blocked read")
	}
	assert.Equal(t, task.StateCancelled, h.State())
}
