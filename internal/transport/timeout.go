package transport

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync/atomic"
	"time"
)

// idleTimeoutReader aborts the exchange when no bytes arrive for timeout.
type idleTimeoutReader struct {
	r        io.ReadCloser
	timeout  time.Duration
	timer    *time.Timer
	timedOut atomic.Bool
}

func newIdleTimeoutReader(r io.ReadCloser, timeout time.Duration, cancel context.CancelFunc) io.ReadCloser {
	if r == nil || timeout <= 0 {
		return r
	}
	t := &idleTimeoutReader{r: r, timeout: timeout}
	t.timer = time.AfterFunc(timeout, func() {
		t.timedOut.Store(true)
		cancel()
	})
	return t
}

func (t *idleTimeoutReader) Read(p []byte) (int, error) {
	n, err := t.r.Read(p)
	if t.timedOut.Load() {
		return n, fmt.Errorf("read body: %w", os.ErrDeadlineExceeded)
	}
	if err != nil {
		t.timer.Stop()
		return n, err
	}
	t.timer.Reset(t.timeout)
	return n, nil
}

func (t *idleTimeoutReader) Close() error {
	t.timer.Stop()
	return t.r.Close()
}
