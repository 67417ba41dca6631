package engine

import (
	"io"
	"sync"
	"time"
)

// throttle limits progress callbacks to one per interval. The first report
// of a transfer and the report that completes it always pass.
type throttle struct {
	interval time.Duration
	emit     func(total, current int64, isLive bool)

	mu      sync.Mutex
	last    time.Time
	started bool
}

func newThrottle(interval time.Duration, emit func(total, current int64, isLive bool)) *throttle {
	return &throttle{interval: interval, emit: emit}
}

// restart makes the next report count as a first one, as it does for every
// new attempt.
func (t *throttle) restart() {
	t.mu.Lock()
	t.started = false
	t.mu.Unlock()
}

func (t *throttle) report(total, current int64, isLive bool) {
	t.mu.Lock()
	now := time.Now()
	first := !t.started
	complete := total >= 0 && current >= total
	if !first && !complete && now.Sub(t.last) < t.interval {
		t.mu.Unlock()
		return
	}
	t.started = true
	t.last = now
	t.mu.Unlock()

	t.emit(total, current, isLive)
}

// uploadReader reports request body progress.
type uploadReader struct {
	r       io.Reader
	total   int64
	current int64
	report  func(total, current int64)
}

func (u *uploadReader) Read(p []byte) (int, error) {
	n, err := u.r.Read(p)
	if n > 0 {
		u.current += int64(n)
		u.report(u.total, u.current)
	}
	return n, err
}
