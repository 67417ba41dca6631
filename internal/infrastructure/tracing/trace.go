package tracing

import (
	"sync"
	"time"

	"github.com/GriffinCanCode/xfetch/internal/httperr"
	"github.com/GriffinCanCode/xfetch/internal/logging"
	"github.com/GriffinCanCode/xfetch/internal/params"
	"github.com/GriffinCanCode/xfetch/internal/shared/id"
	"github.com/GriffinCanCode/xfetch/internal/transport"
	"go.uber.org/zap"
)

// SpanID identifies one task's span.
type SpanID string

// Span is the record of one task from submission to Finished.
type Span struct {
	SpanID    SpanID
	TaskID    string
	Request   string
	StartTime time.Time
	EndTime   time.Time
	Duration  time.Duration
	Outcome   string
	Attempts  int
	FromCache bool
	Status    int
	Error     error
	Logs      []LogEntry
}

// LogEntry is one lifecycle event within a span.
type LogEntry struct {
	Timestamp time.Time
	Message   string
}

func (s *Span) log(msg string) {
	s.Logs = append(s.Logs, LogEntry{Timestamp: time.Now(), Message: msg})
}

// Tracker mirrors task lifecycles into spans and logs each finished span.
// Its methods are called on the main-thread executor.
type Tracker struct {
	logger *logging.Logger
	spans  chan *Span
	done   chan struct{}

	mu     sync.Mutex
	active map[string]*Span
	// OnSpan, when set, receives every finished span after it is logged.
	OnSpan func(*Span)
}

// NewTracker starts a tracker with a buffered span collector.
func NewTracker(logger *logging.Logger) *Tracker {
	t := &Tracker{
		logger: logging.OrNop(logger).Named("trace"),
		spans:  make(chan *Span, 1000),
		done:   make(chan struct{}),
		active: make(map[string]*Span),
	}
	go t.collectSpans()
	return t
}

func (t *Tracker) span(taskID string) *Span {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.active[taskID]
}

// OnWaiting opens the span of a submitted task.
func (t *Tracker) OnWaiting(taskID string, p *params.Params) {
	s := &Span{
		SpanID:    SpanID(id.NewSpanID()),
		TaskID:    taskID,
		Request:   p.String(),
		StartTime: time.Now(),
	}
	s.log("waiting")

	t.mu.Lock()
	t.active[taskID] = s
	t.mu.Unlock()
}

// OnStart marks the body as running.
func (t *Tracker) OnStart(taskID string, _ *params.Params) {
	if s := t.span(taskID); s != nil {
		s.log("started")
	}
}

// OnRequestCreated counts a transport attempt.
func (t *Tracker) OnRequestCreated(taskID string, ch transport.Channel) {
	if s := t.span(taskID); s != nil {
		s.Attempts++
		if u := ch.URL(); u != nil {
			s.log("request " + u.Redacted())
		}
	}
}

// OnCache notes that a cached candidate was offered.
func (t *Tracker) OnCache(taskID string, _ any) {
	if s := t.span(taskID); s != nil {
		s.FromCache = true
		s.log("cache offered")
	}
}

func (t *Tracker) OnSuccess(taskID string, _ any) {
	if s := t.span(taskID); s != nil {
		s.Outcome = "success"
	}
}

func (t *Tracker) OnCancelled(taskID string, err *httperr.CancelledError) {
	if s := t.span(taskID); s != nil {
		s.Outcome = "cancelled"
		if err != nil {
			s.Error = err
		}
	}
}

func (t *Tracker) OnError(taskID string, err error, isCallback bool) {
	if s := t.span(taskID); s != nil {
		s.Outcome = "error"
		if isCallback {
			s.Outcome = "callback_error"
		}
		s.Error = err
		if herr, ok := httperr.AsHTTP(err); ok {
			s.Status = herr.Code
		}
	}
}

// OnFinished closes the span and hands it to the collector.
func (t *Tracker) OnFinished(taskID string) {
	t.mu.Lock()
	s := t.active[taskID]
	delete(t.active, taskID)
	t.mu.Unlock()
	if s == nil {
		return
	}

	s.EndTime = time.Now()
	s.Duration = s.EndTime.Sub(s.StartTime)
	t.submit(s)
}

// Close drains the collector.
func (t *Tracker) Close() {
	close(t.spans)
	<-t.done
}

func (t *Tracker) submit(s *Span) {
	select {
	case t.spans <- s:
	default:
		t.logger.Warn("span buffer full, dropping span",
			zap.String("task_id", s.TaskID),
			zap.String("span_id", string(s.SpanID)),
		)
	}
}

// collectSpans processes completed spans
func (t *Tracker) collectSpans() {
	defer close(t.done)
	for s := range t.spans {
		t.processSpan(s)
	}
}

func (t *Tracker) processSpan(s *Span) {
	fields := []zap.Field{
		zap.String("span_id", string(s.SpanID)),
		zap.String("task_id", s.TaskID),
		zap.String("request", s.Request),
		zap.String("outcome", s.Outcome),
		zap.Int("attempts", s.Attempts),
		zap.Bool("from_cache", s.FromCache),
		zap.Duration("duration", s.Duration),
	}
	if s.Status != 0 {
		fields = append(fields, zap.Int("status", s.Status))
	}

	if s.Error != nil {
		fields = append(fields, zap.Error(s.Error))
		t.logger.Warn("task completed with error", fields...)
	} else {
		t.logger.Info("task completed", fields...)
	}

	if t.OnSpan != nil {
		t.OnSpan(s)
	}
}
