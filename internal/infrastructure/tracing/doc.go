/*
Package tracing records one span per request task.

# Overview

Tracker implements the engine's request-tracking capability. It opens a span
when a task starts waiting, counts transport attempts and cache offers, and
closes the span when the task finishes. Finished spans are handed to a
buffered collector that logs them through zap.

# Usage

	tracker := tracing.NewTracker(logger)
	defer tracker.Close()

	eng, err := engine.New(engine.Options{Tracker: tracker})

# Performance

- Buffered span collection (1000 spans); overflow is logged and dropped
- Span processing happens off the callback thread
*/
package tracing
