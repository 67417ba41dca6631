/*
Package monitoring provides Prometheus metrics for the request engine.

# Overview

Metrics are registered on an explicit registry so that several engines, or
tests, never collide on the process-wide default registry.

# Collected

- Finished requests by method and outcome, with a task latency histogram
- Transport attempts, retries and followed redirects
- Cache hits, misses, evictions and cache-trust verdicts
- Host circuit breaker transitions

# Usage

	metrics := monitoring.NewMetrics(nil)

	// The metrics double as a cache observer.
	caches := cache.NewRegistry(root, cache.Options{Observer: metrics})

	// Serve them, or dump them once.
	http.Handle("/metrics", metrics.Handler())
	metrics.WriteText(os.Stdout)
*/
package monitoring
