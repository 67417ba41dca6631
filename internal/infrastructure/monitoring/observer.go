package monitoring

import "github.com/GriffinCanCode/xfetch/internal/infrastructure/resilience"

// CacheHit implements cache.Observer.
func (m *Metrics) CacheHit(dir string) {
	m.CacheHits.WithLabelValues(dir).Inc()
}

// CacheMiss implements cache.Observer.
func (m *Metrics) CacheMiss(dir string) {
	m.CacheMisses.WithLabelValues(dir).Inc()
}

// CacheEvicted implements cache.Observer.
func (m *Metrics) CacheEvicted(dir string, n int) {
	m.CacheEvictions.WithLabelValues(dir).Add(float64(n))
}

// BreakerChanged can be chained into resilience.Settings.OnStateChange.
func (m *Metrics) BreakerChanged(_ string, _, to resilience.State) {
	m.BreakerChanges.WithLabelValues(to.String()).Inc()
}
