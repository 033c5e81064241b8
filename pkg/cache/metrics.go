package cache

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/c360/triage/metric"
)

type cacheMetrics struct {
	hits      prometheus.Counter
	misses    prometheus.Counter
	evictions prometheus.Counter
	size      prometheus.Gauge
}

func newCacheMetrics(registry *metric.MetricsRegistry, prefix string) (*cacheMetrics, error) {
	labels := prometheus.Labels{"component": prefix}
	counter := func(name, help string) prometheus.Counter {
		return prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: metric.Namespace, Subsystem: "cache", Name: name, Help: help, ConstLabels: labels,
		})
	}
	m := &cacheMetrics{
		hits:      counter("hits_total", "Cache lookups that found an entry"),
		misses:    counter("misses_total", "Cache lookups that found nothing"),
		evictions: counter("evictions_total", "Entries evicted for capacity"),
		size: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: metric.Namespace, Subsystem: "cache", Name: "size",
			Help: "Current number of entries", ConstLabels: labels,
		}),
	}

	if err := registry.RegisterCounter(prefix, "cache_hits", m.hits); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "cache_misses", m.misses); err != nil {
		return nil, err
	}
	if err := registry.RegisterCounter(prefix, "cache_evictions", m.evictions); err != nil {
		return nil, err
	}
	if err := registry.RegisterGauge(prefix, "cache_size", m.size); err != nil {
		return nil, err
	}
	return m, nil
}
