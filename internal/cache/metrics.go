package cache

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics holds the cache-level Prometheus counters, labeled by cache name.
type Metrics struct {
	Hits      *prometheus.CounterVec
	Misses    *prometheus.CounterVec
	Sets      *prometheus.CounterVec
	Evictions *prometheus.CounterVec
	Failures  *prometheus.CounterVec
}

// NewMetrics registers the cache metric family on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	factory := promauto.With(reg)
	return &Metrics{
		Hits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opsdeck_cache_hits_total",
			Help: "Cache lookups that found a usable value.",
		}, []string{"cache"}),
		Misses: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opsdeck_cache_misses_total",
			Help: "Cache lookups that found nothing.",
		}, []string{"cache"}),
		Sets: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opsdeck_cache_sets_total",
			Help: "Successful cache writes.",
		}, []string{"cache"}),
		Evictions: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opsdeck_cache_evictions_total",
			Help: "Entries removed by the background sweep.",
		}, []string{"cache"}),
		Failures: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "opsdeck_cache_refresh_failures_total",
			Help: "Refresh attempts that ended in error.",
		}, []string{"cache"}),
	}
}

// NopMetrics returns metrics bound to a throwaway registry. Used in tests
// and as a default when no registry is supplied.
func NopMetrics() *Metrics {
	return NewMetrics(prometheus.NewRegistry())
}
