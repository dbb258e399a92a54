package symbolizer

import (
	"github.com/prometheus/client_golang/prometheus"

	"github.com/objd/symbolic/pkg/util"
)

const (
	statusSuccess = "success"
	statusMiss    = "miss"
	statusError   = "error"
)

type metrics struct {
	registerer prometheus.Registerer

	cacheBuildDuration *prometheus.HistogramVec
	cacheSizeBytes     prometheus.Histogram

	lookups         *prometheus.CounterVec
	readerCacheOps  *prometheus.CounterVec
	stackResolution *prometheus.HistogramVec

	profileSymbolization *prometheus.HistogramVec
}

func newMetrics(reg prometheus.Registerer) *metrics {
	m := &metrics{
		registerer: reg,
		cacheBuildDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "symbolic_cache_build_duration_seconds",
			Help:    "Time spent building symbol caches by status",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30},
		}, []string{"status"}),
		cacheSizeBytes: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name: "symbolic_cache_size_bytes",
			Help: "Size of built symbol caches",
			// 4KB to 4GB
			Buckets: prometheus.ExponentialBuckets(4096, 4, 11),
		}),
		lookups: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "symbolic_lookups_total",
			Help: "Total number of address lookups by status",
		}, []string{"status"}),
		readerCacheOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "symbolic_reader_cache_operations_total",
			Help: "Total number of reader cache operations by operation and status",
		}, []string{"operation", "status"}),
		stackResolution: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "symbolic_stack_resolution_duration_seconds",
			Help:    "Time spent resolving stacks by status",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5},
		}, []string{"status"}),
		profileSymbolization: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "symbolic_profile_symbolization_duration_seconds",
			Help:    "Time spent symbolizing profiles by status",
			Buckets: []float64{.01, .05, .1, .5, 1, 5, 10, 30},
		}, []string{"status"}),
	}

	if reg != nil {
		m.register()
	}

	return m
}

func (m *metrics) register() {
	collectors := []prometheus.Collector{
		m.cacheBuildDuration,
		m.cacheSizeBytes,
		m.lookups,
		m.readerCacheOps,
		m.stackResolution,
		m.profileSymbolization,
	}
	for _, collector := range collectors {
		util.RegisterOrGet(m.registerer, collector)
	}
}
