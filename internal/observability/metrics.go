package observability

import (
	"net/http"
	"sync"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

type storeMetrics struct {
	sessionRecords      prometheus.Gauge
	sessionCacheSize    prometheus.Gauge
	sessionLoadDuration prometheus.Histogram
	sessionSaveDuration prometheus.Histogram
	cacheEvictionsTotal prometheus.Counter
	cleanupRemovedTotal prometheus.Counter
	corruptRecordsTotal prometheus.Counter
}

var (
	metricsOnce sync.Once
	metricsInst *storeMetrics
)

func getMetrics() *storeMetrics {
	metricsOnce.Do(func() {
		m := &storeMetrics{
			sessionRecords: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "session_records",
					Help: "Current durable session record count.",
				},
			),
			sessionCacheSize: prometheus.NewGauge(
				prometheus.GaugeOpts{
					Name: "session_cache_size",
					Help: "Current in-memory session cache size.",
				},
			),
			sessionLoadDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_load_duration_seconds",
					Help:    "Session record load duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			sessionSaveDuration: prometheus.NewHistogram(
				prometheus.HistogramOpts{
					Name:    "session_save_duration_seconds",
					Help:    "Session record save duration in seconds.",
					Buckets: prometheus.DefBuckets,
				},
			),
			cacheEvictionsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "session_cache_evictions_total",
					Help: "Total sessions evicted from the in-memory cache.",
				},
			),
			cleanupRemovedTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "session_cleanup_removed_total",
					Help: "Total session records removed by garbage collection.",
				},
			),
			corruptRecordsTotal: prometheus.NewCounter(
				prometheus.CounterOpts{
					Name: "session_corrupt_records_total",
					Help: "Total session records skipped or rejected as corrupt.",
				},
			),
		}

		prometheus.MustRegister(
			m.sessionRecords,
			m.sessionCacheSize,
			m.sessionLoadDuration,
			m.sessionSaveDuration,
			m.cacheEvictionsTotal,
			m.cleanupRemovedTotal,
			m.corruptRecordsTotal,
		)

		metricsInst = m
	})

	return metricsInst
}

// EnsureRegistered initializes and registers metrics the first time it is called.
func EnsureRegistered() {
	_ = getMetrics()
}

// MetricsHandler returns an HTTP handler the consuming process can mount.
func MetricsHandler() http.Handler {
	EnsureRegistered()
	return promhttp.Handler()
}

func SetSessionRecords(count int) {
	m := getMetrics()
	m.sessionRecords.Set(float64(count))
}

func SetSessionCacheSize(count int) {
	m := getMetrics()
	m.sessionCacheSize.Set(float64(count))
}

func RecordSessionLoad(duration time.Duration) {
	m := getMetrics()
	m.sessionLoadDuration.Observe(duration.Seconds())
}

func RecordSessionSave(duration time.Duration) {
	m := getMetrics()
	m.sessionSaveDuration.Observe(duration.Seconds())
}

func RecordCacheEvictions(count int) {
	m := getMetrics()
	m.cacheEvictionsTotal.Add(float64(count))
}

func RecordCleanupRemovals(count int) {
	m := getMetrics()
	m.cleanupRemovedTotal.Add(float64(count))
}

func RecordCorruptRecord() {
	m := getMetrics()
	m.corruptRecordsTotal.Inc()
}
