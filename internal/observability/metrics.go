// Package observability exposes Prometheus counters for the capture path.
package observability

import (
	"errors"

	"github.com/prometheus/client_golang/prometheus"
)

// Skip reasons.
const (
	ReasonIgnored = "ignored"
	ReasonSampled = "sampled"
)

// Storage operations reported on failure.
const (
	OpInsert = "insert"
	OpQuery  = "query"
)

// Metrics holds the capture counters of one profiler. A nil *Metrics is valid
// and records nothing.
type Metrics struct {
	recorded        *prometheus.CounterVec
	skipped         *prometheus.CounterVec
	storageFailures *prometheus.CounterVec
	persistSeconds  prometheus.Histogram
}

// NewMetrics creates the counters and registers them on reg when reg is not nil.
// Counters already registered on reg by an earlier profiler are reused.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		recorded: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "request_profiler_capture_recorded_total",
			Help: "Measurements persisted, by call method",
		}, []string{"method"}),

		skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "request_profiler_capture_skipped_total",
			Help: "Calls executed without a measurement, by reason",
		}, []string{"reason"}),

		storageFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "request_profiler_capture_storage_failures_total",
			Help: "Storage backend errors, by operation",
		}, []string{"operation"}),

		persistSeconds: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "request_profiler_capture_persist_duration_seconds",
			Help:    "Time spent writing one measurement to storage",
			Buckets: []float64{.0001, .0005, .001, .005, .01, .05, .1, .5, 1},
		}),
	}

	if reg != nil {
		m.recorded = register(reg, m.recorded)
		m.skipped = register(reg, m.skipped)
		m.storageFailures = register(reg, m.storageFailures)
		m.persistSeconds = register(reg, m.persistSeconds)
	}
	return m
}

func register[T prometheus.Collector](reg prometheus.Registerer, c T) T {
	err := reg.Register(c)
	var are prometheus.AlreadyRegisteredError
	if errors.As(err, &are) {
		if existing, ok := are.ExistingCollector.(T); ok {
			return existing
		}
	}
	return c
}

func (m *Metrics) Recorded(method string) {
	if m == nil {
		return
	}
	m.recorded.WithLabelValues(method).Inc()
}

func (m *Metrics) Skipped(reason string) {
	if m == nil {
		return
	}
	m.skipped.WithLabelValues(reason).Inc()
}

func (m *Metrics) StorageFailure(op string) {
	if m == nil {
		return
	}
	m.storageFailures.WithLabelValues(op).Inc()
}

// ObservePersist records how long an insert took, in seconds.
func (m *Metrics) ObservePersist(seconds float64) {
	if m == nil {
		return
	}
	m.persistSeconds.Observe(seconds)
}
