package collscan

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds Prometheus collectors for scan activity.
// A nil *Metrics is valid and records nothing.
type Metrics struct {
	reads       *prometheus.CounterVec
	readEntries *prometheus.CounterVec
	readLatency *prometheus.HistogramVec
	retries     *prometheus.CounterVec
	cacheServed prometheus.Counter
	emitted     prometheus.Counter
	dropped     prometheus.Counter
}

// NewMetrics creates the collectors and registers them with reg.
// A nil reg leaves them unregistered.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		reads: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collscan",
			Name:      "reads_total",
			Help:      "Range reads issued per physical collection.",
		}, []string{"collection"}),
		readEntries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collscan",
			Name:      "read_entries_total",
			Help:      "Entries returned by range reads per physical collection.",
		}, []string{"collection"}),
		readLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "collscan",
			Name:      "read_duration_seconds",
			Help:      "Latency of range reads including retries.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 10),
		}, []string{"collection"}),
		retries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "collscan",
			Name:      "read_retries_total",
			Help:      "Range reads retried after a transient failure.",
		}, []string{"collection"}),
		cacheServed: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collscan",
			Name:      "cache_served_entries_total",
			Help:      "Entries served from partition read-ahead caches without a read.",
		}),
		emitted: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collscan",
			Name:      "emitted_records_total",
			Help:      "Records yielded by scan sessions.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: "collscan",
			Name:      "dropped_records_total",
			Help:      "Records dropped by the end timestamp filter after joins.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.reads, m.readEntries, m.readLatency, m.retries,
			m.cacheServed, m.emitted, m.dropped)
	}
	return m
}

func (m *Metrics) read(collection string, n int, d time.Duration) {
	if m == nil {
		return
	}
	m.reads.WithLabelValues(collection).Inc()
	m.readEntries.WithLabelValues(collection).Add(float64(n))
	m.readLatency.WithLabelValues(collection).Observe(d.Seconds())
}

func (m *Metrics) retry(collection string) {
	if m == nil {
		return
	}
	m.retries.WithLabelValues(collection).Inc()
}

func (m *Metrics) served(n int) {
	if m == nil || n <= 0 {
		return
	}
	m.cacheServed.Add(float64(n))
}

func (m *Metrics) emit() {
	if m == nil {
		return
	}
	m.emitted.Inc()
}

func (m *Metrics) drop() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}
