package scrub

import "github.com/prometheus/client_golang/prometheus"

// Metrics holds the spec §4.10 Observability collectors for one Scrubber.
// Each Scrubber owns its own Registry rather than registering into the
// global default one, since a process typically runs one Scrubber per
// index and Prometheus panics on duplicate registration of identically
// named collectors.
type Metrics struct {
	Registry       *prometheus.Registry
	EntriesScanned prometheus.Counter
	Issues         *prometheus.CounterVec
	Skipped        *prometheus.CounterVec
	BatchDuration  prometheus.Histogram
	ProgressRatio  prometheus.Gauge
	BatchSize      prometheus.Histogram
}

// NewMetrics builds and registers the collectors for one index's Scrubber.
func NewMetrics(indexName string) *Metrics {
	labels := prometheus.Labels{"index": indexName}
	reg := prometheus.NewRegistry()
	m := &Metrics{
		Registry: reg,
		EntriesScanned: prometheus.NewCounter(prometheus.CounterOpts{
			Name:        "entries_scanned_total",
			Help:        "Total index/record entries scanned by the scrubber.",
			ConstLabels: labels,
		}),
		Issues: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "issues_total",
			Help:        "Total integrity issues found by the scrubber, by type.",
			ConstLabels: labels,
		}, []string{"type"}),
		Skipped: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name:        "skipped_total",
			Help:        "Total entries skipped by the scrubber, by reason.",
			ConstLabels: labels,
		}, []string{"reason"}),
		BatchDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "batch_duration_seconds",
			Help:        "Wall time of each committed scrub batch transaction.",
			ConstLabels: labels,
			Buckets:     prometheus.DefBuckets,
		}),
		ProgressRatio: prometheus.NewGauge(prometheus.GaugeOpts{
			Name:        "progress_ratio",
			Help:        "Fraction of the current phase's key range scrubbed so far.",
			ConstLabels: labels,
		}),
		BatchSize: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:        "batch_size",
			Help:        "Entries processed per committed scrub batch.",
			ConstLabels: labels,
			Buckets:     prometheus.LinearBuckets(0, 1000, 10),
		}),
	}
	reg.MustRegister(m.EntriesScanned, m.Issues, m.Skipped, m.BatchDuration, m.ProgressRatio, m.BatchSize)
	return m
}
