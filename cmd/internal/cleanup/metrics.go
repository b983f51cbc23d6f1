package cleanup

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics aggregates the janitor's Prometheus instruments. A nil
// *Metrics is valid and records nothing.
type Metrics struct {
	removed   *prometheus.CounterVec
	conflicts *prometheus.CounterVec
	batches   *prometheus.CounterVec
	abandoned *prometheus.CounterVec
	failures  *prometheus.CounterVec
	runs      prometheus.Counter
	duration  prometheus.Histogram
}

// NewMetrics registers the janitor instruments on reg.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)

	return &Metrics{
		removed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "cleanup",
			Name:      "removed_total",
			Help:      "Records confirmed deleted, by record kind.",
		}, []string{"kind"}),
		conflicts: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "cleanup",
			Name:      "conflicts_total",
			Help:      "Records found already removed by another actor, by record kind.",
		}, []string{"kind"}),
		batches: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "cleanup",
			Name:      "batches_total",
			Help:      "Deletion batches processed, by record kind.",
		}, []string{"kind"}),
		abandoned: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "cleanup",
			Name:      "abandoned_total",
			Help:      "Records left for a later cycle after commit attempts ran out, by record kind.",
		}, []string{"kind"}),
		failures: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "cleanup",
			Name:      "sweep_failures_total",
			Help:      "Sweep phases that ended with an error, by record kind.",
		}, []string{"kind"}),
		runs: f.NewCounter(prometheus.CounterOpts{
			Namespace: "warden",
			Subsystem: "cleanup",
			Name:      "runs_total",
			Help:      "Completed cleanup runs.",
		}),
		duration: f.NewHistogram(prometheus.HistogramOpts{
			Namespace: "warden",
			Subsystem: "cleanup",
			Name:      "run_duration_seconds",
			Help:      "Wall time of full cleanup runs.",
			Buckets:   []float64{0.05, 0.1, 0.5, 1, 2, 5, 10, 30, 60, 120},
		}),
	}
}

func (m *Metrics) observeSweep(res SweepResult) {
	if m == nil {
		return
	}
	m.removed.WithLabelValues(res.Kind).Add(float64(res.Removed))
	m.conflicts.WithLabelValues(res.Kind).Add(float64(res.Conflicts))
	m.batches.WithLabelValues(res.Kind).Add(float64(res.Batches))
	m.abandoned.WithLabelValues(res.Kind).Add(float64(res.Abandoned))
	if res.Err != nil {
		m.failures.WithLabelValues(res.Kind).Inc()
	}
}

func (m *Metrics) observeRun(d time.Duration) {
	if m == nil {
		return
	}
	m.runs.Inc()
	m.duration.Observe(d.Seconds())
}
