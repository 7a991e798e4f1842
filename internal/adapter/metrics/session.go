package metrics

import "github.com/prometheus/client_golang/prometheus"

// SessionMetrics holds Prometheus metrics for the session lifecycle.
type SessionMetrics struct {
	Created       prometheus.Counter
	Rejected      *prometheus.CounterVec
	Erased        *prometheus.CounterVec
	Live          prometheus.Gauge
	Updates       *prometheus.CounterVec
	Polls         *prometheus.CounterVec
	SweepDuration prometheus.Histogram
}

// NewSessionMetrics creates and registers session metrics on the given registry.
func NewSessionMetrics(reg prometheus.Registerer) *SessionMetrics {
	m := &SessionMetrics{
		Created: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "created_total",
			Help:      "Total number of sessions created by devices.",
		}),
		Rejected: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "rejected_total",
			Help:      "Total number of new-session requests rejected, by reason.",
		}, []string{"reason"}),
		Erased: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "erased_total",
			Help:      "Total number of sessions erased, by reason.",
		}, []string{"reason"}),
		Live: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "live",
			Help:      "Number of sessions currently held in memory.",
		}),
		Updates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "updates_total",
			Help:      "Total number of value submissions, by result.",
		}, []string{"result"}),
		Polls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "sessions",
			Name:      "polls_total",
			Help:      "Total number of device polls, by result.",
		}, []string{"result"}),
		SweepDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reaper",
			Name:      "sweep_duration_seconds",
			Help:      "Duration of expiry sweeps in seconds.",
			Buckets:   []float64{0.0001, 0.0005, 0.001, 0.005, 0.01, 0.05, 0.1, 0.5, 1},
		}),
	}

	reg.MustRegister(m.Created, m.Rejected, m.Erased, m.Live, m.Updates, m.Polls, m.SweepDuration)
	return m
}
