package pipeline

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics are the run counters exported on /metrics.
type Metrics struct {
	Runs       *prometheus.CounterVec
	Notices    *prometheus.CounterVec
	Duration   prometheus.Histogram
	InProgress prometheus.Gauge
}

// NewMetrics creates the run metrics and registers them on reg when it is not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Runs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "djen_runs_total",
			Help: "Ingestion runs by final status (success, partial, error, rejected).",
		}, []string{"status"}),
		Notices: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "djen_notices_total",
			Help: "Fetched notices by outcome (inserted, duplicate, error).",
		}, []string{"outcome"}),
		Duration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Name:    "djen_run_duration_seconds",
			Help:    "Wall time of accepted ingestion runs.",
			Buckets: []float64{0.5, 1, 2.5, 5, 10, 30, 60, 120, 300},
		}),
		InProgress: prometheus.NewGauge(prometheus.GaugeOpts{
			Name: "djen_run_in_progress",
			Help: "1 while an ingestion run is executing.",
		}),
	}
	if reg != nil {
		reg.MustRegister(m.Runs, m.Notices, m.Duration, m.InProgress)
	}
	return m
}

func (m *Metrics) runStarted() {
	if m == nil {
		return
	}
	m.InProgress.Set(1)
}

func (m *Metrics) runFinished(status string, seconds float64) {
	if m == nil {
		return
	}
	m.InProgress.Set(0)
	m.Runs.WithLabelValues(status).Inc()
	m.Duration.Observe(seconds)
}

func (m *Metrics) rejected() {
	if m == nil {
		return
	}
	m.Runs.WithLabelValues("rejected").Inc()
}

func (m *Metrics) notice(outcome string) {
	if m == nil {
		return
	}
	m.Notices.WithLabelValues(outcome).Inc()
}
