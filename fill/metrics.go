package fill

import "github.com/prometheus/client_golang/prometheus"

// Metrics are the filler's Prometheus collectors.
type Metrics struct {
	Blocks       prometheus.Counter
	Rows         *prometheus.CounterVec
	Traces       *prometheus.CounterVec
	Forks        prometheus.Counter
	Sessions     *prometheus.CounterVec
	Head         prometheus.Gauge
	Irreversible prometheus.Gauge
	ApplySeconds prometheus.Histogram
}

// NewMetrics creates the collectors and registers them with reg, if not nil.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		Blocks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "histdb",
				Subsystem: "fill",
				Name:      "blocks_total",
				Help:      "Counter of applied blocks.",
			}),
		Rows: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "histdb",
				Subsystem: "fill",
				Name:      "rows_total",
				Help:      "Counter of delta rows received, by table.",
			}, []string{"table"}),
		Traces: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "histdb",
				Subsystem: "fill",
				Name:      "traces_total",
				Help:      "Counter of stored traces.",
			}, []string{"kind"}),
		Forks: prometheus.NewCounter(
			prometheus.CounterOpts{
				Namespace: "histdb",
				Subsystem: "fill",
				Name:      "forks_total",
				Help:      "Counter of blocks received at or below the head.",
			}),
		Sessions: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Namespace: "histdb",
				Subsystem: "fill",
				Name:      "sessions_total",
				Help:      "Counter of ended upstream sessions, by outcome.",
			}, []string{"outcome"}),
		Head: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "histdb",
				Subsystem: "fill",
				Name:      "head_block",
				Help:      "Number of the last applied block.",
			}),
		Irreversible: prometheus.NewGauge(
			prometheus.GaugeOpts{
				Namespace: "histdb",
				Subsystem: "fill",
				Name:      "irreversible_block",
				Help:      "Number of the last irreversible block.",
			}),
		ApplySeconds: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Namespace: "histdb",
				Subsystem: "fill",
				Name:      "apply_duration_seconds",
				Help:      "Bucketed histogram of the time spent applying one block.",
				Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
			}),
	}
	if reg != nil {
		reg.MustRegister(m.Blocks, m.Rows, m.Traces, m.Forks, m.Sessions, m.Head, m.Irreversible, m.ApplySeconds)
	}
	return m
}
