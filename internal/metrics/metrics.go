// Package metrics holds the agent's Prometheus instruments.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
)

const namespace = "mailpulse"

// Flush reasons used as the "reason" label on emitted events.
const (
	ReasonCompletion  = "completion"
	ReasonTimeout     = "timeout"
	ReasonPassThrough = "passthrough"
)

// Metrics holds all instruments exported by the agent.
type Metrics struct {
	LinesRead        *prometheus.CounterVec
	EventsEmitted    *prometheus.CounterVec
	Evictions        prometheus.Counter
	BatchesShipped   prometheus.Counter
	ShipFailures     prometheus.Counter
	CheckpointErrors prometheus.Counter
	OpenTransactions prometheus.Gauge
	CycleDuration    prometheus.Histogram
}

// New creates the instruments and registers them on reg. A nil reg gets a
// fresh private registry.
func New(reg *prometheus.Registry) (*Metrics, *prometheus.Registry) {
	if reg == nil {
		reg = prometheus.NewRegistry()
	}
	m := &Metrics{
		LinesRead: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "lines_read_total",
			Help:      "Complete log lines consumed, by source kind.",
		}, []string{"kind"}),
		EventsEmitted: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "events_emitted_total",
			Help:      "Normalized events produced, by flush reason.",
		}, []string{"reason"}),
		Evictions: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "transactions_evicted_total",
			Help:      "Open transactions dropped unflushed to respect the cache bound.",
		}),
		BatchesShipped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "batches_shipped_total",
			Help:      "Batches accepted by the collector.",
		}),
		ShipFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "ship_failures_total",
			Help:      "Batches lost to delivery errors.",
		}),
		CheckpointErrors: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "checkpoint_errors_total",
			Help:      "Failed offset checkpoint writes.",
		}),
		OpenTransactions: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "open_transactions",
			Help:      "Transactions currently held by the correlator.",
		}),
		CycleDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "cycle_duration_seconds",
			Help:      "Wall time of one poll cycle.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}),
	}
	reg.MustRegister(
		m.LinesRead,
		m.EventsEmitted,
		m.Evictions,
		m.BatchesShipped,
		m.ShipFailures,
		m.CheckpointErrors,
		m.OpenTransactions,
		m.CycleDuration,
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return m, reg
}
