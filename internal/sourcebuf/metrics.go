package sourcebuf

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

// Operation outcomes recorded by Metrics.
const (
	outcomeResolved   = "resolved"
	outcomeRejected   = "rejected"
	outcomeBufferFull = "buffer_full"
	outcomeCancelled  = "cancelled"
)

// Metrics collects scheduler statistics. A nil *Metrics records nothing, so
// buffers created without metrics need no special casing.
type Metrics struct {
	operations   *prometheus.CounterVec
	settled      *prometheus.CounterVec
	units        *prometheus.CounterVec
	merged       *prometheus.CounterVec
	queueDepth   *prometheus.GaugeVec
	unitDuration *prometheus.HistogramVec
	anomalies    prometheus.Counter
}

// NewMetrics creates the scheduler collectors. If registerer is nil the
// collectors work but are not registered anywhere.
func NewMetrics(registerer prometheus.Registerer, namespace string) *Metrics {
	const subsystem = "sourcebuf"

	m := Metrics{
		operations: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operations_total",
			Help:      "Number of operations submitted to buffers",
		}, []string{"kind", "op"}),
		settled: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operations_settled_total",
			Help:      "Number of operations settled, by outcome",
		}, []string{"kind", "op", "outcome"}),
		units: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "units_dispatched_total",
			Help:      "Number of units dispatched to resources",
		}, []string{"kind", "op"}),
		merged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "operations_merged_total",
			Help:      "Number of pushes absorbed into a preceding push",
		}, []string{"kind"}),
		queueDepth: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "queue_depth",
			Help:      "Number of operations waiting to be dispatched",
		}, []string{"kind"}),
		unitDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "unit_duration_seconds",
			Help:      "Time from dispatch to completion signal",
			Buckets:   prometheus.ExponentialBuckets(0.0005, 2, 14),
		}, []string{"kind", "op"}),
		anomalies: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: subsystem,
			Name:      "protocol_anomalies_total",
			Help:      "Number of responses for unknown or already settled operations",
		}),
	}

	if registerer != nil {
		registerer.MustRegister(
			m.operations,
			m.settled,
			m.units,
			m.merged,
			m.queueDepth,
			m.unitDuration,
			m.anomalies,
		)
	}

	return &m
}

func (m *Metrics) submitted(kind string, op OpKind, depth int) {
	if m == nil {
		return
	}
	m.operations.WithLabelValues(kind, op.String()).Inc()
	m.queueDepth.WithLabelValues(kind).Set(float64(depth))
}

func (m *Metrics) dispatched(kind string, u *Unit, depth int) {
	if m == nil {
		return
	}
	m.units.WithLabelValues(kind, u.Kind.String()).Inc()
	if extra := len(u.Ops) - 1; extra > 0 {
		m.merged.WithLabelValues(kind).Add(float64(extra))
	}
	m.queueDepth.WithLabelValues(kind).Set(float64(depth))
}

func (m *Metrics) completed(kind string, u *Unit, outcome string) {
	if m == nil {
		return
	}
	m.unitDuration.WithLabelValues(kind, u.Kind.String()).Observe(time.Since(u.dispatched).Seconds())
	m.settled.WithLabelValues(kind, u.Kind.String(), outcome).Add(float64(len(u.Ops)))
}

func (m *Metrics) cancelled(kind string, ops []*Operation) {
	if m == nil {
		return
	}
	for _, op := range ops {
		m.settled.WithLabelValues(kind, op.Kind.String(), outcomeCancelled).Inc()
	}
	m.queueDepth.WithLabelValues(kind).Set(0)
}

// Anomaly counts a response that could not be correlated with any
// outstanding request.
func (m *Metrics) Anomaly() {
	if m == nil {
		return
	}
	m.anomalies.Inc()
}
