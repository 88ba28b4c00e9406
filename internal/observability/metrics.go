package observability

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "worksafety"

// Metrics holds every collector. Components receive it explicitly.
type Metrics struct {
	Registry prometheus.Gatherer

	TriggersPublished *prometheus.CounterVec
	QueueDepth        *prometheus.GaugeVec

	ReactorProcessed  *prometheus.CounterVec
	ReactorDuration   *prometheus.HistogramVec
	CalculatorInvoked *prometheus.CounterVec

	EvaluatorRuns   *prometheus.CounterVec
	AdapterRequests *prometheus.CounterVec

	SchedulerHeartbeat prometheus.Gauge
	SchedulerPublished prometheus.Counter
	SchedulerReplayed  prometheus.Counter
	SchedulerPruned    prometheus.Counter
}

// NewMetrics registers the collectors on reg. A nil reg gets a private
// registry, which keeps tests isolated.
func NewMetrics(reg prometheus.Registerer) *Metrics {
	var gatherer prometheus.Gatherer
	if reg == nil {
		private := prometheus.NewRegistry()
		reg, gatherer = private, private
	} else if g, ok := reg.(prometheus.Gatherer); ok {
		gatherer = g
	}
	f := promauto.With(reg)
	return &Metrics{
		Registry: gatherer,
		TriggersPublished: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "triggers_total",
			Help:      "Triggers offered to the bus by outcome (enqueued, coalesced, rejected).",
		}, []string{"outcome"}),
		QueueDepth: f.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "bus",
			Name:      "queue_depth",
			Help:      "Pending and running triggers per tenant.",
		}, []string{"tenant"}),
		ReactorProcessed: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reactor",
			Name:      "processed_total",
			Help:      "Triggers processed by kind and outcome.",
		}, []string{"kind", "outcome"}),
		ReactorDuration: f.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Subsystem: "reactor",
			Name:      "process_seconds",
			Help:      "Time spent processing one trigger.",
			Buckets:   prometheus.ExponentialBuckets(0.001, 4, 8),
		}, []string{"kind"}),
		CalculatorInvoked: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reactor",
			Name:      "calculator_invocations_total",
			Help:      "Calculator invocations by kind; fingerprint hits do not count.",
		}, []string{"kind"}),
		EvaluatorRuns: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "evaluator",
			Name:      "runs_total",
			Help:      "Site condition evaluations by outcome (changed, unchanged, error).",
		}, []string{"outcome"}),
		AdapterRequests: f.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "adapter",
			Name:      "requests_total",
			Help:      "Adapter cache lookups by source and result (hit, miss, stale, error).",
		}, []string{"source", "result"}),
		SchedulerHeartbeat: f.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "heartbeat_timestamp_seconds",
			Help:      "Unix time of the last completed sweep.",
		}),
		SchedulerPublished: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "published_total",
			Help:      "Keys published by scheduled sweeps.",
		}),
		SchedulerReplayed: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "replayed_total",
			Help:      "FAILED triggers replayed.",
		}),
		SchedulerPruned: f.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "pruned_total",
			Help:      "DONE trigger log rows pruned.",
		}),
	}
}

// Or returns m, or a private metrics set when nil.
func (m *Metrics) Or() *Metrics {
	if m == nil {
		return NewMetrics(nil)
	}
	return m
}
