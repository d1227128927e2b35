package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

const namespace = "exchange"

// Metrics holds every collector the exchange core exports.
type Metrics struct {
	ledgerAdjustments *prometheus.CounterVec
	escrowOps         *prometheus.CounterVec

	verbs        *prometheus.CounterVec
	verbDuration *prometheus.HistogramVec
	transitions  *prometheus.CounterVec

	timersPending  prometheus.Gauge
	timerFires     *prometheus.CounterVec
	reconciliation prometheus.Counter

	sweeps  *prometheus.CounterVec
	resumed *prometheus.CounterVec

	events      prometheus.Counter
	subscribers prometheus.Gauge
	dropped     prometheus.Counter

	requests    *prometheus.CounterVec
	casRetries  prometheus.Counter
	rateLimited prometheus.Counter

	journalRows *prometheus.CounterVec
}

// New creates the collectors and registers them with reg.
func New(reg prometheus.Registerer) *Metrics {
	m := &Metrics{
		ledgerAdjustments: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "ledger",
			Name:      "adjustments_total",
			Help:      "Ledger adjustments by result.",
		}, []string{"result"}),
		escrowOps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "escrow",
			Name:      "operations_total",
			Help:      "Escrow vault operations by operation and result.",
		}, []string{"op", "result"}),
		verbs: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "verbs_total",
			Help:      "Exchange verbs by kind, verb and result.",
		}, []string{"kind", "verb", "result"}),
		verbDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "verb_duration_seconds",
			Help:      "Exchange verb latency.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"kind", "verb"}),
		transitions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "records",
			Name:      "transitions_total",
			Help:      "Committed record transitions by kind and target state.",
		}, []string{"kind", "state"}),
		timersPending: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "timers_pending",
			Help:      "Armed deadline timers.",
		}),
		timerFires: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "fires_total",
			Help:      "Deadline callbacks by result.",
		}, []string{"result"}),
		reconciliation: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "scheduler",
			Name:      "reconciliation_items_total",
			Help:      "Deadline callbacks that exhausted their retries.",
		}),
		sweeps: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "sweeps_total",
			Help:      "Reconciler sweeps by result.",
		}, []string{"result"}),
		resumed: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "reconciler",
			Name:      "resumed_total",
			Help:      "Records whose settlement was re-driven, by kind.",
		}, []string{"kind"}),
		events: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "events_total",
			Help:      "Notification events published.",
		}),
		subscribers: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "subscribers",
			Help:      "Connected feed subscribers.",
		}),
		dropped: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "notify",
			Name:      "dropped_total",
			Help:      "Events dropped from slow subscriber buffers.",
		}),
		requests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "requests_total",
			Help:      "Gateway requests by route and status code.",
		}, []string{"route", "code"}),
		casRetries: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "cas_retries_total",
			Help:      "Verbs retried after losing a record compare-and-swap.",
		}),
		rateLimited: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "gateway",
			Name:      "rate_limited_total",
			Help:      "Requests rejected by the per-actor limiter.",
		}),
		journalRows: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Subsystem: "journal",
			Name:      "rows_total",
			Help:      "Journal rows by result: inserted, conflict or error.",
		}, []string{"result"}),
	}

	if reg != nil {
		reg.MustRegister(
			m.ledgerAdjustments, m.escrowOps,
			m.verbs, m.verbDuration, m.transitions,
			m.timersPending, m.timerFires, m.reconciliation,
			m.sweeps, m.resumed,
			m.events, m.subscribers, m.dropped,
			m.requests, m.casRetries, m.rateLimited,
			m.journalRows,
		)
	}
	return m
}

// Handler serves the registry in the Prometheus exposition format.
func Handler(g prometheus.Gatherer) http.Handler {
	return promhttp.HandlerFor(g, promhttp.HandlerOpts{})
}

func (m *Metrics) LedgerAdjust(result string) {
	if m == nil {
		return
	}
	m.ledgerAdjustments.WithLabelValues(result).Inc()
}

func (m *Metrics) EscrowOp(op, result string) {
	if m == nil {
		return
	}
	m.escrowOps.WithLabelValues(op, result).Inc()
}

// Verb records one engine verb and its latency.
func (m *Metrics) Verb(kind, verb, result string, took time.Duration) {
	if m == nil {
		return
	}
	m.verbs.WithLabelValues(kind, verb, result).Inc()
	m.verbDuration.WithLabelValues(kind, verb).Observe(took.Seconds())
}

func (m *Metrics) Transition(kind, state string) {
	if m == nil {
		return
	}
	m.transitions.WithLabelValues(kind, state).Inc()
}

func (m *Metrics) TimersPending(n int) {
	if m == nil {
		return
	}
	m.timersPending.Set(float64(n))
}

func (m *Metrics) TimerFired(result string) {
	if m == nil {
		return
	}
	m.timerFires.WithLabelValues(result).Inc()
}

func (m *Metrics) ReconciliationItem() {
	if m == nil {
		return
	}
	m.reconciliation.Inc()
}

func (m *Metrics) Sweep(result string) {
	if m == nil {
		return
	}
	m.sweeps.WithLabelValues(result).Inc()
}

func (m *Metrics) Resumed(kind string) {
	if m == nil {
		return
	}
	m.resumed.WithLabelValues(kind).Inc()
}

func (m *Metrics) EventsPublished(n int) {
	if m == nil {
		return
	}
	m.events.Add(float64(n))
}

func (m *Metrics) Subscribers(delta int) {
	if m == nil {
		return
	}
	m.subscribers.Add(float64(delta))
}

func (m *Metrics) Dropped() {
	if m == nil {
		return
	}
	m.dropped.Inc()
}

func (m *Metrics) Request(route, code string) {
	if m == nil {
		return
	}
	m.requests.WithLabelValues(route, code).Inc()
}

func (m *Metrics) CASRetry() {
	if m == nil {
		return
	}
	m.casRetries.Inc()
}

func (m *Metrics) RateLimited() {
	if m == nil {
		return
	}
	m.rateLimited.Inc()
}

func (m *Metrics) JournalRows(result string, n int) {
	if m == nil || n == 0 {
		return
	}
	m.journalRows.WithLabelValues(result).Add(float64(n))
}
