package service

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

type Metrics struct {
	ReservationsTotal *prometheus.CounterVec
	ReserveLatency    prometheus.Histogram
	ConflictRetries   prometheus.Counter
	ActionsApplied    *prometheus.CounterVec
	ReconcileRuns     prometheus.Counter
	ReconcileDrift    prometheus.Counter
	EventsDropped     prometheus.Counter
}

func NewMetrics(registry *prometheus.Registry) *Metrics {
	m := &Metrics{
		ReservationsTotal: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inventory_reservations_total",
				Help: "Reservation attempts by outcome.",
			},
			[]string{"result"},
		),
		ReserveLatency: prometheus.NewHistogram(
			prometheus.HistogramOpts{
				Name:    "inventory_reserve_latency_seconds",
				Help:    "Reservation latency in seconds.",
				Buckets: prometheus.DefBuckets,
			},
		),
		ConflictRetries: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "inventory_conflict_retries_total",
				Help: "Internal retries after a concurrency conflict.",
			},
		),
		ActionsApplied: prometheus.NewCounterVec(
			prometheus.CounterOpts{
				Name: "inventory_corporate_actions_applied_total",
				Help: "Corporate actions applied by type.",
			},
			[]string{"type"},
		),
		ReconcileRuns: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "inventory_reconcile_runs_total",
				Help: "Reconciliation passes executed.",
			},
		),
		ReconcileDrift: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "inventory_reconcile_drift_total",
				Help: "Reconciliation passes that found and healed drift.",
			},
		),
		EventsDropped: prometheus.NewCounter(
			prometheus.CounterOpts{
				Name: "inventory_audit_events_dropped_total",
				Help: "Audit events dropped because the sink queue was full.",
			},
		),
	}

	registry.MustRegister(m.ReservationsTotal, m.ReserveLatency, m.ConflictRetries,
		m.ActionsApplied, m.ReconcileRuns, m.ReconcileDrift, m.EventsDropped)
	return m
}

func (m *Metrics) ObserveReserve(result string, duration time.Duration) {
	if m == nil {
		return
	}
	m.ReservationsTotal.WithLabelValues(result).Inc()
	m.ReserveLatency.Observe(duration.Seconds())
}

func (m *Metrics) IncConflictRetry() {
	if m == nil {
		return
	}
	m.ConflictRetries.Inc()
}

func (m *Metrics) IncActionApplied(actionType string) {
	if m == nil {
		return
	}
	m.ActionsApplied.WithLabelValues(actionType).Inc()
}

func (m *Metrics) ObserveReconcile(drifted bool) {
	if m == nil {
		return
	}
	m.ReconcileRuns.Inc()
	if drifted {
		m.ReconcileDrift.Inc()
	}
}
