package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
)

const namespace = "subscriptions"

const (
	OutcomeProcessed = "processed"
	OutcomeDuplicate = "duplicate"
	OutcomeIgnored   = "ignored"
	OutcomeFailed    = "failed"
)

// Metrics groups the service counters. A nil *Metrics is a valid no-op.
type Metrics struct {
	webhookEvents        *prometheus.CounterVec
	reconcileRecoveries  *prometheus.CounterVec
	reconcileUnresolved  *prometheus.CounterVec
	jobRuns              *prometheus.CounterVec
	jobErrors            *prometheus.CounterVec
	jobDuration          *prometheus.HistogramVec
	autoChargeFailures   *prometheus.CounterVec
	downstreamDispatches *prometheus.CounterVec
}

func New(registerer prometheus.Registerer) *Metrics {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &Metrics{
		webhookEvents: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "webhook_events_total",
			Help:      "Gateway webhook events by type and processing outcome.",
		}, []string{"event_type", "outcome"}),
		reconcileRecoveries: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_recoveries_total",
			Help:      "Payments recovered by the reconciliation sweeps.",
		}, []string{"sweep", "strategy"}),
		reconcileUnresolved: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "reconcile_unresolved_total",
			Help:      "Reconciliation candidates left unresolved after all strategies.",
		}, []string{"sweep"}),
		jobRuns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_runs_total",
			Help:      "Lifecycle job runs.",
		}, []string{"job"}),
		jobErrors: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "job_errors_total",
			Help:      "Lifecycle job runs that returned an error.",
		}, []string{"job"}),
		jobDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "job_duration_seconds",
			Help:      "Lifecycle job duration.",
			Buckets:   []float64{0.1, 0.5, 1, 5, 15, 30, 60, 300, 900},
		}, []string{"job"}),
		autoChargeFailures: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "auto_charge_failures_total",
			Help:      "Mandate auto-charge failure signals by gateway event.",
		}, []string{"event_type"}),
		downstreamDispatches: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "downstream_dispatches_total",
			Help:      "Fire-and-forget downstream calls by target and outcome.",
		}, []string{"target", "outcome"}),
	}

	registerer.MustRegister(
		m.webhookEvents,
		m.reconcileRecoveries,
		m.reconcileUnresolved,
		m.jobRuns,
		m.jobErrors,
		m.jobDuration,
		m.autoChargeFailures,
		m.downstreamDispatches,
	)
	return m
}

func (m *Metrics) ObserveWebhookEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.webhookEvents.WithLabelValues(eventType, outcome).Inc()
}

func (m *Metrics) ObserveRecovery(sweep, strategy string) {
	if m == nil {
		return
	}
	m.reconcileRecoveries.WithLabelValues(sweep, strategy).Inc()
}

func (m *Metrics) ObserveUnresolved(sweep string) {
	if m == nil {
		return
	}
	m.reconcileUnresolved.WithLabelValues(sweep).Inc()
}

func (m *Metrics) ObserveJob(job string, duration time.Duration, err error) {
	if m == nil {
		return
	}
	m.jobRuns.WithLabelValues(job).Inc()
	m.jobDuration.WithLabelValues(job).Observe(duration.Seconds())
	if err != nil {
		m.jobErrors.WithLabelValues(job).Inc()
	}
}

func (m *Metrics) ObserveAutoChargeFailure(eventType string) {
	if m == nil {
		return
	}
	m.autoChargeFailures.WithLabelValues(eventType).Inc()
}

func (m *Metrics) ObserveDownstream(target string, err error) {
	if m == nil {
		return
	}
	outcome := OutcomeProcessed
	if err != nil {
		outcome = OutcomeFailed
	}
	m.downstreamDispatches.WithLabelValues(target, outcome).Inc()
}
