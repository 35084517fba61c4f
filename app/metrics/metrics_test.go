package metrics

import (
	"errors"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
)

func TestMetricsCounters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveWebhookEvent("payment.captured", OutcomeProcessed)
	m.ObserveWebhookEvent("payment.captured", OutcomeProcessed)
	m.ObserveWebhookEvent("payment.captured", OutcomeDuplicate)
	m.ObserveRecovery("invoices", "gateway_payment")
	m.ObserveAutoChargeFailure("subscription.halted")

	assert.Equal(t, 2.0, testutil.ToFloat64(m.webhookEvents.WithLabelValues("payment.captured", OutcomeProcessed)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.webhookEvents.WithLabelValues("payment.captured", OutcomeDuplicate)))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.reconcileRecoveries.WithLabelValues("invoices", "gateway_payment")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.autoChargeFailures.WithLabelValues("subscription.halted")))
}

func TestObserveJobCountsErrors(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := New(reg)

	m.ObserveJob("expire", time.Second, nil)
	m.ObserveJob("expire", time.Second, errors.New("boom"))

	assert.Equal(t, 2.0, testutil.ToFloat64(m.jobRuns.WithLabelValues("expire")))
	assert.Equal(t, 1.0, testutil.ToFloat64(m.jobErrors.WithLabelValues("expire")))
	assert.Equal(t, 1, testutil.CollectAndCount(m.jobDuration))
}

func TestNilMetricsIsNoop(t *testing.T) {
	var m *Metrics
	m.ObserveWebhookEvent("payment.failed", OutcomeFailed)
	m.ObserveJob("daily", time.Second, nil)
	m.ObserveDownstream("renderer", nil)
}
