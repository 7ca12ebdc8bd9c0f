package metrics

import "github.com/prometheus/client_golang/prometheus"

// ReconcileMetrics exposes counters/histograms for the payment
// reconciliation pipeline.
type ReconcileMetrics struct {
	webhookTotal     *prometheus.CounterVec
	statusCheckTotal *prometheus.CounterVec
	materializeTotal *prometheus.CounterVec
	webhookLatency   *prometheus.HistogramVec
}

func NewReconcileMetrics(reg prometheus.Registerer) *ReconcileMetrics {
	m := &ReconcileMetrics{
		webhookTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Subsystem: "reconcile",
			Name:      "webhook_events_total",
			Help:      "Total gateway webhook events received",
		}, []string{"event", "outcome"}),
		statusCheckTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Subsystem: "reconcile",
			Name:      "status_checks_total",
			Help:      "Total explicit payment status checks",
		}, []string{"outcome"}),
		materializeTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "booking",
			Subsystem: "reconcile",
			Name:      "materializations_total",
			Help:      "Total appointment materialization attempts",
		}, []string{"outcome"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "booking",
			Subsystem: "reconcile",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of webhook event processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.webhookTotal, m.statusCheckTotal, m.materializeTotal, m.webhookLatency)
	return m
}

func (m *ReconcileMetrics) ObserveWebhook(event, outcome string) {
	if m == nil {
		return
	}
	m.webhookTotal.WithLabelValues(event, outcome).Inc()
}

func (m *ReconcileMetrics) ObserveStatusCheck(outcome string) {
	if m == nil {
		return
	}
	m.statusCheckTotal.WithLabelValues(outcome).Inc()
}

func (m *ReconcileMetrics) ObserveMaterialization(outcome string) {
	if m == nil {
		return
	}
	m.materializeTotal.WithLabelValues(outcome).Inc()
}

func (m *ReconcileMetrics) ObserveWebhookLatency(event string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(event).Observe(seconds)
}
