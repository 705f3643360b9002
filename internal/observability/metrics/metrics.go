package metrics

import "github.com/prometheus/client_golang/prometheus"

// WorkflowMetrics exposes counters/histograms for the booking and no-show flows.
type WorkflowMetrics struct {
	bookingsTotal     *prometheus.CounterVec
	noShowStates      *prometheus.CounterVec
	refundsTotal      *prometheus.CounterVec
	refundLatency     *prometheus.HistogramVec
	reconcileTotal    *prometheus.CounterVec
	notificationsSent *prometheus.CounterVec
}

func NewWorkflowMetrics(reg prometheus.Registerer) *WorkflowMetrics {
	m := &WorkflowMetrics{
		bookingsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wellness",
			Subsystem: "booking",
			Name:      "completions_total",
			Help:      "Booking wizard payment outcomes",
		}, []string{"outcome"}),
		noShowStates: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wellness",
			Subsystem: "noshow",
			Name:      "evaluations_total",
			Help:      "No-show evaluations by resulting state and source",
		}, []string{"state", "source"}),
		refundsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wellness",
			Subsystem: "refunds",
			Name:      "processed_total",
			Help:      "Refund processor outcomes by payment path",
		}, []string{"path", "outcome"}),
		refundLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "wellness",
			Subsystem: "refunds",
			Name:      "latency_seconds",
			Help:      "Latency of refund processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"path"}),
		reconcileTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wellness",
			Subsystem: "reconcile",
			Name:      "jobs_total",
			Help:      "Booking reconciliation job outcomes",
		}, []string{"outcome"}),
		notificationsSent: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "wellness",
			Subsystem: "notify",
			Name:      "sent_total",
			Help:      "Notifications emitted by kind and channel",
		}, []string{"kind", "channel"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.bookingsTotal, m.noShowStates, m.refundsTotal, m.refundLatency, m.reconcileTotal, m.notificationsSent)
	return m
}

func (m *WorkflowMetrics) ObserveBooking(outcome string) {
	if m == nil {
		return
	}
	m.bookingsTotal.WithLabelValues(outcome).Inc()
}

func (m *WorkflowMetrics) ObserveNoShowState(state, source string) {
	if m == nil {
		return
	}
	m.noShowStates.WithLabelValues(state, source).Inc()
}

func (m *WorkflowMetrics) ObserveRefund(path, outcome string, seconds float64) {
	if m == nil {
		return
	}
	if path == "" {
		path = "none"
	}
	m.refundsTotal.WithLabelValues(path, outcome).Inc()
	m.refundLatency.WithLabelValues(path).Observe(seconds)
}

func (m *WorkflowMetrics) ObserveReconcile(outcome string) {
	if m == nil {
		return
	}
	m.reconcileTotal.WithLabelValues(outcome).Inc()
}

func (m *WorkflowMetrics) ObserveNotification(kind, channel string) {
	if m == nil {
		return
	}
	m.notificationsSent.WithLabelValues(kind, channel).Inc()
}
