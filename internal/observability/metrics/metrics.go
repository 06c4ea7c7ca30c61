package metrics

import "github.com/prometheus/client_golang/prometheus"

// AutomationMetrics exposes counters/histograms for the engagement pipeline.
type AutomationMetrics struct {
	eventsTotal    *prometheus.CounterVec
	rulesTotal     *prometheus.CounterVec
	outboundTotal  *prometheus.CounterVec
	followupsTotal *prometheus.CounterVec
	webhookLatency *prometheus.HistogramVec
}

func NewAutomationMetrics(reg prometheus.Registerer) *AutomationMetrics {
	m := &AutomationMetrics{
		eventsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gulfbridge",
			Subsystem: "automation",
			Name:      "events_total",
			Help:      "Normalized webhook events by outcome",
		}, []string{"event_type", "outcome"}),
		rulesTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gulfbridge",
			Subsystem: "automation",
			Name:      "rule_runs_total",
			Help:      "Rule evaluations by result status",
		}, []string{"trigger", "status"}),
		outboundTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gulfbridge",
			Subsystem: "automation",
			Name:      "outbound_total",
			Help:      "Outbound dispatch attempts",
		}, []string{"status", "duplicate"}),
		followupsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: "gulfbridge",
			Subsystem: "automation",
			Name:      "followup_tasks_total",
			Help:      "Follow-up cadence tasks by outcome",
		}, []string{"outcome"}),
		webhookLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: "gulfbridge",
			Subsystem: "automation",
			Name:      "webhook_latency_seconds",
			Help:      "Latency of webhook ingest processing",
			Buckets:   prometheus.DefBuckets,
		}, []string{"event_type"}),
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	reg.MustRegister(m.eventsTotal, m.rulesTotal, m.outboundTotal, m.followupsTotal, m.webhookLatency)
	return m
}

// ObserveEvent records a normalized event outcome (processed, duplicate, dropped).
func (m *AutomationMetrics) ObserveEvent(eventType, outcome string) {
	if m == nil {
		return
	}
	m.eventsTotal.WithLabelValues(eventType, outcome).Inc()
}

// ObserveRuleRun records the status of one rule evaluation.
func (m *AutomationMetrics) ObserveRuleRun(trigger, status string) {
	if m == nil {
		return
	}
	m.rulesTotal.WithLabelValues(trigger, status).Inc()
}

func (m *AutomationMetrics) ObserveOutbound(status string, duplicate bool) {
	if m == nil {
		return
	}
	label := "false"
	if duplicate {
		label = "true"
	}
	m.outboundTotal.WithLabelValues(status, label).Inc()
}

func (m *AutomationMetrics) ObserveFollowup(created, skipped int) {
	if m == nil {
		return
	}
	m.followupsTotal.WithLabelValues("created").Add(float64(created))
	m.followupsTotal.WithLabelValues("skipped").Add(float64(skipped))
}

func (m *AutomationMetrics) ObserveWebhookLatency(eventType string, seconds float64) {
	if m == nil {
		return
	}
	m.webhookLatency.WithLabelValues(eventType).Observe(seconds)
}
