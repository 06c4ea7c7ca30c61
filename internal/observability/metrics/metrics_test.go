package metrics

import (
	"testing"

	"github.com/prometheus/client_golang/prometheus"
)

func TestAutomationMetricsObserve(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewAutomationMetrics(reg)
	m.ObserveEvent("message", "processed")
	m.ObserveRuleRun("INBOUND_MESSAGE", "executed")
	m.ObserveOutbound("sent", false)
	m.ObserveFollowup(5, 0)
	m.ObserveWebhookLatency("message", 0.5)
}

func TestAutomationMetricsCustomRegistry(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewAutomationMetrics(reg)
	m.ObserveOutbound("sent", true)
}

func TestAutomationMetricsNilSafe(t *testing.T) {
	var m *AutomationMetrics
	m.ObserveEvent("message", "processed")
	m.ObserveRuleRun("INBOUND_MESSAGE", "executed")
	m.ObserveOutbound("sent", false)
	m.ObserveFollowup(0, 5)
	m.ObserveWebhookLatency("message", 0.1)
}
