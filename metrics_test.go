package authcore

import (
	"strings"
	"testing"

	"github.com/prometheus/client_golang/prometheus"
	dto "github.com/prometheus/client_model/go"
)

func gatherValue(t *testing.T, reg *prometheus.Registry, name string, labels map[string]string) float64 {
	t.Helper()
	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if mf.GetName() != name {
			continue
		}
	metric:
		for _, m := range mf.GetMetric() {
			for k, v := range labels {
				if !hasLabel(m, k, v) {
					continue metric
				}
			}
			if c := m.GetCounter(); c != nil {
				return c.GetValue()
			}
		}
	}
	return 0
}

func hasLabel(m *dto.Metric, key, value string) bool {
	for _, lp := range m.GetLabel() {
		if lp.GetName() == key && lp.GetValue() == value {
			return true
		}
	}
	return false
}

func TestNilMetricsAreSafe(t *testing.T) {
	var m *Metrics
	m.login("success")
	m.rotation("failure")
	m.replay()
	m.limited("login")
	m.revoked()
	m.risk(42)
	m.contextBuild("anonymous")
}

func TestDisabledMetricsReturnNil(t *testing.T) {
	if m := newMetrics(MetricsConfig{Enabled: false}, prometheus.NewRegistry(), nil); m != nil {
		t.Fatal("disabled metrics config produced instruments")
	}
}

func TestMetricsRegisterAndCount(t *testing.T) {
	reg := prometheus.NewRegistry()
	dropped := uint64(3)
	m := newMetrics(MetricsConfig{Enabled: true}, reg, func() float64 {
		return float64(dropped)
	})

	m.login("success")
	m.login("success")
	m.login("failure")
	m.replay()
	m.limited("refresh")

	if got := gatherValue(t, reg, "authcore_login_total", map[string]string{"outcome": "success"}); got != 2 {
		t.Fatalf("login success count = %v, want 2", got)
	}
	if got := gatherValue(t, reg, "authcore_login_total", map[string]string{"outcome": "failure"}); got != 1 {
		t.Fatalf("login failure count = %v, want 1", got)
	}
	if got := gatherValue(t, reg, "authcore_replay_detected_total", nil); got != 1 {
		t.Fatalf("replay count = %v, want 1", got)
	}
	if got := gatherValue(t, reg, "authcore_rate_limited_total", map[string]string{"operation": "refresh"}); got != 1 {
		t.Fatalf("rate limited count = %v, want 1", got)
	}
	if got := gatherValue(t, reg, "authcore_audit_events_dropped_total", nil); got != 3 {
		t.Fatalf("dropped gauge = %v, want 3", got)
	}
}

func TestMetricsNamespaceOverride(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := newMetrics(MetricsConfig{Enabled: true, Namespace: "lumo"}, reg, nil)
	m.login("success")

	families, err := reg.Gather()
	if err != nil {
		t.Fatal(err)
	}
	for _, mf := range families {
		if !strings.HasPrefix(mf.GetName(), "lumo_") {
			t.Fatalf("metric %q not namespaced", mf.GetName())
		}
	}
}
