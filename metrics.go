package authcore

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Metrics holds the Prometheus instruments the engine updates. All
// methods are nil-receiver safe so disabled metrics cost one branch.
type Metrics struct {
	loginTotal    *prometheus.CounterVec
	rotationTotal *prometheus.CounterVec
	replayTotal   prometheus.Counter
	rateLimited   *prometheus.CounterVec
	revokedTotal  prometheus.Counter
	riskScore     prometheus.Histogram
	contextBuilds *prometheus.CounterVec
	auditDropped  prometheus.CounterFunc
}

func newMetrics(cfg MetricsConfig, reg prometheus.Registerer, droppedFn func() float64) *Metrics {
	if !cfg.Enabled {
		return nil
	}
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	ns := cfg.Namespace
	if ns == "" {
		ns = "authcore"
	}

	m := &Metrics{
		loginTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "login_total",
			Help:      "Login attempts by outcome.",
		}, []string{"outcome"}),
		rotationTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "rotation_total",
			Help:      "Refresh credential rotations by outcome.",
		}, []string{"outcome"}),
		replayTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "replay_detected_total",
			Help:      "Superseded refresh credentials presented again.",
		}),
		rateLimited: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "rate_limited_total",
			Help:      "Requests rejected by a rate-limit window.",
		}, []string{"operation"}),
		revokedTotal: prometheus.NewCounter(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "revocations_total",
			Help:      "Refresh credentials revoked by logout or replay response.",
		}),
		riskScore: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: ns,
			Name:      "risk_score",
			Help:      "Risk scores of authentication attempts.",
			Buckets:   prometheus.LinearBuckets(0, 10, 11),
		}),
		contextBuilds: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "context_builds_total",
			Help:      "Security context builds by outcome.",
		}, []string{"outcome"}),
	}
	if droppedFn != nil {
		m.auditDropped = prometheus.NewCounterFunc(prometheus.CounterOpts{
			Namespace: ns,
			Name:      "audit_events_dropped_total",
			Help:      "Audit events shed by the bounded dispatcher.",
		}, droppedFn)
	}

	reg.MustRegister(m.loginTotal, m.rotationTotal, m.replayTotal,
		m.rateLimited, m.revokedTotal, m.riskScore, m.contextBuilds)
	if m.auditDropped != nil {
		reg.MustRegister(m.auditDropped)
	}
	return m
}

func (m *Metrics) login(outcome string) {
	if m == nil {
		return
	}
	m.loginTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) rotation(outcome string) {
	if m == nil {
		return
	}
	m.rotationTotal.WithLabelValues(outcome).Inc()
}

func (m *Metrics) replay() {
	if m == nil {
		return
	}
	m.replayTotal.Inc()
}

func (m *Metrics) limited(operation string) {
	if m == nil {
		return
	}
	m.rateLimited.WithLabelValues(operation).Inc()
}

func (m *Metrics) revoked() {
	if m == nil {
		return
	}
	m.revokedTotal.Inc()
}

func (m *Metrics) risk(score int) {
	if m == nil {
		return
	}
	m.riskScore.Observe(float64(score))
}

func (m *Metrics) contextBuild(outcome string) {
	if m == nil {
		return
	}
	m.contextBuilds.WithLabelValues(outcome).Inc()
}
