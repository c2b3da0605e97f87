// Package metrics exposes Prometheus counters for authentication outcomes.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics groups the collectors. A nil *Metrics is valid and records nothing.
type Metrics struct {
	SignIns            *prometheus.CounterVec
	TwoFactorChecks    *prometheus.CounterVec
	SessionsCreated    prometheus.Counter
	SessionsTerminated *prometheus.CounterVec
	AuditWriteFailures prometheus.Counter
	Lockouts           prometheus.Counter
}

// New registers the collectors with reg.
func New(reg prometheus.Registerer) *Metrics {
	f := promauto.With(reg)
	return &Metrics{
		SignIns: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authguard_sign_ins_total",
				Help: "Sign-in attempts by outcome",
			},
			[]string{"outcome"},
		),
		TwoFactorChecks: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authguard_two_factor_checks_total",
				Help: "Second factor verifications by method and outcome",
			},
			[]string{"method", "outcome"},
		),
		SessionsCreated: f.NewCounter(prometheus.CounterOpts{
			Name: "authguard_sessions_created_total",
			Help: "Sessions established",
		}),
		SessionsTerminated: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "authguard_sessions_terminated_total",
				Help: "Sessions terminated by reason",
			},
			[]string{"reason"},
		),
		AuditWriteFailures: f.NewCounter(prometheus.CounterOpts{
			Name: "authguard_audit_write_failures_total",
			Help: "Security events that could not be persisted",
		}),
		Lockouts: f.NewCounter(prometheus.CounterOpts{
			Name: "authguard_lockouts_total",
			Help: "Accounts locked after repeated failures",
		}),
	}
}

func (m *Metrics) SignIn(outcome string) {
	if m == nil {
		return
	}
	m.SignIns.WithLabelValues(outcome).Inc()
}

func (m *Metrics) TwoFactor(method, outcome string) {
	if m == nil {
		return
	}
	m.TwoFactorChecks.WithLabelValues(method, outcome).Inc()
}

func (m *Metrics) SessionCreated() {
	if m == nil {
		return
	}
	m.SessionsCreated.Inc()
}

func (m *Metrics) SessionTerminated(reason string) {
	if m == nil {
		return
	}
	m.SessionsTerminated.WithLabelValues(reason).Inc()
}

func (m *Metrics) AuditFailure() {
	if m == nil {
		return
	}
	m.AuditWriteFailures.Inc()
}

func (m *Metrics) Lockout() {
	if m == nil {
		return
	}
	m.Lockouts.Inc()
}
