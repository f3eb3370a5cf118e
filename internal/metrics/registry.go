package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
)

// Registry holds the trust core's Prometheus collectors.
type Registry struct {
	// Audit metrics
	AuditEventsLogged  *prometheus.CounterVec // labels: result
	AuditWriteFailures prometheus.Counter
	AlertsRaised       *prometheus.CounterVec // labels: type, severity
	AlertsSuppressed   prometheus.Counter

	// MFA metrics
	MFAVerifications *prometheus.CounterVec // labels: method, result
	MFALockouts      prometheus.Counter
}

// NewRegistry creates and registers all trust core collectors. Passing nil
// uses the default Prometheus registerer.
func NewRegistry(reg prometheus.Registerer) *Registry {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	factory := prometheus.WrapRegistererWithPrefix("trustcore_", reg)

	r := &Registry{
		AuditEventsLogged: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "audit_events_logged_total",
			Help: "Audit events logged, by outcome of the audited action.",
		}, []string{"result"}),
		AuditWriteFailures: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "audit_write_failures_total",
			Help: "Audit events that failed to persist and were dropped.",
		}),
		AlertsRaised: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "security_alerts_raised_total",
			Help: "Security alerts raised, by type and severity.",
		}, []string{"type", "severity"}),
		AlertsSuppressed: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "security_alerts_suppressed_total",
			Help: "Security alerts suppressed by the dedup window.",
		}),
		MFAVerifications: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "mfa_verifications_total",
			Help: "MFA verification attempts, by method and result.",
		}, []string{"method", "result"}),
		MFALockouts: prometheus.NewCounter(prometheus.CounterOpts{
			Name: "mfa_lockouts_total",
			Help: "Accounts that reached the MFA lockout threshold.",
		}),
	}

	factory.MustRegister(
		r.AuditEventsLogged,
		r.AuditWriteFailures,
		r.AlertsRaised,
		r.AlertsSuppressed,
		r.MFAVerifications,
		r.MFALockouts,
	)

	return r
}

// NewNopRegistry returns collectors backed by a throwaway registry, for
// tests and callers that do not export metrics.
func NewNopRegistry() *Registry {
	return NewRegistry(prometheus.NewRegistry())
}
