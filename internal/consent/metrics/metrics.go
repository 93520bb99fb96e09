package metrics

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

// Metrics provides observability for the consent engine.
type Metrics struct {
	// Decision transitions by action (granted, denied, withdrawn, version_upgraded, noop, skipped)
	DecisionTransitions *prometheus.CounterVec

	// Satisfaction check outcomes by result (satisfied, unsatisfied)
	SatisfactionChecks *prometheus.CounterVec

	// Version activations by outcome (ok, not_found, no_localizations, error)
	VersionActivations *prometheus.CounterVec

	// Salt store degradations (fallback to tenant-id salt)
	SaltFallbacks prometheus.Counter

	// Requirement resolution latency
	ResolveLatency prometheus.Histogram
}

// New creates a Metrics instance with all consent engine metrics registered.
func New() *Metrics {
	return &Metrics{
		DecisionTransitions: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "consentry_decision_transitions_total",
			Help: "Total consent decision state transitions by action",
		}, []string{"action"}),

		SatisfactionChecks: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "consentry_satisfaction_checks_total",
			Help: "Total satisfaction checks by result",
		}, []string{"result"}),

		VersionActivations: promauto.NewCounterVec(prometheus.CounterOpts{
			Name: "consentry_version_activations_total",
			Help: "Total version activation attempts by outcome",
		}, []string{"outcome"}),

		SaltFallbacks: promauto.NewCounter(prometheus.CounterOpts{
			Name: "consentry_salt_fallbacks_total",
			Help: "Total IP-hash salt lookups that fell back to the tenant id",
		}),

		ResolveLatency: promauto.NewHistogram(prometheus.HistogramOpts{
			Name:    "consentry_resolve_requirements_duration_seconds",
			Help:    "Duration of full requirement resolution per request",
			Buckets: []float64{0.005, 0.01, 0.025, 0.05, 0.1, 0.25, 0.5, 1},
		}),
	}
}

// IncrementTransition records one decision state transition.
func (m *Metrics) IncrementTransition(action string) {
	if m != nil {
		m.DecisionTransitions.WithLabelValues(action).Inc()
	}
}

// IncrementSatisfaction records a satisfaction check outcome.
func (m *Metrics) IncrementSatisfaction(result string) {
	if m != nil {
		m.SatisfactionChecks.WithLabelValues(result).Inc()
	}
}

// IncrementActivation records a version activation attempt.
func (m *Metrics) IncrementActivation(outcome string) {
	if m != nil {
		m.VersionActivations.WithLabelValues(outcome).Inc()
	}
}

// IncrementSaltFallback records one degraded salt lookup.
func (m *Metrics) IncrementSaltFallback() {
	if m != nil {
		m.SaltFallbacks.Inc()
	}
}

// ObserveResolveLatency records the duration of one requirement resolution.
func (m *Metrics) ObserveResolveLatency(d time.Duration) {
	if m != nil {
		m.ResolveLatency.Observe(d.Seconds())
	}
}
