package observability

import (
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"support-agent/internal/domain"
)

// Metrics holds the Prometheus collectors for the debounce pipeline.
type Metrics struct {
	// Registry owns these metrics; the /metrics endpoint serves it.
	Registry *prometheus.Registry

	transitions      *prometheus.CounterVec
	dispatchDuration *prometheus.HistogramVec
	externalErrors   *prometheus.CounterVec
	fallbacks        *prometheus.CounterVec
}

// NewMetrics registers all collectors in a private registry so that building
// more than one Metrics (tests, two entry points) never panics.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)

	return &Metrics{
		Registry: reg,

		transitions: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "support_agent_state_transitions_total",
				Help: "Conversation state transitions by target state.",
			},
			[]string{"state"},
		),
		dispatchDuration: factory.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "support_agent_dispatch_duration_seconds",
				Help:    "Time from consuming a batch to its terminal state.",
				Buckets: prometheus.DefBuckets,
			},
			[]string{"outcome"},
		),
		externalErrors: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "support_agent_external_errors_total",
				Help: "Errors from external collaborators.",
			},
			[]string{"service"},
		),
		fallbacks: factory.NewCounterVec(
			prometheus.CounterOpts{
				Name: "support_agent_fallbacks_total",
				Help: "Fallback messages substituted, by cause.",
			},
			[]string{"cause"},
		),
	}
}

// RecordTransition counts a move into state.
func (m *Metrics) RecordTransition(state domain.State) {
	m.transitions.WithLabelValues(string(state)).Inc()
}

// RecordDispatch observes how long a scheduled consolidation took.
func (m *Metrics) RecordDispatch(outcome domain.State, d time.Duration) {
	m.dispatchDuration.WithLabelValues(string(outcome)).Observe(d.Seconds())
}

func (m *Metrics) IncrExternalError(service string) {
	m.externalErrors.WithLabelValues(service).Inc()
}

func (m *Metrics) IncrFallback(cause string) {
	m.fallbacks.WithLabelValues(cause).Inc()
}
