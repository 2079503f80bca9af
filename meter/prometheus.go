package meter

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"github.com/ineyio/quotaguard"
)

// PrometheusMeter exports engine events as Prometheus metrics.
type PrometheusMeter struct {
	decisions    *prometheus.CounterVec
	denials      *prometheus.CounterVec
	degraded     *prometheus.CounterVec
	usage        *prometheus.CounterVec
	dependencies *prometheus.CounterVec
	duration     *prometheus.HistogramVec
}

var _ quotaguard.Meter = (*PrometheusMeter)(nil)

// NewPrometheusMeter registers the collectors with reg. A nil reg uses the
// default registerer.
func NewPrometheusMeter(reg prometheus.Registerer) *PrometheusMeter {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}
	f := promauto.With(reg)
	return &PrometheusMeter{
		decisions: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotaguard_decisions_total",
				Help: "Total number of access decisions",
			},
			[]string{"feature", "plan", "result"},
		),

		denials: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotaguard_denials_total",
				Help: "Total number of denied requests by reason",
			},
			[]string{"feature", "reason"},
		),

		degraded: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotaguard_degraded_total",
				Help: "Total number of gates that failed open",
			},
			[]string{"gate"},
		),

		usage: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotaguard_usage_records_total",
				Help: "Total number of usage records appended",
			},
			[]string{"provider", "byok", "result"},
		),

		dependencies: f.NewCounterVec(
			prometheus.CounterOpts{
				Name: "quotaguard_dependency_errors_total",
				Help: "Total number of backing store failures",
			},
			[]string{"dependency", "policy"},
		),

		duration: f.NewHistogramVec(
			prometheus.HistogramOpts{
				Name:    "quotaguard_decision_duration_seconds",
				Help:    "Duration of access evaluation in seconds",
				Buckets: prometheus.ExponentialBuckets(0.0001, 2, 14), // 100µs to ~1.6s
			},
			[]string{"result"},
		),
	}
}

func (m *PrometheusMeter) OnDecision(e quotaguard.DecisionEvent) {
	result := "granted"
	if !e.Granted {
		result = "denied"
		m.denials.WithLabelValues(e.Feature, string(e.Reason)).Inc()
	}
	m.decisions.WithLabelValues(e.Feature, e.Plan, result).Inc()
	m.duration.WithLabelValues(result).Observe(e.Duration.Seconds())
	for _, g := range e.Degraded {
		m.degraded.WithLabelValues(string(g)).Inc()
	}
}

func (m *PrometheusMeter) OnUsage(e quotaguard.UsageEvent) {
	result := "ok"
	if e.Error != nil {
		result = "error"
	}
	byok := "false"
	if e.Record.BYOK {
		byok = "true"
	}
	m.usage.WithLabelValues(e.Record.Provider, byok, result).Inc()
}

func (m *PrometheusMeter) OnDependencyError(e quotaguard.DependencyEvent) {
	m.dependencies.WithLabelValues(e.Dependency, string(e.Policy)).Inc()
}

// Multi fans events out to several meters.
type Multi []quotaguard.Meter

var _ quotaguard.Meter = Multi(nil)

func (m Multi) OnDecision(e quotaguard.DecisionEvent) {
	for _, x := range m {
		x.OnDecision(e)
	}
}

func (m Multi) OnUsage(e quotaguard.UsageEvent) {
	for _, x := range m {
		x.OnUsage(e)
	}
}

func (m Multi) OnDependencyError(e quotaguard.DependencyEvent) {
	for _, x := range m {
		x.OnDependencyError(e)
	}
}
