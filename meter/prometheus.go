package meter

import (
	"github.com/prometheus/client_golang/prometheus"

	relay "github.com/fixci/relay"
)

// PrometheusMeter exports dispatch and admission counters.
type PrometheusMeter struct {
	attempts   *prometheus.CounterVec
	results    *prometheus.CounterVec
	duration   *prometheus.HistogramVec
	tokens     *prometheus.CounterVec
	cost       *prometheus.CounterVec
	admissions *prometheus.CounterVec
}

var _ relay.Meter = (*PrometheusMeter)(nil)

// NewPrometheusMeter registers the relay collectors with registerer.
// A nil registerer means prometheus.DefaultRegisterer.
func NewPrometheusMeter(registerer prometheus.Registerer) *PrometheusMeter {
	if registerer == nil {
		registerer = prometheus.DefaultRegisterer
	}

	m := &PrometheusMeter{
		attempts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_dispatch_attempts_total",
			Help: "Backend invocations by provider and tier.",
		}, []string{"provider", "tier"}),
		results: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_dispatch_results_total",
			Help: "Backend outcomes by provider and error class.",
		}, []string{"provider", "outcome", "class"}),
		duration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "relay_dispatch_duration_seconds",
			Help:    "Backend call latency.",
			Buckets: []float64{0.25, 0.5, 1, 2.5, 5, 10, 20, 30, 60, 120},
		}, []string{"provider"}),
		tokens: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_tokens_total",
			Help: "Tokens reported by backends.",
		}, []string{"provider", "direction"}),
		cost: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_backend_cost_usd_total",
			Help: "Estimated backend spend in USD.",
		}, []string{"provider"}),
		admissions: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "relay_admissions_total",
			Help: "Admission decisions by tier and code.",
		}, []string{"tier", "code"}),
	}

	registerer.MustRegister(
		m.attempts,
		m.results,
		m.duration,
		m.tokens,
		m.cost,
		m.admissions,
	)
	return m
}

func (m *PrometheusMeter) OnAttempt(e relay.AttemptEvent) {
	m.attempts.WithLabelValues(e.Provider, string(e.Tier)).Inc()
}

func (m *PrometheusMeter) OnResult(e relay.ResultEvent) {
	outcome := "success"
	if !e.Success {
		outcome = "failure"
	}
	m.results.WithLabelValues(e.Provider, outcome, errorClass(e.Error)).Inc()
	m.duration.WithLabelValues(e.Provider).Observe(e.Duration.Seconds())
	if !e.Success {
		return
	}
	m.tokens.WithLabelValues(e.Provider, "input").Add(float64(e.Usage.InputTokens))
	m.tokens.WithLabelValues(e.Provider, "output").Add(float64(e.Usage.OutputTokens))
	cost, _ := e.CostUSD.Float64()
	m.cost.WithLabelValues(e.Provider).Add(cost)
}

func (m *PrometheusMeter) OnAdmission(e relay.AdmissionEvent) {
	m.admissions.WithLabelValues(string(e.Tier), e.Code).Inc()
}
