package meter

import (
	"net/http"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/hardik936/llmgate"
)

// PrometheusMeter exports events as Prometheus metrics on a private registry.
type PrometheusMeter struct {
	registry *prometheus.Registry

	RequestsTotal           *prometheus.CounterVec
	AttemptsTotal           *prometheus.CounterVec
	RateLimitedTotal        *prometheus.CounterVec
	FailoversTotal          *prometheus.CounterVec
	QuotaExceededTotal      *prometheus.CounterVec
	QuotaWarningsTotal      *prometheus.CounterVec
	BreakerTransitionsTotal *prometheus.CounterVec

	AvailableTokens *prometheus.GaugeVec
	QuotaRemaining  *prometheus.GaugeVec

	RequestLatency *prometheus.HistogramVec
}

var _ llmgate.Meter = (*PrometheusMeter)(nil)

// NewPrometheusMeter creates and registers all metrics on a private registry.
func NewPrometheusMeter() *PrometheusMeter {
	reg := prometheus.NewRegistry()

	m := &PrometheusMeter{
		registry: reg,

		RequestsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgate_requests_total",
			Help: "Total number of governed calls.",
		}, []string{"provider", "workflow", "tenant"}),

		AttemptsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgate_attempts_total",
			Help: "Total number of provider call attempts by outcome class.",
		}, []string{"provider", "class"}),

		RateLimitedTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgate_rate_limited_total",
			Help: "Total number of rate limit timeouts.",
		}, []string{"provider"}),

		FailoversTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgate_failovers_total",
			Help: "Total number of provider failovers.",
		}, []string{"from_provider", "to_provider"}),

		QuotaExceededTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgate_quota_exceeded_total",
			Help: "Total number of calls rejected by hard quota.",
		}, []string{"workflow", "tenant"}),

		QuotaWarningsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgate_quota_warnings_total",
			Help: "Total number of soft quota overages.",
		}, []string{"workflow", "tenant"}),

		BreakerTransitionsTotal: prometheus.NewCounterVec(prometheus.CounterOpts{
			Name: "llmgate_breaker_transitions_total",
			Help: "Total number of circuit breaker state changes.",
		}, []string{"resource", "from", "to"}),

		AvailableTokens: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "llmgate_available_tokens",
			Help: "Rate limit tokens available after the last admission.",
		}, []string{"provider"}),

		QuotaRemaining: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Name: "llmgate_quota_remaining",
			Help: "Quota tokens remaining in the current window.",
		}, []string{"scope"}),

		RequestLatency: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Name:    "llmgate_request_latency_seconds",
			Help:    "End-to-end latency of successful calls in seconds.",
			Buckets: prometheus.DefBuckets,
		}, []string{"provider"}),
	}

	reg.MustRegister(
		m.RequestsTotal,
		m.AttemptsTotal,
		m.RateLimitedTotal,
		m.FailoversTotal,
		m.QuotaExceededTotal,
		m.QuotaWarningsTotal,
		m.BreakerTransitionsTotal,
		m.AvailableTokens,
		m.QuotaRemaining,
		m.RequestLatency,
	)

	// Register Go runtime and process collectors.
	reg.MustRegister(collectors.NewGoCollector())
	reg.MustRegister(collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}))

	return m
}

// Registry returns the private Prometheus registry.
func (m *PrometheusMeter) Registry() *prometheus.Registry {
	return m.registry
}

// Handler serves the registry in the Prometheus exposition format.
func (m *PrometheusMeter) Handler() http.Handler {
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{})
}

func (m *PrometheusMeter) OnAdmission(e llmgate.AdmissionEvent) {
	switch e.Kind {
	case llmgate.AdmissionRateLimit:
		m.AvailableTokens.WithLabelValues(e.Provider).Set(e.AvailableTokens)
		if !e.Allowed {
			m.RateLimitedTotal.WithLabelValues(e.Provider).Inc()
		}
	case llmgate.AdmissionQuota:
		for _, q := range e.Quota {
			m.QuotaRemaining.WithLabelValues(q.Scope.Key()).Set(float64(q.TokensRemaining))
		}
		if !e.Allowed {
			m.QuotaExceededTotal.WithLabelValues(e.WorkflowID, e.TenantID).Inc()
		}
		if e.Warning {
			m.QuotaWarningsTotal.WithLabelValues(e.WorkflowID, e.TenantID).Inc()
		}
	}
}

func (m *PrometheusMeter) OnAttempt(a llmgate.CallAttempt) {
	class := "success"
	if !a.Success {
		class = a.Class.String()
	}
	m.AttemptsTotal.WithLabelValues(a.Provider, class).Inc()
}

// OnFailover counts hand-offs only; the last failed candidate has no To.
func (m *PrometheusMeter) OnFailover(e llmgate.FailoverEvent) {
	if e.To == "" {
		return
	}
	m.FailoversTotal.WithLabelValues(e.From, e.To).Inc()
}

func (m *PrometheusMeter) OnResult(e llmgate.ResultEvent) {
	m.RequestsTotal.WithLabelValues(e.Provider, e.WorkflowID, e.TenantID).Inc()
	if e.Success {
		m.RequestLatency.WithLabelValues(e.Provider).Observe(e.Latency.Seconds())
	}
}

func (m *PrometheusMeter) OnBreakerTransition(e llmgate.BreakerEvent) {
	m.BreakerTransitionsTotal.WithLabelValues(e.Resource, e.From.String(), e.To.String()).Inc()
}
