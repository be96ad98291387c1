package meter

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"

	"github.com/hardik936/llmgate"
)

// OtelMeter records events as OpenTelemetry instruments.
type OtelMeter struct {
	requests      metric.Int64Counter
	attempts      metric.Int64Counter
	rateLimited   metric.Int64Counter
	failovers     metric.Int64Counter
	quotaExceeded metric.Int64Counter
	transitions   metric.Int64Counter
	latency       metric.Float64Histogram
	tokens        metric.Int64Counter
}

var _ llmgate.Meter = (*OtelMeter)(nil)

// NewOtelMeter creates the instruments on m.
func NewOtelMeter(m metric.Meter) (*OtelMeter, error) {
	var (
		om  OtelMeter
		err error
	)

	if om.requests, err = m.Int64Counter(
		"llmgate.requests",
		metric.WithDescription("Total number of governed calls"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, err
	}
	if om.attempts, err = m.Int64Counter(
		"llmgate.attempts",
		metric.WithDescription("Total number of provider call attempts"),
		metric.WithUnit("{attempt}"),
	); err != nil {
		return nil, err
	}
	if om.rateLimited, err = m.Int64Counter(
		"llmgate.rate_limited",
		metric.WithDescription("Total number of rate limit timeouts"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, err
	}
	if om.failovers, err = m.Int64Counter(
		"llmgate.failovers",
		metric.WithDescription("Total number of provider failovers"),
		metric.WithUnit("{failover}"),
	); err != nil {
		return nil, err
	}
	if om.quotaExceeded, err = m.Int64Counter(
		"llmgate.quota_exceeded",
		metric.WithDescription("Total number of calls rejected by hard quota"),
		metric.WithUnit("{call}"),
	); err != nil {
		return nil, err
	}
	if om.transitions, err = m.Int64Counter(
		"llmgate.breaker.transitions",
		metric.WithDescription("Total number of circuit breaker state changes"),
		metric.WithUnit("{transition}"),
	); err != nil {
		return nil, err
	}
	if om.latency, err = m.Float64Histogram(
		"llmgate.request.duration_ms",
		metric.WithDescription("End-to-end call duration in milliseconds"),
		metric.WithUnit("ms"),
	); err != nil {
		return nil, err
	}
	if om.tokens, err = m.Int64Counter(
		"llmgate.tokens",
		metric.WithDescription("Tokens used by successful calls"),
		metric.WithUnit("{token}"),
	); err != nil {
		return nil, err
	}
	return &om, nil
}

func (m *OtelMeter) OnAdmission(e llmgate.AdmissionEvent) {
	if e.Allowed {
		return
	}
	ctx := context.Background()
	switch e.Kind {
	case llmgate.AdmissionRateLimit:
		m.rateLimited.Add(ctx, 1, metric.WithAttributes(attribute.String("llm.provider", e.Provider)))
	case llmgate.AdmissionQuota:
		m.quotaExceeded.Add(ctx, 1, metric.WithAttributes(
			attribute.String("llm.workflow_id", e.WorkflowID),
			attribute.String("llm.tenant_id", e.TenantID),
		))
	}
}

func (m *OtelMeter) OnAttempt(a llmgate.CallAttempt) {
	m.attempts.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("llm.provider", a.Provider),
		attribute.Bool("llm.success", a.Success),
	))
}

func (m *OtelMeter) OnFailover(e llmgate.FailoverEvent) {
	if e.To == "" {
		return
	}
	m.failovers.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("llm.from_provider", e.From),
		attribute.String("llm.to_provider", e.To),
	))
}

func (m *OtelMeter) OnResult(e llmgate.ResultEvent) {
	ctx := context.Background()
	opt := metric.WithAttributes(
		attribute.String("llm.provider", e.Provider),
		attribute.Bool("llm.success", e.Success),
	)
	m.requests.Add(ctx, 1, opt)
	m.latency.Record(ctx, float64(e.Latency.Milliseconds()), opt)
	if e.Success && e.TokensUsed > 0 {
		m.tokens.Add(ctx, e.TokensUsed, metric.WithAttributes(attribute.String("llm.provider", e.Provider)))
	}
}

func (m *OtelMeter) OnBreakerTransition(e llmgate.BreakerEvent) {
	m.transitions.Add(context.Background(), 1, metric.WithAttributes(
		attribute.String("llm.resource", e.Resource),
		attribute.String("llm.breaker.from", e.From.String()),
		attribute.String("llm.breaker.to", e.To.String()),
	))
}
