package llmgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"
)

// ProviderFunc runs one call against provider, including its own retries.
type ProviderFunc func(ctx context.Context, provider string) (CallResult, error)

// FailoverResult describes how ExecuteWithFailover reached its outcome.
type FailoverResult struct {
	Provider         string
	Result           CallResult
	FailoverAttempts int
	Failures         []ProviderFailure
}

// ProviderStatus is the introspection view of one configured provider.
type ProviderStatus struct {
	Name          string        `json:"name"`
	Priority      int           `json:"priority"`
	CostPerToken  float64       `json:"cost_per_token"`
	Latency       time.Duration `json:"latency"`
	Health        string        `json:"health"`
	DegradedUntil time.Time     `json:"degraded_until,omitzero"`
	Breaker       CircuitState  `json:"breaker"`
	SpendToday    float64       `json:"spend_today"`
	TokensToday   int64         `json:"tokens_today"`
}

// ProviderRouter orders providers for a call and fails over between them.
type ProviderRouter struct {
	cfg     Config
	health  *HealthTracker
	breaker *CircuitBreaker
	spend   *SpendTracker
	backoff Backoff
	clock   Clock
	logger  *slog.Logger
	meter   Meter
}

// NewProviderRouter creates a ProviderRouter. Breaker state is consulted to
// skip OPEN providers. WithClock, WithLogger, WithMeter, WithHealthTracker
// and WithJitterSource apply.
func NewProviderRouter(cfg Config, breaker *CircuitBreaker, opts ...Option) *ProviderRouter {
	o := buildOptions(opts)
	cfg = cfg.withDefaults()
	return &ProviderRouter{
		cfg:     cfg,
		health:  o.health,
		breaker: breaker,
		spend:   NewSpendTracker(o.clock),
		backoff: BackoffFromConfig(cfg.Retry).WithRand(o.rand),
		clock:   o.clock,
		logger:  o.logger,
		meter:   o.meter,
	}
}

// Select returns the providers to try, in order. Providers that are cooling
// down or whose breaker is OPEN are left out. An empty candidates list means
// every configured provider. An empty policy uses routing.policy. Under
// PolicyPrimary a healthy preferred provider goes first.
func (r *ProviderRouter) Select(ctx context.Context, p RoutingPolicy, candidates []string, preferred string) ([]string, error) {
	if p == "" {
		p = r.cfg.Routing.Policy
	}
	if !p.Valid() {
		return nil, &ConfigError{Field: "policy", Reason: fmt.Sprintf("invalid policy %q", p)}
	}

	built, err := buildCandidates(r.cfg, r.health, candidates)
	if err != nil {
		return nil, err
	}
	healthy, err := filterCandidates(ctx, built, r.health, r.breaker)
	if err != nil {
		return nil, err
	}
	if len(healthy) == 0 {
		return nil, ErrNoCandidates
	}

	ordered := p.orderer().Order(healthy)
	names := make([]string, 0, len(ordered))
	if p == PolicyPrimary && preferred != "" {
		for _, c := range ordered {
			if c.Name == preferred {
				names = append(names, preferred)
				break
			}
		}
	}
	for _, c := range ordered {
		if len(names) > 0 && c.Name == names[0] {
			continue
		}
		names = append(names, c.Name)
	}
	return names, nil
}

// ExecuteWithFailover calls fn for each provider in order, at most
// maxAttempts of them (routing.max_attempts when not positive), until one
// succeeds. A transient failure marks the provider degraded for its cooldown
// before moving on; an open circuit or a rate limit timeout moves on without
// marking it. A fatal error is returned as is. When every provider has
// failed the error is an *AllProvidersExhaustedError.
func (r *ProviderRouter) ExecuteWithFailover(ctx context.Context, order []string, maxAttempts int, fn ProviderFunc) (FailoverResult, error) {
	var res FailoverResult
	if len(order) == 0 {
		return res, ErrNoCandidates
	}
	if maxAttempts <= 0 {
		maxAttempts = r.cfg.Routing.MaxAttempts
	}
	n := min(len(order), maxAttempts)

	for i := 0; i < n; i++ {
		provider := order[i]
		if i > 0 {
			if err := sleep(ctx, r.clock, r.backoff.Delay(i-1)); err != nil {
				return res, err
			}
		}

		out, err := fn(ctx, provider)
		if err == nil {
			res.Provider = provider
			res.Result = out
			return res, nil
		}
		if ctx.Err() != nil {
			return res, err
		}

		failure, degrade, ok := r.failure(provider, err)
		if !ok {
			return res, err
		}
		if degrade {
			r.markDegraded(provider)
		}
		res.Failures = append(res.Failures, failure)

		next := ""
		if i+1 < n {
			next = order[i+1]
			res.FailoverAttempts++
		}
		r.logger.Warn("provider failed",
			"provider", provider,
			"reason", failure.Reason,
			"next", next,
			"error", err,
		)
		r.meter.OnFailover(FailoverEvent{
			RequestID: requestIDFrom(ctx),
			From:      provider,
			To:        next,
			Reason:    failure.Reason,
			Degraded:  degrade,
			Err:       err,
		})
	}

	return res, &AllProvidersExhaustedError{Reasons: res.Failures}
}

// failure classifies err from provider. ok is false for a fatal error.
func (r *ProviderRouter) failure(provider string, err error) (f ProviderFailure, degrade, ok bool) {
	f = ProviderFailure{Provider: provider, Err: err}
	switch {
	case errors.Is(err, ErrCircuitOpen):
		f.Reason = "circuit open"
		return f, false, true
	case errors.Is(err, ErrRateLimitTimeout):
		f.Reason = "rate limit timeout"
		return f, false, true
	case IsRetryable(err):
		f.Reason = err.Error()
		return f, true, true
	}
	return f, false, false
}

func (r *ProviderRouter) markDegraded(provider string) {
	cooldown := DefaultProviderCooldown
	if p, ok := r.cfg.Provider(provider); ok {
		cooldown = p.Cooldown
	}
	until := r.health.MarkDegraded(provider, cooldown)
	r.logger.Warn("provider degraded",
		"provider", provider,
		"until", until,
	)
}

// Providers reports every configured provider in priority order.
func (r *ProviderRouter) Providers(ctx context.Context) ([]ProviderStatus, error) {
	built, err := buildCandidates(r.cfg, r.health, nil)
	if err != nil {
		return nil, err
	}
	ordered := PolicyPrimary.orderer().Order(built)

	out := make([]ProviderStatus, 0, len(ordered))
	for _, c := range ordered {
		st, err := r.breaker.State(ctx, ProviderResource(c.Name))
		if err != nil {
			return nil, err
		}
		ps := ProviderStatus{
			Name:         c.Name,
			Priority:     c.Priority,
			CostPerToken: c.Cost,
			Latency:      c.Latency,
			Health:       r.health.Health(c.Name).String(),
			Breaker:      st.State,
		}
		if r.health.IsDegraded(c.Name) {
			ps.DegradedUntil, _ = r.health.DegradedUntil(c.Name)
		}
		ps.SpendToday, ps.TokensToday = r.spend.Spend(c.Name)
		out = append(out, ps)
	}
	return out, nil
}

// recordSpend adds the cost of a successful call and returns it.
func (r *ProviderRouter) recordSpend(provider string, tokens int64) float64 {
	p, _ := r.cfg.Provider(provider)
	cost := calculateCost(p, tokens)
	r.spend.Record(provider, tokens, cost)
	return cost
}
