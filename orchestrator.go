package llmgate

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/hardik936/llmgate/store"
)

const openStoresTimeout = 10 * time.Second

// Orchestrator governs calls to providers. Every Call runs the same
// pipeline: route preview, rate limit, quota, then failover across
// providers with a circuit breaker and retries around each one.
//
// An Orchestrator is safe for concurrent use.
type Orchestrator struct {
	cfg  Config
	call CallFunc

	stores     store.Stores
	ownsStores bool

	limiter *RateLimiter
	quota   *QuotaManager
	breaker *CircuitBreaker
	router  *ProviderRouter
	retry   Backoff
	health  *HealthTracker

	clock  Clock
	logger *slog.Logger
	meter  Meter
	tracer trace.Tracer

	handler Handler

	closed    atomic.Bool
	closeOnce sync.Once
	closeErr  error
}

// New validates cfg and creates an Orchestrator around call. cfg should come
// from DefaultConfig or LoadConfig. State lives in
// the store given by WithStores, or else the one named by cfg.SharedStore,
// or else in memory.
func New(cfg Config, call CallFunc, opts ...Option) (*Orchestrator, error) {
	if call == nil {
		return nil, &ConfigError{Field: "call", Reason: "is required"}
	}
	cfg = cfg.withDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	o := buildOptions(opts)

	var stores store.Stores
	owns := false
	if o.stores != nil {
		stores = *o.stores
	} else {
		ctx, cancel := context.WithTimeout(context.Background(), openStoresTimeout)
		defer cancel()
		s, err := OpenStores(ctx, cfg.SharedStore)
		if err != nil {
			return nil, fmt.Errorf("llmgate: open store: %w", err)
		}
		stores, owns = s, true
	}

	// Components share one health tracker.
	shared := append(opts[:len(opts):len(opts)], WithHealthTracker(o.health))

	breaker := NewCircuitBreaker(cfg, stores.Breakers, shared...)
	orch := &Orchestrator{
		cfg:        cfg,
		call:       call,
		stores:     stores,
		ownsStores: owns,
		limiter:    NewRateLimiter(cfg, stores.Buckets, shared...),
		quota:      NewQuotaManager(cfg, stores.Quota, shared...),
		breaker:    breaker,
		router:     NewProviderRouter(cfg, breaker, shared...),
		retry:      BackoffFromConfig(cfg.Retry).WithRand(o.rand),
		health:     o.health,
		clock:      o.clock,
		logger:     o.logger,
		meter:      o.meter,
		tracer:     o.tracer,
	}

	orch.handler = Chain(o.stages...).
		Append(orch.routeStage, orch.rateLimitStage, orch.quotaStage).
		Then(HandlerFunc(orch.execute))

	o.logger.Info("llmgate ready",
		"providers", len(cfg.Providers),
		"store", stores.Kind,
		"policy", string(cfg.Routing.Policy),
		"quota_mode", string(cfg.Quota.Enforcement),
		"rate_limit_enabled", cfg.RateLimitEnabled,
	)
	return orch, nil
}

// Call runs req through the pipeline. On error the returned Response still
// carries the request id, the attempts made and the failover count.
func (o *Orchestrator) Call(ctx context.Context, req Request) (Response, error) {
	if o.closed.Load() {
		return Response{}, ErrClosed
	}
	if req.ID == "" {
		req.ID = uuid.NewString()
	}

	st := &callState{requestID: req.ID}
	ctx = withState(ctx, st)
	ctx, span := o.tracer.Start(ctx, "llmgate.call",
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			attribute.String("llm.request_id", req.ID),
			attribute.String("llm.workflow_id", req.WorkflowID),
			attribute.String("llm.tenant_id", req.TenantID),
		),
	)
	defer span.End()

	start := o.clock.Now()
	resp, err := o.handler.Call(ctx, req)
	resp.RequestID = req.ID
	resp.Latency = o.clock.Now().Sub(start)
	resp.Attempts = st.callAttempts()

	span.SetAttributes(
		attribute.String("llm.routed_to", resp.RoutedTo),
		attribute.Int("llm.failover_attempts", resp.FailoverAttempts),
		attribute.Bool("llm.quota.warning", resp.QuotaWarning),
		attribute.Int64("llm.tokens_used", resp.TokensUsed),
		attribute.Int("llm.attempts", len(resp.Attempts)),
	)
	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
	}

	o.meter.OnResult(ResultEvent{
		RequestID:        req.ID,
		WorkflowID:       req.WorkflowID,
		TenantID:         req.TenantID,
		Provider:         resp.RoutedTo,
		Success:          err == nil,
		Latency:          resp.Latency,
		FailoverAttempts: resp.FailoverAttempts,
		TokensUsed:       resp.TokensUsed,
		Cost:             resp.Cost,
		Err:              err,
	})
	return resp, err
}

func (o *Orchestrator) routeStage(next Handler) Handler {
	return HandlerFunc(func(ctx context.Context, req Request) (Response, error) {
		order, err := o.router.Select(ctx, req.Policy, req.Candidates, req.Preferred)
		if err != nil {
			return Response{}, err
		}
		stateFrom(ctx).order = order
		return next.Call(ctx, req)
	})
}

// rateLimitStage takes permits from the first candidate's bucket. Permits
// the failover stage never spends are returned when the call unwinds.
func (o *Orchestrator) rateLimitStage(next Handler) Handler {
	return HandlerFunc(func(ctx context.Context, req Request) (Response, error) {
		st := stateFrom(ctx)
		if len(st.order) == 0 {
			return Response{}, ErrNoCandidates
		}
		provider, permits := st.order[0], permitsOf(req)
		if err := o.acquire(ctx, req, provider, permits); err != nil {
			return Response{}, err
		}

		st.mu.Lock()
		st.admitted, st.permits = provider, permits
		st.mu.Unlock()
		defer func() {
			if p := st.unspent(); p != "" {
				o.release(ctx, p, permits)
			}
		}()

		return next.Call(ctx, req)
	})
}

func (o *Orchestrator) quotaStage(next Handler) Handler {
	return HandlerFunc(func(ctx context.Context, req Request) (Response, error) {
		tokens := quotaCharge(req, o.cfg.Quota.DefaultTokensPerRequest)
		dec, err := o.quota.CheckAndReserve(ctx, requestScopes(req), tokens)

		var exceeded *QuotaExceededError
		if err != nil && !errors.As(err, &exceeded) {
			return Response{}, err
		}
		o.meter.OnAdmission(AdmissionEvent{
			Kind:       AdmissionQuota,
			RequestID:  req.ID,
			WorkflowID: req.WorkflowID,
			TenantID:   req.TenantID,
			Allowed:    err == nil,
			Tokens:     tokens,
			Warning:    dec.Warning,
			Quota:      dec.Scopes,
		})
		if err != nil {
			o.logger.Warn("quota exceeded",
				"request_id", req.ID,
				"scope", exceeded.Scope.Key(),
				"tokens_used", exceeded.TokensUsed,
				"tokens_limit", exceeded.TokensLimit,
				"tokens_requested", tokens,
			)
			return Response{}, err
		}
		stateFrom(ctx).quota = dec

		resp, err := next.Call(ctx, req)
		resp.QuotaWarning = dec.Warning
		return resp, err
	})
}

// execute is the innermost handler: failover across the previewed route.
func (o *Orchestrator) execute(ctx context.Context, req Request) (Response, error) {
	st := stateFrom(ctx)
	res, err := o.router.ExecuteWithFailover(ctx, st.order, o.cfg.Routing.MaxAttempts, o.providerFunc(req))
	resp := Response{
		RoutedTo:         res.Provider,
		FailoverAttempts: res.FailoverAttempts,
	}
	if err != nil {
		return resp, err
	}

	tokens := res.Result.TokensUsed
	if tokens <= 0 {
		tokens = quotaCharge(req, o.cfg.Quota.DefaultTokensPerRequest)
	}
	resp.Value = res.Result.Value
	resp.TokensUsed = tokens
	resp.Cost = o.router.recordSpend(res.Provider, tokens)
	return resp, nil
}

// providerFunc returns the per-provider step of the failover loop: retries
// with backoff around a breaker-guarded call. When the breaker opens on the
// provider's own retries, the call error that opened it is reported.
func (o *Orchestrator) providerFunc(req Request) ProviderFunc {
	return func(ctx context.Context, provider string) (CallResult, error) {
		var (
			out     CallResult
			callErr error
		)
		_, err := o.retry.Retry(ctx, o.clock, IsRetryable, func(ctx context.Context, attempt int) error {
			res, err := o.attempt(ctx, req, provider, attempt)
			if err == nil {
				out = res
				return nil
			}
			if !errors.Is(err, ErrCircuitOpen) {
				callErr = err
			}
			return err
		})
		if errors.Is(err, ErrCircuitOpen) && callErr != nil {
			return out, callErr
		}
		return out, err
	}
}

// attempt makes one call to provider. Permits are taken unless the rate
// limit stage already holds them for this provider, and returned if the
// breaker turns the call away.
func (o *Orchestrator) attempt(ctx context.Context, req Request, provider string, attempt int) (CallResult, error) {
	st := stateFrom(ctx)
	permits := permitsOf(req)

	if !st.takeAdmitted(provider) {
		if err := o.acquire(ctx, req, provider, permits); err != nil {
			return CallResult{}, err
		}
	}

	resource := ProviderResource(provider)
	dec, err := o.breaker.Allow(ctx, resource)
	if err != nil {
		o.release(ctx, provider, permits)
		return CallResult{}, err
	}
	if !dec.Permit {
		o.release(ctx, provider, permits)
		return CallResult{}, fmt.Errorf("%w: %s", ErrCircuitOpen, resource)
	}
	if err := ctx.Err(); err != nil {
		o.release(ctx, provider, permits)
		return CallResult{}, err
	}

	start := o.clock.Now()
	res, callErr := o.call(ctx, provider, req)
	latency := o.clock.Now().Sub(start)
	o.health.ObserveLatency(provider, latency)

	if callErr != nil {
		var pce *ProviderCallError
		if !errors.As(callErr, &pce) {
			callErr = &ProviderCallError{Provider: provider, Class: Classify(callErr), Err: callErr}
		}
	}

	// A cancelled caller says nothing about the provider.
	if !errors.Is(callErr, context.Canceled) {
		if err := o.breaker.RecordResult(context.WithoutCancel(ctx), resource, dec, breakerSuccess(callErr)); err != nil {
			o.logger.Error("record breaker result", "resource", resource, "error", err)
		}
	}

	a := CallAttempt{
		RequestID:  req.ID,
		Provider:   provider,
		Attempt:    attempt + 1,
		Success:    callErr == nil,
		Latency:    latency,
		TokensUsed: res.TokensUsed,
		Class:      Classify(callErr),
		Err:        callErr,
	}
	st.addAttempt(a)
	o.meter.OnAttempt(a)

	if callErr != nil {
		o.logger.Debug("provider attempt failed",
			"request_id", req.ID,
			"provider", provider,
			"attempt", attempt+1,
			"class", a.Class.String(),
			"error", callErr,
		)
		return CallResult{}, callErr
	}
	return res, nil
}

// acquire takes permits from provider's bucket and reports the decision.
func (o *Orchestrator) acquire(ctx context.Context, req Request, provider string, permits int) error {
	start := o.clock.Now()
	ok, err := o.limiter.Acquire(ctx, provider, permits, o.cfg.AcquireTimeout)
	if err != nil {
		return err
	}

	ev := AdmissionEvent{
		Kind:       AdmissionRateLimit,
		RequestID:  req.ID,
		WorkflowID: req.WorkflowID,
		TenantID:   req.TenantID,
		Allowed:    ok,
		Provider:   provider,
		Permits:    permits,
		Wait:       o.clock.Now().Sub(start),
	}
	if status, err := o.limiter.Status(ctx, provider); err == nil {
		ev.AvailableTokens = status.Available
	}
	o.meter.OnAdmission(ev)

	if !ok {
		o.logger.Warn("rate limit timeout",
			"request_id", req.ID,
			"provider", provider,
			"permits", permits,
			"timeout", o.cfg.AcquireTimeout,
		)
		return &RateLimitTimeoutError{Provider: provider, Permits: permits, Timeout: o.cfg.AcquireTimeout}
	}
	return nil
}

func (o *Orchestrator) release(ctx context.Context, provider string, permits int) {
	if err := o.limiter.Release(context.WithoutCancel(ctx), provider, permits); err != nil {
		o.logger.Error("release permits", "provider", provider, "error", err)
	}
}

// LimiterStatus reports provider's token bucket.
func (o *Orchestrator) LimiterStatus(ctx context.Context, provider string) (LimiterStatus, error) {
	return o.limiter.Status(ctx, provider)
}

// QuotaStatus reports scope's current window.
func (o *Orchestrator) QuotaStatus(ctx context.Context, scope Scope) (QuotaStatus, error) {
	return o.quota.Status(ctx, scope)
}

// BreakerStatus reports resource's circuit breaker.
func (o *Orchestrator) BreakerStatus(ctx context.Context, resource string) (BreakerStatus, error) {
	return o.breaker.State(ctx, resource)
}

// Providers reports every configured provider.
func (o *Orchestrator) Providers(ctx context.Context) ([]ProviderStatus, error) {
	return o.router.Providers(ctx)
}

// Breaker returns the circuit breaker, for guarding resources other than
// providers, such as tools (see ToolResource).
func (o *Orchestrator) Breaker() *CircuitBreaker { return o.breaker }

// Config returns the effective configuration.
func (o *Orchestrator) Config() Config { return o.cfg }

// Close stops accepting calls and closes the store if New opened it.
func (o *Orchestrator) Close() error {
	o.closeOnce.Do(func() {
		o.closed.Store(true)
		if o.ownsStores {
			o.closeErr = o.stores.Close()
		}
	})
	return o.closeErr
}

func permitsOf(req Request) int {
	if req.Permits < 1 {
		return 1
	}
	return req.Permits
}

// breakerSuccess reports whether a call outcome counts as healthy for the
// provider. Requests rejected as malformed are the caller's fault.
func breakerSuccess(err error) bool {
	return err == nil || !IsRetryable(err)
}
