package llmgate_test

import (
	"context"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	lg "github.com/hardik936/llmgate"
	"github.com/hardik936/llmgate/internal/clocktest"
	"github.com/hardik936/llmgate/store/memory"
)

type routerHarness struct {
	router  *lg.ProviderRouter
	breaker *lg.CircuitBreaker
	health  *lg.HealthTracker
	clock   *clocktest.Clock
	meter   *recordingMeter
}

func newRouter(t *testing.T, providers ...lg.ProviderConfig) *routerHarness {
	t.Helper()
	cfg := lg.DefaultConfig()
	cfg.Providers = providers
	cfg.Retry.Jitter = 0
	cfg.Breaker.FailureThreshold = 1

	h := &routerHarness{clock: clocktest.New(epoch), meter: &recordingMeter{}}
	h.health = lg.NewHealthTracker(h.clock)
	opts := []lg.Option{lg.WithClock(h.clock), lg.WithMeter(h.meter), lg.WithHealthTracker(h.health)}
	h.breaker = lg.NewCircuitBreaker(cfg, memory.New(), opts...)
	h.router = lg.NewProviderRouter(cfg, h.breaker, opts...)
	return h
}

func abc() []lg.ProviderConfig {
	return []lg.ProviderConfig{
		{Name: "c", Priority: 3, CostPerToken: 0.001, LatencyEstimate: 100 * time.Millisecond},
		{Name: "a", Priority: 1, CostPerToken: 0.010, LatencyEstimate: 900 * time.Millisecond},
		{Name: "b", Priority: 2, CostPerToken: 0.005, LatencyEstimate: 300 * time.Millisecond},
	}
}

func TestSelect_Policies(t *testing.T) {
	tests := []struct {
		name      string
		policy    lg.RoutingPolicy
		preferred string
		want      []string
	}{
		{name: "default is primary", want: []string{"a", "b", "c"}},
		{name: "primary", policy: lg.PolicyPrimary, want: []string{"a", "b", "c"}},
		{name: "preferred first", policy: lg.PolicyPrimary, preferred: "c", want: []string{"c", "a", "b"}},
		{name: "cost weighted", policy: lg.PolicyCostWeighted, want: []string{"c", "b", "a"}},
		{name: "latency weighted", policy: lg.PolicyLatencyWeighted, want: []string{"c", "b", "a"}},
		{name: "preferred ignored outside primary", policy: lg.PolicyCostWeighted, preferred: "a", want: []string{"c", "b", "a"}},
		{name: "unknown preferred ignored", preferred: "z", want: []string{"a", "b", "c"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			h := newRouter(t, abc()...)
			got, err := h.router.Select(context.Background(), tt.policy, nil, tt.preferred)
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}

func TestSelect_ObservedLatencyOverridesEstimate(t *testing.T) {
	h := newRouter(t, abc()...)
	h.health.ObserveLatency("a", 10*time.Millisecond)

	got, err := h.router.Select(context.Background(), lg.PolicyLatencyWeighted, nil, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "c", "b"}, got)
}

func TestSelect_Candidates(t *testing.T) {
	h := newRouter(t, abc()...)

	got, err := h.router.Select(context.Background(), "", []string{"c", "b", "c"}, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"b", "c"}, got)

	_, err = h.router.Select(context.Background(), "", []string{"z"}, "")
	assert.ErrorIs(t, err, lg.ErrUnknownProvider)
}

func TestSelect_InvalidPolicy(t *testing.T) {
	h := newRouter(t, abc()...)
	_, err := h.router.Select(context.Background(), "round_robin", nil, "")
	assert.ErrorIs(t, err, lg.ErrInvalidConfig)
}

func TestSelect_SkipsDegradedAndOpen(t *testing.T) {
	h := newRouter(t, abc()...)
	ctx := context.Background()

	h.health.MarkDegraded("a", time.Minute)
	fail(t, h.breaker, lg.ProviderResource("b"), 1)

	got, err := h.router.Select(ctx, "", nil, "a")
	require.NoError(t, err)
	assert.Equal(t, []string{"c"}, got, "a degraded preferred provider is not put first")

	h.health.MarkDegraded("c", time.Minute)
	_, err = h.router.Select(ctx, "", nil, "")
	assert.ErrorIs(t, err, lg.ErrNoCandidates)

	// Cooldown and recovery both elapse.
	h.clock.Advance(time.Minute)
	got, err = h.router.Select(ctx, "", nil, "")
	require.NoError(t, err)
	assert.Equal(t, []string{"a", "b", "c"}, got)
}

func TestExecuteWithFailover_TransientFailsOver(t *testing.T) {
	h := newRouter(t, abc()...)

	res, err := h.router.ExecuteWithFailover(context.Background(), []string{"a", "b"}, 0,
		func(ctx context.Context, provider string) (lg.CallResult, error) {
			if provider == "a" {
				return lg.CallResult{}, unavailable("a")
			}
			return lg.CallResult{Value: "ok"}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, "b", res.Provider)
	assert.Equal(t, "ok", res.Result.Value)
	assert.Equal(t, 1, res.FailoverAttempts)
	require.Len(t, res.Failures, 1)
	assert.Equal(t, "a", res.Failures[0].Provider)

	assert.True(t, h.health.IsDegraded("a"))
	assert.Equal(t, []time.Duration{lg.DefaultBackoff.Base}, h.clock.Sleeps())

	require.Len(t, h.meter.failovers, 1)
	assert.Equal(t, "a", h.meter.failovers[0].From)
	assert.Equal(t, "b", h.meter.failovers[0].To)
	assert.True(t, h.meter.failovers[0].Degraded)
}

func TestExecuteWithFailover_FatalReturnsImmediately(t *testing.T) {
	h := newRouter(t, abc()...)
	var called []string

	_, err := h.router.ExecuteWithFailover(context.Background(), []string{"a", "b"}, 0,
		func(ctx context.Context, provider string) (lg.CallResult, error) {
			called = append(called, provider)
			return lg.CallResult{}, lg.StatusError(provider, 400, "bad prompt")
		})
	require.ErrorIs(t, err, lg.ErrInvalidRequest)
	assert.Equal(t, []string{"a"}, called)
	assert.False(t, h.health.IsDegraded("a"))
}

func TestExecuteWithFailover_CircuitOpenDoesNotDegrade(t *testing.T) {
	h := newRouter(t, abc()...)

	res, err := h.router.ExecuteWithFailover(context.Background(), []string{"a", "b"}, 0,
		func(ctx context.Context, provider string) (lg.CallResult, error) {
			if provider == "a" {
				return lg.CallResult{}, fmt.Errorf("%w: %s", lg.ErrCircuitOpen, provider)
			}
			return lg.CallResult{}, nil
		})
	require.NoError(t, err)
	assert.Equal(t, "b", res.Provider)
	assert.Equal(t, "circuit open", res.Failures[0].Reason)
	assert.False(t, h.health.IsDegraded("a"))
}

func TestExecuteWithFailover_Exhausted(t *testing.T) {
	h := newRouter(t, abc()...)
	var called []string

	res, err := h.router.ExecuteWithFailover(context.Background(), []string{"a", "b", "c"}, 2,
		func(ctx context.Context, provider string) (lg.CallResult, error) {
			called = append(called, provider)
			return lg.CallResult{}, unavailable(provider)
		})
	require.ErrorIs(t, err, lg.ErrAllProvidersExhausted)
	assert.ErrorIs(t, err, lg.ErrServer)

	var ex *lg.AllProvidersExhaustedError
	require.True(t, errors.As(err, &ex))
	assert.Len(t, ex.Reasons, 2)
	assert.Equal(t, []string{"a", "b"}, called)
	assert.Equal(t, 1, res.FailoverAttempts, "only counted when a next candidate exists")

	last := h.meter.failovers[len(h.meter.failovers)-1]
	assert.Empty(t, last.To)
}

func TestExecuteWithFailover_EmptyOrder(t *testing.T) {
	h := newRouter(t, abc()...)
	_, err := h.router.ExecuteWithFailover(context.Background(), nil, 0,
		func(ctx context.Context, provider string) (lg.CallResult, error) {
			t.Fatal("must not be called")
			return lg.CallResult{}, nil
		})
	assert.ErrorIs(t, err, lg.ErrNoCandidates)
}

func TestProviders(t *testing.T) {
	h := newRouter(t, abc()...)
	h.health.MarkDegraded("b", time.Minute)

	got, err := h.router.Providers(context.Background())
	require.NoError(t, err)
	require.Len(t, got, 3)
	assert.Equal(t, "a", got[0].Name)
	assert.Equal(t, "healthy", got[0].Health)
	assert.Equal(t, lg.StateClosed, got[0].Breaker)
	assert.Equal(t, "degraded", got[1].Health)
	assert.Equal(t, epoch.Add(time.Minute), got[1].DegradedUntil)
}
