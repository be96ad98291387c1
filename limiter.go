package llmgate

import (
	"context"
	"fmt"
	"log/slog"
	"math"
	"time"

	"github.com/hardik936/llmgate/store"
)

// LimiterStatus is the introspection view of one provider's bucket.
type LimiterStatus struct {
	Provider   string  `json:"provider"`
	Available  float64 `json:"available_tokens"`
	RatePerSec float64 `json:"rate_per_sec"`
	Capacity   float64 `json:"max_tokens"`
	Enabled    bool    `json:"enabled"`
}

// RateLimiter is a per-provider token bucket. Refill is computed lazily on
// every access; a caller short of tokens sleeps exactly as long as the
// bucket needs to refill (bounded by its timeout) and retries once.
type RateLimiter struct {
	buckets   store.BucketStore
	providers map[string]store.BucketSpec
	enabled   bool
	clock     Clock
	logger    *slog.Logger
}

// NewRateLimiter creates a RateLimiter over buckets for the configured
// providers. WithClock and WithLogger apply.
func NewRateLimiter(cfg Config, buckets store.BucketStore, opts ...Option) *RateLimiter {
	o := buildOptions(opts)
	specs := make(map[string]store.BucketSpec, len(cfg.Providers))
	for _, p := range cfg.withDefaults().Providers {
		specs[p.Name] = store.BucketSpec{Capacity: p.Burst, RatePerSec: p.RatePerSec}
	}
	return &RateLimiter{
		buckets:   buckets,
		providers: specs,
		enabled:   cfg.RateLimitEnabled,
		clock:     o.clock,
		logger:    o.logger,
	}
}

func (l *RateLimiter) spec(provider string) (store.BucketSpec, error) {
	spec, ok := l.providers[provider]
	if !ok {
		return store.BucketSpec{}, fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	return spec, nil
}

// Acquire takes n tokens from provider's bucket. When the bucket is short
// and timeout is positive it waits min(exact refill time, timeout) once and
// retries. It returns false, with nothing consumed, when the tokens are
// still unavailable; a request for more than the bucket's capacity fails
// immediately. A disabled limiter always grants.
func (l *RateLimiter) Acquire(ctx context.Context, provider string, n int, timeout time.Duration) (bool, error) {
	if !l.enabled {
		return true, nil
	}
	spec, err := l.spec(provider)
	if err != nil {
		return false, err
	}
	if n < 1 {
		n = 1
	}
	need := float64(n)

	ok, st, err := l.buckets.Take(ctx, provider, spec, need, l.clock.Now())
	if err != nil {
		return false, fmt.Errorf("llmgate: acquire %s: %w", provider, err)
	}
	if ok {
		return true, nil
	}

	if timeout <= 0 || spec.RatePerSec <= 0 || need > spec.Capacity {
		return false, nil
	}

	wait := refillWait(need-st.Tokens, spec.RatePerSec)
	if wait > timeout {
		wait = timeout
	}
	l.logger.Debug("rate limit wait",
		"provider", provider,
		"permits", n,
		"available", st.Tokens,
		"wait_ms", wait.Milliseconds(),
	)
	if err := sleep(ctx, l.clock, wait); err != nil {
		return false, err
	}

	ok, _, err = l.buckets.Take(ctx, provider, spec, need, l.clock.Now())
	if err != nil {
		return false, fmt.Errorf("llmgate: acquire %s: %w", provider, err)
	}
	return ok, nil
}

// Release returns n unused tokens to provider's bucket, capped at capacity.
func (l *RateLimiter) Release(ctx context.Context, provider string, n int) error {
	if !l.enabled || n <= 0 {
		return nil
	}
	spec, err := l.spec(provider)
	if err != nil {
		return err
	}
	if _, err := l.buckets.Give(ctx, provider, spec, float64(n), l.clock.Now()); err != nil {
		return fmt.Errorf("llmgate: release %s: %w", provider, err)
	}
	return nil
}

// Status reports the current bucket state for provider.
func (l *RateLimiter) Status(ctx context.Context, provider string) (LimiterStatus, error) {
	spec, err := l.spec(provider)
	if err != nil {
		return LimiterStatus{}, err
	}
	st, err := l.buckets.Peek(ctx, provider, spec, l.clock.Now())
	if err != nil {
		return LimiterStatus{}, fmt.Errorf("llmgate: limiter status %s: %w", provider, err)
	}
	return LimiterStatus{
		Provider:   provider,
		Available:  st.Tokens,
		RatePerSec: spec.RatePerSec,
		Capacity:   spec.Capacity,
		Enabled:    l.enabled,
	}, nil
}

// refillWait returns how long a bucket refilling at rate takes to accrue
// deficit tokens, rounded up to the microsecond so the retry never falls
// short through rounding.
func refillWait(deficit, rate float64) time.Duration {
	if deficit <= 0 {
		return 0
	}
	us := math.Ceil(deficit / rate * 1e6)
	return time.Duration(us) * time.Microsecond
}
