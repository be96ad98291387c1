package llmgate

import (
	"context"
	"math"
	"math/rand/v2"
	"time"
)

// Backoff is an exponential backoff policy with multiplicative jitter.
// The delay after attempt k (0-based) is
//
//	Base * Multiplier^k * (1 + U(-Jitter, Jitter))
//
// capped at Max. The same policy drives the per-provider retry loop and the
// pause between failover candidates.
type Backoff struct {
	Base        time.Duration
	Multiplier  float64
	Max         time.Duration
	MaxAttempts int
	Jitter      float64

	// rand returns a value in [0, 1). Nil uses math/rand/v2.
	rand func() float64
}

// DefaultBackoff is the retry policy used when none is configured.
var DefaultBackoff = Backoff{
	Base:        500 * time.Millisecond,
	Multiplier:  2,
	Max:         10 * time.Second,
	MaxAttempts: 3,
	Jitter:      0.5,
}

// BackoffFromConfig builds a Backoff from retry configuration.
func BackoffFromConfig(c RetryConfig) Backoff {
	return Backoff{
		Base:        c.BaseDelay,
		Multiplier:  c.Multiplier,
		Max:         c.MaxDelay,
		MaxAttempts: c.MaxAttempts,
		Jitter:      c.Jitter,
	}
}

// WithRand returns a copy of b drawing jitter from fn.
func (b Backoff) WithRand(fn func() float64) Backoff {
	b.rand = fn
	return b
}

// Delay returns the wait after the given 0-based attempt.
func (b Backoff) Delay(attempt int) time.Duration {
	if b.Base <= 0 {
		return 0
	}
	mult := b.Multiplier
	if mult < 1 {
		mult = 1
	}

	d := float64(b.Base) * math.Pow(mult, float64(attempt))
	if b.Jitter > 0 {
		r := b.rand
		if r == nil {
			// #nosec G404 -- jitter is non-cryptographic timing variance.
			r = rand.Float64
		}
		d *= 1 + b.Jitter*(2*r()-1)
	}
	if b.Max > 0 && d > float64(b.Max) {
		d = float64(b.Max)
	}
	if d < 0 {
		d = 0
	}
	return time.Duration(d)
}

// attempts returns MaxAttempts, at least 1.
func (b Backoff) attempts() int {
	if b.MaxAttempts < 1 {
		return 1
	}
	return b.MaxAttempts
}

// Retry runs op up to MaxAttempts times, sleeping Delay(k) on clk between
// attempts, while retryable reports true for the returned error. It returns
// the number of attempts made and the last error, or the context error if
// ctx ended during a pause.
func (b Backoff) Retry(ctx context.Context, clk Clock, retryable func(error) bool, op func(ctx context.Context, attempt int) error) (int, error) {
	var err error
	n := b.attempts()
	for attempt := 0; attempt < n; attempt++ {
		err = op(ctx, attempt)
		if err == nil || !retryable(err) {
			return attempt + 1, err
		}
		if attempt == n-1 {
			break
		}
		if serr := sleep(ctx, clk, b.Delay(attempt)); serr != nil {
			return attempt + 1, serr
		}
	}
	return n, err
}
