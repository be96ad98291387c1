// Package store defines the state backends used by llmgate.
//
// Every read-modify-write against token buckets, quota windows and circuit
// breakers goes through one of the interfaces below as a single atomic
// operation. The in-memory implementation serializes per key; the shared
// implementations (redis, postgres, sqlite) use a Lua script or a
// transaction so the same invariants hold across processes.
//
// All methods receive the current time from the caller. Backends never read
// the wall clock themselves.
package store

import (
	"context"
	"errors"
	"time"
)

// ErrClosed is returned by a backend used after Close.
var ErrClosed = errors.New("store: closed")

// BucketSpec is the configured shape of a token bucket.
type BucketSpec struct {
	Capacity   float64
	RatePerSec float64
}

// BucketState is a snapshot of a token bucket after an operation.
type BucketState struct {
	Tokens     float64
	Capacity   float64
	RatePerSec float64
	LastRefill time.Time
}

// BucketStore holds one token bucket per key.
type BucketStore interface {
	// Take refills the bucket up to now and deducts n tokens if at least n
	// are available. The returned state reflects the bucket after the
	// operation whether or not the tokens were granted.
	Take(ctx context.Context, key string, spec BucketSpec, n float64, now time.Time) (bool, BucketState, error)

	// Give refills the bucket up to now and returns n tokens, capped at capacity.
	Give(ctx context.Context, key string, spec BucketSpec, n float64, now time.Time) (BucketState, error)

	// Peek returns the refilled state without modifying stored tokens.
	Peek(ctx context.Context, key string, spec BucketSpec, now time.Time) (BucketState, error)
}

// QuotaMode selects how an over-limit reservation is handled.
type QuotaMode string

const (
	QuotaSoft QuotaMode = "soft"
	QuotaHard QuotaMode = "hard"
)

// QuotaSpec describes the window and limit for a single quota key.
type QuotaSpec struct {
	Key    string
	Limit  int64
	Window time.Duration
}

// QuotaRecord is the state of one quota window.
type QuotaRecord struct {
	Key         string
	WindowStart time.Time
	Window      time.Duration
	Used        int64
	Limit       int64
}

// WindowEnd returns the instant at which the record rotates.
func (r QuotaRecord) WindowEnd() time.Time {
	return r.WindowStart.Add(r.Window)
}

// Remaining returns limit minus used, floored at zero.
func (r QuotaRecord) Remaining() int64 {
	if rem := r.Limit - r.Used; rem > 0 {
		return rem
	}
	return 0
}

// Expired reports whether the window has ended at now.
func (r QuotaRecord) Expired(now time.Time) bool {
	return !now.Before(r.WindowEnd())
}

// QuotaResult is the outcome of a multi-key reservation.
type QuotaResult struct {
	// Allowed is false only in hard mode when some key would exceed its limit.
	Allowed bool

	// Records holds the state of every key after the reservation, in the
	// order the specs were given. When Allowed is false the records are the
	// unchanged (but rotated) state.
	Records []QuotaRecord

	// Rejected is the index in Records of the first key that failed the
	// hard-mode check, or -1.
	Rejected int
}

// QuotaStore holds one rolling window per quota key.
type QuotaStore interface {
	// Reserve rotates every expired window, then adds tokens to every key.
	// In hard mode the whole reservation is rejected, leaving every key
	// unchanged, if any key would exceed its limit.
	Reserve(ctx context.Context, specs []QuotaSpec, mode QuotaMode, tokens int64, now time.Time) (QuotaResult, error)

	// Usage returns the current record for spec.Key. A missing or expired
	// record is reported as a fresh window starting at now; nothing is written.
	Usage(ctx context.Context, spec QuotaSpec, now time.Time) (QuotaRecord, error)
}

// CircuitState is the state of a circuit breaker.
type CircuitState int

const (
	StateClosed CircuitState = iota
	StateOpen
	StateHalfOpen
)

func (s CircuitState) String() string {
	switch s {
	case StateClosed:
		return "CLOSED"
	case StateOpen:
		return "OPEN"
	case StateHalfOpen:
		return "HALF_OPEN"
	default:
		return "UNKNOWN"
	}
}

// MarshalText encodes the state by name.
func (s CircuitState) MarshalText() ([]byte, error) {
	return []byte(s.String()), nil
}

// BreakerSpec configures a circuit breaker.
type BreakerSpec struct {
	FailureThreshold int
	RecoveryTimeout  time.Duration
}

// BreakerState is a snapshot of one breaker.
type BreakerState struct {
	State    CircuitState
	Failures int
	OpenedAt time.Time

	// Trial is the token of the in-flight half-open trial, empty when the
	// slot is free.
	Trial          string
	TrialStartedAt time.Time
}

// BreakerAdmission is the result of BreakerStore.Allow.
type BreakerAdmission struct {
	Permit bool
	Trial  string // non-empty when this caller holds the half-open trial

	// From and To are set when the call moved the breaker between states.
	From, To CircuitState
}

// Transitioned reports whether the admission changed the breaker state.
func (a BreakerAdmission) Transitioned() bool { return a.From != a.To }

// BreakerOutcome is the result of BreakerStore.Record.
type BreakerOutcome struct {
	State    BreakerState
	From, To CircuitState
}

// Transitioned reports whether recording changed the breaker state.
func (o BreakerOutcome) Transitioned() bool { return o.From != o.To }

// BreakerStore holds one circuit breaker per resource key.
type BreakerStore interface {
	// Allow decides whether a call may be attempted. In HALF_OPEN exactly
	// one caller claims the trial slot; trialToken is stored as the holder.
	Allow(ctx context.Context, key string, spec BreakerSpec, trialToken string, now time.Time) (BreakerAdmission, error)

	// Record applies the outcome of a call. trial is the token returned by
	// Allow, or empty for a call admitted while CLOSED.
	Record(ctx context.Context, key string, spec BreakerSpec, trial string, success bool, now time.Time) (BreakerOutcome, error)

	// Snapshot returns the breaker state as of now without claiming anything.
	Snapshot(ctx context.Context, key string, spec BreakerSpec, now time.Time) (BreakerState, error)
}

// Stores bundles the three backends served by a single connection.
type Stores struct {
	Buckets  BucketStore
	Quota    QuotaStore
	Breakers BreakerStore

	// Kind names the backend ("memory", "redis", "postgres", "sqlite").
	Kind string

	closer func() error
}

// NewStores assembles a Stores value. closer may be nil.
func NewStores(kind string, b BucketStore, q QuotaStore, br BreakerStore, closer func() error) Stores {
	return Stores{Buckets: b, Quota: q, Breakers: br, Kind: kind, closer: closer}
}

// Close releases the underlying connection, if any.
func (s Stores) Close() error {
	if s.closer == nil {
		return nil
	}
	return s.closer()
}
