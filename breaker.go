package llmgate

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"

	"github.com/hardik936/llmgate/store"
)

// CircuitState is the state of a circuit breaker.
type CircuitState = store.CircuitState

const (
	StateClosed   = store.StateClosed
	StateOpen     = store.StateOpen
	StateHalfOpen = store.StateHalfOpen
)

// ProviderResource returns the breaker resource id of a provider.
func ProviderResource(name string) string { return "provider:" + name }

// ToolResource returns the breaker resource id of a tool version.
func ToolResource(name, version string) string { return "tool:" + name + "@" + version }

// BreakerDecision is the answer to Allow. It must be handed back to
// RecordResult so a half-open trial can be resolved by its holder only.
type BreakerDecision struct {
	Resource string
	Permit   bool
	IsTrial  bool
	Trial    string // trial token, set when IsTrial
}

// BreakerStatus is the introspection view of one breaker.
type BreakerStatus struct {
	Resource      string       `json:"resource"`
	State         CircuitState `json:"state"`
	Failures      int          `json:"failure_count"`
	OpenedAt      time.Time    `json:"opened_at,omitzero"`
	RecoveryAt    time.Time    `json:"recovery_at,omitzero"`
	TrialInFlight bool         `json:"trial_in_flight"`
}

// CircuitBreaker isolates failing resources. Each resource has its own
// breaker, created CLOSED on first use.
type CircuitBreaker struct {
	breakers store.BreakerStore
	spec     store.BreakerSpec
	clock    Clock
	logger   *slog.Logger
	meter    Meter
}

// NewCircuitBreaker creates a CircuitBreaker. WithClock, WithLogger and
// WithMeter apply.
func NewCircuitBreaker(cfg Config, breakers store.BreakerStore, opts ...Option) *CircuitBreaker {
	o := buildOptions(opts)
	cfg = cfg.withDefaults()
	return &CircuitBreaker{
		breakers: breakers,
		spec: store.BreakerSpec{
			FailureThreshold: cfg.Breaker.FailureThreshold,
			RecoveryTimeout:  cfg.Breaker.RecoveryTimeout,
		},
		clock:  o.clock,
		logger: o.logger,
		meter:  o.meter,
	}
}

// Allow reports whether a call to resource may proceed. It never blocks.
// While OPEN every call is denied until the recovery timeout has elapsed;
// the breaker then turns HALF_OPEN and exactly one caller is admitted as the
// trial.
func (b *CircuitBreaker) Allow(ctx context.Context, resource string) (BreakerDecision, error) {
	token := uuid.NewString()
	adm, err := b.breakers.Allow(ctx, resource, b.spec, token, b.clock.Now())
	if err != nil {
		return BreakerDecision{}, fmt.Errorf("llmgate: breaker allow %s: %w", resource, err)
	}
	if adm.Transitioned() {
		b.transition(resource, adm.From, adm.To, 0)
	}
	return BreakerDecision{
		Resource: resource,
		Permit:   adm.Permit,
		IsTrial:  adm.Trial != "",
		Trial:    adm.Trial,
	}, nil
}

// RecordResult applies the outcome of a call admitted by d. Results for
// denied decisions are ignored.
func (b *CircuitBreaker) RecordResult(ctx context.Context, resource string, d BreakerDecision, success bool) error {
	if !d.Permit {
		return nil
	}
	out, err := b.breakers.Record(ctx, resource, b.spec, d.Trial, success, b.clock.Now())
	if err != nil {
		return fmt.Errorf("llmgate: breaker record %s: %w", resource, err)
	}
	if out.Transitioned() {
		b.transition(resource, out.From, out.To, out.State.Failures)
	}
	return nil
}

// State returns the current status of resource's breaker.
func (b *CircuitBreaker) State(ctx context.Context, resource string) (BreakerStatus, error) {
	st, err := b.breakers.Snapshot(ctx, resource, b.spec, b.clock.Now())
	if err != nil {
		return BreakerStatus{}, fmt.Errorf("llmgate: breaker state %s: %w", resource, err)
	}
	status := BreakerStatus{
		Resource:      resource,
		State:         st.State,
		Failures:      st.Failures,
		TrialInFlight: st.State == StateHalfOpen && st.Trial != "",
	}
	if st.State != StateClosed {
		status.OpenedAt = st.OpenedAt
		status.RecoveryAt = st.OpenedAt.Add(b.spec.RecoveryTimeout)
	}
	return status, nil
}

// isOpen reports whether resource is OPEN and still inside its recovery
// timeout.
func (b *CircuitBreaker) isOpen(ctx context.Context, resource string) (bool, error) {
	st, err := b.breakers.Snapshot(ctx, resource, b.spec, b.clock.Now())
	if err != nil {
		return false, err
	}
	return st.State == StateOpen, nil
}

func (b *CircuitBreaker) transition(resource string, from, to CircuitState, failures int) {
	level := slog.LevelInfo
	if to == StateOpen {
		level = slog.LevelWarn
	}
	b.logger.Log(context.Background(), level, "circuit breaker transition",
		"resource", resource,
		"from", from.String(),
		"to", to.String(),
		"failures", failures,
	)
	b.meter.OnBreakerTransition(BreakerEvent{
		Resource: resource,
		From:     from,
		To:       to,
		Failures: failures,
	})
}
