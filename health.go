package llmgate

import (
	"sync"
	"time"
)

// HealthState describes the routing health of a provider.
type HealthState int

const (
	HealthHealthy HealthState = iota
	HealthDegraded
)

func (h HealthState) String() string {
	switch h {
	case HealthHealthy:
		return "healthy"
	case HealthDegraded:
		return "degraded"
	default:
		return "unknown"
	}
}

// HealthTracker tracks per-provider cooldowns and observed latency.
// Cooldowns are process-local; breaker state is what is shared across
// processes.
type HealthTracker struct {
	mu        sync.RWMutex
	clock     Clock
	providers map[string]*providerHealth
}

type providerHealth struct {
	degradedUntil time.Time
	latency       time.Duration // most recent observed call latency
	observed      bool
}

// NewHealthTracker creates a new HealthTracker. A nil clock uses wall time.
func NewHealthTracker(clock Clock) *HealthTracker {
	if clock == nil {
		clock = realClock{}
	}
	return &HealthTracker{
		clock:     clock,
		providers: make(map[string]*providerHealth),
	}
}

// Health returns the current health state for a provider.
func (h *HealthTracker) Health(provider string) HealthState {
	if h.IsDegraded(provider) {
		return HealthDegraded
	}
	return HealthHealthy
}

// IsDegraded reports whether provider is cooling down.
func (h *HealthTracker) IsDegraded(provider string) bool {
	until, ok := h.DegradedUntil(provider)
	return ok && h.clock.Now().Before(until)
}

// DegradedUntil returns the end of the provider's current cooldown.
func (h *HealthTracker) DegradedUntil(provider string) (time.Time, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ph, ok := h.providers[provider]
	if !ok || ph.degradedUntil.IsZero() {
		return time.Time{}, false
	}
	return ph.degradedUntil, true
}

// MarkDegraded excludes provider from selection for cooldown and returns the
// instant it becomes eligible again.
func (h *HealthTracker) MarkDegraded(provider string, cooldown time.Duration) time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph := h.getOrCreate(provider)
	until := h.clock.Now().Add(cooldown)
	if until.After(ph.degradedUntil) {
		ph.degradedUntil = until
	}
	return ph.degradedUntil
}

// ObserveLatency records the latency of a completed call to provider.
func (h *HealthTracker) ObserveLatency(provider string, d time.Duration) {
	h.mu.Lock()
	defer h.mu.Unlock()

	ph := h.getOrCreate(provider)
	ph.latency = d
	ph.observed = true
}

// Latency returns the most recent observed latency for provider.
func (h *HealthTracker) Latency(provider string) (time.Duration, bool) {
	h.mu.RLock()
	defer h.mu.RUnlock()

	ph, ok := h.providers[provider]
	if !ok || !ph.observed {
		return 0, false
	}
	return ph.latency, true
}

func (h *HealthTracker) getOrCreate(provider string) *providerHealth {
	ph, ok := h.providers[provider]
	if !ok {
		ph = &providerHealth{}
		h.providers[provider] = ph
	}
	return ph
}
