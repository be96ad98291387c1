package llmgate

import (
	"sync"
	"time"
)

// SpendTracker tracks per-provider spend, in the unit of cost_per_token,
// with a daily reset.
type SpendTracker struct {
	mu        sync.Mutex
	clock     Clock
	providers map[string]*providerSpend
	resetDay  time.Time // UTC midnight of the current day
}

type providerSpend struct {
	amount float64
	tokens int64
}

// NewSpendTracker creates a new SpendTracker.
func NewSpendTracker(clock Clock) *SpendTracker {
	if clock == nil {
		clock = realClock{}
	}
	return &SpendTracker{
		clock:     clock,
		providers: make(map[string]*providerSpend),
		resetDay:  truncateDay(clock.Now()),
	}
}

// Record adds the cost of tokens on provider.
func (s *SpendTracker) Record(provider string, tokens int64, cost float64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkReset()

	ps, ok := s.providers[provider]
	if !ok {
		ps = &providerSpend{}
		s.providers[provider] = ps
	}
	ps.amount += cost
	ps.tokens += tokens
}

// Spend returns the current daily spend and token count for provider.
func (s *SpendTracker) Spend(provider string) (cost float64, tokens int64) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.checkReset()

	ps, ok := s.providers[provider]
	if !ok {
		return 0, 0
	}
	return ps.amount, ps.tokens
}

// checkReset resets all spend if the day has changed. Must be called with lock held.
func (s *SpendTracker) checkReset() {
	today := truncateDay(s.clock.Now())
	if !today.Equal(s.resetDay) {
		s.providers = make(map[string]*providerSpend)
		s.resetDay = today
	}
}

func truncateDay(t time.Time) time.Time {
	return t.UTC().Truncate(24 * time.Hour)
}

// calculateCost computes the cost of tokens on a provider.
func calculateCost(p ProviderConfig, tokens int64) float64 {
	if p.CostPerToken <= 0 || tokens <= 0 {
		return 0
	}
	return float64(tokens) * p.CostPerToken
}
