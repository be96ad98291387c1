package llmgate_test

import (
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	lg "github.com/hardik936/llmgate"
	"github.com/hardik936/llmgate/internal/clocktest"
	"github.com/hardik936/llmgate/provider/mock"
	"github.com/hardik936/llmgate/store/memory"
)

var epoch = time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)

// recordingMeter keeps every event it sees.
type recordingMeter struct {
	mu          sync.Mutex
	admissions  []lg.AdmissionEvent
	attempts    []lg.CallAttempt
	failovers   []lg.FailoverEvent
	results     []lg.ResultEvent
	transitions []lg.BreakerEvent
}

func (m *recordingMeter) OnAdmission(e lg.AdmissionEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.admissions = append(m.admissions, e)
}

func (m *recordingMeter) OnAttempt(a lg.CallAttempt) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.attempts = append(m.attempts, a)
}

func (m *recordingMeter) OnFailover(e lg.FailoverEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.failovers = append(m.failovers, e)
}

func (m *recordingMeter) OnResult(e lg.ResultEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.results = append(m.results, e)
}

func (m *recordingMeter) OnBreakerTransition(e lg.BreakerEvent) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.transitions = append(m.transitions, e)
}

func (m *recordingMeter) states() []lg.CircuitState {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]lg.CircuitState, len(m.transitions))
	for i, e := range m.transitions {
		out[i] = e.To
	}
	return out
}

func (m *recordingMeter) deniedAdmissions(kind lg.AdmissionKind) int {
	m.mu.Lock()
	defer m.mu.Unlock()
	n := 0
	for _, e := range m.admissions {
		if e.Kind == kind && !e.Allowed {
			n++
		}
	}
	return n
}

// twoProviders returns a config with providers a (priority 1) and b
// (priority 2) and no jitter.
func twoProviders() lg.Config {
	cfg := lg.DefaultConfig()
	cfg.Providers = []lg.ProviderConfig{
		{Name: "a", Priority: 1, RatePerSec: 10},
		{Name: "b", Priority: 2, RatePerSec: 10},
	}
	cfg.Retry.Jitter = 0
	cfg.Retry.MaxAttempts = 1
	return cfg
}

type harness struct {
	orch  *lg.Orchestrator
	clock *clocktest.Clock
	meter *recordingMeter
	set   *mock.Set
}

func newHarness(t *testing.T, cfg lg.Config, providers []*mock.Provider, opts ...lg.Option) *harness {
	t.Helper()
	h := &harness{
		clock: clocktest.New(epoch),
		meter: &recordingMeter{},
		set:   mock.NewSet(providers...),
	}
	all := append([]lg.Option{
		lg.WithClock(h.clock),
		lg.WithMeter(h.meter),
		lg.WithStores(memory.New().Stores()),
	}, opts...)

	orch, err := lg.New(cfg, h.set.Call, all...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = orch.Close() })
	h.orch = orch
	return h
}

func unavailable(provider string) error {
	return lg.StatusError(provider, 503, "service unavailable")
}
