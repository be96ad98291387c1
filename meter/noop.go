package meter

import "github.com/hardik936/llmgate"

// NoopMeter is a meter that does nothing.
type NoopMeter struct{}

var _ llmgate.Meter = (*NoopMeter)(nil)

func (m *NoopMeter) OnAdmission(llmgate.AdmissionEvent)       {}
func (m *NoopMeter) OnAttempt(llmgate.CallAttempt)            {}
func (m *NoopMeter) OnFailover(llmgate.FailoverEvent)         {}
func (m *NoopMeter) OnResult(llmgate.ResultEvent)             {}
func (m *NoopMeter) OnBreakerTransition(llmgate.BreakerEvent) {}

// Multi fans every event out to each meter in order.
type Multi []llmgate.Meter

var _ llmgate.Meter = Multi(nil)

func (m Multi) OnAdmission(e llmgate.AdmissionEvent) {
	for _, mm := range m {
		mm.OnAdmission(e)
	}
}

func (m Multi) OnAttempt(a llmgate.CallAttempt) {
	for _, mm := range m {
		mm.OnAttempt(a)
	}
}

func (m Multi) OnFailover(e llmgate.FailoverEvent) {
	for _, mm := range m {
		mm.OnFailover(e)
	}
}

func (m Multi) OnResult(e llmgate.ResultEvent) {
	for _, mm := range m {
		mm.OnResult(e)
	}
}

func (m Multi) OnBreakerTransition(e llmgate.BreakerEvent) {
	for _, mm := range m {
		mm.OnBreakerTransition(e)
	}
}
