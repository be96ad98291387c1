package llmgate

import "time"

// Meter observes admission decisions and call outcomes for monitoring.
// Implementations must be safe for concurrent use and must not block.
type Meter interface {
	// OnAdmission is called for every rate limit and quota decision.
	OnAdmission(event AdmissionEvent)

	// OnAttempt is called after every invocation of the provider call.
	OnAttempt(attempt CallAttempt)

	// OnFailover is called when a candidate is given up on.
	OnFailover(event FailoverEvent)

	// OnResult is called once per Call with its final outcome.
	OnResult(event ResultEvent)

	// OnBreakerTransition is called when a breaker changes state.
	OnBreakerTransition(event BreakerEvent)
}

// AdmissionKind names the gate that made an admission decision.
type AdmissionKind string

const (
	AdmissionRateLimit AdmissionKind = "rate_limit"
	AdmissionQuota     AdmissionKind = "quota"
)

// AdmissionEvent describes a rate limit or quota decision.
type AdmissionEvent struct {
	Kind       AdmissionKind
	RequestID  string
	WorkflowID string
	TenantID   string
	Allowed    bool

	// Rate limit fields.
	Provider        string
	Permits         int
	Wait            time.Duration
	AvailableTokens float64

	// Quota fields. Warning is set on a soft-mode overage.
	Tokens  int64
	Warning bool
	Quota   []QuotaStatus
}

// CallAttempt is the record of one invocation of the provider call.
type CallAttempt struct {
	RequestID  string
	Provider   string
	Attempt    int // 1-based within the provider
	Success    bool
	Latency    time.Duration
	TokensUsed int64
	Class      ErrorClass
	Err        error
}

// FailoverEvent describes giving up on a provider. To is the next candidate,
// or empty when none remain.
type FailoverEvent struct {
	RequestID string
	From      string
	To        string
	Reason    string
	Degraded  bool
	Err       error
}

// ResultEvent describes the final outcome of a Call.
type ResultEvent struct {
	RequestID        string
	WorkflowID       string
	TenantID         string
	Provider         string
	Success          bool
	Latency          time.Duration
	FailoverAttempts int
	TokensUsed       int64
	Cost             float64
	Err              error
}

// BreakerEvent describes a circuit breaker state change.
type BreakerEvent struct {
	Resource string
	From     CircuitState
	To       CircuitState
	Failures int
}

type noopMeter struct{}

func (noopMeter) OnAdmission(AdmissionEvent)       {}
func (noopMeter) OnAttempt(CallAttempt)            {}
func (noopMeter) OnFailover(FailoverEvent)         {}
func (noopMeter) OnResult(ResultEvent)             {}
func (noopMeter) OnBreakerTransition(BreakerEvent) {}
