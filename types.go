package llmgate

import (
	"context"
	"time"
)

// Request is a single governed call.
type Request struct {
	// ID identifies the call in events and spans. Generated when empty.
	ID string

	WorkflowID string
	TenantID   string

	// Tokens is the quota charge. When zero it is estimated from Prompt and
	// floored at quota.default_tokens_per_request.
	Tokens int64
	Prompt string

	// Permits is the number of rate limit tokens to acquire (default 1).
	Permits int

	// Preferred is tried first under the primary policy when healthy.
	Preferred string

	// Candidates restricts routing to these providers. Empty means all.
	Candidates []string

	// Policy overrides routing.policy for this call.
	Policy RoutingPolicy

	// Payload is passed through to the CallFunc untouched.
	Payload any
}

// Response is the result of a successful Call.
type Response struct {
	RequestID        string
	Value            any
	RoutedTo         string
	FailoverAttempts int
	Attempts         []CallAttempt
	TokensUsed       int64
	Cost             float64
	QuotaWarning     bool
	Latency          time.Duration
}

// CallResult is what a CallFunc returns on success.
type CallResult struct {
	Value any

	// TokensUsed reports actual consumption when the provider returns it.
	// Zero means the request's quota charge is used for cost accounting.
	TokensUsed int64
}

// CallFunc performs the actual request against provider. It is injected by
// the caller and never implemented by this package. Errors should wrap one
// of the provider class sentinels (ErrTimeout, ErrServer, ...) or be a
// *ProviderCallError so they can be classified; anything else is fatal.
type CallFunc func(ctx context.Context, provider string, req Request) (CallResult, error)
