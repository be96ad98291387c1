package llmgate

import (
	"context"
	"errors"
	"fmt"
	"net"
	"strings"
	"syscall"
	"time"
)

// Sentinel errors.
var (
	ErrUnknownProvider       = errors.New("llmgate: unknown provider")
	ErrNoCandidates          = errors.New("llmgate: no candidates available")
	ErrRateLimitTimeout      = errors.New("llmgate: rate limit timeout")
	ErrQuotaExceeded         = errors.New("llmgate: quota exceeded")
	ErrCircuitOpen           = errors.New("llmgate: circuit open")
	ErrAllProvidersExhausted = errors.New("llmgate: all providers exhausted")
	ErrInvalidConfig         = errors.New("llmgate: invalid config")
	ErrClosed                = errors.New("llmgate: closed")
)

// Provider call error classes. Transient ones are retried and failed over;
// fatal ones propagate immediately.
var (
	ErrTimeout     = errors.New("llmgate: provider timeout")
	ErrConnection  = errors.New("llmgate: provider connection failed")
	ErrServer      = errors.New("llmgate: provider server error")
	ErrRateLimited = errors.New("llmgate: rate limited by provider")

	ErrInvalidRequest = errors.New("llmgate: invalid request")
	ErrSchema         = errors.New("llmgate: response schema mismatch")
)

// ErrorClass tells the retry and failover loops what to do with an error.
type ErrorClass int

const (
	ClassNone ErrorClass = iota
	ClassTransient
	ClassFatal
)

func (c ErrorClass) String() string {
	switch c {
	case ClassNone:
		return "none"
	case ClassTransient:
		return "transient"
	case ClassFatal:
		return "fatal"
	default:
		return "unknown"
	}
}

// RateLimitTimeoutError reports that permits could not be acquired in time.
// Nothing was consumed.
type RateLimitTimeoutError struct {
	Provider string
	Permits  int
	Timeout  time.Duration
}

func (e *RateLimitTimeoutError) Error() string {
	return fmt.Sprintf("llmgate: rate limit timeout: provider=%s permits=%d timeout=%s",
		e.Provider, e.Permits, e.Timeout)
}

func (e *RateLimitTimeoutError) Unwrap() error {
	return ErrRateLimitTimeout
}

// QuotaExceededError is returned by a hard-mode reservation that would take
// a scope over its limit. No scope was charged.
type QuotaExceededError struct {
	Scope           Scope
	TokensUsed      int64
	TokensLimit     int64
	TokensRequested int64
	WindowStart     time.Time
	WindowEnd       time.Time
	ResetAt         time.Time
}

func (e *QuotaExceededError) Error() string {
	return fmt.Sprintf("llmgate: quota exceeded: scope=%s used=%d limit=%d requested=%d reset_at=%s",
		e.Scope, e.TokensUsed, e.TokensLimit, e.TokensRequested, e.ResetAt.Format(time.RFC3339))
}

func (e *QuotaExceededError) Unwrap() error {
	return ErrQuotaExceeded
}

// ProviderCallError wraps an error returned by a provider call with its
// class and, when known, the HTTP status code.
type ProviderCallError struct {
	Provider   string
	StatusCode int
	Class      ErrorClass
	Err        error
}

func (e *ProviderCallError) Error() string {
	var b strings.Builder
	b.WriteString("llmgate: provider")
	if e.Provider != "" {
		fmt.Fprintf(&b, "=%s", e.Provider)
	}
	if e.StatusCode != 0 {
		fmt.Fprintf(&b, " status=%d", e.StatusCode)
	}
	fmt.Fprintf(&b, " class=%s: %v", e.Class, e.Err)
	return b.String()
}

func (e *ProviderCallError) Unwrap() error {
	return e.Err
}

// StatusError builds a ProviderCallError from an HTTP status code:
// 408 is a timeout, 429 a rate limit, 5xx a server error, and any other 4xx
// an invalid request.
func StatusError(provider string, code int, msg string) *ProviderCallError {
	var base error
	class := ClassTransient
	switch {
	case code == 408:
		base = ErrTimeout
	case code == 429:
		base = ErrRateLimited
	case code >= 500:
		base = ErrServer
	default:
		base = ErrInvalidRequest
		class = ClassFatal
	}
	err := base
	if msg != "" {
		err = fmt.Errorf("%w: %s", base, msg)
	}
	return &ProviderCallError{Provider: provider, StatusCode: code, Class: class, Err: err}
}

// ProviderFailure records why one candidate was given up on.
type ProviderFailure struct {
	Provider string
	Reason   string
	Err      error
}

// AllProvidersExhaustedError aggregates the failure of every candidate.
type AllProvidersExhaustedError struct {
	Reasons []ProviderFailure
}

func (e *AllProvidersExhaustedError) Error() string {
	if len(e.Reasons) == 0 {
		return ErrAllProvidersExhausted.Error()
	}
	parts := make([]string, len(e.Reasons))
	for i, r := range e.Reasons {
		parts[i] = fmt.Sprintf("%s: %s", r.Provider, r.Reason)
	}
	return fmt.Sprintf("%s: %s", ErrAllProvidersExhausted, strings.Join(parts, "; "))
}

// Unwrap exposes the sentinel and every underlying provider error to
// errors.Is and errors.As.
func (e *AllProvidersExhaustedError) Unwrap() []error {
	errs := make([]error, 0, len(e.Reasons)+1)
	errs = append(errs, ErrAllProvidersExhausted)
	for _, r := range e.Reasons {
		if r.Err != nil {
			errs = append(errs, r.Err)
		}
	}
	return errs
}

// ConfigError reports an invalid configuration field.
type ConfigError struct {
	Field  string
	Reason string
}

func (e *ConfigError) Error() string {
	return fmt.Sprintf("llmgate: config: %s: %s", e.Field, e.Reason)
}

func (e *ConfigError) Unwrap() error {
	return ErrInvalidConfig
}

// Classify returns the class of an error returned by a provider call.
// Errors that cannot be recognized as transient are fatal.
func Classify(err error) ErrorClass {
	if err == nil {
		return ClassNone
	}

	var pce *ProviderCallError
	if errors.As(err, &pce) && pce.Class != ClassNone {
		return pce.Class
	}

	switch {
	case errors.Is(err, ErrInvalidRequest), errors.Is(err, ErrSchema):
		return ClassFatal
	case errors.Is(err, ErrTimeout),
		errors.Is(err, ErrConnection),
		errors.Is(err, ErrServer),
		errors.Is(err, ErrRateLimited):
		return ClassTransient
	case errors.Is(err, context.Canceled):
		return ClassFatal
	case errors.Is(err, context.DeadlineExceeded):
		return ClassTransient
	case errors.Is(err, syscall.ECONNREFUSED),
		errors.Is(err, syscall.ECONNRESET),
		errors.Is(err, syscall.EPIPE):
		return ClassTransient
	}

	var netErr net.Error
	if errors.As(err, &netErr) && netErr.Timeout() {
		return ClassTransient
	}
	var opErr *net.OpError
	if errors.As(err, &opErr) {
		return ClassTransient
	}

	return ClassFatal
}

// IsRetryable reports whether err may be retried and failed over.
func IsRetryable(err error) bool {
	return Classify(err) == ClassTransient
}

// IsFatal reports whether err must be returned to the caller immediately.
func IsFatal(err error) bool {
	return Classify(err) == ClassFatal
}
