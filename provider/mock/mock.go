// Package mock provides scripted providers for tests and examples.
package mock

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"

	"github.com/hardik936/llmgate"
)

// Provider is a mock provider.
type Provider struct {
	name         string
	latency      time.Duration
	clock        llmgate.Clock
	failAfter    int
	staticErr    error
	tokens       int64
	responseFunc func(llmgate.Request) (llmgate.CallResult, error)

	mu     sync.Mutex
	script []error

	callCount atomic.Int64
}

// Option configures a mock Provider.
type Option func(*Provider)

// New creates a mock provider with the given options.
func New(opts ...Option) *Provider {
	p := &Provider{
		name:   "mock",
		tokens: 30,
	}
	for _, opt := range opts {
		opt(p)
	}
	return p
}

// WithName sets the provider name.
func WithName(name string) Option {
	return func(p *Provider) { p.name = name }
}

// WithLatency adds simulated latency to each call.
func WithLatency(d time.Duration) Option {
	return func(p *Provider) { p.latency = d }
}

// WithClock waits out the latency on clk instead of wall time.
func WithClock(clk llmgate.Clock) Option {
	return func(p *Provider) { p.clock = clk }
}

// WithFailAfter makes the provider fail with a server error after N
// successful calls.
func WithFailAfter(n int) Option {
	return func(p *Provider) { p.failAfter = n }
}

// WithError makes the provider always return this error.
func WithError(err error) Option {
	return func(p *Provider) { p.staticErr = err }
}

// WithScript makes the first len(errs) calls return errs in order; a nil
// entry is a success. Later calls behave as configured otherwise.
func WithScript(errs ...error) Option {
	return func(p *Provider) { p.script = append(p.script, errs...) }
}

// WithTokens sets the tokens reported as used.
func WithTokens(n int64) Option {
	return func(p *Provider) { p.tokens = n }
}

// WithResponseFunc sets a custom response function.
func WithResponseFunc(fn func(llmgate.Request) (llmgate.CallResult, error)) Option {
	return func(p *Provider) { p.responseFunc = fn }
}

func (p *Provider) Name() string { return p.name }

// Calls returns how many times the provider was called.
func (p *Provider) Calls() int { return int(p.callCount.Load()) }

// Call serves one request.
func (p *Provider) Call(ctx context.Context, req llmgate.Request) (llmgate.CallResult, error) {
	if p.latency > 0 {
		var wait <-chan time.Time
		if p.clock != nil {
			wait = p.clock.After(p.latency)
		} else {
			wait = time.After(p.latency)
		}
		select {
		case <-wait:
		case <-ctx.Done():
			return llmgate.CallResult{}, ctx.Err()
		}
	}

	count := p.callCount.Add(1)

	if err, ok := p.next(); ok {
		if err != nil {
			return llmgate.CallResult{}, err
		}
		return p.respond(req)
	}

	if p.staticErr != nil {
		return llmgate.CallResult{}, p.staticErr
	}

	if p.failAfter > 0 && int(count) > p.failAfter {
		return llmgate.CallResult{}, llmgate.StatusError(p.name, 503, "mock unavailable")
	}

	return p.respond(req)
}

func (p *Provider) next() (error, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if len(p.script) == 0 {
		return nil, false
	}
	err := p.script[0]
	p.script = p.script[1:]
	return err, true
}

func (p *Provider) respond(req llmgate.Request) (llmgate.CallResult, error) {
	if p.responseFunc != nil {
		return p.responseFunc(req)
	}
	return llmgate.CallResult{
		Value:      fmt.Sprintf("Hello from %s", p.name),
		TokensUsed: p.tokens,
	}, nil
}

// Set routes calls to mock providers by name.
type Set struct {
	providers map[string]*Provider
}

// NewSet creates a Set of providers.
func NewSet(providers ...*Provider) *Set {
	s := &Set{providers: make(map[string]*Provider, len(providers))}
	for _, p := range providers {
		s.providers[p.name] = p
	}
	return s
}

// Call is an llmgate.CallFunc.
func (s *Set) Call(ctx context.Context, provider string, req llmgate.Request) (llmgate.CallResult, error) {
	p, ok := s.providers[provider]
	if !ok {
		return llmgate.CallResult{}, fmt.Errorf("%w: mock has no provider %q", llmgate.ErrInvalidRequest, provider)
	}
	return p.Call(ctx, req)
}

// Provider returns the named provider, or nil.
func (s *Set) Provider(name string) *Provider { return s.providers[name] }
