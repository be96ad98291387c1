package llmgate

import (
	"context"
	"sync"
)

// Handler serves a governed call.
type Handler interface {
	Call(ctx context.Context, req Request) (Response, error)
}

// HandlerFunc adapts a function to Handler.
type HandlerFunc func(ctx context.Context, req Request) (Response, error)

// Call calls f(ctx, req).
func (f HandlerFunc) Call(ctx context.Context, req Request) (Response, error) {
	return f(ctx, req)
}

// Stage wraps a Handler with one concern of the pipeline.
type Stage func(next Handler) Handler

// Pipeline is an ordered list of stages.
type Pipeline struct {
	stages []Stage
}

// Chain returns a Pipeline running stages in the given order, the first
// stage outermost.
func Chain(stages ...Stage) Pipeline {
	return Pipeline{stages: append([]Stage(nil), stages...)}
}

// Append returns a copy of p with stages added innermost.
func (p Pipeline) Append(stages ...Stage) Pipeline {
	out := make([]Stage, 0, len(p.stages)+len(stages))
	out = append(out, p.stages...)
	out = append(out, stages...)
	return Pipeline{stages: out}
}

// Then wraps h with every stage of p.
func (p Pipeline) Then(h Handler) Handler {
	for i := len(p.stages) - 1; i >= 0; i-- {
		h = p.stages[i](h)
	}
	return h
}

// callState carries what earlier stages decided to later ones.
type callState struct {
	mu sync.Mutex

	requestID string

	// order is the route preview.
	order []string

	// admitted is the provider whose rate limit permits were taken by the
	// rate limit stage and not yet spent on an attempt.
	admitted string
	permits  int

	quota    QuotaDecision
	attempts []CallAttempt
}

type stateKey struct{}

func withState(ctx context.Context, st *callState) context.Context {
	return context.WithValue(ctx, stateKey{}, st)
}

// stateFrom returns the call state of ctx. Handlers invoked outside
// Orchestrator.Call get a fresh, detached state.
func stateFrom(ctx context.Context) *callState {
	if st, ok := ctx.Value(stateKey{}).(*callState); ok {
		return st
	}
	return &callState{}
}

func requestIDFrom(ctx context.Context) string {
	if st, ok := ctx.Value(stateKey{}).(*callState); ok {
		return st.requestID
	}
	return ""
}

// takeAdmitted returns true, once, when provider's permits were already
// acquired by the rate limit stage.
func (s *callState) takeAdmitted(provider string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.admitted == "" || s.admitted != provider {
		return false
	}
	s.admitted = ""
	return true
}

// unspent returns the provider holding unspent permits, clearing it.
func (s *callState) unspent() string {
	s.mu.Lock()
	defer s.mu.Unlock()
	p := s.admitted
	s.admitted = ""
	return p
}

func (s *callState) addAttempt(a CallAttempt) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.attempts = append(s.attempts, a)
}

func (s *callState) callAttempts() []CallAttempt {
	s.mu.Lock()
	defer s.mu.Unlock()
	return append([]CallAttempt(nil), s.attempts...)
}
