package llmgate

import (
	"log/slog"

	"go.opentelemetry.io/otel/trace"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/hardik936/llmgate/store"
	"github.com/hardik936/llmgate/store/memory"
)

// Option configures an Orchestrator or one of its components.
type Option func(*options)

type options struct {
	clock  Clock
	logger *slog.Logger
	meter  Meter
	tracer trace.Tracer
	stores *store.Stores
	health *HealthTracker
	rand   func() float64
	stages []Stage
}

// WithClock sets the time source (default wall clock).
func WithClock(c Clock) Option {
	return func(o *options) { o.clock = c }
}

// WithLogger sets the logger (default slog.Default()).
func WithLogger(l *slog.Logger) Option {
	return func(o *options) { o.logger = l }
}

// WithMeter sets the meter.
func WithMeter(m Meter) Option {
	return func(o *options) { o.meter = m }
}

// WithTracer sets the tracer used for call spans (default a no-op tracer).
func WithTracer(t trace.Tracer) Option {
	return func(o *options) { o.tracer = t }
}

// WithStores sets the state backends. When unset, New opens the store named
// by Config.SharedStore, or an in-memory store when that is empty.
func WithStores(s store.Stores) Option {
	return func(o *options) { o.stores = &s }
}

// WithHealthTracker sets the health tracker.
func WithHealthTracker(h *HealthTracker) Option {
	return func(o *options) { o.health = h }
}

// WithJitterSource sets the random source for backoff jitter. fn must
// return values in [0, 1).
func WithJitterSource(fn func() float64) Option {
	return func(o *options) { o.rand = fn }
}

// WithStages adds stages that run before the built-in ones on every Call.
func WithStages(stages ...Stage) Option {
	return func(o *options) { o.stages = append(o.stages, stages...) }
}

func buildOptions(opts []Option) options {
	var o options
	for _, opt := range opts {
		opt(&o)
	}

	// Apply defaults after options.
	if o.clock == nil {
		o.clock = realClock{}
	}
	if o.logger == nil {
		o.logger = slog.Default()
	}
	if o.meter == nil {
		o.meter = noopMeter{}
	}
	if o.tracer == nil {
		o.tracer = noop.NewTracerProvider().Tracer("llmgate")
	}
	if o.health == nil {
		o.health = NewHealthTracker(o.clock)
	}
	return o
}

// memoryStores returns the in-process backend used when no store is given.
func memoryStores() store.Stores {
	return memory.New().Stores()
}
