// Package qtrace defines a minimal tracing capability used by the run
// coordinator. When no tracing backend is configured the no-op
// implementation is selected, so instrumentation can never fail a run.
package qtrace

import "context"

// Span is one timed unit of work.
type Span interface {
	// SetAttr attaches a key/value attribute to the span.
	SetAttr(key string, value any)

	// End closes the span. Must be called exactly once; extra calls are
	// ignored by implementations.
	End()
}

// Tracer starts spans. Implementations must never return nil spans and
// must never panic.
type Tracer interface {
	StartSpan(ctx context.Context, name string) (context.Context, Span)
}

// Noop returns a Tracer whose spans do nothing.
func Noop() Tracer {
	return noopTracer{}
}

type noopTracer struct{}

func (noopTracer) StartSpan(ctx context.Context, _ string) (context.Context, Span) {
	return ctx, noopSpan{}
}

type noopSpan struct{}

func (noopSpan) SetAttr(string, any) {}
func (noopSpan) End()                {}
