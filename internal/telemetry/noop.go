package telemetry

import (
	"context"
	"time"
)

// NoOpProvider discards everything. It is the default when no provider is configured.
type NoOpProvider struct{}

func NewNoOp() *NoOpProvider {
	return &NoOpProvider{}
}

func (n *NoOpProvider) StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span) {
	return ctx, NoOpSpan{}
}

func (n *NoOpProvider) RecordCacheHit(ctx context.Context, flagKey string)  {}
func (n *NoOpProvider) RecordCacheMiss(ctx context.Context, flagKey string) {}

func (n *NoOpProvider) RecordEvaluation(ctx context.Context, flagKey, source string, duration time.Duration) {
}

func (n *NoOpProvider) RecordSourceError(ctx context.Context, source, op string) {}

func (n *NoOpProvider) RecordRefresh(ctx context.Context, source string, success bool, duration time.Duration) {
}

func (n *NoOpProvider) RecordCircuitState(ctx context.Context, source, state string) {}

func (n *NoOpProvider) Shutdown(ctx context.Context) error {
	return nil
}

// NoOpSpan is a span that does nothing
type NoOpSpan struct{}

func (NoOpSpan) End()                                     {}
func (NoOpSpan) SetAttributes(attrs ...Attribute)         {}
func (NoOpSpan) RecordError(err error)                    {}
func (NoOpSpan) AddEvent(name string, attrs ...Attribute) {}
