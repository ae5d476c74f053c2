// Package telemetry defines the observability hooks used by the engine.
// Implementations must be safe for concurrent use.
package telemetry

import (
	"context"
	"time"
)

// Provider defines the interface for telemetry providers
type Provider interface {
	// Tracer operations
	StartSpan(ctx context.Context, name string, opts ...SpanOption) (context.Context, Span)

	// Metrics operations
	RecordCacheHit(ctx context.Context, flagKey string)
	RecordCacheMiss(ctx context.Context, flagKey string)
	RecordEvaluation(ctx context.Context, flagKey, source string, duration time.Duration)
	RecordSourceError(ctx context.Context, source, op string)
	RecordRefresh(ctx context.Context, source string, success bool, duration time.Duration)
	RecordCircuitState(ctx context.Context, source, state string)

	// Lifecycle
	Shutdown(ctx context.Context) error
}

// Span represents a trace span
type Span interface {
	End()
	SetAttributes(attrs ...Attribute)
	RecordError(err error)
	AddEvent(name string, attrs ...Attribute)
}

// SpanOption configures span creation
type SpanOption func(*SpanConfig)

type SpanConfig struct {
	Attributes []Attribute
}

// Attribute is a key-value pair attached to spans and events. Value is one
// of string, int, int64, bool or float64.
type Attribute struct {
	Key   string
	Value any
}

func WithAttributes(attrs ...Attribute) SpanOption {
	return func(c *SpanConfig) {
		c.Attributes = append(c.Attributes, attrs...)
	}
}

func String(key, value string) Attribute {
	return Attribute{Key: key, Value: value}
}

func Int(key string, value int) Attribute {
	return Attribute{Key: key, Value: value}
}

func Bool(key string, value bool) Attribute {
	return Attribute{Key: key, Value: value}
}

// Duration records value in milliseconds.
func Duration(key string, value time.Duration) Attribute {
	return Attribute{Key: key, Value: value.Milliseconds()}
}
